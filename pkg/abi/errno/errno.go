// Copyright 2026 The corevm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errno holds the kernel's error numbers.
package errno

import "fmt"

// Errno represents a kernel errno value.
type Errno uint32

// Errno values, as numbered by the kernel's <kern/errno.h>.
const (
	NOERRNO Errno = iota
	ENOSYS
	EUNIMP
	ENOMEM
	EAGAIN
	EINTR
	EFAULT
	ENAMETOOLONG
	EINVAL
	EPERM
	EACCES
	EMPROC
	ENPROC
	ENOEXEC
	E2BIG
	ESRCH
	ECHILD
)

var names = [...]string{
	NOERRNO:      "NOERRNO",
	ENOSYS:       "ENOSYS",
	EUNIMP:       "EUNIMP",
	ENOMEM:       "ENOMEM",
	EAGAIN:       "EAGAIN",
	EINTR:        "EINTR",
	EFAULT:       "EFAULT",
	ENAMETOOLONG: "ENAMETOOLONG",
	EINVAL:       "EINVAL",
	EPERM:        "EPERM",
	EACCES:       "EACCES",
	EMPROC:       "EMPROC",
	ENPROC:       "ENPROC",
	ENOEXEC:      "ENOEXEC",
	E2BIG:        "E2BIG",
	ESRCH:        "ESRCH",
	ECHILD:       "ECHILD",
}

// String implements fmt.Stringer.String.
func (e Errno) String() string {
	if int(e) < len(names) {
		return names[e]
	}
	return fmt.Sprintf("Errno(%d)", uint32(e))
}
