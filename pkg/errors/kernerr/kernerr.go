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

// Package kernerr contains syscall error codes exported as an error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package kernerr

import (
	goerrors "errors"
	"fmt"

	"corevm.dev/corevm/pkg/abi/errno"
	"corevm.dev/corevm/pkg/errors"
)

// The following errors are semantically identical to Errno of type unix.Errno
// or sycall.Errno. However, since the type are distinct ( these are
// *errors.Error), they are not directly comparable. However, the Errno method
// returns an Errno number such that the error can be compared to unix/syscall.Errno
// (e.g. unix.Errno(EPERM.Errno()) == unix.EPERM is true). Converting unix/syscall.Errno
// to the errors should be done via the lookup methods provided.
var (
	ENOSYS       = errors.New(errno.ENOSYS, "function not implemented")
	EUNIMP       = errors.New(errno.EUNIMP, "unimplemented feature")
	ENOMEM       = errors.New(errno.ENOMEM, "out of memory")
	EAGAIN       = errors.New(errno.EAGAIN, "operation would block")
	EINTR        = errors.New(errno.EINTR, "interrupted system call")
	EFAULT       = errors.New(errno.EFAULT, "bad memory reference")
	ENAMETOOLONG = errors.New(errno.ENAMETOOLONG, "string too long")
	EINVAL       = errors.New(errno.EINVAL, "invalid argument")
	EPERM        = errors.New(errno.EPERM, "operation not permitted")
	EACCES       = errors.New(errno.EACCES, "permission denied")
	EMPROC       = errors.New(errno.EMPROC, "too many processes")
	ENPROC       = errors.New(errno.ENPROC, "too many processes in system")
	ENOEXEC      = errors.New(errno.ENOEXEC, "file is not executable")
	E2BIG        = errors.New(errno.E2BIG, "argument list too long")
	ESRCH        = errors.New(errno.ESRCH, "no such process")
	ECHILD       = errors.New(errno.ECHILD, "no child processes")
)

var errorSlice = []*errors.Error{
	errno.ENOSYS:       ENOSYS,
	errno.EUNIMP:       EUNIMP,
	errno.ENOMEM:       ENOMEM,
	errno.EAGAIN:       EAGAIN,
	errno.EINTR:        EINTR,
	errno.EFAULT:       EFAULT,
	errno.ENAMETOOLONG: ENAMETOOLONG,
	errno.EINVAL:       EINVAL,
	errno.EPERM:        EPERM,
	errno.EACCES:       EACCES,
	errno.EMPROC:       EMPROC,
	errno.ENPROC:       ENPROC,
	errno.ENOEXEC:      ENOEXEC,
	errno.E2BIG:        E2BIG,
	errno.ESRCH:        ESRCH,
	errno.ECHILD:       ECHILD,
}

// ErrorFromErrno gets an error from the list and panics if an invalid entry is
// requested.
func ErrorFromErrno(e errno.Errno) *errors.Error {
	if e == errno.NOERRNO {
		return nil
	}
	if int(e) >= len(errorSlice) || errorSlice[e] == nil {
		panic(fmt.Sprintf("invalid error requested with errno: %v", e))
	}
	return errorSlice[e]
}

// ToErrno returns the errno carried by err, or NOERRNO if err is nil. Errors
// that carry no errno, including wrapped ones that do not, map to EINVAL.
func ToErrno(err error) errno.Errno {
	if err == nil {
		return errno.NOERRNO
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	return errno.EINVAL
}

// Equals compares a kernerr to a given error, unwrapping err if needed.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	return goerrors.Is(err, e)
}
