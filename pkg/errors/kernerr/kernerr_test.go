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

package kernerr

import (
	"fmt"
	"testing"

	"corevm.dev/corevm/pkg/abi/errno"
)

func TestErrorFromErrno(t *testing.T) {
	for _, e := range []errno.Errno{errno.ENOMEM, errno.EFAULT, errno.EUNIMP, errno.EINVAL} {
		err := ErrorFromErrno(e)
		if err.Errno() != e {
			t.Errorf("ErrorFromErrno(%v).Errno() = %v", e, err.Errno())
		}
	}
	if err := ErrorFromErrno(errno.NOERRNO); err != nil {
		t.Errorf("ErrorFromErrno(NOERRNO) = %v, want nil", err)
	}
}

func TestEqualsUnwraps(t *testing.T) {
	wrapped := fmt.Errorf("prepare-load: %w", ENOMEM)
	if !Equals(ENOMEM, wrapped) {
		t.Errorf("Equals(ENOMEM, %v) = false", wrapped)
	}
	if Equals(EFAULT, wrapped) {
		t.Errorf("Equals(EFAULT, %v) = true", wrapped)
	}
	if got := ToErrno(wrapped); got != errno.ENOMEM {
		t.Errorf("ToErrno(%v) = %v, want ENOMEM", wrapped, got)
	}
	if got := ToErrno(fmt.Errorf("plain")); got != errno.EINVAL {
		t.Errorf("ToErrno(plain) = %v, want EINVAL", got)
	}
}
