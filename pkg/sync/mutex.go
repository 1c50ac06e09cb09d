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

package sync

import (
	"sync"
	"sync/atomic"
)

// Mutex is a mutual exclusion lock that knows whether it is held.
//
// The zero value is an unlocked mutex. A Mutex must not be copied after first
// use.
type Mutex struct {
	m    sync.Mutex
	held atomic.Bool
}

// Lock locks m.
// +checklocksignore
func (m *Mutex) Lock() {
	m.m.Lock()
	m.held.Store(true)
}

// TryLock tries to lock m and reports whether it succeeded.
// +checklocksignore
func (m *Mutex) TryLock() bool {
	if !m.m.TryLock() {
		return false
	}
	m.held.Store(true)
	return true
}

// Unlock unlocks m.
// +checklocksignore
func (m *Mutex) Unlock() {
	if !m.held.Swap(false) {
		panic("sync: unlock of unlocked mutex")
	}
	m.m.Unlock()
}

// AssertHeld panics if m is not locked.
//
// This checks that some goroutine holds m, not that the caller does.
func (m *Mutex) AssertHeld(what string) {
	if !m.held.Load() {
		panic(what + " must be held")
	}
}
