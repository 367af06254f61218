// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

package asyncutil

import (
	"sync"
	"time"
)

// CancellableTimer wraps time.Timer with idempotent Cancel/Reset
// semantics, used for the eviction-check and shutdown-recheck timers.
type CancellableTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	fn    func()
}

// NewCancellableTimer arms a timer that calls fn after d elapses.
func NewCancellableTimer(d time.Duration, fn func()) *CancellableTimer {
	t := &CancellableTimer{fn: fn}
	t.timer = time.AfterFunc(d, fn)
	return t
}

// Reset cancels any pending fire and arms a new one at d.
func (t *CancellableTimer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, t.fn)
}

// Cancel stops the timer; it is safe to call multiple times.
func (t *CancellableTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

// MaxEvictionCheckDelay is a one-hour bound for the eviction-check timer,
// so a query with a multi-hour or never-expiring TTL still gets
// periodically rechecked. The service takes its cap from
// Config.EvictionCheckCap, not from this constant.
const MaxEvictionCheckDelay = time.Hour
