// Copyright 2024 The gVisor Authors.
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

// Package ktime provides the kernel's notion of time since boot.
package ktime

import (
	"sync"
	"time"
)

// Clock reports the time elapsed since the kernel booted.
type Clock interface {
	Now() time.Duration
}

type monotonicClock struct {
	boot time.Time
}

// NewMonotonicClock returns a Clock whose zero is the time of the call.
func NewMonotonicClock() Clock {
	return &monotonicClock{boot: time.Now()}
}

// Now implements Clock.Now.
func (c *monotonicClock) Now() time.Duration {
	return time.Since(c.boot)
}

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Duration
}

// Now implements Clock.Now.
func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// Split returns d as whole seconds and the remaining microseconds.
func Split(d time.Duration) (sec, usec uint64) {
	us := uint64(d / time.Microsecond)
	return us / 1_000_000, us % 1_000_000
}
