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

// Package platform provides a Platform abstraction.
//
// A Platform executes user code. The kernel hands it the running task through
// the narrow UserTask view and gets control back at the next trap.
package platform

import (
	"context"
	"fmt"

	"ksentry.dev/ksentry/pkg/hostarch"
	"ksentry.dev/ksentry/pkg/sentry/arch"
)

// UserTask is the view of a task a Platform needs to run it.
type UserTask interface {
	// PID returns the task's process ID.
	PID() uint64

	// TrapContext returns the saved user registers.
	TrapContext() arch.TrapContext

	// SetTrapContext replaces the saved user registers.
	SetTrapContext(tc arch.TrapContext)

	// CopyIn reads user memory.
	CopyIn(addr hostarch.Addr, dst []byte) (int, error)

	// CopyOut writes user memory.
	CopyOut(addr hostarch.Addr, src []byte) (int, error)

	// CopyInString reads a NUL-terminated string from user memory.
	CopyInString(addr hostarch.Addr, maxLen int) (string, error)
}

// Platform provides execution contexts.
type Platform interface {
	// Name identifies the platform.
	Name() string

	// NewContext returns a new execution context.
	NewContext() Context
}

// Context is the execution context of one hart.
type Context interface {
	// Switch resumes t in user mode from its trap context and runs it until
	// it traps. The user registers at the trap are saved back into t's trap
	// context before Switch returns the cause.
	//
	// Switch returns ErrContextInterrupt if ctx is done before t traps.
	Switch(ctx context.Context, t UserTask) (arch.TrapCause, error)
}

// ErrContextInterrupt is returned by Context.Switch() to indicate that the
// Context was interrupted before the task trapped.
var ErrContextInterrupt = fmt.Errorf("interrupted by context cancellation")
