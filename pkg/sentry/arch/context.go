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

package arch

import (
	"fmt"
)

// TaskContext is the callee-saved register snapshot of a task suspended in
// kernel mode. It is only ever meaningful as the suspended side of a switch
// and is not interpreted outside CPU.Switch.
type TaskContext struct {
	// RA is the resume address.
	RA uint64

	// SP is the kernel stack pointer.
	SP uint64

	// S holds the callee-saved registers s0-s11.
	S [12]uint64
}

// ZeroContext returns a placeholder context. It is overwritten by the first
// switch away from it and must never be resumed.
func ZeroContext() TaskContext {
	return TaskContext{}
}

// GotoTrapReturn returns the context of a task that has never run: resuming
// it enters trap return on the given kernel stack, so the first run behaves
// exactly like returning from a trap.
func GotoTrapReturn(kstackTop uint64) TaskContext {
	return TaskContext{
		RA: TrapReturnAddr,
		SP: kstackTop,
	}
}

// IsZero returns true if c has never been filled in.
func (c *TaskContext) IsZero() bool {
	return *c == TaskContext{}
}

// String implements fmt.Stringer.String.
func (c *TaskContext) String() string {
	return fmt.Sprintf("{ra:%#x sp:%#x}", c.RA, c.SP)
}

// CPU is the kernel-mode callee-saved register bank of the single hart.
//
// Switch is the only place a TaskContext is read or written.
type CPU struct {
	regs TaskContext
}

// Switch suspends the running kernel context into cur and resumes next. It
// returns the address execution resumes at: TrapReturnAddr for a task that
// has never run, SwitchReturnAddr for one that switched away earlier.
//
// cur and next must differ. Resuming a zero context is a kernel bug and
// panics.
func (c *CPU) Switch(cur, next *TaskContext) uint64 {
	if cur == next {
		panic("switch to the running context")
	}
	if next.IsZero() {
		panic("resuming a context that was never saved")
	}
	saved := c.regs
	saved.RA = SwitchReturnAddr
	*cur = saved
	c.regs = *next
	return c.regs.RA
}

// SP returns the kernel stack pointer of the running context.
func (c *CPU) SP() uint64 {
	return c.regs.SP
}
