// Copyright 2018 The gVisor Authors.
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

// Package arch describes the machine state exchanged between user mode, the
// trap path and the task core: the user register file saved on a trap
// (TrapContext), the callee-saved kernel registers saved on a task switch
// (TaskContext), and the single-hart register bank that switches them (CPU).
//
// The register conventions are those of RV64: a0-a7 are x10-x17, the
// syscall number is passed in a7 and the result returned in a0.
package arch

import (
	"fmt"

	"ksentry.dev/ksentry/pkg/hostarch"
)

// Register indices into TrapContext.X.
const (
	RegRA = 1
	RegSP = 2
	RegA0 = 10
	RegA1 = 11
	RegA2 = 12
	RegA7 = 17
)

// Addresses of the kernel entry points that appear in saved machine state.
// Nothing executes at these addresses; the switch primitive and the trap path
// compare against them to decide where control resumes.
const (
	// TrapReturnAddr is the trap-return entry: restore the TrapContext and
	// drop to user mode.
	TrapReturnAddr uint64 = 0xffff_ffc0_8020_1000

	// TrapHandlerAddr is the kernel trap handler recorded in every
	// TrapContext.
	TrapHandlerAddr uint64 = 0xffff_ffc0_8020_2000

	// SwitchReturnAddr is the instruction after the switch call; it is the
	// resume address of every task that switched away voluntarily.
	SwitchReturnAddr uint64 = 0xffff_ffc0_8020_3000
)

// SyscallArgument is an argument supplied to a syscall implementation. The
// methods used to access the arguments are named after the ***C type name*** and
// they convert to the closest Go type available. For example, Int() refers to a
// 32-bit signed integer argument represented in Go as an int32.
//
// Using the accessor methods guarantees that the conversion between types is
// correct, taking into account size and signedness (i.e., zero-extension vs
// signed-extension).
type SyscallArgument struct {
	// Prefer to use accessor methods instead of 'Value' directly.
	Value uintptr
}

// SyscallArguments represents the set of arguments passed to a syscall.
type SyscallArguments [6]SyscallArgument

// Pointer returns the hostarch.Addr representation of a pointer argument.
func (a SyscallArgument) Pointer() hostarch.Addr {
	return hostarch.Addr(a.Value)
}

// Int returns the int32 representation of a 32-bit signed integer argument.
func (a SyscallArgument) Int() int32 {
	return int32(a.Value)
}

// Int64 returns the int64 representation of a 64-bit signed integer argument.
func (a SyscallArgument) Int64() int64 {
	return int64(a.Value)
}

// Uint64 returns the uint64 representation of a 64-bit unsigned integer argument.
func (a SyscallArgument) Uint64() uint64 {
	return uint64(a.Value)
}

// SizeT returns the uint representation of a size_t argument.
func (a SyscallArgument) SizeT() uint {
	return uint(a.Value)
}

// String implements fmt.Stringer.String.
func (a SyscallArgument) String() string {
	return fmt.Sprintf("%#x", a.Value)
}

// TrapCause is the reason user mode entered the kernel.
type TrapCause int

// Trap causes delivered by the platform.
const (
	// UserEnvCall is an ecall from user mode: a syscall.
	UserEnvCall TrapCause = iota

	// TimerInterrupt is a coarse timer tick; the task yields.
	TimerInterrupt

	// StoreFault is a store or store page fault.
	StoreFault

	// LoadFault is a load or load page fault.
	LoadFault

	// IllegalInstruction is an illegal instruction fault.
	IllegalInstruction
)

// String implements fmt.Stringer.String.
func (c TrapCause) String() string {
	switch c {
	case UserEnvCall:
		return "UserEnvCall"
	case TimerInterrupt:
		return "TimerInterrupt"
	case StoreFault:
		return "StoreFault"
	case LoadFault:
		return "LoadFault"
	case IllegalInstruction:
		return "IllegalInstruction"
	default:
		return fmt.Sprintf("TrapCause(%d)", int(c))
	}
}
