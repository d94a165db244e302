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
	"ksentry.dev/ksentry/pkg/hostarch"
)

// sstatusSPPUser is the value of sstatus.SPP that makes sret return to user
// mode (SPP cleared).
const sstatusSPPUser = 0

// TrapContext is the user register file plus the kernel-entry bookkeeping the
// trap path needs. It lives in the trap-context page of the task's address
// space, encoded with MarshalBytes.
type TrapContext struct {
	// X holds the general purpose registers x0-x31.
	X [32]uint64

	// Sstatus is the saved supervisor status register.
	Sstatus uint64

	// Sepc is the user program counter to resume at.
	Sepc uint64

	// KernelSatp is the token of the kernel address space.
	KernelSatp uint64

	// KernelSP is the top of the task's kernel stack.
	KernelSP uint64

	// TrapHandler is the address of the kernel trap handler.
	TrapHandler uint64
}

// trapContextWords is the number of 64-bit words in a TrapContext.
const trapContextWords = 32 + 5

// SizeBytes returns the encoded size of a TrapContext.
func (*TrapContext) SizeBytes() int {
	return trapContextWords * 8
}

// MarshalBytes serializes tc into dst.
//
// Precondition: len(dst) >= tc.SizeBytes().
func (tc *TrapContext) MarshalBytes(dst []byte) []byte {
	for i := range tc.X {
		hostarch.ByteOrder.PutUint64(dst[:8], tc.X[i])
		dst = dst[8:]
	}
	for _, v := range [...]uint64{tc.Sstatus, tc.Sepc, tc.KernelSatp, tc.KernelSP, tc.TrapHandler} {
		hostarch.ByteOrder.PutUint64(dst[:8], v)
		dst = dst[8:]
	}
	return dst
}

// UnmarshalBytes deserializes tc from src.
//
// Precondition: len(src) >= tc.SizeBytes().
func (tc *TrapContext) UnmarshalBytes(src []byte) []byte {
	for i := range tc.X {
		tc.X[i] = hostarch.ByteOrder.Uint64(src[:8])
		src = src[8:]
	}
	for _, p := range [...]*uint64{&tc.Sstatus, &tc.Sepc, &tc.KernelSatp, &tc.KernelSP, &tc.TrapHandler} {
		*p = hostarch.ByteOrder.Uint64(src[:8])
		src = src[8:]
	}
	return src
}

// SetSP sets the user stack pointer.
func (tc *TrapContext) SetSP(sp uint64) {
	tc.X[RegSP] = sp
}

// SyscallNumber returns the syscall number the user passed in a7.
func (tc *TrapContext) SyscallNumber() uintptr {
	return uintptr(tc.X[RegA7])
}

// SyscallArgs returns the syscall arguments the user passed in a0-a5.
func (tc *TrapContext) SyscallArgs() SyscallArguments {
	var args SyscallArguments
	for i := range args {
		args[i] = SyscallArgument{Value: uintptr(tc.X[RegA0+i])}
	}
	return args
}

// SetReturn stores a syscall result in a0.
func (tc *TrapContext) SetReturn(rval int64) {
	tc.X[RegA0] = uint64(rval)
}

// Return returns the value in a0 as a signed syscall result.
func (tc TrapContext) Return() int64 {
	return int64(tc.X[RegA0])
}

// AppInitContext returns the TrapContext a new program starts from: sret
// lands at entry in user mode with the stack pointer at sp.
func AppInitContext(entry, sp, kernelSatp, kernelSP, trapHandler uint64) TrapContext {
	tc := TrapContext{
		Sstatus:     sstatusSPPUser,
		Sepc:        entry,
		KernelSatp:  kernelSatp,
		KernelSP:    kernelSP,
		TrapHandler: trapHandler,
	}
	tc.SetSP(sp)
	return tc
}
