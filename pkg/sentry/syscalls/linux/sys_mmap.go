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

package linux

import (
	"ksentry.dev/ksentry/pkg/sentry/arch"
	"ksentry.dev/ksentry/pkg/sentry/kernel"
)

// Sbrk implements the sbrk syscall. It returns the previous break.
func Sbrk(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	old, err := t.ChangeProgramBrk(args[0].Int())
	if err != nil {
		return 0, nil, err
	}
	return uintptr(old), nil, nil
}

// Mmap implements the mmap syscall. Bits 0-2 of the port argument select
// read, write and execute access; no other bits may be set and at least one
// must be.
func Mmap(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	start := args[0].Pointer()
	length := args[1].Uint64()
	port := args[2].Uint64()
	if err := t.MMap(start, length, port); err != nil {
		return 0, nil, err
	}
	return 0, nil, nil
}

// Munmap implements the munmap syscall.
func Munmap(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	if err := t.MUnmap(args[0].Pointer(), args[1].Uint64()); err != nil {
		return 0, nil, err
	}
	return 0, nil, nil
}
