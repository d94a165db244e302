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
	"ksentry.dev/ksentry/pkg/abi/linux"
	"ksentry.dev/ksentry/pkg/hostarch"
	"ksentry.dev/ksentry/pkg/sentry/arch"
	"ksentry.dev/ksentry/pkg/sentry/kernel"
	"ksentry.dev/ksentry/pkg/sentry/loader"
)

// Exit implements the exit syscall. It never returns to the caller.
func Exit(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	t.Exit(args[0].Int())
	return 0, kernel.CtrlDoExit, nil
}

// Yield implements the yield syscall.
func Yield(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return 0, kernel.CtrlYield, nil
}

// Getpid implements the getpid syscall.
func Getpid(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return uintptr(t.PID()), nil, nil
}

// Fork implements the fork syscall.
func Fork(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	child, err := t.Fork()
	if err != nil {
		return 0, nil, err
	}
	// fork returns 0 in the child.
	tc := child.TrapContext()
	tc.SetReturn(0)
	child.SetTrapContext(tc)
	t.Kernel().AddTask(child)
	return uintptr(child.PID()), nil, nil
}

// loadPath reads the program name at addr and loads the program.
func loadPath(t *kernel.Task, addr hostarch.Addr) (*loader.Image, error) {
	path, err := t.CopyInString(addr, linux.MaxPathLen)
	if err != nil {
		return nil, err
	}
	return t.Kernel().LoadApp(path)
}

// Exec implements the exec syscall.
func Exec(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	img, err := loadPath(t, args[0].Pointer())
	if err != nil {
		return 0, nil, err
	}
	if err := t.Exec(img); err != nil {
		return 0, nil, err
	}
	return 0, nil, nil
}

// Spawn implements the spawn syscall: a new child running the named program,
// without copying the caller's address space.
func Spawn(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	img, err := loadPath(t, args[0].Pointer())
	if err != nil {
		return 0, nil, err
	}
	child, err := t.Spawn(img)
	if err != nil {
		return 0, nil, err
	}
	t.Kernel().AddTask(child)
	return uintptr(child.PID()), nil, nil
}

// Waitpid implements the waitpid syscall. It never blocks.
func Waitpid(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	pid := args[0].Int64()
	addr := args[1].Pointer()
	reaped, err := t.WaitPID(pid, addr)
	if err != nil {
		return 0, nil, err
	}
	return uintptr(reaped), nil, nil
}

// SetPriority implements the set_priority syscall.
func SetPriority(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	prio := args[0].Int64()
	if err := t.SetPriority(prio); err != nil {
		return 0, nil, err
	}
	return uintptr(prio), nil, nil
}
