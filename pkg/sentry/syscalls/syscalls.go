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

// Package syscalls is the interface from the application to the kernel.
// Traditionally, syscalls is the interface that is used by applications to
// request services from the kernel of a operating system.
//
// Note that the stubs in this package may merely provide the interface, not
// the actual implementation. It just makes writing syscall stubs
// straightforward.
package syscalls

import (
	"ksentry.dev/ksentry/pkg/errors/linuxerr"
	"ksentry.dev/ksentry/pkg/log"
	"ksentry.dev/ksentry/pkg/sentry/arch"
	"ksentry.dev/ksentry/pkg/sentry/kernel"
)

// Supported returns a syscall that is fully supported.
func Supported(name string, fn kernel.SyscallFn) kernel.Syscall {
	return kernel.Syscall{
		Name:         name,
		Fn:           fn,
		SupportLevel: kernel.SupportFull,
	}
}

// PartiallySupported returns a syscall that has a partial implementation.
func PartiallySupported(name string, fn kernel.SyscallFn, note string) kernel.Syscall {
	return kernel.Syscall{
		Name:         name,
		Fn:           fn,
		SupportLevel: kernel.SupportPartial,
		Note:         note,
	}
}

// UnimplementedEvent reports a call to an unimplemented syscall.
func UnimplementedEvent(t *kernel.Task, name string) {
	t.Kernel().Logger().Warningf("%v: unimplemented syscall %s", t, name)
}

// Missing is the handler of syscalls not in a table: it reports the call and
// fails it with ENOSYS.
func Missing(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, error) {
	if t.Kernel().Logger().IsLogging(log.Debug) {
		t.Kernel().Logger().Debugf("%v: sys_%d%v", t, sysno, args[:3])
	}
	UnimplementedEvent(t, t.Kernel().SyscallTable().LookupName(sysno))
	return 0, linuxerr.ENOSYS
}
