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

// Package linux provides the syscall table of the task core.
package linux

import (
	"ksentry.dev/ksentry/pkg/abi/linux"
	"ksentry.dev/ksentry/pkg/sentry/kernel"
	"ksentry.dev/ksentry/pkg/sentry/syscalls"
)

// RISCV64 is the table of the process, memory and time syscalls, numbered
// as the riscv64 teaching ABI numbers them.
var RISCV64 = &kernel.SyscallTable{
	Name: "riscv64",
	Table: map[uintptr]kernel.Syscall{
		linux.SYS_EXIT:         syscalls.Supported("exit", Exit),
		linux.SYS_YIELD:        syscalls.Supported("yield", Yield),
		linux.SYS_SET_PRIORITY: syscalls.Supported("set_priority", SetPriority),
		linux.SYS_GET_TIME:     syscalls.PartiallySupported("get_time", GetTime, "The timezone argument is ignored."),
		linux.SYS_GETPID:       syscalls.Supported("getpid", Getpid),
		linux.SYS_SBRK:         syscalls.Supported("sbrk", Sbrk),
		linux.SYS_MUNMAP:       syscalls.PartiallySupported("munmap", Munmap, "Only whole areas created by one mmap can be unmapped."),
		linux.SYS_FORK:         syscalls.Supported("fork", Fork),
		linux.SYS_EXEC:         syscalls.Supported("exec", Exec),
		linux.SYS_MMAP:         syscalls.PartiallySupported("mmap", Mmap, "The start address must be page aligned; there are no flags or file mappings."),
		linux.SYS_WAITPID:      syscalls.Supported("waitpid", Waitpid),
		linux.SYS_SPAWN:        syscalls.Supported("spawn", Spawn),
		linux.SYS_TASK_INFO:    syscalls.Supported("task_info", TaskInfo),
	},
	Missing: syscalls.Missing,
}
