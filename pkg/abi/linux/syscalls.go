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

// Package linux contains the constants and types of the user-visible ABI of
// the task core.
package linux

// Syscall numbers, following the RISC-V Linux numbering where one exists.
const (
	SYS_MUNMAP       = 215
	SYS_SBRK         = 214
	SYS_MMAP         = 222
	SYS_EXIT         = 93
	SYS_YIELD        = 124
	SYS_SET_PRIORITY = 140
	SYS_GET_TIME     = 169
	SYS_GETPID       = 172
	SYS_FORK         = 220
	SYS_EXEC         = 221
	SYS_WAITPID      = 260
	SYS_SPAWN        = 400
	SYS_TASK_INFO    = 410
)

// MaxSyscallNum bounds the syscall numbers counted in TaskInfo.
const MaxSyscallNum = 500

// WaitAny is the waitpid pid argument matching any child.
const WaitAny = -1

// MaxPathLen bounds the program names accepted by exec and spawn.
const MaxPathLen = 255
