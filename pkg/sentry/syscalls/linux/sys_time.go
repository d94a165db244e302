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
	"ksentry.dev/ksentry/pkg/sentry/arch"
	"ksentry.dev/ksentry/pkg/sentry/kernel"
)

// GetTime implements the get_time syscall. The second argument, a timezone
// pointer, is ignored.
func GetTime(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	tv := linux.NewTimeVal(t.Kernel().Clock().Now())
	if err := t.CopyOutObject(args[0].Pointer(), &tv); err != nil {
		return 0, nil, err
	}
	return 0, nil, nil
}

// TaskInfo implements the task_info syscall.
func TaskInfo(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	info := t.Info()
	if err := t.CopyOutObject(args[0].Pointer(), &info); err != nil {
		return 0, nil, err
	}
	return 0, nil, nil
}
