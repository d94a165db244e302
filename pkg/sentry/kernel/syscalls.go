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

package kernel

import (
	stderrors "errors"
	"fmt"
	"sort"

	"ksentry.dev/ksentry/pkg/errors"
	"ksentry.dev/ksentry/pkg/errors/linuxerr"
	"ksentry.dev/ksentry/pkg/sentry/arch"
)

// SyscallFn is a syscall implementation. A non-nil error is turned into the
// negative result SyscallErrorCode gives for it.
type SyscallFn func(t *Task, args arch.SyscallArguments) (uintptr, *SyscallControl, error)

// SyscallControl is returned by syscalls to change what the task does next.
type SyscallControl struct {
	// exit means the task has exited and must never be resumed.
	exit bool

	// yield means the task gives up the processor but stays ready.
	yield bool
}

var (
	// CtrlDoExit is returned by syscalls that exit the calling task.
	CtrlDoExit = &SyscallControl{exit: true}

	// CtrlYield is returned by syscalls that yield the processor.
	CtrlYield = &SyscallControl{yield: true}
)

// String implements fmt.Stringer.String.
func (c *SyscallControl) String() string {
	switch {
	case c == nil:
		return "continue"
	case c.exit:
		return "exit"
	case c.yield:
		return "yield"
	default:
		return "unknown"
	}
}

// SyscallSupportLevel is how completely a syscall is implemented.
type SyscallSupportLevel int

// Support levels.
const (
	// SupportFull means the syscall behaves as documented.
	SupportFull SyscallSupportLevel = iota

	// SupportPartial means some arguments or modes are not supported; Note
	// says which.
	SupportPartial
)

// String implements fmt.Stringer.String.
func (l SyscallSupportLevel) String() string {
	switch l {
	case SupportFull:
		return "Full Support"
	case SupportPartial:
		return "Partial Support"
	default:
		return "Unknown"
	}
}

// Syscall includes the syscall implementation and compatibility information.
type Syscall struct {
	// Name is the syscall name.
	Name string

	// Fn is the implementation.
	Fn SyscallFn

	// SupportLevel is the level of support implemented.
	SupportLevel SyscallSupportLevel

	// Note describes how the syscall differs from its documentation.
	Note string
}

// SyscallTable is a lookup table of system calls.
type SyscallTable struct {
	// Name identifies the table.
	Name string

	// Table is the collection of functions.
	Table map[uintptr]Syscall

	// Missing is called for syscalls that are not in Table. If nil, they
	// fail with ENOSYS.
	Missing func(t *Task, sysno uintptr, args arch.SyscallArguments) (uintptr, error)
}

// Lookup returns the syscall implementation, if one exists.
func (s *SyscallTable) Lookup(sysno uintptr) SyscallFn {
	if sc, ok := s.Table[sysno]; ok {
		return sc.Fn
	}
	return nil
}

// LookupName looks up a syscall name.
func (s *SyscallTable) LookupName(sysno uintptr) string {
	if sc, ok := s.Table[sysno]; ok {
		return sc.Name
	}
	return fmt.Sprintf("sys_%d", sysno)
}

// LookupNo looks up a syscall number by name.
func (s *SyscallTable) LookupNo(name string) (uintptr, error) {
	for i, sc := range s.Table {
		if sc.Name == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("syscall %q not found", name)
}

// Numbers returns the numbers of every syscall in the table in increasing
// order.
func (s *SyscallTable) Numbers() []uintptr {
	nums := make([]uintptr, 0, len(s.Table))
	for n := range s.Table {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// syscallErrorCodes is the closed mapping from errors to syscall results.
// Errors not listed map to -1.
var syscallErrorCodes = map[*errors.Error]int64{
	linuxerr.ECHILD: -1,
	linuxerr.EAGAIN: -2,
}

// SyscallErrorCode returns the negative syscall result for err.
func SyscallErrorCode(err error) int64 {
	var e *errors.Error
	if stderrors.As(err, &e) {
		if code, ok := syscallErrorCodes[e]; ok {
			return code
		}
	}
	return -1
}
