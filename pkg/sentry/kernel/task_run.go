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
	"context"
	"fmt"

	"ksentry.dev/ksentry/pkg/errors/linuxerr"
	"ksentry.dev/ksentry/pkg/log"
	"ksentry.dev/ksentry/pkg/sentry/arch"
	"ksentry.dev/ksentry/pkg/sentry/platform"
)

// Exit codes of tasks killed by the kernel.
const (
	// ExitCodeFault is the exit code of a task killed by a page fault.
	ExitCodeFault = -2

	// ExitCodeIllegalInstruction is the exit code of a task killed by an
	// illegal instruction.
	ExitCodeIllegalInstruction = -3
)

// RunNext fetches the next ready task and switches to it. It returns nil if
// no task is ready.
func (k *Kernel) RunNext() *Task {
	s := k.queue.Fetch()
	if s == nil {
		return nil
	}
	t := s.(*Task)
	resume := k.proc.switchTo(t, k.clock.Now())
	if k.log.IsLogging(log.Debug) {
		k.log.Debugf("%v resumes at %#x", t, resume)
	}
	return t
}

// Run runs tasks on p until no task is ready. It returns ctx's error if ctx
// is done first, leaving the interrupted task current.
func (k *Kernel) Run(ctx context.Context, p platform.Platform) error {
	pc := p.NewContext()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := k.Current()
		if t == nil {
			if t = k.RunNext(); t == nil {
				return nil
			}
		}
		if err := k.runUser(ctx, pc, t); err != nil {
			return err
		}
	}
}

// runUser runs t in user mode until it gives up the processor.
func (k *Kernel) runUser(ctx context.Context, pc platform.Context, t *Task) error {
	for {
		cause, err := pc.Switch(ctx, t)
		if err != nil {
			if err == platform.ErrContextInterrupt {
				return ctx.Err()
			}
			return fmt.Errorf("%v: running user code: %w", t, err)
		}
		if ctrl := k.HandleTrap(t, cause); ctrl != nil {
			k.finish(t, ctrl)
			return nil
		}
	}
}

// HandleTrap handles a trap of the running task t. It returns nil if t keeps
// running.
//
// A system call advances sepc past the ecall before dispatch, so that a task
// switched out inside the call resumes after it, and stores the result in a0
// of the trap context as it is after the call: exec replaces it.
func (k *Kernel) HandleTrap(t *Task, cause arch.TrapCause) *SyscallControl {
	switch cause {
	case arch.UserEnvCall:
		tc := t.TrapContext()
		tc.Sepc += 4
		t.SetTrapContext(tc)
		ret, ctrl := k.doSyscall(t, tc.SyscallNumber(), tc.SyscallArgs())
		if ctrl == CtrlDoExit {
			return ctrl
		}
		tc = t.TrapContext()
		tc.SetReturn(ret)
		t.SetTrapContext(tc)
		return ctrl
	case arch.TimerInterrupt:
		return CtrlYield
	case arch.StoreFault, arch.LoadFault:
		tc := t.TrapContext()
		k.log.Warningf("%v: %v at pc %#x, killed", t, cause, tc.Sepc)
		t.Exit(ExitCodeFault)
		return CtrlDoExit
	case arch.IllegalInstruction:
		tc := t.TrapContext()
		k.log.Warningf("%v: %v at pc %#x, killed", t, cause, tc.Sepc)
		t.Exit(ExitCodeIllegalInstruction)
		return CtrlDoExit
	default:
		panic(fmt.Sprintf("%v: unsupported trap %v", t, cause))
	}
}

// Syscall invokes a system call on behalf of the current task as if it had
// trapped into the kernel, and returns the result. It returns -1 if no task
// is running. If the call exits or yields, the task is switched out before
// Syscall returns.
func (k *Kernel) Syscall(sysno uintptr, args arch.SyscallArguments) int64 {
	t := k.Current()
	if t == nil {
		return -1
	}
	ret, ctrl := k.doSyscall(t, sysno, args)
	if ctrl != nil {
		k.finish(t, ctrl)
	}
	return ret
}

// doSyscall counts and dispatches one system call of t.
func (k *Kernel) doSyscall(t *Task, sysno uintptr, args arch.SyscallArguments) (int64, *SyscallControl) {
	t.mu.Lock()
	t.info.IncSyscallTimes(sysno)
	t.mu.Unlock()

	if k.log.IsLogging(log.Debug) {
		k.log.Debugf("%v %s", t, k.table.LookupName(sysno))
	}

	fn := k.table.Lookup(sysno)
	if fn == nil {
		if k.table.Missing != nil {
			rval, err := k.table.Missing(t, sysno, args)
			if err != nil {
				return SyscallErrorCode(err), nil
			}
			return int64(rval), nil
		}
		k.log.Warningf("%v: unsupported syscall %d", t, sysno)
		return SyscallErrorCode(linuxerr.ENOSYS), nil
	}
	rval, ctrl, err := fn(t, args)
	if err != nil {
		if k.log.IsLogging(log.Debug) {
			k.log.Debugf("%v %s failed: %v", t, k.table.LookupName(sysno), err)
		}
		return SyscallErrorCode(err), ctrl
	}
	return int64(rval), ctrl
}

// finish switches t out as ctrl requests.
func (k *Kernel) finish(t *Task, ctrl *SyscallControl) {
	switch {
	case ctrl.exit:
		t.mu.Lock()
		if status := t.status; status != TaskExited {
			t.mu.Unlock()
			panic(fmt.Sprintf("%v switched out for exit while %v", t, status))
		}
		orphan := t.parent == nil
		t.mu.Unlock()
		k.proc.schedule(t)
		if orphan {
			k.reap(t)
		}
	case ctrl.yield:
		t.mu.Lock()
		t.status = TaskReady
		t.mu.Unlock()
		k.proc.schedule(t)
		k.AddTask(t)
	}
}
