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
	"fmt"
	"sync"
	"time"

	"ksentry.dev/ksentry/pkg/abi/linux"
	"ksentry.dev/ksentry/pkg/errors/linuxerr"
	"ksentry.dev/ksentry/pkg/hostarch"
	"ksentry.dev/ksentry/pkg/sentry/arch"
	"ksentry.dev/ksentry/pkg/sentry/kernel/sched"
	"ksentry.dev/ksentry/pkg/sentry/mm"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus int

// Task states.
const (
	TaskUnInit TaskStatus = iota
	TaskReady
	TaskRunning
	TaskExited
)

// String implements fmt.Stringer.String.
func (s TaskStatus) String() string {
	switch s {
	case TaskUnInit:
		return "UnInit"
	case TaskReady:
		return "Ready"
	case TaskRunning:
		return "Running"
	case TaskExited:
		return "Exited"
	default:
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
}

// abi returns the task_info encoding of s.
func (s TaskStatus) abi() uint32 {
	switch s {
	case TaskReady:
		return linux.TaskReady
	case TaskRunning:
		return linux.TaskRunning
	case TaskExited:
		return linux.TaskExited
	default:
		return linux.TaskUnInit
	}
}

// TaskControlInfo holds the per-task counters reported by task_info.
type TaskControlInfo struct {
	syscallTimes [linux.MaxSyscallNum]uint32

	// firstRun is the time the task was first scheduled; valid if started.
	firstRun time.Duration
	started  bool
}

// IncSyscallTimes counts one invocation of sysno. Numbers beyond the table
// are not counted.
func (i *TaskControlInfo) IncSyscallTimes(sysno uintptr) {
	if sysno < linux.MaxSyscallNum {
		i.syscallTimes[sysno]++
	}
}

// SyscallTimes returns the number of invocations of sysno.
func (i *TaskControlInfo) SyscallTimes(sysno uintptr) uint32 {
	if sysno < linux.MaxSyscallNum {
		return i.syscallTimes[sysno]
	}
	return 0
}

// TrySetFirstRun records now as the first run time unless one is recorded.
func (i *TaskControlInfo) TrySetFirstRun(now time.Duration) {
	if !i.started {
		i.firstRun = now
		i.started = true
	}
}

// Elapsed returns the time since the first run, or zero if the task never
// ran.
func (i *TaskControlInfo) Elapsed(now time.Duration) time.Duration {
	if !i.started {
		return 0
	}
	return now - i.firstRun
}

// Task is the task control block.
type Task struct {
	k *Kernel

	// pid is immutable and never reused.
	pid uint64

	// kstack is the kernel stack of the task. It keeps its slot across exec.
	kstack *mm.KernelStack

	// entity is the scheduling state of the task. Its priority is atomic;
	// the rest is protected by the ready queue.
	entity sched.Entity

	mu sync.Mutex

	// ctx is the suspended kernel context. It is only touched by the
	// Processor, which runs on the single hart.
	ctx arch.TaskContext

	// +checklocks:mu
	status TaskStatus

	// +checklocks:mu
	ms *mm.MemorySet

	// trapCxPPN is the frame holding the TrapContext.
	//
	// +checklocks:mu
	trapCxPPN hostarch.PPN

	// baseSize is the top of the user stack when the image was loaded.
	//
	// +checklocks:mu
	baseSize hostarch.Addr

	// +checklocks:mu
	heapBottom hostarch.Addr

	// +checklocks:mu
	programBrk hostarch.Addr

	// parent does not own the task; it is nil for tasks nobody will reap.
	//
	// +checklocks:mu
	parent *Task

	// children are owned by the task until they are reaped.
	//
	// +checklocks:mu
	children []*Task

	// +checklocks:mu
	exitCode int32

	// +checklocks:mu
	info TaskControlInfo

	// +checklocks:mu
	released bool
}

// SchedEntity implements sched.Schedulable.SchedEntity.
func (t *Task) SchedEntity() *sched.Entity {
	return &t.entity
}

// Kernel returns the kernel the task belongs to.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// PID returns the task's process ID.
func (t *Task) PID() uint64 {
	return t.pid
}

// String implements fmt.Stringer.String.
func (t *Task) String() string {
	return fmt.Sprintf("pid[%d]", t.pid)
}

// Status returns the lifecycle state of the task.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ExitCode returns the exit code of an exited task.
func (t *Task) ExitCode() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// ParentPID returns the pid of the task's parent and false if it has none.
func (t *Task) ParentPID() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.parent == nil {
		return 0, false
	}
	return t.parent.pid, true
}

// Children returns the pids of the task's unreaped children in order.
func (t *Task) Children() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	pids := make([]uint64, 0, len(t.children))
	for _, c := range t.children {
		pids = append(pids, c.pid)
	}
	return pids
}

// Priority returns the scheduling weight of the task.
func (t *Task) Priority() uint64 {
	return t.entity.Priority()
}

// SetPriority sets the scheduling weight of the task. It returns EINVAL for
// priorities below sched.MinPriority.
func (t *Task) SetPriority(prio int64) error {
	if prio < sched.MinPriority {
		return fmt.Errorf("priority %d below %d: %w", prio, sched.MinPriority, linuxerr.EINVAL)
	}
	t.entity.SetPriority(uint64(prio))
	return nil
}

// TrapContext returns a copy of the task's trap context.
func (t *Task) TrapContext() arch.TrapContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trapContextLocked()
}

// +checklocks:t.mu
func (t *Task) trapContextLocked() arch.TrapContext {
	var tc arch.TrapContext
	tc.UnmarshalBytes(t.k.mf.Bytes(t.trapCxPPN))
	return tc
}

// SetTrapContext replaces the task's trap context.
func (t *Task) SetTrapContext(tc arch.TrapContext) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setTrapContextLocked(tc)
}

// +checklocks:t.mu
func (t *Task) setTrapContextLocked(tc arch.TrapContext) {
	tc.MarshalBytes(t.k.mf.Bytes(t.trapCxPPN))
}

// UserToken returns the page table token of the task's address space.
func (t *Task) UserToken() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ms.Token()
}

// Areas describes the task's address space.
func (t *Task) Areas() []mm.AreaInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ms.Areas()
}

// CopyOut copies src into the task's memory at addr.
func (t *Task) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ms.CopyOut(addr, src)
}

// CopyIn copies the task's memory at addr into dst.
func (t *Task) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ms.CopyIn(addr, dst)
}

// CopyInString reads a NUL-terminated string from the task's memory.
func (t *Task) CopyInString(addr hostarch.Addr, maxLen int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ms.CopyInString(addr, maxLen)
}

// Marshallable is a fixed-size ABI structure.
type Marshallable interface {
	SizeBytes() int
	MarshalBytes(dst []byte) []byte
}

// CopyOutObject encodes v and copies it to addr. The copy is split at page
// boundaries, so v may straddle frames that are not adjacent.
func (t *Task) CopyOutObject(addr hostarch.Addr, v Marshallable) error {
	buf := make([]byte, v.SizeBytes())
	v.MarshalBytes(buf)
	_, err := t.CopyOut(addr, buf)
	return err
}

// Info returns the task_info snapshot of the task.
func (t *Task) Info() linux.TaskInfo {
	now := t.k.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	return linux.TaskInfo{
		Status:       t.status.abi(),
		SyscallTimes: t.info.syscallTimes,
		Time:         uint64(t.info.Elapsed(now) / time.Millisecond),
	}
}

// SyscallTimes returns how often the task invoked sysno.
func (t *Task) SyscallTimes(sysno uintptr) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info.SyscallTimes(sysno)
}

// Brk returns the heap bottom and the current program break.
func (t *Task) Brk() (bottom, brk hostarch.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.heapBottom, t.programBrk
}
