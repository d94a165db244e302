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

// Package kernel implements the task core: task control blocks, their
// lifecycle, the processor that switches between them and the trap path that
// dispatches system calls.
//
// Lock order:
//
//	Task.mu
//	  Kernel.mu
//	  KernelSpace.mu
//
// A task's lock is never held while another task's lock is taken, except that
// fork holds the parent's lock while it builds the child, which is not yet
// visible to anyone else.
package kernel

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ksentry.dev/ksentry/pkg/errors/linuxerr"
	"ksentry.dev/ksentry/pkg/hostarch"
	"ksentry.dev/ksentry/pkg/log"
	"ksentry.dev/ksentry/pkg/sentry/arch"
	"ksentry.dev/ksentry/pkg/sentry/kernel/sched"
	"ksentry.dev/ksentry/pkg/sentry/ktime"
	"ksentry.dev/ksentry/pkg/sentry/loader"
	"ksentry.dev/ksentry/pkg/sentry/mm"
	"ksentry.dev/ksentry/pkg/sentry/pgalloc"
)

// Options configure a Kernel.
type Options struct {
	// MemoryFrames is the number of physical frames.
	MemoryFrames uint64

	// UserStackSize is the size of every user stack in bytes.
	UserStackSize uint64

	// KernelStackSize is the size of every kernel stack in bytes.
	KernelStackSize uint64

	// DefaultPriority is the priority of tasks that do not inherit one.
	DefaultPriority uint64

	// Queue is the ready queue. A stride queue is used if nil.
	Queue sched.Queue

	// SyscallTable dispatches system calls. It is required.
	SyscallTable *SyscallTable

	// Apps holds the programs exec and spawn may name.
	Apps *loader.AppTable

	// Loader parses programs. loader.Standard is used if nil.
	Loader loader.Loader

	// Clock is the time since boot. A monotonic clock is used if nil.
	Clock ktime.Clock

	// Logger receives kernel messages. The global logger is used if nil.
	Logger log.Logger
}

// Default sizes, matching the classic teaching kernel layout.
const (
	DefaultMemoryFrames    = 2048
	DefaultUserStackSize   = 2 * hostarch.PageSize
	DefaultKernelStackSize = 2 * hostarch.PageSize
)

// ExitRecord is the exit status of a task.
type ExitRecord struct {
	PID  uint64
	Code int32
}

// Kernel is the task core of one simulated machine.
type Kernel struct {
	mf     *pgalloc.MemoryFile
	ks     *mm.KernelSpace
	queue  sched.Queue
	table  *SyscallTable
	apps   *loader.AppTable
	loader loader.Loader
	clock  ktime.Clock

	userStackSize   uint64
	defaultPriority uint64

	log log.Logger

	// waitLog reports waitpid polls of running children, which user
	// programs issue in tight loops.
	waitLog log.Logger

	// nextPID is the next pid to hand out. Pids are never reused.
	nextPID atomic.Uint64

	proc Processor

	mu sync.Mutex

	// tasks are the tasks that have not been reaped.
	//
	// +checklocks:mu
	tasks map[uint64]*Task

	// exits records every exit in order.
	//
	// +checklocks:mu
	exits []ExitRecord
}

// New returns a kernel with no tasks.
func New(opts Options) (*Kernel, error) {
	if opts.SyscallTable == nil {
		return nil, fmt.Errorf("no syscall table")
	}
	if opts.MemoryFrames == 0 {
		opts.MemoryFrames = DefaultMemoryFrames
	}
	if opts.UserStackSize == 0 {
		opts.UserStackSize = DefaultUserStackSize
	}
	if opts.KernelStackSize == 0 {
		opts.KernelStackSize = DefaultKernelStackSize
	}
	if opts.UserStackSize%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("user stack size %#x is not page aligned", opts.UserStackSize)
	}
	if opts.DefaultPriority == 0 {
		opts.DefaultPriority = sched.DefaultPriority
	}
	if opts.DefaultPriority < sched.MinPriority {
		return nil, fmt.Errorf("default priority %d below %d", opts.DefaultPriority, sched.MinPriority)
	}
	if opts.Queue == nil {
		opts.Queue = sched.NewStride(sched.DefaultBigStride)
	}
	if opts.Apps == nil {
		opts.Apps = loader.NewAppTable()
	}
	if opts.Loader == nil {
		opts.Loader = loader.Standard{}
	}
	if opts.Clock == nil {
		opts.Clock = ktime.NewMonotonicClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}

	mf := pgalloc.NewMemoryFile(opts.MemoryFrames)
	ks, err := mm.NewKernelSpace(mf, opts.KernelStackSize)
	if err != nil {
		return nil, err
	}
	return &Kernel{
		mf:              mf,
		ks:              ks,
		queue:           opts.Queue,
		table:           opts.SyscallTable,
		apps:            opts.Apps,
		loader:          opts.Loader,
		clock:           opts.Clock,
		userStackSize:   opts.UserStackSize,
		defaultPriority: opts.DefaultPriority,
		log:             opts.Logger,
		waitLog:         log.RateLimitedLogger(opts.Logger, time.Second),
		tasks:           make(map[uint64]*Task),
	}, nil
}

// MemoryFile returns the physical frame arena.
func (k *Kernel) MemoryFile() *pgalloc.MemoryFile {
	return k.mf
}

// KernelSpace returns the kernel address space.
func (k *Kernel) KernelSpace() *mm.KernelSpace {
	return k.ks
}

// Clock returns the kernel clock.
func (k *Kernel) Clock() ktime.Clock {
	return k.clock
}

// Apps returns the programs exec and spawn may name.
func (k *Kernel) Apps() *loader.AppTable {
	return k.apps
}

// SyscallTable returns the syscall table.
func (k *Kernel) SyscallTable() *SyscallTable {
	return k.table
}

// Logger returns the kernel logger.
func (k *Kernel) Logger() log.Logger {
	return k.log
}

// Current returns the running task, or nil.
func (k *Kernel) Current() *Task {
	return k.proc.Current()
}

// Task returns the unreaped task with the given pid.
func (k *Kernel) Task(pid uint64) (*Task, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.tasks[pid]
	return t, ok
}

// TaskPIDs returns the pids of every unreaped task in increasing order.
func (k *Kernel) TaskPIDs() []uint64 {
	k.mu.Lock()
	pids := make([]uint64, 0, len(k.tasks))
	for pid := range k.tasks {
		pids = append(pids, pid)
	}
	k.mu.Unlock()
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// Exits returns every exit so far, in order.
func (k *Kernel) Exits() []ExitRecord {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]ExitRecord(nil), k.exits...)
}

// LoadApp parses the program called name. It returns ENOENT if there is no
// such program.
func (k *Kernel) LoadApp(name string) (*loader.Image, error) {
	data, ok := k.apps.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("program %q: %w", name, linuxerr.ENOENT)
	}
	return k.loader.Load(data)
}

// AddTask makes t ready to run.
func (k *Kernel) AddTask(t *Task) {
	k.queue.Add(t)
}

// StartApp creates a parentless task running the program called name and
// makes it ready. Parentless tasks are released as soon as they exit.
func (k *Kernel) StartApp(name string) (*Task, error) {
	img, err := k.LoadApp(name)
	if err != nil {
		return nil, err
	}
	t, err := k.NewTask(img)
	if err != nil {
		return nil, err
	}
	k.AddTask(t)
	return t, nil
}

// NewTask creates a parentless task from img. The task is Ready but not
// queued.
func (k *Kernel) NewTask(img *loader.Image) (*Task, error) {
	t, err := k.newTask(img, k.defaultPriority)
	if err != nil {
		return nil, err
	}
	k.register(t)
	k.log.Infof("%v created from image with entry %v", t, img.Entry)
	return t, nil
}

// newTask builds a task from img: its address space, a kernel stack keyed by
// a fresh pid, the initial trap context and a task context that enters trap
// return.
func (k *Kernel) newTask(img *loader.Image, prio uint64) (*Task, error) {
	ms, layout, err := mm.FromImage(k.mf, k.ks.Trampoline(), img, k.userStackSize)
	if err != nil {
		return nil, err
	}
	pid := k.nextPID.Add(1) - 1
	kstack, err := k.ks.NewKernelStack(pid)
	if err != nil {
		ms.Release()
		return nil, err
	}
	t := &Task{
		k:      k,
		pid:    pid,
		kstack: kstack,
		ctx:    arch.GotoTrapReturn(uint64(kstack.Top())),
	}
	t.entity.SetPriority(prio)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.installLocked(ms, layout)
	t.status = TaskReady
	return t, nil
}

// installLocked makes ms the task's address space and points a fresh trap
// context at the program's entry.
//
// +checklocks:t.mu
func (t *Task) installLocked(ms *mm.MemorySet, layout mm.Layout) {
	pte, ok := ms.Translate(hostarch.TrapContextBase.VPN())
	if !ok {
		panic(fmt.Sprintf("%v: trap context page is not mapped", t))
	}
	t.ms = ms
	t.trapCxPPN = pte.PPN
	t.baseSize = layout.UserSP
	t.heapBottom = layout.HeapBottom
	t.programBrk = layout.HeapBottom
	t.setTrapContextLocked(arch.AppInitContext(
		uint64(layout.Entry),
		uint64(layout.UserSP),
		t.k.ks.Token(),
		uint64(t.kstack.Top()),
		arch.TrapHandlerAddr,
	))
}

func (k *Kernel) register(t *Task) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.tasks[t.pid] = t
}

func (k *Kernel) unregister(t *Task) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.tasks, t.pid)
}

func (k *Kernel) recordExit(t *Task, code int32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.exits = append(k.exits, ExitRecord{PID: t.pid, Code: code})
}
