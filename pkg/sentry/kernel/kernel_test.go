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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"ksentry.dev/ksentry/pkg/abi/linux"
	"ksentry.dev/ksentry/pkg/errors"
	"ksentry.dev/ksentry/pkg/errors/linuxerr"
	"ksentry.dev/ksentry/pkg/hostarch"
	"ksentry.dev/ksentry/pkg/log"
	"ksentry.dev/ksentry/pkg/sentry/arch"
	"ksentry.dev/ksentry/pkg/sentry/kernel/sched"
	"ksentry.dev/ksentry/pkg/sentry/ktime"
	"ksentry.dev/ksentry/pkg/sentry/loader"
	"ksentry.dev/ksentry/pkg/sentry/mm"
	"ksentry.dev/ksentry/pkg/sentry/platform"
)

// testTable is a minimal syscall table. The full table lives in the syscall
// package, which depends on this one.
func testTable() *SyscallTable {
	return &SyscallTable{
		Name: "test",
		Table: map[uintptr]Syscall{
			linux.SYS_EXIT: {Name: "exit", Fn: func(t *Task, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
				t.Exit(args[0].Int())
				return 0, CtrlDoExit, nil
			}},
			linux.SYS_YIELD: {Name: "yield", Fn: func(t *Task, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
				return 0, CtrlYield, nil
			}},
			linux.SYS_GETPID: {Name: "getpid", Fn: func(t *Task, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
				return uintptr(t.PID()), nil, nil
			}},
			linux.SYS_WAITPID: {Name: "waitpid", Fn: func(t *Task, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
				pid, err := t.WaitPID(args[0].Int64(), args[1].Pointer())
				return uintptr(pid), nil, err
			}},
		},
	}
}

func newTestKernel(t *testing.T, opts Options) (*Kernel, *ktime.ManualClock) {
	t.Helper()
	clock := &ktime.ManualClock{}
	apps := loader.NewAppTable()
	for _, name := range []string{"init", "child", "other"} {
		if err := apps.Add(name, loader.BuildFlat(name, nil)); err != nil {
			t.Fatalf("Add(%q) failed: %v", name, err)
		}
	}
	if opts.SyscallTable == nil {
		opts.SyscallTable = testTable()
	}
	opts.Apps = apps
	opts.Clock = clock
	opts.Logger = &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}}
	k, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return k, clock
}

func newInit(t *testing.T, k *Kernel) *Task {
	t.Helper()
	img, err := k.LoadApp("init")
	if err != nil {
		t.Fatalf("LoadApp failed: %v", err)
	}
	root, err := k.NewTask(img)
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}
	return root
}

func mustFork(t *testing.T, parent *Task) *Task {
	t.Helper()
	child, err := parent.Fork()
	if err != nil {
		t.Fatalf("%v.Fork failed: %v", parent, err)
	}
	return child
}

// mustPanic runs fn and fails the test unless it panics.
func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

func userSP(t *Task) hostarch.Addr {
	tc := t.TrapContext()
	return hostarch.Addr(tc.X[arch.RegSP])
}

func TestNewOptions(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Errorf("New without a syscall table succeeded")
	}
	if _, err := New(Options{SyscallTable: testTable(), UserStackSize: 100}); err == nil {
		t.Errorf("New with an unaligned stack size succeeded")
	}
	if _, err := New(Options{SyscallTable: testTable(), DefaultPriority: 1}); err == nil {
		t.Errorf("New with priority 1 succeeded")
	}
}

func TestNewTask(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)

	if got := root.PID(); got != 0 {
		t.Errorf("PID got %d want 0", got)
	}
	if got := root.Status(); got != TaskReady {
		t.Errorf("Status got %v want %v", got, TaskReady)
	}
	if _, ok := root.ParentPID(); ok {
		t.Errorf("new task has a parent")
	}

	bottom, brk := root.Brk()
	if bottom != brk {
		t.Errorf("Brk got (%v, %v), want an empty heap", bottom, brk)
	}
	tc := root.TrapContext()
	want := arch.AppInitContext(
		uint64(loader.FlatBase),
		uint64(bottom),
		k.KernelSpace().Token(),
		uint64(root.kstack.Top()),
		arch.TrapHandlerAddr,
	)
	if diff := cmp.Diff(want, tc); diff != "" {
		t.Errorf("TrapContext mismatch (-want +got):\n%s", diff)
	}
	if root.ctx.RA != arch.TrapReturnAddr {
		t.Errorf("task context resumes at %#x want trap return", root.ctx.RA)
	}
	if got, want := root.Priority(), uint64(16); got != want {
		t.Errorf("Priority got %d want %d", got, want)
	}
	if got, want := k.TaskPIDs(), []uint64{0}; !cmp.Equal(got, want) {
		t.Errorf("TaskPIDs got %v want %v", got, want)
	}
}

func TestLoadAppUnknown(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	if _, err := k.LoadApp("nope"); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("LoadApp(nope) got %v want ENOENT", err)
	}
	if _, err := k.StartApp("nope"); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("StartApp(nope) got %v want ENOENT", err)
	}
}

func TestForkCopiesAddressSpace(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	parent := newInit(t, k)
	if err := parent.SetPriority(5); err != nil {
		t.Fatalf("SetPriority failed: %v", err)
	}
	addr := userSP(parent) - 16
	if _, err := parent.CopyOut(addr, []byte("parent")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}

	child := mustFork(t, parent)
	if got, want := child.PID(), uint64(1); got != want {
		t.Errorf("child PID got %d want %d", got, want)
	}
	if ppid, ok := child.ParentPID(); !ok || ppid != parent.PID() {
		t.Errorf("child ParentPID got (%d, %t) want (%d, true)", ppid, ok, parent.PID())
	}
	if got, want := parent.Children(), []uint64{1}; !cmp.Equal(got, want) {
		t.Errorf("Children got %v want %v", got, want)
	}
	if got := child.Priority(); got != 5 {
		t.Errorf("child Priority got %d want 5", got)
	}
	if child.UserToken() == parent.UserToken() {
		t.Errorf("child shares the parent's page table")
	}
	if diff := cmp.Diff(parent.Areas(), child.Areas()); diff != "" {
		t.Errorf("child areas differ (-parent +child):\n%s", diff)
	}

	buf := make([]byte, 6)
	if _, err := child.CopyIn(addr, buf); err != nil || string(buf) != "parent" {
		t.Errorf("child CopyIn got (%q, %v) want parent", buf, err)
	}
	if _, err := child.CopyOut(addr, []byte("child!")); err != nil {
		t.Fatalf("child CopyOut failed: %v", err)
	}
	if _, err := parent.CopyIn(addr, buf); err != nil || string(buf) != "parent" {
		t.Errorf("parent memory changed by child write: got (%q, %v)", buf, err)
	}

	ptc, ctc := parent.TrapContext(), child.TrapContext()
	if got, want := ctc.KernelSP, uint64(child.kstack.Top()); got != want {
		t.Errorf("child KernelSP got %#x want %#x", got, want)
	}
	ctc.KernelSP = ptc.KernelSP
	if diff := cmp.Diff(ptc, ctc); diff != "" {
		t.Errorf("child trap context differs beyond KernelSP (-parent +child):\n%s", diff)
	}
}

func TestForkOutOfMemory(t *testing.T) {
	// Enough frames for the kernel space and one task but not two.
	k, _ := newTestKernel(t, Options{MemoryFrames: 12})
	parent := newInit(t, k)
	before := k.MemoryFile().Allocated()
	if _, err := parent.Fork(); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("Fork got %v want ENOMEM", err)
	}
	if got := k.MemoryFile().Allocated(); got != before {
		t.Errorf("failed fork leaked frames: %d allocated, want %d", got, before)
	}
	if got := parent.Children(); len(got) != 0 {
		t.Errorf("failed fork left children %v", got)
	}
	if got, want := k.TaskPIDs(), []uint64{0}; !cmp.Equal(got, want) {
		t.Errorf("TaskPIDs got %v want %v", got, want)
	}
}

func TestExecKeepsIdentity(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	child := mustFork(t, root)
	grandchild := mustFork(t, child)
	if err := child.MMap(0x1000_0000, hostarch.PageSize, 3); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	before := k.MemoryFile().Allocated()

	img, err := k.LoadApp("other")
	if err != nil {
		t.Fatalf("LoadApp failed: %v", err)
	}
	if err := child.Exec(img); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if ppid, ok := child.ParentPID(); !ok || ppid != root.PID() {
		t.Errorf("ParentPID after exec got (%d, %t)", ppid, ok)
	}
	if got, want := child.Children(), []uint64{grandchild.PID()}; !cmp.Equal(got, want) {
		t.Errorf("Children after exec got %v want %v", got, want)
	}
	for _, a := range child.Areas() {
		if a.Kind == mm.KindMmap {
			t.Errorf("mmap area %v survived exec", a)
		}
	}
	tc := child.TrapContext()
	if tc.Sepc != uint64(loader.FlatBase) {
		t.Errorf("Sepc after exec got %#x want %#x", tc.Sepc, loader.FlatBase)
	}
	if tc.KernelSP != uint64(child.kstack.Top()) {
		t.Errorf("KernelSP after exec got %#x want %#x", tc.KernelSP, child.kstack.Top())
	}
	// The mmap page is gone; the rest is rebuilt with the same shape.
	if got, want := k.MemoryFile().Allocated(), before-1; got != want {
		t.Errorf("Allocated after exec got %d want %d", got, want)
	}
}

func TestExecFailureKeepsAddressSpace(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	areas := root.Areas()
	before := k.MemoryFile().Allocated()

	// The segment leaves no room for the user stack.
	img := &loader.Image{
		Segments: []loader.Segment{{
			Start:   hostarch.TrapContextBase - hostarch.PageSize,
			MemSize: 1,
			Perm:    loader.PermRead,
		}},
		Entry: hostarch.TrapContextBase - hostarch.PageSize,
	}
	if err := root.Exec(img); !linuxerr.Equals(linuxerr.ENOEXEC, err) {
		t.Fatalf("Exec got %v want ENOEXEC", err)
	}
	if diff := cmp.Diff(areas, root.Areas()); diff != "" {
		t.Errorf("areas changed by failed exec (-before +after):\n%s", diff)
	}
	if got := k.MemoryFile().Allocated(); got != before {
		t.Errorf("failed exec leaked frames: %d allocated, want %d", got, before)
	}
}

func TestSpawn(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	if err := root.SetPriority(4); err != nil {
		t.Fatalf("SetPriority failed: %v", err)
	}
	img, err := k.LoadApp("child")
	if err != nil {
		t.Fatalf("LoadApp failed: %v", err)
	}
	child, err := root.Spawn(img)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if ppid, ok := child.ParentPID(); !ok || ppid != root.PID() {
		t.Errorf("ParentPID got (%d, %t) want (%d, true)", ppid, ok, root.PID())
	}
	if got := child.Priority(); got != 16 {
		t.Errorf("spawned Priority got %d want the default 16", got)
	}
	if child.UserToken() == root.UserToken() {
		t.Errorf("spawned task shares the parent's page table")
	}
	if got := child.TrapContext().Sepc; got != uint64(loader.FlatBase) {
		t.Errorf("spawned Sepc got %#x want %#x", got, loader.FlatBase)
	}
	if got, want := root.Children(), []uint64{child.PID()}; !cmp.Equal(got, want) {
		t.Errorf("Children got %v want %v", got, want)
	}
}

func TestWaitPID(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)

	if _, err := root.WaitPID(linux.WaitAny, 0); !linuxerr.Equals(linuxerr.ECHILD, err) {
		t.Errorf("WaitPID with no children got %v want ECHILD", err)
	}

	child := mustFork(t, root)
	for _, tc := range []struct {
		pid  int64
		want *errors.Error
	}{
		{pid: linux.WaitAny, want: linuxerr.EAGAIN},
		{pid: int64(child.PID()), want: linuxerr.EAGAIN},
		{pid: 42, want: linuxerr.ECHILD},
	} {
		if _, err := root.WaitPID(tc.pid, 0); !linuxerr.Equals(tc.want, err) {
			t.Errorf("WaitPID(%d) got %v want %v", tc.pid, err, tc.want)
		}
	}

	child.Exit(7)
	addr := userSP(root) - 4
	pid, err := root.WaitPID(int64(child.PID()), addr)
	if err != nil || pid != child.PID() {
		t.Fatalf("WaitPID got (%d, %v) want (%d, nil)", pid, err, child.PID())
	}
	buf := make([]byte, 4)
	if _, err := root.CopyIn(addr, buf); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if got := int32(hostarch.ByteOrder.Uint32(buf)); got != 7 {
		t.Errorf("exit code got %d want 7", got)
	}
	if _, err := root.WaitPID(int64(child.PID()), 0); !linuxerr.Equals(linuxerr.ECHILD, err) {
		t.Errorf("second WaitPID got %v want ECHILD", err)
	}
	if _, ok := k.Task(child.PID()); ok {
		t.Errorf("reaped child still registered")
	}
}

func TestWaitPIDNegativeExitCode(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	child := mustFork(t, root)
	child.Exit(-3)

	addr := userSP(root) - 4
	if _, err := root.WaitPID(linux.WaitAny, addr); err != nil {
		t.Fatalf("WaitPID failed: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := root.CopyIn(addr, buf); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if got := int32(hostarch.ByteOrder.Uint32(buf)); got != -3 {
		t.Errorf("exit code got %d want -3", got)
	}
}

func TestWaitPIDFaultKeepsChild(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	child := mustFork(t, root)
	child.Exit(1)

	if _, err := root.WaitPID(linux.WaitAny, 0x8); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Fatalf("WaitPID to an unmapped address got %v want EFAULT", err)
	}
	if got, want := root.Children(), []uint64{child.PID()}; !cmp.Equal(got, want) {
		t.Errorf("Children after fault got %v want %v", got, want)
	}
	if pid, err := root.WaitPID(linux.WaitAny, 0); err != nil || pid != child.PID() {
		t.Errorf("WaitPID after fault got (%d, %v) want (%d, nil)", pid, err, child.PID())
	}
}

func TestWaitAnyPicksExitedChild(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	first := mustFork(t, root)
	second := mustFork(t, root)
	third := mustFork(t, root)
	third.Exit(3)
	second.Exit(2)

	// Exited children are reaped in creation order.
	for _, want := range []uint64{second.PID(), third.PID()} {
		if pid, err := root.WaitPID(linux.WaitAny, 0); err != nil || pid != want {
			t.Errorf("WaitPID got (%d, %v) want (%d, nil)", pid, err, want)
		}
	}
	if _, err := root.WaitPID(linux.WaitAny, 0); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("WaitPID with a live child got %v want EAGAIN", err)
	}
	if got, want := root.Children(), []uint64{first.PID()}; !cmp.Equal(got, want) {
		t.Errorf("Children got %v want %v", got, want)
	}
}

func TestReapReleasesExitedGrandchildren(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	baseline := k.MemoryFile().Allocated()

	child := mustFork(t, root)
	grandchild := mustFork(t, child)
	grandchild.Exit(0)
	child.Exit(0)

	if _, err := root.WaitPID(int64(child.PID()), 0); err != nil {
		t.Fatalf("WaitPID failed: %v", err)
	}
	if got, want := k.TaskPIDs(), []uint64{root.PID()}; !cmp.Equal(got, want) {
		t.Errorf("TaskPIDs got %v want %v", got, want)
	}
	if got := k.MemoryFile().Allocated(); got != baseline {
		t.Errorf("Allocated got %d want %d", got, baseline)
	}
	if got := len(k.KernelSpace().Areas()); got != 2 {
		t.Errorf("kernel space has %d areas want the trampoline and one stack", got)
	}
}

func TestOrphanReleasedOnExit(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	baseline := k.MemoryFile().Allocated()

	child := mustFork(t, root)
	grandchild := mustFork(t, child)
	child.Exit(0)
	if _, err := root.WaitPID(linux.WaitAny, 0); err != nil {
		t.Fatalf("WaitPID failed: %v", err)
	}
	if _, ok := grandchild.ParentPID(); ok {
		t.Errorf("grandchild still has a parent")
	}
	if got := grandchild.Status(); got != TaskReady {
		t.Errorf("grandchild Status got %v want %v", got, TaskReady)
	}

	k.AddTask(grandchild)
	if got := k.RunNext(); got != grandchild {
		t.Fatalf("RunNext got %v want %v", got, grandchild)
	}
	k.Syscall(linux.SYS_EXIT, arch.SyscallArguments{{Value: 0}})
	if k.Current() != nil {
		t.Errorf("exited task still current")
	}
	if _, ok := k.Task(grandchild.PID()); ok {
		t.Errorf("orphan not released on exit")
	}
	if got := k.MemoryFile().Allocated(); got != baseline {
		t.Errorf("Allocated got %d want %d", got, baseline)
	}
}

func TestReapQueuedPanics(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	child := mustFork(t, root)
	k.AddTask(child)
	child.Exit(0)
	mustPanic(t, "reaping a queued task", func() {
		root.WaitPID(linux.WaitAny, 0)
	})
}

func TestResumeExitedPanics(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	child := mustFork(t, root)
	child.Exit(0)
	k.AddTask(child)
	mustPanic(t, "resuming an exited task", func() {
		k.RunNext()
	})
}

func TestExitTwicePanics(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	child := mustFork(t, root)
	child.Exit(0)
	mustPanic(t, "second exit", func() {
		child.Exit(1)
	})
}

func TestExitsRecorded(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	a := mustFork(t, root)
	b := mustFork(t, root)
	b.Exit(-2)
	a.Exit(5)
	want := []ExitRecord{{PID: b.PID(), Code: -2}, {PID: a.PID(), Code: 5}}
	if diff := cmp.Diff(want, k.Exits()); diff != "" {
		t.Errorf("Exits mismatch (-want +got):\n%s", diff)
	}
}

func TestPIDsNotReused(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	child := mustFork(t, root)
	child.Exit(0)
	if _, err := root.WaitPID(linux.WaitAny, 0); err != nil {
		t.Fatalf("WaitPID failed: %v", err)
	}
	next := mustFork(t, root)
	if next.PID() == child.PID() {
		t.Errorf("pid %d reused", next.PID())
	}
}

func TestChangeProgramBrk(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	bottom, _ := root.Brk()

	if _, err := root.CopyOut(bottom, []byte{1}); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("write to the empty heap got %v want EFAULT", err)
	}
	old, err := root.ChangeProgramBrk(0)
	if err != nil || old != bottom {
		t.Errorf("ChangeProgramBrk(0) got (%v, %v) want (%v, nil)", old, err, bottom)
	}
	old, err = root.ChangeProgramBrk(100)
	if err != nil || old != bottom {
		t.Fatalf("ChangeProgramBrk(100) got (%v, %v) want (%v, nil)", old, err, bottom)
	}
	if _, err := root.CopyOut(bottom+50, []byte{1}); err != nil {
		t.Errorf("write to the grown heap failed: %v", err)
	}
	if _, err := root.ChangeProgramBrk(-200); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("ChangeProgramBrk(-200) got %v want EINVAL", err)
	}
	if _, brk := root.Brk(); brk != bottom+100 {
		t.Errorf("break moved by failed shrink: %v", brk)
	}
	old, err = root.ChangeProgramBrk(-100)
	if err != nil || old != bottom+100 {
		t.Errorf("ChangeProgramBrk(-100) got (%v, %v) want (%v, nil)", old, err, bottom+100)
	}
	if _, err := root.CopyOut(bottom, []byte{1}); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("write to the shrunk heap got %v want EFAULT", err)
	}
}

func TestChangeProgramBrkCollision(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	bottom, _ := root.Brk()
	if err := root.MMap(bottom+hostarch.PageSize, hostarch.PageSize, 3); err != nil {
		t.Fatalf("MMap above the heap failed: %v", err)
	}
	if _, err := root.ChangeProgramBrk(2 * hostarch.PageSize); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("colliding growth got %v want ENOMEM", err)
	}
	if _, brk := root.Brk(); brk != bottom {
		t.Errorf("break moved by failed growth: %v", brk)
	}
	if _, err := root.ChangeProgramBrk(hostarch.PageSize); err != nil {
		t.Errorf("growth up to the mapping failed: %v", err)
	}
}

func TestMMapArguments(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	const base = hostarch.Addr(0x1000_0000)

	for _, tc := range []struct {
		name   string
		start  hostarch.Addr
		length uint64
		port   uint64
		want   *errors.Error
	}{
		{name: "unaligned", start: base + 1, length: 1, port: 3, want: linuxerr.EINVAL},
		{name: "zero length", start: base, length: 0, port: 3, want: linuxerr.EINVAL},
		{name: "no access", start: base, length: 1, port: 0, want: linuxerr.EINVAL},
		{name: "extra bits", start: base, length: 1, port: 8, want: linuxerr.EINVAL},
		{name: "past the space", start: hostarch.MaxUserAddr - hostarch.PageSize, length: 2 * hostarch.PageSize, port: 3, want: linuxerr.EINVAL},
		{name: "trap context", start: hostarch.TrapContextBase, length: 1, port: 3, want: linuxerr.EEXIST},
		{name: "ok", start: base, length: 2 * hostarch.PageSize, port: 3},
		{name: "overlap", start: base + hostarch.PageSize, length: 1, port: 1, want: linuxerr.EEXIST},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := root.MMap(tc.start, tc.length, tc.port); !linuxerr.Equals(tc.want, err) {
				t.Errorf("MMap got %v want %v", err, tc.want)
			}
		})
	}
}

func TestMUnmap(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	const base = hostarch.Addr(0x1000_0000)
	if err := root.MMap(base, 3*hostarch.PageSize, 3); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	areas := root.Areas()
	for _, tc := range []struct {
		name   string
		start  hostarch.Addr
		length uint64
	}{
		{name: "zero length", start: base, length: 0},
		{name: "past the area", start: base + 2*hostarch.PageSize, length: 2 * hostarch.PageSize},
		{name: "middle page", start: base + hostarch.PageSize, length: hostarch.PageSize},
		{name: "head", start: base, length: hostarch.PageSize},
		{name: "stack", start: userSP(root) - hostarch.PageSize, length: hostarch.PageSize},
	} {
		if err := root.MUnmap(tc.start, tc.length); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("MUnmap %s got %v want EINVAL", tc.name, err)
		}
	}
	if diff := cmp.Diff(areas, root.Areas()); diff != "" {
		t.Errorf("failed munmaps changed the areas (-before +after):\n%s", diff)
	}
	// The length is rounded up to whole pages.
	if err := root.MUnmap(base, 2*hostarch.PageSize+1); err != nil {
		t.Fatalf("MUnmap of the whole area failed: %v", err)
	}
	if _, err := root.CopyOut(base, []byte{1}); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("write to the unmapped area got %v want EFAULT", err)
	}
}

func TestSetPriority(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	for _, tc := range []struct {
		prio int64
		ok   bool
	}{
		{prio: -5},
		{prio: 0},
		{prio: 1},
		{prio: 2, ok: true},
		{prio: 100, ok: true},
	} {
		err := root.SetPriority(tc.prio)
		if tc.ok != (err == nil) {
			t.Errorf("SetPriority(%d) got %v", tc.prio, err)
		}
		if !tc.ok && !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("SetPriority(%d) got %v want EINVAL", tc.prio, err)
		}
	}
	if got := root.Priority(); got != 100 {
		t.Errorf("Priority got %d want 100", got)
	}
}

func TestTaskInfo(t *testing.T) {
	k, clock := newTestKernel(t, Options{})
	root := newInit(t, k)
	clock.Advance(time.Second)

	info := root.Info()
	if info.Status != linux.TaskReady || info.Time != 0 {
		t.Errorf("Info before first run got status %d time %d", info.Status, info.Time)
	}

	k.AddTask(root)
	if k.RunNext() != root {
		t.Fatalf("RunNext did not pick init")
	}
	clock.Advance(250 * time.Millisecond)
	k.Syscall(linux.SYS_GETPID, arch.SyscallArguments{})
	k.Syscall(linux.SYS_GETPID, arch.SyscallArguments{})
	k.Syscall(linux.SYS_YIELD, arch.SyscallArguments{})

	info = root.Info()
	if info.Status != linux.TaskReady {
		t.Errorf("Status got %d want %d", info.Status, linux.TaskReady)
	}
	if info.Time != 250 {
		t.Errorf("Time got %d want 250", info.Time)
	}
	if got := info.SyscallTimes[linux.SYS_GETPID]; got != 2 {
		t.Errorf("getpid count got %d want 2", got)
	}
	if got := info.SyscallTimes[linux.SYS_YIELD]; got != 1 {
		t.Errorf("yield count got %d want 1", got)
	}

	// The first run time is not reset by later runs.
	clock.Advance(250 * time.Millisecond)
	k.RunNext()
	if got := root.Info(); got.Status != linux.TaskRunning || got.Time != 500 {
		t.Errorf("Info while running got status %d time %d", got.Status, got.Time)
	}
}

func TestHandleTrapSyscall(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	mustFork(t, root)
	k.AddTask(root)
	k.RunNext()

	tc := root.TrapContext()
	pc := tc.Sepc
	tc.X[arch.RegA7] = linux.SYS_GETPID
	root.SetTrapContext(tc)
	if ctrl := k.HandleTrap(root, arch.UserEnvCall); ctrl != nil {
		t.Errorf("getpid control got %v want continue", ctrl)
	}
	tc = root.TrapContext()
	if tc.Sepc != pc+4 {
		t.Errorf("Sepc got %#x want %#x", tc.Sepc, pc+4)
	}
	if tc.Return() != 0 {
		t.Errorf("getpid returned %d want 0", tc.Return())
	}

	tc.X[arch.RegA7] = linux.SYS_WAITPID
	tc.X[arch.RegA0] = ^uint64(0)
	tc.X[arch.RegA1] = 0
	root.SetTrapContext(tc)
	k.HandleTrap(root, arch.UserEnvCall)
	if got := root.TrapContext().Return(); got != -2 {
		t.Errorf("waitpid on a live child returned %d want -2", got)
	}

	tc = root.TrapContext()
	tc.X[arch.RegA7] = 999
	root.SetTrapContext(tc)
	k.HandleTrap(root, arch.UserEnvCall)
	if got := root.TrapContext().Return(); got != -1 {
		t.Errorf("unknown syscall returned %d want -1", got)
	}
	if got := root.SyscallTimes(999); got != 0 {
		t.Errorf("out of range syscall counted %d times", got)
	}
}

func TestHandleTrapFaults(t *testing.T) {
	for _, tc := range []struct {
		cause arch.TrapCause
		code  int32
	}{
		{cause: arch.StoreFault, code: ExitCodeFault},
		{cause: arch.LoadFault, code: ExitCodeFault},
		{cause: arch.IllegalInstruction, code: ExitCodeIllegalInstruction},
	} {
		t.Run(tc.cause.String(), func(t *testing.T) {
			k, _ := newTestKernel(t, Options{})
			root := newInit(t, k)
			child := mustFork(t, root)
			k.AddTask(child)
			k.RunNext()
			if ctrl := k.HandleTrap(child, tc.cause); ctrl != CtrlDoExit {
				t.Fatalf("HandleTrap got %v want exit", ctrl)
			}
			k.finish(child, CtrlDoExit)
			if got := child.ExitCode(); got != tc.code {
				t.Errorf("exit code got %d want %d", got, tc.code)
			}
			if got := child.Status(); got != TaskExited {
				t.Errorf("Status got %v want %v", got, TaskExited)
			}
			// The parent still has to reap it.
			if _, ok := k.Task(child.PID()); !ok {
				t.Errorf("faulted child released before its parent waited")
			}
		})
	}
}

func TestHandleTrapTimer(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	k.AddTask(root)
	k.RunNext()
	before := root.TrapContext()
	if ctrl := k.HandleTrap(root, arch.TimerInterrupt); ctrl != CtrlYield {
		t.Fatalf("HandleTrap got %v want yield", ctrl)
	}
	k.finish(root, CtrlYield)
	if diff := cmp.Diff(before, root.TrapContext()); diff != "" {
		t.Errorf("timer changed the trap context (-before +after):\n%s", diff)
	}
	if got := root.Status(); got != TaskReady {
		t.Errorf("Status got %v want %v", got, TaskReady)
	}
	if k.RunNext() != root {
		t.Errorf("yielded task was not requeued")
	}
}

func TestSyscallWithoutTask(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	if got := k.Syscall(linux.SYS_GETPID, arch.SyscallArguments{}); got != -1 {
		t.Errorf("Syscall without a task got %d want -1", got)
	}
}

func TestSyscallMissingHandler(t *testing.T) {
	table := testTable()
	table.Missing = func(t *Task, sysno uintptr, args arch.SyscallArguments) (uintptr, error) {
		return 0, fmt.Errorf("sys_%d: %w", sysno, linuxerr.EAGAIN)
	}
	k, _ := newTestKernel(t, Options{SyscallTable: table})
	root := newInit(t, k)
	k.AddTask(root)
	k.RunNext()
	if got := k.Syscall(123, arch.SyscallArguments{}); got != -2 {
		t.Errorf("Syscall got %d want -2 from the missing handler", got)
	}
}

func TestSyscallErrorCode(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int64
	}{
		{err: linuxerr.ECHILD, want: -1},
		{err: linuxerr.EAGAIN, want: -2},
		{err: fmt.Errorf("wrapped: %w", linuxerr.EAGAIN), want: -2},
		{err: linuxerr.ENOMEM, want: -1},
		{err: linuxerr.EFAULT, want: -1},
		{err: fmt.Errorf("plain"), want: -1},
	} {
		if got := SyscallErrorCode(tc.err); got != tc.want {
			t.Errorf("SyscallErrorCode(%v) got %d want %d", tc.err, got, tc.want)
		}
	}
}

func TestSyscallTable(t *testing.T) {
	table := testTable()
	if got, want := table.Numbers(), []uintptr{linux.SYS_EXIT, linux.SYS_YIELD, linux.SYS_GETPID, linux.SYS_WAITPID}; !cmp.Equal(got, want) {
		t.Errorf("Numbers got %v want %v", got, want)
	}
	if got := table.LookupName(linux.SYS_YIELD); got != "yield" {
		t.Errorf("LookupName(yield) got %q", got)
	}
	if got := table.LookupName(7); got != "sys_7" {
		t.Errorf("LookupName(7) got %q", got)
	}
	if no, err := table.LookupNo("waitpid"); err != nil || no != linux.SYS_WAITPID {
		t.Errorf("LookupNo(waitpid) got (%d, %v) want %d", no, err, linux.SYS_WAITPID)
	}
	if _, err := table.LookupNo("open"); err == nil {
		t.Errorf("LookupNo(open) succeeded")
	}
	if table.Lookup(7) != nil {
		t.Errorf("Lookup(7) found a handler")
	}
}

// scriptPlatform replays a fixed sequence of traps per task. Each step sets
// up the syscall registers the way user code would before ecall.
type scriptPlatform struct {
	steps map[uint64][]func(tc *arch.TrapContext) arch.TrapCause
}

func (p *scriptPlatform) Name() string { return "script" }

func (p *scriptPlatform) NewContext() platform.Context { return p }

func (p *scriptPlatform) Switch(ctx context.Context, t platform.UserTask) (arch.TrapCause, error) {
	if err := ctx.Err(); err != nil {
		return 0, platform.ErrContextInterrupt
	}
	steps := p.steps[t.PID()]
	if len(steps) == 0 {
		return 0, fmt.Errorf("%d ran out of steps", t.PID())
	}
	p.steps[t.PID()] = steps[1:]
	tc := t.TrapContext()
	cause := steps[0](&tc)
	t.SetTrapContext(tc)
	return cause, nil
}

func ecall(sysno uintptr, args ...uint64) func(tc *arch.TrapContext) arch.TrapCause {
	return func(tc *arch.TrapContext) arch.TrapCause {
		tc.X[arch.RegA7] = uint64(sysno)
		for i, a := range args {
			tc.X[arch.RegA0+i] = a
		}
		return arch.UserEnvCall
	}
}

func trap(cause arch.TrapCause) func(tc *arch.TrapContext) arch.TrapCause {
	return func(*arch.TrapContext) arch.TrapCause { return cause }
}

func TestRun(t *testing.T) {
	k, _ := newTestKernel(t, Options{Queue: &sched.FIFO{}})
	root := newInit(t, k)
	child := mustFork(t, root)
	k.AddTask(root)
	k.AddTask(child)

	anyPID := uint64(0xffff_ffff_ffff_ffff)
	p := &scriptPlatform{steps: map[uint64][]func(*arch.TrapContext) arch.TrapCause{
		root.PID(): {
			ecall(linux.SYS_WAITPID, anyPID, 0),
			ecall(linux.SYS_YIELD),
			ecall(linux.SYS_YIELD),
			ecall(linux.SYS_WAITPID, anyPID, 0),
			ecall(linux.SYS_EXIT, 0),
		},
		child.PID(): {
			ecall(linux.SYS_GETPID),
			trap(arch.TimerInterrupt),
			trap(arch.StoreFault),
		},
	}}
	if err := k.Run(context.Background(), p); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []ExitRecord{{PID: child.PID(), Code: ExitCodeFault}, {PID: root.PID(), Code: 0}}
	if diff := cmp.Diff(want, k.Exits()); diff != "" {
		t.Errorf("Exits mismatch (-want +got):\n%s", diff)
	}
	if got := k.TaskPIDs(); len(got) != 0 {
		t.Errorf("tasks left after Run: %v", got)
	}
	// Only the kernel page table root and the trampoline remain.
	if got := k.MemoryFile().Allocated(); got != 2 {
		t.Errorf("Allocated got %d want 2", got)
	}
}

func TestRunCancelled(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	k.AddTask(root)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &scriptPlatform{steps: map[uint64][]func(*arch.TrapContext) arch.TrapCause{}}
	if err := k.Run(ctx, p); err != context.Canceled {
		t.Errorf("Run got %v want %v", err, context.Canceled)
	}
}

func TestRunPlatformError(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	root := newInit(t, k)
	k.AddTask(root)
	p := &scriptPlatform{steps: map[uint64][]func(*arch.TrapContext) arch.TrapCause{}}
	if err := k.Run(context.Background(), p); err == nil {
		t.Errorf("Run with a failing platform succeeded")
	}
	if k.Current() != root {
		t.Errorf("failing task is not left current")
	}
}
