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

	"ksentry.dev/ksentry/pkg/abi/linux"
	"ksentry.dev/ksentry/pkg/errors/linuxerr"
	"ksentry.dev/ksentry/pkg/hostarch"
)

// Exit marks t Exited with the given code. Its children stay linked to it
// and its resources are kept until it is reaped. It returns true if t has no
// parent, in which case nobody will reap it and the caller releases it once
// it is switched out.
func (t *Task) Exit(code int32) (orphan bool) {
	t.mu.Lock()
	if t.status == TaskExited {
		t.mu.Unlock()
		panic(fmt.Sprintf("%v exited twice", t))
	}
	t.status = TaskExited
	t.exitCode = code
	orphan = t.parent == nil
	t.mu.Unlock()

	t.k.recordExit(t, code)
	if code < 0 {
		t.k.log.Warningf("%v exited with code %d", t, code)
	} else {
		t.k.log.Infof("%v exited with code %d", t, code)
	}
	return orphan
}

// WaitPID reaps an exited child of t. pid selects the child, or any child if
// it is linux.WaitAny. If addr is not zero the child's exit code is written
// there as a 32-bit integer.
//
// It returns ECHILD if no child matches and EAGAIN if children match but
// none has exited. Children are considered in the order they were created.
func (t *Task) WaitPID(pid int64, addr hostarch.Addr) (uint64, error) {
	t.mu.Lock()
	children := append([]*Task(nil), t.children...)
	t.mu.Unlock()

	// Children are inspected without t's lock held: a child's lock is never
	// taken under its parent's.
	var (
		matched bool
		zombie  *Task
		code    int32
	)
	for _, c := range children {
		if pid != linux.WaitAny && uint64(pid) != c.pid {
			continue
		}
		matched = true
		c.mu.Lock()
		exited, exitCode := c.status == TaskExited, c.exitCode
		c.mu.Unlock()
		if exited {
			zombie, code = c, exitCode
			break
		}
	}
	if !matched {
		return 0, fmt.Errorf("%v has no child %d: %w", t, pid, linuxerr.ECHILD)
	}
	if zombie == nil {
		t.k.waitLog.Debugf("%v waits for running child %d", t, pid)
		return 0, linuxerr.EAGAIN
	}

	if addr != 0 {
		var buf [4]byte
		hostarch.ByteOrder.PutUint32(buf[:], uint32(code))
		if _, err := t.CopyOut(addr, buf[:]); err != nil {
			return 0, err
		}
	}

	t.mu.Lock()
	removed := false
	for i, c := range t.children {
		if c == zombie {
			t.children = append(t.children[:i], t.children[i+1:]...)
			removed = true
			break
		}
	}
	t.mu.Unlock()
	if !removed {
		panic(fmt.Sprintf("%v: child %v vanished while being reaped", t, zombie))
	}

	t.k.reap(zombie)
	return zombie.pid, nil
}

// reap releases an exited task that no longer has a parent link: its address
// space and kernel stack, and, recursively, its own exited children. Children
// that are still alive become parentless and are released when they exit.
func (k *Kernel) reap(t *Task) {
	if k.queue.Contains(t) {
		panic(fmt.Sprintf("reaping %v while it is queued", t))
	}
	if k.proc.Current() == t {
		panic(fmt.Sprintf("reaping %v while it is running", t))
	}

	t.mu.Lock()
	if status := t.status; status != TaskExited {
		t.mu.Unlock()
		panic(fmt.Sprintf("reaping %v in state %v", t, status))
	}
	if t.released {
		t.mu.Unlock()
		panic(fmt.Sprintf("%v reaped twice", t))
	}
	t.released = true
	children := t.children
	t.children = nil
	ms := t.ms
	t.ms = nil
	t.mu.Unlock()

	ms.Release()
	t.kstack.Release()
	k.unregister(t)
	k.log.Debugf("%v reaped", t)

	for _, c := range children {
		c.mu.Lock()
		c.parent = nil
		exited := c.status == TaskExited
		c.mu.Unlock()
		if exited {
			k.reap(c)
		}
	}
}
