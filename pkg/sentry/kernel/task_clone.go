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

	"ksentry.dev/ksentry/pkg/hostarch"
	"ksentry.dev/ksentry/pkg/sentry/arch"
	"ksentry.dev/ksentry/pkg/sentry/loader"
	"ksentry.dev/ksentry/pkg/sentry/mm"
)

// Fork creates a child that is a copy of t: its address space is duplicated
// page by page, including the trap context, so the child resumes where t
// trapped. The child is linked as t's last child and is Ready but not queued.
//
// Callers that expose fork to user code must clear the child's return
// register; Fork leaves it equal to the parent's.
func (t *Task) Fork() (*Task, error) {
	k := t.k
	t.mu.Lock()
	defer t.mu.Unlock()

	ms, err := mm.FromExisted(t.ms)
	if err != nil {
		return nil, fmt.Errorf("%v: duplicating address space: %w", t, err)
	}
	pid := k.nextPID.Add(1) - 1
	kstack, err := k.ks.NewKernelStack(pid)
	if err != nil {
		ms.Release()
		return nil, err
	}
	pte, ok := ms.Translate(hostarch.TrapContextBase.VPN())
	if !ok {
		panic(fmt.Sprintf("%v: forked address space has no trap context", t))
	}
	child := &Task{
		k:      k,
		pid:    pid,
		kstack: kstack,
		ctx:    arch.GotoTrapReturn(uint64(kstack.Top())),
	}
	child.entity.SetPriority(t.entity.Priority())

	child.mu.Lock()
	child.ms = ms
	child.trapCxPPN = pte.PPN
	child.baseSize = t.baseSize
	child.heapBottom = t.heapBottom
	child.programBrk = t.programBrk
	child.parent = t
	child.status = TaskReady
	// The copied trap context still names the parent's kernel stack.
	tc := child.trapContextLocked()
	tc.KernelSP = uint64(kstack.Top())
	child.setTrapContextLocked(tc)
	child.mu.Unlock()

	t.children = append(t.children, child)
	k.register(child)
	k.log.Infof("%v forked %v", t, child)
	return child, nil
}

// Spawn creates a child of t running img without duplicating t's address
// space. The child is Ready but not queued.
func (t *Task) Spawn(img *loader.Image) (*Task, error) {
	k := t.k
	child, err := k.newTask(img, k.defaultPriority)
	if err != nil {
		return nil, fmt.Errorf("%v: spawn: %w", t, err)
	}
	child.mu.Lock()
	child.parent = t
	child.mu.Unlock()

	t.mu.Lock()
	t.children = append(t.children, child)
	t.mu.Unlock()

	k.register(child)
	k.log.Infof("%v spawned %v", t, child)
	return child, nil
}
