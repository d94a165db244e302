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

package mm

import (
	"fmt"
	"sync"

	"ksentry.dev/ksentry/pkg/hostarch"
	"ksentry.dev/ksentry/pkg/sentry/pgalloc"
)

// KernelSpace is the kernel's own address space. It holds the trampoline and
// one kernel stack per live task.
type KernelSpace struct {
	mf         *pgalloc.MemoryFile
	trampoline hostarch.PPN
	stackSize  uint64

	mu sync.Mutex

	// +checklocks:mu
	ms *MemorySet
}

// NewKernelSpace returns a kernel space whose kernel stacks are stackSize
// bytes. It allocates the trampoline frame every address space shares.
func NewKernelSpace(mf *pgalloc.MemoryFile, stackSize uint64) (*KernelSpace, error) {
	if stackSize == 0 || stackSize%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("kernel stack size %#x is not a positive multiple of the page size", stackSize)
	}
	ms, err := NewBare(mf)
	if err != nil {
		return nil, err
	}
	trampoline, err := mf.Allocate()
	if err != nil {
		ms.Release()
		return nil, err
	}
	ms.mapTrampoline(trampoline)
	return &KernelSpace{
		mf:         mf,
		trampoline: trampoline,
		stackSize:  stackSize,
		ms:         ms,
	}, nil
}

// Trampoline returns the shared trampoline frame.
func (ks *KernelSpace) Trampoline() hostarch.PPN {
	return ks.trampoline
}

// Token returns the page table token of the kernel space.
func (ks *KernelSpace) Token() uint64 {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.ms.Token()
}

// KernelStackPosition returns the [bottom, top) range of the kernel stack of
// id. Stacks sit below the trampoline, each above an unmapped guard page.
func (ks *KernelSpace) KernelStackPosition(id uint64) (bottom, top hostarch.Addr) {
	top = hostarch.Trampoline - hostarch.Addr(id*(ks.stackSize+hostarch.PageSize))
	return top - hostarch.Addr(ks.stackSize), top
}

// Areas describes the areas of the kernel space.
func (ks *KernelSpace) Areas() []AreaInfo {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.ms.Areas()
}

// KernelStack is a mapped kernel stack.
type KernelStack struct {
	ks       *KernelSpace
	id       uint64
	released bool
}

// NewKernelStack maps the kernel stack of id.
func (ks *KernelSpace) NewKernelStack(id uint64) (*KernelStack, error) {
	bottom, top := ks.KernelStackPosition(id)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if err := ks.ms.InsertFramedArea(bottom, top, PermRead|PermWrite, KindKernelStack); err != nil {
		return nil, fmt.Errorf("mapping kernel stack %d: %w", id, err)
	}
	return &KernelStack{ks: ks, id: id}, nil
}

// Top returns the initial kernel stack pointer.
func (s *KernelStack) Top() hostarch.Addr {
	_, top := s.ks.KernelStackPosition(s.id)
	return top
}

// Release unmaps the stack.
func (s *KernelStack) Release() {
	if s.released {
		panic(fmt.Sprintf("kernel stack %d released twice", s.id))
	}
	s.released = true
	bottom, _ := s.ks.KernelStackPosition(s.id)
	s.ks.mu.Lock()
	defer s.ks.mu.Unlock()
	if !s.ks.ms.RemoveAreaWithStart(bottom.VPN()) {
		panic(fmt.Sprintf("kernel stack %d is not mapped", s.id))
	}
}
