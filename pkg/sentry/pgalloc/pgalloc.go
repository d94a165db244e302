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

// Package pgalloc contains the physical frame arena backing every address
// space.
//
// Physical memory is modelled as a fixed arena of page-sized frames addressed
// by physical page number. Ownership of a frame is explicit: whoever calls
// Allocate must eventually call Free, and nothing is reclaimed implicitly.
package pgalloc

import (
	"fmt"
	"sync"

	"ksentry.dev/ksentry/pkg/errors/linuxerr"
	"ksentry.dev/ksentry/pkg/hostarch"
)

// MemoryFile is an arena of physical frames.
type MemoryFile struct {
	mu sync.Mutex

	// frames holds the contents of every frame. A frame's backing slice is
	// allocated the first time the frame is handed out.
	//
	// +checklocks:mu
	frames [][]byte

	// current is the lowest frame that has never been allocated.
	//
	// +checklocks:mu
	current hostarch.PPN

	// recycled holds freed frames; they are reused last-in first-out.
	//
	// +checklocks:mu
	recycled []hostarch.PPN

	// inUse records which frames are currently allocated, to catch double
	// frees.
	//
	// +checklocks:mu
	inUse []bool
}

// NewMemoryFile returns an arena of the given number of frames.
func NewMemoryFile(frames uint64) *MemoryFile {
	return &MemoryFile{
		frames: make([][]byte, frames),
		inUse:  make([]bool, frames),
	}
}

// Allocate returns a zeroed frame. It returns ENOMEM if the arena is
// exhausted.
func (f *MemoryFile) Allocate() (hostarch.PPN, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ppn hostarch.PPN
	if n := len(f.recycled); n != 0 {
		ppn = f.recycled[n-1]
		f.recycled = f.recycled[:n-1]
		clear(f.frames[ppn])
	} else {
		if uint64(f.current) == uint64(len(f.frames)) {
			return 0, linuxerr.ENOMEM
		}
		ppn = f.current
		f.current++
		f.frames[ppn] = make([]byte, hostarch.PageSize)
	}
	f.inUse[ppn] = true
	return ppn, nil
}

// Free returns ppn to the arena.
//
// Precondition: ppn was returned by Allocate and has not been freed since.
func (f *MemoryFile) Free(ppn hostarch.PPN) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if uint64(ppn) >= uint64(len(f.frames)) || !f.inUse[ppn] {
		panic(fmt.Sprintf("frame %#x freed but not allocated", uint64(ppn)))
	}
	f.inUse[ppn] = false
	f.recycled = append(f.recycled, ppn)
}

// Bytes returns the contents of the frame. The returned slice aliases the
// frame and is valid until the frame is freed.
//
// Precondition: ppn is allocated.
func (f *MemoryFile) Bytes(ppn hostarch.PPN) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if uint64(ppn) >= uint64(len(f.frames)) || !f.inUse[ppn] {
		panic(fmt.Sprintf("access to unallocated frame %#x", uint64(ppn)))
	}
	return f.frames[ppn]
}

// Allocated returns the number of frames currently handed out.
func (f *MemoryFile) Allocated() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(f.current) - uint64(len(f.recycled))
}

// Available returns the number of frames that can still be allocated.
func (f *MemoryFile) Available() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.frames)) - uint64(f.current) + uint64(len(f.recycled))
}
