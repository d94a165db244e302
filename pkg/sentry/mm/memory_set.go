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

// Package mm implements per-task address spaces: a page table plus the set
// of areas whose frames it owns.
package mm

import (
	"fmt"

	"github.com/google/btree"
	"ksentry.dev/ksentry/pkg/errors/linuxerr"
	"ksentry.dev/ksentry/pkg/hostarch"
	"ksentry.dev/ksentry/pkg/sentry/loader"
	"ksentry.dev/ksentry/pkg/sentry/pgalloc"
)

// btreeDegree is the degree of the area tree.
const btreeDegree = 8

func areaLess(a, b *MapArea) bool {
	return a.vpns.Start < b.vpns.Start
}

// MemorySet is an address space.
//
// Areas never overlap, and every page the page table maps belongs to exactly
// one area. MemorySet is not synchronized; the owning task serializes access.
type MemorySet struct {
	mf *pgalloc.MemoryFile
	pt *PageTable

	// areas is ordered by start page.
	areas *btree.BTreeG[*MapArea]

	released bool
}

// NewBare returns an address space with no areas.
func NewBare(mf *pgalloc.MemoryFile) (*MemorySet, error) {
	pt, err := NewPageTable(mf)
	if err != nil {
		return nil, err
	}
	return &MemorySet{
		mf:    mf,
		pt:    pt,
		areas: btree.NewG(btreeDegree, areaLess),
	}, nil
}

// Layout is where FromImage placed the parts of a program.
type Layout struct {
	// UserSP is the initial user stack pointer, the top of the user stack.
	UserSP hostarch.Addr

	// HeapBottom is the start of the (initially empty) heap. It equals
	// UserSP.
	HeapBottom hostarch.Addr

	// Entry is the first user instruction.
	Entry hostarch.Addr
}

// FromImage builds the address space of a new program: its segments, a guard
// page, a user stack of stackSize bytes, an empty heap at the stack top, the
// trap-context page and the trampoline frame at the top of the space.
func FromImage(mf *pgalloc.MemoryFile, trampoline hostarch.PPN, img *loader.Image, stackSize uint64) (*MemorySet, Layout, error) {
	ms, err := NewBare(mf)
	if err != nil {
		return nil, Layout{}, err
	}
	l, err := ms.loadImage(trampoline, img, stackSize)
	if err != nil {
		ms.Release()
		return nil, Layout{}, err
	}
	return ms, l, nil
}

func (ms *MemorySet) loadImage(trampoline hostarch.PPN, img *loader.Image, stackSize uint64) (Layout, error) {
	var maxEnd hostarch.VPN
	for _, seg := range img.Segments {
		a := newMapArea(seg.Start, seg.End(), Framed, PermissionFromSegment(seg.Perm), KindSegment)
		if err := ms.Push(a, seg.Start.PageOffset(), seg.Data); err != nil {
			return Layout{}, fmt.Errorf("mapping segment at %v: %w", seg.Start, err)
		}
		maxEnd = max(maxEnd, a.vpns.End)
	}

	// One unmapped guard page separates the stack from the segments.
	stackBottom := maxEnd.Addr() + hostarch.PageSize
	stackTop, ok := stackBottom.AddLength(stackSize)
	if !ok || stackTop > hostarch.TrapContextBase-hostarch.PageSize {
		return Layout{}, fmt.Errorf("user stack at %v does not fit below the trap context: %w", stackBottom, linuxerr.ENOEXEC)
	}
	if err := ms.Push(newMapArea(stackBottom, stackTop, Framed, PermRead|PermWrite|PermUser, KindStack), 0, nil); err != nil {
		return Layout{}, err
	}
	if err := ms.Push(newMapArea(stackTop, stackTop, Framed, PermRead|PermWrite|PermUser, KindHeap), 0, nil); err != nil {
		return Layout{}, err
	}
	if err := ms.Push(newMapArea(hostarch.TrapContextBase, hostarch.Trampoline, Framed, PermRead|PermWrite, KindTrapContext), 0, nil); err != nil {
		return Layout{}, err
	}
	ms.mapTrampoline(trampoline)
	return Layout{UserSP: stackTop, HeapBottom: stackTop, Entry: img.Entry}, nil
}

// mapTrampoline maps the shared trampoline frame at the top of the space.
func (ms *MemorySet) mapTrampoline(trampoline hostarch.PPN) {
	a := newMapArea(hostarch.Trampoline, hostarch.MaxUserAddr, Shared, PermRead|PermExecute, KindTrampoline)
	a.shared = trampoline
	if err := ms.Push(a, 0, nil); err != nil {
		panic(fmt.Sprintf("mapping trampoline: %v", err))
	}
}

// FromExisted returns a copy of parent with its own frames holding the same
// bytes. Shared areas map the same frame in both.
func FromExisted(parent *MemorySet) (*MemorySet, error) {
	ms, err := NewBare(parent.mf)
	if err != nil {
		return nil, err
	}
	var cerr error
	parent.areas.Ascend(func(pa *MapArea) bool {
		a := newMapAreaPages(pa.vpns, pa.mapType, pa.perm, pa.kind)
		a.shared = pa.shared
		if cerr = a.mapPages(ms.pt, ms.mf, a.vpns); cerr != nil {
			return false
		}
		if a.mapType == Framed {
			for vpn, ppn := range pa.frames {
				copy(ms.mf.Bytes(a.frames[vpn]), parent.mf.Bytes(ppn))
			}
		}
		ms.areas.ReplaceOrInsert(a)
		return true
	})
	if cerr != nil {
		ms.Release()
		return nil, cerr
	}
	return ms, nil
}

// Token returns the page table token of ms.
func (ms *MemorySet) Token() uint64 {
	return ms.pt.Token()
}

// Translate returns the page table entry mapping vpn.
func (ms *MemorySet) Translate(vpn hostarch.VPN) (PTE, bool) {
	return ms.pt.Translate(vpn)
}

// Mapped returns the number of mapped pages.
func (ms *MemorySet) Mapped() int {
	return ms.pt.Mapped()
}

// overlapping calls fn for each area whose reserved pages overlap r, in
// increasing order, until fn returns false.
func (ms *MemorySet) overlapping(r hostarch.VPNRange, fn func(*MapArea) bool) {
	pivot := &MapArea{vpns: hostarch.VPNRange{Start: r.Start}}
	cont := true
	// Only the nearest area starting at or below r.Start can reach into r
	// from the left, since areas do not overlap.
	ms.areas.DescendLessOrEqual(pivot, func(a *MapArea) bool {
		if a.reserved().Overlaps(r) {
			cont = fn(a)
		}
		return false
	})
	if !cont {
		return
	}
	ms.areas.AscendGreaterOrEqual(pivot, func(a *MapArea) bool {
		if a.vpns.Start >= r.End {
			return false
		}
		if a.vpns.Start == r.Start {
			// Already visited above.
			return true
		}
		return fn(a)
	})
}

// MapAreaConflict returns true if the pages of candidate overlap an existing
// area.
func (ms *MemorySet) MapAreaConflict(candidate *MapArea) bool {
	return ms.conflict(candidate.reserved(), nil)
}

// conflict returns true if r overlaps any area other than except.
func (ms *MemorySet) conflict(r hostarch.VPNRange, except *MapArea) bool {
	found := false
	ms.overlapping(r, func(a *MapArea) bool {
		if a == except {
			return true
		}
		found = true
		return false
	})
	return found
}

// Push maps area, copies data into it starting offset bytes into its first
// page, and adds it to ms. It fails with EEXIST if area overlaps an existing
// area and with ENOMEM if frames run out; on failure ms is unchanged.
func (ms *MemorySet) Push(area *MapArea, offset uint64, data []byte) error {
	if area.mapType == Probe {
		panic("pushing a probe area")
	}
	if ms.MapAreaConflict(area) {
		return fmt.Errorf("area %v overlaps an existing area: %w", area.vpns, linuxerr.EEXIST)
	}
	if err := area.mapPages(ms.pt, ms.mf, area.vpns); err != nil {
		return err
	}
	if len(data) != 0 {
		area.copyData(ms.mf, offset, data)
	}
	ms.areas.ReplaceOrInsert(area)
	return nil
}

// InsertFramedArea maps a framed area covering [start, end).
func (ms *MemorySet) InsertFramedArea(start, end hostarch.Addr, perm MapPermission, kind AreaKind) error {
	return ms.Push(newMapArea(start, end, Framed, perm, kind), 0, nil)
}

// RemoveAreaWithStart unmaps and removes the area starting at vpn. It returns
// false if there is none.
func (ms *MemorySet) RemoveAreaWithStart(vpn hostarch.VPN) bool {
	a, ok := ms.areas.Delete(&MapArea{vpns: hostarch.VPNRange{Start: vpn}})
	if !ok {
		return false
	}
	a.unmapPages(ms.pt, ms.mf, a.vpns)
	return true
}

// Unpush unmaps and removes the mmap area whose pages are exactly those of
// probe. Anything else, including ranges that cover part of an area, touch
// unmapped pages or name other kinds of areas, returns false and leaves ms
// unchanged.
func (ms *MemorySet) Unpush(probe *MapArea) bool {
	r := probe.vpns
	if r.Len() == 0 {
		return false
	}
	target, ok := ms.areas.Get(&MapArea{vpns: hostarch.VPNRange{Start: r.Start}})
	if !ok || target.kind != KindMmap || target.vpns != r {
		return false
	}
	ms.areas.Delete(target)
	target.unmapPages(ms.pt, ms.mf, r)
	return true
}

// heapArea returns the heap area starting at bottom.
func (ms *MemorySet) heapArea(bottom hostarch.Addr) (*MapArea, error) {
	a, ok := ms.areas.Get(&MapArea{vpns: hostarch.VPNRange{Start: bottom.VPN()}})
	if !ok || a.kind != KindHeap {
		return nil, fmt.Errorf("no heap at %v: %w", bottom, linuxerr.EINVAL)
	}
	return a, nil
}

// AppendTo grows the heap starting at bottom so that it covers newEnd. It
// fails with ENOMEM if the growth would collide with another area or frames
// run out.
func (ms *MemorySet) AppendTo(bottom, newEnd hostarch.Addr) error {
	a, err := ms.heapArea(bottom)
	if err != nil {
		return err
	}
	endPage, ok := newEnd.RoundUp()
	if !ok {
		return linuxerr.ENOMEM
	}
	end := endPage.VPN()
	if end <= a.vpns.End {
		return nil
	}
	if ms.conflict(hostarch.VPNRange{Start: a.vpns.End, End: end}, a) {
		return fmt.Errorf("heap growth to %v collides with another area: %w", newEnd, linuxerr.ENOMEM)
	}
	return a.appendTo(ms.pt, ms.mf, end)
}

// ShrinkTo releases the pages of the heap starting at bottom that lie
// entirely at or above newEnd.
func (ms *MemorySet) ShrinkTo(bottom, newEnd hostarch.Addr) error {
	a, err := ms.heapArea(bottom)
	if err != nil {
		return err
	}
	if newEnd < bottom {
		return linuxerr.EINVAL
	}
	endPage, _ := newEnd.RoundUp()
	if end := endPage.VPN(); end < a.vpns.End {
		a.shrinkTo(ms.pt, ms.mf, end)
	}
	return nil
}

// Areas returns a description of every area in increasing address order.
func (ms *MemorySet) Areas() []AreaInfo {
	infos := make([]AreaInfo, 0, ms.areas.Len())
	ms.areas.Ascend(func(a *MapArea) bool {
		infos = append(infos, AreaInfo{Range: a.vpns, Perm: a.perm, Kind: a.kind})
		return true
	})
	return infos
}

// Release unmaps every area, returning owned frames, and frees the page
// table. ms must not be used afterwards.
func (ms *MemorySet) Release() {
	if ms.released {
		panic("address space released twice")
	}
	ms.released = true
	ms.areas.Ascend(func(a *MapArea) bool {
		a.unmapPages(ms.pt, ms.mf, a.vpns)
		return true
	})
	ms.areas.Clear(false)
	ms.pt.Release()
}
