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

// Package hostarch contains the page-granular address types shared by the
// memory manager and the task core.
package hostarch

import (
	"encoding/binary"
	"fmt"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page in bytes.
	PageSize = 1 << PageShift

	// VAWidth is the number of significant bits in a virtual address (Sv39).
	VAWidth = 39

	// MaxUserAddr is the first address past the virtual address space.
	MaxUserAddr Addr = 1 << VAWidth

	// Trampoline is the address of the trampoline page, the highest page of
	// every address space.
	Trampoline = MaxUserAddr - PageSize

	// TrapContextBase is the address of the page holding a task's
	// TrapContext, immediately below the trampoline.
	TrapContextBase = Trampoline - PageSize
)

// ByteOrder is the byte order of user memory.
var ByteOrder = binary.LittleEndian

// Addr represents a virtual address.
type Addr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// VPN returns the number of the page containing v.
func (v Addr) VPN() VPN {
	return VPN(v >> PageShift)
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// VPN is a virtual page number.
type VPN uint64

// Addr returns the first address of the page.
func (p VPN) Addr() Addr {
	return Addr(p) << PageShift
}

// PPN is a physical page number. Physical pages are the frames of a
// pgalloc.MemoryFile.
type PPN uint64

// PhysAddr returns the physical address of the first byte of the frame.
func (p PPN) PhysAddr() uint64 {
	return uint64(p) << PageShift
}

// VPNRange is a half-open range of virtual pages [Start, End).
type VPNRange struct {
	Start VPN
	End   VPN
}

// Len returns the number of pages in the range.
func (r VPNRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return uint64(r.End - r.Start)
}

// Contains returns true if p is in r.
func (r VPNRange) Contains(p VPN) bool {
	return r.Start <= p && p < r.End
}

// Overlaps returns true if r and r2 share at least one page.
func (r VPNRange) Overlaps(r2 VPNRange) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// IsSupersetOf returns true if r contains every page of r2.
func (r VPNRange) IsSupersetOf(r2 VPNRange) bool {
	return r.Start <= r2.Start && r2.End <= r.End
}

// AddrRange returns the byte range covered by r.
func (r VPNRange) AddrRange() (start, end Addr) {
	return r.Start.Addr(), r.End.Addr()
}

// String implements fmt.Stringer.String.
func (r VPNRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start.Addr()), uint64(r.End.Addr()))
}

// PageRoundRange returns the page range covering the length bytes starting at
// start: the start is rounded down and the end rounded up. ok is false if the
// end of the byte range overflows.
//
// Every mmap, munmap and brk request is normalized through PageRoundRange
// before it touches an address space.
func PageRoundRange(start Addr, length uint64) (r VPNRange, ok bool) {
	end, ok := start.AddLength(length)
	if !ok {
		return VPNRange{}, false
	}
	endPage, ok := end.RoundUp()
	if !ok {
		return VPNRange{}, false
	}
	return VPNRange{Start: start.VPN(), End: endPage.VPN()}, true
}
