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

	"ksentry.dev/ksentry/pkg/hostarch"
	"ksentry.dev/ksentry/pkg/sentry/loader"
	"ksentry.dev/ksentry/pkg/sentry/pgalloc"
)

// MapPermission is the access a mapping grants. Its bits coincide with the
// matching PTEFlags.
type MapPermission uint8

// Mapping permission bits.
const (
	PermRead    = MapPermission(PTERead)
	PermWrite   = MapPermission(PTEWrite)
	PermExecute = MapPermission(PTEExecute)
	PermUser    = MapPermission(PTEUser)
)

// String implements fmt.Stringer.String.
func (p MapPermission) String() string {
	b := []byte("----")
	for i, c := range []struct {
		bit MapPermission
		ch  byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExecute, 'x'}, {PermUser, 'u'}} {
		if p&c.bit != 0 {
			b[i] = c.ch
		}
	}
	return string(b)
}

// portPermissions translates the port argument of mmap. Bit 0 requests read,
// bit 1 write and bit 2 execute; every user mapping is user accessible. Ports
// not in the table are invalid.
var portPermissions = map[uint64]MapPermission{
	1: PermRead | PermUser,
	2: PermWrite | PermUser,
	3: PermRead | PermWrite | PermUser,
	4: PermExecute | PermUser,
	5: PermRead | PermExecute | PermUser,
	6: PermWrite | PermExecute | PermUser,
	7: PermRead | PermWrite | PermExecute | PermUser,
}

// PermissionFromPort returns the permission the mmap port argument selects.
// ok is false for ports with no access bits or bits outside the low three.
func PermissionFromPort(port uint64) (MapPermission, bool) {
	p, ok := portPermissions[port]
	return p, ok
}

// PermissionFromSegment returns the user permission of a program segment.
func PermissionFromSegment(p loader.Perm) MapPermission {
	perm := PermUser
	if p&loader.PermRead != 0 {
		perm |= PermRead
	}
	if p&loader.PermWrite != 0 {
		perm |= PermWrite
	}
	if p&loader.PermExecute != 0 {
		perm |= PermExecute
	}
	return perm
}

// AreaKind tags what an area is used for.
type AreaKind int

// Area kinds.
const (
	KindSegment AreaKind = iota
	KindStack
	KindHeap
	KindTrapContext
	KindMmap
	KindKernelStack
	KindTrampoline
)

// String implements fmt.Stringer.String.
func (k AreaKind) String() string {
	switch k {
	case KindSegment:
		return "segment"
	case KindStack:
		return "stack"
	case KindHeap:
		return "heap"
	case KindTrapContext:
		return "trap-context"
	case KindMmap:
		return "mmap"
	case KindKernelStack:
		return "kernel-stack"
	case KindTrampoline:
		return "trampoline"
	default:
		return fmt.Sprintf("AreaKind(%d)", int(k))
	}
}

// MapType says where an area's frames come from.
type MapType int

const (
	// Framed areas own one frame per page, allocated when the page is
	// mapped and freed when it is unmapped.
	Framed MapType = iota

	// Shared areas map a single frame they do not own, such as the
	// trampoline.
	Shared

	// Probe areas are never mapped. They describe a range for Unpush.
	Probe
)

// MapArea is a contiguous run of virtual pages with one permission.
type MapArea struct {
	vpns    hostarch.VPNRange
	frames  map[hostarch.VPN]hostarch.PPN
	shared  hostarch.PPN
	mapType MapType
	perm    MapPermission
	kind    AreaKind
}

// newMapArea returns an unmapped area covering the pages of [start, end).
func newMapArea(start, end hostarch.Addr, mapType MapType, perm MapPermission, kind AreaKind) *MapArea {
	endPage, ok := end.RoundUp()
	if !ok {
		panic(fmt.Sprintf("area end %v overflows", end))
	}
	return newMapAreaPages(hostarch.VPNRange{Start: start.VPN(), End: endPage.VPN()}, mapType, perm, kind)
}

func newMapAreaPages(r hostarch.VPNRange, mapType MapType, perm MapPermission, kind AreaKind) *MapArea {
	a := &MapArea{
		vpns:    r,
		mapType: mapType,
		perm:    perm,
		kind:    kind,
	}
	if mapType == Framed {
		a.frames = make(map[hostarch.VPN]hostarch.PPN)
	}
	return a
}

// NewMmapArea returns a framed user area for an anonymous mapping of r.
func NewMmapArea(r hostarch.VPNRange, perm MapPermission) *MapArea {
	return newMapAreaPages(r, Framed, perm|PermUser, KindMmap)
}

// NewUnmapProbe returns an area describing r for use with Unpush.
func NewUnmapProbe(r hostarch.VPNRange) *MapArea {
	return newMapAreaPages(r, Probe, 0, KindMmap)
}

// Range returns the pages covered by a.
func (a *MapArea) Range() hostarch.VPNRange { return a.vpns }

// Perm returns the permission of a.
func (a *MapArea) Perm() MapPermission { return a.perm }

// Kind returns what a is used for.
func (a *MapArea) Kind() AreaKind { return a.kind }

// reserved returns the pages a excludes from other areas. An empty area still
// claims its first page so that it keeps room to grow and a unique start.
func (a *MapArea) reserved() hostarch.VPNRange {
	r := a.vpns
	if r.Len() == 0 {
		r.End = r.Start + 1
	}
	return r
}

func (a *MapArea) pteFlags() PTEFlags {
	return PTEFlags(a.perm)
}

// mapOne maps a single page of a into pt.
func (a *MapArea) mapOne(pt *PageTable, mf *pgalloc.MemoryFile, vpn hostarch.VPN) error {
	var ppn hostarch.PPN
	switch a.mapType {
	case Framed:
		var err error
		if ppn, err = mf.Allocate(); err != nil {
			return err
		}
		a.frames[vpn] = ppn
	case Shared:
		ppn = a.shared
	default:
		panic(fmt.Sprintf("mapping page of %v area", a.kind))
	}
	pt.Map(vpn, ppn, a.pteFlags())
	return nil
}

// unmapOne unmaps a single page of a from pt, freeing its frame if a owns it.
func (a *MapArea) unmapOne(pt *PageTable, mf *pgalloc.MemoryFile, vpn hostarch.VPN) {
	if a.mapType == Framed {
		mf.Free(a.frames[vpn])
		delete(a.frames, vpn)
	}
	pt.Unmap(vpn)
}

// mapPages maps r, which must lie within a. On failure the pages of r that
// were mapped are unmapped again.
func (a *MapArea) mapPages(pt *PageTable, mf *pgalloc.MemoryFile, r hostarch.VPNRange) error {
	for vpn := r.Start; vpn < r.End; vpn++ {
		if err := a.mapOne(pt, mf, vpn); err != nil {
			a.unmapPages(pt, mf, hostarch.VPNRange{Start: r.Start, End: vpn})
			return err
		}
	}
	return nil
}

func (a *MapArea) unmapPages(pt *PageTable, mf *pgalloc.MemoryFile, r hostarch.VPNRange) {
	for vpn := r.Start; vpn < r.End; vpn++ {
		a.unmapOne(pt, mf, vpn)
	}
}

// copyData writes data into the frames of a starting offset bytes into its
// first page. Frames are freshly allocated and already zero.
//
// Precondition: a is framed and mapped; offset+len(data) fits in a.
func (a *MapArea) copyData(mf *pgalloc.MemoryFile, offset uint64, data []byte) {
	vpn := a.vpns.Start
	for len(data) > 0 {
		frame := mf.Bytes(a.frames[vpn])
		n := copy(frame[offset:], data)
		data = data[n:]
		offset = 0
		vpn++
	}
}

// appendTo grows a to end at newEnd.
func (a *MapArea) appendTo(pt *PageTable, mf *pgalloc.MemoryFile, newEnd hostarch.VPN) error {
	if err := a.mapPages(pt, mf, hostarch.VPNRange{Start: a.vpns.End, End: newEnd}); err != nil {
		return err
	}
	a.vpns.End = newEnd
	return nil
}

// shrinkTo releases the pages of a at or above newEnd.
func (a *MapArea) shrinkTo(pt *PageTable, mf *pgalloc.MemoryFile, newEnd hostarch.VPN) {
	a.unmapPages(pt, mf, hostarch.VPNRange{Start: newEnd, End: a.vpns.End})
	a.vpns.End = newEnd
}

// AreaInfo describes an area of a MemorySet.
type AreaInfo struct {
	Range hostarch.VPNRange
	Perm  MapPermission
	Kind  AreaKind
}

// String implements fmt.Stringer.String.
func (i AreaInfo) String() string {
	return fmt.Sprintf("%v %v %v", i.Range, i.Perm, i.Kind)
}
