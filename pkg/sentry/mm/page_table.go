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
	"strings"

	"ksentry.dev/ksentry/pkg/hostarch"
	"ksentry.dev/ksentry/pkg/sentry/pgalloc"
)

// PTEFlags are the low bits of a page table entry.
type PTEFlags uint8

// Page table entry bits, in Sv39 order.
const (
	PTEValid PTEFlags = 1 << iota
	PTERead
	PTEWrite
	PTEExecute
	PTEUser
	PTEGlobal
	PTEAccessed
	PTEDirty
)

// String implements fmt.Stringer.String.
func (f PTEFlags) String() string {
	const names = "VRWXUGAD"
	var b strings.Builder
	for i := 0; i < len(names); i++ {
		if f&(1<<i) != 0 {
			b.WriteByte(names[i])
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// PTE is a leaf page table entry.
type PTE struct {
	PPN   hostarch.PPN
	Flags PTEFlags
}

// Valid returns true if the entry maps a frame.
func (p PTE) Valid() bool { return p.Flags&PTEValid != 0 }

// Readable returns true if the entry permits reads.
func (p PTE) Readable() bool { return p.Flags&PTERead != 0 }

// Writable returns true if the entry permits writes.
func (p PTE) Writable() bool { return p.Flags&PTEWrite != 0 }

// Executable returns true if the entry permits instruction fetch.
func (p PTE) Executable() bool { return p.Flags&PTEExecute != 0 }

// User returns true if the entry is accessible from user mode.
func (p PTE) User() bool { return p.Flags&PTEUser != 0 }

// satpModeSv39 is the mode field of a satp value selecting Sv39.
const satpModeSv39 = 8 << 60

// PageTable maps virtual pages to frames. Its root frame identifies it: the
// token handed to the hardware names the root.
//
// Intermediate levels are not materialized; leaves are kept in a map keyed by
// virtual page.
type PageTable struct {
	mf      *pgalloc.MemoryFile
	root    hostarch.PPN
	entries map[hostarch.VPN]PTE
}

// NewPageTable allocates the root frame of an empty page table.
func NewPageTable(mf *pgalloc.MemoryFile) (*PageTable, error) {
	root, err := mf.Allocate()
	if err != nil {
		return nil, err
	}
	return &PageTable{
		mf:      mf,
		root:    root,
		entries: make(map[hostarch.VPN]PTE),
	}, nil
}

// Token returns the satp value that selects this page table.
func (pt *PageTable) Token() uint64 {
	return satpModeSv39 | uint64(pt.root)
}

// Map installs a leaf mapping vpn to ppn.
//
// Precondition: vpn is not mapped.
func (pt *PageTable) Map(vpn hostarch.VPN, ppn hostarch.PPN, flags PTEFlags) {
	if old, ok := pt.entries[vpn]; ok {
		panic(fmt.Sprintf("page %v is already mapped to frame %#x", vpn.Addr(), uint64(old.PPN)))
	}
	pt.entries[vpn] = PTE{PPN: ppn, Flags: flags | PTEValid}
}

// Unmap removes the mapping of vpn.
//
// Precondition: vpn is mapped.
func (pt *PageTable) Unmap(vpn hostarch.VPN) {
	if _, ok := pt.entries[vpn]; !ok {
		panic(fmt.Sprintf("page %v is not mapped", vpn.Addr()))
	}
	delete(pt.entries, vpn)
}

// Translate returns the entry mapping vpn, if any.
func (pt *PageTable) Translate(vpn hostarch.VPN) (PTE, bool) {
	pte, ok := pt.entries[vpn]
	return pte, ok
}

// Mapped returns the number of leaf mappings.
func (pt *PageTable) Mapped() int {
	return len(pt.entries)
}

// Release frees the root frame. Leaf frames belong to the areas that mapped
// them and must already have been released.
func (pt *PageTable) Release() {
	if len(pt.entries) != 0 {
		panic(fmt.Sprintf("releasing page table with %d live mappings", len(pt.entries)))
	}
	pt.mf.Free(pt.root)
}
