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

	"ksentry.dev/ksentry/pkg/errors/linuxerr"
	"ksentry.dev/ksentry/pkg/hostarch"
	"ksentry.dev/ksentry/pkg/sentry/mm"
)

// ChangeProgramBrk moves the program break by delta bytes and returns the
// previous break. Moving below the heap bottom fails with EINVAL; growth
// fails with ENOMEM if it collides with another area or frames run out. On
// failure the break is unchanged.
func (t *Task) ChangeProgramBrk(delta int32) (hostarch.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.programBrk
	newBrk := int64(old) + int64(delta)
	if newBrk < int64(t.heapBottom) {
		return 0, fmt.Errorf("break %#x below heap bottom %v: %w", newBrk, t.heapBottom, linuxerr.EINVAL)
	}
	var err error
	if delta < 0 {
		err = t.ms.ShrinkTo(t.heapBottom, hostarch.Addr(newBrk))
	} else {
		err = t.ms.AppendTo(t.heapBottom, hostarch.Addr(newBrk))
	}
	if err != nil {
		return 0, err
	}
	t.programBrk = hostarch.Addr(newBrk)
	return old, nil
}

// MMap maps length bytes of zeroed anonymous memory at start with the access
// port selects.
//
// start must be page aligned and the range must end at or below
// hostarch.MaxUserAddr. Overlap with any existing area fails with EEXIST;
// other argument errors fail with EINVAL.
func (t *Task) MMap(start hostarch.Addr, length, port uint64) error {
	if !start.IsPageAligned() {
		return fmt.Errorf("mmap start %v is not page aligned: %w", start, linuxerr.EINVAL)
	}
	if length == 0 {
		return fmt.Errorf("mmap of zero bytes: %w", linuxerr.EINVAL)
	}
	r, ok := hostarch.PageRoundRange(start, length)
	if !ok || r.End.Addr() > hostarch.MaxUserAddr {
		return fmt.Errorf("mmap of %#x bytes at %v exceeds the address space: %w", length, start, linuxerr.EINVAL)
	}
	perm, ok := mm.PermissionFromPort(port)
	if !ok {
		return fmt.Errorf("mmap port %#x: %w", port, linuxerr.EINVAL)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	area := mm.NewMmapArea(r, perm)
	if t.ms.MapAreaConflict(area) {
		return fmt.Errorf("mmap %v overlaps an existing area: %w", r, linuxerr.EEXIST)
	}
	return t.ms.Push(area, 0, nil)
}

// MUnmap unmaps the pages covering length bytes at start. The pages must be
// exactly those of one mmap area; anything else fails with EINVAL and unmaps
// nothing.
func (t *Task) MUnmap(start hostarch.Addr, length uint64) error {
	r, ok := hostarch.PageRoundRange(start, length)
	if !ok || r.Len() == 0 {
		return fmt.Errorf("munmap of %#x bytes at %v: %w", length, start, linuxerr.EINVAL)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ms.Unpush(mm.NewUnmapProbe(r)) {
		return fmt.Errorf("munmap %v matches no mapping: %w", r, linuxerr.EINVAL)
	}
	return nil
}
