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
	"bytes"
	"fmt"

	"ksentry.dev/ksentry/pkg/errors/linuxerr"
	"ksentry.dev/ksentry/pkg/hostarch"
)

// AccessType is the kind of access a copy makes to user memory.
type AccessType int

// Access types.
const (
	Read AccessType = iota
	Write
)

// permits returns true if pte allows at from user mode.
func (at AccessType) permits(pte PTE) bool {
	if !pte.Valid() || !pte.User() {
		return false
	}
	if at == Write {
		return pte.Writable()
	}
	return pte.Readable()
}

// TranslatedByteBuffer returns the frame slices backing the length bytes at
// addr, in order. The slices alias the frames. It returns EFAULT if any page
// is unmapped or does not grant at to user mode.
func (ms *MemorySet) TranslatedByteBuffer(addr hostarch.Addr, length uint64, at AccessType) ([][]byte, error) {
	end, ok := addr.AddLength(length)
	if !ok {
		return nil, linuxerr.EFAULT
	}
	var bufs [][]byte
	for cur := addr; cur < end; {
		pte, ok := ms.pt.Translate(cur.VPN())
		if !ok || !at.permits(pte) {
			return nil, fmt.Errorf("access to %v: %w", cur, linuxerr.EFAULT)
		}
		pageEnd := cur.RoundDown() + hostarch.PageSize
		n := uint64(min(pageEnd, end) - cur)
		off := cur.PageOffset()
		bufs = append(bufs, ms.mf.Bytes(pte.PPN)[off:off+n])
		cur += hostarch.Addr(n)
	}
	return bufs, nil
}

// CopyOut copies src to user memory at addr. Nothing is written unless the
// whole destination is writable.
func (ms *MemorySet) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	bufs, err := ms.TranslatedByteBuffer(addr, uint64(len(src)), Write)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, b := range bufs {
		done += copy(b, src[done:])
	}
	return done, nil
}

// CopyIn copies user memory at addr into dst.
func (ms *MemorySet) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	bufs, err := ms.TranslatedByteBuffer(addr, uint64(len(dst)), Read)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, b := range bufs {
		done += copy(dst[done:], b)
	}
	return done, nil
}

// CopyInString reads a NUL-terminated string of at most maxLen bytes,
// excluding the terminator, at addr. A string with no terminator within
// maxLen bytes fails with EINVAL.
func (ms *MemorySet) CopyInString(addr hostarch.Addr, maxLen int) (string, error) {
	var out []byte
	cur := addr
	for len(out) <= maxLen {
		pte, ok := ms.pt.Translate(cur.VPN())
		if !ok || !Read.permits(pte) {
			return "", fmt.Errorf("reading string at %v: %w", cur, linuxerr.EFAULT)
		}
		chunk := ms.mf.Bytes(pte.PPN)[cur.PageOffset():]
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			out = append(out, chunk[:i]...)
			if len(out) > maxLen {
				break
			}
			return string(out), nil
		}
		out = append(out, chunk...)
		next, ok := cur.RoundDown().AddLength(hostarch.PageSize)
		if !ok {
			return "", linuxerr.EFAULT
		}
		cur = next
	}
	return "", fmt.Errorf("string at %v longer than %d bytes: %w", addr, maxLen, linuxerr.EINVAL)
}
