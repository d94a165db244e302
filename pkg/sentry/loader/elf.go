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

package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"sort"

	"ksentry.dev/ksentry/pkg/errors/linuxerr"
	"ksentry.dev/ksentry/pkg/hostarch"
)

// loadELF parses the PT_LOAD segments of a 64-bit little-endian executable.
func loadELF(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing ELF: %v: %w", err, linuxerr.ENOEXEC)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("unsupported ELF class %v data %v: %w", f.Class, f.Data, linuxerr.ENOEXEC)
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("unsupported ELF type %v: %w", f.Type, linuxerr.ENOEXEC)
	}

	img := &Image{Entry: hostarch.Addr(f.Entry)}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Filesz > p.Memsz {
			return nil, fmt.Errorf("segment at %#x has file size %#x > mem size %#x: %w", p.Vaddr, p.Filesz, p.Memsz, linuxerr.ENOEXEC)
		}
		if _, ok := hostarch.Addr(p.Vaddr).AddLength(p.Memsz); !ok || hostarch.Addr(p.Vaddr+p.Memsz) > hostarch.TrapContextBase {
			return nil, fmt.Errorf("segment at %#x+%#x overlaps the fixed pages: %w", p.Vaddr, p.Memsz, linuxerr.ENOEXEC)
		}
		content := make([]byte, p.Filesz)
		if _, err := io.ReadFull(p.Open(), content); err != nil {
			return nil, fmt.Errorf("reading segment at %#x: %v: %w", p.Vaddr, err, linuxerr.ENOEXEC)
		}
		img.Segments = append(img.Segments, Segment{
			Start:   hostarch.Addr(p.Vaddr),
			MemSize: p.Memsz,
			Perm:    permFromFlags(p.Flags),
			Data:    content,
		})
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("no loadable segments: %w", linuxerr.ENOEXEC)
	}
	sort.Slice(img.Segments, func(i, j int) bool {
		return img.Segments[i].Start < img.Segments[j].Start
	})
	return img, nil
}

func permFromFlags(flags elf.ProgFlag) Perm {
	var p Perm
	if flags&elf.PF_R != 0 {
		p |= PermRead
	}
	if flags&elf.PF_W != 0 {
		p |= PermWrite
	}
	if flags&elf.PF_X != 0 {
		p |= PermExecute
	}
	return p
}
