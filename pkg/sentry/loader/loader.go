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

// Package loader turns raw program bytes into the segment layout an address
// space is built from.
//
// Two formats are understood: ELF executables, and flat images that start
// with an interpreter line ("#!name") and are mapped verbatim as a single
// executable segment.
package loader

import (
	"bytes"
	"fmt"

	"ksentry.dev/ksentry/pkg/errors/linuxerr"
	"ksentry.dev/ksentry/pkg/hostarch"
)

// Perm is a set of segment permissions.
type Perm uint8

// Segment permission bits.
const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExecute
)

// String implements fmt.Stringer.String.
func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExecute != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Segment is one loadable range of a program.
type Segment struct {
	// Start is the virtual address of the first byte of the segment. It need
	// not be page aligned.
	Start hostarch.Addr

	// MemSize is the size of the segment in memory. Bytes past len(Data) are
	// zero.
	MemSize uint64

	// Perm is the access the program has to the segment.
	Perm Perm

	// Data is the initial content of the segment.
	Data []byte
}

// End returns the first address past the segment.
func (s Segment) End() hostarch.Addr {
	return s.Start + hostarch.Addr(s.MemSize)
}

// Image is a parsed program.
type Image struct {
	// Segments are the loadable segments, in increasing address order.
	Segments []Segment

	// Entry is the address of the first user instruction.
	Entry hostarch.Addr
}

// Loader parses raw program bytes.
type Loader interface {
	// Load parses data. It returns ENOEXEC if data is not a program.
	Load(data []byte) (*Image, error)
}

const (
	elfMagic         = "\x7fELF"
	interpreterMagic = "#!"

	// FlatBase is the address flat images are mapped at.
	FlatBase hostarch.Addr = 0x10000

	// maxInterpreterLine is the maximum length of a flat image's first
	// line.
	maxInterpreterLine = 127
)

// Standard is the Loader used by the kernel. It dispatches on the magic at
// the start of the program.
type Standard struct{}

// Load implements Loader.Load.
func (Standard) Load(data []byte) (*Image, error) {
	switch {
	case bytes.HasPrefix(data, []byte(elfMagic)):
		return loadELF(data)
	case bytes.HasPrefix(data, []byte(interpreterMagic)):
		return loadFlat(data)
	default:
		return nil, linuxerr.ENOEXEC
	}
}

// loadFlat maps data as a single read/execute segment at FlatBase.
func loadFlat(data []byte) (*Image, error) {
	if _, err := FlatName(data); err != nil {
		return nil, err
	}
	return &Image{
		Segments: []Segment{{
			Start:   FlatBase,
			MemSize: uint64(len(data)),
			Perm:    PermRead | PermExecute,
			Data:    data,
		}},
		Entry: FlatBase,
	}, nil
}

// FlatName returns the name on the interpreter line of a flat image.
func FlatName(data []byte) (string, error) {
	if !bytes.HasPrefix(data, []byte(interpreterMagic)) {
		return "", linuxerr.ENOEXEC
	}
	line := data[len(interpreterMagic):]
	if len(line) > maxInterpreterLine {
		line = line[:maxInterpreterLine]
	}
	i := bytes.IndexByte(line, '\n')
	if i < 0 {
		return "", fmt.Errorf("interpreter line is not terminated: %w", linuxerr.ENOEXEC)
	}
	name := string(bytes.TrimSpace(line[:i]))
	if name == "" {
		return "", fmt.Errorf("empty interpreter line: %w", linuxerr.ENOEXEC)
	}
	return name, nil
}

// BuildFlat returns a flat image named name whose body is body.
func BuildFlat(name string, body []byte) []byte {
	data := make([]byte, 0, len(interpreterMagic)+len(name)+1+len(body))
	data = append(data, interpreterMagic...)
	data = append(data, name...)
	data = append(data, '\n')
	return append(data, body...)
}
