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

package pgalloc

import (
	"testing"

	"ksentry.dev/ksentry/pkg/errors/linuxerr"
	"ksentry.dev/ksentry/pkg/hostarch"
)

func TestAllocateUntilExhausted(t *testing.T) {
	f := NewMemoryFile(3)
	seen := make(map[hostarch.PPN]bool)
	for i := 0; i < 3; i++ {
		ppn, err := f.Allocate()
		if err != nil {
			t.Fatalf("Allocate #%d failed: %v", i, err)
		}
		if seen[ppn] {
			t.Fatalf("Allocate returned frame %d twice", ppn)
		}
		seen[ppn] = true
	}
	if _, err := f.Allocate(); err != linuxerr.ENOMEM {
		t.Errorf("Allocate on exhausted arena got err %v want ENOMEM", err)
	}
	if got := f.Available(); got != 0 {
		t.Errorf("Available got %d want 0", got)
	}
}

func TestFreedFramesAreReusedZeroed(t *testing.T) {
	f := NewMemoryFile(1)
	ppn, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	copy(f.Bytes(ppn), "dirty")
	f.Free(ppn)

	again, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate after Free failed: %v", err)
	}
	if again != ppn {
		t.Errorf("Allocate got frame %d want recycled frame %d", again, ppn)
	}
	for i, b := range f.Bytes(again)[:5] {
		if b != 0 {
			t.Fatalf("recycled frame byte %d got %#x want 0", i, b)
		}
	}
	if got := f.Allocated(); got != 1 {
		t.Errorf("Allocated got %d want 1", got)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	f := NewMemoryFile(2)
	ppn, _ := f.Allocate()
	f.Free(ppn)

	defer func() {
		if recover() == nil {
			t.Errorf("second Free did not panic")
		}
	}()
	f.Free(ppn)
}
