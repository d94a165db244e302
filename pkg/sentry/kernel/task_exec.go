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

	"ksentry.dev/ksentry/pkg/sentry/loader"
	"ksentry.dev/ksentry/pkg/sentry/mm"
)

// Exec replaces t's address space and trap context with a fresh image. The
// pid, kernel stack, parent and children are kept. If the new address space
// cannot be built t is unchanged.
func (t *Task) Exec(img *loader.Image) error {
	k := t.k
	ms, layout, err := mm.FromImage(k.mf, k.ks.Trampoline(), img, k.userStackSize)
	if err != nil {
		return fmt.Errorf("%v: exec: %w", t, err)
	}

	t.mu.Lock()
	old := t.ms
	t.installLocked(ms, layout)
	t.mu.Unlock()

	old.Release()
	k.log.Infof("%v exec entry %v", t, layout.Entry)
	return nil
}
