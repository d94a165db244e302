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
	"fmt"
	"sort"
	"sync"

	"ksentry.dev/ksentry/pkg/errors/linuxerr"
)

// AppTable maps program names to their raw bytes. exec and spawn resolve
// their path argument through it.
type AppTable struct {
	mu   sync.RWMutex
	apps map[string][]byte
}

// NewAppTable returns an empty AppTable.
func NewAppTable() *AppTable {
	return &AppTable{apps: make(map[string][]byte)}
}

// Add registers data under name. It fails with EEXIST if name is taken.
func (a *AppTable) Add(name string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.apps[name]; ok {
		return fmt.Errorf("app %q: %w", name, linuxerr.EEXIST)
	}
	a.apps[name] = data
	return nil
}

// Lookup returns the bytes of the named program.
func (a *AppTable) Lookup(name string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.apps[name]
	return data, ok
}

// Names returns the registered names in sorted order.
func (a *AppTable) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.apps))
	for name := range a.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
