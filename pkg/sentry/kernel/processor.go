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
	"sync"
	"time"

	"ksentry.dev/ksentry/pkg/sentry/arch"
)

// Processor is the single hart. It owns the current-task slot and the idle
// context the scheduler loop runs on.
type Processor struct {
	mu sync.Mutex

	// +checklocks:mu
	current *Task

	// idle is the context of the scheduler loop while a task runs.
	idle arch.TaskContext

	cpu arch.CPU
}

// Current returns the running task, or nil if the processor is idle.
func (p *Processor) Current() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// switchTo resumes t from the idle loop. It returns where t resumes.
//
// Resuming an exited task is a kernel bug and panics.
func (p *Processor) switchTo(t *Task, now time.Duration) uint64 {
	p.mu.Lock()
	if p.current != nil {
		p.mu.Unlock()
		panic(fmt.Sprintf("switching to %v while %v is running", t, p.current))
	}
	p.current = t
	p.mu.Unlock()

	t.mu.Lock()
	if t.status == TaskExited {
		t.mu.Unlock()
		panic(fmt.Sprintf("resuming exited %v", t))
	}
	t.status = TaskRunning
	t.info.TrySetFirstRun(now)
	t.mu.Unlock()

	return p.cpu.Switch(&p.idle, &t.ctx)
}

// schedule suspends the running task t and returns to the idle loop.
func (p *Processor) schedule(t *Task) {
	p.mu.Lock()
	if p.current != t {
		p.mu.Unlock()
		panic(fmt.Sprintf("%v is not running", t))
	}
	p.current = nil
	p.mu.Unlock()

	p.cpu.Switch(&t.ctx, &p.idle)
}
