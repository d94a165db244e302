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

// Package interp provides a platform that runs scripted user programs.
//
// A program is a list of steps. Its flat image carries only the program name;
// the interpreter finds the script by the name it reads from the task's
// memory at loader.FlatBase. Step i lives at FlatBase+4*i, so the saved sepc
// is the whole of a task's interpreter state: fork, exec and context switches
// need no help from the platform.
package interp

import (
	"context"
	"fmt"
	"sync"

	"ksentry.dev/ksentry/pkg/hostarch"
	"ksentry.dev/ksentry/pkg/log"
	"ksentry.dev/ksentry/pkg/sentry/arch"
	"ksentry.dev/ksentry/pkg/sentry/loader"
	"ksentry.dev/ksentry/pkg/sentry/platform"
)

// stepSize is the width of one step in the program counter.
const stepSize = 4

// maxNameBytes bounds the interpreter line read from user memory.
const maxNameBytes = 128

// DefaultQuantum is the default number of local steps between timer
// interrupts.
const DefaultQuantum = 64

// Options configures an Interp.
type Options struct {
	// Quantum is the number of steps that do not trap which a task runs
	// before a timer interrupt. Zero means DefaultQuantum; a negative value
	// disables the timer.
	Quantum int

	// Syscalls resolves the system call names of OpSyscall steps.
	Syscalls SyscallNumbers

	// Logger receives interpreter messages. The global logger is used if
	// nil.
	Logger log.Logger
}

// Failure is an OpExpect step that saw an unexpected a0.
type Failure struct {
	Program string
	PID     uint64
	Step    int
	Got     int64
	Want    int64
}

// String implements fmt.Stringer.String.
func (f Failure) String() string {
	return fmt.Sprintf("%s (pid %d) step %d: a0 got %d want %d", f.Program, f.PID, f.Step, f.Got, f.Want)
}

// Interp implements platform.Platform.
type Interp struct {
	quantum int
	sysnos  SyscallNumbers
	log     log.Logger

	mu sync.Mutex

	// +checklocks:mu
	programs map[string]*program

	// +checklocks:mu
	failures []Failure
}

var _ platform.Platform = (*Interp)(nil)

// New returns a new Interp.
func New(opts Options) (*Interp, error) {
	if opts.Syscalls == nil {
		return nil, fmt.Errorf("interp: no syscall numbers")
	}
	q := opts.Quantum
	if q == 0 {
		q = DefaultQuantum
	}
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	return &Interp{
		quantum:  q,
		sysnos:   opts.Syscalls,
		log:      opts.Logger,
		programs: make(map[string]*program),
	}, nil
}

// Name implements platform.Platform.Name.
func (*Interp) Name() string {
	return "interp"
}

// NewContext implements platform.Platform.NewContext.
func (i *Interp) NewContext() platform.Context {
	return &interpContext{interp: i}
}

// Add compiles p and returns its flat image. Adding a program under a name
// already in use replaces the old script.
func (i *Interp) Add(p Program) ([]byte, error) {
	prog, err := compile(p, i.sysnos)
	if err != nil {
		return nil, err
	}
	i.mu.Lock()
	i.programs[prog.name] = prog
	i.mu.Unlock()
	return loader.BuildFlat(prog.name, nil), nil
}

// Failures returns the expectation failures seen so far.
func (i *Interp) Failures() []Failure {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Failure(nil), i.failures...)
}

func (i *Interp) lookup(name string) (*program, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.programs[name]
	return p, ok
}

func (i *Interp) fail(f Failure) {
	i.log.Warningf("interp: expectation failed: %v", f)
	i.mu.Lock()
	i.failures = append(i.failures, f)
	i.mu.Unlock()
}

// interpContext implements platform.Context.
type interpContext struct {
	interp *Interp
}

// programOf returns the script of the image t runs.
func (c *interpContext) programOf(t platform.UserTask) (*program, error) {
	var buf [maxNameBytes]byte
	n, err := t.CopyIn(loader.FlatBase, buf[:])
	if n == 0 && err != nil {
		return nil, err
	}
	name, err := loader.FlatName(buf[:n])
	if err != nil {
		return nil, err
	}
	p, ok := c.interp.lookup(name)
	if !ok {
		return nil, fmt.Errorf("no program %q", name)
	}
	return p, nil
}

// Switch implements platform.Context.Switch.
func (c *interpContext) Switch(ctx context.Context, t platform.UserTask) (arch.TrapCause, error) {
	prog, err := c.programOf(t)
	if err != nil {
		c.interp.log.Debugf("interp: pid %d: %v", t.PID(), err)
		return arch.IllegalInstruction, nil
	}

	tc := t.TrapContext()
	defer func() { t.SetTrapContext(tc) }()

	for n := 0; ; n++ {
		if ctx.Err() != nil {
			return 0, platform.ErrContextInterrupt
		}
		if c.interp.quantum > 0 && n >= c.interp.quantum {
			return arch.TimerInterrupt, nil
		}
		if tc.Sepc < uint64(loader.FlatBase) || (tc.Sepc-uint64(loader.FlatBase))%stepSize != 0 {
			return arch.IllegalInstruction, nil
		}
		idx := (tc.Sepc - uint64(loader.FlatBase)) / stepSize
		if idx >= uint64(len(prog.steps)) {
			return arch.IllegalInstruction, nil
		}
		s := &prog.steps[idx]

		switch s.op {
		case OpSyscall:
			var vals [len(arch.SyscallArguments{})]uint64
			for j, a := range s.args {
				vals[j] = a.eval(&tc)
			}
			tc.X[arch.RegA7] = uint64(s.sysno)
			for j := range s.args {
				tc.X[arch.RegA0+j] = vals[j]
			}
			// The kernel steps sepc past the ecall.
			return arch.UserEnvCall, nil
		case OpStore:
			if _, err := t.CopyOut(hostarch.Addr(s.addr.eval(&tc)), s.data); err != nil {
				return arch.StoreFault, nil
			}
		case OpLoad:
			var buf [4]byte
			if _, err := t.CopyIn(hostarch.Addr(s.addr.eval(&tc)), buf[:]); err != nil {
				return arch.LoadFault, nil
			}
			tc.X[arch.RegA0] = uint64(int64(int32(hostarch.ByteOrder.Uint32(buf[:]))))
		case OpSet:
			tc.X[arch.RegA0] = s.value.eval(&tc)
		case OpExpect:
			if got := int64(tc.X[arch.RegA0]); got != s.want {
				c.interp.fail(Failure{Program: prog.name, PID: t.PID(), Step: s.srcLine, Got: got, Want: s.want})
			}
		case OpBeqz, OpBnez, OpBltz, OpJump:
			a0 := int64(tc.X[arch.RegA0])
			taken := s.op == OpJump ||
				(s.op == OpBeqz && a0 == 0) ||
				(s.op == OpBnez && a0 != 0) ||
				(s.op == OpBltz && a0 < 0)
			if taken {
				tc.Sepc = uint64(loader.FlatBase) + uint64(s.target)*stepSize
				continue
			}
		case OpTick:
			tc.Sepc += stepSize
			return arch.TimerInterrupt, nil
		case OpFault:
			return arch.StoreFault, nil
		case OpIllegal:
			return arch.IllegalInstruction, nil
		default:
			panic(fmt.Sprintf("interp: uncompiled op %q", s.op))
		}
		tc.Sepc += stepSize
	}
}
