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

package interp

import (
	"fmt"
	"strconv"
	"strings"

	"ksentry.dev/ksentry/pkg/sentry/arch"
)

// Step operations.
const (
	// OpSyscall traps into the kernel with Syscall and Args in a7 and a0-a5.
	OpSyscall = "syscall"

	// OpStore writes Data and a terminating NUL at Addr.
	OpStore = "store"

	// OpLoad reads the 32-bit integer at Addr into a0, sign extended.
	OpLoad = "load"

	// OpSet sets a0 to Value.
	OpSet = "set"

	// OpExpect records a failure unless a0 equals Want.
	OpExpect = "expect"

	// OpBeqz, OpBnez and OpBltz branch to Target on a0.
	OpBeqz = "beqz"
	OpBnez = "bnez"
	OpBltz = "bltz"

	// OpJump branches to Target.
	OpJump = "jump"

	// OpTick raises a timer interrupt after the step.
	OpTick = "tick"

	// OpFault stores to an unmapped address.
	OpFault = "fault"

	// OpIllegal executes an illegal instruction.
	OpIllegal = "illegal"
)

// Step is one instruction of a Program.
//
// Operands (Args, Addr and Value) are integers or strings: a string is an
// integer in Go syntax, a register ("a0", "sp") or a register plus or minus
// an integer ("sp-64").
type Step struct {
	// Label names the step as a branch target.
	Label string `toml:"label,omitempty" yaml:"label,omitempty"`

	// Op is the operation.
	Op string `toml:"op" yaml:"op"`

	// Syscall names the system call of an OpSyscall step.
	Syscall string `toml:"syscall,omitempty" yaml:"syscall,omitempty"`

	// Args are the system call arguments.
	Args []any `toml:"args,omitempty" yaml:"args,omitempty"`

	// Addr is the user address of an OpStore or OpLoad step.
	Addr any `toml:"addr,omitempty" yaml:"addr,omitempty"`

	// Data is the string an OpStore step writes.
	Data string `toml:"data,omitempty" yaml:"data,omitempty"`

	// Value is the operand of an OpSet step.
	Value any `toml:"value,omitempty" yaml:"value,omitempty"`

	// Want is the value an OpExpect step checks for.
	Want int64 `toml:"want,omitempty" yaml:"want,omitempty"`

	// Target is the label a branch jumps to.
	Target string `toml:"target,omitempty" yaml:"target,omitempty"`
}

// Program is a script run by the interpreter under a program name.
type Program struct {
	Name  string `toml:"name" yaml:"name"`
	Steps []Step `toml:"steps" yaml:"steps"`
}

// SyscallNumbers resolves system call names.
type SyscallNumbers interface {
	LookupNo(name string) (uintptr, error)
}

// operand is a compiled operand: a register value plus an offset.
type operand struct {
	// reg is the register index, or -1 for a constant.
	reg int
	off int64
}

// registers are the register names operands may use.
var registers = map[string]int{
	"ra": arch.RegRA,
	"sp": arch.RegSP,
	"a0": arch.RegA0,
	"a1": arch.RegA1,
	"a2": arch.RegA2,
}

func (o operand) eval(tc *arch.TrapContext) uint64 {
	if o.reg < 0 {
		return uint64(o.off)
	}
	return tc.X[o.reg] + uint64(o.off)
}

func parseOperand(v any) (operand, error) {
	switch v := v.(type) {
	case nil:
		return operand{reg: -1}, nil
	case int:
		return operand{reg: -1, off: int64(v)}, nil
	case int64:
		return operand{reg: -1, off: v}, nil
	case uint64:
		return operand{reg: -1, off: int64(v)}, nil
	case string:
		return parseOperandString(strings.TrimSpace(v))
	default:
		return operand{}, fmt.Errorf("operand %v has unsupported type %T", v, v)
	}
}

func parseOperandString(s string) (operand, error) {
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return operand{reg: -1, off: n}, nil
	}
	name, rest := s, ""
	if i := strings.IndexAny(s, "+-"); i > 0 {
		name, rest = strings.TrimSpace(s[:i]), strings.TrimSpace(s[i:])
	}
	reg, ok := registers[name]
	if !ok {
		return operand{}, fmt.Errorf("bad operand %q", s)
	}
	o := operand{reg: reg}
	if rest != "" {
		n, err := strconv.ParseInt(strings.ReplaceAll(rest, " ", ""), 0, 64)
		if err != nil {
			return operand{}, fmt.Errorf("bad offset in operand %q: %w", s, err)
		}
		o.off = n
	}
	return o, nil
}

// step is a compiled Step.
type step struct {
	op      string
	sysno   uintptr
	args    []operand
	addr    operand
	data    []byte
	value   operand
	want    int64
	target  int
	srcLine int
}

// program is a compiled Program.
type program struct {
	name  string
	steps []step
}

// compile resolves the labels, system call names and operands of p.
func compile(p Program, sysnos SyscallNumbers) (*program, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("program has no name")
	}
	labels := make(map[string]int)
	for i, s := range p.Steps {
		if s.Label == "" {
			continue
		}
		if _, ok := labels[s.Label]; ok {
			return nil, fmt.Errorf("%s: label %q defined twice", p.Name, s.Label)
		}
		labels[s.Label] = i
	}

	prog := &program{name: p.Name, steps: make([]step, len(p.Steps))}
	for i, s := range p.Steps {
		c, err := compileStep(s, labels, sysnos)
		if err != nil {
			return nil, fmt.Errorf("%s step %d (%s): %w", p.Name, i, s.Op, err)
		}
		c.srcLine = i
		prog.steps[i] = c
	}
	return prog, nil
}

func compileStep(s Step, labels map[string]int, sysnos SyscallNumbers) (step, error) {
	c := step{op: s.Op, want: s.Want, target: -1}
	var err error
	switch s.Op {
	case OpSyscall:
		if c.sysno, err = sysnos.LookupNo(s.Syscall); err != nil {
			return step{}, err
		}
		if len(s.Args) > len(arch.SyscallArguments{}) {
			return step{}, fmt.Errorf("%d arguments", len(s.Args))
		}
		for _, a := range s.Args {
			o, err := parseOperand(a)
			if err != nil {
				return step{}, err
			}
			c.args = append(c.args, o)
		}
	case OpStore, OpLoad:
		if s.Addr == nil {
			return step{}, fmt.Errorf("no address")
		}
		if c.addr, err = parseOperand(s.Addr); err != nil {
			return step{}, err
		}
		if s.Op == OpStore {
			c.data = append([]byte(s.Data), 0)
		}
	case OpSet:
		if c.value, err = parseOperand(s.Value); err != nil {
			return step{}, err
		}
	case OpBeqz, OpBnez, OpBltz, OpJump:
		t, ok := labels[s.Target]
		if !ok {
			return step{}, fmt.Errorf("unknown label %q", s.Target)
		}
		c.target = t
	case OpExpect, OpTick, OpFault, OpIllegal:
	default:
		return step{}, fmt.Errorf("unknown operation")
	}
	return c, nil
}
