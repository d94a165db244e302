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

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"ksentry.dev/ksentry/pkg/log"
	"ksentry.dev/ksentry/pkg/sentry/kernel"
	"ksentry.dev/ksentry/pkg/sentry/loader"
	"ksentry.dev/ksentry/pkg/sentry/platform/interp"
	"ksentry.dev/ksentry/pkg/sentry/syscalls/linux"
	"ksentry.dev/ksentry/runsc/config"
)

// Exit is an expected task exit.
type Exit struct {
	PID  uint64 `toml:"pid" yaml:"pid"`
	Code int32  `toml:"code" yaml:"code"`
}

// Expectation is what a scenario must produce.
type Expectation struct {
	// Exits are the task exits in the order they happen. Nil skips the
	// check.
	Exits []Exit `toml:"exits" yaml:"exits"`
}

// Scenario is a set of programs run on a fresh kernel.
type Scenario struct {
	// Name identifies the scenario. It defaults to the file name.
	Name string `toml:"name" yaml:"name"`

	// Init is the program started first. It defaults to the first program.
	Init string `toml:"init" yaml:"init"`

	// Config overrides flags for this scenario, as flag name to value.
	Config map[string]string `toml:"config" yaml:"config"`

	// Programs are the programs tasks may exec or spawn.
	Programs []interp.Program `toml:"programs" yaml:"programs"`

	// Expect is checked after the run.
	Expect Expectation `toml:"expect" yaml:"expect"`
}

// LoadScenario reads a scenario file. Files ending in .yaml or .yml are
// YAML; all others are TOML.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Scenario
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &s)
	default:
		_, err = toml.Decode(string(data), &s)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing scenario %q: %w", path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &s, nil
}

// Result is the outcome of a scenario run.
type Result struct {
	Name string

	// Exits are the exits in the order they happened.
	Exits []kernel.ExitRecord

	// Failures are the expectations programs checked that did not hold.
	Failures []interp.Failure

	// LeakedFrames is the number of frames still allocated after every task
	// was reaped.
	LeakedFrames uint64

	// Problems describe every way the run differs from the scenario's
	// expectations.
	Problems []string
}

// Passed returns true if the run met every expectation.
func (r *Result) Passed() bool {
	return len(r.Problems) == 0
}

// configure returns a copy of base with the scenario's overrides applied.
func (s *Scenario) configure(base *config.Config) (*config.Config, error) {
	conf := base.Clone()
	names := make([]string, 0, len(s.Config))
	for name := range s.Config {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := conf.Override(name, s.Config[name]); err != nil {
			return nil, err
		}
	}
	return conf, nil
}

// Run runs the scenario until no task is left, with base overridden by the
// scenario's settings.
func (s *Scenario) Run(ctx context.Context, base *config.Config) (*Result, error) {
	if len(s.Programs) == 0 {
		return nil, fmt.Errorf("scenario %q has no programs", s.Name)
	}
	conf, err := s.configure(base)
	if err != nil {
		return nil, err
	}

	logger := log.PrefixedLogger(log.Log(), s.Name)
	ip, err := interp.New(interp.Options{
		Quantum:  conf.Quantum,
		Syscalls: linux.RISCV64,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	apps := loader.NewAppTable()
	for _, p := range s.Programs {
		img, err := ip.Add(p)
		if err != nil {
			return nil, err
		}
		if err := apps.Add(p.Name, img); err != nil {
			return nil, err
		}
	}

	k, err := newKernel(conf, apps, logger)
	if err != nil {
		return nil, err
	}
	baseline := k.MemoryFile().Allocated()

	first := s.Init
	if first == "" {
		first = s.Programs[0].Name
	}
	if _, err := k.StartApp(first); err != nil {
		return nil, fmt.Errorf("starting %q: %w", first, err)
	}
	logger.Infof("running %q", first)
	if err := k.Run(ctx, ip); err != nil {
		return nil, err
	}

	r := &Result{
		Name:         s.Name,
		Exits:        k.Exits(),
		Failures:     ip.Failures(),
		LeakedFrames: k.MemoryFile().Allocated() - baseline,
	}
	s.check(r)
	return r, nil
}

// check fills in r.Problems.
func (s *Scenario) check(r *Result) {
	for _, f := range r.Failures {
		r.Problems = append(r.Problems, f.String())
	}
	if r.LeakedFrames != 0 {
		r.Problems = append(r.Problems, fmt.Sprintf("%d frames leaked", r.LeakedFrames))
	}
	if s.Expect.Exits == nil {
		return
	}
	got := make([]Exit, 0, len(r.Exits))
	for _, e := range r.Exits {
		got = append(got, Exit{PID: e.PID, Code: e.Code})
	}
	if len(got) != len(s.Expect.Exits) {
		r.Problems = append(r.Problems, fmt.Sprintf("exits got %v want %v", got, s.Expect.Exits))
		return
	}
	for i := range got {
		if got[i] != s.Expect.Exits[i] {
			r.Problems = append(r.Problems, fmt.Sprintf("exit %d got %+v want %+v", i, got[i], s.Expect.Exits[i]))
		}
	}
}
