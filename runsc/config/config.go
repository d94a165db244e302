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

// Package config provides basic infrastructure to set configuration settings
// for ksentry. Each setting is a field of Config with a "flag" tag naming
// the command line flag that sets it. The same settings can be read from a
// TOML or YAML file.
package config

import (
	"fmt"
	"strings"

	"github.com/mohae/deepcopy"
	"ksentry.dev/ksentry/pkg/hostarch"
	"ksentry.dev/ksentry/pkg/log"
	"ksentry.dev/ksentry/pkg/sentry/kernel/sched"
)

// Config holds configuration that is not part of a scenario.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
type Config struct {
	// ConfigFile is the TOML or YAML file settings are read from before
	// explicitly set flags are applied.
	ConfigFile string `flag:"config" toml:"-" yaml:"-"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log" yaml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log-format" yaml:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// Scheduler is the ready queue discipline.
	Scheduler SchedulerType `flag:"scheduler" toml:"scheduler" yaml:"scheduler"`

	// BigStride is the stride numerator of the stride scheduler.
	BigStride uint64 `flag:"big-stride" toml:"big-stride" yaml:"big-stride"`

	// DefaultPriority is the priority of tasks that do not inherit one.
	DefaultPriority uint64 `flag:"priority" toml:"priority" yaml:"priority"`

	// MemoryFrames is the number of physical frames of the machine.
	MemoryFrames uint64 `flag:"memory-frames" toml:"memory-frames" yaml:"memory-frames"`

	// UserStackSize is the size of every user stack in bytes.
	UserStackSize uint64 `flag:"user-stack-size" toml:"user-stack-size" yaml:"user-stack-size"`

	// KernelStackSize is the size of every kernel stack in bytes.
	KernelStackSize uint64 `flag:"kernel-stack-size" toml:"kernel-stack-size" yaml:"kernel-stack-size"`

	// Quantum is the number of interpreted steps between timer interrupts.
	// Negative disables the timer.
	Quantum int `flag:"quantum" toml:"quantum" yaml:"quantum"`

	// AllowFlagOverride allows flags that are not in the allowlist to be
	// overridden by scenarios.
	AllowFlagOverride bool `flag:"allow-flag-override" toml:"allow-flag-override" yaml:"allow-flag-override"`
}

// minMemoryFrames is the least memory that fits the kernel space and one
// task.
const minMemoryFrames = 16

func (c *Config) validate() error {
	if c.MemoryFrames < minMemoryFrames {
		return fmt.Errorf("memory-frames must be at least %d, got %d", minMemoryFrames, c.MemoryFrames)
	}
	for name, size := range map[string]uint64{
		"user-stack-size":   c.UserStackSize,
		"kernel-stack-size": c.KernelStackSize,
	} {
		if size == 0 || size%hostarch.PageSize != 0 {
			return fmt.Errorf("%s must be a non-zero multiple of %d, got %d", name, hostarch.PageSize, size)
		}
	}
	if c.DefaultPriority < sched.MinPriority {
		return fmt.Errorf("priority must be at least %d, got %d", sched.MinPriority, c.DefaultPriority)
	}
	if c.BigStride == 0 {
		return fmt.Errorf("big-stride must be > 0")
	}
	if _, err := log.ParseFormat(c.LogFormat, nil); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config: scheduler=%s big-stride=%d priority=%d", c.Scheduler, c.BigStride, c.DefaultPriority)
	log.Infof("Config: memory-frames=%d user-stack-size=%#x kernel-stack-size=%#x quantum=%d",
		c.MemoryFrames, c.UserStackSize, c.KernelStackSize, c.Quantum)
}

// NewQueue returns the ready queue c selects.
func (c *Config) NewQueue() (sched.Queue, error) {
	return sched.New(c.Scheduler.String(), c.BigStride)
}

// SchedulerType tells which ready queue discipline to use.
type SchedulerType int

const (
	// SchedulerStride picks the task with the least stride pass.
	SchedulerStride SchedulerType = iota

	// SchedulerFIFO runs tasks in the order they became ready.
	SchedulerFIFO
)

func schedulerTypePtr(v SchedulerType) *SchedulerType {
	return &v
}

// Set implements flag.Value.
func (s *SchedulerType) Set(v string) error {
	switch strings.ToLower(v) {
	case "stride":
		*s = SchedulerStride
	case "fifo":
		*s = SchedulerFIFO
	default:
		return fmt.Errorf("invalid scheduler type %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (s *SchedulerType) Get() any {
	return *s
}

// String implements flag.Value.
func (s SchedulerType) String() string {
	switch s {
	case SchedulerStride:
		return "stride"
	case SchedulerFIFO:
		return "fifo"
	}
	panic(fmt.Sprintf("Invalid scheduler type %d", s))
}

// MarshalText implements encoding.TextMarshaler, so configuration files name
// the scheduler the way the flag does.
func (s SchedulerType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SchedulerType) UnmarshalText(text []byte) error {
	return s.Set(string(text))
}
