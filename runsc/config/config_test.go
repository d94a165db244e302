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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"ksentry.dev/ksentry/pkg/sentry/kernel/sched"
)

func newFlagSet() *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if c.Scheduler != SchedulerStride {
		t.Errorf("Scheduler=%v, want: %v", c.Scheduler, SchedulerStride)
	}
	if c.DefaultPriority != sched.DefaultPriority {
		t.Errorf("DefaultPriority=%v, want: %v", c.DefaultPriority, sched.DefaultPriority)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlagSet()
	for name, val := range map[string]string{
		"debug":         "true",
		"memory-frames": "512",
		"scheduler":     "fifo",
		"quantum":       "-1",
	} {
		if err := testFlags.Set(name, val); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := uint64(512); c.MemoryFrames != want {
		t.Errorf("MemoryFrames=%v, want: %v", c.MemoryFrames, want)
	}
	if want := SchedulerFIFO; c.Scheduler != want {
		t.Errorf("Scheduler=%v, want: %v", c.Scheduler, want)
	}
	if want := -1; c.Quantum != want {
		t.Errorf("Quantum=%v, want: %v", c.Quantum, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := newFlagSet()
	testFlags.Set("debug", "true")
	testFlags.Set("priority", "16") // Matches default value.
	testFlags.Set("big-stride", "1000")
	testFlags.Set("scheduler", "fifo")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	flags := c.ToFlags()
	t.Logf("Flags: %s", flags)
	want := []string{"--debug=true", "--scheduler=fifo", "--big-stride=1000"}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

// TestInvalidFlags checks that enum flags fail when value is not in enum set.
func TestInvalidFlags(t *testing.T) {
	testFlags := newFlagSet()
	if err := testFlags.Lookup("scheduler").Value.Set("lottery"); err == nil || !strings.Contains(err.Error(), "invalid scheduler type") {
		t.Errorf("flag.Value.Set(invalid) wrong error reported: %v", err)
	}
}

func TestValidationFail(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		error string
	}{
		{
			name:  "memory-frames",
			flags: map[string]string{"memory-frames": "4"},
			error: "memory-frames must be at least",
		},
		{
			name:  "user-stack-size",
			flags: map[string]string{"user-stack-size": "100"},
			error: "user-stack-size must be a non-zero multiple",
		},
		{
			name:  "kernel-stack-size",
			flags: map[string]string{"kernel-stack-size": "0"},
			error: "kernel-stack-size must be a non-zero multiple",
		},
		{
			name:  "priority",
			flags: map[string]string{"priority": "1"},
			error: "priority must be at least 2",
		},
		{
			name:  "big-stride",
			flags: map[string]string{"big-stride": "0"},
			error: "big-stride must be > 0",
		},
		{
			name:  "log-format",
			flags: map[string]string{"log-format": "xml"},
			error: "invalid log format",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlagSet()
			for name, val := range tc.flags {
				if err := testFlags.Set(name, val); err != nil {
					t.Errorf("%s=%q: %v", name, val, err)
				}
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() wrong error reported: %v", err)
			}
		})
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		name    string
		content string
	}{
		{
			name:    "ksentry.toml",
			content: "scheduler = \"fifo\"\nmemory-frames = 256\npriority = 8\n",
		},
		{
			name:    "ksentry.yaml",
			content: "scheduler: fifo\nmemory-frames: 256\npriority: 8\n",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name)
			if err := os.WriteFile(path, []byte(tc.content), 0644); err != nil {
				t.Fatal(err)
			}
			testFlags := newFlagSet()
			testFlags.Set("config", path)
			// Flags set on the command line win over the file.
			testFlags.Set("priority", "4")

			c, err := NewFromFlags(testFlags)
			if err != nil {
				t.Fatal(err)
			}
			want := Default()
			want.ConfigFile = path
			want.Scheduler = SchedulerFIFO
			want.MemoryFrames = 256
			want.DefaultPriority = 4
			if diff := cmp.Diff(want, c); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfigFileErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("scheduler = \"lottery\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{bad, filepath.Join(dir, "missing.toml")} {
		testFlags := newFlagSet()
		testFlags.Set("config", path)
		if _, err := NewFromFlags(testFlags); err == nil {
			t.Errorf("NewFromFlags(--config=%s) succeeded", path)
		}
	}
}

func TestClone(t *testing.T) {
	c := Default()
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Errorf("Clone mismatch (-want +got):\n%s", diff)
	}
	clone.MemoryFrames = 99
	if c.MemoryFrames == 99 {
		t.Errorf("Clone shares state with the original")
	}
}

func TestNewQueue(t *testing.T) {
	c := Default()
	q, err := c.NewQueue()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := q.(*sched.Stride); !ok {
		t.Errorf("NewQueue got %T want *sched.Stride", q)
	}
	c.Scheduler = SchedulerFIFO
	if q, err = c.NewQueue(); err != nil {
		t.Fatal(err)
	}
	if _, ok := q.(*sched.FIFO); !ok {
		t.Errorf("NewQueue got %T want *sched.FIFO", q)
	}
}

func TestOverride(t *testing.T) {
	c := Default()

	t.Run("enum", func(t *testing.T) {
		if err := c.Override("scheduler", "fifo"); err != nil {
			t.Fatalf("Override(scheduler, fifo) failed: %v", err)
		}
		if c.Scheduler != SchedulerFIFO {
			t.Errorf("Override(scheduler, fifo) didn't work: %+v", c)
		}
	})

	t.Run("uint", func(t *testing.T) {
		if err := c.Override("memory-frames", "64"); err != nil {
			t.Fatalf("Override(memory-frames, 64) failed: %v", err)
		}
		if c.MemoryFrames != 64 {
			t.Errorf("Override(memory-frames, 64) didn't work: %+v", c)
		}
	})

	t.Run("bool", func(t *testing.T) {
		c.Debug = true
		if err := c.Override("debug", "false"); err != nil {
			t.Fatalf("Override(debug, false) failed: %v", err)
		}
		if c.Debug {
			t.Errorf("Override(debug, false) didn't work: %+v", c)
		}
	})
}

func TestOverrideDisabled(t *testing.T) {
	c := Default()
	const errMsg = "flag override disabled"
	if err := c.Override("log", "/tmp/ksentry.log"); err == nil || !strings.Contains(err.Error(), errMsg) {
		t.Errorf("Override() wrong error: %v", err)
	}
	if err := c.Override("memory-frames", "100000"); err == nil || !strings.Contains(err.Error(), "allow-flag-override") {
		t.Errorf("Override() wrong error: %v", err)
	}

	c.AllowFlagOverride = true
	if err := c.Override("memory-frames", "100000"); err != nil {
		t.Errorf("Override() with override allowed failed: %v", err)
	}
}

func TestOverrideError(t *testing.T) {
	c := Default()
	c.AllowFlagOverride = true
	for _, tc := range []struct {
		name  string
		value string
		error string
	}{
		{
			name:  "invalid",
			value: "valid",
			error: `flag "invalid" not found`,
		},
		{
			name:  "debug",
			value: "invalid",
			error: "error setting flag debug",
		},
		{
			name:  "scheduler",
			value: "invalid",
			error: "invalid scheduler type",
		},
		{
			name:  "priority",
			value: "1",
			error: "priority must be at least",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := c.Override(tc.name, tc.value); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("Override(%q, %q) wrong error: %v", tc.name, tc.value, err)
			}
		})
	}
}
