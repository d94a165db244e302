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
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"ksentry.dev/ksentry/pkg/sentry/kernel"
	"ksentry.dev/ksentry/pkg/sentry/loader"
	"ksentry.dev/ksentry/pkg/sentry/platform/interp"
	"ksentry.dev/ksentry/pkg/sentry/syscalls/linux"
	"ksentry.dev/ksentry/runsc/config"
)

const forkWaitTOML = `
name = "fork-wait"

[config]
scheduler = "fifo"

[[programs]]
name = "init"

[[programs.steps]]
op = "syscall"
syscall = "fork"

[[programs.steps]]
op = "beqz"
target = "child"

[[programs.steps]]
label = "wait"
op = "syscall"
syscall = "waitpid"
args = [-1, "sp-16"]

[[programs.steps]]
op = "set"
value = "a0+2"

[[programs.steps]]
op = "bnez"
target = "reaped"

[[programs.steps]]
op = "syscall"
syscall = "yield"

[[programs.steps]]
op = "jump"
target = "wait"

[[programs.steps]]
label = "reaped"
op = "load"
addr = "sp-16"

[[programs.steps]]
op = "expect"
want = 7

[[programs.steps]]
op = "syscall"
syscall = "exit"
args = [0]

[[programs.steps]]
label = "child"
op = "syscall"
syscall = "exit"
args = [7]

[expect]
exits = [{pid = 1, code = 7}, {pid = 0, code = 0}]
`

const spawnYAML = `
init: parent
programs:
  - name: parent
    steps:
      - op: store
        addr: sp-64
        data: worker
      - op: syscall
        syscall: spawn
        args: [sp-64]
      - op: expect
        want: 1
      - label: wait
        op: syscall
        syscall: waitpid
        args: [1, sp-16]
      - op: bltz
        target: again
      - op: syscall
        syscall: exit
        args: [0]
      - label: again
        op: syscall
        syscall: yield
      - op: jump
        target: wait
  - name: worker
    steps:
      - op: syscall
        syscall: getpid
      - op: syscall
        syscall: exit
        args: [a0]
expect:
  exits:
    - {pid: 1, code: 1}
    - {pid: 0, code: 0}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadScenario(t *testing.T) {
	dir := t.TempDir()

	s, err := LoadScenario(writeFile(t, dir, "fork.toml", forkWaitTOML))
	if err != nil {
		t.Fatalf("LoadScenario(toml) failed: %v", err)
	}
	if s.Name != "fork-wait" || len(s.Programs) != 1 || len(s.Programs[0].Steps) != 11 {
		t.Errorf("toml scenario got %+v", s)
	}
	if want := (map[string]string{"scheduler": "fifo"}); !cmp.Equal(want, s.Config) {
		t.Errorf("Config got %v want %v", s.Config, want)
	}

	s, err = LoadScenario(writeFile(t, dir, "spawn.yaml", spawnYAML))
	if err != nil {
		t.Fatalf("LoadScenario(yaml) failed: %v", err)
	}
	// The name defaults to the file name.
	if s.Name != "spawn" || s.Init != "parent" || len(s.Programs) != 2 {
		t.Errorf("yaml scenario got %+v", s)
	}
	want := []Exit{{PID: 1, Code: 1}, {PID: 0, Code: 0}}
	if diff := cmp.Diff(want, s.Expect.Exits); diff != "" {
		t.Errorf("Exits mismatch (-want +got):\n%s", diff)
	}

	if _, err := LoadScenario(writeFile(t, dir, "bad.toml", "programs = 3\n")); err == nil {
		t.Errorf("LoadScenario(bad) succeeded")
	}
	if _, err := LoadScenario(filepath.Join(dir, "missing.toml")); err == nil {
		t.Errorf("LoadScenario(missing) succeeded")
	}
}

func TestScenarioRun(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"fork.toml", "spawn.yaml"} {
		content := forkWaitTOML
		if strings.HasSuffix(name, ".yaml") {
			content = spawnYAML
		}
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(writeFile(t, dir, name, content))
			if err != nil {
				t.Fatal(err)
			}
			r, err := s.Run(context.Background(), config.Default())
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if !r.Passed() {
				t.Errorf("scenario failed: %v", r.Problems)
			}
			if r.LeakedFrames != 0 {
				t.Errorf("LeakedFrames got %d want 0", r.LeakedFrames)
			}
		})
	}
}

func TestScenarioProblems(t *testing.T) {
	s := &Scenario{
		Name:   "wrong",
		Config: map[string]string{"quantum": "-1"},
		Programs: []interp.Program{{
			Name: "init",
			Steps: []interp.Step{
				{Op: "set", Value: 3},
				{Op: "expect", Want: 4},
				{Op: "syscall", Syscall: "exit", Args: []any{"a0"}},
			},
		}},
		Expect: Expectation{Exits: []Exit{{PID: 0, Code: 0}}},
	}
	r, err := s.Run(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if r.Passed() {
		t.Fatalf("scenario passed")
	}
	want := []string{
		"init (pid 0) step 1: a0 got 3 want 4",
		"exit 0 got {PID:0 Code:3} want {PID:0 Code:0}",
	}
	if diff := cmp.Diff(want, r.Problems); diff != "" {
		t.Errorf("Problems mismatch (-want +got):\n%s", diff)
	}
}

func TestScenarioErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		s    Scenario
	}{
		{
			name: "no programs",
			s:    Scenario{Name: "empty"},
		},
		{
			name: "override not allowed",
			s: Scenario{
				Config:   map[string]string{"log": "/tmp/x"},
				Programs: []interp.Program{{Name: "init"}},
			},
		},
		{
			name: "unknown init",
			s: Scenario{
				Init:     "missing",
				Programs: []interp.Program{{Name: "init"}},
			},
		},
		{
			name: "bad program",
			s: Scenario{
				Programs: []interp.Program{{Name: "init", Steps: []interp.Step{{Op: "jump", Target: "nowhere"}}}},
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := test.s.Run(context.Background(), config.Default()); err == nil {
				t.Errorf("Run succeeded")
			}
		})
	}
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.toml", forkWaitTOML)
	bad := writeFile(t, dir, "bad.toml", strings.Replace(forkWaitTOML, "code = 7}", "code = 8}", 1))

	var out bytes.Buffer
	r := &Replay{parallel: 2}
	passed, err := r.replay(context.Background(), config.Default(), []string{good, bad}, &out)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if passed {
		t.Errorf("replay passed with a failing scenario")
	}
	got := out.String()
	for _, want := range []string{"PASS fork-wait\n", "FAIL fork-wait\n", "exit 0 got {PID:1 Code:7} want {PID:1 Code:8}"} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q does not contain %q", got, want)
		}
	}
	if strings.Index(got, "PASS") > strings.Index(got, "FAIL") {
		t.Errorf("results out of order:\n%s", got)
	}

	out.Reset()
	passed, err = r.replay(context.Background(), config.Default(), []string{good}, &out)
	if err != nil || !passed {
		t.Errorf("replay(good) got (%v, %v) want (true, nil)", passed, err)
	}

	if _, err := r.replay(context.Background(), config.Default(), []string{filepath.Join(dir, "missing.toml")}, &out); err == nil {
		t.Errorf("replay(missing) succeeded")
	}
}

func TestLayout(t *testing.T) {
	img, err := loader.Standard{}.Load(loader.BuildFlat("demo", make([]byte, 100)))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := writeLayout(&out, img, config.Default()); err != nil {
		t.Fatalf("writeLayout failed: %v", err)
	}
	areas := make(map[string][]string)
	var summary string
	for _, line := range strings.Split(out.String(), "\n") {
		f := strings.Fields(line)
		switch {
		case len(f) == 4:
			areas[f[3]] = f[:3]
		case len(f) > 0 && f[0] == "entry":
			summary = line
		}
	}
	for area, want := range map[string][]string{
		"segment":      {"0x10000", "0x11000", "r-xu"},
		"stack":        {"0x12000", "0x14000", "rw-u"},
		"heap":         {"0x14000", "0x14000", "rw-u"},
		"trap-context": {"0x7fffffe000", "0x7ffffff000", "rw--"},
		"trampoline":   {"0x7ffffff000", "0x8000000000", "r-x-"},
	} {
		if diff := cmp.Diff(want, areas[area]); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", area, diff)
		}
	}
	if !strings.HasPrefix(summary, "entry 0x10000 sp 0x14000 heap 0x14000") {
		t.Errorf("summary got %q", summary)
	}
}

func TestSyscallsOutput(t *testing.T) {
	info := getTableInfo(linux.RISCV64)
	if got, want := len(info.Syscalls), len(linux.RISCV64.Table); got != want {
		t.Fatalf("got %d syscalls want %d", got, want)
	}
	for i := 1; i < len(info.Syscalls); i++ {
		if info.Syscalls[i-1].Num >= info.Syscalls[i].Num {
			t.Errorf("syscalls not sorted at %d: %v", i, info.Syscalls)
		}
	}

	var out bytes.Buffer
	if err := outputJSON(&out, info); err != nil {
		t.Fatal(err)
	}
	var decoded TableInfo
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if diff := cmp.Diff(info, decoded); diff != "" {
		t.Errorf("JSON mismatch (-want +got):\n%s", diff)
	}

	out.Reset()
	if err := outputCSV(&out, info); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&out).ReadAll()
	if err != nil {
		t.Fatalf("output is not CSV: %v", err)
	}
	if len(rows) != len(info.Syscalls)+1 {
		t.Errorf("got %d CSV rows want %d", len(rows), len(info.Syscalls)+1)
	}

	out.Reset()
	if err := outputTable(&out, info); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "munmap") || !strings.Contains(out.String(), kernel.SupportPartial.String()) {
		t.Errorf("table output missing munmap:\n%s", out.String())
	}
}
