// Copyright 2018 The gVisor Authors.
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

package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %q, expected: %q", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Errorf("line %d doesn't match, got: %q, expected: %q", i, l, expected[i])
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}

	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)

	if got, want := buf.String(), "shown 2\nshown 3\n"; got != want {
		t.Errorf("output got %q want %q", got, want)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) got false after SetLevel(Debug)")
	}
}

func TestGoogleEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2024, time.March, 7, 13, 4, 5, 6000, time.UTC)
	e.Emit(0, Warning, ts, "pid[%d] killed", 3)

	line := buf.String()
	if !strings.HasPrefix(line, "W0307 13:04:05.000006 ") {
		t.Errorf("header got %q", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("caller missing from %q", line)
	}
	if !strings.HasSuffix(line, "] pid[3] killed\n") {
		t.Errorf("message got %q", line)
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	e.Emit(0, Info, time.Now(), "sys_%s", "fork")

	var j jsonLog
	if err := json.Unmarshal(buf.Bytes(), &j); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if j.Msg != "sys_fork" || j.Level != Info {
		t.Errorf("got %+v, want msg sys_fork at info", j)
	}
	if !strings.HasPrefix(j.Caller, "log_test.go:") {
		t.Errorf("caller got %q", j.Caller)
	}
}

func TestParseFormat(t *testing.T) {
	var buf bytes.Buffer
	for _, format := range []string{"", "text", "json", "JSON"} {
		if _, err := ParseFormat(format, &buf); err != nil {
			t.Errorf("ParseFormat(%q) failed: %v", format, err)
		}
	}
	if _, err := ParseFormat("xml", &buf); err == nil {
		t.Errorf("ParseFormat(xml) succeeded")
	}
}

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: &buf}}, time.Hour)

	l.Infof("poll %d", 1)
	l.Infof("poll %d", 2)
	l.Infof("poll %d", 3)

	if got, want := buf.String(), "poll 1\n"; got != want {
		t.Errorf("output got %q want %q", got, want)
	}
	if rl := l.(*rateLimitedLogger); rl.suppressed.Load() != 2 {
		t.Errorf("suppressed got %d want 2", rl.suppressed.Load())
	}
}

func TestPrefixedLogger(t *testing.T) {
	var buf bytes.Buffer
	l := PrefixedLogger(&BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}, "fork-wait 100%")

	l.Infof("pid %d exited", 1)
	l.Debugf("dropped")
	l.Warningf("pid %d faulted", 2)

	want := "[fork-wait 100%] pid 1 exited\n[fork-wait 100%] pid 2 faulted\n"
	if got := buf.String(); got != want {
		t.Errorf("output got %q want %q", got, want)
	}
	if l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) got true at info level")
	}
}
