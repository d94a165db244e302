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
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"ksentry.dev/ksentry/runsc/config"
)

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	parallel int
	verbose  bool
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "run scenarios and check their expectations"
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [flags] <scenario file>... - run each scenario on its own kernel.

Scenario files are TOML, or YAML if they end in .yaml or .yml.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.parallel, "parallel", runtime.GOMAXPROCS(0), "number of scenarios to run at once.")
	f.BoolVar(&r.verbose, "v", false, "print the exits of every scenario.")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	passed, err := r.replay(ctx, conf, f.Args(), os.Stdout)
	if err != nil {
		Fatalf("%v", err)
	}
	if !passed {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// replay runs the scenarios in paths and reports on w. It returns true if
// every scenario passed.
func (r *Replay) replay(ctx context.Context, conf *config.Config, paths []string, w io.Writer) (bool, error) {
	scenarios := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return false, err
		}
		scenarios = append(scenarios, s)
	}

	results := make([]*Result, len(scenarios))
	g, gctx := errgroup.WithContext(ctx)
	if r.parallel > 0 {
		g.SetLimit(r.parallel)
	}
	for i, s := range scenarios {
		i, s := i, s
		g.Go(func() error {
			res, err := s.Run(gctx, conf)
			if err != nil {
				return fmt.Errorf("scenario %q: %w", s.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	passed := true
	for _, res := range results {
		if res.Passed() {
			fmt.Fprintf(w, "PASS %s\n", res.Name)
		} else {
			passed = false
			fmt.Fprintf(w, "FAIL %s\n", res.Name)
			for _, p := range res.Problems {
				fmt.Fprintf(w, "  %s\n", p)
			}
		}
		if r.verbose {
			for _, e := range res.Exits {
				fmt.Fprintf(w, "  pid %d exited with %d\n", e.PID, e.Code)
			}
		}
	}
	return passed, nil
}
