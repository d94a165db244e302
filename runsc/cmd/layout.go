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
	"text/tabwriter"

	"github.com/google/subcommands"
	"ksentry.dev/ksentry/pkg/sentry/loader"
	"ksentry.dev/ksentry/pkg/sentry/mm"
	"ksentry.dev/ksentry/pkg/sentry/pgalloc"
	"ksentry.dev/ksentry/runsc/config"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct{}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the address space a program is loaded into"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout <program> - print the address space areas of an ELF or flat program.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Layout) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	data, err := os.ReadFile(f.Arg(0))
	if err != nil {
		Fatalf("reading program: %v", err)
	}
	img, err := loader.Standard{}.Load(data)
	if err != nil {
		Fatalf("loading %q: %v", f.Arg(0), err)
	}
	if err := writeLayout(os.Stdout, img, conf); err != nil {
		Fatalf("writing layout: %v", err)
	}
	return subcommands.ExitSuccess
}

// writeLayout builds the address space of a task running img and prints its
// areas.
func writeLayout(w io.Writer, img *loader.Image, conf *config.Config) error {
	mf := pgalloc.NewMemoryFile(conf.MemoryFrames)
	ks, err := mm.NewKernelSpace(mf, conf.KernelStackSize)
	if err != nil {
		return err
	}
	before := mf.Allocated()
	ms, l, err := mm.FromImage(mf, ks.Trampoline(), img, conf.UserStackSize)
	if err != nil {
		return err
	}
	defer ms.Release()

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "START\tEND\tPERM\tAREA\n")
	for _, a := range ms.Areas() {
		fmt.Fprintf(tw, "%#x\t%#x\t%v\t%v\n", uint64(a.Range.Start.Addr()), uint64(a.Range.End.Addr()), a.Perm, a.Kind)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nentry %#x sp %#x heap %#x frames %d\n", uint64(l.Entry), uint64(l.UserSP), uint64(l.HeapBottom), mf.Allocated()-before)
	return nil
}
