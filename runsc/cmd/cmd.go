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

// Package cmd holds implementations of the ksentry commands.
package cmd

import (
	"fmt"
	"os"

	"ksentry.dev/ksentry/pkg/log"
	"ksentry.dev/ksentry/pkg/sentry/kernel"
	"ksentry.dev/ksentry/pkg/sentry/loader"
	"ksentry.dev/ksentry/pkg/sentry/syscalls/linux"
	"ksentry.dev/ksentry/runsc/config"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "ksentry: %s\n", msg)
	os.Exit(128)
}

// newKernel returns a kernel sized and scheduled as conf says, running the
// programs in apps.
func newKernel(conf *config.Config, apps *loader.AppTable, logger log.Logger) (*kernel.Kernel, error) {
	queue, err := conf.NewQueue()
	if err != nil {
		return nil, err
	}
	return kernel.New(kernel.Options{
		MemoryFrames:    conf.MemoryFrames,
		UserStackSize:   conf.UserStackSize,
		KernelStackSize: conf.KernelStackSize,
		DefaultPriority: conf.DefaultPriority,
		Queue:           queue,
		SyscallTable:    linux.RISCV64,
		Apps:            apps,
		Logger:          logger,
	})
}
