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
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"ksentry.dev/ksentry/pkg/sentry/kernel"
	"ksentry.dev/ksentry/pkg/sentry/kernel/sched"
	"ksentry.dev/ksentry/pkg/sentry/platform/interp"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML or YAML file to read settings from. Flags set on the command line take precedence.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")

	// Flags that control scheduling.
	flagSet.Var(schedulerTypePtr(SchedulerStride), "scheduler", "ready queue discipline: stride (default), fifo.")
	flagSet.Uint64("big-stride", sched.DefaultBigStride, "stride numerator: a task's pass advances by big-stride/priority each time it runs.")
	flagSet.Uint64("priority", sched.DefaultPriority, "priority of tasks that do not inherit one.")
	flagSet.Int("quantum", interp.DefaultQuantum, "interpreted steps between timer interrupts. Negative disables the timer.")

	// Flags that size the machine.
	flagSet.Uint64("memory-frames", kernel.DefaultMemoryFrames, "number of physical frames.")
	flagSet.Uint64("user-stack-size", kernel.DefaultUserStackSize, "size of every user stack in bytes.")
	flagSet.Uint64("kernel-stack-size", kernel.DefaultKernelStackSize, "size of every kernel stack in bytes.")

	flagSet.Bool("allow-flag-override", false, "allow scenarios to override any flag, not only the scheduling and sizing ones.")
}

// overrideAllowlist lists all flags that can be changed by a scenario without
// --allow-flag-override. They only change how the simulated machine behaves.
var overrideAllowlist = map[string]struct {
	check func(name string, value string) error
}{
	"debug":             {},
	"scheduler":         {},
	"big-stride":        {},
	"priority":          {},
	"quantum":           {},
	"user-stack-size":   {},
	"kernel-stack-size": {},

	"memory-frames": {check: checkMemoryFrames},
}

// checkMemoryFrames ensures that a scenario can shrink the machine but not
// grow it.
func checkMemoryFrames(name string, value string) error {
	frames, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return err
	}
	if frames > kernel.DefaultMemoryFrames {
		return fmt.Errorf("raising %q above %d requires flag %q to be enabled", name, kernel.DefaultMemoryFrames, "allow-flag-override")
	}
	return nil
}

// flagValue returns the typed value of fl.
func flagValue(fl *flag.Flag) reflect.Value {
	return reflect.ValueOf(fl.Value.(flag.Getter).Get())
}

// forEachFlagField calls fn for every field of c that has a flag tag.
func forEachFlagField(c *Config, fn func(name string, field reflect.Value)) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fn(name, obj.Field(i))
	}
}

// Default returns a Config with the default value of every flag.
func Default() *Config {
	flagSet := flag.NewFlagSet("default", flag.ContinueOnError)
	RegisterFlags(flagSet)
	conf := &Config{}
	forEachFlagField(conf, func(name string, field reflect.Value) {
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		field.Set(flagValue(fl))
	})
	return conf
}

// NewFromFlags creates a new Config. Settings come from the flag defaults,
// then from the file named by --config, then from the flags set on flagSet.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()

	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		if err := conf.readFile(fl.Value.String()); err != nil {
			return nil, err
		}
	}

	fields := make(map[string]reflect.Value)
	forEachFlagField(conf, func(name string, field reflect.Value) {
		fields[name] = field
	})
	flagSet.Visit(func(fl *flag.Flag) {
		if field, ok := fields[fl.Name]; ok {
			field.Set(flagValue(fl))
		}
	})

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// readFile decodes the settings in path into c. The extension selects the
// format: .yaml and .yml are YAML, everything else is TOML.
func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		_, err = toml.Decode(string(data), c)
	}
	if err != nil {
		return fmt.Errorf("parsing config file %q: %w", path, err)
	}
	c.ConfigFile = path
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	forEachFlagField(c, func(name string, field reflect.Value) {
		val := getVal(field)
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			return
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	})
	return rv
}

// Override writes a new value to a flag.
func (c *Config) Override(name string, value string) error {
	flagSet := flag.NewFlagSet("override", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var (
		found bool
		err   error
	)
	forEachFlagField(c, func(fieldName string, field reflect.Value) {
		if found || fieldName != name {
			return
		}
		found = true
		if err = c.isOverrideAllowed(name, value); err != nil {
			err = fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
			return
		}
		// Use flag to convert the string value to the underlying flag type,
		// using the same rules as the command-line for consistency.
		fl := flagSet.Lookup(name)
		if err = fl.Value.Set(value); err != nil {
			err = fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
			return
		}
		field.Set(flagValue(fl))
	})
	if !found {
		return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
	}
	if err != nil {
		return err
	}
	// Validates the config again to ensure it's left in a consistent state.
	return c.validate()
}

func (c *Config) isOverrideAllowed(name string, value string) error {
	if c.AllowFlagOverride {
		return nil
	}
	// If the global override flag is not enabled, check if individual flag is
	// safe to apply.
	if allow, ok := overrideAllowlist[name]; ok {
		if allow.check != nil {
			if err := allow.check(name, value); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("flag override disabled, use --allow-flag-override to enable it")
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
