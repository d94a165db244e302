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

package log

import "strings"

type prefixedLogger struct {
	logger Logger
	prefix string
}

func (pl *prefixedLogger) Debugf(format string, v ...any) {
	pl.logger.Debugf(pl.prefix+format, v...)
}

func (pl *prefixedLogger) Infof(format string, v ...any) {
	pl.logger.Infof(pl.prefix+format, v...)
}

func (pl *prefixedLogger) Warningf(format string, v ...any) {
	pl.logger.Warningf(pl.prefix+format, v...)
}

func (pl *prefixedLogger) IsLogging(level Level) bool {
	return pl.logger.IsLogging(level)
}

// PrefixedLogger returns a Logger that writes to logger with every message
// preceded by "[name] ". Loggers that share an emitter stay distinguishable.
func PrefixedLogger(logger Logger, name string) Logger {
	return &prefixedLogger{
		logger: logger,
		prefix: "[" + strings.ReplaceAll(name, "%", "%%") + "] ",
	}
}
