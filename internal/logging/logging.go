// Copyright 2025 AUTHORS
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

// Package logging provides the plain log.Logger + colorized severity
// prefixes used by the command-line entry point, in the style of the teacher's
// pkg/catch and pkg/svc (log.Printf/log.Fatalf, no structured logging
// framework). Color is only applied when stderr is a terminal.
package logging

import (
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	debugPrefix = "[debug] "
	warnPrefix  = "[warn] "
)

func init() {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		debugPrefix = color.CyanString("[debug] ")
		warnPrefix = color.YellowString("[warn] ")
	}
}

// Logger wraps log.Logger with a Debug flag controlling whether Debugf
// output is emitted at all (not just colorized).
type Logger struct {
	*log.Logger
	Debug bool
}

// New returns a Logger writing to stderr, following the teacher's
// log.New(os.Stderr, "", log.LstdFlags) convention.
func New(debug bool) *Logger {
	return &Logger{Logger: log.New(os.Stderr, "", log.LstdFlags), Debug: debug}
}

// Debugf logs only when Debug is set, prefixed and colorized.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.Debug {
		return
	}
	l.Printf(debugPrefix+format, args...)
}

// Warnf always logs, prefixed and colorized.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Printf(warnPrefix+format, args...)
}
