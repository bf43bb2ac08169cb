// Copyright 2024 The zpagealloc Authors.
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

// Package zlog is the structured logging facade every other package in this
// module logs through, in the shape of the teacher's pkg/log wrapper around
// a single process-wide backend. Fields are named after the spec's own
// vocabulary (numa_id, size, current_max, ...) so log lines read like the
// invariants they report on.
package zlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetOutput(os.Stderr)
	return l
}

// SetLevel adjusts the process-wide log level (e.g. "debug", "info",
// "warn").
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)
	return nil
}

// Fields is a map of structured log fields, re-exported so callers never
// import logrus directly.
type Fields = logrus.Fields

// Entry wraps logrus.Entry to keep the logrus dependency contained to this
// package.
type Entry struct {
	e *logrus.Entry
}

// With starts a structured log entry carrying the given fields.
func With(fields Fields) *Entry {
	return &Entry{e: base.WithFields(fields)}
}

func (e *Entry) Debugf(format string, args ...any) { e.e.Debugf(format, args...) }
func (e *Entry) Infof(format string, args ...any)  { e.e.Infof(format, args...) }
func (e *Entry) Warnf(format string, args ...any)  { e.e.Warnf(format, args...) }
func (e *Entry) Errorf(format string, args ...any) { e.e.Errorf(format, args...) }

// Debugf logs at debug level with no extra fields.
func Debugf(format string, args ...any) { base.Debugf(format, args...) }

// Infof logs at info level with no extra fields.
func Infof(format string, args ...any) { base.Infof(format, args...) }

// Warnf logs at warn level with no extra fields.
func Warnf(format string, args ...any) { base.Warnf(format, args...) }

// Errorf logs at error level with no extra fields.
func Errorf(format string, args ...any) { base.Errorf(format, args...) }

// Fatalf logs at fatal level and then terminates the process, matching
// HotSpot's vm_exit_during_initialization semantics for unrecoverable
// construction-time failures (spec §7's "Reservation failure" and
// "Placeholder misalignment" dispositions).
func Fatalf(format string, args ...any) { base.Fatalf(format, args...) }
