// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package daemon

import (
	"fmt"
	"log"
	"os"
)

// Level mirrors the leveled, module-tagged logging cubefs-inodedb wires
// through blobstore/util/log (cmd/cmd.go: "log.SetOutputLevel(cfg.LogLevel)").
// The exact call surface of that package isn't visible in the retrieved
// pack, only its usage shape, so this is a small self-contained logger with
// the same shape rather than a best-guess import (see DESIGN.md).
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger is a leveled logger tagged with a component name.
type Logger struct {
	component string
	level     Level
}

var outputLevel = LevelInfo

// SetOutputLevel sets the process-wide minimum level below which log
// lines are dropped.
func SetOutputLevel(l Level) { outputLevel = l }

// NewLogger returns a Logger tagged with component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if level < outputLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Printf("[%s] %s: %s", level, l.component, msg)
}

func (l *Logger) Debug(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.logf(LevelError, format, args...) }

// Fatal logs at ERROR and exits, mirroring the teacher's
// "log.Fatal(errors.Detail(err))" startup-failure idiom.
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.logf(LevelError, format, args...)
	os.Exit(1)
}
