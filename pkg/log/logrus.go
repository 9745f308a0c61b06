// Copyright 2025 The gVisor Authors.
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
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter emits log statements through a logrus.Logger. Levels are
// filtered by BasicLogger before reaching the emitter, so the underlying
// logger is configured to pass everything through.
type LogrusEmitter struct {
	Logger *logrus.Logger
}

// NewLogrusEmitter returns an emitter writing to w. format is either "text"
// or "json".
func NewLogrusEmitter(w io.Writer, format string) *LogrusEmitter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	switch format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "0102 15:04:05.000000",
			DisableColors:   true,
		})
	}
	return &LogrusEmitter{Logger: l}
}

// Emit implements Emitter.Emit.
func (e *LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Logger.WithTime(timestamp)
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, byte('/')); slash >= 0 {
			file = file[slash+1:] // Trim any directory path from the file.
		}
		entry = entry.WithField("caller", fmt.Sprintf("%s:%d", file, line))
	}
	switch level {
	case Warning:
		entry.Warnf(format, v...)
	case Info:
		entry.Infof(format, v...)
	default:
		entry.Debugf(format, v...)
	}
}
