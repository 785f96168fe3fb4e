// Copyright 2026 The Flashfs Authors
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

// Package logger provides the module-wide structured logger: log/slog with
// TRACE/DEBUG/INFO/WARNING/ERROR severities and a JSON or text handler
// selected at setup time. Engine packages log through the package-level
// Tracef..Errorf helpers; the CLI configures severity and format once at
// startup via Setup.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Severity names accepted by Setup and SetLogLevel, ordered most to least
// verbose.
const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// slog levels backing the severities. TRACE sits below slog's DEBUG; OFF
// sits above everything a handler will ever be asked to emit.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

type loggerFactory struct {
	writer io.Writer
	format string // "json" or "text"; anything else means json
	level  string
	lvlVar *slog.LevelVar
}

var (
	defaultLoggerFactory = &loggerFactory{
		writer: os.Stderr,
		format: "json",
		level:  INFO,
		lvlVar: new(slog.LevelVar),
	}
	defaultLogger *slog.Logger
)

func init() {
	setLoggingLevel(defaultLoggerFactory.level, defaultLoggerFactory.lvlVar)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(defaultLoggerFactory.writer, defaultLoggerFactory.lvlVar, ""))
}

func severityName(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return TRACE
	case l < LevelInfo:
		return DEBUG
	case l < LevelWarn:
		return INFO
	case l < LevelError:
		return WARNING
	default:
		return ERROR
	}
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.LevelKey:
		a.Key = "severity"
		if l, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(severityName(l))
		}
	case slog.MessageKey:
		a.Key = "message"
	case slog.TimeKey:
		a.Key = "timestamp"
	}
	return a
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, lvl *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: replaceAttr}
	if f.format == "text" {
		return prefixHandler{slog.NewTextHandler(w, opts), prefix}
	}
	return prefixHandler{slog.NewJSONHandler(w, opts), prefix}
}

// prefixHandler prepends a fixed prefix to every record's message, the way
// a process name or subsystem tag is carried in the emitted line rather
// than as a separate attribute.
type prefixHandler struct {
	slog.Handler
	prefix string
}

func (h prefixHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.prefix != "" {
		nr := slog.NewRecord(r.Time, r.Level, h.prefix+r.Message, r.PC)
		r.Attrs(func(a slog.Attr) bool {
			nr.AddAttrs(a)
			return true
		})
		r = nr
	}
	return h.Handler.Handle(ctx, r)
}

func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch level {
	case TRACE:
		programLevel.Set(LevelTrace)
	case DEBUG:
		programLevel.Set(LevelDebug)
	case WARNING:
		programLevel.Set(LevelWarn)
	case ERROR:
		programLevel.Set(LevelError)
	case OFF:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}

// Setup reconfigures the default logger: severity is one of the exported
// severity names, format is "json" or "text", and w receives the output
// (os.Stderr when nil).
func Setup(severity, format string, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	defaultLoggerFactory = &loggerFactory{
		writer: w,
		format: format,
		level:  severity,
		lvlVar: new(slog.LevelVar),
	}
	setLoggingLevel(severity, defaultLoggerFactory.lvlVar)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, defaultLoggerFactory.lvlVar, ""))
}

// SetLogFormat switches the handler format without touching severity or
// destination.
func SetLogFormat(format string) {
	f := defaultLoggerFactory
	f.format = format
	defaultLogger = slog.New(f.createJsonOrTextHandler(f.writer, f.lvlVar, ""))
}

// SetLogLevel changes the severity threshold without rebuilding the
// handler.
func SetLogLevel(severity string) {
	defaultLoggerFactory.level = severity
	setLoggingLevel(severity, defaultLoggerFactory.lvlVar)
}

func logf(level slog.Level, format string, v ...any) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

// Tracef logs at TRACE severity.
func Tracef(format string, v ...any) { logf(LevelTrace, format, v...) }

// Debugf logs at DEBUG severity.
func Debugf(format string, v ...any) { logf(LevelDebug, format, v...) }

// Infof logs at INFO severity.
func Infof(format string, v ...any) { logf(LevelInfo, format, v...) }

// Warnf logs at WARNING severity.
func Warnf(format string, v ...any) { logf(LevelWarn, format, v...) }

// Errorf logs at ERROR severity.
func Errorf(format string, v ...any) { logf(LevelError, format, v...) }
