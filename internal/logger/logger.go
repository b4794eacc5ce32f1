// Copyright 2025 Google LLC
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

// Package logger is a structured logger for the service's long-running
// processes; the binaries under cmd/ log through log/slog directly and do
// not import it. It wraps log/slog with a severity
// vocabulary (OFF, ERROR, WARNING, INFO, DEBUG, TRACE) and, when a file
// path is configured, rotates
// through gopkg.in/natefinch/lumberjack.v2 the way a long-running daemon
// that never gets restarted needs to.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, from quietest to most verbose.
const (
	Off     = "OFF"
	Error   = "ERROR"
	Warning = "WARNING"
	Info    = "INFO"
	Debug   = "DEBUG"
	Trace   = "TRACE"
)

// slog reserves levels in multiples of 4 around Info=0; TRACE sits below
// Debug the same distance Debug sits below Info.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(16)
)

// RotateConfig mirrors lumberjack's knobs; zero value disables rotation.
type RotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

func DefaultRotateConfig() RotateConfig {
	return RotateConfig{MaxFileSizeMB: 512, BackupFileCount: 10, Compress: false}
}

// Config selects where and how logs are written.
type Config struct {
	FilePath string // empty means stderr
	Format   string // "text" or "json"; empty defaults to "json"
	Severity string // one of the Severity levels above
	Rotate   RotateConfig
}

type loggerFactory struct {
	writer   io.Writer
	file     *lumberjack.Logger
	format   string
	level    string
	rotate   RotateConfig
	levelVar *slog.LevelVar
}

var (
	defaultLoggerFactory = &loggerFactory{writer: os.Stderr, format: "json", level: Info, levelVar: new(slog.LevelVar)}
	defaultLogger        = slog.New(defaultLoggerFactory.createHandler(""))
)

// Init (re)configures the package-level logger, normally once at startup
// after flags are parsed.
func Init(cfg Config) error {
	factory := &loggerFactory{
		format:   cfg.Format,
		level:    cfg.Severity,
		rotate:   cfg.Rotate,
		levelVar: new(slog.LevelVar),
	}
	if factory.format == "" {
		factory.format = "json"
	}

	if cfg.FilePath != "" {
		rotate := cfg.Rotate
		if rotate == (RotateConfig{}) {
			rotate = DefaultRotateConfig()
		}
		factory.rotate = rotate
		factory.file = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    rotate.MaxFileSizeMB,
			MaxBackups: rotate.BackupFileCount,
			Compress:   rotate.Compress,
		}
		factory.writer = factory.file
	} else {
		factory.writer = os.Stderr
	}

	setLoggingLevel(factory.level, factory.levelVar)
	defaultLoggerFactory = factory
	defaultLogger = slog.New(factory.createHandler(""))
	return nil
}

// SetLogFormat switches between "text" and "json" rendering without
// disturbing the configured destination or level.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	defaultLogger = slog.New(defaultLoggerFactory.createHandler(""))
}

func setLoggingLevel(level string, v *slog.LevelVar) {
	switch level {
	case Trace:
		v.Set(LevelTrace)
	case Debug:
		v.Set(LevelDebug)
	case Info:
		v.Set(LevelInfo)
	case Warning:
		v.Set(LevelWarn)
	case Error:
		v.Set(LevelError)
	case Off:
		v.Set(LevelOff)
	default:
		v.Set(LevelInfo)
	}
}

func (f *loggerFactory) createHandler(prefix string) slog.Handler {
	w := f.writer
	if w == nil {
		w = os.Stderr
	}
	return f.createJsonOrTextHandler(w, f.levelVar, prefix)
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, levelVar *slog.LevelVar, prefix string) slog.Handler {
	jsonFormat := f.format != "text"
	opts := &slog.HandlerOptions{
		Level: levelVar,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey:
				a.Key = "severity"
				a.Value = slog.StringValue(severityName(a.Value.Any().(slog.Level)))
			case slog.TimeKey:
				t := a.Value.Time()
				if jsonFormat {
					a.Key = "timestamp"
					a.Value = slog.GroupValue(
						slog.Int64("seconds", t.Unix()),
						slog.Int64("nanos", int64(t.Nanosecond())),
					)
				} else {
					a.Key = "time"
					a.Value = slog.StringValue(t.Format("2006/01/02 15:04:05.000000"))
				}
			case slog.MessageKey:
				a.Key = "message"
				if prefix != "" {
					a.Value = slog.StringValue(prefix + a.Value.String())
				}
			}
			return a
		},
	}
	if !jsonFormat {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func severityName(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l <= LevelDebug:
		return "DEBUG"
	case l <= LevelInfo:
		return "INFO"
	case l <= LevelWarn:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func logAttrs(level slog.Level, format string, v ...any) {
	msg := format
	if len(v) > 0 {
		msg = fmt.Sprintf(format, v...)
	}
	defaultLogger.Log(context.Background(), level, msg)
}

func Tracef(format string, v ...any) { logAttrs(LevelTrace, format, v...) }
func Debugf(format string, v ...any) { logAttrs(LevelDebug, format, v...) }
func Infof(format string, v ...any)  { logAttrs(LevelInfo, format, v...) }
func Warnf(format string, v ...any)  { logAttrs(LevelWarn, format, v...) }
func Errorf(format string, v ...any) { logAttrs(LevelError, format, v...) }

func Trace(args ...any) { logAttrs(LevelTrace, fmt.Sprint(args...)) }
func Debug(args ...any) { logAttrs(LevelDebug, fmt.Sprint(args...)) }
func Info(args ...any)  { logAttrs(LevelInfo, fmt.Sprint(args...)) }
func Warn(args ...any)  { logAttrs(LevelWarn, fmt.Sprint(args...)) }
func Error(args ...any) { logAttrs(LevelError, fmt.Sprint(args...)) }

// Close flushes and releases the rotated log file, if any. Safe to call when
// logging to stderr.
func Close() error {
	if defaultLoggerFactory.file != nil {
		return defaultLoggerFactory.file.Close()
	}
	return nil
}
