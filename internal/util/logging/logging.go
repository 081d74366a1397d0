// Copyright 2024 Alexandre Mahdhaoui
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

// Package logging sets up the diagnostics logger of the vmtest binaries.
// It builds a zap logger, exposes it as a logr.Logger and also installs a
// matching log/slog default handler.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger behavior.
type Options struct {
	// Development enables development mode logging (more verbose, human-readable).
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	// Levels below slog.LevelDebug enable logr verbosity: slog.LevelDebug-1 is V(2).
	Level slog.Level

	// Output is where log lines are written. Defaults to os.Stderr.
	Output io.Writer
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Development: false,
		Level:       slog.LevelInfo,
	}
}

// Setup configures the standard library slog default logger and returns a
// logr.Logger backed by zap writing to the same output.
func Setup(opts Options) logr.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var (
		handler slog.Handler
		encoder zapcore.Encoder
	)
	if opts.Development {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: opts.Level})
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: opts.Level})
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	slog.SetDefault(slog.New(handler))

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out)), ZapLevel(opts.Level))
	zapOpts := []zap.Option{zap.AddCaller()}
	if opts.Development {
		zapOpts = append(zapOpts, zap.Development())
	}

	return zapr.NewLogger(zap.New(core, zapOpts...))
}

// ZapLevel maps a slog level to a zap level. zapr logs V(n) at zap level -n,
// so every step below slog.LevelDebug enables one more verbosity level.
func ZapLevel(level slog.Level) zapcore.Level {
	switch {
	case level >= slog.LevelError:
		return zapcore.ErrorLevel
	case level >= slog.LevelWarn:
		return zapcore.WarnLevel
	case level >= slog.LevelInfo:
		return zapcore.InfoLevel
	case level >= slog.LevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.Level(int(zapcore.DebugLevel) - int(slog.LevelDebug-level))
	}
}

// SetupDefault sets up logging with default options.
func SetupDefault() logr.Logger {
	return Setup(DefaultOptions())
}

// SetupDevelopment sets up logging in development mode.
// Uses text handler and more verbose output.
func SetupDevelopment() logr.Logger {
	return Setup(Options{
		Development: true,
		Level:       slog.LevelDebug - 1,
	})
}
