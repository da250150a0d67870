/*
 * Gatewarden
 * Copyright (C) 2025  Gatewarden, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package log provides slog initialization and package-scoped loggers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/gravitational/trace"
)

// Log output destinations.
const (
	OutputStderr = "stderr"
	OutputStdout = "stdout"
)

// Log output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config configures the process-wide logger.
type Config struct {
	// Output is the log destination, stderr when empty.
	Output string
	// Severity is the minimum level emitted, INFO when empty.
	Severity string
	// Format selects text or json output, text when empty.
	Format string
	// DisableTimestamp drops the time attribute from records. Short-lived
	// CLI invocations set it; timestamps there are noise.
	DisableTimestamp bool
}

// Initialize configures the default slog logger and returns it along with
// the level var so callers can adjust verbosity at runtime.
func Initialize(cfg Config) (*slog.Logger, *slog.LevelVar, error) {
	level := new(slog.LevelVar)
	if cfg.Severity != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(cfg.Severity)); err != nil {
			return nil, nil, trace.BadParameter("unsupported log severity %q", cfg.Severity)
		}
		level.Set(l)
	}

	var w io.Writer
	switch cfg.Output {
	case "", OutputStderr:
		w = os.Stderr
	case OutputStdout:
		w = os.Stdout
	default:
		return nil, nil, trace.BadParameter("unsupported log output %q", cfg.Output)
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.DisableTimestamp {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "", FormatText:
		handler = slog.NewTextHandler(w, opts)
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, trace.BadParameter("unsupported log format %q", cfg.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, level, nil
}

// NewPackageLogger creates a logger carrying the provided key value pairs.
// The returned logger resolves the process-wide handler at log time, so
// package level logger vars constructed before Initialize still honor the
// configured output, level and format.
func NewPackageLogger(keyvals ...any) *slog.Logger {
	return slog.New(&deferredHandler{}).With(keyvals...)
}

// deferredHandler proxies every call to the current default handler instead
// of binding one at construction time.
type deferredHandler struct {
	attrs  []slog.Attr
	groups []string
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, rec slog.Record) error {
	target := slog.Default().Handler()
	for _, g := range h.groups {
		target = target.WithGroup(g)
	}
	if len(h.attrs) > 0 {
		target = target.WithAttrs(h.attrs)
	}
	return target.Handle(ctx, rec)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	clone.attrs = append(clone.attrs, attrs...)
	return clone
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	clone := h.clone()
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *deferredHandler) clone() *deferredHandler {
	return &deferredHandler{
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}
