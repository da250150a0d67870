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

// Package utils holds helpers shared by gatewarden commands and libraries.
package utils

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	logutils "github.com/gatewarden/gatewarden/lib/utils/log"
)

// Supported log output formats.
const (
	LogFormatJSON = logutils.FormatJSON
	LogFormatText = logutils.FormatText
)

// LoggingPurpose distinguishes CLI and daemon logging setups.
type LoggingPurpose int

const (
	// LoggingForCLI configures logging for short-lived command invocations.
	LoggingForCLI LoggingPurpose = iota
	// LoggingForDaemon configures logging for the long-running service.
	LoggingForDaemon
)

// LogInitOption tweaks InitLogger behavior.
type LogInitOption func(*logInitOptions)

type logInitOptions struct {
	format string
	output string
}

// WithLogFormat overrides the default text format.
func WithLogFormat(format string) LogInitOption {
	return func(o *logInitOptions) {
		o.format = format
	}
}

// InitLogger configures the process-wide logger.
func InitLogger(purpose LoggingPurpose, level slog.Level, opts ...LogInitOption) error {
	o := logInitOptions{
		format: LogFormatText,
		output: logutils.OutputStderr,
	}
	for _, opt := range opts {
		opt(&o)
	}
	_, _, err := logutils.Initialize(logutils.Config{
		Output:           o.output,
		Severity:         level.String(),
		Format:           o.format,
		DisableTimestamp: purpose == LoggingForCLI,
	})
	return trace.Wrap(err)
}

// InitCLIParser configures a kingpin command line parser with the common
// gatewarden conventions.
func InitCLIParser(appName, appHelp string) *kingpin.Application {
	app := kingpin.New(appName, appHelp)
	app.HelpFlag.Short('h')
	app.UsageWriter(os.Stderr)
	return app
}

// FatalError prints the error's user message to stderr and exits.
func FatalError(err error) {
	fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
	os.Exit(1)
}
