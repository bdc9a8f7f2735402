//  Copyright 2024 Google LLC
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package logger sets up galog for the agent's commands.
package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/QubesOS/qubes-net-agent/internal/utils/file"
)

// LocalLoggerIdent tags the agent's syslog entries, every subcommand logs
// under the same name.
const LocalLoggerIdent = "qubes-net-agent"

// Options describes the logging setup of a command.
type Options struct {
	// Ident is the syslog ident the entries are tagged with.
	Ident string
	// LogFile, if non empty, additionally writes the entries to that file. The
	// containing directory must exist.
	LogFile string
	// LogToStderr additionally writes the entries to stderr.
	LogToStderr bool
	// Level is the numeric log level, see galog.ParseLevel.
	Level int
	// Verbosity is the verbosity threshold of debug entries.
	Verbosity int
}

// Init registers the galog backends selected by opts.
func Init(ctx context.Context, opts Options) error {
	level, err := galog.ParseLevel(opts.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	backends, err := initPlatformLogger(ctx, opts.Ident)
	if err != nil {
		return fmt.Errorf("failed to initialize platform logger: %w", err)
	}

	if opts.LogFile != "" && file.Exists(filepath.Dir(opts.LogFile), file.TypeDir) {
		backends = append(backends, galog.NewFileBackend(opts.LogFile))
	}

	if opts.LogToStderr {
		backends = append(backends, galog.NewStderrBackend(os.Stderr))
	}

	for _, backend := range backends {
		galog.RegisterBackend(ctx, backend)
	}

	galog.SetLevel(level)
	galog.SetMinVerbosity(opts.Verbosity)

	return nil
}
