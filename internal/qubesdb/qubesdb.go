//  Copyright 2024 Google LLC
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package qubesdb provides a client for reading and watching the VM's QubesDB
// configuration store. All access goes through the qubesdb command line tools,
// the agent never speaks the qubesdb wire protocol itself.
package qubesdb

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/QubesOS/qubes-net-agent/internal/cfg"
	"github.com/QubesOS/qubes-net-agent/internal/run"
	"github.com/QubesOS/qubes-net-agent/internal/utils/regex"
)

var (
	// Client is the package's default ClientInterface implementation, it's
	// backed by the qubesdb-* command line tools.
	Client ClientInterface

	// multiReadLineExp matches a single qubesdb-multiread output line, one
	// entry per line in the form "<key> = <value>".
	multiReadLineExp = regexp.MustCompile(`^(?P<key>\S+) = (?P<value>.*)$`)
)

const (
	// defaultCommandTimeout bounds tool invocations when the configured timeout
	// is missing or fails to parse.
	defaultCommandTimeout = time.Second * 10

	readCommand      = "qubesdb-read"
	multiReadCommand = "qubesdb-multiread"
	listCommand      = "qubesdb-list"
	watchCommand     = "qubesdb-watch"
)

// ClientInterface is the minimum QubesDB access interface required by the
// agent.
type ClientInterface interface {
	// Read returns the value stored at path. Reading a missing key reports an
	// error.
	Read(ctx context.Context, path string) (string, error)
	// MultiRead returns all entries below prefix keyed by their prefix
	// relative paths.
	MultiRead(ctx context.Context, prefix string) (map[string]string, error)
	// List returns the full paths of all entries below prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Watch starts a watch stream reporting the path of every entry modified
	// below prefix. The stream lives until ctx is done or the underlying
	// process dies.
	Watch(ctx context.Context, prefix string) (*WatchStream, error)
}

// WatchStream wraps a running qubesdb-watch process.
type WatchStream struct {
	// Paths streams the modified paths as they are reported.
	Paths <-chan string
	// Result reports the process exit, receiving from it means the stream is
	// over and no more paths will be delivered.
	Result <-chan error
}

// cliClient implements ClientInterface on top of the qubesdb command line
// tools.
type cliClient struct{}

func init() {
	Client = cliClient{}
}

// commandTimeout returns the configured qubesdb tool invocation timeout.
func commandTimeout() time.Duration {
	val := cfg.Retrieve().QubesDB.CommandTimeout
	timeout, err := time.ParseDuration(val)
	if err != nil {
		galog.Warnf("Invalid qubesdb command_timeout %q, defaulting to %v.", val, defaultCommandTimeout)
		return defaultCommandTimeout
	}
	return timeout
}

// Read returns the value stored at path. Trailing newlines are stripped from
// the tool's output the same way shell command substitution would.
func (c cliClient) Read(ctx context.Context, path string) (string, error) {
	opts := run.Options{
		OutputType: run.OutputStdout,
		Timeout:    commandTimeout(),
		Name:       readCommand,
		Args:       []string{path},
	}
	res, err := run.WithContext(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("failed to read qubesdb entry %q: %w", path, err)
	}
	return strings.TrimRight(res.Output, "\n"), nil
}

// MultiRead returns all entries below prefix. Keys are normalized to their
// prefix relative form so callers never have to re-split full paths.
func (c cliClient) MultiRead(ctx context.Context, prefix string) (map[string]string, error) {
	opts := run.Options{
		OutputType: run.OutputStdout,
		Timeout:    commandTimeout(),
		Name:       multiReadCommand,
		Args:       []string{prefix},
	}
	res, err := run.WithContext(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to multiread qubesdb prefix %q: %w", prefix, err)
	}

	entries := make(map[string]string)
	for _, line := range strings.Split(res.Output, "\n") {
		if line == "" {
			continue
		}

		groups := regex.GroupsMap(multiReadLineExp, line)
		key, found := groups["key"]
		if !found {
			galog.Debugf("Skipping malformed qubesdb-multiread line: %q", line)
			continue
		}

		entries[relativeKey(key, prefix)] = groups["value"]
	}

	return entries, nil
}

// List returns the full paths of all entries below prefix.
func (c cliClient) List(ctx context.Context, prefix string) ([]string, error) {
	opts := run.Options{
		OutputType: run.OutputStdout,
		Timeout:    commandTimeout(),
		Name:       listCommand,
		Args:       []string{prefix},
	}
	res, err := run.WithContext(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list qubesdb prefix %q: %w", prefix, err)
	}

	var paths []string
	for _, line := range strings.Split(res.Output, "\n") {
		if line == "" {
			continue
		}
		paths = append(paths, fullPath(line, prefix))
	}

	return paths, nil
}

// Watch starts a qubesdb-watch process for prefix. No timeout is applied, the
// watch is a long running stream bounded by ctx only.
func (c cliClient) Watch(ctx context.Context, prefix string) (*WatchStream, error) {
	opts := run.Options{
		OutputType: run.OutputStream,
		Name:       watchCommand,
		Args:       []string{prefix},
	}
	res, err := run.WithContext(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start qubesdb watch for %q: %w", prefix, err)
	}

	// The watch tool is not expected to write to stderr, drain it anyway so
	// the scanner goroutine can always complete.
	go func() {
		for line := range res.OutputScanners.StdErr {
			galog.Debugf("qubesdb-watch(%s): %s", prefix, line)
		}
	}()

	return &WatchStream{
		Paths:  res.OutputScanners.StdOut,
		Result: res.OutputScanners.Result,
	}, nil
}

// relativeKey normalizes a multiread reported key to its prefix relative
// form, tolerating tools reporting either full or already relative paths.
func relativeKey(key, prefix string) string {
	if prefix != "" && strings.HasPrefix(key, prefix) {
		key = strings.TrimPrefix(key, prefix)
	}
	return strings.TrimPrefix(key, "/")
}

// fullPath normalizes a list reported entry to its full path form.
func fullPath(entry, prefix string) string {
	if strings.HasPrefix(entry, "/") {
		return entry
	}
	return prefix + entry
}
