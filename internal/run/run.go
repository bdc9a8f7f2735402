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

// Package run executes the external helper tools the agent depends on
// (qubesdb-*, nft, iptables-restore, nmcli, sysctl etc) and normalizes how
// their output and failures are reported back to the caller.
package run

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/galog"
)

// Client is the Runner used to execute commands. Tests replace it to
// intercept the agent's tool invocations.
var Client RunnerInterface

// RunnerInterface defines the runner executing commands.
type RunnerInterface interface {
	WithContext(ctx context.Context, opts Options) (*Result, error)
}

// Options describes a single tool invocation.
type Options struct {
	// OutputType selects how the process output is captured and handed back,
	// see the OutputType constants.
	OutputType OutputType
	// Name is the path or name of the tool to execute.
	Name string
	// Args is the tool's argument list.
	Args []string
	// Input, if non empty, is fed to the process' stdin. Used for the tools
	// that take their payload on stdin, i.e. nft and iptables-restore.
	Input string
	// Timeout bounds the invocation, zero means no timeout. Exceeding it fails
	// the invocation with a TimeoutError.
	Timeout time.Duration
}

// OutputType selects the output capture mode of an invocation.
type OutputType int

const (
	// OutputStdout captures the process' stdout into [Result]'s Output field.
	// Stderr is buffered separately and reported as part of the error on
	// failure.
	OutputStdout OutputType = iota
	// OutputCombined captures stdout and stderr interleaved into [Result]'s
	// Output field.
	OutputCombined
	// OutputNone discards the process' stdout. Stderr is still buffered and
	// reported as part of the error on failure.
	OutputNone
	// OutputStream delivers the output line by line over the channels in
	// [Result]'s OutputScanners field while the process runs. Used for long
	// running streams such as qubesdb-watch.
	OutputStream
)

// Result is the outcome of a finished (or, for OutputStream, started)
// invocation.
type Result struct {
	// OutputType echoes the capture mode the invocation ran with.
	OutputType OutputType
	// Output is the captured output, empty for OutputNone and OutputStream.
	Output string
	// OutputScanners carries the streaming channels, only set for
	// OutputStream.
	OutputScanners *StreamOutput
}

// StreamOutput is the channel set of a streaming invocation. The runner owns
// the channels and closes them once the process is gone, callers only ever
// receive from them.
type StreamOutput struct {
	// StdOut delivers the process' stdout line by line.
	StdOut <-chan string
	// StdErr delivers the process' stderr line by line.
	StdErr <-chan string
	// Result delivers the process' exit result, receiving from it means the
	// stream is over.
	Result <-chan error
}

// Runner is the default RunnerInterface implementation, executing commands
// with os/exec.
type Runner struct{}

func init() {
	Client = Runner{}
}

// WithContext executes the command described by opts using the package's
// Client.
func WithContext(ctx context.Context, opts Options) (*Result, error) {
	return Client.WithContext(ctx, opts)
}

// WithContext executes the command described by opts.
func (r Runner) WithContext(ctx context.Context, opts Options) (*Result, error) {
	parent := ctx
	if opts.Timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	res, err := execute(ctx, opts)

	// An error caused by our own timeout context (and not by the caller's) is
	// reported as a TimeoutError.
	if err != nil && ctx.Err() != nil && parent.Err() == nil {
		return res, &TimeoutError{err: err}
	}
	return res, err
}

// execute dispatches the invocation to the capture mode implementation.
func execute(ctx context.Context, opts Options) (*Result, error) {
	galog.Debugf("Running command: %q, args: %q", opts.Name, opts.Args)

	if opts.OutputType == OutputStream {
		return stream(ctx, opts)
	}
	if opts.OutputType == OutputCombined {
		return combined(ctx, opts)
	}
	return capture(ctx, opts)
}

// capture runs the command to completion capturing stdout (for OutputStdout)
// and buffering stderr for error reporting.
func capture(ctx context.Context, opts Options) (*Result, error) {
	cmd := exec.CommandContext(ctx, opts.Name, opts.Args...)

	var stdout, stderr bytes.Buffer
	cmd.Stderr = &stderr
	if opts.OutputType == OutputStdout {
		cmd.Stdout = &stdout
	}
	if opts.Input != "" {
		cmd.Stdin = strings.NewReader(opts.Input)
	}

	if err := cmd.Run(); err != nil {
		return nil, errorWithStderr(err, stderr.String())
	}

	return &Result{OutputType: opts.OutputType, Output: stdout.String()}, nil
}

// combined runs the command to completion capturing stdout and stderr
// interleaved.
func combined(ctx context.Context, opts Options) (*Result, error) {
	cmd := exec.CommandContext(ctx, opts.Name, opts.Args...)
	if opts.Input != "" {
		cmd.Stdin = strings.NewReader(opts.Input)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, errorWithStderr(err, string(output))
	}

	return &Result{OutputType: opts.OutputType, Output: string(output)}, nil
}

// stream starts the command and hands the caller channels delivering its
// output line by line. The process keeps running after stream returns and is
// bounded by ctx.
func stream(ctx context.Context, opts Options) (*Result, error) {
	cmd := exec.CommandContext(ctx, opts.Name, opts.Args...)
	if opts.Input != "" {
		cmd.Stdin = strings.NewReader(opts.Input)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe stderr: %w", err)
	}

	outChan := make(chan string)
	errChan := make(chan string)
	resChan := make(chan error, 1)

	go scanLines(stdout, outChan)
	go scanLines(stderr, errChan)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	go func() {
		defer close(resChan)
		resChan <- cmd.Wait()
	}()

	scanners := &StreamOutput{StdOut: outChan, StdErr: errChan, Result: resChan}
	return &Result{OutputType: OutputStream, OutputScanners: scanners}, nil
}

// scanLines forwards the pipe's output line by line, closing the channel when
// the pipe is exhausted.
func scanLines(pipe io.ReadCloser, lines chan string) {
	defer func() {
		if err := pipe.Close(); err != nil && !errors.Is(err, os.ErrClosed) && !errors.Is(errors.Unwrap(err), os.ErrClosed) {
			galog.Errorf("Failed to close command output pipe: %v", err)
		}
		close(lines)
	}()

	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// errorWithStderr merges the command's buffered diagnostic output into the
// returned error. Most of the tools the agent runs report the actual failure
// reason only on stderr.
func errorWithStderr(err error, output string) error {
	if output == "" {
		return err
	}
	return fmt.Errorf("%w; %s", err, strings.TrimSpace(output))
}

// TimeoutError is the error type reported when an invocation exceeds its
// configured timeout.
type TimeoutError struct {
	err error
}

// Error returns the error message.
func (e *TimeoutError) Error() string {
	return e.err.Error()
}

// AsTimeoutError returns the wrapped TimeoutError if err is one.
func AsTimeoutError(err error) (*TimeoutError, bool) {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
