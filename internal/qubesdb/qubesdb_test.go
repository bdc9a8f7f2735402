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

package qubesdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/QubesOS/qubes-net-agent/internal/cfg"
	"github.com/QubesOS/qubes-net-agent/internal/run"
	"github.com/google/go-cmp/cmp"
)

type runMock struct {
	callback func(ctx context.Context, opts run.Options) (*run.Result, error)
	called   []string
}

func (rm *runMock) WithContext(ctx context.Context, opts run.Options) (*run.Result, error) {
	rm.called = append(rm.called, fmt.Sprintf("%s %s", opts.Name, strings.Join(opts.Args, " ")))
	return rm.callback(ctx, opts)
}

func TestRead(t *testing.T) {
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) failed unexpectedly with error: %v", err)
	}

	tests := []struct {
		name    string
		output  string
		execErr error
		want    string
		wantErr bool
	}{
		{
			name:   "success",
			output: "10.137.0.5\n",
			want:   "10.137.0.5",
		},
		{
			name:   "empty-value",
			output: "\n",
			want:   "",
		},
		{
			name:    "missing-key",
			execErr: errors.New("no such key"),
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			oldClient := run.Client
			t.Cleanup(func() {
				run.Client = oldClient
			})

			mock := &runMock{
				callback: func(ctx context.Context, opts run.Options) (*run.Result, error) {
					if tc.execErr != nil {
						return nil, tc.execErr
					}
					return &run.Result{OutputType: opts.OutputType, Output: tc.output}, nil
				},
			}
			run.Client = mock

			got, err := Client.Read(context.Background(), "/qubes-ip")
			if (err == nil) == tc.wantErr {
				t.Errorf("Read(ctx, /qubes-ip) returned error: %v, want error: %t", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("Read(ctx, /qubes-ip) = %q, want: %q", got, tc.want)
			}

			wantCalled := []string{"qubesdb-read /qubes-ip"}
			if diff := cmp.Diff(wantCalled, mock.called); diff != "" {
				t.Errorf("Read(ctx, /qubes-ip) executed unexpected commands, diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMultiRead(t *testing.T) {
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) failed unexpectedly with error: %v", err)
	}

	prefix := "/qubes-firewall/10.137.0.5/"

	tests := []struct {
		name    string
		output  string
		execErr error
		want    map[string]string
		wantErr bool
	}{
		{
			name:   "full-paths",
			output: "/qubes-firewall/10.137.0.5/policy = drop\n/qubes-firewall/10.137.0.5/0000 = action=accept dsthost=qubes-os.org\n",
			want: map[string]string{
				"policy": "drop",
				"0000":   "action=accept dsthost=qubes-os.org",
			},
		},
		{
			name:   "relative-paths",
			output: "policy = accept\n0000 = action=drop proto=tcp\n",
			want: map[string]string{
				"policy": "accept",
				"0000":   "action=drop proto=tcp",
			},
		},
		{
			name:   "empty-value",
			output: "policy = \n",
			want: map[string]string{
				"policy": "",
			},
		},
		{
			name:   "malformed-line-skipped",
			output: "garbage-without-separator\npolicy = drop\n",
			want: map[string]string{
				"policy": "drop",
			},
		},
		{
			name:   "empty-output",
			output: "",
			want:   map[string]string{},
		},
		{
			name:    "command-error",
			execErr: errors.New("qubesdb not running"),
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			oldClient := run.Client
			t.Cleanup(func() {
				run.Client = oldClient
			})

			mock := &runMock{
				callback: func(ctx context.Context, opts run.Options) (*run.Result, error) {
					if tc.execErr != nil {
						return nil, tc.execErr
					}
					return &run.Result{OutputType: opts.OutputType, Output: tc.output}, nil
				},
			}
			run.Client = mock

			got, err := Client.MultiRead(context.Background(), prefix)
			if (err == nil) == tc.wantErr {
				t.Fatalf("MultiRead(ctx, %q) returned error: %v, want error: %t", prefix, err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}

			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("MultiRead(ctx, %q) returned unexpected entries, diff (-want +got):\n%s", prefix, diff)
			}

			wantCalled := []string{fmt.Sprintf("qubesdb-multiread %s", prefix)}
			if diff := cmp.Diff(wantCalled, mock.called); diff != "" {
				t.Errorf("MultiRead(ctx, %q) executed unexpected commands, diff (-want +got):\n%s", prefix, diff)
			}
		})
	}
}

func TestList(t *testing.T) {
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) failed unexpectedly with error: %v", err)
	}

	prefix := "/qubes-firewall/"

	tests := []struct {
		name    string
		output  string
		execErr error
		want    []string
		wantErr bool
	}{
		{
			name:   "full-paths",
			output: "/qubes-firewall/10.137.0.5/policy\n/qubes-firewall/10.137.0.7/policy\n",
			want:   []string{"/qubes-firewall/10.137.0.5/policy", "/qubes-firewall/10.137.0.7/policy"},
		},
		{
			name:   "relative-paths",
			output: "10.137.0.5/policy\n",
			want:   []string{"/qubes-firewall/10.137.0.5/policy"},
		},
		{
			name:   "empty-output",
			output: "",
			want:   nil,
		},
		{
			name:    "command-error",
			execErr: errors.New("qubesdb not running"),
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			oldClient := run.Client
			t.Cleanup(func() {
				run.Client = oldClient
			})

			mock := &runMock{
				callback: func(ctx context.Context, opts run.Options) (*run.Result, error) {
					if tc.execErr != nil {
						return nil, tc.execErr
					}
					return &run.Result{OutputType: opts.OutputType, Output: tc.output}, nil
				},
			}
			run.Client = mock

			got, err := Client.List(context.Background(), prefix)
			if (err == nil) == tc.wantErr {
				t.Fatalf("List(ctx, %q) returned error: %v, want error: %t", prefix, err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}

			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("List(ctx, %q) returned unexpected paths, diff (-want +got):\n%s", prefix, diff)
			}
		})
	}
}

func TestWatch(t *testing.T) {
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) failed unexpectedly with error: %v", err)
	}

	oldClient := run.Client
	t.Cleanup(func() {
		run.Client = oldClient
	})

	paths := make(chan string, 1)
	stderr := make(chan string)
	result := make(chan error, 1)
	close(stderr)

	mock := &runMock{
		callback: func(ctx context.Context, opts run.Options) (*run.Result, error) {
			if opts.OutputType != run.OutputStream {
				return nil, fmt.Errorf("unexpected output type: %v, want: %v", opts.OutputType, run.OutputStream)
			}
			if opts.Timeout != 0 {
				return nil, fmt.Errorf("unexpected timeout on watch stream: %v", opts.Timeout)
			}
			return &run.Result{
				OutputType:     run.OutputStream,
				OutputScanners: &run.StreamOutput{StdOut: paths, StdErr: stderr, Result: result},
			}, nil
		},
	}
	run.Client = mock

	stream, err := Client.Watch(context.Background(), "/qubes-firewall/")
	if err != nil {
		t.Fatalf("Watch(ctx, /qubes-firewall/) failed unexpectedly with error: %v", err)
	}

	paths <- "/qubes-firewall/10.137.0.5/policy"
	if got, want := <-stream.Paths, "/qubes-firewall/10.137.0.5/policy"; got != want {
		t.Errorf("Watch(ctx, /qubes-firewall/) streamed path %q, want: %q", got, want)
	}

	wantCalled := []string{"qubesdb-watch /qubes-firewall/"}
	if diff := cmp.Diff(wantCalled, mock.called); diff != "" {
		t.Errorf("Watch(ctx, /qubes-firewall/) executed unexpected commands, diff (-want +got):\n%s", diff)
	}
}

func TestWatchError(t *testing.T) {
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) failed unexpectedly with error: %v", err)
	}

	oldClient := run.Client
	t.Cleanup(func() {
		run.Client = oldClient
	})

	run.Client = &runMock{
		callback: func(ctx context.Context, opts run.Options) (*run.Result, error) {
			return nil, errors.New("command not found")
		},
	}

	if _, err := Client.Watch(context.Background(), "/qubes-firewall/"); err == nil {
		t.Errorf("Watch(ctx, /qubes-firewall/) succeeded, want error")
	}
}

func TestCommandTimeout(t *testing.T) {
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) failed unexpectedly with error: %v", err)
	}
	t.Cleanup(func() {
		if err := cfg.Load(nil); err != nil {
			t.Errorf("cfg.Load(nil) failed unexpectedly with error: %v", err)
		}
	})

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{
			name:  "default",
			value: cfg.Retrieve().QubesDB.CommandTimeout,
			want:  time.Second * 10,
		},
		{
			name:  "configured",
			value: "2s",
			want:  time.Second * 2,
		},
		{
			name:  "invalid",
			value: "forever",
			want:  defaultCommandTimeout,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg.Retrieve().QubesDB.CommandTimeout = tc.value
			if got := commandTimeout(); got != tc.want {
				t.Errorf("commandTimeout() = %v, want: %v", got, tc.want)
			}
		})
	}
}

func TestRelativeKey(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		prefix string
		want   string
	}{
		{
			name:   "full-path",
			key:    "/qubes-firewall/10.137.0.5/policy",
			prefix: "/qubes-firewall/10.137.0.5/",
			want:   "policy",
		},
		{
			name:   "relative",
			key:    "policy",
			prefix: "/qubes-firewall/10.137.0.5/",
			want:   "policy",
		},
		{
			name:   "leading-slash",
			key:    "/policy",
			prefix: "",
			want:   "policy",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := relativeKey(tc.key, tc.prefix); got != tc.want {
				t.Errorf("relativeKey(%q, %q) = %q, want: %q", tc.key, tc.prefix, got, tc.want)
			}
		})
	}
}
