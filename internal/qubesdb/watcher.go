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
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/QubesOS/qubes-net-agent/internal/retry"
)

const (
	// WatcherID is the qubesdb watcher's ID.
	WatcherID = "qubesdb-watcher"
	// ModifiedEvent is the event type fired for every modified entry, the
	// event data carries the modified path.
	ModifiedEvent = "qubesdb-watcher,modified"
)

// Watcher is the qubesdb event watcher implementation. It keeps a watch
// stream alive for a single prefix and fires an event per modified path.
type Watcher struct {
	client         ClientInterface
	prefix         string
	policy         retry.Policy
	stream         *WatchStream
	failedPrevious bool
}

// NewWatcher allocates and initializes a new Watcher reporting modifications
// below prefix.
func NewWatcher(prefix string) *Watcher {
	return &Watcher{
		client: Client,
		prefix: prefix,
		policy: retry.Policy{Jitter: time.Second, BackoffFactor: 2, MaximumBackoff: time.Second * 30},
	}
}

// ID returns the qubesdb event watcher id.
func (w *Watcher) ID() string {
	return WatcherID
}

// Events returns an slice with all implemented events.
func (w *Watcher) Events() []string {
	return []string{ModifiedEvent}
}

// Run blocks until the watch stream reports a modified path and returns it as
// the event data. A died stream is reported to subscribers as an error event
// and re-established on the next Run call, the watcher always renews.
func (w *Watcher) Run(ctx context.Context, evType string) (bool, any, error) {
	if w.stream == nil {
		stream, err := retry.RunWithResponse(ctx, w.policy, func() (*WatchStream, error) {
			stream, err := w.client.Watch(ctx, w.prefix)
			if err != nil && !w.failedPrevious {
				// Only log the first failure, the retry policy may keep us
				// here for a long time and the error is rarely transient.
				galog.Errorf("Failed to start qubesdb watch for %q, retrying: %v", w.prefix, err)
				w.failedPrevious = true
			}
			return stream, err
		})
		if err != nil {
			return false, nil, fmt.Errorf("failed to establish qubesdb watch for %q: %w", w.prefix, err)
		}
		w.failedPrevious = false
		w.stream = stream
		galog.Debugf("Established qubesdb watch stream for prefix: %q", w.prefix)
	}

	select {
	case <-ctx.Done():
		return false, nil, ctx.Err()
	case path, ok := <-w.stream.Paths:
		if !ok {
			err := <-w.stream.Result
			w.stream = nil
			if err == nil {
				err = errors.New("watch stream closed")
			}
			return true, nil, fmt.Errorf("qubesdb watch stream for %q died: %w", w.prefix, err)
		}
		return true, path, nil
	}
}
