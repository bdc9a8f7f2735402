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

package resolvconf

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/QubesOS/qubes-net-agent/internal/cfg"
	"github.com/fsnotify/fsnotify"
)

const (
	// WatcherID is the resolver file watcher's ID.
	WatcherID = "resolvconf-watcher"
	// ChangedEvent is the event type fired when the resolver file changes on
	// disk, the event data carries the resolver file path.
	ChangedEvent = "resolvconf-watcher,changed"
)

// Watcher is the resolver file event watcher implementation. The parent
// directory is watched rather than the file itself so atomic rename
// replacements keep being observed.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	target    string
}

// NewWatcher allocates and initializes a new Watcher reporting resolver file
// changes.
func NewWatcher() *Watcher {
	return &Watcher{target: cfg.Retrieve().Network.ResolvConf}
}

// ID returns the resolver file event watcher id.
func (w *Watcher) ID() string {
	return WatcherID
}

// Events returns an slice with all implemented events.
func (w *Watcher) Events() []string {
	return []string{ChangedEvent}
}

// Run blocks until the resolver file is created, written, renamed or removed
// and returns its path as the event data.
func (w *Watcher) Run(ctx context.Context, evType string) (bool, any, error) {
	if w.fsWatcher == nil {
		fsWatcher, err := fsnotify.NewWatcher()
		if err != nil {
			return false, nil, fmt.Errorf("failed to allocate fsnotify watcher: %w", err)
		}

		dir := filepath.Dir(w.target)
		if err := fsWatcher.Add(dir); err != nil {
			fsWatcher.Close()
			return false, nil, fmt.Errorf("failed to watch %q: %w", dir, err)
		}

		w.fsWatcher = fsWatcher
		galog.Debugf("Established resolver file watch for: %q.", w.target)
	}

	for {
		select {
		case <-ctx.Done():
			if err := w.fsWatcher.Close(); err != nil {
				galog.Debugf("Failed to close resolver file watch: %v.", err)
			}
			w.fsWatcher = nil
			return false, nil, ctx.Err()
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				w.fsWatcher = nil
				return true, nil, errors.New("resolver file watch closed")
			}
			if event.Name != w.target {
				continue
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
				continue
			}
			return true, w.target, nil
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				w.fsWatcher = nil
				return true, nil, errors.New("resolver file watch closed")
			}
			return true, nil, fmt.Errorf("resolver file watch error: %w", err)
		}
	}
}
