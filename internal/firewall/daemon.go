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

package firewall

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/QubesOS/qubes-net-agent/internal/cfg"
	"github.com/QubesOS/qubes-net-agent/internal/events"
	"github.com/QubesOS/qubes-net-agent/internal/qubesdb"
	"github.com/QubesOS/qubes-net-agent/internal/resolvconf"
	"github.com/QubesOS/qubes-net-agent/internal/run"
)

// subscriberID identifies the firewall daemon's event subscriptions.
const subscriberID = "firewall-daemon"

// Run enforces the distributed firewall until ctx is canceled. Rule sets are
// re-applied whenever their QubesDB subtree or the resolver configuration
// changes. The enforcement chains are removed on the way out.
func Run(ctx context.Context, worker Worker, client qubesdb.ClientInterface) error {
	galog.Infof("Starting firewall enforcement.")

	if err := worker.Init(ctx); err != nil {
		logError(ctx, fmt.Sprintf("Failed to initialize firewall: %v", err))
		return fmt.Errorf("failed to initialize firewall: %w", err)
	}

	runStartupScripts(ctx)

	eManager := events.FetchManager()
	subscribe(eManager, worker, client)

	if err := eManager.AddWatcher(ctx, qubesdb.NewWatcher(rulesPrefix)); err != nil {
		cleanup(worker)
		return fmt.Errorf("failed to add firewall rules watcher: %w", err)
	}
	if err := eManager.AddWatcher(ctx, resolvconf.NewWatcher()); err != nil {
		cleanup(worker)
		return fmt.Errorf("failed to add resolver configuration watcher: %w", err)
	}

	refreshAll(ctx, worker, client)

	if err := eManager.Run(ctx); err != nil {
		galog.Errorf("Firewall event manager exited: %v", err)
	}

	galog.Infof("Stopping firewall enforcement, removing enforcement chains.")
	cleanup(worker)
	return nil
}

// cleanup removes the enforcement chains. The surrounding context is usually
// canceled already at this point, a fresh one keeps the packet filter tools
// runnable.
func cleanup(worker Worker) {
	if err := worker.Cleanup(context.Background()); err != nil {
		galog.Errorf("Failed to remove enforcement chains: %v", err)
	}
}

// subscribe registers the rule set and resolver change handlers.
func subscribe(eManager *events.Manager, worker Worker, client qubesdb.ClientInterface) {
	eManager.Subscribe(qubesdb.ModifiedEvent, events.EventSubscriber{
		Name: subscriberID,
		Callback: func(ctx context.Context, evType string, data any, evData *events.EventData) bool {
			return handleRulesEvent(ctx, worker, client, evData)
		},
	})

	eManager.Subscribe(resolvconf.ChangedEvent, events.EventSubscriber{
		Name: subscriberID,
		Callback: func(ctx context.Context, evType string, data any, evData *events.EventData) bool {
			return handleResolverEvent(ctx, worker, client, evData)
		},
	})
}

// handleRulesEvent re-applies the rule set of the target a QubesDB watch
// event reports as modified.
func handleRulesEvent(ctx context.Context, worker Worker, client qubesdb.ClientInterface, evData *events.EventData) bool {
	if evData.Error != nil {
		galog.Warnf("Firewall rules watcher reported: %v", evData.Error)
		return true
	}

	path, ok := evData.Data.(string)
	if !ok {
		galog.Errorf("Unexpected firewall watch event data type: %T.", evData.Data)
		return true
	}

	target, ok := targetFromPath(path)
	if !ok {
		galog.V(2).Debugf("Ignoring firewall watch path %q.", path)
		return true
	}

	HandleAddr(ctx, worker, client, target)
	return true
}

// handleResolverEvent re-applies every target's rule set so that rules
// referencing the nameservers match the new resolver configuration.
func handleResolverEvent(ctx context.Context, worker Worker, client qubesdb.ClientInterface, evData *events.EventData) bool {
	if evData.Error != nil {
		galog.Warnf("Resolver configuration watcher reported: %v", evData.Error)
		return true
	}

	galog.Debugf("Resolver configuration changed, re-applying all firewall rule sets.")
	refreshAll(ctx, worker, client)
	return true
}

// refreshAll applies the current rule set of every known target.
func refreshAll(ctx context.Context, worker Worker, client qubesdb.ClientInterface) {
	targets, err := ListTargets(ctx, client)
	if err != nil {
		logError(ctx, fmt.Sprintf("Failed to list firewall targets: %v", err))
		return
	}
	for _, target := range targets {
		HandleAddr(ctx, worker, client, target)
	}
}

// targetFromPath extracts the target address of a QubesDB watch path. Paths
// below the target level are reported while a rule set is still being
// written, only the final write at the target level commits it.
func targetFromPath(path string) (string, bool) {
	if strings.Count(path, "/") > 2 {
		return "", false
	}
	parts := strings.Split(path, "/")
	if len(parts) < 3 || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// runStartupScripts runs the firewall hook scripts before enforcement starts.
// Script failures are logged and otherwise ignored.
func runStartupScripts(ctx context.Context) {
	config := cfg.Retrieve()

	for _, dir := range strings.Split(config.Firewall.ScriptDirs, ",") {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			galog.V(2).Debugf("Skipping firewall script dir %q: %v", dir, err)
			continue
		}

		for _, entry := range entries {
			runScript(ctx, filepath.Join(dir, entry.Name()))
		}
	}

	if config.Firewall.UserScript != "" {
		runScript(ctx, config.Firewall.UserScript)
	}
}

// runScript runs fPath if it is an executable regular file. The script's exit
// status is ignored and its output is forwarded to the agent's log.
func runScript(ctx context.Context, fPath string) {
	stat, err := os.Stat(fPath)
	if err != nil || !stat.Mode().IsRegular() || stat.Mode().Perm()&0111 == 0 {
		galog.V(2).Debugf("Skipping firewall script %q.", fPath)
		return
	}

	galog.Debugf("Running firewall script %q.", fPath)
	opts := run.Options{OutputType: run.OutputCombined, Name: fPath}
	res, err := run.WithContext(ctx, opts)
	if err != nil {
		galog.Warnf("Firewall script %q failed: %v", fPath, err)
		return
	}
	if output := strings.TrimSpace(res.Output); output != "" {
		galog.Infof("Firewall script %q: %s", fPath, output)
	}
}
