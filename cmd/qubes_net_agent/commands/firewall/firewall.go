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

// Package firewall implements the command running the firewall enforcement
// daemon of a network providing VM.
package firewall

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/GoogleCloudPlatform/galog"
	fw "github.com/QubesOS/qubes-net-agent/internal/firewall"
	"github.com/QubesOS/qubes-net-agent/internal/qubesdb"
	"github.com/spf13/cobra"
)

// New returns a new cobra command for the firewall daemon.
func New() *cobra.Command {
	firewall := &cobra.Command{
		Use:   "firewall",
		Short: "Run the firewall enforcement daemon",
		Long:  "Run the firewall enforcement daemon. It keeps the packet filter in sync with the rule sets published in QubesDB until terminated.",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}

	return firewall
}

// runDaemon runs the enforcement loop until the process is told to leave.
func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigHandler(ctx, cancel)

	return fw.Run(ctx, fw.NewWorker(), qubesdb.Client)
}

// sigHandler handles SIGTERM, SIGINT etc signals, canceling the daemon's
// context to let the enforcement loop unwind its chains.
func sigHandler(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-sigChan:
			galog.Infof("Got signal: %d, leaving...", sig)
			signal.Stop(sigChan)
			close(sigChan)
			cancel()
		case <-ctx.Done():
		}
	}()
}
