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

// Package main is the implementation of the qubes network agent CLI, the
// entry point of all the network configuration flows of the VM.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/QubesOS/qubes-net-agent/cmd/qubes_net_agent/commands/firewall"
	"github.com/QubesOS/qubes-net-agent/cmd/qubes_net_agent/commands/hotplug"
	"github.com/QubesOS/qubes-net-agent/cmd/qubes_net_agent/commands/uplink"
	"github.com/QubesOS/qubes-net-agent/internal/cfg"
	"github.com/QubesOS/qubes-net-agent/internal/logger"
	"github.com/spf13/cobra"
)

const (
	// galogShutdownTimeout is the period of time we should wait for galog to
	// shutdown.
	galogShutdownTimeout = time.Second
)

// version is overridden at build time by the linker.
var version = "unknown"

// newRootCommand generates new root command with [hotplug], [uplink] and
// [firewall] subcommands.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "qubes-net-agent",
		Short:   "Qubes VM network agent.",
		Long:    "Qubes VM network agent. It configures hotplugged network interfaces, enables the uplink of network providing VMs and enforces the VM firewall rules.",
		Version: version,
	}

	root.AddCommand(firewall.New())
	root.AddCommand(hotplug.New())
	root.AddCommand(uplink.New())

	return root
}

func main() {
	ctx := context.Background()

	if err := cfg.Load(nil); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Set the version as soon as config is loaded so it can't be overridden by
	// a stray config file entry.
	cfg.Retrieve().Core.Version = version

	logOpts := logger.Options{
		Ident:       logger.LocalLoggerIdent,
		LogToStderr: true,
		Level:       cfg.Retrieve().Core.LogLevel,
		Verbosity:   cfg.Retrieve().Core.LogVerbosity,
		LogFile:     cfg.Retrieve().Core.LogFile,
	}

	if err := logger.Init(ctx, logOpts); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer galog.Shutdown(galogShutdownTimeout)

	if config, err := cfg.ToString(); err == nil {
		galog.V(2).Debugf("Running version %q with configuration:\n%s", version, config)
	}

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		galog.Fatalf("Failed to execute: %v", err)
	}
}
