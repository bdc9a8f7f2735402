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

// Package uplink implements the command enabling the network providing role
// of the VM, run once at boot by the network service unit.
package uplink

import (
	"github.com/QubesOS/qubes-net-agent/internal/cfg"
	netuplink "github.com/QubesOS/qubes-net-agent/internal/network/uplink"
	"github.com/spf13/cobra"
)

// New returns a new cobra command for the uplink flow.
func New() *cobra.Command {
	uplink := &cobra.Command{
		Use:   "uplink [interface]",
		Short: "Enable the network VM uplink",
		Long:  "Enable the network VM uplink. It loads the backend driver, records the nameservers served downstream and turns on packet forwarding. The interface defaults to the configured uplink interface.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runUplink,
	}

	return uplink
}

// runUplink enables the uplink on the requested interface, falling back to
// the configured one.
func runUplink(cmd *cobra.Command, args []string) error {
	iface := cfg.Retrieve().Uplink.Interface
	if len(args) > 0 {
		iface = args[0]
	}

	return netuplink.Enable(cmd.Context(), iface)
}
