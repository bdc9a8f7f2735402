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

// Package hotplug implements the command run from the udev network interface
// rule, configuring hotplugged interfaces and deconfiguring removed ones.
package hotplug

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/QubesOS/qubes-net-agent/internal/cfg"
	"github.com/QubesOS/qubes-net-agent/internal/netconf"
	"github.com/QubesOS/qubes-net-agent/internal/network/ethernet"
	"github.com/QubesOS/qubes-net-agent/internal/network/netadmin"
	"github.com/QubesOS/qubes-net-agent/internal/network/nm"
	"github.com/QubesOS/qubes-net-agent/internal/policy"
	"github.com/QubesOS/qubes-net-agent/internal/qubesdb"
	"github.com/QubesOS/qubes-net-agent/internal/run"
	"github.com/spf13/cobra"
)

const (
	// actionEnv and interfaceEnv are set by udev for the RUN program of the
	// network interface rule.
	actionEnv    = "ACTION"
	interfaceEnv = "INTERFACE"
)

// New returns a new cobra command for the hotplug flow.
func New() *cobra.Command {
	hotplug := &cobra.Command{
		Use:   "hotplug",
		Short: "Configure a hotplugged network interface",
		Long:  "Configure a hotplugged network interface. The event kind and the interface are taken from the ACTION and INTERFACE environment variables set by udev.",
		Args:  cobra.NoArgs,
		RunE:  runHotplug,
	}

	return hotplug
}

// runHotplug dispatches the udev event to the matching flow. Actions other
// than add and remove are acknowledged without any work.
func runHotplug(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	action := os.Getenv(actionEnv)
	iface := os.Getenv(interfaceEnv)

	switch action {
	case "add":
		return addInterface(ctx, iface)
	case "remove":
		return removeInterface(ctx, iface)
	default:
		galog.Debugf("Nothing to do for hotplug action %q of interface %q.", action, iface)
		return nil
	}
}

// addInterface resolves the interface's configuration and applies it, either
// as a NetworkManager profile or directly against the OS.
func addInterface(ctx context.Context, iface string) error {
	if iface == "" {
		return fmt.Errorf("no interface to configure, %s environment variable is not set", interfaceEnv)
	}

	nic, err := ethernet.InterfaceByName(iface)
	if err != nil {
		return fmt.Errorf("failed to look up interface %q: %w", iface, err)
	}

	mac := nic.MAC()
	if mac == "" {
		return fmt.Errorf("interface %q has no hardware address", iface)
	}

	config, err := netconf.Resolve(ctx, qubesdb.Client, mac, netconf.LegacyMAC(ctx, qubesdb.Client))
	if err != nil {
		if errors.Is(err, netconf.ErrNoAddress) {
			galog.Debugf("No address resolved for %q, leaving the interface unconfigured.", iface)
			return nil
		}
		return fmt.Errorf("failed to resolve the configuration of %q: %w", iface, err)
	}

	if policy.Enabled(policy.NetworkManager) {
		err = nm.WriteProfile(ctx, config, iface)
	} else {
		err = netadmin.Apply(ctx, config, iface)
	}
	if err != nil {
		return err
	}

	runChangeHook(ctx)
	return nil
}

// removeInterface drops the state emitted for the interface. Addresses and
// routes die with the interface itself, only the NetworkManager profile
// outlives it.
func removeInterface(ctx context.Context, iface string) error {
	if iface == "" {
		return fmt.Errorf("no interface to deconfigure, %s environment variable is not set", interfaceEnv)
	}

	return nm.RemoveProfile(ctx, iface)
}

// runChangeHook invokes the user provided hook command after a successful
// configuration, its exit status is ignored.
func runChangeHook(ctx context.Context) {
	hook := cfg.Retrieve().Network.IPChangeHook
	if hook == "" {
		return
	}

	info, err := os.Stat(hook)
	if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0111 == 0 {
		galog.V(2).Debugf("Skipping IP change hook %q, not an executable file.", hook)
		return
	}

	opts := run.Options{OutputType: run.OutputNone, Name: hook}
	if _, err := run.WithContext(ctx, opts); err != nil {
		galog.Warnf("IP change hook %q failed: %v", hook, err)
	}
}
