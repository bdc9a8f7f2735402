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

// Package netadmin applies a resolved network configuration directly to the
// live OS networking state, the path taken when no network management daemon
// is running in the VM.
package netadmin

import (
	"context"
	"fmt"
	"net"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/QubesOS/qubes-net-agent/internal/netconf"
	"github.com/QubesOS/qubes-net-agent/internal/network/address"
	"github.com/QubesOS/qubes-net-agent/internal/policy"
	"github.com/QubesOS/qubes-net-agent/internal/resolvconf"
)

// Client is the network administrator instance, platform specific
// implementations set it on initialization.
var Client Administrator

// Administrator is the boundary between configuration decisions and the OS
// privileges needed to enact them.
type Administrator interface {
	// AddAddress assigns the address to the interface, replacing a previous
	// assignment of the same address.
	AddAddress(ctx context.Context, iface string, addr *net.IPNet) error
	// LinkUp brings the interface administratively up.
	LinkUp(ctx context.Context, iface string) error
	// AddHostRoute installs an on link host route to gateway on the
	// interface.
	AddHostRoute(ctx context.Context, iface string, gateway *address.IPAddr) error
	// SetDefaultRoute installs gateway as the default route of its address
	// family, replacing a previous one.
	SetDefaultRoute(ctx context.Context, iface string, gateway *address.IPAddr) error
}

// Apply applies the resolved configuration to iface: addresses first, then
// link up, then routes, then the resolver file. Gateway routes are skipped
// when the configuration carries no gateway for the family, default routes
// additionally respect the disable-default-route service flag.
func Apply(ctx context.Context, config *netconf.Config, iface string) error {
	galog.Infof("Configuring interface %q with address %s/%s.", iface, config.IP, config.Netmask)

	v4Net, err := address.IPv4Net(config.IP, config.Netmask)
	if err != nil {
		return fmt.Errorf("failed to build the IPv4 network of %q: %w", iface, err)
	}

	if err := Client.AddAddress(ctx, iface, v4Net); err != nil {
		return fmt.Errorf("failed to assign %s to %q: %w", v4Net, iface, err)
	}

	if config.IP6 != "" {
		v6Net, err := address.IPv6Net(config.IP6, config.Netmask6)
		if err != nil {
			return fmt.Errorf("failed to build the IPv6 network of %q: %w", iface, err)
		}

		if err := Client.AddAddress(ctx, iface, v6Net); err != nil {
			return fmt.Errorf("failed to assign %s to %q: %w", v6Net, iface, err)
		}
	}

	if err := Client.LinkUp(ctx, iface); err != nil {
		return fmt.Errorf("failed to bring %q up: %w", iface, err)
	}

	defaultRoute := !policy.Enabled(policy.DisableDefaultRoute)

	if config.Gateway != "" {
		gw, err := address.ParseIP(config.Gateway)
		if err != nil {
			return fmt.Errorf("failed to parse gateway %q: %w", config.Gateway, err)
		}

		if err := applyGateway(ctx, iface, gw, defaultRoute); err != nil {
			return err
		}
	}

	if config.Gateway6 != "" {
		gw, err := address.ParseIP(config.Gateway6)
		if err != nil {
			return fmt.Errorf("failed to parse IPv6 gateway %q: %w", config.Gateway6, err)
		}

		if gw.IsLinkLocal() {
			galog.Debugf("Skipping link local IPv6 gateway %s of %q.", gw, iface)
		} else if err := applyGateway(ctx, iface, gw, defaultRoute); err != nil {
			return err
		}
	}

	if err := resolvconf.Apply(ctx, config.PrimaryDNS, config.SecondaryDNS); err != nil {
		return fmt.Errorf("failed to update the resolver file: %w", err)
	}

	return nil
}

// applyGateway installs the on link host route to the gateway and, when
// defaultRoute is set, the gateway as the default route of its family.
func applyGateway(ctx context.Context, iface string, gw *address.IPAddr, defaultRoute bool) error {
	if err := Client.AddHostRoute(ctx, iface, gw); err != nil {
		return fmt.Errorf("failed to add host route to %s on %q: %w", gw, iface, err)
	}

	if !defaultRoute {
		return nil
	}

	if err := Client.SetDefaultRoute(ctx, iface, gw); err != nil {
		return fmt.Errorf("failed to set default route via %s on %q: %w", gw, iface, err)
	}

	return nil
}
