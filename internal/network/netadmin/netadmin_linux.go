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

//go:build linux

package netadmin

import (
	"context"
	"fmt"
	"net"

	"github.com/QubesOS/qubes-net-agent/internal/network/address"
	"github.com/QubesOS/qubes-net-agent/internal/network/route"
	"github.com/vishvananda/netlink"
)

var (
	// linkByName is the function used to look up a link by name. This is used
	// for testing.
	linkByName = netlink.LinkByName

	// addrReplace is the function used to assign an address to a link. This
	// is used for testing.
	addrReplace = netlink.AddrReplace

	// linkSetUp is the function used to bring a link up. This is used for
	// testing.
	linkSetUp = netlink.LinkSetUp
)

// linuxAdministrator is the netlink backed Administrator implementation.
type linuxAdministrator struct{}

// init initializes the linux administrator client.
func init() {
	Client = linuxAdministrator{}
}

// AddAddress assigns addr to the interface. Replace semantics make repeated
// assignments of the same address idempotent.
func (linuxAdministrator) AddAddress(ctx context.Context, iface string, addr *net.IPNet) error {
	link, err := linkByName(iface)
	if err != nil {
		return fmt.Errorf("failed to find interface %q: %w", iface, err)
	}

	if err := addrReplace(link, &netlink.Addr{IPNet: addr}); err != nil {
		return fmt.Errorf("failed to replace address %s on %q: %w", addr, iface, err)
	}

	return nil
}

// LinkUp brings the interface administratively up.
func (linuxAdministrator) LinkUp(ctx context.Context, iface string) error {
	link, err := linkByName(iface)
	if err != nil {
		return fmt.Errorf("failed to find interface %q: %w", iface, err)
	}

	if err := linkSetUp(link); err != nil {
		return fmt.Errorf("failed to set %q up: %w", iface, err)
	}

	return nil
}

// AddHostRoute installs an on link host route to gateway on the interface.
func (linuxAdministrator) AddHostRoute(ctx context.Context, iface string, gateway *address.IPAddr) error {
	return route.Add(ctx, route.Handle{
		Destination:   gateway,
		InterfaceName: iface,
		Scope:         route.ScopeLink,
	})
}

// SetDefaultRoute installs gateway as the default route of its address
// family.
func (linuxAdministrator) SetDefaultRoute(ctx context.Context, iface string, gateway *address.IPAddr) error {
	return route.Add(ctx, route.Handle{
		Gateway:       gateway,
		InterfaceName: iface,
	})
}
