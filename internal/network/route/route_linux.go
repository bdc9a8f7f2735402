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

package route

import (
	"context"
	"fmt"
	"net"

	"github.com/QubesOS/qubes-net-agent/internal/network/address"
	"github.com/vishvananda/netlink"
)

var (
	// linkByName is the function used to look up a link by name. This is used
	// for testing.
	linkByName = netlink.LinkByName

	// routeReplace is the function used to install a route. This is used for
	// testing.
	routeReplace = netlink.RouteReplace
)

// linuxClient is the linux implementation of the routeOperations interface.
type linuxClient struct{}

// init initializes the linux route client.
func init() {
	client = &linuxClient{}
}

// Add adds a route to the route table with replace semantics, re-adding a
// route with the same destination overwrites the previous one.
func (lc *linuxClient) Add(ctx context.Context, route Handle) error {
	if route.InterfaceName == "" {
		return fmt.Errorf("interface name is required")
	}

	if route.Destination == nil && route.Gateway == nil {
		return fmt.Errorf("route has neither destination nor gateway")
	}

	scope, err := routeScope(route.Scope)
	if err != nil {
		return err
	}

	link, err := linkByName(route.InterfaceName)
	if err != nil {
		return fmt.Errorf("failed to find interface %q: %w", route.InterfaceName, err)
	}

	req := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Scope:     scope,
	}

	if route.Destination != nil {
		req.Dst = destinationNet(route.Destination)
	}

	if route.Gateway != nil {
		if route.Gateway.IP == nil {
			return fmt.Errorf("route gateway has no IP address")
		}
		req.Gw = *route.Gateway.IP
	}

	if err := routeReplace(req); err != nil {
		return fmt.Errorf("failed to add route: %w", err)
	}

	return nil
}

// routeScope maps the handle's scope to the netlink scope.
func routeScope(scope string) (netlink.Scope, error) {
	switch scope {
	case "":
		return netlink.SCOPE_UNIVERSE, nil
	case ScopeLink:
		return netlink.SCOPE_LINK, nil
	default:
		return 0, fmt.Errorf("unknown route scope %q", scope)
	}
}

// destinationNet translates the handle's destination to the netlink
// destination network. An address without a prefix is taken as a single host
// destination.
func destinationNet(dst *address.IPAddr) *net.IPNet {
	if dst.CIDR != nil {
		return dst.CIDR
	}

	ip := *dst.IP
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
	}

	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
}
