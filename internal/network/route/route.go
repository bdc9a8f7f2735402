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

// Package route provides route table operations for the network applier.
package route

import (
	"context"

	"github.com/QubesOS/qubes-net-agent/internal/network/address"
)

// ScopeLink is the scope of routes reachable directly on the interface, with
// no intermediate gateway.
const ScopeLink = "link"

// client is the route backend installed by the platform init.
var client routeOperations

// Handle describes a route to be installed in the route table.
type Handle struct {
	// Destination is the destination of the route. An address without a
	// prefix is a single host destination. A nil destination installs the
	// default route of the gateway's address family.
	Destination *address.IPAddr
	// Gateway is the route's next hop. On link routes leave it nil.
	Gateway *address.IPAddr
	// InterfaceName is the name of the interface the route should be added to.
	InterfaceName string
	// Scope is the scope of the route, ScopeLink for on link routes. An
	// empty scope means a global scope.
	Scope string
}

// routeOperations is implemented by the platform's route backend.
type routeOperations interface {
	// Add adds a route to the system, replacing a previously installed route
	// with the same destination.
	Add(ctx context.Context, route Handle) error
}

// Add adds a route to the system, replacing a previously installed route with
// the same destination.
func Add(ctx context.Context, route Handle) error {
	return client.Add(ctx, route)
}
