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

// Package netconf resolves the effective network configuration of an
// interface from the QubesDB store. Each field is resolved independently
// with a two tier precedence: the per hardware address subtree wins over
// the legacy global keys of older single interface setups.
package netconf

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/QubesOS/qubes-net-agent/internal/qubesdb"
)

const (
	// perMACPrefix is the per interface configuration subtree, its keys are
	// formatted as <perMACPrefix>/<MAC>/<field>.
	perMACPrefix = "/net-config"

	// legacyMACKey records the hardware address of an older single interface
	// setup. When present it scopes the legacy key fallback to that address
	// only.
	legacyMACKey = "/qubes-mac"

	// Legacy global keys, the single interface predecessors of the per MAC
	// subtree. The masks have no legacy equivalent.
	legacyIPKey       = "/qubes-ip"
	legacyIP6Key      = "/qubes-ip6"
	legacyGatewayKey  = "/qubes-gateway"
	legacyGateway6Key = "/qubes-gateway6"

	// DNS servers are global, there is no per interface DNS configuration.
	primaryDNSKey   = "/qubes-primary-dns"
	secondaryDNSKey = "/qubes-secondary-dns"

	// defaultNetmask and defaultNetmask6 imply a single host address when
	// the store carries no mask for the interface.
	defaultNetmask  = "255.255.255.255"
	defaultNetmask6 = "128"
)

// ErrNoAddress is returned by Resolve when no IPv4 address could be resolved
// for the interface. The interface is left unconfigured in that case, callers
// are expected to skip it rather than fail.
var ErrNoAddress = errors.New("no address resolved for interface")

// Config is the resolved network configuration of a single interface.
type Config struct {
	// MAC is the hardware address the configuration was resolved for.
	MAC string
	// IP is the IPv4 address, never empty on a successful resolution.
	IP string
	// Netmask is the dotted decimal IPv4 netmask.
	Netmask string
	// IP6 is the IPv6 address, empty when the interface has none assigned.
	IP6 string
	// Netmask6 is the IPv6 prefix length.
	Netmask6 string
	// Gateway is the IPv4 gateway address, empty when none is assigned.
	Gateway string
	// Gateway6 is the IPv6 gateway address, empty when none is assigned.
	Gateway6 string
	// PrimaryDNS is the primary nameserver address, it defaults to the
	// resolved gateway.
	PrimaryDNS string
	// SecondaryDNS is the secondary nameserver address, may be empty.
	SecondaryDNS string
}

// LegacyMAC returns the hardware address recorded by an older single
// interface setup, or an empty string when none is recorded.
func LegacyMAC(ctx context.Context, client qubesdb.ClientInterface) string {
	return read(ctx, client, legacyMACKey)
}

// Resolve produces the fully populated network configuration of the interface
// identified by mac. The legacy global keys apply only when legacyMAC is
// empty or equals mac, an explicitly recorded legacy MAC scopes the fallback
// to that address alone. It returns ErrNoAddress when no IPv4 address is
// resolvable.
func Resolve(ctx context.Context, client qubesdb.ClientInterface, mac string, legacyMAC string) (*Config, error) {
	legacy := legacyMAC == "" || mac == legacyMAC

	res := &Config{MAC: mac}

	res.IP = lookup(ctx, client, mac, "ip", legacyIPKey, legacy)
	if res.IP == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, mac)
	}

	res.IP6 = lookup(ctx, client, mac, "ip6", legacyIP6Key, legacy)
	res.Gateway = lookup(ctx, client, mac, "gateway", legacyGatewayKey, legacy)
	res.Gateway6 = lookup(ctx, client, mac, "gateway6", legacyGateway6Key, legacy)

	res.Netmask = lookup(ctx, client, mac, "netmask", "", legacy)
	if res.Netmask == "" {
		res.Netmask = defaultNetmask
	}

	res.Netmask6 = lookup(ctx, client, mac, "netmask6", "", legacy)
	if res.Netmask6 == "" {
		res.Netmask6 = defaultNetmask6
	}

	res.PrimaryDNS = read(ctx, client, primaryDNSKey)
	if res.PrimaryDNS == "" {
		res.PrimaryDNS = res.Gateway
	}
	res.SecondaryDNS = read(ctx, client, secondaryDNSKey)

	return res, nil
}

// lookup resolves a single field with the two tier precedence: the per MAC
// key wins, the legacy global key applies only when the legacy gate allows it
// and the field has a legacy equivalent.
func lookup(ctx context.Context, client qubesdb.ClientInterface, mac string, field string, legacyKey string, legacy bool) string {
	value := read(ctx, client, fmt.Sprintf("%s/%s/%s", perMACPrefix, mac, field))
	if value == "" && legacy && legacyKey != "" {
		value = read(ctx, client, legacyKey)
	}
	return value
}

// read returns the store value at key. A failed read is indistinguishable
// from an absent key and resolves to an empty value.
func read(ctx context.Context, client qubesdb.ClientInterface, key string) string {
	value, err := client.Read(ctx, key)
	if err != nil {
		galog.V(2).Debugf("No qubesdb value for %q: %v", key, err)
		return ""
	}
	return value
}
