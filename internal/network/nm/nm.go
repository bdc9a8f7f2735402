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

// Package nm emits NetworkManager connection profiles for uplink interfaces,
// the path taken when the network-manager qubes service is enabled and a
// management daemon owns the interface instead of the agent.
package nm

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/QubesOS/qubes-net-agent/internal/cfg"
	"github.com/QubesOS/qubes-net-agent/internal/netconf"
	"github.com/QubesOS/qubes-net-agent/internal/network/address"
	"github.com/google/uuid"
)

const (
	// uuidPrefix is the fixed prefix of every connection uuid emitted by the
	// agent, the remaining bytes come from the interface MAC. A stable uuid
	// per MAC makes re-adding an interface overwrite its previous connection
	// instead of duplicating it.
	uuidPrefix = "de85f79b-8c3d-405f-a652-"

	// profileFileMode is the file mode for the emitted profiles. The
	// permissions need to be 600 in order for NetworkManager to load and use
	// the file correctly.
	profileFileMode = 0600
)

var (
	// execLookPath is a mockable version of exec.LookPath. This is used for
	// testing.
	execLookPath = exec.LookPath
)

// nmEthernetSection is the link layer section of NetworkManager's keyfile.
// The binding is written under both the 802-3-ethernet and ethernet section
// names, NetworkManager versions differ on which one they read.
type nmEthernetSection struct {
	// MACAddress binds the profile to the interface carrying this hardware
	// address.
	MACAddress string `ini:"mac-address"`
}

// nmConnectionSection is the connection section of NetworkManager's keyfile.
type nmConnectionSection struct {
	// ID is the unique ID for this connection.
	ID string `ini:"id"`

	// UUID is the deterministic connection uuid derived from the MAC.
	UUID string `ini:"uuid"`

	// ConnType is the type of connection (i.e. 802-3-ethernet).
	ConnType string `ini:"type"`
}

// nmIPSection is the ipv4/ipv6 section of NetworkManager's keyfile.
type nmIPSection struct {
	// Method is the IP configuration method, "manual" when an address of the
	// family is configured and "ignore" otherwise.
	Method string `ini:"method"`

	// Addresses is the address;prefix[;gateway] tuple of the family.
	Addresses string `ini:"addresses1,omitempty"`

	// DNS is the semicolon separated nameserver list.
	DNS string `ini:"dns,omitempty"`
}

// nmConfig is a wrapper containing all the sections for the NetworkManager
// keyfile.
type nmConfig struct {
	// Ethernet802 is the link layer section under its long name.
	Ethernet802 nmEthernetSection `ini:"802-3-ethernet"`

	// Ethernet is the link layer section under its short name.
	Ethernet nmEthernetSection `ini:"ethernet"`

	// Connection is the connection section.
	Connection nmConnectionSection `ini:"connection"`

	// Ipv4 is the ipv4 section.
	Ipv4 nmIPSection `ini:"ipv4"`

	// Ipv6 is the ipv6 section.
	Ipv6 nmIPSection `ini:"ipv6"`
}

// ProfileUUID returns the connection uuid of the interface with the given
// mac. The same mac always yields the same uuid.
func ProfileUUID(mac string) (string, error) {
	id := uuidPrefix + strings.ToLower(strings.ReplaceAll(mac, ":", ""))
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("failed to validate connection uuid %q: %w", id, err)
	}
	return id, nil
}

// connectionID returns the connection ID for the given interface.
func connectionID(iface string) string {
	return fmt.Sprintf("qubes-uplink-%s", iface)
}

// profilePath gets the profile file path for the provided interface.
func profilePath(iface string) string {
	fName := fmt.Sprintf("%s.nmconnection", connectionID(iface))
	return filepath.Join(cfg.Retrieve().Network.ProfileDir, fName)
}

// ipv4Section renders the ipv4 keyfile section of config. The gateway is only
// included when defaultRoute permits it, dns carries the resolved nameservers
// unless suppressed.
func ipv4Section(config *netconf.Config, defaultRoute, dns bool) (nmIPSection, error) {
	if config.IP == "" {
		return nmIPSection{Method: "ignore"}, nil
	}

	prefix, err := address.NetmaskPrefix(config.Netmask)
	if err != nil {
		return nmIPSection{}, fmt.Errorf("failed to derive the prefix of netmask %q: %w", config.Netmask, err)
	}

	parts := []string{config.IP, strconv.Itoa(prefix)}
	if defaultRoute && config.Gateway != "" {
		parts = append(parts, config.Gateway)
	}

	res := nmIPSection{Method: "manual", Addresses: strings.Join(parts, ";")}
	if dns {
		res.DNS = dnsList(config)
	}

	return res, nil
}

// ipv6Section renders the ipv6 keyfile section of config, the prefix length
// is carried verbatim.
func ipv6Section(config *netconf.Config, defaultRoute bool) nmIPSection {
	if config.IP6 == "" {
		return nmIPSection{Method: "ignore"}
	}

	parts := []string{config.IP6, config.Netmask6}
	if defaultRoute && config.Gateway6 != "" {
		parts = append(parts, config.Gateway6)
	}

	return nmIPSection{Method: "manual", Addresses: strings.Join(parts, ";")}
}

// dnsList joins the non empty nameservers of config for the keyfile dns key.
func dnsList(config *netconf.Config) string {
	var servers []string

	for _, server := range []string{config.PrimaryDNS, config.SecondaryDNS} {
		if server != "" {
			servers = append(servers, server)
		}
	}

	return strings.Join(servers, ";")
}
