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

// Package uplink enables the network providing role of the VM: loading the
// backend driver, recording the netvm nameservers for the dnat redirection
// and turning on packet forwarding.
package uplink

import (
	"context"
	"fmt"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/QubesOS/qubes-net-agent/internal/cfg"
	"github.com/QubesOS/qubes-net-agent/internal/qubesdb"
	"github.com/QubesOS/qubes-net-agent/internal/run"
	"github.com/QubesOS/qubes-net-agent/internal/utils/file"
)

const (
	// netvmNetworkKey flags the VM as a network provider when set.
	netvmNetworkKey = "/qubes-netvm-network"
	// netvmGatewayKey is the address this VM serves to downstream VMs as
	// gateway and primary nameserver.
	netvmGatewayKey = "/qubes-netvm-gateway"
	// netvmSecondaryDNSKey is the secondary nameserver served downstream.
	netvmSecondaryDNSKey = "/qubes-netvm-secondary-dns"
	// netvmGateway6Key is the IPv6 gateway served downstream, IPv6 forwarding
	// is only enabled when it is set.
	netvmGateway6Key = "/qubes-netvm-gateway6"
)

// uplinkData is the template data rendered into the bring up commands.
type uplinkData struct {
	// Interface is the uplink interface name.
	Interface string
	// DNATScript is the path of the dnat redirection setup script.
	DNATScript string
}

var (
	// backendModuleCommand loads the xen network backend driver. The module
	// may be built into the kernel or the kernel may not support modules at
	// all, both leave the backend functional.
	backendModuleCommand = run.CommandSpec{
		Command:    "modprobe xen-netback",
		Error:      "uplink({{.Interface}}): failed to load xen-netback module",
		BestEffort: true,
	}

	// redirectSet runs the dnat redirection setup and enables ipv4
	// forwarding. The dnat script reads the nameserver record file, it must
	// only run after the file is written.
	redirectSet = run.CommandSet{
		{
			Command:    "{{.DNATScript}}",
			Error:      "uplink({{.Interface}}): failed to run dnat setup script {{.DNATScript}}",
			BestEffort: true,
		},
		{
			Command: "sysctl net.ipv4.ip_forward=1",
			Error:   "uplink({{.Interface}}): failed to enable ipv4 forwarding",
		},
	}

	// forwarding6Command enables ipv6 forwarding, only run when the netvm has
	// an ipv6 gateway configured.
	forwarding6Command = run.CommandSpec{
		Command: "sysctl net.ipv6.conf.all.forwarding=1",
		Error:   "uplink({{.Interface}}): failed to enable ipv6 forwarding",
	}

	// scatterGatherCommand turns off scatter gather on the uplink, it
	// interacts badly with the xen network backend.
	scatterGatherCommand = run.CommandSpec{
		Command:    "ethtool -K {{.Interface}} sg off",
		Error:      "uplink({{.Interface}}): failed to disable scatter-gather",
		BestEffort: true,
	}
)

// Enable sets up the network providing role of the VM on the given uplink
// interface. VMs without a netvm network configured are left untouched.
func Enable(ctx context.Context, iface string) error {
	network := read(ctx, netvmNetworkKey)
	if network == "" {
		galog.Debugf("No netvm network configured, skipping uplink setup.")
		return nil
	}

	galog.Infof("Enabling network uplink for %q on network %s.", iface, network)

	data := uplinkData{Interface: iface, DNATScript: cfg.Retrieve().Uplink.DNATScript}

	if err := backendModuleCommand.WithContext(ctx, data); err != nil {
		return err
	}

	if err := writeNameservers(ctx); err != nil {
		return err
	}

	if err := redirectSet.WithContext(ctx, data); err != nil {
		return err
	}

	if gateway6 := read(ctx, netvmGateway6Key); gateway6 != "" {
		if err := forwarding6Command.WithContext(ctx, data); err != nil {
			return err
		}
	}

	if err := scatterGatherCommand.WithContext(ctx, data); err != nil {
		return err
	}

	galog.Infof("Finished enabling network uplink for %q.", iface)
	return nil
}

// writeNameservers records the netvm nameserver addresses for the dnat
// redirection setup.
func writeNameservers(ctx context.Context) error {
	target := cfg.Retrieve().Uplink.DNSRuntimeFile

	ns1 := read(ctx, netvmGatewayKey)
	ns2 := read(ctx, netvmSecondaryDNSKey)
	content := fmt.Sprintf("NS1=%s\nNS2=%s\n", ns1, ns2)

	galog.Debugf("Writing nameserver record file: %q.", target)
	if err := file.SaferWriteFile(ctx, []byte(content), target, file.Options{Perm: 0644}); err != nil {
		return fmt.Errorf("failed to write nameserver record file %q: %w", target, err)
	}

	return nil
}

// read returns the value of key, missing or unreadable entries yield an empty
// string.
func read(ctx context.Context, key string) string {
	value, err := qubesdb.Client.Read(ctx, key)
	if err != nil {
		galog.V(2).Debugf("No qubesdb value for %q: %v", key, err)
		return ""
	}
	return value
}
