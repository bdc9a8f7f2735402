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

package nm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/QubesOS/qubes-net-agent/internal/daemon"
	"github.com/QubesOS/qubes-net-agent/internal/netconf"
	"github.com/QubesOS/qubes-net-agent/internal/policy"
	"github.com/QubesOS/qubes-net-agent/internal/run"
	"github.com/QubesOS/qubes-net-agent/internal/utils/file"
	"github.com/QubesOS/qubes-net-agent/internal/utils/ini"
)

// WriteProfile emits the NetworkManager connection profile of the interface,
// fully overwriting a previously emitted one, and asks NetworkManager to pick
// it up.
func WriteProfile(ctx context.Context, config *netconf.Config, iface string) error {
	galog.Infof("Writing NetworkManager profile for %q.", iface)

	id, err := ProfileUUID(config.MAC)
	if err != nil {
		return err
	}

	defaultRoute := !policy.Enabled(policy.DisableDefaultRoute)
	dns := !policy.Enabled(policy.DisableDNSServer)

	ipv4, err := ipv4Section(config, defaultRoute, dns)
	if err != nil {
		return err
	}

	record := nmConfig{
		Ethernet802: nmEthernetSection{MACAddress: config.MAC},
		Ethernet:    nmEthernetSection{MACAddress: config.MAC},
		Connection: nmConnectionSection{
			ID:       connectionID(iface),
			UUID:     id,
			ConnType: "802-3-ethernet",
		},
		Ipv4: ipv4,
		Ipv6: ipv6Section(config, defaultRoute),
	}

	inicfg, err := ini.ReflectFrom(&record)
	if err != nil {
		return fmt.Errorf("failed to marshal NetworkManager profile: %w", err)
	}

	var buf bytes.Buffer
	if _, err := inicfg.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to render NetworkManager profile: %w", err)
	}

	fPath := profilePath(iface)
	if err := file.SaferWriteFile(ctx, buf.Bytes(), fPath, file.Options{Perm: profileFileMode}); err != nil {
		return fmt.Errorf("failed to write NetworkManager profile %q: %w", fPath, err)
	}

	reload(ctx)

	galog.Infof("Successfully wrote NetworkManager profile for %q.", iface)
	return nil
}

// RemoveProfile deletes the interface's connection profile. A profile that
// was never emitted is not an error.
func RemoveProfile(ctx context.Context, iface string) error {
	fPath := profilePath(iface)

	galog.Debugf("Removing NetworkManager profile %q.", fPath)
	err := os.Remove(fPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove NetworkManager profile %q: %w", fPath, err)
	}

	if err == nil {
		reload(ctx)
	}

	return nil
}

// reload asks NetworkManager to reload its connection files. NetworkManager
// picks profiles up on its own when not running, failures are logged only.
func reload(ctx context.Context) {
	if _, err := execLookPath("nmcli"); err != nil {
		galog.Debugf("Cannot find nmcli, skipping profile reload: %v", err)
		return
	}

	active, err := daemon.UnitActive(ctx, "NetworkManager.service")
	if err != nil {
		galog.Debugf("Failed to check NetworkManager.service status: %v", err)
		return
	}

	if !active {
		galog.Debugf("NetworkManager.service is not active, skipping profile reload.")
		return
	}

	opt := run.Options{OutputType: run.OutputNone, Name: "nmcli", Args: []string{"conn", "reload"}}
	if _, err := run.WithContext(ctx, opt); err != nil {
		galog.Warnf("Failed to reload NetworkManager connections: %v", err)
	}
}
