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

package hotplug

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/QubesOS/qubes-net-agent/cmd/qubes_net_agent/commands/testhelper"
	"github.com/QubesOS/qubes-net-agent/internal/cfg"
	"github.com/QubesOS/qubes-net-agent/internal/daemon"
	"github.com/QubesOS/qubes-net-agent/internal/network/address"
	"github.com/QubesOS/qubes-net-agent/internal/network/ethernet"
	"github.com/QubesOS/qubes-net-agent/internal/network/netadmin"
	"github.com/QubesOS/qubes-net-agent/internal/qubesdb"
	"github.com/QubesOS/qubes-net-agent/internal/run"
	"github.com/google/go-cmp/cmp"
)

// fakeClient is a map backed qubesdb client, a missing key reads as an error
// the same way qubesdb-read reports missing entries.
type fakeClient struct {
	data map[string]string
}

func (f *fakeClient) Read(ctx context.Context, path string) (string, error) {
	value, found := f.data[path]
	if !found {
		return "", fmt.Errorf("no entry for %q", path)
	}
	return value, nil
}

func (f *fakeClient) MultiRead(ctx context.Context, prefix string) (map[string]string, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) Watch(ctx context.Context, prefix string) (*qubesdb.WatchStream, error) {
	return nil, errors.New("not implemented")
}

// runMock records the commands requested through the run client without
// executing anything.
type runMock struct {
	called []string
}

func (rm *runMock) WithContext(ctx context.Context, opts run.Options) (*run.Result, error) {
	rm.called = append(rm.called, opts.Name)
	return &run.Result{}, nil
}

// fakeAdministrator records the operations requested through it, failing the
// one matching failCall.
type fakeAdministrator struct {
	calls    []string
	failCall string
}

func (f *fakeAdministrator) record(call string) error {
	f.calls = append(f.calls, call)
	if call == f.failCall {
		return fmt.Errorf("forced failure: %s", call)
	}
	return nil
}

func (f *fakeAdministrator) AddAddress(ctx context.Context, iface string, addr *net.IPNet) error {
	return f.record(fmt.Sprintf("add-address %s %s", iface, addr))
}

func (f *fakeAdministrator) LinkUp(ctx context.Context, iface string) error {
	return f.record(fmt.Sprintf("link-up %s", iface))
}

func (f *fakeAdministrator) AddHostRoute(ctx context.Context, iface string, gateway *address.IPAddr) error {
	return f.record(fmt.Sprintf("add-host-route %s %s", iface, gateway))
}

func (f *fakeAdministrator) SetDefaultRoute(ctx context.Context, iface string, gateway *address.IPAddr) error {
	return f.record(fmt.Sprintf("set-default-route %s %s", iface, gateway))
}

type daemonMock struct{}

func (dm *daemonMock) UnitActive(ctx context.Context, unit string) (bool, error) {
	return false, nil
}

// interfacesSetup replaces the interfaces source with one serving the given
// name to hardware address mapping.
func interfacesSetup(t *testing.T, ifaces map[string]string) {
	t.Helper()

	var res []net.Interface
	for name, mac := range ifaces {
		var addr net.HardwareAddr
		if mac != "" {
			parsed, err := net.ParseMAC(mac)
			if err != nil {
				t.Fatalf("net.ParseMAC(%q) = %v, want nil", mac, err)
			}
			addr = parsed
		}

		res = append(res, net.Interface{Name: name, HardwareAddr: addr})
	}

	oldInterfaces := ethernet.Interfaces
	ethernet.Interfaces = func() ([]net.Interface, error) { return res, nil }
	t.Cleanup(func() { ethernet.Interfaces = oldInterfaces })
}

// hotplugSetup points every side effect of the flows at temporary locations
// and installs fakes for the OS facing clients.
func hotplugSetup(t *testing.T, data map[string]string) (*cfg.Sections, *fakeAdministrator, *runMock) {
	t.Helper()

	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) = %v, want nil", err)
	}

	config := cfg.Retrieve()
	config.Network.ProfileDir = t.TempDir()
	config.Network.ServiceFlagDir = t.TempDir()
	config.Network.ResolvConf = filepath.Join(t.TempDir(), "resolv.conf")
	config.Network.ProtectedFilesDirs = filepath.Join(t.TempDir(), "protected-files.d")
	config.Network.IPChangeHook = ""

	admin := &fakeAdministrator{}
	runner := &runMock{}

	oldAdmin := netadmin.Client
	oldRunner := run.Client
	oldDaemon := daemon.Client
	oldQubesdb := qubesdb.Client

	netadmin.Client = admin
	run.Client = runner
	daemon.Client = &daemonMock{}
	qubesdb.Client = &fakeClient{data: data}

	t.Cleanup(func() {
		netadmin.Client = oldAdmin
		run.Client = oldRunner
		daemon.Client = oldDaemon
		qubesdb.Client = oldQubesdb
		if err := cfg.Load(nil); err != nil {
			t.Fatalf("cfg.Load(nil) = %v, want nil", err)
		}
	})

	return config, admin, runner
}

func TestRunHotplug(t *testing.T) {
	legacyData := map[string]string{
		"/qubes-ip":      "10.137.0.10",
		"/qubes-gateway": "10.137.0.1",
	}

	tests := []struct {
		name      string
		action    string
		iface     string
		ifaces    map[string]string
		data      map[string]string
		flags     []string
		hook      bool
		failCall  string
		wantErr   bool
		wantCalls []string
		wantHook  bool
	}{
		{
			name:   "ignored-action",
			action: "bind",
			iface:  "eth0",
		},
		{
			name:    "missing-interface-add",
			action:  "add",
			wantErr: true,
		},
		{
			name:    "missing-interface-remove",
			action:  "remove",
			wantErr: true,
		},
		{
			name:    "unknown-interface",
			action:  "add",
			iface:   "eth0",
			wantErr: true,
		},
		{
			name:    "missing-hardware-address",
			action:  "add",
			iface:   "eth0",
			ifaces:  map[string]string{"eth0": ""},
			wantErr: true,
		},
		{
			name:   "no-address-skipped",
			action: "add",
			iface:  "eth0",
			ifaces: map[string]string{"eth0": "00:16:3e:5e:6c:00"},
		},
		{
			name:   "direct-apply",
			action: "add",
			iface:  "eth0",
			ifaces: map[string]string{"eth0": "00:16:3e:5e:6c:00"},
			data:   legacyData,
			wantCalls: []string{
				"add-address eth0 10.137.0.10/32",
				"link-up eth0",
				"add-host-route eth0 10.137.0.1",
				"set-default-route eth0 10.137.0.1",
			},
		},
		{
			name:   "direct-apply-with-hook",
			action: "add",
			iface:  "eth0",
			ifaces: map[string]string{"eth0": "00:16:3e:5e:6c:00"},
			data:   legacyData,
			hook:   true,
			wantCalls: []string{
				"add-address eth0 10.137.0.10/32",
				"link-up eth0",
				"add-host-route eth0 10.137.0.1",
				"set-default-route eth0 10.137.0.1",
			},
			wantHook: true,
		},
		{
			name:     "apply-failure",
			action:   "add",
			iface:    "eth0",
			ifaces:   map[string]string{"eth0": "00:16:3e:5e:6c:00"},
			data:     legacyData,
			hook:     true,
			failCall: "link-up eth0",
			wantErr:  true,
			wantCalls: []string{
				"add-address eth0 10.137.0.10/32",
				"link-up eth0",
			},
		},
		{
			name:   "nm-profile",
			action: "add",
			iface:  "eth0",
			ifaces: map[string]string{"eth0": "00:16:3e:5e:6c:00"},
			data:   legacyData,
			flags:  []string{"network-manager"},
		},
		{
			name:   "remove-without-profile",
			action: "remove",
			iface:  "eth0",
		},
	}

	ctx := context.Background()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			config, admin, runner := hotplugSetup(t, tc.data)
			interfacesSetup(t, tc.ifaces)
			admin.failCall = tc.failCall

			for _, flag := range tc.flags {
				fPath := filepath.Join(config.Network.ServiceFlagDir, flag)
				if err := os.WriteFile(fPath, nil, 0644); err != nil {
					t.Fatalf("os.WriteFile(%q) = %v, want nil", fPath, err)
				}
			}

			var hookPath string
			if tc.hook {
				hookPath = filepath.Join(t.TempDir(), "qubes-ip-change-hook")
				if err := os.WriteFile(hookPath, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
					t.Fatalf("os.WriteFile(%q) = %v, want nil", hookPath, err)
				}
				config.Network.IPChangeHook = hookPath
			}

			t.Setenv(actionEnv, tc.action)
			t.Setenv(interfaceEnv, tc.iface)

			_, err := testhelper.ExecuteCommand(ctx, New(), []string{})
			if (err == nil) == tc.wantErr {
				t.Fatalf("hotplug command with action %q = %v, want error %v", tc.action, err, tc.wantErr)
			}

			if diff := cmp.Diff(tc.wantCalls, admin.calls); diff != "" {
				t.Errorf("hotplug command with action %q recorded unexpected operations (-want +got): %v", tc.action, diff)
			}

			gotHook := false
			for _, name := range runner.called {
				if name == hookPath && hookPath != "" {
					gotHook = true
				}
			}
			if gotHook != tc.wantHook {
				t.Errorf("hotplug command with action %q ran the change hook %t, want %t", tc.action, gotHook, tc.wantHook)
			}

			wantProfile := len(tc.flags) > 0 && !tc.wantErr
			fPath := filepath.Join(config.Network.ProfileDir, "qubes-uplink-eth0.nmconnection")
			if _, err := os.Stat(fPath); (err == nil) != wantProfile {
				t.Errorf("hotplug command with action %q left profile existence %t, want %t", tc.action, err == nil, wantProfile)
			}
		})
	}
}

func TestRemoveProfile(t *testing.T) {
	config, _, _ := hotplugSetup(t, nil)

	fPath := filepath.Join(config.Network.ProfileDir, "qubes-uplink-eth0.nmconnection")
	if err := os.WriteFile(fPath, []byte("[connection]\n"), 0600); err != nil {
		t.Fatalf("os.WriteFile(%q) = %v, want nil", fPath, err)
	}

	t.Setenv(actionEnv, "remove")
	t.Setenv(interfaceEnv, "eth0")

	ctx := context.Background()
	if _, err := testhelper.ExecuteCommand(ctx, New(), []string{}); err != nil {
		t.Fatalf("hotplug command with action %q = %v, want nil", "remove", err)
	}

	if _, err := os.Stat(fPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("os.Stat(%q) = %v, want %v", fPath, err, os.ErrNotExist)
	}
}
