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

// Package ethernet gives read access to the VM's ethernet interfaces.
package ethernet

import (
	"errors"
	"fmt"
	"net"
)

// Interfaces lists the VM's network interfaces, tests substitute the host's
// table with a fixed one.
var Interfaces = net.Interfaces

// Interface describes a single ethernet interface of the VM.
type Interface struct {
	// Name is the kernel name of the interface, i.e. eth0.
	Name string
	// HardwareAddr is the interface's hardware address, software devices may
	// have none.
	HardwareAddr net.HardwareAddr
}

// MAC returns the hardware address in the lowercase colon separated form the
// per interface configuration entries are keyed by. An interface without a
// hardware address yields an empty string.
func (in *Interface) MAC() string {
	return in.HardwareAddr.String()
}

// InterfaceByName returns the interface carrying the given name.
func InterfaceByName(name string) (*Interface, error) {
	if name == "" {
		return nil, errors.New("no interface name provided")
	}

	ifaces, err := Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Name == name {
			return &Interface{Name: iface.Name, HardwareAddr: iface.HardwareAddr}, nil
		}
	}

	return nil, fmt.Errorf("no interface found with name %q", name)
}
