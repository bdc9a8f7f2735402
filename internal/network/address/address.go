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

// Package address contains network address manipulation utilities.
package address

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrEmptyAddress is returned when the provided string representation of an
// address is empty.
var ErrEmptyAddress = errors.New("empty address")

// IPAddr bundles an IP address with its network. CIDR is nil for addresses
// given without a prefix.
type IPAddr struct {
	IP   *net.IP
	CIDR *net.IPNet
}

// String renders the address, in CIDR notation when the network is known.
func (a *IPAddr) String() string {
	if a.CIDR != nil {
		return a.CIDR.String()
	}
	if a.IP != nil {
		return a.IP.String()
	}
	return "<nil>"
}

// IsIPv6 reports whether the address is an IPv6 address.
func (a *IPAddr) IsIPv6() bool {
	if a.IP != nil {
		return a.IP.To4() == nil
	}
	if a.CIDR != nil {
		return a.CIDR.IP.To4() == nil
	}
	return false
}

// IsLinkLocal reports whether the address is a link local unicast address.
func (a *IPAddr) IsLinkLocal() bool {
	if a.IP == nil {
		return false
	}
	return a.IP.IsLinkLocalUnicast()
}

// ParseIP parses an address given either in plain or in CIDR notation, CIDR
// inputs keep their network in the returned address.
func ParseIP(ip string) (*IPAddr, error) {
	if ip == "" {
		return nil, ErrEmptyAddress
	}

	addr, network, err := net.ParseCIDR(ip)
	if err == nil {
		return &IPAddr{IP: &addr, CIDR: network}, nil
	}

	addr = net.ParseIP(ip)
	if addr == nil {
		return nil, fmt.Errorf("failed to parse IP address: %s", ip)
	}

	return &IPAddr{IP: &addr}, nil
}

// NetmaskPrefix converts a dotted decimal IPv4 netmask to its prefix length.
func NetmaskPrefix(netmask string) (int, error) {
	mask := net.ParseIP(netmask)
	if mask == nil || mask.To4() == nil {
		return 0, fmt.Errorf("invalid IPv4 netmask: %q", netmask)
	}

	ones, bits := net.IPMask(mask.To4()).Size()
	if ones == 0 && bits == 0 {
		return 0, fmt.Errorf("non contiguous IPv4 netmask: %q", netmask)
	}

	return ones, nil
}

// IPv4Net builds the network of an IPv4 address and its dotted decimal
// netmask.
func IPv4Net(addr, netmask string) (*net.IPNet, error) {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid IPv4 address: %q", addr)
	}

	mask := net.ParseIP(netmask)
	if mask == nil || mask.To4() == nil {
		return nil, fmt.Errorf("invalid IPv4 netmask: %q", netmask)
	}

	return &net.IPNet{IP: ip.To4(), Mask: net.IPMask(mask.To4())}, nil
}

// IPv6Net builds the network of an IPv6 address and its prefix length.
func IPv6Net(addr, prefix string) (*net.IPNet, error) {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() != nil {
		return nil, fmt.Errorf("invalid IPv6 address: %q", addr)
	}

	bits, err := strconv.Atoi(prefix)
	if err != nil || bits < 0 || bits > 128 {
		return nil, fmt.Errorf("invalid IPv6 prefix length: %q", prefix)
	}

	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, 128)}, nil
}
