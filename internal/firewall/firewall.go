//  Copyright 2024 Google LLC
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package firewall enforces the per VM firewall rule sets distributed through
// QubesDB. Rule sets are translated to nftables chains when the nft tool is
// available, to iptables chains otherwise. A rule set that fails to parse or
// to apply degrades to blocking the source address entirely.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"slices"
	"sort"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/QubesOS/qubes-net-agent/internal/qubesdb"
	"github.com/QubesOS/qubes-net-agent/internal/resolvconf"
	"github.com/QubesOS/qubes-net-agent/internal/run"
)

// rulesPrefix is the QubesDB subtree holding the per source address rule
// sets.
const rulesPrefix = "/qubes-firewall/"

var (
	// execLookPath is a mockable version of exec.LookPath.
	execLookPath = exec.LookPath

	// lookupIP resolves a dsthost rule value within the given network ("ip4"
	// or "ip6"). This is used for testing.
	lookupIP = func(ctx context.Context, network, host string) ([]net.IP, error) {
		return net.DefaultResolver.LookupIP(ctx, network, host)
	}

	// supportedRuleOpts are the rule options the workers know how to
	// translate.
	supportedRuleOpts = []string{"action", "proto", "dst4", "dst6", "dsthost", "dstports", "specialtarget", "icmptype"}
)

// Rule is a single parsed firewall rule, a flat option to value mapping.
type Rule map[string]string

// ParseError reports a malformed rule set. Enforcement reacts to it by
// blocking the source address entirely.
type ParseError struct {
	msg string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return e.msg
}

// parseErrorf creates a ParseError with a formatted message.
func parseErrorf(format string, args ...any) error {
	return &ParseError{msg: fmt.Sprintf(format, args...)}
}

// ApplyError reports a rule set the backing packet filter tool rejected or
// failed to install.
type ApplyError struct {
	msg string
}

// Error implements the error interface.
func (e *ApplyError) Error() string {
	return e.msg
}

// applyErrorf creates an ApplyError with a formatted message.
func applyErrorf(format string, args ...any) error {
	return &ApplyError{msg: fmt.Sprintf(format, args...)}
}

// Worker translates parsed rule sets into a packet filter backend.
type Worker interface {
	// Init creates the tables and chains rule enforcement hooks into.
	Init(ctx context.Context) error
	// Cleanup removes everything Init and ApplyRules created.
	Cleanup(ctx context.Context) error
	// ApplyRules enforces rules for the traffic sourced from addr.
	ApplyRules(ctx context.Context, addr string, rules []Rule) error
}

// NewWorker returns the enforcement worker matching the available packet
// filter tooling, preferring nftables.
func NewWorker() Worker {
	if _, err := execLookPath("nft"); err == nil {
		return newNftablesWorker()
	}
	galog.Debugf("nft tool not found, falling back to iptables.")
	return newIptablesWorker()
}

// ReadRules loads and parses the rule set of the given target address. Rules
// apply in their numbering order, the target's policy is appended as the
// final catch all rule.
func ReadRules(ctx context.Context, client qubesdb.ClientInterface, target string) ([]Rule, error) {
	entries, err := client.MultiRead(ctx, rulesPrefix+target+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to read rules of %s: %w", target, err)
	}

	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var rules []Rule
	for _, ruleno := range keys {
		if ruleno == "policy" {
			continue
		}

		body := entries[ruleno]
		if !isRuleNumber(ruleno) {
			return nil, parseErrorf("unexpected non-rule found: %s=%s", ruleno, body)
		}

		rule := make(Rule)
		for _, elem := range strings.Split(body, " ") {
			opt, value, found := strings.Cut(elem, "=")
			if !found {
				return nil, parseErrorf("malformed element %q in rule %q", elem, body)
			}
			rule[opt] = value
		}

		if _, found := rule["action"]; !found {
			return nil, parseErrorf("rule %q lacks action", body)
		}
		rules = append(rules, rule)
	}

	policy, found := entries["policy"]
	if !found {
		return nil, parseErrorf("no 'policy' defined")
	}

	return append(rules, Rule{"action": policy}), nil
}

// isRuleNumber reports whether key looks like a four digit rule sequence
// number.
func isRuleNumber(key string) bool {
	if len(key) != 4 {
		return false
	}
	for _, r := range key {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ListTargets returns the source addresses rule sets are defined for, sorted.
func ListTargets(ctx context.Context, client qubesdb.ClientInterface) ([]string, error) {
	paths, err := client.List(ctx, rulesPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list firewall targets: %w", err)
	}

	seen := make(map[string]bool)
	var targets []string
	for _, path := range paths {
		parts := strings.Split(path, "/")
		if len(parts) < 3 || parts[2] == "" || seen[parts[2]] {
			continue
		}
		seen[parts[2]] = true
		targets = append(targets, parts[2])
	}

	sort.Strings(targets)
	return targets, nil
}

// HandleAddr loads and enforces the rule set of the given source address. A
// rule set that cannot be read, parsed or applied degrades to blocking the
// address entirely.
func HandleAddr(ctx context.Context, worker Worker, client qubesdb.ClientInterface, addr string) {
	err := applyCurrent(ctx, worker, client, addr)
	if err == nil {
		return
	}

	var applyErr *ApplyError
	if errors.As(err, &applyErr) {
		logError(ctx, fmt.Sprintf("Failed to apply rules for %s (%v), blocking traffic", addr, err))
	} else {
		logError(ctx, fmt.Sprintf("Failed to parse rules for %s (%v), blocking traffic", addr, err))
	}

	if err := worker.ApplyRules(ctx, addr, []Rule{{"action": "drop"}}); err != nil {
		logError(ctx, fmt.Sprintf("Failed to block traffic for %s", addr))
	}
}

// applyCurrent loads and applies the current rule set of addr.
func applyCurrent(ctx context.Context, worker Worker, client qubesdb.ClientInterface, addr string) error {
	rules, err := ReadRules(ctx, client, addr)
	if err != nil {
		return err
	}
	return worker.ApplyRules(ctx, addr, rules)
}

// logError logs an enforcement failure and makes a best effort attempt at
// surfacing it to the user as a desktop notification.
func logError(ctx context.Context, msg string) {
	galog.Errorf("%s", msg)

	opts := run.Options{
		OutputType: run.OutputNone,
		Name:       "notify-send",
		Args:       []string{"-t", "3000", msg},
	}
	if _, err := run.WithContext(ctx, opts); err != nil {
		galog.V(2).Debugf("Failed to display notification: %v", err)
	}
}

// familyOf returns the IP family (4 or 6) of addr.
func familyOf(addr string) int {
	if strings.Contains(addr, ":") {
		return 6
	}
	return 4
}

// fullmask returns the single address mask suffix of the family.
func fullmask(family int) string {
	if family == 6 {
		return "/128"
	}
	return "/32"
}

// checkRule validates the rule options against the supported set and the
// address family constraints.
func checkRule(rule Rule, family int) error {
	var unsupported []string
	for opt := range rule {
		if !slices.Contains(supportedRuleOpts, opt) {
			unsupported = append(unsupported, opt)
		}
	}
	if len(unsupported) > 0 {
		sort.Strings(unsupported)
		return parseErrorf("unsupported rule option(s): %v", unsupported)
	}

	if _, found := rule["dst4"]; found && family == 6 {
		return parseErrorf("IPv4 rule found for IPv6 address")
	}
	if _, found := rule["dst6"]; found && family == 4 {
		return parseErrorf("dst6 rule found for IPv4 address")
	}
	return nil
}

// resolveDsthost resolves a dsthost rule value to the family's addresses,
// deduplicated, suffixed with the full length mask and sorted for stable rule
// output.
func resolveDsthost(ctx context.Context, host string, family int) ([]string, error) {
	network := "ip4"
	if family == 6 {
		network = "ip6"
	}

	ips, err := lookupIP(ctx, network, host)
	if err != nil {
		return nil, parseErrorf("failed to resolve %s: %v", host, err)
	}

	seen := make(map[string]bool)
	addrs := []string{}
	for _, ip := range ips {
		addr := ip.String() + fullmask(family)
		if !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}

	sort.Strings(addrs)
	return addrs, nil
}

// dnsAddresses returns the current nameserver addresses of the family
// suffixed with the full length mask, sorted for stable rule output.
func dnsAddresses(family int) ([]string, error) {
	servers, err := resolvconf.Nameservers(family)
	if err != nil {
		return nil, parseErrorf("failed to read nameserver addresses: %v", err)
	}

	var addrs []string
	for _, server := range servers {
		addrs = append(addrs, server+fullmask(family))
	}

	sort.Strings(addrs)
	return addrs, nil
}

// intersect returns the values also present in keep, preserving the values
// order. The result is never nil, a nil constraint slice means unconstrained
// while an empty one matches nothing.
func intersect(values, keep []string) []string {
	res := []string{}
	for _, curr := range values {
		if slices.Contains(keep, curr) {
			res = append(res, curr)
		}
	}
	return res
}
