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

package firewall

import (
	"context"
	"sort"
	"strings"

	"github.com/QubesOS/qubes-net-agent/internal/run"
)

// forwardChain is the chain all per source chains hook into. The distribution
// setup is expected to have created it and wired it into FORWARD already.
const forwardChain = "QBS-FORWARD"

// iptablesWorker enforces rule sets through the iptables tools.
type iptablesWorker struct {
	// chains tracks the per family chains already created.
	chains map[int]map[string]bool
}

// newIptablesWorker creates an iptables backed enforcement worker.
func newIptablesWorker() *iptablesWorker {
	return &iptablesWorker{
		chains: map[int]map[string]bool{
			4: make(map[string]bool),
			6: make(map[string]bool),
		},
	}
}

// iptName returns the family's iptables tool name.
func iptName(family int) string {
	if family == 6 {
		return "ip6tables"
	}
	return "iptables"
}

// chainForAddr generates the chain name of the given source address, keeping
// within the iptables chain name length limit.
func (iw *iptablesWorker) chainForAddr(addr string) string {
	translated := strings.NewReplacer(".", "-", ":", "-").Replace(addr)
	if len(translated) > 20 {
		translated = translated[len(translated)-20:]
	}
	return "qbs-" + translated
}

// runIpt runs the family's iptables tool with the given arguments.
func (iw *iptablesWorker) runIpt(ctx context.Context, family int, args ...string) error {
	opts := run.Options{
		OutputType: run.OutputNone,
		Name:       iptName(family),
		Args:       args,
	}
	if _, err := run.WithContext(ctx, opts); err != nil {
		return applyErrorf("'%s %s' failed: %v", iptName(family), strings.Join(args, " "), err)
	}
	return nil
}

// runIptRestore feeds payload to the family's iptables-restore tool without
// flushing the chains the payload does not mention.
func (iw *iptablesWorker) runIptRestore(ctx context.Context, family int, payload string) error {
	name := iptName(family) + "-restore"
	opts := run.Options{
		OutputType: run.OutputNone,
		Name:       name,
		Args:       []string{"-n"},
		Input:      payload,
	}
	if _, err := run.WithContext(ctx, opts); err != nil {
		return applyErrorf("%s failed: %v", name, err)
	}
	return nil
}

// Init flushes the agent managed forward chain of both families and resets it
// to dropping everything no per source chain accepted.
func (iw *iptablesWorker) Init(ctx context.Context) error {
	for _, family := range []int{4, 6} {
		if err := iw.runIpt(ctx, family, "-F", forwardChain); err != nil {
			return applyErrorf("'%s' chain not found, create it first: %v", forwardChain, err)
		}
		if err := iw.runIpt(ctx, family, "-A", forwardChain, "-j", "DROP"); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup flushes the forward chain and removes all per source chains. Every
// removal is attempted even when earlier ones fail, the first failure is
// reported.
func (iw *iptablesWorker) Cleanup(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, family := range []int{4, 6} {
		record(iw.runIpt(ctx, family, "-F", forwardChain))

		chains := make([]string, 0, len(iw.chains[family]))
		for chain := range iw.chains[family] {
			chains = append(chains, chain)
		}
		sort.Strings(chains)

		for _, chain := range chains {
			record(iw.runIpt(ctx, family, "-F", chain))
			record(iw.runIpt(ctx, family, "-X", chain))
			delete(iw.chains[family], chain)
		}
	}
	return firstErr
}

// createChain creates the source address chain and hooks the address'
// forwarded traffic into it.
func (iw *iptablesWorker) createChain(ctx context.Context, addr, chain string, family int) error {
	if err := iw.runIpt(ctx, family, "-N", chain); err != nil {
		return err
	}
	if err := iw.runIpt(ctx, family, "-I", forwardChain, "-s", addr, "-j", chain); err != nil {
		return err
	}
	iw.chains[family][chain] = true
	return nil
}

// ApplyRules enforces the rule set for the traffic sourced from addr.
func (iw *iptablesWorker) ApplyRules(ctx context.Context, addr string, rules []Rule) error {
	family := familyOf(addr)
	chain := iw.chainForAddr(addr)

	if !iw.chains[family][chain] {
		if err := iw.createChain(ctx, addr, chain, family); err != nil {
			return err
		}
	}

	payload, err := iw.prepareRules(ctx, chain, rules, family)
	if err != nil {
		return err
	}

	if err := iw.runIpt(ctx, family, "-F", chain); err != nil {
		return err
	}
	return iw.runIptRestore(ctx, family, payload)
}

// prepareRules renders the iptables-restore payload refilling chain with the
// translated rule set.
func (iw *iptablesWorker) prepareRules(ctx context.Context, chain string, rules []Rule, family int) (string, error) {
	var payload strings.Builder
	payload.WriteString("*filter\n")

	dns, err := dnsAddresses(family)
	if err != nil {
		return "", err
	}

	for _, rule := range rules {
		if err := checkRule(rule, family); err != nil {
			return "", err
		}

		var protos []string
		if proto, found := rule["proto"]; found {
			if family == 6 && proto == "icmp" {
				proto = "icmpv6"
			}
			protos = []string{proto}
		}

		var dsthosts []string
		if dst4, found := rule["dst4"]; found {
			dsthosts = []string{dst4}
		} else if dst6, found := rule["dst6"]; found {
			dsthosts = []string{dst6}
		} else if dsthost, found := rule["dsthost"]; found {
			if dsthosts, err = resolveDsthost(ctx, dsthost, family); err != nil {
				return "", err
			}
		}

		dstports, hasPorts := rule["dstports"]
		if hasPorts {
			dstports = strings.ReplaceAll(dstports, "-", ":")
		}

		if rule["specialtarget"] == "dns" {
			// Rules constrained to a non dns port cannot match dns traffic.
			if hasPorts && dstports != "53:53" {
				continue
			}
			dstports, hasPorts = "53:53", true
			if len(dns) == 0 {
				continue
			}
			if protos != nil {
				protos = intersect(protos, []string{"tcp", "udp"})
			} else {
				protos = []string{"tcp", "udp"}
			}
			if dsthosts != nil {
				dsthosts = intersect(dsthosts, dns)
			} else {
				dsthosts = dns
			}
		}

		icmptype, hasIcmptype := rule["icmptype"]

		// An absent constraint matches unconstrained. An emptied out
		// intersection stays empty and emits no rule at all, such a rule can
		// never match.
		if protos == nil {
			protos = []string{""}
		}
		if dsthosts == nil {
			dsthosts = []string{""}
		}
		sort.Strings(protos)
		sort.Strings(dsthosts)

		for _, proto := range protos {
			for _, dsthost := range dsthosts {
				payload.WriteString("-A " + chain)
				if dsthost != "" {
					payload.WriteString(" -d " + dsthost)
				}
				if proto != "" {
					payload.WriteString(" -p " + proto)
				}
				if hasPorts {
					payload.WriteString(" --dport " + dstports)
				}
				if hasIcmptype {
					payload.WriteString(" --icmp-type " + icmptype)
				}
				payload.WriteString(" -j " + strings.ToUpper(rule["action"]) + "\n")
			}
		}
	}

	payload.WriteString("COMMIT\n")
	return payload.String(), nil
}
