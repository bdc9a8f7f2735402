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
	"fmt"
	"strings"

	"github.com/QubesOS/qubes-net-agent/internal/run"
)

// nftTable is the nftables table holding all agent managed chains.
const nftTable = "qubes-firewall"

// nftablesWorker enforces rule sets through the nft tool.
type nftablesWorker struct {
	// chains tracks the per family chains already created.
	chains map[int]map[string]bool
}

// newNftablesWorker creates an nftables backed enforcement worker.
func newNftablesWorker() *nftablesWorker {
	return &nftablesWorker{
		chains: map[int]map[string]bool{
			4: make(map[string]bool),
			6: make(map[string]bool),
		},
	}
}

// familyMatch returns the nftables address family keyword.
func familyMatch(family int) string {
	if family == 6 {
		return "ip6"
	}
	return "ip"
}

// chainForAddr generates the chain name of the given source address.
func (nw *nftablesWorker) chainForAddr(addr string) string {
	return "qbs-" + strings.NewReplacer(".", "-", ":", "-").Replace(addr)
}

// runNft feeds script to the nft tool over stdin.
func (nw *nftablesWorker) runNft(ctx context.Context, script string) error {
	opts := run.Options{
		OutputType: run.OutputNone,
		Name:       "nft",
		Args:       []string{"-f", "/dev/stdin"},
		Input:      script,
	}
	if _, err := run.WithContext(ctx, opts); err != nil {
		return applyErrorf("nft failed: %s: %v", script, err)
	}
	return nil
}

// Init creates the forward filtering tables of both families. Forwarded
// traffic is dropped unless a per source chain accepts it, established
// connection state is accepted upfront.
func (nw *nftablesWorker) Init(ctx context.Context) error {
	var script strings.Builder
	for _, family := range []string{"ip", "ip6"} {
		script.WriteString(fmt.Sprintf(`table %s %s {
  chain forward {
    type filter hook forward priority 0;
    policy drop;
    ct state established,related accept
  }
}
`, family, nftTable))
	}
	return nw.runNft(ctx, script.String())
}

// Cleanup deletes the agent managed tables of both families.
func (nw *nftablesWorker) Cleanup(ctx context.Context) error {
	return nw.runNft(ctx, fmt.Sprintf("delete table ip %s\ndelete table ip6 %s\n", nftTable, nftTable))
}

// createChain creates the source address chain and hooks the address'
// forwarded traffic into it.
func (nw *nftablesWorker) createChain(ctx context.Context, addr, chain string, family int) error {
	script := fmt.Sprintf(`table %[1]s %[2]s {
  chain %[3]s {
  }
  chain forward {
    %[1]s saddr %[4]s jump %[3]s
  }
}
`, familyMatch(family), nftTable, chain, addr)

	if err := nw.runNft(ctx, script); err != nil {
		return err
	}
	nw.chains[family][chain] = true
	return nil
}

// ApplyRules enforces the rule set for the traffic sourced from addr,
// atomically replacing the previously enforced set.
func (nw *nftablesWorker) ApplyRules(ctx context.Context, addr string, rules []Rule) error {
	family := familyOf(addr)
	chain := nw.chainForAddr(addr)

	if !nw.chains[family][chain] {
		if err := nw.createChain(ctx, addr, chain, family); err != nil {
			return err
		}
	}

	script, err := nw.prepareRules(ctx, chain, rules, family)
	if err != nil {
		return err
	}
	return nw.runNft(ctx, script)
}

// prepareRules renders the nft script flushing and refilling chain with the
// translated rule set.
func (nw *nftablesWorker) prepareRules(ctx context.Context, chain string, rules []Rule, family int) (string, error) {
	ipMatch := familyMatch(family)

	dns, err := dnsAddresses(family)
	if err != nil {
		return "", err
	}

	var nftRules []string
	for _, rule := range rules {
		if err := checkRule(rule, family); err != nil {
			return "", err
		}

		var fragment strings.Builder

		if proto, found := rule["proto"]; found {
			if family == 6 {
				if proto == "icmp" {
					proto = "icmpv6"
				}
				fragment.WriteString(" ip6 nexthdr " + proto)
			} else {
				fragment.WriteString(" ip protocol " + proto)
			}
		}

		if dst4, found := rule["dst4"]; found {
			fragment.WriteString(" ip daddr " + dst4)
		} else if dst6, found := rule["dst6"]; found {
			fragment.WriteString(" ip6 daddr " + dst6)
		} else if dsthost, found := rule["dsthost"]; found {
			addrs, err := resolveDsthost(ctx, dsthost, family)
			if err != nil {
				return "", err
			}
			fragment.WriteString(fmt.Sprintf(" %s daddr { %s }", ipMatch, strings.Join(addrs, ", ")))
		}

		dstports, hasPorts := rule["dstports"]
		if hasPorts {
			dstports = collapsePortRange(dstports)
		}

		if rule["specialtarget"] == "dns" {
			// Rules constrained to a non dns port cannot match dns traffic.
			if hasPorts && dstports != "53" {
				continue
			}
			dstports, hasPorts = "53", true
			if len(dns) == 0 {
				continue
			}
			fragment.WriteString(fmt.Sprintf(" %s daddr { %s }", ipMatch, strings.Join(dns, ", ")))
		}

		if icmptype, found := rule["icmptype"]; found {
			if family == 6 {
				fragment.WriteString(" icmpv6 type " + icmptype)
			} else {
				fragment.WriteString(" icmp type " + icmptype)
			}
		}

		action := rule["action"]
		if hasPorts {
			if _, found := rule["proto"]; !found {
				// Without a protocol constraint the port match applies to both
				// tcp and udp.
				nftRules = append(nftRules,
					fmt.Sprintf("%s tcp dport %s %s", fragment.String(), dstports, action),
					fmt.Sprintf("%s udp dport %s %s", fragment.String(), dstports, action))
			} else {
				nftRules = append(nftRules, fmt.Sprintf("%s %s dport %s %s", fragment.String(), rule["proto"], dstports, action))
			}
		} else {
			nftRules = append(nftRules, fragment.String()+" "+action)
		}
	}

	return fmt.Sprintf(`flush chain %[1]s %[2]s %[3]s
table %[1]s %[2]s {
  chain %[3]s {
   %[4]s
  }
}
`, ipMatch, nftTable, chain, strings.Join(nftRules, "\n   ")), nil
}

// collapsePortRange reduces a degenerate port range (all bounds equal) to the
// single port form nft expects.
func collapsePortRange(dstports string) string {
	bounds := strings.Split(dstports, "-")
	for _, bound := range bounds {
		if bound != bounds[0] {
			return dstports
		}
	}
	return bounds[0]
}
