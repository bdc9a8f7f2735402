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
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/QubesOS/qubes-net-agent/internal/cfg"
	"github.com/QubesOS/qubes-net-agent/internal/run"
	"github.com/google/go-cmp/cmp"
)

// scriptRunMock records the commands and stdin payloads dispatched to the
// packet filter tools, failing commands matching failPrefix.
type scriptRunMock struct {
	called     []string
	inputs     []string
	failPrefix string
}

func (s *scriptRunMock) WithContext(ctx context.Context, opts run.Options) (*run.Result, error) {
	cmd := strings.Join(append([]string{opts.Name}, opts.Args...), " ")
	s.called = append(s.called, cmd)
	s.inputs = append(s.inputs, opts.Input)
	if s.failPrefix != "" && strings.HasPrefix(cmd, s.failPrefix) {
		return nil, fmt.Errorf("command %q failed", cmd)
	}
	return &run.Result{OutputType: opts.OutputType}, nil
}

// setupRunMock swaps the run client for mock for the duration of the test.
func setupRunMock(t *testing.T, mock *scriptRunMock) {
	t.Helper()
	oldClient := run.Client
	run.Client = mock
	t.Cleanup(func() { run.Client = oldClient })
}

// resolvSetup points the configuration's resolver file at a temp file with
// the given content.
func resolvSetup(t *testing.T, content string) {
	t.Helper()

	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) failed: %v", err)
	}

	fPath := filepath.Join(t.TempDir(), "resolv.conf")
	if err := os.WriteFile(fPath, []byte(content), 0644); err != nil {
		t.Fatalf("os.WriteFile(%q) failed: %v", fPath, err)
	}
	cfg.Retrieve().Network.ResolvConf = fPath

	t.Cleanup(func() {
		if err := cfg.Load(nil); err != nil {
			t.Fatalf("cfg.Load(nil) failed: %v", err)
		}
	})
}

func TestNftablesChainForAddr(t *testing.T) {
	worker := newNftablesWorker()

	tests := []struct {
		name string
		addr string
		want string
	}{
		{name: "ipv4", addr: "10.137.0.10", want: "qbs-10-137-0-10"},
		{name: "ipv6", addr: "fd09:24ef:4179::a89:a", want: "qbs-fd09-24ef-4179--a89-a"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := worker.chainForAddr(tc.addr); got != tc.want {
				t.Errorf("chainForAddr(%q) = %q, want %q", tc.addr, got, tc.want)
			}
		})
	}
}

func TestCollapsePortRange(t *testing.T) {
	tests := []struct {
		name     string
		dstports string
		want     string
	}{
		{name: "single-port", dstports: "53", want: "53"},
		{name: "degenerate-range", dstports: "53-53", want: "53"},
		{name: "real-range", dstports: "80-90", want: "80-90"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := collapsePortRange(tc.dstports); got != tc.want {
				t.Errorf("collapsePortRange(%q) = %q, want %q", tc.dstports, got, tc.want)
			}
		})
	}
}

func TestNftablesInit(t *testing.T) {
	mock := &scriptRunMock{}
	setupRunMock(t, mock)

	worker := newNftablesWorker()
	if err := worker.Init(context.Background()); err != nil {
		t.Fatalf("Init(ctx) failed: %v", err)
	}

	wantScript := `table ip qubes-firewall {
  chain forward {
    type filter hook forward priority 0;
    policy drop;
    ct state established,related accept
  }
}
table ip6 qubes-firewall {
  chain forward {
    type filter hook forward priority 0;
    policy drop;
    ct state established,related accept
  }
}
`
	if diff := cmp.Diff([]string{"nft -f /dev/stdin"}, mock.called); diff != "" {
		t.Errorf("Init(ctx) commands diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{wantScript}, mock.inputs); diff != "" {
		t.Errorf("Init(ctx) scripts diff (-want +got):\n%s", diff)
	}
}

func TestNftablesInitFailure(t *testing.T) {
	mock := &scriptRunMock{failPrefix: "nft"}
	setupRunMock(t, mock)

	worker := newNftablesWorker()
	err := worker.Init(context.Background())
	if err == nil {
		t.Fatal("Init(ctx) succeeded, want error")
	}

	var applyErr *ApplyError
	if !errors.As(err, &applyErr) {
		t.Errorf("Init(ctx) = %v (%T), want *ApplyError", err, err)
	}
}

func TestNftablesCleanup(t *testing.T) {
	mock := &scriptRunMock{}
	setupRunMock(t, mock)

	worker := newNftablesWorker()
	if err := worker.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup(ctx) failed: %v", err)
	}

	want := []string{"delete table ip qubes-firewall\ndelete table ip6 qubes-firewall\n"}
	if diff := cmp.Diff(want, mock.inputs); diff != "" {
		t.Errorf("Cleanup(ctx) scripts diff (-want +got):\n%s", diff)
	}
}

func TestNftablesApplyRules(t *testing.T) {
	createV4 := `table ip qubes-firewall {
  chain qbs-10-137-0-10 {
  }
  chain forward {
    ip saddr 10.137.0.10 jump qbs-10-137-0-10
  }
}
`

	tests := []struct {
		name        string
		addr        string
		rules       []Rule
		resolv      string
		resolved    []string
		resolveErr  bool
		failPrefix  string
		wantScripts []string
		wantErr     bool
		wantParse   bool
	}{
		{
			name:  "policy-only",
			addr:  "10.137.0.10",
			rules: []Rule{{"action": "accept"}},
			wantScripts: []string{createV4, `flush chain ip qubes-firewall qbs-10-137-0-10
table ip qubes-firewall {
  chain qbs-10-137-0-10 {
    accept
  }
}
`},
		},
		{
			name: "proto-dst4-ports",
			addr: "10.137.0.10",
			rules: []Rule{
				{"action": "accept", "proto": "tcp", "dst4": "1.2.3.0/24", "dstports": "80-90"},
				{"action": "drop"},
			},
			wantScripts: []string{createV4, `flush chain ip qubes-firewall qbs-10-137-0-10
table ip qubes-firewall {
  chain qbs-10-137-0-10 {
    ip protocol tcp ip daddr 1.2.3.0/24 tcp dport 80-90 accept
    drop
  }
}
`},
		},
		{
			name: "protoless-ports-collapse",
			addr: "10.137.0.10",
			rules: []Rule{
				{"action": "accept", "dstports": "53-53"},
				{"action": "drop"},
			},
			wantScripts: []string{createV4, `flush chain ip qubes-firewall qbs-10-137-0-10
table ip qubes-firewall {
  chain qbs-10-137-0-10 {
    tcp dport 53 accept
    udp dport 53 accept
    drop
  }
}
`},
		},
		{
			name: "dsthost-resolved",
			addr: "10.137.0.10",
			rules: []Rule{
				{"action": "accept", "dsthost": "www.qubes-os.org"},
				{"action": "drop"},
			},
			resolved: []string{"93.184.216.34", "1.0.0.1"},
			wantScripts: []string{createV4, `flush chain ip qubes-firewall qbs-10-137-0-10
table ip qubes-firewall {
  chain qbs-10-137-0-10 {
    ip daddr { 1.0.0.1/32, 93.184.216.34/32 } accept
    drop
  }
}
`},
		},
		{
			name: "specialtarget-dns",
			addr: "10.137.0.10",
			rules: []Rule{
				{"action": "accept", "specialtarget": "dns"},
				{"action": "drop"},
			},
			resolv: "nameserver 10.139.1.1\nnameserver 10.139.1.2\n",
			wantScripts: []string{createV4, `flush chain ip qubes-firewall qbs-10-137-0-10
table ip qubes-firewall {
  chain qbs-10-137-0-10 {
    ip daddr { 10.139.1.1/32, 10.139.1.2/32 } tcp dport 53 accept
    ip daddr { 10.139.1.1/32, 10.139.1.2/32 } udp dport 53 accept
    drop
  }
}
`},
		},
		{
			name: "specialtarget-dns-other-port-skipped",
			addr: "10.137.0.10",
			rules: []Rule{
				{"action": "accept", "specialtarget": "dns", "dstports": "443"},
				{"action": "drop"},
			},
			resolv: "nameserver 10.139.1.1\n",
			wantScripts: []string{createV4, `flush chain ip qubes-firewall qbs-10-137-0-10
table ip qubes-firewall {
  chain qbs-10-137-0-10 {
    drop
  }
}
`},
		},
		{
			name: "specialtarget-dns-no-nameservers-skipped",
			addr: "10.137.0.10",
			rules: []Rule{
				{"action": "accept", "specialtarget": "dns"},
				{"action": "drop"},
			},
			wantScripts: []string{createV4, `flush chain ip qubes-firewall qbs-10-137-0-10
table ip qubes-firewall {
  chain qbs-10-137-0-10 {
    drop
  }
}
`},
		},
		{
			name: "ipv6-icmp",
			addr: "fd09:24ef:4179::a89:a",
			rules: []Rule{
				{"action": "accept", "proto": "icmp", "icmptype": "128"},
				{"action": "drop"},
			},
			wantScripts: []string{`table ip6 qubes-firewall {
  chain qbs-fd09-24ef-4179--a89-a {
  }
  chain forward {
    ip6 saddr fd09:24ef:4179::a89:a jump qbs-fd09-24ef-4179--a89-a
  }
}
`, `flush chain ip6 qubes-firewall qbs-fd09-24ef-4179--a89-a
table ip6 qubes-firewall {
  chain qbs-fd09-24ef-4179--a89-a {
    ip6 nexthdr icmpv6 icmpv6 type 128 accept
    drop
  }
}
`},
		},
		{
			name:        "unsupported-option",
			addr:        "10.137.0.10",
			rules:       []Rule{{"action": "accept", "dstmac": "00:16:3e:5e:6c:00"}},
			wantScripts: []string{createV4},
			wantErr:     true,
			wantParse:   true,
		},
		{
			name:        "dst6-on-ipv4",
			addr:        "10.137.0.10",
			rules:       []Rule{{"action": "accept", "dst6": "::1"}},
			wantScripts: []string{createV4},
			wantErr:     true,
			wantParse:   true,
		},
		{
			name:        "resolve-failure",
			addr:        "10.137.0.10",
			rules:       []Rule{{"action": "accept", "dsthost": "nosuch.invalid"}},
			resolveErr:  true,
			wantScripts: []string{createV4},
			wantErr:     true,
			wantParse:   true,
		},
		{
			name:        "nft-failure",
			addr:        "10.137.0.10",
			rules:       []Rule{{"action": "accept"}},
			failPrefix:  "nft",
			wantScripts: []string{createV4},
			wantErr:     true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resolvSetup(t, tc.resolv)

			mock := &scriptRunMock{failPrefix: tc.failPrefix}
			setupRunMock(t, mock)

			oldLookupIP := lookupIP
			t.Cleanup(func() { lookupIP = oldLookupIP })
			lookupIP = func(ctx context.Context, network, host string) ([]net.IP, error) {
				if tc.resolveErr {
					return nil, fmt.Errorf("lookup %s: no such host", host)
				}
				var ips []net.IP
				for _, addr := range tc.resolved {
					ips = append(ips, net.ParseIP(addr))
				}
				return ips, nil
			}

			worker := newNftablesWorker()
			err := worker.ApplyRules(context.Background(), tc.addr, tc.rules)
			if (err == nil) == tc.wantErr {
				t.Fatalf("ApplyRules(ctx, %q, %v) = error %v, want error: %t", tc.addr, tc.rules, err, tc.wantErr)
			}

			var parseErr *ParseError
			if gotParse := errors.As(err, &parseErr); gotParse != tc.wantParse {
				t.Errorf("ApplyRules(ctx, %q, %v) = error %v, parse error: %t, want parse error: %t", tc.addr, tc.rules, err, gotParse, tc.wantParse)
			}

			if diff := cmp.Diff(tc.wantScripts, mock.inputs); diff != "" {
				t.Errorf("ApplyRules(ctx, %q, %v) scripts diff (-want +got):\n%s", tc.addr, tc.rules, diff)
			}
		})
	}
}

func TestNftablesApplyRulesChainCache(t *testing.T) {
	resolvSetup(t, "")
	mock := &scriptRunMock{}
	setupRunMock(t, mock)

	ctx := context.Background()
	worker := newNftablesWorker()

	if err := worker.ApplyRules(ctx, "10.137.0.10", []Rule{{"action": "accept"}}); err != nil {
		t.Fatalf("ApplyRules(ctx, 10.137.0.10, accept) failed: %v", err)
	}
	if err := worker.ApplyRules(ctx, "10.137.0.10", []Rule{{"action": "drop"}}); err != nil {
		t.Fatalf("ApplyRules(ctx, 10.137.0.10, drop) failed: %v", err)
	}

	if len(mock.inputs) != 3 {
		t.Fatalf("ApplyRules(ctx, 10.137.0.10, ...) ran %d scripts, want 3", len(mock.inputs))
	}
	for _, script := range mock.inputs[1:] {
		if strings.Contains(script, "saddr") {
			t.Errorf("ApplyRules(ctx, 10.137.0.10, ...) re-created the chain:\n%s", script)
		}
	}
}
