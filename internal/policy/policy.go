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

// Package policy exposes the qubes service flags the host sets for this VM.
// A flag is enabled when a file with the service's name exists in the service
// flag directory.
package policy

import (
	"path/filepath"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/QubesOS/qubes-net-agent/internal/cfg"
	"github.com/QubesOS/qubes-net-agent/internal/utils/file"
)

const (
	// DisableDefaultRoute keeps the agent from installing default routes, the
	// host route to the gateway is still added.
	DisableDefaultRoute = "disable-default-route"
	// DisableDNSServer keeps the agent from writing nameservers to the
	// resolver file.
	DisableDNSServer = "disable-dns-server"
	// NetworkManager hands interface configuration over to NetworkManager,
	// the agent emits a connection profile instead of configuring the
	// interface itself.
	NetworkManager = "network-manager"
)

// Enabled returns true if the named qubes service flag is set for this VM.
func Enabled(name string) bool {
	flag := filepath.Join(cfg.Retrieve().Network.ServiceFlagDir, name)
	res := file.Exists(flag, file.TypeFile)
	galog.V(2).Debugf("Qubes service flag %q enabled: %t", name, res)
	return res
}
