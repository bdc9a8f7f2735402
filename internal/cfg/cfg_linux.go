//  Copyright 2024 Google Inc. All Rights Reserved.
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

package cfg

const (
	// defaultConfigFile is the path to the agent's config file.
	defaultConfigFile = `/etc/qubes/net-agent.cfg`
	// defaultProfileDir is where NetworkManager loads keyfile profiles from.
	defaultProfileDir = "/etc/NetworkManager/system-connections"
	// defaultServiceFlagDir is where qubes service flags are exposed as files.
	defaultServiceFlagDir = "/var/run/qubes-service"
	// defaultDNSRuntimeFile is where the uplink flow records the upstream
	// nameserver addresses.
	defaultDNSRuntimeFile = "/var/run/qubes/qubes-ns"
)
