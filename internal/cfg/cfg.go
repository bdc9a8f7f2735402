//  Copyright 2023 Google Inc. All Rights Reserved.
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

// Package cfg is responsible for loading and accessing the network agent
// configuration.
package cfg

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/template"

	"github.com/GoogleCloudPlatform/galog"
	"gopkg.in/ini.v1"
)

var (
	// instance is the loaded configuration, set by Load() and handed out by
	// Retrieve().
	instance *Sections

	// dataSources resolves the list of configuration sources consulted by
	// Load(), tests point it at fixed data.
	dataSources = defaultDataSources

	// defaultConfigValues feeds the platform path defaults into the
	// configuration template.
	defaultConfigValues = map[string]string{
		"profileDir":     defaultProfileDir,
		"serviceFlagDir": defaultServiceFlagDir,
		"dnsRuntimeFile": defaultDNSRuntimeFile,
	}

	// panicFc stands in for panic() so tests can intercept it.
	panicFc = panicWrapper

	// cfgMu guards instance.
	cfgMu sync.RWMutex
)

const (
	// defaultConfigTemplate renders the built in defaults of every section,
	// the platform dependent paths are filled in from defaultConfigValues.
	defaultConfigTemplate = `
[Core]
log_level = 3
log_verbosity = 0
log_file =

[QubesDB]
command_timeout = 10s

[Network]
profile_dir = {{.profileDir}}
resolv_conf = /etc/resolv.conf
protected_files_dirs = /etc/qubes/protected-files.d,/rw/config/protected-files.d
service_flag_dir = {{.serviceFlagDir}}
ip_change_hook = /rw/config/qubes-ip-change-hook

[Uplink]
interface = eth0
dns_runtime_file = {{.dnsRuntimeFile}}
dnat_script = /usr/lib/qubes/qubes-setup-dnat-to-ns

[Firewall]
script_dirs = /etc/qubes/qubes-firewall.d,/rw/config/qubes-firewall.d
user_script = /rw/config/qubes-firewall-user-script
`
)

// Sections groups every configuration section of the agent.
type Sections struct {
	// Core defines the core agent's configuration entries/keys.
	Core *Core `ini:"Core,omitempty"`

	// QubesDB defines the behavior of the qubesdb command line clients.
	QubesDB *QubesDB `ini:"QubesDB,omitempty"`

	// Network defines the paths and directories involved in the interface
	// configuration flow.
	Network *Network `ini:"Network,omitempty"`

	// Uplink defines the gateway/uplink enabling configuration entries.
	Uplink *Uplink `ini:"Uplink,omitempty"`

	// Firewall defines the firewall daemon configuration entries.
	Firewall *Firewall `ini:"Firewall,omitempty"`
}

// Core contains the agent wide configuration entries, everything not owned by
// a single subsystem.
type Core struct {
	// LogLevel defines the log level of the agent. The command line flag wins
	// over this entry.
	LogLevel int `ini:"log_level,omitempty"`
	// LogVerbosity defines the log verbosity of the agent. The command line
	// flag wins over this entry.
	LogVerbosity int `ini:"log_verbosity,omitempty"`
	// LogFile defines the log file of the agent. The command line flag wins
	// over this entry.
	LogFile string `ini:"log_file,omitempty"`
	// Version is the version of the running binary. It is set at startup right
	// after the configuration is loaded, values coming from config files are
	// ignored.
	Version string `ini:"-"`
}

// QubesDB contains the configurations of the QubesDB section.
type QubesDB struct {
	// CommandTimeout defines how long a single qubesdb command line invocation
	// is allowed to run, expressed in time.ParseDuration() notation. It doesn't
	// apply to the streaming watch subprocess.
	CommandTimeout string `ini:"command_timeout,omitempty"`
}

// Network contains the configurations of the Network section.
type Network struct {
	// ProfileDir defines where NetworkManager keyfile profiles are emitted.
	ProfileDir string `ini:"profile_dir,omitempty"`
	// ResolvConf defines the resolver file managed by the agent.
	ResolvConf string `ini:"resolv_conf,omitempty"`
	// ProtectedFilesDirs is a comma separated list of directories scanned for
	// protected file registrations. A file registered in any of them is never
	// touched by the agent.
	ProtectedFilesDirs string `ini:"protected_files_dirs,omitempty"`
	// ServiceFlagDir is the directory where qubes service flags are exposed as
	// plain files.
	ServiceFlagDir string `ini:"service_flag_dir,omitempty"`
	// IPChangeHook is a user provided executable run after a successful
	// interface configuration, skipped if not present.
	IPChangeHook string `ini:"ip_change_hook,omitempty"`
}

// Uplink contains the configurations of the Uplink section.
type Uplink struct {
	// Interface is the uplink interface name.
	Interface string `ini:"interface,omitempty"`
	// DNSRuntimeFile is where the upstream nameserver addresses are recorded
	// for the DNAT redirection setup.
	DNSRuntimeFile string `ini:"dns_runtime_file,omitempty"`
	// DNATScript is the helper setting up the DNS DNAT redirection.
	DNATScript string `ini:"dnat_script,omitempty"`
}

// Firewall contains the configurations of the Firewall section.
type Firewall struct {
	// ScriptDirs is a comma separated list of directories whose executable
	// entries are run, in lexical order, before rule enforcement starts.
	ScriptDirs string `ini:"script_dirs,omitempty"`
	// UserScript is a user provided executable run after the script
	// directories, skipped if not present.
	UserScript string `ini:"user_script,omitempty"`
}

// panicWrapper adapts panic() to the panicFc signature.
func panicWrapper(args ...any) {
	panic(args)
}

func applyTemplate(templateStr string, data map[string]string, buffer io.Writer) error {
	t, err := template.New("").Parse(templateStr)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}
	err = t.Execute(buffer, data)
	if err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	return nil
}

func defaultDataSources(extraDefaults []byte) []any {
	var res []any

	if len(extraDefaults) > 0 {
		res = append(res, extraDefaults)
	}

	return append(res, []any{
		defaultConfigFile,
		defaultConfigFile + ".distro",
		defaultConfigFile + ".template",
	}...)
}

// Load parses the built in defaults and overlays the configuration files on
// top of them. The optional extraDefaults source sits between the two.
func Load(extraDefaults []byte) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	opts := ini.LoadOptions{
		Loose:       true,
		Insensitive: true,
	}

	var buffer bytes.Buffer
	err := applyTemplate(defaultConfigTemplate, defaultConfigValues, &buffer)
	if err != nil {
		return fmt.Errorf("unable to apply %v to config template: %w", defaultConfigValues, err)
	}

	sources := dataSources(extraDefaults)
	galog.V(3).Debugf("Loading configuration from sources: %v", sources)
	cfg, err := ini.LoadSources(opts, buffer.Bytes(), sources...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	sections := new(Sections)
	if err := cfg.MapTo(sections); err != nil {
		return fmt.Errorf("failed to map configuration to object: %w", err)
	}

	instance = sections
	return nil
}

// Retrieve returns the configuration instance, Load() must have run first.
func Retrieve() *Sections {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	if instance == nil {
		panicFc("cfg package was not initialized, Load() should be called in the early initialization code path")
	}
	return instance
}

// ToString renders the configuration previously loaded with Load() back into
// its ini file representation.
func ToString() (string, error) {
	buffer := new(bytes.Buffer)

	cfg := ini.Empty()
	if err := ini.ReflectFrom(cfg, Retrieve()); err != nil {
		return "", fmt.Errorf("failed to reflect configuration to object: %w", err)
	}

	if _, err := cfg.WriteTo(buffer); err != nil {
		return "", fmt.Errorf("failed to write configuration to buffer: %w", err)
	}

	return strings.TrimSpace(buffer.String()), nil
}
