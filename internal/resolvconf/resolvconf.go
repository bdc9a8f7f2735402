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

// Package resolvconf manages the system resolver file. The file is owned by
// the agent unless the user marks it protected, writes always go through a
// full atomic overwrite.
package resolvconf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/QubesOS/qubes-net-agent/internal/cfg"
	"github.com/QubesOS/qubes-net-agent/internal/policy"
	"github.com/QubesOS/qubes-net-agent/internal/utils/file"
)

// backupSuffixes are editor and package manager backup file suffixes, files
// carrying them are not consulted for protection markers.
var backupSuffixes = []string{"~", ".rpmsave", ".rpmnew", ".rpmold"}

// IsProtected returns true if the resolver file is marked protected. The file
// is protected when any non backup file in the protected files directories
// contains a line exactly matching its path.
func IsProtected() bool {
	target := cfg.Retrieve().Network.ResolvConf

	for _, dir := range strings.Split(cfg.Retrieve().Network.ProtectedFilesDirs, ",") {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			galog.V(2).Debugf("Failed to read protected files dir %q: %v", dir, err)
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || isBackupFile(entry.Name()) {
				continue
			}

			fpath := filepath.Join(dir, entry.Name())
			if containsLine(fpath, target) {
				galog.Debugf("Resolver file %q is marked protected by %q.", target, fpath)
				return true
			}
		}
	}

	return false
}

// isBackupFile returns true if name carries a known backup file suffix.
func isBackupFile(name string) bool {
	for _, suffix := range backupSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// containsLine returns true if the file at fpath has a line exactly matching
// line. Unreadable files never match.
func containsLine(fpath, line string) bool {
	data, err := os.ReadFile(fpath)
	if err != nil {
		galog.V(2).Debugf("Failed to read protected files entry %q: %v", fpath, err)
		return false
	}

	for _, curr := range strings.Split(string(data), "\n") {
		if curr == line {
			return true
		}
	}
	return false
}

// Apply reconciles the resolver file with the given nameservers. A protected
// file is left untouched, with DNS disabled or no primary nameserver
// available the file is cleared rather than left stale.
func Apply(ctx context.Context, primary, secondary string) error {
	if IsProtected() {
		galog.Debugf("Resolver file is protected, skipping update.")
		return nil
	}

	if primary == "" || policy.Enabled(policy.DisableDNSServer) {
		return Clear(ctx)
	}

	return Write(ctx, primary, secondary)
}

// Write writes the resolver file with the given nameservers, secondary may be
// empty. The file is fully overwritten on every call.
func Write(ctx context.Context, primary, secondary string) error {
	target := cfg.Retrieve().Network.ResolvConf

	content := fmt.Sprintf("nameserver %s\n", primary)
	if secondary != "" {
		content += fmt.Sprintf("nameserver %s\n", secondary)
	}

	galog.Debugf("Writing resolver file: %q.", target)
	if err := file.SaferWriteFile(ctx, []byte(content), target, file.Options{Perm: 0644}); err != nil {
		return fmt.Errorf("failed to write resolver file %q: %w", target, err)
	}
	return nil
}

// Clear truncates the resolver file to empty so no stale nameservers are left
// behind.
func Clear(ctx context.Context) error {
	target := cfg.Retrieve().Network.ResolvConf
	galog.Debugf("Clearing resolver file: %q.", target)
	if err := file.SaferWriteFile(ctx, nil, target, file.Options{Perm: 0644}); err != nil {
		return fmt.Errorf("failed to clear resolver file %q: %w", target, err)
	}
	return nil
}

// Nameservers returns the nameserver addresses of the given family (4 or 6)
// currently present in the resolver file. A missing resolver file yields no
// nameservers.
func Nameservers(family int) ([]string, error) {
	if family != 4 && family != 6 {
		return nil, fmt.Errorf("invalid address family: %d", family)
	}

	target := cfg.Retrieve().Network.ResolvConf
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read resolver file %q: %w", target, err)
	}

	var res []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "nameserver") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		// IPv4 nameserver lines carry three dots, IPv6 lines carry colons.
		if family == 4 && strings.Count(line, ".") == 3 {
			res = append(res, fields[1])
		} else if family == 6 && strings.Contains(line, ":") {
			res = append(res, fields[1])
		}
	}

	return res, nil
}
