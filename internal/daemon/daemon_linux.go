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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/QubesOS/qubes-net-agent/internal/run"
)

func init() {
	Client = systemdClient{}
}

// systemdClient implements ClientInterface on top of systemctl.
type systemdClient struct{}

// UnitActive reports whether a systemd unit is active. systemctl is-active
// exits non zero for any unit that is not running, that is reported as false
// rather than an error.
func (systemdClient) UnitActive(ctx context.Context, unit string) (bool, error) {
	res, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputStdout,
		Name:       "systemctl",
		Args:       []string{"is-active", unit},
	})
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query status of unit %q: %w", unit, err)
	}

	return strings.TrimSpace(res.Output) == "active", nil
}
