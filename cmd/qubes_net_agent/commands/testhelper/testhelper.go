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

// Package testhelper provides shared plumbing for the CLI command tests.
package testhelper

import (
	"bytes"
	"context"
	"io"

	"github.com/spf13/cobra"
)

// ExecuteCommand runs cmd with args the way main would and returns everything
// the command printed.
func ExecuteCommand(ctx context.Context, cmd *cobra.Command, args []string) (string, error) {
	out := new(bytes.Buffer)
	redirectOutput(cmd, out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// redirectOutput points cmd and its whole subcommand tree at out, cobra
// resolves the output writer on the command it ends up executing.
func redirectOutput(cmd *cobra.Command, out io.Writer) {
	cmd.SetOut(out)
	cmd.SetErr(out)

	for _, sub := range cmd.Commands() {
		redirectOutput(sub, out)
	}
}
