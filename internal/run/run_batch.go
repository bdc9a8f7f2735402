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

package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/GoogleCloudPlatform/galog"
)

var (
	// ErrCommandTemplate is reported when a CommandSpec's Command template
	// cannot be parsed or rendered.
	ErrCommandTemplate = errors.New("invalid command template")

	// ErrTemplateError is reported when a CommandSpec's Error template cannot
	// be parsed or rendered.
	ErrTemplateError = errors.New("invalid error template")
)

// CommandSpec is a command described as a pair of text templates, the command
// line itself and the error message reported when it fails. The data value
// rendered into the templates is up to the caller.
type CommandSpec struct {
	// Command is the command line template, i.e. "ethtool -K {{.Interface}} sg off".
	Command string

	// Error is the error message template used when the command fails, i.e.
	// "failed to disable scatter-gather on {{.Interface}}".
	Error string

	// BestEffort marks the command as non fatal, a failure is logged and the
	// rest of the set still runs.
	BestEffort bool
}

// CommandSet is an ordered batch of commands run as a unit.
type CommandSet []CommandSpec

// WithContext renders and runs every command in the set against data. The
// first non BestEffort failure stops the batch. No command output is
// captured.
func (s CommandSet) WithContext(ctx context.Context, data any) error {
	for _, spec := range s {
		if err := spec.WithContext(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

// WithContext renders and runs a single command against data. No command
// output is captured.
func (c CommandSpec) WithContext(ctx context.Context, data any) error {
	command, err := c.render(c.Command, data, ErrCommandTemplate)
	if err != nil {
		return err
	}
	tokens := strings.Fields(command)
	if len(tokens) == 0 {
		return ErrCommandTemplate
	}

	errorMsg, err := c.render(c.Error, data, ErrTemplateError)
	if err != nil {
		return err
	}

	opts := Options{
		Name:       tokens[0],
		Args:       tokens[1:],
		OutputType: OutputNone,
	}

	if _, err := Client.WithContext(ctx, opts); err != nil {
		if c.BestEffort {
			galog.Warnf("%s: %v (ignored)", errorMsg, err)
			return nil
		}
		return fmt.Errorf("%s: %w", errorMsg, err)
	}

	return nil
}

// render parses and executes a template against data. templateErr qualifies
// which of the spec's templates failed.
func (c CommandSpec) render(text string, data any, templateErr error) (string, error) {
	tmpl, err := template.New("").Parse(text)
	if err != nil {
		galog.Debugf("Failed to parse template %q: %v", text, err)
		return "", templateErr
	}

	var buffer bytes.Buffer
	if err := tmpl.Execute(&buffer, data); err != nil {
		galog.Debugf("Failed to render template %q: %v", text, err)
		return "", templateErr
	}

	return buffer.String(), nil
}
