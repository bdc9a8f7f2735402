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

// Package ini wraps the ini marshalling used for NetworkManager keyfile
// profiles and the agent's own configuration file.
package ini

import (
	"errors"
	"fmt"

	"gopkg.in/ini.v1"
)

// ErrInvalidData is returned when the data pointer is nil.
var ErrInvalidData = errors.New("nil data pointer")

// ReflectFrom marshals ptr into an ini.File ready to be rendered. Writing the
// result out is left to the caller, profile emission goes through atomic file
// replacement rather than ini's own SaveTo.
func ReflectFrom(ptr any) (*ini.File, error) {
	if ptr == nil {
		return nil, ErrInvalidData
	}

	config := ini.Empty()
	if err := ini.ReflectFrom(config, ptr); err != nil {
		return nil, fmt.Errorf("failed to marshal ini data: %w", err)
	}

	return config, nil
}

// ReadIniFile parses the content of source into ptr. The source can be a file
// path or a byte slice, anything ini.LoadSources accepts. A missing file is
// not an error, ptr is left untouched.
func ReadIniFile(source any, ptr any) error {
	if ptr == nil {
		return ErrInvalidData
	}

	opts := ini.LoadOptions{
		Loose:        true,
		Insensitive:  true,
		AllowShadows: true,
	}

	config, err := ini.LoadSources(opts, source)
	if err != nil {
		return fmt.Errorf("failed to load ini source: %w", err)
	}

	if err := config.MapTo(ptr); err != nil {
		return fmt.Errorf("failed to parse ini data: %w", err)
	}

	return nil
}
