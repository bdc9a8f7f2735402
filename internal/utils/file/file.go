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

// Package file implements file related utilities for the agent.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/GoogleCloudPlatform/galog"
)

// Type is the type of file.
type Type int

const (
	// TypeDir is the type of directory.
	TypeDir Type = iota
	// TypeFile is the type of file.
	TypeFile
)

// Options contain options for file modification operations behavior.
type Options struct {
	// Perm is the file permissions.
	Perm fs.FileMode
}

// Exists reports whether fpath exists and is of type ftype.
func Exists(fpath string, ftype Type) bool {
	stat, err := os.Stat(fpath)
	if err != nil {
		return false
	}

	switch ftype {
	case TypeDir:
		return stat.IsDir()
	case TypeFile:
		return !stat.IsDir()
	}

	return false
}

// SaferWriteFile writes content to a temporary file sitting next to
// outputFile and renames it over outputFile once fully written. Readers racing
// with the writer see either the old or the new content, never a partial
// write. The resolver file, the NetworkManager profiles and the runtime DNS
// record are all replaced through here. Missing parent directories are
// created.
func SaferWriteFile(ctx context.Context, content []byte, outputFile string, opts Options) error {
	dir := filepath.Dir(outputFile)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("unable to create directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(outputFile)+"*")
	if err != nil {
		return fmt.Errorf("unable to create temporary file under %q: %w", dir, err)
	}

	defer func() {
		if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			galog.Debugf("Failed to remove temporary file %q: %v", tmp.Name(), err)
		}
	}()

	// The final mode is set before any content lands in the file, the file is
	// never observable with the process' default creation mode.
	if err := tmp.Chmod(opts.Perm); err != nil {
		tmp.Close()
		return fmt.Errorf("unable to set mode of temporary file %q: %w", tmp.Name(), err)
	}

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("unable to write temporary file %q: %w", tmp.Name(), err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("unable to close temporary file %q: %w", tmp.Name(), err)
	}

	if err := os.Rename(tmp.Name(), outputFile); err != nil {
		return fmt.Errorf("unable to replace %q: %w", outputFile, err)
	}

	return nil
}
