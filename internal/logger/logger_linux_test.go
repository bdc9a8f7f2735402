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

//go:build linux

package logger

import (
	"context"
	"testing"
)

func TestInitPlatformLogger(t *testing.T) {
	backends, err := initPlatformLogger(context.Background(), LocalLoggerIdent)
	if err != nil {
		t.Fatalf("initPlatformLogger(ctx, %q) = %v, want nil", LocalLoggerIdent, err)
	}

	if len(backends) != 1 {
		t.Fatalf("initPlatformLogger(ctx, %q) returned %d backends, want 1", LocalLoggerIdent, len(backends))
	}

	if got, want := backends[0].ID(), "log-backend,syslog"; got != want {
		t.Errorf("initPlatformLogger(ctx, %q) backend ID = %q, want %q", LocalLoggerIdent, got, want)
	}
}
