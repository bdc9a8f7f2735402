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

// Package daemon reports the state of the service manager units the agent
// cooperates with, NetworkManager in particular.
package daemon

import (
	"context"
)

// Client is the client used to query the service manager. Tests replace it to
// fake unit state.
var Client ClientInterface

// ClientInterface queries the service manager about unit state.
type ClientInterface interface {
	// UnitActive reports whether a unit is currently active.
	UnitActive(ctx context.Context, unit string) (bool, error)
}

// UnitActive reports whether a unit is currently active.
func UnitActive(ctx context.Context, unit string) (bool, error) {
	return Client.UnitActive(ctx, unit)
}
