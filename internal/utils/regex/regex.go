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

// Package regex provides regex utility wrappers.
package regex

import "regexp"

// GroupsMap runs the compiled expression against data and returns a map of
// the named groups and their matched values. Unnamed groups are skipped, if
// the expression doesn't match the returned map is empty.
func GroupsMap(exp *regexp.Regexp, data string) map[string]string {
	res := make(map[string]string)
	match := exp.FindStringSubmatch(data)

	for i, name := range exp.SubexpNames() {
		if i == 0 || name == "" || i >= len(match) {
			continue
		}
		res[name] = match[i]
	}

	return res
}
