// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flowlens

import "testing"

// TestPortRangeBoundaries pins the exact range edges the rest of the pipeline
// relies on for direction decisions and feature ratios.
func TestPortRangeBoundaries(t *testing.T) {
	if !IsWellKnownPort(1023) {
		t.Fatalf("port 1023 must be well-known")
	}
	if IsWellKnownPort(1024) {
		t.Fatalf("port 1024 must not be well-known")
	}
	if !IsEphemeralPort(32768) {
		t.Fatalf("port 32768 must be ephemeral")
	}
	if IsEphemeralPort(32767) {
		t.Fatalf("port 32767 must not be ephemeral")
	}
	if !IsRegisteredPort(1024) || !IsRegisteredPort(32767) {
		t.Fatalf("registered range must cover [1024, 32767]")
	}
}

// TestIsLikelyListeningPort covers the direction heuristic: well-known beats
// ephemeral, category ports beat plain registered ports, and symmetric flows
// tie-break on the lower port.
func TestIsLikelyListeningPort(t *testing.T) {
	cases := []struct {
		name     string
		dst, src uint16
		want     bool
	}{
		{"well-known dst", 443, 51234, true},
		{"well-known src means reply direction", 51234, 443, false},
		{"db port dst in registered range", 5432, 40000, true},
		{"db port src", 40000, 5432, false},
		{"both ephemeral lower dst wins", 33000, 44000, true},
		{"both ephemeral higher dst loses", 44000, 33000, false},
		{"ssh dst", 22, 50000, true},
	}
	for _, tc := range cases {
		if got := IsLikelyListeningPort(tc.dst, tc.src); got != tc.want {
			t.Fatalf("%s: IsLikelyListeningPort(%d, %d) = %v, want %v",
				tc.name, tc.dst, tc.src, got, tc.want)
		}
	}
}

// TestPortCategories spot-checks the category tables used by the feature flags.
func TestPortCategories(t *testing.T) {
	if !IsDatabasePort(5432) || !IsDatabasePort(3306) {
		t.Fatalf("postgres/mysql ports must be database ports")
	}
	if IsDatabasePort(8080) {
		t.Fatalf("8080 is not a database port")
	}
	if !IsStoragePort(2049) {
		t.Fatalf("nfs must be a storage port")
	}
	if !IsWebPort(443) || !IsWebPort(8080) {
		t.Fatalf("443/8080 must be web ports")
	}
	if !IsSSHPort(22) || IsSSHPort(2222) {
		t.Fatalf("only 22 is the ssh port")
	}
}
