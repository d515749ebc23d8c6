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

package asset

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/store"
)

func TestEnricherSkipsNamedAssetsAndCachesMisses(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	named := &flowlens.Asset{
		ID:        uuid.New(),
		IPAddress: netip.MustParseAddr("10.0.0.1"),
		Hostname:  "web-1.internal",
		FirstSeen: time.Now(),
		LastSeen:  time.Now(),
	}
	unnamed := &flowlens.Asset{
		ID:        uuid.New(),
		IPAddress: netip.MustParseAddr("10.0.0.2"),
		FirstSeen: time.Now(),
		LastSeen:  time.Now(),
	}
	for _, a := range []*flowlens.Asset{named, unnamed} {
		if err := m.CreateAsset(ctx, a); err != nil {
			t.Fatalf("create asset: %v", err)
		}
	}

	// A blackholed resolver makes every lookup fail fast, which exercises
	// the negative cache path.
	e := NewEnricher(DNSConfig{
		Timeout: 50 * time.Millisecond,
		Servers: []string{"127.0.0.1:1"},
	}, m, zap.NewNop())

	n, err := e.EnrichOnce(ctx)
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if n != 0 {
		t.Fatalf("named %d assets against a dead resolver", n)
	}
	if e.misses.Len() != 1 {
		t.Fatalf("negative cache entries = %d, want 1", e.misses.Len())
	}

	got, err := m.AssetByID(ctx, named.ID)
	if err != nil {
		t.Fatalf("load asset: %v", err)
	}
	if got.Hostname != "web-1.internal" {
		t.Fatalf("existing hostname clobbered: %q", got.Hostname)
	}
}

func TestResolverDefaultsDNSPort(t *testing.T) {
	if newResolver([]string{"192.0.2.53"}) == net.DefaultResolver {
		t.Fatal("explicit servers must not use the system resolver")
	}
	if newResolver(nil) != net.DefaultResolver {
		t.Fatal("no servers must fall back to the system resolver")
	}
}
