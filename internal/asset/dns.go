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
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"flowlens/internal/store"
)

// DNSConfig controls reverse-DNS enrichment of discovered assets.
type DNSConfig struct {
	// Timeout bounds each individual PTR lookup.
	Timeout time.Duration
	// CacheSize bounds the negative cache so unanswerable addresses are not
	// re-queried every pass.
	CacheSize int
	// CacheTTL ages negative entries out, giving addresses another chance
	// once their PTR records appear.
	CacheTTL time.Duration
	// Servers overrides the system resolver with explicit DNS servers
	// ("host" or "host:port"). Empty uses the system resolver.
	Servers []string
}

func (c DNSConfig) withDefaults() DNSConfig {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 10000
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	return c
}

// Enricher fills in hostnames for assets discovered by address only. Lookups
// that fail land in a TTL'd negative cache so each pass only spends its
// timeout budget on fresh addresses.
type Enricher struct {
	cfg      DNSConfig
	assets   store.AssetStore
	resolver *net.Resolver
	misses   *expirable.LRU[netip.Addr, struct{}]
	log      *zap.Logger
}

// NewEnricher builds an enricher over the asset store.
func NewEnricher(cfg DNSConfig, assets store.AssetStore, log *zap.Logger) *Enricher {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Enricher{
		cfg:      cfg,
		assets:   assets,
		resolver: newResolver(cfg.Servers),
		misses:   expirable.NewLRU[netip.Addr, struct{}](cfg.CacheSize, nil, cfg.CacheTTL),
		log:      log,
	}
}

// newResolver returns the system resolver, or one pinned to the configured
// servers rotated per dial attempt.
func newResolver(servers []string) *net.Resolver {
	if len(servers) == 0 {
		return net.DefaultResolver
	}
	targets := make([]string, 0, len(servers))
	for _, s := range servers {
		if !strings.Contains(s, ":") {
			s = net.JoinHostPort(s, "53")
		}
		targets = append(targets, s)
	}
	var next int
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			target := targets[next%len(targets)]
			next++
			var d net.Dialer
			return d.DialContext(ctx, network, target)
		},
	}
}

// EnrichOnce runs one pass over the assets missing a hostname and returns
// how many it named. Lookup failures are cached, not returned.
func (e *Enricher) EnrichOnce(ctx context.Context) (int, error) {
	assets, err := e.assets.Assets(ctx)
	if err != nil {
		return 0, err
	}
	named := 0
	for _, a := range assets {
		if a.Hostname != "" || !a.IPAddress.IsValid() {
			continue
		}
		if _, skip := e.misses.Get(a.IPAddress); skip {
			continue
		}
		host, ok := e.lookup(ctx, a.IPAddress)
		if !ok {
			e.misses.Add(a.IPAddress, struct{}{})
			continue
		}
		a.Hostname = host
		if err := e.assets.UpdateAsset(ctx, a); err != nil {
			return named, err
		}
		named++
	}
	return named, nil
}

func (e *Enricher) lookup(ctx context.Context, ip netip.Addr) (string, bool) {
	lctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	names, err := e.resolver.LookupAddr(lctx, ip.String())
	if err != nil || len(names) == 0 {
		return "", false
	}
	host := strings.TrimSuffix(names[0], ".")
	if host == "" {
		return "", false
	}
	return host, true
}
