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
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/store"
	"flowlens/internal/telemetry"
)

// MapperConfig sizes the resolution caches.
type MapperConfig struct {
	// CacheSize bounds the in-process LRU. Entries also age out after
	// CacheTTL so last_seen updates reach the store at least that often.
	CacheSize int
	CacheTTL  time.Duration
	// RuleRefresh is how long a loaded rule set is trusted before reload.
	RuleRefresh time.Duration
}

func (c MapperConfig) withDefaults() MapperConfig {
	if c.CacheSize <= 0 {
		c.CacheSize = 65536
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.RuleRefresh <= 0 {
		c.RuleRefresh = time.Minute
	}
	return c
}

// Mapper resolves IP addresses to asset ids, creating assets on first
// observation. A soft-deleted asset is never resurrected: the next
// observation of its address creates a brand-new asset.
type Mapper struct {
	cfg    MapperConfig
	assets store.AssetStore
	shared store.ResolutionCache
	log    *zap.Logger

	lru *expirable.LRU[netip.Addr, uuid.UUID]

	rulesMu     sync.Mutex
	rules       []*flowlens.ClassificationRule
	rulesLoaded time.Time
}

// NewMapper builds a mapper. shared may be nil when no fleet-wide cache is
// deployed.
func NewMapper(cfg MapperConfig, assets store.AssetStore, shared store.ResolutionCache, log *zap.Logger) *Mapper {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Mapper{
		cfg:    cfg,
		assets: assets,
		shared: shared,
		log:    log,
		lru:    expirable.NewLRU[netip.Addr, uuid.UUID](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// Rules returns the active rule set, reloading it from the store when the
// cached copy is older than the refresh interval.
func (m *Mapper) Rules(ctx context.Context) ([]*flowlens.ClassificationRule, error) {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()
	if time.Since(m.rulesLoaded) < m.cfg.RuleRefresh && m.rules != nil {
		return m.rules, nil
	}
	rules, err := m.assets.ClassificationRules(ctx)
	if err != nil {
		if m.rules != nil {
			// Keep serving the stale set over failing resolution outright.
			m.log.Warn("classification rule reload failed, serving stale set", zap.Error(err))
			return m.rules, nil
		}
		return nil, fmt.Errorf("load classification rules: %w", err)
	}
	SortRules(rules)
	m.rules = rules
	m.rulesLoaded = time.Now()
	return m.rules, nil
}

// Resolve maps ip to an asset id, creating the asset if this is the first
// observation. seenAt advances last_seen on the store path; cache hits defer
// that update until the cache entry expires.
func (m *Mapper) Resolve(ctx context.Context, ip netip.Addr, seenAt time.Time) (uuid.UUID, error) {
	if !ip.IsValid() {
		return uuid.Nil, fmt.Errorf("resolve asset: invalid address")
	}
	ip = ip.Unmap()

	if id, ok := m.lru.Get(ip); ok {
		return id, nil
	}
	if m.shared != nil {
		id, ok, err := m.shared.GetAssetID(ctx, ip)
		if err != nil {
			m.log.Warn("shared resolution cache read failed", zap.Error(err), zap.String("ip", ip.String()))
		} else if ok {
			m.lru.Add(ip, id)
			return id, nil
		}
	}

	id, err := m.resolveStore(ctx, ip, seenAt)
	if err != nil {
		return uuid.Nil, err
	}
	m.lru.Add(ip, id)
	if m.shared != nil {
		if err := m.shared.SetAssetID(ctx, ip, id, m.cfg.CacheTTL); err != nil {
			m.log.Warn("shared resolution cache write failed", zap.Error(err), zap.String("ip", ip.String()))
		}
	}
	return id, nil
}

func (m *Mapper) resolveStore(ctx context.Context, ip netip.Addr, seenAt time.Time) (uuid.UUID, error) {
	existing, err := m.assets.AssetByIP(ctx, ip)
	switch {
	case err == nil:
		if seenAt.After(existing.LastSeen) {
			existing.LastSeen = seenAt
			if err := m.assets.UpdateAsset(ctx, existing); err != nil {
				return uuid.Nil, fmt.Errorf("advance last_seen for %s: %w", ip, err)
			}
		}
		return existing.ID, nil
	case !errors.Is(err, flowlens.ErrNotFound):
		return uuid.Nil, fmt.Errorf("lookup asset %s: %w", ip, err)
	}

	rules, err := m.Rules(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	a := &flowlens.Asset{
		IPAddress: ip,
		AssetType: flowlens.TypeUnknown,
		FirstSeen: seenAt,
		LastSeen:  seenAt,
	}
	ApplyRule(a, MatchRule(rules, ip))

	if err := m.assets.CreateAsset(ctx, a); err != nil {
		// A concurrent resolver may have won the insert; fall back to lookup.
		if again, lerr := m.assets.AssetByIP(ctx, ip); lerr == nil {
			return again.ID, nil
		}
		return uuid.Nil, fmt.Errorf("create asset %s: %w", ip, err)
	}
	telemetry.AssetsDiscovered.WithLabelValues(string(a.AssetType)).Inc()
	m.log.Info("asset discovered",
		zap.String("ip", ip.String()),
		zap.String("asset_id", a.ID.String()),
		zap.String("asset_type", string(a.AssetType)))
	return a.ID, nil
}

// Invalidate drops the cached resolution for ip, locally and in the shared
// cache. Callers invoke it after soft-deleting an asset.
func (m *Mapper) Invalidate(ctx context.Context, ip netip.Addr) {
	ip = ip.Unmap()
	m.lru.Remove(ip)
	if m.shared != nil {
		if err := m.shared.Invalidate(ctx, ip); err != nil {
			m.log.Warn("shared resolution cache invalidate failed", zap.Error(err), zap.String("ip", ip.String()))
		}
	}
}
