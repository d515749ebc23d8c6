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

// Package cache provides the in-process TTL cache for expensive read paths
// (topology traversals, blast radius, SPOF sweeps). Keys carry a logical
// prefix so a whole family of entries can be dropped when the underlying
// data mutates.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"flowlens/internal/telemetry"
)

// TopologyPrefix groups every cached read derived from assets and
// dependency edges. Writers invalidate it as a unit.
const TopologyPrefix = "topology"

// Config controls the TTL cache.
type Config struct {
	// DefaultTTL applies to Set. Zero disables default-TTL writes entirely:
	// Set becomes a no-op and only SetTTL with an explicit TTL stores.
	DefaultTTL time.Duration
	// Capacity bounds the entry count. At capacity the oldest tenth of the
	// entries by creation time is evicted to make room.
	Capacity int
	// CleanupInterval is the cadence of the expired-entry sweep.
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	return c
}

type entry struct {
	value     any
	createdAt time.Time
	expiresAt time.Time
}

// TTL is a prefix-aware TTL cache. All methods are safe for concurrent use.
type TTL struct {
	cfg  Config
	clk  clock.Clock
	log  *zap.Logger
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	entries map[string]entry
}

// New builds the cache and starts its cleanup loop. Call Close to stop it.
func New(cfg Config, clk clock.Clock, log *zap.Logger) *TTL {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &TTL{
		cfg:     cfg.withDefaults(),
		clk:     clk,
		log:     log,
		done:    make(chan struct{}),
		entries: make(map[string]entry),
	}
	go c.janitor()
	return c
}

// Close stops the cleanup loop. The cache stays usable after Close; expired
// entries are then reaped lazily on Get.
func (c *TTL) Close() {
	c.once.Do(func() { close(c.done) })
}

// Key derives the cache key for a prefix and its identifying inputs. The
// inputs are hashed through their canonical JSON form, so logically equal
// maps produce the same key regardless of insertion order.
func Key(prefix string, inputs any) (string, error) {
	canonical, err := canonicalJSON(inputs)
	if err != nil {
		return "", fmt.Errorf("canonicalize cache inputs: %w", err)
	}
	sum := md5.Sum(canonical)
	return prefix + ":" + hex.EncodeToString(sum[:]), nil
}

// canonicalJSON renders v with object keys sorted at every level. A marshal
// round-trip through map[string]any normalizes struct field order too, since
// encoding/json emits map keys sorted.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Get returns the cached value for key, or false on a miss or an expired
// entry. Hits and misses are counted per prefix.
func (c *TTL) Get(key string) (any, bool) {
	prefix := keyPrefix(key)
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !e.expiresAt.After(c.clk.Now()) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		telemetry.CacheMisses.WithLabelValues(prefix).Inc()
		return nil, false
	}
	telemetry.CacheHits.WithLabelValues(prefix).Inc()
	return e.value, true
}

// Set stores value under key with the default TTL. When the default TTL is
// zero the cache is effectively disabled for implicit writes and Set does
// nothing.
func (c *TTL) Set(key string, value any) {
	if c.cfg.DefaultTTL <= 0 {
		return
	}
	c.SetTTL(key, value, c.cfg.DefaultTTL)
}

// SetTTL stores value under key for an explicit TTL.
func (c *TTL) SetTTL(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.Capacity {
		c.evictOldestLocked()
	}
	c.entries[key] = entry{value: value, createdAt: now, expiresAt: now.Add(ttl)}
}

// Delete removes a single entry.
func (c *TTL) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *TTL) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// InvalidatePrefix drops every entry under prefix and returns how many it
// removed.
func (c *TTL) InvalidatePrefix(prefix string) int {
	want := prefix + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, want) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len reports the live entry count, expired entries included until swept.
func (c *TTL) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestLocked removes the oldest tenth of the entries by creation
// time. Called with c.mu held.
func (c *TTL) evictOldestLocked() {
	type aged struct {
		key       string
		createdAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, createdAt: e.createdAt})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].createdAt.Equal(all[j].createdAt) {
			return all[i].key < all[j].key
		}
		return all[i].createdAt.Before(all[j].createdAt)
	})
	victims := len(all) / 10
	if victims < 1 {
		victims = 1
	}
	for _, a := range all[:victims] {
		delete(c.entries, a.key)
	}
}

func (c *TTL) janitor() {
	ticker := c.clk.Ticker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *TTL) sweep() {
	now := c.clk.Now()
	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.log.Debug("cache sweep", zap.Int("removed", removed))
	}
}

func keyPrefix(key string) string {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i]
	}
	return key
}
