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

package store

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ResolutionCache is a shared IP-to-asset-id lookaside for the asset mapper.
// It sits behind the per-process LRU so that a fleet of ingesters converges
// on one resolution per address. A miss is not an error.
type ResolutionCache interface {
	GetAssetID(ctx context.Context, ip netip.Addr) (uuid.UUID, bool, error)
	SetAssetID(ctx context.Context, ip netip.Addr, id uuid.UUID, ttl time.Duration) error
	// Invalidate removes the mapping, e.g. after a soft delete.
	Invalidate(ctx context.Context, ip netip.Addr) error
	Close() error
}

const resolutionKeyPrefix = "flowlens:asset:ip:"

// RedisResolutionCache backs ResolutionCache with a Redis instance shared by
// every collector replica.
type RedisResolutionCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ ResolutionCache = (*RedisResolutionCache)(nil)

// NewRedisResolutionCache dials Redis and verifies the connection.
func NewRedisResolutionCache(ctx context.Context, addr string, defaultTTL time.Duration) (*RedisResolutionCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &RedisResolutionCache{client: client, ttl: defaultTTL}, nil
}

// GetAssetID returns the cached asset id for the address, if any.
func (c *RedisResolutionCache) GetAssetID(ctx context.Context, ip netip.Addr) (uuid.UUID, bool, error) {
	val, err := c.client.Get(ctx, resolutionKeyPrefix+ip.String()).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("redis get %s: %w", ip, err)
	}
	id, err := uuid.Parse(val)
	if err != nil {
		// A corrupt entry behaves like a miss; the mapper will rewrite it.
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

// SetAssetID stores the mapping. A non-positive ttl falls back to the
// cache default.
func (c *RedisResolutionCache) SetAssetID(ctx context.Context, ip netip.Addr, id uuid.UUID, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.client.Set(ctx, resolutionKeyPrefix+ip.String(), id.String(), ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", ip, err)
	}
	return nil
}

// Invalidate drops the mapping.
func (c *RedisResolutionCache) Invalidate(ctx context.Context, ip netip.Addr) error {
	if err := c.client.Del(ctx, resolutionKeyPrefix+ip.String()).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", ip, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *RedisResolutionCache) Close() error { return c.client.Close() }

// LoggingResolutionCache is a standalone stand-in for deployments without
// Redis: every call is a logged miss, so the per-process LRU carries the
// whole load.
type LoggingResolutionCache struct {
	log *zap.Logger
}

var _ ResolutionCache = (*LoggingResolutionCache)(nil)

// NewLoggingResolutionCache builds the stand-in around the given logger.
func NewLoggingResolutionCache(log *zap.Logger) *LoggingResolutionCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &LoggingResolutionCache{log: log}
}

// GetAssetID always misses.
func (c *LoggingResolutionCache) GetAssetID(ctx context.Context, ip netip.Addr) (uuid.UUID, bool, error) {
	select {
	case <-ctx.Done():
		return uuid.Nil, false, ctx.Err()
	default:
	}
	c.log.Debug("resolution cache get", zap.String("ip", ip.String()))
	return uuid.Nil, false, nil
}

// SetAssetID logs and discards the mapping.
func (c *LoggingResolutionCache) SetAssetID(ctx context.Context, ip netip.Addr, id uuid.UUID, ttl time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.log.Debug("resolution cache set",
		zap.String("ip", ip.String()),
		zap.String("asset_id", id.String()),
		zap.Duration("ttl", ttl))
	return nil
}

// Invalidate logs the drop.
func (c *LoggingResolutionCache) Invalidate(ctx context.Context, ip netip.Addr) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.log.Debug("resolution cache invalidate", zap.String("ip", ip.String()))
	return nil
}

// Close is a no-op.
func (c *LoggingResolutionCache) Close() error { return nil }
