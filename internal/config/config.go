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

// Package config loads and validates the YAML configuration file. Every
// knob has a default, so an empty file yields a runnable single-process
// setup backed by the in-memory store.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "24h", or from a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration value %q: %w", value.Value, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration value %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full configuration surface.
type Config struct {
	Server         Server         `yaml:"server"`
	Store          StoreConfig    `yaml:"store"`
	Ingestion      Ingestion      `yaml:"ingestion"`
	Enrichment     Enrichment     `yaml:"enrichment"`
	Resolution     Resolution     `yaml:"resolution"`
	Classification Classification `yaml:"classification"`
	Cache          Cache          `yaml:"cache"`
}

// Server holds process-level settings.
type Server struct {
	// MetricsAddr serves the Prometheus endpoint and health probe.
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// StoreConfig selects and parameterizes the persistence backend.
type StoreConfig struct {
	// DSN is the Postgres connection string. Empty selects the in-memory
	// store, which is useful for trials and tests but loses state on exit.
	DSN string `yaml:"dsn"`
	// RedisAddr enables the shared IP-to-asset resolution cache.
	RedisAddr string `yaml:"redis_addr"`
	// RedisTTL bounds shared resolution entries. Zero keeps the cache default.
	RedisTTL Duration `yaml:"redis_ttl"`
}

// Ingestion covers the UDP listeners, the backpressure queue, and the batch
// writer.
type Ingestion struct {
	NetflowPort  int `yaml:"netflow_port"`
	SflowPort    int `yaml:"sflow_port"`
	QueueMaxSize int `yaml:"queue_max_size"`
	// SampleThreshold and DropThreshold are percentages of queue_max_size;
	// SampleDepth and DropDepth convert them to absolute depths for the
	// queue state machine.
	SampleThreshold      int  `yaml:"sample_threshold"`
	DropThreshold        int  `yaml:"drop_threshold"`
	SampleRate           int  `yaml:"sample_rate"`
	BatchSize            int  `yaml:"batch_size"`
	BatchTimeoutMs       int  `yaml:"batch_timeout_ms"`
	DiscardExternalFlows bool `yaml:"discard_external_flows"`
}

// Enrichment covers reverse-DNS lookup of discovered assets.
type Enrichment struct {
	DNSTimeout   Duration `yaml:"dns_timeout"`
	DNSCacheSize int      `yaml:"dns_cache_size"`
	DNSCacheTTL  Duration `yaml:"dns_cache_ttl"`
	DNSServers   []string `yaml:"dns_servers"`
}

// Resolution covers windowed aggregation, edge promotion, gateway rollups,
// and the change detector cadence.
type Resolution struct {
	WindowSeconds            int      `yaml:"window_seconds"`
	WatermarkDelay           Duration `yaml:"watermark_delay"`
	StalenessThreshold       Duration `yaml:"staleness_threshold"`
	DetectionIntervalMinutes int      `yaml:"detection_interval_minutes"`
	SpikeRatio               float64  `yaml:"spike_ratio"`
}

// Classification covers auto-apply gates and the hybrid ML thresholds.
type Classification struct {
	AutoUpdateThreshold   float64 `yaml:"auto_update_threshold"`
	MinFlows              uint64  `yaml:"min_flows"`
	MinObservationHours   int     `yaml:"min_observation_hours"`
	MLConfidenceThreshold float64 `yaml:"ml_confidence_threshold"`
	MLMinFlows            uint64  `yaml:"ml_min_flows"`
}

// Cache covers the topology read cache.
type Cache struct {
	// TopologyTTLSeconds of zero disables implicit caching of topology reads.
	TopologyTTLSeconds int `yaml:"topology_cache_ttl_seconds"`
	Capacity           int `yaml:"capacity"`
}

// Default returns the configuration an empty file resolves to.
func Default() Config {
	return Config{
		Server: Server{
			MetricsAddr: ":9465",
			LogLevel:    "info",
		},
		Ingestion: Ingestion{
			NetflowPort:     2055,
			SflowPort:       6343,
			QueueMaxSize:    100000,
			SampleThreshold: 80,
			DropThreshold:   95,
			SampleRate:      10,
			BatchSize:       1000,
			BatchTimeoutMs:  5000,
		},
		Enrichment: Enrichment{
			DNSTimeout:   Duration(2 * time.Second),
			DNSCacheSize: 10000,
			DNSCacheTTL:  Duration(time.Hour),
		},
		Resolution: Resolution{
			WindowSeconds:            60,
			WatermarkDelay:           Duration(30 * time.Second),
			StalenessThreshold:       Duration(24 * time.Hour),
			DetectionIntervalMinutes: 5,
			SpikeRatio:               2.0,
		},
		Classification: Classification{
			AutoUpdateThreshold:   0.70,
			MinFlows:              100,
			MinObservationHours:   24,
			MLConfidenceThreshold: 0.80,
			MLMinFlows:            500,
		},
		Cache: Cache{
			TopologyTTLSeconds: 300,
			Capacity:           10000,
		},
	}
}

// Load reads path, overlays it on the defaults, and validates the result.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse overlays raw YAML on the defaults and validates the result. Unknown
// keys are rejected so a typoed knob fails loudly instead of silently
// keeping its default.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	if err := validPort(c.Ingestion.NetflowPort, "ingestion.netflow_port"); err != nil {
		return err
	}
	if err := validPort(c.Ingestion.SflowPort, "ingestion.sflow_port"); err != nil {
		return err
	}
	if c.Ingestion.NetflowPort == c.Ingestion.SflowPort {
		return fmt.Errorf("ingestion: netflow_port and sflow_port collide on %d", c.Ingestion.NetflowPort)
	}
	if c.Ingestion.QueueMaxSize <= 0 {
		return fmt.Errorf("ingestion.queue_max_size must be positive, got %d", c.Ingestion.QueueMaxSize)
	}
	if c.Ingestion.SampleThreshold < 0 || c.Ingestion.SampleThreshold > 100 {
		return fmt.Errorf("ingestion.sample_threshold must be a percentage, got %d", c.Ingestion.SampleThreshold)
	}
	if c.Ingestion.DropThreshold < c.Ingestion.SampleThreshold || c.Ingestion.DropThreshold > 100 {
		return fmt.Errorf("ingestion.drop_threshold must be in [sample_threshold, 100], got %d", c.Ingestion.DropThreshold)
	}
	if c.Ingestion.SampleRate < 1 {
		return fmt.Errorf("ingestion.sample_rate must be >= 1, got %d", c.Ingestion.SampleRate)
	}
	if c.Ingestion.BatchSize <= 0 {
		return fmt.Errorf("ingestion.batch_size must be positive, got %d", c.Ingestion.BatchSize)
	}
	if c.Resolution.WindowSeconds <= 0 {
		return fmt.Errorf("resolution.window_seconds must be positive, got %d", c.Resolution.WindowSeconds)
	}
	if c.Resolution.SpikeRatio <= 0 {
		return fmt.Errorf("resolution.spike_ratio must be positive, got %f", c.Resolution.SpikeRatio)
	}
	if c.Classification.AutoUpdateThreshold < 0 || c.Classification.AutoUpdateThreshold > 1 {
		return fmt.Errorf("classification.auto_update_threshold must be in [0,1], got %f",
			c.Classification.AutoUpdateThreshold)
	}
	if c.Classification.MLConfidenceThreshold < 0 || c.Classification.MLConfidenceThreshold > 1 {
		return fmt.Errorf("classification.ml_confidence_threshold must be in [0,1], got %f",
			c.Classification.MLConfidenceThreshold)
	}
	if c.Cache.TopologyTTLSeconds < 0 {
		return fmt.Errorf("cache.topology_cache_ttl_seconds must not be negative, got %d",
			c.Cache.TopologyTTLSeconds)
	}
	return nil
}

func validPort(p int, key string) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%s must be a UDP port, got %d", key, p)
	}
	return nil
}

// WindowWidth returns the aggregation window as a duration.
func (r Resolution) WindowWidth() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// DetectionInterval returns the change-detector cadence as a duration.
func (r Resolution) DetectionInterval() time.Duration {
	return time.Duration(r.DetectionIntervalMinutes) * time.Minute
}

// BatchTimeout returns the writer flush deadline as a duration.
func (i Ingestion) BatchTimeout() time.Duration {
	return time.Duration(i.BatchTimeoutMs) * time.Millisecond
}

// SampleDepth is the queue depth at which sampling begins: queue_max_size
// scaled by the sample_threshold percentage.
func (i Ingestion) SampleDepth() int {
	return i.QueueMaxSize * i.SampleThreshold / 100
}

// DropDepth is the queue depth at which flows are dropped outright:
// queue_max_size scaled by the drop_threshold percentage.
func (i Ingestion) DropDepth() int {
	return i.QueueMaxSize * i.DropThreshold / 100
}

// TopologyTTL returns the topology cache TTL as a duration.
func (c Cache) TopologyTTL() time.Duration {
	return time.Duration(c.TopologyTTLSeconds) * time.Second
}
