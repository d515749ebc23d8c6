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
	"database/sql"
	"fmt"
)

// schemaDDL is the full relational layout. Statements are idempotent so the
// daemon can apply them at startup; dedicated migration tooling is a
// deployment concern outside this package.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS flow_records (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		src_ip INET NOT NULL,
		dst_ip INET NOT NULL,
		src_port INT NOT NULL,
		dst_port INT NOT NULL,
		protocol SMALLINT NOT NULL,
		bytes_count BIGINT NOT NULL,
		packets_count BIGINT NOT NULL,
		exporter_ip INET,
		flow_start TIMESTAMPTZ,
		flow_end TIMESTAMPTZ,
		flow_duration_ms BIGINT NOT NULL DEFAULT 0,
		tcp_flags SMALLINT NOT NULL DEFAULT 0,
		input_interface BIGINT NOT NULL DEFAULT 0,
		output_interface BIGINT NOT NULL DEFAULT 0,
		tos SMALLINT NOT NULL DEFAULT 0,
		sampling_rate BIGINT NOT NULL DEFAULT 1,
		flow_source TEXT NOT NULL,
		extended_fields JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_flow_records_ts ON flow_records(ts)`,

	`CREATE TABLE IF NOT EXISTS flow_aggregates (
		id UUID PRIMARY KEY,
		window_start TIMESTAMPTZ NOT NULL,
		window_end TIMESTAMPTZ NOT NULL,
		src_ip INET NOT NULL,
		dst_ip INET NOT NULL,
		src_port INT NOT NULL,
		dst_port INT NOT NULL,
		protocol SMALLINT NOT NULL,
		bytes_total BIGINT NOT NULL,
		packets_total BIGINT NOT NULL,
		flows_count BIGINT NOT NULL,
		duration_ms_sum BIGINT NOT NULL DEFAULT 0,
		primary_gateway_ip INET,
		exporter_ip INET,
		src_asset_id UUID,
		dst_asset_id UUID,
		is_processed BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (window_start, window_end, src_ip, dst_ip, src_port, dst_port, protocol)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_flow_aggregates_unprocessed
		ON flow_aggregates(window_start) WHERE is_processed = FALSE`,

	`CREATE TABLE IF NOT EXISTS assets (
		id UUID PRIMARY KEY,
		ip_address INET NOT NULL,
		asset_type TEXT NOT NULL DEFAULT 'unknown',
		name TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		hostname TEXT NOT NULL DEFAULT '',
		environment TEXT NOT NULL DEFAULT '',
		datacenter TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		team TEXT NOT NULL DEFAULT '',
		owner TEXT NOT NULL DEFAULT '',
		is_internal BOOLEAN,
		is_critical BOOLEAN NOT NULL DEFAULT FALSE,
		connections_in BIGINT NOT NULL DEFAULT 0,
		connections_out BIGINT NOT NULL DEFAULT 0,
		first_seen TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL,
		classification_locked BOOLEAN NOT NULL DEFAULT FALSE,
		classification_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		classification_scores JSONB NOT NULL DEFAULT '{}',
		last_classified_at TIMESTAMPTZ,
		classification_method TEXT NOT NULL DEFAULT '',
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_assets_ip_live
		ON assets(ip_address) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS services (
		id UUID PRIMARY KEY,
		asset_id UUID NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
		port INT NOT NULL,
		protocol SMALLINT NOT NULL,
		connections_total BIGINT NOT NULL DEFAULT 0,
		first_seen TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL,
		UNIQUE (asset_id, port, protocol)
	)`,

	`CREATE TABLE IF NOT EXISTS classification_rules (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		cidr CIDR NOT NULL,
		priority INT NOT NULL DEFAULT 1000,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		environment TEXT NOT NULL DEFAULT '',
		datacenter TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		asset_type TEXT NOT NULL DEFAULT '',
		is_internal BOOLEAN,
		default_owner TEXT NOT NULL DEFAULT '',
		default_team TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS dependencies (
		id UUID PRIMARY KEY,
		source_asset_id UUID NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
		target_asset_id UUID NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
		target_port INT NOT NULL,
		protocol SMALLINT NOT NULL,
		bytes_total BIGINT NOT NULL DEFAULT 0,
		packets_total BIGINT NOT NULL DEFAULT 0,
		flows_total BIGINT NOT NULL DEFAULT 0,
		bytes_last_24h BIGINT NOT NULL DEFAULT 0,
		bytes_last_7d BIGINT NOT NULL DEFAULT 0,
		first_seen TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL,
		valid_from TIMESTAMPTZ NOT NULL,
		valid_to TIMESTAMPTZ,
		avg_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		is_critical BOOLEAN NOT NULL DEFAULT FALSE,
		is_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		is_ignored BOOLEAN NOT NULL DEFAULT FALSE,
		discovered_by TEXT NOT NULL DEFAULT '',
		CHECK (source_asset_id <> target_asset_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_dependencies_current
		ON dependencies(source_asset_id, target_asset_id, target_port, protocol)
		WHERE valid_to IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_dependencies_last_seen
		ON dependencies(last_seen) WHERE valid_to IS NULL`,

	`CREATE TABLE IF NOT EXISTS dependency_traffic (
		dependency_id UUID NOT NULL REFERENCES dependencies(id) ON DELETE CASCADE,
		window_end TIMESTAMPTZ NOT NULL,
		bytes BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dependency_traffic_dep
		ON dependency_traffic(dependency_id, window_end)`,

	`CREATE TABLE IF NOT EXISTS dependency_history (
		id UUID PRIMARY KEY,
		dependency_id UUID NOT NULL,
		transition TEXT NOT NULL,
		before_state JSONB,
		after_state JSONB,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dependency_history_dep
		ON dependency_history(dependency_id, recorded_at)`,

	`CREATE TABLE IF NOT EXISTS gateway_observations (
		id UUID PRIMARY KEY,
		source_ip INET NOT NULL,
		gateway_ip INET NOT NULL,
		destination_ip INET NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		window_end TIMESTAMPTZ NOT NULL,
		bytes_total BIGINT NOT NULL DEFAULT 0,
		flows_count BIGINT NOT NULL DEFAULT 0,
		observation_source TEXT NOT NULL,
		is_processed BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gateway_observations_unprocessed
		ON gateway_observations(window_start) WHERE is_processed = FALSE`,

	`CREATE TABLE IF NOT EXISTS asset_gateways (
		id UUID PRIMARY KEY,
		source_asset_id UUID NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
		gateway_asset_id UUID NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
		destination_network CIDR,
		gateway_role TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		confidence_scores JSONB NOT NULL DEFAULT '{}',
		traffic_share DOUBLE PRECISION NOT NULL DEFAULT 0,
		bytes_total BIGINT NOT NULL DEFAULT 0,
		flows_total BIGINT NOT NULL DEFAULT 0,
		first_seen TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL,
		valid_from TIMESTAMPTZ NOT NULL,
		valid_to TIMESTAMPTZ,
		CHECK (source_asset_id <> gateway_asset_id)
	)`,

	`CREATE TABLE IF NOT EXISTS change_events (
		id UUID PRIMARY KEY,
		change_type TEXT NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL,
		asset_id UUID,
		dependency_id UUID,
		previous_state JSONB,
		new_state JSONB,
		impact_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		affected_assets_count INT NOT NULL DEFAULT 0,
		is_processed BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_change_events_unprocessed
		ON change_events(detected_at) WHERE is_processed = FALSE`,

	`CREATE TABLE IF NOT EXISTS alerts (
		id UUID PRIMARY KEY,
		rule_id UUID NOT NULL,
		event_id UUID NOT NULL,
		severity TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'unacknowledged',
		created_at TIMESTAMPTZ NOT NULL,
		acknowledged_at TIMESTAMPTZ,
		acknowledged_by TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMPTZ,
		resolved_by TEXT NOT NULL DEFAULT '',
		auto_clear_eligible BOOLEAN NOT NULL DEFAULT FALSE,
		notify_channels JSONB NOT NULL DEFAULT '[]',
		notify_results JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_open
		ON alerts(created_at) WHERE status <> 'resolved'`,

	`CREATE TABLE IF NOT EXISTS alert_rules (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		change_types JSONB NOT NULL DEFAULT '[]',
		asset_filter JSONB NOT NULL DEFAULT '{}',
		severity TEXT NOT NULL,
		title_template TEXT NOT NULL DEFAULT '',
		description_template TEXT NOT NULL DEFAULT '',
		notify_channels JSONB NOT NULL DEFAULT '[]',
		cooldown_minutes INT NOT NULL DEFAULT 0,
		priority INT NOT NULL DEFAULT 1000,
		schedule TEXT NOT NULL DEFAULT '',
		last_triggered_at TIMESTAMPTZ,
		trigger_count BIGINT NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS maintenance_windows (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		asset_ids JSONB NOT NULL DEFAULT '[]',
		environments JSONB NOT NULL DEFAULT '[]',
		datacenters JSONB NOT NULL DEFAULT '[]',
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		recurrence TEXT NOT NULL DEFAULT '',
		suppressed_count BIGINT NOT NULL DEFAULT 0,
		CHECK (end_time > start_time)
	)`,

	`CREATE TABLE IF NOT EXISTS asset_features (
		id UUID PRIMARY KEY,
		asset_id UUID NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
		feature_window TEXT NOT NULL,
		computed_at TIMESTAMPTZ NOT NULL,
		features JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_asset_features_latest
		ON asset_features(asset_id, feature_window, computed_at DESC)`,

	`CREATE TABLE IF NOT EXISTS classification_history (
		id UUID PRIMARY KEY,
		asset_id UUID NOT NULL,
		previous_type TEXT NOT NULL,
		new_type TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		method TEXT NOT NULL,
		changed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_classification_history_asset
		ON classification_history(asset_id, changed_at)`,

	`CREATE TABLE IF NOT EXISTS ml_model_registry (
		id UUID PRIMARY KEY,
		version TEXT NOT NULL,
		trained_at TIMESTAMPTZ NOT NULL,
		accuracy DOUBLE PRECISION NOT NULL DEFAULT 0,
		class_distribution JSONB NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}

// EnsureSchema applies the DDL. Safe to run on every startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaDDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
