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
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"

	"flowlens"
)

// Postgres implements Store over PostgreSQL through database/sql with the
// pgx driver. Per-edge serialization uses row locks; every call gets a
// default timeout when the caller did not bound it.
type Postgres struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

var _ Store = (*Postgres)(nil)

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, defaultTimeout: defaultTimeout}
}

// OpenPostgres opens a pool against the DSN and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	p := NewPostgres(db)
	if err := EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && p.defaultTimeout > 0 {
		return context.WithTimeout(ctx, p.defaultTimeout)
	}
	return ctx, func() {}
}

// Ping checks the pool.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	return p.db.PingContext(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() error { return p.db.Close() }

// parseAddr reads an INET column value, tolerating a trailing prefix length.
func parseAddr(s string) netip.Addr {
	if s == "" {
		return netip.Addr{}
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

func addrArg(a netip.Addr) any {
	if !a.IsValid() {
		return nil
	}
	return a.String()
}

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func uuidArg(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

func scanTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time.UTC()
}

func scanTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func scanUUID(ns sql.NullString) uuid.UUID {
	if !ns.Valid {
		return uuid.Nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// ---- flows ----

// InsertFlows bulk-inserts one batch inside a single transaction, preserving
// arrival order.
func (p *Postgres) InsertFlows(ctx context.Context, records []*flowlens.FlowRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO flow_records
		(ts, src_ip, dst_ip, src_port, dst_port, protocol, bytes_count, packets_count,
		 exporter_ip, flow_start, flow_end, flow_duration_ms, tcp_flags,
		 input_interface, output_interface, tos, sampling_rate, flow_source, extended_fields)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`)
	if err != nil {
		return fmt.Errorf("prepare flow insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range records {
		ext, err := json.Marshal(f.ExtendedFields)
		if err != nil {
			return fmt.Errorf("marshal extended fields: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			f.Timestamp, f.SrcIP.String(), f.DstIP.String(),
			int(f.SrcPort), int(f.DstPort), int(f.Protocol),
			int64(f.BytesCount), int64(f.PacketsCount),
			addrArg(f.ExporterIP), timeArg(f.FlowStart), timeArg(f.FlowEnd),
			f.FlowDurationMs, int(f.TCPFlags),
			int64(f.InputInterface), int64(f.OutputInterface), int(f.TOS),
			int64(f.SamplingRate), string(f.FlowSource), ext,
		); err != nil {
			return fmt.Errorf("insert flow record: %w", err)
		}
	}
	return tx.Commit()
}

// PendingWindows discovers window starts with flows but no aggregates.
func (p *Postgres) PendingWindows(ctx context.Context, width time.Duration, before time.Time) ([]time.Time, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT to_timestamp(floor(extract(epoch FROM ts) / $1) * $1) AS ws
		FROM flow_records
		WHERE ts < $2
		ORDER BY ws`,
		int64(width.Seconds()), before)
	if err != nil {
		return nil, fmt.Errorf("query pending windows: %w", err)
	}
	defer rows.Close()

	var candidates []time.Time
	for rows.Next() {
		var ws time.Time
		if err := rows.Scan(&ws); err != nil {
			return nil, err
		}
		ws = ws.UTC()
		if ws.Add(width).After(before) {
			continue
		}
		candidates = append(candidates, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	done := map[time.Time]bool{}
	drows, err := p.db.QueryContext(ctx,
		`SELECT DISTINCT window_start FROM flow_aggregates WHERE window_start >= $1`,
		candidates[0])
	if err != nil {
		return nil, fmt.Errorf("query aggregated windows: %w", err)
	}
	defer drows.Close()
	for drows.Next() {
		var ws time.Time
		if err := drows.Scan(&ws); err != nil {
			return nil, err
		}
		done[ws.UTC()] = true
	}
	if err := drows.Err(); err != nil {
		return nil, err
	}

	var out []time.Time
	for _, ws := range candidates {
		if !done[ws] {
			out = append(out, ws)
		}
	}
	return out, nil
}

// FlowsInWindow returns raw records with start <= ts < end.
func (p *Postgres) FlowsInWindow(ctx context.Context, start, end time.Time) ([]*flowlens.FlowRecord, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `SELECT
		ts, src_ip, dst_ip, src_port, dst_port, protocol, bytes_count, packets_count,
		COALESCE(exporter_ip::text, ''), flow_start, flow_end, flow_duration_ms, tcp_flags,
		input_interface, output_interface, tos, sampling_rate, flow_source, extended_fields
		FROM flow_records WHERE ts >= $1 AND ts < $2 ORDER BY id`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	defer rows.Close()

	var out []*flowlens.FlowRecord
	for rows.Next() {
		var (
			f                           flowlens.FlowRecord
			srcIP, dstIP, exporter, src string
			srcPort, dstPort, protocol  int
			bytesN, packetsN            int64
			flowStart, flowEnd          sql.NullTime
			tcpFlags, tos               int
			inIf, outIf, rate           int64
			ext                         []byte
		)
		if err := rows.Scan(&f.Timestamp, &srcIP, &dstIP, &srcPort, &dstPort, &protocol,
			&bytesN, &packetsN, &exporter, &flowStart, &flowEnd, &f.FlowDurationMs,
			&tcpFlags, &inIf, &outIf, &tos, &rate, &src, &ext); err != nil {
			return nil, err
		}
		f.Timestamp = f.Timestamp.UTC()
		f.SrcIP = parseAddr(srcIP)
		f.DstIP = parseAddr(dstIP)
		f.SrcPort = uint16(srcPort)
		f.DstPort = uint16(dstPort)
		f.Protocol = uint8(protocol)
		f.BytesCount = uint64(bytesN)
		f.PacketsCount = uint64(packetsN)
		f.ExporterIP = parseAddr(exporter)
		f.FlowStart = scanTime(flowStart)
		f.FlowEnd = scanTime(flowEnd)
		f.TCPFlags = uint8(tcpFlags)
		f.InputInterface = uint32(inIf)
		f.OutputInterface = uint32(outIf)
		f.TOS = uint8(tos)
		f.SamplingRate = uint32(rate)
		f.FlowSource = flowlens.FlowSource(src)
		if len(ext) > 0 {
			if err := json.Unmarshal(ext, &f.ExtendedFields); err != nil {
				return nil, fmt.Errorf("unmarshal extended fields: %w", err)
			}
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// ---- aggregates ----

// UpsertAggregates writes rows keyed by window + 5-tuple. A processed row
// never loses its flag on re-run.
func (p *Postgres) UpsertAggregates(ctx context.Context, aggs []*flowlens.FlowAggregate) error {
	if len(aggs) == 0 {
		return nil
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range aggs {
		if err := a.Validate(); err != nil {
			return err
		}
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO flow_aggregates
			(id, window_start, window_end, src_ip, dst_ip, src_port, dst_port, protocol,
			 bytes_total, packets_total, flows_count, duration_ms_sum, primary_gateway_ip, exporter_ip,
			 src_asset_id, dst_asset_id, is_processed)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			ON CONFLICT (window_start, window_end, src_ip, dst_ip, src_port, dst_port, protocol)
			DO UPDATE SET
				bytes_total = EXCLUDED.bytes_total,
				packets_total = EXCLUDED.packets_total,
				flows_count = EXCLUDED.flows_count,
				duration_ms_sum = EXCLUDED.duration_ms_sum,
				primary_gateway_ip = EXCLUDED.primary_gateway_ip,
				exporter_ip = EXCLUDED.exporter_ip,
				is_processed = flow_aggregates.is_processed OR EXCLUDED.is_processed`,
			a.ID.String(), a.WindowStart, a.WindowEnd,
			a.SrcIP.String(), a.DstIP.String(), int(a.SrcPort), int(a.DstPort), int(a.Protocol),
			int64(a.BytesTotal), int64(a.PacketsTotal), int64(a.FlowsCount), int64(a.DurationMsSum),
			addrArg(a.PrimaryGatewayIP), addrArg(a.ExporterIP),
			uuidArg(a.SrcAssetID), uuidArg(a.DstAssetID), a.IsProcessed,
		); err != nil {
			return fmt.Errorf("upsert aggregate: %w", err)
		}
	}
	return tx.Commit()
}

const aggregateColumns = `id, window_start, window_end, src_ip, dst_ip, src_port, dst_port,
	protocol, bytes_total, packets_total, flows_count, duration_ms_sum,
	COALESCE(primary_gateway_ip::text, ''), COALESCE(exporter_ip::text, ''),
	src_asset_id, dst_asset_id, is_processed`

func scanAggregate(rows *sql.Rows) (*flowlens.FlowAggregate, error) {
	var (
		a                          flowlens.FlowAggregate
		id, srcIP, dstIP, gw, exp       string
		srcPort, dstPort, protocol      int
		bytesN, packetsN, flows, durSum int64
		srcAsset, dstAsset              sql.NullString
	)
	if err := rows.Scan(&id, &a.WindowStart, &a.WindowEnd, &srcIP, &dstIP,
		&srcPort, &dstPort, &protocol, &bytesN, &packetsN, &flows, &durSum,
		&gw, &exp, &srcAsset, &dstAsset, &a.IsProcessed); err != nil {
		return nil, err
	}
	a.ID, _ = uuid.Parse(id)
	a.WindowStart = a.WindowStart.UTC()
	a.WindowEnd = a.WindowEnd.UTC()
	a.SrcIP = parseAddr(srcIP)
	a.DstIP = parseAddr(dstIP)
	a.SrcPort = uint16(srcPort)
	a.DstPort = uint16(dstPort)
	a.Protocol = uint8(protocol)
	a.BytesTotal = uint64(bytesN)
	a.PacketsTotal = uint64(packetsN)
	a.FlowsCount = uint64(flows)
	a.DurationMsSum = uint64(durSum)
	a.PrimaryGatewayIP = parseAddr(gw)
	a.ExporterIP = parseAddr(exp)
	a.SrcAssetID = scanUUID(srcAsset)
	a.DstAssetID = scanUUID(dstAsset)
	return &a, nil
}

func (p *Postgres) queryAggregates(ctx context.Context, where string, args ...any) ([]*flowlens.FlowAggregate, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+aggregateColumns+` FROM flow_aggregates `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query aggregates: %w", err)
	}
	defer rows.Close()

	var out []*flowlens.FlowAggregate
	for rows.Next() {
		a, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UnprocessedAggregates returns up to limit rows, oldest window first.
func (p *Postgres) UnprocessedAggregates(ctx context.Context, limit int) ([]*flowlens.FlowAggregate, error) {
	if limit <= 0 {
		limit = 1000
	}
	return p.queryAggregates(ctx,
		`WHERE is_processed = FALSE ORDER BY window_start LIMIT $1`, limit)
}

// AggregatesSince returns rows whose window started at or after since.
func (p *Postgres) AggregatesSince(ctx context.Context, since time.Time) ([]*flowlens.FlowAggregate, error) {
	return p.queryAggregates(ctx,
		`WHERE window_start >= $1 ORDER BY window_start`, since)
}

// ---- assets ----

const assetColumns = `id, ip_address, asset_type, name, display_name, hostname,
	environment, datacenter, location, team, owner, is_internal, is_critical,
	connections_in, connections_out, first_seen, last_seen,
	classification_locked, classification_confidence, classification_scores,
	last_classified_at, classification_method, deleted_at`

func scanAsset(rows interface{ Scan(...any) error }) (*flowlens.Asset, error) {
	var (
		a            flowlens.Asset
		id, ip       string
		atype        string
		isInternal   sql.NullBool
		connIn       int64
		connOut      int64
		scores       []byte
		lastClass    sql.NullTime
		deletedAt    sql.NullTime
		methodString string
	)
	if err := rows.Scan(&id, &ip, &atype, &a.Name, &a.DisplayName, &a.Hostname,
		&a.Environment, &a.Datacenter, &a.Location, &a.Team, &a.Owner,
		&isInternal, &a.IsCritical, &connIn, &connOut, &a.FirstSeen, &a.LastSeen,
		&a.ClassificationLocked, &a.ClassificationConfidence, &scores,
		&lastClass, &methodString, &deletedAt); err != nil {
		return nil, err
	}
	a.ID, _ = uuid.Parse(id)
	a.IPAddress = parseAddr(ip)
	a.AssetType = flowlens.AssetType(atype)
	if isInternal.Valid {
		v := isInternal.Bool
		a.IsInternal = &v
	}
	a.ConnectionsIn = uint64(connIn)
	a.ConnectionsOut = uint64(connOut)
	a.FirstSeen = a.FirstSeen.UTC()
	a.LastSeen = a.LastSeen.UTC()
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &a.ClassificationScores); err != nil {
			return nil, fmt.Errorf("unmarshal classification scores: %w", err)
		}
	}
	a.LastClassifiedAt = scanTime(lastClass)
	a.ClassificationMethod = flowlens.ClassificationMethod(methodString)
	a.DeletedAt = scanTimePtr(deletedAt)
	return &a, nil
}

// AssetByIP returns the live asset holding the address.
func (p *Postgres) AssetByIP(ctx context.Context, ip netip.Addr) (*flowlens.Asset, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE ip_address = $1 AND deleted_at IS NULL`,
		ip.String())
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowlens.ErrNotFound
	}
	return a, err
}

// AssetByID returns any asset by id, tombstoned included.
func (p *Postgres) AssetByID(ctx context.Context, id uuid.UUID) (*flowlens.Asset, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = $1`, id.String())
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowlens.ErrNotFound
	}
	return a, err
}

func assetArgs(a *flowlens.Asset) ([]any, error) {
	scores, err := json.Marshal(a.ClassificationScores)
	if err != nil {
		return nil, fmt.Errorf("marshal classification scores: %w", err)
	}
	var isInternal any
	if a.IsInternal != nil {
		isInternal = *a.IsInternal
	}
	var deletedAt any
	if a.DeletedAt != nil {
		deletedAt = *a.DeletedAt
	}
	return []any{
		a.ID.String(), a.IPAddress.String(), string(a.AssetType),
		a.Name, a.DisplayName, a.Hostname,
		a.Environment, a.Datacenter, a.Location, a.Team, a.Owner,
		isInternal, a.IsCritical, int64(a.ConnectionsIn), int64(a.ConnectionsOut),
		a.FirstSeen, a.LastSeen, a.ClassificationLocked, a.ClassificationConfidence,
		scores, timeArg(a.LastClassifiedAt), string(a.ClassificationMethod), deletedAt,
	}, nil
}

// CreateAsset inserts a new asset; the partial unique index rejects a second
// live asset on the same address.
func (p *Postgres) CreateAsset(ctx context.Context, a *flowlens.Asset) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	args, err := assetArgs(a)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, `INSERT INTO assets (`+assetColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		args...); err != nil {
		return fmt.Errorf("insert asset %s: %w", a.IPAddress, err)
	}
	return nil
}

// UpdateAsset replaces the stored row.
func (p *Postgres) UpdateAsset(ctx context.Context, a *flowlens.Asset) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	args, err := assetArgs(a)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE assets SET
		ip_address=$2, asset_type=$3, name=$4, display_name=$5, hostname=$6,
		environment=$7, datacenter=$8, location=$9, team=$10, owner=$11,
		is_internal=$12, is_critical=$13, connections_in=$14, connections_out=$15,
		first_seen=$16, last_seen=$17, classification_locked=$18,
		classification_confidence=$19, classification_scores=$20,
		last_classified_at=$21, classification_method=$22, deleted_at=$23
		WHERE id=$1`, args...)
	if err != nil {
		return fmt.Errorf("update asset %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowlens.ErrNotFound
	}
	return nil
}

// Assets returns all live assets.
func (p *Postgres) Assets(ctx context.Context) ([]*flowlens.Asset, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE deleted_at IS NULL ORDER BY first_seen`)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()
	var out []*flowlens.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SoftDeleteAsset tombstones the asset.
func (p *Postgres) SoftDeleteAsset(ctx context.Context, id uuid.UUID, at time.Time) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	res, err := p.db.ExecContext(ctx,
		`UPDATE assets SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		id.String(), at)
	if err != nil {
		return fmt.Errorf("soft delete asset %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowlens.ErrNotFound
	}
	return nil
}

// AddConnectionCounts bumps the denormalized counters.
func (p *Postgres) AddConnectionCounts(ctx context.Context, id uuid.UUID, in, out uint64) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	res, err := p.db.ExecContext(ctx,
		`UPDATE assets SET connections_in = connections_in + $2,
			connections_out = connections_out + $3 WHERE id = $1`,
		id.String(), int64(in), int64(out))
	if err != nil {
		return fmt.Errorf("bump connection counts %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowlens.ErrNotFound
	}
	return nil
}

// UpsertService accumulates a listener observation.
func (p *Postgres) UpsertService(ctx context.Context, s *flowlens.Service) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO services
		(id, asset_id, port, protocol, connections_total, first_seen, last_seen)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (asset_id, port, protocol) DO UPDATE SET
			connections_total = services.connections_total + EXCLUDED.connections_total,
			last_seen = GREATEST(services.last_seen, EXCLUDED.last_seen)`,
		s.ID.String(), s.AssetID.String(), int(s.Port), int(s.Protocol),
		int64(s.ConnectionsTotal), s.FirstSeen, s.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert service: %w", err)
	}
	return nil
}

// Services returns listener rows for the asset.
func (p *Postgres) Services(ctx context.Context, assetID uuid.UUID) ([]*flowlens.Service, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `SELECT
		id, asset_id, port, protocol, connections_total, first_seen, last_seen
		FROM services WHERE asset_id = $1 ORDER BY port`, assetID.String())
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	defer rows.Close()
	var out []*flowlens.Service
	for rows.Next() {
		var (
			s              flowlens.Service
			id, aid        string
			port, protocol int
			conns          int64
		)
		if err := rows.Scan(&id, &aid, &port, &protocol, &conns, &s.FirstSeen, &s.LastSeen); err != nil {
			return nil, err
		}
		s.ID, _ = uuid.Parse(id)
		s.AssetID, _ = uuid.Parse(aid)
		s.Port = uint16(port)
		s.Protocol = uint8(protocol)
		s.ConnectionsTotal = uint64(conns)
		out = append(out, &s)
	}
	return out, rows.Err()
}

// ClassificationRules returns every rule.
func (p *Postgres) ClassificationRules(ctx context.Context) ([]*flowlens.ClassificationRule, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `SELECT
		id, name, cidr, priority, active, environment, datacenter, location,
		asset_type, is_internal, default_owner, default_team
		FROM classification_rules ORDER BY priority`)
	if err != nil {
		return nil, fmt.Errorf("query classification rules: %w", err)
	}
	defer rows.Close()
	var out []*flowlens.ClassificationRule
	for rows.Next() {
		var (
			r          flowlens.ClassificationRule
			id, cidr   string
			atype      string
			isInternal sql.NullBool
		)
		if err := rows.Scan(&id, &r.Name, &cidr, &r.Priority, &r.Active,
			&r.Environment, &r.Datacenter, &r.Location, &atype,
			&isInternal, &r.DefaultOwner, &r.DefaultTeam); err != nil {
			return nil, err
		}
		r.ID, _ = uuid.Parse(id)
		if prefix, err := netip.ParsePrefix(cidr); err == nil {
			r.CIDR = prefix
		}
		r.AssetType = flowlens.AssetType(atype)
		if isInternal.Valid {
			v := isInternal.Bool
			r.IsInternal = &v
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SaveClassificationRule inserts or replaces a rule.
func (p *Postgres) SaveClassificationRule(ctx context.Context, r *flowlens.ClassificationRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	var isInternal any
	if r.IsInternal != nil {
		isInternal = *r.IsInternal
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO classification_rules
		(id, name, cidr, priority, active, environment, datacenter, location,
		 asset_type, is_internal, default_owner, default_team)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, cidr=EXCLUDED.cidr, priority=EXCLUDED.priority,
			active=EXCLUDED.active, environment=EXCLUDED.environment,
			datacenter=EXCLUDED.datacenter, location=EXCLUDED.location,
			asset_type=EXCLUDED.asset_type, is_internal=EXCLUDED.is_internal,
			default_owner=EXCLUDED.default_owner, default_team=EXCLUDED.default_team`,
		r.ID.String(), r.Name, r.CIDR.String(), r.Priority, r.Active,
		r.Environment, r.Datacenter, r.Location, string(r.AssetType),
		isInternal, r.DefaultOwner, r.DefaultTeam)
	if err != nil {
		return fmt.Errorf("save classification rule %q: %w", r.Name, err)
	}
	return nil
}

// ---- dependencies ----

const dependencyColumns = `id, source_asset_id, target_asset_id, target_port, protocol,
	bytes_total, packets_total, flows_total, bytes_last_24h, bytes_last_7d,
	first_seen, last_seen, valid_from, valid_to, avg_latency_ms,
	is_critical, is_confirmed, is_ignored, discovered_by`

func scanDependency(rows interface{ Scan(...any) error }) (*flowlens.Dependency, error) {
	var (
		d                           flowlens.Dependency
		id, src, dst                string
		port, protocol              int
		bytesN, packetsN, flowsN    int64
		b24, b7d                    int64
		validTo                     sql.NullTime
	)
	if err := rows.Scan(&id, &src, &dst, &port, &protocol,
		&bytesN, &packetsN, &flowsN, &b24, &b7d,
		&d.FirstSeen, &d.LastSeen, &d.ValidFrom, &validTo, &d.AvgLatencyMs,
		&d.IsCritical, &d.IsConfirmed, &d.IsIgnored, &d.DiscoveredBy); err != nil {
		return nil, err
	}
	d.ID, _ = uuid.Parse(id)
	d.SourceAssetID, _ = uuid.Parse(src)
	d.TargetAssetID, _ = uuid.Parse(dst)
	d.TargetPort = uint16(port)
	d.Protocol = uint8(protocol)
	d.BytesTotal = uint64(bytesN)
	d.PacketsTotal = uint64(packetsN)
	d.FlowsTotal = uint64(flowsN)
	d.BytesLast24h = uint64(b24)
	d.BytesLast7d = uint64(b7d)
	d.FirstSeen = d.FirstSeen.UTC()
	d.LastSeen = d.LastSeen.UTC()
	d.ValidFrom = d.ValidFrom.UTC()
	d.ValidTo = scanTimePtr(validTo)
	return &d, nil
}

func (p *Postgres) queryDependencies(ctx context.Context, where string, args ...any) ([]*flowlens.Dependency, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+dependencyColumns+` FROM dependencies `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()
	var out []*flowlens.Dependency
	for rows.Next() {
		d, err := scanDependency(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ApplyEdgeDelta upserts the current edge row and flips the aggregate in one
// transaction. The SELECT ... FOR UPDATE serializes concurrent builders on
// the same key; the partial unique index backstops the at-most-one-insert
// guarantee.
func (p *Postgres) ApplyEdgeDelta(ctx context.Context, delta EdgeDelta) (*flowlens.Dependency, bool, error) {
	if delta.Key.SourceAssetID == delta.Key.TargetAssetID {
		return nil, false, fmt.Errorf("edge delta: self-loop on asset %s", delta.Key.SourceAssetID)
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if delta.AggregateID != uuid.Nil {
		var processed bool
		err := tx.QueryRowContext(ctx,
			`SELECT is_processed FROM flow_aggregates WHERE id = $1 FOR UPDATE`,
			delta.AggregateID.String()).Scan(&processed)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Aggregate vanished; apply the edge anyway.
		case err != nil:
			return nil, false, fmt.Errorf("lock aggregate: %w", err)
		case processed:
			// Reprocessing guard: nothing to do.
			dep, derr := p.CurrentDependency(ctx, delta.Key)
			if errors.Is(derr, flowlens.ErrNotFound) {
				return nil, false, tx.Commit()
			}
			return dep, false, tx.Commit()
		}
	}

	row := tx.QueryRowContext(ctx, `SELECT `+dependencyColumns+` FROM dependencies
		WHERE source_asset_id = $1 AND target_asset_id = $2
		  AND target_port = $3 AND protocol = $4 AND valid_to IS NULL
		FOR UPDATE`,
		delta.Key.SourceAssetID.String(), delta.Key.TargetAssetID.String(),
		int(delta.Key.TargetPort), int(delta.Key.Protocol))
	dep, err := scanDependency(row)
	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
		dep = &flowlens.Dependency{
			ID:           uuid.New(),
			EdgeKey:      delta.Key,
			FirstSeen:    delta.WindowStart,
			LastSeen:     delta.WindowEnd,
			ValidFrom:    delta.WindowStart,
			DiscoveredBy: delta.DiscoveredBy,
		}
	case err != nil:
		return nil, false, fmt.Errorf("lock dependency: %w", err)
	}

	dep.BytesTotal += delta.Bytes
	dep.PacketsTotal += delta.Packets
	dep.FlowsTotal += delta.Flows
	if delta.WindowEnd.After(dep.LastSeen) {
		dep.LastSeen = delta.WindowEnd
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dependency_traffic (dependency_id, window_end, bytes) VALUES ($1,$2,$3)`,
		dep.ID.String(), delta.WindowEnd, int64(delta.Bytes)); err != nil {
		return nil, false, fmt.Errorf("insert traffic point: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dependency_traffic WHERE dependency_id = $1 AND window_end < $2`,
		dep.ID.String(), delta.WindowEnd.Add(-7*24*time.Hour)); err != nil {
		return nil, false, fmt.Errorf("prune traffic points: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(bytes) FILTER (WHERE window_end >= $2), 0)::BIGINT,
		COALESCE(SUM(bytes), 0)::BIGINT
		FROM dependency_traffic WHERE dependency_id = $1`,
		dep.ID.String(), delta.WindowEnd.Add(-24*time.Hour),
	).Scan(&dep.BytesLast24h, &dep.BytesLast7d); err != nil {
		return nil, false, fmt.Errorf("rolling counters: %w", err)
	}

	if created {
		if _, err := tx.ExecContext(ctx, `INSERT INTO dependencies (`+dependencyColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
			dep.ID.String(), dep.SourceAssetID.String(), dep.TargetAssetID.String(),
			int(dep.TargetPort), int(dep.Protocol),
			int64(dep.BytesTotal), int64(dep.PacketsTotal), int64(dep.FlowsTotal),
			int64(dep.BytesLast24h), int64(dep.BytesLast7d),
			dep.FirstSeen, dep.LastSeen, dep.ValidFrom, nil, dep.AvgLatencyMs,
			dep.IsCritical, dep.IsConfirmed, dep.IsIgnored, dep.DiscoveredBy,
		); err != nil {
			return nil, false, fmt.Errorf("insert dependency: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE dependencies SET
			bytes_total=$2, packets_total=$3, flows_total=$4,
			bytes_last_24h=$5, bytes_last_7d=$6, last_seen=$7
			WHERE id=$1`,
			dep.ID.String(), int64(dep.BytesTotal), int64(dep.PacketsTotal),
			int64(dep.FlowsTotal), int64(dep.BytesLast24h), int64(dep.BytesLast7d),
			dep.LastSeen); err != nil {
			return nil, false, fmt.Errorf("update dependency: %w", err)
		}
	}

	if delta.AggregateID != uuid.Nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE flow_aggregates SET is_processed = TRUE WHERE id = $1`,
			delta.AggregateID.String()); err != nil {
			return nil, false, fmt.Errorf("mark aggregate processed: %w", err)
		}
	}

	transition := flowlens.TransitionUpdated
	if created {
		transition = flowlens.TransitionCreated
	}
	if err := insertHistoryTx(ctx, tx, &flowlens.DependencyHistory{
		ID:           uuid.New(),
		DependencyID: dep.ID,
		Transition:   transition,
		After:        dep,
		RecordedAt:   delta.WindowEnd,
	}); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return dep, created, nil
}

func insertHistoryTx(ctx context.Context, tx *sql.Tx, h *flowlens.DependencyHistory) error {
	var beforeJSON, afterJSON []byte
	var err error
	if h.Before != nil {
		if beforeJSON, err = json.Marshal(h.Before); err != nil {
			return fmt.Errorf("marshal history before: %w", err)
		}
	}
	if h.After != nil {
		if afterJSON, err = json.Marshal(h.After); err != nil {
			return fmt.Errorf("marshal history after: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO dependency_history
		(id, dependency_id, transition, before_state, after_state, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		h.ID.String(), h.DependencyID.String(), string(h.Transition),
		beforeJSON, afterJSON, h.RecordedAt); err != nil {
		return fmt.Errorf("insert dependency history: %w", err)
	}
	return nil
}

// CurrentDependency returns the live edge for the key.
func (p *Postgres) CurrentDependency(ctx context.Context, key flowlens.EdgeKey) (*flowlens.Dependency, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `SELECT `+dependencyColumns+` FROM dependencies
		WHERE source_asset_id = $1 AND target_asset_id = $2
		  AND target_port = $3 AND protocol = $4 AND valid_to IS NULL`,
		key.SourceAssetID.String(), key.TargetAssetID.String(),
		int(key.TargetPort), int(key.Protocol))
	d, err := scanDependency(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowlens.ErrNotFound
	}
	return d, err
}

// DependencyByID returns any edge version.
func (p *Postgres) DependencyByID(ctx context.Context, id uuid.UUID) (*flowlens.Dependency, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx,
		`SELECT `+dependencyColumns+` FROM dependencies WHERE id = $1`, id.String())
	d, err := scanDependency(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowlens.ErrNotFound
	}
	return d, err
}

// CurrentDependencies returns every live edge.
func (p *Postgres) CurrentDependencies(ctx context.Context) ([]*flowlens.Dependency, error) {
	return p.queryDependencies(ctx, `WHERE valid_to IS NULL`)
}

// DependenciesAt returns the edges valid at the reference time.
func (p *Postgres) DependenciesAt(ctx context.Context, t time.Time) ([]*flowlens.Dependency, error) {
	return p.queryDependencies(ctx,
		`WHERE valid_from <= $1 AND (valid_to IS NULL OR valid_to > $1)`, t)
}

// DependenciesSeenSince returns live edges touched at or after since.
func (p *Postgres) DependenciesSeenSince(ctx context.Context, since time.Time) ([]*flowlens.Dependency, error) {
	return p.queryDependencies(ctx,
		`WHERE valid_to IS NULL AND last_seen >= $1`, since)
}

// StaleCurrentDependencies returns live edges unseen since the cutoff.
func (p *Postgres) StaleCurrentDependencies(ctx context.Context, cutoff time.Time) ([]*flowlens.Dependency, error) {
	return p.queryDependencies(ctx,
		`WHERE valid_to IS NULL AND last_seen < $1`, cutoff)
}

// InvalidateDependency closes an edge version and logs the transition.
func (p *Postgres) InvalidateDependency(ctx context.Context, id uuid.UUID, at time.Time, transition flowlens.DependencyTransition) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+dependencyColumns+` FROM dependencies WHERE id = $1 FOR UPDATE`,
		id.String())
	dep, err := scanDependency(row)
	if errors.Is(err, sql.ErrNoRows) {
		return flowlens.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock dependency: %w", err)
	}
	if dep.ValidTo != nil {
		return tx.Commit() // already closed
	}
	before := *dep
	if _, err := tx.ExecContext(ctx,
		`UPDATE dependencies SET valid_to = $2 WHERE id = $1`, id.String(), at); err != nil {
		return fmt.Errorf("invalidate dependency: %w", err)
	}
	after := *dep
	t := at
	after.ValidTo = &t
	if err := insertHistoryTx(ctx, tx, &flowlens.DependencyHistory{
		ID:           uuid.New(),
		DependencyID: id,
		Transition:   transition,
		Before:       &before,
		After:        &after,
		RecordedAt:   at,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SetDependencyFlags persists the operator-controlled bits.
func (p *Postgres) SetDependencyFlags(ctx context.Context, id uuid.UUID, critical, confirmed, ignored bool) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	res, err := p.db.ExecContext(ctx,
		`UPDATE dependencies SET is_critical=$2, is_confirmed=$3, is_ignored=$4 WHERE id=$1`,
		id.String(), critical, confirmed, ignored)
	if err != nil {
		return fmt.Errorf("set dependency flags %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowlens.ErrNotFound
	}
	return nil
}

// AppendDependencyHistory adds an externally-built transition row.
func (p *Postgres) AppendDependencyHistory(ctx context.Context, h *flowlens.DependencyHistory) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertHistoryTx(ctx, tx, h); err != nil {
		return err
	}
	return tx.Commit()
}

// DependencyHistoryFor returns the edge's transitions in recorded order.
func (p *Postgres) DependencyHistoryFor(ctx context.Context, dependencyID uuid.UUID) ([]*flowlens.DependencyHistory, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `SELECT
		id, dependency_id, transition, before_state, after_state, recorded_at
		FROM dependency_history WHERE dependency_id = $1 ORDER BY recorded_at`,
		dependencyID.String())
	if err != nil {
		return nil, fmt.Errorf("query dependency history: %w", err)
	}
	defer rows.Close()
	var out []*flowlens.DependencyHistory
	for rows.Next() {
		var (
			h           flowlens.DependencyHistory
			id, depID   string
			trans       string
			before, aft []byte
		)
		if err := rows.Scan(&id, &depID, &trans, &before, &aft, &h.RecordedAt); err != nil {
			return nil, err
		}
		h.ID, _ = uuid.Parse(id)
		h.DependencyID, _ = uuid.Parse(depID)
		h.Transition = flowlens.DependencyTransition(trans)
		if len(before) > 0 {
			h.Before = &flowlens.Dependency{}
			if err := json.Unmarshal(before, h.Before); err != nil {
				return nil, fmt.Errorf("unmarshal history before: %w", err)
			}
		}
		if len(aft) > 0 {
			h.After = &flowlens.Dependency{}
			if err := json.Unmarshal(aft, h.After); err != nil {
				return nil, fmt.Errorf("unmarshal history after: %w", err)
			}
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// ---- gateways ----

// InsertGatewayObservations stages next-hop observations.
func (p *Postgres) InsertGatewayObservations(ctx context.Context, obs []*flowlens.GatewayObservation) error {
	if len(obs) == 0 {
		return nil
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, o := range obs {
		if o.ID == uuid.Nil {
			o.ID = uuid.New()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO gateway_observations
			(id, source_ip, gateway_ip, destination_ip, window_start, window_end,
			 bytes_total, flows_count, observation_source, is_processed)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			o.ID.String(), o.SourceIP.String(), o.GatewayIP.String(), o.DestinationIP.String(),
			o.WindowStart, o.WindowEnd, int64(o.BytesTotal), int64(o.FlowsCount),
			o.ObservationSource, o.IsProcessed); err != nil {
			return fmt.Errorf("insert gateway observation: %w", err)
		}
	}
	return tx.Commit()
}

const observationColumns = `id, source_ip, gateway_ip, destination_ip,
	window_start, window_end, bytes_total, flows_count, observation_source, is_processed`

func scanObservation(rows *sql.Rows) (*flowlens.GatewayObservation, error) {
	var (
		o             flowlens.GatewayObservation
		id, s, g, d   string
		bytesN, flows int64
	)
	if err := rows.Scan(&id, &s, &g, &d, &o.WindowStart, &o.WindowEnd,
		&bytesN, &flows, &o.ObservationSource, &o.IsProcessed); err != nil {
		return nil, err
	}
	o.ID, _ = uuid.Parse(id)
	o.SourceIP = parseAddr(s)
	o.GatewayIP = parseAddr(g)
	o.DestinationIP = parseAddr(d)
	o.WindowStart = o.WindowStart.UTC()
	o.WindowEnd = o.WindowEnd.UTC()
	o.BytesTotal = uint64(bytesN)
	o.FlowsCount = uint64(flows)
	return &o, nil
}

func (p *Postgres) queryObservations(ctx context.Context, where string, args ...any) ([]*flowlens.GatewayObservation, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+observationColumns+` FROM gateway_observations `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query gateway observations: %w", err)
	}
	defer rows.Close()
	var out []*flowlens.GatewayObservation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UnprocessedGatewayObservations returns staged rows, oldest window first.
func (p *Postgres) UnprocessedGatewayObservations(ctx context.Context, limit int) ([]*flowlens.GatewayObservation, error) {
	if limit <= 0 {
		limit = 1000
	}
	return p.queryObservations(ctx,
		`WHERE is_processed = FALSE ORDER BY window_start LIMIT $1`, limit)
}

// MarkGatewayObservationsProcessed flips the staged rows.
func (p *Postgres) MarkGatewayObservationsProcessed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE gateway_observations SET is_processed = TRUE WHERE id = ANY($1)`, strs)
	if err != nil {
		return fmt.Errorf("mark observations processed: %w", err)
	}
	return nil
}

// GatewayObservationsSince returns observations from recent windows.
func (p *Postgres) GatewayObservationsSince(ctx context.Context, since time.Time) ([]*flowlens.GatewayObservation, error) {
	return p.queryObservations(ctx, `WHERE window_start >= $1 ORDER BY window_start`, since)
}

const gatewayColumns = `id, source_asset_id, gateway_asset_id,
	COALESCE(destination_network::text, ''), gateway_role, confidence,
	confidence_scores, traffic_share, bytes_total, flows_total,
	first_seen, last_seen, valid_from, valid_to`

func scanGateway(rows *sql.Rows) (*flowlens.AssetGateway, error) {
	var (
		g             flowlens.AssetGateway
		id, src, gw   string
		dest, role    string
		scores        []byte
		bytesN, flows int64
		validTo       sql.NullTime
	)
	if err := rows.Scan(&id, &src, &gw, &dest, &role, &g.Confidence, &scores,
		&g.TrafficShare, &bytesN, &flows, &g.FirstSeen, &g.LastSeen,
		&g.ValidFrom, &validTo); err != nil {
		return nil, err
	}
	g.ID, _ = uuid.Parse(id)
	g.SourceAssetID, _ = uuid.Parse(src)
	g.GatewayAssetID, _ = uuid.Parse(gw)
	if dest != "" {
		if prefix, err := netip.ParsePrefix(dest); err == nil {
			g.DestinationNetwork = &prefix
		}
	}
	g.Role = flowlens.GatewayRole(role)
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &g.ConfidenceScores); err != nil {
			return nil, fmt.Errorf("unmarshal confidence scores: %w", err)
		}
	}
	g.BytesTotal = uint64(bytesN)
	g.FlowsTotal = uint64(flows)
	g.FirstSeen = g.FirstSeen.UTC()
	g.LastSeen = g.LastSeen.UTC()
	g.ValidFrom = g.ValidFrom.UTC()
	g.ValidTo = scanTimePtr(validTo)
	return &g, nil
}

// CurrentGateways returns every live gateway relationship.
func (p *Postgres) CurrentGateways(ctx context.Context) ([]*flowlens.AssetGateway, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+gatewayColumns+` FROM asset_gateways WHERE valid_to IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query gateways: %w", err)
	}
	defer rows.Close()
	var out []*flowlens.AssetGateway
	for rows.Next() {
		g, err := scanGateway(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpsertGateway writes the current row for its identity.
func (p *Postgres) UpsertGateway(ctx context.Context, g *flowlens.AssetGateway) error {
	if err := g.Validate(); err != nil {
		return err
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	scores, err := json.Marshal(g.ConfidenceScores)
	if err != nil {
		return fmt.Errorf("marshal confidence scores: %w", err)
	}
	var dest any
	if g.DestinationNetwork != nil {
		dest = g.DestinationNetwork.String()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existingID string
	var firstSeen, validFrom time.Time
	err = tx.QueryRowContext(ctx, `SELECT id, first_seen, valid_from FROM asset_gateways
		WHERE source_asset_id = $1 AND gateway_asset_id = $2
		  AND destination_network IS NOT DISTINCT FROM $3::cidr AND valid_to IS NULL
		FOR UPDATE`,
		g.SourceAssetID.String(), g.GatewayAssetID.String(), dest).
		Scan(&existingID, &firstSeen, &validFrom)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO asset_gateways
			(id, source_asset_id, gateway_asset_id, destination_network, gateway_role,
			 confidence, confidence_scores, traffic_share, bytes_total, flows_total,
			 first_seen, last_seen, valid_from, valid_to)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NULL)`,
			g.ID.String(), g.SourceAssetID.String(), g.GatewayAssetID.String(), dest,
			string(g.Role), g.Confidence, scores, g.TrafficShare,
			int64(g.BytesTotal), int64(g.FlowsTotal),
			g.FirstSeen, g.LastSeen, g.ValidFrom); err != nil {
			return fmt.Errorf("insert gateway: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lock gateway: %w", err)
	default:
		g.ID, _ = uuid.Parse(existingID)
		g.FirstSeen = firstSeen.UTC()
		g.ValidFrom = validFrom.UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE asset_gateways SET
			gateway_role=$2, confidence=$3, confidence_scores=$4, traffic_share=$5,
			bytes_total=$6, flows_total=$7, last_seen=$8
			WHERE id=$1`,
			existingID, string(g.Role), g.Confidence, scores, g.TrafficShare,
			int64(g.BytesTotal), int64(g.FlowsTotal), g.LastSeen); err != nil {
			return fmt.Errorf("update gateway: %w", err)
		}
	}
	return tx.Commit()
}

// InvalidateGateway closes the relationship version.
func (p *Postgres) InvalidateGateway(ctx context.Context, id uuid.UUID, at time.Time) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	res, err := p.db.ExecContext(ctx,
		`UPDATE asset_gateways SET valid_to = $2 WHERE id = $1 AND valid_to IS NULL`,
		id.String(), at)
	if err != nil {
		return fmt.Errorf("invalidate gateway %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowlens.ErrNotFound
	}
	return nil
}

// ---- change events & alerts ----

// InsertChangeEvent records a graph delta.
func (p *Postgres) InsertChangeEvent(ctx context.Context, e *flowlens.ChangeEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO change_events
		(id, change_type, detected_at, asset_id, dependency_id,
		 previous_state, new_state, impact_score, affected_assets_count, is_processed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID.String(), string(e.ChangeType), e.DetectedAt,
		uuidArg(e.AssetID), uuidArg(e.DependencyID),
		[]byte(e.PreviousState), []byte(e.NewState),
		e.ImpactScore, e.AffectedAssetsCount, e.IsProcessed)
	if err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return nil
}

const eventColumns = `id, change_type, detected_at, asset_id, dependency_id,
	previous_state, new_state, impact_score, affected_assets_count, is_processed`

func scanEvent(rows interface{ Scan(...any) error }) (*flowlens.ChangeEvent, error) {
	var (
		e            flowlens.ChangeEvent
		id, ctype    string
		asset, dep   sql.NullString
		prev, next   []byte
	)
	if err := rows.Scan(&id, &ctype, &e.DetectedAt, &asset, &dep,
		&prev, &next, &e.ImpactScore, &e.AffectedAssetsCount, &e.IsProcessed); err != nil {
		return nil, err
	}
	e.ID, _ = uuid.Parse(id)
	e.ChangeType = flowlens.ChangeType(ctype)
	e.DetectedAt = e.DetectedAt.UTC()
	e.AssetID = scanUUID(asset)
	e.DependencyID = scanUUID(dep)
	e.PreviousState = prev
	e.NewState = next
	return &e, nil
}

// UnprocessedChangeEvents returns events pending alert evaluation.
func (p *Postgres) UnprocessedChangeEvents(ctx context.Context, limit int) ([]*flowlens.ChangeEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM change_events
		WHERE is_processed = FALSE ORDER BY detected_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query change events: %w", err)
	}
	defer rows.Close()
	var out []*flowlens.ChangeEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkChangeEventProcessed flips the event.
func (p *Postgres) MarkChangeEventProcessed(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	res, err := p.db.ExecContext(ctx,
		`UPDATE change_events SET is_processed = TRUE WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("mark change event processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowlens.ErrNotFound
	}
	return nil
}

// ChangeEventByID returns one event.
func (p *Postgres) ChangeEventByID(ctx context.Context, id uuid.UUID) (*flowlens.ChangeEvent, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM change_events WHERE id = $1`, id.String())
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowlens.ErrNotFound
	}
	return e, err
}

// ChangeEventsSince returns events detected at or after since.
func (p *Postgres) ChangeEventsSince(ctx context.Context, since time.Time) ([]*flowlens.ChangeEvent, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM change_events
		WHERE detected_at >= $1 ORDER BY detected_at`, since)
	if err != nil {
		return nil, fmt.Errorf("query change events: %w", err)
	}
	defer rows.Close()
	var out []*flowlens.ChangeEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func alertArgs(a *flowlens.Alert) ([]any, error) {
	channels, err := json.Marshal(a.NotifyChannels)
	if err != nil {
		return nil, fmt.Errorf("marshal notify channels: %w", err)
	}
	results, err := json.Marshal(a.NotifyResults)
	if err != nil {
		return nil, fmt.Errorf("marshal notify results: %w", err)
	}
	var ackAt, resAt any
	if a.AcknowledgedAt != nil {
		ackAt = *a.AcknowledgedAt
	}
	if a.ResolvedAt != nil {
		resAt = *a.ResolvedAt
	}
	return []any{
		a.ID.String(), a.RuleID.String(), a.EventID.String(), string(a.Severity),
		a.Title, a.Description, string(a.Status), a.CreatedAt,
		ackAt, a.AcknowledgedBy, resAt, a.ResolvedBy,
		a.AutoClearEligible, channels, results,
	}, nil
}

// InsertAlert records a new alert.
func (p *Postgres) InsertAlert(ctx context.Context, a *flowlens.Alert) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	args, err := alertArgs(a)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, `INSERT INTO alerts
		(id, rule_id, event_id, severity, title, description, status, created_at,
		 acknowledged_at, acknowledged_by, resolved_at, resolved_by,
		 auto_clear_eligible, notify_channels, notify_results)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`, args...); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

const alertColumns = `id, rule_id, event_id, severity, title, description, status,
	created_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by,
	auto_clear_eligible, notify_channels, notify_results`

func scanAlert(rows interface{ Scan(...any) error }) (*flowlens.Alert, error) {
	var (
		a                  flowlens.Alert
		id, rid, eid       string
		severity, status   string
		ackAt, resAt       sql.NullTime
		channels, results  []byte
	)
	if err := rows.Scan(&id, &rid, &eid, &severity, &a.Title, &a.Description,
		&status, &a.CreatedAt, &ackAt, &a.AcknowledgedBy, &resAt, &a.ResolvedBy,
		&a.AutoClearEligible, &channels, &results); err != nil {
		return nil, err
	}
	a.ID, _ = uuid.Parse(id)
	a.RuleID, _ = uuid.Parse(rid)
	a.EventID, _ = uuid.Parse(eid)
	a.Severity = flowlens.Severity(severity)
	a.Status = flowlens.AlertStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	a.AcknowledgedAt = scanTimePtr(ackAt)
	a.ResolvedAt = scanTimePtr(resAt)
	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &a.NotifyChannels); err != nil {
			return nil, fmt.Errorf("unmarshal notify channels: %w", err)
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &a.NotifyResults); err != nil {
			return nil, fmt.Errorf("unmarshal notify results: %w", err)
		}
	}
	return &a, nil
}

// AlertByID returns one alert.
func (p *Postgres) AlertByID(ctx context.Context, id uuid.UUID) (*flowlens.Alert, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id.String())
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowlens.ErrNotFound
	}
	return a, err
}

// UpdateAlert replaces the stored alert.
func (p *Postgres) UpdateAlert(ctx context.Context, a *flowlens.Alert) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	args, err := alertArgs(a)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE alerts SET
		rule_id=$2, event_id=$3, severity=$4, title=$5, description=$6, status=$7,
		created_at=$8, acknowledged_at=$9, acknowledged_by=$10,
		resolved_at=$11, resolved_by=$12, auto_clear_eligible=$13,
		notify_channels=$14, notify_results=$15
		WHERE id=$1`, args...)
	if err != nil {
		return fmt.Errorf("update alert %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowlens.ErrNotFound
	}
	return nil
}

func (p *Postgres) queryAlerts(ctx context.Context, where string, args ...any) ([]*flowlens.Alert, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	var out []*flowlens.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// OpenAlerts returns unresolved alerts, newest first.
func (p *Postgres) OpenAlerts(ctx context.Context) ([]*flowlens.Alert, error) {
	return p.queryAlerts(ctx, `WHERE status <> 'resolved' ORDER BY created_at DESC`)
}

// AlertsForEvent returns the alerts bound to a change event.
func (p *Postgres) AlertsForEvent(ctx context.Context, eventID uuid.UUID) ([]*flowlens.Alert, error) {
	return p.queryAlerts(ctx, `WHERE event_id = $1 ORDER BY created_at`, eventID.String())
}

// AlertRules returns every rule.
func (p *Postgres) AlertRules(ctx context.Context) ([]*flowlens.AlertRule, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `SELECT
		id, name, active, change_types, asset_filter, severity,
		title_template, description_template, notify_channels,
		cooldown_minutes, priority, schedule, last_triggered_at, trigger_count
		FROM alert_rules ORDER BY priority`)
	if err != nil {
		return nil, fmt.Errorf("query alert rules: %w", err)
	}
	defer rows.Close()
	var out []*flowlens.AlertRule
	for rows.Next() {
		var (
			r                 flowlens.AlertRule
			id, severity      string
			ctypes, filter    []byte
			channels          []byte
			lastTriggered     sql.NullTime
			triggerCount      int64
		)
		if err := rows.Scan(&id, &r.Name, &r.Active, &ctypes, &filter, &severity,
			&r.TitleTemplate, &r.DescriptionTemplate, &channels,
			&r.CooldownMinutes, &r.Priority, &r.Schedule,
			&lastTriggered, &triggerCount); err != nil {
			return nil, err
		}
		r.ID, _ = uuid.Parse(id)
		r.Severity = flowlens.Severity(severity)
		if len(ctypes) > 0 {
			if err := json.Unmarshal(ctypes, &r.ChangeTypes); err != nil {
				return nil, fmt.Errorf("unmarshal change types: %w", err)
			}
		}
		if len(filter) > 0 {
			if err := json.Unmarshal(filter, &r.AssetFilter); err != nil {
				return nil, fmt.Errorf("unmarshal asset filter: %w", err)
			}
		}
		if len(channels) > 0 {
			if err := json.Unmarshal(channels, &r.NotifyChannels); err != nil {
				return nil, fmt.Errorf("unmarshal notify channels: %w", err)
			}
		}
		r.LastTriggeredAt = scanTimePtr(lastTriggered)
		r.TriggerCount = uint64(triggerCount)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SaveAlertRule inserts or replaces a rule by id.
func (p *Postgres) SaveAlertRule(ctx context.Context, r *flowlens.AlertRule) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	ctypes, err := json.Marshal(r.ChangeTypes)
	if err != nil {
		return fmt.Errorf("marshal change types: %w", err)
	}
	filter, err := json.Marshal(r.AssetFilter)
	if err != nil {
		return fmt.Errorf("marshal asset filter: %w", err)
	}
	channels, err := json.Marshal(r.NotifyChannels)
	if err != nil {
		return fmt.Errorf("marshal notify channels: %w", err)
	}
	var lastTriggered any
	if r.LastTriggeredAt != nil {
		lastTriggered = *r.LastTriggeredAt
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO alert_rules
		(id, name, active, change_types, asset_filter, severity, title_template,
		 description_template, notify_channels, cooldown_minutes, priority,
		 schedule, last_triggered_at, trigger_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, active=EXCLUDED.active,
			change_types=EXCLUDED.change_types, asset_filter=EXCLUDED.asset_filter,
			severity=EXCLUDED.severity, title_template=EXCLUDED.title_template,
			description_template=EXCLUDED.description_template,
			notify_channels=EXCLUDED.notify_channels,
			cooldown_minutes=EXCLUDED.cooldown_minutes, priority=EXCLUDED.priority,
			schedule=EXCLUDED.schedule, last_triggered_at=EXCLUDED.last_triggered_at,
			trigger_count=EXCLUDED.trigger_count`,
		r.ID.String(), r.Name, r.Active, ctypes, filter, string(r.Severity),
		r.TitleTemplate, r.DescriptionTemplate, channels,
		r.CooldownMinutes, r.Priority, r.Schedule, lastTriggered, int64(r.TriggerCount))
	if err != nil {
		return fmt.Errorf("save alert rule %q: %w", r.Name, err)
	}
	return nil
}

// MaintenanceWindows returns every window.
func (p *Postgres) MaintenanceWindows(ctx context.Context) ([]*flowlens.MaintenanceWindow, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `SELECT
		id, name, asset_ids, environments, datacenters,
		start_time, end_time, recurrence, suppressed_count
		FROM maintenance_windows ORDER BY start_time`)
	if err != nil {
		return nil, fmt.Errorf("query maintenance windows: %w", err)
	}
	defer rows.Close()
	var out []*flowlens.MaintenanceWindow
	for rows.Next() {
		var (
			w                 flowlens.MaintenanceWindow
			id                string
			assets, envs, dcs []byte
			suppressed        int64
		)
		if err := rows.Scan(&id, &w.Name, &assets, &envs, &dcs,
			&w.StartTime, &w.EndTime, &w.Recurrence, &suppressed); err != nil {
			return nil, err
		}
		w.ID, _ = uuid.Parse(id)
		if len(assets) > 0 {
			if err := json.Unmarshal(assets, &w.AssetIDs); err != nil {
				return nil, fmt.Errorf("unmarshal window asset ids: %w", err)
			}
		}
		if len(envs) > 0 {
			if err := json.Unmarshal(envs, &w.Environments); err != nil {
				return nil, fmt.Errorf("unmarshal window environments: %w", err)
			}
		}
		if len(dcs) > 0 {
			if err := json.Unmarshal(dcs, &w.Datacenters); err != nil {
				return nil, fmt.Errorf("unmarshal window datacenters: %w", err)
			}
		}
		w.StartTime = w.StartTime.UTC()
		w.EndTime = w.EndTime.UTC()
		w.SuppressedCount = uint64(suppressed)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// SaveMaintenanceWindow inserts or replaces a window by id.
func (p *Postgres) SaveMaintenanceWindow(ctx context.Context, w *flowlens.MaintenanceWindow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	assets, err := json.Marshal(w.AssetIDs)
	if err != nil {
		return fmt.Errorf("marshal window asset ids: %w", err)
	}
	envs, err := json.Marshal(w.Environments)
	if err != nil {
		return fmt.Errorf("marshal window environments: %w", err)
	}
	dcs, err := json.Marshal(w.Datacenters)
	if err != nil {
		return fmt.Errorf("marshal window datacenters: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO maintenance_windows
		(id, name, asset_ids, environments, datacenters, start_time, end_time,
		 recurrence, suppressed_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, asset_ids=EXCLUDED.asset_ids,
			environments=EXCLUDED.environments, datacenters=EXCLUDED.datacenters,
			start_time=EXCLUDED.start_time, end_time=EXCLUDED.end_time,
			recurrence=EXCLUDED.recurrence, suppressed_count=EXCLUDED.suppressed_count`,
		w.ID.String(), w.Name, assets, envs, dcs,
		w.StartTime, w.EndTime, w.Recurrence, int64(w.SuppressedCount))
	if err != nil {
		return fmt.Errorf("save maintenance window %q: %w", w.Name, err)
	}
	return nil
}

// ---- classification ----

// SaveAssetFeatures appends a feature row, serialized as one JSONB document.
func (p *Postgres) SaveAssetFeatures(ctx context.Context, f *flowlens.AssetFeatures) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	blob, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal asset features: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `INSERT INTO asset_features
		(id, asset_id, feature_window, computed_at, features)
		VALUES ($1,$2,$3,$4,$5)`,
		f.ID.String(), f.AssetID.String(), string(f.Window), f.ComputedAt, blob); err != nil {
		return fmt.Errorf("insert asset features: %w", err)
	}
	return nil
}

// LatestAssetFeatures returns the newest row for the asset and window.
func (p *Postgres) LatestAssetFeatures(ctx context.Context, assetID uuid.UUID, window flowlens.FeatureWindow) (*flowlens.AssetFeatures, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	var blob []byte
	err := p.db.QueryRowContext(ctx, `SELECT features FROM asset_features
		WHERE asset_id = $1 AND feature_window = $2
		ORDER BY computed_at DESC LIMIT 1`,
		assetID.String(), string(window)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowlens.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query asset features: %w", err)
	}
	var f flowlens.AssetFeatures
	if err := json.Unmarshal(blob, &f); err != nil {
		return nil, fmt.Errorf("unmarshal asset features: %w", err)
	}
	return &f, nil
}

// AppendClassificationHistory records a type change.
func (p *Postgres) AppendClassificationHistory(ctx context.Context, h *flowlens.ClassificationHistory) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if _, err := p.db.ExecContext(ctx, `INSERT INTO classification_history
		(id, asset_id, previous_type, new_type, confidence, method, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		h.ID.String(), h.AssetID.String(), string(h.PreviousType), string(h.NewType),
		h.Confidence, string(h.Method), h.ChangedAt); err != nil {
		return fmt.Errorf("insert classification history: %w", err)
	}
	return nil
}

// ClassificationHistoryFor returns the asset's audit rows in recorded order.
func (p *Postgres) ClassificationHistoryFor(ctx context.Context, assetID uuid.UUID) ([]*flowlens.ClassificationHistory, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `SELECT
		id, asset_id, previous_type, new_type, confidence, method, changed_at
		FROM classification_history WHERE asset_id = $1 ORDER BY changed_at`,
		assetID.String())
	if err != nil {
		return nil, fmt.Errorf("query classification history: %w", err)
	}
	defer rows.Close()
	var out []*flowlens.ClassificationHistory
	for rows.Next() {
		var (
			h            flowlens.ClassificationHistory
			id, aid      string
			prev, next   string
			method       string
		)
		if err := rows.Scan(&id, &aid, &prev, &next, &h.Confidence, &method, &h.ChangedAt); err != nil {
			return nil, err
		}
		h.ID, _ = uuid.Parse(id)
		h.AssetID, _ = uuid.Parse(aid)
		h.PreviousType = flowlens.AssetType(prev)
		h.NewType = flowlens.AssetType(next)
		h.Method = flowlens.ClassificationMethod(method)
		h.ChangedAt = h.ChangedAt.UTC()
		out = append(out, &h)
	}
	return out, rows.Err()
}

// MLModels returns all registry entries.
func (p *Postgres) MLModels(ctx context.Context) ([]*flowlens.MLModel, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `SELECT
		id, version, trained_at, accuracy, class_distribution, is_active
		FROM ml_model_registry ORDER BY trained_at`)
	if err != nil {
		return nil, fmt.Errorf("query ml models: %w", err)
	}
	defer rows.Close()
	var out []*flowlens.MLModel
	for rows.Next() {
		var (
			m    flowlens.MLModel
			id   string
			dist []byte
		)
		if err := rows.Scan(&id, &m.Version, &m.TrainedAt, &m.Accuracy, &dist, &m.IsActive); err != nil {
			return nil, err
		}
		m.ID, _ = uuid.Parse(id)
		m.TrainedAt = m.TrainedAt.UTC()
		if len(dist) > 0 {
			if err := json.Unmarshal(dist, &m.ClassDistribution); err != nil {
				return nil, fmt.Errorf("unmarshal class distribution: %w", err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// SaveMLModel inserts or replaces a registry entry.
func (p *Postgres) SaveMLModel(ctx context.Context, m *flowlens.MLModel) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	dist, err := json.Marshal(m.ClassDistribution)
	if err != nil {
		return fmt.Errorf("marshal class distribution: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO ml_model_registry
		(id, version, trained_at, accuracy, class_distribution, is_active)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			version=EXCLUDED.version, trained_at=EXCLUDED.trained_at,
			accuracy=EXCLUDED.accuracy, class_distribution=EXCLUDED.class_distribution,
			is_active=EXCLUDED.is_active`,
		m.ID.String(), m.Version, m.TrainedAt, m.Accuracy, dist, m.IsActive)
	if err != nil {
		return fmt.Errorf("save ml model %q: %w", m.Version, err)
	}
	return nil
}

// ActivateMLModel makes the model the single active one.
func (p *Postgres) ActivateMLModel(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`UPDATE ml_model_registry SET is_active = FALSE WHERE is_active`); err != nil {
		return fmt.Errorf("deactivate models: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE ml_model_registry SET is_active = TRUE WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("activate model %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowlens.ErrNotFound
	}
	return tx.Commit()
}
