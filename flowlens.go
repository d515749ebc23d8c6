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

// Package flowlens defines the shared data model for the FlowLens pipeline:
// raw flow records as decoded off the wire, windowed aggregates, and the
// derived asset–dependency graph entities. Service packages under internal/
// operate exclusively on these types; every entity is identified by a UUID.
package flowlens

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// FlowSource tags the wire protocol a record was decoded from.
type FlowSource string

// Known flow sources.
const (
	SourceNetFlow5 FlowSource = "netflow5"
	SourceNetFlow9 FlowSource = "netflow9"
	SourceIPFIX    FlowSource = "ipfix"
	SourceSFlow5   FlowSource = "sflow5"
	SourceUnknown  FlowSource = "unknown"
)

// DefaultPort returns the conventional listening port for a flow source.
func (s FlowSource) DefaultPort() uint16 {
	switch s {
	case SourceIPFIX:
		return 4739
	case SourceSFlow5:
		return 6343
	case SourceNetFlow5, SourceNetFlow9:
		return 2055
	}
	return 0
}

// Extended field keys populated by the parsers.
const (
	FieldNextHop      = "next_hop"
	FieldSrcAS        = "src_as"
	FieldDstAS        = "dst_as"
	FieldSrcMask      = "src_mask"
	FieldDstMask      = "dst_mask"
	FieldFlowSequence = "flow_sequence"
)

// FlowRecord is a single unidirectional flow as reported by an exporter.
// Records are written once at ingest time and never mutated; retention is a
// store concern. Port and protocol ranges are enforced by the field types;
// byte/packet counters are unsigned so negative counts cannot be represented.
type FlowRecord struct {
	Timestamp time.Time

	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	// Protocol is the IP protocol number (6=TCP, 17=UDP, 1=ICMP, ...).
	Protocol uint8

	BytesCount   uint64
	PacketsCount uint64

	ExporterIP netip.Addr

	// FlowStart/FlowEnd are zero when the exporter did not report them.
	FlowStart      time.Time
	FlowEnd        time.Time
	FlowDurationMs int64

	// TCPFlags is only populated when Protocol is TCP.
	TCPFlags        uint8
	InputInterface  uint32
	OutputInterface uint32
	TOS             uint8

	// SamplingRate is the exporter's 1-in-N sampling factor, never below 1.
	SamplingRate uint32

	FlowSource FlowSource

	// ExtendedFields carries protocol-specific extras (next hop, AS numbers,
	// prefix masks, sequence numbers) keyed by the Field* constants.
	ExtendedFields map[string]string
}

// Validate checks the invariants that the field types cannot express.
func (f *FlowRecord) Validate() error {
	if !f.SrcIP.IsValid() || !f.DstIP.IsValid() {
		return errors.New("flow record: src and dst addresses are required")
	}
	if f.Timestamp.IsZero() {
		return errors.New("flow record: timestamp is required")
	}
	if f.SamplingRate < 1 {
		return fmt.Errorf("flow record: sampling rate %d below 1", f.SamplingRate)
	}
	return nil
}

// Normalize applies construction-time defaults: a zero sampling rate is
// interpreted as 1 (unsampled) and non-TCP records drop their TCP flags.
func (f *FlowRecord) Normalize() {
	if f.SamplingRate == 0 {
		f.SamplingRate = 1
	}
	if f.Protocol != ProtocolTCP {
		f.TCPFlags = 0
	}
}

// NextHop returns the parsed next-hop address from the extended fields,
// or an invalid Addr when absent or unparseable.
func (f *FlowRecord) NextHop() netip.Addr {
	raw, ok := f.ExtendedFields[FieldNextHop]
	if !ok {
		return netip.Addr{}
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

// IP protocol numbers the pipeline special-cases.
const (
	ProtocolICMP   uint8 = 1
	ProtocolTCP    uint8 = 6
	ProtocolUDP    uint8 = 17
	ProtocolICMPv6 uint8 = 58
)

// IsICMP reports whether the protocol number is ICMP (v4 or v6).
func IsICMP(protocol uint8) bool {
	return protocol == ProtocolICMP || protocol == ProtocolICMPv6
}

// AggregateKey is the 5-tuple plus window identity of a FlowAggregate.
type AggregateKey struct {
	WindowStart time.Time
	WindowEnd   time.Time
	SrcIP       netip.Addr
	DstIP       netip.Addr
	SrcPort     uint16
	DstPort     uint16
	Protocol    uint8
}

// FlowAggregate is the windowed rollup of all flows sharing a 5-tuple.
// Aggregates are additive within a window; IsProcessed transitions
// false→true exactly once, when the dependency builder consumes the row.
type FlowAggregate struct {
	ID uuid.UUID

	AggregateKey

	BytesTotal   uint64
	PacketsTotal uint64
	FlowsCount   uint64

	// DurationMsSum is the total flow duration across the window, in
	// milliseconds. Divide by FlowsCount for the mean.
	DurationMsSum uint64

	// PrimaryGatewayIP is any next hop observed within the window.
	PrimaryGatewayIP netip.Addr
	ExporterIP       netip.Addr

	// SrcAssetID/DstAssetID are filled during asset resolution.
	SrcAssetID uuid.UUID
	DstAssetID uuid.UUID

	IsProcessed bool
}

// Validate rejects aggregates whose window is inverted or empty.
func (a *FlowAggregate) Validate() error {
	if !a.WindowEnd.After(a.WindowStart) {
		return fmt.Errorf("flow aggregate: window [%s, %s) is empty",
			a.WindowStart.Format(time.RFC3339), a.WindowEnd.Format(time.RFC3339))
	}
	return nil
}

// Service is an observed listener: an (asset, port, protocol) tuple that has
// received at least one inbound dependency edge.
type Service struct {
	ID               uuid.UUID
	AssetID          uuid.UUID
	Port             uint16
	Protocol         uint8
	ConnectionsTotal uint64
	FirstSeen        time.Time
	LastSeen         time.Time
}

// ErrInsufficientData indicates an analytic outcome could not be produced
// because not enough observations exist yet. Callers treat it as "not ready",
// never as a failure worth retry backoff.
var ErrInsufficientData = errors.New("insufficient observation data")

// ErrNotFound is the store-agnostic lookup miss.
var ErrNotFound = errors.New("not found")
