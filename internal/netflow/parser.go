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

// Package netflow decodes flow export wire formats (NetFlow v5/v9, IPFIX,
// sFlow v5) into normalized FlowRecords. Parsers are pure: they take raw
// datagram bytes plus the exporter address and either yield records or fail
// with a tagged ParseError. Nothing here touches the network or the store.
package netflow

import (
	"fmt"
	"net/netip"
	"time"

	"flowlens"
)

// Parse error reason tags. These feed the error_type label on the
// flows_parse_errors_total metric and are part of the external contract.
const (
	ReasonInvalidVersion  = "invalid_version"
	ReasonTruncated       = "truncated"
	ReasonUnknownTemplate = "unknown_template"
	ReasonMalformed       = "malformed"
)

// ParseError is the explicit failure of a parser on one datagram. The
// offending bytes are dropped; the error never propagates past the collector.
type ParseError struct {
	Protocol flowlens.FlowSource
	Reason   string
	Detail   string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s parse error: %s", e.Protocol, e.Reason)
	}
	return fmt.Sprintf("%s parse error: %s (%s)", e.Protocol, e.Reason, e.Detail)
}

func parseErrorf(proto flowlens.FlowSource, reason, format string, args ...any) *ParseError {
	return &ParseError{Protocol: proto, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Parser decodes one datagram into a finite sequence of flow records.
// receivedAt is the collector's receive time; parsers use it as the record
// timestamp so that decode is deterministic under test.
type Parser interface {
	Protocol() flowlens.FlowSource
	Parse(data []byte, exporter netip.Addr, receivedAt time.Time) ([]*flowlens.FlowRecord, error)
}

// ipv4Addr converts 4 raw bytes into a netip.Addr.
func ipv4Addr(b []byte) netip.Addr {
	var a [4]byte
	copy(a[:], b)
	return netip.AddrFrom4(a)
}

// ipv6Addr converts 16 raw bytes into a netip.Addr.
func ipv6Addr(b []byte) netip.Addr {
	var a [16]byte
	copy(a[:], b)
	return netip.AddrFrom16(a)
}
