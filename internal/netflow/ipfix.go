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

package netflow

import (
	"encoding/binary"
	"net/netip"
	"time"

	"flowlens"
)

const (
	ipfixHeaderSize = 16
	ipfixVersion    = 10

	ipfixTemplateSet        = 2
	ipfixOptionsTemplateSet = 3

	// Variable-length IPFIX fields are not supported; templates declaring
	// them are rejected at definition time.
	ipfixVariableLength = 0xFFFF
)

// IPFIXParser decodes IPFIX (NetFlow v10) messages. It shares the template
// machinery with v9; the differences are the message header (export time in
// seconds, no uptime) and enterprise-specific fields, which are skipped.
type IPFIXParser struct {
	templates *TemplateCache
}

// NewIPFIXParser returns an IPFIX parser backed by the given template cache.
func NewIPFIXParser(cache *TemplateCache) *IPFIXParser {
	return &IPFIXParser{templates: cache}
}

// Protocol identifies the parser's wire format.
func (p *IPFIXParser) Protocol() flowlens.FlowSource { return flowlens.SourceIPFIX }

// Parse decodes one message.
func (p *IPFIXParser) Parse(data []byte, exporter netip.Addr, receivedAt time.Time) ([]*flowlens.FlowRecord, error) {
	if len(data) < ipfixHeaderSize {
		return nil, parseErrorf(flowlens.SourceIPFIX, ReasonTruncated,
			"%d bytes, header needs %d", len(data), ipfixHeaderSize)
	}
	version := binary.BigEndian.Uint16(data[0:2])
	if version != ipfixVersion {
		return nil, parseErrorf(flowlens.SourceIPFIX, ReasonInvalidVersion,
			"version %d", version)
	}
	msgLen := int(binary.BigEndian.Uint16(data[2:4]))
	if msgLen > len(data) {
		return nil, parseErrorf(flowlens.SourceIPFIX, ReasonTruncated,
			"declared length %d, datagram %d", msgLen, len(data))
	}
	exportSecs := binary.BigEndian.Uint32(data[4:8])
	sequence := binary.BigEndian.Uint32(data[8:12])
	domainID := binary.BigEndian.Uint32(data[12:16])
	base := time.Unix(int64(exportSecs), 0).UTC()

	var records []*flowlens.FlowRecord
	var missingTemplate bool

	off := ipfixHeaderSize
	for off+4 <= msgLen {
		setID := binary.BigEndian.Uint16(data[off : off+2])
		setLen := int(binary.BigEndian.Uint16(data[off+2 : off+4]))
		if setLen < 4 || off+setLen > msgLen {
			return nil, parseErrorf(flowlens.SourceIPFIX, ReasonTruncated,
				"set %d length %d exceeds message", setID, setLen)
		}
		body := data[off+4 : off+setLen]

		switch {
		case setID == ipfixTemplateSet:
			if err := p.parseTemplates(body, exporter, domainID); err != nil {
				return nil, err
			}
		case setID == ipfixOptionsTemplateSet:
			// Exporter metadata; skipped.
		case setID >= minDataFlowSetID:
			tmpl := p.templates.get(exporter, domainID, setID)
			if tmpl == nil {
				missingTemplate = true
				break
			}
			recs := decodeTemplateData(tmpl, body, templateDecodeContext{
				protocol:   flowlens.SourceIPFIX,
				exporter:   exporter,
				receivedAt: receivedAt,
				base:       base,
				sequence:   sequence,
			})
			records = append(records, recs...)
		}
		off += setLen
	}

	if len(records) == 0 && missingTemplate {
		return nil, parseErrorf(flowlens.SourceIPFIX, ReasonUnknownTemplate,
			"exporter %s domain %d", exporter, domainID)
	}
	return records, nil
}

// parseTemplates decodes an IPFIX template set. Enterprise-specific fields
// (high bit set on the type) carry a 4-byte enterprise number after the
// length; they are consumed into the record layout but never mapped.
func (p *IPFIXParser) parseTemplates(body []byte, exporter netip.Addr, domainID uint32) error {
	off := 0
	for off+4 <= len(body) {
		id := binary.BigEndian.Uint16(body[off : off+2])
		count := int(binary.BigEndian.Uint16(body[off+2 : off+4]))
		off += 4
		t := &template{ID: id, Fields: make([]templateField, 0, count)}
		for i := 0; i < count; i++ {
			if off+4 > len(body) {
				return parseErrorf(flowlens.SourceIPFIX, ReasonTruncated,
					"template %d: field %d exceeds set", id, i)
			}
			ft := binary.BigEndian.Uint16(body[off : off+2])
			fl := binary.BigEndian.Uint16(body[off+2 : off+4])
			off += 4
			if fl == ipfixVariableLength {
				return parseErrorf(flowlens.SourceIPFIX, ReasonMalformed,
					"template %d: variable-length field %d unsupported", id, ft&0x7FFF)
			}
			if ft&0x8000 != 0 {
				// Enterprise field: skip the enterprise number, keep the
				// layout slot so data records still decode, but use a type
				// no mapper matches.
				if off+4 > len(body) {
					return parseErrorf(flowlens.SourceIPFIX, ReasonTruncated,
						"template %d: enterprise number truncated", id)
				}
				off += 4
				ft = 0
			}
			t.Fields = append(t.Fields, templateField{Type: ft, Length: fl})
			t.recordSize += int(fl)
		}
		if t.recordSize == 0 {
			return parseErrorf(flowlens.SourceIPFIX, ReasonMalformed,
				"template %d has zero-width records", id)
		}
		p.templates.put(exporter, domainID, t)
	}
	return nil
}
