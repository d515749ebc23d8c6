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
	"strconv"
	"time"

	"flowlens"
)

const (
	v9HeaderSize = 20
	v9Version    = 9

	v9TemplateFlowSet        = 0
	v9OptionsTemplateFlowSet = 1
	// Data flowset ids start above the reserved range.
	minDataFlowSetID = 256
)

// V9Parser decodes NetFlow v9 datagrams. Data flowsets are decoded against
// templates learned from earlier template flowsets of the same exporter and
// source id; data without a known template is dropped (unknown_template).
type V9Parser struct {
	templates *TemplateCache
}

// NewV9Parser returns a v9 parser backed by the given template cache.
// Sharing a cache across parsers is safe; keys include the exporter.
func NewV9Parser(cache *TemplateCache) *V9Parser {
	return &V9Parser{templates: cache}
}

// Protocol identifies the parser's wire format.
func (p *V9Parser) Protocol() flowlens.FlowSource { return flowlens.SourceNetFlow9 }

// Parse decodes one datagram: header, then flowsets. Template flowsets update
// the cache; data flowsets yield records. An unknown template fails the
// datagram with unknown_template only if no records were produced at all;
// otherwise the known part is returned.
func (p *V9Parser) Parse(data []byte, exporter netip.Addr, receivedAt time.Time) ([]*flowlens.FlowRecord, error) {
	if len(data) < v9HeaderSize {
		return nil, parseErrorf(flowlens.SourceNetFlow9, ReasonTruncated,
			"%d bytes, header needs %d", len(data), v9HeaderSize)
	}
	version := binary.BigEndian.Uint16(data[0:2])
	if version != v9Version {
		return nil, parseErrorf(flowlens.SourceNetFlow9, ReasonInvalidVersion,
			"version %d", version)
	}
	sysUptime := binary.BigEndian.Uint32(data[4:8])
	unixSecs := binary.BigEndian.Uint32(data[8:12])
	sequence := binary.BigEndian.Uint32(data[12:16])
	sourceID := binary.BigEndian.Uint32(data[16:20])
	base := time.Unix(int64(unixSecs), 0).UTC()

	var records []*flowlens.FlowRecord
	var missingTemplate bool

	off := v9HeaderSize
	for off+4 <= len(data) {
		setID := binary.BigEndian.Uint16(data[off : off+2])
		setLen := int(binary.BigEndian.Uint16(data[off+2 : off+4]))
		if setLen < 4 || off+setLen > len(data) {
			return nil, parseErrorf(flowlens.SourceNetFlow9, ReasonTruncated,
				"flowset %d length %d exceeds datagram", setID, setLen)
		}
		body := data[off+4 : off+setLen]

		switch {
		case setID == v9TemplateFlowSet:
			if err := p.parseTemplates(body, exporter, sourceID); err != nil {
				return nil, err
			}
		case setID == v9OptionsTemplateFlowSet:
			// Options data describes the exporter, not flows; skipped.
		case setID >= minDataFlowSetID:
			tmpl := p.templates.get(exporter, sourceID, setID)
			if tmpl == nil {
				missingTemplate = true
				break
			}
			recs := decodeTemplateData(tmpl, body, templateDecodeContext{
				protocol:   flowlens.SourceNetFlow9,
				exporter:   exporter,
				receivedAt: receivedAt,
				base:       base,
				sysUptime:  sysUptime,
				sequence:   sequence,
			})
			records = append(records, recs...)
		}
		off += setLen
	}

	if len(records) == 0 && missingTemplate {
		return nil, parseErrorf(flowlens.SourceNetFlow9, ReasonUnknownTemplate,
			"exporter %s source %d", exporter, sourceID)
	}
	return records, nil
}

// parseTemplates decodes a template flowset body: repeated
// (template_id, field_count, fields...) definitions.
func (p *V9Parser) parseTemplates(body []byte, exporter netip.Addr, sourceID uint32) error {
	off := 0
	for off+4 <= len(body) {
		id := binary.BigEndian.Uint16(body[off : off+2])
		count := int(binary.BigEndian.Uint16(body[off+2 : off+4]))
		off += 4
		if off+count*4 > len(body) {
			return parseErrorf(flowlens.SourceNetFlow9, ReasonTruncated,
				"template %d: %d fields exceed flowset", id, count)
		}
		t := &template{ID: id, Fields: make([]templateField, 0, count)}
		for i := 0; i < count; i++ {
			ft := binary.BigEndian.Uint16(body[off : off+2])
			fl := binary.BigEndian.Uint16(body[off+2 : off+4])
			t.Fields = append(t.Fields, templateField{Type: ft, Length: fl})
			t.recordSize += int(fl)
			off += 4
		}
		if t.recordSize == 0 {
			return parseErrorf(flowlens.SourceNetFlow9, ReasonMalformed,
				"template %d has zero-width records", id)
		}
		p.templates.put(exporter, sourceID, t)
	}
	return nil
}

// templateDecodeContext carries the per-datagram context needed to turn
// template field values into a FlowRecord.
type templateDecodeContext struct {
	protocol   flowlens.FlowSource
	exporter   netip.Addr
	receivedAt time.Time
	base       time.Time
	sysUptime  uint32
	sequence   uint32
}

// decodeTemplateData walks fixed-size records of a data flowset and maps the
// known field types onto FlowRecords. Unknown fields are skipped by length.
func decodeTemplateData(t *template, body []byte, ctx templateDecodeContext) []*flowlens.FlowRecord {
	var records []*flowlens.FlowRecord
	for off := 0; off+t.recordSize <= len(body); off += t.recordSize {
		rec := body[off : off+t.recordSize]
		f := &flowlens.FlowRecord{
			Timestamp:      ctx.receivedAt,
			ExporterIP:     ctx.exporter,
			FlowSource:     ctx.protocol,
			SamplingRate:   1,
			ExtendedFields: map[string]string{},
		}
		var first, last uint32
		var haveFirst, haveLast bool

		fo := 0
		for _, fld := range t.Fields {
			val := rec[fo : fo+int(fld.Length)]
			fo += int(fld.Length)
			switch fld.Type {
			case fieldInBytes:
				f.BytesCount = uintField(val)
			case fieldInPkts:
				f.PacketsCount = uintField(val)
			case fieldProtocol:
				f.Protocol = uint8(uintField(val))
			case fieldSrcTOS:
				f.TOS = uint8(uintField(val))
			case fieldTCPFlags:
				f.TCPFlags = uint8(uintField(val))
			case fieldL4SrcPort:
				f.SrcPort = uint16(uintField(val))
			case fieldL4DstPort:
				f.DstPort = uint16(uintField(val))
			case fieldIPv4SrcAddr:
				if len(val) == 4 {
					f.SrcIP = ipv4Addr(val)
				}
			case fieldIPv4DstAddr:
				if len(val) == 4 {
					f.DstIP = ipv4Addr(val)
				}
			case fieldIPv6SrcAddr:
				if len(val) == 16 {
					f.SrcIP = ipv6Addr(val)
				}
			case fieldIPv6DstAddr:
				if len(val) == 16 {
					f.DstIP = ipv6Addr(val)
				}
			case fieldIPv4NextHop:
				if len(val) == 4 {
					f.ExtendedFields[flowlens.FieldNextHop] = ipv4Addr(val).String()
				}
			case fieldInputSNMP:
				f.InputInterface = uint32(uintField(val))
			case fieldOutputSNMP:
				f.OutputInterface = uint32(uintField(val))
			case fieldSrcAS:
				f.ExtendedFields[flowlens.FieldSrcAS] = strconv.FormatUint(uintField(val), 10)
			case fieldDstAS:
				f.ExtendedFields[flowlens.FieldDstAS] = strconv.FormatUint(uintField(val), 10)
			case fieldSrcMask:
				f.ExtendedFields[flowlens.FieldSrcMask] = strconv.FormatUint(uintField(val), 10)
			case fieldDstMask:
				f.ExtendedFields[flowlens.FieldDstMask] = strconv.FormatUint(uintField(val), 10)
			case fieldFirstSwitched:
				first, haveFirst = uint32(uintField(val)), true
			case fieldLastSwitched:
				last, haveLast = uint32(uintField(val)), true
			case fieldSamplingInterval:
				if r := uint32(uintField(val)); r > 0 {
					f.SamplingRate = r
				}
			case fieldFlowStartMilliseconds:
				f.FlowStart = time.UnixMilli(int64(uintField(val))).UTC()
			case fieldFlowEndMilliseconds:
				f.FlowEnd = time.UnixMilli(int64(uintField(val))).UTC()
			}
		}

		if haveFirst {
			f.FlowStart = uptimeToWallClock(ctx.base, ctx.sysUptime, first)
		}
		if haveLast {
			f.FlowEnd = uptimeToWallClock(ctx.base, ctx.sysUptime, last)
		}
		if haveFirst && haveLast && last >= first {
			f.FlowDurationMs = int64(last - first)
		} else if !f.FlowStart.IsZero() && !f.FlowEnd.IsZero() && !f.FlowEnd.Before(f.FlowStart) {
			f.FlowDurationMs = f.FlowEnd.Sub(f.FlowStart).Milliseconds()
		}
		f.ExtendedFields[flowlens.FieldFlowSequence] = strconv.FormatUint(uint64(ctx.sequence), 10)
		f.Normalize()

		if !f.SrcIP.IsValid() || !f.DstIP.IsValid() {
			// Record without addresses carries no graph signal; skip it.
			continue
		}
		records = append(records, f)
	}
	return records
}

// uintField widens a big-endian field of 1–8 bytes.
func uintField(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
