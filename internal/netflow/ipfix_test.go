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
	"errors"
	"testing"
	"time"

	"flowlens"
)

// buildIPFIX assembles an IPFIX message from raw sets.
func buildIPFIX(domainID uint32, sets ...[]byte) []byte {
	out := make([]byte, ipfixHeaderSize)
	binary.BigEndian.PutUint16(out[0:2], ipfixVersion)
	binary.BigEndian.PutUint32(out[4:8], 1700000000) // export time
	binary.BigEndian.PutUint32(out[8:12], 11)        // sequence
	binary.BigEndian.PutUint32(out[12:16], domainID)
	for _, s := range sets {
		out = append(out, s...)
	}
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	return out
}

// ipfixTestTemplate defines template 300 with millisecond timestamps.
func ipfixTestTemplate() []byte {
	fields := []templateField{
		{fieldIPv4SrcAddr, 4}, {fieldIPv4DstAddr, 4},
		{fieldL4SrcPort, 2}, {fieldL4DstPort, 2},
		{fieldProtocol, 1}, {fieldInBytes, 8},
		{fieldFlowStartMilliseconds, 8}, {fieldFlowEndMilliseconds, 8},
	}
	body := make([]byte, 4+4*len(fields))
	binary.BigEndian.PutUint16(body[0:2], 300)
	binary.BigEndian.PutUint16(body[2:4], uint16(len(fields)))
	for i, f := range fields {
		binary.BigEndian.PutUint16(body[4+i*4:], f.Type)
		binary.BigEndian.PutUint16(body[6+i*4:], f.Length)
	}
	return flowset(ipfixTemplateSet, body)
}

func ipfixTestData(startMs, endMs uint64) []byte {
	body := make([]byte, 37)
	copy(body[0:4], []byte{172, 16, 0, 1})
	copy(body[4:8], []byte{172, 16, 0, 2})
	binary.BigEndian.PutUint16(body[8:10], 55555)
	binary.BigEndian.PutUint16(body[10:12], 8080)
	body[12] = flowlens.ProtocolTCP
	binary.BigEndian.PutUint64(body[13:21], 12345)
	binary.BigEndian.PutUint64(body[21:29], startMs)
	binary.BigEndian.PutUint64(body[29:37], endMs)
	return flowset(300, body)
}

// TestIPFIXTemplateThenData decodes a template set followed by data, with
// absolute millisecond timestamps mapped to flow_start/flow_end.
func TestIPFIXTemplateThenData(t *testing.T) {
	p := NewIPFIXParser(NewTemplateCache())
	startMs := uint64(1700000000_000)
	endMs := startMs + 1500

	records, err := p.Parse(buildIPFIX(9, ipfixTestTemplate(), ipfixTestData(startMs, endMs)), testExporter, time.Now())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	f := records[0]
	if f.BytesCount != 12345 || f.DstPort != 8080 {
		t.Fatalf("decoded record wrong: %d bytes dst %d", f.BytesCount, f.DstPort)
	}
	if f.FlowSource != flowlens.SourceIPFIX {
		t.Fatalf("flow source: got %q", f.FlowSource)
	}
	if f.FlowDurationMs != 1500 {
		t.Fatalf("duration from absolute stamps: got %d, want 1500", f.FlowDurationMs)
	}
	if !f.FlowStart.Equal(time.UnixMilli(int64(startMs)).UTC()) {
		t.Fatalf("flow_start: got %s", f.FlowStart)
	}
}

// TestIPFIXUnknownTemplate pins the drop reason for early data sets.
func TestIPFIXUnknownTemplate(t *testing.T) {
	p := NewIPFIXParser(NewTemplateCache())
	_, err := p.Parse(buildIPFIX(9, ipfixTestData(0, 0)), testExporter, time.Now())
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Reason != ReasonUnknownTemplate {
		t.Fatalf("expected unknown_template, got %v", err)
	}
}

// TestIPFIXRejectsVariableLengthTemplates documents the unsupported feature
// as an explicit malformed failure rather than silent corruption.
func TestIPFIXRejectsVariableLengthTemplates(t *testing.T) {
	body := make([]byte, 8)
	binary.BigEndian.PutUint16(body[0:2], 301)
	binary.BigEndian.PutUint16(body[2:4], 1)
	binary.BigEndian.PutUint16(body[4:6], fieldInBytes)
	binary.BigEndian.PutUint16(body[6:8], ipfixVariableLength)

	p := NewIPFIXParser(NewTemplateCache())
	_, err := p.Parse(buildIPFIX(9, flowset(ipfixTemplateSet, body)), testExporter, time.Now())
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Reason != ReasonMalformed {
		t.Fatalf("expected malformed, got %v", err)
	}
}
