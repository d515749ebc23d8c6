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
	"errors"
	"math/rand"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"flowlens"
)

var testExporter = netip.MustParseAddr("192.0.2.1")

// TestV5ParseSingleTCPFlow decodes the seed datagram from the end-to-end
// scenario: one TCP flow 10.0.0.1:54321 → 10.0.0.2:5432, 4096 bytes,
// 8 packets, with first/last uptime marks deriving flow_start/flow_end.
func TestV5ParseSingleTCPFlow(t *testing.T) {
	hdr := V5Header{
		SysUptime:    10000,
		UnixSecs:     1700000000,
		FlowSequence: 42,
	}
	rec := V5Record{
		SrcAddr:  [4]byte{10, 0, 0, 1},
		DstAddr:  [4]byte{10, 0, 0, 2},
		NextHop:  [4]byte{10, 0, 0, 254},
		DPkts:    8,
		DOctets:  4096,
		First:    9500,
		Last:     10000,
		SrcPort:  54321,
		DstPort:  5432,
		TCPFlags: 0x18,
		Prot:     flowlens.ProtocolTCP,
	}
	data := EncodeV5(hdr, []V5Record{rec})

	now := time.Now().UTC()
	records, err := NewV5Parser().Parse(data, testExporter, now)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	f := records[0]

	if f.SrcIP != netip.MustParseAddr("10.0.0.1") || f.DstIP != netip.MustParseAddr("10.0.0.2") {
		t.Fatalf("addresses wrong: %s -> %s", f.SrcIP, f.DstIP)
	}
	if f.SrcPort != 54321 || f.DstPort != 5432 {
		t.Fatalf("ports wrong: %d -> %d", f.SrcPort, f.DstPort)
	}
	if f.BytesCount != 4096 || f.PacketsCount != 8 {
		t.Fatalf("counters wrong: %d bytes %d packets", f.BytesCount, f.PacketsCount)
	}
	if f.Protocol != flowlens.ProtocolTCP || f.TCPFlags != 0x18 {
		t.Fatalf("protocol/flags wrong: %d/%#x", f.Protocol, f.TCPFlags)
	}
	if f.SamplingRate != 1 {
		t.Fatalf("sampling interval 0 must mean rate 1, got %d", f.SamplingRate)
	}
	if f.FlowDurationMs != 500 {
		t.Fatalf("duration: got %dms, want 500ms", f.FlowDurationMs)
	}

	// flow_end lands exactly at the export time (last == sys_uptime);
	// flow_start 500ms earlier.
	base := time.Unix(1700000000, 0).UTC()
	if !f.FlowEnd.Equal(base) {
		t.Fatalf("flow_end: got %s, want %s", f.FlowEnd, base)
	}
	if !f.FlowStart.Equal(base.Add(-500 * time.Millisecond)) {
		t.Fatalf("flow_start: got %s, want %s", f.FlowStart, base.Add(-500*time.Millisecond))
	}

	if f.ExtendedFields[flowlens.FieldNextHop] != "10.0.0.254" {
		t.Fatalf("next_hop: got %q", f.ExtendedFields[flowlens.FieldNextHop])
	}
	if f.ExtendedFields[flowlens.FieldFlowSequence] != "42" {
		t.Fatalf("flow_sequence: got %q", f.ExtendedFields[flowlens.FieldFlowSequence])
	}
}

// TestV5InvalidVersion pins the hard failure on a non-5 version word.
func TestV5InvalidVersion(t *testing.T) {
	data := EncodeV5(V5Header{}, []V5Record{{}})
	data[0], data[1] = 0, 4 // version = 4

	_, err := NewV5Parser().Parse(data, testExporter, time.Now())
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Reason != ReasonInvalidVersion {
		t.Fatalf("reason: got %q, want %q", pe.Reason, ReasonInvalidVersion)
	}
}

// TestV5Truncated covers both a short header and a body shorter than
// 24 + 48·count.
func TestV5Truncated(t *testing.T) {
	data := EncodeV5(V5Header{}, []V5Record{{}, {}})

	for _, n := range []int{10, v5HeaderSize, v5HeaderSize + v5RecordSize} {
		_, err := NewV5Parser().Parse(data[:n], testExporter, time.Now())
		var pe *ParseError
		if !errors.As(err, &pe) || pe.Reason != ReasonTruncated {
			t.Fatalf("len=%d: expected truncated ParseError, got %v", n, err)
		}
	}
}

// TestV5ClampsFutureMarks covers exporters that just booted: first/last
// beyond sys_uptime clamp to the export base time instead of landing in the
// future.
func TestV5ClampsFutureMarks(t *testing.T) {
	hdr := V5Header{SysUptime: 1000, UnixSecs: 1700000000}
	rec := V5Record{
		SrcAddr: [4]byte{10, 0, 0, 1}, DstAddr: [4]byte{10, 0, 0, 2},
		First: 5000, Last: 6000, Prot: flowlens.ProtocolUDP,
	}
	records, err := NewV5Parser().Parse(EncodeV5(hdr, []V5Record{rec}), testExporter, time.Now())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	base := time.Unix(1700000000, 0).UTC()
	if !records[0].FlowStart.Equal(base) || !records[0].FlowEnd.Equal(base) {
		t.Fatalf("future marks must clamp to base, got %s / %s",
			records[0].FlowStart, records[0].FlowEnd)
	}
}

// TestV5SamplingInterval verifies the 2-bit mode / 14-bit rate split.
func TestV5SamplingInterval(t *testing.T) {
	hdr := V5Header{SamplingInterval: 0x4000 | 100} // mode=1, rate=100
	rec := V5Record{SrcAddr: [4]byte{1, 1, 1, 1}, DstAddr: [4]byte{2, 2, 2, 2}}
	records, err := NewV5Parser().Parse(EncodeV5(hdr, []V5Record{rec}), testExporter, time.Now())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if records[0].SamplingRate != 100 {
		t.Fatalf("sampling rate: got %d, want 100", records[0].SamplingRate)
	}
}

// TestV5TCPFlagsOnlyForTCP pins that non-TCP records never carry flags.
func TestV5TCPFlagsOnlyForTCP(t *testing.T) {
	rec := V5Record{
		SrcAddr: [4]byte{1, 1, 1, 1}, DstAddr: [4]byte{2, 2, 2, 2},
		TCPFlags: 0x3F, Prot: flowlens.ProtocolUDP,
	}
	records, err := NewV5Parser().Parse(EncodeV5(V5Header{}, []V5Record{rec}), testExporter, time.Now())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if records[0].TCPFlags != 0 {
		t.Fatalf("UDP record must not carry tcp flags, got %#x", records[0].TCPFlags)
	}
}

// TestV5RoundTrip fuzzes randomized packets with count in [0,30] through
// encode → decode and checks every specified field survives.
func TestV5RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for iter := 0; iter < 200; iter++ {
		count := rng.Intn(31)
		hdr := V5Header{
			SysUptime:        rng.Uint32(),
			UnixSecs:         uint32(1600000000 + rng.Intn(100000000)),
			UnixNsecs:        uint32(rng.Intn(1e9)),
			FlowSequence:     rng.Uint32(),
			EngineType:       uint8(rng.Intn(256)),
			EngineID:         uint8(rng.Intn(256)),
			SamplingInterval: uint16(rng.Intn(1 << 16)),
		}
		recs := make([]V5Record, count)
		for i := range recs {
			recs[i] = V5Record{
				SrcAddr:  [4]byte{byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256))},
				DstAddr:  [4]byte{byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256))},
				NextHop:  [4]byte{byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256))},
				Input:    uint16(rng.Intn(1 << 16)),
				Output:   uint16(rng.Intn(1 << 16)),
				DPkts:    rng.Uint32(),
				DOctets:  rng.Uint32(),
				First:    rng.Uint32(),
				Last:     rng.Uint32(),
				SrcPort:  uint16(rng.Intn(1 << 16)),
				DstPort:  uint16(rng.Intn(1 << 16)),
				TCPFlags: uint8(rng.Intn(256)),
				Prot:     uint8(rng.Intn(256)),
				TOS:      uint8(rng.Intn(256)),
				SrcAS:    uint16(rng.Intn(1 << 16)),
				DstAS:    uint16(rng.Intn(1 << 16)),
				SrcMask:  uint8(rng.Intn(256)),
				DstMask:  uint8(rng.Intn(256)),
			}
		}

		now := time.Now().UTC()
		records, err := NewV5Parser().Parse(EncodeV5(hdr, recs), testExporter, now)
		if err != nil {
			t.Fatalf("iter %d: parse failed: %v", iter, err)
		}
		if len(records) != count {
			t.Fatalf("iter %d: got %d records, want %d", iter, len(records), count)
		}

		for i, f := range records {
			r := recs[i]
			if f.SrcIP != netip.AddrFrom4(r.SrcAddr) || f.DstIP != netip.AddrFrom4(r.DstAddr) {
				t.Fatalf("iter %d rec %d: addresses mismatch", iter, i)
			}
			if f.SrcPort != r.SrcPort || f.DstPort != r.DstPort || f.Protocol != r.Prot || f.TOS != r.TOS {
				t.Fatalf("iter %d rec %d: tuple mismatch", iter, i)
			}
			if f.BytesCount != uint64(r.DOctets) || f.PacketsCount != uint64(r.DPkts) {
				t.Fatalf("iter %d rec %d: counters mismatch", iter, i)
			}
			if f.InputInterface != uint32(r.Input) || f.OutputInterface != uint32(r.Output) {
				t.Fatalf("iter %d rec %d: interfaces mismatch", iter, i)
			}
			wantFlags := r.TCPFlags
			if r.Prot != flowlens.ProtocolTCP {
				wantFlags = 0
			}
			if f.TCPFlags != wantFlags {
				t.Fatalf("iter %d rec %d: tcp flags mismatch", iter, i)
			}
			if f.SamplingRate != hdr.SamplingRate() {
				t.Fatalf("iter %d rec %d: sampling rate mismatch", iter, i)
			}
			wantDur := int64(0)
			if r.Last >= r.First {
				wantDur = int64(r.Last - r.First)
			}
			if f.FlowDurationMs != wantDur {
				t.Fatalf("iter %d rec %d: duration mismatch: %d vs %d", iter, i, f.FlowDurationMs, wantDur)
			}
			if f.ExtendedFields[flowlens.FieldSrcAS] != strconv.Itoa(int(r.SrcAS)) ||
				f.ExtendedFields[flowlens.FieldDstAS] != strconv.Itoa(int(r.DstAS)) ||
				f.ExtendedFields[flowlens.FieldSrcMask] != strconv.Itoa(int(r.SrcMask)) ||
				f.ExtendedFields[flowlens.FieldDstMask] != strconv.Itoa(int(r.DstMask)) {
				t.Fatalf("iter %d rec %d: extended fields mismatch", iter, i)
			}
		}
	}
}
