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

// xdrWriter accumulates big-endian words for building test datagrams.
type xdrWriter struct{ buf []byte }

func (w *xdrWriter) u32(v uint32) *xdrWriter {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *xdrWriter) raw(b []byte) *xdrWriter {
	w.buf = append(w.buf, b...)
	return w
}

// sflowTestFrame builds an ethernet+IPv4+TCP frame for the raw packet header.
func sflowTestFrame() []byte {
	frame := make([]byte, 14+20+14)
	// Ethernet: dst, src MACs zero, ethertype IPv4.
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	ip := frame[14:]
	ip[0] = 0x45 // version 4, ihl 5
	ip[9] = flowlens.ProtocolTCP
	copy(ip[12:16], []byte{10, 1, 1, 1})
	copy(ip[16:20], []byte{10, 1, 1, 2})
	tcp := ip[20:]
	binary.BigEndian.PutUint16(tcp[0:2], 44444)
	binary.BigEndian.PutUint16(tcp[2:4], 443)
	tcp[13] = 0x18 // PSH|ACK
	return frame
}

// buildSFlow wraps a frame in a raw-packet-header record, a flow sample, and a
// v5 datagram.
func buildSFlow(expanded bool, samplingRate uint32, frame []byte) []byte {
	rec := (&xdrWriter{}).
		u32(headerProtoEthernet).
		u32(1500). // frame_length on the wire
		u32(0).    // stripped
		u32(uint32(len(frame))).
		raw(frame).buf

	s := &xdrWriter{}
	s.u32(100) // sequence
	if expanded {
		s.u32(0).u32(7) // source id class, index
	} else {
		s.u32(7)
	}
	s.u32(samplingRate)
	s.u32(1000).u32(0) // sample pool, drops
	if expanded {
		s.u32(0).u32(3).u32(0).u32(4) // input format/value, output format/value
	} else {
		s.u32(3).u32(4)
	}
	s.u32(1) // record count
	s.u32(sflowRawPacketHeader).u32(uint32(len(rec))).raw(rec)

	sampleType := uint32(sflowFlowSample)
	if expanded {
		sampleType = sflowFlowSampleExpanded
	}
	d := &xdrWriter{}
	d.u32(sflowVersion)
	d.u32(1).raw([]byte{192, 0, 2, 9}) // agent: IPv4
	d.u32(1).u32(42).u32(60000)        // sub-agent, sequence, uptime
	d.u32(1)                           // sample count
	d.u32(sampleType).u32(uint32(len(s.buf))).raw(s.buf)
	return d.buf
}

// TestSFlowFlowSample decodes a standard flow sample and checks sampling-rate
// scaling of the byte and packet counters.
func TestSFlowFlowSample(t *testing.T) {
	records, err := NewSFlowParser().Parse(buildSFlow(false, 512, sflowTestFrame()), testExporter, time.Now())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	f := records[0]
	if f.SrcIP.String() != "10.1.1.1" || f.DstIP.String() != "10.1.1.2" {
		t.Fatalf("addresses: %s -> %s", f.SrcIP, f.DstIP)
	}
	if f.SrcPort != 44444 || f.DstPort != 443 {
		t.Fatalf("ports: %d -> %d", f.SrcPort, f.DstPort)
	}
	if f.Protocol != flowlens.ProtocolTCP || f.TCPFlags != 0x18 {
		t.Fatalf("protocol %d flags %#x", f.Protocol, f.TCPFlags)
	}
	if f.BytesCount != 1500*512 {
		t.Fatalf("bytes not scaled by rate: got %d", f.BytesCount)
	}
	if f.PacketsCount != 512 {
		t.Fatalf("packets not scaled by rate: got %d", f.PacketsCount)
	}
	if f.SamplingRate != 512 {
		t.Fatalf("sampling rate: got %d", f.SamplingRate)
	}
	if f.InputInterface != 3 || f.OutputInterface != 4 {
		t.Fatalf("interfaces: %d -> %d", f.InputInterface, f.OutputInterface)
	}
}

// TestSFlowExpandedSample checks the two-word source and interface encoding.
func TestSFlowExpandedSample(t *testing.T) {
	records, err := NewSFlowParser().Parse(buildSFlow(true, 1, sflowTestFrame()), testExporter, time.Now())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].InputInterface != 3 || records[0].OutputInterface != 4 {
		t.Fatalf("interfaces: %d -> %d", records[0].InputInterface, records[0].OutputInterface)
	}
}

// TestSFlowInvalidVersion pins the reason tag for non-v5 datagrams.
func TestSFlowInvalidVersion(t *testing.T) {
	data := (&xdrWriter{}).u32(4).buf
	_, err := NewSFlowParser().Parse(data, testExporter, time.Now())
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Reason != ReasonInvalidVersion {
		t.Fatalf("expected invalid_version, got %v", err)
	}
}

// TestSFlowTruncated pins the reason tag for a datagram cut mid-sample.
func TestSFlowTruncated(t *testing.T) {
	data := buildSFlow(false, 1, sflowTestFrame())
	_, err := NewSFlowParser().Parse(data[:len(data)-10], testExporter, time.Now())
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Reason != ReasonTruncated {
		t.Fatalf("expected truncated, got %v", err)
	}
}

// TestSFlowSkipsNonIPFrames verifies ARP and similar frames produce nothing
// without failing the datagram.
func TestSFlowSkipsNonIPFrames(t *testing.T) {
	frame := sflowTestFrame()
	binary.BigEndian.PutUint16(frame[12:14], 0x0806) // ARP
	records, err := NewSFlowParser().Parse(buildSFlow(false, 1, frame), testExporter, time.Now())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records for ARP frame, got %d", len(records))
	}
}
