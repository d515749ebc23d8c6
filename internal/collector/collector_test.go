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

package collector

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/netflow"
)

// sendUDP writes one datagram to the listener's loopback port.
func sendUDP(t *testing.T, port int, payload []byte) {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatalf("dial loopback: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("send datagram: %v", err)
	}
}

// TestCollectorLoopback sends a NetFlow v5 datagram through a real UDP socket
// and reads the decoded record off the queue.
func TestCollectorLoopback(t *testing.T) {
	queue := testQueue()
	c, err := New(Config{NetFlowPort: 0, SFlowPort: -1}, queue, zap.NewNop())
	if err != nil {
		t.Fatalf("bind collector: %v", err)
	}
	c.Start()
	defer c.Stop()

	hdr := netflow.V5Header{
		SysUptime: 10000,
		UnixSecs:  uint32(time.Now().Unix()),
	}
	rec := netflow.V5Record{
		SrcAddr: [4]byte{10, 0, 0, 1},
		DstAddr: [4]byte{10, 0, 0, 2},
		SrcPort: 54321,
		DstPort: 5432,
		Prot:    flowlens.ProtocolTCP,
		DOctets: 4096,
		DPkts:   8,
		First:   9500,
		Last:    10000,
	}
	sendUDP(t, c.Listeners()[0].LocalPort(), netflow.EncodeV5(hdr, []netflow.V5Record{rec}))

	batch := queue.GetBatch(10, 2*time.Second)
	if len(batch) != 1 {
		t.Fatalf("expected 1 record off the queue, got %d", len(batch))
	}
	f := batch[0]
	if f.SrcIP.String() != "10.0.0.1" || f.DstPort != 5432 || f.BytesCount != 4096 {
		t.Fatalf("decoded record wrong: %s:%d -> %s:%d, %d bytes",
			f.SrcIP, f.SrcPort, f.DstIP, f.DstPort, f.BytesCount)
	}
	if f.FlowSource != flowlens.SourceNetFlow5 {
		t.Fatalf("flow source: got %q", f.FlowSource)
	}
	if !f.ExporterIP.IsLoopback() {
		t.Fatalf("exporter should be loopback, got %s", f.ExporterIP)
	}
}

// TestNetFlowDemuxRoutesByVersion checks that the shared port dispatches v5,
// v9, and IPFIX datagrams to the matching decoder.
func TestNetFlowDemuxRoutesByVersion(t *testing.T) {
	d := NewNetFlowDemux()
	exporter := netip.MustParseAddr("192.0.2.1")

	v5 := netflow.EncodeV5(netflow.V5Header{UnixSecs: 1700000000}, []netflow.V5Record{{
		SrcAddr: [4]byte{10, 0, 0, 1},
		DstAddr: [4]byte{10, 0, 0, 2},
		Prot:    flowlens.ProtocolUDP,
	}})
	records, err := d.Parse(v5, exporter, time.Now())
	if err != nil || len(records) != 1 {
		t.Fatalf("v5 dispatch: %v, %d records", err, len(records))
	}
	if records[0].FlowSource != flowlens.SourceNetFlow5 {
		t.Fatalf("v5 dispatch source: %q", records[0].FlowSource)
	}

	// A bare v9 header parses to zero records without error.
	v9 := make([]byte, 20)
	v9[1] = 9
	if _, err := d.Parse(v9, exporter, time.Now()); err != nil {
		t.Fatalf("v9 dispatch: %v", err)
	}

	// An IPFIX message of just a header parses to zero records too.
	ipfix := make([]byte, 16)
	ipfix[1] = 10
	ipfix[3] = 16 // declared length
	if _, err := d.Parse(ipfix, exporter, time.Now()); err != nil {
		t.Fatalf("ipfix dispatch: %v", err)
	}

	// Anything else is v5's invalid_version.
	junk := make([]byte, 24)
	junk[1] = 7
	if _, err := d.Parse(junk, exporter, time.Now()); err == nil {
		t.Fatal("unknown version must fail")
	}
}
