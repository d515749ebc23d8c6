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
	sflowVersion = 5

	sflowFlowSample         = 1
	sflowFlowSampleExpanded = 3

	sflowRawPacketHeader = 1

	headerProtoEthernet = 1
)

// SFlowParser decodes sFlow v5 datagrams. Only raw-packet-header flow samples
// are mapped to FlowRecords; counter samples describe interfaces and are
// skipped. Byte and packet counts are scaled by the sample's sampling rate.
type SFlowParser struct{}

// NewSFlowParser returns the sFlow v5 parser.
func NewSFlowParser() *SFlowParser { return &SFlowParser{} }

// Protocol identifies the parser's wire format.
func (p *SFlowParser) Protocol() flowlens.FlowSource { return flowlens.SourceSFlow5 }

// Parse decodes one datagram.
func (p *SFlowParser) Parse(data []byte, exporter netip.Addr, receivedAt time.Time) ([]*flowlens.FlowRecord, error) {
	r := &xdrReader{buf: data, proto: flowlens.SourceSFlow5}

	version, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if version != sflowVersion {
		return nil, parseErrorf(flowlens.SourceSFlow5, ReasonInvalidVersion,
			"version %d", version)
	}
	// Agent address: address type then 4 or 16 bytes.
	addrType, err := r.uint32()
	if err != nil {
		return nil, err
	}
	switch addrType {
	case 1:
		if _, err := r.bytes(4); err != nil {
			return nil, err
		}
	case 2:
		if _, err := r.bytes(16); err != nil {
			return nil, err
		}
	default:
		return nil, parseErrorf(flowlens.SourceSFlow5, ReasonMalformed,
			"agent address type %d", addrType)
	}
	// Sub-agent id, sequence, uptime.
	if _, err := r.bytes(12); err != nil {
		return nil, err
	}
	numSamples, err := r.uint32()
	if err != nil {
		return nil, err
	}

	var records []*flowlens.FlowRecord
	for i := uint32(0); i < numSamples; i++ {
		sampleType, err := r.uint32()
		if err != nil {
			return nil, err
		}
		sampleLen, err := r.uint32()
		if err != nil {
			return nil, err
		}
		body, err := r.bytes(int(sampleLen))
		if err != nil {
			return nil, err
		}
		if sampleType != sflowFlowSample && sampleType != sflowFlowSampleExpanded {
			continue
		}
		rec, err := p.parseFlowSample(body, sampleType == sflowFlowSampleExpanded, exporter, receivedAt)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

// parseFlowSample decodes one flow sample and its raw packet header record.
func (p *SFlowParser) parseFlowSample(body []byte, expanded bool, exporter netip.Addr, receivedAt time.Time) (*flowlens.FlowRecord, error) {
	r := &xdrReader{buf: body, proto: flowlens.SourceSFlow5}

	// sequence, source id (expanded uses two words), sampling rate,
	// sample pool, drops, input, output (expanded uses two words each).
	if _, err := r.uint32(); err != nil {
		return nil, err
	}
	sourceWords := 1
	ifaceWords := 1
	if expanded {
		sourceWords, ifaceWords = 2, 2
	}
	if _, err := r.bytes(4 * sourceWords); err != nil {
		return nil, err
	}
	samplingRate, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if _, err := r.bytes(8); err != nil { // sample pool + drops
		return nil, err
	}
	// Expanded samples encode interfaces as (format, value) pairs; the value
	// is the last word either way.
	var input, output uint32
	for i := 0; i < ifaceWords; i++ {
		v, err := r.uint32()
		if err != nil {
			return nil, err
		}
		input = v
	}
	for i := 0; i < ifaceWords; i++ {
		v, err := r.uint32()
		if err != nil {
			return nil, err
		}
		output = v
	}
	numRecords, err := r.uint32()
	if err != nil {
		return nil, err
	}

	if samplingRate == 0 {
		samplingRate = 1
	}

	for i := uint32(0); i < numRecords; i++ {
		recType, err := r.uint32()
		if err != nil {
			return nil, err
		}
		recLen, err := r.uint32()
		if err != nil {
			return nil, err
		}
		recBody, err := r.bytes(int(recLen))
		if err != nil {
			return nil, err
		}
		if recType != sflowRawPacketHeader {
			continue
		}
		f := decodeRawPacketHeader(recBody, samplingRate)
		if f == nil {
			continue
		}
		f.Timestamp = receivedAt
		f.ExporterIP = exporter
		f.InputInterface = input
		f.OutputInterface = output
		f.FlowSource = flowlens.SourceSFlow5
		f.Normalize()
		return f, nil
	}
	return nil, nil
}

// decodeRawPacketHeader walks an ethernet frame far enough to recover the IP
// 5-tuple. Counters are scaled by the sampling rate: one sampled frame stands
// for samplingRate frames of frameLength bytes.
func decodeRawPacketHeader(body []byte, samplingRate uint32) *flowlens.FlowRecord {
	if len(body) < 16 {
		return nil
	}
	headerProto := binary.BigEndian.Uint32(body[0:4])
	frameLength := binary.BigEndian.Uint32(body[4:8])
	headerSize := binary.BigEndian.Uint32(body[12:16])
	if headerProto != headerProtoEthernet {
		return nil
	}
	if int(headerSize) > len(body)-16 {
		headerSize = uint32(len(body) - 16)
	}
	frame := body[16 : 16+headerSize]
	if len(frame) < 14 {
		return nil
	}

	etherType := binary.BigEndian.Uint16(frame[12:14])
	payload := frame[14:]
	// Single VLAN tag.
	if etherType == 0x8100 && len(payload) >= 4 {
		etherType = binary.BigEndian.Uint16(payload[2:4])
		payload = payload[4:]
	}

	f := &flowlens.FlowRecord{
		SamplingRate: samplingRate,
		BytesCount:   uint64(frameLength) * uint64(samplingRate),
		PacketsCount: uint64(samplingRate),
	}

	switch etherType {
	case 0x0800: // IPv4
		if len(payload) < 20 {
			return nil
		}
		ihl := int(payload[0]&0x0F) * 4
		if ihl < 20 || len(payload) < ihl {
			return nil
		}
		f.Protocol = payload[9]
		f.TOS = payload[1]
		f.SrcIP = ipv4Addr(payload[12:16])
		f.DstIP = ipv4Addr(payload[16:20])
		decodeL4Ports(f, payload[ihl:])
	case 0x86DD: // IPv6
		if len(payload) < 40 {
			return nil
		}
		f.Protocol = payload[6]
		f.SrcIP = ipv6Addr(payload[8:24])
		f.DstIP = ipv6Addr(payload[24:40])
		decodeL4Ports(f, payload[40:])
	default:
		return nil
	}
	return f
}

// decodeL4Ports fills ports (and TCP flags) from the transport header.
func decodeL4Ports(f *flowlens.FlowRecord, l4 []byte) {
	switch f.Protocol {
	case flowlens.ProtocolTCP:
		if len(l4) >= 14 {
			f.SrcPort = binary.BigEndian.Uint16(l4[0:2])
			f.DstPort = binary.BigEndian.Uint16(l4[2:4])
			f.TCPFlags = l4[13]
		}
	case flowlens.ProtocolUDP:
		if len(l4) >= 4 {
			f.SrcPort = binary.BigEndian.Uint16(l4[0:2])
			f.DstPort = binary.BigEndian.Uint16(l4[2:4])
		}
	}
}

// xdrReader is a bounds-checked cursor over XDR-style 4-byte-aligned data.
type xdrReader struct {
	buf   []byte
	off   int
	proto flowlens.FlowSource
}

func (r *xdrReader) uint32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, parseErrorf(r.proto, ReasonTruncated, "offset %d of %d", r.off, len(r.buf))
	}
	v := binary.BigEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, nil
}

func (r *xdrReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, parseErrorf(r.proto, ReasonTruncated, "offset %d + %d of %d", r.off, n, len(r.buf))
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}
