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

// NetFlow v5 wire layout: a 24-byte big-endian header followed by exactly
// count × 48-byte flow records.
const (
	v5HeaderSize = 24
	v5RecordSize = 48
	v5Version    = 5
)

// V5Header mirrors the 24-byte packet header.
type V5Header struct {
	Version      uint16
	Count        uint16
	SysUptime    uint32 // ms since exporter boot
	UnixSecs     uint32
	UnixNsecs    uint32
	FlowSequence uint32
	EngineType   uint8
	EngineID     uint8
	// SamplingInterval packs the mode in the top 2 bits and the 1-in-N rate
	// in the bottom 14; a rate of 0 means unsampled.
	SamplingInterval uint16
}

// SamplingRate extracts the 14-bit rate, mapping 0 to 1.
func (h V5Header) SamplingRate() uint32 {
	rate := uint32(h.SamplingInterval & 0x3FFF)
	if rate == 0 {
		return 1
	}
	return rate
}

// V5Record mirrors one 48-byte flow record.
type V5Record struct {
	SrcAddr  [4]byte
	DstAddr  [4]byte
	NextHop  [4]byte
	Input    uint16
	Output   uint16
	DPkts    uint32
	DOctets  uint32
	First    uint32 // ms since exporter boot
	Last     uint32
	SrcPort  uint16
	DstPort  uint16
	Pad1     uint8
	TCPFlags uint8
	Prot     uint8
	TOS      uint8
	SrcAS    uint16
	DstAS    uint16
	SrcMask  uint8
	DstMask  uint8
	Pad2     uint16
}

// V5Parser decodes NetFlow v5 datagrams. It is stateless and safe for
// concurrent use.
type V5Parser struct{}

// NewV5Parser returns the v5 parser.
func NewV5Parser() *V5Parser { return &V5Parser{} }

// Protocol identifies the parser's wire format.
func (p *V5Parser) Protocol() flowlens.FlowSource { return flowlens.SourceNetFlow5 }

// Parse decodes one datagram. A version other than 5 is a hard failure
// (invalid_version); a body shorter than 24 + 48·count bytes fails truncated.
func (p *V5Parser) Parse(data []byte, exporter netip.Addr, receivedAt time.Time) ([]*flowlens.FlowRecord, error) {
	if len(data) < v5HeaderSize {
		return nil, parseErrorf(flowlens.SourceNetFlow5, ReasonTruncated,
			"%d bytes, header needs %d", len(data), v5HeaderSize)
	}
	hdr := decodeV5Header(data)
	if hdr.Version != v5Version {
		return nil, parseErrorf(flowlens.SourceNetFlow5, ReasonInvalidVersion,
			"version %d", hdr.Version)
	}
	need := v5HeaderSize + int(hdr.Count)*v5RecordSize
	if len(data) < need {
		return nil, parseErrorf(flowlens.SourceNetFlow5, ReasonTruncated,
			"%d bytes, %d records need %d", len(data), hdr.Count, need)
	}

	// Exporter wall clock at export time; first/last are relative to boot.
	base := time.Unix(int64(hdr.UnixSecs), int64(hdr.UnixNsecs)).UTC()
	rate := hdr.SamplingRate()

	records := make([]*flowlens.FlowRecord, 0, hdr.Count)
	for i := 0; i < int(hdr.Count); i++ {
		raw := data[v5HeaderSize+i*v5RecordSize:]
		rec := decodeV5Record(raw)

		f := &flowlens.FlowRecord{
			Timestamp:       receivedAt,
			SrcIP:           netip.AddrFrom4(rec.SrcAddr),
			DstIP:           netip.AddrFrom4(rec.DstAddr),
			SrcPort:         rec.SrcPort,
			DstPort:         rec.DstPort,
			Protocol:        rec.Prot,
			BytesCount:      uint64(rec.DOctets),
			PacketsCount:    uint64(rec.DPkts),
			ExporterIP:      exporter,
			FlowStart:       uptimeToWallClock(base, hdr.SysUptime, rec.First),
			FlowEnd:         uptimeToWallClock(base, hdr.SysUptime, rec.Last),
			InputInterface:  uint32(rec.Input),
			OutputInterface: uint32(rec.Output),
			TOS:             rec.TOS,
			SamplingRate:    rate,
			FlowSource:      flowlens.SourceNetFlow5,
			ExtendedFields: map[string]string{
				flowlens.FieldNextHop:      ipv4Addr(rec.NextHop[:]).String(),
				flowlens.FieldSrcAS:        strconv.FormatUint(uint64(rec.SrcAS), 10),
				flowlens.FieldDstAS:        strconv.FormatUint(uint64(rec.DstAS), 10),
				flowlens.FieldSrcMask:      strconv.FormatUint(uint64(rec.SrcMask), 10),
				flowlens.FieldDstMask:      strconv.FormatUint(uint64(rec.DstMask), 10),
				flowlens.FieldFlowSequence: strconv.FormatUint(uint64(hdr.FlowSequence), 10),
			},
		}
		if rec.Last >= rec.First {
			f.FlowDurationMs = int64(rec.Last - rec.First)
		}
		if rec.Prot == flowlens.ProtocolTCP {
			f.TCPFlags = rec.TCPFlags
		}
		records = append(records, f)
	}
	return records, nil
}

// uptimeToWallClock derives a wall-clock time from an uptime-relative mark:
// base − (sysUptime − mark). Marks beyond the current uptime would land in
// the exporter's future (it just booted and wrapped); those clamp to base.
func uptimeToWallClock(base time.Time, sysUptime, mark uint32) time.Time {
	if mark > sysUptime {
		return base
	}
	return base.Add(-time.Duration(sysUptime-mark) * time.Millisecond)
}

func decodeV5Header(b []byte) V5Header {
	return V5Header{
		Version:          binary.BigEndian.Uint16(b[0:2]),
		Count:            binary.BigEndian.Uint16(b[2:4]),
		SysUptime:        binary.BigEndian.Uint32(b[4:8]),
		UnixSecs:         binary.BigEndian.Uint32(b[8:12]),
		UnixNsecs:        binary.BigEndian.Uint32(b[12:16]),
		FlowSequence:     binary.BigEndian.Uint32(b[16:20]),
		EngineType:       b[20],
		EngineID:         b[21],
		SamplingInterval: binary.BigEndian.Uint16(b[22:24]),
	}
}

func decodeV5Record(b []byte) V5Record {
	var r V5Record
	copy(r.SrcAddr[:], b[0:4])
	copy(r.DstAddr[:], b[4:8])
	copy(r.NextHop[:], b[8:12])
	r.Input = binary.BigEndian.Uint16(b[12:14])
	r.Output = binary.BigEndian.Uint16(b[14:16])
	r.DPkts = binary.BigEndian.Uint32(b[16:20])
	r.DOctets = binary.BigEndian.Uint32(b[20:24])
	r.First = binary.BigEndian.Uint32(b[24:28])
	r.Last = binary.BigEndian.Uint32(b[28:32])
	r.SrcPort = binary.BigEndian.Uint16(b[32:34])
	r.DstPort = binary.BigEndian.Uint16(b[34:36])
	r.Pad1 = b[36]
	r.TCPFlags = b[37]
	r.Prot = b[38]
	r.TOS = b[39]
	r.SrcAS = binary.BigEndian.Uint16(b[40:42])
	r.DstAS = binary.BigEndian.Uint16(b[42:44])
	r.SrcMask = b[44]
	r.DstMask = b[45]
	r.Pad2 = binary.BigEndian.Uint16(b[46:48])
	return r
}

// EncodeV5 serializes a header and records into a wire-format datagram.
// Header.Count is overridden with len(records). Used by tests and exporter
// simulation.
func EncodeV5(hdr V5Header, records []V5Record) []byte {
	hdr.Version = v5Version
	hdr.Count = uint16(len(records))
	out := make([]byte, v5HeaderSize+len(records)*v5RecordSize)
	binary.BigEndian.PutUint16(out[0:2], hdr.Version)
	binary.BigEndian.PutUint16(out[2:4], hdr.Count)
	binary.BigEndian.PutUint32(out[4:8], hdr.SysUptime)
	binary.BigEndian.PutUint32(out[8:12], hdr.UnixSecs)
	binary.BigEndian.PutUint32(out[12:16], hdr.UnixNsecs)
	binary.BigEndian.PutUint32(out[16:20], hdr.FlowSequence)
	out[20] = hdr.EngineType
	out[21] = hdr.EngineID
	binary.BigEndian.PutUint16(out[22:24], hdr.SamplingInterval)

	for i, r := range records {
		b := out[v5HeaderSize+i*v5RecordSize:]
		copy(b[0:4], r.SrcAddr[:])
		copy(b[4:8], r.DstAddr[:])
		copy(b[8:12], r.NextHop[:])
		binary.BigEndian.PutUint16(b[12:14], r.Input)
		binary.BigEndian.PutUint16(b[14:16], r.Output)
		binary.BigEndian.PutUint32(b[16:20], r.DPkts)
		binary.BigEndian.PutUint32(b[20:24], r.DOctets)
		binary.BigEndian.PutUint32(b[24:28], r.First)
		binary.BigEndian.PutUint32(b[28:32], r.Last)
		binary.BigEndian.PutUint16(b[32:34], r.SrcPort)
		binary.BigEndian.PutUint16(b[34:36], r.DstPort)
		b[36] = r.Pad1
		b[37] = r.TCPFlags
		b[38] = r.Prot
		b[39] = r.TOS
		binary.BigEndian.PutUint16(b[40:42], r.SrcAS)
		binary.BigEndian.PutUint16(b[42:44], r.DstAS)
		b[44] = r.SrcMask
		b[45] = r.DstMask
		binary.BigEndian.PutUint16(b[46:48], r.Pad2)
	}
	return out
}
