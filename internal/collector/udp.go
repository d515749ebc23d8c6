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
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"flowlens/internal/netflow"
	"flowlens/internal/telemetry"
)

// maxDatagramSize is the largest UDP payload a flow exporter can send.
const maxDatagramSize = 65535

// Listener owns one UDP socket and its single reader. Each datagram is parsed
// with the configured parser and the resulting records offered to the queue.
type Listener struct {
	family string // metric label for flows_received_total
	conn   *net.UDPConn
	parser netflow.Parser
	queue  *Queue
	log    *zap.Logger
}

// NewListener binds a UDP port. family names the protocol family for the
// receive counter ("netflow" or "sflow").
func NewListener(port int, family string, parser netflow.Parser, queue *Queue, log *zap.Logger) (*Listener, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("collector: bind udp port %d: %w", port, err)
	}
	return &Listener{
		family: family,
		conn:   conn,
		parser: parser,
		queue:  queue,
		log:    log.With(zap.String("family", family), zap.Int("port", port)),
	}, nil
}

// Run reads datagrams until the socket is closed. It is the port's single
// reader; run it in its own goroutine.
func (l *Listener) Run() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn("udp read failed", zap.Error(err))
			continue
		}
		exporter := addr.AddrPort().Addr().Unmap()
		l.handle(buf[:n], exporter)
	}
}

func (l *Listener) handle(data []byte, exporter netip.Addr) {
	telemetry.FlowsReceived.WithLabelValues(l.family, exporter.String()).Inc()

	records, err := l.parser.Parse(data, exporter, time.Now().UTC())
	if err != nil {
		reason := "malformed"
		var pe *netflow.ParseError
		if errors.As(err, &pe) {
			reason = pe.Reason
		}
		telemetry.FlowsParseErrors.WithLabelValues(l.family, reason).Inc()
		l.log.Debug("datagram rejected",
			zap.String("exporter", exporter.String()),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}

	for _, f := range records {
		telemetry.FlowsParsed.WithLabelValues(string(f.FlowSource)).Inc()
	}
	l.queue.PutBatch(records)
}

// Close shuts the socket down, unblocking Run.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// LocalPort reports the bound port, useful when the listener was bound to 0.
func (l *Listener) LocalPort() int {
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}
