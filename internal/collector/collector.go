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
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/netflow"
)

// NetFlowDemux routes datagrams arriving on the shared NetFlow/IPFIX port to
// the right decoder by the version word in the first two bytes (5, 9, or 10).
// v9 and IPFIX share one template cache since both key templates by exporter
// and observation domain.
type NetFlowDemux struct {
	v5    *netflow.V5Parser
	v9    *netflow.V9Parser
	ipfix *netflow.IPFIXParser
}

// NewNetFlowDemux builds the demux with a fresh template cache.
func NewNetFlowDemux() *NetFlowDemux {
	cache := netflow.NewTemplateCache()
	return &NetFlowDemux{
		v5:    netflow.NewV5Parser(),
		v9:    netflow.NewV9Parser(cache),
		ipfix: netflow.NewIPFIXParser(cache),
	}
}

// Protocol identifies the family; per-record sources are set by the decoders.
func (d *NetFlowDemux) Protocol() flowlens.FlowSource { return flowlens.SourceNetFlow5 }

// Parse dispatches on the version word.
func (d *NetFlowDemux) Parse(data []byte, exporter netip.Addr, receivedAt time.Time) ([]*flowlens.FlowRecord, error) {
	if len(data) < 2 {
		return d.v5.Parse(data, exporter, receivedAt)
	}
	switch binary.BigEndian.Uint16(data[0:2]) {
	case 9:
		return d.v9.Parse(data, exporter, receivedAt)
	case 10:
		return d.ipfix.Parse(data, exporter, receivedAt)
	default:
		// v5 owns the invalid_version failure for everything else.
		return d.v5.Parse(data, exporter, receivedAt)
	}
}

// Config holds the collector's listening ports. A port of 0 binds an
// ephemeral port (tests); a negative port disables that family.
type Config struct {
	NetFlowPort int
	SFlowPort   int
}

// Collector runs one UDP listener per enabled flow family, all feeding the
// shared bounded queue.
type Collector struct {
	listeners []*Listener
	queue     *Queue
	log       *zap.Logger
	wg        sync.WaitGroup
}

// New binds the configured ports. On any bind failure, ports bound so far are
// released before returning the error.
func New(cfg Config, queue *Queue, log *zap.Logger) (*Collector, error) {
	c := &Collector{queue: queue, log: log}

	type binding struct {
		port   int
		family string
		parser netflow.Parser
	}
	for _, b := range []binding{
		{cfg.NetFlowPort, "netflow", NewNetFlowDemux()},
		{cfg.SFlowPort, "sflow", netflow.NewSFlowParser()},
	} {
		if b.port < 0 {
			continue
		}
		l, err := NewListener(b.port, b.family, b.parser, queue, log)
		if err != nil {
			c.closeListeners()
			return nil, err
		}
		c.listeners = append(c.listeners, l)
	}
	return c, nil
}

// Start launches one reader goroutine per listener.
func (c *Collector) Start() {
	for _, l := range c.listeners {
		c.wg.Add(1)
		go func(l *Listener) {
			defer c.wg.Done()
			l.Run()
		}(l)
	}
	c.log.Info("collector started", zap.Int("listeners", len(c.listeners)))
}

// Stop closes the sockets and waits for the readers to exit. The queue is
// left open so a consumer can drain what was already accepted.
func (c *Collector) Stop() {
	c.closeListeners()
	c.wg.Wait()
	c.log.Info("collector stopped")
}

func (c *Collector) closeListeners() {
	for _, l := range c.listeners {
		if err := l.Close(); err != nil {
			c.log.Warn("listener close failed", zap.Error(err))
		}
	}
}

// Listeners exposes the bound listeners, letting callers discover ephemeral
// ports.
func (c *Collector) Listeners() []*Listener { return c.listeners }
