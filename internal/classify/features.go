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

// Package classify derives behavioral asset types from traffic features.
// Feature extraction rolls recent aggregates into per-asset AssetFeatures
// rows; heuristic scoring and the optional ML model turn those into typed
// recommendations; the engine applies recommendations under the auto-update
// rule and keeps the audit log.
package classify

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/store"
)

// Extractor computes AssetFeatures rows from recent flow aggregates.
type Extractor struct {
	st  store.Store
	clk clock.Clock
	log *zap.Logger
}

// NewExtractor builds an extractor over the store.
func NewExtractor(st store.Store, clk clock.Clock, log *zap.Logger) *Extractor {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{st: st, clk: clk, log: log}
}

// accumulator gathers one asset's traffic over one window.
type accumulator struct {
	in, out []*flowlens.FlowAggregate
}

// ExtractAll computes and persists a feature row per active asset for the
// window, and returns how many rows were written. Assets with no traffic in
// the window are skipped.
func (e *Extractor) ExtractAll(ctx context.Context, window flowlens.FeatureWindow) (int, error) {
	now := e.clk.Now().UTC()
	aggs, err := e.st.AggregatesSince(ctx, now.Add(-window.Duration()))
	if err != nil {
		return 0, fmt.Errorf("load aggregates: %w", err)
	}
	if len(aggs) == 0 {
		return 0, nil
	}

	byIP := make(map[netip.Addr]*accumulator)
	touch := func(ip netip.Addr) *accumulator {
		acc := byIP[ip]
		if acc == nil {
			acc = &accumulator{}
			byIP[ip] = acc
		}
		return acc
	}
	for _, a := range aggs {
		touch(a.SrcIP).out = append(touch(a.SrcIP).out, a)
		touch(a.DstIP).in = append(touch(a.DstIP).in, a)
	}

	assets, err := e.st.Assets(ctx)
	if err != nil {
		return 0, fmt.Errorf("load assets: %w", err)
	}
	written := 0
	for _, asset := range assets {
		acc := byIP[asset.IPAddress]
		if acc == nil {
			continue
		}
		f := e.compute(asset, acc, window, now)
		if err := e.st.SaveAssetFeatures(ctx, f); err != nil {
			return written, fmt.Errorf("save features for %s: %w", asset.ID, err)
		}
		written++
	}
	e.log.Debug("feature extraction complete",
		zap.String("window", string(window)),
		zap.Int("assets", written),
		zap.Int("aggregates", len(aggs)))
	return written, nil
}

func (e *Extractor) compute(asset *flowlens.Asset, acc *accumulator, window flowlens.FeatureWindow, now time.Time) *flowlens.AssetFeatures {
	f := &flowlens.AssetFeatures{
		AssetID:              asset.ID,
		Window:               window,
		ComputedAt:           now,
		ProtocolDistribution: map[uint8]float64{},
	}

	peersIn := map[netip.Addr]struct{}{}
	peersOut := map[netip.Addr]struct{}{}
	srcPorts := map[uint16]struct{}{}
	dstPorts := map[uint16]struct{}{}
	protoFlows := map[uint8]uint64{}
	hours := map[time.Time]struct{}{}
	intervals := map[time.Time]struct{}{}
	portIntervals := map[uint16]map[time.Time]struct{}{}
	perWindowBytes := map[time.Time]uint64{}

	var bytesAll, packetsAll, durationAll, businessFlows, wellKnownIn, ephemeralIn uint64

	for _, a := range acc.in {
		f.FlowsIn += a.FlowsCount
		f.BytesIn += a.BytesTotal
		peersIn[a.SrcIP] = struct{}{}
		dstPorts[a.DstPort] = struct{}{}
		if flowlens.IsWellKnownPort(a.DstPort) {
			wellKnownIn += a.FlowsCount
		}
		if flowlens.IsEphemeralPort(a.DstPort) {
			ephemeralIn += a.FlowsCount
		}
		ws := a.WindowStart.UTC()
		intervals[ws] = struct{}{}
		if portIntervals[a.DstPort] == nil {
			portIntervals[a.DstPort] = map[time.Time]struct{}{}
		}
		portIntervals[a.DstPort][ws] = struct{}{}
	}
	for _, a := range acc.out {
		f.FlowsOut += a.FlowsCount
		f.BytesOut += a.BytesTotal
		peersOut[a.DstIP] = struct{}{}
		srcPorts[a.SrcPort] = struct{}{}
	}

	for _, a := range append(append([]*flowlens.FlowAggregate{}, acc.in...), acc.out...) {
		bytesAll += a.BytesTotal
		packetsAll += a.PacketsTotal
		durationAll += a.DurationMsSum
		protoFlows[a.Protocol] += a.FlowsCount
		ws := a.WindowStart.UTC()
		hours[ws.Truncate(time.Hour)] = struct{}{}
		perWindowBytes[ws] += a.BytesTotal
		if h := ws.Hour(); h >= 9 && h < 17 {
			businessFlows += a.FlowsCount
		}
	}

	f.TotalFlows = f.FlowsIn + f.FlowsOut
	f.FanIn = len(peersIn)
	f.FanOut = len(peersOut)
	f.UniqueSrcPorts = len(srcPorts)
	f.UniqueDstPorts = len(dstPorts)
	f.ActiveHours = len(hours)

	if f.FlowsIn > 0 {
		f.WellKnownPortRatio = float64(wellKnownIn) / float64(f.FlowsIn)
		f.EphemeralPortRatio = float64(ephemeralIn) / float64(f.FlowsIn)
	}
	if f.TotalFlows > 0 {
		f.BusinessHoursRatio = float64(businessFlows) / float64(f.TotalFlows)
		f.ConnectionChurn = float64(len(peersIn)+len(peersOut)) / float64(f.TotalFlows)
		for proto, n := range protoFlows {
			f.ProtocolDistribution[proto] = float64(n) / float64(f.TotalFlows)
		}
	}
	if packetsAll > 0 {
		f.AvgPacketSize = float64(bytesAll) / float64(packetsAll)
	}
	if f.TotalFlows > 0 {
		f.AvgFlowDurationMs = float64(durationAll) / float64(f.TotalFlows)
	}

	// A port is a persistent listener when it shows up in a majority of the
	// sub-intervals that had any inbound traffic.
	half := len(intervals) / 2
	for port, seen := range portIntervals {
		if len(seen) > half {
			f.PersistentListenerPorts = append(f.PersistentListenerPorts, port)
		}
	}
	for _, port := range f.PersistentListenerPorts {
		f.HasDBPorts = f.HasDBPorts || flowlens.IsDatabasePort(port)
		f.HasStoragePorts = f.HasStoragePorts || flowlens.IsStoragePort(port)
		f.HasWebPorts = f.HasWebPorts || flowlens.IsWebPort(port)
		f.HasSSHPorts = f.HasSSHPorts || flowlens.IsSSHPort(port)
	}

	f.TrafficVariance = variance(perWindowBytes)
	return f
}

// variance is the population variance of per-window byte totals.
func variance(perWindow map[time.Time]uint64) float64 {
	if len(perWindow) == 0 {
		return 0
	}
	var sum float64
	for _, b := range perWindow {
		sum += float64(b)
	}
	mean := sum / float64(len(perWindow))
	var sq float64
	for _, b := range perWindow {
		d := float64(b) - mean
		sq += d * d
	}
	return sq / float64(len(perWindow))
}
