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
	"net/netip"
	"sync"
)

// templateField is one (type, length) pair from a template definition.
type templateField struct {
	Type   uint16
	Length uint16
}

// template is a decoded v9/IPFIX template: the ordered field layout of the
// data records that reference it.
type template struct {
	ID     uint16
	Fields []templateField
	// recordSize is the fixed byte width of one data record; IPFIX
	// variable-length fields (length 0xFFFF) are not supported and such
	// templates are rejected at definition time.
	recordSize int
}

// templateKey identifies a template within the collector: templates are
// scoped to (exporter, observation domain / source id, template id).
type templateKey struct {
	Exporter   netip.Addr
	SourceID   uint32
	TemplateID uint16
}

// TemplateCache stores templates learned from template flowsets so later data
// flowsets can be decoded. Template-based protocols resend definitions
// periodically; data arriving before its template is dropped with reason
// unknown_template.
type TemplateCache struct {
	mu        sync.RWMutex
	templates map[templateKey]*template
}

// NewTemplateCache returns an empty cache.
func NewTemplateCache() *TemplateCache {
	return &TemplateCache{templates: make(map[templateKey]*template)}
}

func (c *TemplateCache) put(exporter netip.Addr, sourceID uint32, t *template) {
	c.mu.Lock()
	c.templates[templateKey{exporter, sourceID, t.ID}] = t
	c.mu.Unlock()
}

func (c *TemplateCache) get(exporter netip.Addr, sourceID uint32, id uint16) *template {
	c.mu.RLock()
	t := c.templates[templateKey{exporter, sourceID, id}]
	c.mu.RUnlock()
	return t
}

// Len returns the number of cached templates.
func (c *TemplateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.templates)
}

// Field type numbers shared by NetFlow v9 and IPFIX information elements.
const (
	fieldInBytes          = 1
	fieldInPkts           = 2
	fieldProtocol         = 4
	fieldSrcTOS           = 5
	fieldTCPFlags         = 6
	fieldL4SrcPort        = 7
	fieldIPv4SrcAddr      = 8
	fieldSrcMask          = 9
	fieldInputSNMP        = 10
	fieldL4DstPort        = 11
	fieldIPv4DstAddr      = 12
	fieldDstMask          = 13
	fieldOutputSNMP       = 14
	fieldIPv4NextHop      = 15
	fieldSrcAS            = 16
	fieldDstAS            = 17
	fieldLastSwitched     = 21
	fieldFirstSwitched    = 22
	fieldIPv6SrcAddr      = 27
	fieldIPv6DstAddr      = 28
	fieldSamplingInterval = 34

	// IPFIX absolute timestamps.
	fieldFlowStartMilliseconds = 152
	fieldFlowEndMilliseconds   = 153
)
