// Copyright 2026 The Replikit Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package echocache implements the tertiary echo-suppression mechanism
// (spec.md §3, §4.5, §4.6, §9): a time-bounded map from table name to
// PK-fingerprint to {op, lww}, populated by the pusher right after it
// sends a change and consumed by the puller on the first matching
// inbound event.
//
// The indexing idea — last-write-per-key, compared by an LWW value —
// is grounded on the teacher's msort.UniqueByKey
// (internal/util/msort/msort.go), adapted from a one-shot batch
// deduplication pass into a live, TTL-bounded cache.
package echocache

import (
	"sync"
	"time"

	"github.com/replikit/syncengine/internal/lww"
	"github.com/replikit/syncengine/internal/metrics"
	"github.com/replikit/syncengine/internal/outbox"
)

// Entry is what the pusher records immediately after sending a change.
type Entry struct {
	Op      outbox.Op
	LWW     lww.Value
	expires time.Time
}

// Cache is the shared, process-local echo-suppression map. The puller
// runs in its own background goroutine and auto-pushes run in
// goroutines the manager starts, so every map operation holds the
// mutex, for the duration of that one operation only.
type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]map[string]Entry // table -> fingerprint -> Entry
}

// New constructs a Cache whose entries expire after ttl if unconsumed.
// Defaults to 10s, per spec.md §3's "≈10 s" budget.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Cache{ttl: ttl, entries: make(map[string]map[string]Entry)}
}

// Put records an Entry for table/fingerprint, to be consumed by the
// first matching inbound event within the TTL.
func (c *Cache) Put(table, fingerprint string, op outbox.Op, value lww.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[table] == nil {
		c.entries[table] = make(map[string]Entry)
	}
	c.entries[table][fingerprint] = Entry{
		Op:      op,
		LWW:     value,
		expires: time.Now().Add(c.ttl),
	}
}

// Consume looks up table/fingerprint. If a live entry exists whose op
// matches, and either the op is a delete or the inbound LWW value is
// <= the stored value, the entry is removed and true is returned: the
// caller should drop the inbound event as an echo.
func (c *Cache) Consume(table, fingerprint string, op outbox.Op, inbound lww.Value) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	byFP := c.entries[table]
	if byFP == nil {
		metrics.EchoCacheMisses.WithLabelValues(table).Inc()
		return false
	}
	entry, ok := byFP[fingerprint]
	if !ok || time.Now().After(entry.expires) {
		delete(byFP, fingerprint)
		metrics.EchoCacheMisses.WithLabelValues(table).Inc()
		return false
	}
	if entry.Op != op {
		metrics.EchoCacheMisses.WithLabelValues(table).Inc()
		return false
	}
	if op != outbox.OpDelete && lww.Compare(inbound, entry.LWW) > 0 {
		metrics.EchoCacheMisses.WithLabelValues(table).Inc()
		return false
	}

	delete(byFP, fingerprint)
	metrics.EchoCacheHits.WithLabelValues(table).Inc()
	return true
}

// EvictExpired removes every entry whose TTL has passed without being
// consumed, so a lost echo never grows the cache unboundedly. Intended
// to be called periodically (e.g. scheduled right after each Put).
func (c *Cache) EvictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for table, byFP := range c.entries {
		for fp, entry := range byFP {
			if now.After(entry.expires) {
				delete(byFP, fp)
				metrics.EchoCacheEvictions.WithLabelValues(table).Inc()
			}
		}
		if len(byFP) == 0 {
			delete(c.entries, table)
		}
	}
}

// TTL reports the cache's configured entry lifetime, so a caller that
// schedules eviction sweeps doesn't need to track its own copy.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Stat reports {trackedTables, entries} for the diagnostics payload.
func (c *Cache) Stat() (trackedTables int, entries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	trackedTables = len(c.entries)
	for _, byFP := range c.entries {
		entries += len(byFP)
	}
	return
}
