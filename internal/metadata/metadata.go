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

// Package metadata implements the per-table column cache (C3): primary
// key and non-key column lists, lazily populated from the local
// catalog and invalidated whenever a table is (re)created from a
// remote description.
//
// Grounded on the teacher's types.Watcher / types.SchemaData / ColData
// contract in internal/types/types.go, which returns primary-key
// columns first (in declaration order) followed by the rest.
package metadata

import (
	"context"
	"sync"

	"github.com/replikit/syncengine/internal/db"
	"github.com/replikit/syncengine/internal/ident"
)

// TableInfo holds a table's column lists, primary key columns first.
type TableInfo struct {
	PK  []string
	Non []string
}

// AllColumns returns PK followed by Non, in that order.
func (t TableInfo) AllColumns() []string {
	out := make([]string, 0, len(t.PK)+len(t.Non))
	out = append(out, t.PK...)
	out = append(out, t.Non...)
	return out
}

// fallback is returned for a table the catalog doesn't know about yet,
// so that upstream code (e.g. a freshly captured local write awaiting
// its CREATE TABLE) can proceed without blocking on schema discovery.
// Per spec.md §4.2/§9, this must never be trusted for a table that has
// actually seen real rows.
var fallback = TableInfo{PK: []string{"id"}}

// Cache is a lazily-populated, explicitly invalidated table metadata
// cache shared between the pusher and the puller.
type Cache struct {
	backend db.Backend

	mu    sync.Mutex
	cache map[string]TableInfo
}

// New constructs a Cache backed by the given embedded engine.
func New(backend db.Backend) *Cache {
	return &Cache{backend: backend, cache: make(map[string]TableInfo)}
}

// Get returns the cached TableInfo for table, querying the local
// catalog on a miss. An absent table yields the {PK:[id],non:[]}
// fallback rather than an error.
func (c *Cache) Get(ctx context.Context, table string) (TableInfo, error) {
	c.mu.Lock()
	if info, ok := c.cache[table]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	info, err := c.query(ctx, table)
	if err != nil {
		return TableInfo{}, err
	}

	c.mu.Lock()
	c.cache[table] = info
	c.mu.Unlock()
	return info, nil
}

// Invalidate drops any cached entry for table, forcing the next Get to
// re-query the catalog. Called after create-table-from-remote.
func (c *Cache) Invalidate(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, table)
}

// Put installs a TableInfo directly, used right after a local CREATE
// TABLE so that subsequent Get calls don't need a round trip.
func (c *Cache) Put(table string, info TableInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[table] = info
}

// query issues one catalog lookup per table (sqlite's pragma
// table_info, which doesn't directly expose PK declaration order
// beyond its "pk" ordinal column, used here to recover it).
func (c *Cache) query(ctx context.Context, table string) (TableInfo, error) {
	if err := ident.Validate(table); err != nil {
		return TableInfo{}, err
	}

	rows, err := c.backend.Query(ctx, "PRAGMA table_info("+ident.Quote(table)+")")
	if err != nil {
		return fallback, nil
	}
	defer rows.Close()

	type col struct {
		name string
		pk   int
	}
	var cols []col
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return TableInfo{}, err
		}
		cols = append(cols, col{name: name, pk: pk})
	}
	if err := rows.Err(); err != nil {
		return TableInfo{}, err
	}
	if len(cols) == 0 {
		return fallback, nil
	}

	info := TableInfo{}
	pkByOrdinal := make(map[int]string)
	var maxPK int
	for _, cl := range cols {
		if cl.pk > 0 {
			pkByOrdinal[cl.pk] = cl.name
			if cl.pk > maxPK {
				maxPK = cl.pk
			}
		} else {
			info.Non = append(info.Non, cl.name)
		}
	}
	for i := 1; i <= maxPK; i++ {
		if name, ok := pkByOrdinal[i]; ok {
			info.PK = append(info.PK, name)
		}
	}
	if len(info.PK) == 0 {
		info.PK = []string{"id"}
	}
	return info, nil
}
