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

// Package outbox models the append-only _outbox log (spec.md §3): the
// record of locally originated mutations awaiting delivery to the
// remote database of record.
//
// The Row type here plays the role the teacher's types.Mutation plays
// for changefeed data (internal/types/types.go: Data/Key/Time/Meta,
// IsDelete()) — this project's outbox row is this project's Mutation.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/replikit/syncengine/internal/db"
	"github.com/replikit/syncengine/internal/ident"
	"github.com/replikit/syncengine/internal/lww"
)

// Op identifies the kind of row-level change captured by the trigger.
type Op string

const (
	OpInsert Op = "I"
	OpUpdate Op = "U"
	OpDelete Op = "D"
)

// Row is one captured local mutation.
type Row struct {
	ID        int64
	Table     string
	Op        Op
	PK        map[string]any // JSON-decoded primary key column -> value
	RowJSON   json.RawMessage // full post-image for I/U; nil for D
	CreatedAt lww.Value
}

// LWWValue extracts the configured LWW column's value from the row
// image. Returns the zero Value if the column is absent (e.g. a
// delete, which carries no post-image).
func (r Row) LWWValue(lwwColumn string) (lww.Value, error) {
	if len(r.RowJSON) == 0 {
		return lww.Zero(), nil
	}
	var image map[string]any
	if err := json.Unmarshal(r.RowJSON, &image); err != nil {
		return lww.Zero(), errors.Wrap(err, "decoding outbox row image")
	}
	raw, ok := image[lwwColumn]
	if !ok || raw == nil {
		return lww.Zero(), nil
	}
	s, ok := raw.(string)
	if !ok {
		return lww.Zero(), errors.Errorf("lww column %q is not a string timestamp in outbox row", lwwColumn)
	}
	return lww.Parse(s)
}

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	op TEXT NOT NULL,
	pk TEXT NOT NULL,
	row_json TEXT,
	created_at TEXT NOT NULL
)`

// TableName is the outbox table's name.
const TableName = "_outbox"

// EnsureTable creates the outbox table if it doesn't already exist.
func EnsureTable(ctx context.Context, backend db.Backend) error {
	_, err := backend.Exec(ctx, fmt.Sprintf(schemaTemplate, ident.Quote(TableName)))
	return errors.WithStack(err)
}

const selectPendingTemplate = `
SELECT id, table_name, op, pk, row_json, created_at
FROM %[1]s
WHERE id > ?
ORDER BY id ASC
`

// SelectPending returns rows with id > lastPush, in ascending id
// order, optionally capped at limit (0 means unbounded, per spec.md
// §4.5's explicit "no upper bound" default).
func SelectPending(ctx context.Context, backend db.Backend, lastPush int64, limit int) ([]Row, error) {
	query := fmt.Sprintf(selectPendingTemplate, ident.Quote(TableName))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := backend.Query(ctx, query, lastPush)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r           Row
			pkJSON      string
			rowJSON     *string
			createdAtS  string
		)
		if err := rows.Scan(&r.ID, &r.Table, &r.Op, &pkJSON, &rowJSON, &createdAtS); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := json.Unmarshal([]byte(pkJSON), &r.PK); err != nil {
			return nil, errors.Wrapf(err, "decoding pk for outbox row %d", r.ID)
		}
		if rowJSON != nil {
			r.RowJSON = json.RawMessage(*rowJSON)
		}
		out = append(out, r)
	}
	return out, errors.WithStack(rows.Err())
}

const deleteThroughTemplate = `DELETE FROM %[1]s WHERE id <= ?`

// DeleteThrough removes every outbox row with id <= upTo. Called after
// a push batch commits remotely; the rows are now acknowledged.
func DeleteThrough(ctx context.Context, backend db.Backend, upTo int64) error {
	_, err := backend.Exec(ctx, fmt.Sprintf(deleteThroughTemplate, ident.Quote(TableName)), upTo)
	return errors.WithStack(err)
}

const countTemplate = `SELECT COUNT(*) FROM %[1]s`

// Count returns the total number of outbox rows, used by diagnostics.
func Count(ctx context.Context, backend db.Backend) (int64, error) {
	rows, err := backend.Query(ctx, fmt.Sprintf(countTemplate, ident.Quote(TableName)))
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	return n, errors.WithStack(rows.Err())
}

// Fingerprint renders a PK map as the canonical, order-stable string
// used to key the echo cache, per spec.md §4.5: PK values joined by
// "|" in PK-column order; nil/missing values render as empty string.
func Fingerprint(pkColumns []string, pk map[string]any) string {
	out := ""
	for i, col := range pkColumns {
		if i > 0 {
			out += "|"
		}
		v, ok := pk[col]
		if !ok || v == nil {
			continue
		}
		out += fmt.Sprintf("%v", v)
	}
	return out
}
