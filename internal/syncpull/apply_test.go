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

package syncpull

import (
	"context"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"

	"github.com/replikit/syncengine/internal/db"
	"github.com/replikit/syncengine/internal/metadata"
	"github.com/replikit/syncengine/internal/schema"
)

func TestExecUpsertRespectsLWWGuard(t *testing.T) {
	ctx := context.Background()
	e, err := db.OpenEmbedded("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ddl := []string{`CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT, updated_at TEXT)`}
	require.NoError(t, schema.Bootstrap(ctx, e, ddl, true, "updated_at"))

	info := metadata.TableInfo{PK: []string{"id"}, Non: []string{"title", "updated_at"}}

	require.NoError(t, execUpsert(ctx, e, "todos", info, map[string]any{
		"id": int64(1), "title": "newer", "updated_at": "2024-06-02T00:00:00Z",
	}, "updated_at"))

	// a stale inbound write must not clobber the newer local row.
	require.NoError(t, execUpsert(ctx, e, "todos", info, map[string]any{
		"id": int64(1), "title": "stale", "updated_at": "2024-06-01T00:00:00Z",
	}, "updated_at"))

	rows, err := e.Query(ctx, `SELECT title FROM todos WHERE id = $1`, int64(1))
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var title string
	require.NoError(t, rows.Scan(&title))
	require.Equal(t, "newer", title)
}

func TestExecDeleteRemovesRow(t *testing.T) {
	ctx := context.Background()
	e, err := db.OpenEmbedded("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ddl := []string{`CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT, updated_at TEXT)`}
	require.NoError(t, schema.Bootstrap(ctx, e, ddl, true, "updated_at"))

	info := metadata.TableInfo{PK: []string{"id"}, Non: []string{"title", "updated_at"}}
	require.NoError(t, execUpsert(ctx, e, "todos", info, map[string]any{
		"id": int64(1), "title": "x", "updated_at": "2024-06-01T00:00:00Z",
	}, "updated_at"))

	require.NoError(t, execDelete(ctx, e, "todos", []string{"id"}, map[string]any{"id": int64(1)}))

	rows, err := e.Query(ctx, `SELECT 1 FROM todos WHERE id = $1`, int64(1))
	require.NoError(t, err)
	defer rows.Close()
	require.False(t, rows.Next())
}

func TestDecodeTupleSkipsUnchangedToast(t *testing.T) {
	cols := []string{"id", "title"}
	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		{DataType: 't', Data: []byte("1")},
		{DataType: 'u'},
	}}
	values := decodeTuple(cols, tuple)
	require.Equal(t, "1", values["id"])
	_, present := values["title"]
	require.False(t, present)
}

func TestValueOfMissingColumnIsZero(t *testing.T) {
	v, err := valueOf(map[string]any{}, "updated_at")
	require.NoError(t, err)
	require.True(t, v.IsZero())
}
