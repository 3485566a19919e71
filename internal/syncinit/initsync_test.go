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

package syncinit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replikit/syncengine/internal/db"
	"github.com/replikit/syncengine/internal/lww"
	"github.com/replikit/syncengine/internal/metadata"
	"github.com/replikit/syncengine/internal/schema"
)

func TestPageQueryIncludesCutoffAndKeyset(t *testing.T) {
	query, args := pageQuery("todos", `"id", "title"`, `"id"`, []string{"id"}, "updated_at",
		lww.New(mustParseTime(t, "2024-06-01T00:00:00Z")), []any{int64(5)})

	require.Contains(t, query, `"updated_at" >= $1`)
	require.Contains(t, query, `"id" > $2`)
	require.Contains(t, query, "ORDER BY")
	require.Len(t, args, 2)
	require.Equal(t, int64(5), args[1])
}

func TestPageQueryWithoutCutoffOrKeyset(t *testing.T) {
	query, args := pageQuery("todos", `"id"`, `"id"`, []string{"id"}, "updated_at", lww.Zero(), nil)
	require.NotContains(t, query, "WHERE")
	require.Empty(t, args)
}

func TestUpsertRowWritesLocally(t *testing.T) {
	ctx := context.Background()
	e, err := db.OpenEmbedded("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ddl := []string{`CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT, updated_at TEXT)`}
	require.NoError(t, schema.Bootstrap(ctx, e, ddl, true, "updated_at"))

	info := metadata.TableInfo{PK: []string{"id"}, Non: []string{"title", "updated_at"}}
	require.NoError(t, upsertRow(ctx, e, "todos", info, map[string]any{
		"id": int64(1), "title": "backfilled", "updated_at": "2024-06-01T00:00:00Z",
	}, "updated_at"))

	rows, err := e.Query(ctx, `SELECT title FROM todos WHERE id = $1`, int64(1))
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var title string
	require.NoError(t, rows.Scan(&title))
	require.Equal(t, "backfilled", title)
}

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := lww.Parse(s)
	require.NoError(t, err)
	return v.Time()
}
