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

package seqsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/replikit/syncengine/internal/db"
)

func TestParseSequenceName(t *testing.T) {
	cases := map[string]string{
		"nextval('public.todos_id_seq'::regclass)": "public.todos_id_seq",
		"nextval('todos_id_seq'::regclass)":        "todos_id_seq",
		"":                                          "",
		"'unterminated":                             "",
	}
	for input, want := range cases {
		if got := parseSequenceName(input); got != want {
			t.Errorf("parseSequenceName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestMaxColumnValueReadsLocal(t *testing.T) {
	ctx := context.Background()
	e, err := db.OpenEmbedded("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	_, err = e.Exec(ctx, `CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)
	_, err = e.Exec(ctx, `INSERT INTO todos (id, title) VALUES ($1, $2)`, int64(7), "x")
	require.NoError(t, err)

	got, err := maxColumnValue(ctx, e, "todos", "id")
	require.NoError(t, err)
	require.Equal(t, int64(7), got)
}

func TestMaxColumnValueEmptyTableIsZero(t *testing.T) {
	ctx := context.Background()
	e, err := db.OpenEmbedded("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	_, err = e.Exec(ctx, `CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)

	got, err := maxColumnValue(ctx, e, "todos", "id")
	require.NoError(t, err)
	require.Equal(t, int64(0), got)
}

// TestAlignLocalSequenceIsMonotone exercises spec.md §8's "sequence
// synchronizer is idempotent and monotone": aligning to a lower value
// after a higher one is a no-op, and a table with no prior AUTOINCREMENT
// activity gets its sqlite_sequence row created from scratch.
func TestAlignLocalSequenceIsMonotone(t *testing.T) {
	ctx := context.Background()
	e, err := db.OpenEmbedded("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	_, err = e.Exec(ctx, `CREATE TABLE todos (id INTEGER PRIMARY KEY AUTOINCREMENT, title TEXT)`)
	require.NoError(t, err)

	require.NoError(t, alignLocalSequence(ctx, e, "todos", 10))
	require.Equal(t, int64(10), readSeq(t, ctx, e, "todos"))

	require.NoError(t, alignLocalSequence(ctx, e, "todos", 3))
	require.Equal(t, int64(10), readSeq(t, ctx, e, "todos"))

	require.NoError(t, alignLocalSequence(ctx, e, "todos", 25))
	require.Equal(t, int64(25), readSeq(t, ctx, e, "todos"))
}

func readSeq(t *testing.T, ctx context.Context, e *db.Embedded, table string) int64 {
	t.Helper()
	rows, err := e.Query(ctx, `SELECT seq FROM sqlite_sequence WHERE name = $1`, table)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var seq int64
	require.NoError(t, rows.Scan(&seq))
	return seq
}
