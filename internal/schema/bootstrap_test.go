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

package schema_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/replikit/syncengine/internal/db"
	"github.com/replikit/syncengine/internal/outbox"
	"github.com/replikit/syncengine/internal/schema"
)

func openTestEmbedded(t *testing.T) *db.Embedded {
	t.Helper()
	e, err := db.OpenEmbedded("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestBootstrapCreatesInfrastructure(t *testing.T) {
	ctx := context.Background()
	e := openTestEmbedded(t)

	ddl := []string{
		`CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT, updated_at TEXT)`,
	}
	require.NoError(t, schema.Bootstrap(ctx, e, ddl, true, "updated_at"))

	// Re-running bootstrap must not fail: every statement is idempotent.
	require.NoError(t, schema.Bootstrap(ctx, e, ddl, true, "updated_at"))

	count, err := outbox.Count(ctx, e)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestCaptureTriggerRecordsInsertAndRespectsFlag(t *testing.T) {
	ctx := context.Background()
	e := openTestEmbedded(t)

	ddl := []string{`CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT, updated_at TEXT)`}
	require.NoError(t, schema.Bootstrap(ctx, e, ddl, true, "updated_at"))

	_, err := e.Exec(ctx, `INSERT INTO todos (id, title, updated_at) VALUES ($1, $2, $3)`,
		1, "buy milk", "2024-06-01T00:00:00Z")
	require.NoError(t, err)

	rows, err := outbox.SelectPending(ctx, e, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, outbox.OpInsert, rows[0].Op)
	require.Equal(t, "todos", rows[0].Table)

	// Raise the flag to emulate the puller applying a remote change; the
	// trigger must not re-capture it.
	_, err = e.Exec(ctx, `UPDATE `+`"_sync_flag"`+` SET applying = 1 WHERE id = 1`)
	require.NoError(t, err)

	_, err = e.Exec(ctx, `INSERT INTO todos (id, title, updated_at) VALUES ($1, $2, $3)`,
		2, "remote row", "2024-06-01T00:00:00Z")
	require.NoError(t, err)

	rows, err = outbox.SelectPending(ctx, e, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1, "no second outbox row while the applying flag is raised")
}
