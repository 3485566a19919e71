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

package syncpush_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/replikit/syncengine/internal/db"
	"github.com/replikit/syncengine/internal/echocache"
	"github.com/replikit/syncengine/internal/metadata"
	"github.com/replikit/syncengine/internal/schema"
	"github.com/replikit/syncengine/internal/syncpush"
)

// newPair opens two independent in-memory embedded engines; the second
// stands in for the Postgres remote, exercising the same Backend
// contract, so the pusher's SQL-building logic is tested without a
// live Postgres.
func newPair(t *testing.T) (*db.Embedded, *db.Embedded) {
	t.Helper()
	local, err := db.OpenEmbedded("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	remote, err := db.OpenEmbedded("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })

	return local, remote
}

func TestPushDrainsOutboxAndAppliesRemotely(t *testing.T) {
	ctx := context.Background()
	local, remote := newPair(t)

	ddl := []string{`CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT, updated_at TEXT)`}
	require.NoError(t, schema.Bootstrap(ctx, local, ddl, true, "updated_at"))
	_, err := remote.Exec(ctx, ddl[0])
	require.NoError(t, err)

	_, err = local.Exec(ctx, `INSERT INTO todos (id, title, updated_at) VALUES ($1, $2, $3)`,
		1, "buy milk", "2024-06-01T00:00:00Z")
	require.NoError(t, err)

	meta := metadata.New(local)
	echo := echocache.New(0)
	pusher := syncpush.New(local, remote, meta, echo, "edge-1", "updated_at", 0)

	n, err := pusher.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// a second push with nothing pending must be a no-op.
	n, err = pusher.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestPushIsNoOpOnEmptyOutbox(t *testing.T) {
	ctx := context.Background()
	local, remote := newPair(t)

	ddl := []string{`CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT, updated_at TEXT)`}
	require.NoError(t, schema.Bootstrap(ctx, local, ddl, true, "updated_at"))

	meta := metadata.New(local)
	echo := echocache.New(0)
	pusher := syncpush.New(local, remote, meta, echo, "edge-1", "updated_at", 0)

	n, err := pusher.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
