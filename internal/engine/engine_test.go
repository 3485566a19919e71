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

package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func submitT(t *testing.T, e *Engine, req Request) Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Submit(ctx, req)
}

func TestInitExecCloseEmbeddedOnly(t *testing.T) {
	e := New()

	initResp := submitT(t, e, Request{ReqID: 1, Kind: KindInit, Init: &InitParams{
		URL:       "",
		SchemaSQL: []string{`CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT, updated_at TEXT)`},
	}})
	require.Equal(t, KindInitOK, initResp.Kind, initResp.Error)
	require.Equal(t, StateServing, e.State())

	execResp := submitT(t, e, Request{ReqID: 2, Kind: KindExec, Exec: &ExecParams{
		SQL: `INSERT INTO todos (id, title, updated_at) VALUES (1, 'hi', '2024-01-01T00:00:00Z')`,
	}})
	require.Equal(t, KindExecOK, execResp.Kind, execResp.Error)

	queryResp := submitT(t, e, Request{ReqID: 3, Kind: KindExec, Exec: &ExecParams{
		SQL: `SELECT id, title FROM todos WHERE id = $1`, Params: []any{int64(1)},
	}})
	require.Equal(t, KindExecOK, queryResp.Kind, queryResp.Error)
	require.Len(t, queryResp.Rows, 1)
	require.Equal(t, []string{"id", "title"}, queryResp.Cols)

	diagResp := submitT(t, e, Request{ReqID: 4, Kind: KindDiagnostic})
	require.Equal(t, KindDiagnosticOK, diagResp.Kind, diagResp.Error)
	require.Contains(t, diagResp.Info, "mainDatabase")
	require.Contains(t, diagResp.Info, "trackedTables")

	syncResp := submitT(t, e, Request{ReqID: 5, Kind: KindSync})
	require.Equal(t, KindSyncOK, syncResp.Kind, syncResp.Error)
	require.Equal(t, 0, syncResp.Pushed)

	closeResp := submitT(t, e, Request{ReqID: 6, Kind: KindClose})
	require.Equal(t, KindClose, closeResp.Kind, closeResp.Error)
	require.Equal(t, StateClosed, e.State())
}

func TestInitRejectsNonRemoteSyncURL(t *testing.T) {
	e := New()
	t.Cleanup(func() { submitT(t, e, Request{ReqID: 99, Kind: KindClose}) })
	resp := submitT(t, e, Request{ReqID: 1, Kind: KindInit, Init: &InitParams{
		URL:     "",
		SyncURL: "file://somewhere.db",
	}})
	require.Equal(t, KindError, resp.Kind)
	require.Contains(t, resp.Error, "must be remote")
}

func TestExecBeforeInitErrors(t *testing.T) {
	e := New()
	t.Cleanup(func() { submitT(t, e, Request{ReqID: 99, Kind: KindClose}) })
	resp := submitT(t, e, Request{ReqID: 1, Kind: KindExec, Exec: &ExecParams{SQL: "SELECT 1"}})
	require.Equal(t, KindError, resp.Kind)
	require.Contains(t, resp.Error, "not initialized")
}
