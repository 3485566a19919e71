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

// Package engine implements the top-level Engine (spec.md §4.10):
// lifecycle state machine, the host↔engine RPC surface (§6) dispatched
// to a single worker goroutine, and wiring of the db/schema/syncpush/
// syncpull/syncinit/syncmanager packages via a hand-authored
// constructor in the shape github.com/google/wire generates.
//
// Grounded on internal/source/logical/provider.go's wire.NewSet graph
// and cdc.Handler/testFixture's constructor wiring
// (internal/source/cdc/wire_gen.go).
package engine

// Kind identifies an RPC message's purpose.
type Kind string

const (
	KindInit          Kind = "init"
	KindExec          Kind = "exec"
	KindSync          Kind = "sync"
	KindSyncSequences Kind = "sync-sequences"
	KindDiagnostic    Kind = "diagnostic"
	KindClose         Kind = "close"

	KindInitOK          Kind = "init-ok"
	KindExecOK          Kind = "exec-ok"
	KindSyncOK          Kind = "sync-ok"
	KindSyncSequencesOK Kind = "sync-sequences-ok"
	KindDiagnosticOK    Kind = "diagnostic-ok"
	KindError           Kind = "error"
)

// InitParams carries the engine's one-time boot configuration,
// delivered over the "init" message per spec.md §6.
type InitParams struct {
	URL             string
	SyncURL         string
	SchemaSQL       []string
	EdgeID          string
	LWWColumn       string
	SkipInitialSync bool
	InitialSyncFrom string
	DisableAutoPush bool
	Extensions      []string
	EngineConfig    map[string]any
	LogMetrics      bool
}

// ExecParams carries a passthrough SQL statement.
type ExecParams struct {
	SQL    string
	Params []any
}

// Request is one host→engine RPC call.
type Request struct {
	ReqID int64
	Kind  Kind
	Init  *InitParams
	Exec  *ExecParams
}

// Response is one engine→host RPC reply. Only the fields relevant to
// Kind are populated.
type Response struct {
	ReqID int64
	Kind  Kind

	Rows   [][]any  // exec-ok
	Cols   []string // exec-ok
	Pushed int      // sync-ok
	Synced int      // sync-sequences-ok
	Info   map[string]any // diagnostic-ok

	Error string // error
}
