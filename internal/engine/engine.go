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
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replikit/syncengine/internal/db"
	"github.com/replikit/syncengine/internal/diag"
	"github.com/replikit/syncengine/internal/errkind"
	"github.com/replikit/syncengine/internal/outbox"
	"github.com/replikit/syncengine/internal/schema"
	"github.com/replikit/syncengine/internal/seqsync"
	"github.com/replikit/syncengine/internal/syncmanager"
)

// State is the engine's lifecycle state (spec.md §4.10).
type State string

const (
	StateCreated    State = "created"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateSyncing    State = "syncing"
	StateServing    State = "serving"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

type requestEnvelope struct {
	req   Request
	reply chan Response
}

// Engine hosts the embedded/remote backends and the sync manager
// behind a single worker goroutine, matching the one-dedicated-worker
// scheduling model of spec.md §5.
type Engine struct {
	mu    sync.Mutex
	state State

	local  *db.Embedded
	remote *db.Remote
	// primaryRemote holds the url-is-remote ("direct mode") backend
	// when there is no embedded engine at all.
	primaryRemote *db.Remote

	manager *syncmanager.Manager

	edgeID    string
	lwwColumn string

	requests chan requestEnvelope
	workerWG sync.WaitGroup
}

// New constructs an Engine in the "created" state. It does not connect
// to anything until the first "init" request is processed.
func New() *Engine {
	e := &Engine{
		state:    StateCreated,
		requests: make(chan requestEnvelope, 16),
	}
	e.workerWG.Add(1)
	go e.worker()
	return e
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Submit sends req to the worker goroutine and waits for its reply, or
// for ctx to expire. On timeout, the caller gets an error response but
// the engine keeps processing the request to completion, per spec.md
// §5's "host abandons the pending response" cancellation policy.
func (e *Engine) Submit(ctx context.Context, req Request) Response {
	reply := make(chan Response, 1)
	select {
	case e.requests <- requestEnvelope{req: req, reply: reply}:
	case <-ctx.Done():
		return Response{ReqID: req.ReqID, Kind: KindError, Error: "request queue full or engine closed"}
	}

	select {
	case resp := <-reply:
		return resp
	case <-ctx.Done():
		return Response{ReqID: req.ReqID, Kind: KindError, Error: errkind.New(errkind.KindTimeout, errors.New("host request timed out")).Error()}
	}
}

func (e *Engine) worker() {
	defer e.workerWG.Done()
	for envelope := range e.requests {
		resp := e.handle(envelope.req)
		if envelope.req.Kind == KindClose {
			envelope.reply <- resp
			close(envelope.reply)
			return
		}
		envelope.reply <- resp
		close(envelope.reply)
	}
}

func (e *Engine) handle(req Request) Response {
	switch req.Kind {
	case KindInit:
		return e.handleInit(req)
	case KindExec:
		return e.handleExec(req)
	case KindSync:
		return e.handleSync(req)
	case KindSyncSequences:
		return e.handleSyncSequences(req)
	case KindDiagnostic:
		return e.handleDiagnostic(req)
	case KindClose:
		return e.handleClose(req)
	default:
		return errResponse(req.ReqID, errors.Errorf("unknown request kind %q", req.Kind))
	}
}

func errResponse(reqID int64, err error) Response {
	return Response{ReqID: reqID, Kind: KindError, Error: err.Error()}
}

func (e *Engine) handleInit(req Request) Response {
	if req.Init == nil {
		return errResponse(req.ReqID, errkind.New(errkind.KindConfig, errors.New("init request missing parameters")))
	}
	p := *req.Init
	e.setState(StateConnecting)

	edgeID := ProvideEdgeID(p)
	lwwColumn := ProvideLWWColumn(p)
	e.edgeID = edgeID
	e.lwwColumn = lwwColumn

	isRemote, isFile, path, err := db.ParseURL(p.URL)
	if err != nil {
		return errResponse(req.ReqID, err)
	}

	var hasSync bool
	cutoff, err := ProvideInitialSyncCutoff(p)
	if err != nil {
		return errResponse(req.ReqID, errkind.New(errkind.KindConfig, err))
	}

	if isRemote {
		// Direct mode: the url itself is the database of record, there
		// is no embedded engine and therefore nothing to sync.
		if p.SyncURL != "" {
			return errResponse(req.ReqID, errkind.New(errkind.KindConfig,
				errors.New("syncUrl is not supported when url itself is remote")))
		}
		remote, err := db.OpenRemote(context.Background(), p.URL)
		if err != nil {
			return errResponse(req.ReqID, err)
		}
		e.primaryRemote = remote
		if errs := schema.ReplayDDL(context.Background(), remote, p.SchemaSQL); len(errs) > 0 {
			for _, derr := range errs {
				log.WithError(derr).Warn("user DDL statement failed against remote, continuing")
			}
		}
		e.setState(StateReady)
		e.setState(StateServing)
		return Response{ReqID: req.ReqID, Kind: KindInitOK}
	}

	var embeddedPath string
	if isFile {
		embeddedPath = path
	}
	local, err := db.OpenEmbedded(embeddedPath)
	if err != nil {
		return errResponse(req.ReqID, err)
	}
	e.local = local

	if p.SyncURL != "" {
		syncIsRemote, _, _, _ := db.ParseURL(p.SyncURL)
		if !syncIsRemote {
			return errResponse(req.ReqID, errkind.New(errkind.KindConfig, errors.New("syncUrl must be remote")))
		}
		remote, err := db.OpenRemote(context.Background(), p.SyncURL)
		if err != nil {
			return errResponse(req.ReqID, err)
		}
		e.remote = remote
		hasSync = true
	}

	if err := schema.Bootstrap(context.Background(), e.local, p.SchemaSQL, hasSync, lwwColumn); err != nil {
		return errResponse(req.ReqID, err)
	}

	e.manager = syncmanager.New(e.local, e.remote, ProvideManagerOptions(edgeID, lwwColumn, p))

	if hasSync {
		e.setState(StateSyncing)
		if err := e.manager.Start(context.Background(), p.SyncURL, p.SkipInitialSync, cutoff, lwwColumn); err != nil {
			return errResponse(req.ReqID, err)
		}
	}

	e.setState(StateServing)
	return Response{ReqID: req.ReqID, Kind: KindInitOK}
}

func (e *Engine) primaryBackend() db.Backend {
	if e.local != nil {
		return e.local
	}
	return e.primaryRemote
}

func (e *Engine) handleExec(req Request) Response {
	if req.Exec == nil {
		return errResponse(req.ReqID, errors.New("exec request missing parameters"))
	}
	backend := e.primaryBackend()
	if backend == nil {
		return errResponse(req.ReqID, errkind.New(errkind.KindConfig, errors.New("engine not initialized")))
	}

	sql := strings.TrimSpace(req.Exec.SQL)
	if isSelectLike(sql) {
		rows, err := backend.Query(context.Background(), sql, req.Exec.Params...)
		if err != nil {
			return errResponse(req.ReqID, err)
		}
		defer rows.Close()

		cols, _ := rows.Columns()
		var out [][]any
		for rows.Next() {
			dest := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range dest {
				ptrs[i] = &dest[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return errResponse(req.ReqID, err)
			}
			out = append(out, dest)
		}
		if err := rows.Err(); err != nil {
			return errResponse(req.ReqID, err)
		}
		return Response{ReqID: req.ReqID, Kind: KindExecOK, Rows: out, Cols: cols}
	}

	n, err := backend.Exec(context.Background(), sql, req.Exec.Params...)
	if err != nil {
		return errResponse(req.ReqID, err)
	}
	return Response{ReqID: req.ReqID, Kind: KindExecOK, Rows: [][]any{{n}}}
}

func isSelectLike(sql string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	return strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "PRAGMA") || strings.HasPrefix(upper, "WITH")
}

func (e *Engine) handleSync(req Request) Response {
	if e.manager == nil {
		return Response{ReqID: req.ReqID, Kind: KindSyncOK, Pushed: 0}
	}
	n, err := e.manager.Push(context.Background())
	if err != nil {
		return errResponse(req.ReqID, err)
	}
	return Response{ReqID: req.ReqID, Kind: KindSyncOK, Pushed: n}
}

func (e *Engine) handleSyncSequences(req Request) Response {
	if e.manager == nil || e.remote == nil {
		return Response{ReqID: req.ReqID, Kind: KindSyncSequencesOK, Synced: 0}
	}
	tables, err := schema.ListUserTables(context.Background(), e.local)
	if err != nil {
		return errResponse(req.ReqID, err)
	}
	seqsync.SyncAll(context.Background(), e.local, e.remote, tables)
	return Response{ReqID: req.ReqID, Kind: KindSyncSequencesOK, Synced: len(tables)}
}

// handleDiagnostic assembles the §6 diagnostics payload by registering
// one diag.Provider per live component and collecting a Report, rather
// than building the map by hand: a Provider whose Stat call fails
// contributes an {"error": ...} entry instead of dropping the key or
// aborting the whole report.
func (e *Engine) handleDiagnostic(req Request) Response {
	ctx := context.Background()
	registry := diag.New()

	if backend := e.primaryBackend(); backend != nil {
		_ = registry.Register("mainDatabase", diag.ProviderFunc(func(context.Context) (any, error) {
			return map[string]any{"type": backend.Product().String()}, nil
		}))
	}
	_ = registry.Register("syncDatabase", diag.ProviderFunc(func(context.Context) (any, error) {
		return map[string]any{"hasSyncPool": e.remote != nil}, nil
	}))

	if e.local != nil {
		local := e.local
		_ = registry.Register("syncState", diag.ProviderFunc(func(ctx context.Context) (any, error) {
			return readSyncState(ctx, local)
		}))
		_ = registry.Register("outbox", diag.ProviderFunc(func(ctx context.Context) (any, error) {
			count, err := outbox.Count(ctx, local)
			if err != nil {
				return nil, err
			}
			return map[string]any{"totalCount": count}, nil
		}))
		_ = registry.Register("trackedTables", diag.ProviderFunc(func(ctx context.Context) (any, error) {
			return schema.ListUserTables(ctx, local)
		}))
	}
	if e.manager != nil {
		manager := e.manager
		_ = registry.Register("echoPrevention", diag.ProviderFunc(func(context.Context) (any, error) {
			tracked, entries := manager.EchoCache().Stat()
			return map[string]any{"trackedTables": tracked, "entries": entries}, nil
		}))
	}

	info := registry.Report(ctx)
	log.WithField("diagnostic", marshalForLog(info)).Debug("diagnostic snapshot")
	return Response{ReqID: req.ReqID, Kind: KindDiagnosticOK, Info: info}
}

func readSyncState(ctx context.Context, local *db.Embedded) (map[string]any, error) {
	rows, err := local.Query(ctx, `SELECT last_push, last_pull FROM `+quotedSyncState()+` WHERE id = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, errors.New("sync state row missing")
	}
	var lastPush int64
	var lastPull string
	if err := rows.Scan(&lastPush, &lastPull); err != nil {
		return nil, err
	}
	return map[string]any{"lastPush": lastPush, "lastPull": lastPull}, rows.Err()
}

func quotedSyncState() string { return `"` + schema.SyncStateTable + `"` }

func (e *Engine) handleClose(req Request) Response {
	e.setState(StateClosing)
	if e.manager != nil {
		if err := e.manager.Stop(5 * time.Second); err != nil {
			log.WithError(err).Warn("error during engine shutdown")
		}
	} else if e.primaryRemote != nil {
		_ = e.primaryRemote.Close()
	} else if e.local != nil {
		_ = e.local.Close()
	}
	e.setState(StateClosed)
	return Response{ReqID: req.ReqID, Kind: KindClose}
}

// marshalForLog is a small diagnostic helper kept for the same reason
// the teacher logs structured fields rather than ad hoc strings; used
// by callers that want a human-readable one-liner for an Info map.
func marshalForLog(info map[string]any) string {
	b, err := json.Marshal(info)
	if err != nil {
		return "<unmarshalable diagnostic payload>"
	}
	return string(b)
}
