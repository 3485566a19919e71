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

// Package syncpush implements the pusher (C7): it drains the local
// _outbox in order and replays each change against the remote database
// of record under a last-write-wins guard.
//
// Grounded on the teacher's resolver.process flush-batch-then-advance-
// stamp shape (internal/source/cdc/resolver.go) and Sink.upsertRow/
// Sink.deleteRow's build-placeholders-then-exec idiom (sink.go),
// generalized from CockroachDB's UPSERT statement to a portable
// INSERT ... ON CONFLICT ... DO UPDATE ... WHERE guard.
package syncpush

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/replikit/syncengine/internal/db"
	"github.com/replikit/syncengine/internal/echocache"
	"github.com/replikit/syncengine/internal/errkind"
	"github.com/replikit/syncengine/internal/ident"
	"github.com/replikit/syncengine/internal/lww"
	"github.com/replikit/syncengine/internal/metadata"
	"github.com/replikit/syncengine/internal/metrics"
	"github.com/replikit/syncengine/internal/outbox"
	"github.com/replikit/syncengine/internal/schema"
)

// Pusher replays locally captured mutations onto the remote.
type Pusher struct {
	local     db.Backend
	remote    db.Backend
	meta      *metadata.Cache
	echo      *echocache.Cache
	edgeID    string
	lwwColumn string
	maxBatch  int
}

// New constructs a Pusher. maxBatch <= 0 means unbounded, per spec.md
// §4.5's default.
func New(local, remote db.Backend, meta *metadata.Cache, echo *echocache.Cache, edgeID, lwwColumn string, maxBatch int) *Pusher {
	return &Pusher{
		local: local, remote: remote, meta: meta, echo: echo,
		edgeID: edgeID, lwwColumn: lwwColumn, maxBatch: maxBatch,
	}
}

// Push drains every pending outbox row (capped at maxBatch, if set)
// and applies it to the remote in one transaction, returning the
// number of rows pushed. An empty outbox returns 0 without opening a
// transaction, a property spec.md's tests exercise directly.
func (p *Pusher) Push(ctx context.Context) (int, error) {
	lastPush, err := p.lastPush(ctx)
	if err != nil {
		return 0, err
	}

	rows, err := outbox.SelectPending(ctx, p.local, lastPush, p.maxBatch)
	if err != nil {
		return 0, errors.Wrap(err, "selecting pending outbox rows")
	}
	if len(rows) == 0 {
		return 0, nil
	}

	pushTx, err := beginPush(ctx, p.remote)
	if err != nil {
		return 0, err
	}

	if err := pushTx.SetOrigin(ctx, p.edgeID); err != nil {
		// Insufficient privilege to set a replication origin is
		// tolerated: the remote simply won't be able to distinguish
		// this edge's writes from any other client's, per spec.md §4.11.
		log.WithError(err).Warn("could not set replication origin for push, continuing without it")
	}

	timer := prometheus.NewTimer(metrics.PushDuration)
	defer timer.ObserveDuration()

	var applied int
	var maxID int64
	for _, row := range rows {
		info, err := p.meta.Get(ctx, row.Table)
		if err != nil {
			metrics.PushErrors.Inc()
			pushTx.Rollback(ctx)
			return applied, err
		}

		lwwValue, err := row.LWWValue(p.lwwColumn)
		if err != nil {
			metrics.PushErrors.Inc()
			pushTx.Rollback(ctx)
			return applied, err
		}

		var execErr error
		switch row.Op {
		case outbox.OpDelete:
			execErr = pushTx.Delete(ctx, row.Table, info.PK, row.PK)
		default:
			image, decodeErr := decodeImage(row)
			if decodeErr != nil {
				pushTx.Rollback(ctx)
				return applied, decodeErr
			}
			execErr = pushTx.Upsert(ctx, row.Table, info, image, p.lwwColumn)
		}
		if execErr != nil {
			metrics.PushErrors.Inc()
			pushTx.Rollback(ctx)
			return applied, errkind.New(errkind.KindPushFailure, execErr)
		}

		fp := outbox.Fingerprint(info.PK, row.PK)
		p.echo.Put(row.Table, fp, row.Op, lwwValue)
		// Spec.md §4.5 step 3: schedule this entry's eviction up front,
		// so an echo that never arrives is reclaimed instead of living
		// in the cache forever (Consume only evicts lazily, on a hit).
		time.AfterFunc(p.echo.TTL(), p.echo.EvictExpired)

		applied++
		maxID = row.ID
	}

	if err := pushTx.Commit(ctx); err != nil {
		metrics.PushErrors.Inc()
		return 0, errkind.New(errkind.KindPushFailure, err)
	}

	metrics.PushBatchSize.Observe(float64(applied))

	if err := p.setLastPush(ctx, maxID); err != nil {
		return applied, err
	}
	if err := outbox.DeleteThrough(ctx, p.local, maxID); err != nil {
		return applied, errors.Wrap(err, "trimming pushed outbox rows")
	}

	return applied, nil
}

func decodeImage(row outbox.Row) (map[string]any, error) {
	var image map[string]any
	if len(row.RowJSON) == 0 {
		return nil, errors.Errorf("outbox row %d for %q has no post-image", row.ID, row.Table)
	}
	if err := json.Unmarshal(row.RowJSON, &image); err != nil {
		return nil, errors.Wrapf(err, "decoding post-image for outbox row %d", row.ID)
	}
	return image, nil
}

func (p *Pusher) lastPush(ctx context.Context) (int64, error) {
	rows, err := p.local.Query(ctx, `SELECT last_push FROM `+ident.Quote(schema.SyncStateTable)+` WHERE id = 1`)
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

func (p *Pusher) setLastPush(ctx context.Context, id int64) error {
	_, err := p.local.Exec(ctx, `UPDATE `+ident.Quote(schema.SyncStateTable)+` SET last_push = $1 WHERE id = 1`, id)
	return errors.WithStack(err)
}

// PushTx abstracts the remote side of a push so tests can substitute a
// fake without a live Postgres connection.
type PushTx interface {
	SetOrigin(ctx context.Context, edgeID string) error
	Upsert(ctx context.Context, table string, info metadata.TableInfo, image map[string]any, lwwColumn string) error
	Delete(ctx context.Context, table string, pkColumns []string, pk map[string]any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context)
}

// beginPush opens a real pgx transaction against a *db.Remote so the
// whole batch commits or rolls back atomically, per spec.md §4.5's
// "one remote transaction per push" requirement. Any other Backend
// (notably the embedded engine substituted in tests) falls back to a
// directTx that issues one statement per call.
func beginPush(ctx context.Context, backend db.Backend) (PushTx, error) {
	if remote, ok := backend.(*db.Remote); ok {
		tx, err := remote.Pool().Begin(ctx)
		if err != nil {
			return nil, errkind.New(errkind.KindPushFailure, err)
		}
		return pgxTx{tx: tx}, nil
	}
	return directTx{backend: backend}, nil
}

// pgxTx implements PushTx atomically inside a single pgx.Tx.
type pgxTx struct{ tx pgx.Tx }

func (p pgxTx) SetOrigin(ctx context.Context, edgeID string) error {
	// A failed statement aborts the whole Postgres transaction, so the
	// setup runs under a savepoint that is rolled back if it fails.
	if _, err := p.tx.Exec(ctx, "SAVEPOINT set_origin"); err != nil {
		return err
	}
	if _, err := p.tx.Exec(ctx, fmt.Sprintf("SELECT pg_replication_origin_session_setup('edge_%s')", edgeID)); err != nil {
		_, _ = p.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT set_origin")
		return err
	}
	return nil
}

func (p pgxTx) Upsert(ctx context.Context, table string, info metadata.TableInfo, image map[string]any, lwwColumn string) error {
	stmt, args := buildUpsert(table, info, image, lwwColumn)
	_, err := p.tx.Exec(ctx, stmt, args...)
	return err
}

func (p pgxTx) Delete(ctx context.Context, table string, pkColumns []string, pk map[string]any) error {
	stmt, args := buildDelete(table, pkColumns, pk)
	_, err := p.tx.Exec(ctx, stmt, args...)
	return err
}

func (p pgxTx) Commit(ctx context.Context) error { return p.tx.Commit(ctx) }
func (p pgxTx) Rollback(ctx context.Context)     { _ = p.tx.Rollback(ctx) }

// directTx implements PushTx directly against a db.Backend, issuing
// one statement per call rather than batching inside a native
// transaction — used for the embedded-as-remote test double.
type directTx struct{ backend db.Backend }

func (d directTx) SetOrigin(ctx context.Context, edgeID string) error {
	_, err := d.backend.Exec(ctx, fmt.Sprintf("SELECT pg_replication_origin_session_setup('edge_%s')", edgeID))
	return err
}

func (d directTx) Upsert(ctx context.Context, table string, info metadata.TableInfo, image map[string]any, lwwColumn string) error {
	stmt, args := buildUpsert(table, info, image, lwwColumn)
	_, err := d.backend.Exec(ctx, stmt, args...)
	return err
}

func (d directTx) Delete(ctx context.Context, table string, pkColumns []string, pk map[string]any) error {
	stmt, args := buildDelete(table, pkColumns, pk)
	_, err := d.backend.Exec(ctx, stmt, args...)
	return err
}

func (d directTx) Commit(ctx context.Context) error { return nil }
func (d directTx) Rollback(ctx context.Context)     {}

// buildUpsert constructs an INSERT ... ON CONFLICT ... DO UPDATE ...
// WHERE <lww guard> statement, generalized from the teacher's
// CockroachDB-specific UPSERT into a portable standard-SQL form that
// both pgx/Postgres and (via the question-mark rewrite) sqlite accept.
func buildUpsert(table string, info metadata.TableInfo, image map[string]any, lwwColumn string) (string, []any) {
	cols := info.AllColumns()
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = image[col]
	}

	var setClauses []string
	for _, col := range info.Non {
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", ident.Quote(col), ident.Quote(col)))
	}

	pkQuoted := make([]string, len(info.PK))
	for i, col := range info.PK {
		pkQuoted[i] = ident.Quote(col)
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s WHERE %s.%s < EXCLUDED.%s",
		ident.Quote(table), quoteCols(cols), strings.Join(placeholders, ", "),
		strings.Join(pkQuoted, ", "), strings.Join(setClauses, ", "),
		ident.Quote(table), ident.Quote(lwwColumn), ident.Quote(lwwColumn),
	)
	return stmt, args
}

func buildDelete(table string, pkColumns []string, pk map[string]any) (string, []any) {
	var clauses []string
	args := make([]any, 0, len(pkColumns))
	for i, col := range pkColumns {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", ident.Quote(col), i+1))
		args = append(args, pk[col])
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", ident.Quote(table), strings.Join(clauses, " AND "))
	return stmt, args
}

func quoteCols(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident.Quote(c)
	}
	return strings.Join(out, ", ")
}
