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

// Package db implements the database abstraction (C2): a single
// query/exec/listen/close capability set implemented by both the
// embedded relational engine and the remote database of record.
//
// Grounded on the teacher's types.StagingPool / types.TargetPool /
// types.SourcePool (pool-wraps-product-info, types.go) and on
// stdpool.OpenMySQLAsTarget's ping-retry-then-probe-version shape
// (internal/util/stdpool/my.go), generalized here to Postgres and to
// an embedded modernc.org/sqlite engine in the style of
// hazyhaar-GoClode's internal/core.Engine.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	_ "modernc.org/sqlite" // register the "sqlite" driver

	"github.com/replikit/syncengine/internal/errkind"
)

// Product identifies the underlying engine a Backend talks to.
type Product int

const (
	ProductUnknown Product = iota
	ProductEmbeddedSQLite
	ProductRemotePostgres
)

func (p Product) String() string {
	switch p {
	case ProductEmbeddedSQLite:
		return "sqlite"
	case ProductRemotePostgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// Rows is a driver-agnostic cursor over a result set.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
	Close() error
}

// Backend is the single capability set the sync engine needs from a
// relational database: parameterized query/exec, an embedded-only
// change-notification substrate, and shutdown.
type Backend interface {
	// Query runs sql with positional $1..$n parameters and returns a cursor.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	// Exec runs sql with positional $1..$n parameters and returns rows affected.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	// Listen registers a callback for a named, embedded-only notification
	// channel. It returns an error on the remote backend.
	Listen(channel string, cb func(payload string)) (cancel func(), err error)
	// Notify fires a callback previously registered with Listen. The
	// embedded backend calls it from Exec after each successful statement
	// to wake the pusher; on the remote backend it is a no-op.
	Notify(channel, payload string)
	Product() Product
	Close() error
}

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// toQuestionMarks rewrites Postgres-style $1..$n placeholders into the
// "?" placeholders modernc.org/sqlite's database/sql driver expects.
// $n is required to increase the placeholder index monotonically, so a
// straight left-to-right replace is sufficient.
func toQuestionMarks(query string) string {
	return placeholderPattern.ReplaceAllString(query, "?")
}

// ---- Embedded backend ----

// Embedded wraps a modernc.org/sqlite-backed *sql.DB as a Backend.
type Embedded struct {
	db *sql.DB

	mu        sync.Mutex
	listeners map[string][]func(string)
}

var _ Backend = (*Embedded)(nil)

// memoryDBSeq numbers in-memory engines so that each one gets its own
// named database rather than one shared by the whole process.
var memoryDBSeq atomic.Int64

// OpenEmbedded opens the in-memory engine when path is empty or
// ":memory:"; otherwise opens (creating parent directories as needed)
// a file-backed engine at path. If the file cannot be opened, it falls
// back to an in-memory engine with a warning, per spec.md §4.11. Each
// in-memory open is a separate database.
func OpenEmbedded(path string) (*Embedded, error) {
	memoryDSN := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", memoryDBSeq.Add(1))
	dsn := memoryDSN
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			log.WithError(err).Warnf("could not create data directory for %s, falling back to in-memory", path)
		} else {
			dsn = fmt.Sprintf(
				"%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
				path,
			)
		}
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errkind.New(errkind.KindConnectFailure, errors.Wrap(err, "opening embedded engine"))
	}
	if err := sqlDB.Ping(); err != nil {
		if dsn != memoryDSN {
			log.WithError(err).Warnf("could not open embedded engine at %s, falling back to in-memory", path)
			sqlDB.Close()
			return OpenEmbedded("")
		}
		return nil, errkind.New(errkind.KindConnectFailure, errors.Wrap(err, "pinging embedded engine"))
	}
	// A single connection keeps sqlite's single-writer model honest and
	// matches the "embedded engine is single-threaded" contract in §5.
	sqlDB.SetMaxOpenConns(1)

	return &Embedded{db: sqlDB, listeners: make(map[string][]func(string))}, nil
}

// Product implements Backend.
func (e *Embedded) Product() Product { return ProductEmbeddedSQLite }

// Query implements Backend.
func (e *Embedded) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := e.db.QueryContext(ctx, toQuestionMarks(query), args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return sqlRows{rows}, nil
}

// OutboxChannel is the Listen/Notify channel name the capture trigger
// wakes the pusher on, mirroring the "outbox_new" notification named
// in spec.md §4.3.
//
// sqlite has no native LISTEN/NOTIFY a trigger body can invoke, so
// this backend fires the notification itself, from Go, immediately
// after any successful Exec: every local write is a candidate to have
// grown the outbox, and a spurious wakeup just costs the pusher one
// cheap "anything pending?" query (see spec.md's testable property
// that an empty-outbox push returns 0 without opening a transaction).
const OutboxChannel = "outbox_new"

// Exec implements Backend.
func (e *Embedded) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := e.db.ExecContext(ctx, toQuestionMarks(query), args...)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	n, err := res.RowsAffected()
	if err == nil {
		e.Notify(OutboxChannel, "")
	}
	return n, errors.WithStack(err)
}

// Listen implements Backend. There is no native LISTEN/NOTIFY in
// sqlite; this is an in-process fan-out that Exec drives by calling
// Notify on OutboxChannel after every successful statement.
func (e *Embedded) Listen(channel string, cb func(payload string)) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[channel] = append(e.listeners[channel], cb)
	idx := len(e.listeners[channel]) - 1

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.listeners[channel][idx] = nil
	}
	return cancel, nil
}

// Notify implements Backend.
func (e *Embedded) Notify(channel, payload string) {
	e.mu.Lock()
	cbs := append([]func(string){}, e.listeners[channel]...)
	e.mu.Unlock()
	for _, cb := range cbs {
		if cb != nil {
			cb(payload)
		}
	}
}

// Close implements Backend.
func (e *Embedded) Close() error { return e.db.Close() }

// DB exposes the underlying *sql.DB for schema-bootstrap code that
// needs direct control (e.g. PRAGMA statements, function registration).
func (e *Embedded) DB() *sql.DB { return e.db }

type sqlRows struct{ *sql.Rows }

func (r sqlRows) Err() error { return r.Rows.Err() }

// ---- Remote backend ----

// Remote wraps a pooled Postgres connection as a Backend.
type Remote struct {
	pool *pgxpool.Pool
}

var _ Backend = (*Remote)(nil)

// OpenRemote opens a small, fixed-size pool (1-5 connections) against
// a postgres:// or postgresql:// URL.
func OpenRemote(ctx context.Context, url string) (*Remote, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, errkind.New(errkind.KindConfig, errors.Wrap(err, "parsing remote URL"))
	}
	cfg.MinConns = 1
	cfg.MaxConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errkind.New(errkind.KindConnectFailure, errors.Wrap(err, "connecting to remote database"))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errkind.New(errkind.KindConnectFailure, errors.Wrap(err, "pinging remote database"))
	}
	return &Remote{pool: pool}, nil
}

// Pool exposes the underlying pgxpool.Pool for code that needs
// transactions or replication-protocol access beyond Backend's reach.
func (r *Remote) Pool() *pgxpool.Pool { return r.pool }

// Product implements Backend.
func (r *Remote) Product() Product { return ProductRemotePostgres }

// Query implements Backend.
func (r *Remote) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return pgxRows{rows}, nil
}

// Exec implements Backend.
func (r *Remote) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return tag.RowsAffected(), nil
}

// Listen implements Backend. The remote backend never serves as the
// outbox-notification substrate.
func (r *Remote) Listen(string, func(string)) (func(), error) {
	return nil, errors.New("listen is not supported on the remote backend")
}

// Notify implements Backend as a no-op.
func (r *Remote) Notify(string, string) {}

// Close implements Backend.
func (r *Remote) Close() error {
	r.pool.Close()
	return nil
}

type pgxRows struct {
	rows interface {
		Next() bool
		Scan(dest ...any) error
		Close()
		Err() error
	}
}

func (r pgxRows) Next() bool          { return r.rows.Next() }
func (r pgxRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r pgxRows) Err() error           { return r.rows.Err() }
func (r pgxRows) Close() error         { r.rows.Close(); return nil }
func (r pgxRows) Columns() ([]string, error) {
	return nil, errors.New("columns introspection not supported for remote rows; use FieldDescriptions via pgx directly")
}

// ParseURL classifies a configured URL per spec.md §6.
func ParseURL(raw string) (isRemote bool, isFile bool, path string, err error) {
	switch {
	case raw == "" || raw == ":memory:":
		return false, false, "", nil
	case strings.HasPrefix(raw, "file://"):
		return false, true, strings.TrimPrefix(raw, "file://"), nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return true, false, "", nil
	default:
		return false, false, "", errkind.New(errkind.KindConfig, errors.Errorf("unrecognized database URL: %q", raw))
	}
}
