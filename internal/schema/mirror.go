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

package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/replikit/syncengine/internal/db"
	"github.com/replikit/syncengine/internal/errkind"
	"github.com/replikit/syncengine/internal/ident"
	"github.com/replikit/syncengine/internal/metadata"
)

// RemoteColumn describes one column of a remote table, as recovered
// from information_schema plus pg_attrdef.
type RemoteColumn struct {
	Name     string
	Type     string
	NotNull  bool
	Default  string // raw expression, "" if none
	IsSerial bool   // default references nextval(), a sequence-backed column
}

// DescribeRemoteTable introspects table's columns, primary key, and
// any sequence-backed defaults from the remote database of record
// (C5 "create-table-from-remote", spec.md §4.4). Columns are returned
// in ordinal position.
func DescribeRemoteTable(ctx context.Context, remote db.Backend, table string) ([]RemoteColumn, []string, error) {
	if err := ident.Validate(table); err != nil {
		return nil, nil, err
	}

	colRows, err := remote.Query(ctx, `
SELECT column_name, data_type, is_nullable = 'NO', COALESCE(column_default, '')
FROM information_schema.columns
WHERE table_name = $1
ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, nil, errkind.New(errkind.KindDDLFailure, errors.Wrap(err, "describing remote table columns"))
	}
	defer colRows.Close()

	var cols []RemoteColumn
	for colRows.Next() {
		var c RemoteColumn
		if err := colRows.Scan(&c.Name, &c.Type, &c.NotNull, &c.Default); err != nil {
			return nil, nil, errors.WithStack(err)
		}
		c.IsSerial = strings.Contains(c.Default, "nextval(")
		cols = append(cols, c)
	}
	if err := colRows.Err(); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	if len(cols) == 0 {
		return nil, nil, errkind.New(errkind.KindApplyFailureMissingTable, errors.Errorf("remote table %q not found", table))
	}

	pkRows, err := remote.Query(ctx, `
SELECT a.attname
FROM pg_index i
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE i.indrelid = $1::regclass AND i.indisprimary
ORDER BY array_position(i.indkey, a.attnum)`, table)
	if err != nil {
		return nil, nil, errkind.New(errkind.KindDDLFailure, errors.Wrap(err, "describing remote primary key"))
	}
	defer pkRows.Close()

	var pk []string
	for pkRows.Next() {
		var name string
		if err := pkRows.Scan(&name); err != nil {
			return nil, nil, errors.WithStack(err)
		}
		pk = append(pk, name)
	}
	if err := pkRows.Err(); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	if len(pk) == 0 {
		pk = []string{"id"}
	}

	return cols, pk, nil
}

// remoteTypeToSQLite maps a handful of common Postgres type names to
// the sqlite storage class that accepts them; sqlite's type affinity
// rules mean this only needs to be approximately right.
func remoteTypeToSQLite(pgType string) string {
	switch {
	case strings.Contains(pgType, "int"):
		return "INTEGER"
	case strings.Contains(pgType, "numeric"), strings.Contains(pgType, "real"), strings.Contains(pgType, "double"):
		return "REAL"
	case strings.Contains(pgType, "bool"):
		return "INTEGER"
	case strings.Contains(pgType, "bytea"):
		return "BLOB"
	default:
		return "TEXT"
	}
}

// CreateTableFromRemote builds and executes a local CREATE TABLE
// statement mirroring the remote table's columns and primary key,
// (re)installs its capture trigger, and refreshes the metadata cache.
// Concurrent callers racing to create the same table tolerate each
// other: "table already exists" is not an error here (spec.md §4.4/§9).
func CreateTableFromRemote(ctx context.Context, local db.Backend, remote db.Backend, meta *metadata.Cache, table, lwwColumn string) error {
	if err := ident.Validate(table); err != nil {
		return err
	}

	cols, pk, err := DescribeRemoteTable(ctx, remote, table)
	if err != nil {
		return err
	}

	// A single-column integer primary key that's sequence-backed on the
	// remote gets sqlite's own AUTOINCREMENT mechanism locally, the only
	// shape sqlite lets a later local insert omit the key and still get
	// a fresh, gap-avoiding value — and the only shape seqsync (C10) has
	// anything local to align.
	autoIncPK := len(pk) == 1 && isSerialInteger(cols, pk[0])

	var defs []string
	for _, c := range cols {
		if autoIncPK && c.Name == pk[0] {
			defs = append(defs, fmt.Sprintf("%s INTEGER PRIMARY KEY AUTOINCREMENT", ident.Quote(c.Name)))
			continue
		}
		def := fmt.Sprintf("%s %s", ident.Quote(c.Name), remoteTypeToSQLite(c.Type))
		if c.NotNull {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if !autoIncPK {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quoteList(pk)))
	}

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", ident.Quote(table), strings.Join(defs, ",\n\t"))
	if _, err := local.Exec(ctx, stmt); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return finishTableCreation(ctx, local, meta, table, pk, cols, lwwColumn)
		}
		return errkind.New(errkind.KindDDLFailure, errors.Wrapf(err, "creating local mirror of %q", table))
	}

	return finishTableCreation(ctx, local, meta, table, pk, cols, lwwColumn)
}

func finishTableCreation(ctx context.Context, local db.Backend, meta *metadata.Cache, table string, pk []string, cols []RemoteColumn, lwwColumn string) error {
	var nonPK []string
	pkSet := make(map[string]bool, len(pk))
	for _, p := range pk {
		pkSet[p] = true
	}
	for _, c := range cols {
		if !pkSet[c.Name] {
			nonPK = append(nonPK, c.Name)
		}
	}
	meta.Put(table, metadata.TableInfo{PK: pk, Non: nonPK})

	if err := InstallCaptureTrigger(ctx, local, table, lwwColumn); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return err
		}
	}
	return nil
}

// isSerialInteger reports whether name is an integer column whose
// remote default is sequence-backed, the only column shape sqlite's
// INTEGER PRIMARY KEY AUTOINCREMENT can stand in for.
func isSerialInteger(cols []RemoteColumn, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return c.IsSerial && remoteTypeToSQLite(c.Type) == "INTEGER"
		}
	}
	return false
}

func quoteList(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = ident.Quote(n)
	}
	return strings.Join(out, ", ")
}

// ReplayDDL executes each DDL statement against the remote database in
// its own best-effort step, mirroring the teacher's tolerant-of-
// individual-failure replay style (spec.md §4.4: a remote table that
// already exists, or a statement the remote dialect doesn't accept,
// shouldn't abort the whole migration).
func ReplayDDL(ctx context.Context, remote db.Backend, statements []string) []error {
	var errs []error
	for _, stmt := range statements {
		if _, err := remote.Exec(ctx, stmt); err != nil {
			errs = append(errs, errors.Wrap(err, stmt))
		}
	}
	return errs
}

// DiscoverUserTables lists base tables visible in the remote's public
// schema, for the initial-sync enumeration step (C9).
func DiscoverUserTables(ctx context.Context, remote db.Backend) ([]string, error) {
	rows, err := remote.Query(ctx, `
SELECT table_name FROM information_schema.tables
WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
ORDER BY table_name`)
	if err != nil {
		return nil, errkind.New(errkind.KindDDLFailure, errors.Wrap(err, "enumerating remote tables"))
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, name)
	}
	return out, errors.WithStack(rows.Err())
}
