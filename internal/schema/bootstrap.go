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

// Package schema implements schema bootstrap (C4) — applying user DDL
// and installing the sync engine's own tables and capture triggers —
// and the remote schema mirror (C5) — replaying DDL on the remote and
// discovering unknown tables from it.
//
// Grounded on the teacher's CreateResolvedTable (resolved_table.go:
// idempotent CREATE TABLE IF NOT EXISTS via a %s template, tolerant of
// a pre-existing table) and the schemawatch/apply packages referenced
// from internal/source/cdc/wire_gen.go.
package schema

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/pkg/errors"

	"github.com/replikit/syncengine/internal/db"
	"github.com/replikit/syncengine/internal/errkind"
	"github.com/replikit/syncengine/internal/ident"
	"github.com/replikit/syncengine/internal/metadata"
	"github.com/replikit/syncengine/internal/outbox"
)

// SyncStateTable is the name of the singleton sync-state table.
const SyncStateTable = "_sync_state"

// FlagTable backs the trigger-disarm flag (§4.9). It is one persistent
// row for the whole database, not a per-session setting: while its
// applying column is 1, the capture triggers skip writes from every
// connection.
const FlagTable = "_sync_flag"

const syncStateSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_push INTEGER NOT NULL DEFAULT 0,
	last_pull TEXT NOT NULL DEFAULT '0'
)`

const syncStateSeed = `INSERT OR IGNORE INTO %[1]s (id, last_push, last_pull) VALUES (1, 0, '0')`

const flagSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	applying INTEGER NOT NULL DEFAULT 0
)`

const flagSeed = `INSERT OR IGNORE INTO %[1]s (id, applying) VALUES (1, 0)`

// Bootstrap applies user DDL and, if syncRequired, installs the sync
// engine's own infrastructure (C4). DDL failures are logged and
// tolerated: the statement may be idempotent and the table may
// pre-exist, per spec.md §4.3 step 1.
func Bootstrap(ctx context.Context, backend db.Backend, userDDL []string, syncRequired bool, lwwColumn string) error {
	for _, stmt := range userDDL {
		if _, err := backend.Exec(ctx, stmt); err != nil {
			log.WithError(err).WithField("statement", stmt).Warn("user DDL statement failed, continuing")
		}
	}

	if !syncRequired {
		return nil
	}

	if _, err := backend.Exec(ctx, fmt.Sprintf(syncStateSchema, ident.Quote(SyncStateTable))); err != nil {
		return errors.Wrap(err, "creating sync state table")
	}
	if _, err := backend.Exec(ctx, fmt.Sprintf(syncStateSeed, ident.Quote(SyncStateTable))); err != nil {
		return errors.Wrap(err, "seeding sync state row")
	}
	if _, err := backend.Exec(ctx, fmt.Sprintf(flagSchema, ident.Quote(FlagTable))); err != nil {
		return errors.Wrap(err, "creating trigger flag table")
	}
	if _, err := backend.Exec(ctx, fmt.Sprintf(flagSeed, ident.Quote(FlagTable))); err != nil {
		return errors.Wrap(err, "seeding trigger flag row")
	}
	if err := outbox.EnsureTable(ctx, backend); err != nil {
		return errors.Wrap(err, "creating outbox table")
	}

	tables, err := ListUserTables(ctx, backend)
	if err != nil {
		return err
	}
	for _, table := range tables {
		if err := InstallCaptureTrigger(ctx, backend, table, lwwColumn); err != nil {
			// "already exists" is swallowed per spec.md §4.11.
			if strings.Contains(strings.ToLower(err.Error()), "already exists") {
				log.WithField("table", table).Debug("capture trigger already installed")
				continue
			}
			return errkind.New(errkind.KindTriggerConflict, err)
		}
	}

	return nil
}

// ListUserTables enumerates local tables that aren't sync
// infrastructure, for diagnostics and for trigger (re)installation.
func ListUserTables(ctx context.Context, backend db.Backend) ([]string, error) {
	rows, err := backend.Query(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.WithStack(err)
		}
		if !ident.IsSyncInfrastructure(name) && name != "sqlite_sequence" {
			out = append(out, name)
		}
	}
	return out, errors.WithStack(rows.Err())
}

// InstallCaptureTrigger installs (or re-installs, after a
// create-table-from-remote) the three AFTER triggers (insert, update,
// delete) that record every local row change into _outbox, guarded by
// the FlagTable so that changes applied by the puller don't loop back
// in (§4.3, §4.9).
func InstallCaptureTrigger(ctx context.Context, backend db.Backend, table string, lwwColumn string) error {
	if err := ident.Validate(table); err != nil {
		return err
	}

	info, err := metadata.New(backend).Get(ctx, table)
	if err != nil {
		return err
	}
	allCols := info.AllColumns()

	pkJSON := jsonObjectExpr(info.PK, "NEW")
	newRowJSON := jsonObjectExpr(allCols, "NEW")
	oldPKJSON := jsonObjectExpr(info.PK, "OLD")

	guard := fmt.Sprintf("(SELECT applying FROM %s WHERE id = 1) = 0", ident.Quote(FlagTable))

	insertTrigger := fmt.Sprintf(`
CREATE TRIGGER IF NOT EXISTS %[1]s
AFTER INSERT ON %[2]s
WHEN %[3]s
BEGIN
	INSERT INTO %[4]s (table_name, op, pk, row_json, created_at)
	VALUES ('%[5]s', 'I', %[6]s, %[7]s, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'));
END`,
		ident.Quote(triggerName(table, "ai")), ident.Quote(table), guard,
		ident.Quote(outbox.TableName), table, pkJSON, newRowJSON)

	updateTrigger := fmt.Sprintf(`
CREATE TRIGGER IF NOT EXISTS %[1]s
AFTER UPDATE ON %[2]s
WHEN %[3]s
BEGIN
	INSERT INTO %[4]s (table_name, op, pk, row_json, created_at)
	VALUES ('%[5]s', 'U', %[6]s, %[7]s, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'));
END`,
		ident.Quote(triggerName(table, "au")), ident.Quote(table), guard,
		ident.Quote(outbox.TableName), table, pkJSON, newRowJSON)

	deleteTrigger := fmt.Sprintf(`
CREATE TRIGGER IF NOT EXISTS %[1]s
AFTER DELETE ON %[2]s
WHEN %[3]s
BEGIN
	INSERT INTO %[4]s (table_name, op, pk, row_json, created_at)
	VALUES ('%[5]s', 'D', %[6]s, NULL, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'));
END`,
		ident.Quote(triggerName(table, "ad")), ident.Quote(table), guard,
		ident.Quote(outbox.TableName), table, oldPKJSON)

	for _, stmt := range []string{insertTrigger, updateTrigger, deleteTrigger} {
		if _, err := backend.Exec(ctx, stmt); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func triggerName(table, suffix string) string {
	return fmt.Sprintf("_outbox_%s_%s", table, suffix)
}

// jsonObjectExpr builds a sqlite json_object(...) call referencing the
// given row alias (NEW or OLD) for each column.
func jsonObjectExpr(columns []string, alias string) string {
	var b strings.Builder
	b.WriteString("json_object(")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "'%s', %s.%s", col, alias, ident.Quote(col))
	}
	b.WriteString(")")
	return b.String()
}
