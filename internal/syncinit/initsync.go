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

// Package syncinit implements the initial sync (C9): on first
// connection to a remote, mirror every remote user table locally and
// backfill rows at or after a cutoff, with local trigger capture
// disabled for the duration so the backfill itself doesn't get
// re-queued into the outbox.
//
// Grounded on the teacher's Resolvers.get loop-provisioning shape
// (internal/source/cdc/resolver.go: per-target lazy setup, one entry
// at a time, failures isolated per target) and the SelectManyCursor/
// SelectMany paging contract in internal/types/types.go.
package syncinit

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replikit/syncengine/internal/db"
	"github.com/replikit/syncengine/internal/ident"
	"github.com/replikit/syncengine/internal/lww"
	"github.com/replikit/syncengine/internal/metadata"
	"github.com/replikit/syncengine/internal/schema"
	"github.com/replikit/syncengine/internal/seqsync"
)

// pageSize bounds how many remote rows are fetched per round trip
// during backfill.
const pageSize = 500

// Run enumerates the remote's user tables, mirrors each one's schema
// locally, and backfills rows whose lwwColumn value is >= cutoff.
// Local capture triggers are disabled for the duration via the
// embedded engine's replica-role flag and restored via defer even on
// error, per spec.md §9's resolved open question.
func Run(ctx context.Context, local db.Backend, remote db.Backend, meta *metadata.Cache, lwwColumn string, cutoff lww.Value) error {
	if err := setApplying(ctx, local, true); err != nil {
		return errors.Wrap(err, "raising trigger-disarm flag for initial sync")
	}
	defer func() {
		if err := setApplying(ctx, local, false); err != nil {
			log.WithError(err).Error("failed to lower trigger-disarm flag after initial sync")
		}
	}()

	tables, err := schema.DiscoverUserTables(ctx, remote)
	if err != nil {
		return errors.Wrap(err, "enumerating remote tables")
	}

	for _, table := range tables {
		if ident.IsSyncInfrastructure(table) {
			continue
		}
		if err := syncTable(ctx, local, remote, meta, table, lwwColumn, cutoff); err != nil {
			// One table's failure (e.g. a type the mirror can't yet
			// represent) doesn't block syncing the rest, per spec.md §9.
			log.WithError(err).WithField("table", table).Error("initial sync of table failed, continuing with remaining tables")
			continue
		}
	}

	return nil
}

func syncTable(ctx context.Context, local, remote db.Backend, meta *metadata.Cache, table, lwwColumn string, cutoff lww.Value) error {
	if err := schema.CreateTableFromRemote(ctx, local, remote, meta, table, lwwColumn); err != nil {
		return err
	}
	info, err := meta.Get(ctx, table)
	if err != nil {
		return err
	}

	if err := backfill(ctx, local, remote, table, info, lwwColumn, cutoff); err != nil {
		return err
	}

	if err := seqsync.SyncTable(ctx, local, remote, table); err != nil {
		log.WithError(err).WithField("table", table).Warn("sequence alignment failed after initial sync")
	}

	return nil
}

// backfill pages through the remote table's rows in PK order,
// upserting each page locally. Only columns present in both the
// remote description and the local mirror are written, so a local
// mirror that's (temporarily) missing a column the remote has doesn't
// fail the whole page.
func backfill(ctx context.Context, local, remote db.Backend, table string, info metadata.TableInfo, lwwColumn string, cutoff lww.Value) error {
	localInfo, err := metadata.New(local).Get(ctx, table)
	if err != nil {
		return err
	}
	localCols := make(map[string]bool)
	for _, col := range localInfo.AllColumns() {
		localCols[col] = true
	}
	var non []string
	for _, col := range info.Non {
		if localCols[col] {
			non = append(non, col)
		}
	}
	info.Non = non

	allCols := info.AllColumns()
	colList := quoteList(allCols)
	pkList := quoteList(info.PK)

	var lastPK []any
	for {
		query, args := pageQuery(table, colList, pkList, info.PK, lwwColumn, cutoff, lastPK)
		rows, err := remote.Query(ctx, query, args...)
		if err != nil {
			return errors.Wrapf(err, "paging remote table %q", table)
		}

		var n int
		for rows.Next() {
			dest := make([]any, len(allCols))
			ptrs := make([]any, len(allCols))
			for i := range dest {
				ptrs[i] = &dest[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return errors.WithStack(err)
			}

			image := make(map[string]any, len(allCols))
			for i, col := range allCols {
				image[col] = dest[i]
			}
			if err := upsertRow(ctx, local, table, info, image, lwwColumn); err != nil {
				rows.Close()
				return errors.Wrapf(err, "backfilling row into %q", table)
			}

			lastPK = make([]any, len(info.PK))
			for i, col := range info.PK {
				lastPK[i] = image[col]
			}
			n++
		}
		rerr := rows.Err()
		rows.Close()
		if rerr != nil {
			return errors.WithStack(rerr)
		}
		if n < pageSize {
			return nil
		}
	}
}

func pageQuery(table, colList, pkList string, pkCols []string, lwwColumn string, cutoff lww.Value, lastPK []any) (string, []any) {
	var where []string
	var args []any
	argN := 1

	if !cutoff.IsZero() {
		where = append(where, fmt.Sprintf("%s >= $%d", ident.Quote(lwwColumn), argN))
		args = append(args, cutoff.String())
		argN++
	}
	if lastPK != nil {
		cols := make([]string, len(pkCols))
		marks := make([]string, len(pkCols))
		for i, col := range pkCols {
			cols[i] = ident.Quote(col)
			marks[i] = fmt.Sprintf("$%d", argN)
			args = append(args, lastPK[i])
			argN++
		}
		if len(pkCols) == 1 {
			where = append(where, cols[0]+" > "+marks[0])
		} else {
			// A row-value comparison keeps keyset paging exact for composite keys.
			where = append(where, "("+strings.Join(cols, ", ")+") > ("+strings.Join(marks, ", ")+")")
		}
	}

	query := fmt.Sprintf("SELECT %s FROM %s", colList, ident.Quote(table))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s LIMIT %d", pkList, pageSize)
	return query, args
}

func upsertRow(ctx context.Context, local db.Backend, table string, info metadata.TableInfo, image map[string]any, lwwColumn string) error {
	cols := info.AllColumns()
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = image[col]
	}

	var setClauses []string
	for _, col := range info.Non {
		setClauses = append(setClauses, fmt.Sprintf("%s = excluded.%s", ident.Quote(col), ident.Quote(col)))
	}
	if len(setClauses) == 0 {
		// A table with only PK columns has nothing to update on
		// conflict; re-inserting the same key is a harmless no-op.
		setClauses = []string{fmt.Sprintf("%s = %s.%s", ident.Quote(info.PK[0]), ident.Quote(table), ident.Quote(info.PK[0]))}
	}

	pkQuoted := quoteList(info.PK)
	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s WHERE %s.%s < excluded.%s",
		ident.Quote(table), quoteList(cols), strings.Join(placeholders, ", "),
		pkQuoted, strings.Join(setClauses, ", "),
		ident.Quote(table), ident.Quote(lwwColumn), ident.Quote(lwwColumn),
	)
	_, err := local.Exec(ctx, stmt, args...)
	return err
}

func quoteList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident.Quote(c)
	}
	return strings.Join(out, ", ")
}

func setApplying(ctx context.Context, local db.Backend, applying bool) error {
	v := 0
	if applying {
		v = 1
	}
	_, err := local.Exec(ctx, `UPDATE `+ident.Quote(schema.FlagTable)+` SET applying = $1 WHERE id = 1`, v)
	return errors.WithStack(err)
}
