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

// Package seqsync implements the sequence synchronizer (C10): after a
// backfill or a batch of applied inserts, it advances the local
// auto-increment counter for each table's sequence-backed primary key
// so a later local insert that omits the key doesn't collide with a
// row the initial sync (or the puller) just wrote using an explicit
// value copied from the remote.
//
// Grounded on ScanForTargetSchemas' catalog-scan-then-act pattern
// (internal/source/cdc/resolver.go).
package seqsync

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replikit/syncengine/internal/db"
	"github.com/replikit/syncengine/internal/errkind"
	"github.com/replikit/syncengine/internal/ident"
	"github.com/replikit/syncengine/internal/schema"
)

// SyncTable aligns table's local auto-increment counter. Per spec.md
// §4.8: "compute max(column) locally" and "advance local sequence to
// max(local_column)+1". The remote is consulted only to discover
// which column is sequence-backed (that default expression lives in
// the remote's DDL, not anywhere in the local mirror's schema); both
// the max() read and the counter write happen entirely against local.
//
// sqlite's embedded engine has no named CREATE SEQUENCE objects — an
// AUTOINCREMENT column's next value lives in the table-scoped
// sqlite_sequence row, so only a single-column integer primary key can
// have a local counterpart to align. A composite primary key, or a
// sequence-backed column that isn't the primary key, has nothing local
// to advance and is skipped (see DESIGN.md).
func SyncTable(ctx context.Context, local db.Backend, remote db.Backend, table string) error {
	cols, pk, err := schema.DescribeRemoteTable(ctx, remote, table)
	if err != nil {
		return err
	}
	if len(pk) != 1 {
		return nil
	}

	var serial *schema.RemoteColumn
	for i := range cols {
		if cols[i].Name == pk[0] && cols[i].IsSerial {
			serial = &cols[i]
			break
		}
	}
	if serial == nil {
		return nil
	}

	maxVal, err := maxColumnValue(ctx, local, table, serial.Name)
	if err != nil {
		return errors.Wrapf(err, "reading max(%s) from local %s", serial.Name, table)
	}

	log.WithFields(log.Fields{
		"table":    table,
		"column":   serial.Name,
		"sequence": parseSequenceName(serial.Default),
		"next":     maxVal + 1,
	}).Debug("aligning local sequence")

	if err := alignLocalSequence(ctx, local, table, maxVal); err != nil {
		return errkind.New(errkind.KindDDLFailure, errors.Wrapf(err, "aligning local sequence for %s", table))
	}
	return nil
}

// SyncAll aligns local sequences for every table named, used after a
// full initial sync pass or on the "sync-sequences" RPC.
func SyncAll(ctx context.Context, local db.Backend, remote db.Backend, tables []string) {
	for _, table := range tables {
		if err := SyncTable(ctx, local, remote, table); err != nil {
			// best-effort: a sequence alignment failure must not abort
			// the whole sync cycle, it only risks a future PK collision
			// that the LWW/insert-conflict path would then surface.
			log.WithError(err).WithField("table", table).Warn("sequence alignment failed, continuing")
			continue
		}
	}
}

// parseSequenceName extracts the quoted regclass argument from a
// default expression shaped like nextval('public.todos_id_seq'::regclass),
// purely for diagnostic naming — sqlite has no equivalent named object
// to align against.
func parseSequenceName(dflt string) string {
	start := -1
	for i, r := range dflt {
		if r == '\'' {
			if start < 0 {
				start = i + 1
			} else {
				return dflt[start:i]
			}
		}
	}
	return ""
}

func maxColumnValue(ctx context.Context, local db.Backend, table, column string) (int64, error) {
	if err := ident.Validate(table); err != nil {
		return 0, err
	}
	if err := ident.Validate(column); err != nil {
		return 0, err
	}
	rows, err := local.Query(ctx, `SELECT COALESCE(MAX(`+ident.Quote(column)+`), 0) FROM `+ident.Quote(table))
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

// alignLocalSequence advances table's AUTOINCREMENT counter in
// sqlite's internal sqlite_sequence table to maxVal, creating the row
// if none exists yet (a table that has never had a local insert has no
// sqlite_sequence row at all). sqlite_sequence has no unique
// constraint on name, so this is an UPDATE followed by an INSERT of a
// missing row rather than an upsert. The seq < maxVal guard keeps this
// monotone: repeated calls, or a call with a stale maxVal, never move
// the counter backwards.
func alignLocalSequence(ctx context.Context, local db.Backend, table string, maxVal int64) error {
	if _, err := local.Exec(ctx, `UPDATE sqlite_sequence SET seq = $1 WHERE name = $2 AND seq < $3`,
		maxVal, table, maxVal); err != nil {
		return errors.WithStack(err)
	}
	_, err := local.Exec(ctx, `
INSERT INTO sqlite_sequence (name, seq)
SELECT $1, $2 WHERE NOT EXISTS (SELECT 1 FROM sqlite_sequence WHERE name = $3)`,
		table, maxVal, table)
	return errors.WithStack(err)
}
