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

package syncpull

import (
	"context"
	"fmt"
	"strings"

	"github.com/replikit/syncengine/internal/db"
	"github.com/replikit/syncengine/internal/ident"
	"github.com/replikit/syncengine/internal/metadata"
)

// execUpsert applies an inbound insert/update to the local embedded
// engine under the same LWW guard the pusher uses remotely (spec.md
// §4.2/§4.9): a locally-in-flight newer write must not be clobbered by
// a stale inbound value racing in just ahead of its own echo.
func execUpsert(ctx context.Context, local db.Backend, table string, info metadata.TableInfo, values map[string]any, lwwColumn string) error {
	// Columns absent from values (an unchanged TOAST value) are left out
	// of the statement, so the existing local value is kept.
	var cols []string
	for _, col := range info.AllColumns() {
		if _, ok := values[col]; ok {
			cols = append(cols, col)
		}
	}
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = values[col]
	}

	var setClauses []string
	for _, col := range info.Non {
		if _, ok := values[col]; !ok {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = excluded.%s", ident.Quote(col), ident.Quote(col)))
	}
	pkQuoted := make([]string, len(info.PK))
	for i, col := range info.PK {
		pkQuoted[i] = ident.Quote(col)
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s WHERE %s.%s < excluded.%s",
		ident.Quote(table), quoteCols(cols), strings.Join(placeholders, ", "),
		strings.Join(pkQuoted, ", "), strings.Join(setClauses, ", "),
		ident.Quote(table), ident.Quote(lwwColumn), ident.Quote(lwwColumn),
	)
	_, err := local.Exec(ctx, stmt, args...)
	return err
}

func execDelete(ctx context.Context, local db.Backend, table string, pkColumns []string, pk map[string]any) error {
	var clauses []string
	args := make([]any, 0, len(pkColumns))
	for i, col := range pkColumns {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", ident.Quote(col), i+1))
		args = append(args, pk[col])
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", ident.Quote(table), strings.Join(clauses, " AND "))
	_, err := local.Exec(ctx, stmt, args...)
	return err
}

func quoteCols(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident.Quote(c)
	}
	return strings.Join(out, ", ")
}
