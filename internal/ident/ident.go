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

// Package ident provides safe identifier validation and quoting for
// dynamically constructed SQL, along with lightweight value types for
// tables and schemas.
package ident

import (
	"fmt"
	"regexp"

	"github.com/pkg/errors"
)

var validIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate returns an error if name is not a safe SQL identifier. This
// is a programmer error, not something to sanitize silently: callers
// must reject the request rather than mangle the name.
func Validate(name string) error {
	if !validIdent.MatchString(name) {
		return errors.Errorf("unsafe identifier: %q", name)
	}
	return nil
}

// Quote double-quotes an already-validated identifier for inclusion in
// SQL text.
func Quote(name string) string {
	return `"` + name + `"`
}

// Schema is a namespace that contains tables (e.g. a Postgres schema
// or, for the embedded engine, the implicit default schema).
type Schema struct {
	raw string
}

// NewSchema validates and constructs a Schema.
func NewSchema(raw string) (Schema, error) {
	if err := Validate(raw); err != nil {
		return Schema{}, err
	}
	return Schema{raw: raw}, nil
}

// Raw returns the unquoted schema name.
func (s Schema) Raw() string { return s.raw }

// Quoted returns the schema name, quoted for use in SQL.
func (s Schema) Quoted() string { return Quote(s.raw) }

func (s Schema) String() string { return s.raw }

// Table identifies a table, optionally qualified by a schema.
type Table struct {
	schema Schema
	name   string
}

// NewTable validates and constructs a Table reference.
func NewTable(schema Schema, name string) (Table, error) {
	if err := Validate(name); err != nil {
		return Table{}, err
	}
	return Table{schema: schema, name: name}, nil
}

// Name returns the unqualified, unquoted table name.
func (t Table) Name() string { return t.name }

// Schema returns the enclosing schema.
func (t Table) Schema() Schema { return t.schema }

// Quoted returns the fully-qualified, quoted table reference.
func (t Table) Quoted() string {
	if t.schema.raw == "" {
		return Quote(t.name)
	}
	return fmt.Sprintf("%s.%s", t.schema.Quoted(), Quote(t.name))
}

func (t Table) String() string {
	if t.schema.raw == "" {
		return t.name
	}
	return t.schema.raw + "." + t.name
}

// IsSyncInfrastructure reports whether a table name belongs to the
// sync engine itself (outbox, state) rather than to user data. Such
// tables are excluded from trigger installation and from enumeration
// during initial sync.
func IsSyncInfrastructure(name string) bool {
	return len(name) > 0 && name[0] == '_'
}
