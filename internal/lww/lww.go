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

// Package lww implements comparison helpers for the last-write-wins
// timestamp column that every synced table must carry (spec.md §3).
//
// This adapts the teacher's internal/util/hlc (a nanos+logical hybrid
// logical clock pair, appropriate for CockroachDB's MVCC timestamps)
// down to a single wall-clock time.Time, since the LWW column named by
// this spec is an ordinary application timestamp column, not an HLC.
package lww

import (
	"database/sql/driver"
	"time"

	"github.com/pkg/errors"
)

// Value is a last-write-wins timestamp.
type Value struct {
	t time.Time
}

// Zero is the sentinel "no value observed yet" timestamp, ordered
// before every concrete Value.
func Zero() Value { return Value{} }

// New wraps a time.Time as a Value.
func New(t time.Time) Value { return Value{t: t.UTC()} }

// Time returns the underlying time.Time.
func (v Value) Time() time.Time { return v.t }

// IsZero reports whether v is the Zero sentinel.
func (v Value) IsZero() bool { return v.t.IsZero() }

// Compare returns -1, 0, or 1 as a is before, equal to, or after b.
func Compare(a, b Value) int {
	switch {
	case a.t.Before(b.t):
		return -1
	case a.t.After(b.t):
		return 1
	default:
		return 0
	}
}

// String renders v in RFC3339Nano form, suitable for logging and for
// use as a SQL parameter against a timestamptz column.
func (v Value) String() string {
	if v.IsZero() {
		return "0"
	}
	return v.t.Format(time.RFC3339Nano)
}

// Parse reconstructs a Value from its String form, or from the zero
// sentinel "0".
func Parse(s string) (Value, error) {
	if s == "" || s == "0" {
		return Zero(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Value{}, errors.Wrapf(err, "parsing lww value %q", s)
	}
	return New(t), nil
}

// Value implements driver.Valuer so a Value can be passed directly as
// a query parameter.
func (v Value) Value() (driver.Value, error) {
	if v.IsZero() {
		return nil, nil
	}
	return v.t, nil
}

// Scan implements sql.Scanner.
func (v *Value) Scan(src any) error {
	switch x := src.(type) {
	case nil:
		*v = Zero()
		return nil
	case time.Time:
		*v = New(x)
		return nil
	default:
		return errors.Errorf("lww.Value: cannot scan %T", src)
	}
}
