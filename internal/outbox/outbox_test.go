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

package outbox_test

import (
	"testing"

	"github.com/replikit/syncengine/internal/outbox"
	"github.com/stretchr/testify/assert"
)

func TestFingerprintStable(t *testing.T) {
	pk := map[string]any{"id": 1, "tenant": "acme"}
	a := outbox.Fingerprint([]string{"tenant", "id"}, pk)
	b := outbox.Fingerprint([]string{"tenant", "id"}, pk)
	assert.Equal(t, a, b)
	assert.Equal(t, "acme|1", a)
}

func TestFingerprintMissingRendersEmpty(t *testing.T) {
	pk := map[string]any{"id": nil}
	assert.Equal(t, "", outbox.Fingerprint([]string{"id"}, pk))
}

func TestLWWValueFromImage(t *testing.T) {
	row := outbox.Row{RowJSON: []byte(`{"id":1,"updated_at":"2024-06-01T00:00:00Z"}`)}
	v, err := row.LWWValue("updated_at")
	assert.NoError(t, err)
	assert.False(t, v.IsZero())
}

func TestLWWValueDeleteHasNoImage(t *testing.T) {
	row := outbox.Row{Op: outbox.OpDelete}
	v, err := row.LWWValue("updated_at")
	assert.NoError(t, err)
	assert.True(t, v.IsZero())
}
