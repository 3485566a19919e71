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

package ident_test

import (
	"testing"

	"github.com/replikit/syncengine/internal/ident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	require.NoError(t, ident.Validate("todos"))
	require.NoError(t, ident.Validate("_outbox"))
	require.NoError(t, ident.Validate("col_1"))

	for _, bad := range []string{"", "1todo", "todos;drop", "to dos", "a-b"} {
		assert.Error(t, ident.Validate(bad), bad)
	}
}

func TestTableQuoted(t *testing.T) {
	sch, err := ident.NewSchema("public")
	require.NoError(t, err)
	tbl, err := ident.NewTable(sch, "todos")
	require.NoError(t, err)
	assert.Equal(t, `"public"."todos"`, tbl.Quoted())
	assert.Equal(t, "public.todos", tbl.String())
}

func TestIsSyncInfrastructure(t *testing.T) {
	assert.True(t, ident.IsSyncInfrastructure("_outbox"))
	assert.True(t, ident.IsSyncInfrastructure("_sync_state"))
	assert.False(t, ident.IsSyncInfrastructure("todos"))
}
