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

package lww_test

import (
	"testing"
	"time"

	"github.com/replikit/syncengine/internal/lww"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	t1 := lww.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	t2 := lww.New(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, -1, lww.Compare(t1, t2))
	assert.Equal(t, 1, lww.Compare(t2, t1))
	assert.Equal(t, 0, lww.Compare(t1, t1))
	assert.Equal(t, -1, lww.Compare(lww.Zero(), t1))
}

func TestParseRoundTrip(t *testing.T) {
	orig := lww.New(time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC))
	parsed, err := lww.Parse(orig.String())
	require.NoError(t, err)
	assert.Equal(t, 0, lww.Compare(orig, parsed))
}

func TestParseZero(t *testing.T) {
	z, err := lww.Parse("0")
	require.NoError(t, err)
	assert.True(t, z.IsZero())
}
