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

package echocache_test

import (
	"testing"
	"time"

	"github.com/replikit/syncengine/internal/echocache"
	"github.com/replikit/syncengine/internal/lww"
	"github.com/replikit/syncengine/internal/outbox"
	"github.com/stretchr/testify/assert"
)

func TestConsumeMatchingEntry(t *testing.T) {
	c := echocache.New(time.Minute)
	v := lww.New(time.Now())
	c.Put("todos", "1", outbox.OpUpdate, v)

	assert.True(t, c.Consume("todos", "1", outbox.OpUpdate, v))
	// second consume finds nothing: the entry was removed.
	assert.False(t, c.Consume("todos", "1", outbox.OpUpdate, v))
}

func TestConsumeNewerInboundIsNotConsumed(t *testing.T) {
	c := echocache.New(time.Minute)
	older := lww.New(time.Now())
	c.Put("todos", "1", outbox.OpUpdate, older)

	newer := lww.New(time.Now().Add(time.Hour))
	assert.False(t, c.Consume("todos", "1", outbox.OpUpdate, newer))
}

func TestConsumeOpMismatch(t *testing.T) {
	c := echocache.New(time.Minute)
	v := lww.New(time.Now())
	c.Put("todos", "1", outbox.OpInsert, v)
	assert.False(t, c.Consume("todos", "1", outbox.OpDelete, v))
}

func TestEvictExpired(t *testing.T) {
	c := echocache.New(time.Millisecond)
	c.Put("todos", "1", outbox.OpInsert, lww.New(time.Now()))
	time.Sleep(5 * time.Millisecond)
	c.EvictExpired()

	tables, entries := c.Stat()
	assert.Equal(t, 0, tables)
	assert.Equal(t, 0, entries)
}

func TestDeleteIgnoresLWWOrdering(t *testing.T) {
	c := echocache.New(time.Minute)
	c.Put("todos", "1", outbox.OpDelete, lww.Zero())
	assert.True(t, c.Consume("todos", "1", outbox.OpDelete, lww.New(time.Now())))
}
