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

package notify_test

import (
	"testing"
	"time"

	"github.com/replikit/syncengine/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarWakesWaiters(t *testing.T) {
	var v notify.Var[int]

	val, changed := v.Get()
	assert.Equal(t, 0, val)

	done := make(chan int, 1)
	go func() {
		<-changed
		next, _ := v.Get()
		done <- next
	}()

	v.Set(42)

	select {
	case got := <-done:
		require.Equal(t, 42, got)
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken")
	}
}
