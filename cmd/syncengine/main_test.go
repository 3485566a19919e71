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

package main

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServeRoundTripsInitExecClose(t *testing.T) {
	cfg := &Config{LogLevel: "error", RequestBudget: 5 * time.Second}

	in := strings.NewReader(strings.Join([]string{
		`{"reqId":1,"kind":"init","url":"","schemaSQL":["CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT, updated_at TEXT)"]}`,
		`{"reqId":2,"kind":"exec","sql":"INSERT INTO todos (id, title, updated_at) VALUES (1, 'hi', '2024-01-01T00:00:00Z')"}`,
		`{"reqId":3,"kind":"exec","sql":"SELECT id, title FROM todos"}`,
		`{"reqId":4,"kind":"close"}`,
		``,
	}, "\n"))

	var out bytes.Buffer
	require.NoError(t, serve(cfg, in, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[0], `"kind":"init-ok"`)
	require.Contains(t, lines[1], `"kind":"exec-ok"`)
	require.Contains(t, lines[2], `"rows"`)
	require.Contains(t, lines[3], `"kind":"close"`)
}

func TestServeSkipsMalformedLine(t *testing.T) {
	cfg := &Config{LogLevel: "error", RequestBudget: 5 * time.Second}
	in := strings.NewReader("not json\n" + `{"reqId":1,"kind":"close"}` + "\n")

	var out bytes.Buffer
	require.NoError(t, serve(cfg, in, &out))

	scanner := bufio.NewScanner(&out)
	require.True(t, scanner.Scan())
	require.Contains(t, scanner.Text(), `"close"`)
}
