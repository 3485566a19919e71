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

package engine

import "encoding/json"

// wireRequest is the JSON-line shape of a host→engine request (spec.md
// §6): a flat object carrying reqId, kind, and the kind's own fields
// at the top level, rather than nested under a "params" key.
type wireRequest struct {
	ReqID int64  `json:"reqId"`
	Kind  string `json:"kind"`

	URL             string   `json:"url,omitempty"`
	SyncURL         string   `json:"syncUrl,omitempty"`
	SchemaSQL       []string `json:"schemaSQL,omitempty"`
	EdgeID          string   `json:"edgeId,omitempty"`
	LWWColumn       string   `json:"lwwColumn,omitempty"`
	SkipInitialSync bool     `json:"skipInitialSync,omitempty"`
	InitialSyncFrom string   `json:"initialSyncFrom,omitempty"`
	DisableAutoPush bool     `json:"disableAutoPush,omitempty"`
	Extensions      []string `json:"extensions,omitempty"`
	EngineConfig    map[string]any `json:"engineConfig,omitempty"`
	LogMetrics      bool     `json:"logMetrics,omitempty"`

	SQL    string `json:"sql,omitempty"`
	Params []any  `json:"params,omitempty"`
}

// wireResponse is the JSON-line shape of an engine→host reply.
type wireResponse struct {
	ReqID int64  `json:"reqId"`
	Kind  string `json:"kind"`

	Rows   [][]any        `json:"rows,omitempty"`
	Cols   []string       `json:"cols,omitempty"`
	Pushed int            `json:"pushed,omitempty"`
	Synced int            `json:"synced,omitempty"`
	Info   map[string]any `json:"info,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// toRequest converts a decoded wire line into the engine's internal
// Request shape.
func (w wireRequest) toRequest() Request {
	req := Request{ReqID: w.ReqID, Kind: Kind(w.Kind)}
	switch req.Kind {
	case KindInit:
		req.Init = &InitParams{
			URL: w.URL, SyncURL: w.SyncURL, SchemaSQL: w.SchemaSQL,
			EdgeID: w.EdgeID, LWWColumn: w.LWWColumn,
			SkipInitialSync: w.SkipInitialSync, InitialSyncFrom: w.InitialSyncFrom,
			DisableAutoPush: w.DisableAutoPush, Extensions: w.Extensions,
			EngineConfig: w.EngineConfig, LogMetrics: w.LogMetrics,
		}
	case KindExec:
		req.Exec = &ExecParams{SQL: w.SQL, Params: w.Params}
	}
	return req
}

// fromResponse flattens an engine Response into its wire shape.
func fromResponse(resp Response) wireResponse {
	return wireResponse{
		ReqID: resp.ReqID, Kind: string(resp.Kind),
		Rows: resp.Rows, Cols: resp.Cols,
		Pushed: resp.Pushed, Synced: resp.Synced,
		Info: resp.Info, Error: resp.Error,
	}
}

// DecodeRequest parses one JSON-line request.
func DecodeRequest(line []byte) (Request, error) {
	var w wireRequest
	if err := json.Unmarshal(line, &w); err != nil {
		return Request{}, err
	}
	return w.toRequest(), nil
}

// EncodeResponse serializes one response as a single JSON line (no
// trailing newline).
func EncodeResponse(resp Response) ([]byte, error) {
	return json.Marshal(fromResponse(resp))
}
