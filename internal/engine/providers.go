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

import (
	"strings"

	"github.com/google/uuid"
	"github.com/google/wire"

	"github.com/replikit/syncengine/internal/lww"
	"github.com/replikit/syncengine/internal/syncmanager"
)

// Set documents the engine's dependency graph in the same wire.NewSet
// shape as the teacher's logical.Set, even though handleInit (engine.go)
// calls these providers directly rather than through generated code.
var Set = wire.NewSet(
	ProvideEdgeID,
	ProvideLWWColumn,
	ProvideInitialSyncCutoff,
	ProvideManagerOptions,
)

// ProvideEdgeID defaults InitParams.EdgeID to a fresh random UUID.
func ProvideEdgeID(p InitParams) string {
	if p.EdgeID != "" {
		return p.EdgeID
	}
	return uuid.NewString()
}

// ProvideLWWColumn defaults InitParams.LWWColumn to "updated_at".
func ProvideLWWColumn(p InitParams) string {
	if p.LWWColumn != "" {
		return p.LWWColumn
	}
	return "updated_at"
}

// ProvideInitialSyncCutoff parses InitParams.InitialSyncFrom into an
// lww.Value, or the zero value when unset.
func ProvideInitialSyncCutoff(p InitParams) (lww.Value, error) {
	if p.InitialSyncFrom == "" {
		return lww.Zero(), nil
	}
	return lww.Parse(p.InitialSyncFrom)
}

// ProvideManagerOptions assembles syncmanager.Options from the edge id
// and init params, deriving the publication/slot names per spec.md §6.
func ProvideManagerOptions(edgeID, lwwColumn string, p InitParams) syncmanager.Options {
	suffix := strings.ReplaceAll(edgeID, "-", "")
	return syncmanager.Options{
		EdgeID:          edgeID,
		LWWColumn:       lwwColumn,
		Publication:     "edge_pub_" + suffix,
		Slot:            "edge_" + suffix,
		DisableAutoPush: p.DisableAutoPush,
	}
}
