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

// Package diag implements the diagnostics registry referenced
// throughout the teacher's provider graph (diags.Register(...)),
// backing the §6 `diagnostic` RPC response.
package diag

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Provider is implemented by components that can report a point-in-time
// status snapshot.
type Provider interface {
	Stat(ctx context.Context) (any, error)
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func(ctx context.Context) (any, error)

// Stat implements Provider.
func (f ProviderFunc) Stat(ctx context.Context) (any, error) { return f(ctx) }

// Diagnostics is a named registry of Providers.
type Diagnostics struct {
	mu        sync.Mutex
	providers map[string]Provider
}

// New constructs an empty registry.
func New() *Diagnostics {
	return &Diagnostics{providers: make(map[string]Provider)}
}

// Register adds a named Provider. Re-registering the same name is an
// error, mirroring the teacher's diags.Register call sites which treat
// a duplicate name as a wiring bug.
func (d *Diagnostics) Register(name string, p Provider) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.providers[name]; exists {
		return errors.Errorf("diagnostics: %q already registered", name)
	}
	d.providers[name] = p
	return nil
}

// Report collects a snapshot from every registered Provider. A
// Provider whose Stat call fails contributes an {"error": ...} entry
// rather than aborting the whole report.
func (d *Diagnostics) Report(ctx context.Context) map[string]any {
	d.mu.Lock()
	snapshot := make(map[string]Provider, len(d.providers))
	for name, p := range d.providers {
		snapshot[name] = p
	}
	d.mu.Unlock()

	out := make(map[string]any, len(snapshot))
	for name, p := range snapshot {
		stat, err := p.Stat(ctx)
		if err != nil {
			out[name] = map[string]any{"error": err.Error()}
			continue
		}
		out[name] = stat
	}
	return out
}
