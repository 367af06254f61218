// Copyright 2023 The Cockroach Authors
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

package cvr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/view-syncer/internal/version"
)

// leaseTTL bounds how long an owner's claim survives without renewal,
// mirroring the renewal window cdc-sink's Leases implementation uses to
// detect a dead owner and allow takeover.
const leaseTTL = 30 * time.Second

type groupState struct {
	mu sync.Mutex

	owner          string
	ownedAt        time.Time
	version        version.CVRVersion
	replicaVersion string
	queries        map[string]QueryRecord
	rows           map[string]RowRef
	rowPatches     []RowPatch
	configPatches  []ConfigPatch
}

// MemStore is an in-memory Store, suitable for tests and single-process
// deployments. It is grounded on the in-memory test fixtures under
// internal/sinktest (base.Fixture), adapted from a target-table staging
// ledger to a per-client-group query/row ledger.
type MemStore struct {
	mu     sync.Mutex
	groups map[string]*groupState
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{groups: make(map[string]*groupState)}
}

func (m *MemStore) group(id string) *groupState {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		g = &groupState{
			queries: make(map[string]QueryRecord),
			rows:    make(map[string]RowRef),
		}
		m.groups[id] = g
	}
	return g
}

// Load implements Store.
func (m *MemStore) Load(_ context.Context, clientGroupID string, asOf time.Time) (Snapshot, error) {
	g := m.group(clientGroupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.owner != "" && asOf.Sub(g.ownedAt) < leaseTTL {
		return Snapshot{}, &OwnershipError{Owner: g.owner, Expiration: g.ownedAt.Add(leaseTTL)}
	}
	g.owner = clientGroupID
	g.ownedAt = asOf

	snap := Snapshot{
		ClientGroupID:  clientGroupID,
		Version:        g.version,
		Owner:          g.owner,
		Queries:        make(map[string]QueryRecord, len(g.queries)),
		Rows:           make(map[string]RowRef, len(g.rows)),
		ReplicaVersion: g.replicaVersion,
	}
	for k, v := range g.queries {
		snap.Queries[k] = v
	}
	for k, v := range g.rows {
		snap.Rows[k] = v
	}
	return snap, nil
}

// Flushed implements Store. MemStore writes are synchronous, so this
// always returns immediately.
func (m *MemStore) Flushed(_ context.Context, _ string) error {
	return nil
}

// CatchupRowPatches implements Store.
func (m *MemStore) CatchupRowPatches(
	_ context.Context, clientGroupID string, from, current version.CVRVersion, excludeHashes map[string]bool,
) (RowPatchIterator, error) {
	g := m.group(clientGroupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []RowPatch
	for _, p := range g.rowPatches {
		if version.Compare(p.ToVersion, from) <= 0 || version.Compare(p.ToVersion, current) > 0 {
			continue
		}
		if ref, ok := g.rows[p.Table+"/"+p.Key]; ok && len(excludeHashes) > 0 {
			excluded := true
			for hash, n := range ref.RefCounts {
				if n > 0 && !excludeHashes[hash] {
					excluded = false
					break
				}
			}
			if excluded {
				continue
			}
		}
		out = append(out, p)
	}
	return &rowPatchSlice{patches: out}, nil
}

// CatchupConfigPatches implements Store.
func (m *MemStore) CatchupConfigPatches(
	_ context.Context, clientGroupID string, from, current version.CVRVersion,
) (ConfigPatchIterator, error) {
	g := m.group(clientGroupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []ConfigPatch
	for _, p := range g.configPatches {
		if version.Compare(p.ToVersion, from) <= 0 || version.Compare(p.ToVersion, current) > 0 {
			continue
		}
		out = append(out, p)
	}
	return &configPatchSlice{patches: out}, nil
}

// InspectQueries implements Store.
func (m *MemStore) InspectQueries(_ context.Context, clientGroupID string, clientID string) ([]QueryRecord, error) {
	g := m.group(clientGroupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]QueryRecord, 0, len(g.queries))
	for _, q := range g.queries {
		if clientID != "" && !q.Internal {
			if _, ok := q.ClientStates[clientID]; !ok {
				continue
			}
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

// RowCount implements Store.
func (m *MemStore) RowCount(_ context.Context, clientGroupID string) (int, error) {
	g := m.group(clientGroupID)
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rows), nil
}

// SetReplicaVersion implements Store.
func (m *MemStore) SetReplicaVersion(_ context.Context, clientGroupID, replicaVersion string) error {
	g := m.group(clientGroupID)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replicaVersion = replicaVersion
	return nil
}

type rowPatchSlice struct {
	patches []RowPatch
	pos     int
}

func (s *rowPatchSlice) Next(context.Context) (RowPatch, bool, error) {
	if s.pos >= len(s.patches) {
		return RowPatch{}, false, nil
	}
	p := s.patches[s.pos]
	s.pos++
	return p, true, nil
}
func (s *rowPatchSlice) Close() {}

type configPatchSlice struct {
	patches []ConfigPatch
	pos     int
}

func (s *configPatchSlice) Next(context.Context) (ConfigPatch, bool, error) {
	if s.pos >= len(s.patches) {
		return ConfigPatch{}, false, nil
	}
	p := s.patches[s.pos]
	s.pos++
	return p, true, nil
}
func (s *configPatchSlice) Close() {}

// memConfigUpdater implements ConfigDrivenUpdater against a MemStore.
type memConfigUpdater struct {
	store         *MemStore
	clientGroupID string

	puts    []queryPut
	removes []queryRemove
	lmids   map[string]int64
}

type queryPut struct {
	clientID string
	hash     string
	ast      any
	ttl      time.Duration
}

type queryRemove struct {
	clientID string
	hash     string
}

// NewConfigUpdater constructs a ConfigDrivenUpdater bound to clientGroupID.
func NewConfigUpdater(store *MemStore, clientGroupID string) ConfigDrivenUpdater {
	return &memConfigUpdater{store: store, clientGroupID: clientGroupID, lmids: make(map[string]int64)}
}

func (u *memConfigUpdater) PutDesiredQuery(clientID, hash string, ast any, ttl time.Duration) {
	u.puts = append(u.puts, queryPut{clientID: clientID, hash: hash, ast: ast, ttl: ttl})
}

func (u *memConfigUpdater) RemoveDesiredQuery(clientID, hash string) {
	u.removes = append(u.removes, queryRemove{clientID: clientID, hash: hash})
}

func (u *memConfigUpdater) SetLastMutationID(clientID string, id int64) {
	u.lmids[clientID] = id
}

func (u *memConfigUpdater) Flush(_ context.Context, now time.Time, targetVersion version.CVRVersion) (FlushResult, error) {
	g := u.store.group(u.clientGroupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(u.puts) == 0 && len(u.removes) == 0 && len(u.lmids) == 0 {
		return FlushResult{Version: g.version}, nil
	}

	next := targetVersion
	for _, p := range u.puts {
		q, ok := g.queries[p.hash]
		if !ok {
			q = QueryRecord{Hash: p.hash, TransformationHash: p.hash, AST: p.ast, ClientStates: make(map[string]ClientQueryState)}
		}
		q.ClientStates[p.clientID] = ClientQueryState{Version: next, TTL: p.ttl}
		g.queries[p.hash] = q
		g.configPatches = append(g.configPatches, ConfigPatch{
			ToVersion: next, Kind: "desiredQuery", ClientID: p.clientID, Hash: p.hash, Op: "put",
		})
	}
	for _, r := range u.removes {
		if q, ok := g.queries[r.hash]; ok {
			delete(q.ClientStates, r.clientID)
			if len(q.ClientStates) == 0 {
				delete(g.queries, r.hash)
			} else {
				g.queries[r.hash] = q
			}
		}
		g.configPatches = append(g.configPatches, ConfigPatch{
			ToVersion: next, Kind: "desiredQuery", ClientID: r.clientID, Hash: r.hash, Op: "del",
		})
	}
	for clientID, id := range u.lmids {
		g.configPatches = append(g.configPatches, ConfigPatch{
			ToVersion: next, Kind: "lastMutationID", ClientID: clientID, Op: "put", Hash: "",
			LastMutationID: id,
		})
	}
	g.version = next
	return FlushResult{Version: next}, nil
}

// memQueryUpdater implements QueryDrivenUpdater against a MemStore.
type memQueryUpdater struct {
	store         *MemStore
	clientGroupID string
	puts          []RowRef
	removes       []rowRemove
}

type rowRemove struct {
	schema, table, key, hash string
}

// NewQueryUpdater constructs a QueryDrivenUpdater bound to clientGroupID.
func NewQueryUpdater(store *MemStore, clientGroupID string) QueryDrivenUpdater {
	return &memQueryUpdater{store: store, clientGroupID: clientGroupID}
}

func (u *memQueryUpdater) PutRowRef(ref RowRef) {
	u.puts = append(u.puts, ref)
}

func (u *memQueryUpdater) RemoveRowRef(schema, table, key, hash string) {
	u.removes = append(u.removes, rowRemove{schema: schema, table: table, key: key, hash: hash})
}

func (u *memQueryUpdater) Flush(_ context.Context, now time.Time, targetVersion version.CVRVersion) (FlushResult, error) {
	g := u.store.group(u.clientGroupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(u.puts) == 0 && len(u.removes) == 0 {
		return FlushResult{Version: g.version}, nil
	}

	next := targetVersion
	for _, ref := range u.puts {
		key := rowKey(ref.Schema, ref.Table, ref.RowKey)
		existing, ok := g.rows[key]
		if !ok {
			existing = RowRef{Schema: ref.Schema, Table: ref.Table, RowKey: ref.RowKey, RefCounts: make(map[string]int)}
		}
		if existing.RefCounts == nil {
			existing.RefCounts = make(map[string]int)
		}
		for hash, n := range ref.RefCounts {
			existing.RefCounts[hash] = n
		}
		existing.RowVersion = next
		g.rows[key] = existing
		g.rowPatches = append(g.rowPatches, RowPatch{
			ToVersion: next, Op: "put", Table: ref.Schema + "." + ref.Table, Key: ref.RowKey,
		})
	}
	for _, r := range u.removes {
		key := rowKey(r.schema, r.table, r.key)
		ref, ok := g.rows[key]
		if !ok {
			continue
		}
		if ref.RefCounts != nil {
			ref.RefCounts[r.hash] = 0
		}
		if ref.IsTombstone() {
			delete(g.rows, key)
			g.rowPatches = append(g.rowPatches, RowPatch{
				ToVersion: next, Op: "del", Table: r.schema + "." + r.table, Key: r.key,
			})
		} else {
			g.rows[key] = ref
		}
	}
	g.version = next
	return FlushResult{Version: next}, nil
}

func rowKey(schema, table, key string) string {
	return schema + "." + table + "/" + key
}
