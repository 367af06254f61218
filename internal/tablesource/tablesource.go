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

// Package tablesource exposes an ordered view of a single replica table
// under the current snapshot, and turns Snapshotter diffs into
// add/remove/edit pushes for downstream IVM operators. It is grounded
// on the per-table fan-out pattern in cdc-sink's internal/target/apply
// (one applier instance per target table, rebindable to a new
// transaction) adapted here to a read path instead of a write path.
package tablesource

import (
	"context"
	"sort"

	"github.com/cockroachdb/view-syncer/internal/snapshot"
	"github.com/pkg/errors"
)

// ChangeKind mirrors the add/remove/edit vocabulary pushed into IVM
// operators.
type ChangeKind int

const (
	Add ChangeKind = iota
	Remove
	Edit
)

// Push is one change handed to a downstream operator.
type Push struct {
	Kind   ChangeKind
	Row    snapshot.Row
	OldRow snapshot.Row // set for Edit and Remove
}

// Operator receives pushes from a TableSource in row-key order within a
// single advance. Implementations are the IVM operators owned by a
// pipeline's Pipeline Driver.
type Operator interface {
	OnPush(ctx context.Context, key string, push Push) error
}

// TableSource exposes an ordered stream of rows for a single table under
// the current snapshot, and fans incoming diffs out to every subscribed
// Operator.
type TableSource struct {
	Spec snapshot.TableSpec

	snap      snapshot.Snapshot
	cache     map[string]snapshot.Row
	operators []Operator
}

// New constructs a TableSource for the given table, initially unbound.
// Call SetDB before use.
func New(spec snapshot.TableSpec) *TableSource {
	return &TableSource{
		Spec:  spec,
		cache: make(map[string]snapshot.Row),
	}
}

// Subscribe registers op to receive future pushes. Order of
// registration is the order operators are invoked in.
func (t *TableSource) Subscribe(op Operator) {
	t.operators = append(t.operators, op)
}

// SetDB rebinds the source to a newer snapshot. It is called by the
// Pipeline Driver once a full advance() batch has been pushed through,
// matching the contract that Table Sources only move to a new snapshot
// between advancement batches, never mid-batch.
func (t *TableSource) SetDB(snap snapshot.Snapshot) {
	t.snap = snap
}

// GetRow returns the current row for key, or ok=false if it does not
// exist. Reads the in-memory cache first so repeated lookups within a
// single advance don't re-hit the replica.
func (t *TableSource) GetRow(ctx context.Context, key string) (snapshot.Row, bool, error) {
	if row, ok := t.cache[key]; ok {
		return row, true, nil
	}
	row, ok, err := t.snap.FetchRow(ctx, t.Spec, key)
	if err != nil {
		return nil, false, errors.Wrapf(err, "fetching row %s/%s", t.Spec.Name(), key)
	}
	if ok {
		t.cache[key] = row
	}
	return row, ok, nil
}

// Hydrate seeds the cache with every row currently in the table and
// fans an Add push for each to subscribed operators, in ascending key
// order. Used the first time a pipeline is hydrated via addQuery.
func (t *TableSource) Hydrate(ctx context.Context, replica snapshot.Replica) error {
	iter, err := replica.ScanRows(ctx, t.Spec)
	if err != nil {
		return errors.Wrapf(err, "scanning table %s", t.Spec.Name())
	}
	defer iter.Close()

	for {
		key, row, ok, err := iter.Next(ctx)
		if err != nil {
			return errors.Wrapf(err, "hydrating table %s", t.Spec.Name())
		}
		if !ok {
			break
		}
		t.cache[key] = row
		if err := t.fanOut(ctx, key, Push{Kind: Add, Row: row}); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDiff applies one Snapshotter RowDiff: updates the cache and fans
// the corresponding Push out to subscribed operators.
func (t *TableSource) ApplyDiff(ctx context.Context, diff snapshot.RowDiff) error {
	var push Push
	switch diff.Type() {
	case snapshot.Added:
		push = Push{Kind: Add, Row: diff.Next}
		t.cache[diff.Key] = diff.Next
	case snapshot.Removed:
		push = Push{Kind: Remove, OldRow: t.cache[diff.Key]}
		delete(t.cache, diff.Key)
	case snapshot.Edited:
		old := t.cache[diff.Key]
		push = Push{Kind: Edit, Row: diff.Next, OldRow: old}
		t.cache[diff.Key] = diff.Next
	default:
		return errors.Errorf("table source %s: illegal diff for key %s", t.Spec.Name(), diff.Key)
	}
	return t.fanOut(ctx, diff.Key, push)
}

func (t *TableSource) fanOut(ctx context.Context, key string, push Push) error {
	for _, op := range t.operators {
		if err := op.OnPush(ctx, key, push); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the currently cached keys in ascending order. Exposed
// mainly for tests and debugging views.
func (t *TableSource) Keys() []string {
	keys := make([]string, 0, len(t.cache))
	for k := range t.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
