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

// Package pipeline owns the set of live incremental-view-maintenance
// pipelines keyed by transformation hash, hydrating and advancing them
// against a snapshot.Snapshotter and tablesource.TableSource set. It is
// grounded on the target-table fan-out and per-table applier registry in
// cdc-sink's internal/target/apply (one applier keyed per target table,
// rebuilt on schema change), generalized here to one pipeline per query
// transformation hash.
package pipeline

import (
	"context"
	"time"

	"github.com/cockroachdb/view-syncer/internal/snapshot"
	"github.com/cockroachdb/view-syncer/internal/tablesource"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ChangeType mirrors the row-change vocabulary of §4.C of the view
// syncer's row-change contract.
type ChangeType string

const (
	RowAdd    ChangeType = "add"
	RowRemove ChangeType = "remove"
	RowEdit   ChangeType = "edit"
)

// RowChange is one change surfaced by a pipeline's output stream. Row is
// unset for RowRemove.
type RowChange struct {
	Type     ChangeType
	QueryHash string
	Table    snapshot.TableSpec
	RowKey   string
	Row      snapshot.Row
}

// System names a subquery's governing system. System == SystemPermissions
// subqueries gate visibility only; their rows are never surfaced to
// addQuery/advance callers.
type System string

const SystemPermissions System = "permissions"

// Predicate reports whether row currently matches a query's filter.
type Predicate func(row snapshot.Row) bool

// Query is the minimal AST this driver understands: a single source
// table filtered by Predicate. Real permission-rewritten ASTs are
// expected to compile down to one Query per referenced table; joins
// across tables are represented as one Query per leg sharing the same
// TransformationHash, consistent with the pipeline-per-hash contract.
type Query struct {
	TransformationHash string
	Table              snapshot.TableSpec
	System             System
	Filter             Predicate
}

// pipelineEntry is the internal bookkeeping the driver keeps per
// transformation hash.
type pipelineEntry struct {
	query          Query
	source         *tablesource.TableSource
	matched        map[string]bool
	hydrationTime  time.Duration
}

// evaluate records the net change that push implies for this pipeline's
// matched-row set and returns the resulting RowChange, or ok=false if
// the row's membership and contents are unaffected. The driver's Advance
// loop calls it directly for every pipeline on the diffed table; the
// pipeline is not registered as a tablesource.Operator.
func (p *pipelineEntry) evaluate(key string, push tablesource.Push) (RowChange, bool) {
	wasMatched := p.matched[key]
	var nowMatched bool
	var row snapshot.Row
	switch push.Kind {
	case tablesource.Add:
		row = push.Row
		nowMatched = p.query.Filter == nil || p.query.Filter(row)
	case tablesource.Edit:
		row = push.Row
		nowMatched = p.query.Filter == nil || p.query.Filter(row)
	case tablesource.Remove:
		nowMatched = false
	}

	switch {
	case !wasMatched && nowMatched:
		p.matched[key] = true
		return RowChange{Type: RowAdd, QueryHash: p.query.TransformationHash, Table: p.query.Table, RowKey: key, Row: row}, true
	case wasMatched && !nowMatched:
		delete(p.matched, key)
		return RowChange{Type: RowRemove, QueryHash: p.query.TransformationHash, Table: p.query.Table, RowKey: key}, true
	case wasMatched && nowMatched:
		return RowChange{Type: RowEdit, QueryHash: p.query.TransformationHash, Table: p.query.Table, RowKey: key, Row: row}, true
	default:
		return RowChange{}, false
	}
}

// Driver owns the set of live pipelines keyed by transformation hash.
type Driver struct {
	snapper *snapshot.Snapshotter
	replica snapshot.Replica

	replicaVersion string
	tableSpecs     map[string]snapshot.TableSpec
	sources        map[string]*tablesource.TableSource
	pipelines      map[string]*pipelineEntry
}

// New constructs a Driver. Call Init before any other method.
func New(snapper *snapshot.Snapshotter, replica snapshot.Replica) *Driver {
	return &Driver{
		snapper:    snapper,
		replica:    replica,
		tableSpecs: make(map[string]snapshot.TableSpec),
		sources:    make(map[string]*tablesource.TableSource),
		pipelines:  make(map[string]*pipelineEntry),
	}
}

// Init initializes the driver from the current snapshot, reading
// replicaVersion and table specs. Must be called exactly once before any
// other operation.
func (d *Driver) Init(ctx context.Context, tables []snapshot.TableSpec) error {
	snap, err := d.snapper.Init(ctx)
	if err != nil {
		return errors.Wrap(err, "initializing pipeline driver")
	}
	d.replicaVersion = snap.Version
	for _, t := range tables {
		d.tableSpecs[t.Name()] = t
	}
	return nil
}

// ReplicaVersion returns the version identifier read at Init/reset time.
func (d *Driver) ReplicaVersion() string {
	return d.replicaVersion
}

// CurrentVersion returns the latest snapshot's stateVersion.
func (d *Driver) CurrentVersion() string {
	return d.snapper.Current().Version
}

func (d *Driver) sourceFor(table snapshot.TableSpec) *tablesource.TableSource {
	if ts, ok := d.sources[table.Name()]; ok {
		return ts
	}
	ts := tablesource.New(table)
	ts.SetDB(d.snapper.Current())
	d.sources[table.Name()] = ts
	return ts
}

// AddedQueries returns the current hash set.
func (d *Driver) AddedQueries() map[string]bool {
	out := make(map[string]bool, len(d.pipelines))
	for h := range d.pipelines {
		out[h] = true
	}
	return out
}

// AddQuery is idempotent: if hash is already present it yields nothing.
// Otherwise it builds the pipeline, registers it against its source
// table, hydrates via a full table scan, and returns one RowChange per
// surfaced row. Rows belonging to a permissions-system subquery are not
// yielded.
func (d *Driver) AddQuery(ctx context.Context, q Query) ([]RowChange, error) {
	if _, ok := d.pipelines[q.TransformationHash]; ok {
		return nil, nil
	}
	source := d.sourceFor(q.Table)
	entry := &pipelineEntry{query: q, source: source, matched: make(map[string]bool)}
	d.pipelines[q.TransformationHash] = entry

	start := time.Now()
	iter, err := d.replica.ScanRows(ctx, q.Table)
	if err != nil {
		delete(d.pipelines, q.TransformationHash)
		return nil, errors.Wrapf(err, "hydrating pipeline %s", q.TransformationHash)
	}
	defer iter.Close()

	var changes []RowChange
	for {
		key, row, ok, err := iter.Next(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "hydrating pipeline %s", q.TransformationHash)
		}
		if !ok {
			break
		}
		if q.Filter != nil && !q.Filter(row) {
			continue
		}
		entry.matched[key] = true
		if q.System == SystemPermissions {
			continue
		}
		changes = append(changes, RowChange{
			Type: RowAdd, QueryHash: q.TransformationHash, Table: q.Table, RowKey: key, Row: row,
		})
	}
	entry.hydrationTime = time.Since(start)
	log.WithFields(log.Fields{"hash": q.TransformationHash, "table": q.Table.Name(), "rows": len(entry.matched)}).
		Debug("hydrated pipeline")
	return changes, nil
}

// RemoveQuery destroys the pipeline for hash, returning a RowRemove
// change for every row it had matched so the caller can unref those rows
// from the CVR (the refcount bookkeeping driving §4.F.8's eviction); a
// no-op, returning nil, if absent.
func (d *Driver) RemoveQuery(hash string) []RowChange {
	entry, ok := d.pipelines[hash]
	if !ok {
		return nil
	}
	var changes []RowChange
	if entry.query.System != SystemPermissions {
		changes = make([]RowChange, 0, len(entry.matched))
		for key := range entry.matched {
			changes = append(changes, RowChange{Type: RowRemove, QueryHash: hash, Table: entry.query.Table, RowKey: key})
		}
	}
	delete(d.pipelines, hash)
	return changes
}

// AdvanceResult is the outcome of a completed Advance.
type AdvanceResult struct {
	Version    string
	NumChanges int
}

// Advance iterates every row diff between the current snapshot and the
// replica's latest version, evaluating it against every pipeline on that
// table and then applying it to the table's TableSource, yielding the
// resulting RowChanges through yield. The Snapshotter, and every TableSource, only
// actually advance once the caller has consumed the full changes
// sequence; a caller that stops early leaves the driver at its previous
// version.
func (d *Driver) Advance(ctx context.Context, yield func(RowChange) error) (AdvanceResult, error) {
	tables := make([]snapshot.TableSpec, 0, len(d.tableSpecs))
	for _, t := range d.tableSpecs {
		tables = append(tables, t)
	}

	diffIter, err := d.snapper.Advance(ctx, tables)
	if err != nil {
		return AdvanceResult{}, err
	}
	defer diffIter.Close()

	numChanges := 0
	for {
		diff, ok, err := diffIter.Next(ctx)
		if err != nil {
			return AdvanceResult{}, err
		}
		if !ok {
			break
		}
		source := d.sourceFor(diff.Table)
		for _, entry := range d.pipelines {
			if entry.query.Table.Name() != diff.Table.Name() {
				continue
			}
			push := pushFromDiff(diff)
			change, changed := entry.evaluate(diff.Key, push)
			if !changed || entry.query.System == SystemPermissions {
				continue
			}
			numChanges++
			if err := yield(change); err != nil {
				return AdvanceResult{}, err
			}
		}
		if err := source.ApplyDiff(ctx, diff); err != nil {
			return AdvanceResult{}, err
		}
	}

	for _, ts := range d.sources {
		ts.SetDB(d.snapper.Current())
	}
	return AdvanceResult{Version: d.snapper.Current().Version, NumChanges: numChanges}, nil
}

func pushFromDiff(diff snapshot.RowDiff) tablesource.Push {
	switch diff.Type() {
	case snapshot.Added:
		return tablesource.Push{Kind: tablesource.Add, Row: diff.Next}
	case snapshot.Removed:
		return tablesource.Push{Kind: tablesource.Remove, OldRow: diff.Prev}
	default:
		return tablesource.Push{Kind: tablesource.Edit, Row: diff.Next, OldRow: diff.Prev}
	}
}

// AdvanceWithoutDiff fast-forwards the snapshot without computing row
// diffs, for use when no pipelines are hydrated yet.
func (d *Driver) AdvanceWithoutDiff(ctx context.Context) (string, error) {
	snap, err := d.snapper.AdvanceWithoutDiff(ctx)
	if err != nil {
		return "", err
	}
	for _, ts := range d.sources {
		ts.SetDB(snap)
	}
	return snap.Version, nil
}

// Reset destroys all pipelines, recomputes table specs and re-reads
// replicaVersion. Called after a ResetPipelinesSignal from the
// Snapshotter.
func (d *Driver) Reset(ctx context.Context, tables []snapshot.TableSpec) error {
	d.pipelines = make(map[string]*pipelineEntry)
	d.sources = make(map[string]*tablesource.TableSource)
	d.tableSpecs = make(map[string]snapshot.TableSpec)
	for _, t := range tables {
		d.tableSpecs[t.Name()] = t
	}
	d.snapper.Destroy()
	snap, err := d.snapper.Init(ctx)
	if err != nil {
		return errors.Wrap(err, "resetting pipeline driver")
	}
	d.replicaVersion = snap.Version
	return nil
}

// GetRow does a live lookup on the current snapshot, used to materialize
// catchup patches.
func (d *Driver) GetRow(ctx context.Context, table snapshot.TableSpec, key string) (snapshot.Row, bool, error) {
	return d.snapper.Current().FetchRow(ctx, table, key)
}

// TotalHydrationTimeMs sums every pipeline's hydration wall time, used
// by drain scheduling.
func (d *Driver) TotalHydrationTimeMs() int64 {
	var total time.Duration
	for _, p := range d.pipelines {
		total += p.hydrationTime
	}
	return total.Milliseconds()
}
