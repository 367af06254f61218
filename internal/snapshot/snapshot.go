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

// Package snapshot holds a point-in-time read-only view of the replica
// and computes row-level diffs between two consecutive snapshots. It is
// grounded on the schema-watching contract in cdc-sink's internal/types
// (Watcher/Watchers) but is adapted here to produce incremental diffs
// rather than a passive schema cache.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// TableSpec describes the shape of a single replica table that the
// Pipeline Driver depends on.
type TableSpec struct {
	Schema string
	Table  string
	// PrimaryKey holds the declared primary key column names, in order.
	PrimaryKey []string
	// UnionKey is the union of columns across all unique indexes, used
	// so that delete patches survive primary-key migrations.
	UnionKey []string
}

// Name returns the schema-qualified table name.
func (t TableSpec) Name() string {
	return t.Schema + "." + t.Table
}

// Row is a decoded replica row, keyed by column name.
type Row map[string]any

// DecodeRowJSON decodes a replica row's stored JSON representation.
// Unlike json.Unmarshal into map[string]any, numbers are preserved as
// json.Number rather than silently narrowed to float64, so downstream
// bigint-safety checks (clienthandler.ToSafeFloat) can detect a value
// outside the safe integer range instead of it having already lost
// precision at decode time.
func DecodeRowJSON(raw []byte) (Row, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}

// ChangeType enumerates how a row differs between two snapshots.
type ChangeType int

const (
	// Unchanged should never appear in a diff; it exists to catch
	// zero-value bugs.
	Unchanged ChangeType = iota
	Added
	Removed
	Edited
)

// RowDiff is one row-level change surfaced between two snapshots.
// Both Prev and Next being nil is illegal; it indicates a caller bug.
type RowDiff struct {
	Table TableSpec
	Key   string
	Prev  Row
	Next  Row
}

// Type derives the ChangeType implied by Prev/Next.
func (d RowDiff) Type() ChangeType {
	switch {
	case d.Prev == nil && d.Next != nil:
		return Added
	case d.Prev != nil && d.Next == nil:
		return Removed
	case d.Prev != nil && d.Next != nil:
		return Edited
	default:
		return Unchanged
	}
}

// ResetPipelinesSignal is returned by DiffIterator.Next when the replica
// schema has changed incompatibly with the TableSpecs supplied to
// Advance. It is non-fatal: the caller should discard its pipelines and
// re-hydrate from a fresh snapshot.
type ResetPipelinesSignal struct {
	Message string
}

func (e *ResetPipelinesSignal) Error() string {
	return "pipelines must be reset: " + e.Message
}

// IsResetSignal reports whether err is (or wraps) a ResetPipelinesSignal.
func IsResetSignal(err error) (*ResetPipelinesSignal, bool) {
	var sig *ResetPipelinesSignal
	ok := errors.As(err, &sig)
	return sig, ok
}

// Snapshot is a point-in-time, read-only handle onto the replica.
type Snapshot struct {
	Version string
	db      Replica
}

// DiffIterator yields RowDiff values lazily; callers must exhaust it (or
// Close it) to release replica resources. Next returns ok=false once
// exhausted.
type DiffIterator interface {
	Next(ctx context.Context) (diff RowDiff, ok bool, err error)
	Close()
}

// Replica is the external collaborator that actually stores the
// replicated data; the change-streamer/replicator is assumed to keep it
// current. Implementations must be safe to call only from the single
// goroutine that owns the Snapshotter (see §5 of the specification).
type Replica interface {
	// CurrentVersion returns the latest committed watermark visible to a
	// new snapshot.
	CurrentVersion(ctx context.Context) (string, error)
	// TableSpecs returns the declared shape of every table the replica
	// currently knows about.
	TableSpecs(ctx context.Context) ([]TableSpec, error)
	// Diff returns an iterator over every row that changed between
	// prevVersion (exclusive) and the replica's current version
	// (inclusive), restricted to the given tables. If the replica's
	// schema is incompatible with tables, Diff or the returned
	// iterator's Next returns a *ResetPipelinesSignal.
	Diff(ctx context.Context, prevVersion string, tables []TableSpec) (DiffIterator, error)
	// FetchRow returns the current value of a row, or ok=false if it
	// does not exist. Used to materialize catchup patches.
	FetchRow(ctx context.Context, table TableSpec, key string) (row Row, ok bool, err error)
	// ScanRows returns an iterator over every row currently in table, in
	// key order, for use by a Table Source's initial hydration fetch.
	ScanRows(ctx context.Context, table TableSpec) (RowIterator, error)
}

// RowIterator yields keyed rows in ascending key order.
type RowIterator interface {
	Next(ctx context.Context) (key string, row Row, ok bool, err error)
	Close()
}

// Snapshotter owns the lifecycle of Snapshot handles for one replica.
// It is not safe for concurrent use; the View Syncer Service accesses it
// only while holding its instance lock (§5).
type Snapshotter struct {
	replica Replica
	current Snapshot
}

// New constructs a Snapshotter bound to the given Replica collaborator.
func New(replica Replica) *Snapshotter {
	return &Snapshotter{replica: replica}
}

// Init takes the current snapshot and returns it. It must be called
// before Advance, AdvanceWithoutDiff, or Current.
func (s *Snapshotter) Init(ctx context.Context) (Snapshot, error) {
	v, err := s.replica.CurrentVersion(ctx)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "reading initial replica version")
	}
	s.current = Snapshot{Version: v, db: s.replica}
	return s.current, nil
}

// Current returns the live snapshot without advancing it.
func (s *Snapshotter) Current() Snapshot {
	return s.current
}

// Advance moves to the latest replica version and returns an iterator of
// row-level diffs since the current snapshot, restricted to tables. The
// Snapshotter's notion of "current" does not change until the iterator
// has been fully consumed by the caller (see Pipeline Driver's advance
// semantics, which push each diffed row into a Table Source as it is
// read).
func (s *Snapshotter) Advance(ctx context.Context, tables []TableSpec) (DiffIterator, error) {
	next, err := s.replica.CurrentVersion(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading replica version")
	}
	iter, err := s.replica.Diff(ctx, s.current.Version, tables)
	if err != nil {
		if sig, ok := IsResetSignal(err); ok {
			log.WithField("reason", sig.Message).Info("snapshot requires pipeline reset")
			return nil, err
		}
		return nil, err
	}
	return &advancingIterator{inner: iter, onDone: func() {
		s.current = Snapshot{Version: next, db: s.replica}
	}}, nil
}

// advancingIterator defers committing the Snapshotter's new "current"
// version until the wrapped iterator has been fully drained, matching
// the spec's requirement that advancement only "takes" once all changes
// have been iterated.
type advancingIterator struct {
	inner  DiffIterator
	onDone func()
	closed bool
}

func (a *advancingIterator) Next(ctx context.Context) (RowDiff, bool, error) {
	diff, ok, err := a.inner.Next(ctx)
	if err != nil {
		return RowDiff{}, false, err
	}
	if !ok && !a.closed {
		a.closed = true
		a.onDone()
	}
	return diff, ok, nil
}

func (a *advancingIterator) Close() {
	a.inner.Close()
}

// AdvanceWithoutDiff fast-forwards to the latest replica version without
// computing row diffs. This is used when no pipelines have been
// hydrated yet, so there is nothing for a diff to feed.
func (s *Snapshotter) AdvanceWithoutDiff(ctx context.Context) (Snapshot, error) {
	v, err := s.replica.CurrentVersion(ctx)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "reading replica version")
	}
	s.current = Snapshot{Version: v, db: s.replica}
	return s.current, nil
}

// Destroy releases any snapshot handles held by the Snapshotter.
func (s *Snapshotter) Destroy() {
	s.current = Snapshot{}
}

// FetchRow looks up a row's current value on the live snapshot.
func (s Snapshot) FetchRow(ctx context.Context, table TableSpec, key string) (Row, bool, error) {
	if s.db == nil {
		return nil, false, errors.New("snapshot not initialized")
	}
	return s.db.FetchRow(ctx, table, key)
}
