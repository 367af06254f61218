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

// Package cvr defines the persistent client-view-record contract: one
// ledger per client group recording every (query, row) reference and
// version, plus the ownership-takeover and flush machinery the View
// Syncer Service depends on. The ownership contract is grounded on
// cdc-sink's internal/types.Lease/Leases/LeaseBusyError
// (time-based exclusive lock with a busy error on contention); the
// patch-stream contract is grounded on the resolved-timestamp replay
// pattern in internal/source/cdc/resolver.go.
package cvr

import (
	"context"
	"time"

	"github.com/cockroachdb/view-syncer/internal/version"
	"github.com/pkg/errors"
)

// OwnershipError is returned by Store.Load when another instance holds
// a live ownership claim on the client group, mirroring
// types.LeaseBusyError.
type OwnershipError struct {
	Owner      string
	Expiration time.Time
}

func (e *OwnershipError) Error() string {
	return "cvr is owned by another view syncer instance"
}

// IsOwnership reports whether err is (or wraps) an OwnershipError.
func IsOwnership(err error) (owned *OwnershipError, ok bool) {
	return owned, errors.As(err, &owned)
}

// QueryRecord is either server-synthesized ("internal", never expires,
// never evicted) or a per-client desired query.
type QueryRecord struct {
	Hash               string
	AST                any
	TransformationHash string
	Internal           bool

	// Per-client state, valid only when !Internal.
	ClientStates map[string]ClientQueryState
}

// ClientQueryState is a client's view of one query record.
type ClientQueryState struct {
	Version       version.CVRVersion
	TTL           time.Duration // <0 means never-expires
	InactivatedAt time.Time     // zero means active
}

// PendingEviction reports whether this client's interest in the query is
// scheduled to be evicted, and when.
func (c ClientQueryState) PendingEviction() (at time.Time, pending bool) {
	if c.TTL < 0 || c.InactivatedAt.IsZero() {
		return time.Time{}, false
	}
	return c.InactivatedAt.Add(c.TTL), true
}

// RowRef is a single (schema, table, rowKey) reference with per-query
// refcounts. RefCount()==0 for every hash means the row is a tombstone
// pending a delete patch.
type RowRef struct {
	Schema, Table, RowKey string
	RowVersion            version.CVRVersion
	RefCounts             map[string]int
}

// IsTombstone reports whether every refcount has dropped to zero.
func (r RowRef) IsTombstone() bool {
	for _, n := range r.RefCounts {
		if n > 0 {
			return false
		}
	}
	return true
}

// Snapshot is the state load returns: the full ledger for one client
// group as of a point in time.
type Snapshot struct {
	ClientGroupID string
	Version       version.CVRVersion
	Owner         string
	Queries       map[string]QueryRecord
	Rows          map[string]RowRef

	// ReplicaVersion is the replica version the pipelines backing this
	// CVR were built against, set once on the client group's first sync
	// and left immutable until a reset. Empty means no pipeline has ever
	// been initialized for this client group.
	ReplicaVersion string
}

// RowPatch is one row-level change surfaced to a client handler during
// catchup.
type RowPatch struct {
	ToVersion version.CVRVersion
	Op        string // "put" or "del"
	Table     string
	Key       string
	Value     map[string]any
}

// ConfigPatch is one query/client config change surfaced during catchup.
type ConfigPatch struct {
	ToVersion version.CVRVersion
	Kind      string // e.g. "desiredQuery", "gotQuery", "lastMutationID"
	ClientID  string
	Hash      string
	Op        string
	// LastMutationID carries the new value when Kind == "lastMutationID".
	LastMutationID int64
}

// Store is the persistence contract the View Syncer Service depends on.
// It is a contract only here; concrete implementations (SQL-backed)
// live outside this package, the same way cdc-sink's internal/types
// separates the Leases/Stagers contracts from their SQL implementations
// under internal/staging.
type Store interface {
	// Load takes ownership of the client group's CVR as of asOf. If the
	// recorded owner's claim has not yet expired relative to asOf, Load
	// fails with *OwnershipError; otherwise it overwrites the owner and
	// succeeds (a takeover).
	Load(ctx context.Context, clientGroupID string, asOf time.Time) (Snapshot, error)

	// Flushed blocks until every pending persistent write for the client
	// group has landed.
	Flushed(ctx context.Context, clientGroupID string) error

	// CatchupRowPatches streams row patches strictly between from
	// (exclusive) and current (inclusive), excluding rows whose only
	// referencing queries are in excludeHashes.
	CatchupRowPatches(
		ctx context.Context, clientGroupID string, from, current version.CVRVersion, excludeHashes map[string]bool,
	) (RowPatchIterator, error)

	// CatchupConfigPatches streams query/client config patches strictly
	// between from (exclusive) and current (inclusive).
	CatchupConfigPatches(
		ctx context.Context, clientGroupID string, from, current version.CVRVersion,
	) (ConfigPatchIterator, error)

	// InspectQueries returns a debugging view of every query record for
	// the client group, optionally scoped to one client.
	InspectQueries(ctx context.Context, clientGroupID string, clientID string) ([]QueryRecord, error)

	// RowCount returns the number of rows currently tracked for the
	// client group.
	RowCount(ctx context.Context, clientGroupID string) (int, error)

	// SetReplicaVersion records the replica version the client group's
	// pipelines were (re)built against. Called once after the Pipeline
	// Driver's first Init and again after every Reset.
	SetReplicaVersion(ctx context.Context, clientGroupID, replicaVersion string) error
}

// RowPatchIterator lazily yields RowPatch values.
type RowPatchIterator interface {
	Next(ctx context.Context) (RowPatch, bool, error)
	Close()
}

// ConfigPatchIterator lazily yields ConfigPatch values.
type ConfigPatchIterator interface {
	Next(ctx context.Context) (ConfigPatch, bool, error)
	Close()
}

// FlushResult carries the new CVR version a flush assigned; flushes are
// the only operation that mints a new CVR version.
type FlushResult struct {
	Version version.CVRVersion
}

// ConfigDrivenUpdater accumulates query/client config mutations (desired
// query add/remove, client disconnect, TTL change) independent of any
// replica row change, then assigns them a single new minor version on
// Flush.
type ConfigDrivenUpdater interface {
	PutDesiredQuery(clientID string, hash string, ast any, ttl time.Duration)
	RemoveDesiredQuery(clientID string, hash string)
	SetLastMutationID(clientID string, id int64)
	// Flush commits accumulated mutations under targetVersion, the minor
	// version bump the caller already handed out as the poke's tentative
	// version. A no-op flush (nothing accumulated) returns the store's
	// current version unchanged.
	Flush(ctx context.Context, now time.Time, targetVersion version.CVRVersion) (FlushResult, error)
}

// QueryDrivenUpdater accumulates row reference and refcount changes
// produced by a Pipeline Driver advance, then assigns them targetVersion
// on Flush — either the replica's stateVersion (live advancement) or a
// minor-version bump of the current CVR version (query hydration between
// upstream commits).
type QueryDrivenUpdater interface {
	PutRowRef(ref RowRef)
	RemoveRowRef(schema, table, key string, hash string)
	Flush(ctx context.Context, now time.Time, targetVersion version.CVRVersion) (FlushResult, error)
}
