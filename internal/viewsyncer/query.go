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

package viewsyncer

import (
	"time"

	"github.com/cockroachdb/view-syncer/internal/cvr"
	"github.com/cockroachdb/view-syncer/internal/pipeline"
	"github.com/cockroachdb/view-syncer/internal/snapshot"
)

// DesiredQuery is one client's view of a query record, the input to
// syncQueryPipelineSet.
type DesiredQuery struct {
	Hash          string
	ClientID      string
	AST           any
	Internal      bool
	TTL           time.Duration
	InactivatedAt time.Time
}

// QueryAST is the minimal shape this service needs out of the
// permission-rewritten AST the external transform pass (§4.F.3)
// produces: the source table and row predicate a query's pipeline
// should be built from. The AST→pipeline compiler itself stays an
// external collaborator; this is only the handful of fields this
// service threads through to the Pipeline Driver.
type QueryAST struct {
	Table  snapshot.TableSpec
	System pipeline.System
	Filter pipeline.Predicate
}

// pipelineQuery builds the pipeline.Query the driver hydrates for hash,
// extracting table/system/filter from ast when it satisfies QueryAST.
// Desired queries whose AST doesn't (yet) carry that shape still get a
// pipeline entry keyed by hash, just with no rows able to surface.
func pipelineQuery(hash string, ast any) pipeline.Query {
	pq := pipeline.Query{TransformationHash: hash}
	if qa, ok := ast.(QueryAST); ok {
		pq.Table = qa.Table
		pq.System = qa.System
		pq.Filter = qa.Filter
	}
	return pq
}

// isExpired reports whether this desired query should be removed as of
// now. Per the open question in the design notes: ttl<0 is never
// expired, and an unset InactivatedAt is never expired; internal
// queries are never expired regardless of ttl/inactivatedAt.
func (q DesiredQuery) isExpired(now time.Time) bool {
	if q.Internal {
		return false
	}
	if q.TTL < 0 || q.InactivatedAt.IsZero() {
		return false
	}
	return !now.Before(q.InactivatedAt.Add(q.TTL))
}

// querySyncPlan is the output of syncQueryPipelineSet's comparison
// step.
type querySyncPlan struct {
	addQueries       []DesiredQuery
	removeQueries    []DesiredQuery
	unhydrateQueries []string
}

func (p querySyncPlan) empty() bool {
	return len(p.addQueries) == 0 && len(p.removeQueries) == 0 && len(p.unhydrateQueries) == 0
}

// planQuerySync compares the desired set against the currently hydrated
// hash set, as described in §4.F.3.
func planQuerySync(now time.Time, desired []DesiredQuery, hydrated map[string]bool) querySyncPlan {
	var plan querySyncPlan
	keep := make(map[string]bool)

	byHash := make(map[string][]DesiredQuery)
	for _, q := range desired {
		byHash[q.Hash] = append(byHash[q.Hash], q)
	}

	for hash, group := range byHash {
		allExpired := true
		for _, q := range group {
			if !q.isExpired(now) {
				allExpired = false
				break
			}
		}
		if allExpired {
			plan.removeQueries = append(plan.removeQueries, group...)
			continue
		}
		keep[hash] = true
		if !hydrated[hash] {
			plan.addQueries = append(plan.addQueries, group[0])
		}
	}

	for hash := range hydrated {
		if !keep[hash] {
			plan.unhydrateQueries = append(plan.unhydrateQueries, hash)
		}
	}
	return plan
}

// getInactiveQueries returns hashes of non-internal query records whose
// every client state is inactivated, sorted least-recently-inactivated
// first, for LRU eviction.
func getInactiveQueries(queries map[string]cvr.QueryRecord) []string {
	type entry struct {
		hash string
		at   time.Time
	}
	var entries []entry
	for hash, q := range queries {
		if q.Internal {
			continue
		}
		var oldest time.Time
		allInactive := len(q.ClientStates) > 0
		for _, cs := range q.ClientStates {
			if cs.InactivatedAt.IsZero() {
				allInactive = false
				break
			}
			if oldest.IsZero() || cs.InactivatedAt.Before(oldest) {
				oldest = cs.InactivatedAt
			}
		}
		if allInactive {
			entries = append(entries, entry{hash: hash, at: oldest})
		}
	}
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].at.Before(entries[j-1].at); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.hash
	}
	return out
}

// nextEvictionTime computes the earliest inactivatedAt+ttl across every
// client-query pair, capped at cap from now.
func nextEvictionTime(now time.Time, queries map[string]cvr.QueryRecord, cap time.Duration) time.Time {
	var earliest time.Time
	for _, q := range queries {
		if q.Internal {
			continue
		}
		for _, cs := range q.ClientStates {
			at, pending := cs.PendingEviction()
			if !pending {
				continue
			}
			if earliest.IsZero() || at.Before(earliest) {
				earliest = at
			}
		}
	}
	if earliest.IsZero() || earliest.Sub(now) > cap {
		return now.Add(cap)
	}
	return earliest
}
