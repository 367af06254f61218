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
	"context"
	"time"

	"github.com/cockroachdb/view-syncer/internal/asyncutil"
	"github.com/cockroachdb/view-syncer/internal/clienthandler"
	"github.com/cockroachdb/view-syncer/internal/cvr"
	"github.com/cockroachdb/view-syncer/internal/metrics"
	"github.com/cockroachdb/view-syncer/internal/pipeline"
	"github.com/cockroachdb/view-syncer/internal/snapshot"
	"github.com/cockroachdb/view-syncer/internal/version"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// syncQueryPipelineSet compares the CVR's desired queries against the
// driver's currently hydrated set and acts on the difference, per
// §4.F.3.
func (s *Service) syncQueryPipelineSet(ctx context.Context) error {
	plan := planQuerySync(s.now(), desiredQueriesFromCVR(s.cachedCVR), s.driver.AddedQueries())
	if plan.empty() {
		return s.catchupClients(ctx, minClientVersion(s.clientSnapshot()), nil)
	}
	return s.addAndRemoveQueries(ctx, plan)
}

func desiredQueriesFromCVR(snap cvr.Snapshot) []DesiredQuery {
	var out []DesiredQuery
	for hash, q := range snap.Queries {
		if q.Internal {
			out = append(out, DesiredQuery{Hash: hash, Internal: true})
			continue
		}
		for clientID, cs := range q.ClientStates {
			out = append(out, DesiredQuery{
				Hash: hash, ClientID: clientID, AST: q.AST,
				TTL: cs.TTL, InactivatedAt: cs.InactivatedAt,
			})
		}
	}
	return out
}

// addAndRemoveQueries implements §4.F.4: it hydrates newly added
// queries, destroys removed/unhydrated ones, streams the resulting row
// changes to clients, and brings stale clients forward via catchup.
func (s *Service) addAndRemoveQueries(ctx context.Context, plan querySyncPlan) error {
	updater := s.newQueryUpdater()
	tentative := s.cachedCVR.Version.WithNewMinor()
	clients := s.clientSnapshot()
	poker := clienthandler.StartPoke(clients, tentative, nil, s.clientGroupID)

	for _, hash := range plan.unhydrateQueries {
		if err := s.processChanges(ctx, s.driver.RemoveQuery(hash), tentative, poker, updater); err != nil {
			return err
		}
	}
	for _, q := range plan.removeQueries {
		if err := s.processChanges(ctx, s.driver.RemoveQuery(q.Hash), tentative, poker, updater); err != nil {
			return err
		}
		poker.AddGotQueriesPatch(ctx, clienthandler.QueryPatch{Op: "del", Hash: q.Hash})
	}

	addedHashes := make(map[string]bool, len(plan.addQueries))
	for _, q := range plan.addQueries {
		start := s.now()
		changes, err := s.driver.AddQuery(ctx, pipelineQuery(q.Hash, q.AST))
		if err != nil {
			return err
		}
		elapsed := s.now().Sub(start)
		metrics.HydrationDurations.WithLabelValues(s.clientGroupID, q.Hash).Observe(elapsed.Seconds())
		if elapsed > s.cfg.SlowHydrateThreshold && s.cfg.SlowHydrateThreshold > 0 {
			log.WithField("hash", q.Hash).WithField("elapsed", elapsed).Warn("slow query hydration")
		}
		addedHashes[q.Hash] = true
		poker.AddGotQueriesPatch(ctx, clienthandler.QueryPatch{Op: "put", Hash: q.Hash})
		if err := s.processChanges(ctx, changes, tentative, poker, updater); err != nil {
			return err
		}
	}

	result, err := updater.Flush(ctx, s.now(), tentative)
	if err != nil {
		return err
	}
	s.cachedCVR.Version = result.Version
	metrics.ActiveQueries.WithLabelValues(s.clientGroupID).Set(float64(len(s.driver.AddedQueries())))

	if err := s.catchupClientsExcluding(ctx, minClientVersion(clients), addedHashes, poker); err != nil {
		return err
	}
	poker.End(ctx, result.Version)
	return nil
}

// processChanges streams RowChanges into the CVR updater and pokers,
// per §4.F.5. Changes are deduped by row key within a batch, keeping
// the last version/contents observed (last-writer-wins), matching the
// spec's resolution of the intermediate-edit-events open question. Row
// patches are tagged with toVersion, the poke round's tentative version.
func (s *Service) processChanges(
	ctx context.Context, changes []pipeline.RowChange, toVersion version.CVRVersion,
	poker *clienthandler.PokeHandler, updater cvr.QueryDrivenUpdater,
) error {
	type rowID struct{ table, key string }
	batch := make(map[rowID]pipeline.RowChange)
	order := make([]rowID, 0, len(changes))

	for _, c := range changes {
		id := rowID{table: c.Table.Name(), key: c.RowKey}
		if _, seen := batch[id]; !seen {
			order = append(order, id)
		}
		batch[id] = c
	}

	for _, id := range order {
		c := batch[id]
		switch c.Type {
		case pipeline.RowAdd, pipeline.RowEdit:
			safeRow, err := clienthandler.SafeRowValue(c.Row)
			if err != nil {
				return errors.Wrapf(err, "row %s/%s", id.table, id.key)
			}
			updater.PutRowRef(cvr.RowRef{
				Schema: c.Table.Schema, Table: c.Table.Table, RowKey: c.RowKey,
				RefCounts: map[string]int{c.QueryHash: 1},
			})
			clienthandler.RouteRowPatch(ctx, poker,
				clienthandler.RowPatch{Op: "put", TableName: id.table, Value: safeRow, ToVersion: toVersion},
				s.clientGroupID, s.cfg.lmidTable())
		case pipeline.RowRemove:
			updater.RemoveRowRef(c.Table.Schema, c.Table.Table, c.RowKey, c.QueryHash)
			clienthandler.RouteRowPatch(ctx, poker,
				clienthandler.RowPatch{Op: "del", TableName: id.table, ToVersion: toVersion},
				s.clientGroupID, s.cfg.lmidTable())
		}
	}
	return nil
}

// advancePipelines implements §4.F.6.
func (s *Service) advancePipelines(ctx context.Context) error {
	start := s.now()
	defer func() {
		metrics.AdvanceDurations.WithLabelValues(s.clientGroupID).Observe(s.now().Sub(start).Seconds())
	}()

	updater := s.newQueryUpdater()
	clients := clientsAtVersion(s.clientSnapshot(), s.cachedCVR.Version)

	var changes []pipeline.RowChange
	result, err := s.driver.Advance(ctx, func(c pipeline.RowChange) error {
		changes = append(changes, c)
		return nil
	})
	if err != nil {
		if sig, ok := snapshot.IsResetSignal(err); ok {
			clienthandler.StartPoke(clients, s.cachedCVR.Version, nil, s.clientGroupID).Cancel(ctx)
			log.WithField("reason", sig.Message).Info("pipelines reset mid-advance")
			return err
		}
		return err
	}

	tentative := version.WithNewState(result.Version)
	poker := clienthandler.StartPoke(clients, tentative, nil, s.clientGroupID)

	if err := s.processChanges(ctx, changes, tentative, poker, updater); err != nil {
		return err
	}
	flushResult, err := updater.Flush(ctx, s.now(), tentative)
	if err != nil {
		return err
	}
	s.cachedCVR.Version = flushResult.Version
	poker.End(ctx, flushResult.Version)
	return s.evictInactiveQueries(ctx)
}

// catchupClients implements §4.F.7 for clients lagging cvr.version.
func (s *Service) catchupClients(ctx context.Context, from version.CVRVersion, excludeHashes map[string]bool) error {
	clients := laggingClients(s.clientSnapshot(), s.cachedCVR.Version)
	if len(clients) == 0 {
		return nil
	}
	poker := clienthandler.StartPoke(clients, s.cachedCVR.Version, nil, s.clientGroupID)
	if err := s.catchupClientsExcluding(ctx, from, excludeHashes, poker); err != nil {
		return err
	}
	poker.End(ctx, s.cachedCVR.Version)
	return nil
}

func (s *Service) catchupClientsExcluding(
	ctx context.Context, from version.CVRVersion, excludeHashes map[string]bool, poker *clienthandler.PokeHandler,
) error {
	rowIter, err := s.store.CatchupRowPatches(ctx, s.clientGroupID, from, s.cachedCVR.Version, excludeHashes)
	if err != nil {
		return err
	}
	defer rowIter.Close()
	for {
		patch, ok, err := rowIter.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		row, found, err := s.driver.GetRow(ctx, snapshot.TableSpec{Schema: "", Table: patch.Table}, patch.Key)
		if err != nil || !found {
			poker.AddRowPatch(ctx, clienthandler.RowPatch{Op: "del", TableName: patch.Table, ToVersion: patch.ToVersion})
			continue
		}
		safeRow, err := clienthandler.SafeRowValue(row)
		if err != nil {
			return errors.Wrapf(err, "catchup row %s/%s", patch.Table, patch.Key)
		}
		poker.AddRowPatch(ctx, clienthandler.RowPatch{Op: "put", TableName: patch.Table, Value: safeRow, ToVersion: patch.ToVersion})
	}

	cfgIter, err := s.store.CatchupConfigPatches(ctx, s.clientGroupID, from, s.cachedCVR.Version)
	if err != nil {
		return err
	}
	defer cfgIter.Close()
	for {
		patch, ok, err := cfgIter.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		switch patch.Kind {
		case "desiredQuery":
			poker.AddDesiredQueryPatch(ctx, patch.ClientID, clienthandler.QueryPatch{Op: patch.Op, Hash: patch.Hash})
		case "lastMutationID":
			poker.AddLastMutationIDChange(ctx, patch.ClientID, patch.LastMutationID)
		}
	}
	return nil
}

// evictInactiveQueries implements §4.F.8's bound-enforcement half.
func (s *Service) evictInactiveQueries(ctx context.Context) error {
	n, err := s.store.RowCount(ctx, s.clientGroupID)
	if err != nil {
		return err
	}
	metrics.RowCount.WithLabelValues(s.clientGroupID).Set(float64(n))
	if s.cfg.MaxRowCount <= 0 || n <= s.cfg.MaxRowCount {
		return nil
	}
	inactive := getInactiveQueries(s.cachedCVR.Queries)
	for _, hash := range inactive {
		q := s.cachedCVR.Queries[hash]
		plan := querySyncPlan{removeQueries: []DesiredQuery{{Hash: hash, AST: q.AST}}}
		if err := s.addAndRemoveQueries(ctx, plan); err != nil {
			return err
		}
		metrics.EvictionsTotal.WithLabelValues(s.clientGroupID).Inc()
		n, err = s.store.RowCount(ctx, s.clientGroupID)
		if err != nil {
			return err
		}
		metrics.RowCount.WithLabelValues(s.clientGroupID).Set(float64(n))
		if n <= s.cfg.MaxRowCount {
			break
		}
	}
	return nil
}

// scheduleEvictionTimer arms (or rearms) the timer that next calls
// evictInactiveQueries, per the TTL+LRU scheduling rule in §4.F.8.
func (s *Service) scheduleEvictionTimer(ctx context.Context) {
	at := nextEvictionTime(s.now(), s.cachedCVR.Queries, s.cfg.EvictionCheckCap)
	delay := at.Sub(s.now())
	if delay <= 0 {
		delay = time.Millisecond
	}
	fire := func() { s.VersionReady() }
	if s.evictionTimer == nil {
		s.evictionTimer = asyncutil.NewCancellableTimer(delay, fire)
	} else {
		s.evictionTimer.Reset(delay)
	}
}

func minClientVersion(clients []clienthandler.Client) version.CVRVersion {
	var min version.CVRVersion
	first := true
	for _, c := range clients {
		if first || version.Less(c.BaseVersion, min) {
			min = c.BaseVersion
			first = false
		}
	}
	return min
}

func laggingClients(clients []clienthandler.Client, current version.CVRVersion) []clienthandler.Client {
	var out []clienthandler.Client
	for _, c := range clients {
		if version.Less(c.BaseVersion, current) {
			out = append(out, c)
		}
	}
	return out
}

func clientsAtVersion(clients []clienthandler.Client, v version.CVRVersion) []clienthandler.Client {
	var out []clienthandler.Client
	for _, c := range clients {
		if c.BaseVersion == v {
			out = append(out, c)
		}
	}
	return out
}
