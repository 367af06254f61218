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

	"github.com/cockroachdb/view-syncer/internal/cvr"
	"github.com/cockroachdb/view-syncer/internal/version"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// QueriesPatchOp is the operation carried by one entry of an upstream
// changeDesiredQueries (or initConnection) desiredQueriesPatch, per §6.
type QueriesPatchOp string

const (
	PatchPut   QueriesPatchOp = "put"
	PatchDel   QueriesPatchOp = "del"
	PatchClear QueriesPatchOp = "clear"
)

// DesiredQueriesPatch is one entry of an upstream desiredQueriesPatch
// list.
type DesiredQueriesPatch struct {
	Op   QueriesPatchOp
	Hash string
	AST  any
	TTL  time.Duration
}

// HandleInitConnection implements the initConnection upstream message:
// it validates baseCookie against the current CVR version before
// admitting the connection, then applies the connection's initial
// desired-queries patch the same way changeDesiredQueries does.
func (s *Service) HandleInitConnection(
	ctx context.Context, clientID string, baseCookie string, patches []DesiredQueriesPatch,
) error {
	correlationID := uuid.NewString()
	log.WithFields(log.Fields{"client": clientID, "connection": correlationID}).Debug("initConnection")
	return s.lock.With(ctx, func(ctx context.Context) error {
		base, err := version.CookieToVersion(baseCookie)
		if err != nil {
			return err
		}
		if s.hasCachedCVR && version.Less(s.cachedCVR.Version, base) {
			return &InvalidConnectionRequestBaseCookieError{ClientID: clientID}
		}
		return s.applyDesiredQueriesPatchLocked(ctx, clientID, patches)
	})
}

// HandleChangeDesiredQueries implements the changeDesiredQueries
// upstream message.
func (s *Service) HandleChangeDesiredQueries(ctx context.Context, clientID string, patches []DesiredQueriesPatch) error {
	return s.lock.With(ctx, func(ctx context.Context) error {
		return s.applyDesiredQueriesPatchLocked(ctx, clientID, patches)
	})
}

// applyDesiredQueriesPatchLocked must be called with the service lock
// held. It accumulates clientID's put/del/clear patches into a
// ConfigDrivenUpdater, flushes them as a single minor-version bump, mirrors
// the result into the cached CVR snapshot, and re-synchronizes the
// pipeline set against the new desired-query set.
func (s *Service) applyDesiredQueriesPatchLocked(ctx context.Context, clientID string, patches []DesiredQueriesPatch) error {
	if len(patches) == 0 || !s.hasCachedCVR {
		// Without a loaded CVR the patch can't yet be reconciled; it is
		// picked up once the main loop's first Store.Load lands and the
		// client re-sends on reconnect, per this service's at-least-once
		// upstream delivery contract.
		return nil
	}

	updater := s.newConfigUpdater()
	for _, p := range patches {
		switch p.Op {
		case PatchPut:
			updater.PutDesiredQuery(clientID, p.Hash, p.AST, p.TTL)
		case PatchDel:
			updater.RemoveDesiredQuery(clientID, p.Hash)
		case PatchClear:
			for hash, q := range s.cachedCVR.Queries {
				if q.Internal {
					continue
				}
				if _, ok := q.ClientStates[clientID]; ok {
					updater.RemoveDesiredQuery(clientID, hash)
				}
			}
		}
	}

	target := s.cachedCVR.Version.WithNewMinor()
	if _, err := updater.Flush(ctx, s.now(), target); err != nil {
		return err
	}
	applyPatchesToQueries(s.cachedCVR.Queries, target, clientID, patches)
	s.cachedCVR.Version = target

	if !s.pipelinesSynced {
		return nil
	}
	return s.syncQueryPipelineSet(ctx)
}

// applyPatchesToQueries mirrors patches into queries in place, the same
// mutation memConfigUpdater.Flush applies to the persisted ledger, so the
// service's cached snapshot stays consistent without a round trip
// through Store.Load.
func applyPatchesToQueries(queries map[string]cvr.QueryRecord, target version.CVRVersion, clientID string, patches []DesiredQueriesPatch) {
	removeClient := func(hash string) {
		q, ok := queries[hash]
		if !ok {
			return
		}
		delete(q.ClientStates, clientID)
		if len(q.ClientStates) == 0 {
			delete(queries, hash)
		} else {
			queries[hash] = q
		}
	}

	for _, p := range patches {
		switch p.Op {
		case PatchPut:
			q, ok := queries[p.Hash]
			if !ok {
				q = cvr.QueryRecord{Hash: p.Hash, TransformationHash: p.Hash, AST: p.AST, ClientStates: make(map[string]cvr.ClientQueryState)}
			}
			q.ClientStates[clientID] = cvr.ClientQueryState{Version: target, TTL: p.TTL}
			queries[p.Hash] = q
		case PatchDel:
			removeClient(p.Hash)
		case PatchClear:
			for hash, q := range queries {
				if q.Internal {
					continue
				}
				if _, ok := q.ClientStates[clientID]; ok {
					removeClient(hash)
				}
			}
		}
	}
}

// HandleDeleteClients implements the deleteClients upstream message: it
// removes every named client's desired-query interest and disconnects
// them, per §6. Per §7's recovery rules, a failed delete is logged and
// does not block the service; here "failed" means there was nothing to
// remove, which is simply a no-op.
func (s *Service) HandleDeleteClients(ctx context.Context, clientIDs []string) error {
	return s.lock.With(ctx, func(ctx context.Context) error {
		if !s.hasCachedCVR {
			return nil
		}
		updater := s.newConfigUpdater()
		removedAny := false
		for _, clientID := range clientIDs {
			for hash, q := range s.cachedCVR.Queries {
				if q.Internal {
					continue
				}
				if _, ok := q.ClientStates[clientID]; ok {
					updater.RemoveDesiredQuery(clientID, hash)
					removedAny = true
				}
			}
		}

		target := s.cachedCVR.Version
		if removedAny {
			target = s.cachedCVR.Version.WithNewMinor()
			if _, err := updater.Flush(ctx, s.now(), target); err != nil {
				return err
			}
			for _, clientID := range clientIDs {
				for hash, q := range s.cachedCVR.Queries {
					if q.Internal {
						continue
					}
					if _, ok := q.ClientStates[clientID]; ok {
						delete(q.ClientStates, clientID)
						if len(q.ClientStates) == 0 {
							delete(s.cachedCVR.Queries, hash)
						} else {
							s.cachedCVR.Queries[hash] = q
						}
					}
				}
			}
			s.cachedCVR.Version = target
		}

		for _, clientID := range clientIDs {
			s.RemoveClient(clientID)
		}
		if !removedAny || !s.pipelinesSynced {
			return nil
		}
		return s.syncQueryPipelineSet(ctx)
	})
}
