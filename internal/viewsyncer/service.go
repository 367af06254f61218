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

// Package viewsyncer implements the per-client-group orchestrator: it
// accepts connections, runs the lock-serialized main loop reacting to
// replication signals, synchronizes pipelines with the CVR, pokes
// clients, evicts inactive queries, and validates auth tokens. It is
// grounded on cdc-sink's internal/source/cdc main resolve-and-apply loop
// (internal/source/cdc/resolver.go), generalized from "apply mutations
// to a target" to "advance pipelines and poke subscribed clients".
package viewsyncer

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/view-syncer/internal/asyncutil"
	"github.com/cockroachdb/view-syncer/internal/auth"
	"github.com/cockroachdb/view-syncer/internal/clienthandler"
	"github.com/cockroachdb/view-syncer/internal/cvr"
	"github.com/cockroachdb/view-syncer/internal/drain"
	"github.com/cockroachdb/view-syncer/internal/pipeline"
	"github.com/cockroachdb/view-syncer/internal/snapshot"
	"github.com/cockroachdb/view-syncer/internal/version"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ClientNotFoundError is raised against every connected client when the
// service can no longer make progress on their behalf (e.g. the
// replica's recorded version regressed relative to the CVR).
type ClientNotFoundError struct{ Reason string }

func (e *ClientNotFoundError) Error() string { return "client not found: " + e.Reason }

// InvalidConnectionRequestBaseCookieError is raised when a connecting
// client's base cookie is ahead of the CVR.
type InvalidConnectionRequestBaseCookieError struct{ ClientID string }

func (e *InvalidConnectionRequestBaseCookieError) Error() string {
	return "invalid base cookie for client " + e.ClientID
}

// Config bounds the service's resource usage.
type Config struct {
	MaxRowCount          int
	KeepaliveDuration    time.Duration
	EvictionCheckCap     time.Duration
	SlowHydrateThreshold time.Duration

	// AppID and ShardNum name the per-shard clients table that carries
	// lastMutationID rows, per §4.E's LMID special case.
	AppID    string
	ShardNum int
}

// lmidTable returns the per-shard clients table name row patches are
// checked against for the LMID special case.
func (c Config) lmidTable() string {
	return clienthandler.LMIDTableName(c.AppID, c.ShardNum)
}

// Service is a per-client-group orchestrator. It is not safe to use two
// Services for the same clientGroupID within one process; the CVR Store
// enforces cross-process exclusivity via ownership takeover.
type Service struct {
	clientGroupID string
	cfg           Config

	lock    *asyncutil.FIFOLock
	store   cvr.Store
	newConfigUpdater func() cvr.ConfigDrivenUpdater
	newQueryUpdater  func() cvr.QueryDrivenUpdater
	driver  *pipeline.Driver
	replica snapshot.Replica

	versionReady *asyncutil.LazyStream[struct{}]
	drainCoord   *drain.Coordinator

	clientsMu sync.Mutex
	clients   map[string]clienthandler.Client

	// State mutated only under lock, except keepAliveUntil, which is
	// guarded by clientsMu.
	cachedCVR       cvr.Snapshot
	hasCachedCVR   bool
	pipelinesSynced bool
	authData        auth.Data
	hasAuth         bool
	evictionTimer   *asyncutil.CancellableTimer
	keepAliveUntil  time.Time

	now func() time.Time
}

// New constructs a Service bound to one client group. The caller is
// responsible for feeding replication signals into VersionReady.
func New(
	clientGroupID string, cfg Config, store cvr.Store, driver *pipeline.Driver, replica snapshot.Replica,
	newConfigUpdater func() cvr.ConfigDrivenUpdater, newQueryUpdater func() cvr.QueryDrivenUpdater,
) *Service {
	return &Service{
		clientGroupID:    clientGroupID,
		cfg:              cfg,
		lock:             asyncutil.NewFIFOLock(),
		store:            store,
		newConfigUpdater: newConfigUpdater,
		newQueryUpdater:  newQueryUpdater,
		driver:           driver,
		replica:          replica,
		versionReady:     asyncutil.NewLazyStream[struct{}](),
		drainCoord:       drain.NewCoordinator(time.Second),
		clients:          make(map[string]clienthandler.Client),
		now:              time.Now,
	}
}

// VersionReady notifies the main loop that the replica has advanced.
func (s *Service) VersionReady() {
	s.versionReady.Notify(struct{}{})
}

// Keepalive extends the window during which the service stays alive
// with no connected clients.
func (s *Service) Keepalive() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.keepAliveUntil = s.now().Add(s.cfg.KeepaliveDuration)
}

// AddClient registers client without taking the lock, per §5's
// requirement that connection bookkeeping stay fast.
func (s *Service) AddClient(c clienthandler.Client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c.ID] = c
}

// RemoveClient deregisters id and schedules a shutdown recheck.
func (s *Service) RemoveClient(id string) {
	s.clientsMu.Lock()
	delete(s.clients, id)
	s.clientsMu.Unlock()
	s.VersionReady()
}

func (s *Service) clientSnapshot() []clienthandler.Client {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	out := make([]clienthandler.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Service) clientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// Authenticate applies pickToken against the service's running auth
// state. It should be called for every new connection before the
// connection is admitted.
func (s *Service) Authenticate(ctx context.Context, next auth.Data, hasNext bool) error {
	return s.lock.With(ctx, func(context.Context) error {
		picked, err := auth.PickToken(s.authData, s.hasAuth, next, hasNext)
		if err != nil {
			return err
		}
		s.authData = picked
		s.hasAuth = hasNext || s.hasAuth
		return nil
	})
}

// Run executes the main loop until ctx is canceled or a fatal error
// occurs. Each iteration reacts to one version-ready signal under the
// instance lock, per §4.F.2.
func (s *Service) Run(ctx context.Context) error {
	for {
		if _, err := s.versionReady.Next(ctx); err != nil {
			return nil
		}

		var fatal error
		err := s.lock.With(ctx, func(ctx context.Context) error {
			if s.drainCoord.ShouldDrain() {
				delay := s.drainCoord.DrainNextIn(s.now(), time.Duration(s.driver.TotalHydrationTimeMs())*time.Millisecond)
				log.WithField("delay", delay).Info("view syncer draining")
				fatal = errDrain
				return nil
			}
			return s.mainLoopStep(ctx)
		})
		if err != nil {
			return err
		}
		if fatal != nil {
			return nil
		}

		if s.readyToShutdown() {
			if err := s.store.Flushed(ctx, s.clientGroupID); err != nil {
				return errors.Wrap(err, "awaiting final cvr flush before shutdown")
			}
			return nil
		}
	}
}

var errDrain = errors.New("view syncer elected to drain")

func (s *Service) readyToShutdown() bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients) == 0 && s.now().After(s.keepAliveUntil)
}

func (s *Service) mainLoopStep(ctx context.Context) error {
	if !s.hasCachedCVR {
		snap, err := s.store.Load(ctx, s.clientGroupID, s.now())
		if err != nil {
			return err
		}
		s.cachedCVR = snap
		s.hasCachedCVR = true

		if err := s.driver.Init(ctx, tableSpecsFromQueries(snap.Queries)); err != nil {
			return err
		}
		if snap.ReplicaVersion != "" && snap.ReplicaVersion > s.driver.ReplicaVersion() {
			s.failAllClients(ctx, &ClientNotFoundError{Reason: "cannot sync from an older replica than the CVR was built against"})
			s.hasCachedCVR = false
			return nil
		}
		if snap.ReplicaVersion == "" {
			if err := s.store.SetReplicaVersion(ctx, s.clientGroupID, s.driver.ReplicaVersion()); err != nil {
				return err
			}
			s.cachedCVR.ReplicaVersion = s.driver.ReplicaVersion()
		}
	}

	if s.pipelinesSynced {
		err := s.advancePipelines(ctx)
		if sig, ok := snapshot.IsResetSignal(err); ok {
			log.WithField("reason", sig.Message).Info("resetting pipelines and re-hydrating")
			if rerr := s.driver.Reset(ctx, tableSpecsFromQueries(s.cachedCVR.Queries)); rerr != nil {
				return rerr
			}
			if rerr := s.store.SetReplicaVersion(ctx, s.clientGroupID, s.driver.ReplicaVersion()); rerr != nil {
				return rerr
			}
			s.cachedCVR.ReplicaVersion = s.driver.ReplicaVersion()
			s.pipelinesSynced = false
			return nil
		}
		return err
	}

	newVersion, err := s.driver.AdvanceWithoutDiff(ctx)
	if err != nil {
		return err
	}
	if newVersion < s.cachedCVR.Version.StateVersion {
		return nil // still behind the CVR; wait for the next signal.
	}
	if err := s.syncQueryPipelineSet(ctx); err != nil {
		return err
	}
	s.pipelinesSynced = true
	return nil
}

func tableSpecsFromQueries(_ map[string]cvr.QueryRecord) []snapshot.TableSpec {
	// Table specs are derived from the permission-rewritten query ASTs,
	// which this simplified driver does not parse on the service's
	// behalf; callers that need non-trivial table discovery should
	// populate the driver directly before Run.
	return nil
}

func (s *Service) failAllClients(ctx context.Context, err error) {
	clients := s.clientSnapshot()
	for _, c := range clients {
		if sendErr := c.Transport.Send(ctx, err); sendErr != nil {
			log.WithError(sendErr).WithField("client", c.ID).Warn("failed to notify client of fatal error")
		}
	}
}
