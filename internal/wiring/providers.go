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

package wiring

import (
	"context"

	"github.com/cockroachdb/view-syncer/internal/config"
	"github.com/cockroachdb/view-syncer/internal/cvr"
	"github.com/cockroachdb/view-syncer/internal/pipeline"
	"github.com/cockroachdb/view-syncer/internal/snapshot"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Process bundles every long-lived component a view syncer binary needs
// to serve client groups.
type Process struct {
	Config     *config.Config
	Replica    snapshot.Replica
	Store      *cvr.MemStore
	Snapshotter *snapshot.Snapshotter
	Driver     *pipeline.Driver
}

// ProvideReplica opens the configured replica backend.
func ProvideReplica(ctx context.Context, cfg *config.Config) (snapshot.Replica, func(), error) {
	switch cfg.ReplicaKind {
	case "mysql":
		repl, cleanup, err := snapshot.OpenMySQLReplica(ctx, cfg.ReplicaDSN, cfg.LogTable, true)
		if err != nil {
			return nil, nil, err
		}
		return repl, cleanup, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.ReplicaDSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connecting to replica")
		}
		repl := snapshot.NewPGReplica(pool, cfg.LogTable)
		return repl, pool.Close, nil
	default:
		return nil, nil, errors.Errorf("unknown replica kind %q", cfg.ReplicaKind)
	}
}

// ProvideCVRStore constructs the CVR ledger. Production deployments
// would bind this to a SQL-backed Store; MemStore stands in as the
// reference implementation this module ships with.
func ProvideCVRStore(*config.Config) *cvr.MemStore {
	return cvr.NewMemStore()
}

// ProvideSnapshotter constructs a Snapshotter bound to replica.
func ProvideSnapshotter(replica snapshot.Replica) *snapshot.Snapshotter {
	return snapshot.New(replica)
}

// ProvidePipelineDriver constructs a Driver bound to snapper and
// replica.
func ProvidePipelineDriver(snapper *snapshot.Snapshotter, replica snapshot.Replica) *pipeline.Driver {
	return pipeline.New(snapper, replica)
}
