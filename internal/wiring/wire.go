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

//go:build wireinject

// Package wiring assembles a runnable view syncer process from its
// constituent components, in the google/wire provider-set style cdc-sink
// uses to build its Resolvers/Appliers/Stagers graph.
package wiring

import (
	"context"

	"github.com/cockroachdb/view-syncer/internal/config"
	"github.com/google/wire"
)

// Set is the full provider set for a view syncer process.
var Set = wire.NewSet(
	ProvideReplica,
	ProvideCVRStore,
	ProvideSnapshotter,
	ProvidePipelineDriver,
	wire.Struct(new(Process), "*"),
)

// NewProcess assembles a Process from cfg. This function is not
// compiled into the binary; `go generate` rewrites it into
// wire_gen.go's hand-equivalent assembly.
func NewProcess(ctx context.Context, cfg *config.Config) (*Process, func(), error) {
	panic(wire.Build(Set))
}
