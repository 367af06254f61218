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

// Package config defines the view syncer's flag-bound configuration, in
// the Bind/Preflight style of cdc-sink's internal/source/server.Config.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config is the user-visible configuration for running a view syncer
// process.
type Config struct {
	BindAddr    string
	ReplicaDSN  string
	ReplicaKind string // "postgres" or "mysql"
	LogTable    string

	MaxRowCount          int
	KeepaliveDuration    time.Duration
	EvictionCheckCap     time.Duration
	SlowHydrateThreshold time.Duration

	JWTHMACSecret string
	MetricsAddr   string

	AppID    string
	ShardNum int
}

// Bind registers flags on flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.BindAddr, "bindAddr", ":28923", "the network address to bind the client-facing websocket server to")
	flags.StringVar(&c.ReplicaDSN, "replicaDSN", "", "connection string for the read-only replica")
	flags.StringVar(&c.ReplicaKind, "replicaKind", "postgres", "replica backend: postgres or mysql")
	flags.StringVar(&c.LogTable, "replicaLogTable", "_replica_log", "the changelog table tracking row-level diffs")

	flags.IntVar(&c.MaxRowCount, "maxRowCount", 100_000, "row-count threshold that triggers LRU eviction of inactive queries")
	flags.DurationVar(&c.KeepaliveDuration, "keepalive", 5*time.Minute, "how long a client group stays alive with no connected clients")
	flags.DurationVar(&c.EvictionCheckCap, "evictionCheckCap", time.Hour, "maximum delay before the eviction timer is rechecked")
	flags.DurationVar(&c.SlowHydrateThreshold, "slowHydrateThreshold", 5*time.Second, "hydration time above which a warning is logged")

	flags.StringVar(&c.JWTHMACSecret, "jwtHMACSecret", "", "HMAC secret used to validate client auth tokens")
	flags.StringVar(&c.MetricsAddr, "metricsAddr", ":9090", "the network address to serve Prometheus metrics on")

	flags.StringVar(&c.AppID, "appID", "zero", "application ID prefix used to name per-shard internal tables")
	flags.IntVar(&c.ShardNum, "shardNum", 0, "shard number used to name the per-shard clients table")
}

// Preflight validates the configuration after flags have been parsed.
func (c *Config) Preflight() error {
	if c.BindAddr == "" {
		return errors.New("bindAddr unset")
	}
	if c.ReplicaDSN == "" {
		return errors.New("replicaDSN unset")
	}
	switch c.ReplicaKind {
	case "postgres", "mysql":
	default:
		return errors.Errorf("replicaKind must be postgres or mysql, got %q", c.ReplicaKind)
	}
	if c.MaxRowCount <= 0 {
		return errors.New("maxRowCount must be positive")
	}
	if c.JWTHMACSecret == "" {
		return errors.New("jwtHMACSecret unset")
	}
	return nil
}
