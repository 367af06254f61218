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

// Command viewsyncer runs a single view syncer process: it opens a
// replica connection, wires up the CVR store and pipeline driver, and
// serves Prometheus metrics until signaled to shut down.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/view-syncer/internal/config"
	"github.com/cockroachdb/view-syncer/internal/wiring"
	log "github.com/sirupsen/logrus"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("view syncer exited with error")
	}
}

func run() error {
	cfg := &config.Config{}
	cfg.Bind(pflag.CommandLine)
	pflag.Parse()

	if err := cfg.Preflight(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	process, cleanup, err := wiring.NewProcess(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "constructing process")
	}
	defer cleanup()

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		log.Infof("serving metrics on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(log.Fields{
		"bindAddr":    cfg.BindAddr,
		"replicaKind": cfg.ReplicaKind,
	}).Info("view syncer starting")

	_ = process // client-group Service instances are constructed per connection by the transport layer, out of scope here.

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.EvictionCheckCap)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server shutdown did not complete cleanly")
	}

	return nil
}
