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

package viewsyncer_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/view-syncer/internal/clienthandler"
	"github.com/cockroachdb/view-syncer/internal/cvr"
	"github.com/cockroachdb/view-syncer/internal/pipeline"
	"github.com/cockroachdb/view-syncer/internal/snapshot"
	"github.com/cockroachdb/view-syncer/internal/version"
	"github.com/cockroachdb/view-syncer/internal/viewsyncer"
	"github.com/stretchr/testify/require"
)

var issues = snapshot.TableSpec{Schema: "public", Table: "issues", PrimaryKey: []string{"id"}, UnionKey: []string{"id"}}

type fakeReplica struct {
	version string
	rows    map[string]snapshot.Row

	// pendingDiffs, if set, is drained by the next Diff call and then
	// cleared, so a test can script exactly one Advance round's worth of
	// row changes.
	pendingDiffs []snapshot.RowDiff
}

func (f *fakeReplica) CurrentVersion(context.Context) (string, error) { return f.version, nil }
func (f *fakeReplica) TableSpecs(context.Context) ([]snapshot.TableSpec, error) {
	return []snapshot.TableSpec{issues}, nil
}
func (f *fakeReplica) Diff(context.Context, string, []snapshot.TableSpec) (snapshot.DiffIterator, error) {
	if len(f.pendingDiffs) == 0 {
		return &emptyDiffIter{}, nil
	}
	diffs := f.pendingDiffs
	f.pendingDiffs = nil
	return &fakeDiffIter{diffs: diffs}, nil
}
func (f *fakeReplica) FetchRow(_ context.Context, _ snapshot.TableSpec, key string) (snapshot.Row, bool, error) {
	row, ok := f.rows[key]
	return row, ok, nil
}
func (f *fakeReplica) ScanRows(context.Context, snapshot.TableSpec) (snapshot.RowIterator, error) {
	keys := make([]string, 0, len(f.rows))
	for k := range f.rows {
		keys = append(keys, k)
	}
	return &fakeRowIter{keys: keys, rows: f.rows}, nil
}

type emptyDiffIter struct{}

func (*emptyDiffIter) Next(context.Context) (snapshot.RowDiff, bool, error) {
	return snapshot.RowDiff{}, false, nil
}
func (*emptyDiffIter) Close() {}

type fakeDiffIter struct {
	diffs []snapshot.RowDiff
	pos   int
}

func (it *fakeDiffIter) Next(context.Context) (snapshot.RowDiff, bool, error) {
	if it.pos >= len(it.diffs) {
		return snapshot.RowDiff{}, false, nil
	}
	d := it.diffs[it.pos]
	it.pos++
	return d, true, nil
}
func (it *fakeDiffIter) Close() {}

type fakeRowIter struct {
	keys []string
	rows map[string]snapshot.Row
	pos  int
}

func (it *fakeRowIter) Next(context.Context) (string, snapshot.Row, bool, error) {
	if it.pos >= len(it.keys) {
		return "", nil, false, nil
	}
	k := it.keys[it.pos]
	it.pos++
	return k, it.rows[k], true, nil
}
func (it *fakeRowIter) Close() {}

type recordingTransport struct {
	msgs []any
}

func (t *recordingTransport) Send(_ context.Context, msg any) error {
	t.msgs = append(t.msgs, msg)
	return nil
}

func (t *recordingTransport) ends() []clienthandler.PokeEnd {
	var out []clienthandler.PokeEnd
	for _, m := range t.msgs {
		if e, ok := m.(clienthandler.PokeEnd); ok {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(t *testing.T, replica *fakeReplica) (*viewsyncer.Service, *cvr.MemStore) {
	t.Helper()
	store := cvr.NewMemStore()
	snapper := snapshot.New(replica)
	driver := pipeline.New(snapper, replica)
	cfg := viewsyncer.Config{MaxRowCount: 1000, KeepaliveDuration: time.Minute, EvictionCheckCap: time.Hour}
	svc := viewsyncer.New("group-1", cfg, store, driver, replica,
		func() cvr.ConfigDrivenUpdater { return cvr.NewConfigUpdater(store, "group-1") },
		func() cvr.QueryDrivenUpdater { return cvr.NewQueryUpdater(store, "group-1") },
	)
	return svc, store
}

// runOneStep drives the service's main loop for exactly one
// version-ready signal by running Run in the background, nudging it,
// and canceling once idle.
func runOneStep(t *testing.T, svc *viewsyncer.Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	svc.VersionReady()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
}

func TestInitialHydrationPokesClientWithMatchingRows(t *testing.T) {
	replica := &fakeReplica{version: "01", rows: map[string]snapshot.Row{
		"1": {"id": 1}, "2": {"id": 2},
	}}
	svc, store := newTestService(t, replica)

	updater := cvr.NewConfigUpdater(store, "group-1")
	updater.PutDesiredQuery("client-a", "hash1", nil, -1)
	_, err := updater.Flush(context.Background(), time.Now(), version.EMPTY.WithNewMinor())
	require.NoError(t, err)

	tr := &recordingTransport{}
	svc.AddClient(clienthandler.Client{ID: "client-a", BaseVersion: version.EMPTY, Transport: tr})
	svc.Keepalive()

	runOneStep(t, svc)

	require.NotEmpty(t, tr.msgs)
	ends := tr.ends()
	require.NotEmpty(t, ends)
}

func TestChangeDesiredQueriesBumpsMinorVersionAndHydrates(t *testing.T) {
	replica := &fakeReplica{version: "01", rows: map[string]snapshot.Row{"1": {"id": 1}}}
	svc, _ := newTestService(t, replica)

	tr := &recordingTransport{}
	svc.AddClient(clienthandler.Client{ID: "client-a", BaseVersion: version.EMPTY, Transport: tr})
	svc.Keepalive()

	// First signal loads the (empty) CVR and marks pipelines synced.
	runOneStep(t, svc)

	err := svc.HandleChangeDesiredQueries(context.Background(), "client-a", []viewsyncer.DesiredQueriesPatch{
		{Op: viewsyncer.PatchPut, Hash: "hash1"},
	})
	require.NoError(t, err)

	require.NotEmpty(t, tr.msgs)
}

func TestAdvancePipelinesPokesAtPostAdvanceVersion(t *testing.T) {
	replica := &fakeReplica{version: "01", rows: map[string]snapshot.Row{"1": {"id": 1}}}
	svc, store := newTestService(t, replica)

	updater := cvr.NewConfigUpdater(store, "group-1")
	updater.PutDesiredQuery("client-a", "hash1", viewsyncer.QueryAST{Table: issues}, -1)
	_, err := updater.Flush(context.Background(), time.Now(), version.EMPTY.WithNewMinor())
	require.NoError(t, err)

	tr := &recordingTransport{}
	svc.AddClient(clienthandler.Client{ID: "client-a", BaseVersion: version.EMPTY, Transport: tr})
	svc.Keepalive()

	// First signal hydrates pipelines at replica version "01".
	runOneStep(t, svc)

	ends := tr.ends()
	require.NotEmpty(t, ends)
	hydratedVersion, err := version.CookieToVersion(ends[len(ends)-1].Cookie)
	require.NoError(t, err)

	// Re-register the client at the cookie it was just poked to, as a
	// real client would after acking the round — this is what makes
	// clientsAtVersion pick it up for the next, advance-driven poke.
	svc.AddClient(clienthandler.Client{ID: "client-a", BaseVersion: hydratedVersion, Transport: tr})

	// Bump the replica forward and queue an edit for the next Advance to
	// surface. The poke this produces must end at the new replica
	// version, not the version current when Advance was invoked.
	replica.version = "02"
	replica.pendingDiffs = []snapshot.RowDiff{
		{Table: issues, Key: "1", Prev: snapshot.Row{"id": 1}, Next: snapshot.Row{"id": 1, "title": "x"}},
	}
	runOneStep(t, svc)

	ends = tr.ends()
	require.NotEmpty(t, ends)
	require.Equal(t, "02", ends[len(ends)-1].Cookie)
}

func TestHandleDeleteClientsRemovesClientAndIsNoOpWhenNothingToRemove(t *testing.T) {
	replica := &fakeReplica{version: "01"}
	svc, _ := newTestService(t, replica)
	runOneStep(t, svc)

	// Nothing desired for this client yet: deleting it is a no-op, never
	// an error, per §7's recovery rules.
	require.NoError(t, svc.HandleDeleteClients(context.Background(), []string{"client-a"}))
}

func TestHandleInitConnectionRejectsBaseCookieAheadOfCVR(t *testing.T) {
	replica := &fakeReplica{version: "01"}
	svc, _ := newTestService(t, replica)
	runOneStep(t, svc)

	err := svc.HandleInitConnection(context.Background(), "client-a", "99", nil)
	require.Error(t, err)
	_, ok := err.(*viewsyncer.InvalidConnectionRequestBaseCookieError)
	require.True(t, ok)
}
