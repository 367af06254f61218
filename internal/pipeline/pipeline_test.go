package pipeline_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/view-syncer/internal/pipeline"
	"github.com/cockroachdb/view-syncer/internal/snapshot"
	"github.com/stretchr/testify/require"
)

var issues = snapshot.TableSpec{Schema: "public", Table: "issues", PrimaryKey: []string{"id"}, UnionKey: []string{"id"}}

type fakeReplica struct {
	version string
	diffs   []snapshot.RowDiff
	rows    map[string]snapshot.Row
}

func (f *fakeReplica) CurrentVersion(context.Context) (string, error) { return f.version, nil }
func (f *fakeReplica) TableSpecs(context.Context) ([]snapshot.TableSpec, error) {
	return []snapshot.TableSpec{issues}, nil
}
func (f *fakeReplica) Diff(_ context.Context, _ string, _ []snapshot.TableSpec) (snapshot.DiffIterator, error) {
	return &fakeDiffIter{diffs: f.diffs}, nil
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

func newSnapper(repl snapshot.Replica) *snapshot.Snapshotter {
	return snapshot.New(repl)
}

func TestAddQueryIsIdempotentAndHydrates(t *testing.T) {
	ctx := context.Background()
	repl := &fakeReplica{version: "01", rows: map[string]snapshot.Row{
		"1": {"id": 1, "open": true},
		"2": {"id": 2, "open": false},
	}}
	d := pipeline.New(newSnapper(repl), repl)
	require.NoError(t, d.Init(ctx, []snapshot.TableSpec{issues}))

	q := pipeline.Query{
		TransformationHash: "h1",
		Table:              issues,
		Filter:             func(r snapshot.Row) bool { return r["open"] == true },
	}
	changes, err := d.AddQuery(ctx, q)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, pipeline.RowAdd, changes[0].Type)
	require.Equal(t, "1", changes[0].RowKey)

	// Idempotent.
	again, err := d.AddQuery(ctx, q)
	require.NoError(t, err)
	require.Empty(t, again)
	require.True(t, d.AddedQueries()["h1"])
}

func TestPermissionsQueryRowsNotYielded(t *testing.T) {
	ctx := context.Background()
	repl := &fakeReplica{version: "01", rows: map[string]snapshot.Row{
		"1": {"id": 1},
	}}
	d := pipeline.New(newSnapper(repl), repl)
	require.NoError(t, d.Init(ctx, []snapshot.TableSpec{issues}))

	changes, err := d.AddQuery(ctx, pipeline.Query{
		TransformationHash: "perm1",
		Table:              issues,
		System:             pipeline.SystemPermissions,
	})
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestAdvanceYieldsRowChangesAndRebindsSources(t *testing.T) {
	ctx := context.Background()
	repl := &fakeReplica{version: "01", rows: map[string]snapshot.Row{}}
	d := pipeline.New(newSnapper(repl), repl)
	require.NoError(t, d.Init(ctx, []snapshot.TableSpec{issues}))

	_, err := d.AddQuery(ctx, pipeline.Query{TransformationHash: "h1", Table: issues})
	require.NoError(t, err)

	repl.version = "02"
	repl.diffs = []snapshot.RowDiff{
		{Table: issues, Key: "1", Next: snapshot.Row{"id": 1}},
	}

	var seen []pipeline.RowChange
	result, err := d.Advance(ctx, func(c pipeline.RowChange) error {
		seen = append(seen, c)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.NumChanges)
	require.Equal(t, "02", result.Version)
	require.Len(t, seen, 1)
	require.Equal(t, pipeline.RowAdd, seen[0].Type)
	require.Equal(t, "02", d.CurrentVersion())
}

func TestRemoveQueryIsNoOpIfAbsent(t *testing.T) {
	ctx := context.Background()
	repl := &fakeReplica{version: "01"}
	d := pipeline.New(newSnapper(repl), repl)
	require.NoError(t, d.Init(ctx, []snapshot.TableSpec{issues}))
	d.RemoveQuery("does-not-exist")
	require.Empty(t, d.AddedQueries())
}
