package tablesource_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/view-syncer/internal/snapshot"
	"github.com/cockroachdb/view-syncer/internal/tablesource"
	"github.com/stretchr/testify/require"
)

var issues = snapshot.TableSpec{Schema: "public", Table: "issues", PrimaryKey: []string{"id"}, UnionKey: []string{"id"}}

type recordingOperator struct {
	pushes []tablesource.Push
	keys   []string
}

func (r *recordingOperator) OnPush(_ context.Context, key string, push tablesource.Push) error {
	r.keys = append(r.keys, key)
	r.pushes = append(r.pushes, push)
	return nil
}

type fakeReplica struct {
	rows map[string]snapshot.Row
}

func (f *fakeReplica) CurrentVersion(context.Context) (string, error) { return "01", nil }
func (f *fakeReplica) TableSpecs(context.Context) ([]snapshot.TableSpec, error) {
	return nil, nil
}
func (f *fakeReplica) Diff(context.Context, string, []snapshot.TableSpec) (snapshot.DiffIterator, error) {
	return nil, nil
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
	return &fakeIter{keys: keys, rows: f.rows}, nil
}

type fakeIter struct {
	keys []string
	rows map[string]snapshot.Row
	pos  int
}

func (it *fakeIter) Next(context.Context) (string, snapshot.Row, bool, error) {
	if it.pos >= len(it.keys) {
		return "", nil, false, nil
	}
	k := it.keys[it.pos]
	it.pos++
	return k, it.rows[k], true, nil
}
func (it *fakeIter) Close() {}

func TestHydrateFansAddForEveryRow(t *testing.T) {
	ctx := context.Background()
	repl := &fakeReplica{rows: map[string]snapshot.Row{
		"1": {"id": 1}, "2": {"id": 2},
	}}
	ts := tablesource.New(issues)
	rec := &recordingOperator{}
	ts.Subscribe(rec)

	require.NoError(t, ts.Hydrate(ctx, repl))
	require.Len(t, rec.pushes, 2)
	for _, p := range rec.pushes {
		require.Equal(t, tablesource.Add, p.Kind)
	}

	row, ok, err := ts.GetRow(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, row["id"])
}

func TestApplyDiffDistinguishesAddRemoveEdit(t *testing.T) {
	ctx := context.Background()
	ts := tablesource.New(issues)
	snap, err := snapshot.New(&fakeReplica{}).Init(ctx)
	require.NoError(t, err)
	ts.SetDB(snap)
	rec := &recordingOperator{}
	ts.Subscribe(rec)

	require.NoError(t, ts.ApplyDiff(ctx, snapshot.RowDiff{Key: "1", Next: snapshot.Row{"id": 1}}))
	require.Equal(t, tablesource.Add, rec.pushes[0].Kind)

	require.NoError(t, ts.ApplyDiff(ctx, snapshot.RowDiff{
		Key: "1", Prev: snapshot.Row{"id": 1}, Next: snapshot.Row{"id": 2},
	}))
	require.Equal(t, tablesource.Edit, rec.pushes[1].Kind)
	require.Equal(t, 1, rec.pushes[1].OldRow["id"])

	require.NoError(t, ts.ApplyDiff(ctx, snapshot.RowDiff{Key: "1", Prev: snapshot.Row{"id": 2}}))
	require.Equal(t, tablesource.Remove, rec.pushes[2].Kind)

	_, ok, err := ts.GetRow(ctx, "1")
	require.NoError(t, err)
	require.False(t, ok)
}
