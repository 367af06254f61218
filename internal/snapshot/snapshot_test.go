package snapshot_test

import (
	"context"
	"sort"
	"testing"

	"github.com/cockroachdb/view-syncer/internal/snapshot"
	"github.com/stretchr/testify/require"
)

// fakeReplica is an in-memory Replica used only by tests in this
// package; it is not exported.
type fakeReplica struct {
	version string
	diffs   []snapshot.RowDiff
	rows    map[string]snapshot.Row
}

func (f *fakeReplica) CurrentVersion(context.Context) (string, error) {
	return f.version, nil
}

func (f *fakeReplica) TableSpecs(context.Context) ([]snapshot.TableSpec, error) {
	return nil, nil
}

func (f *fakeReplica) Diff(
	_ context.Context, prevVersion string, _ []snapshot.TableSpec,
) (snapshot.DiffIterator, error) {
	return &fakeIter{diffs: f.diffs}, nil
}

func (f *fakeReplica) FetchRow(
	_ context.Context, table snapshot.TableSpec, key string,
) (snapshot.Row, bool, error) {
	row, ok := f.rows[table.Name()+"/"+key]
	return row, ok, nil
}

func (f *fakeReplica) ScanRows(
	_ context.Context, table snapshot.TableSpec,
) (snapshot.RowIterator, error) {
	var keys []string
	prefix := table.Name() + "/"
	for k := range f.rows {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	rows := make([]fakeKeyedRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, fakeKeyedRow{key: k[len(prefix):], row: f.rows[k]})
	}
	return &fakeRowIterator{rows: rows}, nil
}

type fakeKeyedRow struct {
	key string
	row snapshot.Row
}

type fakeRowIterator struct {
	rows []fakeKeyedRow
	pos  int
}

func (it *fakeRowIterator) Next(context.Context) (string, snapshot.Row, bool, error) {
	if it.pos >= len(it.rows) {
		return "", nil, false, nil
	}
	r := it.rows[it.pos]
	it.pos++
	return r.key, r.row, true, nil
}

func (it *fakeRowIterator) Close() {}

type fakeIter struct {
	diffs []snapshot.RowDiff
	pos   int
}

func (it *fakeIter) Next(context.Context) (snapshot.RowDiff, bool, error) {
	if it.pos >= len(it.diffs) {
		return snapshot.RowDiff{}, false, nil
	}
	d := it.diffs[it.pos]
	it.pos++
	return d, true, nil
}

func (it *fakeIter) Close() {}

var issues = snapshot.TableSpec{Schema: "public", Table: "issues", PrimaryKey: []string{"id"}, UnionKey: []string{"id"}}

func TestAdvanceCommitsOnlyAfterFullDrain(t *testing.T) {
	ctx := context.Background()
	repl := &fakeReplica{
		version: "01",
		diffs: []snapshot.RowDiff{
			{Table: issues, Key: "1", Next: snapshot.Row{"id": 1}},
		},
	}
	s := snapshot.New(repl)
	_, err := s.Init(ctx)
	require.NoError(t, err)
	require.Equal(t, "01", s.Current().Version)

	repl.version = "02"
	iter, err := s.Advance(ctx, []snapshot.TableSpec{issues})
	require.NoError(t, err)

	// Before draining, the snapshot has not moved.
	require.Equal(t, "01", s.Current().Version)

	_, ok, err := iter.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Still mid-iteration.
	require.Equal(t, "01", s.Current().Version)

	_, ok, err = iter.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, "02", s.Current().Version)
}

func TestRowDiffType(t *testing.T) {
	add := snapshot.RowDiff{Next: snapshot.Row{"a": 1}}
	require.Equal(t, snapshot.Added, add.Type())

	remove := snapshot.RowDiff{Prev: snapshot.Row{"a": 1}}
	require.Equal(t, snapshot.Removed, remove.Type())

	edit := snapshot.RowDiff{Prev: snapshot.Row{"a": 1}, Next: snapshot.Row{"a": 2}}
	require.Equal(t, snapshot.Edited, edit.Type())
}

func TestScanRowsOrdersByKey(t *testing.T) {
	ctx := context.Background()
	repl := &fakeReplica{
		version: "01",
		rows: map[string]snapshot.Row{
			issues.Name() + "/3": {"id": 3},
			issues.Name() + "/1": {"id": 1},
			issues.Name() + "/2": {"id": 2},
		},
	}
	iter, err := repl.ScanRows(ctx, issues)
	require.NoError(t, err)
	defer iter.Close()

	var keys []string
	for {
		k, _, ok, err := iter.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, k)
	}
	require.Equal(t, []string{"1", "2", "3"}, keys)
}

func TestAdvanceWithoutDiffFastForwards(t *testing.T) {
	ctx := context.Background()
	repl := &fakeReplica{version: "01"}
	s := snapshot.New(repl)
	_, err := s.Init(ctx)
	require.NoError(t, err)

	repl.version = "05"
	snap, err := s.AdvanceWithoutDiff(ctx)
	require.NoError(t, err)
	require.Equal(t, "05", snap.Version)
	require.Equal(t, "05", s.Current().Version)
}
