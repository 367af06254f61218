package clienthandler_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/view-syncer/internal/clienthandler"
	"github.com/cockroachdb/view-syncer/internal/version"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	msgs []any
}

func (t *recordingTransport) Send(_ context.Context, msg any) error {
	t.msgs = append(t.msgs, msg)
	return nil
}

func TestStartPokeSkipsClientAlreadyCaughtUp(t *testing.T) {
	ctx := context.Background()
	tr := &recordingTransport{}
	client := clienthandler.Client{ID: "c1", BaseVersion: version.CVRVersion{StateVersion: "05"}, Transport: tr}
	tentative := version.CVRVersion{StateVersion: "05"}

	h := clienthandler.StartPoke([]clienthandler.Client{client}, tentative, nil, "group-1")
	h.AddRowPatch(ctx, clienthandler.RowPatch{Op: "put", TableName: "issues", ToVersion: tentative})
	h.End(ctx, tentative)

	require.Empty(t, tr.msgs)
}

func TestPokeFramingEmitsStartPartEnd(t *testing.T) {
	ctx := context.Background()
	tr := &recordingTransport{}
	client := clienthandler.Client{ID: "c1", BaseVersion: version.CVRVersion{StateVersion: "01"}, Transport: tr}
	tentative := version.CVRVersion{StateVersion: "02"}

	h := clienthandler.StartPoke([]clienthandler.Client{client}, tentative, nil, "group-1")
	h.AddRowPatch(ctx, clienthandler.RowPatch{Op: "put", TableName: "issues", ToVersion: tentative, Value: map[string]any{"id": 1}})
	h.End(ctx, tentative)

	require.Len(t, tr.msgs, 3)
	_, ok := tr.msgs[0].(clienthandler.PokeStart)
	require.True(t, ok)
	_, ok = tr.msgs[1].(clienthandler.PokePart)
	require.True(t, ok)
	end, ok := tr.msgs[2].(clienthandler.PokeEnd)
	require.True(t, ok)
	require.Equal(t, "02", end.Cookie)
}

func TestEndNoOpWhenNoPartsAndAlreadyAtFinalVersion(t *testing.T) {
	ctx := context.Background()
	tr := &recordingTransport{}
	v := version.CVRVersion{StateVersion: "03"}
	client := clienthandler.Client{ID: "c1", BaseVersion: v, Transport: tr}

	h := clienthandler.StartPoke([]clienthandler.Client{client}, version.CVRVersion{StateVersion: "04"}, nil, "group-1")
	// Client never receives any patches in this round; but the caller
	// still ends at the client's own unchanged version.
	h.End(ctx, v)
	require.Empty(t, tr.msgs)
}

func TestRouteRowPatchMergesLMIDAndDropsMismatch(t *testing.T) {
	ctx := context.Background()
	tr := &recordingTransport{}
	client := clienthandler.Client{ID: "c1", BaseVersion: version.CVRVersion{StateVersion: "01"}, Transport: tr}
	tentative := version.CVRVersion{StateVersion: "02"}
	h := clienthandler.StartPoke([]clienthandler.Client{client}, tentative, nil, "group-1")

	lmidTable := clienthandler.LMIDTableName("app1", 0)
	clienthandler.RouteRowPatch(ctx, h, clienthandler.RowPatch{
		TableName: lmidTable, ToVersion: tentative,
		Value: map[string]any{"clientGroupID": "group-1", "clientID": "c1", "lastMutationID": float64(7)},
	}, "group-1", lmidTable)

	clienthandler.RouteRowPatch(ctx, h, clienthandler.RowPatch{
		TableName: lmidTable, ToVersion: tentative,
		Value: map[string]any{"clientGroupID": "other-group", "clientID": "c1", "lastMutationID": float64(9)},
	}, "group-1", lmidTable)

	h.End(ctx, tentative)
	require.Len(t, tr.msgs, 3)
	part := tr.msgs[1].(clienthandler.PokePart)
	require.Equal(t, int64(7), part.Body.LastMutationIDChanges["c1"])
	require.Empty(t, part.Body.RowsPatch)
}

func TestBigintSafetyRejectsOutOfRange(t *testing.T) {
	_, err := clienthandler.ToSafeFloat("count", 1<<60)
	require.Error(t, err)
	_, ok := err.(*clienthandler.ValueOutOfRangeError)
	require.True(t, ok)

	v, err := clienthandler.ToSafeFloat("count", 42)
	require.NoError(t, err)
	require.Equal(t, float64(42), v)
}

func TestSafeRowValueConvertsJSONNumbers(t *testing.T) {
	row := map[string]any{
		"id":    json.Number("9007199254740991"), // 2^53-1
		"title": "hello",
	}
	out, err := clienthandler.SafeRowValue(row)
	require.NoError(t, err)
	require.Equal(t, float64(9007199254740991), out["id"])
	require.Equal(t, "hello", out["title"])
}

func TestSafeRowValueRejectsOutOfRangeJSONNumber(t *testing.T) {
	row := map[string]any{"id": json.Number("9007199254740992")} // 2^53
	_, err := clienthandler.SafeRowValue(row)
	require.Error(t, err)
	_, ok := err.(*clienthandler.ValueOutOfRangeError)
	require.True(t, ok)
}
