package auth_test

import (
	"testing"
	"time"

	"github.com/cockroachdb/view-syncer/internal/auth"
	"github.com/stretchr/testify/require"
)

func TestPickTokenAcceptsFirstToken(t *testing.T) {
	next := auth.Data{Sub: "alice"}
	got, err := auth.PickToken(auth.Data{}, false, next, true)
	require.NoError(t, err)
	require.Equal(t, next, got)
}

func TestPickTokenRejectsMissingAfterPrior(t *testing.T) {
	prev := auth.Data{Sub: "alice"}
	_, err := auth.PickToken(prev, true, auth.Data{}, false)
	require.Error(t, err)
}

func TestPickTokenRejectsSubjectMismatch(t *testing.T) {
	prev := auth.Data{Sub: "alice"}
	next := auth.Data{Sub: "bob"}
	_, err := auth.PickToken(prev, true, next, true)
	require.Error(t, err)
}

func TestPickTokenRejectsDroppedIat(t *testing.T) {
	prev := auth.Data{Sub: "alice", HasIat: true, Iat: time.Now()}
	next := auth.Data{Sub: "alice"}
	_, err := auth.PickToken(prev, true, next, true)
	require.Error(t, err)
}

func TestPickTokenPrefersLargerIat(t *testing.T) {
	now := time.Now()
	prev := auth.Data{Sub: "alice", HasIat: true, Iat: now}
	newer := auth.Data{Sub: "alice", HasIat: true, Iat: now.Add(time.Minute)}

	got, err := auth.PickToken(prev, true, newer, true)
	require.NoError(t, err)
	require.Equal(t, newer, got)

	older := auth.Data{Sub: "alice", HasIat: true, Iat: now.Add(-time.Minute)}
	got, err = auth.PickToken(prev, true, older, true)
	require.NoError(t, err)
	require.Equal(t, prev, got)
}

func TestPickTokenTieKeepsPrevious(t *testing.T) {
	now := time.Now()
	prev := auth.Data{Sub: "alice", HasIat: true, Iat: now}
	same := auth.Data{Sub: "alice", HasIat: true, Iat: now}

	got, err := auth.PickToken(prev, true, same, true)
	require.NoError(t, err)
	require.Equal(t, prev, got)
}
