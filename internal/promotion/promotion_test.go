package promotion

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "promotions.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordSuccessRanksLocatorFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordSuccess(ctx, "#apple-filter", "ctx-a", DefaultBoost, 1000))
	require.NoError(t, s.RecordFailure(ctx, ".chip-3", "ctx-a", DefaultPenalty, 1000))

	top, err := s.TopForContext(ctx, "ctx-a", 3, 0, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, top)
	require.Equal(t, "#apple-filter", top[0].LocatorString)
}

func TestDecayedScoreNeverExceedsRawScore(t *testing.T) {
	got := decayedScore(1.0, 3600, DefaultHalfLifeSec)
	require.LessOrEqual(t, got, 1.0)
	require.Greater(t, got, 0.0)
}

func TestRecordAtExactTTLBoundaryStillFresh(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordSuccess(ctx, "#x", "ctx-b", DefaultBoost, 0))

	top, err := s.TopForContext(ctx, "ctx-b", 1, 0, DefaultTTLSec)
	require.NoError(t, err)
	require.Len(t, top, 1)
}

func TestRecordPastTTLIsExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordSuccess(ctx, "#x", "ctx-c", DefaultBoost, 0))

	top, err := s.TopForContext(ctx, "ctx-c", 1, 0, DefaultTTLSec+1)
	require.NoError(t, err)
	require.Empty(t, top)
}

func TestFailurePenaltyFlooredAtZero(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordFailure(ctx, "#x", "ctx-d", 10.0, 0))

	recs, err := s.Dump(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 0.0, recs[0].Score)
}

func TestClearRemovesContextOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordSuccess(ctx, "#x", "ctx-e", DefaultBoost, 0))
	require.NoError(t, s.RecordSuccess(ctx, "#y", "ctx-f", DefaultBoost, 0))

	require.NoError(t, s.Clear(ctx, "ctx-e"))
	all, err := s.Dump(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "ctx-f", all[0].ContextKey)
}
