package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromMapRejectsUnknownKey(t *testing.T) {
	_, err := FromMap(map[string]any{"shortlist_k": 5.0, "bogus_key": 1.0})
	require.Error(t, err)
}

func TestFromMapOverlaysDefaults(t *testing.T) {
	opts, err := FromMap(map[string]any{"shortlist_k": 7.0})
	require.NoError(t, err)
	require.Equal(t, 7, opts.ShortlistK)
	require.Equal(t, Default().MaxCandidates, opts.MaxCandidates)
}

func TestFromMapValidatesFusionWeights(t *testing.T) {
	opts, err := FromMap(map[string]any{
		"fusion_weights": map[string]any{"cosine": 0.5, "rerank": 0.4, "promotion": 0.1},
	})
	require.NoError(t, err)
	require.Equal(t, 0.5, opts.Fusion.Cosine)
}

func TestFromMapRejectsNonPositiveShortlistK(t *testing.T) {
	_, err := FromMap(map[string]any{"shortlist_k": 0.0})
	require.Error(t, err)
}
