package rank

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybrid-element-retriever/her/internal/model"
)

func TestShortlistOrdersByCosineDescending(t *testing.T) {
	query := []float32{1, 0}
	pool := []model.VectorRecord{
		{ElementKey: "a", Vector: []float32{0, 1}},
		{ElementKey: "b", Vector: []float32{1, 0}},
		{ElementKey: "c", Vector: []float32{0.7, 0.7}},
	}
	got := Shortlist(query, pool, 0)
	require.Equal(t, []string{"b", "c", "a"}, []string{got[0].ElementKey, got[1].ElementKey, got[2].ElementKey})
}

func TestShortlistClampsK(t *testing.T) {
	query := []float32{1, 0}
	pool := []model.VectorRecord{
		{ElementKey: "a", Vector: []float32{1, 0}},
		{ElementKey: "b", Vector: []float32{0, 1}},
	}
	got := Shortlist(query, pool, 10)
	require.Len(t, got, 2)
}

func TestShortlistStableTieBreakByElementKey(t *testing.T) {
	query := []float32{1, 0}
	pool := []model.VectorRecord{
		{ElementKey: "z", Vector: []float32{1, 0}},
		{ElementKey: "a", Vector: []float32{1, 0}},
	}
	got := Shortlist(query, pool, 0)
	require.Equal(t, "a", got[0].ElementKey)
	require.Equal(t, "z", got[1].ElementKey)
}

func TestShortlistEmptyPool(t *testing.T) {
	got := Shortlist([]float32{1, 0}, nil, 5)
	require.Empty(t, got)
}
