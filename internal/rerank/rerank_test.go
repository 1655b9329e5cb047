package rerank

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybrid-element-retriever/her/internal/config"
)

var testWeights = config.FusionWeights{Cosine: 0.3, Rerank: 0.6, Promotion: 0.1}

func TestFuseWeightsSumToOne(t *testing.T) {
	got := Fuse(1, 1, 1, testWeights)
	require.InDelta(t, 1.0, got, 1e-6)
}

func TestFuseRerankDominatesCosine(t *testing.T) {
	highCosine := Fuse(1, 0, 0, testWeights)
	highRerank := Fuse(0, 1, 0, testWeights)
	require.Greater(t, highRerank, highCosine)
}

func TestSoftmaxSumsToOne(t *testing.T) {
	probs := softmax([]float32{2, 1, 0.1})
	var sum float32
	for _, p := range probs {
		sum += p
	}
	require.InDelta(t, 1.0, sum, 1e-5)
}

func TestSoftmaxMaxIsSharpestForDominantLogit(t *testing.T) {
	peaked := softmax([]float32{10, 0, 0})
	flat := softmax([]float32{1, 1, 1})
	require.Greater(t, maxOf(peaked), maxOf(flat))
}
