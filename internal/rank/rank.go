// Package rank implements the Shortlist Ranker stage (spec §4.4): a pure
// function over a query vector and a pool of element vectors, with no
// side effects and no I/O. A persistent vector index (e.g. HNSW) is
// deliberately not used here — the pool being ranked is the element set of
// a single page, not a large persistent corpus, so a brute-force scan is
// both simpler and fast enough, and it keeps this stage trivially testable
// in isolation.
package rank

import (
	"math"
	"sort"

	"github.com/hybrid-element-retriever/her/internal/model"
)

// Scored pairs an element key with its cosine similarity to the query.
type Scored struct {
	ElementKey string
	Score      float32
}

// Shortlist returns the top K vectors by cosine similarity to query, highest
// first. Ties break by ElementKey ascending, so the result is deterministic
// across runs regardless of map iteration order upstream. K is clamped to
// the pool size; a K <= 0 returns all scored entries.
func Shortlist(query []float32, pool []model.VectorRecord, k int) []Scored {
	scored := make([]Scored, 0, len(pool))
	for _, rec := range pool {
		scored = append(scored, Scored{ElementKey: rec.ElementKey, Score: cosine(query, rec.Vector)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ElementKey < scored[j].ElementKey
	})
	if k > 0 && k < len(scored) {
		scored = scored[:k]
	}
	return scored
}

// cosine returns the cosine similarity of a and b, or 0 if either is the
// zero vector or their lengths differ.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
