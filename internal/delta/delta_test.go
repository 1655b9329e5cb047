package delta

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybrid-element-retriever/her/internal/model"
)

func frame(hash string, els ...model.ElementDescriptor) model.PageSnapshot {
	return model.PageSnapshot{Root: model.FrameSnapshot{ContentHash: hash, Elements: els}}
}

func TestUnchangedContentHashSkipsFrame(t *testing.T) {
	idx := NewIndex()
	snap := frame("h1", model.ElementDescriptor{Tag: "div", BackendID: "1"})

	deltas := idx.Update(snap)
	require.Len(t, deltas, 1)
	require.False(t, deltas[0].Unchanged)
	require.Len(t, deltas[0].NewElements, 1)

	deltas = idx.Update(snap)
	require.True(t, deltas[0].Unchanged)
	require.Empty(t, deltas[0].NewElements)
}

func TestChangedHashReportsOnlyNewElements(t *testing.T) {
	idx := NewIndex()
	a := model.ElementDescriptor{Tag: "div", BackendID: "1", XPathAbs: "/div[1]"}
	b := model.ElementDescriptor{Tag: "span", BackendID: "2", XPathAbs: "/span[1]"}

	idx.Update(frame("h1", a))
	deltas := idx.Update(frame("h2", a, b))

	require.Len(t, deltas[0].NewElements, 1)
	require.Equal(t, "span", deltas[0].NewElements[0].Tag)
	require.Empty(t, deltas[0].RemovedKeys)
}

func TestRemovedElementsReported(t *testing.T) {
	idx := NewIndex()
	a := model.ElementDescriptor{Tag: "div", BackendID: "1", XPathAbs: "/div[1]"}
	b := model.ElementDescriptor{Tag: "span", BackendID: "2", XPathAbs: "/span[1]"}

	idx.Update(frame("h1", a, b))
	deltas := idx.Update(frame("h2", a))

	require.Empty(t, deltas[0].NewElements)
	require.Len(t, deltas[0].RemovedKeys, 1)
	require.Equal(t, model.ElementKey(b), deltas[0].RemovedKeys[0])
}
