// Package delta implements the Delta Index stage (spec §4.2): it tracks,
// per frame, which elements have already been embedded so that an unchanged
// page costs zero embedding work on a repeat retrieval.
//
// Two keys matter here. The frame's content_hash (spec §3) is a cheap,
// whole-frame fingerprint: if it is unchanged since the last snapshot, every
// element in that frame is known-embedded and the frame is skipped entirely.
// The element_key (model.ElementKey) is a per-element fingerprint that
// survives across snapshots even when other elements on the page churn, so
// an element's embedding-cache entry is not invalidated just because a
// sibling was added or removed.
package delta

import "github.com/hybrid-element-retriever/her/internal/model"

// frameState is what the index remembers about one frame between captures.
type frameState struct {
	contentHash string
	elementKeys map[string]struct{}
}

// Index is the running memory of frame hashes and element keys across
// retrievals within a single session. It is not safe for concurrent use;
// callers serialize access the same way the orchestrator serializes the
// rest of a session's pipeline stages.
type Index struct {
	frames map[string]frameState
}

func NewIndex() *Index {
	return &Index{frames: make(map[string]frameState)}
}

// FrameDelta describes what changed in one frame since the last Update.
type FrameDelta struct {
	FramePath []string
	// Unchanged is true when the frame's content_hash matched the
	// previously recorded one; NewElements and RemovedKeys are both empty
	// in that case and the caller should skip embedding this frame.
	Unchanged    bool
	NewElements  []model.ElementDescriptor
	RemovedKeys  []string
}

// Update folds a freshly captured PageSnapshot into the index and reports,
// per frame, which elements are new (need embedding) and which previously
// known elements have disappeared (their embedding-cache entries can be
// evicted). Frames present in a prior snapshot but absent from this one are
// not reported here; callers that care about frame removal can diff the
// frame path sets of two successive snapshots directly.
func (idx *Index) Update(snap model.PageSnapshot) []FrameDelta {
	var deltas []FrameDelta
	for _, frame := range snap.AllFrames() {
		deltas = append(deltas, idx.updateFrame(frame))
	}
	return deltas
}

func (idx *Index) updateFrame(frame model.FrameSnapshot) FrameDelta {
	fk := frameKey(frame.FramePath)
	prev, known := idx.frames[fk]

	if known && prev.contentHash == frame.ContentHash && frame.ContentHash != "" {
		return FrameDelta{FramePath: frame.FramePath, Unchanged: true}
	}

	currentKeys := make(map[string]struct{}, len(frame.Elements))
	var newElements []model.ElementDescriptor
	for _, el := range frame.Elements {
		k := model.ElementKey(el)
		currentKeys[k] = struct{}{}
		if known {
			if _, existed := prev.elementKeys[k]; existed {
				continue
			}
		}
		newElements = append(newElements, el)
	}

	var removed []string
	if known {
		for k := range prev.elementKeys {
			if _, stillPresent := currentKeys[k]; !stillPresent {
				removed = append(removed, k)
			}
		}
	}

	idx.frames[fk] = frameState{contentHash: frame.ContentHash, elementKeys: currentKeys}

	return FrameDelta{
		FramePath:   frame.FramePath,
		NewElements: newElements,
		RemovedKeys: removed,
	}
}

// Forget drops all state for a frame, forcing a full re-embed on its next
// appearance, for a frame that has navigated independently (e.g. an iframe
// whose src changed) rather than merely re-rendered. Nothing in this module
// calls it; the engine only ever calls Update.
func (idx *Index) Forget(framePath []string) {
	delete(idx.frames, frameKey(framePath))
}

func frameKey(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += ">"
		}
		out += p
	}
	return out
}
