// Package model holds the data types shared across the retrieval pipeline.
//
// Relations are represented as paths of stable identifiers (frame_path,
// dom_hierarchy) rather than back-pointers, so snapshots stay acyclic and
// comparable by value.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Visibility is the tri-state visibility of an element at snapshot time.
type Visibility string

const (
	VisibilityVisible   Visibility = "visible"
	VisibilityOffscreen Visibility = "offscreen"
	VisibilityHidden    Visibility = "hidden"
)

// ElementDescriptor is a snapshot's atomic record (spec §3).
type ElementDescriptor struct {
	FramePath      []string          `json:"frame_path"`
	BackendID      string            `json:"backend_id"`
	Tag            string            `json:"tag"`
	Role           string            `json:"role"`
	AccessibleName string            `json:"accessible_name"`
	InnerText      string            `json:"inner_text"`
	Attributes     map[string]string `json:"attributes"`
	BBox           BBox              `json:"bbox"`
	Visibility     Visibility        `json:"visibility"`
	IsInteractive  bool              `json:"is_interactive"`
	XPathAbs       string            `json:"xpath_abs"`
	DOMHierarchy   []string          `json:"dom_hierarchy"`
}

// BBox is a bounding box in CSS pixels.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// curatedAttrs is the allow-list of attributes carried on a descriptor (spec §3).
var curatedAttrs = []string{
	"id", "class", "name", "type", "role", "data-testid", "href",
	"placeholder", "title", "alt", "value",
}

// IsCuratedAttr reports whether name is in the curated allow-list, including
// any aria-* attribute.
func IsCuratedAttr(name string) bool {
	if strings.HasPrefix(name, "aria-") {
		return true
	}
	for _, a := range curatedAttrs {
		if a == name {
			return true
		}
	}
	return false
}

// ElementKey is the stable hash identifying an element across snapshots
// (spec §3 "Vector record"): a function of frame_path, tag, a normalized
// attribute subset, inner_text prefix, and xpath_abs.
func ElementKey(d ElementDescriptor) string {
	h := sha256.New()
	fmt.Fprintf(h, "frame=%s|tag=%s|", strings.Join(d.FramePath, ">"), d.Tag)
	writeNormalizedAttrs(h, d.Attributes)
	prefix := d.InnerText
	if len(prefix) > 64 {
		prefix = prefix[:64]
	}
	fmt.Fprintf(h, "|text=%s|xpath=%s", prefix, d.XPathAbs)
	return hex.EncodeToString(h.Sum(nil))
}

func writeNormalizedAttrs(h interface{ Write([]byte) (int, error) }, attrs map[string]string) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if IsCuratedAttr(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s;", k, attrs[k])
	}
}

// FrameSnapshot is the snapshot of a single frame (spec §3).
type FrameSnapshot struct {
	FramePath   []string             `json:"frame_path"`
	FrameURL    string               `json:"frame_url"`
	ContentHash string               `json:"content_hash"`
	Elements    []ElementDescriptor  `json:"elements"`
}

// SkippedFrame records a frame the snapshotter could not (or chose not to)
// capture, with a reason — used for cross-origin iframes (spec §4.1).
type SkippedFrame struct {
	FramePath []string `json:"frame_path"`
	URL       string   `json:"url"`
	Reason    string   `json:"reason"`
}

// PageSnapshot is the aggregate of a root frame and its reachable children
// (spec §3).
type PageSnapshot struct {
	URL      string          `json:"url"`
	Root     FrameSnapshot   `json:"root"`
	Children []FrameSnapshot `json:"children"`
	Skipped  []SkippedFrame  `json:"skipped_frames"`
	TakenAt  int64           `json:"taken_at"`
}

// AllFrames returns the root frame followed by all children, in order.
func (p PageSnapshot) AllFrames() []FrameSnapshot {
	out := make([]FrameSnapshot, 0, 1+len(p.Children))
	out = append(out, p.Root)
	out = append(out, p.Children...)
	return out
}

// AllElements flattens every element across every frame of the snapshot.
func (p PageSnapshot) AllElements() []ElementDescriptor {
	var out []ElementDescriptor
	for _, f := range p.AllFrames() {
		out = append(out, f.Elements...)
	}
	return out
}

// VectorRecord binds an embedding to the element it was computed from (spec §3).
type VectorRecord struct {
	ElementKey string    `json:"element_key"`
	Vector     []float32 `json:"vector"`
	SnapshotID string    `json:"snapshot_id"`
}

// LocatorKind enumerates the locator strategies a Candidate may carry (spec §3, §9).
type LocatorKind string

const (
	LocatorID       LocatorKind = "id"
	LocatorTestID   LocatorKind = "testid"
	LocatorAria     LocatorKind = "aria-label"
	LocatorRoleName LocatorKind = "role+name"
	LocatorText     LocatorKind = "text-exact"
	LocatorCSS      LocatorKind = "css"
	LocatorXPath    LocatorKind = "xpath"
)

// LocatorCandidate is one synthesized locator expression (spec §3).
type LocatorCandidate struct {
	Kind            LocatorKind `json:"kind"`
	Expression      string      `json:"expression"`
	SpecificityRank int         `json:"specificity_rank"`
}

// Candidate is the transient, per-retrieval shortlist entry (spec §3).
type Candidate struct {
	Descriptor        ElementDescriptor
	CosineScore       float32
	RerankScore       float32
	FusedScore        float32
	LocatorCandidates []LocatorCandidate
	ChosenLocator     LocatorCandidate
	Verified          bool
	Unique            bool
}

// PromotionRecord is a durable (context, locator) outcome record (spec §3, §4.9).
type PromotionRecord struct {
	ContextKey    string   `json:"context_key"`
	LocatorString string   `json:"locator_string"`
	Strategy      string   `json:"strategy"`
	// FramePath is the frame the locator was synthesized against, so a
	// record promoted for an element inside an iframe is re-verified in
	// that frame rather than the root frame.
	FramePath  []string `json:"frame_path"`
	Successes  int      `json:"successes"`
	Failures   int      `json:"failures"`
	Score      float64  `json:"score"`
	LastUsedTS float64  `json:"last_used_ts"`
	TTL        float64  `json:"ttl"`
}
