// Package snapshot implements the Snapshotter stage (spec §4.1): it merges a
// driver's DOM and accessibility trees, frame by frame, into the
// model.PageSnapshot the rest of the pipeline consumes.
//
// The merge rule is fixed: DOM wins tag and attributes, AX wins role and
// accessible name. The Playwright driver's extraction script reads the
// light DOM through document.querySelectorAll, so elements inside shadow
// roots, open or closed, are not captured. Cross-origin iframes are never evaluated — they are recorded as
// skipped frames with a reason instead.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hybrid-element-retriever/her/internal/browser"
	"github.com/hybrid-element-retriever/her/internal/herrors"
	"github.com/hybrid-element-retriever/her/internal/model"
)

// interactiveTags/interactiveRoles are the heuristics used to derive
// is_interactive when the driver does not report it directly.
var interactiveTags = map[string]bool{
	"a": true, "button": true, "input": true, "select": true,
	"textarea": true, "option": true, "label": true, "summary": true,
}

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "textbox": true, "combobox": true,
	"checkbox": true, "radio": true, "option": true, "menuitem": true,
	"tab": true, "switch": true, "slider": true,
}

// Snapshotter captures a model.PageSnapshot from a live Driver.
type Snapshotter struct {
	logger zerolog.Logger
}

func New() *Snapshotter { return &Snapshotter{logger: zerolog.Nop()} }

// NewWithLogger is New but logs, through logger, a Warn for each frame whose
// capture failed and a Debug when the viewport lookup fails. Cross-origin
// frames are skipped without a log line.
func NewWithLogger(logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{logger: logger}
}

// Capture walks every reachable, same-origin frame of the driver's current
// page and merges its DOM/AX trees into a PageSnapshot. Frames are captured
// concurrently through an errgroup, since each frame's DOM/AX extraction is
// an independent round trip to the driver. It returns a herrors.KindSnapshot
// error only when the driver reports the page itself is unreachable
// (detached); per-frame failures are recorded as SkippedFrame entries
// instead, so one bad frame never aborts the whole capture.
func (s *Snapshotter) Capture(ctx context.Context, d browser.Driver, takenAt int64) (model.PageSnapshot, error) {
	url, err := d.CurrentURL(ctx)
	if err != nil {
		return model.PageSnapshot{}, herrors.SnapshotUnavailable(err)
	}

	frames, err := d.Frames(ctx)
	if err != nil {
		return model.PageSnapshot{}, herrors.SnapshotUnavailable(err)
	}
	if len(frames) == 0 {
		return model.PageSnapshot{}, herrors.SnapshotUnavailable(fmt.Errorf("no frames reported"))
	}

	viewportW, viewportH, err := d.Viewport(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("viewport lookup failed, offscreen detection falls back to negative-coordinate check only")
	}

	type frameResult struct {
		index   int
		path    []string
		fs      model.FrameSnapshot
		skipped *model.SkippedFrame
	}
	results := make([]frameResult, len(frames))

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range frames {
		i, f := i, f
		if f.CrossOrigin {
			results[i] = frameResult{index: i, path: f.Path, skipped: &model.SkippedFrame{
				FramePath: f.Path, URL: f.URL, Reason: "cross_origin",
			}}
			continue
		}
		g.Go(func() error {
			fs, err := s.captureFrame(gctx, d, f, viewportW, viewportH)
			if err != nil {
				s.logger.Warn().Err(err).Strs("frame_path", f.Path).Msg("skipping frame")
				results[i] = frameResult{index: i, path: f.Path, skipped: &model.SkippedFrame{
					FramePath: f.Path, URL: f.URL, Reason: err.Error(),
				}}
				return nil
			}
			results[i] = frameResult{index: i, path: f.Path, fs: fs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.PageSnapshot{}, herrors.SnapshotUnavailable(err)
	}

	var root model.FrameSnapshot
	var children []model.FrameSnapshot
	var skipped []model.SkippedFrame
	for i, f := range frames {
		r := results[i]
		if r.skipped != nil {
			skipped = append(skipped, *r.skipped)
			continue
		}
		if i == 0 && len(f.Path) == 0 {
			root = r.fs
		} else {
			children = append(children, r.fs)
		}
	}

	return model.PageSnapshot{
		URL:      url,
		Root:     root,
		Children: children,
		Skipped:  skipped,
		TakenAt:  takenAt,
	}, nil
}

func (s *Snapshotter) captureFrame(ctx context.Context, d browser.Driver, f browser.FrameInfo, viewportW, viewportH float64) (model.FrameSnapshot, error) {
	domNodes, err := d.DOMTree(ctx, f.Path)
	if err != nil {
		return model.FrameSnapshot{}, fmt.Errorf("dom_tree: %w", err)
	}
	axNodes, err := d.AXTree(ctx, f.Path)
	if err != nil {
		return model.FrameSnapshot{}, fmt.Errorf("ax_tree: %w", err)
	}

	axByID := make(map[string]browser.AXNode, len(axNodes))
	for _, ax := range axNodes {
		axByID[ax.BackendDOMID] = ax
	}

	byID := make(map[string]browser.DOMNode, len(domNodes))
	for _, n := range domNodes {
		byID[n.BackendID] = n
	}

	elements := make([]model.ElementDescriptor, 0, len(domNodes))
	for _, n := range domNodes {
		ax := axByID[n.BackendID]

		role := ax.Role
		if role == "" {
			role = n.Attributes["role"]
		}
		name := ax.Name
		if name == "" {
			name = strings.TrimSpace(n.Attributes["aria-label"])
		}

		vis := visibilityOf(n, viewportW, viewportH)
		hierarchy := domHierarchy(byID, n)
		xpath := absoluteXPath(byID, n)

		elements = append(elements, model.ElementDescriptor{
			FramePath:      f.Path,
			BackendID:      n.BackendID,
			Tag:            n.Tag,
			Role:           role,
			AccessibleName: name,
			InnerText:      strings.TrimSpace(n.Text),
			Attributes:     n.Attributes,
			BBox:           n.BBox,
			Visibility:     vis,
			IsInteractive:  isInteractive(n, role),
			XPathAbs:       xpath,
			DOMHierarchy:   hierarchy,
		})
	}

	return model.FrameSnapshot{
		FramePath:   f.Path,
		FrameURL:    f.URL,
		ContentHash: contentHash(elements),
		Elements:    elements,
	}, nil
}

// visibilityOf applies the four hidden conditions of spec §4.1 — computed
// display:none/visibility:hidden/opacity:0, aria-hidden="true", and a
// zero-area box — before checking offscreen placement against the viewport's
// four edges. viewportW/viewportH of zero (driver could not report a
// viewport) degrade the offscreen check to the left/top edges only.
func visibilityOf(n browser.DOMNode, viewportW, viewportH float64) model.Visibility {
	if n.ComputedHide {
		return model.VisibilityHidden
	}
	if n.Attributes["aria-hidden"] == "true" {
		return model.VisibilityHidden
	}
	if n.BBox.W <= 0 || n.BBox.H <= 0 {
		return model.VisibilityHidden
	}
	if n.BBox.X+n.BBox.W < 0 || n.BBox.Y+n.BBox.H < 0 {
		return model.VisibilityOffscreen
	}
	if viewportW > 0 && n.BBox.X > viewportW {
		return model.VisibilityOffscreen
	}
	if viewportH > 0 && n.BBox.Y > viewportH {
		return model.VisibilityOffscreen
	}
	return model.VisibilityVisible
}

func isInteractive(n browser.DOMNode, role string) bool {
	if interactiveTags[strings.ToLower(n.Tag)] {
		return true
	}
	if interactiveRoles[strings.ToLower(role)] {
		return true
	}
	if _, ok := n.Attributes["onclick"]; ok {
		return true
	}
	if tabindex, ok := n.Attributes["tabindex"]; ok && tabindex != "-1" {
		return true
	}
	return false
}

// domHierarchy walks parent links to produce a root-to-node list of tags,
// used as a path-based relation instead of a back-pointer.
func domHierarchy(byID map[string]browser.DOMNode, n browser.DOMNode) []string {
	var path []string
	cur := n
	seen := map[string]bool{}
	for {
		path = append([]string{cur.Tag}, path...)
		if cur.ParentID == "" || seen[cur.ParentID] {
			break
		}
		seen[cur.ParentID] = true
		parent, ok := byID[cur.ParentID]
		if !ok {
			break
		}
		cur = parent
	}
	return path
}

// absoluteXPath builds a tag[n]/tag[n]/... path from the root using each
// node's 1-based sibling index among same-tag siblings.
func absoluteXPath(byID map[string]browser.DOMNode, n browser.DOMNode) string {
	var segs []string
	cur := n
	seen := map[string]bool{}
	for {
		segs = append([]string{fmt.Sprintf("%s[%d]", cur.Tag, cur.SiblingIndex+1)}, segs...)
		if cur.ParentID == "" || seen[cur.ParentID] {
			break
		}
		seen[cur.ParentID] = true
		parent, ok := byID[cur.ParentID]
		if !ok {
			break
		}
		cur = parent
	}
	return "/" + strings.Join(segs, "/")
}

// RelatedElements finds target's ancestor chain (closest parent first) and
// its document-order siblings within snap, for the snippet builder (spec
// §4.5): ancestors are elements in the same frame whose dom_hierarchy is a
// strict prefix of target's, siblings are elements at target's depth that
// share its immediate parent path. dom_hierarchy records tag names
// only, so two elements can share a path and be treated as related when
// they are not truly the same lineage — an accepted heuristic limitation in
// the absence of real parent back-pointers.
func RelatedElements(snap model.PageSnapshot, target model.ElementDescriptor) (ancestors, siblings []model.ElementDescriptor) {
	targetLen := len(target.DOMHierarchy)
	for _, el := range snap.AllElements() {
		if !framePathEqual(el.FramePath, target.FramePath) {
			continue
		}
		if el.BackendID == target.BackendID {
			continue
		}
		n := len(el.DOMHierarchy)
		switch {
		case n < targetLen && hierarchyPrefixEqual(el.DOMHierarchy, target.DOMHierarchy[:n]):
			ancestors = append(ancestors, el)
		case n == targetLen && targetLen > 0 &&
			hierarchyPrefixEqual(el.DOMHierarchy[:n-1], target.DOMHierarchy[:targetLen-1]):
			siblings = append(siblings, el)
		}
	}
	sort.Slice(ancestors, func(i, j int) bool {
		return len(ancestors[i].DOMHierarchy) > len(ancestors[j].DOMHierarchy)
	})
	return ancestors, siblings
}

func hierarchyPrefixEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func framePathEqual(a, b []string) bool {
	return hierarchyPrefixEqual(a, b)
}

// contentHash summarizes a frame's elements for cheap delta comparison
// (spec §4.2): sha256 over each element's stable signature, sorted so
// ordering differences alone never change the hash.
func contentHash(elements []model.ElementDescriptor) string {
	sigs := make([]string, 0, len(elements))
	for _, e := range elements {
		sigs = append(sigs, fmt.Sprintf("%s|%s|%s|%d", e.Tag, e.BackendID, e.Attributes["id"], len(e.InnerText)))
	}
	sort.Strings(sigs)
	h := sha256.New()
	for _, sig := range sigs {
		h.Write([]byte(sig))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
