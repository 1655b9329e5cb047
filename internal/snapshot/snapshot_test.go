package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybrid-element-retriever/her/internal/browser"
	"github.com/hybrid-element-retriever/her/internal/model"
)

type fakeDriver struct {
	browser.Driver
	url    string
	frames []browser.FrameInfo
	dom    map[string][]browser.DOMNode
	ax     map[string][]browser.AXNode
}

func (f *fakeDriver) CurrentURL(ctx context.Context) (string, error) { return f.url, nil }
func (f *fakeDriver) Frames(ctx context.Context) ([]browser.FrameInfo, error) {
	return f.frames, nil
}
func (f *fakeDriver) DOMTree(ctx context.Context, framePath []string) ([]browser.DOMNode, error) {
	return f.dom[key(framePath)], nil
}
func (f *fakeDriver) AXTree(ctx context.Context, framePath []string) ([]browser.AXNode, error) {
	return f.ax[key(framePath)], nil
}
func (f *fakeDriver) Viewport(ctx context.Context) (float64, float64, error) {
	return 1280, 720, nil
}

func key(p []string) string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

func TestCaptureMergesDOMAndAX(t *testing.T) {
	d := &fakeDriver{
		url:    "https://example.com",
		frames: []browser.FrameInfo{{Path: nil, URL: "https://example.com"}},
		dom: map[string][]browser.DOMNode{
			"": {{BackendID: "n1", Tag: "button", Attributes: map[string]string{"id": "go"}, BBox: model.BBox{W: 10, H: 10}}},
		},
		ax: map[string][]browser.AXNode{
			"": {{BackendDOMID: "n1", Role: "button", Name: "Go"}},
		},
	}
	snap, err := New().Capture(context.Background(), d, 0)
	require.NoError(t, err)
	require.Len(t, snap.Root.Elements, 1)
	el := snap.Root.Elements[0]
	require.Equal(t, "button", el.Tag)
	require.Equal(t, "Go", el.AccessibleName)
	require.True(t, el.IsInteractive)
	require.Equal(t, model.VisibilityVisible, el.Visibility)
	require.NotEmpty(t, snap.Root.ContentHash)
}

func TestCaptureSkipsCrossOriginFrame(t *testing.T) {
	d := &fakeDriver{
		url: "https://example.com",
		frames: []browser.FrameInfo{
			{Path: nil, URL: "https://example.com"},
			{Path: []string{"frame:nth-of-type(1)"}, URL: "https://ads.example.net", CrossOrigin: true},
		},
		dom: map[string][]browser.DOMNode{"": nil},
		ax:  map[string][]browser.AXNode{"": nil},
	}
	snap, err := New().Capture(context.Background(), d, 0)
	require.NoError(t, err)
	require.Len(t, snap.Skipped, 1)
	require.Equal(t, "cross_origin", snap.Skipped[0].Reason)
}

func TestVisibilityOffscreenBeyondViewportEdge(t *testing.T) {
	n := browser.DOMNode{BBox: model.BBox{X: 2000, Y: 10, W: 10, H: 10}}
	require.Equal(t, model.VisibilityOffscreen, visibilityOf(n, 1280, 720))
}

func TestVisibilityHiddenByAriaHidden(t *testing.T) {
	n := browser.DOMNode{
		Attributes: map[string]string{"aria-hidden": "true"},
		BBox:       model.BBox{X: 0, Y: 0, W: 10, H: 10},
	}
	require.Equal(t, model.VisibilityHidden, visibilityOf(n, 1280, 720))
}

func TestRelatedElementsFindsAncestorsAndSiblings(t *testing.T) {
	snap := model.PageSnapshot{
		Root: model.FrameSnapshot{
			Elements: []model.ElementDescriptor{
				{BackendID: "form", Tag: "form", DOMHierarchy: []string{"html", "body", "form"}},
				{BackendID: "btn1", Tag: "button", DOMHierarchy: []string{"html", "body", "form", "button"}},
				{BackendID: "btn2", Tag: "button", DOMHierarchy: []string{"html", "body", "form", "button"}},
				{BackendID: "other", Tag: "span", DOMHierarchy: []string{"html", "body", "span"}},
			},
		},
	}
	target := snap.Root.Elements[1]
	ancestors, siblings := RelatedElements(snap, target)
	require.Len(t, ancestors, 1)
	require.Equal(t, "form", ancestors[0].BackendID)
	require.Len(t, siblings, 1)
	require.Equal(t, "btn2", siblings[0].BackendID)
}

func TestContentHashStableUnderReordering(t *testing.T) {
	a := []model.ElementDescriptor{
		{Tag: "div", BackendID: "1"}, {Tag: "span", BackendID: "2"},
	}
	b := []model.ElementDescriptor{
		{Tag: "span", BackendID: "2"}, {Tag: "div", BackendID: "1"},
	}
	require.Equal(t, contentHash(a), contentHash(b))
}
