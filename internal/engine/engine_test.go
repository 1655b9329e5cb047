package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybrid-element-retriever/her/internal/browser"
	"github.com/hybrid-element-retriever/her/internal/config"
	"github.com/hybrid-element-retriever/her/internal/model"
	"github.com/hybrid-element-retriever/her/internal/promotion"
)

type fakeDriver struct {
	browser.Driver
	url      string
	dom      []browser.DOMNode
	ax       []browser.AXNode
	query    map[string]browser.QueryResult
	describe map[browser.NodeHandle]browser.DOMNode
}

func (f *fakeDriver) CurrentURL(ctx context.Context) (string, error) { return f.url, nil }
func (f *fakeDriver) Frames(ctx context.Context) ([]browser.FrameInfo, error) {
	return []browser.FrameInfo{{Path: nil, URL: f.url}}, nil
}
func (f *fakeDriver) DOMTree(ctx context.Context, framePath []string) ([]browser.DOMNode, error) {
	return f.dom, nil
}
func (f *fakeDriver) AXTree(ctx context.Context, framePath []string) ([]browser.AXNode, error) {
	return f.ax, nil
}
func (f *fakeDriver) QueryLocator(ctx context.Context, framePath []string, kind model.LocatorKind, expr string) (browser.QueryResult, error) {
	if res, ok := f.query[expr]; ok {
		return res, nil
	}
	return browser.QueryResult{}, nil
}
func (f *fakeDriver) DescribeHandle(ctx context.Context, handle browser.NodeHandle) (browser.DOMNode, error) {
	return f.describe[handle], nil
}
func (f *fakeDriver) Viewport(ctx context.Context) (float64, float64, error) { return 1280, 720, nil }

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if query == "Apple filter" {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func (fakeEmbedder) EmbedElements(ctx context.Context, elements []model.ElementDescriptor) ([]model.VectorRecord, error) {
	out := make([]model.VectorRecord, 0, len(elements))
	for _, el := range elements {
		vec := []float32{0, 1}
		if el.AccessibleName == "Apple" {
			vec = []float32{1, 0}
		}
		out = append(out, model.VectorRecord{ElementKey: model.ElementKey(el), Vector: vec})
	}
	return out, nil
}

type fakeReranker struct{}

func (fakeReranker) Score(ctx context.Context, query, snippet string) (float32, error) {
	return 0.8, nil
}

func TestResolveFindsBestMatchingElement(t *testing.T) {
	d := &fakeDriver{
		url: "https://example.com",
		dom: []browser.DOMNode{
			{BackendID: "n1", Tag: "button", Attributes: map[string]string{"data-testid": "apple"}, BBox: model.BBox{W: 10, H: 10}},
			{BackendID: "n2", Tag: "button", Attributes: map[string]string{"data-testid": "banana"}, BBox: model.BBox{W: 10, H: 10}},
		},
		ax: []browser.AXNode{
			{BackendDOMID: "n1", Role: "button", Name: "Apple"},
			{BackendDOMID: "n2", Role: "button", Name: "Banana"},
		},
		query: map[string]browser.QueryResult{
			`[data-testid="apple"]`: {MatchCount: 1, Handles: []browser.NodeHandle{"h1"}},
		},
		describe: map[browser.NodeHandle]browser.DOMNode{
			"h1": {BackendID: "n1", Tag: "button", BBox: model.BBox{W: 10, H: 10}},
		},
	}

	promoPath := filepath.Join(t.TempDir(), "p.db")
	store, err := promotion.Open(promoPath)
	require.NoError(t, err)
	defer store.Close()

	eng := New(d, fakeEmbedder{}, fakeReranker{}, store, config.Default())
	res := eng.Resolve(context.Background(), "Apple filter", "ctx-1", 1000)

	require.True(t, res.Success)
	require.Equal(t, "Apple", res.Descriptor.AccessibleName)
}

func TestResolveRejectsEmptyQuery(t *testing.T) {
	eng := New(&fakeDriver{url: "https://example.com"}, fakeEmbedder{}, fakeReranker{}, nil, config.Default())
	res := eng.Resolve(context.Background(), "", "ctx", 0)
	require.False(t, res.Success)
	require.NotEmpty(t, res.Diagnostics.ErrorKind)
}

func TestResolveNoElementsOnEmptyPage(t *testing.T) {
	eng := New(&fakeDriver{url: "https://example.com"}, fakeEmbedder{}, fakeReranker{}, nil, config.Default())
	res := eng.Resolve(context.Background(), "anything", "ctx", 0)
	require.False(t, res.Success)
}
