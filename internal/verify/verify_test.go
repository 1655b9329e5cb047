package verify

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hybrid-element-retriever/her/internal/browser"
	"github.com/hybrid-element-retriever/her/internal/model"
)

type fakeDriver struct {
	browser.Driver
	results  map[string]browser.QueryResult
	describe map[browser.NodeHandle]browser.DOMNode
}

func (f *fakeDriver) QueryLocator(ctx context.Context, framePath []string, kind model.LocatorKind, expr string) (browser.QueryResult, error) {
	return f.results[expr], nil
}

func (f *fakeDriver) DescribeHandle(ctx context.Context, handle browser.NodeHandle) (browser.DOMNode, error) {
	return f.describe[handle], nil
}

func TestVerifyPicksFirstUniqueMatch(t *testing.T) {
	d := &fakeDriver{
		results: map[string]browser.QueryResult{
			"#ghost": {MatchCount: 0},
			".chip":  {MatchCount: 3},
			"//a[1]": {MatchCount: 1, Handles: []browser.NodeHandle{"h1"}},
		},
		describe: map[browser.NodeHandle]browser.DOMNode{
			"h1": {BackendID: "n1", Tag: "a"},
		},
	}
	cands := []model.LocatorCandidate{
		{Kind: model.LocatorID, Expression: "#ghost"},
		{Kind: model.LocatorCSS, Expression: ".chip"},
		{Kind: model.LocatorXPath, Expression: "//a[1]"},
	}
	want := model.ElementDescriptor{BackendID: "n1", Tag: "a"}
	res, err := Verify(context.Background(), d, nil, cands, want, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, res.Verified)
	require.Equal(t, model.LocatorXPath, res.Chosen.Kind)
	require.Equal(t, browser.NodeHandle("h1"), res.Handle)
}

func TestVerifyRejectsUniqueMatchOnWrongElement(t *testing.T) {
	d := &fakeDriver{
		results: map[string]browser.QueryResult{
			"//a[1]": {MatchCount: 1, Handles: []browser.NodeHandle{"h1"}},
		},
		describe: map[browser.NodeHandle]browser.DOMNode{
			"h1": {BackendID: "n9", Tag: "a"},
		},
	}
	cands := []model.LocatorCandidate{
		{Kind: model.LocatorXPath, Expression: "//a[1]"},
	}
	want := model.ElementDescriptor{BackendID: "n1", Tag: "a"}
	res, err := Verify(context.Background(), d, nil, cands, want, zerolog.Nop())
	require.NoError(t, err)
	require.False(t, res.Verified)
}

func TestVerifyFallsBackToUnverifiedXPath(t *testing.T) {
	d := &fakeDriver{results: map[string]browser.QueryResult{
		"#ghost": {MatchCount: 0},
		"//a[1]": {MatchCount: 0},
	}}
	cands := []model.LocatorCandidate{
		{Kind: model.LocatorID, Expression: "#ghost"},
		{Kind: model.LocatorXPath, Expression: "//a[1]"},
	}
	res, err := Verify(context.Background(), d, nil, cands, model.ElementDescriptor{}, zerolog.Nop())
	require.NoError(t, err)
	require.False(t, res.Verified)
	require.Equal(t, "//a[1]", res.Chosen.Expression)
}
