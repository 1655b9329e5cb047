package snippet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybrid-element-retriever/her/internal/model"
)

func TestBuildIncludesTargetAndEscapesText(t *testing.T) {
	target := model.ElementDescriptor{
		Tag:       "button",
		InnerText: `<script>alert("x")</script>`,
		Attributes: map[string]string{"id": "go"},
	}
	out := Build(target, nil, nil)
	require.Contains(t, out, "data-her-target")
	require.NotContains(t, out, "<script>alert")
	require.Contains(t, out, "&lt;script&gt;")
}

func TestBuildCapsAncestorsAndSiblings(t *testing.T) {
	target := model.ElementDescriptor{Tag: "span", InnerText: "target"}
	var ancestors, siblings []model.ElementDescriptor
	for i := 0; i < 10; i++ {
		ancestors = append(ancestors, model.ElementDescriptor{Tag: "div", InnerText: "a"})
		siblings = append(siblings, model.ElementDescriptor{Tag: "li", InnerText: "s"})
	}
	out := Build(target, ancestors, siblings)
	require.LessOrEqual(t, strings.Count(out, "<div"), maxAncestors)
	require.LessOrEqual(t, strings.Count(out, "<li"), maxSiblings)
}

func TestBuildFallsBackToTargetOnlyWhenOversized(t *testing.T) {
	target := model.ElementDescriptor{Tag: "span", InnerText: "target"}
	var ancestors []model.ElementDescriptor
	huge := strings.Repeat("x", maxBytes*2)
	for i := 0; i < maxAncestors; i++ {
		ancestors = append(ancestors, model.ElementDescriptor{Tag: "div", Attributes: map[string]string{"title": huge}})
	}
	out := Build(target, ancestors, nil)
	require.LessOrEqual(t, len(out), maxBytes)
	require.Contains(t, out, "target")
}
