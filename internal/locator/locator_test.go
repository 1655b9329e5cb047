package locator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybrid-element-retriever/her/internal/model"
)

func TestSynthesizePrioritizesIDOverXPath(t *testing.T) {
	el := model.ElementDescriptor{
		Tag:        "button",
		Attributes: map[string]string{"id": "submit-button"},
		XPathAbs:   "/html[1]/body[1]/button[1]",
	}
	cands := Synthesize(el)
	require.NotEmpty(t, cands)
	require.Equal(t, model.LocatorID, cands[0].Kind)
	require.Equal(t, "#submit-button", cands[0].Expression)
}

func TestSynthesizeRejectsUnstableGeneratedID(t *testing.T) {
	el := model.ElementDescriptor{
		Tag:        "div",
		Attributes: map[string]string{"id": "a1b2c3d4e5f6"},
		XPathAbs:   "/html[1]/body[1]/div[1]",
	}
	cands := Synthesize(el)
	for _, c := range cands {
		require.NotEqual(t, model.LocatorID, c.Kind)
	}
}

func TestSynthesizeRejectsRowIndexStyleID(t *testing.T) {
	for _, id := range []string{"item-1", "row-42", "row_7"} {
		el := model.ElementDescriptor{
			Tag:        "li",
			Attributes: map[string]string{"id": id},
			XPathAbs:   "/html[1]/body[1]/li[1]",
		}
		cands := Synthesize(el)
		for _, c := range cands {
			require.NotEqualf(t, model.LocatorID, c.Kind, "id %q should be rejected as unstable", id)
		}
	}
}

func TestSynthesizeAlwaysEmitsXPathFallback(t *testing.T) {
	el := model.ElementDescriptor{Tag: "span", XPathAbs: "/html[1]/span[1]"}
	cands := Synthesize(el)
	last := cands[len(cands)-1]
	require.Equal(t, model.LocatorXPath, last.Kind)
	require.Equal(t, "/html[1]/span[1]", last.Expression)
}

func TestXPathLiteralHandlesMixedQuotes(t *testing.T) {
	lit := xpathLiteral(`It's a "test"`)
	require.Contains(t, lit, "concat(")
	require.Contains(t, lit, `"'"`)
}

func TestXPathLiteralSingleQuoteOnly(t *testing.T) {
	require.Equal(t, `"It's fine"`, xpathLiteral("It's fine"))
}

func TestXPathLiteralDoubleQuoteOnly(t *testing.T) {
	require.Equal(t, `'say "hi"'`, xpathLiteral(`say "hi"`))
}
