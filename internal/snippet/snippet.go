// Package snippet implements the Snippet Builder stage (spec §4.5): it
// assembles a bounded HTML fragment around a candidate element — up to three
// ancestors, up to five siblings, and the target itself — for the deep
// reranker to read. The fragment is built as a real html.Node tree and
// rendered through golang.org/x/net/html so escaping is always correct,
// then capped to a token/byte budget; if even the target alone cannot fit,
// the target-only fragment is still returned with an empty ancestor chain.
package snippet

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hybrid-element-retriever/her/internal/model"
)

const (
	maxAncestors  = 3
	maxSiblings   = 5
	maxTokens     = 512
	maxBytes      = 4096
	approxCharsPerToken = 4
)

// Build assembles a snippet for target. ancestors must be ordered
// nearest-parent-first (ancestors[0] is target's direct parent); only the
// first maxAncestors entries are used. siblings are target's siblings at the
// same DOM level, in document order; only the first maxSiblings are used.
func Build(target model.ElementDescriptor, ancestors []model.ElementDescriptor, siblings []model.ElementDescriptor) string {
	if len(ancestors) > maxAncestors {
		ancestors = ancestors[:maxAncestors]
	}
	if len(siblings) > maxSiblings {
		siblings = siblings[:maxSiblings]
	}

	targetNode := elementNode(target, true)

	// Innermost container holds target + siblings, in document order. The
	// target's own position among siblings is not reconstructed precisely;
	// it is always placed first since the reranker only needs it reachable
	// within the fragment, not positioned exactly.
	var cur *html.Node
	if len(ancestors) > 0 {
		cur = elementNode(ancestors[0], false)
	} else {
		cur = wrapperNode()
	}
	cur.AppendChild(targetNode)
	for _, sib := range siblings {
		cur.AppendChild(elementNode(sib, false))
	}

	// Wrap outward through the remaining ancestors, innermost first.
	for i := 1; i < len(ancestors); i++ {
		parent := elementNode(ancestors[i], false)
		parent.AppendChild(cur)
		cur = parent
	}

	rendered := render(cur)
	if len(rendered) <= maxBytes && estimatedTokens(rendered) <= maxTokens {
		return rendered
	}

	// Budget exceeded: fall back to target-only, dropping ancestors and
	// siblings, which always fits far more comfortably.
	targetOnly := render(elementNode(target, true))
	limit := maxBytes
	if tokenLimit := maxTokens * approxCharsPerToken; tokenLimit < limit {
		limit = tokenLimit
	}
	if len(targetOnly) > limit {
		targetOnly = targetOnly[:limit]
	}
	return targetOnly
}

func wrapperNode() *html.Node {
	return &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
}

func elementNode(el model.ElementDescriptor, isTarget bool) *html.Node {
	tag := el.Tag
	if tag == "" {
		tag = "div"
	}
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}

	keys := make([]string, 0, len(el.Attributes))
	for k := range el.Attributes {
		if model.IsCuratedAttr(k) {
			keys = append(keys, k)
		}
	}
	sortStrings(keys)
	for _, k := range keys {
		n.Attr = append(n.Attr, html.Attribute{Key: k, Val: el.Attributes[k]})
	}
	if isTarget {
		n.Attr = append(n.Attr, html.Attribute{Key: "data-her-target", Val: "true"})
	}
	if el.Role != "" {
		n.Attr = append(n.Attr, html.Attribute{Key: "role", Val: el.Role})
	}

	if el.InnerText != "" {
		text := el.InnerText
		if len(text) > 256 {
			text = text[:256]
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
	return n
}

func render(n *html.Node) string {
	var b strings.Builder
	if err := html.Render(&b, n); err != nil {
		return ""
	}
	return b.String()
}

func estimatedTokens(s string) int {
	return len(s) / approxCharsPerToken
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
