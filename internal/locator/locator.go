// Package locator implements the Locator Synthesizer stage (spec §4.7): it
// turns an element descriptor into a priority-ordered list of candidate
// locator expressions, from most to least specific. The Verifier then tries
// each in turn until one resolves uniquely.
package locator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hybrid-element-retriever/her/internal/model"
)

// unstableID matches generated-looking id/class tokens: long runs of hex, a
// React-style ":r1a:" useId token, or a word followed by a bare numeric/row
// index (e.g. "item-1", "row_42") — the kind a list renderer regenerates
// from array position rather than identity, and which should not be
// trusted as a stable selector.
var unstableID = regexp.MustCompile(`(?i)^[a-z0-9_-]*[0-9a-f]{6,}[a-z0-9_-]*$|^[a-z0-9_-]*:r[0-9a-z]+:$|^[a-z]+[-_][0-9]+$`)

// Synthesize returns locator candidates for el in priority order: id,
// data-testid, aria-label, role+accessible-name, exact visible text, a CSS
// selector, and finally an absolute XPath as the always-available fallback.
func Synthesize(el model.ElementDescriptor) []model.LocatorCandidate {
	var out []model.LocatorCandidate
	rank := 0
	add := func(kind model.LocatorKind, expr string) {
		if expr == "" {
			return
		}
		rank++
		out = append(out, model.LocatorCandidate{Kind: kind, Expression: expr, SpecificityRank: rank})
	}

	if id, ok := el.Attributes["id"]; ok && id != "" && !unstableID.MatchString(id) {
		add(model.LocatorID, fmt.Sprintf("#%s", cssEscapeIdent(id)))
	}
	if tid, ok := el.Attributes["data-testid"]; ok && tid != "" {
		add(model.LocatorTestID, fmt.Sprintf(`[data-testid=%s]`, cssQuote(tid)))
	}
	if aria := el.Attributes["aria-label"]; aria != "" {
		add(model.LocatorAria, fmt.Sprintf(`[aria-label=%s]`, cssQuote(aria)))
	}
	if el.Role != "" && el.AccessibleName != "" {
		add(model.LocatorRoleName, fmt.Sprintf("role:%s[name=%s]", el.Role, cssQuote(el.AccessibleName)))
	}
	if text := strings.TrimSpace(el.InnerText); text != "" && len(text) <= 80 {
		add(model.LocatorText, fmt.Sprintf(`text=%s`, cssQuote(text)))
	}
	if css := cssSelector(el); css != "" {
		add(model.LocatorCSS, css)
	}
	if text := strings.TrimSpace(el.InnerText); text != "" && el.Tag != "" {
		add(model.LocatorXPath, fmt.Sprintf("//%s[normalize-space(text())=%s]", el.Tag, xpathLiteral(text)))
	}
	add(model.LocatorXPath, el.XPathAbs)

	return out
}

func cssSelector(el model.ElementDescriptor) string {
	if el.Tag == "" {
		return ""
	}
	sel := el.Tag
	if class, ok := el.Attributes["class"]; ok {
		for _, c := range strings.Fields(class) {
			if unstableID.MatchString(c) {
				continue
			}
			sel += "." + cssEscapeIdent(c)
		}
	}
	if sel == el.Tag {
		return ""
	}
	return sel
}

// cssEscapeIdent escapes a string for use as a bare CSS identifier segment
// (id or class name), per the characters CSS forbids unescaped.
func cssEscapeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, `\%c`, r)
		}
	}
	return b.String()
}

// cssQuote wraps s in double quotes for a CSS attribute selector, escaping
// embedded quotes and backslashes.
func cssQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// xpathLiteral renders s as an XPath string literal. XPath 1.0 has no escape
// character, so a literal containing both quote types must be split into a
// concat() of single-quoted and double-quoted fragments.
func xpathLiteral(s string) string {
	hasSingle := strings.Contains(s, "'")
	hasDouble := strings.Contains(s, `"`)
	switch {
	case !hasSingle:
		return "'" + s + "'"
	case !hasDouble:
		return `"` + s + `"`
	default:
		return concatLiteral(s)
	}
}

// concatLiteral splits s at each single-quote boundary into alternating
// single- and double-quoted segments joined by concat(), the standard XPath
// 1.0 workaround for strings containing both quote characters.
func concatLiteral(s string) string {
	parts := strings.Split(s, "'")
	segs := make([]string, 0, len(parts)*2-1)
	for i, p := range parts {
		if p != "" {
			segs = append(segs, `'`+p+`'`)
		}
		if i < len(parts)-1 {
			segs = append(segs, `"'"`)
		}
	}
	if len(segs) == 0 {
		return `""`
	}
	if len(segs) == 1 {
		return segs[0]
	}
	return "concat(" + strings.Join(segs, ", ") + ")"
}
