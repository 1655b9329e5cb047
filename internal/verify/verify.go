// Package verify implements the Verifier stage (spec §4.8): it takes a
// candidate's synthesized locator expressions, in priority order, and
// confirms which one (if any) resolves to exactly the intended element.
package verify

import (
	"context"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hybrid-element-retriever/her/internal/browser"
	"github.com/hybrid-element-retriever/her/internal/herrors"
	"github.com/hybrid-element-retriever/her/internal/model"
)

// Result is the outcome of verifying one element's locator candidates.
type Result struct {
	Chosen   model.LocatorCandidate
	Handle   browser.NodeHandle
	Verified bool
	Unique   bool
}

// bboxTolerance is how many CSS pixels of drift in a bounding box edge is
// still considered "the same element" for the fallback identity check —
// layout reflow between synthesis and verification can shift a box by a
// pixel or two without it being a different node.
const bboxTolerance = 2.0

// Verify tries each candidate in order against the driver, within framePath,
// and returns the first one that resolves to exactly one node AND whose
// resolved node is the same element want describes (spec §4.8): same
// backend id when both sides carry one, or matching tag and a
// closely-matching bounding box otherwise. A candidate that resolves
// uniquely but to a *different* element than want is rejected just like a
// non-unique match, and the next candidate is tried. If every candidate
// fails, the absolute XPath candidate (always last, per locator.Synthesize)
// is returned unverified rather than dropping the element entirely — an
// unverified locator is still reported to the caller, with Verified=false,
// so the caller can decide whether to act on it.
//
// want may be the zero ElementDescriptor, in which case the identity check
// is skipped and a unique resolution alone is enough — used when verifying
// a promoted locator straight from the cache, where no live descriptor is
// available to compare against.
func Verify(ctx context.Context, d browser.Driver, framePath []string, candidates []model.LocatorCandidate, want model.ElementDescriptor, logger zerolog.Logger) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, herrors.New(herrors.KindVerification, "verify", nil)
	}

	checkIdentity := want.BackendID != "" || want.Tag != ""

	var lastXPath model.LocatorCandidate
	for _, c := range candidates {
		if c.Kind == model.LocatorXPath {
			lastXPath = c
		}
		if err := ctx.Err(); err != nil {
			return Result{}, herrors.New(herrors.KindCancelled, "verify", err)
		}
		res, err := d.QueryLocator(ctx, framePath, c.Kind, c.Expression)
		if err != nil {
			continue
		}
		if res.MatchCount != 1 {
			continue
		}
		handle := res.Handles[0]
		if checkIdentity {
			got, err := d.DescribeHandle(ctx, handle)
			if err != nil || !sameElement(want, got) {
				logger.Debug().Str("kind", string(c.Kind)).Str("expr", c.Expression).
					Msg("locator resolved uniquely but to a different element, trying next candidate")
				continue
			}
		}
		return Result{Chosen: c, Handle: handle, Verified: true, Unique: true}, nil
	}

	logger.Warn().Str("expr", lastXPath.Expression).Msg("no candidate locator verified, falling back to unverified xpath")
	return Result{Chosen: lastXPath, Verified: false, Unique: false}, nil
}

// sameElement reports whether got is the node want describes: a matching
// non-empty backend id is conclusive; otherwise tag and bounding box must
// both agree within bboxTolerance.
func sameElement(want model.ElementDescriptor, got browser.DOMNode) bool {
	if want.BackendID != "" && got.BackendID != "" {
		return want.BackendID == got.BackendID
	}
	if want.Tag != "" && !strings.EqualFold(want.Tag, got.Tag) {
		return false
	}
	return closeEnough(want.BBox, got.BBox)
}

func closeEnough(a, b model.BBox) bool {
	return math.Abs(a.X-b.X) <= bboxTolerance &&
		math.Abs(a.Y-b.Y) <= bboxTolerance &&
		math.Abs(a.W-b.W) <= bboxTolerance &&
		math.Abs(a.H-b.H) <= bboxTolerance
}
