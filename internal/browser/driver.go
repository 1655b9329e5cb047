// Package browser implements the Driver interface the retrieval core
// consumes (spec §6) over Playwright/CDP. The interface is the contract;
// nothing upstream of it assumes a specific browser protocol.
package browser

import (
	"context"
	"time"

	"github.com/hybrid-element-retriever/her/internal/model"
)

// NodeHandle identifies a resolved DOM node within a frame. Its meaning is
// driver-specific; callers treat it as opaque.
type NodeHandle string

// FrameInfo describes one reachable frame during frame discovery.
type FrameInfo struct {
	Path        []string
	URL         string
	CrossOrigin bool
}

// DOMNode is one node from the driver's DOM tree (spec §6 "dom_tree").
type DOMNode struct {
	BackendID    string
	Tag          string
	Attributes   map[string]string
	Text         string
	ParentID     string
	SiblingIndex int
	BBox         model.BBox
	ComputedHide bool // display:none / visibility:hidden / opacity==0
}

// AXNode is one node from the driver's accessibility tree (spec §6 "ax_tree").
type AXNode struct {
	BackendDOMID string
	Role         string
	Name         string
	Ignored      bool
}

// QueryResult is the result of resolving a locator expression (spec §6
// "query_locator").
type QueryResult struct {
	MatchCount int
	Handles    []NodeHandle
}

// RequestEvent/ResponseEvent feed the network-idle stability wait (spec §4.11).
type RequestEvent struct {
	URL string
	At  time.Time
}

type ResponseEvent struct {
	URL string
	At  time.Time
}

// Driver is the capability set the retrieval core requires from the
// browser-automation layer (spec §6). No assumption is made about the
// underlying browser protocol beyond this interface.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	// ContentHashHint returns a cheap, driver-supplied hash of the page's
	// current content if the driver can compute one without a full
	// snapshot; ok is false when unsupported.
	ContentHashHint(ctx context.Context, framePath []string) (hash string, ok bool, err error)

	Frames(ctx context.Context) ([]FrameInfo, error)
	EvalInFrame(ctx context.Context, framePath []string, expression string, args ...any) (any, error)
	DOMTree(ctx context.Context, framePath []string) ([]DOMNode, error)
	AXTree(ctx context.Context, framePath []string) ([]AXNode, error)
	QueryLocator(ctx context.Context, framePath []string, kind model.LocatorKind, expression string) (QueryResult, error)
	// DescribeHandle resolves a previously returned NodeHandle back to its
	// node shape, so the verifier can check that a re-resolved locator still
	// points at the element it was synthesized from (spec §4.8).
	DescribeHandle(ctx context.Context, handle NodeHandle) (DOMNode, error)
	// Viewport reports the page's current viewport size in CSS pixels, used
	// by the snapshotter to detect elements positioned beyond the visible
	// area (spec §4.1).
	Viewport(ctx context.Context) (width, height float64, err error)

	Click(ctx context.Context, handle NodeHandle) error
	Type(ctx context.Context, handle NodeHandle, text string) error
	Select(ctx context.Context, handle NodeHandle, value string) error

	// OnRequest/OnResponse subscribe to network activity; both return an
	// unsubscribe function. Used exclusively to derive the "idle" signal
	// for stability waits (spec §1 Non-goals: no deeper network instrumentation).
	OnRequest(fn func(RequestEvent)) (unsubscribe func())
	OnResponse(fn func(ResponseEvent)) (unsubscribe func())

	// DocumentReady reports whether document.readyState == "complete".
	DocumentReady(ctx context.Context) (bool, error)
	Close(ctx context.Context) error
}
