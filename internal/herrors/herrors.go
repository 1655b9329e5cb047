// Package herrors defines the error taxonomy of the retrieval pipeline
// (spec §7), so the orchestrator can classify and propagate failures without
// string matching.
package herrors

import "fmt"

// Kind is one of the taxonomy entries from spec §7.
type Kind string

const (
	KindInput        Kind = "input"
	KindDriver       Kind = "driver"
	KindSnapshot     Kind = "snapshot"
	KindEmbedding    Kind = "embedding"
	KindRerank       Kind = "rerank"
	KindVerification Kind = "verification"
	KindStore        Kind = "store"
	KindTimeout      Kind = "timeout"
	KindCancelled    Kind = "cancelled"
)

// Error is a taxonomy-tagged error that wraps an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a Kind and the operation that produced it.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, defaulting to "" when err is not a
// tagged *Error (or is nil).
func KindOf(err error) Kind {
	var e *Error
	if err == nil {
		return ""
	}
	if ae, ok := err.(*Error); ok {
		return ae.Kind
	}
	_ = e
	return ""
}

// SnapshotUnavailable is returned by the Snapshotter only when the driver
// reports the page is detached (spec §4.1).
func SnapshotUnavailable(err error) *Error {
	return New(KindSnapshot, "snapshot_unavailable", err)
}
