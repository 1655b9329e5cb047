// Package stability implements stability waits a caller can run before
// snapshotting (spec §4.11): document-ready, network-idle, spinner-gone, and
// a conservative overlay dismiss. The engine's Resolve does not call any of
// them; they are standalone helpers. None of these ever fail
// the retrieval outright — each is a best-effort wait bounded by its own
// timeout, and a timed-out wait simply proceeds rather than erroring, since
// a page that never quiesces is still worth trying to read.
package stability

import (
	"context"
	"strings"
	"time"

	"github.com/hybrid-element-retriever/her/internal/browser"
)

// defaultSpinnerSelectors matches the common spinner/loading-overlay
// markup conventions, the same heuristic shape as a hand-authored
// wait-for-idle helper.
var defaultSpinnerSelectors = []string{
	`[class*="spinner"]`, `[class*="loading"]`, `[role="progressbar"]`, `[aria-busy="true"]`,
}

// dismissAllowList is the only overlay wording this package will ask the
// caller's handle lookup for: cookie/consent banners. DismissOverlay checks
// dismissDangerList against the allow-list phrase it passed to handle, not
// against the text of the element handle returns, so which element gets
// clicked for a phrase is decided entirely by handle.
var dismissAllowList = []string{"accept", "accept all", "got it", "ok", "dismiss", "close"}

var dismissDangerList = []string{"delete", "remove", "confirm", "purchase", "buy", "pay", "subscribe", "unsubscribe"}

// WaitDocumentReady polls DocumentReady until it reports true or timeout
// elapses.
func WaitDocumentReady(ctx context.Context, d browser.Driver, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ready, err := d.DocumentReady(ctx)
		if err == nil && ready {
			return nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// WaitNetworkIdle waits until idleWindow has elapsed with no request or
// response observed, or until timeout elapses, whichever comes first.
func WaitNetworkIdle(ctx context.Context, d browser.Driver, idleWindow, timeout time.Duration) error {
	activity := make(chan struct{}, 64)
	unsubReq := d.OnRequest(func(browser.RequestEvent) { nonBlockingSend(activity) })
	unsubResp := d.OnResponse(func(browser.ResponseEvent) { nonBlockingSend(activity) })
	defer unsubReq()
	defer unsubResp()

	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(idleWindow)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if time.Now().After(deadline) {
				return nil
			}
			timer.Reset(idleWindow)
		case <-timer.C:
			return nil
		}
		if time.Now().After(deadline) {
			return nil
		}
	}
}

func nonBlockingSend(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// WaitSpinnerGone polls the page for any element matching the given
// selectors (defaultSpinnerSelectors when nil) and returns once none match,
// or timeout elapses.
func WaitSpinnerGone(ctx context.Context, d browser.Driver, selectors []string, timeout time.Duration) error {
	if len(selectors) == 0 {
		selectors = defaultSpinnerSelectors
	}
	deadline := time.Now().Add(timeout)
	expr := spinnerCheckScript(selectors)
	for {
		val, err := d.EvalInFrame(ctx, nil, expr)
		if err == nil {
			if gone, ok := val.(bool); ok && gone {
				return nil
			}
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func spinnerCheckScript(selectors []string) string {
	var quoted []string
	for _, s := range selectors {
		quoted = append(quoted, "'"+strings.ReplaceAll(s, "'", "\\'")+"'")
	}
	return "() => [" + strings.Join(quoted, ",") + "].every(s => document.querySelectorAll(s).length === 0)"
}

// DismissOverlay looks for a single visible, clickable element whose visible
// text matches the allow-list and clicks it once. It reports whether it
// dismissed anything; it never errors on a page with no matching overlay.
func DismissOverlay(ctx context.Context, d browser.Driver, handle func(text string) (browser.NodeHandle, bool, error)) (bool, error) {
	for _, want := range dismissAllowList {
		h, found, err := handle(want)
		if err != nil || !found {
			continue
		}
		if isDangerous(want) {
			continue
		}
		if err := d.Click(ctx, h); err != nil {
			return false, nil
		}
		return true, nil
	}
	return false, nil
}

func isDangerous(text string) bool {
	lower := strings.ToLower(text)
	for _, d := range dismissDangerList {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}
