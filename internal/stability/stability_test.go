package stability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hybrid-element-retriever/her/internal/browser"
)

type fakeDriver struct {
	browser.Driver
	ready    bool
	evalFn   func(expr string) (any, error)
	reqSubs  []func(browser.RequestEvent)
	clicked  []browser.NodeHandle
}

func (f *fakeDriver) DocumentReady(ctx context.Context) (bool, error) { return f.ready, nil }
func (f *fakeDriver) EvalInFrame(ctx context.Context, framePath []string, expression string, args ...any) (any, error) {
	return f.evalFn(expression)
}
func (f *fakeDriver) OnRequest(fn func(browser.RequestEvent)) func() {
	f.reqSubs = append(f.reqSubs, fn)
	return func() {}
}
func (f *fakeDriver) OnResponse(fn func(browser.ResponseEvent)) func() { return func() {} }
func (f *fakeDriver) Click(ctx context.Context, h browser.NodeHandle) error {
	f.clicked = append(f.clicked, h)
	return nil
}

func TestWaitDocumentReadyReturnsImmediatelyWhenReady(t *testing.T) {
	d := &fakeDriver{ready: true}
	err := WaitDocumentReady(context.Background(), d, 50*time.Millisecond)
	require.NoError(t, err)
}

func TestWaitDocumentReadyTimesOutWithoutError(t *testing.T) {
	d := &fakeDriver{ready: false}
	start := time.Now()
	err := WaitDocumentReady(context.Background(), d, 60*time.Millisecond)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestWaitSpinnerGoneReturnsWhenScriptReportsGone(t *testing.T) {
	d := &fakeDriver{evalFn: func(expr string) (any, error) { return true, nil }}
	err := WaitSpinnerGone(context.Background(), d, nil, 50*time.Millisecond)
	require.NoError(t, err)
}

func TestDismissOverlayClicksAllowListedMatch(t *testing.T) {
	handle := func(text string) (browser.NodeHandle, bool, error) {
		return browser.NodeHandle("h"), true, nil
	}
	dismissed, err := DismissOverlay(context.Background(), &fakeDriver{}, handle)
	require.NoError(t, err)
	require.True(t, dismissed)
}

func TestIsDangerousDetectsPurchaseWording(t *testing.T) {
	require.True(t, isDangerous("Confirm purchase"))
	require.False(t, isDangerous("Accept all"))
}
