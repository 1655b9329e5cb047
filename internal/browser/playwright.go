package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/hybrid-element-retriever/her/internal/model"
)

const (
	defaultNavTimeout = 30 * time.Second
	headlessEnv       = "HER_HEADLESS"
)

// Launcher owns the Playwright process lifecycle, same role as the
// teacher's browser.Launcher.
type Launcher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
}

func NewLauncher(ctx context.Context) (*Launcher, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	headless := parseBoolEnv(headlessEnv, true)
	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
		Args:     []string{"--disable-dev-shm-usage", "--no-sandbox"},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &Launcher{pw: pw, browser: b}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

// NewDriver opens a fresh context+page and returns a Driver bound to it.
func (l *Launcher) NewDriver(ctx context.Context, storagePath string) (Driver, error) {
	opts := playwright.BrowserNewContextOptions{IgnoreHttpsErrors: playwright.Bool(true)}
	if strings.TrimSpace(storagePath) != "" {
		opts.StorageStatePath = playwright.String(storagePath)
	}
	bctx, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))

	d := &playwrightDriver{ctx: bctx, page: page}
	d.wireNetworkHooks()
	return d, nil
}

type playwrightDriver struct {
	ctx  playwright.BrowserContext
	page playwright.Page

	mu        sync.Mutex
	reqSubs   []func(RequestEvent)
	respSubs  []func(ResponseEvent)
}

func (d *playwrightDriver) wireNetworkHooks() {
	d.page.On("request", func(r playwright.Request) {
		d.mu.Lock()
		subs := append([]func(RequestEvent){}, d.reqSubs...)
		d.mu.Unlock()
		ev := RequestEvent{URL: r.URL(), At: time.Now()}
		for _, fn := range subs {
			fn(ev)
		}
	})
	d.page.On("response", func(r playwright.Response) {
		d.mu.Lock()
		subs := append([]func(ResponseEvent){}, d.respSubs...)
		d.mu.Unlock()
		ev := ResponseEvent{URL: r.URL(), At: time.Now()}
		for _, fn := range subs {
			fn(ev)
		}
	})
}

func (d *playwrightDriver) OnRequest(fn func(RequestEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqSubs = append(d.reqSubs, fn)
	idx := len(d.reqSubs) - 1
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if idx < len(d.reqSubs) {
			d.reqSubs[idx] = func(RequestEvent) {}
		}
	}
}

func (d *playwrightDriver) OnResponse(fn func(ResponseEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.respSubs = append(d.respSubs, fn)
	idx := len(d.respSubs) - 1
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if idx < len(d.respSubs) {
			d.respSubs[idx] = func(ResponseEvent) {}
		}
	}
}

func (d *playwrightDriver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
	})
	return wrap(err)
}

func (d *playwrightDriver) CurrentURL(ctx context.Context) (string, error) {
	return d.page.URL(), nil
}

func (d *playwrightDriver) ContentHashHint(ctx context.Context, framePath []string) (string, bool, error) {
	// Playwright exposes no cheap server-side hash; the caller always
	// falls back to computing content_hash from a full snapshot.
	return "", false, nil
}

func (d *playwrightDriver) DocumentReady(ctx context.Context) (bool, error) {
	val, err := d.page.Evaluate("document.readyState")
	if err != nil {
		return false, wrap(err)
	}
	s, _ := val.(string)
	return s == "complete", nil
}

func (d *playwrightDriver) Frames(ctx context.Context) ([]FrameInfo, error) {
	out := []FrameInfo{{Path: nil, URL: d.page.URL()}}
	mainOrigin := originOf(d.page.URL())
	for i, f := range d.page.Frames() {
		if f == d.page.MainFrame() {
			continue
		}
		url := f.URL()
		crossOrigin := mainOrigin != "" && originOf(url) != "" && originOf(url) != mainOrigin
		out = append(out, FrameInfo{
			Path:        []string{frameIdent(f, i)},
			URL:         url,
			CrossOrigin: crossOrigin,
		})
	}
	return out, nil
}

func (d *playwrightDriver) resolveFrame(framePath []string) (playwright.Frame, error) {
	if len(framePath) == 0 {
		return d.page.MainFrame(), nil
	}
	for i, f := range d.page.Frames() {
		if f == d.page.MainFrame() {
			continue
		}
		if frameIdent(f, i) == framePath[0] {
			return f, nil
		}
	}
	return nil, fmt.Errorf("frame not found: %v", framePath)
}

func (d *playwrightDriver) EvalInFrame(ctx context.Context, framePath []string, expression string, args ...any) (any, error) {
	f, err := d.resolveFrame(framePath)
	if err != nil {
		return nil, err
	}
	var arg any
	if len(args) == 1 {
		arg = args[0]
	} else if len(args) > 1 {
		arg = args
	}
	val, err := f.Evaluate(expression, arg)
	return val, wrap(err)
}

// domAXExtractScript returns, in one evaluation, a JSON-serializable array of
// node descriptors merging DOM shape and a same-process accessible-name /
// role computation (the accessibility subtree a content script can reach
// without a CDP round trip). Matches the rawNode shape that decodeRawNodes
// below decodes into.
const domAXExtractScript = `() => {
	function role(el) {
		const explicit = el.getAttribute('role');
		if (explicit) return explicit;
		const tag = el.tagName.toLowerCase();
		const roleMap = {a:'link', button:'button', input:'textbox', select:'combobox',
			textarea:'textbox', option:'option', img:'img'};
		return roleMap[tag] || 'generic';
	}
	function name(el) {
		return el.getAttribute('aria-label') || el.getAttribute('alt') ||
			el.getAttribute('title') || (el.innerText || '').trim().slice(0, 120);
	}
	function hidden(el) {
		const style = window.getComputedStyle(el);
		return style.display === 'none' || style.visibility === 'hidden' ||
			style.opacity === '0' || el.getAttribute('aria-hidden') === 'true';
	}
	const out = [];
	const nodes = document.querySelectorAll('*');
	let counter = 0;
	const ids = new WeakMap();
	function idOf(el) {
		if (!ids.has(el)) { ids.set(el, 'n' + (counter++)); }
		return ids.get(el);
	}
	for (const el of nodes) {
		const tag = el.tagName.toLowerCase();
		if (tag === 'script' || tag === 'style') continue;
		const rect = el.getBoundingClientRect();
		const attrs = {};
		for (const a of el.attributes || []) attrs[a.name] = a.value;
		const parent = el.parentElement;
		const siblings = parent ? Array.from(parent.children).filter(c => c.tagName === el.tagName) : [el];
		out.push({
			id: idOf(el),
			parent: parent ? idOf(parent) : '',
			siblingIndex: siblings.indexOf(el),
			tag, attrs,
			text: (el.textContent || '').trim().slice(0, 600),
			bbox: [rect.x, rect.y, rect.width, rect.height],
			hidden: hidden(el),
			role: role(el),
			name: name(el),
		});
	}
	return out;
}`

type rawNode struct {
	ID           string            `json:"id"`
	Parent       string            `json:"parent"`
	SiblingIndex int               `json:"siblingIndex"`
	Tag          string            `json:"tag"`
	Attrs        map[string]string `json:"attrs"`
	Text         string            `json:"text"`
	BBox         [4]float64        `json:"bbox"`
	Hidden       bool              `json:"hidden"`
	Role         string            `json:"role"`
	Name         string            `json:"name"`
}

// decodeRawNodes re-marshals the loosely-typed value Evaluate returns
// (map[string]any / []any from the JS-to-Go JSON bridge) into []rawNode.
func decodeRawNodes(val any) ([]rawNode, error) {
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("marshal eval result: %w", err)
	}
	var nodes []rawNode
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("unmarshal eval result: %w", err)
	}
	return nodes, nil
}

func (d *playwrightDriver) extractRaw(framePath []string) ([]rawNode, error) {
	val, err := d.EvalInFrame(context.Background(), framePath, domAXExtractScript)
	if err != nil {
		return nil, err
	}
	return decodeRawNodes(val)
}

func (d *playwrightDriver) DOMTree(ctx context.Context, framePath []string) ([]DOMNode, error) {
	raws, err := d.extractRaw(framePath)
	if err != nil {
		return nil, err
	}
	out := make([]DOMNode, 0, len(raws))
	for _, r := range raws {
		out = append(out, DOMNode{
			BackendID:    r.ID,
			Tag:          r.Tag,
			Attributes:   r.Attrs,
			Text:         r.Text,
			ParentID:     r.Parent,
			SiblingIndex: r.SiblingIndex,
			BBox:         model.BBox{X: r.BBox[0], Y: r.BBox[1], W: r.BBox[2], H: r.BBox[3]},
			ComputedHide: r.Hidden,
		})
	}
	return out, nil
}

func (d *playwrightDriver) AXTree(ctx context.Context, framePath []string) ([]AXNode, error) {
	raws, err := d.extractRaw(framePath)
	if err != nil {
		return nil, err
	}
	out := make([]AXNode, 0, len(raws))
	for _, r := range raws {
		out = append(out, AXNode{BackendDOMID: r.ID, Role: r.Role, Name: r.Name})
	}
	return out, nil
}

func (d *playwrightDriver) QueryLocator(ctx context.Context, framePath []string, kind model.LocatorKind, expression string) (QueryResult, error) {
	f, err := d.resolveFrame(framePath)
	if err != nil {
		return QueryResult{}, err
	}
	var loc playwright.Locator
	switch kind {
	case model.LocatorXPath:
		loc = f.Locator("xpath=" + expression)
	default:
		loc = f.Locator(expression)
	}
	count, err := loc.Count()
	if err != nil {
		return QueryResult{}, wrap(err)
	}
	handles := make([]NodeHandle, 0, count)
	for i := 0; i < count; i++ {
		handles = append(handles, NodeHandle(fmt.Sprintf("%s::%d", expression, i)))
	}
	return QueryResult{MatchCount: count, Handles: handles}, nil
}

func (d *playwrightDriver) handleLocator(handle NodeHandle) (playwright.Locator, error) {
	parts := strings.SplitN(string(handle), "::", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed handle: %s", handle)
	}
	expr := parts[0]
	var loc playwright.Locator
	if strings.HasPrefix(expr, "/") || strings.HasPrefix(expr, "//") {
		loc = d.page.Locator("xpath=" + expr)
	} else {
		loc = d.page.Locator(expr)
	}
	return loc, nil
}

func (d *playwrightDriver) Click(ctx context.Context, handle NodeHandle) error {
	loc, err := d.handleLocator(handle)
	if err != nil {
		return err
	}
	first := loc.First()
	if err := first.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap(err)
	}
	return wrap(first.Click())
}

func (d *playwrightDriver) Type(ctx context.Context, handle NodeHandle, text string) error {
	loc, err := d.handleLocator(handle)
	if err != nil {
		return err
	}
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap(err)
	}
	return wrap(loc.Fill(text))
}

func (d *playwrightDriver) Select(ctx context.Context, handle NodeHandle, value string) error {
	loc, err := d.handleLocator(handle)
	if err != nil {
		return err
	}
	_, err = loc.SelectOption(playwright.SelectOptionValues{Values: &[]string{value}})
	return wrap(err)
}

func (d *playwrightDriver) Viewport(ctx context.Context) (float64, float64, error) {
	size := d.page.ViewportSize()
	if size == nil {
		return 0, 0, nil
	}
	return float64(size.Width), float64(size.Height), nil
}

// DescribeHandle re-evaluates the locator a NodeHandle was minted from and
// reports its current tag and bounding box, the fallback identity signal
// when a backend node id cannot be compared across two resolutions of the
// same element.
func (d *playwrightDriver) DescribeHandle(ctx context.Context, handle NodeHandle) (DOMNode, error) {
	parts := strings.SplitN(string(handle), "::", 2)
	if len(parts) != 2 {
		return DOMNode{}, fmt.Errorf("malformed handle: %s", handle)
	}
	idx := parts[1]
	loc, err := d.handleLocator(handle)
	if err != nil {
		return DOMNode{}, err
	}
	nth := loc
	if i, convErr := strconv.Atoi(idx); convErr == nil {
		nth = loc.Nth(i)
	}
	tagVal, err := nth.Evaluate("el => el.tagName.toLowerCase()", nil)
	if err != nil {
		return DOMNode{}, wrap(err)
	}
	tag, _ := tagVal.(string)
	box, err := nth.BoundingBox()
	if err != nil || box == nil {
		return DOMNode{Tag: tag}, nil
	}
	return DOMNode{
		Tag:  tag,
		BBox: model.BBox{X: box.X, Y: box.Y, W: box.Width, H: box.Height},
	}, nil
}

func (d *playwrightDriver) Close(ctx context.Context) error {
	if d.page != nil {
		_ = d.page.Close()
	}
	if d.ctx != nil {
		return d.ctx.Close()
	}
	return nil
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}

func parseBoolEnv(name string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func originOf(url string) string {
	parts := strings.SplitN(url, "/", 4)
	if len(parts) < 3 {
		return ""
	}
	return parts[0] + "//" + parts[2]
}

func frameIdent(f playwright.Frame, index int) string {
	if name := f.Name(); name != "" {
		return "frame[name='" + name + "']"
	}
	return fmt.Sprintf("frame:nth-of-type(%d)", index)
}
