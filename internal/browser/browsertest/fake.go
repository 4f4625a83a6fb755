// Package browsertest provides an in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"errors"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/formprobe/internal/browser"
)

// EvaluateFunc answers a script evaluation. The returned value is converted
// through JSON into the caller's result, as chromedp does.
type EvaluateFunc func(expression string) (interface{}, error)

// Page is a scriptable browser.Page. Zero values are usable; set the hooks
// and errors a test needs.
type Page struct {
	PageID string

	Evaluator     EvaluateFunc
	OnClick       func(p *Page, selector string)
	OnSubmit      func(p *Page, formSelector string)
	HTMLContent   string
	PNG           []byte
	NavigateErr   error
	InitScriptErr error
	InterceptErr  error
	SubscribeErr  error
	FillErr       error
	ClickErr      error
	SubmitErr     error
	LocationErr   error
	ScreenshotErr error
	// PanicOnInitScript makes AddInitScript panic, for recovery tests.
	PanicOnInitScript bool

	Rules browser.RuleSet

	mu          sync.Mutex
	url         string
	initScripts []string
	filled      map[string]string
	checked     []string
	clicked     []string
	submitted   []string
	observers   []subscription
	closed      bool
}

type subscription struct {
	ctx context.Context
	obs browser.NetworkObserver
}

var _ browser.Page = (*Page)(nil)

// NewPage returns a fake sitting on url.
func NewPage(id, url string) *Page {
	return &Page{PageID: id, url: url}
}

func (p *Page) ID() string { return p.PageID }

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.SetURL(url)
	return nil
}

func (p *Page) AddInitScript(ctx context.Context, source string) error {
	if p.PanicOnInitScript {
		panic("init script rejected")
	}
	if p.InitScriptErr != nil {
		return p.InitScriptErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initScripts = append(p.initScripts, source)
	return nil
}

func (p *Page) Intercept(ctx context.Context, rule browser.InterceptRule) error {
	if p.InterceptErr != nil {
		return p.InterceptErr
	}
	p.Rules.Add(rule)
	return nil
}

func (p *Page) SubscribeNetwork(ctx context.Context, obs browser.NetworkObserver) error {
	if p.SubscribeErr != nil {
		return p.SubscribeErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, subscription{ctx: ctx, obs: obs})
	return nil
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	if p.FillErr != nil {
		return p.FillErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.filled == nil {
		p.filled = map[string]string{}
	}
	p.filled[selector] = value
	return nil
}

func (p *Page) Check(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checked = append(p.checked, selector)
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if p.ClickErr != nil {
		return p.ClickErr
	}
	p.mu.Lock()
	p.clicked = append(p.clicked, selector)
	hook := p.OnClick
	p.mu.Unlock()
	if hook != nil {
		hook(p, selector)
	}
	return nil
}

func (p *Page) RequestSubmit(ctx context.Context, formSelector string) error {
	if p.SubmitErr != nil {
		return p.SubmitErr
	}
	p.mu.Lock()
	p.submitted = append(p.submitted, formSelector)
	hook := p.OnSubmit
	p.mu.Unlock()
	if hook != nil {
		hook(p, formSelector)
	}
	return nil
}

func (p *Page) Evaluate(ctx context.Context, expression string, res interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Evaluator == nil {
		return errors.New("browsertest: no evaluator configured")
	}
	v, err := p.Evaluator(expression)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	b, err := jsoniter.Marshal(v)
	if err != nil {
		return err
	}
	return jsoniter.Unmarshal(b, res)
}

func (p *Page) Location(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.LocationErr != nil {
		return "", p.LocationErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if p.ScreenshotErr != nil {
		return nil, p.ScreenshotErr
	}
	if p.PNG == nil {
		return []byte("\x89PNG fake"), nil
	}
	return p.PNG, nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	return p.HTMLContent, nil
}

func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// SetURL moves the fake to another address, as a redirect would.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// EmitRequest delivers a request event to live subscribers.
func (p *Page) EmitRequest(ev browser.RequestEvent) {
	for _, obs := range p.live() {
		obs.OnRequest(ev)
	}
}

// EmitResponse delivers a response event to live subscribers.
func (p *Page) EmitResponse(ev browser.ResponseEvent) {
	for _, obs := range p.live() {
		obs.OnResponse(ev)
	}
}

// EmitFinished delivers a loading-finished event to live subscribers.
func (p *Page) EmitFinished(id string) {
	for _, obs := range p.live() {
		obs.OnFinished(id)
	}
}

func (p *Page) live() []browser.NetworkObserver {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []browser.NetworkObserver
	for _, s := range p.observers {
		if s.ctx.Err() == nil {
			out = append(out, s.obs)
		}
	}
	return out
}

// InitScripts returns the registered init scripts.
func (p *Page) InitScripts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.initScripts...)
}

// Filled returns the value typed into selector.
func (p *Page) Filled(selector string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.filled[selector]
	return v, ok
}

// Clicked returns the clicked selectors in order.
func (p *Page) Clicked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicked...)
}

// Checked returns the checked selectors in order.
func (p *Page) Checked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.checked...)
}

// Submitted returns the forms submitted through RequestSubmit.
func (p *Page) Submitted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.submitted...)
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
