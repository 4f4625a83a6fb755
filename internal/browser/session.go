// internal/browser/session.go
package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/internal/browser/stealth"
)

// ErrSessionClosed is returned by every operation on a closed session.
var ErrSessionClosed = errors.New("browser session closed")

// Session is a chromedp backed Page.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	slowMo time.Duration
	logger *zap.Logger

	rules RuleSet
	// fetchMu guards enabling the Fetch domain. A failed enable is retried
	// by the next Intercept.
	fetchMu        sync.Mutex
	fetchListening bool
	fetchEnabled   bool
	enableFetch    func(ctx context.Context) error

	networkOnce sync.Once
	networkErr  error

	mu      sync.Mutex
	closed  bool
	onClose func()
}

func newSession(id string, ctx context.Context, cancel context.CancelFunc, slowMo time.Duration, logger *zap.Logger) *Session {
	s := &Session{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		slowMo: slowMo,
		logger: logger.Named("session").With(zap.String("session_id", id)),
	}
	s.enableFetch = func(ctx context.Context) error {
		return s.run(ctx, fetch.Enable().WithPatterns([]*fetch.RequestPattern{
			{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
		}))
	}
	return s
}

// initialize creates the tab and applies the persona before anything loads.
func (s *Session) initialize(ctx context.Context, persona stealth.Persona) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, stealth.Apply(persona, s.logger)); err != nil {
		return fmt.Errorf("failed to apply stealth persona: %w", err)
	}
	s.logger.Debug("Browser session initialized.")
	return nil
}

// ID returns the unique identifier for this session.
func (s *Session) ID() string { return s.id }

// run executes actions under the caller's deadline and then pauses for the
// configured slow-motion delay.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return err
	}
	if s.slowMo > 0 {
		select {
		case <-time.After(s.slowMo):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Navigate loads url and waits for the body.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating", zap.String("url", url))
	if err := s.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// AddInitScript registers source to run on every new document.
func (s *Session) AddInitScript(ctx context.Context, source string) error {
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(source).Do(ctx)
		return err
	}))
}

// Intercept adds a rule. The first rule enables the Fetch domain and installs
// the single paused-request listener for this tab.
func (s *Session) Intercept(ctx context.Context, rule InterceptRule) error {
	s.rules.Add(rule)
	if err := s.startInterception(ctx); err != nil {
		return fmt.Errorf("failed to enable request interception: %w", err)
	}
	s.logger.Debug("Interception rule registered.", zap.String("rule", rule.Name), zap.Int("rules", s.rules.Len()))
	return nil
}

func (s *Session) startInterception(ctx context.Context) error {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	if s.fetchEnabled {
		return nil
	}
	if !s.fetchListening {
		chromedp.ListenTarget(s.ctx, func(ev interface{}) {
			if e, ok := ev.(*fetch.EventRequestPaused); ok {
				// Commands cannot be issued from the event goroutine.
				go s.resolvePaused(e)
			}
		})
		s.fetchListening = true
	}
	if err := s.enableFetch(ctx); err != nil {
		return err
	}
	s.fetchEnabled = true
	return nil
}

func (s *Session) resolvePaused(ev *fetch.EventRequestPaused) {
	req := InterceptedRequest{ResourceType: ev.ResourceType.String()}
	if ev.Request != nil {
		req.URL = ev.Request.URL
		req.Method = ev.Request.Method
	}
	d := s.rules.Decide(req)

	c := chromedp.FromContext(s.ctx)
	if c == nil || c.Target == nil {
		return
	}
	ectx := cdp.WithExecutor(s.ctx, c.Target)

	var err error
	switch d.Action {
	case ActionBlock:
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ectx)
	case ActionFulfill:
		status := d.Response.Status
		if status == 0 {
			status = 200
		}
		err = fetch.FulfillRequest(ev.RequestID, int64(status)).
			WithResponseHeaders(headerEntries(d.Response.Headers)).
			WithBody(base64.StdEncoding.EncodeToString(d.Response.Body)).
			Do(ectx)
	default:
		err = fetch.ContinueRequest(ev.RequestID).Do(ectx)
	}

	if d.Action != ActionContinue {
		s.logger.Debug("Request intercepted", zap.String("rule", d.Rule), zap.Stringer("action", d.Action), zap.String("url", req.URL))
	}
	if err != nil && s.ctx.Err() == nil {
		s.logger.Debug("Failed to resolve paused request", zap.String("url", req.URL), zap.Error(err))
	}
}

func headerEntries(headers map[string]string) []*fetch.HeaderEntry {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]*fetch.HeaderEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, &fetch.HeaderEntry{Name: name, Value: headers[name]})
	}
	return entries
}

// SubscribeNetwork forwards network events to obs until ctx is done.
func (s *Session) SubscribeNetwork(ctx context.Context, obs NetworkObserver) error {
	s.networkOnce.Do(func() {
		s.networkErr = s.run(ctx, network.Enable())
	})
	if s.networkErr != nil {
		return fmt.Errorf("failed to enable network events: %w", s.networkErr)
	}

	// chromedp drops the listener once listenCtx is done.
	listenCtx, stop := CombineContext(s.ctx, ctx)
	context.AfterFunc(ctx, stop)
	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			out := RequestEvent{ID: string(e.RequestID)}
			if e.Request != nil {
				out.Method = e.Request.Method
				out.URL = e.Request.URL
			}
			if e.WallTime != nil {
				out.Timestamp = e.WallTime.Time()
			} else {
				out.Timestamp = time.Now()
			}
			obs.OnRequest(out)
		case *network.EventResponseReceived:
			out := ResponseEvent{ID: string(e.RequestID)}
			if e.Response != nil {
				out.URL = e.Response.URL
				out.Status = int(e.Response.Status)
				out.StatusText = e.Response.StatusText
			}
			obs.OnResponse(out)
		case *network.EventLoadingFinished:
			obs.OnFinished(string(e.RequestID))
		case *network.EventLoadingFailed:
			obs.OnFinished(string(e.RequestID))
		}
	})
	return nil
}

// Fill replaces the value of an input.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	if err := s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to fill %q: %w", selector, err)
	}
	return nil
}

// Check ticks a checkbox unless it already is.
func (s *Session) Check(ctx context.Context, selector string) error {
	var checked bool
	if err := s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf("!!(document.querySelector(%s) || {}).checked", jsString(selector)), &checked),
	); err != nil {
		return fmt.Errorf("failed to read checkbox %q: %w", selector, err)
	}
	if checked {
		return nil
	}
	return s.Click(ctx, selector)
}

// Click clicks the first element matching selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	if err := s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to click %q: %w", selector, err)
	}
	return nil
}

// RequestSubmit submits the form through requestSubmit, which runs the same
// validation and submit handlers as a button click.
func (s *Session) RequestSubmit(ctx context.Context, formSelector string) error {
	script := fmt.Sprintf(`(function () {
  const form = document.querySelector(%s);
  if (!form) { return false; }
  if (typeof form.requestSubmit === 'function') { form.requestSubmit(); } else { form.submit(); }
  return true;
})()`, jsString(formSelector))

	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("failed to submit %q: %w", formSelector, err)
	}
	if !ok {
		return fmt.Errorf("form %q not found", formSelector)
	}
	return nil
}

// Evaluate runs expression and decodes its result into res.
func (s *Session) Evaluate(ctx context.Context, expression string, res interface{}) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	// No slow-motion for probes.
	return chromedp.Run(runCtx, chromedp.Evaluate(expression, res))
}

// Location returns the current URL.
func (s *Session) Location(ctx context.Context) (string, error) {
	var url string
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// HTML returns the serialized document.
func (s *Session) HTML(ctx context.Context) (string, error) {
	var html string
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read document: %w", err)
	}
	return html, nil
}

// Close closes the tab and disposes of its browser context. Safe to call twice.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()

	closeCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	err := chromedp.Cancel(closeCtx)
	s.cancel()
	if onClose != nil {
		onClose()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close session: %w", err)
	}
	s.logger.Debug("Browser session closed.")
	return nil
}

func jsString(s string) string {
	b, _ := jsoniter.Marshal(s)
	return string(b)
}
