// Package evidence turns the state of a submitted page into a
// classifier.SubmissionEvidence snapshot.
package evidence

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/internal/browser"
	"github.com/xkilldash9x/formprobe/internal/capture"
	"github.com/xkilldash9x/formprobe/internal/classifier"
	"github.com/xkilldash9x/formprobe/internal/config"
)

// Markers open the probe scripts, so fakes can tell them apart.
const (
	FirstVisibleMarker = "// formprobe:first-visible"
	FieldValuesMarker  = "// formprobe:field-values"
)

var (
	//go:embed scripts/first_visible.js
	firstVisibleScript string
	//go:embed scripts/field_values.js
	fieldValuesScript string
)

// ErrSessionUnavailable means the tab could not be inspected at all.
var ErrSessionUnavailable = errors.New("evidence: browser session unavailable")

// NetworkLog is the read side of the capture recorder.
type NetworkLog interface {
	Requests() []classifier.CapturedRequest
	Responses() []classifier.CapturedResponse
	Dropped() int
	InFlight() int
	WaitIdle(ctx context.Context, quiet time.Duration) error
}

var _ NetworkLog = (*capture.Recorder)(nil)

// Collector probes a page after submission.
type Collector struct {
	logger *zap.Logger
	form   config.FormConfig
	sub    config.SubmissionConfig
	table  classifier.Table
}

// NewCollector builds a collector for one form. A nil table means the default one.
func NewCollector(form config.FormConfig, sub config.SubmissionConfig, table classifier.Table, logger *zap.Logger) *Collector {
	if table == nil {
		table = classifier.DefaultTable()
	}
	return &Collector{
		logger: logger.Named("evidence"),
		form:   form,
		sub:    sub,
		table:  table,
	}
}

// Settle waits for the page to react to the submit. In fixed mode it sleeps
// the settle delay. In poll mode it sleeps the same delay and then waits for
// an idle network and unchanged indicators, bounded by the settle maximum.
// Only cancellation of ctx is an error.
func (c *Collector) Settle(ctx context.Context, page browser.Page, netlog NetworkLog) error {
	start := time.Now()
	if err := sleep(ctx, c.sub.SettleDelay); err != nil {
		return err
	}
	if !strings.EqualFold(c.sub.SettleMode, config.SettlePoll) {
		return nil
	}

	remaining := c.sub.SettleMax - time.Since(start)
	if remaining <= 0 {
		return nil
	}
	pollCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	interval := c.sub.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	if netlog != nil {
		if err := netlog.WaitIdle(pollCtx, interval); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.logger.Debug("Settle limit reached with requests in flight.", zap.String("page", page.ID()), zap.Int("inflight", netlog.InFlight()))
			return nil
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	previous := ""
	for {
		select {
		case <-pollCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			c.logger.Debug("Settle limit reached before the page went quiet.", zap.String("page", page.ID()), zap.Duration("waited", time.Since(start)))
			return nil
		case <-ticker.C:
			current := c.signature(pollCtx, page)
			idle := netlog == nil || netlog.InFlight() == 0
			if idle && current != "" && current == previous {
				c.logger.Debug("Page settled.", zap.String("page", page.ID()), zap.Duration("waited", time.Since(start)))
				return nil
			}
			previous = current
		}
	}
}

// signature summarizes the observable state for stability checks. An empty
// result means the page could not be read.
func (c *Collector) signature(ctx context.Context, page browser.Page) string {
	loc, err := page.Location(ctx)
	if err != nil {
		return ""
	}
	errIdx, err := c.evaluateFirstVisible(ctx, page, c.table.Of(classifier.KindError))
	if err != nil {
		return ""
	}
	okIdx, err := c.evaluateFirstVisible(ctx, page, c.table.Of(classifier.KindSuccess))
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s|%d|%d", loc, errIdx, okIdx)
}

// Collect takes the evidence snapshot. Individual probe faults end up in the
// diagnostics and leave their signal negative or unknown; only an unreadable
// session returns an error.
func (c *Collector) Collect(ctx context.Context, page browser.Page, netlog NetworkLog) (classifier.SubmissionEvidence, error) {
	ev := classifier.SubmissionEvidence{
		CapturedRequests:  []classifier.CapturedRequest{},
		CapturedResponses: []classifier.CapturedResponse{},
	}
	log := c.logger.With(zap.String("page", page.ID()))

	loc, err := page.Location(ctx)
	if err != nil {
		ev.CollectedAt = time.Now()
		ev.Diagnostics = append(ev.Diagnostics, fmt.Sprintf("location unavailable: %v", err))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ev, ctxErr
		}
		return ev, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	ev.FinalURL = loc

	redirected, leftForm, diag := c.redirected(loc)
	if diag != "" {
		ev.Diagnostics = append(ev.Diagnostics, diag)
	}
	ev.URLRedirected = redirected

	if p, ok, diag := c.probe(ctx, page, classifier.KindError); ok {
		ev.DOMErrorMatch = true
		ev.MatchedErrorPattern = p.Value
	} else if diag != "" {
		ev.Diagnostics = append(ev.Diagnostics, diag)
	}

	if p, ok, diag := c.probe(ctx, page, classifier.KindSuccess); ok {
		ev.DOMSuccessMatch = true
		ev.MatchedSuccessPattern = p.Value
	} else if diag != "" {
		ev.Diagnostics = append(ev.Diagnostics, diag)
	}

	cleared, diag := c.fieldsCleared(ctx, page, leftForm)
	ev.FieldsCleared = cleared
	if diag != "" {
		ev.Diagnostics = append(ev.Diagnostics, diag)
	}

	if netlog != nil {
		ev.CapturedRequests = netlog.Requests()
		ev.CapturedResponses = netlog.Responses()
		if n := netlog.Dropped(); n > 0 {
			ev.Diagnostics = append(ev.Diagnostics, fmt.Sprintf("network capture dropped %d entries", n))
		}
	}
	ev.CollectedAt = time.Now()

	log.Debug("Evidence collected.",
		zap.Bool("dom_error", ev.DOMErrorMatch),
		zap.Bool("dom_success", ev.DOMSuccessMatch),
		zap.Stringer("fields_cleared", ev.FieldsCleared),
		zap.Bool("url_redirected", ev.URLRedirected),
		zap.Int("requests", len(ev.CapturedRequests)),
		zap.Strings("diagnostics", ev.Diagnostics),
	)
	return ev, nil
}

// Partial is the evidence kept when a case is cut short before Collect ran:
// every page signal unknown, the captured traffic so far, and why.
func Partial(netlog NetworkLog, reason string) classifier.SubmissionEvidence {
	ev := classifier.SubmissionEvidence{
		FieldsCleared:     classifier.SignalUnknown,
		CapturedRequests:  []classifier.CapturedRequest{},
		CapturedResponses: []classifier.CapturedResponse{},
		CollectedAt:       time.Now(),
		Diagnostics:       []string{reason},
	}
	if netlog != nil {
		ev.CapturedRequests = netlog.Requests()
		ev.CapturedResponses = netlog.Responses()
	}
	return ev
}

// redirected compares the current path with the form's canonical path.
// Non-web locations, such as Chrome's error page after a crashed navigation,
// never count as a redirect and leave the field state unknown.
func (c *Collector) redirected(loc string) (redirected, leftForm bool, diag string) {
	u, err := url.Parse(loc)
	if err != nil {
		return false, true, fmt.Sprintf("unparseable location %q: %v", loc, err)
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return false, true, fmt.Sprintf("location %q is not a web page; redirect not counted", loc)
	}
	moved := cleanPath(u.Path) != cleanPath(c.form.Path())
	return moved, moved, ""
}

func cleanPath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

// probe polls for the first visible pattern of a kind until the probe timeout.
// Running out of time is a negative result, not a fault.
func (c *Collector) probe(ctx context.Context, page browser.Page, kind classifier.Kind) (classifier.Pattern, bool, string) {
	patterns := c.table.Of(kind)
	if len(patterns) == 0 {
		return classifier.Pattern{}, false, ""
	}

	timeout := c.sub.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := c.sub.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	var lastErr error
	for {
		idx, err := c.evaluateFirstVisible(probeCtx, page, patterns)
		switch {
		case err != nil:
			if probeCtx.Err() == nil {
				lastErr = err
			}
		case idx >= 0 && idx < len(patterns):
			return patterns[idx], true, ""
		default:
			lastErr = nil
		}

		select {
		case <-probeCtx.Done():
			if lastErr != nil {
				return classifier.Pattern{}, false, fmt.Sprintf("%s probe failed: %v", kind, lastErr)
			}
			return classifier.Pattern{}, false, ""
		case <-time.After(interval):
		}
	}
}

func (c *Collector) evaluateFirstVisible(ctx context.Context, page browser.Page, patterns []classifier.Pattern) (int, error) {
	expr, err := callScript(firstVisibleScript, struct {
		Patterns []classifier.Pattern `json:"patterns"`
	}{patterns})
	if err != nil {
		return -1, err
	}
	idx := -1
	if err := page.Evaluate(ctx, expr, &idx); err != nil {
		return -1, err
	}
	return idx, nil
}

type fieldValue struct {
	Found bool   `json:"found"`
	Value string `json:"value"`
}

// fieldsCleared is Unknown whenever the form is out of reach. Leaving the
// form page never reads as cleared.
func (c *Collector) fieldsCleared(ctx context.Context, page browser.Page, leftForm bool) (classifier.Signal, string) {
	if leftForm {
		return classifier.SignalUnknown, "form page left; field state unknown"
	}

	var selectors []string
	for _, s := range c.form.ResetSelectors() {
		if s != "" {
			selectors = append(selectors, s)
		}
	}
	if len(selectors) == 0 {
		return classifier.SignalUnknown, "no field selectors configured"
	}

	expr, err := callScript(fieldValuesScript, struct {
		Selectors []string `json:"selectors"`
	}{selectors})
	if err != nil {
		return classifier.SignalUnknown, err.Error()
	}
	var values []fieldValue
	if err := page.Evaluate(ctx, expr, &values); err != nil {
		return classifier.SignalUnknown, fmt.Sprintf("field probe failed: %v", err)
	}
	if len(values) != len(selectors) {
		return classifier.SignalUnknown, fmt.Sprintf("field probe returned %d values for %d fields", len(values), len(selectors))
	}

	cleared := true
	for i, v := range values {
		if !v.Found {
			return classifier.SignalUnknown, fmt.Sprintf("field %s not found", selectors[i])
		}
		if strings.TrimSpace(v.Value) != "" {
			cleared = false
		}
	}
	return classifier.SignalOf(cleared), ""
}

func callScript(script string, args interface{}) (string, error) {
	b, err := jsoniter.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode probe arguments: %w", err)
	}
	return fmt.Sprintf("%s(%s)", strings.TrimSpace(script), b), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
