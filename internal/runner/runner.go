// Package runner drives contact form cases end to end: mitigation, form
// filling, submission, evidence collection and classification.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/formprobe/internal/artifacts"
	"github.com/xkilldash9x/formprobe/internal/browser"
	"github.com/xkilldash9x/formprobe/internal/capture"
	"github.com/xkilldash9x/formprobe/internal/classifier"
	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/evidence"
	"github.com/xkilldash9x/formprobe/internal/mitigation"
)

const closeTimeout = 10 * time.Second

// SessionFactory opens isolated browser tabs. *browser.Manager implements it.
type SessionFactory interface {
	NewSession(ctx context.Context) (browser.Page, error)
}

// Case is one submission of the configured form.
type Case struct {
	ID    string
	Index int
}

// Outcome is the verdict of one case and how it was reached.
type Outcome struct {
	CaseID     string                        `json:"caseId"`
	Verdict    classifier.Verdict            `json:"verdict"`
	Evidence   string                        `json:"evidence"`
	Reason     string                        `json:"reason"`
	Signals    []string                      `json:"signals,omitempty"`
	Mitigation mitigation.Report             `json:"mitigation"`
	Snapshot   classifier.SubmissionEvidence `json:"-"`
	Artifacts  []string                      `json:"artifacts,omitempty"`
	Duration   time.Duration                 `json:"duration"`
	// Err is set when the case could not be driven to a verdict.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Runner executes cases against one browser.
type Runner struct {
	logger     *zap.Logger
	cfg        *config.Config
	sessions   SessionFactory
	mitigation *mitigation.Composite
	collector  *evidence.Collector
	classifier *classifier.Classifier
	store      *artifacts.Store
	limiter    *rate.Limiter
	metrics    *Metrics
}

// New wires a runner. store may be nil to skip artifacts.
func New(cfg *config.Config, sessions SessionFactory, store *artifacts.Store, logger *zap.Logger) *Runner {
	limit := rate.Inf
	if cfg.Runner.SubmitInterval > 0 {
		limit = rate.Every(cfg.Runner.SubmitInterval)
	}
	return &Runner{
		logger:     logger.Named("runner"),
		cfg:        cfg,
		sessions:   sessions,
		mitigation: mitigation.New(cfg.Mitigation, logger),
		collector:  evidence.NewCollector(cfg.Form, cfg.Submission, classifier.DefaultTable().ForLocale(cfg.Classifier.Locale), logger),
		classifier: classifier.New(classifier.Policy{RequireSuccessfulResponse: cfg.Classifier.Require2xxResponse}),
		store:      store,
		limiter:    rate.NewLimiter(limit, 1),
		metrics:    NewMetrics(),
	}
}

// Metrics returns the run metrics.
func (r *Runner) Metrics() *Metrics { return r.metrics }

// Cases returns the configured number of cases.
func (r *Runner) Cases() []Case {
	n := r.cfg.Runner.Cases
	if n <= 0 {
		n = 1
	}
	cases := make([]Case, n)
	for i := range cases {
		cases[i] = Case{ID: fmt.Sprintf("case-%02d", i+1), Index: i}
	}
	return cases
}

// RunAll runs every case with the configured parallelism and returns the
// outcomes in case order. A failing case never stops the others.
func (r *Runner) RunAll(ctx context.Context) []Outcome {
	cases := r.Cases()
	outcomes := make([]Outcome, len(cases))

	limit := r.cfg.Runner.Parallelism
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	r.logger.Info("Starting contact form run.",
		zap.Int("cases", len(cases)),
		zap.Int("parallelism", limit),
		zap.String("url", r.cfg.Form.URL),
		zap.Strings("mitigation", r.mitigation.Strategies()),
	)
	for i, c := range cases {
		g.Go(func() error {
			outcomes[i] = r.RunCase(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// RunCase drives one case in its own tab. It always returns an outcome;
// infrastructure problems are reported in Outcome.Err with an Unclear verdict.
func (r *Runner) RunCase(ctx context.Context, c Case) (out Outcome) {
	start := time.Now()
	log := r.logger.With(zap.String("case", c.ID))
	out = Outcome{CaseID: c.ID, Verdict: classifier.Unclear}

	if r.cfg.Submission.ActionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Submission.ActionTimeout)
		defer cancel()
	}

	defer func() {
		out.Duration = time.Since(start)
		if out.Err != nil {
			out.Error = out.Err.Error()
			out.Reason = "case aborted before a verdict"
		}
		r.metrics.Observe(out)
		r.report(log, out)
	}()

	page, err := r.sessions.NewSession(ctx)
	if err != nil {
		out.Err = fmt.Errorf("failed to open browser session: %w", err)
		return out
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := page.Close(closeCtx); err != nil {
			log.Debug("Error closing session.", zap.Error(err))
		}
	}()

	// Mitigation must be in place before the first document loads.
	out.Mitigation = r.mitigation.Apply(ctx, page)

	if err := page.Navigate(ctx, r.cfg.Form.URL); err != nil {
		out.Err = fmt.Errorf("failed to open form page: %w", err)
		r.keepFailure(ctx, page, c, &out)
		return out
	}
	r.checkpoint(ctx, page, c, artifacts.PreFill, &out)

	if err := r.fill(ctx, page); err != nil {
		out.Err = err
		r.keepFailure(ctx, page, c, &out)
		return out
	}
	r.checkpoint(ctx, page, c, artifacts.PostFill, &out)

	rec := capture.NewRecorder(r.cfg.Capture, log)
	var netlog evidence.NetworkLog
	if err := rec.Attach(ctx, page); err != nil {
		log.Warn("Network capture unavailable, continuing without it.", zap.Error(err))
	} else {
		netlog = rec
		defer rec.Detach()
	}

	if err := r.limiter.Wait(ctx); err != nil {
		out.Err = fmt.Errorf("waiting for a submission slot: %w", err)
		r.keepFailure(ctx, page, c, &out)
		return out
	}
	if err := r.submit(ctx, page, log); err != nil {
		out.Err = err
		r.keepFailure(ctx, page, c, &out)
		return out
	}

	if err := r.collector.Settle(ctx, page, netlog); err != nil {
		out.Err = fmt.Errorf("settling after submit: %w", err)
		ev := evidence.Partial(netlog, out.Err.Error())
		out.Snapshot = ev
		r.saveJSON(c, "evidence.json", ev, &out)
		r.keepFailure(ctx, page, c, &out)
		return out
	}
	r.checkpoint(ctx, page, c, artifacts.PostSubmit, &out)

	ev, err := r.collector.Collect(ctx, page, netlog)
	rec.Detach()
	out.Snapshot = ev
	r.saveJSON(c, "evidence.json", ev, &out)
	if err != nil {
		out.Err = err
		r.keepFailure(ctx, page, c, &out)
		return out
	}

	res := r.classifier.Classify(ev)
	out.Verdict = res.Verdict
	out.Evidence = res.Evidence
	out.Reason = res.Reason
	out.Signals = res.Signals

	r.checkpoint(ctx, page, c, artifacts.Final, &out)
	if r.store != nil {
		if path := r.store.SaveDOM(ctx, page, c.ID, artifacts.Final); path != "" {
			out.Artifacts = append(out.Artifacts, path)
		}
	}
	if out.Verdict != classifier.Success {
		r.keepFailure(ctx, page, c, &out)
	}
	return out
}

// fill types the configured values. Phone and consent are optional.
func (r *Runner) fill(ctx context.Context, page browser.Page) error {
	form := r.cfg.Form
	fields := []struct{ selector, value string }{
		{form.Fields.Name, form.Values.Name},
		{form.Fields.Email, form.Values.Email},
		{form.Fields.Phone, form.Values.Phone},
		{form.Fields.Message, form.Values.Message},
	}
	for _, f := range fields {
		if f.selector == "" || f.value == "" {
			continue
		}
		if err := page.Fill(ctx, f.selector, f.value); err != nil {
			return fmt.Errorf("failed to fill %s: %w", f.selector, err)
		}
	}
	if form.Fields.Consent != "" {
		if err := page.Check(ctx, form.Fields.Consent); err != nil {
			return fmt.Errorf("failed to check %s: %w", form.Fields.Consent, err)
		}
	}
	return nil
}

// submit clicks the submit button and falls back to requestSubmit on the form.
func (r *Runner) submit(ctx context.Context, page browser.Page, log *zap.Logger) error {
	clickErr := page.Click(ctx, r.cfg.Form.Submit)
	if clickErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("failed to submit form: %w", clickErr)
	}
	log.Debug("Submit click failed, falling back to requestSubmit.", zap.Error(clickErr))
	if err := page.RequestSubmit(ctx, r.cfg.Form.FormSelector); err != nil {
		return fmt.Errorf("failed to submit form: %w", errors.Join(clickErr, err))
	}
	return nil
}

func (r *Runner) checkpoint(ctx context.Context, page browser.Page, c Case, cp artifacts.Checkpoint, out *Outcome) {
	if r.store == nil {
		return
	}
	if path := r.store.Screenshot(ctx, page, c.ID, cp); path != "" {
		out.Artifacts = append(out.Artifacts, path)
	}
}

// keepFailure attaches a screenshot to a non-success outcome. It uses a fresh
// context so a timed-out case still gets one.
func (r *Runner) keepFailure(ctx context.Context, page browser.Page, c Case, out *Outcome) {
	if r.store == nil {
		return
	}
	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if path := r.store.FailureScreenshot(shotCtx, page, c.ID); path != "" {
		out.Artifacts = append(out.Artifacts, path)
	}
}

func (r *Runner) saveJSON(c Case, name string, v interface{}, out *Outcome) {
	if r.store == nil {
		return
	}
	path, err := r.store.WriteJSON(c.ID, name, v)
	if err != nil {
		r.logger.Warn("Could not store artifact.", zap.String("case", c.ID), zap.String("name", name), zap.Error(err))
		return
	}
	out.Artifacts = append(out.Artifacts, path)
}

func (r *Runner) report(log *zap.Logger, out Outcome) {
	if r.store != nil {
		if _, err := r.store.WriteJSON(out.CaseID, "outcome.json", out); err != nil {
			log.Warn("Could not store outcome.", zap.Error(err))
		}
	}
	fields := []zap.Field{
		zap.Stringer("verdict", out.Verdict),
		zap.String("evidence", out.Evidence),
		zap.String("reason", out.Reason),
		zap.Strings("mitigation", out.Mitigation.Applied),
		zap.Duration("duration", out.Duration),
	}
	switch {
	case out.Err != nil:
		log.Error("Case aborted.", append(fields, zap.Error(out.Err))...)
	case out.Verdict == classifier.Success:
		log.Info("Case passed.", fields...)
	default:
		log.Warn("Case did not pass.", fields...)
	}
}
