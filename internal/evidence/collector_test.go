package evidence_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/formprobe/internal/browser"
	"github.com/xkilldash9x/formprobe/internal/browser/browsertest"
	"github.com/xkilldash9x/formprobe/internal/capture"
	"github.com/xkilldash9x/formprobe/internal/classifier"
	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/evidence"
	"github.com/xkilldash9x/formprobe/internal/evidence/evidencetest"
)

const formURL = "https://example.nl/contact/"

type fixture struct {
	cfg       *config.Config
	page      *browsertest.Page
	dom       *evidencetest.DOM
	collector *evidence.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Form.URL = formURL
	cfg.Submission.SettleDelay = 0
	cfg.Submission.ProbeTimeout = 40 * time.Millisecond
	cfg.Submission.PollInterval = 5 * time.Millisecond

	dom := evidencetest.NewDOM(map[string]string{
		cfg.Form.Fields.Name:    "Formprobe Test",
		cfg.Form.Fields.Email:   "formprobe@example.com",
		cfg.Form.Fields.Message: "hello",
	})
	page := browsertest.NewPage("case-1", formURL)
	page.Evaluator = dom.Evaluate

	return &fixture{
		cfg:       cfg,
		page:      page,
		dom:       dom,
		collector: evidence.NewCollector(cfg.Form, cfg.Submission, nil, zaptest.NewLogger(t)),
	}
}

func TestCollect_SuccessMessage(t *testing.T) {
	f := newFixture(t)
	f.dom.Show(".elementor-message-success", "Bedankt voor je bericht")
	f.dom.ClearFields()

	ev, err := f.collector.Collect(context.Background(), f.page, nil)
	require.NoError(t, err)

	assert.True(t, ev.DOMSuccessMatch)
	assert.Equal(t, ".elementor-message-success", ev.MatchedSuccessPattern, "table order decides the reported pattern")
	assert.False(t, ev.DOMErrorMatch)
	assert.Equal(t, classifier.SignalTrue, ev.FieldsCleared)
	assert.False(t, ev.URLRedirected)
	assert.Equal(t, formURL, ev.FinalURL)
	assert.False(t, ev.CollectedAt.IsZero())
	assert.Empty(t, ev.Diagnostics)

	assert.Equal(t, classifier.Success, classifier.Classify(ev).Verdict)
}

func TestCollect_ChallengeError(t *testing.T) {
	f := newFixture(t)
	f.dom.Show("Controleer of je een mens bent")

	ev, err := f.collector.Collect(context.Background(), f.page, nil)
	require.NoError(t, err)

	assert.True(t, ev.DOMErrorMatch)
	assert.Equal(t, "Controleer of je een mens bent", ev.MatchedErrorPattern)
	assert.Equal(t, classifier.SignalFalse, ev.FieldsCleared)

	res := classifier.Classify(ev)
	assert.Equal(t, classifier.Failure, res.Verdict)
	assert.Equal(t, "Controleer of je een mens bent", res.Evidence)
}

func TestCollect_NothingObserved(t *testing.T) {
	f := newFixture(t)

	ev, err := f.collector.Collect(context.Background(), f.page, nil)
	require.NoError(t, err)

	assert.False(t, ev.DOMErrorMatch)
	assert.False(t, ev.DOMSuccessMatch)
	assert.Equal(t, classifier.SignalFalse, ev.FieldsCleared)
	assert.Equal(t, classifier.Unclear, classifier.Classify(ev).Verdict)
}

func TestCollect_NavigatingAwayNeverClearsFields(t *testing.T) {
	for _, cleared := range []bool{true, false} {
		f := newFixture(t)
		f.page.SetURL("https://example.nl/bedankt/")
		if cleared {
			f.dom.ClearFields()
		}

		ev, err := f.collector.Collect(context.Background(), f.page, nil)
		require.NoError(t, err)

		assert.True(t, ev.URLRedirected)
		assert.Equal(t, classifier.SignalUnknown, ev.FieldsCleared)
		assert.Contains(t, ev.Diagnostics, "form page left; field state unknown")
		assert.Equal(t, classifier.Success, classifier.Classify(ev).Verdict, "the redirect alone is a success signal")
	}
}

func TestCollect_SamePathIsNotARedirect(t *testing.T) {
	for _, loc := range []string{"https://example.nl/contact", "https://example.nl/contact/?sent=1", "https://example.nl/contact/#form"} {
		f := newFixture(t)
		f.page.SetURL(loc)

		ev, err := f.collector.Collect(context.Background(), f.page, nil)
		require.NoError(t, err)
		assert.False(t, ev.URLRedirected, loc)
	}
}

func TestCollect_ErrorPageIsNotARedirect(t *testing.T) {
	for _, loc := range []string{"chrome-error://chromewebdata/", "about:blank", "data:text/html,oops"} {
		f := newFixture(t)
		f.page.SetURL(loc)
		f.dom.ClearFields()

		ev, err := f.collector.Collect(context.Background(), f.page, nil)
		require.NoError(t, err)

		assert.False(t, ev.URLRedirected, loc)
		assert.Equal(t, classifier.SignalUnknown, ev.FieldsCleared, loc)
		assert.Contains(t, ev.Diagnostics, "location \""+loc+"\" is not a web page; redirect not counted")
		assert.Equal(t, classifier.Unclear, classifier.Classify(ev).Verdict, loc)
	}
}

func TestCollect_CanonicalPath(t *testing.T) {
	f := newFixture(t)
	f.cfg.Form.CanonicalPath = "/nl/contact/"
	collector := evidence.NewCollector(f.cfg.Form, f.cfg.Submission, nil, zap.NewNop())

	ev, err := collector.Collect(context.Background(), f.page, nil)
	require.NoError(t, err)
	assert.True(t, ev.URLRedirected)
}

func TestCollect_MissingFieldIsUnknown(t *testing.T) {
	f := newFixture(t)
	f.dom.ClearFields()
	f.dom.RemoveField(f.cfg.Form.Fields.Email)

	ev, err := f.collector.Collect(context.Background(), f.page, nil)
	require.NoError(t, err)

	assert.Equal(t, classifier.SignalUnknown, ev.FieldsCleared)
	assert.Contains(t, ev.Diagnostics, "field #form-field-email not found")
}

func TestCollect_ProbeFaultsAreDiagnostics(t *testing.T) {
	f := newFixture(t)
	f.dom.ProbeErr = errors.New("execution context was destroyed")

	ev, err := f.collector.Collect(context.Background(), f.page, nil)
	require.NoError(t, err, "probe faults never abort collection")

	assert.False(t, ev.DOMErrorMatch)
	assert.False(t, ev.DOMSuccessMatch)
	assert.Equal(t, classifier.SignalUnknown, ev.FieldsCleared)
	require.Len(t, ev.Diagnostics, 3)
	assert.Contains(t, ev.Diagnostics[0], "error probe failed")
	assert.Contains(t, ev.Diagnostics[1], "success probe failed")
	assert.Contains(t, ev.Diagnostics[2], "field probe failed")

	res := classifier.Classify(ev)
	assert.Equal(t, classifier.Unclear, res.Verdict)
}

func TestCollect_LateIndicatorIsFound(t *testing.T) {
	f := newFixture(t)
	f.cfg.Submission.ProbeTimeout = 300 * time.Millisecond
	collector := evidence.NewCollector(f.cfg.Form, f.cfg.Submission, nil, zap.NewNop())

	var calls int32
	f.page.Evaluator = func(expr string) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) == 3 {
			f.dom.Show(".elementor-message-danger")
		}
		return f.dom.Evaluate(expr)
	}

	ev, err := collector.Collect(context.Background(), f.page, nil)
	require.NoError(t, err)
	assert.True(t, ev.DOMErrorMatch)
	assert.Equal(t, ".elementor-message-danger", ev.MatchedErrorPattern)
}

func TestCollect_DeadSession(t *testing.T) {
	f := newFixture(t)
	f.page.LocationErr = errors.New("target closed")

	ev, err := f.collector.Collect(context.Background(), f.page, nil)
	require.ErrorIs(t, err, evidence.ErrSessionUnavailable)
	assert.NotEmpty(t, ev.Diagnostics)
	assert.Equal(t, classifier.Unclear, classifier.Classify(ev).Verdict)
}

func TestCollect_CanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.collector.Collect(ctx, f.page, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, evidence.ErrSessionUnavailable)
}

func TestCollect_NetworkSnapshot(t *testing.T) {
	f := newFixture(t)
	rec := capture.NewRecorder(config.CaptureConfig{MaxEntries: 1, AllowList: []string{"admin-ajax"}}, zap.NewNop())
	require.NoError(t, rec.Attach(context.Background(), f.page))

	for _, id := range []string{"1", "2"} {
		f.page.EmitRequest(browser.RequestEvent{ID: id, Method: "POST", URL: "https://example.nl/wp-admin/admin-ajax.php"})
		f.page.EmitResponse(browser.ResponseEvent{ID: id, URL: "https://example.nl/wp-admin/admin-ajax.php", Status: 200})
	}
	rec.Detach()

	ev, err := f.collector.Collect(context.Background(), f.page, rec)
	require.NoError(t, err)

	assert.Len(t, ev.CapturedRequests, 1)
	assert.Len(t, ev.CapturedResponses, 1)
	assert.True(t, ev.HasSuccessfulResponse())
	assert.Contains(t, ev.Diagnostics, "network capture dropped 2 entries")
}

type busyLog struct {
	inflight int32
	waits    int32
}

func (b *busyLog) Requests() []classifier.CapturedRequest   { return nil }
func (b *busyLog) Responses() []classifier.CapturedResponse { return nil }
func (b *busyLog) Dropped() int                             { return 0 }
func (b *busyLog) InFlight() int                            { return int(atomic.LoadInt32(&b.inflight)) }

func (b *busyLog) WaitIdle(ctx context.Context, quiet time.Duration) error {
	atomic.AddInt32(&b.waits, 1)
	for b.InFlight() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(quiet):
		}
	}
	return nil
}

func TestSettle(t *testing.T) {
	t.Run("fixed waits the delay", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.Submission.SettleDelay = 30 * time.Millisecond
		c := evidence.NewCollector(f.cfg.Form, f.cfg.Submission, nil, zap.NewNop())

		start := time.Now()
		require.NoError(t, c.Settle(context.Background(), f.page, nil))
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("poll returns once quiet", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.Submission.SettleMode = config.SettlePoll
		f.cfg.Submission.SettleDelay = 10 * time.Millisecond
		f.cfg.Submission.SettleMax = 5 * time.Second
		c := evidence.NewCollector(f.cfg.Form, f.cfg.Submission, nil, zap.NewNop())

		start := time.Now()
		require.NoError(t, c.Settle(context.Background(), f.page, &busyLog{}))
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond, "never shorter than the fixed delay")
		assert.Less(t, elapsed, 2*time.Second)
	})

	t.Run("poll waits for the network to go idle", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.Submission.SettleMode = config.SettlePoll
		f.cfg.Submission.SettleDelay = 0
		f.cfg.Submission.SettleMax = 5 * time.Second
		c := evidence.NewCollector(f.cfg.Form, f.cfg.Submission, nil, zap.NewNop())

		netlog := &busyLog{inflight: 1}
		time.AfterFunc(50*time.Millisecond, func() { atomic.StoreInt32(&netlog.inflight, 0) })

		start := time.Now()
		require.NoError(t, c.Settle(context.Background(), f.page, netlog))
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
		assert.Less(t, elapsed, 2*time.Second)
		assert.Equal(t, int32(1), atomic.LoadInt32(&netlog.waits))
	})

	t.Run("poll is capped", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.Submission.SettleMode = config.SettlePoll
		f.cfg.Submission.SettleDelay = 10 * time.Millisecond
		f.cfg.Submission.SettleMax = 80 * time.Millisecond
		c := evidence.NewCollector(f.cfg.Form, f.cfg.Submission, nil, zap.NewNop())

		start := time.Now()
		require.NoError(t, c.Settle(context.Background(), f.page, &busyLog{inflight: 1}))
		assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	})

	t.Run("cancellation is an error", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.Submission.SettleDelay = time.Minute
		c := evidence.NewCollector(f.cfg.Form, f.cfg.Submission, nil, zap.NewNop())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, c.Settle(ctx, f.page, nil), context.DeadlineExceeded)
	})
}
