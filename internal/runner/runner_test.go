package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/formprobe/internal/artifacts"
	"github.com/xkilldash9x/formprobe/internal/browser"
	"github.com/xkilldash9x/formprobe/internal/browser/browsertest"
	"github.com/xkilldash9x/formprobe/internal/classifier"
	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/evidence/evidencetest"
	"github.com/xkilldash9x/formprobe/internal/mitigation"
)

const formURL = "https://example.nl/contact/"

// fakeSessions hands out fake tabs whose DOM already holds the typed values.
type fakeSessions struct {
	cfg   *config.Config
	setup func(p *browsertest.Page, dom *evidencetest.DOM)
	err   error

	mu    sync.Mutex
	pages []*browsertest.Page
}

func (f *fakeSessions) NewSession(ctx context.Context) (browser.Page, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	form := f.cfg.Form
	dom := evidencetest.NewDOM(map[string]string{
		form.Fields.Name:    form.Values.Name,
		form.Fields.Email:   form.Values.Email,
		form.Fields.Message: form.Values.Message,
	})
	p := browsertest.NewPage(fmt.Sprintf("tab-%d", len(f.pages)+1), "about:blank")
	p.Evaluator = dom.Evaluate
	if f.setup != nil {
		f.setup(p, dom)
	}
	f.pages = append(f.pages, p)
	return p, nil
}

func (f *fakeSessions) all() []*browsertest.Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*browsertest.Page(nil), f.pages...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Form.URL = formURL
	cfg.Submission.SettleDelay = 0
	cfg.Submission.ProbeTimeout = 30 * time.Millisecond
	cfg.Submission.PollInterval = 5 * time.Millisecond
	cfg.Submission.ActionTimeout = 10 * time.Second
	cfg.Runner.SubmitInterval = 0
	cfg.Artifacts.Dir = t.TempDir()
	return cfg
}

func newRunner(t *testing.T, cfg *config.Config, sessions SessionFactory) (*Runner, *artifacts.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := artifacts.NewStore(cfg.Artifacts, "run-test", logger)
	require.NoError(t, err)
	return New(cfg, sessions, store, logger), store
}

func onSubmitClick(fn func(p *browsertest.Page, dom *evidencetest.DOM)) func(*browsertest.Page, *evidencetest.DOM) {
	return func(p *browsertest.Page, dom *evidencetest.DOM) {
		p.OnClick = func(p *browsertest.Page, selector string) { fn(p, dom) }
	}
}

func TestRunCase_Success(t *testing.T) {
	cfg := testConfig(t)
	sessions := &fakeSessions{cfg: cfg, setup: onSubmitClick(func(p *browsertest.Page, dom *evidencetest.DOM) {
		dom.Show(".elementor-message-success")
		dom.ClearFields()
	})}
	r, store := newRunner(t, cfg, sessions)

	out := r.RunCase(context.Background(), Case{ID: "case-01"})

	require.NoError(t, Assert(out))
	assert.Equal(t, classifier.Success, out.Verdict)
	assert.Equal(t, ".elementor-message-success", out.Evidence)
	assert.Equal(t, []string{classifier.SignalDOMSuccess, classifier.SignalFieldsCleared}, out.Signals)
	assert.Equal(t, []string{mitigation.NameBlockAssets}, out.Mitigation.Applied)

	page := sessions.all()[0]
	v, ok := page.Filled(cfg.Form.Fields.Email)
	require.True(t, ok)
	assert.Equal(t, cfg.Form.Values.Email, v)
	_, ok = page.Filled(cfg.Form.Fields.Phone)
	assert.False(t, ok, "optional fields without a selector are skipped")
	assert.Equal(t, []string{cfg.Form.Submit}, page.Clicked())
	assert.Empty(t, page.Submitted())
	assert.True(t, page.Closed())
	assert.Equal(t, 1, page.Rules.Len(), "mitigation is registered on the tab")

	caseDir := filepath.Join(store.Dir(), "case-01")
	for _, name := range []string{"pre-fill.png", "post-fill.png", "post-submit.png", "final.png", "final.html", "evidence.json", "outcome.json"} {
		assert.FileExists(t, filepath.Join(caseDir, name))
	}
	assert.NoFileExists(t, filepath.Join(caseDir, "failure.png"))

	data, err := os.ReadFile(filepath.Join(caseDir, "evidence.json"))
	require.NoError(t, err)
	var saved classifier.SubmissionEvidence
	require.NoError(t, jsoniter.Unmarshal(data, &saved))
	assert.Equal(t, classifier.Success, classifier.Classify(saved).Verdict, "saved evidence reclassifies the same way")
}

func TestRunCase_Rejected(t *testing.T) {
	cfg := testConfig(t)
	sessions := &fakeSessions{cfg: cfg, setup: onSubmitClick(func(p *browsertest.Page, dom *evidencetest.DOM) {
		dom.Show("Please verify that you are human")
	})}
	r, store := newRunner(t, cfg, sessions)

	out := r.RunCase(context.Background(), Case{ID: "case-01"})

	err := Assert(out)
	require.ErrorIs(t, err, ErrSubmissionRejected)
	assert.NotErrorIs(t, err, ErrInfrastructure)
	assert.Contains(t, err.Error(), `"Please verify that you are human"`)

	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, classifier.Failure, ae.Outcome.Verdict)
	assert.FileExists(t, filepath.Join(store.Dir(), "case-01", "failure.png"))
	assert.FileExists(t, filepath.Join(store.Dir(), "case-01", "evidence.json"))
}

func TestRunCase_Ambiguous(t *testing.T) {
	cfg := testConfig(t)
	r, _ := newRunner(t, cfg, &fakeSessions{cfg: cfg})

	out := r.RunCase(context.Background(), Case{ID: "case-01"})

	assert.Equal(t, classifier.Unclear, out.Verdict)
	err := Assert(out)
	require.ErrorIs(t, err, ErrSubmissionAmbiguous)
	assert.Contains(t, err.Error(), "no success or error indicator observed")
	assert.NotEqual(t, ErrSubmissionRejected.Error(), ErrSubmissionAmbiguous.Error())
}

func TestRunCase_Redirect(t *testing.T) {
	cfg := testConfig(t)
	sessions := &fakeSessions{cfg: cfg, setup: onSubmitClick(func(p *browsertest.Page, dom *evidencetest.DOM) {
		p.SetURL("https://example.nl/bedankt/")
	})}
	r, _ := newRunner(t, cfg, sessions)

	out := r.RunCase(context.Background(), Case{ID: "case-01"})

	require.NoError(t, Assert(out))
	assert.Equal(t, []string{classifier.SignalURLRedirected}, out.Signals)
	assert.Equal(t, classifier.SignalUnknown, out.Snapshot.FieldsCleared)
}

func TestRunCase_SubmitFallback(t *testing.T) {
	cfg := testConfig(t)
	sessions := &fakeSessions{cfg: cfg, setup: func(p *browsertest.Page, dom *evidencetest.DOM) {
		p.ClickErr = errors.New("element not interactable")
		p.OnSubmit = func(p *browsertest.Page, form string) {
			dom.Show("Je inzending was succesvol")
		}
	}}
	r, _ := newRunner(t, cfg, sessions)

	out := r.RunCase(context.Background(), Case{ID: "case-01"})

	require.NoError(t, Assert(out))
	assert.Equal(t, []string{cfg.Form.FormSelector}, sessions.all()[0].Submitted())
}

func TestRunCase_SubmitFails(t *testing.T) {
	cfg := testConfig(t)
	sessions := &fakeSessions{cfg: cfg, setup: func(p *browsertest.Page, dom *evidencetest.DOM) {
		p.ClickErr = errors.New("element not interactable")
		p.SubmitErr = errors.New("form not found")
	}}
	r, _ := newRunner(t, cfg, sessions)

	out := r.RunCase(context.Background(), Case{ID: "case-01"})

	err := Assert(out)
	require.ErrorIs(t, err, ErrInfrastructure)
	assert.Contains(t, err.Error(), "form not found")
	assert.Contains(t, out.Error, "element not interactable")
}

func TestRunCase_InfrastructureErrors(t *testing.T) {
	sessionErr := errors.New("browser is gone")

	tests := []struct {
		name     string
		sessions func(cfg *config.Config) *fakeSessions
		cause    string
	}{
		{
			name:     "session",
			sessions: func(cfg *config.Config) *fakeSessions { return &fakeSessions{cfg: cfg, err: sessionErr} },
			cause:    "failed to open browser session",
		},
		{
			name: "navigation",
			sessions: func(cfg *config.Config) *fakeSessions {
				return &fakeSessions{cfg: cfg, setup: func(p *browsertest.Page, _ *evidencetest.DOM) {
					p.NavigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
				}}
			},
			cause: "failed to open form page",
		},
		{
			name: "fill",
			sessions: func(cfg *config.Config) *fakeSessions {
				return &fakeSessions{cfg: cfg, setup: func(p *browsertest.Page, _ *evidencetest.DOM) {
					p.FillErr = errors.New("waiting for selector timed out")
				}}
			},
			cause: "failed to fill #form-field-name",
		},
		{
			name: "dead session after submit",
			sessions: func(cfg *config.Config) *fakeSessions {
				return &fakeSessions{cfg: cfg, setup: onSubmitClick(func(p *browsertest.Page, _ *evidencetest.DOM) {
					p.LocationErr = errors.New("target closed")
				})}
			},
			cause: "browser session unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			r, _ := newRunner(t, cfg, tt.sessions(cfg))

			out := r.RunCase(context.Background(), Case{ID: "case-01"})

			assert.Equal(t, classifier.Unclear, out.Verdict)
			require.Error(t, out.Err)
			err := Assert(out)
			require.ErrorIs(t, err, ErrInfrastructure)
			assert.Contains(t, err.Error(), tt.cause)
			assert.Equal(t, "case aborted before a verdict", out.Reason)
		})
	}

	t.Run("cause is preserved", func(t *testing.T) {
		cfg := testConfig(t)
		r, _ := newRunner(t, cfg, &fakeSessions{cfg: cfg, err: sessionErr})
		assert.ErrorIs(t, Assert(r.RunCase(context.Background(), Case{ID: "c"})), sessionErr)
	})
}

func TestRunCase_Timeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Submission.SettleDelay = time.Minute
	cfg.Submission.ActionTimeout = 50 * time.Millisecond
	cfg.Artifacts.Screenshots = false
	r, store := newRunner(t, cfg, &fakeSessions{cfg: cfg})

	out := r.RunCase(context.Background(), Case{ID: "case-01"})

	err := Assert(out)
	require.ErrorIs(t, err, ErrInfrastructure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	caseDir := filepath.Join(store.Dir(), "case-01")
	assert.FileExists(t, filepath.Join(caseDir, "failure.png"), "a timed-out case still keeps a failure screenshot")
	assert.Contains(t, out.Artifacts, filepath.Join(caseDir, "failure.png"))

	data, err := os.ReadFile(filepath.Join(caseDir, "evidence.json"))
	require.NoError(t, err)
	var saved classifier.SubmissionEvidence
	require.NoError(t, jsoniter.Unmarshal(data, &saved))
	assert.Equal(t, classifier.SignalUnknown, saved.FieldsCleared)
	require.Len(t, saved.Diagnostics, 1)
	assert.Contains(t, saved.Diagnostics[0], "settling after submit")
	assert.Equal(t, classifier.Unclear, classifier.Classify(saved).Verdict)
}

func TestRunCase_DeadSessionKeepsFailureArtifacts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Artifacts.Screenshots = false
	sessions := &fakeSessions{cfg: cfg, setup: onSubmitClick(func(p *browsertest.Page, dom *evidencetest.DOM) {
		p.LocationErr = errors.New("target closed")
	})}
	r, store := newRunner(t, cfg, sessions)

	out := r.RunCase(context.Background(), Case{ID: "case-01"})

	require.ErrorIs(t, Assert(out), ErrInfrastructure)
	caseDir := filepath.Join(store.Dir(), "case-01")
	assert.FileExists(t, filepath.Join(caseDir, "failure.png"))
	assert.FileExists(t, filepath.Join(caseDir, "evidence.json"))
}

func TestRunAll(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runner.Cases = 4
	cfg.Runner.Parallelism = 2
	sessions := &fakeSessions{cfg: cfg, setup: onSubmitClick(func(p *browsertest.Page, dom *evidencetest.DOM) {
		dom.Show("Bedankt voor uw bericht")
		dom.ClearFields()
	})}
	r, _ := newRunner(t, cfg, sessions)

	outcomes := r.RunAll(context.Background())

	require.Len(t, outcomes, 4)
	for i, o := range outcomes {
		assert.Equal(t, fmt.Sprintf("case-%02d", i+1), o.CaseID)
		assert.Equal(t, classifier.Success, o.Verdict)
	}
	require.NoError(t, AssertAll(outcomes))

	pages := sessions.all()
	assert.Len(t, pages, 4, "every case gets its own tab")
	for _, p := range pages {
		assert.True(t, p.Closed())
	}
	assert.Equal(t, 4.0, testutil.ToFloat64(r.Metrics().verdicts.WithLabelValues("success")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.Metrics().mitigations.WithLabelValues(mitigation.NameBlockAssets)))
}

func TestRunAll_LogsMitigationPlan(t *testing.T) {
	cfg := testConfig(t)
	core, logs := observer.New(zap.InfoLevel)
	r := New(cfg, &fakeSessions{cfg: cfg}, nil, zap.New(core))

	r.RunAll(context.Background())

	entries := logs.FilterMessage("Starting contact form run.").All()
	require.Len(t, entries, 1)
	plan := fmt.Sprint(entries[0].ContextMap()["mitigation"])
	for _, name := range []string{mitigation.NameBlockAssets, mitigation.NameMockClient, mitigation.NamePurgeDOM} {
		assert.Contains(t, plan, name)
	}
}

func TestRunCase_LocaleNarrowsIndicators(t *testing.T) {
	for _, tt := range []struct {
		locale string
		want   classifier.Verdict
	}{
		{"", classifier.Success},
		{"nl-NL", classifier.Success},
		{"en", classifier.Unclear},
	} {
		t.Run("locale="+tt.locale, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Classifier.Locale = tt.locale
			sessions := &fakeSessions{cfg: cfg, setup: onSubmitClick(func(p *browsertest.Page, dom *evidencetest.DOM) {
				dom.Show("Bedankt voor uw bericht")
			})}
			r, _ := newRunner(t, cfg, sessions)

			out := r.RunCase(context.Background(), Case{ID: "case-01"})
			require.NoError(t, out.Err)
			assert.Equal(t, tt.want, out.Verdict)
		})
	}
}

func TestRunAll_Pacing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runner.Cases = 3
	cfg.Runner.Parallelism = 3
	cfg.Runner.SubmitInterval = 50 * time.Millisecond
	r, _ := newRunner(t, cfg, &fakeSessions{cfg: cfg})

	start := time.Now()
	r.RunAll(context.Background())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "submissions are spaced by the interval")
}

func TestAssertAll(t *testing.T) {
	outcomes := []Outcome{
		{CaseID: "a", Verdict: classifier.Success},
		{CaseID: "b", Verdict: classifier.Failure, Evidence: ".elementor-message-danger"},
		{CaseID: "c", Verdict: classifier.Unclear, Reason: "no success or error indicator observed"},
	}
	err := AssertAll(outcomes)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubmissionRejected)
	assert.ErrorIs(t, err, ErrSubmissionAmbiguous)
	assert.Equal(t, 2, strings.Count(err.Error(), "\n")+1)
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.Observe(Outcome{Verdict: classifier.Success, Mitigation: mitigation.Report{Applied: []string{mitigation.NameMockClient}}, Duration: 3 * time.Second})
	m.Observe(Outcome{Verdict: classifier.Unclear, Err: errors.New("boom")})

	path := filepath.Join(t.TempDir(), "formprobe.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `formprobe_case_verdicts_total{verdict="success"} 1`)
	assert.Contains(t, text, `formprobe_case_verdicts_total{verdict="unclear"} 1`)
	assert.Contains(t, text, `formprobe_mitigation_applied_total{strategy="mock-challenge-client"} 1`)
	assert.Contains(t, text, "formprobe_case_infrastructure_errors_total 1")
	assert.Contains(t, text, "formprobe_case_duration_seconds_count 2")

	assert.Error(t, m.WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom")))
}
