package mitigation

import (
	"context"
	_ "embed"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/internal/browser"
	"github.com/xkilldash9x/formprobe/internal/config"
)

// Strategy names, in composite order.
const (
	NameBlockAssets     = "block-challenge-assets"
	NameMockClient      = "mock-challenge-client"
	NameInterceptVerify = "intercept-verification"
	NameTestModeField   = "inject-test-mode-field"
	NamePurgeDOM        = "purge-challenge-dom"
)

var (
	//go:embed scripts/turnstile_mock.js
	challengeClientScript string
	//go:embed scripts/test_mode_field.js
	testModeFieldScript string
	//go:embed scripts/dom_purge.js
	domPurgeScript string
)

// Strategy neutralizes one aspect of the challenge widget on a page. Apply
// reports whether the strategy took effect and never fails the caller;
// applying it twice to the same page is harmless.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, page browser.Page) bool
}

// initScript renders an embedded script as a call with its JSON config.
func initScript(script string, cfg interface{}) (string, error) {
	b, err := jsoniter.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode script config: %w", err)
	}
	return fmt.Sprintf("%s(%s);", strings.TrimSpace(script), b), nil
}

// pageSet remembers which pages a script strategy was applied to.
type pageSet struct {
	m sync.Map
}

func (s *pageSet) seen(id string) bool {
	_, ok := s.m.Load(id)
	return ok
}

func (s *pageSet) add(id string) { s.m.Store(id, struct{}{}) }

// -- BlockChallengeAssets --

type blockAssets struct {
	logger *zap.Logger
	hosts  []string
	paths  []string
	verify string
}

// BlockChallengeAssets aborts requests to the challenge vendor, so the widget never loads.
func BlockChallengeAssets(cfg config.MitigationConfig, logger *zap.Logger) Strategy {
	return &blockAssets{logger: logger, hosts: cfg.VendorHosts, paths: cfg.VendorPaths, verify: cfg.VerifyPath}
}

func (s *blockAssets) Name() string { return NameBlockAssets }

func (s *blockAssets) matches(raw string) bool {
	// Verification calls belong to InterceptVerification.
	if s.verify != "" && strings.Contains(raw, s.verify) {
		return false
	}
	return MatchesVendor(raw, s.hosts, s.paths)
}

func (s *blockAssets) Apply(ctx context.Context, page browser.Page) bool {
	if len(s.hosts) == 0 && len(s.paths) == 0 {
		return false
	}
	err := page.Intercept(ctx, browser.InterceptRule{
		Name:   NameBlockAssets,
		Match:  func(r browser.InterceptedRequest) bool { return s.matches(r.URL) },
		Action: browser.ActionBlock,
	})
	if err != nil {
		s.logger.Warn("Could not register challenge asset block.", zap.Error(err))
		return false
	}
	return true
}

// MatchesVendor reports whether raw points at one of the vendor hosts, or
// its path contains one of the vendor path fragments.
func MatchesVendor(raw string, hosts, paths []string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range hosts {
		h = strings.ToLower(h)
		if h != "" && (host == h || strings.HasSuffix(host, "."+h)) {
			return true
		}
	}
	for _, p := range paths {
		if p != "" && strings.Contains(u.Path, p) {
			return true
		}
	}
	return false
}

// -- MockChallengeClient --

type mockClient struct {
	logger *zap.Logger
	token  string
	input  string
	pages  pageSet
}

// MockChallengeClient installs a stand-in for the widget's client object that
// hands out a fixed token and fills the hidden response inputs.
func MockChallengeClient(cfg config.MitigationConfig, logger *zap.Logger) Strategy {
	return &mockClient{logger: logger, token: cfg.MockToken, input: cfg.ResponseInput}
}

func (s *mockClient) Name() string { return NameMockClient }

func (s *mockClient) Apply(ctx context.Context, page browser.Page) bool {
	if s.pages.seen(page.ID()) {
		return true
	}
	script, err := initScript(challengeClientScript, struct {
		Token string `json:"token"`
		Input string `json:"input"`
	}{s.token, s.input})
	if err != nil {
		s.logger.Warn("Could not build challenge client mock.", zap.Error(err))
		return false
	}
	if err := page.AddInitScript(ctx, script); err != nil {
		s.logger.Warn("Could not register challenge client mock.", zap.Error(err))
		return false
	}
	s.pages.add(page.ID())
	return true
}

// -- InterceptVerification --

type interceptVerify struct {
	logger *zap.Logger
	path   string
	now    func() time.Time
}

// InterceptVerification answers calls to the vendor's verification endpoint
// with a passing verdict.
func InterceptVerification(cfg config.MitigationConfig, logger *zap.Logger) Strategy {
	return &interceptVerify{logger: logger, path: cfg.VerifyPath, now: time.Now}
}

func (s *interceptVerify) Name() string { return NameInterceptVerify }

// verifyResponse has the shape of the vendor's siteverify answer.
type verifyResponse struct {
	Success     bool     `json:"success"`
	ErrorCodes  []string `json:"error-codes"`
	ChallengeTS string   `json:"challenge_ts"`
	Hostname    string   `json:"hostname"`
	Action      string   `json:"action"`
	CData       string   `json:"cdata"`
}

func (s *interceptVerify) respond(r browser.InterceptedRequest) browser.SyntheticResponse {
	host := ""
	if u, err := url.Parse(r.URL); err == nil {
		host = u.Hostname()
	}
	body, _ := jsoniter.Marshal(verifyResponse{
		Success:     true,
		ErrorCodes:  []string{},
		ChallengeTS: s.now().UTC().Format(time.RFC3339),
		Hostname:    host,
	})
	return browser.SyntheticResponse{
		Status: 200,
		Headers: map[string]string{
			"Content-Type":                "application/json",
			"Access-Control-Allow-Origin": "*",
		},
		Body: body,
	}
}

func (s *interceptVerify) Apply(ctx context.Context, page browser.Page) bool {
	if s.path == "" {
		return false
	}
	err := page.Intercept(ctx, browser.InterceptRule{
		Name:    NameInterceptVerify,
		Match:   func(r browser.InterceptedRequest) bool { return strings.Contains(r.URL, s.path) },
		Action:  browser.ActionFulfill,
		Respond: s.respond,
	})
	if err != nil {
		s.logger.Warn("Could not register verification interception.", zap.Error(err))
		return false
	}
	return true
}

// -- InjectTestModeField --

type testModeField struct {
	logger  *zap.Logger
	enabled bool
	name    string
	value   string
	pages   pageSet
}

// InjectTestModeField adds a hidden marker field to every form when test mode
// is configured. The condition never comes from page content.
func InjectTestModeField(cfg config.MitigationConfig, logger *zap.Logger) Strategy {
	return &testModeField{logger: logger, enabled: cfg.TestMode, name: cfg.TestField, value: cfg.TestValue}
}

func (s *testModeField) Name() string { return NameTestModeField }

func (s *testModeField) Apply(ctx context.Context, page browser.Page) bool {
	if !s.enabled || s.name == "" {
		return false
	}
	if s.pages.seen(page.ID()) {
		return true
	}
	script, err := initScript(testModeFieldScript, struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}{s.name, s.value})
	if err != nil {
		s.logger.Warn("Could not build test mode field script.", zap.Error(err))
		return false
	}
	if err := page.AddInitScript(ctx, script); err != nil {
		s.logger.Warn("Could not register test mode field script.", zap.Error(err))
		return false
	}
	s.pages.add(page.ID())
	return true
}

// -- PurgeChallengeDOM --

type purgeDOM struct {
	logger    *zap.Logger
	fragments []string
	pages     pageSet
}

// PurgeChallengeDOM removes challenge containers from the document and keeps
// the native form submit in place. It is the last resort.
func PurgeChallengeDOM(cfg config.MitigationConfig, logger *zap.Logger) Strategy {
	return &purgeDOM{logger: logger, fragments: cfg.DOMFragments}
}

func (s *purgeDOM) Name() string { return NamePurgeDOM }

func (s *purgeDOM) Apply(ctx context.Context, page browser.Page) bool {
	if len(s.fragments) == 0 {
		return false
	}
	if s.pages.seen(page.ID()) {
		return true
	}
	script, err := initScript(domPurgeScript, struct {
		Fragments []string `json:"fragments"`
	}{s.fragments})
	if err != nil {
		s.logger.Warn("Could not build DOM purge script.", zap.Error(err))
		return false
	}
	if err := page.AddInitScript(ctx, script); err != nil {
		s.logger.Warn("Could not register DOM purge script.", zap.Error(err))
		return false
	}
	s.pages.add(page.ID())
	return true
}
