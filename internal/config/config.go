// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration. It is built once at the
// command boundary and handed to every component by constructor.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Form       FormConfig       `mapstructure:"form" yaml:"form"`
	Submission SubmissionConfig `mapstructure:"submission" yaml:"submission"`
	Mitigation MitigationConfig `mapstructure:"mitigation" yaml:"mitigation"`
	Capture    CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts" yaml:"artifacts"`
	Runner     RunnerConfig     `mapstructure:"runner" yaml:"runner"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
}

// BrowserConfig holds settings for the Chrome process and its tabs.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath        string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	SlowMo          time.Duration `mapstructure:"slow_mo" yaml:"slow_mo"`
	Viewport        ViewportSize  `mapstructure:"viewport" yaml:"viewport"`
	Persona         PersonaConfig `mapstructure:"persona" yaml:"persona"`
}

// ViewportSize is the emulated window size of every tab.
type ViewportSize struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// PersonaConfig overrides the fingerprint presented to the target site.
type PersonaConfig struct {
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Platform  string   `mapstructure:"platform" yaml:"platform"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
}

// FormConfig describes the contact form under test.
type FormConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
	// CanonicalPath is the path the form lives on. Empty means the path of URL.
	CanonicalPath string         `mapstructure:"canonical_path" yaml:"canonical_path"`
	FormSelector  string         `mapstructure:"form_selector" yaml:"form_selector"`
	Submit        string         `mapstructure:"submit_selector" yaml:"submit_selector"`
	Fields        FieldSelectors `mapstructure:"fields" yaml:"fields"`
	Values        FieldValues    `mapstructure:"values" yaml:"values"`
}

// FieldSelectors are CSS selectors for the form inputs. Phone and Consent are optional.
type FieldSelectors struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Email   string `mapstructure:"email" yaml:"email"`
	Phone   string `mapstructure:"phone" yaml:"phone"`
	Message string `mapstructure:"message" yaml:"message"`
	Consent string `mapstructure:"consent" yaml:"consent"`
}

// FieldValues are typed into the matching selectors.
type FieldValues struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Email   string `mapstructure:"email" yaml:"email"`
	Phone   string `mapstructure:"phone" yaml:"phone"`
	Message string `mapstructure:"message" yaml:"message"`
}

// Path returns the canonical path of the form page.
func (f FormConfig) Path() string {
	if f.CanonicalPath != "" {
		return f.CanonicalPath
	}
	u, err := url.Parse(f.URL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// ResetSelectors lists the fields that a successful submission is expected to clear.
func (f FormConfig) ResetSelectors() []string {
	return []string{f.Fields.Name, f.Fields.Email, f.Fields.Message}
}

// Settle modes.
const (
	SettleFixed = "fixed"
	SettlePoll  = "poll"
)

// SubmissionConfig tunes the timing around the submit action.
type SubmissionConfig struct {
	SettleDelay   time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	SettleMode    string        `mapstructure:"settle_mode" yaml:"settle_mode"`
	SettleMax     time.Duration `mapstructure:"settle_max" yaml:"settle_max"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// Mitigation modes.
const (
	MitigationFirstSuccess = "first_success"
	MitigationLayered      = "layered"
)

// MitigationConfig configures the anti-bot mitigation strategies.
type MitigationConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Mode    string `mapstructure:"mode" yaml:"mode"`
	// TestMode comes from configuration or the TEST_MODE environment variable only.
	TestMode      bool     `mapstructure:"test_mode" yaml:"test_mode"`
	TestField     string   `mapstructure:"test_field" yaml:"test_field"`
	TestValue     string   `mapstructure:"test_value" yaml:"test_value"`
	VendorHosts   []string `mapstructure:"vendor_hosts" yaml:"vendor_hosts"`
	VendorPaths   []string `mapstructure:"vendor_paths" yaml:"vendor_paths"`
	VerifyPath    string   `mapstructure:"verify_path" yaml:"verify_path"`
	MockToken     string   `mapstructure:"mock_token" yaml:"mock_token"`
	DOMFragments  []string `mapstructure:"dom_fragments" yaml:"dom_fragments"`
	ResponseInput string   `mapstructure:"response_input" yaml:"response_input"`
}

// CaptureConfig bounds the network capture.
type CaptureConfig struct {
	MaxEntries int      `mapstructure:"max_entries" yaml:"max_entries"`
	AllowList  []string `mapstructure:"allow_list" yaml:"allow_list"`
}

// ClassifierConfig holds the verdict policy.
type ClassifierConfig struct {
	Require2xxResponse bool `mapstructure:"require_2xx_response" yaml:"require_2xx_response"`
	// Locale narrows the text indicators to one language, e.g. "nl" or "en-GB".
	// Empty keeps every language.
	Locale string `mapstructure:"locale" yaml:"locale"`
}

// ArtifactsConfig controls what is written next to a case verdict.
type ArtifactsConfig struct {
	Dir         string `mapstructure:"dir" yaml:"dir"`
	Screenshots bool   `mapstructure:"screenshots" yaml:"screenshots"`
	SaveDOM     bool   `mapstructure:"save_dom" yaml:"save_dom"`
}

// RunnerConfig tunes how many cases run and how fast they submit.
type RunnerConfig struct {
	Cases          int           `mapstructure:"cases" yaml:"cases"`
	Parallelism    int           `mapstructure:"parallelism" yaml:"parallelism"`
	SubmitInterval time.Duration `mapstructure:"submit_interval" yaml:"submit_interval"`
	MetricsFile    string        `mapstructure:"metrics_file" yaml:"metrics_file"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "formprobe")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.slow_mo", "0s")
	v.SetDefault("browser.viewport.width", 1366)
	v.SetDefault("browser.viewport.height", 900)
	v.SetDefault("browser.persona.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	v.SetDefault("browser.persona.platform", "Win32")
	v.SetDefault("browser.persona.locale", "nl-NL")
	v.SetDefault("browser.persona.languages", []string{"nl-NL", "nl", "en-US", "en"})
	v.SetDefault("browser.persona.timezone", "Europe/Amsterdam")

	// -- Form --
	v.SetDefault("form.url", "")
	v.SetDefault("form.canonical_path", "")
	v.SetDefault("form.form_selector", "form.elementor-form")
	v.SetDefault("form.submit_selector", "form.elementor-form button[type=submit]")
	v.SetDefault("form.fields.name", "#form-field-name")
	v.SetDefault("form.fields.email", "#form-field-email")
	v.SetDefault("form.fields.phone", "")
	v.SetDefault("form.fields.message", "#form-field-message")
	v.SetDefault("form.fields.consent", "")
	v.SetDefault("form.values.name", "Formprobe Test")
	v.SetDefault("form.values.email", "formprobe@example.com")
	v.SetDefault("form.values.phone", "0201234567")
	v.SetDefault("form.values.message", "Automated contact form check. Please ignore.")

	// -- Submission --
	v.SetDefault("submission.settle_delay", "3s")
	v.SetDefault("submission.settle_mode", SettleFixed)
	v.SetDefault("submission.settle_max", "15s")
	v.SetDefault("submission.poll_interval", "250ms")
	v.SetDefault("submission.probe_timeout", "2s")
	v.SetDefault("submission.action_timeout", "90s")

	// -- Mitigation --
	v.SetDefault("mitigation.enabled", true)
	v.SetDefault("mitigation.mode", MitigationFirstSuccess)
	v.SetDefault("mitigation.test_mode", false)
	v.SetDefault("mitigation.test_field", "test_mode")
	v.SetDefault("mitigation.test_value", "1")
	v.SetDefault("mitigation.vendor_hosts", []string{"challenges.cloudflare.com"})
	v.SetDefault("mitigation.vendor_paths", []string{"/turnstile/", "cdn-cgi/challenge-platform"})
	v.SetDefault("mitigation.verify_path", "/siteverify")
	v.SetDefault("mitigation.mock_token", "XXXX.DUMMY.TOKEN.XXXX")
	v.SetDefault("mitigation.dom_fragments", []string{"cf-turnstile", "turnstile", "challenge"})
	v.SetDefault("mitigation.response_input", "cf-turnstile-response")

	// -- Capture --
	v.SetDefault("capture.max_entries", 200)
	v.SetDefault("capture.allow_list", []string{"admin-ajax", "formprobe", "contact", "elementor"})

	// -- Classifier --
	v.SetDefault("classifier.require_2xx_response", false)
	v.SetDefault("classifier.locale", "")

	// -- Artifacts --
	v.SetDefault("artifacts.dir", "./artifacts")
	v.SetDefault("artifacts.screenshots", true)
	v.SetDefault("artifacts.save_dom", true)

	// -- Runner --
	v.SetDefault("runner.cases", 1)
	v.SetDefault("runner.parallelism", 1)
	v.SetDefault("runner.submit_interval", "2s")
	v.SetDefault("runner.metrics_file", "")
}

// BindEnv wires the plain environment names used by CI jobs next to the
// FORMPROBE_ prefixed ones viper picks up automatically.
func BindEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"mitigation.test_mode":      {"FORMPROBE_MITIGATION_TEST_MODE", "TEST_MODE"},
		"browser.headless":          {"FORMPROBE_BROWSER_HEADLESS", "HEADLESS"},
		"browser.slow_mo":           {"FORMPROBE_BROWSER_SLOW_MO", "SLOW_MO"},
		"submission.action_timeout": {"FORMPROBE_SUBMISSION_ACTION_TIMEOUT", "TIMEOUT"},
		"artifacts.screenshots":     {"FORMPROBE_ARTIFACTS_SCREENSHOTS", "SCREENSHOTS"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := BindEnv(v); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	dir, err := homedir.Expand(cfg.Artifacts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand artifacts.dir: %w", err)
	}
	cfg.Artifacts.Dir = dir

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
// form.url is checked by the run command, so offline commands work without it.
func (c *Config) Validate() error {
	if err := c.Submission.Validate(); err != nil {
		return fmt.Errorf("submission configuration invalid: %w", err)
	}
	if err := c.Mitigation.Validate(); err != nil {
		return fmt.Errorf("mitigation configuration invalid: %w", err)
	}
	if c.Capture.MaxEntries <= 0 {
		return fmt.Errorf("capture.max_entries must be a positive integer")
	}
	if c.Runner.Parallelism <= 0 {
		return fmt.Errorf("runner.parallelism must be a positive integer")
	}
	if c.Runner.Cases <= 0 {
		return fmt.Errorf("runner.cases must be a positive integer")
	}
	if c.Runner.SubmitInterval < 0 {
		return fmt.Errorf("runner.submit_interval must not be negative")
	}
	if c.Browser.SlowMo < 0 {
		return fmt.Errorf("browser.slow_mo must not be negative")
	}
	return nil
}

// Validate checks the submission timing settings.
func (s *SubmissionConfig) Validate() error {
	switch s.SettleMode {
	case SettleFixed, SettlePoll:
	default:
		return fmt.Errorf("settle_mode must be %q or %q, got %q", SettleFixed, SettlePoll, s.SettleMode)
	}
	if s.SettleDelay < 0 {
		return fmt.Errorf("settle_delay must not be negative")
	}
	if s.SettleMode == SettlePoll {
		if s.SettleMax < s.SettleDelay {
			return fmt.Errorf("settle_max must not be shorter than settle_delay")
		}
		if s.PollInterval <= 0 {
			return fmt.Errorf("poll_interval must be a positive duration")
		}
	}
	if s.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be a positive duration")
	}
	if s.ActionTimeout <= 0 {
		return fmt.Errorf("action_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the mitigation settings.
func (m *MitigationConfig) Validate() error {
	switch strings.ToLower(m.Mode) {
	case MitigationFirstSuccess, MitigationLayered:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", MitigationFirstSuccess, MitigationLayered, m.Mode)
	}
	if m.TestMode && m.TestField == "" {
		return fmt.Errorf("test_field is required when test_mode is on")
	}
	return nil
}
