package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/internal/artifacts"
	"github.com/xkilldash9x/formprobe/internal/browser"
	"github.com/xkilldash9x/formprobe/internal/classifier"
	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/observability"
	"github.com/xkilldash9x/formprobe/internal/reporting"
	"github.com/xkilldash9x/formprobe/internal/runner"
)

const shutdownTimeout = 30 * time.Second

// ErrFormURLMissing is returned by run when no form URL is configured.
var ErrFormURLMissing = errors.New("form.url is required (set it in formprobe.yaml or FORMPROBE_FORM_URL)")

// flagBindings maps run flags onto configuration keys.
var flagBindings = map[string]string{
	"url":           "form.url",
	"cases":         "runner.cases",
	"parallelism":   "runner.parallelism",
	"headless":      "browser.headless",
	"screenshots":   "artifacts.screenshots",
	"artifacts-dir": "artifacts.dir",
	"metrics-file":  "runner.metrics_file",
	"test-mode":     "mitigation.test_mode",
}

// newRunCmd creates and configures the `run` command.
func newRunCmd(v *viper.Viper) *cobra.Command {
	var format, output string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Submits the configured contact form and asserts it went through",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return runCases(cmd.Context(), cfg, format, output)
		},
	}

	defaults := config.NewDefaultConfig()
	flags := runCmd.Flags()
	flags.String("url", "", "contact page URL")
	flags.Int("cases", defaults.Runner.Cases, "number of submissions to run")
	flags.Int("parallelism", defaults.Runner.Parallelism, "cases driven at the same time")
	flags.Bool("headless", defaults.Browser.Headless, "run the browser without a window")
	flags.Bool("screenshots", defaults.Artifacts.Screenshots, "take checkpoint screenshots")
	flags.String("artifacts-dir", defaults.Artifacts.Dir, "directory for screenshots, DOM and evidence")
	flags.String("metrics-file", "", "write Prometheus textfile metrics to this path")
	flags.Bool("test-mode", defaults.Mitigation.TestMode, "ask the site for its challenge test mode")
	flags.StringVarP(&format, "format", "f", "text", "verdict output format (text, json)")
	flags.StringVarP(&output, "output", "o", "stdout", "verdict output path")

	for name, key := range flagBindings {
		// Lookup cannot fail for flags defined above.
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
	return runCmd
}

// runCases drives every configured case and returns the joined assertion errors.
func runCases(ctx context.Context, cfg *config.Config, format, output string) error {
	if cfg.Form.URL == "" {
		return ErrFormURLMissing
	}
	logger := observability.GetLogger()

	rep, err := reporting.New(format, output)
	if err != nil {
		return err
	}
	defer rep.Close()

	runID := artifacts.NewRunID(time.Now().UTC())
	store, err := artifacts.NewStore(cfg.Artifacts, runID, logger)
	if err != nil {
		return err
	}

	mgr, err := browser.NewManager(ctx, cfg.Browser, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Browser shutdown failed.", zap.Error(err))
		}
	}()

	r := runner.New(cfg, mgr, store, logger)
	outcomes := r.RunAll(ctx)

	for _, o := range outcomes {
		if err := rep.Write(o); err != nil {
			logger.Error("Failed to write verdict.", zap.String("case", o.CaseID), zap.Error(err))
		}
	}

	if cfg.Runner.MetricsFile != "" {
		if err := r.Metrics().WriteTextfile(cfg.Runner.MetricsFile); err != nil {
			logger.Warn("Could not write metrics.", zap.Error(err))
		}
	}

	logger.Info("Run complete.",
		zap.String("run_id", runID),
		zap.String("artifacts", store.Dir()),
		zap.Int("cases", len(outcomes)),
		zap.Int("passed", countVerdict(outcomes, classifier.Success)),
	)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run interrupted: %w", err)
	}
	return runner.AssertAll(outcomes)
}

func countVerdict(outcomes []runner.Outcome, v classifier.Verdict) int {
	n := 0
	for _, o := range outcomes {
		if o.Err == nil && o.Verdict == v {
			n++
		}
	}
	return n
}
