// Package mitigation keeps the anti-bot challenge widget from blocking an
// automated form submission. Every strategy is registered before navigation.
package mitigation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/internal/browser"
	"github.com/xkilldash9x/formprobe/internal/config"
)

// Report lists what happened to each strategy on one page.
type Report struct {
	Mode    string   `json:"mode"`
	Applied []string `json:"applied"`
	Failed  []string `json:"failed,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
}

// Mitigated reports whether any strategy took effect.
func (r Report) Mitigated() bool { return len(r.Applied) > 0 }

// Composite runs strategies in order. In first-success mode it stops at the
// first strategy that takes effect; in layered mode it applies all of them.
type Composite struct {
	logger     *zap.Logger
	layered    bool
	strategies []Strategy
}

// NewComposite builds a composite over explicit strategies.
func NewComposite(logger *zap.Logger, layered bool, strategies ...Strategy) *Composite {
	return &Composite{logger: logger.Named("mitigation"), layered: layered, strategies: strategies}
}

// New builds the standard composite from configuration. When mitigation is
// disabled it holds no strategies and Apply is a no-op.
func New(cfg config.MitigationConfig, logger *zap.Logger) *Composite {
	layered := strings.EqualFold(cfg.Mode, config.MitigationLayered)
	if !cfg.Enabled {
		return NewComposite(logger, layered)
	}
	l := logger.Named("mitigation")
	return NewComposite(logger, layered,
		BlockChallengeAssets(cfg, l),
		MockChallengeClient(cfg, l),
		InterceptVerification(cfg, l),
		InjectTestModeField(cfg, l),
		PurgeChallengeDOM(cfg, l),
	)
}

// Strategies returns the strategy names in order.
func (c *Composite) Strategies() []string {
	names := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Apply runs the strategies against page. It never fails; the report says
// what took effect.
func (c *Composite) Apply(ctx context.Context, page browser.Page) Report {
	report := Report{Mode: config.MitigationFirstSuccess}
	if c.layered {
		report.Mode = config.MitigationLayered
	}

	for i, s := range c.strategies {
		if ctx.Err() != nil {
			report.Skipped = append(report.Skipped, s.Name())
			continue
		}
		if c.safeApply(ctx, s, page) {
			report.Applied = append(report.Applied, s.Name())
			if !c.layered {
				for _, rest := range c.strategies[i+1:] {
					report.Skipped = append(report.Skipped, rest.Name())
				}
				break
			}
			continue
		}
		report.Failed = append(report.Failed, s.Name())
	}

	if report.Mitigated() {
		c.logger.Debug("Mitigation applied.", zap.String("page", page.ID()), zap.Strings("applied", report.Applied), zap.String("mode", report.Mode))
	} else if len(c.strategies) > 0 {
		c.logger.Warn("No mitigation strategy took effect.", zap.String("page", page.ID()), zap.Strings("failed", report.Failed))
	}
	return report
}

func (c *Composite) safeApply(ctx context.Context, s Strategy, page browser.Page) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Mitigation strategy panicked.", zap.String("strategy", s.Name()), zap.String("panic", fmt.Sprint(r)))
			ok = false
		}
	}()
	return s.Apply(ctx, page)
}
