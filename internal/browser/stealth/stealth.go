// internal/browser/stealth/stealth.go
package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/internal/config"
)

//go:embed evasions.js
var evasionsScript string

// ScreenProperties defines the resolution of the emulated display.
type ScreenProperties struct {
	Width  int64 `json:"width"`
	Height int64 `json:"height"`
}

// Persona is the browser fingerprint presented to the site under test.
type Persona struct {
	UserAgent  string           `json:"userAgent"`
	Platform   string           `json:"platform"`
	Languages  []string         `json:"languages"`
	TimezoneID string           `json:"timezoneId,omitempty"`
	Locale     string           `json:"locale,omitempty"`
	Screen     ScreenProperties `json:"screen"`
}

// FromConfig builds the persona from the browser settings.
func FromConfig(cfg config.BrowserConfig) Persona {
	return Persona{
		UserAgent:  cfg.Persona.UserAgent,
		Platform:   cfg.Persona.Platform,
		Languages:  cfg.Persona.Languages,
		TimezoneID: cfg.Persona.Timezone,
		Locale:     cfg.Persona.Locale,
		Screen: ScreenProperties{
			Width:  int64(cfg.Viewport.Width),
			Height: int64(cfg.Viewport.Height),
		},
	}
}

// Apply returns the actions that install the persona on a tab. It must run
// before the first navigation.
func Apply(persona Persona, logger *zap.Logger) chromedp.Action {
	l := logger.Named("stealth")
	return chromedp.Tasks{
		network.Enable(),
		setAcceptLanguage(persona, l),
		setUserAgent(persona, l),
		setDeviceMetrics(persona, l),
		setEnvironmentOverrides(persona, l),
		injectEvasionScript(persona, l),
		chromedp.ActionFunc(func(ctx context.Context) error {
			l.Debug("Stealth profile applied", zap.String("locale", persona.Locale), zap.String("timezone", persona.TimezoneID))
			return nil
		}),
	}
}

// EvasionScript prefixes the embedded evasions with the persona they read.
func EvasionScript(persona Persona) (string, error) {
	personaJSON, err := jsoniter.Marshal(persona)
	if err != nil {
		return "", fmt.Errorf("stealth: failed to marshal persona: %w", err)
	}
	return fmt.Sprintf("(function (FORMPROBE_PERSONA) {\n%s\n})(%s);", evasionsScript, personaJSON), nil
}

// AcceptLanguage renders the languages as an Accept-Language header value.
func AcceptLanguage(languages []string) string {
	if len(languages) == 0 {
		return ""
	}
	parts := []string{languages[0]}
	for i := 1; i < len(languages); i++ {
		q := 1.0 - float64(i)*0.1
		if q < 0.5 {
			q = 0.5
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", languages[i], q))
	}
	return strings.Join(parts, ",")
}

func injectEvasionScript(persona Persona, logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		script, err := EvasionScript(persona)
		if err != nil {
			return err
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
			logger.Error("Failed to register evasion script", zap.Error(err))
			return fmt.Errorf("stealth: failed to add script on new document: %w", err)
		}
		return nil
	})
}

func setUserAgent(persona Persona, logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if persona.UserAgent == "" {
			return nil
		}
		override := emulation.SetUserAgentOverride(persona.UserAgent).
			WithPlatform(persona.Platform).
			WithAcceptLanguage(strings.Join(persona.Languages, ","))
		if err := override.Do(ctx); err != nil {
			logger.Error("Failed to set user agent override", zap.Error(err))
			return fmt.Errorf("stealth: failed to set user agent override: %w", err)
		}
		return nil
	})
}

func setAcceptLanguage(persona Persona, logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		value := AcceptLanguage(persona.Languages)
		if value == "" {
			return nil
		}
		headers := network.Headers{"Accept-Language": value}
		if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
			logger.Error("Failed to set extra HTTP headers", zap.Error(err))
			return fmt.Errorf("stealth: failed to set extra http headers: %w", err)
		}
		return nil
	})
}

func setDeviceMetrics(persona Persona, logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if persona.Screen.Width <= 0 || persona.Screen.Height <= 0 {
			return nil
		}
		err := emulation.SetDeviceMetricsOverride(persona.Screen.Width, persona.Screen.Height, 1.0, false).
			WithScreenOrientation(&emulation.ScreenOrientation{
				Type:  emulation.OrientationTypeLandscapePrimary,
				Angle: 0,
			}).Do(ctx)
		if err != nil {
			logger.Error("Failed to set device metrics override", zap.Error(err))
			return fmt.Errorf("stealth: failed to set device metrics: %w", err)
		}
		return nil
	})
}

func setEnvironmentOverrides(persona Persona, logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if persona.TimezoneID != "" {
			if err := emulation.SetTimezoneOverride(persona.TimezoneID).Do(ctx); err != nil {
				logger.Error("Failed to set timezone override", zap.Error(err))
				return fmt.Errorf("stealth: failed to set timezone: %w", err)
			}
		}

		locale := persona.Locale
		if locale == "" && len(persona.Languages) > 0 {
			locale = persona.Languages[0]
		}
		if locale != "" {
			if err := emulation.SetLocaleOverride().WithLocale(strings.ReplaceAll(locale, "_", "-")).Do(ctx); err != nil {
				logger.Error("Failed to set locale override", zap.Error(err))
				return fmt.Errorf("stealth: failed to set locale: %w", err)
			}
		}
		return nil
	})
}
