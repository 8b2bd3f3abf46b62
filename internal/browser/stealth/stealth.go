package stealth

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/sessiontap/sessiontap/internal/config"
)

// EvasionsJS holds the embedded JavaScript used for browser fingerprint
// evasion. It is registered with the page so it executes on every new
// document before any page script.
//
//go:embed evasions.js
var EvasionsJS string

// Apply returns the actions that shape a fresh browser context to the
// persona: the evasion init script, user agent with matching language and
// platform, timezone, locale and screen metrics. Callers treat a failure
// here as a degraded session, never as a reason to abort monitoring.
func Apply(persona config.PersonaConfig, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Applying stealth persona",
		zap.String("user_agent", persona.UserAgent),
		zap.String("timezone", persona.Timezone),
		zap.String("locale", persona.Locale),
	)

	var tasks chromedp.Tasks

	if EvasionsJS != "" {
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(EvasionsJS).Do(ctx)
			return err
		}))
	} else {
		logger.Warn("Evasion script is empty, stealth capabilities reduced")
	}

	if persona.UserAgent != "" {
		ua := emulation.SetUserAgentOverride(persona.UserAgent)
		if persona.AcceptLanguage != "" {
			ua = ua.WithAcceptLanguage(persona.AcceptLanguage)
		}
		if persona.Platform != "" {
			ua = ua.WithPlatform(persona.Platform)
		}
		tasks = append(tasks, ua)
	}

	if persona.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(persona.Timezone))
	}

	if persona.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(persona.Locale))
	}

	if persona.ViewportWidth > 0 && persona.ViewportHeight > 0 {
		width := int64(persona.ViewportWidth)
		height := int64(persona.ViewportHeight)
		orientation := emulation.OrientationTypeLandscapePrimary
		if height > width {
			orientation = emulation.OrientationTypePortraitPrimary
		}

		tasks = append(tasks,
			emulation.SetDeviceMetricsOverride(width, height, 1.0, false).
				WithScreenOrientation(&emulation.ScreenOrientation{
					Type:  orientation,
					Angle: 0,
				}).
				WithScreenWidth(width).
				WithScreenHeight(height),
		)
	}

	return tasks
}

// ApplyEvasions runs the Apply tasks against the session context.
func ApplyEvasions(ctx context.Context, persona config.PersonaConfig, logger *zap.Logger) error {
	if err := chromedp.Run(ctx, Apply(persona, logger)); err != nil {
		return fmt.Errorf("failed to apply stealth evasions: %w", err)
	}
	return nil
}
