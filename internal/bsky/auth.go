package bsky

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/skyhive/skyhive/internal/pipeline"
)

// AuthConfig tunes the authenticator.
type AuthConfig struct {
	BaseURL string
	// ProbeQuiet is how long a probe waits for the notifications feed to
	// load before deciding the session is signed out.
	ProbeQuiet time.Duration
	// LoginPoll is how often an in-progress login re-probes the session.
	LoginPoll time.Duration
}

func (c AuthConfig) withDefaults() AuthConfig {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.ProbeQuiet <= 0 {
		c.ProbeQuiet = 10 * time.Second
	}
	if c.LoginPoll <= 0 {
		c.LoginPoll = 5 * time.Second
	}
	return c
}

// Authenticator verifies and establishes the shared Bluesky session.
//
// Probing navigates to the notifications feed, which the web app only
// requests for a signed-in session. Login is interactive: the browser is
// parked on the sign-in screen and the operator completes it in the open
// window while the authenticator polls until the probe succeeds or the
// attempt deadline fires. Credentials never pass through this process.
type Authenticator struct {
	cfg    AuthConfig
	logger *zap.Logger
}

func NewAuthenticator(cfg AuthConfig, logger *zap.Logger) *Authenticator {
	return &Authenticator{cfg: cfg.withDefaults(), logger: logger.Named("auth")}
}

// Probe reports whether the browser currently holds a signed-in session.
func (a *Authenticator) Probe(ctx context.Context, b pipeline.Browser) (bool, error) {
	page, err := b.NewPage(ctx)
	if err != nil {
		return false, err
	}
	defer page.Close()

	ch, stop := page.Intercept(endpointNotifications)
	defer stop()

	if err := page.Navigate(ctx, a.cfg.BaseURL+"/notifications"); err != nil {
		return false, err
	}

	timer := time.NewTimer(a.cfg.ProbeQuiet)
	defer timer.Stop()
	select {
	case payload := <-ch:
		if apiErr := apiError(payload); apiErr != "" {
			a.logger.Debug("probe rejected", zap.String("api_error", apiErr))
			return false, nil
		}
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Login parks the browser on the sign-in screen and waits for the operator
// to complete authentication, polling until the session probes healthy.
func (a *Authenticator) Login(ctx context.Context, b pipeline.Browser) error {
	page, err := b.NewPage(ctx)
	if err != nil {
		return err
	}
	if err := page.Navigate(ctx, a.cfg.BaseURL); err != nil {
		page.Close()
		return err
	}
	a.logger.Info("waiting for operator sign-in in the browser window")
	defer page.Close()

	ticker := time.NewTicker(a.cfg.LoginPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ok, err := a.Probe(ctx, b)
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				a.logger.Debug("login probe failed", zap.Error(err))
				continue
			}
			if ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
