// Package browser drives a Chrome browsing context via chromedp. It is the
// I/O collaborator behind collection and session management: navigation,
// response interception, scroll/click primitives, and storage-state export.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/skyhive/skyhive/internal/pipeline"
)

// Pacer gates navigations before they reach the browser. Implementations
// must be safe for concurrent use across tabs.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Config controls the behavior of the driver.
type Config struct {
	Headless bool
	// ExecPath overrides browser binary discovery when set.
	ExecPath          string
	UserAgent         string
	NavigationTimeout time.Duration
	// Pacer throttles page loads across all tabs; nil disables pacing.
	Pacer Pacer
}

// Driver implements pipeline.Browser. All pages opened from one Driver are
// tabs of the same underlying browser, so they share authenticated storage
// state while navigating independently.
type Driver struct {
	cfg           Config
	allocator     context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// New launches a browser and returns a Driver owning its context.
func New(cfg Config) (*Driver, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Start the browser now so state import and page opens never race launch.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	return &Driver{
		cfg:           cfg,
		allocator:     allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// NewPage opens an isolated tab sharing the browsing context.
func (d *Driver) NewPage(ctx context.Context) (pipeline.Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(d.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	if err := ctx.Err(); err != nil {
		tabCancel()
		return nil, err
	}
	return &page{ctx: tabCtx, cancel: tabCancel, cfg: d.cfg}, nil
}

// ExportState serializes the context's cookies as an opaque blob.
func (d *Driver) ExportState(ctx context.Context) ([]byte, error) {
	var cookies []*network.Cookie
	err := d.run(ctx, chromedp.ActionFunc(func(cctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(cctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("export storage state: %w", err)
	}
	blob, err := json.Marshal(cookies)
	if err != nil {
		return nil, fmt.Errorf("marshal storage state: %w", err)
	}
	return blob, nil
}

// ImportState restores cookies previously exported with ExportState.
func (d *Driver) ImportState(ctx context.Context, blob []byte) error {
	var cookies []*network.Cookie
	if err := json.Unmarshal(blob, &cookies); err != nil {
		return fmt.Errorf("unmarshal storage state: %w", err)
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		}
		if c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &exp
		}
		params = append(params, p)
	}
	err := d.run(ctx, chromedp.ActionFunc(func(cctx context.Context) error {
		return storage.SetCookies(params).Do(cctx)
	}))
	if err != nil {
		return fmt.Errorf("import storage state: %w", err)
	}
	return nil
}

// Close shuts the browser down.
func (d *Driver) Close() {
	d.browserCancel()
	d.allocCancel()
}

func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := mergeDeadline(d.browserCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// mergeDeadline applies the caller context's deadline/cancellation to a
// chromedp context without detaching it from its target.
func mergeDeadline(chromeCtx, callerCtx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := callerCtx.Deadline(); ok {
		return context.WithDeadline(chromeCtx, deadline)
	}
	merged, cancel := context.WithCancel(chromeCtx)
	stop := context.AfterFunc(callerCtx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

func navigationActions(cfg Config, url string) []chromedp.Action {
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(cctx context.Context) error {
			if err := network.Enable().Do(cctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if cfg.UserAgent != "" {
				if err := emulation.SetUserAgentOverride(cfg.UserAgent).Do(cctx); err != nil {
					return fmt.Errorf("set user-agent: %w", err)
				}
			}
			return nil
		}),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
	}
	return actions
}
