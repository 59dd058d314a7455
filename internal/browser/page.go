package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// page implements pipeline.Page on one browser tab.
type page struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config

	closeOnce sync.Once
}

// Navigate loads url and waits for the document body to become ready. The
// shared pacer runs first so every tab draws from one navigation budget.
func (p *page) Navigate(ctx context.Context, url string) error {
	if p.cfg.Pacer != nil {
		if err := p.cfg.Pacer.Wait(ctx); err != nil {
			return fmt.Errorf("pace navigate %s: %w", url, err)
		}
	}
	timeout := p.cfg.NavigationTimeout
	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, navigationActions(p.cfg, url)...); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Intercept captures JSON bodies of responses whose URL contains pattern.
// Bodies are fetched once loading finishes; a body the browser already
// evicted is counted as an interception miss and simply not delivered.
func (p *page) Intercept(pattern string) (<-chan json.RawMessage, func()) {
	out := make(chan json.RawMessage, 64)
	ictx, icancel := context.WithCancel(p.ctx)

	var mu sync.Mutex
	matched := make(map[network.RequestID]bool)

	chromedp.ListenTarget(ictx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			if !strings.Contains(e.Response.URL, pattern) {
				return
			}
			mu.Lock()
			matched[e.RequestID] = true
			mu.Unlock()
		case *network.EventLoadingFinished:
			mu.Lock()
			ok := matched[e.RequestID]
			delete(matched, e.RequestID)
			mu.Unlock()
			if !ok {
				return
			}
			requestID := e.RequestID
			go p.deliverBody(ictx, requestID, out)
		}
	})

	return out, icancel
}

func (p *page) deliverBody(ictx context.Context, requestID network.RequestID, out chan<- json.RawMessage) {
	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Target == nil {
		return
	}
	ectx := cdp.WithExecutor(p.ctx, c.Target)
	body, err := network.GetResponseBody(requestID).Do(ectx)
	if err != nil || len(body) == 0 {
		return
	}
	if !json.Valid(body) {
		return
	}
	select {
	case out <- json.RawMessage(body):
	case <-ictx.Done():
	}
}

// ScrollBottom scrolls to the current document bottom to trigger the site's
// infinite-scroll pagination, then gives the page a beat to issue requests.
func (p *page) ScrollBottom(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx,
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
		chromedp.Sleep(time.Second),
	)
	if err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

// Click clicks the first element matching the CSS selector.
func (p *page) Click(ctx context.Context, selector string) error {
	runCtx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// Close tears the tab down and stops any active interceptors.
func (p *page) Close() {
	p.closeOnce.Do(p.cancel)
}
