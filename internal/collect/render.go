package collect

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"go-ingest/internal/fetch"
	"go-ingest/internal/retry"
)

// Renderer returns the HTML of a page.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (string, error)
}

// HTTPRenderer fetches pages with a plain GET.
type HTTPRenderer struct {
	Client    *http.Client
	UserAgent string
}

func (h HTTPRenderer) Render(ctx context.Context, pageURL string) (string, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", retry.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		herr := &fetch.HTTPError{StatusCode: resp.StatusCode, URL: pageURL}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", retry.Transient(herr)
		}
		return "", retry.Permanent(herr)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("read %s: %w", pageURL, err))
	}
	return string(body), nil
}

// ChromeRenderer loads pages in headless Chrome so script-built markup is
// present in the returned HTML.
type ChromeRenderer struct {
	browser context.Context
	cancel  func()
	agent   string
	timeout time.Duration
}

// NewChromeRenderer starts a headless browser that lives until Close.
func NewChromeRenderer(ctx context.Context, userAgent string, timeout time.Duration) *ChromeRenderer {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	return &ChromeRenderer{
		browser: browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
		agent:   userAgent,
		timeout: timeout,
	}
}

func (c *ChromeRenderer) Render(ctx context.Context, pageURL string) (string, error) {
	tabCtx, cancel := chromedp.NewContext(c.browser)
	defer cancel()
	if c.timeout > 0 {
		tabCtx, cancel = context.WithTimeout(tabCtx, c.timeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	actions := []chromedp.Action{}
	if c.agent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(c.agent))
	}
	actions = append(actions,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", retry.Transient(fmt.Errorf("render %s: %w", pageURL, err))
	}
	return html, nil
}

// Close shuts the browser down.
func (c *ChromeRenderer) Close() {
	c.cancel()
}
