package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/souqlens/souqlens/internal/logger"
)

// DynamicTransport renders pages in a headless browser. It exists for
// sources that gate plain HTTP clients behind script-based challenges;
// the rendered DOM is returned as the response body.
type DynamicTransport struct {
	userAgent string
	timeout   time.Duration
	allocCtx  context.Context
	cancel    context.CancelFunc
}

// NewDynamicTransport starts a browser allocator shared by all requests.
func NewDynamicTransport(userAgent string, timeout time.Duration) (*DynamicTransport, error) {
	if userAgent == "" {
		userAgent = DefaultConfig().UserAgent
	}
	if timeout == 0 {
		timeout = DefaultConfig().Timeout
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(1920, 1080),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	logger.Debug("dynamic transport browser allocator created", "user_agent", userAgent)

	return &DynamicTransport{
		userAgent: userAgent,
		timeout:   timeout,
		allocCtx:  allocCtx,
		cancel:    cancel,
	}, nil
}

// RoundTrip navigates to the URL in a fresh browser context and returns the
// rendered HTML. chromedp does not expose status codes directly, so a page
// that renders at all is reported as 200 and challenge detection happens on
// the body as usual.
func (t *DynamicTransport) RoundTrip(ctx context.Context, targetURL string) (Response, error) {
	result := Response{URL: targetURL}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	browserCtx, cancelBrowser := chromedp.NewContext(t.allocCtx)
	defer cancelBrowser()

	timeoutCtx, cancelTimeout := context.WithTimeout(browserCtx, t.timeout)
	defer cancelTimeout()

	var html string
	err := chromedp.Run(timeoutCtx,
		chromedp.Navigate(targetURL),
		chromedp.WaitVisible("body"),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return result, fmt.Errorf("browser automation failed: %w", err)
	}

	result.StatusCode = http.StatusOK
	result.ContentType = "text/html"
	result.Body = []byte(html)
	return result, nil
}

// Close shuts down the browser allocator.
func (t *DynamicTransport) Close() error {
	t.cancel()
	return nil
}
