package acquire

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/property-cli/internal/resilience"
)

// Page is a rendered document and the URL it ended up on after redirects.
type Page struct {
	URL  string
	HTML string
}

// Browser renders JavaScript-heavy listing pages.
type Browser interface {
	Render(ctx context.Context, url, waitSelector string) (*Page, error)
}

// ChromeOptions configures ChromeBrowser.
type ChromeOptions struct {
	Headless   bool
	ProxyURL   string
	UserAgents []string
	ExecPath   string
	Settle     time.Duration
}

// ChromeBrowser renders pages in a fresh headless Chrome per call.
type ChromeBrowser struct {
	opts ChromeOptions
	log  *zap.Logger
}

// NewChromeBrowser creates a ChromeBrowser.
func NewChromeBrowser(opts ChromeOptions) *ChromeBrowser {
	return &ChromeBrowser{
		opts: opts,
		log:  zap.L().With(zap.String("component", "acquire.chrome")),
	}
}

func (b *ChromeBrowser) userAgent() string {
	if len(b.opts.UserAgents) == 0 {
		return ""
	}
	return b.opts.UserAgents[rand.IntN(len(b.opts.UserAgents))]
}

func (b *ChromeBrowser) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if ua := b.userAgent(); ua != "" {
		opts = append(opts, chromedp.UserAgent(ua))
	}
	if b.opts.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(b.opts.ProxyURL))
	}
	if b.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.opts.ExecPath))
	}
	return opts
}

// Render navigates to url, waits for waitSelector (or body) and returns the
// rendered HTML. A browser that fails to launch is reported as transient so
// the retry wrapper tries again.
func (b *ChromeBrowser) Render(ctx context.Context, url, waitSelector string) (*Page, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, b.allocatorOptions()...)
	defer allocCancel()

	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	defer tabCancel()

	// Running with no actions starts the browser.
	if err := chromedp.Run(tabCtx); err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "acquire: chrome start")
		}
		return nil, resilience.Transient(eris.Wrap(err, "acquire: chrome failed to start"), 0)
	}

	if waitSelector == "" {
		waitSelector = "body"
	}

	var html, location string
	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady(waitSelector, chromedp.ByQuery),
	}
	if b.opts.Settle > 0 {
		actions = append(actions, chromedp.Sleep(b.opts.Settle))
	}
	actions = append(actions,
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return nil, eris.Wrapf(err, "acquire: render %s", url)
	}

	if blocked, kind := DetectBlock(0, nil, []byte(html)); blocked {
		return nil, eris.Wrapf(ErrBlocked, "acquire: %s served %s wall", hostOf(url), kind)
	}

	b.log.Debug("rendered page",
		zap.String("url", url),
		zap.String("location", location),
		zap.Int("bytes", len(html)),
	)
	return &Page{URL: location, HTML: html}, nil
}

func hostOf(u string) string {
	u = strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
	host, _, _ := strings.Cut(u, "/")
	return host
}
