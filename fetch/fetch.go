// Package fetch retrieves raw content for a monitored site over one of three
// modes: plain HTTP, headless-browser rendering, or PDF download plus text
// extraction. All failures are reported in the Result; Fetch never returns a
// Go error to the caller.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/watchguard/config"
	"github.com/hazyhaar/watchguard/ratelimit"
	"github.com/hazyhaar/watchguard/retry"
)

// Mode selects the acquisition path for a site.
type Mode int

const (
	ModeHTTP Mode = iota
	ModeBrowser
	ModePDF
)

// ParseMode converts the config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "http":
		return ModeHTTP, nil
	case "browser":
		return ModeBrowser, nil
	case "pdf":
		return ModePDF, nil
	default:
		return ModeHTTP, fmt.Errorf("fetch: unknown fetch_mode %q", s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeBrowser:
		return "browser"
	case ModePDF:
		return "pdf"
	default:
		return "http"
	}
}

// Result is the outcome of one fetch attempt.
type Result struct {
	URL         string
	Success     bool
	Content     string // present only on success
	ContentType string
	StatusCode  int
	Error       string
	Mode        Mode
	FetchedAt   time.Time
}

// Renderer is the headless-browser dependency used by the browser and pdf
// modes. Satisfied by *browser.Manager.
type Renderer interface {
	HTML(ctx context.Context, pageURL, waitSelector string, timeout time.Duration) (string, error)
	FetchPDF(ctx context.Context, pdfURL string, timeout time.Duration) ([]byte, error)
}

// Config configures a Fetcher.
type Config struct {
	// UserAgent sent on HTTP requests and browser pages.
	UserAgent string
	// Timeout for a single HTTP request. Default: 30s.
	Timeout time.Duration
	// BrowserTimeout bounds a full browser render or PDF download. Default: 60s.
	BrowserTimeout time.Duration
	// HTTPRetry bounds plain-HTTP attempts. Default: 3 attempts, 2s..30s.
	HTTPRetry retry.Policy
	// PDFRetry bounds the direct-HTTP PDF fallback. Default: 2 attempts.
	PDFRetry retry.Policy
	// MaxBytes caps a response body. Default: 10MB.
	MaxBytes int64
}

func (c *Config) defaults() {
	if c.UserAgent == "" {
		c.UserAgent = "WatchGuard/1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BrowserTimeout <= 0 {
		c.BrowserTimeout = 60 * time.Second
	}
	if c.HTTPRetry.MaxAttempts <= 0 {
		c.HTTPRetry = retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
	}
	if c.PDFRetry.MaxAttempts <= 0 {
		c.PDFRetry = retry.Policy{MaxAttempts: 2, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
}

// Fetcher dispatches fetches by mode. The rate limiter is consulted before
// every network call, whatever the mode.
type Fetcher struct {
	config   Config
	limiter  *ratelimit.Limiter
	renderer Renderer
	logger   *slog.Logger
}

// New creates a Fetcher. renderer may be nil when no site uses the browser
// or pdf mode; those fetches then fail explicitly.
func New(cfg Config, limiter *ratelimit.Limiter, renderer Renderer, logger *slog.Logger) *Fetcher {
	cfg.defaults()
	if limiter == nil {
		limiter = ratelimit.New(logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{config: cfg, limiter: limiter, renderer: renderer, logger: logger}
}

// Fetch retrieves content for one site. Every failure path lands in the
// Result; no error escapes this method.
func (f *Fetcher) Fetch(ctx context.Context, site *config.Site) *Result {
	mode, err := ParseMode(site.FetchMode)
	if err != nil {
		return fail(site.URL, ModeHTTP, "%v", err)
	}

	f.logger.Info("fetch: start", "url", site.URL, "mode", mode.String(), "name", site.Name)

	delay := time.Duration(site.RateLimitSeconds) * time.Second
	if err := f.limiter.Wait(ctx, site.URL, delay); err != nil {
		return fail(site.URL, mode, "rate limit wait: %v", err)
	}

	switch mode {
	case ModeHTTP:
		return f.fetchHTTP(ctx, site.URL)
	case ModeBrowser:
		return f.fetchBrowser(ctx, site)
	case ModePDF:
		return f.fetchPDF(ctx, site.URL)
	}
	return fail(site.URL, mode, "unhandled fetch mode %q", mode)
}

// fetchBrowser renders the page in headless Chrome and returns the full HTML.
func (f *Fetcher) fetchBrowser(ctx context.Context, site *config.Site) *Result {
	if f.renderer == nil {
		return fail(site.URL, ModeBrowser, "browser engine not available")
	}

	html, err := f.renderer.HTML(ctx, site.URL, site.ContentSelector, f.config.BrowserTimeout)
	if err != nil {
		f.logger.Error("fetch: browser render failed", "url", site.URL, "error", err)
		return fail(site.URL, ModeBrowser, "browser render: %v", err)
	}

	return &Result{
		URL:         site.URL,
		Success:     true,
		Content:     html,
		ContentType: "text/html",
		StatusCode:  200,
		Mode:        ModeBrowser,
		FetchedAt:   time.Now().UTC(),
	}
}

func fail(url string, mode Mode, format string, args ...any) *Result {
	return &Result{
		URL:       url,
		Mode:      mode,
		Error:     fmt.Sprintf(format, args...),
		FetchedAt: time.Now().UTC(),
	}
}
