// Package browser manages the headless Chrome lifecycle for the browser and
// pdf fetch modes: lazy launch via rod, stealth pages, rendered-HTML capture,
// and in-page PDF download.
//
// Chrome is launched on first use and reused across fetches; Close shuts it
// down. A missing or broken Chrome install surfaces as an explicit error from
// the first render, never as a silent empty result.
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Manager owns one Chrome process shared by all fetches.
type Manager struct {
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	ua      string
	logger  *slog.Logger
	closed  bool
}

// NewManager creates a Manager. Chrome is not launched until the first
// render or download call.
func NewManager(userAgent string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{ua: userAgent, logger: logger}
}

// ensure launches and connects Chrome if not already running.
func (m *Manager) ensure() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil {
		return m.browser, nil
	}

	l := launcher.New().
		Headless(true).
		Set("disable-blink-features", "AutomationControlled")

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("browser: launch chrome: %w", err)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	m.lnch = l
	m.browser = b
	m.logger.Info("browser: launched headless chrome")
	return b, nil
}

// Close shuts down Chrome. Safe to call when Chrome never launched.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}

// newPage opens a stealth page with the configured user agent.
func (m *Manager) newPage(b *rod.Browser) (*rod.Page, error) {
	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create page: %w", err)
	}
	if m.ua != "" {
		if err := (proto.NetworkSetUserAgentOverride{UserAgent: m.ua}).Call(page); err != nil {
			m.logger.Warn("browser: user-agent override failed", "error", err)
		}
	}
	return page, nil
}

// HTML navigates to pageURL, waits for load and network idle (and
// waitSelector to appear, when set), then returns the rendered document HTML.
func (m *Manager) HTML(ctx context.Context, pageURL, waitSelector string, timeout time.Duration) (string, error) {
	b, err := m.ensure()
	if err != nil {
		return "", err
	}

	page, err := m.newPage(b)
	if err != nil {
		return "", err
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	page = page.Context(navCtx)

	if err := page.Navigate(pageURL); err != nil {
		return "", fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		m.logger.Warn("browser: wait load", "url", pageURL, "error", err)
	}

	wait := page.WaitRequestIdle(500*time.Millisecond, nil, nil, nil)
	wait()

	if waitSelector != "" {
		if _, err := page.Element(waitSelector); err != nil {
			return "", fmt.Errorf("browser: selector %q not found on %s: %w", waitSelector, pageURL, err)
		}
	}

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("browser: read html: %w", err)
	}
	return html, nil
}

// FetchPDF downloads a PDF through the browser. It first navigates to the
// site origin so the page carries real browser TLS and cookie state, then
// fetches the document from inside the page and returns the raw bytes. This
// path exists for servers whose bot detection rejects plain HTTP clients.
func (m *Manager) FetchPDF(ctx context.Context, pdfURL string, timeout time.Duration) ([]byte, error) {
	b, err := m.ensure()
	if err != nil {
		return nil, err
	}

	origin, err := originOf(pdfURL)
	if err != nil {
		return nil, err
	}

	page, err := m.newPage(b)
	if err != nil {
		return nil, err
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	page = page.Context(navCtx)

	if err := page.Navigate(origin); err != nil {
		return nil, fmt.Errorf("browser: navigate origin %s: %w", origin, err)
	}
	if err := page.WaitLoad(); err != nil {
		m.logger.Warn("browser: origin wait load", "url", origin, "error", err)
	}

	res, err := page.Eval(`async (u) => {
		const resp = await fetch(u, { credentials: "include" });
		if (!resp.ok) {
			throw new Error("HTTP " + resp.status);
		}
		const buf = await resp.arrayBuffer();
		const bytes = new Uint8Array(buf);
		let bin = "";
		for (let i = 0; i < bytes.length; i++) {
			bin += String.fromCharCode(bytes[i]);
		}
		return btoa(bin);
	}`, pdfURL)
	if err != nil {
		return nil, fmt.Errorf("browser: in-page fetch %s: %w", pdfURL, err)
	}

	data, err := base64.StdEncoding.DecodeString(res.Value.Str())
	if err != nil {
		return nil, fmt.Errorf("browser: decode pdf body: %w", err)
	}
	return data, nil
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("browser: invalid url %q", rawURL)
	}
	return u.Scheme + "://" + u.Host + "/", nil
}
