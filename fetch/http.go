package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// browserHeaders sets a realistic browser-like header set. Regulatory sites
// routinely serve reduced pages (or block outright) to obvious non-browser
// clients.
func browserHeaders(req *http.Request, userAgent string) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "es-MX,es;q=0.9,en;q=0.8")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
}

// transientStatus reports whether an HTTP status is worth retrying.
func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// fetchHTTP performs a plain GET with retry on transport errors and 5xx
// responses. A response that turns out to be a PDF is a configuration error,
// not content: the caller must switch the site to pdf mode.
func (f *Fetcher) fetchHTTP(ctx context.Context, url string) *Result {
	client := &http.Client{Timeout: f.config.Timeout}

	var body []byte
	var statusCode int
	var contentType string

	err := f.config.HTTPRetry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("new request: %w", err)
		}
		browserHeaders(req, f.config.UserAgent)

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("http get: %w", err)
		}
		defer resp.Body.Close()

		statusCode = resp.StatusCode
		contentType = strings.ToLower(resp.Header.Get("Content-Type"))

		if transientStatus(resp.StatusCode) {
			return fmt.Errorf("http %d", resp.StatusCode)
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes))
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	})
	if err != nil {
		f.logger.Error("fetch: http failed", "url", url, "error", err)
		r := fail(url, ModeHTTP, "%v", err)
		r.StatusCode = statusCode
		return r
	}

	if statusCode < 200 || statusCode >= 300 {
		f.logger.Error("fetch: http status", "url", url, "status", statusCode)
		r := fail(url, ModeHTTP, "http %d", statusCode)
		r.StatusCode = statusCode
		r.ContentType = contentType
		return r
	}

	if strings.Contains(contentType, "application/pdf") {
		r := fail(url, ModeHTTP, "url returned PDF content, use fetch_mode: pdf")
		r.StatusCode = statusCode
		r.ContentType = contentType
		return r
	}

	return &Result{
		URL:         url,
		Success:     true,
		Content:     string(body),
		ContentType: contentType,
		StatusCode:  statusCode,
		Mode:        ModeHTTP,
		FetchedAt:   time.Now().UTC(),
	}
}

// httpGetBytes is the direct-HTTP fallback for PDF download.
func (f *Fetcher) httpGetBytes(ctx context.Context, url string) ([]byte, int, error) {
	client := &http.Client{Timeout: f.config.Timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("new request: %w", err)
	}
	browserHeaders(req, f.config.UserAgent)
	req.Header.Set("Accept", "application/pdf,*/*;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}
