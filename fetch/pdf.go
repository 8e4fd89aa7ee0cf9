package fetch

import (
	"bytes"
	"context"
	"time"
)

// fetchPDF downloads PDF bytes and extracts their text. The browser path is
// tried first because several monitored hosts reject non-browser clients;
// on browser failure a direct HTTP GET with browser headers is attempted
// under PDFRetry.
func (f *Fetcher) fetchPDF(ctx context.Context, url string) *Result {
	data, err := f.downloadPDF(ctx, url)
	if err != nil {
		f.logger.Error("fetch: pdf download failed", "url", url, "error", err)
		return fail(url, ModePDF, "pdf download: %v", err)
	}

	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return fail(url, ModePDF, "response is not a PDF document")
	}

	text, err := extractPDFText(data)
	if err != nil {
		f.logger.Error("fetch: pdf extraction failed", "url", url, "error", err)
		return fail(url, ModePDF, "pdf extraction: %v", err)
	}

	return &Result{
		URL:         url,
		Success:     true,
		Content:     text,
		ContentType: "application/pdf",
		StatusCode:  200,
		Mode:        ModePDF,
		FetchedAt:   time.Now().UTC(),
	}
}

func (f *Fetcher) downloadPDF(ctx context.Context, url string) ([]byte, error) {
	if f.renderer != nil {
		data, err := f.renderer.FetchPDF(ctx, url, f.config.BrowserTimeout)
		if err == nil {
			return data, nil
		}
		f.logger.Warn("fetch: browser pdf download failed, falling back to http",
			"url", url, "error", err)
	}

	var data []byte
	err := f.config.PDFRetry.Do(ctx, func() error {
		body, _, err := f.httpGetBytes(ctx, url)
		if err != nil {
			return err
		}
		data = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
