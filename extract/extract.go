// Package extract turns fetched HTML into clean text suitable for
// change detection. Extraction is tiered: a configured CSS selector
// first, a readability pass when the selector yields nothing usable,
// and a whole-document strip as the last resort.
package extract

import (
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

// MinContentLength is the shortest extraction considered usable. Anything
// below this is treated as a failed tier (or, at the end of the chain, a
// failed extraction) so that block pages and empty shells never overwrite
// a good snapshot.
const MinContentLength = 50

// boilerplateSelectors lists elements stripped before any text is taken.
const boilerplateSelectors = "script, style, noscript, nav, header, footer, aside, iframe"

// blockSelectors lists elements whose text is joined with newlines so
// that line-oriented diffs stay aligned with the visual structure.
const blockSelectors = "p, h1, h2, h3, h4, h5, h6, li, td, th, div, article, section, blockquote, pre"

// Extractor converts page HTML into plain text.
type Extractor struct {
	strip  *bluemonday.Policy
	logger *slog.Logger
}

func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		strip:  bluemonday.StrictPolicy(),
		logger: logger,
	}
}

// Text extracts clean text from htmlSrc. When selector is non-empty only
// the matching subtree is used; excludes are removed before text is taken.
// Falls back through readability and a full-document strip when earlier
// tiers yield less than MinContentLength characters.
func (e *Extractor) Text(htmlSrc, pageURL, selector string, excludes []string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlSrc))
	if err != nil {
		return "", fmt.Errorf("extract: parse html: %w", err)
	}

	if selector != "" {
		if text := selectorText(doc, selector, excludes); len(text) >= MinContentLength {
			return text, nil
		}
		e.logger.Debug("selector extraction too short, trying readability",
			"url", pageURL, "selector", selector)
	}

	if text := readabilityText(htmlSrc, pageURL, excludes); len(text) >= MinContentLength {
		return text, nil
	}

	text := e.documentText(doc)
	if len(text) < MinContentLength {
		return "", fmt.Errorf("extract: content too short (%d chars) for %s", len(text), pageURL)
	}
	return text, nil
}

// Title returns the page title, preferring <title> then the first <h1>.
func Title(htmlSrc string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlSrc))
	if err != nil {
		return ""
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

// selectorText takes text from the nodes matching selector, removing
// excluded subtrees first. Matches are concatenated in document order.
func selectorText(doc *goquery.Document, selector string, excludes []string) string {
	sel := doc.Find(selector)
	if sel.Length() == 0 {
		return ""
	}
	sel.Find(boilerplateSelectors).Remove()
	for _, ex := range excludes {
		sel.Find(ex).Remove()
	}

	var parts []string
	sel.Each(func(_ int, s *goquery.Selection) {
		if text := blockText(s); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// readabilityText runs a readability-style pass over the full document.
// Excludes are applied to the readability output so site-specific noise
// does not leak back in through the fallback.
func readabilityText(htmlSrc, pageURL string, excludes []string) string {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(strings.NewReader(htmlSrc), parsed)
	if err != nil {
		return ""
	}

	if len(excludes) > 0 && strings.TrimSpace(article.Content) != "" {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
		if err == nil {
			for _, ex := range excludes {
				doc.Find(ex).Remove()
			}
			return blockText(doc.Selection)
		}
	}
	return strings.TrimSpace(article.TextContent)
}

// documentText strips the whole document down to visible text. Sanitizer
// output still carries entities, so unescape after stripping.
func (e *Extractor) documentText(doc *goquery.Document) string {
	doc.Find(boilerplateSelectors).Remove()
	body := doc.Find("body").First()
	if body.Length() == 0 {
		body = doc.Selection
	}
	h, err := goquery.OuterHtml(body)
	if err != nil {
		return blockText(body)
	}
	text := e.strip.Sanitize(h)
	text = html.UnescapeString(text)
	return collapseBlank(text)
}

// blockText renders a selection as text with one line per block element,
// so structural changes show up as line changes in the diff.
func blockText(sel *goquery.Selection) string {
	blocks := sel.Find(blockSelectors)
	if blocks.Length() == 0 {
		return strings.TrimSpace(sel.Text())
	}

	var lines []string
	blocks.Each(func(_ int, s *goquery.Selection) {
		// Skip containers that have block children of their own, their
		// text is covered by the leaves.
		if s.Find(blockSelectors).Length() > 0 {
			return
		}
		if text := strings.TrimSpace(collapseSpaces(s.Text())); text != "" {
			lines = append(lines, text)
		}
	})
	return strings.Join(lines, "\n")
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// collapseBlank trims lines and drops the empty ones.
func collapseBlank(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(collapseSpaces(line))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
