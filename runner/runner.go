// Package runner drives the monitoring pipeline for each configured
// site: fetch, extract, normalize, compare, persist, report.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/watchguard/config"
	"github.com/hazyhaar/watchguard/diff"
	"github.com/hazyhaar/watchguard/extract"
	"github.com/hazyhaar/watchguard/fetch"
	"github.com/hazyhaar/watchguard/ingest"
	"github.com/hazyhaar/watchguard/normalize"
	"github.com/hazyhaar/watchguard/snapshot"
)

// PageFetcher retrieves a site's content.
type PageFetcher interface {
	Fetch(ctx context.Context, site *config.Site) *fetch.Result
}

// Reporter delivers change reports.
type Reporter interface {
	PostChange(ctx context.Context, ch *ingest.Change) (*ingest.Receipt, error)
}

// Report is the outcome of one site run.
type Report struct {
	Site      string
	URL       string
	Changed   bool
	Reported  bool
	Duplicate bool
	Summary   string
	Err       error
}

// Status classifies the outcome for display.
func (r *Report) Status() string {
	switch {
	case r.Err != nil:
		return "ERROR"
	case r.Duplicate:
		return "DUPLICATE"
	case r.Reported:
		return "INGESTED"
	case r.Changed:
		return "MINOR CHANGE"
	default:
		return "NO CHANGE"
	}
}

// Runner executes the pipeline. All collaborators are injected.
type Runner struct {
	fetcher   PageFetcher
	extractor *extract.Extractor
	store     *snapshot.Store
	reporter  Reporter
	logger    *slog.Logger
}

func New(fetcher PageFetcher, extractor *extract.Extractor, store *snapshot.Store, reporter Reporter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		reporter:  reporter,
		logger:    logger,
	}
}

// RunSingle monitors one site. Pipeline errors are returned inside the
// Report so RunAll can keep going.
func (r *Runner) RunSingle(ctx context.Context, site *config.Site) *Report {
	rep := &Report{Site: site.Name, URL: site.URL}
	logger := r.logger.With("site", site.Name, "url", site.URL)

	res := r.fetcher.Fetch(ctx, site)
	if !res.Success {
		rep.Err = fmt.Errorf("runner: fetch %s: %s", site.URL, res.Error)
		return rep
	}

	rawText, title, err := r.extractText(site, res)
	if err != nil {
		rep.Err = err
		return rep
	}

	norm := normalize.New(site.IgnorePatterns, logger)
	normText := norm.Text(rawText)
	hash := normalize.Hash(normText)

	snap := &snapshot.Snapshot{
		URL:            site.URL,
		ContentHash:    hash,
		NormalizedText: normText,
		RawText:        rawText,
		Title:          title,
		FetchedAt:      res.FetchedAt,
	}
	// Hash equality is the only "unchanged" criterion: a changed page is
	// always snapshotted even when the diff later falls below threshold.
	prev, saved, err := r.store.CompareAndSave(ctx, snap, func(prev *snapshot.Snapshot) bool {
		return prev.ContentHash == hash
	})
	if err != nil {
		rep.Err = err
		return rep
	}
	if !saved {
		rep.Summary = "No changes detected"
		logger.Info("no change", "hash", hash[:12])
		return rep
	}

	var prevRaw string
	if prev != nil {
		prevRaw = prev.RawText
	}
	result := diff.Compute(prevRaw, rawText)
	rep.Changed = result.Changed
	rep.Summary = result.Summary()

	if !result.Meaningful() {
		logger.Info("change below threshold", "summary", rep.Summary,
			"ratio", result.ChangeRatio, "added_chars", result.AddedChars)
		return rep
	}

	change := &ingest.Change{
		SourceID:      normalize.SourceID(site.URL, res.FetchedAt),
		SourceName:    site.ReportName(),
		SourceCountry: site.SourceCountry,
		URL:           site.URL,
		Title:         title,
		Summary:       rep.Summary,
		PreviousText:  prevRaw,
		CurrentText:   rawText,
		DiffText:      result.Unified,
		ContentHash:   hash,
		ChangeRatio:   result.ChangeRatio,
		FetchMode:     res.Mode.String(),
		FetchedAt:     res.FetchedAt.UTC().Format(time.RFC3339),
	}
	receipt, err := r.reporter.PostChange(ctx, change)
	if err != nil {
		// The snapshot is already saved; the change will not be re-detected.
		// Surface the delivery failure as the site's error.
		rep.Err = err
		return rep
	}
	rep.Reported = true
	rep.Duplicate = receipt.Duplicate
	logger.Info("change reported", "summary", rep.Summary,
		"change_id", receipt.ChangeID, "first_fetch", prev == nil)
	return rep
}

// RunAll monitors every site in order. A panic in one site's pipeline is
// recovered and recorded so the remaining sites still run.
func (r *Runner) RunAll(ctx context.Context, sites []config.Site) []*Report {
	reports := make([]*Report, 0, len(sites))
	for i := range sites {
		site := &sites[i]
		if ctx.Err() != nil {
			reports = append(reports, &Report{Site: site.Name, URL: site.URL, Err: ctx.Err()})
			continue
		}
		reports = append(reports, r.runGuarded(ctx, site))
	}

	var changed, reported, failed int
	for _, rep := range reports {
		if rep.Err != nil {
			failed++
			r.logger.Error("site run failed", "site", rep.Site, "error", rep.Err)
			continue
		}
		if rep.Changed {
			changed++
		}
		if rep.Reported {
			reported++
		}
	}
	r.logger.Info("run complete",
		"sites", len(sites), "changed", changed, "reported", reported, "failed", failed)
	return reports
}

func (r *Runner) runGuarded(ctx context.Context, site *config.Site) (rep *Report) {
	defer func() {
		if p := recover(); p != nil {
			rep = &Report{
				Site: site.Name,
				URL:  site.URL,
				Err:  fmt.Errorf("runner: panic in %s: %v", site.Name, p),
			}
		}
	}()
	return r.RunSingle(ctx, site)
}

// extractText converts the fetch result into clean text. PDF fetches
// already carry extracted text; HTML goes through the extractor.
func (r *Runner) extractText(site *config.Site, res *fetch.Result) (text, title string, err error) {
	if res.Mode == fetch.ModePDF {
		if len(res.Content) < extract.MinContentLength {
			return "", "", fmt.Errorf("runner: pdf text too short (%d chars) for %s", len(res.Content), site.URL)
		}
		return res.Content, site.ReportName(), nil
	}

	text, err = r.extractor.Text(res.Content, site.URL, site.ContentSelector, site.ExcludeSelectors)
	if err != nil {
		return "", "", err
	}
	title = extract.Title(res.Content)
	if title == "" {
		title = site.ReportName()
	}
	return text, title, nil
}
