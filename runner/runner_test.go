package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/watchguard/config"
	"github.com/hazyhaar/watchguard/dbopen"
	"github.com/hazyhaar/watchguard/extract"
	"github.com/hazyhaar/watchguard/fetch"
	"github.com/hazyhaar/watchguard/ingest"
	"github.com/hazyhaar/watchguard/snapshot"
)

type fakeFetcher struct {
	results map[string]*fetch.Result
}

func (f *fakeFetcher) Fetch(_ context.Context, site *config.Site) *fetch.Result {
	if res, ok := f.results[site.URL]; ok {
		return res
	}
	return &fetch.Result{URL: site.URL, Error: "no fixture", FetchedAt: time.Now()}
}

type fakeReporter struct {
	changes   []*ingest.Change
	duplicate bool
	err       error
}

func (f *fakeReporter) PostChange(_ context.Context, ch *ingest.Change) (*ingest.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.changes = append(f.changes, ch)
	return &ingest.Receipt{OK: true, Duplicate: f.duplicate, ChangeID: 7}, nil
}

func htmlPage(body string) *fetch.Result {
	return &fetch.Result{
		Success:   true,
		Content:   "<html><head><title>Avisos Oficiales</title></head><body><div class=\"c\">" + body + "</div></body></html>",
		Mode:      fetch.ModeHTTP,
		FetchedAt: time.Now(),
	}
}

const pageV1 = `<h1>Reglamento sanitario</h1>
<p>Articulo primero: las disposiciones generales aplican a todos los establecimientos registrados ante la autoridad.</p>
<p>Articulo segundo: los permisos se renuevan de manera anual sin excepciones.</p>`

const pageV2 = pageV1 + `
<p>Articulo tercero: se agrega un nuevo requisito de notificacion previa para cambios de domicilio.</p>`

func testRunner(t *testing.T, fetcher PageFetcher, reporter Reporter) (*Runner, *snapshot.Store) {
	t.Helper()
	store := snapshot.NewStore(dbopen.OpenMemory(t, dbopen.WithSchema(snapshot.Schema)))
	return New(fetcher, extract.New(nil), store, reporter, nil), store
}

func site(url string) *config.Site {
	return &config.Site{URL: url, Name: "prueba", FetchMode: "http", ContentSelector: ".c"}
}

func TestRunSingleFirstFetch(t *testing.T) {
	url := "https://example.gob.mx/reglamento"
	fetcher := &fakeFetcher{results: map[string]*fetch.Result{url: htmlPage(pageV1)}}
	reporter := &fakeReporter{}
	r, store := testRunner(t, fetcher, reporter)

	rep := r.RunSingle(context.Background(), site(url))
	if rep.Err != nil {
		t.Fatalf("RunSingle: %v", rep.Err)
	}
	if !rep.Changed || !rep.Reported {
		t.Fatalf("first fetch: changed=%v reported=%v", rep.Changed, rep.Reported)
	}
	if len(reporter.changes) != 1 {
		t.Fatalf("changes reported: got %d", len(reporter.changes))
	}
	ch := reporter.changes[0]
	if !strings.HasPrefix(ch.DiffText, "+++ Initial fetch\n") {
		t.Errorf("initial diff: %q", ch.DiffText)
	}
	if !strings.HasPrefix(ch.SourceID, "watchguard:") {
		t.Errorf("source id: %q", ch.SourceID)
	}
	if ch.Title != "Avisos Oficiales" {
		t.Errorf("title: %q", ch.Title)
	}
	if ch.PreviousText != "" || ch.CurrentText == "" {
		t.Errorf("texts: prev=%q curr=%q", ch.PreviousText, ch.CurrentText)
	}
	if ch.FetchMode != "http" {
		t.Errorf("fetch mode: %q", ch.FetchMode)
	}

	snap, err := store.Latest(context.Background(), url)
	if err != nil || snap == nil {
		t.Fatalf("snapshot not saved: %v %v", snap, err)
	}
}

func TestRunSingleNoChange(t *testing.T) {
	url := "https://example.gob.mx/reglamento"
	fetcher := &fakeFetcher{results: map[string]*fetch.Result{url: htmlPage(pageV1)}}
	reporter := &fakeReporter{}
	r, store := testRunner(t, fetcher, reporter)
	ctx := context.Background()

	r.RunSingle(ctx, site(url))
	rep := r.RunSingle(ctx, site(url))
	if rep.Err != nil {
		t.Fatalf("RunSingle: %v", rep.Err)
	}
	if rep.Changed {
		t.Error("unchanged page reported as changed")
	}
	if len(reporter.changes) != 1 {
		t.Errorf("changes reported: got %d, want 1 (first fetch only)", len(reporter.changes))
	}
	// No second snapshot for an identical page.
	if n, _ := store.Count(ctx, url); n != 1 {
		t.Errorf("snapshot count: got %d, want 1", n)
	}
}

func TestRunSingleDetectsChange(t *testing.T) {
	url := "https://example.gob.mx/reglamento"
	fetcher := &fakeFetcher{results: map[string]*fetch.Result{url: htmlPage(pageV1)}}
	reporter := &fakeReporter{}
	r, store := testRunner(t, fetcher, reporter)
	ctx := context.Background()

	r.RunSingle(ctx, site(url))
	fetcher.results[url] = htmlPage(pageV2)
	rep := r.RunSingle(ctx, site(url))
	if rep.Err != nil {
		t.Fatalf("RunSingle: %v", rep.Err)
	}
	if !rep.Changed || !rep.Reported {
		t.Fatalf("change: changed=%v reported=%v summary=%q", rep.Changed, rep.Reported, rep.Summary)
	}
	ch := reporter.changes[len(reporter.changes)-1]
	if !strings.Contains(ch.DiffText, "+Articulo tercero") {
		t.Errorf("diff missing addition: %q", ch.DiffText)
	}
	if !strings.Contains(ch.PreviousText, "Articulo segundo") ||
		!strings.Contains(ch.CurrentText, "Articulo tercero") {
		t.Errorf("texts: prev=%q curr=%q", ch.PreviousText, ch.CurrentText)
	}
	if ch.ChangeRatio <= 0 {
		t.Errorf("change ratio: %v", ch.ChangeRatio)
	}
	if n, _ := store.Count(ctx, url); n != 2 {
		t.Errorf("snapshot count: got %d, want 2", n)
	}
}

func TestRunSingleIgnorePatterns(t *testing.T) {
	url := "https://example.gob.mx/reglamento"
	fetcher := &fakeFetcher{results: map[string]*fetch.Result{
		url: htmlPage(pageV1 + "<p>Folio de sesion: 1111</p>"),
	}}
	reporter := &fakeReporter{}
	r, _ := testRunner(t, fetcher, reporter)
	ctx := context.Background()

	s := site(url)
	s.IgnorePatterns = []string{`(?i)folio de sesion: \d+`}
	r.RunSingle(ctx, s)
	fetcher.results[url] = htmlPage(pageV1 + "<p>Folio de sesion: 2222</p>")
	rep := r.RunSingle(ctx, s)
	if rep.Changed {
		t.Errorf("ignored pattern caused a change: %q", rep.Summary)
	}
}

func TestRunSingleFetchFailure(t *testing.T) {
	url := "https://example.gob.mx/caido"
	fetcher := &fakeFetcher{results: map[string]*fetch.Result{
		url: {URL: url, Error: "HTTP 503", FetchedAt: time.Now()},
	}}
	reporter := &fakeReporter{}
	r, store := testRunner(t, fetcher, reporter)

	rep := r.RunSingle(context.Background(), site(url))
	if rep.Err == nil {
		t.Fatal("expected fetch error")
	}
	// A failed fetch must never record a snapshot.
	if n, _ := store.Count(context.Background(), url); n != 0 {
		t.Errorf("snapshot count after failure: got %d", n)
	}
}

func TestRunSinglePDFUsesContentDirectly(t *testing.T) {
	url := "https://example.gob.mx/norma.pdf"
	fetcher := &fakeFetcher{results: map[string]*fetch.Result{
		url: {
			Success:   true,
			Content:   strings.Repeat("Texto extraido del documento normativo. ", 10),
			Mode:      fetch.ModePDF,
			FetchedAt: time.Now(),
		},
	}}
	reporter := &fakeReporter{}
	r, _ := testRunner(t, fetcher, reporter)

	s := site(url)
	s.FetchMode = "pdf"
	s.SourceName = "Norma Oficial"
	rep := r.RunSingle(context.Background(), s)
	if rep.Err != nil {
		t.Fatalf("RunSingle: %v", rep.Err)
	}
	if !rep.Reported {
		t.Fatal("pdf first fetch not reported")
	}
	if reporter.changes[0].Title != "Norma Oficial" {
		t.Errorf("pdf title: %q", reporter.changes[0].Title)
	}
}

func TestRunAllContinuesPastFailures(t *testing.T) {
	okURL := "https://ok.example/"
	badURL := "https://bad.example/"
	fetcher := &fakeFetcher{results: map[string]*fetch.Result{
		okURL:  htmlPage(pageV1),
		badURL: {URL: badURL, Error: "timeout", FetchedAt: time.Now()},
	}}
	reporter := &fakeReporter{}
	r, _ := testRunner(t, fetcher, reporter)

	sites := []config.Site{*site(badURL), *site(okURL)}
	reports := r.RunAll(context.Background(), sites)
	if len(reports) != 2 {
		t.Fatalf("reports: got %d", len(reports))
	}
	if reports[0].Err == nil {
		t.Error("bad site should carry its error")
	}
	if reports[1].Err != nil || !reports[1].Reported {
		t.Errorf("good site should still run: %+v", reports[1])
	}
}

func TestRunAllRecoversPanic(t *testing.T) {
	url := "https://panic.example/"
	r, _ := testRunner(t, panicFetcher{}, &fakeReporter{})

	reports := r.RunAll(context.Background(), []config.Site{*site(url)})
	if len(reports) != 1 || reports[0].Err == nil {
		t.Fatalf("panic not converted to error: %+v", reports)
	}
	if !strings.Contains(reports[0].Err.Error(), "panic") {
		t.Errorf("error: %v", reports[0].Err)
	}
}

type panicFetcher struct{}

func (panicFetcher) Fetch(context.Context, *config.Site) *fetch.Result {
	panic("boom")
}

// A different content hash always appends a snapshot, even when the
// texts stay nearly identical and the change is too small to report.
// Only hash equality means "unchanged".
func TestRunSingleSavesNearIdenticalChange(t *testing.T) {
	url := "https://example.gob.mx/reglamento"
	base := strings.Repeat("<p>Parrafo estable del reglamento sanitario vigente.</p>\n", 60)
	tweaked := strings.Replace(base, "estable", "estables", 1)

	fetcher := &fakeFetcher{results: map[string]*fetch.Result{url: htmlPage(base)}}
	reporter := &fakeReporter{}
	r, store := testRunner(t, fetcher, reporter)
	ctx := context.Background()

	r.RunSingle(ctx, site(url))
	fetcher.results[url] = htmlPage(tweaked)
	rep := r.RunSingle(ctx, site(url))
	if rep.Err != nil {
		t.Fatalf("RunSingle: %v", rep.Err)
	}
	if !rep.Changed {
		t.Error("hash change not detected")
	}
	if n, _ := store.Count(ctx, url); n != 2 {
		t.Errorf("snapshot count: got %d, want 2", n)
	}
	// The tiny edit stays below the reporting thresholds.
	if rep.Reported {
		t.Error("near-identical change should not be reported")
	}
}

func TestRunSingleDuplicateReceipt(t *testing.T) {
	url := "https://example.gob.mx/reglamento"
	fetcher := &fakeFetcher{results: map[string]*fetch.Result{url: htmlPage(pageV1)}}
	reporter := &fakeReporter{duplicate: true}
	r, _ := testRunner(t, fetcher, reporter)

	rep := r.RunSingle(context.Background(), site(url))
	if rep.Err != nil {
		t.Fatalf("RunSingle: %v", rep.Err)
	}
	if !rep.Duplicate || rep.Status() != "DUPLICATE" {
		t.Errorf("duplicate receipt: %+v status=%s", rep, rep.Status())
	}
}

func TestReportStatus(t *testing.T) {
	cases := []struct {
		rep  Report
		want string
	}{
		{Report{Err: context.Canceled}, "ERROR"},
		{Report{Reported: true, Duplicate: true}, "DUPLICATE"},
		{Report{Changed: true, Reported: true}, "INGESTED"},
		{Report{Changed: true}, "MINOR CHANGE"},
		{Report{}, "NO CHANGE"},
	}
	for _, tc := range cases {
		if got := tc.rep.Status(); got != tc.want {
			t.Errorf("Status(%+v): got %s, want %s", tc.rep, got, tc.want)
		}
	}
}
