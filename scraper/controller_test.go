package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/events"
	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/parser"
	"github.com/aluiziolira/go-scrape-products/pipeline"
	"github.com/aluiziolira/go-scrape-products/store"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test/"
	cfg.Timeout = 5 * time.Second
	cfg.MaxAttempts = 3
	cfg.RetryDelay = time.Millisecond
	cfg.PageDelay = time.Millisecond
	return cfg
}

type searchProduct struct {
	ID    string
	Title string
}

func buildSearchPage(t *testing.T, products ...searchProduct) string {
	t.Helper()
	slots := make([]any, 0, len(products)+1)
	slots = append(slots, map[string]any{"slotType": "WIDGET", "widget": map[string]any{"type": "BANNER"}})
	for _, p := range products {
		value := map[string]any{
			"titles":   map[string]any{"title": p.Title},
			"baseUrl":  "/p/" + strings.ToLower(p.ID),
			"vertical": "mobile",
		}
		if p.ID != "" {
			value["id"] = p.ID
		}
		slots = append(slots, map[string]any{
			"slotType": "WIDGET",
			"widget": map[string]any{
				"type": "PRODUCT_SUMMARY",
				"data": map[string]any{
					"products": []any{map[string]any{"productInfo": map[string]any{"value": value}}},
				},
			},
		})
	}
	state := map[string]any{
		"pageDataV4": map[string]any{"page": map[string]any{"data": map[string]any{"10002": slots}}},
	}
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal page: %v", err)
	}
	return fmt.Sprintf(`<html><body><div id="container"></div><script id="is_script">window.__INITIAL_STATE__ = %s;</script></body></html>`, data)
}

// searchSite serves search pages keyed by the page query parameter and
// records which pages were requested.
type searchSite struct {
	mu        sync.Mutex
	pages     map[string]string
	status    int
	requested []string
	queries   []string
}

func (s *searchSite) transport() *httpmock.MockTransport {
	transport := httpmock.NewMockTransport()
	transport.RegisterNoResponder(func(req *http.Request) (*http.Response, error) {
		page := req.URL.Query().Get("page")
		s.mu.Lock()
		s.requested = append(s.requested, page)
		s.queries = append(s.queries, req.URL.Query().Get("q"))
		status := s.status
		body, ok := s.pages[page]
		s.mu.Unlock()

		if status != 0 {
			return httpmock.NewStringResponse(status, "unavailable"), nil
		}
		if !ok {
			return httpmock.NewStringResponse(http.StatusNotFound, ""), nil
		}
		resp := httpmock.NewStringResponse(http.StatusOK, body)
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
		return resp, nil
	})
	return transport
}

func (s *searchSite) requestedPages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requested...)
}

type fakeStorage struct {
	mu       sync.Mutex
	products map[string]models.Product
	order    []string
	onInsert func(p models.Product)
}

func newFakeStorage(existing ...string) *fakeStorage {
	fs := &fakeStorage{products: make(map[string]models.Product)}
	for _, id := range existing {
		fs.products[id] = models.Product{ProductID: id}
	}
	return fs
}

func (fs *fakeStorage) Exists(_ context.Context, id string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.products[id]
	return ok, nil
}

func (fs *fakeStorage) Insert(_ context.Context, p models.Product) error {
	fs.mu.Lock()
	if _, ok := fs.products[p.ProductID]; ok {
		fs.mu.Unlock()
		return store.ErrDuplicate
	}
	fs.products[p.ProductID] = p
	fs.order = append(fs.order, p.ProductID)
	hook := fs.onInsert
	fs.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	events  []events.Event
	onEvent func(ev events.Event)
}

func (rp *recordingPublisher) Publish(ev events.Event) {
	rp.mu.Lock()
	rp.events = append(rp.events, ev)
	hook := rp.onEvent
	rp.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (rp *recordingPublisher) statuses() []models.Status {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	var out []models.Status
	for _, ev := range rp.events {
		if ev.Kind == events.KindStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (rp *recordingPublisher) messages(level events.Level) []string {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	var out []string
	for _, ev := range rp.events {
		if ev.Kind == events.KindLog && ev.Level == level {
			out = append(out, ev.Message)
		}
	}
	return out
}

func (rp *recordingPublisher) lastStats() models.Stats {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	for i := len(rp.events) - 1; i >= 0; i-- {
		if rp.events[i].Kind == events.KindStats {
			return rp.events[i].Stats
		}
	}
	return models.Stats{}
}

func newTestController(t *testing.T, cfg *config.Config, transport http.RoundTripper, storage pipeline.Storage, pub Publisher) *Controller {
	t.Helper()
	metrics := NewMetrics()
	fetcher, err := NewFetcher(cfg, metrics)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	fetcher.WithTransport(transport)

	normalizer, err := parser.NewNormalizer(cfg.BaseURL)
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	writer, err := pipeline.NewWriter(storage, 64)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	return NewController(cfg, fetcher, normalizer, writer, pub, metrics)
}

func TestControllerPhonesScenario(t *testing.T) {
	cfg := testConfig()
	site := &searchSite{pages: map[string]string{
		"1": buildSearchPage(t,
			searchProduct{ID: "P1", Title: "Phone One"},
			searchProduct{ID: "P2", Title: "Phone Two"},
			searchProduct{ID: "P3", Title: "Phone Three"},
		),
		"2": buildSearchPage(t,
			searchProduct{ID: "", Title: "Phone Without Id"},
			searchProduct{ID: "P4", Title: "Phone Four"},
		),
	}}
	storage := newFakeStorage("P3")
	pub := &recordingPublisher{}
	c := newTestController(t, cfg, site.transport(), storage, pub)

	job := NewJob(context.Background(), "phones", 2, true)
	if err := c.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}

	snap := job.Snapshot()
	want := models.Stats{Scraped: 3, Duplicates: 1, Errors: 1, PagesProcessed: 2}
	if snap.Stats != want {
		t.Fatalf("stats=%+v, want %+v", snap.Stats, want)
	}
	if snap.Status != models.StatusCompleted {
		t.Fatalf("status=%s, want completed", snap.Status)
	}
	if snap.FinishedAt == nil || snap.CurrentPage != 3 {
		t.Fatalf("unexpected final snapshot: %+v", snap)
	}
	if got := pub.lastStats(); got != want {
		t.Fatalf("last stats event=%+v, want %+v", got, want)
	}
	if got := pub.statuses(); len(got) != 2 || got[0] != models.StatusRunning || got[1] != models.StatusCompleted {
		t.Fatalf("status events=%v", got)
	}
	if got := strings.Join(storage.order, ","); got != "P1,P2,P4" {
		t.Fatalf("insert order=%s, want P1,P2,P4", got)
	}
	if pages := site.requestedPages(); len(pages) != 2 || pages[0] != "1" || pages[1] != "2" {
		t.Fatalf("requested pages=%v", pages)
	}
	if site.queries[0] != "phones" {
		t.Fatalf("query param=%q", site.queries[0])
	}

	warnings := pub.messages(events.LevelWarning)
	if len(warnings) != 2 || warnings[0] != "Duplicate skipped: Phone Three..." {
		t.Fatalf("warnings=%v", warnings)
	}
	if success := pub.messages(events.LevelSuccess); success[len(success)-1] != "Scrape Job Completed Successfully" {
		t.Fatalf("last success log=%q", success[len(success)-1])
	}
}

func TestControllerFetchFailureIsFatal(t *testing.T) {
	cfg := testConfig()
	site := &searchSite{status: http.StatusServiceUnavailable}
	transport := site.transport()
	pub := &recordingPublisher{}
	c := newTestController(t, cfg, transport, newFakeStorage(), pub)

	job := NewJob(context.Background(), "phones", 2, true)
	err := c.Run(context.Background(), job)

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("err=%v, want FetchError", err)
	}
	if fetchErr.Attempts != 3 || fetchErr.Page != 1 {
		t.Fatalf("fetch error=%+v", fetchErr)
	}
	if got := transport.GetTotalCallCount(); got != 3 {
		t.Fatalf("requests=%d, want 3", got)
	}

	snap := job.Snapshot()
	if snap.Status != models.StatusError || snap.Stats.PagesProcessed != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if snap.Stats.Errors != 1 {
		t.Fatalf("errors=%d after a failed fetch, want 1", snap.Stats.Errors)
	}
	if last := pub.lastStats(); last.Errors != 1 {
		t.Fatalf("last stats event=%+v, want errors=1", last)
	}
	if snap.Error == "" {
		t.Fatalf("snapshot should carry the failure")
	}
	errorsLogged := pub.messages(events.LevelError)
	if len(errorsLogged) != 1 || !strings.HasPrefix(errorsLogged[0], "Fatal error during scrape run") {
		t.Fatalf("error logs=%v", errorsLogged)
	}
}

func TestControllerStopDuringFirstPage(t *testing.T) {
	cfg := testConfig()
	site := &searchSite{pages: map[string]string{
		"1": buildSearchPage(t,
			searchProduct{ID: "A", Title: "Phone A"},
			searchProduct{ID: "B", Title: "Phone B"},
			searchProduct{ID: "C", Title: "Phone C"},
		),
		"2": buildSearchPage(t, searchProduct{ID: "D", Title: "Phone D"}),
	}}
	storage := newFakeStorage()
	pub := &recordingPublisher{}
	c := newTestController(t, cfg, site.transport(), storage, pub)

	job := NewJob(context.Background(), "phones", 2, true)
	storage.onInsert = func(p models.Product) {
		if p.ProductID == "C" {
			job.Stop()
		}
	}

	if err := c.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}

	snap := job.Snapshot()
	if snap.Status != models.StatusCancelled {
		t.Fatalf("status=%s, want cancelled", snap.Status)
	}
	if snap.Stats.PagesProcessed != 1 || snap.Stats.Scraped != 3 {
		t.Fatalf("stats=%+v", snap.Stats)
	}
	for _, page := range site.requestedPages() {
		if page == "2" {
			t.Fatalf("page 2 should never be requested")
		}
	}
	warnings := pub.messages(events.LevelWarning)
	if len(warnings) == 0 || warnings[len(warnings)-1] != "Scrape Job Cancelled by User" {
		t.Fatalf("warnings=%v", warnings)
	}
}

func TestControllerStopMidPageSkipsRemainingRecords(t *testing.T) {
	cfg := testConfig()
	site := &searchSite{pages: map[string]string{
		"1": buildSearchPage(t,
			searchProduct{ID: "A", Title: "Phone A"},
			searchProduct{ID: "B", Title: "Phone B"},
			searchProduct{ID: "C", Title: "Phone C"},
		),
	}}
	storage := newFakeStorage()
	c := newTestController(t, cfg, site.transport(), storage, nil)

	job := NewJob(context.Background(), "phones", 1, true)
	storage.onInsert = func(p models.Product) {
		if p.ProductID == "A" {
			job.Stop()
		}
	}
	if err := c.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}

	snap := job.Snapshot()
	if snap.Status != models.StatusCancelled || snap.Stats.Scraped != 1 || snap.Stats.PagesProcessed != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestControllerWithoutPaginationFetchesOnePage(t *testing.T) {
	cfg := testConfig()
	site := &searchSite{pages: map[string]string{
		"1": buildSearchPage(t, searchProduct{ID: "A", Title: "Phone A"}),
		"2": buildSearchPage(t, searchProduct{ID: "B", Title: "Phone B"}),
	}}
	c := newTestController(t, cfg, site.transport(), newFakeStorage(), nil)

	job := NewJob(context.Background(), "phones", 5, false)
	if err := c.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	if pages := site.requestedPages(); len(pages) != 1 || pages[0] != "1" {
		t.Fatalf("requested pages=%v, want [1]", pages)
	}
	if snap := job.Snapshot(); snap.Status != models.StatusCompleted || snap.Stats.Scraped != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestControllerAbsorbsExtractionFailure(t *testing.T) {
	cfg := testConfig()
	site := &searchSite{pages: map[string]string{
		"1": "<html><body><p>captcha</p></body></html>",
		"2": buildSearchPage(t, searchProduct{ID: "A", Title: "Phone A"}),
	}}
	pub := &recordingPublisher{}
	c := newTestController(t, cfg, site.transport(), newFakeStorage(), pub)

	job := NewJob(context.Background(), "phones", 2, true)
	if err := c.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := models.Stats{Scraped: 1, Errors: 1, PagesProcessed: 2}
	if snap := job.Snapshot(); snap.Stats != want || snap.Status != models.StatusCompleted {
		t.Fatalf("snapshot=%+v, want stats %+v", snap, want)
	}
}

func TestControllerShutdownDuringSleepCancels(t *testing.T) {
	cfg := testConfig()
	cfg.PageDelay = time.Hour
	site := &searchSite{pages: map[string]string{
		"1": buildSearchPage(t, searchProduct{ID: "A", Title: "Phone A"}),
		"2": buildSearchPage(t, searchProduct{ID: "B", Title: "Phone B"}),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &recordingPublisher{}
	pub.onEvent = func(ev events.Event) {
		if ev.Kind == events.KindLog && strings.HasPrefix(ev.Message, "Sleeping for") {
			cancel()
		}
	}
	c := newTestController(t, cfg, site.transport(), newFakeStorage(), pub)

	job := NewJob(context.Background(), "phones", 2, true)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, job) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after shutdown")
	}
	if snap := job.Snapshot(); snap.Status != models.StatusCancelled || snap.Stats.PagesProcessed != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestControllerStopDuringSleepWaitsOutDelay(t *testing.T) {
	cfg := testConfig()
	cfg.PageDelay = 300 * time.Millisecond
	site := &searchSite{pages: map[string]string{
		"1": buildSearchPage(t, searchProduct{ID: "A", Title: "Phone A"}),
		"2": buildSearchPage(t, searchProduct{ID: "B", Title: "Phone B"}),
	}}

	job := NewJob(context.Background(), "phones", 2, true)
	stopped := make(chan time.Time, 1)
	pub := &recordingPublisher{}
	pub.onEvent = func(ev events.Event) {
		if ev.Kind != events.KindLog || !strings.HasPrefix(ev.Message, "Sleeping for") {
			return
		}
		go func() {
			for job.Snapshot().Phase != models.PhaseSleeping {
				time.Sleep(time.Millisecond)
			}
			job.Stop()
			stopped <- time.Now()
		}()
	}
	c := newTestController(t, cfg, site.transport(), newFakeStorage(), pub)

	if err := c.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	finished := time.Now()

	var stopAt time.Time
	select {
	case stopAt = <-stopped:
	default:
		t.Fatalf("job was never stopped while sleeping")
	}
	if waited := finished.Sub(stopAt); waited < cfg.PageDelay/2 {
		t.Fatalf("run returned %v after stop, the delay should not be cut short", waited)
	}

	snap := job.Snapshot()
	if snap.Status != models.StatusCancelled || snap.Stats.PagesProcessed != 1 || snap.Stats.Scraped != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if pages := site.requestedPages(); len(pages) != 1 || pages[0] != "1" {
		t.Fatalf("requested pages=%v, want [1]", pages)
	}
}

type panickingFetcher struct{}

func (panickingFetcher) Fetch(context.Context, string, int) ([]byte, error) {
	panic("boom")
}

func TestControllerRecoversPanic(t *testing.T) {
	cfg := testConfig()
	normalizer, err := parser.NewNormalizer(cfg.BaseURL)
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	writer, err := pipeline.NewWriter(newFakeStorage(), 0)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	pub := &recordingPublisher{}
	c := NewController(cfg, panickingFetcher{}, normalizer, writer, pub, nil)

	job := NewJob(context.Background(), "phones", 1, true)
	if err := c.Run(context.Background(), job); err == nil {
		t.Fatalf("expected error from panicking run")
	}
	if job.Status() != models.StatusError {
		t.Fatalf("status=%s, want error", job.Status())
	}
	select {
	case <-job.Done():
	default:
		t.Fatalf("job should be done")
	}
	if got := pub.statuses(); got[len(got)-1] != models.StatusError {
		t.Fatalf("status events=%v", got)
	}
}

func TestControllerRejectsRerun(t *testing.T) {
	cfg := testConfig()
	site := &searchSite{pages: map[string]string{"1": buildSearchPage(t)}}
	c := newTestController(t, cfg, site.transport(), newFakeStorage(), nil)

	job := NewJob(context.Background(), "phones", 1, true)
	if err := c.Run(context.Background(), job); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := c.Run(context.Background(), job); err == nil {
		t.Fatalf("second run of a finished job should fail")
	}
	if job.Status() != models.StatusCompleted {
		t.Fatalf("status regressed to %s", job.Status())
	}
}

func TestTruncateTitle(t *testing.T) {
	long := strings.Repeat("x", 60)
	if got := truncateTitle(long); got != strings.Repeat("x", 50)+"..." {
		t.Fatalf("truncated=%q", got)
	}
	if got := truncateTitle("short"); got != "short..." {
		t.Fatalf("truncated=%q", got)
	}
}
