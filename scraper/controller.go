package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/events"
	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/parser"
	"github.com/aluiziolira/go-scrape-products/pipeline"
)

const logTitleLimit = 50

var errJobCancelled = errors.New("scrape job cancelled")

// PageFetcher returns the raw body of one search results page.
type PageFetcher interface {
	Fetch(ctx context.Context, query string, page int) ([]byte, error)
}

// ProductWriter persists one canonical product.
type ProductWriter interface {
	Write(ctx context.Context, p models.Product) (pipeline.Outcome, error)
}

// Publisher receives job progress events.
type Publisher interface {
	Publish(ev events.Event)
}

// Controller drives jobs page by page through fetch, extract, normalize and
// write, reporting progress as events.
type Controller struct {
	fetcher    PageFetcher
	normalizer *parser.Normalizer
	writer     ProductWriter
	events     Publisher
	metrics    *Metrics
	pageDelay  time.Duration
	now        func() time.Time
}

// NewController wires a controller. events and metrics may be nil.
func NewController(cfg *config.Config, fetcher PageFetcher, normalizer *parser.Normalizer, writer ProductWriter, pub Publisher, metrics *Metrics) *Controller {
	return &Controller{
		fetcher:    fetcher,
		normalizer: normalizer,
		writer:     writer,
		events:     pub,
		metrics:    metrics,
		pageDelay:  cfg.PageDelay,
		now:        time.Now,
	}
}

// Run executes job to completion. ctx is the process lifetime: it interrupts
// the inter-page delay and fetch retries, and when done it is observed at the
// next checkpoint as a cancellation. The returned error is the fatal failure
// for jobs that end in error, nil otherwise.
func (c *Controller) Run(ctx context.Context, job *Job) (err error) {
	if !job.start(c.now()) {
		return fmt.Errorf("job %s is %s, not idle", job.ID, job.Status())
	}
	c.metrics.JobStarted()
	c.publish(events.StatusChange(job.ID, models.StatusRunning))
	c.log(job, events.LevelInfo, fmt.Sprintf("Starting Scrape Job for query: %q", job.Query))

	defer func() {
		if r := recover(); r != nil {
			slog.Error("scrape job panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
			c.fail(job, err)
		}
	}()

	if job.Pagination {
		c.log(job, events.LevelInfo, fmt.Sprintf("PAGINATION ENABLED. target max pages: %d", job.MaxPages))
		err = c.paginate(ctx, job)
	} else {
		err = c.scrapePage(ctx, job)
		if err == nil {
			err = c.checkpoint(ctx, job)
		}
	}

	switch {
	case errors.Is(err, errJobCancelled):
		c.log(job, events.LevelWarning, "Scrape Job Cancelled by User")
		c.end(job, models.StatusCancelled, nil)
		return nil
	case err != nil:
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			stats := job.record(func(s *models.Stats) { s.Errors++ })
			c.publish(events.StatsUpdate(job.ID, stats))
		}
		c.fail(job, err)
		return err
	default:
		c.log(job, events.LevelSuccess, "Scrape Job Completed Successfully")
		c.end(job, models.StatusCompleted, nil)
		return nil
	}
}

func (c *Controller) paginate(ctx context.Context, job *Job) error {
	for job.page() <= job.MaxPages {
		if err := c.checkpoint(ctx, job); err != nil {
			return err
		}

		page := job.page()
		c.log(job, events.LevelInfo, fmt.Sprintf("--- Fetching page %d of %d ---", page, job.MaxPages))
		if err := c.scrapePage(ctx, job); err != nil {
			return err
		}

		if err := c.checkpoint(ctx, job); err != nil {
			return err
		}

		if page < job.MaxPages {
			c.log(job, events.LevelWarning, fmt.Sprintf("Sleeping for %s to prevent rate limiting...", c.pageDelay))
			job.setPhase(models.PhaseSleeping)
			// Only process shutdown cuts the delay short; a stop request is
			// picked up by the checkpoint that follows.
			if err := sleepContext(ctx, c.pageDelay); err != nil {
				return errJobCancelled
			}
		}
		job.advance()
	}
	return nil
}

// scrapePage processes the job's current page. Only a fetch failure is
// returned; extraction and per-record failures are counted and logged.
func (c *Controller) scrapePage(ctx context.Context, job *Job) error {
	page := job.page()

	job.setPhase(models.PhaseFetching)
	body, err := c.fetcher.Fetch(ctx, job.Query, page)
	if err != nil {
		if ctx.Err() != nil {
			return errJobCancelled
		}
		return err
	}

	job.setPhase(models.PhaseExtracting)
	extraction, err := parser.Extract(body)
	if err != nil {
		c.recordError(job, fmt.Sprintf("Failed to extract products from page %d: %v", page, err))
	}
	for i := 0; i < extraction.Skipped; i++ {
		c.recordError(job, fmt.Sprintf("Skipped malformed product slot on page %d", page))
	}
	c.log(job, events.LevelInfo, fmt.Sprintf("Extracted %d products from layout slot", len(extraction.Products)))

	job.setPhase(models.PhaseWriting)
	for _, raw := range extraction.Products {
		if c.checkpoint(ctx, job) != nil {
			break
		}
		c.processRecord(ctx, job, raw)
	}

	stats := job.record(func(s *models.Stats) { s.PagesProcessed++ })
	c.metrics.IncPages()
	c.publish(events.StatsUpdate(job.ID, stats))
	return nil
}

func (c *Controller) processRecord(ctx context.Context, job *Job, raw models.RawProduct) {
	product, err := c.normalizer.Normalize(raw)
	if err != nil {
		c.recordError(job, fmt.Sprintf("Error processing product details: %v", err))
		return
	}

	outcome, err := c.writer.Write(ctx, product)
	if err != nil {
		c.recordError(job, fmt.Sprintf("Error saving product %s: %v", product.ProductID, err))
		return
	}

	var stats models.Stats
	switch outcome {
	case pipeline.Inserted:
		stats = job.record(func(s *models.Stats) { s.Scraped++ })
		c.log(job, events.LevelSuccess, "Product saved: "+truncateTitle(product.Title))
	case pipeline.DuplicateSkipped:
		stats = job.record(func(s *models.Stats) { s.Duplicates++ })
		c.log(job, events.LevelWarning, "Duplicate skipped: "+truncateTitle(product.Title))
	default:
		stats = job.statsSnapshot()
	}
	c.metrics.IncItem(outcome.String())
	c.publish(events.StatsUpdate(job.ID, stats))
}

func (c *Controller) recordError(job *Job, message string) {
	stats := job.record(func(s *models.Stats) { s.Errors++ })
	c.metrics.IncItem("error")
	c.log(job, events.LevelError, message)
	c.publish(events.StatsUpdate(job.ID, stats))
}

func (c *Controller) checkpoint(ctx context.Context, job *Job) error {
	if job.Cancelled() || ctx.Err() != nil {
		return errJobCancelled
	}
	return nil
}

func (c *Controller) fail(job *Job, err error) {
	c.log(job, events.LevelError, fmt.Sprintf("Fatal error during scrape run: %v", err))
	c.end(job, models.StatusError, err)
}

func (c *Controller) end(job *Job, status models.Status, err error) {
	if !job.finish(status, err, c.now()) {
		return
	}
	c.metrics.JobFinished(string(status))
	c.publish(events.StatusChange(job.ID, status))
}

func (c *Controller) log(job *Job, level events.Level, message string) {
	attrs := []any{slog.String("job_id", job.ID)}
	switch level {
	case events.LevelError:
		slog.Error(message, attrs...)
	case events.LevelWarning:
		slog.Warn(message, attrs...)
	default:
		slog.Info(message, attrs...)
	}
	c.publish(events.Log(job.ID, level, message))
}

func (c *Controller) publish(ev events.Event) {
	if c.events == nil {
		return
	}
	c.events.Publish(ev)
}

func truncateTitle(title string) string {
	runes := []rune(title)
	if len(runes) > logTitleLimit {
		runes = runes[:logTitleLimit]
	}
	return string(runes) + "..."
}
