package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-scrape-products/config"
)

// Fetcher retrieves marketplace search result pages.
type Fetcher struct {
	searchURL   *url.URL
	collector   *colly.Collector
	profile     BrowserProfile
	maxAttempts int
	retryDelay  time.Duration
	metrics     *Metrics
}

// NewFetcher builds a fetcher configured from cfg. metrics may be nil.
func NewFetcher(cfg *config.Config, metrics *Metrics) (*Fetcher, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	profile, err := LookupProfile(cfg.Impersonate)
	if err != nil {
		return nil, err
	}

	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.UserAgent(profile.Headers["User-Agent"]),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.MaxBodySize = cfg.MaxBodySize
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	})

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	return &Fetcher{
		searchURL:   base.ResolveReference(&url.URL{Path: "search"}),
		collector:   collector,
		profile:     profile,
		maxAttempts: attempts,
		retryDelay:  cfg.RetryDelay,
		metrics:     metrics,
	}, nil
}

// WithTransport swaps the HTTP round tripper used for every request.
func (f *Fetcher) WithTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// SearchURL returns the request URL for one page of query results.
func (f *Fetcher) SearchURL(query string, page int) string {
	params := url.Values{}
	params.Set("q", query)
	params.Set("otracker", "search")
	params.Set("otracker1", "search")
	params.Set("marketplace", "FLIPKART")
	params.Set("as-show", "off")
	params.Set("as", "off")
	params.Set("page", strconv.Itoa(page))

	u := *f.searchURL
	u.RawQuery = params.Encode()
	return u.String()
}

// Fetch returns the body of one search page. Transport failures and non-2xx
// responses are retried with a fixed delay; once attempts are exhausted a
// *FetchError is returned. ctx only interrupts the wait between attempts.
func (f *Fetcher) Fetch(ctx context.Context, query string, page int) ([]byte, error) {
	target := f.SearchURL(query, page)

	var lastErr error
	attempt := 0
	for attempt < f.maxAttempts {
		if attempt > 0 {
			f.metrics.IncRetries()
			slog.Debug("retrying search page",
				slog.Int("page", page),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", f.retryDelay),
			)
			if err := sleepContext(ctx, f.retryDelay); err != nil {
				return nil, &FetchError{Page: page, Attempts: attempt, Err: err}
			}
		}
		attempt++

		body, err := f.fetchOnce(target)
		if err == nil {
			return body, nil
		}
		lastErr = err
		slog.Warn("search page request failed",
			slog.Int("page", page),
			slog.Int("attempt", attempt),
			slog.String("category", errorTypeLabel(err)),
			slog.Any("error", err),
		)
	}
	return nil, &FetchError{Page: page, Attempts: attempt, Err: lastErr}
}

func (f *Fetcher) fetchOnce(target string) ([]byte, error) {
	c := f.collector.Clone()

	var (
		body       []byte
		statusCode int
	)
	c.OnRequest(func(r *colly.Request) {
		r.Ctx.Put("start", time.Now())
		for name, value := range f.profile.Headers {
			r.Headers.Set(name, value)
		}
		f.metrics.IncRequest("started")
	})
	c.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		body = r.Body
		if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
			f.metrics.ObserveDuration(time.Since(start))
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
	})

	if err := c.Visit(target); err != nil {
		classified := classifyError(err, statusCode)
		f.metrics.IncRequest("failed")
		f.metrics.IncError(errorTypeLabel(classified))
		return nil, classified
	}
	if statusCode < 200 || statusCode > 299 {
		classified := classifyError(fmt.Errorf("unexpected response status %d", statusCode), statusCode)
		f.metrics.IncRequest("failed")
		f.metrics.IncError(errorTypeLabel(classified))
		return nil, classified
	}
	f.metrics.IncRequest("completed")
	return body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
