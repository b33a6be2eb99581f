package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/events"
	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/parser"
	"github.com/aluiziolira/go-scrape-products/pipeline"
	"github.com/aluiziolira/go-scrape-products/scraper"
	"github.com/aluiziolira/go-scrape-products/server"
	"github.com/aluiziolira/go-scrape-products/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Optional YAML configuration file")
	query := flag.String("query", "", "Search query for a one-shot run")
	pages := flag.Int("pages", 0, "Maximum search pages to scrape (default from config)")
	serve := flag.Bool("serve", false, "Run the HTTP control server instead of a one-shot job")
	listenAddr := flag.String("listen", "", "Control server listen address")
	dsn := flag.String("db", "", "SQLite path or postgres:// DSN")
	impersonate := flag.String("impersonate", "", fmt.Sprintf("Browser profile (%s)", strings.Join(scraper.ProfileNames(), ", ")))
	pageDelay := flag.Duration("page-delay", 0, "Delay between search pages")
	maxAttempts := flag.Int("max-attempts", 0, "Fetch attempts per page")
	noPagination := flag.Bool("no-pagination", false, "Fetch only the first page")
	outputFile := flag.String("output", "", "Mirror inserted products to this file")
	outputFormat := flag.String("format", "", "Mirror format: csv, json, or dual")
	metricsAddr := flag.String("metrics-addr", "", "Standalone Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "pages":
			cfg.DefaultMaxPages = *pages
		case "listen":
			cfg.ListenAddr = *listenAddr
		case "db":
			cfg.DatabaseDSN = *dsn
		case "impersonate":
			cfg.Impersonate = *impersonate
		case "page-delay":
			cfg.PageDelay = *pageDelay
		case "max-attempts":
			cfg.MaxAttempts = *maxAttempts
		case "no-pagination":
			cfg.Pagination = !*noPagination
		case "output":
			cfg.OutputFile = *outputFile
		case "format":
			cfg.OutputFormat = strings.ToLower(*outputFormat)
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "v":
			cfg.Verbose = *verbose
		}
	})

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if !*serve && strings.TrimSpace(*query) == "" {
		slog.Error("either -serve or -query is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	if err := run(ctx, cfg, *serve, *query); err != nil {
		slog.Error("scraper failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, serve bool, query string) error {
	metrics := scraper.NewMetrics()

	fetcher, err := scraper.NewFetcher(cfg, metrics)
	if err != nil {
		return fmt.Errorf("initialise fetcher: %w", err)
	}
	normalizer, err := parser.NewNormalizer(cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("initialise normalizer: %w", err)
	}

	st, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("close store", slog.Any("error", err))
		}
	}()

	var writerOpts []pipeline.Option
	if cfg.OutputFormat != "" {
		mirror, err := pipeline.NewOutputWriter(cfg.OutputFormat, cfg.OutputFile)
		if err != nil {
			return fmt.Errorf("create output writer: %w", err)
		}
		writerOpts = append(writerOpts, pipeline.WithMirror(mirror))
	}
	writer, err := pipeline.NewWriter(st, cfg.DedupeCacheSize, writerOpts...)
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
		}
	}()

	broadcaster := events.NewBroadcaster(cfg.EventBuffer)
	defer broadcaster.Close()

	controller := scraper.NewController(cfg, fetcher, normalizer, writer, broadcaster, metrics)
	manager := scraper.NewManager(ctx, controller, cfg)

	metricsServer := startMetricsServer(cfg, metrics)
	defer shutdownHTTP(metricsServer)

	if serve {
		return serveControl(ctx, cfg, manager, broadcaster, metrics)
	}
	return runOnce(cfg, manager, st, writer, query)
}

func serveControl(ctx context.Context, cfg *config.Config, manager *scraper.Manager, broadcaster *events.Broadcaster, metrics *scraper.Metrics) error {
	srv := server.New(manager, broadcaster, metrics.Registry, cfg.SubscriberBuffer)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.ListenAddr)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("control server shutdown failed", slog.Any("error", err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("scrape jobs did not stop in time", slog.Any("error", err))
	}
	return serveErr
}

func runOnce(cfg *config.Config, manager *scraper.Manager, st store.Store, writer *pipeline.Writer, query string) error {
	slog.Info("starting scrape",
		slog.String("query", query),
		slog.Int("pages", cfg.DefaultMaxPages),
		slog.Bool("pagination", cfg.Pagination),
		slog.String("impersonate", cfg.Impersonate),
	)

	job, err := manager.Start(query, cfg.DefaultMaxPages)
	if err != nil {
		return err
	}
	manager.Wait()

	snap := job.Snapshot()
	stored, err := st.Count(context.Background())
	if err != nil {
		slog.Error("count stored products", slog.Any("error", err))
	}
	printSummary(snap, writer.Counts(), stored, cfg.OutputFile)

	if snap.Status == models.StatusError {
		return job.Err()
	}
	return nil
}

func startMetricsServer(cfg *config.Config, metrics *scraper.Metrics) *http.Server {
	if cfg.MetricsAddr == "" {
		return nil
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	return metricsServer
}

func shutdownHTTP(srv *http.Server) {
	if srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
}

func printSummary(snap models.JobSnapshot, counts pipeline.Counts, stored int64, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Printf("Scrape %s\n", snap.Status)
	fmt.Printf("  Query:         %s\n", snap.Query)
	fmt.Printf("  Pages:         %d of %d\n", snap.Stats.PagesProcessed, snap.MaxPages)
	fmt.Printf("  Saved:         %d\n", snap.Stats.Scraped)
	fmt.Printf("  Duplicates:    %d\n", snap.Stats.Duplicates)
	fmt.Printf("  Errors:        %d\n", snap.Stats.Errors)
	if counts.Failed > 0 {
		fmt.Printf("  Write errors:  %d\n", counts.Failed)
	}
	if snap.Error != "" {
		fmt.Printf("  Failure:       %s\n", snap.Error)
	}
	fmt.Printf("  Stored total:  %d\n", stored)
	fmt.Printf("  Duration:      %v\n", snap.Duration().Round(time.Millisecond))
	if outputFile != "" {
		fmt.Printf("  Output file:   %s\n", outputFile)
	}
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
