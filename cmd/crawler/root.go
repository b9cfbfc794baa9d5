package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/site-crawler/internal/config"
	"github.com/user/site-crawler/internal/crawler"
	"github.com/user/site-crawler/internal/fetcher"
	"github.com/user/site-crawler/internal/monitoring"
	"github.com/user/site-crawler/internal/proxy"
	"github.com/user/site-crawler/internal/storage"
	"github.com/user/site-crawler/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// NewRootCmd creates the crawler command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawler [seed-url...]",
		Short: "Breadth-first crawler for a single website",
		Long: `crawler fetches pages of a single host breadth-first, starting from the given
seed URLs (or BASE_URL/ and BASE_URL/used-cars), and writes the raw HTML of
every page to OUTPUT_DIR until MAX_PAGES pages have been saved.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCrawl,
	}

	cmd.Flags().String("env-file", config.DefaultEnvFile, "Path to an optional .env file")
	cmd.Flags().Bool("debug", false, "Enable debug logging (overrides DEBUG)")

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCrawl(cmd *cobra.Command, args []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	debug, _ := cmd.Flags().GetBool("debug")

	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if debug {
		cfg.Debug = true
	}

	log, err := logger.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	metrics := monitoring.NewMetrics()

	proxyManager := proxy.NewManager(cfg.ProxyList, cfg.ProxyURL, cfg.UserAgent, cfg.UserAgentRotation, log)
	proxyManager.LogConfiguration()

	httpFetcher := fetcher.NewFetcher(cfg, proxyManager, metrics, log)
	defer httpFetcher.CloseIdleConnections()

	opts := []crawler.Option{crawler.WithMetrics(metrics), crawler.WithRunID(runID)}

	if cfg.FrontierBackend == config.FrontierBackendRedis {
		client := storage.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer client.Close()

		redisStore := storage.NewRedisStore(client, runID)
		if err := redisStore.Ping(ctx); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := redisStore.Cleanup(cleanupCtx); err != nil {
				log.Warn("Failed to remove crawl state from redis", zap.Error(err))
			}
		}()
		opts = append(opts, crawler.WithFrontier(redisStore.Frontier()), crawler.WithVisitedSet(redisStore.Visited()))
		log.Info("Using redis frontier", zap.String("addr", cfg.RedisAddr), zap.String("run_id", runID))
	}

	if cfg.PostgresURL != "" {
		if pgStore := openIndex(ctx, cfg.PostgresURL, log); pgStore != nil {
			defer pgStore.Close()
			opts = append(opts, crawler.WithRecorder(pgStore))
		}
	}

	c, err := crawler.NewCrawler(cfg, httpFetcher, storage.NewFileStore(cfg.OutputDir), log, opts...)
	if err != nil {
		return fmt.Errorf("create crawler: %w", err)
	}

	_, crawlErr := c.Start(ctx, args)

	if cfg.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		if err := metrics.Push(pushCtx, cfg.PushgatewayURL, cfg.MetricsJob, runID); err != nil {
			log.Warn("Failed to push metrics", zap.String("gateway", cfg.PushgatewayURL), zap.Error(err))
		}
		cancel()
	}

	if errors.Is(crawlErr, context.Canceled) {
		log.Warn("Crawl interrupted")
		return nil
	}
	return crawlErr
}

// openIndex connects the optional page index. Failures disable indexing
// instead of stopping the crawl.
func openIndex(ctx context.Context, connStr string, log *zap.Logger) *storage.PostgresStore {
	pgStore, err := storage.NewPostgresStore(ctx, connStr)
	if err != nil {
		log.Warn("Page index disabled", zap.Error(err))
		return nil
	}
	if err := pgStore.EnsureSchema(ctx); err != nil {
		log.Warn("Page index disabled", zap.Error(err))
		pgStore.Close()
		return nil
	}
	return pgStore
}
