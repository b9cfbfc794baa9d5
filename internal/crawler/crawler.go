// Package crawler runs a sequential breadth-first crawl of a single host.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/site-crawler/internal/config"
	"github.com/user/site-crawler/internal/domain"
	"github.com/user/site-crawler/internal/fetcher"
	"github.com/user/site-crawler/internal/monitoring"
	"github.com/user/site-crawler/internal/urlfilter"
	"github.com/user/site-crawler/pkg/utils"
)

// ErrAlreadyStarted is returned by Start on a crawler that has already run.
var ErrAlreadyStarted = errors.New("crawler already started")

const recordTimeout = 10 * time.Second

// Fetcher downloads a page body.
type Fetcher interface {
	Fetch(ctx context.Context, url, referer string) (string, error)
}

// PageStore persists crawled pages.
type PageStore interface {
	Initialize() error
	GenerateFilename(url string, index int) string
	SavePage(page domain.CrawledPage) error
}

// Frontier is the FIFO of URLs waiting to be crawled. Push reports false
// when the URL is already queued.
type Frontier interface {
	Push(ctx context.Context, url string) (bool, error)
	Pop(ctx context.Context) (string, bool, error)
	Len(ctx context.Context) (int, error)
}

// VisitedSet holds the URLs crawled successfully during a run.
type VisitedSet interface {
	Add(ctx context.Context, url string) error
	Contains(ctx context.Context, url string) (bool, error)
	Len(ctx context.Context) (int, error)
}

// Recorder indexes page outcomes and run summaries.
type Recorder interface {
	RecordPage(ctx context.Context, rec domain.PageRecord) error
	RecordRun(ctx context.Context, rec domain.RunRecord) error
}

type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateRunning
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Option func(*Crawler)

// WithFrontier replaces the in-memory frontier.
func WithFrontier(f Frontier) Option {
	return func(c *Crawler) { c.frontier = f }
}

// WithVisitedSet replaces the in-memory visited set.
func WithVisitedSet(v VisitedSet) Option {
	return func(c *Crawler) { c.visited = v }
}

func WithRecorder(r Recorder) Option {
	return func(c *Crawler) { c.recorder = r }
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Crawler) { c.metrics = m }
}

// WithRunID sets the run identifier. A random UUID is used otherwise.
func WithRunID(id string) Option {
	return func(c *Crawler) { c.runID = id }
}

// Crawler drives the fetch, save and extract loop for one run.
type Crawler struct {
	config   *config.Config
	fetcher  Fetcher
	pages    PageStore
	frontier Frontier
	visited  VisitedSet
	recorder Recorder
	metrics  *monitoring.Metrics
	filter   *urlfilter.Filter
	logger   *zap.Logger
	runID    string
	sleep    func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	state State
}

func NewCrawler(cfg *config.Config, f Fetcher, pages PageStore, l *zap.Logger, opts ...Option) (*Crawler, error) {
	filter, err := urlfilter.NewFilter(cfg.BaseURL, cfg.ExtraExcludePatterns)
	if err != nil {
		return nil, err
	}

	c := &Crawler{
		config:   cfg,
		fetcher:  f,
		pages:    pages,
		frontier: NewMemoryFrontier(),
		visited:  NewMemoryVisitedSet(),
		filter:   filter,
		logger:   l,
		sleep:    utils.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}
	return c, nil
}

// RunID identifies this crawl in logs, Redis keys and the page index.
func (c *Crawler) RunID() string {
	return c.runID
}

func (c *Crawler) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Crawler) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// DefaultSeeds returns the seeds used when Start is given none.
func (c *Crawler) DefaultSeeds() []string {
	return []string{c.config.BaseURL + "/", c.config.BaseURL + "/used-cars"}
}

// Start crawls from seeds, or DefaultSeeds when empty, until the frontier is
// empty or MaxPages pages have been saved. Page failures are counted and
// skipped. A storage initialization failure, a frontier or visited set
// failure, or ctx cancellation ends the run with an error; the stats
// gathered so far are returned in every case.
func (c *Crawler) Start(ctx context.Context, seeds []string) (domain.CrawlStats, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return domain.CrawlStats{}, ErrAlreadyStarted
	}
	c.state = StateInitializing
	c.mu.Unlock()

	stats := domain.CrawlStats{StartTime: time.Now()}

	if err := c.pages.Initialize(); err != nil {
		return c.finish(ctx, stats, fmt.Errorf("initialize storage: %w", err))
	}

	if len(seeds) == 0 {
		seeds = c.DefaultSeeds()
	}
	queued, err := c.seed(ctx, seeds)
	if err != nil {
		return c.finish(ctx, stats, err)
	}

	c.logger.Info("Starting crawl",
		zap.String("run_id", c.runID),
		zap.String("base_url", c.config.BaseURL),
		zap.Int("initial_urls", queued),
		zap.Int("max_pages", c.config.MaxPages),
	)
	c.setState(StateRunning)

	if err := c.run(ctx, &stats); err != nil {
		return c.finish(ctx, stats, err)
	}
	return c.finish(ctx, stats, nil)
}

func (c *Crawler) seed(ctx context.Context, seeds []string) (int, error) {
	queued := 0
	for _, s := range seeds {
		u := urlfilter.Normalize(s, c.config.BaseURL)
		ok, err := c.filter.IsEligible(ctx, u, c.visited)
		if err != nil {
			return queued, fmt.Errorf("visited set: %w", err)
		}
		if !ok {
			c.logger.Warn("Skipping ineligible seed URL", zap.String("url", s))
			continue
		}
		added, err := c.frontier.Push(ctx, u)
		if err != nil {
			return queued, fmt.Errorf("frontier: %w", err)
		}
		if added {
			queued++
		}
	}
	return queued, nil
}

func (c *Crawler) run(ctx context.Context, stats *domain.CrawlStats) error {
	var lastFetched string

	for stats.PagesCrawled < c.config.MaxPages {
		if err := ctx.Err(); err != nil {
			return err
		}

		url, ok, err := c.frontier.Pop(ctx)
		if err != nil {
			return fmt.Errorf("frontier: %w", err)
		}
		if !ok {
			return nil
		}

		seen, err := c.visited.Contains(ctx, url)
		if err != nil {
			return fmt.Errorf("visited set: %w", err)
		}
		if seen {
			c.logger.Debug("Skipping visited URL", zap.String("url", url))
			continue
		}

		c.logger.Info("Crawling", zap.String("url", url))

		html, err := c.fetcher.Fetch(ctx, url, lastFetched)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.pageFailed(ctx, stats, url, err)
			c.logProgress(ctx, stats)
			continue
		}

		filename := c.pages.GenerateFilename(url, stats.PagesCrawled+1)
		page := domain.CrawledPage{URL: url, HTML: html, Filename: filename, Timestamp: time.Now()}
		if err := c.pages.SavePage(page); err != nil {
			c.pageFailed(ctx, stats, url, err)
			c.logProgress(ctx, stats)
			continue
		}

		if err := c.visited.Add(ctx, url); err != nil {
			return fmt.Errorf("visited set: %w", err)
		}
		lastFetched = url
		stats.PagesCrawled++
		c.metrics.IncPagesCrawled()
		c.record(ctx, domain.PageRecord{
			URL:       url,
			Filename:  filename,
			Status:    domain.StatusSaved,
			CrawledAt: page.Timestamp,
		})
		c.logger.Info("Page saved",
			zap.String("filename", filename),
			zap.Int("crawled", stats.PagesCrawled),
			zap.Int("max_pages", c.config.MaxPages),
		)

		if stats.PagesCrawled >= c.config.MaxPages {
			c.logProgress(ctx, stats)
			return nil
		}

		if err := c.enqueueLinks(ctx, html, url); err != nil {
			return err
		}
		c.logProgress(ctx, stats)

		if delay := c.config.CrawlDelay(); delay > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Crawler) enqueueLinks(ctx context.Context, html, pageURL string) error {
	links, err := ExtractLinks(ctx, html, pageURL, c.filter, c.visited)
	if err != nil {
		return fmt.Errorf("extract links: %w", err)
	}

	queued := 0
	for _, link := range links {
		added, err := c.frontier.Push(ctx, link)
		if err != nil {
			return fmt.Errorf("frontier: %w", err)
		}
		if added {
			queued++
		}
	}
	c.logger.Debug("Links extracted",
		zap.String("url", pageURL),
		zap.Int("found", len(links)),
		zap.Int("queued", queued),
	)
	return nil
}

func (c *Crawler) pageFailed(ctx context.Context, stats *domain.CrawlStats, url string, err error) {
	stats.PagesFailed++
	c.metrics.IncPagesFailed()
	c.logger.Error("Error crawling page", zap.String("url", url), zap.Error(err))
	c.record(ctx, domain.PageRecord{
		URL:        url,
		Status:     domain.StatusFailed,
		FailReason: err.Error(),
		HTTPStatus: fetcher.StatusCode(err),
		CrawledAt:  time.Now(),
	})
}

func (c *Crawler) record(ctx context.Context, rec domain.PageRecord) {
	if c.recorder == nil {
		return
	}
	rec.RunID = c.runID
	if err := c.recorder.RecordPage(ctx, rec); err != nil {
		c.logger.Warn("Failed to index page", zap.String("url", rec.URL), zap.Error(err))
	}
}

func (c *Crawler) logProgress(ctx context.Context, stats *domain.CrawlStats) {
	queue, err := c.frontier.Len(ctx)
	if err != nil {
		c.logger.Warn("Failed to read frontier size", zap.Error(err))
		return
	}
	c.metrics.SetFrontierSize(queue)
	c.logger.Info("Progress",
		zap.Int("crawled", stats.PagesCrawled),
		zap.Int("max_pages", c.config.MaxPages),
		zap.Int("failed", stats.PagesFailed),
		zap.Int("queue", queue),
	)
}

func (c *Crawler) finish(ctx context.Context, stats domain.CrawlStats, runErr error) (domain.CrawlStats, error) {
	stats.EndTime = time.Now()
	c.setState(StateCompleted)
	c.metrics.SetCrawlDuration(stats.Duration())

	if c.recorder != nil {
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		err := c.recorder.RecordRun(recCtx, domain.RunRecord{RunID: c.runID, BaseURL: c.config.BaseURL, Stats: stats})
		if err != nil {
			c.logger.Warn("Failed to index run", zap.String("run_id", c.runID), zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("run_id", c.runID),
		zap.Int("pages_crawled", stats.PagesCrawled),
		zap.Int("pages_failed", stats.PagesFailed),
		zap.Duration("duration", stats.Duration()),
	}
	if runErr != nil {
		c.logger.Error("Crawl stopped", append(fields, zap.Error(runErr))...)
		return stats, runErr
	}
	c.logger.Info("Crawl completed", fields...)
	return stats, nil
}
