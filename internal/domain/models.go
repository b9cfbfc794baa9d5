package domain

import "time"

// CrawledPage is a fetched page ready to be written to disk.
type CrawledPage struct {
	URL       string
	HTML      string
	Filename  string
	Timestamp time.Time
}

// CrawlStats holds the counters of a single crawl run.
type CrawlStats struct {
	PagesCrawled int
	PagesFailed  int
	StartTime    time.Time
	EndTime      time.Time
}

// Duration returns how long the run took, or zero while it is still running.
func (s CrawlStats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Page status values recorded in the page index.
const (
	StatusSaved  = "saved"
	StatusFailed = "failed"
)

// PageRecord is a row of the page index, written for every processed page.
type PageRecord struct {
	RunID      string
	URL        string
	Filename   string
	Status     string // "saved", "failed"
	FailReason string
	HTTPStatus int
	CrawledAt  time.Time
}

// RunRecord summarises a finished crawl run.
type RunRecord struct {
	RunID   string
	BaseURL string
	Stats   CrawlStats
}
