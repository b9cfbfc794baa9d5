package config

import "errors"

// Configuration validation errors returned by Config.Validate.
var (
	ErrInvalidMaxPages        = errors.New("MAX_PAGES must be greater than 0")
	ErrInvalidCrawlDelay      = errors.New("CRAWL_DELAY must be greater than or equal to 0")
	ErrInvalidMaxRetries      = errors.New("MAX_RETRIES must be greater than or equal to 0")
	ErrInvalidTimeout         = errors.New("TIMEOUT must be greater than or equal to 0")
	ErrInvalidRetryDelay      = errors.New("RETRY_DELAY must be greater than or equal to 0")
	ErrInvalidMaxBodyBytes    = errors.New("MAX_BODY_BYTES must be greater than 0")
	ErrInvalidBaseURL         = errors.New("BASE_URL must be an absolute http(s) URL")
	ErrInvalidFrontierBackend = errors.New("FRONTIER_BACKEND must be memory or redis")
)
