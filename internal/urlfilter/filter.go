package urlfilter

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// DefaultExcludePatterns are substrings that make a URL ineligible. They are
// matched against the lowercased URL.
var DefaultExcludePatterns = []string{
	"/api/",
	".jpg",
	".jpeg",
	".png",
	".gif",
	".pdf",
	".css",
	".js",
	"mailto:",
	"tel:",
	"javascript:",
	"#",
	"/login",
	"/register",
	"/signin",
	"/signup",
	"/contact",
	"/about",
	"/terms",
	"/privacy",
}

// Visited reports whether a canonical URL has already been crawled.
type Visited interface {
	Contains(ctx context.Context, url string) (bool, error)
}

// Filter decides whether a URL may be queued for a crawl rooted at one host.
type Filter struct {
	baseURL  string
	host     string
	patterns []string
}

// NewFilter builds a filter for baseURL. Extra patterns are appended to
// DefaultExcludePatterns, never replacing them.
func NewFilter(baseURL string, extraPatterns []string) (*Filter, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("base url %q has no host", baseURL)
	}

	patterns := make([]string, 0, len(DefaultExcludePatterns)+len(extraPatterns))
	patterns = append(patterns, DefaultExcludePatterns...)
	for _, p := range extraPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			patterns = append(patterns, p)
		}
	}

	return &Filter{
		baseURL:  baseURL,
		host:     strings.ToLower(u.Hostname()),
		patterns: patterns,
	}, nil
}

// BaseURL returns the crawl root the filter was built for.
func (f *Filter) BaseURL() string {
	return f.baseURL
}

// Patterns returns a copy of the active exclusion patterns.
func (f *Filter) Patterns() []string {
	return append([]string(nil), f.patterns...)
}

// IsEligible reports whether rawURL may be queued. A nil visited set skips
// the visited check. Only errors from the visited set are returned.
func (f *Filter) IsEligible(ctx context.Context, rawURL string, visited Visited) (bool, error) {
	if visited != nil {
		seen, err := visited.Contains(ctx, rawURL)
		if err != nil {
			return false, err
		}
		if seen {
			return false, nil
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return false, nil
	}

	if strings.ToLower(u.Hostname()) != f.host {
		return false, nil
	}

	return !f.Excluded(rawURL), nil
}

// Excluded reports whether rawURL contains one of the exclusion patterns.
func (f *Filter) Excluded(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, p := range f.patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
