package crawler

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/user/site-crawler/internal/urlfilter"
)

// ExtractLinks returns the eligible links of an HTML page in order of first
// occurrence. Every href is resolved against pageURL, normalized and passed
// through filter; visited may be nil.
func ExtractLinks(ctx context.Context, html, pageURL string, filter *urlfilter.Filter, visited urlfilter.Visited) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	var (
		links    []string
		seen     = make(map[string]struct{})
		checkErr error
	)
	doc.Find("a[href]").EachWithBreak(func(i int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return true
		}

		link := urlfilter.Normalize(href, pageURL)
		if _, dup := seen[link]; dup {
			return true
		}
		seen[link] = struct{}{}

		ok, err := filter.IsEligible(ctx, link, visited)
		if err != nil {
			checkErr = err
			return false
		}
		if ok {
			links = append(links, link)
		}
		return true
	})
	if checkErr != nil {
		return nil, checkErr
	}

	return links, nil
}
