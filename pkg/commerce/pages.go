package commerce

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxPages bounds X-WP-TotalPages when PageConfig.MaxPages is zero.
const DefaultMaxPages = 1000

// ErrTooManyPages is returned when the server announces more pages than
// PageConfig.MaxPages allows.
var ErrTooManyPages = errors.New("too many pages")

// PageConfig holds page fetch configuration.
type PageConfig struct {
	// MaxConcurrency is the maximum number of parallel page requests.
	MaxConcurrency int

	// PerPage is sent as the per_page query parameter. Zero leaves it to
	// the server.
	PerPage int

	// Timeout per page fetch.
	Timeout time.Duration

	// MaxPages is the largest X-WP-TotalPages accepted. Zero means
	// DefaultMaxPages.
	MaxPages int
}

// DefaultPageConfig returns a conservative configuration.
func DefaultPageConfig() PageConfig {
	return PageConfig{
		MaxConcurrency: 4,
		PerPage:        100,
		Timeout:        15 * time.Second,
		MaxPages:       DefaultMaxPages,
	}
}

// FetchAllPages fetches every page of a paginated collection and returns the
// items in page order. The first page tells how many pages exist; the rest
// are fetched in parallel. The first failing page cancels the others and its
// error is returned.
func FetchAllPages[T any](ctx context.Context, c *Client, path string, query url.Values, cfg PageConfig) ([]T, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	start := time.Now()

	fetchPage := func(ctx context.Context, page int) ([]T, http.Header, error) {
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		q := url.Values{}
		for k, v := range query {
			q[k] = append([]string(nil), v...)
		}
		q.Set("page", strconv.Itoa(page))
		if cfg.PerPage > 0 {
			q.Set("per_page", strconv.Itoa(cfg.PerPage))
		}

		var items []T
		h, err := c.GetJSON(ctx, path, q, &items)
		if err != nil {
			return nil, nil, err
		}
		return items, h, nil
	}

	first, h, err := fetchPage(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("fetch first page: %w", err)
	}
	totalPages := TotalPages(h)
	if totalPages > cfg.MaxPages {
		return nil, fmt.Errorf("%w: %s announces %d, limit %d", ErrTooManyPages, path, totalPages, cfg.MaxPages)
	}
	c.applyCacheHeaders(ctx, h)

	logger := c.requestLogger(ctx)
	if totalPages == 1 {
		logger.Debug().
			Str("endpoint", path).
			Int("pages", 1).
			Dur("duration", time.Since(start)).
			Msg("Fetch complete (single page)")
		return first, nil
	}

	logger.Debug().
		Str("endpoint", path).
		Int("total_pages", totalPages).
		Msg("Starting parallel page fetch")

	pages := make([][]T, totalPages)
	pages[0] = first

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrency)
	for page := 2; page <= totalPages; page++ {
		page := page
		g.Go(func() error {
			items, _, err := fetchPage(gctx, page)
			if err != nil {
				return fmt.Errorf("fetch page %d/%d: %w", page, totalPages, err)
			}
			pages[page-1] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn().
			Err(err).
			Str("endpoint", path).
			Int("total_pages", totalPages).
			Msg("Page fetch failed")
		return nil, err
	}

	total := 0
	for _, p := range pages {
		total += len(p)
	}
	all := make([]T, 0, total)
	for _, p := range pages {
		all = append(all, p...)
	}

	logger.Debug().
		Str("endpoint", path).
		Int("pages", totalPages).
		Int("items", total).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return all, nil
}
