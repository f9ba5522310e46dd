// Package feed fetches and parses the URL set of a feed group.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/sethvargo/go-retry"
)

// FetchError covers network, timeout and parse failures for one URL.
// It fails the whole group poll and is recorded against the group.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch feed from %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Options are the per-group fetch settings.
type Options struct {
	Sanitize bool
	Headers  map[string]string
}

// Fetcher retrieves all feeds of a group. Implementations must respect
// ctx cancellation; the scheduler bounds it by the group's timeout.
type Fetcher interface {
	Fetch(ctx context.Context, urls []string, opts Options) ([]*gofeed.Feed, error)
}

const maxFetchRetries = 3

// HTTPFetcher fetches over HTTP with retries on transient failures.
type HTTPFetcher struct {
	client *http.Client
	parser *gofeed.Parser
	log    *slog.Logger
}

func NewHTTPFetcher(log *slog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{},
		parser: gofeed.NewParser(),
		log:    log,
	}
}

// NewHTTPFetcherWithClient is useful for tests that stub the transport.
func NewHTTPFetcherWithClient(client *http.Client, log *slog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		client: client,
		parser: gofeed.NewParser(),
		log:    log,
	}
}

// Fetch retrieves every URL in declared order. Iterating results in the
// same order means entries from earlier URLs win deduplication within a
// poll. Any URL failing fails the group.
func (f *HTTPFetcher) Fetch(ctx context.Context, urls []string, opts Options) ([]*gofeed.Feed, error) {
	feeds := make([]*gofeed.Feed, 0, len(urls))
	for _, url := range urls {
		parsed, err := f.fetchOne(ctx, url, opts)
		if err != nil {
			return nil, &FetchError{URL: url, Err: err}
		}
		feeds = append(feeds, parsed)
	}
	return feeds, nil
}

func (f *HTTPFetcher) fetchOne(ctx context.Context, url string, opts Options) (*gofeed.Feed, error) {
	var parsed *gofeed.Feed

	backoff := retry.WithMaxRetries(maxFetchRetries, retry.NewExponential(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", "feedmail")
		for key, value := range opts.Headers {
			req.Header.Set(key, value)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			f.log.Debug("feed fetch attempt failed", "url", url, "error", err)
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("unexpected status %s", resp.Status)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				f.log.Debug("feed fetch attempt failed", "url", url, "status", resp.Status)
				return retry.RetryableError(err)
			}
			return err
		}

		parsed, err = f.parser.Parse(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to parse feed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if opts.Sanitize {
		sanitizeFeed(parsed)
	}
	return parsed, nil
}
