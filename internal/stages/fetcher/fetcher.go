// Package fetcher implements the fetch stage: an HTTP client that retrieves
// a page and extracts its readable content with goquery.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/fawad-mazhar/kxcreation/internal/config"
	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/stages"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 10 << 20

// Fetcher retrieves pages over HTTP. It holds no per-call state.
type Fetcher struct {
	client     *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	limiter    *rate.Limiter
}

var _ stages.Fetcher = (*Fetcher)(nil)

type Option func(*Fetcher)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithBaseDelay sets the first retry delay; later retries double it
func WithBaseDelay(d time.Duration) Option {
	return func(f *Fetcher) { f.baseDelay = d }
}

func New(cfg config.CrawlerConfig, opts ...Option) *Fetcher {
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	f := &Fetcher{
		client:     &http.Client{},
		userAgent:  cfg.UserAgent,
		maxRetries: cfg.MaxRetries,
		baseDelay:  time.Second,
		limiter:    rate.NewLimiter(limit, burst),
	}
	if f.userAgent == "" {
		f.userAgent = config.DefaultCrawlerUserAgent
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// permanentError marks failures that retrying cannot fix
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Fetch downloads rawURL and extracts a Document. Transport errors and 5xx
// responses are retried with exponential backoff.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts models.FetchOptions) (*models.Document, error) {
	target, err := url.Parse(rawURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("%w: not an absolute http(s) url: %q", models.ErrInvalidInput, rawURL)
	}

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			backoffDuration := f.baseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffDuration):
			}
		}

		p, err := f.fetchOnce(ctx, target)
		if err == nil {
			doc := p.toDocument(rawURL, opts)
			slog.Debug("fetched url", "url", rawURL, "title", doc.Title, "chars", len(doc.Content))
			return doc, nil
		}

		lastErr = err
		var perm *permanentError
		if errors.As(err, &perm) || ctx.Err() != nil {
			break
		}
		slog.Warn("fetch attempt failed", "url", rawURL, "attempt", attempt+1, "max", f.maxRetries+1, "error", err)
	}

	return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, target *url.URL) (*page, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &permanentError{err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, &permanentError{err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server error: %s", resp.Status)
	case resp.StatusCode >= 400:
		return nil, &permanentError{fmt.Errorf("unexpected status: %s", resp.Status)}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &permanentError{fmt.Errorf("failed to parse html: %w", err)}
	}

	base := target
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	return &page{doc: doc, base: base}, nil
}
