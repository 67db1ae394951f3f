// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/seoscope/seoscope/internal/scrape"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher implements scrape.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)
	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly. Failures come back as
// scrape.FetchError values classified by status code or network condition.
func (f *Fetcher) Fetch(ctx context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	var (
		result   scrape.FetchResponse
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transport)

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = scrape.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = classify(status, err)
	})

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return scrape.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return classify(0, err)
		}
		return nil
	}
}

// classify maps a failed fetch onto a scrape.FetchError so retry policy can
// tell transient trouble from permanent rejection.
func classify(status int, err error) error {
	switch {
	case status == http.StatusNotFound:
		return scrape.NewPermanentError(scrape.FetchErrNotFound, fmt.Errorf("fetch failed: %w", err))
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return scrape.NewPermanentError(scrape.FetchErrForbidden, fmt.Errorf("fetch failed: %w", err))
	case status == http.StatusTooManyRequests:
		return scrape.NewTransientError(scrape.FetchErrRateLimited, fmt.Errorf("fetch failed: %w", err))
	case status >= 500:
		return scrape.NewTransientError(scrape.FetchErrConnection, fmt.Errorf("fetch failed: %w", err))
	case status >= 400:
		return scrape.NewPermanentError(scrape.FetchErrBadTarget, fmt.Errorf("fetch failed: %w", err))
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return scrape.NewTransientError(scrape.FetchErrTimeout, fmt.Errorf("fetch timed out: %w", err))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return scrape.NewTransientError(scrape.FetchErrTimeout, fmt.Errorf("fetch timed out: %w", err))
	}
	return scrape.NewTransientError(scrape.FetchErrConnection, fmt.Errorf("fetch failed: %w", err))
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
