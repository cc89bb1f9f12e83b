// Package crawl implements the first pipeline stage: capturing raw page
// content from a target site, promoting to a headless browser when the
// static fetch looks like an unrendered JavaScript shell.
package crawl

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// FetchRequest describes a single page fetch.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the raw result of a fetch.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher retrieves one page.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// CollyConfig controls collector behavior.
type CollyConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// CollyFetcher implements Fetcher using the Colly collector. It is the
// cheap probe path; listing portals that render client side get promoted
// to the headless fetcher by the detector.
type CollyFetcher struct {
	cfg           CollyConfig
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// NewCollyFetcher builds a CollyFetcher.
func NewCollyFetcher(cfg CollyConfig) *CollyFetcher {
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)
	return &CollyFetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly.
func (f *CollyFetcher) Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error) {
	var (
		result   FetchResponse
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
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
		result = FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			// Keep the status so the handler can classify 4xx vs 5xx.
			result.StatusCode = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()
	select {
	case <-ctx.Done():
		return FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return result, fmt.Errorf("colly visit failed: %w", err)
		}
		if fetchErr != nil {
			return result, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		return result, nil
	}
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
