// Package fetcher retrieves URLs over HTTP with timeout, retry, and
// conditional-request support, reporting explicit outcomes instead of
// error-driven control flow.
package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/whynot-archive/whynot/internal/archive"
	"github.com/whynot-archive/whynot/internal/metrics"
)

// Config controls HTTP client behavior for one crawl run.
type Config struct {
	UserAgent      string
	Proxy          string
	Timeout        time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	InsecureTLS    bool
}

// Client implements archive.Fetcher on top of a Colly collector.
type Client struct {
	base      *colly.Collector
	transport *http.Transport
	timeout   time.Duration
	backoff   *BackoffPolicy
	logger    *zap.Logger
}

// New constructs a configured Client. An empty proxy falls back to the
// environment proxy settings.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "whynot-spider/1.0"
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}

	base := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.IgnoreRobotsTxt(),
	)
	// The frontier owns dedup; revisits here are deliberate (conditional
	// re-fetches on a later run).
	base.AllowURLRevisit = true
	base.WithTransport(transport)
	base.SetRequestTimeout(cfg.Timeout)

	return &Client{
		base:      base,
		transport: transport,
		timeout:   cfg.Timeout,
		backoff:   NewBackoffPolicy(cfg.MaxAttempts, cfg.BackoffInitial, cfg.BackoffMax),
		logger:    logger,
	}, nil
}

// Fetch runs the retry loop for one URL. Transient failures (timeouts,
// connection resets, 5xx) are retried with jittered backoff up to the
// attempt cap; 4xx and context errors are terminal.
func (c *Client) Fetch(ctx context.Context, req archive.FetchRequest) archive.Outcome {
	var outcome archive.Outcome
	for attempt := 0; attempt < c.backoff.MaxAttempts(); attempt++ {
		if attempt > 0 {
			metrics.ObserveRetry(archive.Host(req.URL))
			if err := sleep(ctx, c.backoff.Backoff(attempt-1)); err != nil {
				return archive.Permanent(0, err)
			}
			c.logger.Debug("retrying fetch",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt+1),
			)
		}
		outcome = c.fetchOnce(ctx, req)
		if outcome.Class != archive.OutcomeRetryable {
			return outcome
		}
	}
	return outcome
}

func (c *Client) fetchOnce(ctx context.Context, req archive.FetchRequest) archive.Outcome {
	collector := c.base.Clone()
	// Clone does not carry backend settings.
	collector.WithTransport(c.transport)
	collector.SetRequestTimeout(c.timeout)

	resultCh := make(chan archive.Outcome, 1)
	var once sync.Once
	send := func(o archive.Outcome) {
		once.Do(func() { resultCh <- o })
	}

	collector.OnRequest(func(r *colly.Request) {
		if req.ETag != "" {
			r.Headers.Set("If-None-Match", req.ETag)
		}
		if req.LastModified != "" {
			r.Headers.Set("If-Modified-Since", req.LastModified)
		}
	})

	start := time.Now()
	collector.OnResponse(func(r *colly.Response) {
		send(classifyResponse(req.URL, r, nil, time.Since(start)))
	})
	collector.OnError(func(r *colly.Response, err error) {
		send(classifyResponse(req.URL, r, err, time.Since(start)))
	})

	if err := collector.Visit(req.URL); err != nil {
		return archive.Permanent(0, fmt.Errorf("visit %s: %w", req.URL, err))
	}
	collector.Wait()

	select {
	case outcome := <-resultCh:
		if err := ctx.Err(); err != nil {
			return archive.Permanent(0, err)
		}
		return outcome
	default:
		return archive.Retryable(errors.New("fetch produced no result"))
	}
}

// classifyResponse maps one HTTP exchange onto an explicit outcome.
func classifyResponse(requestURL string, r *colly.Response, err error, dur time.Duration) archive.Outcome {
	if r == nil || r.StatusCode == 0 {
		if err == nil {
			err = errors.New("no response")
		}
		return archive.Retryable(err)
	}

	status := r.StatusCode
	switch {
	case status == http.StatusNotModified:
		return archive.NotModified()
	case status >= 200 && status < 300:
		headers := http.Header{}
		if r.Headers != nil {
			for k, v := range *r.Headers {
				cp := make([]string, len(v))
				copy(cp, v)
				headers[k] = cp
			}
		}
		finalURL := requestURL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		return archive.Fetched(archive.FetchedPage{
			URL:        finalURL,
			StatusCode: status,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   dur,
		})
	case status >= 500:
		if err == nil {
			err = fmt.Errorf("server error %d", status)
		}
		return archive.Retryable(err)
	default:
		if err == nil {
			err = fmt.Errorf("http status %d", status)
		}
		return archive.Permanent(status, err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
