// Package fetch is the single egress path for HTTP. Every request is
// validated against the URL policy, rate limited, and retried with
// jittered backoff on transient failures.
package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hpungsan/gather/internal/errors"
	"github.com/hpungsan/gather/internal/security"
)

const (
	defaultUserAgent = "gather/1.0"
	maxBodyBytes     = 10 << 20
	backoffBase      = time.Second
	backoffCap       = 30 * time.Second
)

type Options struct {
	Policy     *security.URLPolicy
	RateLimit  time.Duration // minimum interval between requests
	MaxRetries int
	Timeout    time.Duration
	UserAgent  string
	Logger     zerolog.Logger
}

// Response is a fully-read HTTP response. FinalURL reflects the last
// redirect hop, which is what dedup keys and artifacts should record.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FinalURL   string
}

type Client struct {
	http       *http.Client
	policy     *security.URLPolicy
	limiter    *rate.Limiter
	maxRetries int
	userAgent  string
	log        zerolog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewClient(opts Options) *Client {
	if opts.Policy == nil {
		opts.Policy = &security.URLPolicy{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	// The dialer re-checks the connected address, so a host whose DNS
	// answer changed between validation and connect still cannot reach
	// internal ranges.
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: opts.Policy.DialControl,
	}
	transport := &http.Transport{
		DialContext:       dialer.DialContext,
		ForceAttemptHTTP2: true,
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Every(opts.RateLimit)
	}

	return &Client{
		http: &http.Client{
			Transport:     transport,
			Timeout:       opts.Timeout,
			CheckRedirect: opts.Policy.CheckRedirect,
		},
		policy:     opts.Policy,
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: opts.MaxRetries,
		userAgent:  opts.UserAgent,
		log:        opts.Logger,
		sleep:      sleepCtx,
	}
}

// Get fetches rawURL, honoring the rate limit and retrying transient
// failures. The returned error carries a TRANSIENT or PERMANENT code so
// callers can decide whether the item is worth another run.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	if err := c.policy.ValidateOutboundURL(ctx, rawURL); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt, lastErr)
			c.log.Debug().
				Str("url", rawURL).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying request")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, errors.NewTransient("request canceled during backoff", err)
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.NewTransient("request canceled while rate limited", err)
		}

		resp, err := c.do(ctx, rawURL)
		if err == nil {
			return resp, nil
		}
		if !errors.Retryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

func (c *Client) do(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.NewPermanent(fmt.Sprintf("invalid request for %s", rawURL), err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		// Policy violations surface through redirect and dial hooks
		// wrapped in url.Error. Keep the code visible so callers drop
		// the item instead of retrying.
		if errors.Is(err, errors.ErrSecurityViolation) {
			return nil, err
		}
		return nil, errors.NewTransient(fmt.Sprintf("request to %s failed", rawURL), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := errors.NewRateLimited(fmt.Sprintf("rate limited by %s", req.URL.Host), retryAfter(resp))
		return nil, e
	case resp.StatusCode >= 500:
		return nil, errors.NewTransient(
			fmt.Sprintf("server error %d from %s", resp.StatusCode, req.URL.Host), nil)
	case resp.StatusCode >= 400:
		return nil, errors.NewPermanent(
			fmt.Sprintf("request to %s rejected with status %d", rawURL, resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.NewTransient("failed to read response body", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		FinalURL:   resp.Request.URL.String(),
	}, nil
}

// backoff doubles per attempt with jitter, capped, and defers to the
// server's Retry-After when one was given.
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	if secs := errors.RetryAfter(lastErr); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	d := backoffBase << (attempt - 1)
	if d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

// retryAfter parses the Retry-After header, either delta-seconds or an
// HTTP date. Returns 0 when absent or unparseable.
func retryAfter(resp *http.Response) int {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return secs
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return int(d.Seconds() + 0.5)
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
