// Package hostclient executes requests against a repository host inside the
// host's rate-limit budget, retrying transient failures with bounded backoff
// and classifying everything else.
package hostclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/metrics"
	"github.com/JakeFAU/repo-collector/internal/policy/ratelimit"
)

// Config controls Client behavior.
type Config struct {
	Host              string
	UserAgent         string
	Token             string
	Timeout           time.Duration
	MaxRetries        int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	MaxRateLimitWaits int
	MaxBodyBytes      int64
	// Transport overrides the HTTP transport; nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// ErrBodyTooLarge marks a response whose body is larger than Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

const (
	defaultMaxRateLimitWaits = 10
	defaultMaxBodyBytes      = 32 << 20
)

// Client is the rate-limited client for one host.
type Client struct {
	cfg    Config
	http   *http.Client
	budget *ratelimit.Budget
	retry  *crawler.ExponentialRetryPolicy
	clock  crawler.Clock
	logger *zap.Logger
}

// New constructs a Client that spends from budget.
func New(cfg Config, budget *ratelimit.Budget, clock crawler.Clock, logger *zap.Logger) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if budget == nil {
		return nil, fmt.Errorf("budget is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRateLimitWaits <= 0 {
		cfg.MaxRateLimitWaits = defaultMaxRateLimitWaits
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.Token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}),
			Base:   transport,
		}
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Transport: transport, Timeout: cfg.Timeout},
		budget: budget,
		retry:  crawler.NewRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		clock:  clock,
		logger: logger.Named("hostclient").With(zap.String("host", cfg.Host)),
	}, nil
}

// Host returns the host identifier this client serves.
func (c *Client) Host() string {
	return c.cfg.Host
}

// Budget exposes the budget this client spends from.
func (c *Client) Budget() *ratelimit.Budget {
	return c.budget
}

// Execute sends req, waiting on the host budget before every attempt.
// Explicit rate limits are waited out up to MaxRateLimitWaits times without
// counting as attempts; transient failures are retried up to MaxRetries times.
func (c *Client) Execute(ctx context.Context, req crawler.Request) (crawler.RawResponse, error) {
	transientAttempts := 0
	rateLimitWaits := 0
	for {
		if err := c.budget.Acquire(ctx); err != nil {
			return crawler.RawResponse{}, fmt.Errorf("acquire %s budget: %w", c.cfg.Host, err)
		}

		raw, sig, err := c.do(ctx, req)
		if err == nil {
			c.budget.SetBackoffLevel(0)
			return raw, nil
		}
		if ctx.Err() != nil {
			return crawler.RawResponse{}, fmt.Errorf("execute %s: %w", req.URL, ctx.Err())
		}

		var hostErr *crawler.HostError
		if !errors.As(err, &hostErr) {
			return crawler.RawResponse{}, err
		}

		switch {
		case errors.Is(err, crawler.ErrRateLimited):
			rateLimitWaits++
			if rateLimitWaits > c.cfg.MaxRateLimitWaits {
				return crawler.RawResponse{}, err
			}
			until := sig.ResetAt
			if hostErr.RetryAfter > 0 {
				until = c.clock.Now().Add(hostErr.RetryAfter)
			}
			c.budget.Exhaust(until)
			c.logger.Warn("host rate limited, waiting for reset",
				zap.String("url", req.URL),
				zap.Int("status", hostErr.StatusCode),
				zap.Time("until", c.budget.Snapshot().ResetAt),
				zap.Int("wait", rateLimitWaits),
			)
		case c.retry.ShouldRetry(err, transientAttempts):
			delay := c.retry.Backoff(transientAttempts)
			transientAttempts++
			c.budget.SetBackoffLevel(transientAttempts)
			c.logger.Warn("transient host failure, backing off",
				zap.String("url", req.URL),
				zap.Int("attempt", transientAttempts),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if serr := crawler.Sleep(ctx, delay); serr != nil {
				return crawler.RawResponse{}, fmt.Errorf("execute %s: %w", req.URL, serr)
			}
		default:
			return crawler.RawResponse{}, err
		}
	}
}

func (c *Client) do(ctx context.Context, req crawler.Request) (crawler.RawResponse, ratelimit.Signal, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return crawler.RawResponse{}, ratelimit.Signal{}, c.hostError(crawler.ErrPermanent, req.URL, 0, 0, err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if c.cfg.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.ObserveHostRequest(c.cfg.Host, 0)
		return crawler.RawResponse{}, ratelimit.Signal{}, c.hostError(classifyTransportError(err), req.URL, 0, 0, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	metrics.ObserveHostRequest(c.cfg.Host, resp.StatusCode)

	now := c.clock.Now()
	sig := ratelimit.ParseSignal(resp.Header, now)
	c.budget.Observe(sig)

	// One byte past the limit distinguishes a body at the limit from a truncated one.
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return crawler.RawResponse{}, sig, c.hostError(crawler.ErrTransient, req.URL, resp.StatusCode, 0, fmt.Errorf("read body: %w", err))
	}

	if kind := classifyStatus(resp.StatusCode, sig); kind != nil {
		return crawler.RawResponse{}, sig, c.hostError(kind, req.URL, resp.StatusCode, sig.RetryAfter, nil)
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		return crawler.RawResponse{}, sig, c.hostError(crawler.ErrPermanent, req.URL, resp.StatusCode, 0,
			fmt.Errorf("%w: body exceeds %d bytes", ErrBodyTooLarge, c.cfg.MaxBodyBytes))
	}

	return crawler.RawResponse{
		URL:        req.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		FetchedAt:  now,
	}, sig, nil
}

func (c *Client) hostError(kind error, url string, status int, retryAfter time.Duration, cause error) error {
	return &crawler.HostError{
		Kind:       kind,
		Host:       c.cfg.Host,
		URL:        url,
		StatusCode: status,
		RetryAfter: retryAfter,
		Err:        cause,
	}
}

// classifyStatus maps a host status to an error class; nil means success.
func classifyStatus(status int, sig ratelimit.Signal) error {
	switch {
	case status == http.StatusAccepted:
		// The host is still computing the answer.
		return crawler.ErrTransient
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return crawler.ErrRateLimited
	case status == http.StatusForbidden && (sig.Exhausted() || sig.RetryAfter > 0):
		return crawler.ErrRateLimited
	case status == http.StatusRequestTimeout, status >= 500:
		return crawler.ErrTransient
	default:
		return crawler.ErrPermanent
	}
}

func classifyTransportError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTimeout {
		return crawler.ErrHostUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return crawler.ErrHostUnavailable
	}
	return crawler.ErrTransient
}
