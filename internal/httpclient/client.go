// Package httpclient submits prepared images to the remote recognition and
// registration backend, retrying transient failures and normalizing the
// backend's response shapes.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/face-capture/internal/imageprocessor"
	"github.com/example/face-capture/internal/logging"
	"github.com/example/face-capture/internal/metrics"
	"github.com/example/face-capture/internal/recognition"
)

const (
	DefaultMaxRetries         = 3
	DefaultBackoffBase        = time.Second
	DefaultMultipartThreshold = 1 << 20
	DefaultRecognizeTimeout   = 20 * time.Second
	DefaultRegisterTimeout    = 120 * time.Second
	DefaultListTimeout        = 10 * time.Second

	maxResponseSize = 4 << 20
)

// Doer performs one HTTP exchange. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sleeper waits d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FallbackProvider supplies placeholder identities when a listing cannot be
// fetched.
type FallbackProvider func() []recognition.Identity

// Config describes the backend endpoints and submission policy.
type Config struct {
	BaseURL       string
	RecognizePath string
	RegisterPath  string
	ListPath      string

	RecognizeTimeout time.Duration
	RegisterTimeout  time.Duration
	ListTimeout      time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries  int
	BackoffBase time.Duration

	MultipartThreshold int
	MaxImageSize       int
}

func (c Config) withDefaults() Config {
	if c.RecognizePath == "" {
		c.RecognizePath = "/recognize"
	}
	if c.RegisterPath == "" {
		c.RegisterPath = "/register"
	}
	if c.ListPath == "" {
		c.ListPath = "/users"
	}
	if c.RecognizeTimeout <= 0 {
		c.RecognizeTimeout = DefaultRecognizeTimeout
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = DefaultRegisterTimeout
	}
	if c.ListTimeout <= 0 {
		c.ListTimeout = DefaultListTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = DefaultMultipartThreshold
	}
	if c.MaxImageSize <= 0 {
		c.MaxImageSize = imageprocessor.MaxImageSize
	}
	return c
}

// Attempt is the transient record of one transport attempt.
type Attempt struct {
	Endpoint   string
	Number     int
	Strategy   Strategy
	Elapsed    time.Duration
	StatusCode int
	Err        error
	// Delay is the backoff scheduled after this attempt, zero when none follows.
	Delay time.Duration
}

// Result is the attempt outcome label used in logs and metrics.
func (a Attempt) Result() string {
	var transient *recognition.TransientNetworkError
	switch {
	case a.Err == nil:
		return "success"
	case errors.As(a.Err, &transient):
		return "transient"
	default:
		return "rejected"
	}
}

// Option configures a Client.
type Option func(*Client)

// WithDoer replaces the HTTP client.
func WithDoer(d Doer) Option {
	return func(c *Client) { c.doer = d }
}

// WithSleeper replaces the backoff sleeper.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

// WithMetrics records attempts and retries.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(c *Client) { c.metrics = m }
}

// WithConcurrencyLimit caps concurrent attempts across all callers of this
// client. Zero or negative leaves it unlimited.
func WithConcurrencyLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.limiter = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithFallback sets the placeholder provider used for degraded listings.
func WithFallback(f FallbackProvider) Option {
	return func(c *Client) { c.fallback = f }
}

// WithLastKnownGoodFallback serves the most recent successful listing as the
// degraded fallback.
func WithLastKnownGoodFallback() Option {
	return func(c *Client) {
		c.keepLastGood = true
		c.fallback = c.lastKnownGood
	}
}

// WithAttemptObserver is called after every attempt.
func WithAttemptObserver(fn func(Attempt)) Option {
	return func(c *Client) { c.observe = fn }
}

// Client is safe for concurrent use.
type Client struct {
	cfg      Config
	base     *url.URL
	doer     Doer
	sleep    Sleeper
	limiter  *semaphore.Weighted
	metrics  *metrics.Pipeline
	fallback FallbackProvider
	observe  func(Attempt)
	logger   *zap.Logger

	keepLastGood bool
	lastGoodMu   sync.Mutex
	lastGood     []recognition.Identity
}

// New builds a client for the backend at cfg.BaseURL.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, logging.NewOperationError("httpclient.new", "", fmt.Errorf("invalid backend URL: %w", err))
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, logging.NewOperationError("httpclient.new", "", fmt.Errorf("invalid backend URL scheme %q", base.Scheme))
	}

	c := &Client{
		cfg:    cfg,
		base:   base,
		doer:   &http.Client{},
		sleep:  sleepContext,
		logger: logger.Named("httpclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RecognizeOptions tunes a recognition request.
type RecognizeOptions struct {
	UseMultiAngle bool
	// SessionID is only used for log correlation.
	SessionID string
}

// Recognize submits img to the recognition endpoint.
func (c *Client) Recognize(ctx context.Context, img imageprocessor.PreparedImage, opts RecognizeOptions) recognition.Outcome {
	if err := c.checkImage(img); err != nil {
		return recognition.TransportFailed(err)
	}

	strategy := SelectStrategy(img.Size(), c.cfg.MultipartThreshold)
	build := func() (io.Reader, string, error) {
		return encodeRecognition(strategy, img, opts.UseMultiAngle)
	}

	resp, attempts, err := c.send(ctx, endpointRequest{
		name:      "recognize",
		method:    http.MethodPost,
		path:      c.cfg.RecognizePath,
		timeout:   c.cfg.RecognizeTimeout,
		strategy:  strategy,
		build:     build,
		sessionID: opts.SessionID,
	})
	if err != nil {
		return failed(err, attempts)
	}

	outcome, err := normalizeRecognition(resp.body)
	if err != nil {
		return failed(&recognition.BackendError{StatusCode: resp.status, Message: err.Error()}, attempts)
	}
	outcome.StatusCode = resp.status
	outcome.Attempts = attempts
	return outcome
}

// Register submits img with metadata to the registration endpoint. The name is
// trimmed and required.
func (c *Client) Register(ctx context.Context, img imageprocessor.PreparedImage, meta recognition.Metadata, sessionID string) recognition.Outcome {
	meta.Name = strings.TrimSpace(meta.Name)
	if meta.Name == "" {
		return recognition.TransportFailed(recognition.ErrNameRequired)
	}
	if err := c.checkImage(img); err != nil {
		return recognition.TransportFailed(err)
	}

	resp, attempts, err := c.send(ctx, endpointRequest{
		name:     "register",
		method:   http.MethodPost,
		path:     c.cfg.RegisterPath,
		timeout:  c.cfg.RegisterTimeout,
		strategy: StrategyMultipart,
		build: func() (io.Reader, string, error) {
			return encodeRegistration(img, meta)
		},
		sessionID: sessionID,
	})
	if err != nil {
		return failed(err, attempts)
	}

	outcome, err := normalizeRegistration(resp.body, meta.Name)
	if err != nil {
		return failed(&recognition.BackendError{StatusCode: resp.status, Message: err.Error()}, attempts)
	}
	outcome.StatusCode = resp.status
	outcome.Attempts = attempts
	return outcome
}

// ListIdentities fetches registered identities. When the backend cannot be
// reached and a fallback is configured, placeholder records are returned and
// the listing is tagged Degraded.
func (c *Client) ListIdentities(ctx context.Context) recognition.Listing {
	resp, _, err := c.send(ctx, endpointRequest{
		name:    "list",
		method:  http.MethodGet,
		path:    c.cfg.ListPath,
		timeout: c.cfg.ListTimeout,
	})
	if err == nil {
		listing, nerr := normalizeListing(resp.body)
		if nerr == nil {
			if c.keepLastGood {
				c.lastGoodMu.Lock()
				c.lastGood = slices.Clone(listing.Identities)
				c.lastGoodMu.Unlock()
			}
			return listing
		}
		err = &recognition.BackendError{StatusCode: resp.status, Message: nerr.Error()}
	}

	if c.fallback == nil {
		return recognition.Listing{Cause: err}
	}
	c.logger.Warn("serving degraded identity listing", zap.Error(err))
	placeholders := c.fallback()
	for i := range placeholders {
		placeholders[i].Placeholder = true
	}
	return recognition.Listing{Identities: placeholders, Total: len(placeholders), Degraded: true, Cause: err}
}

func (c *Client) lastKnownGood() []recognition.Identity {
	c.lastGoodMu.Lock()
	defer c.lastGoodMu.Unlock()
	return slices.Clone(c.lastGood)
}

func (c *Client) checkImage(img imageprocessor.PreparedImage) error {
	if img.Size() == 0 {
		return recognition.ErrImageRequired
	}
	if img.Size() > c.cfg.MaxImageSize {
		return recognition.ErrImageTooLarge
	}
	return nil
}

func failed(err error, attempts int) recognition.Outcome {
	o := recognition.TransportFailed(err)
	o.Attempts = attempts
	var transient *recognition.TransientNetworkError
	var validation *recognition.ValidationError
	var backend *recognition.BackendError
	switch {
	case errors.As(err, &transient):
		o.StatusCode = transient.StatusCode
	case errors.As(err, &validation):
		o.StatusCode = validation.StatusCode
	case errors.As(err, &backend):
		o.StatusCode = backend.StatusCode
	}
	return o
}

type endpointRequest struct {
	name      string
	method    string
	path      string
	timeout   time.Duration
	strategy  Strategy
	build     func() (io.Reader, string, error)
	sessionID string
}

type response struct {
	status int
	body   []byte
}

// send runs the bounded retry loop: at most MaxRetries+1 attempts, sleeping
// BackoffBase*2^attempt after each retryable failure. The request body is
// rebuilt from the same prepared bytes for every attempt.
func (c *Client) send(ctx context.Context, req endpointRequest) (*response, int, error) {
	opLogger := logging.WithOperation(c.logger, "httpclient."+req.name, req.sessionID)

	var lastErr error
	for attempt := 1; ; attempt++ {
		start := time.Now()
		resp, err := c.attempt(ctx, req)
		record := Attempt{
			Endpoint: req.name,
			Number:   attempt,
			Strategy: req.strategy,
			Elapsed:  time.Since(start),
			Err:      err,
		}
		if resp != nil {
			record.StatusCode = resp.status
		}
		if err != nil {
			var transient *recognition.TransientNetworkError
			if errors.As(err, &transient) {
				record.StatusCode = transient.StatusCode
			}
		}

		retry := err != nil && isRetryable(err) && attempt <= c.cfg.MaxRetries && ctx.Err() == nil
		if retry {
			record.Delay = c.backoff(attempt)
		}
		c.record(opLogger, record)

		if err == nil {
			if attempt > 1 {
				opLogger.Info("backend request succeeded after retry", zap.Int("attempt", attempt))
			}
			return resp, attempt, nil
		}
		lastErr = err
		if !retry {
			if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
				lastErr = ctx.Err()
			}
			opLogger.Error("backend request failed", zap.Error(lastErr), zap.Int("attempt", attempt))
			return nil, attempt, logging.NewOperationError("httpclient."+req.name, req.sessionID, lastErr)
		}

		c.metrics.ObserveRetry(req.name)
		if err := c.sleep(ctx, record.Delay); err != nil {
			return nil, attempt, logging.NewOperationError("httpclient."+req.name, req.sessionID, err)
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	return c.cfg.BackoffBase * time.Duration(1<<attempt)
}

func (c *Client) record(logger *zap.Logger, a Attempt) {
	fields := []zap.Field{
		zap.Int("attempt", a.Number),
		zap.String("strategy", string(a.Strategy)),
		zap.Duration("elapsed", a.Elapsed),
		zap.Int("status", a.StatusCode),
		zap.String("result", a.Result()),
	}
	if a.Err != nil {
		fields = append(fields, zap.Error(a.Err), zap.Duration("retry_in", a.Delay))
		logger.Warn("backend attempt failed", fields...)
	} else {
		logger.Debug("backend attempt completed", fields...)
	}
	c.metrics.ObserveAttempt(a.Endpoint, string(a.Strategy), a.Result(), a.Elapsed.Seconds())
	if c.observe != nil {
		c.observe(a)
	}
}

// attempt performs one bounded exchange and classifies its failure.
func (c *Client) attempt(ctx context.Context, req endpointRequest) (*response, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.limiter.Release(1)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	var (
		body        io.Reader
		contentType string
	)
	if req.build != nil {
		var err error
		body, contentType, err = req.build()
		if err != nil {
			return nil, fmt.Errorf("could not encode request: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.method, c.base.JoinPath(req.path).String(), body)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	resp, err := c.doer.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyTransportError(ctx, fmt.Errorf("could not read response body: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &recognition.TransientNetworkError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("request failed with status %d: %s", resp.StatusCode, errorMessage(payload)),
		}
	case resp.StatusCode >= 400:
		msg := errorMessage(payload)
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
			return nil, &recognition.ValidationError{Message: msg, StatusCode: resp.StatusCode}
		}
		return nil, &recognition.BackendError{StatusCode: resp.StatusCode, Message: msg}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &recognition.BackendError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	return &response{status: resp.StatusCode, body: bytes.TrimSpace(payload)}, nil
}
