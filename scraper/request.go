package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/ryanm101/romscraper/catalog"
	"github.com/ryanm101/romscraper/metrics"
	"github.com/ryanm101/romscraper/quota"
	"github.com/ryanm101/romscraper/tracing"
)

// operation is one logical catalog call.
type operation struct {
	name     string     // Logical name for logs and errors
	endpoint string     // API script, e.g. "jeuInfos.php"; metric label for direct URLs
	params   url.Values // Endpoint-specific parameters
	rawURL   string     // Direct locator; bypasses endpoint and credentials
	timeout  time.Duration
}

func (c *Client) requestURL(op operation) (string, error) {
	if op.rawURL != "" {
		return op.rawURL, nil
	}
	u, err := url.Parse(c.cfg.BaseURL + "/" + op.endpoint)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("devid", c.creds.DevID)
	q.Set("devpassword", c.creds.DevPassword)
	q.Set("softname", c.creds.SoftwareName)
	q.Set("output", "json")
	if c.creds.hasUser() {
		q.Set("ssid", c.creds.UserID)
		q.Set("sspassword", c.creds.UserPassword)
	}
	for k, vs := range op.params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Retry.InitialDelay
	b.MaxInterval = c.cfg.Retry.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// execute runs op until it succeeds, fails terminally, or runs out of
// retries. Every attempt first obtains a slot from the governor; a throttled
// slot is waited for, an exhausted quota fails without dispatching. handle is
// called with each 2xx response and returns nil or a classified *Error.
func (c *Client) execute(ctx context.Context, op operation, handle func(*http.Response) error) error {
	opID := uuid.NewString()
	ctx, span := tracing.StartOperation(ctx, op.name, op.endpoint, opID)
	defer span.End()
	logger := c.logger.With("op", op.name, "op_id", opID)

	bo := c.newBackOff()
	attempts, closedRetries := 0, 0
	for {
		if _, err := c.governor.Acquire(ctx, c.sleep); err != nil {
			if errors.Is(err, quota.ErrExhausted) {
				err = &Error{Kind: KindQuotaExceeded, Op: op.name, Attempts: attempts, Err: err}
			}
			tracing.EndOperation(span, attempts, KindOf(err).String(), err)
			return err
		}
		attempts++

		err := c.attempt(ctx, op, handle)
		if err == nil {
			metrics.RequestsTotal.WithLabelValues(op.endpoint, "ok").Inc()
			tracing.EndOperation(span, attempts, "", nil)
			return nil
		}

		var se *Error
		if !errors.As(err, &se) {
			// Cancellation of the caller's context.
			tracing.EndOperation(span, attempts, "", err)
			return err
		}
		se.Op = op.name
		se.Attempts = attempts
		metrics.RequestsTotal.WithLabelValues(op.endpoint, se.Kind.String()).Inc()

		var delay time.Duration
		if se.Retryable() {
			delay = c.retryDelay(se, attempts, &closedRetries, bo)
		} else if se.Kind == KindQuotaExceeded {
			c.governor.ExhaustWindow()
		}

		if delay <= 0 {
			if se.Kind != KindNotFound {
				logger.Warn("catalog request failed", "kind", se.Kind.String(), "attempts", attempts, "status", se.Status, "error", se.Err)
			}
			tracing.EndOperation(span, attempts, se.Kind.String(), se)
			return se
		}

		metrics.RetriesTotal.WithLabelValues(se.Kind.String()).Inc()
		logger.Info("retrying catalog request", "kind", se.Kind.String(), "attempt", attempts, "delay", delay, "error", se.Err)
		if err := c.sleep(ctx, delay); err != nil {
			tracing.EndOperation(span, attempts, "", err)
			return err
		}
	}
}

// retryDelay returns how long to wait before retrying a retryable failure,
// or zero once its retry budget is spent.
func (c *Client) retryDelay(se *Error, attempts int, closedRetries *int, bo *backoff.ExponentialBackOff) time.Duration {
	if se.Kind == KindServiceClosed {
		if *closedRetries >= c.cfg.Retry.ClosedRetries {
			return 0
		}
		*closedRetries++
		return c.cfg.Retry.ClosedCooldown
	}
	if attempts >= c.cfg.Retry.MaxAttempts {
		return 0
	}
	delay := bo.NextBackOff()
	if se.retryAfter > delay {
		delay = min(se.retryAfter, c.cfg.Retry.MaxDelay)
	}
	return delay
}

// attempt performs one dispatch.
func (c *Client) attempt(ctx context.Context, op operation, handle func(*http.Response) error) error {
	target, err := c.requestURL(op)
	if err != nil {
		return &Error{Kind: KindProtocol, Err: fmt.Errorf("build url: %w", err)}
	}
	timeout := op.timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return &Error{Kind: KindProtocol, Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("User-Agent", c.creds.SoftwareName)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Kind: KindTransient, Err: redactURL(err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		snippet := strings.TrimSpace(string(text))
		return &Error{
			Kind:       c.cfg.Markers.classifyStatus(resp.StatusCode, snippet),
			Status:     resp.StatusCode,
			Err:        errors.New(summarize(snippet, resp.Status)),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if err := handle(resp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// call runs an API operation and decodes its JSON body. When wantGame is set
// a body without a game is reported as NotFound.
func (c *Client) call(ctx context.Context, op operation, wantGame bool) (*catalog.Response, error) {
	var out *catalog.Response
	err := c.execute(ctx, op, func(resp *http.Response) error {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return &Error{Kind: KindTransient, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
		}
		parsed, err := catalog.Parse(body, c.parseOptions())
		if err != nil {
			text := strings.TrimSpace(string(body))
			if kind := c.cfg.Markers.match(resp.StatusCode, text); kind != KindUnknown {
				return &Error{Kind: kind, Status: resp.StatusCode, Err: errors.New(summarize(text, resp.Status))}
			}
			return &Error{Kind: KindProtocol, Status: resp.StatusCode, Err: err}
		}

		if u := parsed.User; u != nil {
			c.governor.Reconcile(u.RequestsToday, u.MaxRequestsPerDay)
		}
		if parsed.HeaderError != "" && parsed.Record == nil {
			kind := c.cfg.Markers.match(resp.StatusCode, parsed.HeaderError)
			if kind == KindUnknown {
				kind = KindProtocol
			}
			return &Error{Kind: kind, Status: resp.StatusCode, Err: errors.New(parsed.HeaderError)}
		}
		if wantGame && parsed.Record == nil {
			return &Error{Kind: KindNotFound, Status: resp.StatusCode, Err: errors.New("no game in response")}
		}
		out = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func summarize(text, fallback string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return fallback
	}
	if len(text) > 200 {
		return text[:200] + "..."
	}
	return text
}

// redactURL strips credentials from transport errors, which quote the URL.
func redactURL(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	if u, perr := url.Parse(ue.URL); perr == nil {
		u.RawQuery = ""
		return &url.Error{Op: ue.Op, URL: u.String(), Err: ue.Err}
	}
	return ue.Err
}
