// Package readiness polls a service's health endpoint until it answers 2xx.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultRequestTimeout caps one health request unless the poll interval is longer.
	DefaultRequestTimeout = time.Second
)

// TimeoutError reports that the service never answered 2xx before the deadline.
type TimeoutError struct {
	URL        string
	Timeout    time.Duration
	Elapsed    time.Duration
	Attempts   int
	LastStatus int // 0 when no response was ever received
	LastErr    error
}

func (e *TimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s not ready after %s (%d attempts", e.URL, e.Timeout, e.Attempts)
	if e.LastStatus != 0 {
		fmt.Fprintf(&b, ", last status %d", e.LastStatus)
	}
	if e.LastErr != nil {
		fmt.Fprintf(&b, ", last error: %v", e.LastErr)
	}
	b.WriteString(")")
	return b.String()
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// Probe polls a health endpoint. The zero value is usable.
type Probe struct {
	Client *http.Client
	Logger *slog.Logger
	// RequestTimeout bounds each attempt; a request still pending when it
	// expires counts as not ready. Defaults to max(pollInterval, DefaultRequestTimeout).
	RequestTimeout time.Duration
}

var defaultClient = &http.Client{
	Transport: &http.Transport{
		Proxy:             nil,
		DisableKeepAlives: true,
	},
}

// WaitUntilReady polls baseURL+healthPath with the default Probe.
func WaitUntilReady(ctx context.Context, baseURL, healthPath string, timeout, pollInterval time.Duration) error {
	return (&Probe{}).WaitUntilReady(ctx, baseURL, healthPath, timeout, pollInterval)
}

// WaitUntilReady GETs baseURL+healthPath every pollInterval until a 2xx
// arrives or timeout elapses since the call. Connection failures and non-2xx
// answers both mean "not ready yet". When ctx is cancelled the result is
// context.Cause(ctx), which lets callers abort the wait with their own error.
func (p *Probe) WaitUntilReady(ctx context.Context, baseURL, healthPath string, timeout, pollInterval time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	reqTimeout := p.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = max(pollInterval, DefaultRequestTimeout)
	}
	client := p.Client
	if client == nil {
		client = defaultClient
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	url := JoinURL(baseURL, healthPath)

	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		attempts   int
		lastStatus int
		lastErr    error
		seen       = map[int]bool{}
	)
	op := func() error {
		attempts++
		actx, acancel := context.WithTimeout(pctx, reqTimeout)
		defer acancel()
		req, err := http.NewRequestWithContext(actx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			// a request cut short by the deadline says nothing new about the service
			if pctx.Err() == nil || lastErr == nil {
				lastErr = err
			}
			return err
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		lastStatus = resp.StatusCode
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
		if !seen[resp.StatusCode] {
			seen[resp.StatusCode] = true
			log.Warn("health check answered but not ready", "url", url, "status", resp.StatusCode)
		}
		return lastErr
	}
	notify := func(err error, next time.Duration) {
		log.Debug("service not ready yet", "url", url, "attempt", attempts, "error", err, "retry_in", next)
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(pollInterval), pctx)
	err := backoff.RetryNotify(op, b, notify)
	elapsed := time.Since(start)
	if err == nil {
		log.Info("service ready", "url", url, "attempts", attempts, "elapsed", elapsed)
		return nil
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if pctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{
			URL:        url,
			Timeout:    timeout,
			Elapsed:    elapsed,
			Attempts:   attempts,
			LastStatus: lastStatus,
			LastErr:    lastErr,
		}
	}
	return err
}

// JoinURL joins a base URL and a path with exactly one slash between them.
func JoinURL(baseURL, path string) string {
	if path == "" {
		return baseURL
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
