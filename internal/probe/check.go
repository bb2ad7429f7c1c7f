package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

var ErrProbeTimeout = errors.New("probe_timeout")

// Checker performs one liveness check. A nil error means healthy.
type Checker interface {
	Check(ctx context.Context) error
}

type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// HTTPChecker issues a single GET and treats any 2xx as healthy.
type HTTPChecker struct {
	url    string
	client *http.Client
}

// NewHTTPChecker judges target by its own status code: redirects are not
// followed, so a 3xx is a failed attempt.
func NewHTTPChecker(target string, client *http.Client) *HTTPChecker {
	c := http.Client{}
	if client != nil {
		c = *client
	}
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &HTTPChecker{url: target, client: &c}
}

func (c *HTTPChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "warden-probe")
	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%w: %s", ErrProbeTimeout, c.url)
		}
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unhealthy status %d", resp.StatusCode)
	}
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Result is one check outcome. Counted reports whether a failure advanced
// the failure streak.
type Result struct {
	At      time.Time
	Healthy bool
	Latency time.Duration
	Err     error
	Counted bool
}

// Attempt runs checker once, bounded by timeout.
func Attempt(ctx context.Context, checker Checker, timeout time.Duration) Result {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := checker.Check(checkCtx)
	if err != nil && !errors.Is(err, ErrProbeTimeout) && errors.Is(checkCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrProbeTimeout, err)
	}
	return Result{
		At:      start,
		Healthy: err == nil,
		Latency: time.Since(start),
		Err:     err,
	}
}

// Once performs a single bounded check against cfg.URL.
func Once(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return Attempt(ctx, NewHTTPChecker(cfg.URL, nil), cfg.Timeout).Err
}
