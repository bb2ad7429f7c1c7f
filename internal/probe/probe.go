// Package probe polls a service liveness endpoint and debounces the results
// into starting, healthy or unhealthy.
//
// The probe only reaches the service over the network. It never inspects or
// changes supervisor state; acting on an unhealthy status belongs to whatever
// orchestrates the container.
package probe

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/animus-labs/warden/internal/platform/httpserver"
)

type Prober struct {
	cfg     Config
	checker Checker
	logger  *slog.Logger

	// OnChange is called from the Run goroutine after every status change.
	OnChange func(Status, Result)

	mu      sync.Mutex
	tracker *Tracker
	last    *Result
}

func New(cfg Config, checker Checker, logger *slog.Logger) (*Prober, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if checker == nil {
		checker = NewHTTPChecker(cfg.URL, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		cfg:     cfg,
		checker: checker,
		logger:  logger,
		tracker: NewTracker(cfg.Retries, cfg.StartPeriod, time.Now()),
	}, nil
}

// Run checks every Interval, starting one Interval after the call, until ctx ends.
func (p *Prober) Run(ctx context.Context) error {
	p.mu.Lock()
	p.tracker = NewTracker(p.cfg.Retries, p.cfg.StartPeriod, time.Now())
	p.last = nil
	p.mu.Unlock()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		r := Attempt(ctx, p.checker, p.cfg.Timeout)
		if ctx.Err() != nil {
			return nil
		}
		p.observe(r)
	}
}

func (p *Prober) observe(r Result) {
	p.mu.Lock()
	r, changed := p.tracker.Observe(r)
	status, streak := p.tracker.Status(), p.tracker.Streak()
	p.last = &r
	p.mu.Unlock()

	attrs := []any{
		"url", p.cfg.URL,
		"healthy", r.Healthy,
		"latency_ms", r.Latency.Milliseconds(),
		"counted", r.Counted,
		"failing_streak", streak,
	}
	if r.Err != nil {
		attrs = append(attrs, "error", r.Err)
	}
	if !changed {
		p.logger.Debug("health check", attrs...)
		return
	}
	p.logger.Info("health status changed", append(attrs, "status", string(status))...)
	if p.OnChange != nil {
		p.OnChange(status, r)
	}
}

type Snapshot struct {
	Status        Status     `json:"status"`
	FailingStreak int        `json:"failing_streak"`
	Last          *LastCheck `json:"last,omitempty"`
}

type LastCheck struct {
	At        time.Time `json:"at"`
	Healthy   bool      `json:"healthy"`
	LatencyMs int64     `json:"latency_ms"`
	Timeout   bool      `json:"timeout,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func (p *Prober) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{Status: p.tracker.Status(), FailingStreak: p.tracker.Streak()}
	if p.last != nil {
		s.Last = &LastCheck{
			At:        p.last.At.UTC(),
			Healthy:   p.last.Healthy,
			LatencyMs: p.last.Latency.Milliseconds(),
			Timeout:   errors.Is(p.last.Err, ErrProbeTimeout),
		}
		if p.last.Err != nil {
			s.Last.Error = p.last.Err.Error()
		}
	}
	return s
}

// Handler serves the latest snapshot; only unhealthy answers 503.
func (p *Prober) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := p.Snapshot()
		code := http.StatusOK
		if s.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		httpserver.WriteJSON(w, code, s)
	})
}
