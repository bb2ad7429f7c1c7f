package probe

import "time"

type Status string

const (
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Tracker debounces check results into a status. Failures during the start
// period are ignored until the first success; afterwards Retries consecutive
// failures are needed to report unhealthy.
type Tracker struct {
	retries     int
	startPeriod time.Duration
	started     time.Time

	status      Status
	streak      int
	seenSuccess bool
}

func NewTracker(retries int, startPeriod time.Duration, started time.Time) *Tracker {
	if retries < 1 {
		retries = 1
	}
	return &Tracker{
		retries:     retries,
		startPeriod: startPeriod,
		started:     started,
		status:      StatusStarting,
	}
}

// Observe folds r into the tracker and reports whether the status changed.
func (t *Tracker) Observe(r Result) (Result, bool) {
	prev := t.status
	switch {
	case r.Healthy:
		t.streak = 0
		t.seenSuccess = true
		t.status = StatusHealthy
	case !t.seenSuccess && r.At.Sub(t.started) < t.startPeriod:
		r.Counted = false
	default:
		r.Counted = true
		t.streak++
		if t.streak >= t.retries {
			t.status = StatusUnhealthy
		}
	}
	return r, t.status != prev
}

func (t *Tracker) Status() Status { return t.status }

func (t *Tracker) Streak() int { return t.streak }
