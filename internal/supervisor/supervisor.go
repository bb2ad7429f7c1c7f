// Package supervisor binds the service port, runs the service and drives it
// through starting, listening, draining and a terminal state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"
)

var (
	ErrPortInUse         = errors.New("port_in_use")
	ErrDrainTimeout      = errors.New("drain_timeout")
	ErrStartupTimeout    = errors.New("startup_timeout")
	ErrServiceExited     = errors.New("service_exited")
	ErrIllegalTransition = errors.New("illegal_transition")
)

// Service is the unit of work being supervised.
type Service interface {
	// Serve runs until the service stops. It calls ready once the service
	// accepts work on ln.
	Serve(ln net.Listener, ready func()) error
	// Shutdown stops accepting work and waits for in-flight work or ctx.
	Shutdown(ctx context.Context) error
	// Kill stops the service immediately.
	Kill() error
}

type Supervisor struct {
	cfg    Config
	svc    Service
	logger *slog.Logger

	// OnTransition observes every state change, in order.
	OnTransition func(Transition)

	listen func(network, addr string) (net.Listener, error)

	mu    sync.Mutex
	state State
	addr  net.Addr
}

func New(cfg Config, svc Service, logger *slog.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, errors.New("service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		svc:    svc,
		logger: logger,
		listen: net.Listen,
		state:  StateStarting,
	}, nil
}

// UseListener makes Run serve on ln, typically one inherited from a parent
// warden, instead of binding cfg.Addr.
func (s *Supervisor) UseListener(ln net.Listener) {
	s.listen = func(string, string) (net.Listener, error) { return ln, nil }
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr is the bound address, nil before bind succeeds.
func (s *Supervisor) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Supervisor) transition(to State, cause error) error {
	s.mu.Lock()
	from := s.state
	if !from.CanTransition(to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	s.state = to
	s.mu.Unlock()

	attrs := []any{"from", string(from), "to", string(to)}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	if to == StateCrashed {
		s.logger.Error("service state", attrs...)
	} else {
		s.logger.Info("service state", attrs...)
	}
	if s.OnTransition != nil {
		s.OnTransition(Transition{From: from, To: to, At: time.Now().UTC(), Err: cause})
	}
	return nil
}

func (s *Supervisor) finish(to State, code int, cause error) Outcome {
	if err := s.transition(to, cause); err != nil {
		s.logger.Error("state transition rejected", "error", err)
	}
	return Outcome{State: to, ExitCode: code, Err: cause}
}

// Run supervises the service until it stops. Cancelling ctx starts a drain.
// Run may be called once.
func (s *Supervisor) Run(ctx context.Context) Outcome {
	if st := s.State(); st != StateStarting {
		return Outcome{State: st, ExitCode: ExitCrashed, Err: fmt.Errorf("%w: already %s", ErrIllegalTransition, st)}
	}

	ln, err := s.bind(ctx)
	if err != nil {
		return s.finish(StateCrashed, ExitPortInUse, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.logger.Info("port bound", "addr", ln.Addr().String())

	readyCh := make(chan struct{})
	var readyOnce sync.Once
	ready := func() { readyOnce.Do(func() { close(readyCh) }) }

	errCh := make(chan error, 1)
	go func() { errCh <- s.svc.Serve(ln, ready) }()

	var startup <-chan time.Time
	if s.cfg.StartupTimeout > 0 {
		timer := time.NewTimer(s.cfg.StartupTimeout)
		defer timer.Stop()
		startup = timer.C
	}

	select {
	case <-readyCh:
		if err := s.transition(StateListening, nil); err != nil {
			return Outcome{State: s.State(), ExitCode: ExitCrashed, Err: err}
		}
	case err := <-errCh:
		return s.crashed(err)
	case <-startup:
		s.kill(errCh)
		return s.finish(StateCrashed, ExitCrashed, fmt.Errorf("%w after %s", ErrStartupTimeout, s.cfg.StartupTimeout))
	case <-ctx.Done():
		return s.drain(errCh)
	}

	select {
	case err := <-errCh:
		return s.crashed(err)
	case <-ctx.Done():
		return s.drain(errCh)
	}
}

func (s *Supervisor) crashed(serveErr error) Outcome {
	err := fmt.Errorf("%w unexpectedly", ErrServiceExited)
	if serveErr != nil {
		err = fmt.Errorf("%w: %w", ErrServiceExited, serveErr)
	}
	return s.finish(StateCrashed, exitCode(serveErr), err)
}

func (s *Supervisor) drain(errCh <-chan error) Outcome {
	if err := s.transition(StateDraining, nil); err != nil {
		return Outcome{State: s.State(), ExitCode: ExitCrashed, Err: err}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GracePeriod)
	defer cancel()
	shutdownErr := s.svc.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		s.kill(errCh)
		if errors.Is(shutdownErr, context.DeadlineExceeded) {
			return s.finish(StateStopped, ExitDrainTimeout, fmt.Errorf("%w after %s", ErrDrainTimeout, s.cfg.GracePeriod))
		}
		return s.finish(StateCrashed, ExitCrashed, fmt.Errorf("shutdown: %w", shutdownErr))
	}

	select {
	case err := <-errCh:
		if err != nil {
			return s.finish(StateCrashed, exitCode(err), fmt.Errorf("%w: %w", ErrServiceExited, err))
		}
		return s.finish(StateStopped, ExitClean, nil)
	case <-shutdownCtx.Done():
		s.kill(errCh)
		return s.finish(StateStopped, ExitDrainTimeout, fmt.Errorf("%w after %s", ErrDrainTimeout, s.cfg.GracePeriod))
	}
}

// kill forces the service down and waits briefly for Serve to return.
func (s *Supervisor) kill(errCh <-chan error) {
	if err := s.svc.Kill(); err != nil {
		s.logger.Error("kill service", "error", err)
	}
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		s.logger.Error("service did not exit after kill")
	}
}

// bind listens on the configured address, retrying a port that is in use at
// most BindRetries times.
func (s *Supervisor) bind(ctx context.Context) (net.Listener, error) {
	for attempt := 0; ; attempt++ {
		ln, err := s.listen("tcp", s.cfg.Addr)
		if err == nil {
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("bind %s: %w", s.cfg.Addr, err)
		}
		err = fmt.Errorf("%w: %s: %v", ErrPortInUse, s.cfg.Addr, err)
		if attempt >= s.cfg.BindRetries {
			return nil, err
		}
		s.logger.Warn("port in use, retrying", "addr", s.cfg.Addr, "attempt", attempt+1, "retries", s.cfg.BindRetries)
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(s.cfg.BindRetryDelay):
		}
	}
}

func exitCode(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		if code := coder.ExitCode(); code > 0 {
			return code
		}
	}
	return ExitCrashed
}
