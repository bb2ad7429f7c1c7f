package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// ProcessConfig describes a child process that inherits the bound listener.
type ProcessConfig struct {
	Command []string
	Dir     string
	// Env entries are added to this process's environment, replacing
	// variables of the same name.
	Env []string
	// Credential drops the child to the runtime identity. Nil keeps ours.
	Credential *syscall.Credential
	// NotifyReady waits for a READY=1 line on the notify descriptor instead
	// of treating the started child as ready.
	NotifyReady bool
	Stdout      io.Writer
	Stderr      io.Writer
}

type ProcessService struct {
	cfg    ProcessConfig
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	stopping bool
}

func NewProcessService(cfg ProcessConfig, logger *slog.Logger) (*ProcessService, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("command is required")
	}
	if cfg.Credential != nil && cfg.Credential.Uid == 0 {
		return nil, errors.New("refusing to run the service as uid 0")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessService{cfg: cfg, logger: logger}, nil
}

func (p *ProcessService) Serve(ln net.Listener, ready func()) error {
	filer, ok := ln.(interface{ File() (*os.File, error) })
	if !ok {
		return fmt.Errorf("listener %T cannot be inherited", ln)
	}
	lnFile, err := filer.File()
	if err != nil {
		return fmt.Errorf("listener fd: %w", err)
	}
	defer lnFile.Close()

	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Dir = p.cfg.Dir
	cmd.Stdout = p.cfg.Stdout
	cmd.Stderr = p.cfg.Stderr
	cmd.Env = childEnv(os.Environ(), append(append([]string{}, p.cfg.Env...), ListenFDEnv+"=3"))
	cmd.ExtraFiles = []*os.File{lnFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{Credential: p.cfg.Credential, Setpgid: true}

	var notifyR, notifyW *os.File
	if p.cfg.NotifyReady {
		notifyR, notifyW, err = os.Pipe()
		if err != nil {
			return fmt.Errorf("notify pipe: %w", err)
		}
		defer notifyR.Close()
		cmd.ExtraFiles = append(cmd.ExtraFiles, notifyW)
		cmd.Env = childEnv(cmd.Env, []string{NotifyFDEnv + "=4"})
	}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		if notifyW != nil {
			_ = notifyW.Close()
		}
		return nil
	}
	err = cmd.Start()
	if notifyW != nil {
		_ = notifyW.Close()
	}
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("start %s: %w", p.cfg.Command[0], err)
	}
	done := make(chan struct{})
	p.cmd, p.done = cmd, done
	p.mu.Unlock()

	// The child owns the socket now.
	_ = ln.Close()
	p.logger.Info("service process started", "pid", cmd.Process.Pid, "command", p.cfg.Command[0])

	if notifyR != nil {
		go watchNotify(notifyR, ready)
	} else {
		ready()
	}

	err = cmd.Wait()
	close(done)

	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()
	if err != nil && stopping && terminatedBy(err, syscall.SIGTERM) {
		return nil
	}
	return err
}

// childEnv overlays extra on base so each variable appears once, the
// last assignment winning.
func childEnv(base, extra []string) []string {
	index := make(map[string]int, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range append(append([]string{}, base...), extra...) {
		key, _, _ := strings.Cut(kv, "=")
		if i, ok := index[key]; ok {
			out[i] = kv
			continue
		}
		index[key] = len(out)
		out = append(out, kv)
	}
	return out
}

func watchNotify(r io.Reader, ready func()) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "READY=1" {
			ready()
		}
	}
}

func terminatedBy(err error, sig syscall.Signal) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == sig
}

// Shutdown sends SIGTERM and waits for the child to exit or ctx to end.
func (p *ProcessService) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal: %w", err)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill sends SIGKILL to the child's whole process group.
func (p *ProcessService) Kill() error {
	p.mu.Lock()
	p.stopping = true
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
