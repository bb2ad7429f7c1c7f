package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/urfave/cli"

	"github.com/animus-labs/warden/internal/build"
	"github.com/animus-labs/warden/internal/platform/httpserver"
	"github.com/animus-labs/warden/internal/probe"
	"github.com/animus-labs/warden/internal/steward"
	"github.com/animus-labs/warden/internal/supervisor"
)

var contractFlag = cli.StringFlag{
	Name:   "contract",
	Value:  "/" + build.ContractPath,
	Usage:  "Image contract written by warden build",
	EnvVar: "WARDEN_CONTRACT",
}

func superviseCommand(ctx context.Context, logger *slog.Logger) cli.Command {
	return cli.Command{
		Name:      "supervise",
		Usage:     "Bind the service port, run the service as the runtime identity and probe its health",
		ArgsUsage: "[-- command args...]",
		Flags: []cli.Flag{
			contractFlag,
			cli.StringFlag{
				Name:  "root",
				Value: "/",
				Usage: "Runtime root the contract's working directory is relative to",
			},
			cli.StringFlag{
				Name:   "status-addr",
				Usage:  "Serve the health probe status on this address",
				EnvVar: "WARDEN_STATUS_ADDR",
			},
		},
		Action: func(c *cli.Context) error {
			contract, err := build.ReadContract(c.String("contract"))
			if err != nil {
				return usageError(err)
			}
			command := []string(c.Args())
			if len(command) == 0 {
				command = contract.Command
			}
			if len(command) == 0 {
				return usageError(errors.New("no service command in contract or arguments"))
			}

			supCfg, err := listenConfig(contract.Port)
			if err != nil {
				return usageError(err)
			}
			st, err := steward.New(contract.Identity, logger)
			if err != nil {
				return usageError(err)
			}
			cred, err := st.ChildCredential()
			if err != nil {
				return failure(err)
			}
			svc, err := supervisor.NewProcessService(supervisor.ProcessConfig{
				Command:     command,
				Dir:         filepath.Join(c.String("root"), contract.WorkingDir),
				Credential:  cred,
				NotifyReady: contract.NotifyReady,
			}, logger)
			if err != nil {
				return usageError(err)
			}
			sup, err := supervisor.New(supCfg, svc, logger)
			if err != nil {
				return usageError(err)
			}

			probeCtx, stopProbe := context.WithCancel(ctx)
			defer stopProbe()
			var current atomic.Pointer[probe.Prober]
			sup.OnTransition = func(t supervisor.Transition) {
				if t.To != supervisor.StateListening {
					return
				}
				p, err := startProber(probeCtx, contract, sup.Addr(), logger)
				if err != nil {
					logger.Error("health probe disabled", "error", err)
					return
				}
				current.Store(p)
			}
			if addr := c.String("status-addr"); addr != "" {
				stopStatus := serveStatus(addr, &current, logger)
				defer stopStatus()
			}

			return outcomeError(sup.Run(ctx))
		},
	}
}

// listenConfig reads supervisor settings, defaulting the listen address to
// the contract port when WARDEN_LISTEN_ADDR is unset.
func listenConfig(port int) (supervisor.Config, error) {
	cfg, err := supervisor.ConfigFromEnv()
	if err != nil {
		return supervisor.Config{}, err
	}
	if _, set := os.LookupEnv("WARDEN_LISTEN_ADDR"); !set && port > 0 {
		cfg.Addr = ":" + strconv.Itoa(port)
	}
	return cfg, cfg.Validate()
}

func startProber(ctx context.Context, contract build.Contract, bound net.Addr, logger *slog.Logger) (*probe.Prober, error) {
	host, port := "127.0.0.1", contract.Port
	if tcp, ok := bound.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	cfg := contract.ProbeConfig(host)
	cfg.URL = fmt.Sprintf("http://%s%s", net.JoinHostPort(host, strconv.Itoa(port)), contract.HealthCheck.Path)
	p, err := probe.New(cfg, nil, logger.With("component", "probe"))
	if err != nil {
		return nil, err
	}
	go func() { _ = p.Run(ctx) }()
	return p, nil
}

func serveStatus(addr string, current *atomic.Pointer[probe.Prober], logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("warden"))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		p := current.Load()
		if p == nil {
			httpserver.WriteJSON(w, http.StatusOK, probe.Snapshot{Status: probe.StatusStarting})
			return
		}
		p.Handler().ServeHTTP(w, r)
	})
	srv := httpserver.NewServer(httpserver.Wrap(logger, "warden", mux))
	srv.Addr = addr
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server stopped", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func outcomeError(out supervisor.Outcome) error {
	if out.ExitCode == supervisor.ExitClean {
		return nil
	}
	return &commandError{code: out.ExitCode, err: out.Err}
}

func serveCommand(ctx context.Context, logger *slog.Logger) cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "Run the built-in HTTP service with /health and /readyz",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "contract",
				Usage: "Require the process to run as this contract's identity",
			},
		},
		Action: func(c *cli.Context) error {
			port := 0
			if p := c.String("contract"); p != "" {
				contract, err := build.ReadContract(p)
				if err != nil {
					return usageError(err)
				}
				st, err := steward.New(contract.Identity, logger)
				if err != nil {
					return usageError(err)
				}
				if err := st.RequireIdentity(); err != nil {
					return failure(err)
				}
				port = contract.Port
			} else if os.Geteuid() == 0 {
				return failure(fmt.Errorf("%w: refusing to serve as root", steward.ErrSuperuser))
			}

			supCfg, err := listenConfig(port)
			if err != nil {
				return usageError(err)
			}

			var readiness httpserver.Readiness
			mux := http.NewServeMux()
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				httpserver.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			})
			mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("warden",
				httpserver.ReadinessCheck{Name: "drain", Check: readiness.Check},
			))

			sup, err := supervisor.New(supCfg, supervisor.NewHTTPService(httpserver.Wrap(logger, "warden", mux)), logger)
			if err != nil {
				return usageError(err)
			}
			ln, inherited, err := supervisor.InheritedListener()
			if err != nil {
				return failure(err)
			}
			if inherited {
				sup.UseListener(ln)
			}
			sup.OnTransition = func(t supervisor.Transition) {
				switch t.To {
				case supervisor.StateListening:
					if err := supervisor.NotifyReady(); err != nil {
						logger.Error("notify ready failed", "error", err)
					}
				case supervisor.StateDraining:
					readiness.Drain()
				}
			}
			return outcomeError(sup.Run(ctx))
		},
	}
}

func probeCommand(ctx context.Context, logger *slog.Logger) cli.Command {
	return cli.Command{
		Name:  "probe",
		Usage: "Check the service health endpoint once; exit 0 when healthy",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "contract",
				Usage: "Derive URL and timeout from an image contract",
			},
			cli.StringFlag{
				Name:  "url",
				Usage: "Health endpoint URL",
			},
		},
		Action: func(c *cli.Context) error {
			var (
				cfg probe.Config
				err error
			)
			if p := c.String("contract"); p != "" {
				var contract build.Contract
				if contract, err = build.ReadContract(p); err == nil {
					cfg = contract.ProbeConfig("127.0.0.1")
				}
			} else {
				cfg, err = probe.ConfigFromEnv()
			}
			if err != nil {
				return usageError(err)
			}
			if u := c.String("url"); u != "" {
				cfg.URL = u
			}
			if err := cfg.Validate(); err != nil {
				return usageError(err)
			}
			if err := probe.Once(ctx, cfg); err != nil {
				logger.Warn("health check failed", "url", cfg.URL, "error", err)
				return failure(err)
			}
			return nil
		},
	}
}
