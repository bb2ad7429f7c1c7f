//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"testing"
	"time"
)

func TestServe_HealthAndDrain(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("serve refuses to run as root")
	}
	bin := buildWarden(t)
	addr := freeAddr(t)

	var out bytes.Buffer
	cmd := exec.Command(bin, "serve")
	cmd.Env = append(os.Environ(), "WARDEN_LISTEN_ADDR="+addr, "WARDEN_GRACE_PERIOD=2s")
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start warden serve: %v", err)
	}
	t.Cleanup(func() { stopProcess(t, cmd, &out, 0) })

	waitHTTP200(t, fmt.Sprintf("http://%s/readyz", addr))
	waitHTTP200(t, fmt.Sprintf("http://%s/health", addr))

	probe := exec.Command(bin, "probe", "--url", fmt.Sprintf("http://%s/health", addr))
	if b, err := probe.CombinedOutput(); err != nil {
		t.Fatalf("warden probe: %v\n%s", err, b)
	}
}

func TestServe_PortInUse(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("serve refuses to run as root")
	}
	bin := buildWarden(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cmd := exec.Command(bin, "serve")
	cmd.Env = append(os.Environ(), "WARDEN_LISTEN_ADDR="+ln.Addr().String())
	b, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 {
		t.Fatalf("warden serve on busy port err=%v, want exit 3\n%s", err, b)
	}
}

func TestSupervise_ServeChild(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("the child would run as a different identity than the test binary owner")
	}
	bin := buildWarden(t)
	addr := freeAddr(t)
	_, port, _ := net.SplitHostPort(addr)
	portNum, _ := strconv.Atoi(port)

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "app"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	contract := map[string]any{
		"schema":       "warden.image.v1",
		"build_id":     "e2e",
		"port":         portNum,
		"identity":     map[string]any{"user": "svc", "group": "svc", "uid": os.Geteuid(), "gid": os.Getegid()},
		"working_dir":  "/app",
		"command":      []string{bin, "serve"},
		"notify_ready": true,
		"healthcheck":  map[string]any{"path": "/health", "interval": "200ms", "timeout": "1s", "start_period": "0s", "retries": 3},
	}
	raw, _ := json.Marshal(contract)
	contractPath := filepath.Join(root, "image.json")
	if err := os.WriteFile(contractPath, raw, 0o644); err != nil {
		t.Fatalf("write contract: %v", err)
	}

	statusAddr := freeAddr(t)
	var out bytes.Buffer
	cmd := exec.Command(bin, "supervise", "--contract", contractPath, "--root", root, "--status-addr", statusAddr)
	cmd.Env = append(os.Environ(), "WARDEN_GRACE_PERIOD=3s")
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start warden supervise: %v", err)
	}
	t.Cleanup(func() { stopProcess(t, cmd, &out, 0) })

	waitHTTP200(t, fmt.Sprintf("http://127.0.0.1:%d/health", portNum))

	deadline := time.Now().Add(5 * time.Second)
	for {
		var status struct {
			Status string `json:"status"`
		}
		resp, err := http.Get(fmt.Sprintf("http://%s/status", statusAddr))
		if err == nil {
			_ = json.NewDecoder(resp.Body).Decode(&status)
			_ = resp.Body.Close()
			if status.Status == "healthy" {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("probe never reported healthy\n%s", out.String())
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWarden(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "warden")
	build := exec.Command("go", "build", "-o", bin, "./cmd/warden")
	build.Dir = repoRoot(t)
	if b, err := build.CombinedOutput(); err != nil {
		t.Fatalf("go build ./cmd/warden: %v\n%s", err, b)
	}
	return bin
}

func repoRoot(t *testing.T) string {
	t.Helper()

	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("runtime.Caller failed")
	}
	return filepath.Dir(filepath.Dir(file))
}

func freeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitHTTP200(t *testing.T, url string) {
	t.Helper()

	client := &http.Client{Timeout: 500 * time.Millisecond}
	deadline := time.Now().Add(8 * time.Second)
	for {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}

		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", url)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func stopProcess(t *testing.T, cmd *exec.Cmd, out *bytes.Buffer, wantCode int) {
	t.Helper()

	if cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		t.Fatalf("process did not drain\n%s", out.String())
	case err := <-done:
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			t.Fatalf("process wait: %v", err)
		}
		if code != wantCode {
			body := out.String()
			if len(body) > 8000 {
				body = body[len(body)-8000:]
			}
			t.Fatalf("process exit=%d, want %d\n%s", code, wantCode, body)
		}
	}
}
