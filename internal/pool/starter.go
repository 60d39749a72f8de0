package pool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// Handle is a started runtime instance as seen by the pool.
type Handle interface {
	BaseURL() string
	Stop() error
}

// InstanceStarter launches one runtime server bound to loopback:port with the
// given directory as its config root. The working directory is an explicit
// parameter: the gateway process never chdirs.
type InstanceStarter interface {
	Start(ctx context.Context, workdir string, port int) (Handle, error)
}

const defaultReadyTimeout = 30 * time.Second

// ProcessStarter runs the runtime binary as a child process.
type ProcessStarter struct {
	Command      string
	ReadyTimeout time.Duration
}

func (s *ProcessStarter) Start(ctx context.Context, workdir string, port int) (Handle, error) {
	command := s.Command
	if command == "" {
		command = "opencode"
	}
	cmd := exec.Command(command, "serve", "--hostname", "127.0.0.1", "--port", strconv.Itoa(port))
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pool: start runtime process: %w", err)
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := s.waitReady(ctx, baseURL); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	return &processHandle{cmd: cmd, baseURL: baseURL}, nil
}

func (s *ProcessStarter) waitReady(ctx context.Context, baseURL string) error {
	timeout := s.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(readyCtx, http.MethodGet, baseURL+"/app", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-readyCtx.Done():
			return fmt.Errorf("pool: runtime instance did not become ready: %w", readyCtx.Err())
		case <-ticker.C:
		}
	}
}

type processHandle struct {
	cmd     *exec.Cmd
	baseURL string
}

func (h *processHandle) BaseURL() string {
	return h.baseURL
}

func (h *processHandle) Stop() error {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	_ = h.cmd.Wait()
	return nil
}
