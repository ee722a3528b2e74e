// Package steamcmd is the download driver of spec.md §4.5: it runs the
// steam-style content-delivery tool under a pseudo-terminal, parses its
// two progress dialects, and auto-restarts it on the tool's own
// self-update exit code.
package steamcmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
	"github.com/honkhost/gameserver-mgr/internal/fetchuntar"
	"github.com/honkhost/gameserver-mgr/internal/glog"
	"github.com/honkhost/gameserver-mgr/internal/task"
)

// ErrUnsupported marks an unsupported download request (a non-steamcmd
// downloadType, or two-factor auth). No function in this package
// returns it.
var ErrUnsupported = errors.New("steamcmd: unsupported")

// selfUpdateExitCode is the tool's documented "I updated myself, restart
// me" sentinel (spec.md §4.5.5).
const selfUpdateExitCode = 42

// maxSelfUpdateRestarts bounds the self-update recursion to avoid loops.
const maxSelfUpdateRestarts = 5

// Request describes one downloadGame invocation (spec.md §6 CLI and
// §4.5 preconditions).
type Request struct {
	GameID           string
	AppID            string
	Force            bool // remove + reinstall the tool unconditionally
	Validate         bool
	ServerFilesForce bool // pre-clean the download directory
	Creds            LoginCredentials
}

// Driver runs content-delivery tool instances on behalf of its owning
// process. It tracks a single current child for signal forwarding and
// does not stop a second Download from starting while one is running;
// signals then go to the most recently started child. A Driver must not
// be shared across processes.
type Driver struct {
	toolDir     string
	downloadURL string
	fetcher     fetchuntar.Fetcher
	log         glog.Logger

	mu      sync.Mutex
	current *exec.Cmd

	sigOnce sync.Once
	sigCh   chan os.Signal
}

// NewDriver builds a Driver rooted at toolDir, fetching the tool tarball
// from downloadURL when it must be (re)installed. The exit-signal
// forwarder described in spec.md §4.5.8 is registered once here and
// never re-registered across successive downloads.
func NewDriver(toolDir, downloadURL string, fetcher fetchuntar.Fetcher, log glog.Logger) *Driver {
	if fetcher == nil {
		fetcher = fetchuntar.Default
	}
	d := &Driver{toolDir: toolDir, downloadURL: downloadURL, fetcher: fetcher, log: log}
	d.installSignalForwarder()
	return d
}

func (d *Driver) installSignalForwarder() {
	d.sigOnce.Do(func() {
		// Registered once: the forwarder relays to whichever child is
		// "current" at signal-delivery time, never accumulating listeners
		// across successive downloads (spec.md §4.5.8).
		d.sigCh = make(chan os.Signal, 4)
		forwardSignals(d.sigCh)
		go func() {
			for sig := range d.sigCh {
				d.mu.Lock()
				cmd := d.current
				d.mu.Unlock()
				if cmd != nil && cmd.Process != nil {
					_ = cmd.Process.Signal(sig)
				}
			}
		}()
	})
}

func (d *Driver) binaryPath() string { return filepath.Join(d.toolDir, "steamcmd.sh") }

// ensureTool implements spec.md §4.5.1: fetch/extract the tool if it's
// missing, not executable, or force-reinstall was requested.
func (d *Driver) ensureTool(ctx context.Context, force bool) error {
	bin := d.binaryPath()
	info, err := os.Stat(bin)
	executable := err == nil && info.Mode()&0o111 != 0

	if force {
		if err := os.RemoveAll(d.toolDir); err != nil {
			return fmt.Errorf("steamcmd: remove tool dir for reinstall: %w", err)
		}
		executable = false
	}
	if executable {
		return nil
	}

	if err := os.RemoveAll(d.toolDir); err != nil {
		return fmt.Errorf("steamcmd: remove tool dir: %w", err)
	}
	if err := os.MkdirAll(d.toolDir, 0o755); err != nil {
		return fmt.Errorf("steamcmd: mkdir tool dir: %w", err)
	}
	if d.downloadURL == "" {
		return fmt.Errorf("steamcmd: tool missing and STEAMCMD_DOWNLOAD_URL is unset")
	}
	if err := d.fetcher.FetchAndExtract(ctx, d.downloadURL, d.toolDir); err != nil {
		return fmt.Errorf("steamcmd: bootstrap tool: %w", err)
	}
	return nil
}

// Download is the Work function a task.Supervisor runs for a
// downloadGame request.
func (d *Driver) Download(installDir string, req Request) task.Work {
	return func(ctx context.Context, t *task.Task) error {
		if err := d.ensureTool(ctx, req.Force); err != nil {
			return err
		}
		if req.ServerFilesForce {
			if err := os.RemoveAll(installDir); err != nil {
				return fmt.Errorf("steamcmd: pre-clean %s: %w", installDir, err)
			}
		}
		if err := os.MkdirAll(installDir, 0o755); err != nil {
			return fmt.Errorf("steamcmd: mkdir %s: %w", installDir, err)
		}

		script := BuildScript(installDir, req.AppID, req.Creds, req.Validate)
		return d.runWithRestarts(ctx, t, script, 0)
	}
}

func (d *Driver) runWithRestarts(ctx context.Context, t *task.Task, script []string, depth int) error {
	if depth > maxSelfUpdateRestarts {
		return fmt.Errorf("steamcmd: tool self-updated %d times in a row, giving up", depth)
	}
	code, err := d.runOnce(ctx, t, script)
	if err != nil {
		if errors.Is(err, task.ErrCanceled) {
			return err
		}
		return fmt.Errorf("steamcmd: run: %w", err)
	}
	switch code {
	case 0:
		return nil
	case selfUpdateExitCode:
		t.EmitOutput("steamcmd: tool self-updated, restarting")
		return d.runWithRestarts(ctx, t, script, depth+1)
	default:
		return fmt.Errorf("steamcmd: tool exited %d", code)
	}
}

// runOnce spawns the tool under a PTY, streams its output, and returns
// its exit code. A cancel request delivers SIGTERM and returns
// task.ErrCanceled once the child has exited.
func (d *Driver) runOnce(ctx context.Context, t *task.Task, script []string) (int, error) {
	scriptPath, err := writeScript(d.toolDir, script)
	if err != nil {
		return 0, err
	}
	defer os.Remove(scriptPath)

	cmd := exec.CommandContext(ctx, d.binaryPath(), "+runscript", scriptPath)
	cmd.Env = append(os.Environ(), "LD_LIBRARY_PATH="+filepath.Join(d.toolDir, "linux32"))

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return 0, fmt.Errorf("steamcmd: pty start: %w", err)
	}
	defer ptmx.Close()

	d.mu.Lock()
	d.current = cmd
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.current = nil
		d.mu.Unlock()
	}()

	var canceled atomic.Bool
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-t.Cancelled():
			canceled.Store(true)
			_ = cmd.Process.Signal(syscall.SIGTERM)
		case <-stopWatch:
		}
	}()

	scanner := bufio.NewScanner(ptmx)
	scanner.Split(scanCRLF)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		t.EmitOutput(line)
		if prog, ok := ParseProgress(line); ok {
			t.EmitProgress(prog)
		}
	}

	err = cmd.Wait()
	close(stopWatch)
	return exitCodeOf(err, canceled.Load())
}

func exitCodeOf(waitErr error, canceled bool) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if canceled {
			return 0, task.ErrCanceled
		}
		return exitErr.ExitCode(), nil
	}
	if canceled {
		return 0, task.ErrCanceled
	}
	return 0, waitErr
}

func writeScript(dir string, lines []string) (string, error) {
	f, err := os.CreateTemp(dir, "script-*.txt")
	if err != nil {
		return "", fmt.Errorf("steamcmd: write script: %w", err)
	}
	defer f.Close()
	for _, l := range lines {
		if _, err := fmt.Fprintln(f, l); err != nil {
			return "", fmt.Errorf("steamcmd: write script: %w", err)
		}
	}
	return f.Name(), nil
}
