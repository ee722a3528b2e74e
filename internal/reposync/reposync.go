// Package reposync is the config-repo driver of spec.md §4.6. It drives
// the "git" binary as a child process (the VCS client is an external
// binary, not a Go library, per spec.md §1) to clone or fast-forward a
// server-config repository into an instance's config directory.
package reposync

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/honkhost/gameserver-mgr/internal/task"
)

// defaultBranch is the repoBranch default of spec.md §4.6.
const defaultBranch = "main"

// Request describes one downloadGameConfig invocation.
type Request struct {
	Repo   string
	Branch string // defaults to defaultBranch when empty
	SSHKey string // optional path to a private key for git+ssh remotes
	Clean  bool   // remove the working tree before syncing
}

// ParseRepoSpec splits the "…#branch" suffix form of spec.md §6's
// SERVER_CONFIG_REPO (and the CLI's repo-url argument) into the bare
// repo URL and the requested branch. A spec with no "#" returns an
// empty branch, leaving the caller to apply defaultBranch.
func ParseRepoSpec(spec string) (repo, branch string) {
	if i := strings.LastIndex(spec, "#"); i >= 0 {
		return spec[:i], spec[i+1:]
	}
	return spec, ""
}

// Driver clones/pulls one config repo at a time on behalf of its
// owning process.
type Driver struct {
	gitBin string
}

// NewDriver builds a Driver that shells out to "git" on PATH.
func NewDriver() *Driver { return &Driver{gitBin: "git"} }

// Sync is the Work function a task.Supervisor runs for a
// downloadGameConfig request: clean (if requested), then clone, or
// fast-forward-only pull an existing checkout, then checkout the
// requested branch.
func (d *Driver) Sync(destDir string, req Request) task.Work {
	if req.Branch == "" {
		req.Branch = defaultBranch
	}
	return func(ctx context.Context, t *task.Task) error {
		if req.Clean {
			t.EmitOutput(fmt.Sprintf("git.clean %s 0%%", destDir))
			if err := os.RemoveAll(destDir); err != nil {
				return fmt.Errorf("reposync: clean %s: %w", destDir, err)
			}
			t.EmitOutput(fmt.Sprintf("git.clean %s 100%%", destDir))
		}

		gitDir := filepath.Join(destDir, ".git")
		if _, err := os.Stat(gitDir); err != nil {
			if err := d.clone(ctx, t, req, destDir); err != nil {
				return err
			}
		} else {
			if err := d.fetchAndFastForward(ctx, t, req, destDir); err != nil {
				return err
			}
		}

		if err := d.run(ctx, t, "checkout", destDir, []string{"checkout", req.Branch}); err != nil {
			return err
		}
		return nil
	}
}

func (d *Driver) clone(ctx context.Context, t *task.Task, req Request, destDir string) error {
	t.EmitOutput(fmt.Sprintf("git.clone %s 0%%", req.Repo))
	args := []string{"clone"}
	if req.Branch != "" {
		args = append(args, "--branch", req.Branch)
	}
	args = append(args, req.Repo, destDir)
	if err := d.runIn(ctx, t, "clone", "", args, req.SSHKey); err != nil {
		return err
	}
	t.EmitOutput(fmt.Sprintf("git.clone %s 100%%", req.Repo))
	return nil
}

func (d *Driver) fetchAndFastForward(ctx context.Context, t *task.Task, req Request, destDir string) error {
	t.EmitOutput(fmt.Sprintf("git.pull %s 0%%", destDir))
	if err := d.runIn(ctx, t, "fetch", destDir, []string{"fetch", "--prune"}, req.SSHKey); err != nil {
		return err
	}
	if err := d.runIn(ctx, t, "pull", destDir, []string{"pull", "--ff-only"}, req.SSHKey); err != nil {
		return err
	}
	t.EmitOutput(fmt.Sprintf("git.pull %s 100%%", destDir))
	return nil
}

// run is a convenience wrapper for commands that operate on an existing
// working tree, e.g. checkout.
func (d *Driver) run(ctx context.Context, t *task.Task, stage, dir string, args []string) error {
	return d.runIn(ctx, t, stage, dir, args, "")
}

func (d *Driver) runIn(ctx context.Context, t *task.Task, stage, dir string, args []string, sshKey string) error {
	cmd := exec.CommandContext(ctx, d.gitBin, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = os.Environ()
	if sshKey != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new", sshKey))
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return task.ErrCanceled
		}
		return fmt.Errorf("reposync: git %s: %w: %s", stage, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
