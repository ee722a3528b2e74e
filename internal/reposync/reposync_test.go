package reposync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/honkhost/gameserver-mgr/internal/bus"
	"github.com/honkhost/gameserver-mgr/internal/glog"
	"github.com/honkhost/gameserver-mgr/internal/lockdir"
	"github.com/honkhost/gameserver-mgr/internal/protocol"
	"github.com/honkhost/gameserver-mgr/internal/task"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available on PATH")
	}
}

// runGit runs git with a deterministic test identity, matching the
// fixture setup any clone-or-pull test needs regardless of the host's
// own git config.
func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}

func newFixtureRepo(t *testing.T) string {
	t.Helper()
	remote := filepath.Join(t.TempDir(), "remote.git")
	if err := os.MkdirAll(remote, 0o755); err != nil {
		t.Fatalf("mkdir remote: %v", err)
	}
	runGit(t, remote, "init", "--initial-branch=main")
	if err := os.WriteFile(filepath.Join(remote, "server.cfg"), []byte("v1\n"), 0o644); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
	runGit(t, remote, "add", "server.cfg")
	runGit(t, remote, "commit", "-m", "initial")
	return remote
}

func runSync(t *testing.T, d *Driver, destDir string, req Request) error {
	t.Helper()
	b, err := bus.Open(t.TempDir())
	if err != nil {
		t.Fatalf("bus.Open: %v", err)
	}
	defer b.StopWatching()
	locks, err := lockdir.Open(t.TempDir())
	if err != nil {
		t.Fatalf("lockdir.Open: %v", err)
	}
	sup := task.NewSupervisor("configManager", b, locks, glog.New("test", false))
	env := protocol.NewEnvelope("configManager")
	errCh := make(chan error, 1)
	final := b.Subscribe(env.ReplyTopic(protocol.SubFinalStatus))
	defer final.Unsubscribe()
	errSub := b.Subscribe(env.ReplyTopic(protocol.SubError))
	defer errSub.Unsubscribe()

	go sup.Dispatch(context.Background(), env, destDir, "repoDownload-"+filepath.Base(destDir), 0, nil, d.Sync(destDir, req))

	select {
	case <-final.C():
		errCh <- nil
	case msg := <-errSub.C():
		var ep protocol.ErrorPayload
		_ = json.Unmarshal(msg.Payload, &ep)
		errCh <- fmt.Errorf("%s: %s", ep.Kind, ep.Message)
	}
	return <-errCh
}

func TestSyncClonesFreshDestination(t *testing.T) {
	requireGit(t)
	remote := newFixtureRepo(t)
	dest := filepath.Join(t.TempDir(), "checkout")

	d := NewDriver()
	if err := runSync(t, d, dest, Request{Repo: remote}); err != nil {
		t.Fatalf("Sync (clone) failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "server.cfg"))
	if err != nil {
		t.Fatalf("expected server.cfg to exist after clone: %v", err)
	}
	if string(data) != "v1\n" {
		t.Errorf("server.cfg = %q, want %q", data, "v1\n")
	}
}

func TestSyncFastForwardsExistingCheckout(t *testing.T) {
	requireGit(t)
	remote := newFixtureRepo(t)
	dest := filepath.Join(t.TempDir(), "checkout")

	d := NewDriver()
	if err := runSync(t, d, dest, Request{Repo: remote}); err != nil {
		t.Fatalf("initial clone failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(remote, "server.cfg"), []byte("v2\n"), 0o644); err != nil {
		t.Fatalf("update fixture: %v", err)
	}
	runGit(t, remote, "add", "server.cfg")
	runGit(t, remote, "commit", "-m", "update")

	if err := runSync(t, d, dest, Request{Repo: remote}); err != nil {
		t.Fatalf("Sync (pull) failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "server.cfg"))
	if err != nil {
		t.Fatalf("read server.cfg: %v", err)
	}
	if string(data) != "v2\n" {
		t.Errorf("server.cfg = %q, want %q after pull", data, "v2\n")
	}
}

func TestParseRepoSpecSplitsBranchFragment(t *testing.T) {
	repo, branch := ParseRepoSpec("git@example.com:org/repo.git#release")
	if repo != "git@example.com:org/repo.git" || branch != "release" {
		t.Errorf("got repo=%q branch=%q, want repo=%q branch=%q", repo, branch, "git@example.com:org/repo.git", "release")
	}
}

func TestParseRepoSpecWithoutFragmentReturnsEmptyBranch(t *testing.T) {
	repo, branch := ParseRepoSpec("https://example.com/org/repo.git")
	if repo != "https://example.com/org/repo.git" || branch != "" {
		t.Errorf("got repo=%q branch=%q, want unchanged repo and empty branch", repo, branch)
	}
}

func TestSyncDefaultsToMainBranchWhenUnset(t *testing.T) {
	requireGit(t)
	remote := newFixtureRepo(t)
	dest := filepath.Join(t.TempDir(), "checkout")

	d := NewDriver()
	if err := runSync(t, d, dest, Request{Repo: remote}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	out, err := exec.Command("git", "-C", dest, "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		t.Fatalf("rev-parse: %v", err)
	}
	if got := string(out); got != "main\n" {
		t.Errorf("checked-out branch = %q, want %q", got, "main\n")
	}
}

func TestSyncCleanRemovesWorkingTreeFirst(t *testing.T) {
	requireGit(t)
	remote := newFixtureRepo(t)
	dest := filepath.Join(t.TempDir(), "checkout")

	d := NewDriver()
	if err := runSync(t, d, dest, Request{Repo: remote}); err != nil {
		t.Fatalf("initial clone failed: %v", err)
	}
	stray := filepath.Join(dest, "stray.tmp")
	if err := os.WriteFile(stray, []byte("leftover"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	if err := runSync(t, d, dest, Request{Repo: remote, Clean: true}); err != nil {
		t.Fatalf("Sync (clean) failed: %v", err)
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Error("expected stray file to be removed by Clean")
	}
}
