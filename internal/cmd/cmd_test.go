package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/testlock/internal/errors"
	"github.com/Iron-Ham/testlock/internal/testutil"
)

// executeCommand runs a fresh command tree with args and returns captured output
func executeCommand(t *testing.T, args ...string) (output string, err error) {
	t.Helper()

	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

// withRoot prefixes args with an isolated --state-root.
func withRoot(root string, args ...string) []string {
	return append([]string{"--state-root", root}, args...)
}

func pidArg(pid int) string {
	return fmt.Sprintf("--pid=%d", pid)
}

// deadPID is above any kernel's pid_max, so it never names a live process.
const deadPID = 99999999

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	if root.Use != "testlock" {
		t.Errorf("root.Use = %q, want %q", root.Use, "testlock")
	}

	expectedCmds := []string{"acquire", "release", "heartbeat", "cancel", "clean-stale", "status", "run", "history", "config"}
	cmdMap := make(map[string]bool)
	for _, c := range root.Commands() {
		cmdMap[c.Name()] = true
	}
	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestAcquireReleaseLifecycle(t *testing.T) {
	root := testutil.StateRoot(t)
	self := os.Getpid()
	other := os.Getppid()

	out, err := executeCommand(t, withRoot(root, "acquire", pidArg(self), "--command-sig", "npm test")...)
	if err != nil {
		t.Fatalf("acquire failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, fmt.Sprintf("acquired=1 pid=%d ticket=0", self)) {
		t.Errorf("unexpected acquire output: %q", out)
	}

	_, err = executeCommand(t, withRoot(root, "acquire", pidArg(other), "--command-sig", "pytest")...)
	if !errors.Is(err, errors.ErrLocked) {
		t.Fatalf("second acquire error = %v, want ErrLocked", err)
	}
	if code := errors.ExitCode(err); code != errors.ExitContention {
		t.Errorf("exit code = %d, want %d", code, errors.ExitContention)
	}

	out, err = executeCommand(t, withRoot(root, "status")...)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"lock: locked", `command="npm test"`, "state_root: " + root} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "queue_waiters") {
		t.Errorf("status should omit queue_waiters when zero:\n%s", out)
	}

	_, err = executeCommand(t, withRoot(root, "release", pidArg(other))...)
	if code := errors.ExitCode(err); code != errors.ExitOwnership {
		t.Errorf("release by non-holder exit code = %d, want %d (err=%v)", code, errors.ExitOwnership, err)
	}

	out, err = executeCommand(t, withRoot(root, "release", pidArg(self))...)
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if strings.TrimSpace(out) != "released=1" {
		t.Errorf("release output = %q", out)
	}

	out, err = executeCommand(t, withRoot(root, "release", "--force")...)
	if err != nil {
		t.Fatalf("forced release on unlocked root failed: %v", err)
	}
	if strings.TrimSpace(out) != "released=0" {
		t.Errorf("forced release output = %q", out)
	}

	_, err = executeCommand(t, withRoot(root, "release", pidArg(self))...)
	if !errors.Is(err, errors.ErrNotLocked) {
		t.Errorf("release on unlocked root error = %v, want ErrNotLocked", err)
	}
}

func TestStatusFormats(t *testing.T) {
	root := testutil.StateRoot(t)

	out, err := executeCommand(t, withRoot(root, "status", "--format", "json")...)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("status json is invalid: %v\n%s", err, out)
	}
	if doc["lock"] != "unlocked" {
		t.Errorf("lock = %v, want unlocked", doc["lock"])
	}
	if _, ok := doc["queue_waiters"]; ok {
		t.Error("queue_waiters should be omitted when zero")
	}
	if _, ok := doc["holder"]; ok {
		t.Error("holder should be omitted when unlocked")
	}

	out, err = executeCommand(t, withRoot(root, "status", "--format", "yaml")...)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "lock: unlocked") || strings.Contains(out, "queue_waiters") {
		t.Errorf("unexpected yaml status:\n%s", out)
	}

	_, err = executeCommand(t, withRoot(root, "status", "--format", "xml")...)
	if err == nil {
		t.Error("expected error for unsupported format")
	}

	if _, statErr := os.Stat(root); !os.IsNotExist(statErr) {
		t.Errorf("status must not create the state root, stat err = %v", statErr)
	}
}

func TestCancelIdempotent(t *testing.T) {
	root := testutil.StateRoot(t)

	out, err := executeCommand(t, withRoot(root, "cancel", "--ticket", "99")...)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if strings.TrimSpace(out) != "canceled=0" {
		t.Errorf("cancel output = %q, want canceled=0", out)
	}

	out, err = executeCommand(t, withRoot(root, "cancel", "--ticket", "0")...)
	if err != nil {
		t.Fatalf("cancel --ticket 0 failed: %v", err)
	}
	if strings.TrimSpace(out) != "canceled=0" {
		t.Errorf("cancel --ticket 0 output = %q, want canceled=0", out)
	}

	if _, err := executeCommand(t, withRoot(root, "cancel")...); err == nil {
		t.Error("cancel without --ticket should fail")
	}
}

func TestHeartbeatCommand(t *testing.T) {
	root := testutil.StateRoot(t)

	out, err := executeCommand(t, withRoot(root, "heartbeat", "--command-sig", "ci")...)
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if strings.TrimSpace(out) != "heartbeat=0" {
		t.Errorf("heartbeat with no holder = %q", out)
	}

	if _, err := executeCommand(t, withRoot(root, "acquire", pidArg(os.Getpid()), "--command-sig", "ci")...); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	tests := []struct {
		sig  string
		want string
	}{
		{"ci", "heartbeat=1"},
		{"other", "heartbeat=0"},
	}
	for _, tt := range tests {
		t.Run(tt.sig, func(t *testing.T) {
			out, err := executeCommand(t, withRoot(root, "heartbeat", "--command-sig", tt.sig)...)
			if err != nil {
				t.Fatalf("heartbeat failed: %v", err)
			}
			if strings.TrimSpace(out) != tt.want {
				t.Errorf("heartbeat --command-sig %s = %q, want %q", tt.sig, out, tt.want)
			}
		})
	}
}

func TestCleanStaleCommand(t *testing.T) {
	root := testutil.StateRoot(t)

	out, err := executeCommand(t, withRoot(root, "clean-stale", "--stale-sec", "60")...)
	if err != nil {
		t.Fatalf("clean-stale failed: %v", err)
	}
	if strings.TrimSpace(out) != "reclaimed=false reason=unlocked" {
		t.Errorf("clean-stale on unlocked root = %q", out)
	}

	if _, err := executeCommand(t, withRoot(root, "acquire", pidArg(deadPID), "--command-sig", "crashed")...); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	out, err = executeCommand(t, withRoot(root, "clean-stale", "--stale-sec", "60")...)
	if err != nil {
		t.Fatalf("clean-stale failed: %v", err)
	}
	if strings.TrimSpace(out) != "reclaimed=true reason=dead-pid" {
		t.Errorf("clean-stale on dead holder = %q", out)
	}

	_, err = executeCommand(t, withRoot(root, "clean-stale", "--stale-sec", "0")...)
	if code := errors.ExitCode(err); code != errors.ExitConfigError {
		t.Errorf("clean-stale --stale-sec 0 exit code = %d, want %d", code, errors.ExitConfigError)
	}
}

func TestAcquireWaitTimeout(t *testing.T) {
	root := testutil.StateRoot(t)

	if _, err := executeCommand(t, withRoot(root, "acquire", pidArg(os.Getpid()))...); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	out, err := executeCommand(t, withRoot(root, "acquire", "--wait", "--poll", "0.02", "--timeout", "150ms")...)
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("waiting acquire error = %v, want timeout", err)
	}
	if code := errors.ExitCode(err); code != errors.ExitTimeout {
		t.Errorf("exit code = %d, want %d", code, errors.ExitTimeout)
	}
	if !strings.Contains(out, "queued ticket=") {
		t.Errorf("waiter should report its ticket, got %q", out)
	}

	out, err = executeCommand(t, withRoot(root, "status")...)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if strings.Contains(out, "queue_waiters") {
		t.Errorf("timed-out waiter left a ticket behind:\n%s", out)
	}
}

func TestScopeConfigurationErrors(t *testing.T) {
	t.Run("unknown scope", func(t *testing.T) {
		_, err := executeCommand(t, "--scope", "galaxy", "status")
		if code := errors.ExitCode(err); code != errors.ExitConfigError {
			t.Errorf("exit code = %d, want %d (err=%v)", code, errors.ExitConfigError, err)
		}
	})

	t.Run("repo scope outside a repository", func(t *testing.T) {
		dir := t.TempDir()
		if _, err := exec.LookPath("git"); err == nil {
			if out, gitErr := exec.Command("git", "-C", dir, "rev-parse", "--show-toplevel").CombinedOutput(); gitErr == nil {
				t.Skipf("temp dir is inside a repository: %s", out)
			}
		}
		t.Setenv("TESTLOCK_REPO_DIR", dir)

		_, err := executeCommand(t, "--scope", "repo", "status")
		if !errors.Is(err, errors.ErrNoRepoRoot) {
			t.Errorf("error = %v, want ErrNoRepoRoot", err)
		}
		if code := errors.ExitCode(err); code != errors.ExitConfigError {
			t.Errorf("exit code = %d, want %d", code, errors.ExitConfigError)
		}
	})
}

func TestScopeIsolation(t *testing.T) {
	repo := testutil.SetupFakeRepo(t)
	machineRoot := filepath.Join(t.TempDir(), "machine")
	t.Setenv("TESTLOCK_REPO_DIR", repo)
	t.Setenv("TESTLOCK_MACHINE_ROOT", machineRoot)

	if _, err := executeCommand(t, "--scope", "repo", "acquire", pidArg(os.Getpid())); err != nil {
		t.Fatalf("repo acquire failed: %v", err)
	}
	if _, err := executeCommand(t, "--scope", "machine", "acquire", pidArg(os.Getpid())); err != nil {
		t.Fatalf("machine acquire should not see the repo lock: %v", err)
	}

	out, err := executeCommand(t, "--scope", "repo", "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	want := filepath.Join(repo, ".git", "testlock")
	if !strings.Contains(out, want) {
		t.Errorf("repo status should report state root %s:\n%s", want, out)
	}
}

func TestRunCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	root := testutil.StateRoot(t)

	out, err := executeCommand(t, withRoot(root, "run", "--", "sh", "-c", "echo inside")...)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "inside") {
		t.Errorf("child output missing: %q", out)
	}

	_, err = executeCommand(t, withRoot(root, "run", "--", "sh", "-c", "exit 3")...)
	var exitErr *errors.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("run error = %v, want ExitError", err)
	}
	if code := errors.ExitCode(err); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}

	out, err = executeCommand(t, withRoot(root, "status")...)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "lock: unlocked") {
		t.Errorf("run must release the lock after the child exits:\n%s", out)
	}
}

func TestHistoryCommand(t *testing.T) {
	root := testutil.StateRoot(t)
	self := os.Getpid()

	if _, err := executeCommand(t, withRoot(root, "acquire", pidArg(self), "--command-sig", "go test")...); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := executeCommand(t, withRoot(root, "release", pidArg(self))...); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	out, err := executeCommand(t, withRoot(root, "history", "-n", "0")...)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	acquired := strings.Index(out, "lock acquired")
	released := strings.Index(out, "lock released")
	if acquired < 0 || released < 0 || acquired > released {
		t.Errorf("history should list acquire then release:\n%s", out)
	}

	out, err = executeCommand(t, withRoot(root, "history", "--grep", "released", "--format", "json")...)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var entries []map[string]any
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("history json is invalid: %v\n%s", err, out)
	}
	if len(entries) != 1 {
		t.Errorf("len(entries) = %d, want 1", len(entries))
	}

	if _, err := executeCommand(t, withRoot(root, "history", "--level", "loud")...); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestConfigCommands(t *testing.T) {
	out, err := executeCommand(t, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	for _, want := range []string{"scope: repo", "stale_seconds: 300", "poll_interval: 1s"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show missing %q:\n%s", want, out)
		}
	}

	out, err = executeCommand(t, "config", "path")
	if err != nil {
		t.Fatalf("config path failed: %v", err)
	}
	if !strings.Contains(out, "TESTLOCK_") {
		t.Errorf("config path should mention env overrides:\n%s", out)
	}
}

func TestConfigFileFlag(t *testing.T) {
	root := testutil.StateRoot(t)
	cfgFile := filepath.Join(t.TempDir(), "testlock.yaml")
	content := "state_root: " + root + "\nlock:\n  stale_seconds: 42\n"
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand(t, "--config", cfgFile, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "stale_seconds: 42") || !strings.Contains(out, cfgFile) {
		t.Errorf("config file values not applied:\n%s", out)
	}

	_, err = executeCommand(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "status")
	if code := errors.ExitCode(err); code != errors.ExitConfigError {
		t.Errorf("missing explicit config exit code = %d, want %d", code, errors.ExitConfigError)
	}
}
