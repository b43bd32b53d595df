// Package runas provisions the unprivileged build identity and executes
// commands under it. Execution goes through a login shell so the identity's
// own environment (notably PATH for the distcc tool directory) is
// established; a plain non-login su is known to lose it.
package runas

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
)

// Identity is the user a build executes as.
type Identity struct {
	Name    string
	UID     int
	GID     int
	Home    string
	InPlace bool
}

// Runner executes an external command, wired as a field so tests can
// intercept provisioning calls.
type Runner func(ctx context.Context, name string, args ...string) error

// DefaultRunner executes the command with inherited standard streams.
func DefaultRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// EnsureGroup creates a group with the given gid.
func EnsureGroup(ctx context.Context, run Runner, name string, gid int) error {
	if run == nil {
		run = DefaultRunner
	}
	if err := run(ctx, "groupadd", "-g", strconv.Itoa(gid), name); err != nil {
		return fmt.Errorf("groupadd %s: %w", name, err)
	}
	return nil
}

// CreateUser creates the build user with a fresh home directory. When uid and
// gid are non-negative they are forced onto the new account, otherwise the
// system allocates them.
func CreateUser(ctx context.Context, run Runner, name, home string, uid, gid int) error {
	if run == nil {
		run = DefaultRunner
	}
	args := []string{"-m", "-d", home, "-s", "/bin/bash"}
	if uid >= 0 {
		args = append(args, "-u", strconv.Itoa(uid))
	}
	if gid >= 0 {
		args = append(args, "-g", strconv.Itoa(gid))
	}
	args = append(args, name)
	if err := run(ctx, "useradd", args...); err != nil {
		return fmt.Errorf("useradd %s: %w", name, err)
	}
	return nil
}

// Lookup resolves an existing account into an Identity.
func Lookup(name string) (Identity, error) {
	account, err := user.Lookup(name)
	if err != nil {
		return Identity{}, fmt.Errorf("lookup user %s: %w", name, err)
	}
	uid, err := strconv.Atoi(account.Uid)
	if err != nil {
		return Identity{}, fmt.Errorf("parse uid %q: %w", account.Uid, err)
	}
	gid, err := strconv.Atoi(account.Gid)
	if err != nil {
		return Identity{}, fmt.Errorf("parse gid %q: %w", account.Gid, err)
	}
	return Identity{Name: name, UID: uid, GID: gid, Home: account.HomeDir}, nil
}

// Run executes command as the identity through a login shell, relaying both
// output streams line by line while the command runs. The returned error is
// the subprocess error unchanged, so callers can inspect its exit status.
func Run(ctx context.Context, logger *slog.Logger, id Identity, command string) error {
	return RunStreams(ctx, logger, id, command, os.Stdout, os.Stderr)
}

// RunStreams is Run with explicit destination streams, used by tests.
func RunStreams(ctx context.Context, logger *slog.Logger, id Identity, command string, stdout, stderr io.Writer) error {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.CommandContext(ctx, "su", "-c", command, "-s", "/bin/bash", "-l", id.Name)

	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	logger.Debug("running as build identity", "user", id.Name, "command", command)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start su: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go relayLines(&wg, outPipe, stdout)
	go relayLines(&wg, errPipe, stderr)
	wg.Wait()

	return cmd.Wait()
}

func relayLines(wg *sync.WaitGroup, r io.Reader, w io.Writer) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintln(w, scanner.Text())
	}
}

// ExitStatus extracts the exit code from a subprocess error. A nil error is
// status 0; an error that carries no status maps to 1.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
