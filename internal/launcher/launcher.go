// Package launcher translates a build request into a container invocation,
// blocks on the containerized build and finally signs the produced packages
// when the build-tool configuration asks for it.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/thermi/dmakepkg/internal/config"
	"github.com/thermi/dmakepkg/internal/pkgconf"
	"github.com/thermi/dmakepkg/internal/runas"
)

// destinationVars are the makepkg.conf variables whose values, when set, are
// mounted into the container at the identical path.
var destinationVars = [...]string{"SRCDEST", "PKGDEST", "SRCPKGDEST", "LOGDEST"}

// BuildRequest is the resolved option set for one invocation.
type BuildRequest struct {
	// Trust flags: mount host configuration into the container.
	UseHostPacmanConf bool
	UseHostMirrorlist bool
	// UseHostCache mounts the host package cache read-write so downloaded
	// packages persist across builds.
	UseHostCache bool

	// Behavior flags forwarded to the container entrypoint.
	DownloadKeys bool
	UsePumpMode  bool
	BuildInPlace bool
	FullUpgrade  bool

	// PostCopyCommand runs inside the container after source placement.
	PostCopyCommand string
	// MakepkgArgs are passed through to the build tool unchanged.
	MakepkgArgs []string

	// Name uniquely identifies the container; generated, never reused.
	Name string
}

// NewBuildRequest fills in the generated container name.
func NewBuildRequest(prefix string) BuildRequest {
	return BuildRequest{
		DownloadKeys: true,
		UsePumpMode:  true,
		UseHostCache: true,
		Name:         fmt.Sprintf("%s_%s", prefix, uuid.New()),
	}
}

// Mount maps a host path into the container.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}

func (m Mount) flag() string {
	spec := m.Host + ":" + m.Container
	if m.ReadOnly {
		spec += ":ro"
	}
	return spec
}

// Launcher assembles and runs the container invocation.
type Launcher struct {
	Logger    *slog.Logger
	Settings  config.Settings
	Evaluator pkgconf.Evaluator
	// Runner runs the container process; swapped out in tests. It returns
	// the subprocess error unchanged so the exit code can be propagated.
	Runner func(ctx context.Context, name string, args ...string) error
}

func (l *Launcher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *Launcher) evaluator() pkgconf.Evaluator {
	if l.Evaluator != nil {
		return l.Evaluator
	}
	return &pkgconf.ShellEvaluator{Path: l.Settings.MakepkgConf}
}

// Mounts derives the ordered mount list for the request. Order is insertion
// order; duplicates are left to the runtime layer to resolve.
func (l *Launcher) Mounts(ctx context.Context, request BuildRequest, cwd string) []Mount {
	mounts := []Mount{{Host: cwd, Container: "/src"}}

	if request.UseHostPacmanConf {
		mounts = append(mounts, Mount{Host: l.Settings.PacmanConf, Container: "/etc/pacman.conf", ReadOnly: true})
	}
	if request.UseHostMirrorlist {
		mounts = append(mounts, Mount{Host: "/etc/pacman.d/mirrorlist", Container: "/etc/pacman.d/mirrorlist", ReadOnly: true})
	}
	if request.UseHostCache {
		mounts = append(mounts, Mount{Host: l.Settings.CacheDir, Container: config.Defaults.CacheDir})
	}

	if _, err := os.Stat(l.Settings.MakepkgConf); err == nil {
		ev := l.evaluator()
		for _, name := range destinationVars {
			value, err := ev.Var(ctx, name)
			if err != nil {
				// Tolerated: an unresolvable variable means "use default".
				l.logger().Debug("destination variable not resolvable", "var", name, "error", err)
				continue
			}
			if value == "" {
				continue
			}
			mounts = append(mounts, Mount{Host: value, Container: value})
		}
	}
	return mounts
}

// Args assembles the full container runtime argument vector for the request.
func (l *Launcher) Args(request BuildRequest, mounts []Mount, uid, gid int) []string {
	args := []string{
		"run", "--rm", "--net=host", "-i",
		"--cpu-shares=128", "--pids-limit=-1",
		"--name", request.Name,
	}
	for _, m := range mounts {
		args = append(args, "-v", m.flag())
	}
	args = append(args, l.Settings.ImageTag)

	// Entrypoint switches mirror the request; uid/gid let the container remap
	// artifact ownership back to the caller.
	if !request.DownloadKeys {
		args = append(args, "-z")
	}
	if !request.UsePumpMode {
		args = append(args, "-y")
	}
	if request.BuildInPlace {
		args = append(args, "-Z")
	}
	if request.FullUpgrade {
		args = append(args, "-p")
	}
	args = append(args, "-u", strconv.Itoa(uid), "-g", strconv.Itoa(gid))
	if request.PostCopyCommand != "" {
		args = append(args, "-e", request.PostCopyCommand)
	}
	if len(request.MakepkgArgs) > 0 {
		args = append(args, "--")
		args = append(args, request.MakepkgArgs...)
	}
	return args
}

// Run launches the container and blocks until it exits, returning the
// container's exit status unchanged.
func (l *Launcher) Run(ctx context.Context, request BuildRequest) int {
	cwd, err := os.Getwd()
	if err != nil {
		l.logger().Error("cannot determine working directory", "error", err)
		return 1
	}

	mounts := l.Mounts(ctx, request, cwd)
	args := l.Args(request, mounts, os.Geteuid(), os.Getegid())
	l.logger().Debug("container invocation assembled", "name", request.Name, "args", strings.Join(args, " "))

	runErr := l.runContainer(ctx, args)
	status := runas.ExitStatus(runErr)
	if runErr != nil {
		l.logger().Debug("container exited nonzero", "status", status, "error", runErr)
	}

	l.sign(ctx, cwd)
	return status
}

func (l *Launcher) runContainer(ctx context.Context, args []string) error {
	if l.Runner != nil {
		return l.Runner(ctx, "docker", args...)
	}
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// sign produces detached signatures for every package archive in dir when
// the build environment requests signing. Every step is best effort.
func (l *Launcher) sign(ctx context.Context, dir string) {
	logger := l.logger()
	ev := l.evaluator()

	buildenv, err := ev.Var(ctx, "BUILDENV")
	if err != nil {
		logger.Debug("BUILDENV not resolvable, skipping signing", "error", err)
		return
	}
	if !pkgconf.SignRequested(buildenv) {
		return
	}

	key, err := ev.Var(ctx, "GPGKEY")
	if err != nil {
		logger.Debug("GPGKEY not resolvable, using default key", "error", err)
		key = ""
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("cannot list build directory for signing", "error", err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.Contains(name, "pkg.tar") || strings.HasSuffix(name, ".sig") {
			continue
		}
		args := []string{"--detach-sign", "--use-agent", "--no-armor"}
		if key != "" {
			args = append(args, "--local-user", key)
		}
		args = append(args, filepath.Join(dir, name))
		if err := l.runTool(ctx, "gpg", args...); err != nil {
			logger.Warn("signing failed", "package", name, "error", err)
			continue
		}
		logger.Info("package signed", "package", name)
	}
}

func (l *Launcher) runTool(ctx context.Context, name string, args ...string) error {
	if l.Runner != nil {
		return l.Runner(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
