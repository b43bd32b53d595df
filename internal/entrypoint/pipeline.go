// Package entrypoint implements the in-container build pipeline: an ordered
// list of stages driven until completion or the first fatal result. Only the
// precondition check and the artifact harvest terminate the run; every other
// stage reports its trouble and lets the pipeline continue, so the final
// exit status reflects what was actually produced.
package entrypoint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	shellwords "github.com/caarlos0/go-shellwords"

	"github.com/thermi/dmakepkg/internal/fsutil"
	"github.com/thermi/dmakepkg/internal/pkgconf"
	"github.com/thermi/dmakepkg/internal/runas"
)

// Exit statuses of the container entrypoint.
const (
	ExitOK           = 0
	ExitNoDescriptor = 1
	ExitNoPackages   = 2
)

const (
	descriptorName    = "PKGBUILD"
	buildUserName     = "build-user"
	archivePattern    = "*pkg.tar*"
	pumpMarker        = ",cpp"
	distccToolDir     = "/usr/bin"
	defaultBuildFlags = "--nosign --force --syncdeps --noconfirm"
)

// Options carries the flags the host launcher forwarded into the container.
type Options struct {
	// PostCopyCommand runs after source placement, before the build.
	PostCopyCommand string
	// UID/GID remap artifact ownership back to the caller; negative means
	// not supplied.
	UID int
	GID int
	// FullUpgrade turns the index refresh into a full synchronized upgrade.
	FullUpgrade bool
	// UsePumpMode permits distributed compilation when configured.
	UsePumpMode bool
	// BuildInPlace builds directly in the source directory under the
	// descriptor owner's identity.
	BuildInPlace bool
	// DownloadKeys provisions automatic PGP key retrieval for the build user.
	DownloadKeys bool
	// MakepkgArgs pass through to the build tool; empty means the fixed
	// safe default set.
	MakepkgArgs []string
	// PreserveSymlinks keeps symlinks verbatim when copying the source tree.
	PreserveSymlinks bool
}

// Pipeline is one container build run.
type Pipeline struct {
	Logger    *slog.Logger
	Opts      Options
	Evaluator pkgconf.Evaluator

	// SrcDir and BuildDir default to the fixed container paths.
	SrcDir   string
	BuildDir string

	// Runner executes privileged helper programs (user provisioning, index
	// refresh, the post-copy command).
	Runner runas.Runner
	// BuildRunner executes the build command as the build identity.
	BuildRunner func(ctx context.Context, id runas.Identity, command string) error
	// LookupUser resolves a provisioned account; defaults to runas.Lookup.
	LookupUser func(name string) (runas.Identity, error)

	identity runas.Identity
}

type fatalError struct {
	code int
	msg  string
}

func (e *fatalError) Error() string { return e.msg }

func fatal(code int, format string, args ...any) error {
	return &fatalError{code: code, msg: fmt.Sprintf(format, args...)}
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pipeline) srcDir() string {
	if p.SrcDir != "" {
		return p.SrcDir
	}
	return "/src"
}

func (p *Pipeline) buildDir() string {
	if p.Opts.BuildInPlace {
		return p.srcDir()
	}
	if p.BuildDir != "" {
		return p.BuildDir
	}
	return "/build"
}

func (p *Pipeline) run(ctx context.Context, name string, args ...string) error {
	if p.Runner != nil {
		return p.Runner(ctx, name, args...)
	}
	return runas.DefaultRunner(ctx, name, args...)
}

func (p *Pipeline) runBuild(ctx context.Context, command string) error {
	if p.BuildRunner != nil {
		return p.BuildRunner(ctx, p.identity, command)
	}
	return runas.Run(ctx, p.logger(), p.identity, command)
}

type stage struct {
	name string
	fn   func(ctx context.Context) error
}

// Run drives the stages in order and returns the process exit status. A
// fatal stage result stops the run; any other stage error is reported and
// the pipeline continues, matching the best-effort failure taxonomy.
func (p *Pipeline) Run(ctx context.Context) int {
	stages := []stage{
		{"precondition", p.checkDescriptor},
		{"identity", p.provisionIdentity},
		{"index-refresh", p.refreshIndex},
		{"key-retrieval", p.setupKeyRetrieval},
		{"post-copy-command", p.runPostCopyCommand},
		{"build", p.build},
		{"ownership", p.finalizeOwnership},
		{"harvest", p.harvest},
	}

	for _, s := range stages {
		err := s.fn(ctx)
		if err == nil {
			continue
		}
		if f, ok := err.(*fatalError); ok {
			p.logger().Error(f.msg, "stage", s.name)
			return f.code
		}
		p.logger().Warn("stage failed, continuing", "stage", s.name, "error", err)
	}
	return ExitOK
}

// checkDescriptor requires a regular build descriptor file; a missing file
// or a symlink aborts before any other side effect.
func (p *Pipeline) checkDescriptor(context.Context) error {
	path := filepath.Join(p.srcDir(), descriptorName)
	info, err := os.Lstat(path)
	if err != nil {
		return fatal(ExitNoDescriptor, "no %s file found", descriptorName)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fatal(ExitNoDescriptor, "%s must not be a symbolic link", descriptorName)
	}
	if !info.Mode().IsRegular() {
		return fatal(ExitNoDescriptor, "%s is not a regular file", descriptorName)
	}
	return nil
}

// provisionIdentity creates the build identity. In-place builds adopt the
// descriptor owner's uid and gid so artifacts end up owned by the source
// owner; otherwise a fixed service account gets a fresh home holding a copy
// of the source tree.
func (p *Pipeline) provisionIdentity(ctx context.Context) error {
	home := "/build"
	if p.BuildDir != "" {
		home = p.BuildDir
	}

	if p.Opts.BuildInPlace {
		uid, gid, err := fsutil.OwnerOf(filepath.Join(p.srcDir(), descriptorName))
		if err != nil {
			return fmt.Errorf("read descriptor owner: %w", err)
		}
		if err := runas.EnsureGroup(ctx, p.Runner, buildUserName, gid); err != nil {
			return err
		}
		if err := runas.CreateUser(ctx, p.Runner, buildUserName, home, uid, gid); err != nil {
			return err
		}
		p.identity = runas.Identity{Name: buildUserName, UID: uid, GID: gid, Home: home, InPlace: true}
		return nil
	}

	if err := runas.CreateUser(ctx, p.Runner, buildUserName, home, -1, -1); err != nil {
		return err
	}
	id, err := p.lookupUser(buildUserName)
	if err != nil {
		return err
	}
	id.Home = home
	p.identity = id

	if err := fsutil.CopyTree(p.srcDir(), p.buildDir(), p.Opts.PreserveSymlinks); err != nil {
		return fmt.Errorf("copy source tree: %w", err)
	}
	reportFailures(p.logger(), fsutil.ChownTree(p.buildDir(), id.UID, id.GID))
	return nil
}

func (p *Pipeline) lookupUser(name string) (runas.Identity, error) {
	if p.LookupUser != nil {
		return p.LookupUser(name)
	}
	return runas.Lookup(name)
}

// refreshIndex synchronizes the package index, or performs a full upgrade
// when requested. Runs privileged and blocks until complete.
func (p *Pipeline) refreshIndex(ctx context.Context) error {
	flag := "-Sy"
	if p.Opts.FullUpgrade {
		flag = "-Syu"
	}
	return p.run(ctx, "pacman", "--noconfirm", flag)
}

// setupKeyRetrieval prepares the build identity's key directory so the build
// tool's signature verification can fetch missing keys on its own. Must run
// before the build.
func (p *Pipeline) setupKeyRetrieval(ctx context.Context) error {
	if !p.Opts.DownloadKeys {
		return nil
	}
	gnupg := filepath.Join(p.identity.Home, ".gnupg")
	if err := os.MkdirAll(gnupg, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	reportFailures(p.logger(), fsutil.ChownTree(gnupg, p.identity.UID, p.identity.GID))
	reportFailures(p.logger(), fsutil.ChmodTree(gnupg, 0o700))

	conf := filepath.Join(gnupg, "gpg.conf")
	if err := fsutil.AppendToFile(conf, "\nauto-key-retrieve\n", 0o600); err != nil {
		return fmt.Errorf("append key-retrieval directive: %w", err)
	}
	if err := os.Chmod(conf, 0o600); err != nil {
		return fmt.Errorf("restrict %s: %w", conf, err)
	}
	if err := os.Chown(conf, p.identity.UID, p.identity.GID); err != nil {
		return fmt.Errorf("chown %s: %w", conf, err)
	}
	return nil
}

// runPostCopyCommand executes the caller-supplied preparation hook with
// shell-word splitting, synchronously, before the build proper.
func (p *Pipeline) runPostCopyCommand(ctx context.Context) error {
	if p.Opts.PostCopyCommand == "" {
		return nil
	}
	words, err := shellwords.Parse(p.Opts.PostCopyCommand)
	if err != nil {
		return fmt.Errorf("parse post-copy command: %w", err)
	}
	if len(words) == 0 {
		return nil
	}
	return p.run(ctx, words[0], words[1:]...)
}

// build runs the build tool as the build identity, through the distributed
// compilation front end when eligible. The subprocess's failure is reported
// but does not stop the pipeline: the harvest decides the final status.
func (p *Pipeline) build(ctx context.Context) error {
	flags := p.Opts.MakepkgArgs
	if len(flags) == 0 {
		flags = strings.Fields(defaultBuildFlags)
	}

	command := fmt.Sprintf("cd %q && makepkg %s", p.buildDir(), strings.Join(flags, " "))
	hosts, pump := p.pumpEligible(ctx)
	if pump {
		command = fmt.Sprintf("cd %q && DISTCC_HOSTS=%q DISTCC_LOCATION=%s pump makepkg %s",
			p.buildDir(), hosts, distccToolDir, strings.Join(flags, " "))
	}

	p.logger().Info("starting build", "pump", pump, "dir", p.buildDir())
	return p.runBuild(ctx, command)
}

// pumpEligible checks the configured distributed-compiler host list for the
// pump marker. Engaged only when the marker is present and the caller did
// not opt out.
func (p *Pipeline) pumpEligible(ctx context.Context) (string, bool) {
	if p.Evaluator == nil {
		return "", false
	}
	hosts, err := p.Evaluator.Var(ctx, "DISTCC_HOSTS")
	if err != nil {
		p.logger().Warn("distributed-compiler host list not resolvable", "error", err)
		return "", false
	}
	return hosts, strings.Contains(hosts, pumpMarker) && p.Opts.UsePumpMode
}

// finalizeOwnership remaps the build output to the caller-supplied uid. The
// group is only changed when the caller supplied one.
func (p *Pipeline) finalizeOwnership(context.Context) error {
	if p.Opts.UID < 0 {
		return nil
	}
	gid := p.Opts.GID
	if gid < 0 {
		gid = fsutil.KeepGID
	}
	reportFailures(p.logger(), fsutil.ChownTree(p.buildDir(), p.Opts.UID, gid))
	return nil
}

// harvest copies every package archive from the build output directory into
// the shared source directory. Zero harvested packages is the one failure a
// completed build cannot talk its way out of.
func (p *Pipeline) harvest(context.Context) error {
	matches, err := filepath.Glob(filepath.Join(p.buildDir(), archivePattern))
	if err != nil {
		return fatal(ExitNoPackages, "scan build output: %v", err)
	}

	var harvested []string
	for _, match := range matches {
		dest := filepath.Join(p.srcDir(), filepath.Base(match))
		if dest == match {
			// In-place build: the archive is already in the source dir.
			harvested = append(harvested, match)
			continue
		}
		if err := fsutil.CopyFile(match, dest); err != nil {
			p.logger().Warn("copying package failed", "package", match, "error", err)
			continue
		}
		harvested = append(harvested, match)
	}

	if len(harvested) == 0 {
		return fatal(ExitNoPackages, "no packages were built")
	}
	p.logger().Info("packages harvested", "count", len(harvested))
	return nil
}

func reportFailures(logger *slog.Logger, results []fsutil.EntryResult) {
	for _, failure := range fsutil.Failed(results) {
		logger.Warn("ownership or permission change failed", "path", failure.Path, "error", failure.Err)
	}
}
