// Package image prepares the build image: it renders the image description,
// stands up the package cache and its firewall rule for the duration of the
// image build, and invokes the container runtime. Cache and rule are scoped
// resources torn down on every exit path, in reverse acquisition order.
package image

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/thermi/dmakepkg/internal/cache"
	"github.com/thermi/dmakepkg/internal/config"
	"github.com/thermi/dmakepkg/internal/firewall"
	"github.com/thermi/dmakepkg/internal/fsutil"
)

//go:embed assets
var assets embed.FS

// BasePackages are installed into the image ahead of any build.
var BasePackages = []string{
	"procps-ng", "gcc", "base-devel", "ccache", "distcc",
	"python", "git", "mercurial", "breezy", "subversion", "openssh",
}

// TemplateData feeds the embedded image template.
type TemplateData struct {
	CacheEnabled bool
	CacheURL     string
	BundlePump   bool
	Packages     []string
}

// Render produces the image description for the given cache state.
func Render(data TemplateData) ([]byte, error) {
	raw, err := assets.ReadFile("assets/Dockerfile.tmpl")
	if err != nil {
		return nil, fmt.Errorf("read image template: %w", err)
	}
	tmpl, err := template.New("dockerfile").Funcs(template.FuncMap{"join": strings.Join}).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse image template: %w", err)
	}
	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, data); err != nil {
		return nil, fmt.Errorf("render image template: %w", err)
	}
	return rendered.Bytes(), nil
}

// Runner invokes the container runtime; swapped out in tests.
type Runner func(ctx context.Context, name string, args ...string) error

// Preparer builds the image used by subsequent package builds.
type Preparer struct {
	Logger   *slog.Logger
	Settings config.Settings
	Table    *firewall.Table
	Runner   Runner
	// PumpPath locates the distributed-compilation helper bundled into the
	// image when the cache is disabled.
	PumpPath string
	// Discover overrides cache discovery in tests.
	Discover func() cache.State
}

func (p *Preparer) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Preparer) run(ctx context.Context, name string, args ...string) error {
	if p.Runner != nil {
		return p.Runner(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (p *Preparer) discover() cache.State {
	if p.Discover != nil {
		return p.Discover()
	}
	return cache.Discover(p.logger(), p.Settings.Bridge, p.Settings.CacheDir, p.Settings.CachePort)
}

// Prepare runs the whole image-preparation sequence. The cache server and
// the firewall rule live exactly as long as the image build; both are
// released via defer so a failure or signal in any later step still tears
// them down, rule first, server second.
func (p *Preparer) Prepare(ctx context.Context) error {
	logger := p.logger()
	state := p.discover()

	if state.Enabled {
		server, err := cache.Start(logger, state, p.Settings.CacheDir)
		if err != nil {
			logger.Warn("cache server failed to start, continuing without cache", "error", err)
			state.Enabled = false
		} else {
			defer func() {
				if err := server.Close(); err != nil {
					logger.Warn("cache server shutdown failed", "error", err)
				}
			}()

			table := p.Table
			if table == nil {
				table = &firewall.Table{Logger: logger}
			}
			rule := firewall.Rule{Iface: p.Settings.Bridge, Addr: state.Addr, Port: state.Port}
			if err := table.Insert(ctx, rule); err != nil {
				logger.Warn("firewall rule insertion failed, cache may be unreachable", "error", err)
			}
			// Background context: the rule must come out even when ctx was
			// cancelled by a signal.
			defer table.Remove(context.Background(), rule)
		}
	}

	contextDir, err := p.writeContext(state)
	if err != nil {
		return err
	}
	defer os.RemoveAll(contextDir)

	logger.Info("building image", "tag", p.Settings.ImageTag, "cache", state.Enabled)
	buildErr := p.run(ctx, "docker", "build", "--pull", "--no-cache", "--tag="+p.Settings.ImageTag, contextDir)
	if buildErr != nil {
		// Best effort: drop whatever half-built image the failed run left.
		if err := p.run(context.Background(), "docker", "image", "rm", p.Settings.ImageTag); err != nil {
			logger.Debug("partial image removal failed", "error", err)
		}
		return fmt.Errorf("image build: %w", buildErr)
	}
	return nil
}

// writeContext assembles the build context directory: the rendered image
// description, the sudoers policy, this executable (re-run inside the
// container as the entrypoint) and, without a cache, the pump helper.
func (p *Preparer) writeContext(state cache.State) (string, error) {
	data := TemplateData{
		CacheEnabled: state.Enabled,
		Packages:     BasePackages,
	}
	if state.Enabled {
		data.CacheURL = state.URL()
	}

	dir, err := os.MkdirTemp("", "dmakepkg-image-")
	if err != nil {
		return "", fmt.Errorf("create context dir: %w", err)
	}
	cleanup := func(err error) (string, error) {
		os.RemoveAll(dir)
		return "", err
	}

	if !state.Enabled {
		pump := p.PumpPath
		if pump == "" {
			pump = "/usr/bin/pump"
		}
		if _, err := os.Stat(pump); err == nil {
			if err := fsutil.CopyFile(pump, filepath.Join(dir, "pump")); err != nil {
				return cleanup(fmt.Errorf("bundle pump helper: %w", err))
			}
			data.BundlePump = true
		} else {
			p.logger().Warn("pump helper not found, distributed compilation unavailable in image", "path", pump)
		}
	}

	rendered, err := Render(data)
	if err != nil {
		return cleanup(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), rendered, 0o644); err != nil {
		return cleanup(fmt.Errorf("write image description: %w", err))
	}

	sudoers, err := assets.ReadFile("assets/sudoers")
	if err != nil {
		return cleanup(fmt.Errorf("read sudoers asset: %w", err))
	}
	if err := os.WriteFile(filepath.Join(dir, "sudoers"), sudoers, 0o644); err != nil {
		return cleanup(fmt.Errorf("write sudoers: %w", err))
	}

	self, err := os.Executable()
	if err != nil {
		return cleanup(fmt.Errorf("locate own executable: %w", err))
	}
	if err := fsutil.CopyFile(self, filepath.Join(dir, "dmakepkg")); err != nil {
		return cleanup(fmt.Errorf("copy executable into context: %w", err))
	}
	if err := os.Chmod(filepath.Join(dir, "dmakepkg"), 0o755); err != nil {
		return cleanup(fmt.Errorf("mark executable: %w", err))
	}

	return dir, nil
}
