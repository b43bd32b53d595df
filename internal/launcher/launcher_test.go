package launcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/thermi/dmakepkg/internal/config"
	"github.com/thermi/dmakepkg/internal/logging"
	"github.com/thermi/dmakepkg/internal/pkgconf"
)

func quietLauncher(settings config.Settings, ev pkgconf.Evaluator) *Launcher {
	return &Launcher{
		Logger:    logging.NewCLI(io.Discard, slog.LevelError),
		Settings:  settings,
		Evaluator: ev,
	}
}

func TestNewBuildRequestGeneratesUniqueNames(t *testing.T) {
	t.Parallel()

	a := NewBuildRequest("dmakepkg")
	b := NewBuildRequest("dmakepkg")
	if a.Name == b.Name {
		t.Fatalf("expected unique names, both %q", a.Name)
	}
	if !strings.HasPrefix(a.Name, "dmakepkg_") {
		t.Fatalf("unexpected name %q", a.Name)
	}
	if !a.DownloadKeys || !a.UsePumpMode || !a.UseHostCache {
		t.Fatalf("unexpected defaults %+v", a)
	}
}

func TestMountsRespectTrustFlags(t *testing.T) {
	t.Parallel()

	settings := config.Defaults
	settings.MakepkgConf = filepath.Join(t.TempDir(), "absent") // skip destination vars
	l := quietLauncher(settings, pkgconf.Static{})

	request := NewBuildRequest("dmakepkg")
	request.UseHostPacmanConf = true
	request.UseHostMirrorlist = true

	mounts := l.Mounts(context.Background(), request, "/work/pkg")

	if mounts[0].Host != "/work/pkg" || mounts[0].Container != "/src" || mounts[0].ReadOnly {
		t.Fatalf("first mount must be cwd at /src read-write, got %+v", mounts[0])
	}

	var flags []string
	for _, m := range mounts {
		flags = append(flags, m.flag())
	}
	joined := strings.Join(flags, " ")
	for _, want := range []string{
		"/etc/pacman.conf:/etc/pacman.conf:ro",
		"/etc/pacman.d/mirrorlist:/etc/pacman.d/mirrorlist:ro",
		"/var/cache/pacman/pkg:/var/cache/pacman/pkg",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected mount %q in %q", want, joined)
		}
	}
}

func TestMountsResolveDestinationVariables(t *testing.T) {
	t.Parallel()

	conf := filepath.Join(t.TempDir(), "makepkg.conf")
	if err := os.WriteFile(conf, []byte("# present\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	settings := config.Defaults
	settings.MakepkgConf = conf
	l := quietLauncher(settings, pkgconf.Static{
		"PKGDEST": "/srv/packages",
		"LOGDEST": "/var/log/makepkg",
	})

	request := NewBuildRequest("dmakepkg")
	request.UseHostCache = false
	mounts := l.Mounts(context.Background(), request, "/work/pkg")

	var found []string
	for _, m := range mounts[1:] {
		if m.Host != m.Container {
			t.Fatalf("destination mounts must use identical paths, got %+v", m)
		}
		found = append(found, m.Host)
	}
	joined := strings.Join(found, " ")
	if !strings.Contains(joined, "/srv/packages") || !strings.Contains(joined, "/var/log/makepkg") {
		t.Fatalf("expected destination variable mounts, got %v", found)
	}
	// SRCDEST and SRCPKGDEST are empty and must not produce mounts.
	if len(found) != 2 {
		t.Fatalf("expected exactly two destination mounts, got %v", found)
	}
}

func TestArgsComposeEntrypointSwitches(t *testing.T) {
	t.Parallel()

	l := quietLauncher(config.Defaults, pkgconf.Static{})

	request := NewBuildRequest("dmakepkg")
	request.DownloadKeys = false
	request.UsePumpMode = false
	request.BuildInPlace = true
	request.FullUpgrade = true
	request.PostCopyCommand = "pacman -S --noconfirm cmake"
	request.MakepkgArgs = []string{"--nosign", "--force"}

	args := l.Args(request, []Mount{{Host: "/work", Container: "/src"}}, 1000, 1000)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"run --rm --net=host -i --cpu-shares=128 --pids-limit=-1",
		"--name " + request.Name,
		"-v /work:/src",
		" makepkg ",
		"-z", "-y", "-Z", "-p",
		"-u 1000 -g 1000",
		"-e pacman -S --noconfirm cmake",
		"-- --nosign --force",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in %q", want, joined)
		}
	}

	imageIdx := strings.Index(joined, " makepkg ")
	for _, sw := range []string{" -z", " -y", " -Z", " -p", " -u "} {
		if idx := strings.Index(joined, sw); idx < imageIdx {
			t.Fatalf("switch %q must follow the image tag: %q", sw, joined)
		}
	}
}

func TestArgsOmitOptionalSwitches(t *testing.T) {
	t.Parallel()

	l := quietLauncher(config.Defaults, pkgconf.Static{})
	request := NewBuildRequest("dmakepkg")

	args := l.Args(request, nil, 0, 0)
	joined := strings.Join(args, " ")

	for _, unwanted := range []string{" -z", " -y", " -Z", " -p", " -e ", " -- "} {
		if strings.Contains(joined, unwanted) {
			t.Fatalf("did not expect %q in %q", unwanted, joined)
		}
	}
}

func TestRunPropagatesContainerExitCode(t *testing.T) {
	t.Parallel()

	settings := config.Defaults
	settings.MakepkgConf = filepath.Join(t.TempDir(), "absent")
	l := quietLauncher(settings, pkgconf.Static{})
	l.Runner = func(_ context.Context, name string, args ...string) error {
		return exitError(t, 2)
	}

	if status := l.Run(context.Background(), NewBuildRequest("dmakepkg")); status != 2 {
		t.Fatalf("expected container exit code 2 to propagate, got %d", status)
	}
}

func exitError(t *testing.T, code int) error {
	t.Helper()
	err := exec.Command("sh", "-c", fmt.Sprintf("exit %d", code)).Run()
	if err == nil {
		t.Fatalf("expected exit error for code %d", code)
	}
	return err
}

func TestSignSkipsSignaturesAndNonPackages(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{
		"demo-1.0-1-x86_64.pkg.tar.zst",
		"demo-1.0-1-x86_64.pkg.tar.zst.sig",
		"PKGBUILD",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var signed []string
	l := quietLauncher(config.Defaults, pkgconf.Static{
		"BUILDENV": "!distcc color !ccache check sign",
		"GPGKEY":   "CAFEBABE",
	})
	l.Runner = func(_ context.Context, name string, args ...string) error {
		if name == "gpg" {
			signed = append(signed, args[len(args)-1])
			if !strings.Contains(strings.Join(args, " "), "--local-user CAFEBABE") {
				t.Fatalf("expected configured key in %v", args)
			}
		}
		return nil
	}

	l.sign(context.Background(), dir)

	if len(signed) != 1 || !strings.HasSuffix(signed[0], "demo-1.0-1-x86_64.pkg.tar.zst") {
		t.Fatalf("expected exactly the package archive to be signed, got %v", signed)
	}
}

func TestSignDisabledWithoutToken(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "demo-1.0-1-x86_64.pkg.tar.zst"), []byte("pkg"), 0o644); err != nil {
		t.Fatal(err)
	}

	var calls int
	l := quietLauncher(config.Defaults, pkgconf.Static{"BUILDENV": "!sign color"})
	l.Runner = func(_ context.Context, name string, args ...string) error {
		calls++
		return nil
	}

	l.sign(context.Background(), dir)
	if calls != 0 {
		t.Fatalf("expected no signing calls, got %d", calls)
	}
}
