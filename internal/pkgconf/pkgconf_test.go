package pkgconf

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestSignRequested(t *testing.T) {
	t.Parallel()

	cases := []struct {
		buildenv string
		want     bool
	}{
		{"", false},
		{"sign", true},
		{"!sign", false},
		{"!distcc color !ccache check sign", true},
		{"!distcc color !ccache check !sign", false},
		{"signing", false},
	}
	for _, tc := range cases {
		if got := SignRequested(tc.buildenv); got != tc.want {
			t.Fatalf("SignRequested(%q) = %v, want %v", tc.buildenv, got, tc.want)
		}
	}
}

func TestShellEvaluatorRejectsInvalidNames(t *testing.T) {
	t.Parallel()

	ev := &ShellEvaluator{Path: "/etc/makepkg.conf"}
	if _, err := ev.Var(context.Background(), "FOO; rm -rf /"); err == nil {
		t.Fatal("expected invalid variable name to be rejected")
	}
	if _, err := ev.Func(context.Background(), "$(true)"); err == nil {
		t.Fatal("expected invalid function name to be rejected")
	}
}

func TestShellEvaluatorReadsVarsAndFuncs(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	path := filepath.Join(t.TempDir(), "makepkg.conf")
	content := `
PKGDEST=/srv/packages
BUILDENV=(!distcc color !ccache check sign)
pkgver() { printf '1.2.3'; }
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	ev := &ShellEvaluator{Path: path, Shell: mustBash(t)}

	got, err := ev.Var(context.Background(), "PKGDEST")
	if err != nil {
		t.Fatalf("Var(PKGDEST) error = %v", err)
	}
	if got != "/srv/packages" {
		t.Fatalf("Var(PKGDEST) = %q", got)
	}

	buildenv, err := ev.Var(context.Background(), "BUILDENV")
	if err != nil {
		t.Fatalf("Var(BUILDENV) error = %v", err)
	}
	if !SignRequested(buildenv) {
		t.Fatalf("expected sign token in %q", buildenv)
	}

	missing, err := ev.Var(context.Background(), "SRCDEST")
	if err != nil {
		t.Fatalf("Var(SRCDEST) error = %v", err)
	}
	if missing != "" {
		t.Fatalf("expected empty value for unset variable, got %q", missing)
	}

	version, err := ev.Func(context.Background(), "pkgver")
	if err != nil {
		t.Fatalf("Func(pkgver) error = %v", err)
	}
	if version != "1.2.3" {
		t.Fatalf("Func(pkgver) = %q", version)
	}
}

func mustBash(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	return path
}
