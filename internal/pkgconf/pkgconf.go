// Package pkgconf evaluates single values out of makepkg-style configuration
// files. The files are shell fragments, so the default implementation sources
// them through bash; everything is kept behind Evaluator so a real parser can
// replace it without touching callers.
package pkgconf

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Evaluator resolves variables and function results from a build-tool
// configuration file.
type Evaluator interface {
	// Var returns the value of a variable. Array values are joined with
	// single spaces; an unset variable yields the empty string.
	Var(ctx context.Context, name string) (string, error)
	// Func returns the output of calling a zero-argument function defined by
	// the configuration file.
	Func(ctx context.Context, name string) (string, error)
}

// identifier limits what may be interpolated into the evaluation command.
// Only plain variable and function names are supported, not expressions.
var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ShellEvaluator sources the configuration file in a throwaway bash process
// and echoes the requested value back.
type ShellEvaluator struct {
	// Path is the configuration file to source.
	Path string
	// Shell is the interpreter used; /bin/bash when empty.
	Shell string
	// Timeout bounds each evaluation; 10s when zero.
	Timeout time.Duration
}

var _ Evaluator = (*ShellEvaluator)(nil)

func (e *ShellEvaluator) Var(ctx context.Context, name string) (string, error) {
	if !identifier.MatchString(name) {
		return "", fmt.Errorf("invalid variable name %q", name)
	}
	return e.eval(ctx, fmt.Sprintf(`source %q >/dev/null 2>&1; printf '%%s' "${%s[*]}"`, e.Path, name))
}

func (e *ShellEvaluator) Func(ctx context.Context, name string) (string, error) {
	if !identifier.MatchString(name) {
		return "", fmt.Errorf("invalid function name %q", name)
	}
	return e.eval(ctx, fmt.Sprintf(`source %q >/dev/null 2>&1; %s`, e.Path, name))
}

func (e *ShellEvaluator) eval(ctx context.Context, script string) (string, error) {
	timeout := e.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := e.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	out, err := exec.CommandContext(ctx, shell, "-c", script).Output()
	if err != nil {
		return "", fmt.Errorf("evaluate %s: %w", e.Path, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Static is a fixed-value Evaluator used in tests and as a fallback when no
// configuration file is present.
type Static map[string]string

var _ Evaluator = Static(nil)

func (s Static) Var(_ context.Context, name string) (string, error) {
	return s[name], nil
}

func (s Static) Func(_ context.Context, name string) (string, error) {
	return s[name], nil
}

// SignRequested reports whether a BUILDENV value asks for package signing:
// the sign token must be present and not negated.
func SignRequested(buildenv string) bool {
	for _, token := range strings.Fields(buildenv) {
		if token == "sign" {
			return true
		}
	}
	return false
}
