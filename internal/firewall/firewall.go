// Package firewall inserts and removes the single inbound accept rule that
// lets containers on the bridge reach the package cache. The rule is scoped
// to the bridge interface, the discovered destination address and the cache
// TCP port; nothing wider is ever opened.
package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// Rule is one inbound accept rule on the rule table.
type Rule struct {
	Iface string
	Addr  net.IP
	Port  int
}

// Runner invokes the rule-table tool; swapped out in tests.
type Runner func(ctx context.Context, name string, args ...string) error

// Table manipulates the host rule table through the iptables tools, choosing
// the tool matching the rule's address family.
type Table struct {
	Logger  *slog.Logger
	Runner  Runner
	Timeout time.Duration
}

func (t *Table) logger() *slog.Logger {
	if t != nil && t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func (t *Table) run(ctx context.Context, name string, args ...string) error {
	timeout := t.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if t.Runner != nil {
		return t.Runner(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Insert adds the accept rule at the head of the INPUT chain.
func (t *Table) Insert(ctx context.Context, rule Rule) error {
	args := ruleArgs("-I", rule)
	t.logger().Debug("inserting firewall rule", "tool", toolFor(rule.Addr), "addr", rule.Addr.String(), "port", rule.Port)
	if err := t.run(ctx, toolFor(rule.Addr), args...); err != nil {
		return fmt.Errorf("insert firewall rule: %w", err)
	}
	return nil
}

// Remove deletes the accept rule. Removing a rule that was never inserted is
// a tolerated no-op: the error is logged and swallowed so teardown paths can
// call Remove unconditionally.
func (t *Table) Remove(ctx context.Context, rule Rule) {
	args := ruleArgs("-D", rule)
	if err := t.run(ctx, toolFor(rule.Addr), args...); err != nil {
		t.logger().Warn("firewall rule removal failed", "addr", rule.Addr.String(), "error", err)
	}
}

func toolFor(addr net.IP) string {
	if addr.To4() != nil {
		return "iptables"
	}
	return "ip6tables"
}

func ruleArgs(action string, rule Rule) []string {
	// -w/-W bound how long the tool waits for the xtables lock.
	return []string{
		"-w", "5", "-W", "2000",
		action, "INPUT",
		"-p", "tcp",
		"--dport", strconv.Itoa(rule.Port),
		"-i", rule.Iface,
		"-d", rule.Addr.String(),
		"-j", "ACCEPT",
	}
}
