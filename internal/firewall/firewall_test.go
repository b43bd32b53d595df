package firewall

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/thermi/dmakepkg/internal/logging"
)

// fakeTable simulates a rule table keyed by the full tool invocation.
type fakeTable struct {
	rules map[string]int
	calls []string
}

func (f *fakeTable) runner() Runner {
	return func(_ context.Context, name string, args ...string) error {
		line := name + " " + strings.Join(args, " ")
		f.calls = append(f.calls, line)

		key := strings.Replace(line, " -I ", " # ", 1)
		key = strings.Replace(key, " -D ", " # ", 1)
		if f.rules == nil {
			f.rules = map[string]int{}
		}
		switch {
		case strings.Contains(line, " -I "):
			f.rules[key]++
		case strings.Contains(line, " -D "):
			if f.rules[key] == 0 {
				return errors.New("no matching rule")
			}
			f.rules[key]--
		}
		return nil
	}
}

func quietTable(f *fakeTable) *Table {
	return &Table{
		Logger: logging.NewCLI(io.Discard, slog.LevelError),
		Runner: f.runner(),
	}
}

func TestInsertRemoveRoundTrip(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		addr string
		tool string
	}{
		{"ipv4", "172.17.0.1", "iptables"},
		{"ipv6", "2001:db8::1", "ip6tables"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fake := &fakeTable{}
			table := quietTable(fake)
			rule := Rule{Iface: "docker0", Addr: net.ParseIP(tc.addr), Port: 8990}

			if err := table.Insert(context.Background(), rule); err != nil {
				t.Fatalf("Insert() error = %v", err)
			}
			table.Remove(context.Background(), rule)

			for key, count := range fake.rules {
				if count != 0 {
					t.Fatalf("rule %q left behind after round trip", key)
				}
			}
			for _, call := range fake.calls {
				if !strings.HasPrefix(call, tc.tool+" ") {
					t.Fatalf("expected %s invocation, got %q", tc.tool, call)
				}
			}
		})
	}
}

func TestRuleArgsAreNarrowlyScoped(t *testing.T) {
	t.Parallel()

	fake := &fakeTable{}
	table := quietTable(fake)
	rule := Rule{Iface: "docker0", Addr: net.ParseIP("172.17.0.1"), Port: 8990}

	if err := table.Insert(context.Background(), rule); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	want := "iptables -w 5 -W 2000 -I INPUT -p tcp --dport 8990 -i docker0 -d 172.17.0.1 -j ACCEPT"
	if fake.calls[0] != want {
		t.Fatalf("invocation mismatch:\n got %q\nwant %q", fake.calls[0], want)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	fake := &fakeTable{}
	table := quietTable(fake)
	rule := Rule{Iface: "docker0", Addr: net.ParseIP("172.17.0.1"), Port: 8990}

	// Removing a never-inserted rule must not panic or propagate the error.
	table.Remove(context.Background(), rule)
	if len(fake.calls) != 1 {
		t.Fatalf("expected a single removal attempt, got %d", len(fake.calls))
	}
}
