// Package cache exposes the host package cache to the build network segment
// through a plain HTTP file server bound to the container bridge address.
// Everything in here degrades gracefully: a missing bridge, an unusable
// address or an absent cache directory disable the cache instead of failing
// the build.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// State describes whether and where the cache is reachable.
type State struct {
	Addr    net.IP
	Port    int
	Enabled bool
}

// URL renders the mirror URL the image template prepends to the mirror list.
func (s State) URL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(s.Addr.String(), strconv.Itoa(s.Port)))
}

// IsIPv6 reports the address family of the discovered address.
func (s State) IsIPv6() bool {
	return s.Addr != nil && s.Addr.To4() == nil
}

// Discover determines the cache state: enabled only when a usable address
// exists on the bridge interface and the cache directory is present. Both
// checks log their outcome and never fail the caller.
func Discover(logger *slog.Logger, bridge, dir string, port int) State {
	if logger == nil {
		logger = slog.Default()
	}

	addr := bridgeAddress(logger, bridge)
	dirExists := false
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		dirExists = true
	} else {
		logger.Warn("package cache directory missing, cache disabled", "dir", dir)
	}

	return State{
		Addr:    addr,
		Port:    port,
		Enabled: addr != nil && dirExists,
	}
}

func bridgeAddress(logger *slog.Logger, bridge string) net.IP {
	link, err := netlink.LinkByName(bridge)
	if err != nil {
		logger.Warn("bridge interface not found, cache disabled", "bridge", bridge, "error", err)
		return nil
	}

	v4, err := netlink.AddrList(link, unix.AF_INET)
	if err != nil {
		logger.Warn("listing IPv4 addresses failed", "bridge", bridge, "error", err)
	}
	v6, err := netlink.AddrList(link, unix.AF_INET6)
	if err != nil {
		logger.Warn("listing IPv6 addresses failed", "bridge", bridge, "error", err)
	}

	var v4IPs, v6IPs []net.IP
	for _, a := range v4 {
		v4IPs = append(v4IPs, a.IP)
	}
	for _, a := range v6 {
		v6IPs = append(v6IPs, a.IP)
	}

	addr := ChooseAddress(v4IPs, v6IPs)
	if addr == nil {
		logger.Warn("no usable address on bridge, cache disabled", "bridge", bridge)
	}
	return addr
}

// ChooseAddress picks the cache address from the candidate lists. IPv4 wins
// outright; IPv6 is accepted only when it is not link-local, because reaching
// a link-local destination needs interface-scoped addressing the mirror entry
// cannot express.
func ChooseAddress(v4, v6 []net.IP) net.IP {
	for _, ip := range v4 {
		if ip != nil {
			return ip
		}
	}
	for _, ip := range v6 {
		if ip == nil || ip.IsLinkLocalUnicast() {
			continue
		}
		return ip
	}
	return nil
}

// Server is the running cache file server. Close must be invoked on every
// exit path; the image preparation step registers it via defer.
type Server struct {
	httpServer *http.Server
	addr       net.Addr
	done       chan error
	logger     *slog.Logger
}

// Addr is the address the file server is bound to.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Start serves dir at the state's address and port. The listener is bound to
// the bridge address only, keeping the exposure as narrow as the firewall
// rule guarding it.
func Start(logger *slog.Logger, state State, dir string) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(state.Addr.String(), strconv.Itoa(state.Port)))
	if err != nil {
		return nil, fmt.Errorf("listen on cache address: %w", err)
	}

	server := &Server{
		httpServer: &http.Server{Handler: http.FileServer(http.Dir(dir))},
		addr:       listener.Addr(),
		done:       make(chan error, 1),
		logger:     logger,
	}
	go func() {
		server.done <- server.httpServer.Serve(listener)
	}()

	logger.Info("package cache serving", "addr", listener.Addr().String(), "dir", dir)
	return server, nil
}

// Close shuts the file server down and waits for the serve loop to drain.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shut down cache server: %w", err)
	}
	if err := <-s.done; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Debug("package cache stopped")
	return nil
}
