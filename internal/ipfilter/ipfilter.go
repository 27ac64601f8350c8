// Package ipfilter restricts which peers may reach the milter and metrics listeners
package ipfilter

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Filter checks if IP addresses are allowed
type Filter struct {
	prefixes []netip.Prefix
	logger   *slog.Logger
}

// ParsePrefixes converts IPs and CIDRs into prefixes. A bare IP becomes a /32 or /128.
func ParsePrefixes(allowed []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	var errs []error

	for _, s := range allowed {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}

		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid CIDR %q: %w", s, err))
				continue
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}

		addr, err := netip.ParseAddr(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid IP %q: %w", s, err))
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return prefixes, errors.Join(errs...)
}

// New creates a filter from a list of IPs/CIDRs. An empty list allows everyone.
func New(allowed []string, logger *slog.Logger) (*Filter, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	prefixes, err := ParsePrefixes(allowed)
	if err != nil {
		return nil, err
	}

	return &Filter{prefixes: prefixes, logger: logger}, nil
}

// Enabled returns true if IP filtering is active
func (f *Filter) Enabled() bool {
	return f != nil && len(f.prefixes) > 0
}

// Count returns the number of allowed networks
func (f *Filter) Count() int {
	if f == nil {
		return 0
	}
	return len(f.prefixes)
}

// IsAllowed reports whether addr falls within an allowed network
func (f *Filter) IsAllowed(addr netip.Addr) bool {
	if !f.Enabled() {
		return true
	}

	addr = addr.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsAllowedAddr checks a "host:port" or bare host string
func (f *Filter) IsAllowedAddr(s string) bool {
	if !f.Enabled() {
		return true
	}

	host, _, err := net.SplitHostPort(s)
	if err != nil {
		host = s
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return f.IsAllowed(addr)
}

// IsAllowedNetAddr checks a listener peer address. Non-IP peers (unix sockets) are always allowed.
func (f *Filter) IsAllowedNetAddr(a net.Addr) bool {
	if !f.Enabled() {
		return true
	}

	switch v := a.(type) {
	case *net.TCPAddr:
		addr, ok := netip.AddrFromSlice(v.IP)
		return ok && f.IsAllowed(addr)
	case *net.UnixAddr:
		return true
	}
	return f.IsAllowedAddr(a.String())
}

// HTTPMiddleware rejects requests from addresses outside the allowed networks.
// It relies on RemoteAddr, so it must run after any trusted proxy handling.
func (f *Filter) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		if !f.IsAllowedAddr(r.RemoteAddr) {
			f.logger.Warn("access denied by IP filter", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Listener wraps ln so that connections from disallowed peers are closed on accept
func (f *Filter) Listener(ln net.Listener) net.Listener {
	if !f.Enabled() {
		return ln
	}
	return &listener{Listener: ln, filter: f}
}

type listener struct {
	net.Listener
	filter *Filter
}

func (l *listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		if l.filter.IsAllowedNetAddr(conn.RemoteAddr()) {
			return conn, nil
		}

		l.filter.logger.Warn("connection denied by IP filter", "remote_addr", conn.RemoteAddr().String())
		_ = conn.Close()
	}
}
