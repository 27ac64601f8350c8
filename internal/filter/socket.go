package filter

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrInvalidSocket is returned for socket specs that cannot be parsed
var ErrInvalidSocket = errors.New("invalid socket spec")

// Socket is a parsed listener address
type Socket struct {
	Network string // unix, tcp, tcp4 or tcp6
	Address string
}

func (s Socket) String() string {
	return s.Network + ":" + s.Address
}

// IsUnix reports whether the socket is a filesystem socket
func (s Socket) IsUnix() bool {
	return s.Network == "unix"
}

// ParseSocket accepts the sendmail style specs understood by MTAs:
//
//	unix:/path/to/sock   local:/path/to/sock   /path/to/sock
//	inet:port@host       inet:port
//	inet6:port@host      inet6:port
//	tcp:host:port
func ParseSocket(spec string) (Socket, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Socket{}, fmt.Errorf("%w: empty", ErrInvalidSocket)
	}
	if strings.HasPrefix(spec, "/") {
		return Socket{Network: "unix", Address: spec}, nil
	}

	proto, rest, ok := strings.Cut(spec, ":")
	if !ok || rest == "" {
		return Socket{}, fmt.Errorf("%w: %q", ErrInvalidSocket, spec)
	}

	switch strings.ToLower(proto) {
	case "unix", "local":
		if !filepath.IsAbs(rest) {
			return Socket{}, fmt.Errorf("%w: unix socket path must be absolute: %q", ErrInvalidSocket, rest)
		}
		return Socket{Network: "unix", Address: rest}, nil

	case "inet", "inet6":
		port, host, _ := strings.Cut(rest, "@")
		if _, err := parsePort(port); err != nil {
			return Socket{}, fmt.Errorf("%w: %q: %v", ErrInvalidSocket, spec, err)
		}
		network := "tcp4"
		if strings.ToLower(proto) == "inet6" {
			network = "tcp6"
		}
		return Socket{Network: network, Address: net.JoinHostPort(host, port)}, nil

	case "tcp":
		_, port, err := net.SplitHostPort(rest)
		if err != nil {
			return Socket{}, fmt.Errorf("%w: %q: %v", ErrInvalidSocket, spec, err)
		}
		if _, err := parsePort(port); err != nil {
			return Socket{}, fmt.Errorf("%w: %q: %v", ErrInvalidSocket, spec, err)
		}
		return Socket{Network: "tcp", Address: rest}, nil
	}

	return Socket{}, fmt.Errorf("%w: unknown protocol %q", ErrInvalidSocket, proto)
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

// ParseUmask parses an octal umask such as "002"
func ParseUmask(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid umask %q: %w", s, err)
	}
	if v > 0o777 {
		return 0, fmt.Errorf("invalid umask %q: out of range", s)
	}
	return int(v), nil
}

// Listen opens the socket. A stale unix socket file is removed first and the
// new one is created under umask.
func Listen(s Socket, umask int) (net.Listener, error) {
	if !s.IsUnix() {
		return net.Listen(s.Network, s.Address)
	}

	if err := os.MkdirAll(filepath.Dir(s.Address), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	if fi, err := os.Lstat(s.Address); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", s.Address)
		}
		if err := os.Remove(s.Address); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	return listenUnix(s.Address, umask)
}
