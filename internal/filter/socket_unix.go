//go:build unix

package filter

import (
	"net"
	"syscall"
)

// listenUnix creates the socket file with the given umask applied.
// The umask is process wide, so this must not race with other file creation.
func listenUnix(path string, umask int) (net.Listener, error) {
	old := syscall.Umask(umask)
	defer syscall.Umask(old)

	return net.Listen("unix", path)
}
