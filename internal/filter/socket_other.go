//go:build !unix

package filter

import "net"

func listenUnix(path string, _ int) (net.Listener, error) {
	return net.Listen("unix", path)
}
