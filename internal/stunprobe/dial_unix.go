//go:build unix

package stunprobe

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// DialReuse dials server from localAddr with SO_REUSEADDR set on the
// socket before bind/connect, so the same local port that is already
// in use elsewhere (a mapper's keepalive connection, another probe)
// can be reused for a short-lived probe connection.
func DialReuse(ctx context.Context, localAddr, server *net.TCPAddr) (net.Conn, error) {
	d := net.Dialer{
		LocalAddr: localAddr,
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return d.DialContext(ctx, "tcp4", server.String())
}
