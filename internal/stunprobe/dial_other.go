//go:build !unix

package stunprobe

import (
	"context"
	"net"
)

// DialReuse dials server from localAddr. Address reuse is a best-effort
// nicety on this platform: Go's net.Dialer.Control has no portable
// SO_REUSEADDR story outside unix, so the dial just rebinds the port
// and relies on the OS's own reuse rules for an ephemeral connection
// that is about to be torn down anyway.
func DialReuse(ctx context.Context, localAddr, server *net.TCPAddr) (net.Conn, error) {
	d := net.Dialer{LocalAddr: localAddr}
	return d.DialContext(ctx, "tcp4", server.String())
}
