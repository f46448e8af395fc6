// Package platform abstracts how the tunnel device is obtained and how
// upstream sockets are kept out of the tunnel's own routing. The host
// integration (Android VpnService, a CLI that opens /dev/net/tun, tests)
// supplies an implementation.
package platform

import (
	"context"
	"os"
)

// Provisioner supplies the tunnel device and socket protection for one
// gateway session.
type Provisioner interface {
	// Establish opens the tunnel device and returns a handle owned by the
	// caller. Each call must return an independent handle: the gateway
	// force-closes it to interrupt a blocked poll, and calls Establish
	// again on reconnect.
	Establish(ctx context.Context) (*os.File, error)

	// Protect excludes a socket from tunnel routing so its traffic goes
	// out the underlying network. Called for every upstream query socket
	// and for watchdog probe sockets.
	Protect(fd int) error
}
