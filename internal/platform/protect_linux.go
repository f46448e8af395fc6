//go:build linux

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setFwmark tags the socket with a firewall mark. An ip rule matching the
// mark routes the socket's traffic out the physical interface instead of
// the tunnel. Requires CAP_NET_ADMIN.
func setFwmark(fd int, mark uint32) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(mark)); err != nil {
		return fmt.Errorf("platform: set SO_MARK %d: %w", mark, err)
	}
	return nil
}
