package platform

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"dnsgate/internal/core"
)

// FDProvisioner wraps a tunnel descriptor handed in from outside, typically
// an Android VpnService fd passed over the process boundary or a tun device
// opened by a privileged launcher. Establish duplicates the descriptor so
// the gateway can close its copy freely across reconnects.
type FDProvisioner struct {
	fd   int
	mark uint32
}

// NewFDProvisioner adopts fd. mark, when non-zero, is applied as the
// firewall mark on protected sockets so policy routing can steer their
// traffic around the tunnel.
func NewFDProvisioner(fd int, mark uint32) (*FDProvisioner, error) {
	if fd < 0 {
		return nil, fmt.Errorf("platform: invalid tunnel fd %d", fd)
	}
	return &FDProvisioner{fd: fd, mark: mark}, nil
}

// Establish returns a fresh duplicate of the adopted descriptor.
func (p *FDProvisioner) Establish(ctx context.Context) (*os.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dup, err := unix.Dup(p.fd)
	if err != nil {
		return nil, fmt.Errorf("platform: dup tunnel fd: %w", err)
	}
	unix.CloseOnExec(dup)
	core.Log.Debugf("Platform", "Tunnel fd %d duplicated to %d", p.fd, dup)
	return os.NewFile(uintptr(dup), "tun"), nil
}

// Protect applies the configured firewall mark, if any.
func (p *FDProvisioner) Protect(fd int) error {
	if p.mark == 0 {
		return nil
	}
	return setFwmark(fd, p.mark)
}

// Close releases the adopted descriptor.
func (p *FDProvisioner) Close() error {
	return unix.Close(p.fd)
}
