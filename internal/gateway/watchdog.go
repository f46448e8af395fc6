package gateway

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"dnsgate/internal/core"
)

// ErrLinkDead is returned by the watchdog when enough consecutive probes go
// unanswered that the uplink has to be considered gone.
var ErrLinkDead = errors.New("gateway: watchdog declared the link dead")

const (
	// Poll timeout ladder. Starts low after traffic, doubles on every idle
	// window so an idle tunnel wakes up rarely.
	watchdogInitialTimeout = 1000  // ms
	watchdogMaxTimeout     = 64000 // ms

	// Consecutive unanswered probes before the link is declared dead.
	watchdogMissThreshold = 5
)

// Watchdog detects a silently dead uplink. While the tunnel carries traffic
// it stays dormant; when the poll loop times out it sends a cheap DNS probe
// (a root NS query) to the default upstream from its own protected socket and
// checks on the next timeout whether a reply came back.
//
// Owned by the session goroutine; no locking.
type Watchdog struct {
	enabled    bool
	openSocket func(v6 bool) (int, error)

	target  netip.AddrPort
	probe   []byte
	timeout int
	missed  int
	probeFd int
}

// NewWatchdog creates a watchdog. openSocket must return a nonblocking,
// protected UDP socket of the requested address family.
func NewWatchdog(enabled bool, openSocket func(v6 bool) (int, error)) *Watchdog {
	return &Watchdog{
		enabled:    enabled,
		openSocket: openSocket,
		timeout:    watchdogInitialTimeout,
		probeFd:    -1,
	}
}

// SetTarget points the watchdog at the resolver to probe and resets all
// state. Called once per session, after the tunnel is up.
func (w *Watchdog) SetTarget(addr netip.Addr) error {
	if !w.enabled {
		return nil
	}
	q := new(dns.Msg)
	q.SetQuestion(".", dns.TypeNS)
	probe, err := q.Pack()
	if err != nil {
		return fmt.Errorf("watchdog: pack probe: %w", err)
	}

	w.Close()
	w.target = netip.AddrPortFrom(addr, 53)
	w.probe = probe
	w.timeout = watchdogInitialTimeout
	w.missed = 0
	core.Log.Debugf("Gateway", "Watchdog probing %s", w.target)
	return nil
}

// PollTimeoutMS returns the timeout to hand to poll, or -1 (block forever)
// when the watchdog is disabled.
func (w *Watchdog) PollTimeoutMS() int {
	if !w.enabled {
		return -1
	}
	return w.timeout
}

// OnPacket records that real traffic flowed. Any traffic proves the link,
// so the timeout ladder and miss counter reset.
func (w *Watchdog) OnPacket() {
	if !w.enabled {
		return
	}
	w.timeout = watchdogInitialTimeout
	w.missed = 0
}

// HandleTimeout runs when the poll loop timed out with no traffic. It first
// settles the previous probe (reply received resets the watchdog, silence
// counts a miss), then sends a fresh probe and widens the next idle window.
// Returns ErrLinkDead once the miss threshold is reached.
func (w *Watchdog) HandleTimeout() error {
	if !w.enabled {
		return nil
	}

	if w.probeFd >= 0 {
		buf := make([]byte, responseBufferSize)
		_, _, err := unix.Recvfrom(w.probeFd, buf, unix.MSG_DONTWAIT)
		closeFD(w.probeFd, "Gateway", "close watchdog probe socket")
		w.probeFd = -1
		if err == nil {
			core.Log.Debugf("Gateway", "Watchdog probe answered")
			w.OnPacket()
			return nil
		}
		w.missed++
		core.Log.Debugf("Gateway", "Watchdog probe unanswered (%d/%d)",
			w.missed, watchdogMissThreshold)
		if w.missed >= watchdogMissThreshold {
			return ErrLinkDead
		}
	}

	fd, err := w.openSocket(w.target.Addr().Is6())
	if err != nil {
		return fmt.Errorf("watchdog: open probe socket: %w", err)
	}
	if err := unix.Sendto(fd, w.probe, 0, sockaddrFrom(w.target)); err != nil {
		closeFD(fd, "Gateway", "close watchdog probe socket")
		if isFatalSendErrno(err) {
			return fmt.Errorf("watchdog: send probe: %w", err)
		}
		core.Log.Warnf("Gateway", "Watchdog probe send failed: %v", err)
		return nil
	}
	w.probeFd = fd

	if w.timeout < watchdogMaxTimeout {
		w.timeout *= 2
		if w.timeout > watchdogMaxTimeout {
			w.timeout = watchdogMaxTimeout
		}
	}
	return nil
}

// Close releases the in-flight probe socket, if any.
func (w *Watchdog) Close() {
	if w.probeFd >= 0 {
		closeFD(w.probeFd, "Gateway", "close watchdog probe socket")
		w.probeFd = -1
	}
}
