package gateway

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"dnsgate/internal/core"
	"dnsgate/internal/dnsproxy"
	"dnsgate/internal/platform"
)

// Worker owns the tunnel lifecycle. Start spins up a session goroutine that
// establishes the tunnel, runs the packet reactor, and reconnects with
// exponential backoff after recoverable failures. Stop tears the session
// down and waits for it to finish. Start and Stop may be called from any
// goroutine.
type Worker struct {
	provisioner platform.Provisioner
	mapper      *dnsproxy.ServerMapper
	filter      dnsproxy.Filter
	bus         *core.EventBus
	watchdogOn  bool

	mu      sync.Mutex
	current *session
}

// NewWorker wires a worker. The filter may be nil (no names blocked), the
// bus may be nil (no status events).
func NewWorker(p platform.Provisioner, m *dnsproxy.ServerMapper, f dnsproxy.Filter, bus *core.EventBus, watchdog bool) *Worker {
	return &Worker{
		provisioner: p,
		mapper:      m,
		filter:      f,
		bus:         bus,
		watchdogOn:  watchdog,
	}
}

// Start launches a new session. A session already running is interrupted
// and waited out first, so at most one session holds the tunnel.
func (w *Worker) Start() error {
	s, err := newSession(w)
	if err != nil {
		return err
	}

	w.mu.Lock()
	prev := w.current
	w.current = s
	w.mu.Unlock()

	if prev != nil {
		prev.interrupt()
		<-prev.done
	}
	go s.run()
	return nil
}

// Stop interrupts the current session and blocks until it has shut down.
// Stopping an already-stopped worker is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	prev := w.current
	w.current = nil
	w.mu.Unlock()

	if prev == nil {
		return
	}
	prev.interrupt()
	<-prev.done
}

// session is one tunnel incarnation. All fields below the wake pipe are
// owned by the run goroutine; interrupt only touches cancel, the pipe's
// write end, and the tunnel handle, all of which are safe cross-goroutine.
type session struct {
	w  *Worker
	id string

	ctx    context.Context
	cancel context.CancelFunc

	// wakeR sits in the poll set; writing a byte to wakeW (or closing it)
	// breaks the reactor out of poll from another goroutine.
	wakeR, wakeW *os.File
	tun          atomic.Pointer[os.File]

	queue    *QueryQueue
	watchdog *Watchdog
	proxy    *dnsproxy.PacketProxy
	writes   [][]byte

	status core.VpnStatus
	done   chan struct{}
}

func newSession(w *Worker) (*session, error) {
	r, wr, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		w:      w,
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		wakeR:  r,
		wakeW:  wr,
		queue:  NewQueryQueue(),
		status: core.StatusStopped,
		done:   make(chan struct{}),
	}
	s.watchdog = NewWatchdog(w.watchdogOn, s.openProtectedSocket)
	s.proxy = dnsproxy.NewPacketProxy(w.filter, s, w.bus)
	return s, nil
}

// interrupt asks the reactor to stop: cancel the context, kick the wake
// pipe, and yank the tunnel device out from under a read in progress.
func (s *session) interrupt() {
	s.cancel()
	if _, err := s.wakeW.Write([]byte{0}); err != nil && !errors.Is(err, os.ErrClosed) {
		core.Log.Warnf("Gateway", "Wake pipe write failed: %v", err)
	}
	if tun := s.tun.Load(); tun != nil {
		if err := tun.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			core.Log.Warnf("Gateway", "Force-close tunnel: %v", err)
		}
	}
}

// run is the session goroutine: establish, react, and on recoverable
// failure back off and try again. Backoff doubles per attempt up to the
// cap and resets to the floor once a session stays up long enough.
func (s *session) run() {
	defer close(s.done)
	defer s.setStatus(core.StatusStopped)
	defer closeOrWarn(s.wakeW, "Gateway", "close wake pipe")
	defer closeOrWarn(s.wakeR, "Gateway", "close wake pipe")

	backoff := minRetryDelay
	for {
		s.setStatus(core.StatusStarting)
		started := time.Now()

		err := s.runTunnel()
		if errors.Is(err, errInterrupted) || s.ctx.Err() != nil {
			s.setStatus(core.StatusStopping)
			return
		}
		core.Log.Warnf("Gateway", "Session failed: %v", err)
		s.setStatus(core.StatusReconnecting)

		backoff = retryDelayAfter(time.Since(started), backoff)
		core.Log.Infof("Gateway", "Retrying in %s", backoff)
		select {
		case <-s.ctx.Done():
			s.setStatus(core.StatusStopping)
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// retryDelayAfter picks the delay before the next attempt: a session that
// stayed up long enough earns a reset to the floor, otherwise the current
// backoff carries over.
func retryDelayAfter(uptime, current time.Duration) time.Duration {
	if uptime >= retryResetUptime {
		return minRetryDelay
	}
	return current
}

// runTunnel runs one tunnel incarnation to completion. Always returns
// non-nil: errInterrupted on clean shutdown, *NetworkError otherwise.
func (s *session) runTunnel() error {
	tun, err := s.w.provisioner.Establish(s.ctx)
	if err != nil {
		return &NetworkError{Op: "establish tunnel", Err: err}
	}
	s.tun.Store(tun)
	defer func() {
		if err := tun.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			core.Log.Warnf("Gateway", "Close tunnel: %v", err)
		}
		s.queue.CloseAll()
		s.watchdog.Close()
		s.writes = nil
	}()

	tunFd := int(tun.Fd())
	if err := unix.SetNonblock(tunFd, true); err != nil {
		return &NetworkError{Op: "set tunnel nonblocking", Err: err}
	}
	if err := s.watchdog.SetTarget(s.w.mapper.Default()); err != nil {
		return &NetworkError{Op: "arm watchdog", Err: err}
	}

	s.setStatus(core.StatusRunning)
	core.Log.Infof("Gateway", "Session %s up, tunnel fd %d", s.id, tunFd)

	buf := make([]byte, maxPacketSize)
	for {
		if err := s.doOne(tunFd, buf); err != nil {
			return err
		}
	}
}

// doOne runs a single reactor iteration: build the poll set, wait, then
// dispatch readiness in a fixed order. Answered upstream queries are
// settled before the tunnel is read so a burst of new queries cannot
// starve responses already waiting.
func (s *session) doOne(tunFd int, buf []byte) error {
	if s.ctx.Err() != nil {
		return errInterrupted
	}

	tunEvents := int16(unix.POLLIN)
	if len(s.writes) > 0 {
		tunEvents |= unix.POLLOUT
	}
	fds := make([]unix.PollFd, 0, 2+s.queue.Len())
	fds = append(fds,
		unix.PollFd{Fd: int32(s.wakeR.Fd()), Events: unix.POLLIN},
		unix.PollFd{Fd: int32(tunFd), Events: tunEvents},
	)
	fds = s.queue.AppendPollFDs(fds)

	n, err := unix.Poll(fds, s.watchdog.PollTimeoutMS())
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return &NetworkError{Op: "poll", Err: err}
	}
	if fds[0].Revents != 0 || s.ctx.Err() != nil {
		return errInterrupted
	}
	if n == 0 {
		if err := s.watchdog.HandleTimeout(); err != nil {
			return &NetworkError{Op: "watchdog", Err: err}
		}
		return nil
	}

	s.queue.DrainAnswered(fds[2:], s.handleAnswered)

	if fds[1].Revents&unix.POLLOUT != 0 {
		if err := s.flushWrites(tunFd); err != nil {
			return err
		}
	}
	if fds[1].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		if err := s.readPacket(tunFd, buf); err != nil {
			return err
		}
	}
	return nil
}

// handleAnswered reads the upstream response off an answered query socket
// and hands it to the proxy. Failures drop the response; the client will
// retry its query.
func (s *session) handleAnswered(pq *PendingQuery) {
	buf := make([]byte, responseBufferSize)
	n, _, err := unix.Recvfrom(pq.FD(), buf, 0)
	closeFD(pq.FD(), "Gateway", "close answered query socket")
	if err != nil {
		core.Log.Warnf("Gateway", "Read upstream response: %v", err)
		return
	}
	s.watchdog.OnPacket()
	s.proxy.HandleResponse(pq.Request, buf[:n])
}

// flushWrites drains queued device packets until the queue is empty or the
// device would block. EAGAIN keeps the head packet queued for the next
// POLLOUT round.
func (s *session) flushWrites(tunFd int) error {
	for len(s.writes) > 0 {
		if s.ctx.Err() != nil {
			return errInterrupted
		}
		if _, err := unix.Write(tunFd, s.writes[0]); err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			return &NetworkError{Op: "write tunnel", Err: err}
		}
		s.writes[0] = nil
		s.writes = s.writes[1:]
	}
	return nil
}

// readPacket reads one packet off the tunnel and feeds it to the proxy.
func (s *session) readPacket(tunFd int, buf []byte) error {
	n, err := unix.Read(tunFd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if s.ctx.Err() != nil {
			return errInterrupted
		}
		return &NetworkError{Op: "read tunnel", Err: err}
	}
	if n == 0 {
		core.Log.Warnf("Gateway", "Empty tunnel read, ignoring")
		return nil
	}
	s.watchdog.OnPacket()

	// The proxy may hold the packet until the upstream answers, so it gets
	// its own copy; buf is reused on the next read.
	pkt := make([]byte, n)
	copy(pkt, buf[:n])
	return s.proxy.HandleInbound(pkt)
}

// ForwardPacket implements dnsproxy.EventLoop. It resolves the synthetic
// destination to a real upstream, sends the payload from a fresh protected
// socket, and registers the socket as a pending query when a response is
// expected. Unknown synthetic addresses fall back to the default upstream.
func (s *session) ForwardPacket(payload []byte, syntheticDst netip.AddrPort, req *dnsproxy.InboundPacket) error {
	upstream, ok := s.w.mapper.Upstream(syntheticDst.Addr())
	if !ok {
		core.Log.Debugf("Gateway", "No upstream behind %s, using default", syntheticDst.Addr())
		upstream = s.w.mapper.Default()
	}
	target := netip.AddrPortFrom(upstream, syntheticDst.Port())

	fd, err := s.openProtectedSocket(upstream.Is6())
	if err != nil {
		core.Log.Warnf("Gateway", "Open upstream socket: %v", err)
		return nil
	}
	if err := unix.Sendto(fd, payload, 0, sockaddrFrom(target)); err != nil {
		closeFD(fd, "Gateway", "close upstream socket")
		if isFatalSendErrno(err) {
			return &NetworkError{Op: "send query upstream", Err: err}
		}
		core.Log.Warnf("Gateway", "Send query to %s: %v", target, err)
		return nil
	}
	if req == nil {
		// Fire-and-forget: nothing will read the response.
		closeFD(fd, "Gateway", "close fire-and-forget socket")
		return nil
	}
	s.queue.Add(fd, req)
	return nil
}

// QueueDeviceWrite implements dnsproxy.EventLoop.
func (s *session) QueueDeviceWrite(pkt []byte) {
	s.writes = append(s.writes, pkt)
}

// openProtectedSocket opens a nonblocking UDP socket excluded from tunnel
// routing, so upstream traffic cannot loop back into the device.
func (s *session) openProtectedSocket(v6 bool) (int, error) {
	family := unix.AF_INET
	if v6 {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, err
	}
	if err := s.w.provisioner.Protect(fd); err != nil {
		closeFD(fd, "Gateway", "close unprotected socket")
		return -1, err
	}
	return fd, nil
}

func (s *session) setStatus(next core.VpnStatus) {
	if s.status == next {
		return
	}
	old := s.status
	s.status = next
	core.Log.Infof("Gateway", "Status %s -> %s", old, next)
	if s.w.bus != nil {
		s.w.bus.Publish(core.Event{
			Type:    core.EventStatusChanged,
			Payload: core.StatusPayload{SessionID: s.id, Old: old, New: next},
		})
	}
}

func sockaddrFrom(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
}
