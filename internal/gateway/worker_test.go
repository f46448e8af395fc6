package gateway

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"dnsgate/internal/core"
	"dnsgate/internal/dnsproxy"
)

func TestNextBackoff(t *testing.T) {
	want := []time.Duration{
		10 * time.Second, 20 * time.Second, 40 * time.Second,
		80 * time.Second, 120 * time.Second, 120 * time.Second,
	}
	b := minRetryDelay
	for i, w := range want {
		b = nextBackoff(b)
		if b != w {
			t.Errorf("step %d: backoff = %s, want %s", i, b, w)
		}
	}
}

func TestRetryDelayAfter(t *testing.T) {
	cases := []struct {
		uptime, current, want time.Duration
	}{
		{10 * time.Second, minRetryDelay, minRetryDelay},
		{59 * time.Second, 40 * time.Second, 40 * time.Second},
		{retryResetUptime, maxRetryDelay, minRetryDelay},
		{2 * time.Minute, 20 * time.Second, minRetryDelay},
	}
	for _, tc := range cases {
		if got := retryDelayAfter(tc.uptime, tc.current); got != tc.want {
			t.Errorf("retryDelayAfter(%s, %s) = %s, want %s",
				tc.uptime, tc.current, got, tc.want)
		}
	}
}

func TestSockaddrFrom(t *testing.T) {
	sa4, ok := sockaddrFrom(netip.MustParseAddrPort("9.9.9.9:53")).(*unix.SockaddrInet4)
	if !ok {
		t.Fatal("IPv4 address did not map to SockaddrInet4")
	}
	if sa4.Port != 53 || sa4.Addr != [4]byte{9, 9, 9, 9} {
		t.Errorf("sa4 = %+v", sa4)
	}

	if _, ok := sockaddrFrom(netip.MustParseAddrPort("[2620:fe::fe]:53")).(*unix.SockaddrInet6); !ok {
		t.Fatal("IPv6 address did not map to SockaddrInet6")
	}

	// 4-in-6 mapped addresses go out as plain IPv4.
	if _, ok := sockaddrFrom(netip.MustParseAddrPort("[::ffff:9.9.9.9]:53")).(*unix.SockaddrInet4); !ok {
		t.Fatal("mapped IPv4 address did not unmap to SockaddrInet4")
	}
}

// fakeProvisioner hands out one end of a datagram socketpair as the tunnel
// device and keeps the peer ends for the test to talk through. A non-nil
// protectErr makes every Protect call fail.
type fakeProvisioner struct {
	mu          sync.Mutex
	peers       []*os.File
	establishes int
	protects    int
	protectErr  error
}

func (f *fakeProvisioner) Establish(ctx context.Context) (*os.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	// Nonblocking so the peer file supports read deadlines.
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	f.mu.Lock()
	f.peers = append(f.peers, os.NewFile(uintptr(fds[1]), "tun-peer"))
	f.establishes++
	f.mu.Unlock()
	return os.NewFile(uintptr(fds[0]), "tun"), nil
}

func (f *fakeProvisioner) Protect(fd int) error {
	f.mu.Lock()
	f.protects++
	err := f.protectErr
	f.mu.Unlock()
	return err
}

func (f *fakeProvisioner) peer(t *testing.T, i int) *os.File {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.peers) {
		t.Fatalf("peer %d not established yet (%d total)", i, len(f.peers))
	}
	return f.peers[i]
}

func (f *fakeProvisioner) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.peers {
		p.Close()
	}
}

// statusRecorder collects status transitions off the bus.
type statusRecorder struct {
	mu  sync.Mutex
	seq []core.VpnStatus
}

func (r *statusRecorder) record(e core.Event) {
	p := e.Payload.(core.StatusPayload)
	r.mu.Lock()
	r.seq = append(r.seq, p.New)
	r.mu.Unlock()
}

func (r *statusRecorder) snapshot() []core.VpnStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.VpnStatus, len(r.seq))
	copy(out, r.seq)
	return out
}

func (r *statusRecorder) waitFor(t *testing.T, want core.VpnStatus, count int) {
	t.Helper()
	// Generous: the reconnect path sleeps through a full 5s backoff.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		n := 0
		for _, s := range r.snapshot() {
			if s == want {
				n++
			}
		}
		if n >= count {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status %s seen fewer than %d times in %v", want, count, r.snapshot())
}

func testMapper(t *testing.T) *dnsproxy.ServerMapper {
	t.Helper()
	m, err := dnsproxy.NewServerMapper(
		[]netip.Addr{netip.MustParseAddr("127.0.0.1")},
		netip.MustParsePrefix("198.18.0.0/24"),
	)
	if err != nil {
		t.Fatalf("mapper: %v", err)
	}
	return m
}

func buildQueryPacket(t *testing.T, src, dst netip.AddrPort, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: src.Addr().AsSlice(), DstIP: dst.Addr().AsSlice(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dst.Port())}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("checksum layer: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func decodeReplyPacket(t *testing.T, raw []byte) (src, dst netip.AddrPort, payload []byte) {
	t.Helper()
	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		t.Fatalf("decode reply: %v", errLayer.Error())
	}
	ip, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	udp, _ := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if ip == nil || udp == nil {
		t.Fatalf("reply is not UDP/IPv4")
	}
	srcIP, _ := netip.AddrFromSlice(ip.SrcIP)
	dstIP, _ := netip.AddrFromSlice(ip.DstIP)
	return netip.AddrPortFrom(srcIP.Unmap(), uint16(udp.SrcPort)),
		netip.AddrPortFrom(dstIP.Unmap(), uint16(udp.DstPort)),
		udp.Payload
}

func TestWorkerBlocksQueryEndToEnd(t *testing.T) {
	prov := &fakeProvisioner{}
	defer prov.closeAll()
	bus := core.NewEventBus()
	rec := &statusRecorder{}
	bus.Subscribe(core.EventStatusChanged, rec.record)

	filter := staticNames{"ads.example.": {}}
	w := NewWorker(prov, testMapper(t), filter, bus, false)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()
	rec.waitFor(t, core.StatusRunning, 1)

	client := netip.MustParseAddrPort("10.0.0.2:4242")
	resolver := netip.MustParseAddrPort("198.18.0.1:53")
	msg := new(dns.Msg)
	msg.SetQuestion("ads.example.", dns.TypeA)
	query, err := msg.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	peer := prov.peer(t, 0)
	if _, err := peer.Write(buildQueryPacket(t, client, resolver, query)); err != nil {
		t.Fatalf("inject query: %v", err)
	}

	peer.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, maxPacketSize)
	n, err := peer.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}

	src, dst, payload := decodeReplyPacket(t, buf[:n])
	if src != resolver || dst != client {
		t.Errorf("reply addressing = %s -> %s, want %s -> %s", src, dst, resolver, client)
	}
	reply := new(dns.Msg)
	if err := reply.Unpack(payload); err != nil {
		t.Fatalf("unpack reply: %v", err)
	}
	if reply.Rcode != dns.RcodeNameError {
		t.Errorf("reply rcode = %d, want NXDOMAIN", reply.Rcode)
	}
	if reply.Id != msg.Id {
		t.Errorf("reply id = %d, want %d", reply.Id, msg.Id)
	}

	w.Stop()
	rec.waitFor(t, core.StatusStopped, 1)
	seq := rec.snapshot()
	if seq[0] != core.StatusStarting || seq[len(seq)-1] != core.StatusStopped {
		t.Errorf("status sequence = %v", seq)
	}
}

func TestWorkerReconnectsAfterDeadLink(t *testing.T) {
	// Every Protect fails, so the first watchdog probe cannot arm and the
	// session dies with a network error about a second after coming up.
	prov := &fakeProvisioner{protectErr: errors.New("mark rejected")}
	defer prov.closeAll()
	bus := core.NewEventBus()
	rec := &statusRecorder{}
	bus.Subscribe(core.EventStatusChanged, rec.record)

	w := NewWorker(prov, testMapper(t), nil, bus, true)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	rec.waitFor(t, core.StatusRunning, 1)
	rec.waitFor(t, core.StatusReconnecting, 1)
	// After the backoff sleep the worker provisions a fresh tunnel.
	rec.waitFor(t, core.StatusRunning, 2)

	prov.mu.Lock()
	establishes := prov.establishes
	prov.mu.Unlock()
	if establishes < 2 {
		t.Errorf("establishes = %d, want at least 2", establishes)
	}

	seq := rec.snapshot()
	idx := func(want core.VpnStatus) int {
		for i, s := range seq {
			if s == want {
				return i
			}
		}
		return -1
	}
	starting, running, reconnecting := idx(core.StatusStarting), idx(core.StatusRunning), idx(core.StatusReconnecting)
	if starting < 0 || running < starting || reconnecting < running {
		t.Errorf("status sequence = %v, want starting, then running, then reconnecting", seq)
	}
}

func TestWorkerStartReplacesSession(t *testing.T) {
	prov := &fakeProvisioner{}
	defer prov.closeAll()
	bus := core.NewEventBus()
	rec := &statusRecorder{}
	bus.Subscribe(core.EventStatusChanged, rec.record)

	w := NewWorker(prov, testMapper(t), nil, bus, false)
	if err := w.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	rec.waitFor(t, core.StatusRunning, 1)

	if err := w.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	rec.waitFor(t, core.StatusRunning, 2)
	rec.waitFor(t, core.StatusStopped, 1)

	prov.mu.Lock()
	establishes := prov.establishes
	prov.mu.Unlock()
	if establishes != 2 {
		t.Errorf("establishes = %d, want 2", establishes)
	}

	w.Stop()
	rec.waitFor(t, core.StatusStopped, 2)
}

func TestSessionForwardAndResponse(t *testing.T) {
	upstream, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer upstream.Close()
	port := upstream.LocalAddr().(*net.UDPAddr).AddrPort().Port()

	prov := &fakeProvisioner{}
	defer prov.closeAll()
	w := NewWorker(prov, testMapper(t), nil, nil, false)
	s, err := newSession(w)
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	defer func() {
		s.queue.CloseAll()
		s.cancel()
		s.wakeR.Close()
		s.wakeW.Close()
	}()

	client := netip.MustParseAddrPort("10.0.0.2:4242")
	// Port comes from the intercepted packet, so the test can steer the
	// forward at its own listener.
	syntheticDst := netip.AddrPortFrom(netip.MustParseAddr("198.18.0.1"), port)
	msg := new(dns.Msg)
	msg.SetQuestion("good.example.", dns.TypeA)
	query, err := msg.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	req := &dnsproxy.InboundPacket{Src: client, Dst: syntheticDst}

	if err := s.ForwardPacket(query, syntheticDst, req); err != nil {
		t.Fatalf("ForwardPacket: %v", err)
	}
	if s.queue.Len() != 1 {
		t.Fatalf("queue.Len() = %d, want 1", s.queue.Len())
	}
	prov.mu.Lock()
	protects := prov.protects
	prov.mu.Unlock()
	if protects != 1 {
		t.Errorf("protects = %d, want 1 (upstream socket must be protected)", protects)
	}

	upstream.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 512)
	n, addr, err := upstream.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if !bytes.Equal(buf[:n], query) {
		t.Error("upstream received different payload than forwarded")
	}

	reply := new(dns.Msg)
	reply.SetReply(msg)
	out, err := reply.Pack()
	if err != nil {
		t.Fatalf("pack reply: %v", err)
	}
	if _, err := upstream.WriteToUDP(out, addr); err != nil {
		t.Fatalf("upstream write: %v", err)
	}

	fds := s.queue.AppendPollFDs(nil)
	if n, err := unix.Poll(fds, 3000); err != nil || n == 0 {
		t.Fatalf("response never arrived: n=%d err=%v", n, err)
	}
	s.queue.DrainAnswered(fds, s.handleAnswered)

	if s.queue.Len() != 0 {
		t.Errorf("queue.Len() after drain = %d, want 0", s.queue.Len())
	}
	if len(s.writes) != 1 {
		t.Fatalf("device writes = %d, want 1", len(s.writes))
	}
	src, dst, payload := decodeReplyPacket(t, s.writes[0])
	if src != syntheticDst || dst != client {
		t.Errorf("relay addressing = %s -> %s, want %s -> %s", src, dst, syntheticDst, client)
	}
	if !bytes.Equal(payload, out) {
		t.Error("relayed payload differs from upstream response")
	}

	// Unknown synthetic destinations fall back to the default upstream,
	// fire-and-forget when no request is registered.
	orphan := netip.AddrPortFrom(netip.MustParseAddr("198.18.0.77"), port)
	if err := s.ForwardPacket(query, orphan, nil); err != nil {
		t.Fatalf("ForwardPacket(orphan): %v", err)
	}
	if s.queue.Len() != 0 {
		t.Errorf("fire-and-forget registered a pending query")
	}
	upstream.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := upstream.ReadFromUDP(buf); err != nil {
		t.Fatalf("orphan forward never reached default upstream: %v", err)
	}
}

// staticNames is a trivial exact-match Filter for tests.
type staticNames map[string]struct{}

func (s staticNames) Blocked(name string) bool {
	_, ok := s[name]
	return ok
}
