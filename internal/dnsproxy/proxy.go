package dnsproxy

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"

	"dnsgate/internal/core"
)

// dnsPort is the only destination port the proxy intercepts.
const dnsPort = 53

// InboundPacket is a DNS request packet read from the tunnel, kept around
// until the upstream response arrives so the reply can be addressed back.
type InboundPacket struct {
	// Raw is the original IP packet.
	Raw []byte
	// Src is the client side (device address and ephemeral port).
	Src netip.AddrPort
	// Dst is the synthetic resolver address the client sent the query to.
	Dst netip.AddrPort
	// IPv6 marks the IP version of the original packet.
	IPv6 bool
}

// EventLoop is the reactor surface the proxy drives.
//
// ForwardPacket sends payload to the upstream resolver behind the synthetic
// destination. req == nil means fire-and-forget: no response is expected and
// no query is registered. An error return is fatal for the session.
//
// QueueDeviceWrite enqueues a whole IP packet for the tunnel device.
type EventLoop interface {
	ForwardPacket(payload []byte, syntheticDst netip.AddrPort, req *InboundPacket) error
	QueueDeviceWrite(pkt []byte)
}

// Filter decides whether a query name should be answered locally with a
// denial. Implementations live outside this package.
type Filter interface {
	Blocked(name string) bool
}

// PacketProxy handles DNS request packets read from the tunnel and upstream
// response datagrams, translating between whole IP packets on the tunnel
// side and bare DNS payloads on the socket side.
//
// Not safe for concurrent use: the reactor goroutine is the only caller, and
// the decoding parsers are reused across packets.
type PacketProxy struct {
	filter Filter
	loop   EventLoop
	bus    *core.EventBus

	// Reusable zero-alloc decoders, one per IP version.
	ip4     layers.IPv4
	ip6     layers.IPv6
	udp     layers.UDP
	payload gopacket.Payload
	parser4 *gopacket.DecodingLayerParser
	parser6 *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewPacketProxy creates a proxy bound to one reactor session.
func NewPacketProxy(filter Filter, loop EventLoop, bus *core.EventBus) *PacketProxy {
	p := &PacketProxy{
		filter:  filter,
		loop:    loop,
		bus:     bus,
		decoded: make([]gopacket.LayerType, 0, 4),
	}
	p.parser4 = gopacket.NewDecodingLayerParser(
		layers.LayerTypeIPv4, &p.ip4, &p.udp, &p.payload,
	)
	p.parser4.IgnoreUnsupported = true
	p.parser6 = gopacket.NewDecodingLayerParser(
		layers.LayerTypeIPv6, &p.ip6, &p.udp, &p.payload,
	)
	p.parser6.IgnoreUnsupported = true
	return p
}

// HandleInbound processes one IP packet read from the tunnel. Traffic that
// is not UDP port 53 is dropped. Payloads that do not parse as DNS are still
// forwarded upstream fire-and-forget, matching what a transparent resolver
// would see. Only errors that break the whole session are returned.
func (p *PacketProxy) HandleInbound(raw []byte) error {
	req, payload, ok := p.parsePacket(raw)
	if !ok {
		return nil
	}
	if req.Dst.Port() != dnsPort {
		core.Log.Debugf("DNS", "Ignoring UDP packet to %s (not a resolver port)", req.Dst)
		return nil
	}

	query := TryParse(payload)
	if query == nil {
		// Unattributable query: forward without registering a pending
		// query, the response (if any) is dropped by the kernel.
		return p.loop.ForwardPacket(payload, req.Dst, nil)
	}

	if p.filter != nil && p.filter.Blocked(query.Name) {
		p.answerBlocked(req, query)
		return nil
	}
	return p.loop.ForwardPacket(query.RawData, req.Dst, req)
}

// HandleResponse relays an upstream response back onto the tunnel, addressed
// as the reply to the original request packet. Failures are local: logged
// and the response dropped.
func (p *PacketProxy) HandleResponse(req *InboundPacket, resp []byte) {
	pkt, err := p.buildReply(req, resp)
	if err != nil {
		core.Log.Warnf("DNS", "Could not build response packet for %s: %v", req.Src, err)
		return
	}
	p.loop.QueueDeviceWrite(pkt)
}

// answerBlocked synthesizes an NXDOMAIN reply without touching the network.
func (p *PacketProxy) answerBlocked(req *InboundPacket, query *QueryData) {
	core.Log.Infof("DNS", "Blocked %s", query.Name)
	if p.bus != nil {
		p.bus.Publish(core.Event{
			Type:    core.EventQueryBlocked,
			Payload: core.BlockedQueryPayload{Name: query.Name},
		})
	}

	denial := new(dns.Msg)
	denial.SetRcode(query.Msg, dns.RcodeNameError)
	payload, err := denial.Pack()
	if err != nil {
		core.Log.Warnf("DNS", "Could not pack denial for %s: %v", query.Name, err)
		return
	}
	pkt, err := p.buildReply(req, payload)
	if err != nil {
		core.Log.Warnf("DNS", "Could not build denial packet for %s: %v", query.Name, err)
		return
	}
	p.loop.QueueDeviceWrite(pkt)
}

// parsePacket decodes an IP packet into addressing metadata and the UDP
// payload. Returns ok=false for anything that is not a UDP datagram.
func (p *PacketProxy) parsePacket(raw []byte) (*InboundPacket, []byte, bool) {
	if len(raw) == 0 {
		return nil, nil, false
	}

	var (
		parser *gopacket.DecodingLayerParser
		isV6   bool
	)
	switch raw[0] >> 4 {
	case 4:
		parser = p.parser4
	case 6:
		parser = p.parser6
		isV6 = true
	default:
		core.Log.Debugf("DNS", "Ignoring non-IP packet (%d bytes)", len(raw))
		return nil, nil, false
	}

	if err := parser.DecodeLayers(raw, &p.decoded); err != nil {
		core.Log.Debugf("DNS", "Ignoring undecodable packet: %v", err)
		return nil, nil, false
	}
	hasUDP := false
	for _, lt := range p.decoded {
		if lt == layers.LayerTypeUDP {
			hasUDP = true
		}
	}
	if !hasUDP {
		return nil, nil, false
	}

	var src, dst netip.Addr
	if isV6 {
		src, _ = netip.AddrFromSlice(p.ip6.SrcIP)
		dst, _ = netip.AddrFromSlice(p.ip6.DstIP)
	} else {
		src, _ = netip.AddrFromSlice(p.ip4.SrcIP)
		dst, _ = netip.AddrFromSlice(p.ip4.DstIP)
	}
	req := &InboundPacket{
		Raw:  raw,
		Src:  netip.AddrPortFrom(src.Unmap(), uint16(p.udp.SrcPort)),
		Dst:  netip.AddrPortFrom(dst.Unmap(), uint16(p.udp.DstPort)),
		IPv6: isV6,
	}
	return req, p.udp.Payload, true
}

// buildReply wraps payload in a UDP/IP packet that answers req: addresses
// and ports swapped, checksums recomputed.
func (p *PacketProxy) buildReply(req *InboundPacket, payload []byte) ([]byte, error) {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(req.Dst.Port()),
		DstPort: layers.UDPPort(req.Src.Port()),
	}

	var ip gopacket.SerializableLayer
	if req.IPv6 {
		v6 := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      req.Dst.Addr().AsSlice(),
			DstIP:      req.Src.Addr().AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(v6); err != nil {
			return nil, err
		}
		ip = v6
	} else {
		v4 := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    req.Dst.Addr().AsSlice(),
			DstIP:    req.Src.Addr().AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(v4); err != nil {
			return nil, err
		}
		ip = v4
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize reply: %w", err)
	}
	return buf.Bytes(), nil
}
