package dnsproxy

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"dnsgate/internal/core"
)

// ServerMapper maps the synthetic resolver addresses advertised on the tunnel
// onto the real upstream resolvers. One synthetic address is allocated per
// upstream from a configured IPv4 range, starting at base+1 (the network
// address stays reserved). The mapping is immutable once constructed, so it
// can be read from any goroutine without synchronization.
type ServerMapper struct {
	synthetic []netip.Addr
	upstreams []netip.Addr
	toReal    map[netip.Addr]netip.Addr
}

// NewServerMapper builds the synthetic-to-real mapping. The first upstream is
// the default; it also serves as the watchdog probe target.
func NewServerMapper(upstreams []netip.Addr, syntheticCIDR netip.Prefix) (*ServerMapper, error) {
	if len(upstreams) == 0 {
		return nil, fmt.Errorf("mapper: no upstream resolvers")
	}
	if !syntheticCIDR.Addr().Is4() {
		return nil, fmt.Errorf("mapper: synthetic range %s is not IPv4", syntheticCIDR)
	}
	capacity := 1 << (32 - syntheticCIDR.Bits())
	if len(upstreams) > capacity-2 {
		return nil, fmt.Errorf("mapper: range %s too small for %d upstreams",
			syntheticCIDR, len(upstreams))
	}

	m := &ServerMapper{
		synthetic: make([]netip.Addr, 0, len(upstreams)),
		upstreams: upstreams,
		toReal:    make(map[netip.Addr]netip.Addr, len(upstreams)),
	}
	base := binary.BigEndian.Uint32(syntheticCIDR.Addr().AsSlice())
	for i, real := range upstreams {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], base+uint32(i)+1)
		fake := netip.AddrFrom4(b)
		m.synthetic = append(m.synthetic, fake)
		m.toReal[fake] = real
		core.Log.Infof("DNS", "Resolver mapping %s -> %s", fake, real)
	}
	return m, nil
}

// Upstream returns the real resolver for a synthetic address.
func (m *ServerMapper) Upstream(synthetic netip.Addr) (netip.Addr, bool) {
	real, ok := m.toReal[synthetic.Unmap()]
	return real, ok
}

// Default returns the primary upstream resolver. Stable for the mapper's
// lifetime.
func (m *ServerMapper) Default() netip.Addr {
	return m.upstreams[0]
}

// SyntheticAddrs returns the addresses to advertise on the tunnel, in
// upstream order.
func (m *ServerMapper) SyntheticAddrs() []netip.Addr {
	out := make([]netip.Addr, len(m.synthetic))
	copy(out, m.synthetic)
	return out
}
