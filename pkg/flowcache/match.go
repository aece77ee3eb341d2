package flowcache

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"
)

// FieldMask records which Match fields are set. Unset fields are wildcards.
type FieldMask uint16

const (
	FieldInPort FieldMask = 1 << iota
	FieldEthSrc
	FieldEthDst
	FieldEthType
	FieldVLAN
	FieldIPSrc
	FieldIPDst
	FieldIPProto
	FieldTPSrc
	FieldTPDst
)

// MAC is a comparable ethernet address.
type MAC [6]byte

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

func ParseMAC(s string) (MAC, error) {
	var mac MAC
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != len(mac) {
		return mac, fmt.Errorf("%w: mac address %q", ErrInvalidArgument, s)
	}
	copy(mac[:], hw)
	return mac, nil
}

// Match is a partially wildcarded predicate over packet header fields. The
// zero Match matches every packet. Match values are comparable; use
// Normalize (or the With* setters) so that equal predicates compare equal.
type Match struct {
	Fields  FieldMask
	InPort  uint16
	EthSrc  MAC
	EthDst  MAC
	EthType layers.EthernetType
	VLAN    uint16
	IPSrc   netip.Prefix
	IPDst   netip.Prefix
	IPProto layers.IPProtocol
	TPSrc   uint16
	TPDst   uint16
}

func (m Match) Has(f FieldMask) bool {
	return m.Fields&f == f
}

func (m Match) IsWildcard() bool {
	return m.Fields == 0
}

func (m Match) WithInPort(port uint16) Match {
	m.Fields |= FieldInPort
	m.InPort = port
	return m
}

func (m Match) WithEthSrc(mac MAC) Match {
	m.Fields |= FieldEthSrc
	m.EthSrc = mac
	return m
}

func (m Match) WithEthDst(mac MAC) Match {
	m.Fields |= FieldEthDst
	m.EthDst = mac
	return m
}

func (m Match) WithEthType(t layers.EthernetType) Match {
	m.Fields |= FieldEthType
	m.EthType = t
	return m
}

func (m Match) WithVLAN(vid uint16) Match {
	m.Fields |= FieldVLAN
	m.VLAN = vid
	return m
}

func (m Match) WithIPSrc(p netip.Prefix) Match {
	m.Fields |= FieldIPSrc
	m.IPSrc = p.Masked()
	return m
}

func (m Match) WithIPDst(p netip.Prefix) Match {
	m.Fields |= FieldIPDst
	m.IPDst = p.Masked()
	return m
}

func (m Match) WithIPProto(p layers.IPProtocol) Match {
	m.Fields |= FieldIPProto
	m.IPProto = p
	return m
}

func (m Match) WithTPSrc(port uint16) Match {
	m.Fields |= FieldTPSrc
	m.TPSrc = port
	return m
}

func (m Match) WithTPDst(port uint16) Match {
	m.Fields |= FieldTPDst
	m.TPDst = port
	return m
}

// Normalize zeroes every unset field and masks address prefixes.
func (m Match) Normalize() Match {
	n := Match{Fields: m.Fields}
	if m.Has(FieldInPort) {
		n.InPort = m.InPort
	}
	if m.Has(FieldEthSrc) {
		n.EthSrc = m.EthSrc
	}
	if m.Has(FieldEthDst) {
		n.EthDst = m.EthDst
	}
	if m.Has(FieldEthType) {
		n.EthType = m.EthType
	}
	if m.Has(FieldVLAN) {
		n.VLAN = m.VLAN
	}
	if m.Has(FieldIPSrc) {
		n.IPSrc = m.IPSrc.Masked()
	}
	if m.Has(FieldIPDst) {
		n.IPDst = m.IPDst.Masked()
	}
	if m.Has(FieldIPProto) {
		n.IPProto = m.IPProto
	}
	if m.Has(FieldTPSrc) {
		n.TPSrc = m.TPSrc
	}
	if m.Has(FieldTPDst) {
		n.TPDst = m.TPDst
	}
	return n
}

// Covers reports whether every field set in m is also set in other with an
// equal value. Address fields use prefix containment.
func (m Match) Covers(other Match) bool {
	if m.Fields&^other.Fields != 0 {
		return false
	}
	switch {
	case m.Has(FieldInPort) && m.InPort != other.InPort:
		return false
	case m.Has(FieldEthSrc) && m.EthSrc != other.EthSrc:
		return false
	case m.Has(FieldEthDst) && m.EthDst != other.EthDst:
		return false
	case m.Has(FieldEthType) && m.EthType != other.EthType:
		return false
	case m.Has(FieldVLAN) && m.VLAN != other.VLAN:
		return false
	case m.Has(FieldIPSrc) && !prefixCovers(m.IPSrc, other.IPSrc):
		return false
	case m.Has(FieldIPDst) && !prefixCovers(m.IPDst, other.IPDst):
		return false
	case m.Has(FieldIPProto) && m.IPProto != other.IPProto:
		return false
	case m.Has(FieldTPSrc) && m.TPSrc != other.TPSrc:
		return false
	case m.Has(FieldTPDst) && m.TPDst != other.TPDst:
		return false
	}
	return true
}

func prefixCovers(outer, inner netip.Prefix) bool {
	if !outer.IsValid() || !inner.IsValid() {
		return outer == inner
	}
	return outer.Bits() <= inner.Bits() && outer.Contains(inner.Addr())
}

// String renders the match in ovs-ofctl style, e.g.
// dl_type=0x0800,nw_src=10.0.0.1/32,tp_dst=80. The wildcard match renders
// as "*".
func (m Match) String() string {
	var parts []string
	add := func(f FieldMask, key string, value func() string) {
		if m.Has(f) {
			parts = append(parts, key+"="+value())
		}
	}
	add(FieldInPort, "in_port", func() string { return strconv.Itoa(int(m.InPort)) })
	add(FieldEthSrc, "dl_src", m.EthSrc.String)
	add(FieldEthDst, "dl_dst", m.EthDst.String)
	add(FieldEthType, "dl_type", func() string { return fmt.Sprintf("0x%04x", uint16(m.EthType)) })
	add(FieldVLAN, "dl_vlan", func() string { return strconv.Itoa(int(m.VLAN)) })
	add(FieldIPSrc, "nw_src", m.IPSrc.String)
	add(FieldIPDst, "nw_dst", m.IPDst.String)
	add(FieldIPProto, "nw_proto", func() string { return strconv.Itoa(int(m.IPProto)) })
	add(FieldTPSrc, "tp_src", func() string { return strconv.Itoa(int(m.TPSrc)) })
	add(FieldTPDst, "tp_dst", func() string { return strconv.Itoa(int(m.TPDst)) })
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, ",")
}

var (
	ethTypeNames = map[string]layers.EthernetType{
		"arp":  layers.EthernetTypeARP,
		"ip":   layers.EthernetTypeIPv4,
		"ipv4": layers.EthernetTypeIPv4,
		"ipv6": layers.EthernetTypeIPv6,
		"vlan": layers.EthernetTypeDot1Q,
		"lldp": layers.EthernetTypeLinkLayerDiscovery,
	}
	ipProtoNames = map[string]layers.IPProtocol{
		"icmp":   layers.IPProtocolICMPv4,
		"icmpv6": layers.IPProtocolICMPv6,
		"tcp":    layers.IPProtocolTCP,
		"udp":    layers.IPProtocolUDP,
		"sctp":   layers.IPProtocolSCTP,
	}
)

// ParseMatch parses the String form. Ethernet types and IP protocols may
// also be given by name (ipv4, arp, tcp, udp, ...).
func ParseMatch(s string) (Match, error) {
	var m Match
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return m, nil
	}
	for _, part := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return Match{}, fmt.Errorf("%w: match term %q", ErrInvalidArgument, part)
		}
		var err error
		m, err = m.set(strings.TrimSpace(key), strings.TrimSpace(value))
		if err != nil {
			return Match{}, err
		}
	}
	return m, nil
}

func (m Match) set(key, value string) (Match, error) {
	invalid := func() (Match, error) {
		return Match{}, fmt.Errorf("%w: match field %s=%q", ErrInvalidArgument, key, value)
	}
	uint16Value := func() (uint16, bool) {
		v, err := strconv.ParseUint(value, 0, 16)
		return uint16(v), err == nil
	}
	switch key {
	case "in_port":
		v, ok := uint16Value()
		if !ok {
			return invalid()
		}
		return m.WithInPort(v), nil
	case "dl_src", "dl_dst":
		mac, err := ParseMAC(value)
		if err != nil {
			return invalid()
		}
		if key == "dl_src" {
			return m.WithEthSrc(mac), nil
		}
		return m.WithEthDst(mac), nil
	case "dl_type":
		if t, ok := ethTypeNames[strings.ToLower(value)]; ok {
			return m.WithEthType(t), nil
		}
		v, ok := uint16Value()
		if !ok {
			return invalid()
		}
		return m.WithEthType(layers.EthernetType(v)), nil
	case "dl_vlan":
		v, ok := uint16Value()
		if !ok || v > 4095 {
			return invalid()
		}
		return m.WithVLAN(v), nil
	case "nw_src", "nw_dst":
		p, err := parsePrefix(value)
		if err != nil {
			return invalid()
		}
		if key == "nw_src" {
			return m.WithIPSrc(p), nil
		}
		return m.WithIPDst(p), nil
	case "nw_proto":
		if p, ok := ipProtoNames[strings.ToLower(value)]; ok {
			return m.WithIPProto(p), nil
		}
		v, err := strconv.ParseUint(value, 0, 8)
		if err != nil {
			return invalid()
		}
		return m.WithIPProto(layers.IPProtocol(v)), nil
	case "tp_src":
		v, ok := uint16Value()
		if !ok {
			return invalid()
		}
		return m.WithTPSrc(v), nil
	case "tp_dst":
		v, ok := uint16Value()
		if !ok {
			return invalid()
		}
		return m.WithTPDst(v), nil
	}
	return Match{}, fmt.Errorf("%w: unknown match field %q", ErrInvalidArgument, key)
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

type matchJSON struct {
	InPort  *uint16 `json:"in_port,omitempty"`
	EthSrc  string  `json:"dl_src,omitempty"`
	EthDst  string  `json:"dl_dst,omitempty"`
	EthType *uint16 `json:"dl_type,omitempty"`
	VLAN    *uint16 `json:"dl_vlan,omitempty"`
	IPSrc   string  `json:"nw_src,omitempty"`
	IPDst   string  `json:"nw_dst,omitempty"`
	IPProto *uint8  `json:"nw_proto,omitempty"`
	TPSrc   *uint16 `json:"tp_src,omitempty"`
	TPDst   *uint16 `json:"tp_dst,omitempty"`
}

func (m Match) MarshalJSON() ([]byte, error) {
	var out matchJSON
	if m.Has(FieldInPort) {
		out.InPort = &m.InPort
	}
	if m.Has(FieldEthSrc) {
		out.EthSrc = m.EthSrc.String()
	}
	if m.Has(FieldEthDst) {
		out.EthDst = m.EthDst.String()
	}
	if m.Has(FieldEthType) {
		v := uint16(m.EthType)
		out.EthType = &v
	}
	if m.Has(FieldVLAN) {
		out.VLAN = &m.VLAN
	}
	if m.Has(FieldIPSrc) {
		out.IPSrc = m.IPSrc.String()
	}
	if m.Has(FieldIPDst) {
		out.IPDst = m.IPDst.String()
	}
	if m.Has(FieldIPProto) {
		v := uint8(m.IPProto)
		out.IPProto = &v
	}
	if m.Has(FieldTPSrc) {
		out.TPSrc = &m.TPSrc
	}
	if m.Has(FieldTPDst) {
		out.TPDst = &m.TPDst
	}
	return json.Marshal(out)
}

func (m *Match) UnmarshalJSON(data []byte) error {
	var in matchJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	var next Match
	if in.InPort != nil {
		next = next.WithInPort(*in.InPort)
	}
	if in.EthSrc != "" {
		mac, err := ParseMAC(in.EthSrc)
		if err != nil {
			return err
		}
		next = next.WithEthSrc(mac)
	}
	if in.EthDst != "" {
		mac, err := ParseMAC(in.EthDst)
		if err != nil {
			return err
		}
		next = next.WithEthDst(mac)
	}
	if in.EthType != nil {
		next = next.WithEthType(layers.EthernetType(*in.EthType))
	}
	if in.VLAN != nil {
		if *in.VLAN > 4095 {
			return fmt.Errorf("%w: dl_vlan %d", ErrInvalidArgument, *in.VLAN)
		}
		next = next.WithVLAN(*in.VLAN)
	}
	if in.IPSrc != "" {
		p, err := parsePrefix(in.IPSrc)
		if err != nil {
			return fmt.Errorf("%w: nw_src %q", ErrInvalidArgument, in.IPSrc)
		}
		next = next.WithIPSrc(p)
	}
	if in.IPDst != "" {
		p, err := parsePrefix(in.IPDst)
		if err != nil {
			return fmt.Errorf("%w: nw_dst %q", ErrInvalidArgument, in.IPDst)
		}
		next = next.WithIPDst(p)
	}
	if in.IPProto != nil {
		next = next.WithIPProto(layers.IPProtocol(*in.IPProto))
	}
	if in.TPSrc != nil {
		next = next.WithTPSrc(*in.TPSrc)
	}
	if in.TPDst != nil {
		next = next.WithTPDst(*in.TPDst)
	}
	*m = next
	return nil
}
