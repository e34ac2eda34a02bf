package dissect

import (
	"encoding/binary"
	"fmt"

	"sipwatch/internal/core"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8

	ethHeaderLen = 14
	vlanTagLen   = 4
)

// LinkDissector parses Ethernet II framing, including single and
// double-tagged (QinQ) VLANs, following the teacher's decodeEthernet.
type LinkDissector struct{}

// NewLinkDissector constructs the link-layer dissector.
func NewLinkDissector() *LinkDissector { return &LinkDissector{} }

func (d *LinkDissector) ProtoID() core.ProtoID { return core.ProtoLink }

func (d *LinkDissector) Children() []core.ProtoID {
	return []core.ProtoID{core.ProtoIP}
}

func (d *LinkDissector) Init(p *Parser) error   { return nil }
func (d *LinkDissector) Deinit(p *Parser)       {}
func (d *LinkDissector) Free(p *Parser, pkt *core.Packet) {}

// Dissect consumes the 14-byte Ethernet header plus any VLAN tags and
// records EthernetHeader on the packet.
func (d *LinkDissector) Dissect(p *Parser, pkt *core.Packet, data []byte) ([]byte, bool, error) {
	if len(data) < ethHeaderLen {
		return nil, false, fmt.Errorf("dissect: link frame too short (%d bytes)", len(data))
	}

	eth := core.EthernetHeader{}
	copy(eth.DstMAC[:], data[0:6])
	copy(eth.SrcMAC[:], data[6:12])

	off := 12
	etherType := binary.BigEndian.Uint16(data[off : off+2])
	off += 2

	for etherType == etherTypeVLAN || etherType == etherTypeQinQ {
		if len(data) < off+vlanTagLen {
			return nil, false, fmt.Errorf("dissect: truncated VLAN tag")
		}
		tci := binary.BigEndian.Uint16(data[off : off+2])
		eth.VLANs = append(eth.VLANs, tci&0x0FFF)
		off += 2
		etherType = binary.BigEndian.Uint16(data[off : off+2])
		off += 2
	}

	eth.EtherType = etherType

	if err := pkt.SetAttr(core.ProtoLink, eth); err != nil {
		return nil, false, err
	}

	switch etherType {
	case etherTypeIPv4, etherTypeIPv6:
		return data[off:], true, nil
	default:
		// Recognized link framing, but no supported L3 protocol follows.
		return nil, true, nil
	}
}
