package dissect

import (
	"encoding/binary"

	"sipwatch/internal/core"
)

const udpHeaderLen = 8

// UDPDissector parses the 8-byte UDP header and passes the payload to its
// children unchanged — UDP carries whole datagrams, so there is nothing to
// buffer or reorder, unlike TCP.
type UDPDissector struct{}

func NewUDPDissector() *UDPDissector { return &UDPDissector{} }

func (d *UDPDissector) ProtoID() core.ProtoID { return core.ProtoUDP }

func (d *UDPDissector) Children() []core.ProtoID {
	return []core.ProtoID{core.ProtoSIP, core.ProtoRTCP, core.ProtoRTP}
}

func (d *UDPDissector) Init(p *Parser) error              { return nil }
func (d *UDPDissector) Deinit(p *Parser)                  {}
func (d *UDPDissector) Free(p *Parser, pkt *core.Packet)  {}

func (d *UDPDissector) Dissect(p *Parser, pkt *core.Packet, data []byte) ([]byte, bool, error) {
	if len(data) < udpHeaderLen {
		return nil, false, core.ErrPacketTooShort
	}

	srcPort := binary.BigEndian.Uint16(data[0:2])
	dstPort := binary.BigEndian.Uint16(data[2:4])
	length := int(binary.BigEndian.Uint16(data[4:6]))

	end := len(data)
	if length >= udpHeaderLen && length <= len(data) {
		end = length
	}

	th := core.TransportHeader{SrcPort: srcPort, DstPort: dstPort, Protocol: 17}
	if err := pkt.SetAttr(core.ProtoUDP, th); err != nil {
		return nil, false, err
	}

	return data[udpHeaderLen:end], true, nil
}
