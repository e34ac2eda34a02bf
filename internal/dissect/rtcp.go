package dissect

import (
	"encoding/binary"
	"time"

	"sipwatch/internal/core"
)

const (
	rtcpPayloadTypeMin = 200
	rtcpPayloadTypeMax = 209
	rtcpMinLength      = 8
)

// RTCPPacketEvent is one dissected RTCP packet.
type RTCPPacketEvent struct {
	Timestamp   time.Time
	Src, Dst    core.Address
	PayloadType uint8
	SSRC        uint32
}

// RTCPHandler receives each dissected RTCP packet.
type RTCPHandler func(ev RTCPPacketEvent)

// RTCPDissector parses the 8-byte RTCP common header. RTCP is distinguished
// from RTP by payload-type values 200–209 (RFC 3550 §6.4 / RFC 5761),
// following the teacher's handleRTCP.
type RTCPDissector struct {
	handler RTCPHandler
}

func NewRTCPDissector(handler RTCPHandler) *RTCPDissector {
	return &RTCPDissector{handler: handler}
}

func (d *RTCPDissector) ProtoID() core.ProtoID           { return core.ProtoRTCP }
func (d *RTCPDissector) Children() []core.ProtoID        { return nil }
func (d *RTCPDissector) Init(p *Parser) error            { return nil }
func (d *RTCPDissector) Deinit(p *Parser)                {}
func (d *RTCPDissector) Free(p *Parser, pkt *core.Packet) {}

func (d *RTCPDissector) Dissect(p *Parser, pkt *core.Packet, data []byte) ([]byte, bool, error) {
	if len(data) < rtcpMinLength {
		return nil, false, nil
	}

	version := (data[0] >> 6) & 0x3
	if version != 2 {
		return nil, false, nil
	}

	pt := data[1] // unmasked — RTCP uses the full byte for PT (RFC 3550 §6.4)
	if pt < rtcpPayloadTypeMin || pt > rtcpPayloadTypeMax {
		return nil, false, nil
	}

	ev := RTCPPacketEvent{
		PayloadType: pt,
		SSRC:        binary.BigEndian.Uint32(data[4:8]),
		Timestamp:   pkt.Timestamp(),
	}
	fillAddresses(pkt, &ev.Src, &ev.Dst)

	if err := pkt.SetAttr(core.ProtoRTCP, ev); err != nil {
		return nil, false, err
	}

	if d.handler != nil {
		d.handler(ev)
	}

	return nil, true, nil
}
