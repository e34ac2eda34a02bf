package dissect

import (
	"encoding/binary"
	"time"

	"sipwatch/internal/core"
)

const (
	rtpMinLength = 12 // fixed RTP header size, RFC 3550 §5.1
)

// RTPPacketEvent is one dissected RTP packet, identified by
// (src, dst, payload_type, ssrc) per spec.md §4.6. The stream this packet
// belongs to is created unbound; internal/store attempts to bind it to a
// Call via the SDP endpoint index.
type RTPPacketEvent struct {
	Timestamp   time.Time
	Src, Dst    core.Address
	PayloadType uint8
	SSRC        uint32
	Seq         uint16
	RTPTime     uint32
	Marker      bool
	Extension   bool
}

// RTPHandler receives each dissected RTP packet.
type RTPHandler func(ev RTPPacketEvent)

// RTPDissector parses the fixed 12-byte RTP header, following the
// teacher's plugins/parser/rtp/rtp.go handleRTP (V=2 check, marker and
// extension bit extraction, sequence/timestamp/SSRC fields).
type RTPDissector struct {
	handler RTPHandler
}

func NewRTPDissector(handler RTPHandler) *RTPDissector {
	return &RTPDissector{handler: handler}
}

func (d *RTPDissector) ProtoID() core.ProtoID           { return core.ProtoRTP }
func (d *RTPDissector) Children() []core.ProtoID        { return nil }
func (d *RTPDissector) Init(p *Parser) error            { return nil }
func (d *RTPDissector) Deinit(p *Parser)                {}
func (d *RTPDissector) Free(p *Parser, pkt *core.Packet) {}

func (d *RTPDissector) Dissect(p *Parser, pkt *core.Packet, data []byte) ([]byte, bool, error) {
	if len(data) < rtpMinLength {
		return nil, false, nil
	}

	version := (data[0] >> 6) & 0x3
	if version != 2 {
		return nil, false, nil
	}

	if data[1] >= rtcpPayloadTypeMin && data[1] <= rtcpPayloadTypeMax {
		// RTCP's payload-type range (checked on the unmasked byte 1)
		// overlaps what an RTP node would otherwise accept; defer to the
		// RTCP dissector.
		return nil, false, nil
	}
	pt := data[1] & 0x7F

	ev := RTPPacketEvent{
		Marker:      data[1]&0x80 != 0,
		Extension:   data[0]&0x10 != 0,
		PayloadType: pt,
		Seq:         binary.BigEndian.Uint16(data[2:4]),
		RTPTime:     binary.BigEndian.Uint32(data[4:8]),
		SSRC:        binary.BigEndian.Uint32(data[8:12]),
		Timestamp:   pkt.Timestamp(),
	}
	fillAddresses(pkt, &ev.Src, &ev.Dst)

	if err := pkt.SetAttr(core.ProtoRTP, ev); err != nil {
		return nil, false, err
	}

	if d.handler != nil {
		d.handler(ev)
	}

	return nil, true, nil
}

func fillAddresses(pkt *core.Packet, src, dst *core.Address) {
	if ip, ok := pkt.Attr(core.ProtoIP); ok {
		if iph, ok := ip.(core.IPHeader); ok {
			src.IP, dst.IP = iph.SrcIP, iph.DstIP
		}
	}
	if th, ok := pkt.Attr(core.ProtoUDP); ok {
		setPorts(src, dst, th)
	}
}
