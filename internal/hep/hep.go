// Package hep implements the HEP (Homer Encapsulation Protocol) wire codec,
// both v3 (TLV chunks) and v2 (fixed layout), in both directions.
//
// HEPv3 frame layout:
//
//	Offset  Size  Description
//	------  ----  -----------
//	0       4     Magic: "HEP3"
//	4       2     Total frame length (big-endian uint16, includes these 6 bytes)
//	6       …     Chunks (variable count)
//
// Each chunk:
//
//	0  2   Vendor ID  (uint16, 0x0000 = HOMER standard)
//	2  2   Chunk type (uint16)
//	4  2   Total chunk length including this 6-byte header (uint16)
//	6  …   Value (length−6 bytes)
//
// HEPv2 is a fixed-layout UDP-only predecessor with no chunk headers at all;
// see decodeV2/encodeV2 for the field order.
package hep

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"sipwatch/internal/core"
)

const (
	hepMagicV3 = "HEP3"

	chunkHeaderLen = 6
	vendorHOMER    = uint16(0x0000)
)

// Standard chunk type IDs (vendor 0x0000).
const (
	chunkIPFamily  = uint16(1)
	chunkIPProto   = uint16(2)
	chunkSrcIPv4   = uint16(3)
	chunkDstIPv4   = uint16(4)
	chunkSrcIPv6   = uint16(5)
	chunkDstIPv6   = uint16(6)
	chunkSrcPort   = uint16(7)
	chunkDstPort   = uint16(8)
	chunkTimeSec   = uint16(9)
	chunkTimeUsec  = uint16(10)
	chunkProtoType = uint16(11)
	chunkCaptureID = uint16(12)
	chunkAuthKey   = uint16(14)
	chunkPayload   = uint16(15)
	chunkCorrID    = uint16(17)
	chunkNodeName  = uint16(19)

	chunkFrom = uint16(48)
	chunkTo   = uint16(49)
)

// IP-family values used in chunk 1 / HEPv2's fixed family byte.
const (
	ipFamilyV4 = uint8(2)
	ipFamilyV6 = uint8(10)
)

// Protocol-type values used in chunk 11.
const (
	ProtoTypeSIP  = uint8(1)
	ProtoTypeRTP  = uint8(5)
	ProtoTypeRTCP = uint8(8)
	ProtoTypeJSON = uint8(100)
)

// Version selects which HEP wire layout Encode/Decode use.
type Version int

const (
	V2 Version = 2
	V3 Version = 3
)

// EncodeOptions carries per-frame knobs that come from the forwarding
// collaborator's configuration (see internal/config).
type EncodeOptions struct {
	Version   Version
	CaptureID uint32
	AuthKey   string
	NodeName  string // ignored for v2 — no such field exists in the fixed layout
}

// Decoded is the synthetic packet a Decode call produces, ready to be
// injected at the root of a side parser tree rooted at the SIP, RTP or
// RTCP dissector that matches ProtoType (spec.md §4.7).
type Decoded struct {
	Version    Version
	Family     uint8 // ipFamilyV4/ipFamilyV6
	Protocol   uint8 // IP protocol (6=TCP, 17=UDP)
	SrcIP      netip.Addr
	DstIP      netip.Addr
	SrcPort    uint16
	DstPort    uint16
	ProtoType  uint8
	CaptureID  uint32
	AuthKey    string
	NodeName   string
	CorrID     string
	From       string
	To         string
	Timestamp  time.Time
	Payload    []byte
}

// Encode serializes pkt as a HEP frame in the layout opts.Version selects.
// The caller owns the returned slice.
func Encode(pkt *core.OutputPacket, opts EncodeOptions) ([]byte, error) {
	if pkt == nil {
		return nil, fmt.Errorf("hep: nil packet")
	}
	switch opts.Version {
	case V2, 0: // zero value defaults to v2, matching "fixed layout" being the simpler wire format
		return encodeV2(pkt, opts)
	case V3:
		return encodeV3(pkt, opts)
	default:
		return nil, fmt.Errorf("%w: %d", core.ErrHEPUnsupportedVersion, opts.Version)
	}
}

// Decode inspects the banner of data and dispatches to the v2 or v3 decoder.
// On a banner/length mismatch it returns ErrHEPBannerMismatch; callers are
// expected to log and drop per spec.md §4.7's "reject silently" rule rather
// than propagate the error upward.
func Decode(data []byte) (*Decoded, error) {
	if len(data) >= 4 && string(data[0:4]) == hepMagicV3 {
		return decodeV3(data)
	}
	return decodeV2(data)
}

// ─── v3 encode ──────────────────────────────────────────────────────────────

func encodeV3(pkt *core.OutputPacket, opts EncodeOptions) ([]byte, error) {
	buf := make([]byte, 0, 512+len(pkt.RawPayload))

	buf = append(buf, hepMagicV3...)
	buf = append(buf, 0, 0) // length placeholder, back-filled below

	ipFamily := ipFamilyV4
	if pkt.SrcIP.Is6() {
		ipFamily = ipFamilyV6
	}
	buf = appendUint8(buf, chunkIPFamily, ipFamily)
	buf = appendUint8(buf, chunkIPProto, pkt.Protocol)

	if ipFamily == ipFamilyV4 {
		src4 := pkt.SrcIP.As4()
		dst4 := pkt.DstIP.As4()
		buf = appendBytes(buf, chunkSrcIPv4, src4[:])
		buf = appendBytes(buf, chunkDstIPv4, dst4[:])
	} else {
		src6 := pkt.SrcIP.As16()
		dst6 := pkt.DstIP.As16()
		buf = appendBytes(buf, chunkSrcIPv6, src6[:])
		buf = appendBytes(buf, chunkDstIPv6, dst6[:])
	}

	buf = appendUint16(buf, chunkSrcPort, pkt.SrcPort)
	buf = appendUint16(buf, chunkDstPort, pkt.DstPort)

	ts := pkt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	buf = appendUint32(buf, chunkTimeSec, uint32(ts.Unix()))
	buf = appendUint32(buf, chunkTimeUsec, uint32(ts.Nanosecond()/1_000))

	buf = appendUint8(buf, chunkProtoType, resolveProtoType(pkt.PayloadType))
	buf = appendUint32(buf, chunkCaptureID, opts.CaptureID)

	if opts.AuthKey != "" {
		buf = appendBytes(buf, chunkAuthKey, []byte(opts.AuthKey))
	}
	if len(pkt.RawPayload) > 0 {
		buf = appendBytes(buf, chunkPayload, pkt.RawPayload)
	}
	if cid := resolveCorrelationID(pkt); cid != "" {
		buf = appendBytes(buf, chunkCorrID, []byte(cid))
	}
	if opts.NodeName != "" {
		buf = appendBytes(buf, chunkNodeName, []byte(opts.NodeName))
	}
	if from := resolveFrom(pkt); from != "" {
		buf = appendBytes(buf, chunkFrom, []byte(from))
	}
	if to := resolveTo(pkt); to != "" {
		buf = appendBytes(buf, chunkTo, []byte(to))
	}

	if len(buf) > 0xFFFF {
		return nil, fmt.Errorf("hep: frame too large (%d bytes, max 65535)", len(buf))
	}
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(buf)))

	return buf, nil
}

// ─── v3 decode ──────────────────────────────────────────────────────────────

func decodeV3(data []byte) (*Decoded, error) {
	if len(data) < 6 || string(data[0:4]) != hepMagicV3 {
		return nil, core.ErrHEPBannerMismatch
	}
	totalLen := int(binary.BigEndian.Uint16(data[4:6]))
	if totalLen < 6 || totalLen > len(data) {
		return nil, core.ErrHEPBannerMismatch
	}

	d := &Decoded{Version: V3}
	var srcPort, dstPort uint32
	var tsSec, tsUsec uint32
	var srcIPv4, dstIPv4 [4]byte
	var srcIPv6, dstIPv6 [16]byte
	var haveV6 bool

	off := 6
	for off+chunkHeaderLen <= totalLen {
		chunkType := binary.BigEndian.Uint16(data[off+2 : off+4])
		chunkLen := int(binary.BigEndian.Uint16(data[off+4 : off+6]))
		if chunkLen < chunkHeaderLen || off+chunkLen > totalLen {
			return nil, core.ErrHEPBannerMismatch
		}
		value := data[off+chunkHeaderLen : off+chunkLen]

		switch chunkType {
		case chunkIPFamily:
			if len(value) == 1 {
				d.Family = value[0]
			}
		case chunkIPProto:
			if len(value) == 1 {
				d.Protocol = value[0]
			}
		case chunkSrcIPv4:
			copy(srcIPv4[:], value)
		case chunkDstIPv4:
			copy(dstIPv4[:], value)
		case chunkSrcIPv6:
			copy(srcIPv6[:], value)
			haveV6 = true
		case chunkDstIPv6:
			copy(dstIPv6[:], value)
			haveV6 = true
		case chunkSrcPort:
			if len(value) == 2 {
				srcPort = uint32(binary.BigEndian.Uint16(value))
			}
		case chunkDstPort:
			if len(value) == 2 {
				dstPort = uint32(binary.BigEndian.Uint16(value))
			}
		case chunkTimeSec:
			if len(value) == 4 {
				tsSec = binary.BigEndian.Uint32(value)
			}
		case chunkTimeUsec:
			if len(value) == 4 {
				tsUsec = binary.BigEndian.Uint32(value)
			}
		case chunkProtoType:
			if len(value) == 1 {
				d.ProtoType = value[0]
			}
		case chunkCaptureID:
			if len(value) == 4 {
				d.CaptureID = binary.BigEndian.Uint32(value)
			}
		case chunkAuthKey:
			d.AuthKey = string(value)
		case chunkPayload:
			d.Payload = append([]byte(nil), value...)
		case chunkCorrID:
			d.CorrID = string(value)
		case chunkNodeName:
			d.NodeName = string(value)
		case chunkFrom:
			d.From = string(value)
		case chunkTo:
			d.To = string(value)
		}

		off += chunkLen
	}

	if haveV6 {
		d.SrcIP = netip.AddrFrom16(srcIPv6)
		d.DstIP = netip.AddrFrom16(dstIPv6)
	} else {
		d.SrcIP = netip.AddrFrom4(srcIPv4)
		d.DstIP = netip.AddrFrom4(dstIPv4)
	}
	d.SrcPort = uint16(srcPort)
	d.DstPort = uint16(dstPort)
	d.Timestamp = time.Unix(int64(tsSec), int64(tsUsec)*1000)

	return d, nil
}

// ─── v2 encode / decode ─────────────────────────────────────────────────────
//
// HEPv2 has no chunk headers: a fixed-size header followed immediately by
// the payload. Field order per the HEP specification (Design Notes §9 Open
// Question — v2 follows the spec directly, since the teacher never
// implements it):
//
//	0  2  family   (uint16 BE: 2=IPv4, 10=IPv6)
//	2  2  proto    (uint16 BE)
//	4  2  srcPort  (uint16 BE)
//	6  2  dstPort  (uint16 BE)
//	8  4  srcIP    (4 bytes for IPv4; IPv6 extends this header — see below)
//	12 4  dstIP
//	16 4  tsSec    (uint32 BE)
//	20 4  tsUsec   (uint32 BE)
//	24 4  captureID (uint32 BE)
//	28 …  payload
//
// IPv6 addresses widen the srcIP/dstIP fields to 16 bytes each, shifting the
// timestamp/captureID/payload offsets accordingly; the family field
// disambiguates which layout follows.
const (
	hepV2HeaderLenV4 = 28
	hepV2HeaderLenV6 = 52
)

func encodeV2(pkt *core.OutputPacket, opts EncodeOptions) ([]byte, error) {
	ipFamily := ipFamilyV4
	if pkt.SrcIP.Is6() {
		ipFamily = ipFamilyV6
	}

	headerLen := hepV2HeaderLenV4
	if ipFamily == ipFamilyV6 {
		headerLen = hepV2HeaderLenV6
	}

	buf := make([]byte, headerLen, headerLen+len(pkt.RawPayload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(ipFamily))
	binary.BigEndian.PutUint16(buf[2:4], uint16(pkt.Protocol))
	binary.BigEndian.PutUint16(buf[4:6], pkt.SrcPort)
	binary.BigEndian.PutUint16(buf[6:8], pkt.DstPort)

	off := 8
	if ipFamily == ipFamilyV4 {
		src4 := pkt.SrcIP.As4()
		dst4 := pkt.DstIP.As4()
		copy(buf[off:off+4], src4[:])
		off += 4
		copy(buf[off:off+4], dst4[:])
		off += 4
	} else {
		src6 := pkt.SrcIP.As16()
		dst6 := pkt.DstIP.As16()
		copy(buf[off:off+16], src6[:])
		off += 16
		copy(buf[off:off+16], dst6[:])
		off += 16
	}

	ts := pkt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(ts.Unix()))
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(ts.Nanosecond()/1_000))
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], opts.CaptureID)
	off += 4

	buf = append(buf, pkt.RawPayload...)
	return buf, nil
}

func decodeV2(data []byte) (*Decoded, error) {
	if len(data) < 8 {
		return nil, core.ErrHEPBannerMismatch
	}
	family := binary.BigEndian.Uint16(data[0:2])
	if family != uint16(ipFamilyV4) && family != uint16(ipFamilyV6) {
		return nil, core.ErrHEPBannerMismatch
	}

	headerLen := hepV2HeaderLenV4
	if family == uint16(ipFamilyV6) {
		headerLen = hepV2HeaderLenV6
	}
	if len(data) < headerLen {
		return nil, core.ErrHEPBannerMismatch
	}

	d := &Decoded{Version: V2, Family: uint8(family)}
	d.Protocol = uint8(binary.BigEndian.Uint16(data[2:4]))
	d.SrcPort = binary.BigEndian.Uint16(data[4:6])
	d.DstPort = binary.BigEndian.Uint16(data[6:8])

	off := 8
	if family == uint16(ipFamilyV4) {
		var src4, dst4 [4]byte
		copy(src4[:], data[off:off+4])
		off += 4
		copy(dst4[:], data[off:off+4])
		off += 4
		d.SrcIP = netip.AddrFrom4(src4)
		d.DstIP = netip.AddrFrom4(dst4)
	} else {
		var src6, dst6 [16]byte
		copy(src6[:], data[off:off+16])
		off += 16
		copy(dst6[:], data[off:off+16])
		off += 16
		d.SrcIP = netip.AddrFrom16(src6)
		d.DstIP = netip.AddrFrom16(dst6)
	}

	tsSec := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	tsUsec := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	d.Timestamp = time.Unix(int64(tsSec), int64(tsUsec)*1000)

	d.CaptureID = binary.BigEndian.Uint32(data[off : off+4])
	off += 4

	d.Payload = append([]byte(nil), data[off:]...)
	return d, nil
}

// ─── Resolution helpers ─────────────────────────────────────────────────────

func resolveProtoType(payloadType string) uint8 {
	switch payloadType {
	case "sip":
		return ProtoTypeSIP
	case "rtp":
		return ProtoTypeRTP
	case "rtcp":
		return ProtoTypeRTCP
	case "json":
		return ProtoTypeJSON
	default:
		return 0
	}
}

func resolveFrom(pkt *core.OutputPacket) string {
	if v := pkt.Labels[core.LabelSIPFromURI]; v != "" {
		return v
	}
	return fmt.Sprintf("%s:%d", pkt.SrcIP, pkt.SrcPort)
}

func resolveTo(pkt *core.OutputPacket) string {
	if v := pkt.Labels[core.LabelSIPToURI]; v != "" {
		return v
	}
	return fmt.Sprintf("%s:%d", pkt.DstIP, pkt.DstPort)
}

func resolveCorrelationID(pkt *core.OutputPacket) string {
	if v := pkt.Labels[core.LabelSIPCallID]; v != "" {
		return v
	}
	if v := pkt.Labels[core.LabelRTPCallID]; v != "" {
		return v
	}
	return pkt.TaskID
}

// ─── Low-level v3 chunk builders ────────────────────────────────────────────

func appendChunkHeader(buf []byte, chunkType uint16, valueLen int) []byte {
	var h [chunkHeaderLen]byte
	binary.BigEndian.PutUint16(h[0:2], vendorHOMER)
	binary.BigEndian.PutUint16(h[2:4], chunkType)
	binary.BigEndian.PutUint16(h[4:6], uint16(chunkHeaderLen+valueLen))
	return append(buf, h[:]...)
}

func appendBytes(buf []byte, chunkType uint16, value []byte) []byte {
	buf = appendChunkHeader(buf, chunkType, len(value))
	return append(buf, value...)
}

func appendUint8(buf []byte, chunkType uint16, value uint8) []byte {
	buf = appendChunkHeader(buf, chunkType, 1)
	return append(buf, value)
}

func appendUint16(buf []byte, chunkType uint16, value uint16) []byte {
	buf = appendChunkHeader(buf, chunkType, 2)
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], value)
	return append(buf, v[:]...)
}

func appendUint32(buf []byte, chunkType uint16, value uint32) []byte {
	buf = appendChunkHeader(buf, chunkType, 4)
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], value)
	return append(buf, v[:]...)
}
