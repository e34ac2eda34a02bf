package store

import (
	"time"

	"sipwatch/internal/core"
)

// StreamKind distinguishes an RTP media stream from its RTCP control
// counterpart.
type StreamKind int

const (
	StreamRTP StreamKind = iota
	StreamRTCP
)

// streamKey identifies one RTP/RTCP stream per spec.md §4.6:
// (src, dst, payload_type, ssrc).
type streamKey struct {
	src, dst    core.Address
	payloadType uint8
	ssrc        uint32
}

// Stream is a correlated RTP or RTCP media stream. It is created unbound
// (Call is nil) the moment the first packet for its key is seen; Storage
// binds it to a Call once the packet's addresses match an SDP-advertised
// endpoint (spec.md §4.6/§4.8 SDP fan-out).
type Stream struct {
	Kind        StreamKind
	Src, Dst    core.Address
	PayloadType uint8
	SSRC        uint32
	Codec       string

	Call *Call

	PacketCount int
	FirstSeen   time.Time
	LastSeen    time.Time
}

// touch records one more packet on the stream and advances LastSeen.
func (s *Stream) touch(ts time.Time) {
	if s.PacketCount == 0 {
		s.FirstSeen = ts
	}
	s.LastSeen = ts
	s.PacketCount++
}

// Idle reports whether the stream has seen no packets within timeout of
// now — the inactivity condition spec.md §4.6 names for stream expiry.
func (s *Stream) Idle(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastSeen) > timeout
}
