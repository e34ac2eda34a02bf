// Package core defines core data structures with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
	"time"
)

// RawPacket is captured from the network interface or a replay source
// before any decoding takes place.
type RawPacket struct {
	Data           []byte
	Timestamp      time.Time
	CaptureLen     uint32
	OrigLen        uint32
	InterfaceIndex int
}

// Frame is one captured wire transmission: the raw bytes the source handed
// us, its capture timestamp and the interface it arrived on. A Packet may
// fold several Frames together (IP fragment reassembly) so that the message
// built from a reassembled datagram still carries every wire capture that
// produced it.
type Frame struct {
	Data      []byte
	Timestamp time.Time
	Interface int
}

// NewFrame wraps a RawPacket as a Frame.
func NewFrame(raw RawPacket) *Frame {
	return &Frame{
		Data:      raw.Data,
		Timestamp: raw.Timestamp,
		Interface: raw.InterfaceIndex,
	}
}

// Packet is the dissector tree's working unit: an ordered list of Frames
// plus a per-layer attribute map keyed by protocol id, reference counted
// because it is shared between the Message it eventually attaches to and
// any reassembly table still holding a pointer to it.
//
// Packet is not safe for concurrent use; the single-threaded dispatch loop
// (see internal/engine) is its only writer at any given time.
type Packet struct {
	Frames []*Frame
	attrs  map[ProtoID]any
	refs   int
}

// NewPacket creates a Packet owning a single Frame with refcount 1.
func NewPacket(f *Frame) *Packet {
	return &Packet{
		Frames: []*Frame{f},
		attrs:  make(map[ProtoID]any, ProtoCount),
		refs:   1,
	}
}

// AddFrame folds another Frame into the packet — used when IP reassembly
// completes and the emitted datagram must carry every fragment's capture
// record.
func (p *Packet) AddFrame(f *Frame) {
	p.Frames = append(p.Frames, f)
}

// Ref increments the reference count. Call once per new owner (a Message,
// a reassembly table entry) before handing the Packet out.
func (p *Packet) Ref() {
	p.refs++
}

// Unref decrements the reference count and returns the value after
// decrementing. Callers that bring it to zero must not retain the Packet;
// the caller that owns the last reference is responsible for calling
// Free.
func (p *Packet) Unref() int {
	p.refs--
	return p.refs
}

// Refs reports the current reference count.
func (p *Packet) Refs() int {
	return p.refs
}

// Free drops the packet's attribute map and frame list, releasing the
// backing byte slices for garbage collection. It is the Go analogue of the
// dissector framework's free(parser, packet) hook — called once refcount
// reaches zero.
func (p *Packet) Free() {
	p.Frames = nil
	p.attrs = nil
}

// SetAttr attaches a dissector's layer state to the packet. A protocol may
// attach state at most once per packet; a second call returns an error
// rather than overwriting (the data model's "each protocol appears at most
// once" invariant).
func (p *Packet) SetAttr(id ProtoID, v any) error {
	if p.attrs == nil {
		p.attrs = make(map[ProtoID]any, ProtoCount)
	}
	if _, exists := p.attrs[id]; exists {
		return fmt.Errorf("core: protocol %s already attached to packet", id)
	}
	p.attrs[id] = v
	return nil
}

// Attr retrieves the layer state a dissector attached for the given
// protocol id, if any.
func (p *Packet) Attr(id ProtoID) (any, bool) {
	if p.attrs == nil {
		return nil, false
	}
	v, ok := p.attrs[id]
	return v, ok
}

// Timestamp returns the timestamp of the first contributing Frame — the
// moment the datagram (or its first fragment) was captured.
func (p *Packet) Timestamp() time.Time {
	if len(p.Frames) == 0 {
		return time.Time{}
	}
	return p.Frames[0].Timestamp
}

// DecodedPacket is the result of L2-L4 protocol stack decoding performed by
// the external capture collaborator (internal/capture) before a packet
// enters the dissector tree.
type DecodedPacket struct {
	Timestamp   time.Time
	Ethernet    EthernetHeader
	IP          IPHeader
	Transport   TransportHeader
	Payload     []byte
	Reassembled bool
}

// OutputPacket is the final, flattened representation of a dissected and
// correlated packet, ready for a Reporter (e.g. the HEP encoder) or the
// call/message query API.
type OutputPacket struct {
	TaskID      string
	AgentID     string
	PipelineID  int
	Timestamp   time.Time
	SrcIP       netip.Addr
	DstIP       netip.Addr
	SrcPort     uint16
	DstPort     uint16
	Protocol    uint8
	Labels      Labels
	PayloadType string
	Payload     any
	RawPayload  []byte
}
