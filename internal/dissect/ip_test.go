package dissect

import (
	"encoding/binary"
	"testing"
	"time"

	"sipwatch/internal/core"
)

// buildIPv4Fragment constructs a minimal 20-byte IPv4 header plus payload.
func buildIPv4Fragment(id uint16, fragOffsetBytes int, payload []byte, moreFragments bool) []byte {
	totalLen := 20 + len(payload)
	buf := make([]byte, totalLen)
	buf[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(buf[4:6], id)

	flagsOffset := uint16(fragOffsetBytes / 8)
	if moreFragments {
		flagsOffset |= 0x2000
	}
	binary.BigEndian.PutUint16(buf[6:8], flagsOffset)
	buf[9] = 17 // UDP
	copy(buf[12:16], []byte{10, 0, 0, 1})
	copy(buf[16:20], []byte{10, 0, 0, 2})
	copy(buf[20:], payload)
	return buf
}

func newTestIPParser(t *testing.T) (*Parser, *IPDissector) {
	t.Helper()
	ipDiss := NewIPDissector(DefaultIPConfig())
	udpDiss := NewUDPDissector()
	sipDiss := NewSIPDissector(DefaultSIPConfig(), nil, nil)

	p, err := NewParser(core.ProtoIP, nil, ipDiss, udpDiss, sipDiss)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	return p, ipDiss
}

func TestIPReassembly_ThreeFragments(t *testing.T) {
	// S2: split a payload into three fragments at offsets 0/1480/1960.
	total := 2000 // UDP header (8) + SIP body, mirroring the spec's scenario size
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	frag1 := payload[0:1480]
	frag2 := payload[1480:1960]
	frag3 := payload[1960:total]

	ipDiss := NewIPDissector(DefaultIPConfig())

	var reassembled []byte
	captured := false
	udpDiss := &capturingUDP{onPayload: func(b []byte) { reassembled = b; captured = true }}

	p, err := NewParser(core.ProtoIP, nil, ipDiss, udpDiss)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}

	now := time.Now()
	pkt1 := core.NewPacket(core.NewFrame(core.RawPacket{Timestamp: now}))
	pkt2 := core.NewPacket(core.NewFrame(core.RawPacket{Timestamp: now}))
	pkt3 := core.NewPacket(core.NewFrame(core.RawPacket{Timestamp: now}))

	if err := p.Dispatch(pkt1, buildIPv4Fragment(42, 0, frag1, true)); err != nil {
		t.Fatalf("dispatch frag1: %v", err)
	}
	if captured {
		t.Fatal("reassembly completed too early after frag1")
	}
	if err := p.Dispatch(pkt2, buildIPv4Fragment(42, 1480, frag2, true)); err != nil {
		t.Fatalf("dispatch frag2: %v", err)
	}
	if captured {
		t.Fatal("reassembly completed too early after frag2")
	}
	if err := p.Dispatch(pkt3, buildIPv4Fragment(42, 1960, frag3, false)); err != nil {
		t.Fatalf("dispatch frag3: %v", err)
	}
	if !captured {
		t.Fatal("expected reassembly to complete after the final fragment")
	}
	if len(reassembled) != total {
		t.Fatalf("expected reassembled length %d, got %d", total, len(reassembled))
	}
	for i, b := range reassembled {
		if b != payload[i] {
			t.Fatalf("byte mismatch at offset %d: want %d got %d", i, payload[i], b)
		}
	}

	// Invariant: the emitting packet folds in every contributing frame.
	if len(pkt3.Frames) != 3 {
		t.Fatalf("expected 3 folded frames, got %d", len(pkt3.Frames))
	}
}

func TestIPReassembly_OverlapLastWriterWins(t *testing.T) {
	// The spec requires last-writer-wins on overlap, the opposite of the
	// BSD-Right algorithm this was ported from.
	ipDiss := NewIPDissector(DefaultIPConfig())

	var reassembled []byte
	udpDiss := &capturingUDP{onPayload: func(b []byte) { reassembled = b }}

	p, err := NewParser(core.ProtoIP, nil, ipDiss, udpDiss)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}

	now := time.Now()
	older := make([]byte, 16)
	for i := range older {
		older[i] = 0xAA
	}
	newer := make([]byte, 16)
	for i := range newer {
		newer[i] = 0xBB
	}

	pkt1 := core.NewPacket(core.NewFrame(core.RawPacket{Timestamp: now}))
	pkt2 := core.NewPacket(core.NewFrame(core.RawPacket{Timestamp: now}))

	// Fragment 1: bytes [0,16) = 0xAA, more fragments.
	if err := p.Dispatch(pkt1, buildIPv4Fragment(7, 0, older, true)); err != nil {
		t.Fatalf("dispatch frag1: %v", err)
	}
	// Fragment 2: bytes [8,24) = 0xBB, overlapping [8,16) with frag1, last fragment.
	overlapping := append(newer, make([]byte, 8)...)
	if err := p.Dispatch(pkt2, buildIPv4Fragment(7, 8, overlapping, false)); err != nil {
		t.Fatalf("dispatch frag2: %v", err)
	}

	if reassembled == nil {
		t.Fatal("expected reassembly to complete")
	}
	// Bytes [8,16) must come from the later fragment (0xBB), not the
	// earlier one (0xAA).
	for i := 8; i < 16; i++ {
		if reassembled[i] != 0xBB {
			t.Fatalf("byte %d: expected last-writer-wins (0xBB), got 0x%02X", i, reassembled[i])
		}
	}
	for i := 0; i < 8; i++ {
		if reassembled[i] != 0xAA {
			t.Fatalf("byte %d: expected untouched earlier data (0xAA), got 0x%02X", i, reassembled[i])
		}
	}
}

func TestIPReassembly_Sweep(t *testing.T) {
	ipDiss := NewIPDissector(IPConfig{ReassemblyTimeout: time.Second, MaxFragments: 10})
	udpDiss := &capturingUDP{}

	p, err := NewParser(core.ProtoIP, nil, ipDiss, udpDiss)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}

	now := time.Now()
	pkt := core.NewPacket(core.NewFrame(core.RawPacket{Timestamp: now}))
	payload := make([]byte, 8)
	if err := p.Dispatch(pkt, buildIPv4Fragment(99, 0, payload, true)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(ipDiss.flows) != 1 {
		t.Fatalf("expected 1 pending flow, got %d", len(ipDiss.flows))
	}

	ipDiss.Sweep(now.Add(2 * time.Second))
	if len(ipDiss.flows) != 0 {
		t.Fatalf("expected expired flow to be swept, got %d remaining", len(ipDiss.flows))
	}
}

// capturingUDP is a test stand-in for UDPDissector that records the
// payload IP hands it, standing in for the "child that terminates
// dispatch" role.
type capturingUDP struct {
	onPayload func([]byte)
}

func (c *capturingUDP) ProtoID() core.ProtoID    { return core.ProtoUDP }
func (c *capturingUDP) Children() []core.ProtoID { return nil }
func (c *capturingUDP) Init(p *Parser) error     { return nil }
func (c *capturingUDP) Deinit(p *Parser)         {}
func (c *capturingUDP) Free(p *Parser, pkt *core.Packet) {}

func (c *capturingUDP) Dissect(p *Parser, pkt *core.Packet, data []byte) ([]byte, bool, error) {
	if c.onPayload != nil {
		c.onPayload(data)
	}
	return nil, true, nil
}
