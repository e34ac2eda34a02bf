package dissect

import (
	"encoding/binary"
	"testing"
	"time"

	"sipwatch/internal/core"
)

func buildTCPSegment(srcPort, dstPort uint16, seq uint32, flags byte, payload []byte) []byte {
	buf := make([]byte, 20+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	buf[12] = 5 << 4 // data offset, no options
	buf[13] = flags
	copy(buf[20:], payload)
	return buf
}

func newTestTCPParser(t *testing.T) (*Parser, *TCPDissector) {
	t.Helper()
	tcpDiss := NewTCPDissector(time.Minute)
	var captured []*SIPMessage
	sipDiss := NewSIPDissector(DefaultSIPConfig(), func(m *SIPMessage) { captured = append(captured, m) }, nil)
	p, err := NewParser(core.ProtoTCP, nil, tcpDiss, sipDiss)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	_ = captured
	return p, tcpDiss
}

func TestTCPDissector_SIPSplitAcrossTwoSegments(t *testing.T) {
	raw := buildInvite("split-test@host", "")
	mid := len(raw) / 2

	var messages []*SIPMessage
	sipDiss := NewSIPDissector(DefaultSIPConfig(), func(m *SIPMessage) { messages = append(messages, m) }, nil)
	tcpDiss := NewTCPDissector(time.Minute)
	p, err := NewParser(core.ProtoTCP, nil, tcpDiss, sipDiss)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}

	now := time.Now()
	seg1 := buildTCPSegment(5060, 5060, 1000, 0, []byte(raw[:mid]))
	seg2 := buildTCPSegment(5060, 5060, uint32(1000+mid), 0, []byte(raw[mid:]))

	pkt1 := core.NewPacket(core.NewFrame(core.RawPacket{Timestamp: now}))
	pkt1.SetAttr(core.ProtoIP, core.IPHeader{})
	if err := p.Dispatch(pkt1, seg1); err != nil {
		t.Fatalf("dispatch seg1: %v", err)
	}
	if len(messages) != 0 {
		t.Fatal("expected no message extracted from the first half alone")
	}

	pkt2 := core.NewPacket(core.NewFrame(core.RawPacket{Timestamp: now}))
	pkt2.SetAttr(core.ProtoIP, core.IPHeader{})
	if err := p.Dispatch(pkt2, seg2); err != nil {
		t.Fatalf("dispatch seg2: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message after the stream completed, got %d", len(messages))
	}
	if messages[0].CallID != "split-test@host" {
		t.Fatalf("unexpected call-id: %q", messages[0].CallID)
	}
}

func TestTCPDissector_OutOfOrderSegmentBuffered(t *testing.T) {
	raw := buildInvite("ooo-test@host", "")
	mid := len(raw) / 2

	var messages []*SIPMessage
	sipDiss := NewSIPDissector(DefaultSIPConfig(), func(m *SIPMessage) { messages = append(messages, m) }, nil)
	tcpDiss := NewTCPDissector(time.Minute)
	p, err := NewParser(core.ProtoTCP, nil, tcpDiss, sipDiss)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}

	now := time.Now()
	seg1 := buildTCPSegment(5060, 5060, 2000, 0, []byte(raw[:mid]))
	seg2 := buildTCPSegment(5060, 5060, uint32(2000+mid), 0, []byte(raw[mid:]))

	// Deliver the second segment first — it should be stashed, not dropped.
	pkt2 := core.NewPacket(core.NewFrame(core.RawPacket{Timestamp: now}))
	pkt2.SetAttr(core.ProtoIP, core.IPHeader{})
	if err := p.Dispatch(pkt2, seg2); err != nil {
		t.Fatalf("dispatch seg2: %v", err)
	}
	if len(messages) != 0 {
		t.Fatal("expected no message before the gap is filled")
	}

	pkt1 := core.NewPacket(core.NewFrame(core.RawPacket{Timestamp: now}))
	pkt1.SetAttr(core.ProtoIP, core.IPHeader{})
	if err := p.Dispatch(pkt1, seg1); err != nil {
		t.Fatalf("dispatch seg1: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected the gap-filling segment to drain the stash, got %d messages", len(messages))
	}
}

func TestTCPDissector_RSTClearsFlow(t *testing.T) {
	p, tcpDiss := newTestTCPParser(t)
	now := time.Now()

	pkt := core.NewPacket(core.NewFrame(core.RawPacket{Timestamp: now}))
	pkt.SetAttr(core.ProtoIP, core.IPHeader{})
	seg := buildTCPSegment(5060, 5060, 1, tcpFlagRST, nil)
	if err := p.Dispatch(pkt, seg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(tcpDiss.flows) != 0 {
		t.Fatalf("expected RST to clear the flow table, got %d entries", len(tcpDiss.flows))
	}
}

func TestTCPDissector_SweepDropsIdleFlows(t *testing.T) {
	tcpDiss := NewTCPDissector(time.Second)
	sipDiss := NewSIPDissector(DefaultSIPConfig(), nil, nil)
	p, err := NewParser(core.ProtoTCP, nil, tcpDiss, sipDiss)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}

	now := time.Now()
	pkt := core.NewPacket(core.NewFrame(core.RawPacket{Timestamp: now}))
	pkt.SetAttr(core.ProtoIP, core.IPHeader{})
	seg := buildTCPSegment(5060, 5060, 1, 0, []byte("x"))
	if err := p.Dispatch(pkt, seg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(tcpDiss.flows) != 1 {
		t.Fatalf("expected 1 flow, got %d", len(tcpDiss.flows))
	}

	tcpDiss.Sweep(now.Add(2 * time.Second))
	if len(tcpDiss.flows) != 0 {
		t.Fatalf("expected idle flow to be swept, got %d remaining", len(tcpDiss.flows))
	}
}
