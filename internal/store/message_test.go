package store

import (
	"net/netip"
	"testing"
	"time"

	"sipwatch/internal/core"
	"sipwatch/internal/dissect"
)

func addr(ip string, port uint16) core.Address {
	return core.Address{IP: netip.MustParseAddr(ip), Port: port}
}

func sipMsg(callID string, cseq int, raw string, ts time.Time) *dissect.SIPMessage {
	return &dissect.SIPMessage{
		Timestamp: ts,
		Src:       addr("10.0.0.1", 5060),
		Dst:       addr("10.0.0.2", 5060),
		IsRequest: true,
		Method:    dissect.MethodINVITE,
		CallID:    callID,
		CSeqNum:   cseq,
		Raw:       []byte(raw),
	}
}

// S4 — initial-transaction test (spec.md §4.4's backward CSeq scan).
func TestMessage_IsInitialTransaction(t *testing.T) {
	s := NewStorage(DefaultStorageConfig())
	base := time.Now()

	invite := sipMsg("xyz@h", 1, "INVITE sip:bob SIP/2.0\r\n\r\n", base)
	_, msg1 := s.IngestSIP(invite)
	if !msg1.IsInitialTransaction() {
		t.Fatal("expected the first message of a call to start its own transaction")
	}

	// Retransmitted INVITE: same CSeq, same source — not a new transaction.
	retransInvite := sipMsg("xyz@h", 1, "INVITE sip:bob SIP/2.0\r\n\r\n", base.Add(time.Millisecond))
	_, msg2 := s.IngestSIP(retransInvite)
	if msg2.IsInitialTransaction() {
		t.Fatal("expected retransmitted request to not be flagged as an initial transaction")
	}

	// 200 OK response: same CSeq, arriving from the INVITE's destination —
	// belongs to the INVITE's transaction, not a new one.
	okResp := &dissect.SIPMessage{
		Timestamp:  base.Add(2 * time.Millisecond),
		Src:        addr("10.0.0.2", 5060),
		Dst:        addr("10.0.0.1", 5060),
		IsRequest:  false,
		StatusCode: 200,
		CallID:     "xyz@h",
		CSeqNum:    1,
		Raw:        []byte("SIP/2.0 200 OK\r\n\r\n"),
	}
	_, msg3 := s.IngestSIP(okResp)
	if msg3.IsInitialTransaction() {
		t.Fatal("expected the INVITE's response to not be flagged as an initial transaction")
	}

	// BYE: new CSeq — starts a new transaction.
	bye := sipMsg("xyz@h", 2, "BYE sip:bob SIP/2.0\r\nCSeq: 2 BYE\r\n\r\n", base.Add(3*time.Millisecond))
	_, msg4 := s.IngestSIP(bye)
	if !msg4.IsInitialTransaction() {
		t.Fatal("expected the BYE to start a new transaction")
	}
}

// S5 — retransmission detection.
func TestMessage_IsRetrans(t *testing.T) {
	s := NewStorage(DefaultStorageConfig())
	base := time.Now()

	m1 := sipMsg("abc@h", 1, "INVITE sip:bob SIP/2.0\r\n\r\n", base)
	call, msg1 := s.IngestSIP(m1)
	if call == nil {
		t.Fatal("expected call to be created")
	}

	// Identical payload resent — same src/dst, same raw bytes.
	m2 := sipMsg("abc@h", 1, "INVITE sip:bob SIP/2.0\r\n\r\n", base.Add(time.Second))
	_, msg2 := s.IngestSIP(m2)

	retrans := msg2.IsRetrans()
	if retrans != msg1 {
		t.Fatalf("expected msg2 to be a retransmission of msg1, got %v", retrans)
	}

	// Different CSeq (different raw content) must not be flagged.
	m3 := sipMsg("abc@h", 2, "INVITE sip:bob SIP/2.0\r\nCSeq: 2 INVITE\r\n\r\n", base.Add(2*time.Second))
	_, msg3 := s.IngestSIP(m3)
	if got := msg3.IsRetrans(); got != nil {
		t.Fatalf("expected no retransmission match, got %v", got)
	}
}
