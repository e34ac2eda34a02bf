package store

import (
	"time"

	"sipwatch/internal/dissect"
)

// Message wraps one dissected SIP message with its place in a Call's
// chronological history. Grounded on original_source/src/storage/message.c's
// Message entity — msg_get_call, msg_is_retrans, msg_is_initial_transaction
// and msg_get_time are re-expressed below as Call/IsRetrans/
// IsInitialTransaction/Arrival.
type Message struct {
	SIP     *dissect.SIPMessage
	Call    *Call
	Arrival time.Time

	// index is this message's position in Call.Messages, set at append
	// time — used by IsRetrans and IsInitialTransaction to scan backwards
	// without a linear search through the whole call.
	index int
}

// Time returns the capture timestamp of the underlying SIP message,
// following message.c's msg_get_time.
func (m *Message) Time() time.Time {
	return m.Arrival
}

// IsInitialTransaction reports whether m starts a new transaction:
// scanning backwards through the Call's messages with the same CSeq
// number, no earlier request message from the same source address (or
// to the same destination, for responses) exists — message.c's
// msg_is_initial_transaction, re-expressed as a backward scan over
// Call.Messages (mirroring IsRetrans's own backward-index loop) instead
// of the original's forward GPtrArray walk.
func (m *Message) IsInitialTransaction() bool {
	if m.Call == nil {
		return true
	}
	for i := m.index - 1; i >= 0; i-- {
		prev := m.Call.Messages[i]
		if !prev.SIP.IsRequest {
			continue
		}
		if prev.SIP.CSeqNum != m.SIP.CSeqNum {
			continue
		}
		if m.SIP.IsRequest {
			if prev.SIP.Src.Equal(m.SIP.Src) {
				return false
			}
		} else if prev.SIP.Dst.Equal(m.SIP.Src) {
			return false
		}
	}
	return true
}

// IsRetrans reports whether an earlier message in the same Call has the
// same source/destination address pair and identical raw bytes — the
// retransmission test from message.c's msg_is_retrans, scanning backwards
// from the message immediately before m.
func (m *Message) IsRetrans() *Message {
	if m.Call == nil {
		return nil
	}
	for i := m.index - 1; i >= 0; i-- {
		prev := m.Call.Messages[i]
		if !prev.SIP.Src.Equal(m.SIP.Src) || !prev.SIP.Dst.Equal(m.SIP.Dst) {
			continue
		}
		if string(prev.SIP.Raw) == string(m.SIP.Raw) {
			return prev
		}
	}
	return nil
}
