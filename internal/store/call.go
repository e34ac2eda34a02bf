package store

import (
	"time"

	"sipwatch/internal/dissect"
)

// State is a Call's derived lifecycle state, per spec.md §4.8. It is never
// stored as primary state — it is recomputed from the message stream as
// each message is ingested.
type State int

const (
	StateUnknown State = iota
	StateSetup
	StateInCall
	StateCompleted
	StateCancelled
	StateRejected
	StateBusy
	StateDiverted
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "CALL_SETUP"
	case StateInCall:
		return "IN_CALL"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	case StateRejected:
		return "REJECTED"
	case StateBusy:
		return "BUSY"
	case StateDiverted:
		return "DIVERTED"
	default:
		return "UNKNOWN"
	}
}

// Call groups every Message and Stream belonging to one SIP dialog (or,
// for a dialog-less request such as a stray OPTIONS, to one Call-ID).
// Grounded on original_source/src/storage/storage.h's Call entity:
// Call-ID identity, ordered message list, cross-call link set.
type Call struct {
	CallID string

	// InitialMethod is the method of the message that created this Call —
	// it selects which state-machine branch applyTransition follows.
	InitialMethod dissect.SIPMethod

	Messages []*Message
	Streams  []*Stream

	State State

	// XCalls holds every Call this one is linked to via X-Call-ID, in both
	// directions — invariant 7 requires b ∈ a.XCalls ⟺ a ∈ b.XCalls.
	XCalls map[string]*Call

	CreatedAt  time.Time
	ArrivalIdx int // position in Storage's arrival-ordered list, for stable sort tie-breaks
}

func newCall(callID string, method dissect.SIPMethod, createdAt time.Time) *Call {
	return &Call{
		CallID:        callID,
		InitialMethod: method,
		XCalls:        make(map[string]*Call),
		CreatedAt:     createdAt,
	}
}

// append adds msg to the call's message list (invariant 2: non-decreasing
// timestamp order is the caller's responsibility — Storage only ever
// appends messages in arrival order, which the single-threaded dispatch
// loop's in-source ordering guarantee makes equivalent to timestamp order).
func (c *Call) append(m *Message) {
	m.Call = c
	m.index = len(c.Messages)
	c.Messages = append(c.Messages, m)
	c.applyTransition(m.SIP)
}

// applyTransition derives the next State from msg, following spec.md
// §4.8's state machine. INVITE dialogs get the full SETUP→IN_CALL→
// COMPLETED/CANCELLED/REJECTED/BUSY/DIVERTED machine; every other dialog
// type has a single-state lifecycle keyed on its first final response.
func (c *Call) applyTransition(msg *dissect.SIPMessage) {
	if c.InitialMethod != dissect.MethodINVITE {
		c.applyNonInviteTransition(msg)
		return
	}

	if msg.IsRequest {
		switch msg.Method {
		case dissect.MethodINVITE:
			if c.State == StateUnknown {
				c.State = StateSetup
			}
		case dissect.MethodCANCEL:
			if c.State == StateSetup {
				c.State = StateCancelled
			}
		case dissect.MethodBYE:
			c.State = StateCompleted
		}
		return
	}

	switch {
	case msg.StatusCode >= 180 && msg.StatusCode < 200:
		if c.State == StateUnknown {
			c.State = StateSetup
		}
	case msg.StatusCode >= 200 && msg.StatusCode < 300:
		// Only a 2xx answering the dialog's setup moves it to IN_CALL; a 2xx
		// to a later BYE or CANCEL leaves the state it reached in place.
		if c.State == StateUnknown || c.State == StateSetup {
			c.State = StateInCall
		}
	case msg.StatusCode == 486:
		c.State = StateBusy
	case msg.StatusCode >= 300 && msg.StatusCode < 400:
		c.State = StateDiverted
	case msg.StatusCode >= 400:
		c.State = StateRejected
	}
}

func (c *Call) applyNonInviteTransition(msg *dissect.SIPMessage) {
	if msg.IsRequest {
		if c.State == StateUnknown {
			c.State = StateSetup
		}
		return
	}
	switch {
	case msg.StatusCode >= 200 && msg.StatusCode < 300:
		c.State = StateCompleted
	case msg.StatusCode >= 400:
		c.State = StateRejected
	}
}

// linkXCall establishes a bidirectional cross-call link — invariant 7.
func linkXCall(a, b *Call) {
	if a == b || a == nil || b == nil {
		return
	}
	a.XCalls[b.CallID] = b
	b.XCalls[a.CallID] = a
}
