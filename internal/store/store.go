// Package store implements the call/dialog correlation engine: ingesting
// dissected SIP messages and RTP/RTCP stream events into Calls, indexed by
// Call-ID and X-Call-ID, with SDP-driven endpoint binding and capacity
// eviction. Grounded on original_source/src/storage/{message.c,group.h} for
// entity semantics — this component has no direct teacher analogue, since
// the teacher is a stateless forwarding pipeline with no call-correlation
// layer (see DESIGN.md).
package store

import (
	"log/slog"
	"net/netip"
	"time"

	"sipwatch/internal/core"
	"sipwatch/internal/dissect"
)

// endpointKey is the SDP fan-out index key — a bare address:port, matched
// against RTP/RTCP packet endpoints regardless of which side (local/remote)
// advertised it.
type endpointKey struct {
	ip   netip.Addr
	port uint16
}

// StorageConfig configures ingestion and eviction policy, following
// spec.md §6's `sip.noincomplete`, `capture.limit`, `capture.rotate`
// settings and the teacher's BackpressureConfig shape (internal/config's
// capacity/drop-policy pattern) for a bounded-container config surface.
type StorageConfig struct {
	// Limit bounds the total number of Calls; on overflow, the oldest
	// non-pinned Call is evicted. Default 20000 (spec.md §4.8).
	Limit int

	// Rotate toggles whether eviction logs (true) or stays silent (false).
	Rotate bool

	// NoIncomplete, when true, only dialog-creating methods may start a new
	// Call — a stray response or mid-dialog request with no matching
	// Call-ID is dropped (spec.md §4.8 ingestion rule 3). When false, any
	// message may start a new (possibly incomplete) Call.
	NoIncomplete bool

	// DialogCreatingMethods lists the methods allowed to create a new Call
	// when NoIncomplete is set. Defaults to spec.md §4.8's named set.
	DialogCreatingMethods map[dissect.SIPMethod]bool

	// StreamIdleTimeout is the inactivity bound for RTP/RTCP streams
	// (spec.md §4.6). Storage keeps it but does not read it: Storage has no
	// sweep and never expires streams; Stream.Idle takes a timeout argument.
	StreamIdleTimeout time.Duration
}

// DefaultStorageConfig matches spec.md §4.8's defaults.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Limit:        20000,
		NoIncomplete: true,
		DialogCreatingMethods: map[dissect.SIPMethod]bool{
			dissect.MethodINVITE:    true,
			dissect.MethodREGISTER:  true,
			dissect.MethodSUBSCRIBE: true,
			dissect.MethodNOTIFY:    true,
			dissect.MethodOPTIONS:   true,
			dissect.MethodPUBLISH:   true,
			dissect.MethodMESSAGE:   true,
			dissect.MethodINFO:      true,
			dissect.MethodREFER:     true,
			dissect.MethodUPDATE:    true,
		},
		StreamIdleTimeout: 2 * time.Minute,
	}
}

// Storage is the loop-owned call/dialog store. Per spec.md §5, it is
// exclusively mutated by the single dispatch loop; readers (the UI, the
// query API) take a snapshot between dispatches rather than locking.
type Storage struct {
	cfg StorageConfig

	byID  map[string]*Call
	byXID map[string]*Call // X-Call-ID → Call, many keys may point at the same Call
	order []*Call          // arrival order, also Call.ArrivalIdx's source of truth

	endpoints map[endpointKey]*Call
	streams   map[streamKey]*Stream

	groups map[*CallGroup]struct{}

	changed        bool
	lastDisplayed  map[string]bool
	arrivalCounter int
}

// NewStorage constructs an empty Storage.
func NewStorage(cfg StorageConfig) *Storage {
	return &Storage{
		cfg:       cfg,
		byID:      make(map[string]*Call),
		byXID:     make(map[string]*Call),
		endpoints: make(map[endpointKey]*Call),
		streams:   make(map[streamKey]*Stream),
		groups:    make(map[*CallGroup]struct{}),
	}
}

// IngestSIP applies spec.md §4.8's ingestion rules to msg, returning the
// Call it was attached to (nil if dropped) and the Message wrapper.
func (s *Storage) IngestSIP(msg *dissect.SIPMessage) (*Call, *Message) {
	call, ok := s.byID[msg.CallID]
	if !ok {
		if !s.shouldCreate(msg) {
			return nil, nil // rule 3: drop
		}
		call = newCall(msg.CallID, msg.Method, msg.Timestamp)
		call.ArrivalIdx = s.arrivalCounter
		s.arrivalCounter++
		s.byID[msg.CallID] = call
		s.order = append(s.order, call)
		s.evictIfNeeded()
	}

	m := &Message{SIP: msg, Arrival: msg.Timestamp}
	call.append(m)

	if msg.XCallID != "" {
		s.linkCrossCall(call, msg.XCallID)
	}

	if len(msg.SDP) > 0 {
		s.registerEndpoints(call, msg.SDP)
	}

	s.changed = true
	return call, m
}

// shouldCreate implements ingestion rule 2/3.
func (s *Storage) shouldCreate(msg *dissect.SIPMessage) bool {
	if !s.cfg.NoIncomplete {
		return true
	}
	return msg.IsRequest && s.cfg.DialogCreatingMethods[msg.Method]
}

// linkCrossCall resolves xcallID against the primary and secondary indexes
// and links bidirectionally — invariant 7.
func (s *Storage) linkCrossCall(call *Call, xcallID string) {
	target, ok := s.byID[xcallID]
	if !ok {
		target, ok = s.byXID[xcallID]
		if !ok {
			return
		}
	}
	linkXCall(call, target)
	s.byXID[xcallID] = target
	s.byXID[call.CallID] = call
}

// registerEndpoints fans each SDP media endpoint out into the endpoint→Call
// index, spec.md §4.8's "SDP fan-out".
func (s *Storage) registerEndpoints(call *Call, endpoints []dissect.MediaEndpoint) {
	for _, ep := range endpoints {
		key := endpointKey{ip: ep.Address, port: ep.Port}
		s.endpoints[key] = call
		if rtcp := ep.RTCPPort(); rtcp != 0 && rtcp != ep.Port {
			s.endpoints[endpointKey{ip: ep.Address, port: rtcp}] = call
		}
	}
}

// IngestRTP correlates an RTP packet event to a Call via the SDP endpoint
// index, creating or updating the Stream it belongs to.
func (s *Storage) IngestRTP(ev dissect.RTPPacketEvent) *Stream {
	key := streamKey{src: ev.Src, dst: ev.Dst, payloadType: ev.PayloadType, ssrc: ev.SSRC}
	return s.ingestStream(key, StreamRTP, ev.Timestamp, ev.Src, ev.Dst)
}

// IngestRTCP correlates an RTCP packet event the same way.
func (s *Storage) IngestRTCP(ev dissect.RTCPPacketEvent) *Stream {
	key := streamKey{src: ev.Src, dst: ev.Dst, payloadType: ev.PayloadType, ssrc: ev.SSRC}
	return s.ingestStream(key, StreamRTCP, ev.Timestamp, ev.Src, ev.Dst)
}

func (s *Storage) ingestStream(key streamKey, kind StreamKind, ts time.Time, src, dst core.Address) *Stream {
	st, ok := s.streams[key]
	if !ok {
		st = &Stream{Kind: kind, Src: src, Dst: dst, PayloadType: key.payloadType, SSRC: key.ssrc}
		s.streams[key] = st

		if call := s.lookupEndpoint(src); call != nil {
			st.Call = call
			call.Streams = append(call.Streams, st)
		} else if call := s.lookupEndpoint(dst); call != nil {
			st.Call = call
			call.Streams = append(call.Streams, st)
		}
	}
	st.touch(ts)
	s.changed = true
	return st
}

func (s *Storage) lookupEndpoint(addr core.Address) *Call {
	return s.endpoints[endpointKey{ip: addr.IP, port: addr.Port}]
}

// GetCall returns the Call for callID, checking the primary index first
// then the X-Call-ID secondary index.
func (s *Storage) GetCall(callID string) (*Call, bool) {
	if c, ok := s.byID[callID]; ok {
		return c, true
	}
	c, ok := s.byXID[callID]
	return c, ok
}

// ListCalls returns every Call matching f, sorted by key, stable with
// arrival-order tie-breaks. It is a pure function of storage state
// (invariant 8) — filtering/sorting never mutate Storage itself, aside
// from recording the result for ClearSoft/CallsStats's "displayed" notion.
func (s *Storage) ListCalls(f Filter, key SortKey) []*Call {
	var out []*Call
	for _, c := range s.order {
		if f.matches(c) {
			out = append(out, c)
		}
	}
	sortCalls(out, key)

	displayed := make(map[string]bool, len(out))
	for _, c := range out {
		displayed[c.CallID] = true
	}
	s.lastDisplayed = displayed

	return out
}

// CallsStats returns the total Call count and the count from the most
// recent ListCalls call (0 if ListCalls has never been called).
func (s *Storage) CallsStats() (total, displayed int) {
	return len(s.order), len(s.lastDisplayed)
}

// CallsChanged reports whether any ingestion has happened since the last
// call to CallsChanged — an edge-triggered dirty flag, per spec.md §6.
func (s *Storage) CallsChanged() bool {
	changed := s.changed
	s.changed = false
	return changed
}

// StreamCounts reports the current number of bound RTP and RTCP streams,
// for the engine's periodic metrics sweep.
func (s *Storage) StreamCounts() (rtp, rtcp int) {
	for _, st := range s.streams {
		if st.Kind == StreamRTP {
			rtp++
		} else {
			rtcp++
		}
	}
	return rtp, rtcp
}

// ClearAll drops every Call and every index.
func (s *Storage) ClearAll() {
	s.byID = make(map[string]*Call)
	s.byXID = make(map[string]*Call)
	s.order = nil
	s.endpoints = make(map[endpointKey]*Call)
	s.streams = make(map[streamKey]*Stream)
	s.lastDisplayed = nil
	s.changed = true
}

// ClearSoft drops every Call except those present in the most recent
// ListCalls result (spec.md §6's "retain currently displayed").
func (s *Storage) ClearSoft() {
	if s.lastDisplayed == nil {
		s.ClearAll()
		return
	}
	newOrder := s.order[:0:0]
	newByID := make(map[string]*Call)
	for _, c := range s.order {
		if s.lastDisplayed[c.CallID] {
			newOrder = append(newOrder, c)
			newByID[c.CallID] = c
		}
	}
	s.order = newOrder
	s.byID = newByID

	for k, c := range s.byXID {
		if !s.lastDisplayed[c.CallID] {
			delete(s.byXID, k)
		}
	}
	for k, c := range s.endpoints {
		if !s.lastDisplayed[c.CallID] {
			delete(s.endpoints, k)
		}
	}
	for k, st := range s.streams {
		if st.Call != nil && !s.lastDisplayed[st.Call.CallID] {
			delete(s.streams, k)
		}
	}
	s.changed = true
}

// registerGroup/unregisterGroup let a CallGroup mark its members pinned
// against capacity eviction.
func (s *Storage) registerGroup(g *CallGroup) {
	s.groups[g] = struct{}{}
}

func (s *Storage) unregisterGroup(g *CallGroup) {
	delete(s.groups, g)
}

func (s *Storage) isPinned(c *Call) bool {
	for g := range s.groups {
		if g.Exists(c) {
			return true
		}
	}
	return false
}

// evictIfNeeded drops the oldest non-pinned Call once the store exceeds
// cfg.Limit — spec.md §4.8's capacity policy.
func (s *Storage) evictIfNeeded() {
	if s.cfg.Limit <= 0 || len(s.byID) <= s.cfg.Limit {
		return
	}
	for i, c := range s.order {
		if s.isPinned(c) {
			continue
		}
		s.order = append(s.order[:i], s.order[i+1:]...)
		delete(s.byID, c.CallID)
		for k, v := range s.byXID {
			if v == c {
				delete(s.byXID, k)
			}
		}
		for k, v := range s.endpoints {
			if v == c {
				delete(s.endpoints, k)
			}
		}
		if s.cfg.Rotate {
			slog.Info("call evicted on capacity overflow", "call_id", c.CallID, "limit", s.cfg.Limit)
		}
		return
	}
}
