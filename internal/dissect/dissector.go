// Package dissect implements the protocol dissector tree: a parser built at
// startup from a root protocol, dispatching each captured frame through
// Link/IP/UDP/TCP/SIP/SDP/RTP/RTCP dissectors in registration order.
package dissect

import (
	"fmt"

	"sipwatch/internal/core"
)

// Dissector is one node's behavior in the tree: it consumes its protocol's
// header from the front of data, attaches layer state to pkt, and reports
// whether it recognized the data and what bytes remain for its children.
//
// A Dissector is constructed once per Parser and reused across every frame
// the parser processes; Init/Deinit bracket the Parser's lifetime, while
// Dissect/Free are called once per packet.
type Dissector interface {
	// ProtoID returns this dissector's protocol identity.
	ProtoID() core.ProtoID

	// Children lists the protocol ids this dissector may hand off to, in
	// the order they should be tried. The list is static; NewParser drops
	// disabled or unregistered children from it when it builds the tree.
	Children() []core.ProtoID

	// Init prepares per-parser private state (e.g. a reassembly table).
	// Called once when the Parser is built.
	Init(p *Parser) error

	// Deinit releases per-parser private state. Called once when the
	// Parser is torn down.
	Deinit(p *Parser)

	// Dissect consumes this protocol's header from data, attaches its
	// layer state to pkt, and returns the remaining bytes to offer to
	// children. matched reports whether this dissector recognized the
	// data at all; when matched is false, the framework tries the next
	// sibling dissector instead. When matched is true and remaining is
	// empty, dispatch stops — the packet is fully consumed at this node
	// (a leaf, or a node whose children could not be satisfied yet, e.g.
	// TCP waiting for more bytes).
	Dissect(p *Parser, pkt *core.Packet, data []byte) (remaining []byte, matched bool, err error)

	// Free releases any per-packet state Dissect attached, called once
	// the packet's refcount reaches zero.
	Free(p *Parser, pkt *core.Packet)
}

// Parser holds the dissector-instance vector, the tree shape resolved at
// construction time, and the dispatch cursor.
type Parser struct {
	root       core.ProtoID
	dissectors [core.ProtoCount]Dissector
	children   [core.ProtoCount][]core.ProtoID
	current    core.ProtoID
}

// NewParser builds a Parser rooted at root from the given dissectors.
// Each dissector's Children() is filtered against enabled — a protocol
// absent from enabled (or false in enabled) is never added as a tree node,
// matching the spec's "disabled protocols are absent from the tree
// entirely" rule: Children() is consulted once, here, not at dispatch
// time.
func NewParser(root core.ProtoID, enabled map[core.ProtoID]bool, dissectors ...Dissector) (*Parser, error) {
	p := &Parser{root: root}

	for _, d := range dissectors {
		id := d.ProtoID()
		if p.dissectors[id] != nil {
			return nil, fmt.Errorf("dissect: duplicate dissector registered for %s", id)
		}
		p.dissectors[id] = d
	}

	for _, d := range dissectors {
		id := d.ProtoID()
		var kids []core.ProtoID
		for _, child := range d.Children() {
			if enabled != nil && !enabled[child] {
				continue
			}
			if p.dissectors[child] == nil {
				continue
			}
			kids = append(kids, child)
		}
		p.children[id] = kids
	}

	if p.dissectors[root] == nil {
		return nil, fmt.Errorf("dissect: root protocol %s has no dissector", root)
	}

	for _, d := range dissectors {
		if err := d.Init(p); err != nil {
			return nil, fmt.Errorf("dissect: init %s: %w", d.ProtoID(), err)
		}
	}

	return p, nil
}

// Close tears down every dissector's per-parser state.
func (p *Parser) Close() {
	for _, d := range p.dissectors {
		if d != nil {
			d.Deinit(p)
		}
	}
}

// Dissector returns the dissector instance registered for id, if any —
// used by dissectors that need to reach another node directly (e.g. TCP
// offering its reassembled stream buffer to the SIP dissector).
func (p *Parser) Dissector(id core.ProtoID) Dissector {
	return p.dissectors[id]
}

// Dispatch runs a frame through the tree starting at the root, returning
// the first error any dissector on the path reported. The cursor tracks the
// currently-active node purely for diagnostics — dispatch itself is plain
// recursion, since the dissector tree has no shared mutable dispatch state
// beyond the per-parser tables each dissector owns.
func (p *Parser) Dispatch(pkt *core.Packet, data []byte) error {
	p.current = p.root
	_, err := p.dissectOne(p.root, pkt, data)
	return err
}

// DispatchChildren tries id's children against data, in registration
// order, stopping at the first one that matches. It is exposed so a
// dissector that completes asynchronous work inside its own Dissect call
// (IP fragment reassembly finishing on a later frame than it started on)
// can resume dispatch into its children directly, rather than returning
// "remaining" bytes for the generic recursion to pick up on a packet that
// has already returned from the call stack that owns it.
func (p *Parser) DispatchChildren(id core.ProtoID, pkt *core.Packet, data []byte) (bool, error) {
	for _, child := range p.children[id] {
		ok, err := p.dissectOne(child, pkt, data)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (p *Parser) dissectOne(id core.ProtoID, pkt *core.Packet, data []byte) (consumed bool, err error) {
	d := p.dissectors[id]
	if d == nil {
		return false, fmt.Errorf("dissect: no dissector registered for %s", id)
	}

	p.current = id
	remaining, matched, err := d.Dissect(p, pkt, data)
	if err != nil || !matched {
		return false, err
	}
	if len(remaining) == 0 {
		return true, nil
	}

	for _, child := range p.children[id] {
		ok, err := p.dissectOne(child, pkt, remaining)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}

	// No child recognized the remainder; this node's own consumption
	// still counts as a match (e.g. IP with an unsupported L4 protocol).
	return true, nil
}
