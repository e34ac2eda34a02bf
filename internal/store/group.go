package store

import (
	"sort"

	"github.com/google/uuid"
)

// CallGroup is a borrowed set of Calls shown together in a merged call
// flow, following original_source/src/storage/group.h's CallGroup: calls
// are referenced, not owned, and removing a Call from storage does not
// require removing it from any group it belongs to first.
//
// Membership uses a Go map for O(1) lookup — strictly better than
// group.h's GPtrArray linear scan (and better than the O(log n) floor
// spec.md §4.9 asks for).
type CallGroup struct {
	ID    uuid.UUID // stable handle for external references (spec.md §2's uuid usage)
	calls map[string]*Call
	order []string // insertion order, for stable Next/color assignment

	storage *Storage
}

// NewCallGroup creates an empty group. If storage is non-nil, the group
// registers itself so Storage's capacity eviction treats member calls as
// pinned (spec.md §4.8's "pinning = membership in any live CallGroup").
func NewCallGroup(storage *Storage) *CallGroup {
	g := &CallGroup{ID: uuid.New(), calls: make(map[string]*Call), storage: storage}
	if storage != nil {
		storage.registerGroup(g)
	}
	return g
}

// Close unregisters the group from its Storage, so its former members
// become evictable again.
func (g *CallGroup) Close() {
	if g.storage != nil {
		g.storage.unregisterGroup(g)
	}
}

// Add adds call to the group (call_group_add).
func (g *CallGroup) Add(call *Call) {
	if call == nil {
		return
	}
	if _, exists := g.calls[call.CallID]; exists {
		return
	}
	g.calls[call.CallID] = call
	g.order = append(g.order, call.CallID)
}

// Remove removes call from the group (call_group_remove).
func (g *CallGroup) Remove(call *Call) {
	if call == nil {
		return
	}
	delete(g.calls, call.CallID)
	for i, id := range g.order {
		if id == call.CallID {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// Exists reports whether call is a member (call_group_exists).
func (g *CallGroup) Exists(call *Call) bool {
	if call == nil {
		return false
	}
	_, ok := g.calls[call.CallID]
	return ok
}

// Count returns the number of member calls (call_group_count).
func (g *CallGroup) Count() int {
	return len(g.calls)
}

// Color returns a stable color index (0-based) for call within the group,
// based on join order — call_group_color.
func (g *CallGroup) Color(call *Call) int {
	for i, id := range g.order {
		if id == call.CallID {
			return i
		}
	}
	return -1
}

// Next returns the member call following call in join order, or the first
// member if call is nil. Returns nil once the last member is passed —
// call_group_get_next.
func (g *CallGroup) Next(call *Call) *Call {
	if call == nil {
		if len(g.order) == 0 {
			return nil
		}
		return g.calls[g.order[0]]
	}
	for i, id := range g.order {
		if id == call.CallID {
			if i+1 < len(g.order) {
				return g.calls[g.order[i+1]]
			}
			return nil
		}
	}
	return nil
}

// merged returns every member's messages merged into one chronological
// slice: the members' message slices are concatenated in join order and
// stable-sorted by timestamp, so messages with equal timestamps keep join
// order.
func (g *CallGroup) merged() []*Message {
	var all []*Message
	for _, id := range g.order {
		all = append(all, g.calls[id].Messages...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Time().Before(all[j].Time())
	})
	return all
}

// NextMessage returns the chronologically next message across every member
// call, or the first message if msg is nil — call_group_get_next_msg.
func (g *CallGroup) NextMessage(msg *Message) *Message {
	all := g.merged()
	if msg == nil {
		if len(all) == 0 {
			return nil
		}
		return all[0]
	}
	for i, m := range all {
		if m == msg && i+1 < len(all) {
			return all[i+1]
		}
	}
	return nil
}

// PrevMessage returns the chronologically previous message across every
// member call — call_group_get_prev_msg.
func (g *CallGroup) PrevMessage(msg *Message) *Message {
	all := g.merged()
	for i, m := range all {
		if m == msg && i > 0 {
			return all[i-1]
		}
	}
	return nil
}

// MessageCount returns the sum of messages across every member call —
// call_group_msg_count.
func (g *CallGroup) MessageCount() int {
	n := 0
	for _, c := range g.calls {
		n += len(c.Messages)
	}
	return n
}
