package store

import (
	"net/netip"
	"sort"
	"strings"

	"sipwatch/internal/dissect"
)

// Filter selects a subset of Calls at display time — spec.md §4.8's
// "combination of text match on payload, method set, source/destination
// address, state, and negated matches" predicate. Filter is never applied
// at ingestion time; Storage keeps every ingested Call until eviction.
type Filter struct {
	Text    string               // case-insensitive substring match against any message's raw payload
	Methods map[dissect.SIPMethod]bool
	Src     *netip.Addr
	Dst     *netip.Addr
	State   *State
	Negate  bool
}

// matches reports whether call satisfies f.
func (f Filter) matches(c *Call) bool {
	ok := f.matchesPositive(c)
	if f.Negate {
		return !ok
	}
	return ok
}

func (f Filter) matchesPositive(c *Call) bool {
	if f.Text != "" {
		found := false
		needle := strings.ToLower(f.Text)
		for _, m := range c.Messages {
			if strings.Contains(strings.ToLower(string(m.SIP.Raw)), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.Methods) > 0 {
		found := false
		for _, m := range c.Messages {
			if m.SIP.IsRequest && f.Methods[m.SIP.Method] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if f.Src != nil || f.Dst != nil {
		found := false
		for _, m := range c.Messages {
			if f.Src != nil && m.SIP.Src.IP != *f.Src {
				continue
			}
			if f.Dst != nil && m.SIP.Dst.IP != *f.Dst {
				continue
			}
			found = true
			break
		}
		if !found {
			return false
		}
	}

	if f.State != nil && c.State != *f.State {
		return false
	}

	return true
}

// SortKey selects the field Storage.ListCalls orders by. Sort is always
// stable, falling through ties to arrival order (spec.md §4.8).
type SortKey int

const (
	SortByArrival SortKey = iota
	SortByFrom
	SortByTo
	SortBySrc
	SortByDst
	SortByDate
	SortByMethod
	SortByMessageCount
	SortByState
	SortByDuration
)

// sortCalls orders calls by key, stable, falling through to arrival order.
func sortCalls(calls []*Call, key SortKey) {
	less := func(i, j int) bool {
		a, b := calls[i], calls[j]
		switch key {
		case SortByFrom:
			return firstFromURI(a) < firstFromURI(b)
		case SortByTo:
			return firstToURI(a) < firstToURI(b)
		case SortBySrc:
			return firstSrc(a) < firstSrc(b)
		case SortByDst:
			return firstDst(a) < firstDst(b)
		case SortByDate:
			return a.CreatedAt.Before(b.CreatedAt)
		case SortByMethod:
			return a.InitialMethod < b.InitialMethod
		case SortByMessageCount:
			return len(a.Messages) < len(b.Messages)
		case SortByState:
			return a.State < b.State
		case SortByDuration:
			return duration(a) < duration(b)
		default:
			return a.ArrivalIdx < b.ArrivalIdx
		}
	}
	sort.SliceStable(calls, less)
}

func firstFromURI(c *Call) string {
	if len(c.Messages) == 0 {
		return ""
	}
	return c.Messages[0].SIP.FromURI
}

func firstToURI(c *Call) string {
	if len(c.Messages) == 0 {
		return ""
	}
	return c.Messages[0].SIP.ToURI
}

func firstSrc(c *Call) string {
	if len(c.Messages) == 0 {
		return ""
	}
	return c.Messages[0].SIP.Src.String()
}

func firstDst(c *Call) string {
	if len(c.Messages) == 0 {
		return ""
	}
	return c.Messages[0].SIP.Dst.String()
}

func duration(c *Call) int64 {
	if len(c.Messages) == 0 {
		return 0
	}
	first := c.Messages[0].Time()
	last := c.Messages[len(c.Messages)-1].Time()
	return last.Sub(first).Nanoseconds()
}
