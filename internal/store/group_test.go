package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipwatch/internal/dissect"
)

func TestCallGroup_NavigationAndMerge(t *testing.T) {
	s := NewStorage(DefaultStorageConfig())
	base := time.Now()

	callA, _ := s.IngestSIP(req("a@h", dissect.MethodINVITE, base))
	callB, _ := s.IngestSIP(req("b@h", dissect.MethodINVITE, base.Add(time.Millisecond)))
	s.IngestSIP(resp("a@h", 200, base.Add(2*time.Millisecond)))
	s.IngestSIP(resp("b@h", 200, base.Add(3*time.Millisecond)))

	g := NewCallGroup(s)
	defer g.Close()
	assert.NotEqual(t, g.ID.String(), "")
	g.Add(callA)
	g.Add(callB)

	require.Equal(t, 2, g.Count())
	assert.Equal(t, 0, g.Color(callA))
	assert.Equal(t, 1, g.Color(callB))
	assert.Equal(t, callA, g.Next(nil))
	assert.Equal(t, callB, g.Next(callA))
	assert.Nil(t, g.Next(callB))
	assert.Equal(t, 4, g.MessageCount())

	first := g.NextMessage(nil)
	require.NotNil(t, first)
	assert.Equal(t, "a@h", first.SIP.CallID)

	second := g.NextMessage(first)
	require.NotNil(t, second)
	assert.Equal(t, "b@h", second.SIP.CallID)
	assert.Equal(t, first, g.PrevMessage(second))

	g.Remove(callA)
	assert.False(t, g.Exists(callA))
	assert.Equal(t, 1, g.Count())
}
