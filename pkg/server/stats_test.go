package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsCounters(t *testing.T) {
	s := NewStats()
	s.CountGet("/soe")
	s.CountGet("/soe")
	s.CountGet("/csv")
	s.CountWeb()
	s.CountError()
	s.CountTimeout()

	p := s.Snapshot()
	assert.Equal(t, 4, p.Gets)
	assert.Equal(t, 1, p.Errors)
	assert.Equal(t, 1, p.Timeout)
	assert.Equal(t, map[string]int{"/soe": 2, "/csv": 1}, p.URI)
	assert.Equal(t, p.Start, p.Clear)

	s.Clear()
	p = s.Snapshot()
	assert.Equal(t, 0, p.Gets)
	assert.Equal(t, 0, p.Errors)
	assert.Equal(t, 1, p.Timeout, "timeouts survive a clear")
	assert.Empty(t, p.URI)
	assert.GreaterOrEqual(t, p.Clear, p.Start, "start timestamp survives a clear")
}
