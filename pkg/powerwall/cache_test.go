package powerwall

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache(t *testing.T) {
	t.Run("MissThenHit", func(t *testing.T) {
		c := NewCache(5 * time.Second)
		_, ok := c.Get("/api/status")
		assert.False(t, ok)

		payload := json.RawMessage(`{"din":"1232100-00-E"}`)
		c.Put("/api/status", payload)
		got, ok := c.Get("/api/status")
		assert.True(t, ok)
		assert.Equal(t, payload, got, "cached bytes must be returned verbatim")
	})

	t.Run("Expiry", func(t *testing.T) {
		c := NewCache(5 * time.Second)
		now := time.Now()
		c.now = func() time.Time { return now }
		c.Put("/api/status", json.RawMessage(`{}`))

		now = now.Add(4 * time.Second)
		_, ok := c.Get("/api/status")
		assert.True(t, ok)

		now = now.Add(time.Second)
		_, ok = c.Get("/api/status")
		assert.False(t, ok, "entries at exactly ttl are stale")
	})

	t.Run("ZeroTTLDisables", func(t *testing.T) {
		c := NewCache(0)
		c.Put("/api/status", json.RawMessage(`{}`))
		_, ok := c.Get("/api/status")
		assert.False(t, ok)
	})

	t.Run("Clear", func(t *testing.T) {
		c := NewCache(time.Minute)
		c.Put("/api/status", json.RawMessage(`{}`))
		c.Clear()
		_, ok := c.Get("/api/status")
		assert.False(t, ok)
	})
}
