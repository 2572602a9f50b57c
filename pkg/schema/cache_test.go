package schema

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCachePutGet(t *testing.T) {
	c := NewCache(time.Minute, zap.NewNop())
	t.Cleanup(c.Stop)

	id := uuid.New()
	assert.Nil(t, c.Get(id))

	g := &Graph{Entities: []*Entity{{Name: "orders"}}}
	c.Put(id, g)

	got := c.Get(id)
	require.NotNil(t, got)
	assert.Same(t, g, got)
}

func TestCacheKeyedByIdentity(t *testing.T) {
	c := NewCache(time.Minute, zap.NewNop())
	t.Cleanup(c.Stop)

	a, b := uuid.New(), uuid.New()
	c.Put(a, &Graph{Entities: []*Entity{{Name: "orders"}}})

	assert.NotNil(t, c.Get(a))
	assert.Nil(t, c.Get(b))
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache(time.Minute, zap.NewNop())
	t.Cleanup(c.Stop)

	id := uuid.New()
	c.Put(id, &Graph{})
	c.Invalidate(id)
	assert.Nil(t, c.Get(id))
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(20*time.Millisecond, zap.NewNop())
	t.Cleanup(c.Stop)

	id := uuid.New()
	c.Put(id, &Graph{})
	require.NotNil(t, c.Get(id))

	// Reads extend the entry lifetime, so wait out the TTL without
	// touching the entry before checking.
	time.Sleep(80 * time.Millisecond)
	assert.Nil(t, c.Get(id))
}
