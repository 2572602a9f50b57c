package schema

import (
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// Cache holds introspected schema graphs keyed by datasource connection
// identity. A cached graph is never served across different identities.
// There is no automatic change detection: entries expire on TTL or are
// removed by explicit invalidation only.
type Cache struct {
	cache  *ttlcache.Cache[uuid.UUID, *Graph]
	logger *zap.Logger
}

// NewCache creates a schema cache with the given entry lifetime.
func NewCache(ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := ttlcache.New[uuid.UUID, *Graph](
		ttlcache.WithTTL[uuid.UUID, *Graph](ttl),
	)
	go c.Start()

	return &Cache{
		cache:  c,
		logger: logger.Named("schema-cache"),
	}
}

// Get returns the cached graph for a connection identity, or nil.
func (c *Cache) Get(datasourceID uuid.UUID) *Graph {
	item := c.cache.Get(datasourceID)
	if item == nil {
		return nil
	}
	return item.Value()
}

// Put stores a graph for a connection identity.
func (c *Cache) Put(datasourceID uuid.UUID, g *Graph) {
	c.cache.Set(datasourceID, g, ttlcache.DefaultTTL)
}

// Invalidate removes the cached graph for a connection identity. Called
// when the caller knows the underlying schema changed.
func (c *Cache) Invalidate(datasourceID uuid.UUID) {
	c.cache.Delete(datasourceID)
	c.logger.Info("schema cache invalidated", zap.String("datasource_id", datasourceID.String()))
}

// Stop shuts down the background expiration loop.
func (c *Cache) Stop() {
	c.cache.Stop()
}
