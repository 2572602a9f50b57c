package datasource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/apperrors"
	"github.com/queryshield/pipeline-engine/pkg/logging"
	"github.com/queryshield/pipeline-engine/pkg/retry"
)

const (
	DefaultConnectionTTLMinutes = 5
	DefaultCleanupInterval      = 1 * time.Minute
	DefaultPoolMaxConns         = 10
	DefaultPoolMinConns         = 1
	DefaultCheckoutWait         = 5 * time.Second
)

// ConnectionManagerConfig holds configuration for the connection manager.
type ConnectionManagerConfig struct {
	TTLMinutes   int
	PoolMaxConns int32
	PoolMinConns int32
	// CheckoutWait bounds how long a caller may block waiting for a
	// pooled connection before ErrPoolExhausted.
	CheckoutWait time.Duration
}

// ConnectionManager manages relational connection pools keyed by
// datasource connection identity, with TTL-based expiry of idle pools.
type ConnectionManager struct {
	mu           sync.RWMutex
	connections  map[uuid.UUID]*managedPool
	ttl          time.Duration
	poolMaxConns int32
	poolMinConns int32
	checkoutWait time.Duration
	stopped      bool
	stopChan     chan struct{}
	logger       *zap.Logger
}

type managedPool struct {
	pool     *pgxpool.Pool
	lastUsed time.Time
	mu       sync.Mutex
}

// NewConnectionManager creates a connection manager with the given
// configuration. Starts a background cleanup goroutine that runs until
// Close() is called.
func NewConnectionManager(cfg ConnectionManagerConfig, logger *zap.Logger) *ConnectionManager {
	if cfg.TTLMinutes <= 0 {
		cfg.TTLMinutes = DefaultConnectionTTLMinutes
	}
	if cfg.PoolMaxConns <= 0 {
		cfg.PoolMaxConns = DefaultPoolMaxConns
	}
	if cfg.PoolMinConns <= 0 {
		cfg.PoolMinConns = DefaultPoolMinConns
	}
	if cfg.CheckoutWait <= 0 {
		cfg.CheckoutWait = DefaultCheckoutWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	manager := &ConnectionManager{
		connections:  make(map[uuid.UUID]*managedPool),
		ttl:          time.Duration(cfg.TTLMinutes) * time.Minute,
		poolMaxConns: cfg.PoolMaxConns,
		poolMinConns: cfg.PoolMinConns,
		checkoutWait: cfg.CheckoutWait,
		stopChan:     make(chan struct{}),
		logger:       logger.Named("conn-manager"),
	}

	go manager.cleanupExpiredPools()
	return manager
}

// CheckoutWait returns the configured pool checkout bound.
func (m *ConnectionManager) CheckoutWait() time.Duration {
	return m.checkoutWait
}

// GetOrCreatePool returns the pool for a datasource identity, creating
// it on first use. The pool is shared across runs targeting the same
// identity; individual runs check connections out of it per execution.
func (m *ConnectionManager) GetOrCreatePool(ctx context.Context, datasourceID uuid.UUID, connString string) (*pgxpool.Pool, error) {
	// Fast path under read lock.
	m.mu.RLock()
	managed, exists := m.connections[datasourceID]
	m.mu.RUnlock()

	if exists {
		managed.mu.Lock()
		defer managed.mu.Unlock()

		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := retry.DoIfRetryable(healthCtx, retry.DefaultConfig(), func() error {
			return managed.pool.Ping(healthCtx)
		})
		cancel()
		if err == nil {
			managed.lastUsed = time.Now()
			return managed.pool, nil
		}

		m.logger.Warn("pooled connection unhealthy, recreating",
			zap.String("datasource_id", datasourceID.String()),
			zap.String("error", logging.SanitizeError(err)))
		managed.pool.Close()
		m.mu.Lock()
		delete(m.connections, datasourceID)
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, fmt.Errorf("connection manager is closed")
	}
	// Another caller may have created it while we waited for the lock.
	if managed, exists := m.connections[datasourceID]; exists {
		managed.lastUsed = time.Now()
		return managed.pool, nil
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MaxConns = m.poolMaxConns
	poolCfg.MinConns = m.poolMinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	m.connections[datasourceID] = &managedPool{
		pool:     pool,
		lastUsed: time.Now(),
	}

	m.logger.Info("created datasource pool",
		zap.String("datasource_id", datasourceID.String()),
		zap.String("conn", logging.SanitizeConnectionString(connString)))

	return pool, nil
}

// Acquire checks a single connection out of the identity's pool,
// blocking at most the configured checkout wait. A timeout maps to
// ErrPoolExhausted; the guard's own query timeout is separate.
func (m *ConnectionManager) Acquire(ctx context.Context, pool *pgxpool.Pool) (*pgxpool.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, m.checkoutWait)
	defer cancel()

	conn, err := pool.Acquire(acquireCtx)
	if err != nil {
		if acquireCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: no connection within %s", apperrors.ErrPoolExhausted, m.checkoutWait)
		}
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return conn, nil
}

// Invalidate closes and removes the pool for a datasource identity.
func (m *ConnectionManager) Invalidate(datasourceID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if managed, exists := m.connections[datasourceID]; exists {
		managed.pool.Close()
		delete(m.connections, datasourceID)
		m.logger.Info("datasource pool invalidated", zap.String("datasource_id", datasourceID.String()))
	}
}

// Close shuts down the cleanup loop and all managed pools.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	m.stopped = true
	close(m.stopChan)

	for id, managed := range m.connections {
		managed.pool.Close()
		delete(m.connections, id)
	}
}

func (m *ConnectionManager) cleanupExpiredPools() {
	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.mu.Lock()
			cutoff := time.Now().Add(-m.ttl)
			for id, managed := range m.connections {
				if managed.lastUsed.Before(cutoff) {
					managed.pool.Close()
					delete(m.connections, id)
					m.logger.Debug("expired idle datasource pool",
						zap.String("datasource_id", id.String()))
				}
			}
			m.mu.Unlock()
		}
	}
}
