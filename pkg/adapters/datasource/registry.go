package datasource

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/config"
)

// HandleFactory opens a handle for one configured source. Factories are
// registered by adapter packages from init(); the engine only links the
// adapters it was built with.
type HandleFactory func(ctx context.Context, src config.SourceConfig, connMgr *ConnectionManager, datasourceID uuid.UUID, logger *zap.Logger) (Handle, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[Kind]HandleFactory)
)

// Register is called by each adapter's init() function. Safe for
// concurrent init() calls.
func Register(kind Kind, factory HandleFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// RegisteredKinds lists the adapter kinds compiled into this binary.
func RegisteredKinds() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	return kinds
}

func factoryFor(kind Kind) (HandleFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	factory, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported datasource kind: %s (not compiled in)", kind)
	}
	return factory, nil
}
