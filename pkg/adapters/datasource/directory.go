package datasource

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/apperrors"
	"github.com/queryshield/pipeline-engine/pkg/config"
)

// Directory resolves datasource identities to live handles. Sources
// come from configuration at startup; handles are opened lazily on
// first use and reused until Close.
type Directory struct {
	mu      sync.Mutex
	sources map[uuid.UUID]config.SourceConfig
	handles map[uuid.UUID]Handle
	connMgr *ConnectionManager
	logger  *zap.Logger
}

func NewDirectory(sources []config.SourceConfig, connMgr *ConnectionManager, logger *zap.Logger) (*Directory, error) {
	d := &Directory{
		sources: make(map[uuid.UUID]config.SourceConfig, len(sources)),
		handles: make(map[uuid.UUID]Handle),
		connMgr: connMgr,
		logger:  logger.Named("directory"),
	}
	for _, src := range sources {
		id, err := uuid.Parse(src.ID)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", src.ID, err)
		}
		d.sources[id] = src
	}
	return d, nil
}

// Resolve returns the handle for a configured source, opening it on
// first use. Unknown identities fail with apperrors.ErrNotFound.
func (d *Directory) Resolve(ctx context.Context, datasourceID uuid.UUID) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if h, ok := d.handles[datasourceID]; ok {
		return h, nil
	}

	src, ok := d.sources[datasourceID]
	if !ok {
		return nil, fmt.Errorf("%w: datasource %s", apperrors.ErrNotFound, datasourceID)
	}

	factory, err := factoryFor(Kind(src.Kind))
	if err != nil {
		return nil, err
	}

	h, err := factory(ctx, src, d.connMgr, datasourceID, d.logger)
	if err != nil {
		return nil, err
	}

	d.logger.Info("datasource handle opened",
		zap.String("datasource_id", datasourceID.String()),
		zap.String("kind", src.Kind))

	d.handles[datasourceID] = h
	return h, nil
}

// Kinds reports the configured source identities and their kinds.
func (d *Directory) Kinds() map[uuid.UUID]Kind {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[uuid.UUID]Kind, len(d.sources))
	for id, src := range d.sources {
		out[id] = Kind(src.Kind)
	}
	return out
}

// Close releases every opened handle.
func (d *Directory) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, h := range d.handles {
		if err := h.Close(); err != nil {
			d.logger.Warn("handle close failed",
				zap.String("datasource_id", id.String()),
				zap.Error(err))
		}
		delete(d.handles, id)
	}
}
