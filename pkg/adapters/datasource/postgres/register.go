package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/adapters/datasource"
	"github.com/queryshield/pipeline-engine/pkg/config"
	"github.com/queryshield/pipeline-engine/pkg/schema"
)

func init() {
	datasource.Register(datasource.KindPostgres, openHandle)
}

// Handle bundles introspection and guarded execution over one pool.
type Handle struct {
	*Introspector
	*Executor
}

func (h *Handle) Kind() datasource.Kind { return datasource.KindPostgres }

var _ datasource.Handle = (*Handle)(nil)

func openHandle(ctx context.Context, src config.SourceConfig, connMgr *datasource.ConnectionManager, datasourceID uuid.UUID, logger *zap.Logger) (datasource.Handle, error) {
	connString := BuildConnectionString(&Config{
		Host:     src.Host,
		Port:     src.Port,
		User:     src.User,
		Password: src.Password(),
		Database: src.Database,
		SSLMode:  src.SSLMode,
	})

	pool, err := connMgr.GetOrCreatePool(ctx, datasourceID, connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres datasource %s: %w", datasourceID, err)
	}

	return &Handle{
		Introspector: NewIntrospector(pool, logger),
		Executor:     NewExecutor(pool, connMgr, logger),
	}, nil
}

var _ schema.Introspector = (*Introspector)(nil)
