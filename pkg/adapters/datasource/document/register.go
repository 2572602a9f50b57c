package document

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/adapters/datasource"
	"github.com/queryshield/pipeline-engine/pkg/config"
)

func init() {
	datasource.Register(datasource.KindDocument, openHandle)
}

// Handle bundles introspection and guarded execution over one store.
type Handle struct {
	*Introspector
	*Executor
}

func (h *Handle) Kind() datasource.Kind { return datasource.KindDocument }

var _ datasource.Handle = (*Handle)(nil)

// openHandle loads the source's JSON file into an in-memory store. The
// file maps collection names to document arrays.
func openHandle(_ context.Context, src config.SourceConfig, _ *datasource.ConnectionManager, datasourceID uuid.UUID, logger *zap.Logger) (datasource.Handle, error) {
	if src.Path == "" {
		return nil, fmt.Errorf("open document datasource %s: path is required", datasourceID)
	}

	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("open document datasource %s: %w", datasourceID, err)
	}

	var collections map[string][]map[string]any
	if err := json.Unmarshal(data, &collections); err != nil {
		return nil, fmt.Errorf("open document datasource %s: parse %s: %w", datasourceID, src.Path, err)
	}

	store := NewStore()
	for name, docs := range collections {
		store.Load(name, docs)
	}

	return &Handle{
		Introspector: NewIntrospector(store, DefaultSampleSize, logger),
		Executor:     NewExecutor(store, logger),
	}, nil
}
