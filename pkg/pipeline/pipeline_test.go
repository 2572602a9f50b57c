package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/adapters/datasource"
	"github.com/queryshield/pipeline-engine/pkg/apperrors"
	"github.com/queryshield/pipeline-engine/pkg/config"
	"github.com/queryshield/pipeline-engine/pkg/generator"
	"github.com/queryshield/pipeline-engine/pkg/history"
	"github.com/queryshield/pipeline-engine/pkg/llm"
	"github.com/queryshield/pipeline-engine/pkg/schema"
	"github.com/queryshield/pipeline-engine/pkg/sqlguard"
)

// fakeHandle is an in-memory datasource.Handle for orchestrator tests.
type fakeHandle struct {
	kind           datasource.Kind
	graph          *schema.Graph
	introspectErr  error
	introspections int

	result     *datasource.Result
	executeErr error
	executions []string
}

func (h *fakeHandle) Introspect(ctx context.Context) (*schema.Graph, error) {
	h.introspections++
	if h.introspectErr != nil {
		return nil, h.introspectErr
	}
	return h.graph, nil
}

func (h *fakeHandle) ExecuteReadOnly(ctx context.Context, query string, opts datasource.ReadOptions) (*datasource.Result, error) {
	h.executions = append(h.executions, query)
	if h.executeErr != nil {
		return nil, h.executeErr
	}
	return h.result, nil
}

func (h *fakeHandle) Close() error          { return nil }
func (h *fakeHandle) Kind() datasource.Kind { return h.kind }

type fakeResolver struct {
	handles map[uuid.UUID]datasource.Handle
}

func (r *fakeResolver) Resolve(ctx context.Context, id uuid.UUID) (datasource.Handle, error) {
	h, ok := r.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: datasource %s", apperrors.ErrNotFound, id)
	}
	return h, nil
}

func pipelineGraph() *schema.Graph {
	g := &schema.Graph{
		Entities: []*schema.Entity{
			{Name: "customers", Fields: []schema.Field{
				{Name: "id", DataType: "uuid", IsPrimaryKey: true},
				{Name: "name", DataType: "text"},
			}},
			{Name: "orders", Fields: []schema.Field{
				{Name: "id", DataType: "uuid", IsPrimaryKey: true},
				{Name: "customer_id", DataType: "uuid"},
				{Name: "total", DataType: "numeric"},
			}},
		},
	}
	g.InferConventionEdges()
	return g
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MaxRows:             2000,
		QueryTimeoutSeconds: 30,
		MaxJoinHops:         4,
		HistorySize:         50,
	}
}

type fixture struct {
	orchestrator *Orchestrator
	recorder     *history.Recorder
	cache        *schema.Cache
	handle       *fakeHandle
	mock         *llm.MockLLMClient
	datasourceID uuid.UUID
}

func newFixture(t *testing.T, llmResponse string) *fixture {
	t.Helper()

	handle := &fakeHandle{
		kind:  datasource.KindPostgres,
		graph: pipelineGraph(),
		result: &datasource.Result{
			Columns:  []datasource.ColumnInfo{{Name: "total", Type: "numeric"}},
			Rows:     []map[string]any{{"total": 10}, {"total": 20}},
			RowCount: 2,
			Elapsed:  5 * time.Millisecond,
		},
	}
	datasourceID := uuid.New()

	mock := llm.NewMockLLMClient()
	mock.GenerateResponseFunc = func(context.Context, string, string, float64) (string, error) {
		return llmResponse, nil
	}

	cache := schema.NewCache(time.Minute, zap.NewNop())
	t.Cleanup(cache.Stop)

	recorder := history.NewRecorder(50)
	orch := NewOrchestrator(
		&fakeResolver{handles: map[uuid.UUID]datasource.Handle{datasourceID: handle}},
		cache,
		schema.NewFuzzyMatcher(),
		generator.New(mock, zap.NewNop()),
		sqlguard.New(zap.NewNop()),
		recorder,
		testPipelineConfig(),
		zap.NewNop(),
	)

	return &fixture{
		orchestrator: orch,
		recorder:     recorder,
		cache:        cache,
		handle:       handle,
		mock:         mock,
		datasourceID: datasourceID,
	}
}

func TestRunCompletes(t *testing.T) {
	f := newFixture(t, "SELECT total FROM orders LIMIT 100")

	result := f.orchestrator.Run(context.Background(), Request{
		DatasourceID: f.datasourceID,
		Question:     "total per order",
	})

	assert.Equal(t, VerdictDone, result.Verdict)
	assert.Equal(t, StageDone, result.Stage)
	assert.Equal(t, "SELECT total FROM orders LIMIT 100", result.Query)
	require.NotNil(t, result.Result)
	assert.Equal(t, 2, result.Result.RowCount)
	require.Len(t, result.Profiles, 1)
	assert.Equal(t, "total", result.Profiles[0].Name)
	assert.Equal(t, 100.0, result.QualityScore)
	assert.NotEqual(t, uuid.Nil, result.RunID)

	// The executed query is the normalized candidate.
	require.Len(t, f.handle.executions, 1)
	assert.Equal(t, "SELECT total FROM orders LIMIT 100", f.handle.executions[0])
}

func TestRunBlockedIsTerminalNotError(t *testing.T) {
	f := newFixture(t, "WITH gone AS (DELETE FROM orders RETURNING id) SELECT * FROM gone LIMIT 10")

	result := f.orchestrator.Run(context.Background(), Request{
		DatasourceID: f.datasourceID,
		Question:     "orders please",
	})

	assert.Equal(t, VerdictBlocked, result.Verdict)
	assert.Equal(t, StageValidate, result.Stage)
	assert.Equal(t, "FORBIDDEN_VERB", result.BlockReason)
	assert.Equal(t, "verb:delete", result.BlockedRule)
	assert.Empty(t, result.Error)
	assert.Nil(t, result.Result)
	assert.Empty(t, f.handle.executions, "blocked queries must never reach execution")

	entries := f.recorder.Recent(0)
	require.Len(t, entries, 1)
	assert.Equal(t, "BLOCKED", entries[0].Verdict)
	assert.Equal(t, []string{"FORBIDDEN_VERB"}, entries[0].BlockReasons)
}

func TestRunUnknownDatasource(t *testing.T) {
	f := newFixture(t, "SELECT 1 LIMIT 1")

	result := f.orchestrator.Run(context.Background(), Request{
		DatasourceID: uuid.New(),
		Question:     "anything",
	})

	assert.Equal(t, VerdictError, result.Verdict)
	assert.Equal(t, StageInit, result.Stage)
	assert.Equal(t, "not_found", result.ErrorKind)
}

func TestRunIntrospectionFailure(t *testing.T) {
	f := newFixture(t, "SELECT 1 LIMIT 1")
	f.handle.introspectErr = fmt.Errorf("%w: connection lost", apperrors.ErrIntrospection)

	result := f.orchestrator.Run(context.Background(), Request{
		DatasourceID: f.datasourceID,
		Question:     "orders",
	})

	assert.Equal(t, VerdictError, result.Verdict)
	assert.Equal(t, StageSchemaRead, result.Stage)
	assert.Equal(t, "introspection", result.ErrorKind)
}

func TestRunExecutionTimeout(t *testing.T) {
	f := newFixture(t, "SELECT total FROM orders LIMIT 100")
	f.handle.executeErr = fmt.Errorf("%w: statement timeout", apperrors.ErrExecutionTimeout)

	result := f.orchestrator.Run(context.Background(), Request{
		DatasourceID: f.datasourceID,
		Question:     "orders",
	})

	assert.Equal(t, VerdictError, result.Verdict)
	assert.Equal(t, StageExecute, result.Stage)
	assert.Equal(t, "timeout", result.ErrorKind)
}

func TestRunGenerationFailure(t *testing.T) {
	f := newFixture(t, "")
	f.mock.GenerateResponseFunc = func(context.Context, string, string, float64) (string, error) {
		return "", errors.New("401 invalid api key")
	}

	result := f.orchestrator.Run(context.Background(), Request{
		DatasourceID: f.datasourceID,
		Question:     "orders",
	})

	assert.Equal(t, VerdictError, result.Verdict)
	assert.Equal(t, StageGenerate, result.Stage)
	assert.Equal(t, "generation", result.ErrorKind)
}

func TestRunUsesSchemaCache(t *testing.T) {
	f := newFixture(t, "SELECT total FROM orders LIMIT 100")

	req := Request{DatasourceID: f.datasourceID, Question: "orders"}
	first := f.orchestrator.Run(context.Background(), req)
	require.Equal(t, VerdictDone, first.Verdict)
	second := f.orchestrator.Run(context.Background(), req)
	require.Equal(t, VerdictDone, second.Verdict)

	assert.Equal(t, 1, f.handle.introspections, "second run must hit the cache")

	f.cache.Invalidate(f.datasourceID)
	third := f.orchestrator.Run(context.Background(), req)
	require.Equal(t, VerdictDone, third.Verdict)
	assert.Equal(t, 2, f.handle.introspections)
}

func TestRunScopesSchemaToMentions(t *testing.T) {
	f := newFixture(t, "SELECT total FROM orders LIMIT 100")

	result := f.orchestrator.Run(context.Background(), Request{
		DatasourceID: f.datasourceID,
		Question:     "total of all orders",
	})

	require.Equal(t, VerdictDone, result.Verdict)
	assert.Equal(t, []string{"orders"}, result.Entities)
	require.Len(t, f.mock.Prompts, 1)
	assert.Contains(t, f.mock.Prompts[0], "### orders")
	assert.NotContains(t, f.mock.Prompts[0], "### customers")
}

func TestRunNoMentionsUsesFullSchema(t *testing.T) {
	f := newFixture(t, "SELECT total FROM orders LIMIT 100")

	result := f.orchestrator.Run(context.Background(), Request{
		DatasourceID: f.datasourceID,
		Question:     "anything interesting lately",
	})

	require.Equal(t, VerdictDone, result.Verdict)
	assert.Empty(t, result.Entities)
	require.Len(t, f.mock.Prompts, 1)
	assert.Contains(t, f.mock.Prompts[0], "### orders")
	assert.Contains(t, f.mock.Prompts[0], "### customers")
}

func TestRunCancelledContext(t *testing.T) {
	f := newFixture(t, "SELECT total FROM orders LIMIT 100")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := f.orchestrator.Run(ctx, Request{
		DatasourceID: f.datasourceID,
		Question:     "orders",
	})

	assert.Equal(t, VerdictError, result.Verdict)
	assert.Equal(t, "cancelled", result.ErrorKind)
	assert.Empty(t, f.handle.executions)
}

func TestRunRecordsHistoryForAllOutcomes(t *testing.T) {
	f := newFixture(t, "SELECT total FROM orders LIMIT 100")

	f.orchestrator.Run(context.Background(), Request{DatasourceID: f.datasourceID, Question: "orders"})
	f.orchestrator.Run(context.Background(), Request{DatasourceID: uuid.New(), Question: "missing"})

	entries := f.recorder.Recent(0)
	require.Len(t, entries, 2)
	assert.Equal(t, "ERROR", entries[0].Verdict)
	assert.Equal(t, "DONE", entries[1].Verdict)
	assert.Equal(t, 2, entries[1].RowCount)
}

func TestRunDocumentDialect(t *testing.T) {
	f := newFixture(t, `{"collection": "orders", "operation": "find", "limit": 10}`)
	f.handle.kind = datasource.KindDocument

	result := f.orchestrator.Run(context.Background(), Request{
		DatasourceID: f.datasourceID,
		Question:     "orders",
	})

	require.Equal(t, VerdictDone, result.Verdict)
	require.Len(t, f.handle.executions, 1)
	assert.Contains(t, f.handle.executions[0], `"collection":"orders"`)
}
