package document

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/adapters/datasource"
	"github.com/queryshield/pipeline-engine/pkg/apperrors"
)

func testStore() *Store {
	s := NewStore()
	s.Load("orders", []map[string]any{
		{"_id": 1, "status": "open", "total": 50.0, "customer": map[string]any{"name": "ada", "region": "eu"}},
		{"_id": 2, "status": "open", "total": 120.0, "customer": map[string]any{"name": "bob", "region": "us"}},
		{"_id": 3, "status": "closed", "total": 80.0, "customer": map[string]any{"name": "cid", "region": "eu"}},
		{"_id": 4, "status": "pending", "total": 10.0, "customer": map[string]any{"name": "dee", "region": "eu"}},
	})
	return s
}

func execute(t *testing.T, query string, opts datasource.ReadOptions) (*datasource.Result, error) {
	t.Helper()
	e := NewExecutor(testStore(), zap.NewNop())
	if opts.MaxRows == 0 {
		opts.MaxRows = 100
	}
	return e.ExecuteReadOnly(context.Background(), query, opts)
}

func TestExecuteFind(t *testing.T) {
	result, err := execute(t, `{"collection": "orders", "operation": "find", "filter": {"status": "open"}}`, datasource.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowCount)
	assert.False(t, result.Truncated)
}

func TestExecuteFindOperators(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		want   int
	}{
		{"gt", `{"total": {"$gt": 60}}`, 2},
		{"gte", `{"total": {"$gte": 80}}`, 2},
		{"lt", `{"total": {"$lt": 50}}`, 1},
		{"lte", `{"total": {"$lte": 50}}`, 2},
		{"ne", `{"status": {"$ne": "open"}}`, 2},
		{"in", `{"status": {"$in": ["open", "pending"]}}`, 3},
		{"combined", `{"status": "open", "total": {"$gt": 100}}`, 1},
		{"nested path", `{"customer.region": "eu"}`, 3},
		{"no match", `{"status": "archived"}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := `{"collection": "orders", "operation": "find", "filter": ` + tt.filter + `}`
			result, err := execute(t, query, datasource.ReadOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.RowCount)
		})
	}
}

func TestExecuteFindSortAndProjection(t *testing.T) {
	query := `{
		"collection": "orders",
		"operation": "find",
		"sort": {"total": -1},
		"projection": {"total": 1}
	}`
	result, err := execute(t, query, datasource.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, 4, result.RowCount)

	assert.Equal(t, 120.0, result.Rows[0]["total"])
	assert.Equal(t, 10.0, result.Rows[3]["total"])
	// Include-style projection keeps _id by convention and drops the rest.
	assert.Contains(t, result.Rows[0], "_id")
	assert.NotContains(t, result.Rows[0], "status")
}

func TestExecuteFindQueryLimit(t *testing.T) {
	query := `{"collection": "orders", "operation": "find", "limit": 2}`
	result, err := execute(t, query, datasource.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowCount)
	assert.False(t, result.Truncated, "the query's own limit is not guard truncation")
}

func TestExecuteRowCapSetsTruncated(t *testing.T) {
	query := `{"collection": "orders", "operation": "find"}`
	result, err := execute(t, query, datasource.ReadOptions{MaxRows: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, result.RowCount)
	assert.True(t, result.Truncated)
}

func TestExecuteCount(t *testing.T) {
	query := `{"collection": "orders", "operation": "count", "filter": {"customer.region": "eu"}}`
	result, err := execute(t, query, datasource.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.RowCount)
	assert.Equal(t, 3, result.Rows[0]["count"])
}

func TestExecuteAggregate(t *testing.T) {
	query := `{
		"collection": "orders",
		"operation": "aggregate",
		"pipeline": [
			{"$match": {"total": {"$gt": 20}}},
			{"$group": {"_id": "$status", "orders": {"$sum": 1}, "revenue": {"$sum": "$total"}}},
			{"$sort": {"_id": 1}}
		]
	}`
	result, err := execute(t, query, datasource.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, result.RowCount)

	assert.Equal(t, "closed", result.Rows[0]["_id"])
	assert.Equal(t, 80.0, result.Rows[0]["revenue"])
	assert.Equal(t, "open", result.Rows[1]["_id"])
	assert.Equal(t, 170.0, result.Rows[1]["revenue"])
	assert.Equal(t, 2.0, result.Rows[1]["orders"])
}

func TestExecuteAggregateAccumulators(t *testing.T) {
	query := `{
		"collection": "orders",
		"operation": "aggregate",
		"pipeline": [
			{"$group": {"_id": null, "lo": {"$min": "$total"}, "hi": {"$max": "$total"}, "mean": {"$avg": "$total"}, "n": {"$count": 1}}}
		]
	}`
	result, err := execute(t, query, datasource.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.RowCount)

	row := result.Rows[0]
	assert.Equal(t, 10.0, row["lo"])
	assert.Equal(t, 120.0, row["hi"])
	assert.Equal(t, 65.0, row["mean"])
	assert.Equal(t, 4, row["n"])
}

func TestExecuteAggregateLimitStage(t *testing.T) {
	query := `{
		"collection": "orders",
		"operation": "aggregate",
		"pipeline": [
			{"$sort": {"total": -1}},
			{"$limit": 1},
			{"$project": {"total": 1, "_id": 0}}
		]
	}`
	result, err := execute(t, query, datasource.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.RowCount)
	assert.Equal(t, map[string]any{"total": 120.0}, result.Rows[0])
}

func TestExecuteErrors(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"unknown collection", `{"collection": "ghosts", "operation": "find"}`},
		{"bad spec json", `not json`},
		{"unsupported stage", `{"collection": "orders", "operation": "aggregate", "pipeline": [{"$lookup": {}}]}`},
		{"unsupported filter operator", `{"collection": "orders", "operation": "find", "filter": {"total": {"$regex": "x"}}}`},
		{"multi-operator stage", `{"collection": "orders", "operation": "aggregate", "pipeline": [{"$limit": 1, "$sort": {"a": 1}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.query, datasource.ReadOptions{})
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrExecution)
		})
	}
}

func TestExecuteRequiresRowCap(t *testing.T) {
	e := NewExecutor(testStore(), zap.NewNop())
	_, err := e.ExecuteReadOnly(context.Background(), `{"collection": "orders", "operation": "find"}`, datasource.ReadOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrExecution)
}
