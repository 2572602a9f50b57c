package document

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/apperrors"
	"github.com/queryshield/pipeline-engine/pkg/schema"
)

func fieldByName(t *testing.T, e *schema.Entity, name string) schema.Field {
	t.Helper()
	f, ok := e.Field(name)
	require.True(t, ok, "field %q missing", name)
	return f
}

func TestIntrospectInfersFields(t *testing.T) {
	s := NewStore()
	s.Load("users", []map[string]any{
		{"_id": 1, "name": "ada", "age": 36},
		{"_id": 2, "name": "bob"},
		{"_id": 3, "name": "cid", "age": "forty"},
	})

	in := NewIntrospector(s, 0, zap.NewNop())
	g, err := in.Introspect(context.Background())
	require.NoError(t, err)
	require.Len(t, g.Entities, 1)

	users := g.Entities[0]
	assert.Equal(t, "users", users.Name)

	id := fieldByName(t, users, "_id")
	assert.True(t, id.IsPrimaryKey)
	assert.False(t, id.Nullable)

	name := fieldByName(t, users, "name")
	assert.Equal(t, "string", name.DataType)
	assert.False(t, name.Nullable)

	// Present in 2 of 3 docs, with disagreeing types.
	age := fieldByName(t, users, "age")
	assert.True(t, age.Nullable)
	assert.Equal(t, TypeMixed, age.DataType)
}

func TestIntrospectNestedAndArrayPaths(t *testing.T) {
	s := NewStore()
	s.Load("orders", []map[string]any{
		{
			"_id":      1,
			"customer": map[string]any{"name": "ada", "address": map[string]any{"city": "berlin"}},
			"items":    []any{map[string]any{"sku": "a1", "price": 9.5}},
		},
	})

	in := NewIntrospector(s, 0, zap.NewNop())
	g, err := in.Introspect(context.Background())
	require.NoError(t, err)

	orders := g.Entities[0]
	fieldByName(t, orders, "customer.name")
	fieldByName(t, orders, "customer.address.city")
	price := fieldByName(t, orders, "items[].price")
	assert.Equal(t, "float", price.DataType)
}

func TestIntrospectConventionEdges(t *testing.T) {
	s := NewStore()
	s.Load("customers", []map[string]any{{"id": 1, "name": "ada"}})
	s.Load("orders", []map[string]any{{"id": 10, "customer_id": 1, "total": 5.0}})

	in := NewIntrospector(s, 0, zap.NewNop())
	g, err := in.Introspect(context.Background())
	require.NoError(t, err)

	require.Len(t, g.Edges, 1)
	assert.Equal(t, "orders.customer_id -> customers.id", g.Edges[0].String())
	assert.Equal(t, schema.WeightConvention, g.Edges[0].Weight)
}

func TestIntrospectSampleCap(t *testing.T) {
	docs := make([]map[string]any, 20)
	for i := range docs {
		docs[i] = map[string]any{"id": i}
	}
	// The late field only appears past the sample window.
	docs[19]["late"] = true

	s := NewStore()
	s.Load("events", docs)

	in := NewIntrospector(s, 10, zap.NewNop())
	g, err := in.Introspect(context.Background())
	require.NoError(t, err)

	events := g.Entities[0]
	_, ok := events.Field("late")
	assert.False(t, ok)
}

func TestIntrospectEmptyStore(t *testing.T) {
	in := NewIntrospector(NewStore(), 0, zap.NewNop())
	_, err := in.Introspect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrIntrospection)
}
