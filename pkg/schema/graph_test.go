package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGraph() *Graph {
	return &Graph{
		Entities: []*Entity{
			{
				Name: "customers",
				Fields: []Field{
					{Name: "id", DataType: "uuid", IsPrimaryKey: true},
					{Name: "name", DataType: "text"},
					{Name: "region", DataType: "text", Nullable: true},
				},
			},
			{
				Name: "orders",
				Fields: []Field{
					{Name: "id", DataType: "uuid", IsPrimaryKey: true},
					{Name: "customer_id", DataType: "uuid"},
					{Name: "total", DataType: "numeric"},
					{Name: "status", DataType: "text"},
				},
			},
			{
				Name: "order_items",
				Fields: []Field{
					{Name: "id", DataType: "uuid", IsPrimaryKey: true},
					{Name: "order_id", DataType: "uuid"},
					{Name: "product_id", DataType: "uuid"},
				},
			},
			{
				Name: "products",
				Fields: []Field{
					{Name: "id", DataType: "uuid", IsPrimaryKey: true},
					{Name: "sku", DataType: "text"},
				},
			},
		},
	}
}

func TestGraphValidate(t *testing.T) {
	g := testGraph()
	require.NoError(t, g.Validate())

	g.Edges = append(g.Edges, &Edge{
		SourceEntity: "orders", SourceField: "customer_id",
		TargetEntity: "customers", TargetField: "id",
	})
	require.NoError(t, g.Validate())

	t.Run("duplicate entity", func(t *testing.T) {
		dup := testGraph()
		dup.Entities = append(dup.Entities, &Entity{Name: "orders"})
		err := dup.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate entity")
	})

	t.Run("edge to unknown entity", func(t *testing.T) {
		bad := testGraph()
		bad.Edges = []*Edge{{SourceEntity: "orders", SourceField: "customer_id", TargetEntity: "ghosts", TargetField: "id"}}
		require.Error(t, bad.Validate())
	})

	t.Run("edge to unknown field", func(t *testing.T) {
		bad := testGraph()
		bad.Edges = []*Edge{{SourceEntity: "orders", SourceField: "nope", TargetEntity: "customers", TargetField: "id"}}
		require.Error(t, bad.Validate())
	})
}

func TestInferConventionEdges(t *testing.T) {
	g := testGraph()
	g.InferConventionEdges()
	require.NoError(t, g.Validate())

	wants := []string{
		"order_items.order_id -> orders.id",
		"order_items.product_id -> products.id",
		"orders.customer_id -> customers.id",
	}
	got := make([]string, len(g.Edges))
	for i, e := range g.Edges {
		got[i] = e.String()
		assert.Equal(t, WeightConvention, e.Weight)
	}
	assert.Equal(t, wants, got)
}

func TestInferConventionEdgesSkipsDeclared(t *testing.T) {
	g := testGraph()
	declared := &Edge{
		SourceEntity: "orders", SourceField: "customer_id",
		TargetEntity: "customers", TargetField: "id",
		Weight: WeightDeclaredFK,
	}
	g.Edges = []*Edge{declared}

	g.InferConventionEdges()

	var forCustomerID []*Edge
	for _, e := range g.Edges {
		if e.SourceEntity == "orders" && e.SourceField == "customer_id" {
			forCustomerID = append(forCustomerID, e)
		}
	}
	require.Len(t, forCustomerID, 1)
	assert.Equal(t, WeightDeclaredFK, forCustomerID[0].Weight)
}

func TestInferConventionEdgesSingularTableName(t *testing.T) {
	g := &Graph{
		Entities: []*Entity{
			{Name: "account", Fields: []Field{{Name: "id", IsPrimaryKey: true}}},
			{Name: "payments", Fields: []Field{
				{Name: "id", IsPrimaryKey: true},
				{Name: "account_id"},
			}},
		},
	}
	g.InferConventionEdges()
	require.Len(t, g.Edges, 1)
	assert.Equal(t, "payments.account_id -> account.id", g.Edges[0].String())
}

func TestSubset(t *testing.T) {
	g := testGraph()
	g.InferConventionEdges()

	sub := g.Subset([]string{"orders", "customers"})
	assert.Equal(t, []string{"customers", "orders"}, sub.EntityNames())
	require.Len(t, sub.Edges, 1)
	assert.Equal(t, "orders.customer_id -> customers.id", sub.Edges[0].String())

	// The full graph is untouched.
	assert.Len(t, g.Entities, 4)
	assert.Len(t, g.Edges, 3)
}

func TestEntityPrimaryKey(t *testing.T) {
	g := testGraph()
	e, ok := g.Entity("orders")
	require.True(t, ok)
	assert.Equal(t, "id", e.PrimaryKey())

	noPK := &Entity{Name: "log", Fields: []Field{{Name: "line"}}}
	assert.Equal(t, "", noPK.PrimaryKey())
}
