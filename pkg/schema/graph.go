// Package schema models a datasource's structure as a graph of
// entities and relation edges, matches question text to entities, and
// resolves join paths between them.
package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jinzhu/inflection"
)

// Edge weights. Declared foreign keys are always preferred over
// naming-convention inferences when resolving join paths.
const (
	WeightDeclaredFK = 0
	WeightConvention = 1
)

// Field describes a single column or document field.
type Field struct {
	Name         string `json:"name"`
	DataType     string `json:"data_type"`
	Nullable     bool   `json:"nullable"`
	IsPrimaryKey bool   `json:"is_primary_key"`
}

// Entity is a table or collection with its ordered field list.
type Entity struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`

	// SampleValues holds up to a handful of distinct values for
	// low-cardinality categorical fields, keyed by field name. They are
	// injected into the generation prompt so the model filters on real
	// values instead of invented ones.
	SampleValues map[string][]string `json:"sample_values,omitempty"`
}

// Field returns the named field, or false when the entity has no such field.
func (e *Entity) Field(name string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// PrimaryKey returns the name of the first primary-key field, or "".
func (e *Entity) PrimaryKey() string {
	for _, f := range e.Fields {
		if f.IsPrimaryKey {
			return f.Name
		}
	}
	return ""
}

// Edge is a directed relation from a referencing field to a referenced
// field, weighted by confidence (declared FK = 0, convention match = 1).
type Edge struct {
	SourceEntity string `json:"source_entity"`
	SourceField  string `json:"source_field"`
	TargetEntity string `json:"target_entity"`
	TargetField  string `json:"target_field"`
	Weight       int    `json:"weight"`
}

func (e *Edge) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s", e.SourceEntity, e.SourceField, e.TargetEntity, e.TargetField)
}

// Graph is an in-memory snapshot of a datasource's structure. It is
// rebuilt per pipeline run or served from a per-connection cache; it is
// never shared across different connection identities.
type Graph struct {
	Entities []*Entity `json:"entities"`
	Edges    []*Edge   `json:"edges"`
}

// Entity returns the named entity, or false when absent.
func (g *Graph) Entity(name string) (*Entity, bool) {
	for _, e := range g.Entities {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// EntityNames returns all entity names in graph order.
func (g *Graph) EntityNames() []string {
	names := make([]string, len(g.Entities))
	for i, e := range g.Entities {
		names[i] = e.Name
	}
	return names
}

// Validate checks the graph invariants: entity names unique within the
// snapshot, and every edge referencing only existing entities and fields.
func (g *Graph) Validate() error {
	seen := make(map[string]bool, len(g.Entities))
	for _, e := range g.Entities {
		if seen[e.Name] {
			return fmt.Errorf("duplicate entity name %q", e.Name)
		}
		seen[e.Name] = true
	}

	for _, edge := range g.Edges {
		src, ok := g.Entity(edge.SourceEntity)
		if !ok {
			return fmt.Errorf("edge %s references unknown entity %q", edge, edge.SourceEntity)
		}
		if _, ok := src.Field(edge.SourceField); !ok {
			return fmt.Errorf("edge %s references unknown field %s.%s", edge, edge.SourceEntity, edge.SourceField)
		}
		tgt, ok := g.Entity(edge.TargetEntity)
		if !ok {
			return fmt.Errorf("edge %s references unknown entity %q", edge, edge.TargetEntity)
		}
		if _, ok := tgt.Field(edge.TargetField); !ok {
			return fmt.Errorf("edge %s references unknown field %s.%s", edge, edge.TargetEntity, edge.TargetField)
		}
	}

	return nil
}

// Subset returns a copy of the graph restricted to the named entities
// and the edges connecting them. Used to prune the schema handed to the
// query generator.
func (g *Graph) Subset(names []string) *Graph {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}

	sub := &Graph{}
	for _, e := range g.Entities {
		if keep[e.Name] {
			sub.Entities = append(sub.Entities, e)
		}
	}
	for _, edge := range g.Edges {
		if keep[edge.SourceEntity] && keep[edge.TargetEntity] {
			sub.Edges = append(sub.Edges, edge)
		}
	}
	return sub
}

// InferConventionEdges adds weight-1 edges for columns that follow the
// <entity>_id naming convention and reference an existing entity's
// primary key, e.g. orders.customer_id -> customers.id. Declared FK
// edges already present suppress the convention duplicate. The added
// edges are sorted for deterministic graph snapshots.
func (g *Graph) InferConventionEdges() {
	declared := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		declared[e.SourceEntity+"\x00"+e.SourceField] = true
	}

	var added []*Edge
	for _, src := range g.Entities {
		for _, f := range src.Fields {
			if f.IsPrimaryKey || !strings.HasSuffix(f.Name, "_id") {
				continue
			}
			if declared[src.Name+"\x00"+f.Name] {
				continue
			}

			base := strings.TrimSuffix(f.Name, "_id")
			target, ok := g.Entity(inflection.Plural(base))
			if !ok {
				// Some schemas keep singular table names.
				if target, ok = g.Entity(base); !ok {
					continue
				}
			}
			if target.Name == src.Name {
				continue
			}
			pk := target.PrimaryKey()
			if pk == "" {
				continue
			}

			added = append(added, &Edge{
				SourceEntity: src.Name,
				SourceField:  f.Name,
				TargetEntity: target.Name,
				TargetField:  pk,
				Weight:       WeightConvention,
			})
		}
	}

	sort.Slice(added, func(i, j int) bool {
		return added[i].String() < added[j].String()
	})
	g.Edges = append(g.Edges, added...)
}

// Introspector reads structural metadata from a connected datasource
// and produces a validated schema graph. Implementations live in the
// datasource adapters.
type Introspector interface {
	Introspect(ctx context.Context) (*Graph, error)
}
