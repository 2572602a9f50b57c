package document

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/apperrors"
	"github.com/queryshield/pipeline-engine/pkg/schema"
)

// DefaultSampleSize bounds how many documents per collection are
// examined for field inference.
const DefaultSampleSize = 400

// maxFlattenDepth bounds recursion into nested objects and arrays.
const maxFlattenDepth = 6

// TypeMixed marks a field whose sampled values disagree on type.
const TypeMixed = "mixed"

// Introspector infers a schema graph from sampled documents. The field
// set of an entity is the union across samples; the declared type is
// the majority type, with a mixed marker when samples disagree.
type Introspector struct {
	store      *Store
	sampleSize int
	logger     *zap.Logger
}

// NewIntrospector creates a document introspector over a store.
func NewIntrospector(store *Store, sampleSize int, logger *zap.Logger) *Introspector {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Introspector{
		store:      store,
		sampleSize: sampleSize,
		logger:     logger.Named("doc-introspector"),
	}
}

// Introspect samples each collection and builds a schema graph. Nested
// paths use dot notation; array elements use the [] marker, e.g.
// items[].price.
func (in *Introspector) Introspect(ctx context.Context) (*schema.Graph, error) {
	names := in.store.CollectionNames()
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: store has no collections", apperrors.ErrIntrospection)
	}

	g := &schema.Graph{}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrIntrospection, err)
		}

		docs, err := in.store.Collection(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrIntrospection, err)
		}
		if len(docs) > in.sampleSize {
			docs = docs[:in.sampleSize]
		}

		entity := &schema.Entity{Name: name, Fields: inferFields(docs, len(docs))}
		g.Entities = append(g.Entities, entity)
	}

	g.InferConventionEdges()

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid graph: %v", apperrors.ErrIntrospection, err)
	}

	in.logger.Info("document schema inferred",
		zap.Int("collections", len(g.Entities)),
		zap.Int("edges", len(g.Edges)))

	return g, nil
}

// inferFields computes the field union with per-path type tallies.
// Presence below the full sample count makes a field nullable.
func inferFields(docs []map[string]any, total int) []schema.Field {
	typeCounts := make(map[string]map[string]int) // path -> type -> count
	presence := make(map[string]int)              // path -> docs containing it

	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, fv := range flatten(doc, "", maxFlattenDepth) {
			if fv.path == "" {
				continue
			}
			if !seen[fv.path] {
				seen[fv.path] = true
				presence[fv.path]++
			}
			if typeCounts[fv.path] == nil {
				typeCounts[fv.path] = make(map[string]int)
			}
			typeCounts[fv.path][typeName(fv.value)]++
		}
	}

	paths := make([]string, 0, len(presence))
	for p := range presence {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	fields := make([]schema.Field, 0, len(paths))
	for _, p := range paths {
		fields = append(fields, schema.Field{
			Name:         p,
			DataType:     majorityType(typeCounts[p]),
			Nullable:     presence[p] < total,
			IsPrimaryKey: p == "id" || p == "_id",
		})
	}
	return fields
}

type fieldValue struct {
	path  string
	value any
}

func flatten(doc any, prefix string, depth int) []fieldValue {
	if depth <= 0 {
		return nil
	}

	var out []fieldValue
	switch val := doc.(type) {
	case map[string]any:
		for k, v := range val {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			switch v.(type) {
			case map[string]any, []any:
				out = append(out, flatten(v, p, depth-1)...)
			default:
				out = append(out, fieldValue{path: p, value: v})
			}
		}
	case []any:
		p := prefix + "[]"
		// Sample a few elements per array.
		limit := 5
		if len(val) < limit {
			limit = len(val)
		}
		for _, v := range val[:limit] {
			switch v.(type) {
			case map[string]any, []any:
				out = append(out, flatten(v, p, depth-1)...)
			default:
				out = append(out, fieldValue{path: p, value: v})
			}
		}
	default:
		out = append(out, fieldValue{path: prefix, value: doc})
	}
	return out
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case int, int32, int64:
		return "int"
	case float32, float64:
		return "float"
	case string:
		return "string"
	case time.Time:
		return "datetime"
	default:
		return "unknown"
	}
}

// majorityType returns the single non-null type of the samples, or the
// mixed marker when non-null samples disagree.
func majorityType(counts map[string]int) string {
	var distinct []string
	for t := range counts {
		if t != "null" {
			distinct = append(distinct, t)
		}
	}
	if len(distinct) == 0 {
		return "null"
	}
	if len(distinct) > 1 {
		return TypeMixed
	}
	return distinct[0]
}

// Ensure Introspector implements schema.Introspector at compile time.
var _ schema.Introspector = (*Introspector)(nil)
