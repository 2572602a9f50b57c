// Package postgres implements schema introspection and guarded
// read-only execution against PostgreSQL datasources.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/apperrors"
	"github.com/queryshield/pipeline-engine/pkg/schema"
)

// enumSampleColumns are column names whose distinct values get sampled
// into the schema graph, so the generator can show the model real
// filter values instead of letting it guess.
var enumSampleColumns = map[string]bool{
	"status": true, "tier": true, "region": true, "category": true,
	"subcategory": true, "payment_method": true, "method": true,
	"type": true, "country": true, "brand": true, "currency": true,
	"payment_status": true, "order_status": true,
}

// enumSampleLimit caps how many distinct values are sampled per column.
const enumSampleLimit = 20

// Introspector reads PostgreSQL structural metadata into a schema graph.
type Introspector struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	// sampleEnums controls distinct-value sampling for categorical
	// columns. Disabled in tests that have no live data.
	sampleEnums bool
}

// NewIntrospector creates an introspector over an existing pool.
func NewIntrospector(pool *pgxpool.Pool, logger *zap.Logger) *Introspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Introspector{
		pool:        pool,
		logger:      logger.Named("pg-introspector"),
		sampleEnums: true,
	}
}

// Introspect enumerates tables, columns, and declared foreign keys in
// the accessible namespace and returns a validated schema graph.
// Any metadata failure wraps apperrors.ErrIntrospection and is fatal
// for the run.
func (in *Introspector) Introspect(ctx context.Context) (*schema.Graph, error) {
	g := &schema.Graph{}

	tables, err := in.listTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrIntrospection, err)
	}

	for _, t := range tables {
		fields, err := in.listColumns(ctx, t.schemaName, t.tableName)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrIntrospection, err)
		}
		entity := &schema.Entity{Name: t.qualifiedName(), Fields: fields}

		if in.sampleEnums {
			entity.SampleValues = in.sampleEnumValues(ctx, t, fields)
		}
		g.Entities = append(g.Entities, entity)
	}

	edges, err := in.listForeignKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrIntrospection, err)
	}
	g.Edges = edges

	g.InferConventionEdges()

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid graph: %v", apperrors.ErrIntrospection, err)
	}

	in.logger.Info("schema introspected",
		zap.Int("entities", len(g.Entities)),
		zap.Int("edges", len(g.Edges)))

	return g, nil
}

type tableRef struct {
	schemaName string
	tableName  string
}

func (t tableRef) qualifiedName() string {
	if t.schemaName == "" || t.schemaName == "public" {
		return t.tableName
	}
	return t.schemaName + "." + t.tableName
}

func (in *Introspector) listTables(ctx context.Context) ([]tableRef, error) {
	const query = `
		SELECT t.table_schema, t.table_name
		FROM information_schema.tables t
		WHERE t.table_type = 'BASE TABLE'
		  AND t.table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY t.table_schema, t.table_name
	`

	rows, err := in.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []tableRef
	for rows.Next() {
		var t tableRef
		if err := rows.Scan(&t.schemaName, &t.tableName); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

func (in *Introspector) listColumns(ctx context.Context, schemaName, tableName string) ([]schema.Field, error) {
	const query = `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES' as is_nullable,
			COALESCE(pk.is_pk, false) as is_primary_key
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT a.attname as column_name, true as is_pk
			FROM pg_index ix
			JOIN pg_class t ON t.oid = ix.indrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
			WHERE ix.indisprimary = true
			  AND n.nspname = $1
			  AND t.relname = $2
		) pk ON c.column_name = pk.column_name
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position
	`

	rows, err := in.pool.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("query columns for %s.%s: %w", schemaName, tableName, err)
	}
	defer rows.Close()

	var fields []schema.Field
	for rows.Next() {
		var f schema.Field
		if err := rows.Scan(&f.Name, &f.DataType, &f.Nullable, &f.IsPrimaryKey); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return fields, nil
}

func (in *Introspector) listForeignKeys(ctx context.Context) ([]*schema.Edge, error) {
	const query = `
		SELECT
			kcu.table_schema as source_schema,
			kcu.table_name as source_table,
			kcu.column_name as source_column,
			ccu.table_schema as target_schema,
			ccu.table_name as target_table,
			ccu.column_name as target_column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name
			AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY source_schema, source_table, source_column
	`

	rows, err := in.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	var edges []*schema.Edge
	for rows.Next() {
		var srcSchema, srcTable, srcCol, tgtSchema, tgtTable, tgtCol string
		if err := rows.Scan(&srcSchema, &srcTable, &srcCol, &tgtSchema, &tgtTable, &tgtCol); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		edges = append(edges, &schema.Edge{
			SourceEntity: tableRef{srcSchema, srcTable}.qualifiedName(),
			SourceField:  srcCol,
			TargetEntity: tableRef{tgtSchema, tgtTable}.qualifiedName(),
			TargetField:  tgtCol,
			Weight:       schema.WeightDeclaredFK,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate foreign keys: %w", err)
	}
	return edges, nil
}

// sampleEnumValues fetches distinct values for known categorical
// columns. Sampling failures are logged and skipped; missing samples
// only degrade prompt quality, they never fail introspection.
func (in *Introspector) sampleEnumValues(ctx context.Context, t tableRef, fields []schema.Field) map[string][]string {
	var samples map[string][]string

	for _, f := range fields {
		if !enumSampleColumns[strings.ToLower(f.Name)] {
			continue
		}

		tableIdent := pgx.Identifier{t.schemaName, t.tableName}.Sanitize()
		colIdent := pgx.Identifier{f.Name}.Sanitize()
		query := fmt.Sprintf(
			`SELECT DISTINCT %s::text FROM %s WHERE %s IS NOT NULL ORDER BY 1 LIMIT %d`,
			colIdent, tableIdent, colIdent, enumSampleLimit,
		)

		rows, err := in.pool.Query(ctx, query)
		if err != nil {
			in.logger.Debug("enum sampling failed",
				zap.String("table", t.qualifiedName()),
				zap.String("column", f.Name),
				zap.Error(err))
			continue
		}

		var values []string
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				values = nil
				break
			}
			values = append(values, v)
		}
		rows.Close()

		if len(values) > 0 {
			if samples == nil {
				samples = make(map[string][]string)
			}
			samples[f.Name] = values
		}
	}

	return samples
}

// Ensure Introspector implements schema.Introspector at compile time.
var _ schema.Introspector = (*Introspector)(nil)
