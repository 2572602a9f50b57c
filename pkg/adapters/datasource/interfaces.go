// Package datasource defines the capability surface the pipeline needs
// from a connected data source: metadata introspection and guarded
// read-only execution. Connection credentials are owned by the caller;
// this package only ever sees an opened handle or a connection string.
package datasource

import (
	"context"
	"time"

	"github.com/queryshield/pipeline-engine/pkg/schema"
)

// Kind identifies the datasource family.
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindDocument Kind = "document"
)

// ColumnInfo describes a result column with source-agnostic type information.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Result holds the outcome of one guarded execution.
type Result struct {
	Columns   []ColumnInfo     `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Elapsed   time.Duration    `json:"elapsed"`
	Truncated bool             `json:"truncated"` // row cap was hit
}

// ReadOptions bound a guarded execution.
type ReadOptions struct {
	// MaxRows caps returned rows; results at the cap set Truncated.
	MaxRows int
	// Timeout is the wall-clock budget; the in-flight query is
	// cancelled at the driver level when it elapses.
	Timeout time.Duration
}

// ReadExecutor runs an already-validated query under a read-only,
// time-bounded, row-capped session. It is a defense-in-depth second
// check, not the primary gate: the safety validator has already
// excluded mutating statements.
type ReadExecutor interface {
	ExecuteReadOnly(ctx context.Context, query string, opts ReadOptions) (*Result, error)

	// Close releases any resources held by the executor. It never
	// closes a pool owned by the connection manager.
	Close() error
}

// Handle bundles the two capabilities a pipeline run needs from one
// datasource identity.
type Handle interface {
	schema.Introspector
	ReadExecutor
	Kind() Kind
}
