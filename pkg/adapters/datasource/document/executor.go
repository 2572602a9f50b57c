package document

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/adapters/datasource"
	"github.com/queryshield/pipeline-engine/pkg/apperrors"
	"github.com/queryshield/pipeline-engine/pkg/sqlguard"
)

// Executor runs validated document queries against a store snapshot.
// Writes are structurally impossible: the executor only ever reads the
// store, which is the document equivalent of a read-only session.
type Executor struct {
	store  *Store
	logger *zap.Logger
}

// NewExecutor creates a document executor over a store.
func NewExecutor(store *Store, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:  store,
		logger: logger.Named("doc-executor"),
	}
}

// ExecuteReadOnly runs a normalized document query spec (the safety
// validator's canonical JSON) with the row cap and timeout applied.
func (e *Executor) ExecuteReadOnly(ctx context.Context, query string, opts datasource.ReadOptions) (*datasource.Result, error) {
	if opts.MaxRows <= 0 {
		return nil, fmt.Errorf("%w: row cap must be positive", apperrors.ErrExecution)
	}

	var q sqlguard.DocumentQuery
	if err := json.Unmarshal([]byte(query), &q); err != nil {
		return nil, fmt.Errorf("%w: decode query spec: %v", apperrors.ErrExecution, err)
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	docs, err := e.store.Collection(q.Collection)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrExecution, err)
	}

	start := time.Now()
	var out []map[string]any

	switch strings.ToLower(q.Operation) {
	case "find":
		out, err = runFind(execCtx, docs, &q)
	case "count":
		out, err = runCount(execCtx, docs, &q)
	case "aggregate":
		out, err = runAggregate(execCtx, docs, &q)
	default:
		err = fmt.Errorf("unsupported operation %q", q.Operation)
	}
	if err != nil {
		if execCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: query cancelled after timeout", apperrors.ErrExecutionTimeout)
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrExecution, err)
	}

	// The query's own limit applies first; the guard's cap is the
	// outer bound either way.
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	truncated := false
	if len(out) > opts.MaxRows {
		out = out[:opts.MaxRows]
		truncated = true
	}

	result := &datasource.Result{
		Columns:   columnsFromRows(out),
		Rows:      out,
		RowCount:  len(out),
		Elapsed:   time.Since(start),
		Truncated: truncated,
	}

	e.logger.Info("document query executed",
		zap.String("collection", q.Collection),
		zap.String("operation", q.Operation),
		zap.Int("rows", result.RowCount),
		zap.Bool("truncated", truncated))

	return result, nil
}

// Close implements datasource.ReadExecutor.
func (e *Executor) Close() error {
	return nil
}

func runFind(ctx context.Context, docs []map[string]any, q *sqlguard.DocumentQuery) ([]map[string]any, error) {
	var out []map[string]any
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := matchFilter(doc, q.Filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}

	if len(q.Sort) > 0 {
		sortDocs(out, q.Sort)
	}
	if len(q.Projection) > 0 {
		projected := make([]map[string]any, len(out))
		for i, doc := range out {
			projected[i] = project(doc, q.Projection)
		}
		out = projected
	}
	return out, nil
}

func runCount(ctx context.Context, docs []map[string]any, q *sqlguard.DocumentQuery) ([]map[string]any, error) {
	count := 0
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := matchFilter(doc, q.Filter)
		if err != nil {
			return nil, err
		}
		if ok {
			count++
		}
	}
	return []map[string]any{{"count": count}}, nil
}

// runAggregate supports the read-only pipeline stages $match, $sort,
// $limit, $project, and $group with the sum/avg/min/max/count
// accumulators. Anything else fails execution; code-executing stages
// were already rejected by the validator.
func runAggregate(ctx context.Context, docs []map[string]any, q *sqlguard.DocumentQuery) ([]map[string]any, error) {
	current := docs

	for _, stage := range q.Pipeline {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(stage) != 1 {
			return nil, fmt.Errorf("pipeline stage must have exactly one operator")
		}

		for op, arg := range stage {
			var err error
			switch strings.ToLower(op) {
			case "$match":
				filter, ok := arg.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("$match requires an object")
				}
				current, err = filterDocs(current, filter)
			case "$sort":
				spec, ok := arg.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("$sort requires an object")
				}
				sortDocs(current, spec)
			case "$limit":
				n, ok := toFloat(arg)
				if !ok || n < 0 {
					return nil, fmt.Errorf("$limit requires a non-negative number")
				}
				if int(n) < len(current) {
					current = current[:int(n)]
				}
			case "$project":
				spec, ok := arg.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("$project requires an object")
				}
				projected := make([]map[string]any, len(current))
				for i, doc := range current {
					projected[i] = project(doc, spec)
				}
				current = projected
			case "$group":
				spec, ok := arg.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("$group requires an object")
				}
				current, err = groupDocs(current, spec)
			default:
				return nil, fmt.Errorf("unsupported pipeline stage %q", op)
			}
			if err != nil {
				return nil, err
			}
		}
	}

	return current, nil
}

func filterDocs(docs []map[string]any, filter map[string]any) ([]map[string]any, error) {
	var out []map[string]any
	for _, doc := range docs {
		ok, err := matchFilter(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// matchFilter evaluates a filter document: field equality plus the
// comparison operators $eq, $ne, $gt, $gte, $lt, $lte, $in.
func matchFilter(doc map[string]any, filter map[string]any) (bool, error) {
	for field, expected := range filter {
		actual := lookupPath(doc, field)

		ops, isOps := expected.(map[string]any)
		if !isOps {
			if !valuesEqual(actual, expected) {
				return false, nil
			}
			continue
		}

		for op, operand := range ops {
			ok, err := compare(actual, strings.ToLower(op), operand)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

func compare(actual any, op string, operand any) (bool, error) {
	switch op {
	case "$eq":
		return valuesEqual(actual, operand), nil
	case "$ne":
		return !valuesEqual(actual, operand), nil
	case "$in":
		list, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("$in requires an array")
		}
		for _, candidate := range list {
			if valuesEqual(actual, candidate) {
				return true, nil
			}
		}
		return false, nil
	case "$gt", "$gte", "$lt", "$lte":
		cmp, ok := orderValues(actual, operand)
		if !ok {
			return false, nil
		}
		switch op {
		case "$gt":
			return cmp > 0, nil
		case "$gte":
			return cmp >= 0, nil
		case "$lt":
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	default:
		return false, fmt.Errorf("unsupported filter operator %q", op)
	}
}

func groupDocs(docs []map[string]any, spec map[string]any) ([]map[string]any, error) {
	keyExpr, hasID := spec["_id"]
	if !hasID {
		return nil, fmt.Errorf("$group requires _id")
	}

	type bucket struct {
		key  any
		docs []map[string]any
	}
	var order []string
	buckets := make(map[string]*bucket)

	for _, doc := range docs {
		key := evalGroupKey(doc, keyExpr)
		hash := fmt.Sprintf("%v", key)
		b, ok := buckets[hash]
		if !ok {
			b = &bucket{key: key}
			buckets[hash] = b
			order = append(order, hash)
		}
		b.docs = append(b.docs, doc)
	}
	sort.Strings(order)

	var out []map[string]any
	for _, hash := range order {
		b := buckets[hash]
		row := map[string]any{"_id": b.key}
		for field, accAny := range spec {
			if field == "_id" {
				continue
			}
			acc, ok := accAny.(map[string]any)
			if !ok || len(acc) != 1 {
				return nil, fmt.Errorf("accumulator for %q must be a single-operator object", field)
			}
			for op, arg := range acc {
				val, err := applyAccumulator(b.docs, strings.ToLower(op), arg)
				if err != nil {
					return nil, err
				}
				row[field] = val
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func evalGroupKey(doc map[string]any, expr any) any {
	if s, ok := expr.(string); ok && strings.HasPrefix(s, "$") {
		return lookupPath(doc, s[1:])
	}
	return expr
}

func applyAccumulator(docs []map[string]any, op string, arg any) (any, error) {
	fieldOf := func() (string, bool) {
		s, ok := arg.(string)
		if ok && strings.HasPrefix(s, "$") {
			return s[1:], true
		}
		return "", false
	}

	switch op {
	case "$count":
		return len(docs), nil
	case "$sum":
		if _, ok := fieldOf(); !ok {
			// {$sum: 1} counts documents.
			if n, ok := toFloat(arg); ok {
				return n * float64(len(docs)), nil
			}
			return nil, fmt.Errorf("$sum requires a field reference or number")
		}
		field, _ := fieldOf()
		total := 0.0
		for _, doc := range docs {
			if n, ok := toFloat(lookupPath(doc, field)); ok {
				total += n
			}
		}
		return total, nil
	case "$avg", "$min", "$max":
		field, ok := fieldOf()
		if !ok {
			return nil, fmt.Errorf("%s requires a field reference", op)
		}
		var vals []float64
		for _, doc := range docs {
			if n, ok := toFloat(lookupPath(doc, field)); ok {
				vals = append(vals, n)
			}
		}
		if len(vals) == 0 {
			return nil, nil
		}
		switch op {
		case "$avg":
			total := 0.0
			for _, v := range vals {
				total += v
			}
			return total / float64(len(vals)), nil
		case "$min":
			m := vals[0]
			for _, v := range vals {
				if v < m {
					m = v
				}
			}
			return m, nil
		default:
			m := vals[0]
			for _, v := range vals {
				if v > m {
					m = v
				}
			}
			return m, nil
		}
	default:
		return nil, fmt.Errorf("unsupported accumulator %q", op)
	}
}

// project keeps only include-marked fields; _id is kept unless
// explicitly excluded, matching document-database convention.
func project(doc map[string]any, spec map[string]any) map[string]any {
	out := make(map[string]any)

	includeID := true
	anyInclude := false
	for field, v := range spec {
		include := isTruthy(v)
		if field == "_id" {
			includeID = include
			continue
		}
		if include {
			anyInclude = true
			if val := lookupPath(doc, field); val != nil {
				out[field] = val
			}
		}
	}

	if !anyInclude {
		// Exclusion-style projection: copy everything except excluded.
		for k, v := range doc {
			if spec[k] != nil && !isTruthy(spec[k]) {
				continue
			}
			out[k] = v
		}
	}
	if id, ok := doc["_id"]; ok && includeID {
		out["_id"] = id
	} else if !includeID {
		delete(out, "_id")
	}
	return out
}

func sortDocs(docs []map[string]any, spec map[string]any) {
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			dir := 1.0
			if d, ok := toFloat(spec[k]); ok && d < 0 {
				dir = -1
			}
			cmp, ok := orderValues(lookupPath(docs[i], k), lookupPath(docs[j], k))
			if !ok || cmp == 0 {
				continue
			}
			return float64(cmp)*dir < 0
		}
		return false
	})
}

// lookupPath resolves dot-notation paths into nested objects.
func lookupPath(doc map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var current any = doc
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b) && (a == nil) == (b == nil)
}

// orderValues compares two values, numerically when both are numbers,
// lexically when both are strings. ok is false for incomparable pairs.
func orderValues(a, b any) (int, bool) {
	if fa, aok := toFloat(a); aok {
		if fb, bok := toFloat(b); bok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func isTruthy(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	if n, ok := toFloat(v); ok {
		return n != 0
	}
	return false
}

func columnsFromRows(rows []map[string]any) []datasource.ColumnInfo {
	if len(rows) == 0 {
		return nil
	}
	names := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		names = append(names, k)
	}
	sort.Strings(names)

	cols := make([]datasource.ColumnInfo, len(names))
	for i, name := range names {
		cols[i] = datasource.ColumnInfo{Name: name, Type: typeName(rows[0][name])}
	}
	return cols
}

// Ensure Executor implements datasource.ReadExecutor at compile time.
var _ datasource.ReadExecutor = (*Executor)(nil)
