// Package profile computes per-column statistics and an aggregate
// data-quality score from an execution result. It is purely
// computational: no I/O and no failure mode beyond malformed input,
// which yields a defined empty profile rather than an error.
package profile

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/queryshield/pipeline-engine/pkg/adapters/datasource"
)

// ColumnType is the type inferred from a column's values.
type ColumnType string

const (
	TypeNumeric ColumnType = "numeric"
	TypeText    ColumnType = "text"
	TypeBool    ColumnType = "bool"
	TypeTime    ColumnType = "time"
	TypeMixed   ColumnType = "mixed"
	TypeUnknown ColumnType = "unknown"
)

// TopValue is one entry of a categorical column's frequency table.
type TopValue struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// ColumnProfile holds the statistics for one result column.
type ColumnProfile struct {
	Name          string     `json:"name"`
	Type          ColumnType `json:"type"`
	NullCount     int        `json:"null_count"`
	DistinctCount int        `json:"distinct_count"`
	// DistinctApprox is set when the distinct count was computed over a
	// capped value set rather than the full column.
	DistinctApprox bool       `json:"distinct_approx,omitempty"`
	Min            *float64   `json:"min,omitempty"`  // numeric/time only
	Max            *float64   `json:"max,omitempty"`  // numeric/time only
	Mean           *float64   `json:"mean,omitempty"` // numeric only
	TopValues      []TopValue `json:"top_values,omitempty"`
}

// distinctTrackLimit bounds exact distinct counting. Columns with more
// tracked values than this report an approximate count.
const distinctTrackLimit = 10000

// topK is how many frequent values are reported for categorical columns.
const topK = 3

// Columns profiles every column of a result. Column order follows the
// result's column metadata; rows missing a column count as nulls.
func Columns(result *datasource.Result) []ColumnProfile {
	if result == nil || len(result.Columns) == 0 {
		return nil
	}

	profiles := make([]ColumnProfile, 0, len(result.Columns))
	for _, col := range result.Columns {
		values := make([]any, len(result.Rows))
		for i, row := range result.Rows {
			values[i] = row[col.Name]
		}
		profiles = append(profiles, profileColumn(col.Name, values))
	}
	return profiles
}

func profileColumn(name string, values []any) ColumnProfile {
	p := ColumnProfile{Name: name, Type: TypeUnknown}

	distinct := make(map[string]int)
	var numeric []float64
	nonNull := 0
	counts := map[ColumnType]int{}

	for _, v := range values {
		if v == nil {
			p.NullCount++
			continue
		}
		nonNull++

		key := fmt.Sprintf("%v", v)
		if len(distinct) < distinctTrackLimit {
			distinct[key]++
		} else if _, seen := distinct[key]; seen {
			distinct[key]++
		} else {
			p.DistinctApprox = true
		}

		t, num := classify(v)
		counts[t]++
		if t == TypeNumeric || t == TypeTime {
			numeric = append(numeric, num)
		}
	}

	p.DistinctCount = len(distinct)
	if nonNull == 0 {
		return p
	}

	p.Type = dominantType(counts, nonNull)

	switch p.Type {
	case TypeNumeric, TypeTime:
		if len(numeric) > 0 {
			mn, mx, sum := numeric[0], numeric[0], 0.0
			for _, n := range numeric {
				if n < mn {
					mn = n
				}
				if n > mx {
					mx = n
				}
				sum += n
			}
			p.Min = &mn
			p.Max = &mx
			if p.Type == TypeNumeric {
				mean := sum / float64(len(numeric))
				p.Mean = &mean
			}
		}
	case TypeText, TypeBool, TypeMixed:
		p.TopValues = topValues(distinct, topK)
	}

	return p
}

// classify maps a value to a profile type, returning the numeric
// representation for numeric and time values.
func classify(v any) (ColumnType, float64) {
	switch n := v.(type) {
	case int:
		return TypeNumeric, float64(n)
	case int16:
		return TypeNumeric, float64(n)
	case int32:
		return TypeNumeric, float64(n)
	case int64:
		return TypeNumeric, float64(n)
	case float32:
		return TypeNumeric, float64(n)
	case float64:
		return TypeNumeric, n
	case bool:
		return TypeBool, 0
	case time.Time:
		return TypeTime, float64(n.Unix())
	case string:
		return TypeText, 0
	default:
		return TypeUnknown, 0
	}
}

// dominantType returns the single type of the column, or mixed when the
// values disagree. A column must be uniformly typed to get numeric
// statistics; one stray string demotes it.
func dominantType(counts map[ColumnType]int, nonNull int) ColumnType {
	for t, c := range counts {
		if c == nonNull {
			return t
		}
	}
	return TypeMixed
}

func topValues(distinct map[string]int, k int) []TopValue {
	all := make([]TopValue, 0, len(distinct))
	for v, c := range distinct {
		all = append(all, TopValue{Value: v, Count: c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Value < all[j].Value
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// Warnings renders human-readable data-quality warnings from profiles.
func Warnings(profiles []ColumnProfile, totalRows int) []string {
	var warnings []string
	for _, p := range profiles {
		total := totalRows
		if total == 0 {
			continue
		}
		nullPct := float64(p.NullCount) / float64(total) * 100

		if nullPct >= 50 {
			warnings = append(warnings, fmt.Sprintf("column %q is mostly empty (%.1f%% missing values)", p.Name, nullPct))
		} else if nullPct >= 20 {
			warnings = append(warnings, fmt.Sprintf("column %q has %.1f%% missing values", p.Name, nullPct))
		}

		if p.DistinctCount == 1 && total > 1 {
			warnings = append(warnings, fmt.Sprintf("column %q has only one distinct value", p.Name))
		}

		if p.Type == TypeNumeric && p.Min != nil && p.Max != nil && *p.Min == *p.Max && total > 1 {
			warnings = append(warnings, fmt.Sprintf("column %q has no variation (all values = %g)", p.Name, *p.Min))
		}

		if p.Type == TypeMixed {
			warnings = append(warnings, fmt.Sprintf("column %q mixes value types", p.Name))
		}
	}
	return warnings
}

// QualityScore derives a single 0-100 scalar from the profiles:
// 100 minus clamped penalties for null ratio, type inconsistency, and
// low-cardinality anomalies. Deterministic for a given result; an empty
// result scores 100 (no data to penalize).
func QualityScore(profiles []ColumnProfile, totalRows int) float64 {
	if totalRows == 0 || len(profiles) == 0 {
		return 100
	}

	totalCells := float64(totalRows * len(profiles))
	nullCells := 0.0
	mixedCols := 0.0
	anomalyCols := 0.0

	for _, p := range profiles {
		nullCells += float64(p.NullCount)
		if p.Type == TypeMixed {
			mixedCols++
		}
		// A column collapsing to a single value across many rows is a
		// cardinality anomaly; so is a fully-unique "categorical".
		if totalRows > 1 && p.DistinctCount == 1 {
			anomalyCols++
		}
	}

	cols := float64(len(profiles))
	nullPenalty := clamp((nullCells/totalCells)*100, 0, 40)
	typePenalty := clamp((mixedCols/cols)*100, 0, 35)
	cardinalityPenalty := clamp((anomalyCols/cols)*50, 0, 25)

	return clamp(100-nullPenalty-typePenalty-cardinalityPenalty, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
