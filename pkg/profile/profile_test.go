package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryshield/pipeline-engine/pkg/adapters/datasource"
)

func resultWith(cols []string, rows []map[string]any) *datasource.Result {
	columns := make([]datasource.ColumnInfo, len(cols))
	for i, c := range cols {
		columns[i] = datasource.ColumnInfo{Name: c}
	}
	return &datasource.Result{Columns: columns, Rows: rows, RowCount: len(rows)}
}

func TestColumnsNumericWithNulls(t *testing.T) {
	// Ten rows: values 1..8 plus two nulls.
	rows := make([]map[string]any, 0, 10)
	for i := 1; i <= 8; i++ {
		rows = append(rows, map[string]any{"amount": i})
	}
	rows = append(rows, map[string]any{"amount": nil}, map[string]any{"amount": nil})

	profiles := Columns(resultWith([]string{"amount"}, rows))
	require.Len(t, profiles, 1)

	p := profiles[0]
	assert.Equal(t, "amount", p.Name)
	assert.Equal(t, TypeNumeric, p.Type)
	assert.Equal(t, 2, p.NullCount)
	assert.Equal(t, 8, p.DistinctCount)
	require.NotNil(t, p.Min)
	require.NotNil(t, p.Max)
	require.NotNil(t, p.Mean)
	assert.Equal(t, 1.0, *p.Min)
	assert.Equal(t, 8.0, *p.Max)
	assert.Equal(t, 4.5, *p.Mean)
}

func TestColumnsText(t *testing.T) {
	rows := []map[string]any{
		{"status": "open"}, {"status": "open"}, {"status": "open"},
		{"status": "closed"}, {"status": "closed"},
		{"status": "pending"},
		{"status": "archived"},
	}
	profiles := Columns(resultWith([]string{"status"}, rows))
	require.Len(t, profiles, 1)

	p := profiles[0]
	assert.Equal(t, TypeText, p.Type)
	assert.Equal(t, 4, p.DistinctCount)
	assert.Nil(t, p.Mean)
	require.Len(t, p.TopValues, 3)
	assert.Equal(t, TopValue{Value: "open", Count: 3}, p.TopValues[0])
	assert.Equal(t, TopValue{Value: "closed", Count: 2}, p.TopValues[1])
	// Count tie breaks on value.
	assert.Equal(t, TopValue{Value: "archived", Count: 1}, p.TopValues[2])
}

func TestColumnsTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []map[string]any{
		{"created_at": base},
		{"created_at": base.Add(time.Hour)},
	}
	profiles := Columns(resultWith([]string{"created_at"}, rows))
	require.Len(t, profiles, 1)

	p := profiles[0]
	assert.Equal(t, TypeTime, p.Type)
	require.NotNil(t, p.Min)
	require.NotNil(t, p.Max)
	assert.Equal(t, float64(base.Unix()), *p.Min)
	assert.Equal(t, float64(base.Add(time.Hour).Unix()), *p.Max)
	assert.Nil(t, p.Mean, "mean of timestamps is meaningless")
}

func TestColumnsMixedType(t *testing.T) {
	rows := []map[string]any{
		{"v": 1}, {"v": "two"}, {"v": 3},
	}
	profiles := Columns(resultWith([]string{"v"}, rows))
	require.Len(t, profiles, 1)
	assert.Equal(t, TypeMixed, profiles[0].Type)
	assert.Nil(t, profiles[0].Mean)
}

func TestColumnsAllNull(t *testing.T) {
	rows := []map[string]any{{"v": nil}, {"v": nil}}
	profiles := Columns(resultWith([]string{"v"}, rows))
	require.Len(t, profiles, 1)
	assert.Equal(t, TypeUnknown, profiles[0].Type)
	assert.Equal(t, 2, profiles[0].NullCount)
	assert.Equal(t, 0, profiles[0].DistinctCount)
}

func TestColumnsEmptyResult(t *testing.T) {
	assert.Nil(t, Columns(nil))
	assert.Nil(t, Columns(&datasource.Result{}))

	profiles := Columns(resultWith([]string{"v"}, nil))
	require.Len(t, profiles, 1)
	assert.Equal(t, 0, profiles[0].NullCount)
	assert.Equal(t, TypeUnknown, profiles[0].Type)
}

func TestQualityScoreBounds(t *testing.T) {
	t.Run("empty result scores 100", func(t *testing.T) {
		assert.Equal(t, 100.0, QualityScore(nil, 0))
		assert.Equal(t, 100.0, QualityScore([]ColumnProfile{}, 10))
	})

	t.Run("clean data scores 100", func(t *testing.T) {
		rows := []map[string]any{
			{"a": 1, "b": "x"}, {"a": 2, "b": "y"}, {"a": 3, "b": "z"},
		}
		profiles := Columns(resultWith([]string{"a", "b"}, rows))
		assert.Equal(t, 100.0, QualityScore(profiles, len(rows)))
	})

	t.Run("score stays within range", func(t *testing.T) {
		// Worst case: every cell null, every column degenerate.
		rows := []map[string]any{{"a": nil, "b": nil}, {"a": nil, "b": nil}}
		profiles := Columns(resultWith([]string{"a", "b"}, rows))
		score := QualityScore(profiles, len(rows))
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 100.0)
	})
}

func TestQualityScorePenalties(t *testing.T) {
	t.Run("null ratio lowers score", func(t *testing.T) {
		rows := []map[string]any{
			{"a": 1}, {"a": nil}, {"a": 2}, {"a": nil},
		}
		profiles := Columns(resultWith([]string{"a"}, rows))
		score := QualityScore(profiles, len(rows))
		assert.Less(t, score, 100.0)
		assert.GreaterOrEqual(t, score, 60.0, "null penalty is capped at 40")
	})

	t.Run("mixed types lower score", func(t *testing.T) {
		rows := []map[string]any{{"a": 1}, {"a": "x"}}
		profiles := Columns(resultWith([]string{"a"}, rows))
		assert.Less(t, QualityScore(profiles, len(rows)), 100.0)
	})

	t.Run("single distinct value lowers score", func(t *testing.T) {
		rows := []map[string]any{{"a": "same"}, {"a": "same"}, {"a": "same"}}
		profiles := Columns(resultWith([]string{"a"}, rows))
		assert.Less(t, QualityScore(profiles, len(rows)), 100.0)
	})

	t.Run("deterministic", func(t *testing.T) {
		rows := []map[string]any{{"a": 1, "b": nil}, {"a": 1, "b": "x"}}
		profiles := Columns(resultWith([]string{"a", "b"}, rows))
		first := QualityScore(profiles, len(rows))
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, QualityScore(Columns(resultWith([]string{"a", "b"}, rows)), len(rows)))
		}
	})
}

func TestWarnings(t *testing.T) {
	rows := []map[string]any{
		{"a": nil, "b": "x", "c": 1},
		{"a": nil, "b": "x", "c": "y"},
		{"a": 1, "b": "x", "c": 2},
		{"a": 2, "b": "x", "c": 3},
	}
	profiles := Columns(resultWith([]string{"a", "b", "c"}, rows))
	warnings := Warnings(profiles, len(rows))

	joined := ""
	for _, w := range warnings {
		joined += w + "\n"
	}
	assert.Contains(t, joined, `column "a" is mostly empty (50.0% missing values)`)
	assert.Contains(t, joined, `column "b" has only one distinct value`)
	assert.Contains(t, joined, `column "c" mixes value types`)
}

func TestWarningsCleanData(t *testing.T) {
	rows := []map[string]any{{"a": 1}, {"a": 2}}
	profiles := Columns(resultWith([]string{"a"}, rows))
	assert.Empty(t, Warnings(profiles, len(rows)))
}
