// Package generator turns a natural-language question plus a resolved
// schema context into a candidate query via the LLM. The candidate is
// untrusted output: validation happens downstream, never here.
package generator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/apperrors"
	"github.com/queryshield/pipeline-engine/pkg/llm"
	"github.com/queryshield/pipeline-engine/pkg/retry"
	"github.com/queryshield/pipeline-engine/pkg/schema"
	"github.com/queryshield/pipeline-engine/pkg/sqlguard"
)

// CandidateQuery is the generator's output: a single statement in the
// target dialect, normalized enough to hand to validation.
type CandidateQuery struct {
	Text    string
	Dialect sqlguard.Dialect
}

// Request carries everything the generator needs for one question.
type Request struct {
	Question string
	Graph    *schema.Graph
	Plans    []schema.JoinPlan
	Dialect  sqlguard.Dialect
	MaxRows  int
}

const generationTemperature = 0.1

// Generator produces candidate queries through an LLM client with
// bounded retries on transient failures.
type Generator struct {
	client llm.LLMClient
	retry  *retry.Config
	logger *zap.Logger
}

func New(client llm.LLMClient, logger *zap.Logger) *Generator {
	return &Generator{
		client: client,
		retry:  retry.LLMConfig(),
		logger: logger.Named("generator"),
	}
}

// Generate asks the LLM for a query answering req.Question over
// req.Graph. Transient LLM failures are retried; a response with no
// usable statement fails with apperrors.ErrGeneration.
func (g *Generator) Generate(ctx context.Context, req Request) (CandidateQuery, error) {
	if strings.TrimSpace(req.Question) == "" {
		return CandidateQuery{}, fmt.Errorf("%w: empty question", apperrors.ErrGeneration)
	}
	if req.Graph == nil || len(req.Graph.Entities) == 0 {
		return CandidateQuery{}, fmt.Errorf("%w: no schema context", apperrors.ErrGeneration)
	}

	prompt := g.buildPrompt(req)
	system := systemMessage(req.Dialect)

	raw, err := retry.DoWithResult(ctx, g.retry, func() (string, error) {
		return g.client.GenerateResponse(ctx, prompt, system, generationTemperature)
	})
	if err != nil {
		return CandidateQuery{}, fmt.Errorf("%w: %s", apperrors.ErrGeneration, err.Error())
	}

	text, err := g.parseResponse(raw, req)
	if err != nil {
		return CandidateQuery{}, err
	}

	g.logger.Debug("candidate query produced",
		zap.String("dialect", string(req.Dialect)),
		zap.Int("length", len(text)))

	return CandidateQuery{Text: text, Dialect: req.Dialect}, nil
}

func systemMessage(dialect sqlguard.Dialect) string {
	if dialect == sqlguard.DialectDocument {
		return "You are a query assistant for a document database. " +
			"You translate questions into a single read-only JSON query document. " +
			"Respond with the JSON object only, no explanation."
	}
	return "You are a PostgreSQL query assistant. " +
		"You translate questions into a single read-only SELECT statement. " +
		"Respond with the SQL only, no explanation."
}

func (g *Generator) buildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("# Query Generation\n\n")
	b.WriteString("Translate the question below into a single read-only query ")
	b.WriteString("against the schema that follows. Use only the tables and columns listed.\n\n")

	b.WriteString("## Schema\n\n")
	for _, entity := range sortedEntities(req.Graph) {
		b.WriteString(fmt.Sprintf("### %s\n\n", entity.Name))
		for _, f := range entity.Fields {
			b.WriteString(fmt.Sprintf("- `%s` (%s", f.Name, f.DataType))
			if f.IsPrimaryKey {
				b.WriteString(", primary key")
			}
			if f.Nullable {
				b.WriteString(", nullable")
			}
			b.WriteString(")")
			if samples := entity.SampleValues[f.Name]; len(samples) > 0 {
				b.WriteString(fmt.Sprintf(" - known values: %s", strings.Join(samples, ", ")))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(req.Plans) > 0 {
		b.WriteString("## Join Hints\n\n")
		b.WriteString("When combining tables, use these relationships:\n\n")
		for _, plan := range req.Plans {
			for _, e := range plan.Edges {
				b.WriteString(fmt.Sprintf("- `%s.%s` joins `%s.%s`\n",
					e.SourceEntity, e.SourceField, e.TargetEntity, e.TargetField))
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Rules\n\n")
	if req.Dialect == sqlguard.DialectDocument {
		b.WriteString("- Return one JSON object with `collection`, `operation` (find, aggregate, or count), and operation parameters\n")
		b.WriteString("- Read-only operations only\n")
		b.WriteString(fmt.Sprintf("- Include a `limit` of at most %d\n", req.MaxRows))
	} else {
		b.WriteString("- One SELECT statement only, no semicolon-separated statements\n")
		b.WriteString("- No data modification of any kind\n")
		b.WriteString(fmt.Sprintf("- Include a LIMIT of at most %d\n", req.MaxRows))
		b.WriteString("- Prefer explicit column lists over SELECT *\n")
	}
	b.WriteString("\n")

	b.WriteString("## Question\n\n")
	b.WriteString(req.Question)
	b.WriteString("\n")

	return b.String()
}

func sortedEntities(g *schema.Graph) []*schema.Entity {
	entities := make([]*schema.Entity, len(g.Entities))
	copy(entities, g.Entities)
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
	return entities
}

// parseResponse extracts the statement from the raw LLM output. Models
// routinely wrap answers in markdown fences or add commentary; both
// are stripped before the statement is normalized.
func (g *Generator) parseResponse(raw string, req Request) (string, error) {
	text := stripFences(raw)
	if text == "" {
		return "", fmt.Errorf("%w: empty response", apperrors.ErrGeneration)
	}

	if req.Dialect == sqlguard.DialectDocument {
		text = extractJSONObject(text)
		if text == "" {
			return "", fmt.Errorf("%w: response contains no JSON object", apperrors.ErrGeneration)
		}
		return text, nil
	}

	text = firstStatement(text)
	if text == "" {
		return "", fmt.Errorf("%w: response contains no statement", apperrors.ErrGeneration)
	}
	text = collapseDuplicateLimit(text)
	text = ensureLimit(text, req.MaxRows)
	return text, nil
}

func stripFences(raw string) string {
	content := strings.TrimSpace(raw)
	content = strings.TrimPrefix(content, "```sql")
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

// firstStatement trims commentary around the statement: everything
// before the first SELECT or WITH keyword and everything after the
// first terminating semicolon.
func firstStatement(text string) string {
	lower := strings.ToLower(text)
	start := -1
	for _, kw := range []string{"select", "with"} {
		if idx := indexWord(lower, kw); idx >= 0 && (start < 0 || idx < start) {
			start = idx
		}
	}
	if start < 0 {
		return ""
	}
	text = text[start:]
	if idx := strings.Index(text, ";"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

func indexWord(haystack, word string) int {
	for offset := 0; ; {
		idx := strings.Index(haystack[offset:], word)
		if idx < 0 {
			return -1
		}
		idx += offset
		beforeOK := idx == 0 || !isWordByte(haystack[idx-1])
		afterOK := idx+len(word) >= len(haystack) || !isWordByte(haystack[idx+len(word)])
		if beforeOK && afterOK {
			return idx
		}
		offset = idx + len(word)
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

var trailingLimitPattern = regexp.MustCompile(`(?i)(\blimit\s+\d+\s*)+$`)
var limitClausePattern = regexp.MustCompile(`(?i)\blimit\s+\d+`)

// collapseDuplicateLimit folds a run of trailing LIMIT clauses into the
// last one. Some models echo the limit instruction after already
// emitting a LIMIT of their own; the final clause is the model's last
// word on the cap.
func collapseDuplicateLimit(text string) string {
	loc := trailingLimitPattern.FindStringIndex(text)
	if loc == nil {
		return text
	}
	run := text[loc[0]:loc[1]]
	clauses := limitClausePattern.FindAllString(run, -1)
	if len(clauses) < 2 {
		return text
	}
	return strings.TrimSpace(text[:loc[0]]) + " " + strings.TrimSpace(clauses[len(clauses)-1])
}

// ensureLimit appends a row cap when the statement has none.
func ensureLimit(text string, maxRows int) string {
	if limitClausePattern.MatchString(text) {
		return text
	}
	return fmt.Sprintf("%s LIMIT %d", strings.TrimSpace(text), maxRows)
}

// extractJSONObject returns the outermost {...} span of the text, or
// empty when there is none. Brace matching ignores braces inside JSON
// strings.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
