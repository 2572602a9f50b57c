package sqlguard

import (
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"
	"go.uber.org/zap"
)

// Outcome classifies a candidate query.
type Outcome string

const (
	OutcomeSafe    Outcome = "SAFE"
	OutcomeBlocked Outcome = "BLOCKED"
)

// Dialect selects the validation rule set for a candidate query.
type Dialect string

const (
	DialectRelational Dialect = "relational"
	DialectDocument   Dialect = "document"
)

// Verdict is the immutable result of validating one candidate query.
// A BLOCKED verdict is a successful classifier outcome, not an error.
type Verdict struct {
	Outcome         Outcome    `json:"outcome"`
	NormalizedQuery string     `json:"normalized_query,omitempty"` // SAFE only
	ReasonCode      ReasonCode `json:"reason_code,omitempty"`      // BLOCKED only
	MatchedRule     string     `json:"matched_rule,omitempty"`     // BLOCKED only
	Dialect         Dialect    `json:"dialect"`
}

// Validator classifies candidate queries as SAFE or BLOCKED.
type Validator struct {
	logger *zap.Logger
	// checkLiterals enables the libinjection pass over string literal
	// values inside otherwise-safe statements.
	checkLiterals bool
}

// New creates a validator with literal checking enabled.
func New(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		logger:        logger.Named("sqlguard"),
		checkLiterals: true,
	}
}

// Validate classifies a candidate query. Execution must always run the
// returned NormalizedQuery, never the original text, so content removed
// during normalization cannot resurface downstream.
func (v *Validator) Validate(query string, dialect Dialect) Verdict {
	var verdict Verdict
	switch dialect {
	case DialectDocument:
		verdict = v.validateDocument(query)
	default:
		verdict = v.validateRelational(query)
	}

	if verdict.Outcome == OutcomeBlocked {
		v.logger.Info("candidate query blocked",
			zap.String("dialect", string(dialect)),
			zap.String("reason", string(verdict.ReasonCode)),
			zap.String("rule", verdict.MatchedRule))
	}
	return verdict
}

func blocked(dialect Dialect, reason ReasonCode, rule string) Verdict {
	return Verdict{Outcome: OutcomeBlocked, ReasonCode: reason, MatchedRule: rule, Dialect: dialect}
}

func (v *Validator) validateRelational(query string) Verdict {
	tokens, ok := Tokenize(query)
	if !ok {
		return blocked(DialectRelational, ReasonMalformedStatement, "lexer:unterminated")
	}

	// Comments never participate in analysis; a payload hidden in a
	// comment span is simply gone.
	tokens = stripComments(tokens)

	statements := splitStatements(tokens)
	if len(statements) == 0 {
		return blocked(DialectRelational, ReasonEmptyStatement, "statement:empty")
	}
	if len(statements) > 1 {
		return blocked(DialectRelational, ReasonMultiStatement, "statement:multiple")
	}
	stmt := statements[0]

	// Leading keyword must be a read-only form.
	lead := stmt[0]
	if lead.Kind != TokenWord || !allowedLeadingKeywords[lead.Lower] {
		return blocked(DialectRelational, ReasonForbiddenVerb, "verb:"+lead.Lower)
	}

	// Mutating verbs are blocked anywhere in the statement, so a CTE
	// body or a subexpression cannot smuggle one past the leading check.
	for _, t := range stmt {
		if t.Kind != TokenWord {
			continue
		}
		if rule, found := forbiddenVerbs[t.Lower]; found {
			return blocked(DialectRelational, ReasonForbiddenVerb, rule)
		}
	}

	// Disallowed function classes: a forbidden identifier immediately
	// followed by an opening parenthesis.
	for i, t := range stmt {
		if t.Kind != TokenWord {
			continue
		}
		rule, found := forbiddenFunctions[t.Lower]
		if !found {
			continue
		}
		if i+1 < len(stmt) && stmt[i+1].Kind == TokenPunct && stmt[i+1].Text == "(" {
			return blocked(DialectRelational, ReasonForbiddenFunction, rule)
		}
	}

	// System schemas are off limits, quoted or not.
	for _, t := range stmt {
		name := t.Lower
		if t.Kind == TokenQuotedIdent {
			name = strings.ToLower(strings.Trim(t.Text, "\"`"))
		} else if t.Kind != TokenWord {
			continue
		}
		if rule, found := forbiddenSchemas[name]; found {
			return blocked(DialectRelational, ReasonForbiddenSchema, rule)
		}
	}

	// Defense in depth: injection patterns inside string literals.
	if v.checkLiterals {
		for _, t := range stmt {
			if t.Kind != TokenString {
				continue
			}
			if isSQLi, fingerprint := libinjection.IsSQLi(stringLiteralValue(t)); isSQLi {
				return blocked(DialectRelational, ReasonSuspiciousLiteral, "literal:"+string(fingerprint))
			}
		}
	}

	return Verdict{
		Outcome:         OutcomeSafe,
		NormalizedQuery: Normalize(query),
		Dialect:         DialectRelational,
	}
}

// Normalize strips comments, collapses whitespace outside string
// literals and quoted identifiers, and removes the trailing statement
// terminator. Normalize(Normalize(q)) == Normalize(q).
func Normalize(query string) string {
	tokens, ok := Tokenize(query)
	if !ok {
		// Malformed input never reaches execution; normalization of it
		// only has to be stable.
		return strings.TrimSpace(query)
	}

	var b strings.Builder
	last := -1 // end offset of the previous kept token
	for _, t := range tokens {
		if t.Kind == TokenComment {
			continue
		}
		if last >= 0 && t.Start > last {
			b.WriteByte(' ')
		}
		b.WriteString(t.Text)
		last = t.End
	}

	out := strings.TrimSpace(b.String())
	out = strings.TrimRight(out, "; \t\n\r")
	return out
}

func stripComments(tokens []Token) []Token {
	out := tokens[:0]
	for _, t := range tokens {
		if t.Kind != TokenComment {
			out = append(out, t)
		}
	}
	return out
}

// splitStatements splits on terminator tokens and drops empty segments,
// so trailing semicolons do not count as a second statement.
func splitStatements(tokens []Token) [][]Token {
	var statements [][]Token
	var current []Token
	for _, t := range tokens {
		if t.Kind == TokenTerminator {
			if len(current) > 0 {
				statements = append(statements, current)
				current = nil
			}
			continue
		}
		current = append(current, t)
	}
	if len(current) > 0 {
		statements = append(statements, current)
	}
	return statements
}
