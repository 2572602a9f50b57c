package sqlguard

import (
	"encoding/json"
	"strings"
)

// DocumentQuery is the decoded shape of a document-dialect candidate:
// a single read-only operation against one collection.
type DocumentQuery struct {
	Collection string           `json:"collection"`
	Operation  string           `json:"operation"`
	Filter     map[string]any   `json:"filter,omitempty"`
	Projection map[string]any   `json:"projection,omitempty"`
	Sort       map[string]any   `json:"sort,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	Pipeline   []map[string]any `json:"pipeline,omitempty"`
}

// validateDocument classifies a document-dialect candidate. The
// candidate is a JSON query spec; a JSON array at top level is treated
// as multiple statements and blocked outright.
func (v *Validator) validateDocument(query string) Verdict {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return blocked(DialectDocument, ReasonEmptyStatement, "doc:empty")
	}
	if strings.HasPrefix(trimmed, "[") {
		return blocked(DialectDocument, ReasonMultiStatement, "doc:array")
	}

	var q DocumentQuery
	if err := json.Unmarshal([]byte(trimmed), &q); err != nil {
		return blocked(DialectDocument, ReasonMalformedStatement, "doc:invalid_json")
	}

	if q.Collection == "" {
		return blocked(DialectDocument, ReasonMalformedStatement, "doc:missing_collection")
	}
	op := strings.ToLower(q.Operation)
	if !allowedDocumentOperations[op] {
		return blocked(DialectDocument, ReasonForbiddenVerb, "doc:"+op)
	}

	// Walk every key at every depth; code-executing and writing
	// operators are blocked wherever they appear.
	if verdict, bad := walkDocumentValue(q.Filter); bad {
		return verdict
	}
	if verdict, bad := walkDocumentValue(q.Projection); bad {
		return verdict
	}
	if verdict, bad := walkDocumentValue(q.Sort); bad {
		return verdict
	}
	for _, stage := range q.Pipeline {
		if verdict, bad := walkDocumentValue(stage); bad {
			return verdict
		}
	}

	// Normalized form: canonical compact JSON of the decoded spec.
	// json.Marshal sorts map keys, so this is deterministic and
	// idempotent.
	normalized, err := json.Marshal(q)
	if err != nil {
		return blocked(DialectDocument, ReasonMalformedStatement, "doc:remarshal")
	}

	return Verdict{
		Outcome:         OutcomeSafe,
		NormalizedQuery: string(normalized),
		Dialect:         DialectDocument,
	}
}

func walkDocumentValue(value any) (Verdict, bool) {
	switch val := value.(type) {
	case map[string]any:
		for k, child := range val {
			if entry, found := forbiddenDocumentOperators[strings.ToLower(k)]; found {
				return blocked(DialectDocument, entry.reason, entry.rule), true
			}
			if verdict, bad := walkDocumentValue(child); bad {
				return verdict, true
			}
		}
	case []any:
		for _, child := range val {
			if verdict, bad := walkDocumentValue(child); bad {
				return verdict, true
			}
		}
	}
	return Verdict{}, false
}
