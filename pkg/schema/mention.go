package schema

import (
	"sort"
	"strings"

	"github.com/jinzhu/inflection"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// Mention is a token or phrase from the question matched to a graph
// entity with a confidence score. Ephemeral; produced and consumed
// within one pipeline run.
type Mention struct {
	Token      string  `json:"token"`
	Entity     string  `json:"entity"`
	Field      string  `json:"field,omitempty"`
	Confidence float64 `json:"confidence"`
}

// MentionMatcher resolves question text to schema entities. Matching is
// inherently heuristic, so it is a pluggable strategy: quality can be
// improved independently of the pipeline's control flow.
type MentionMatcher interface {
	Match(question string, g *Graph) []Mention
}

// FuzzyMatcher matches question tokens against entity and field names,
// case-insensitively, with singular/plural normalization and a
// similarity threshold gate.
type FuzzyMatcher struct {
	// Threshold is the minimum levenshtein similarity ratio for a
	// non-exact match. Zero value uses DefaultThreshold.
	Threshold float64
}

// DefaultThreshold keeps near-misses like "costumers" -> "customers"
// while rejecting unrelated words.
const DefaultThreshold = 0.82

// questionStopwords are common question words that never name entities.
var questionStopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "average": true,
	"by": true, "count": true, "did": true, "do": true, "each": true,
	"for": true, "from": true, "give": true, "how": true, "in": true,
	"is": true, "last": true, "list": true, "many": true, "me": true,
	"most": true, "much": true, "of": true, "on": true, "per": true,
	"show": true, "sum": true, "the": true, "their": true, "this": true,
	"to": true, "top": true, "total": true, "was": true, "what": true,
	"which": true, "who": true, "with": true, "year": true,
}

// NewFuzzyMatcher creates a matcher with the default threshold.
func NewFuzzyMatcher() *FuzzyMatcher {
	return &FuzzyMatcher{Threshold: DefaultThreshold}
}

// Match implements MentionMatcher. Output order is deterministic:
// sorted by descending confidence, then entity name, then token.
func (m *FuzzyMatcher) Match(question string, g *Graph) []Mention {
	threshold := m.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}

	tokens := tokenizeQuestion(question)

	// Best mention per entity; a question naming an entity twice still
	// yields a single mention.
	best := make(map[string]Mention)

	for _, tok := range tokens {
		norm := inflection.Singular(tok)

		for _, entity := range g.Entities {
			entityNorm := inflection.Singular(strings.ToLower(entity.Name))

			if score := similarity(norm, entityNorm); score >= threshold {
				record(best, Mention{Token: tok, Entity: entity.Name, Confidence: score})
				continue
			}

			// Field-name hit counts as a weaker mention of its entity.
			for _, f := range entity.Fields {
				fieldNorm := inflection.Singular(strings.ToLower(f.Name))
				if score := similarity(norm, fieldNorm); score >= threshold {
					record(best, Mention{Token: tok, Entity: entity.Name, Field: f.Name, Confidence: score * 0.9})
				}
			}
		}
	}

	mentions := make([]Mention, 0, len(best))
	for _, mn := range best {
		mentions = append(mentions, mn)
	}
	sort.Slice(mentions, func(i, j int) bool {
		if mentions[i].Confidence != mentions[j].Confidence {
			return mentions[i].Confidence > mentions[j].Confidence
		}
		if mentions[i].Entity != mentions[j].Entity {
			return mentions[i].Entity < mentions[j].Entity
		}
		return mentions[i].Token < mentions[j].Token
	})
	return mentions
}

func record(best map[string]Mention, mn Mention) {
	if prev, ok := best[mn.Entity]; ok && prev.Confidence >= mn.Confidence {
		return
	}
	best[mn.Entity] = mn
}

// similarity returns 1.0 for exact matches and the levenshtein ratio
// otherwise. Very short tokens must match exactly; fuzzy matching on
// two or three letters produces junk.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) < 4 || len(b) < 4 {
		return 0
	}
	return levenshtein.RatioForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
}

func tokenizeQuestion(question string) []string {
	fields := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})

	var tokens []string
	seen := make(map[string]bool)
	for _, f := range fields {
		if questionStopwords[f] || len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}

// EntityNamesFromMentions returns the distinct entity names referenced
// by a mention set, sorted for deterministic downstream resolution.
func EntityNamesFromMentions(mentions []Mention) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range mentions {
		if !seen[m.Entity] {
			seen[m.Entity] = true
			names = append(names, m.Entity)
		}
	}
	sort.Strings(names)
	return names
}
