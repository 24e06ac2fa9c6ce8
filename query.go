package broker

import (
	"fmt"
	"strings"

	"github.com/coregx/broker/model"
)

// MetadataQueryEvaluator is the default QueryEvaluator: a conjunction of
// comma-separated terms over topic metadata.
//
// Supported terms:
//
//	key=value   metadata key equals value
//	key!=value  metadata key present and different from value
//	key         metadata key present, any value
//
// Example: "region=west,tier!=free" matches topics whose metadata carries
// region "west" and a tier other than "free".
//
// The broker treats the evaluator as an opaque predicate; swap in a real
// query language via WithQueryEvaluator when this dialect is too small.
type MetadataQueryEvaluator struct{}

// Matches implements QueryEvaluator.
func (MetadataQueryEvaluator) Matches(query string, meta model.Metadata) (bool, error) {
	terms, err := parseQuery(query)
	if err != nil {
		return false, err
	}
	for _, term := range terms {
		if !term.matches(meta) {
			return false, nil
		}
	}
	return true, nil
}

// Validate reports whether the query parses, without evaluating it.
// Subscribe rejects unknown query syntax synchronously.
func (MetadataQueryEvaluator) Validate(query string) error {
	_, err := parseQuery(query)
	return err
}

type queryTerm struct {
	key     string
	value   string
	negated bool
	exists  bool // bare-key presence term
}

func (t queryTerm) matches(meta model.Metadata) bool {
	got, ok := meta[t.key]
	if t.exists {
		return ok
	}
	if t.negated {
		return ok && got != t.value
	}
	return ok && got == t.value
}

func parseQuery(query string) ([]queryTerm, error) {
	if strings.TrimSpace(query) == "" {
		return nil, NewError(ErrCodeValidation, "empty query expression")
	}
	raw := strings.Split(query, ",")
	terms := make([]queryTerm, 0, len(raw))
	for _, part := range raw {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, NewError(ErrCodeValidation, "empty query term")
		}
		switch {
		case strings.Contains(part, "!="):
			kv := strings.SplitN(part, "!=", 2)
			key := strings.TrimSpace(kv[0])
			if key == "" {
				return nil, NewError(ErrCodeValidation, fmt.Sprintf("malformed query term %q", part))
			}
			terms = append(terms, queryTerm{key: key, value: strings.TrimSpace(kv[1]), negated: true})
		case strings.Contains(part, "="):
			kv := strings.SplitN(part, "=", 2)
			key := strings.TrimSpace(kv[0])
			if key == "" {
				return nil, NewError(ErrCodeValidation, fmt.Sprintf("malformed query term %q", part))
			}
			terms = append(terms, queryTerm{key: key, value: strings.TrimSpace(kv[1])})
		default:
			terms = append(terms, queryTerm{key: part, exists: true})
		}
	}
	return terms, nil
}
