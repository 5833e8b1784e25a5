package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// Query wraps a jq expression with a pre-parsed form. The expression is
// parsed once up front to catch errors before any request is made.
type Query struct {
	expr  string
	query *gojq.Query
}

// ParseQuery parses a jq expression for filtering command output.
func ParseQuery(expr string) (*Query, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("cli: empty query expression")
	}
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cli: invalid query %q: %w", expr, err)
	}
	return &Query{expr: expr, query: q}, nil
}

// String returns the original expression.
func (q *Query) String() string { return q.expr }

// Apply runs the query against v and returns the rendered results, one
// per line. The input is normalized through JSON first so struct fields
// match their json tags. String results print bare, everything else as
// compact JSON.
func (q *Query) Apply(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cli: encode query input: %w", err)
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return "", fmt.Errorf("cli: decode query input: %w", err)
	}

	var lines []string
	iter := q.query.Run(input)
	for {
		out, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := out.(error); ok {
			return "", fmt.Errorf("cli: query %q: %w", q.expr, err)
		}
		switch s := out.(type) {
		case string:
			lines = append(lines, s)
		default:
			enc, err := json.Marshal(out)
			if err != nil {
				return "", fmt.Errorf("cli: encode query result: %w", err)
			}
			lines = append(lines, string(enc))
		}
	}
	return strings.Join(lines, "\n"), nil
}
