package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// Filter is a jq expression that is evaluated against the raw event
// payload to decide if a component processes the event.
type Filter struct {
	query *gojq.Query
}

// NewFilter parses the jq expression.
// An empty expression matches every event.
func NewFilter(jqQuery string) (*Filter, error) {
	if jqQuery == "" {
		return &Filter{}, nil
	}

	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, err
	}

	return &Filter{query: query}, nil
}

// Match evaluates the filter query for the JSON representation of the
// event.
// The query must return exactly one boolean result, everything else is
// an error.
func (f *Filter) Match(ctx context.Context, event *Event) (bool, error) {
	if f.query == nil {
		return true, nil
	}

	if len(event.JSON) == 0 {
		return false, errors.New("json field of event is empty")
	}

	var evUn any
	if err := json.Unmarshal(event.JSON, &evUn); err != nil {
		return false, fmt.Errorf("unmarshaling json failed: %w", err)
	}

	result, errs := goJQIterToSlice(f.query.RunWithContext(ctx, evUn))
	if len(errs) != 0 {
		return false, fmt.Errorf("json query returned errors, query: %q, errors: %s", f.query.String(), errString(errs))
	}

	if len(result) != 1 {
		return false, fmt.Errorf("json query returned %d results, expected 1, query: %q", len(result), f.query.String())
	}

	val, ok := result[0].(bool)
	if !ok {
		return false, fmt.Errorf(
			"json query returned non-bool result: %+v (%T), query: %q",
			result[0], result[0], f.query.String(),
		)
	}

	return val, nil
}

func goJQIterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errors []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errors
		}

		if err, isErr := res.(error); isErr {
			errors = append(errors, err)
			continue
		}

		result = append(result, res)
	}
}

func errString(errs []error) string {
	var result strings.Builder

	for i, err := range errs {
		if i > 0 {
			result.WriteString("; ")
		}

		result.WriteString(fmt.Sprintf("error %d: %s", i, err))
	}

	return result.String()
}
