package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound reports a lookup or update that matched no record.
var ErrNotFound = errors.New("record not found")

// ValidationError reports persisted-record constraint violations with the
// offending fields.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
