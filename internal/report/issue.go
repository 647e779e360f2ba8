package report

import (
	"fmt"
	"sort"
)

// Issue kinds. Every row-level issue is non-fatal: the row is dropped or
// skipped and the stage continues.
const (
	KindMalformedRow         = "malformed_row"
	KindValidationViolation  = "validation_violation"
	KindDuplicate            = "duplicate_superseded"
	KindReferentialIntegrity = "referential_integrity_drop"
	KindUnscorableCustomer   = "unscorable_customer"
)

// Issue is one row-level finding.
type Issue struct {
	Kind       string `json:"kind"`
	Entity     string `json:"entity"`
	Key        string `json:"key,omitempty"`
	Line       int    `json:"line,omitempty"`
	Field      string `json:"field,omitempty"`
	Constraint string `json:"constraint,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func (i Issue) String() string {
	s := fmt.Sprintf("%s %s", i.Kind, i.Entity)
	if i.Key != "" {
		s += " key=" + i.Key
	}
	if i.Field != "" {
		s += " field=" + i.Field
	}
	if i.Constraint != "" {
		s += " constraint=" + i.Constraint
	}
	if i.Detail != "" {
		s += ": " + i.Detail
	}
	return s
}

// Outcome carries a stage's successful result together with the non-fatal
// issues met while producing it.
type Outcome[T any] struct {
	Value  T
	Issues []Issue
}

// Add appends issues.
func (o *Outcome[T]) Add(issues ...Issue) {
	o.Issues = append(o.Issues, issues...)
}

// Count returns the number of issues of the given kind.
func (o *Outcome[T]) Count(kind string) int {
	return CountKind(o.Issues, kind)
}

// CountKind returns the number of issues of the given kind.
func CountKind(issues []Issue, kind string) int {
	n := 0
	for _, i := range issues {
		if i.Kind == kind {
			n++
		}
	}
	return n
}

// CountByKind tallies issues per kind.
func CountByKind(issues []Issue) map[string]int {
	counts := make(map[string]int)
	for _, i := range issues {
		counts[i.Kind]++
	}
	return counts
}

// SortedKinds returns the keys of counts in ascending order.
func SortedKinds(counts map[string]int) []string {
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
