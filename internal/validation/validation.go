// Package validation verifies published output: document counts in the
// serving store and consistency between Gold aggregates.
package validation

import (
	"context"
	"time"

	"github.com/medallion/medallion/internal/storage"
)

// Result holds the outcome of post-publish validation.
type Result struct {
	Status      string             `json:"status"` // PASS, FAIL, PARTIAL
	Collections []CollectionResult `json:"collections"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
}

// CollectionResult holds validation results for a single collection.
type CollectionResult struct {
	Name          string         `json:"name"`
	RowCountCheck *RowCountCheck `json:"row_count_check,omitempty"`
	Status        string         `json:"status"` // PASS, FAIL
}

// Validator checks mirrored collections against the tables they were built
// from.
type Validator struct {
	Documents storage.DocumentStore
	Callback  func(collection, checkType string, passed bool)
}

// ValidateRowCounts compares each collection's document count with the
// number of rows published into it.
func (v *Validator) ValidateRowCounts(ctx context.Context, expected map[string]int64, order []string) (*Result, error) {
	result := &Result{StartedAt: time.Now()}

	for _, name := range order {
		want, ok := expected[name]
		if !ok {
			continue
		}
		cr := CollectionResult{Name: name, Status: "PASS"}
		rc, err := v.validateRowCount(ctx, name, want)
		if err != nil {
			return nil, err
		}
		cr.RowCountCheck = rc
		if !rc.Match {
			cr.Status = "FAIL"
		}
		v.notify(name, "row_count", rc.Match)
		result.Collections = append(result.Collections, cr)
	}

	result.CompletedAt = time.Now()
	result.Status = computeOverallStatus(result.Collections)
	return result, nil
}

func (v *Validator) notify(collection, checkType string, passed bool) {
	if v.Callback != nil {
		v.Callback(collection, checkType, passed)
	}
}

func computeOverallStatus(collections []CollectionResult) string {
	if len(collections) == 0 {
		return "PASS"
	}
	failCount := 0
	for _, c := range collections {
		if c.Status == "FAIL" {
			failCount++
		}
	}
	if failCount == 0 {
		return "PASS"
	}
	if failCount == len(collections) {
		return "FAIL"
	}
	return "PARTIAL"
}
