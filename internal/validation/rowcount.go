package validation

import (
	"context"
	"fmt"
)

// RowCountCheck holds the result of a row count comparison.
type RowCountCheck struct {
	PublishedCount int64  `json:"published_count"`
	StoreCount     int64  `json:"store_count"`
	Match          bool   `json:"match"`
	Message        string `json:"message,omitempty"`
}

// validateRowCount compares the published row count against the collection
// document count. Replace-all semantics mean they must be equal.
func (v *Validator) validateRowCount(ctx context.Context, collection string, published int64) (*RowCountCheck, error) {
	storeCount, err := v.Documents.Count(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("counting documents in %s: %w", collection, err)
	}

	check := &RowCountCheck{
		PublishedCount: published,
		StoreCount:     storeCount,
		Match:          published == storeCount,
	}

	if !check.Match {
		check.Message = fmt.Sprintf("count mismatch: published=%d, store=%d (diff=%d)",
			published, storeCount, published-storeCount)
	}

	return check, nil
}
