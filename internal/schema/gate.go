package schema

import "fmt"

// Gate decides whether a stage may proceed given its violation count.
type Gate interface {
	Check(entity string, total, rejected int) error
}

// RateGate fails when rejected/total exceeds MaxRate. A zero MaxRate
// disables the gate.
type RateGate struct {
	MaxRate float64
}

func (g RateGate) Check(entity string, total, rejected int) error {
	if g.MaxRate <= 0 || total == 0 {
		return nil
	}
	rate := float64(rejected) / float64(total)
	if rate > g.MaxRate {
		return &GateError{Entity: entity, Total: total, Rejected: rejected, Rate: rate, MaxRate: g.MaxRate}
	}
	return nil
}

// GateError aborts a stage whose rejected-row rate is above the threshold.
type GateError struct {
	Entity   string
	Total    int
	Rejected int
	Rate     float64
	MaxRate  float64
}

func (e *GateError) Error() string {
	return fmt.Sprintf("quality gate failed for %s: %d of %d rows rejected (%.1f%% > %.1f%%)",
		e.Entity, e.Rejected, e.Total, e.Rate*100, e.MaxRate*100)
}
