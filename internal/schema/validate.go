package schema

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/medallion/medallion/internal/report"
)

// Level selects which constraints Validate enforces.
type Level int

const (
	// LevelStructural checks column presence, parseable types and
	// nullability.
	LevelStructural Level = iota
	// LevelBusiness additionally checks Rules, NotFuture and Unique.
	LevelBusiness
)

func (l Level) String() string {
	if l == LevelBusiness {
		return "business"
	}
	return "structural"
}

// Record is a row coerced to its schema types: int64, float64, string or
// time.Time, or nil for an empty nullable column.
type Record struct {
	Line   int
	Key    string
	Values map[string]any
}

func (r Record) Int(name string) int64 {
	v, _ := r.Values[name].(int64)
	return v
}

func (r Record) Float(name string) float64 {
	v, _ := r.Values[name].(float64)
	return v
}

func (r Record) Text(name string) string {
	v, _ := r.Values[name].(string)
	return v
}

func (r Record) Date(name string) time.Time {
	v, _ := r.Values[name].(time.Time)
	return v
}

// Violation is a failed constraint on one row.
type Violation struct {
	Entity     string
	Key        string
	Line       int
	Field      string
	Constraint string
	Detail     string
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s line %d key %q: %s failed %s: %s", v.Entity, v.Line, v.Key, v.Field, v.Constraint, v.Detail)
}

// Issue converts the violation for the run report.
func (v Violation) Issue() report.Issue {
	kind := report.KindValidationViolation
	if v.Constraint == "shape" {
		kind = report.KindMalformedRow
	}
	return report.Issue{
		Kind:       kind,
		Entity:     v.Entity,
		Key:        v.Key,
		Line:       v.Line,
		Field:      v.Field,
		Constraint: v.Constraint,
		Detail:     v.Detail,
	}
}

// Issues converts violations for the run report.
func Issues(vs []Violation) []report.Issue {
	out := make([]report.Issue, len(vs))
	for i, v := range vs {
		out[i] = v.Issue()
	}
	return out
}

// RejectedRows counts distinct rows among violations.
func RejectedRows(vs []Violation) int {
	seen := make(map[int]bool, len(vs))
	for _, v := range vs {
		seen[v.Line] = true
	}
	return len(seen)
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

// ParseDate accepts YYYY-MM-DD, RFC3339 and YYYY-MM-DD HH:MM:SS and returns
// the calendar date at UTC midnight.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// Validator applies schemas relative to a fixed run date.
type Validator struct {
	runDate  time.Time
	validate *validator.Validate
}

// NewValidator returns a Validator whose NotFuture checks compare against
// runDate.
func NewValidator(runDate time.Time) *Validator {
	v := validator.New()
	day := time.Date(runDate.Year(), runDate.Month(), runDate.Day(), 0, 0, 0, 0, time.UTC)
	_ = v.RegisterValidation("notfuture", func(fl validator.FieldLevel) bool {
		t, ok := fl.Field().Interface().(time.Time)
		return ok && !t.After(day)
	})
	return &Validator{runDate: day, validate: v}
}

// Validate coerces every row of t and returns the rows passing all
// constraints of the given level, plus one violation per failed constraint.
func (v *Validator) Validate(t *Table, s *Schema, level Level) ([]Record, []Violation) {
	var valid []Record
	var violations []Violation
	for _, row := range t.Rows {
		rec, vs := v.Coerce(t, row, s)
		if len(vs) > 0 {
			violations = append(violations, vs...)
			continue
		}
		valid = append(valid, rec)
	}
	if level == LevelStructural {
		return valid, violations
	}
	valid, vs := v.ValidateRecords(valid, s)
	return valid, append(violations, vs...)
}

// Coerce parses one row into schema types, checking shape and nullability.
func (v *Validator) Coerce(t *Table, row Row, s *Schema) (Record, []Violation) {
	rec := Record{Line: row.Line, Key: strings.TrimSpace(t.Value(row, s.Key))}
	violation := func(field, constraint, detail string) Violation {
		return Violation{Entity: s.Entity, Key: rec.Key, Line: row.Line, Field: field, Constraint: constraint, Detail: detail}
	}

	if row.Values == nil {
		return rec, []Violation{violation("", "shape", "unparseable line")}
	}
	if len(row.Values) != len(t.Header) {
		return rec, []Violation{violation("", "shape", fmt.Sprintf("expected %d fields, got %d", len(t.Header), len(row.Values)))}
	}

	var violations []Violation
	rec.Values = make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		if _, ok := t.Column(f.Name); !ok {
			violations = append(violations, violation(f.Name, "present", "column missing"))
			continue
		}
		raw := strings.TrimSpace(t.Value(row, f.Name))
		if raw == "" {
			if !f.Nullable {
				violations = append(violations, violation(f.Name, "required", "empty value"))
			}
			rec.Values[f.Name] = nil
			continue
		}
		val, err := coerce(f.Type, raw)
		if err != nil {
			violations = append(violations, violation(f.Name, "type", err.Error()))
			continue
		}
		rec.Values[f.Name] = val
	}
	return rec, violations
}

func coerce(typ FieldType, raw string) (any, error) {
	switch typ {
	case TypeInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			// Integral floats such as "12.0" are accepted.
			f, ferr := strconv.ParseFloat(raw, 64)
			if ferr != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
				return nil, fmt.Errorf("not an integer: %q", raw)
			}
			return int64(f), nil
		}
		return n, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("not a number: %q", raw)
		}
		return f, nil
	case TypeDate:
		return ParseDate(raw)
	default:
		return raw, nil
	}
}

// Check applies Rules and NotFuture to one coerced record.
func (v *Validator) Check(rec Record, s *Schema) []Violation {
	var violations []Violation
	for _, f := range s.Fields {
		val, ok := rec.Values[f.Name]
		if !ok || val == nil {
			continue
		}
		tags := f.Rules
		if f.NotFuture {
			tags = joinTags(tags, "notfuture")
		}
		if tags == "" {
			continue
		}
		for _, tag := range v.failedTags(val, tags) {
			violations = append(violations, Violation{
				Entity:     s.Entity,
				Key:        rec.Key,
				Line:       rec.Line,
				Field:      f.Name,
				Constraint: tag,
				Detail:     fmt.Sprintf("value %v", display(val)),
			})
		}
	}
	return violations
}

// ValidateRecords applies business constraints, including Unique across the
// set. Only the first record carrying a unique value is kept.
func (v *Validator) ValidateRecords(recs []Record, s *Schema) ([]Record, []Violation) {
	seen := make(map[string]map[string]bool)
	for _, f := range s.Fields {
		if f.Unique {
			seen[f.Name] = make(map[string]bool)
		}
	}

	valid := make([]Record, 0, len(recs))
	var violations []Violation
	for _, rec := range recs {
		vs := v.Check(rec, s)
		for name, values := range seen {
			val := rec.Values[name]
			if val == nil {
				continue
			}
			k := fmt.Sprint(val)
			if values[k] {
				vs = append(vs, Violation{Entity: s.Entity, Key: rec.Key, Line: rec.Line, Field: name, Constraint: "unique", Detail: "duplicate value " + k})
			}
		}
		if len(vs) > 0 {
			violations = append(violations, vs...)
			continue
		}
		for name, values := range seen {
			if val := rec.Values[name]; val != nil {
				values[fmt.Sprint(val)] = true
			}
		}
		valid = append(valid, rec)
	}
	return valid, violations
}

// CheckRules reports rule tags the validator does not understand.
func (v *Validator) CheckRules(s *Schema) error {
	var errs []error
	for _, f := range s.Fields {
		if f.Rules == "" {
			continue
		}
		if err := v.safeVar(zero(f.Type), f.Rules); err != nil {
			var verrs validator.ValidationErrors
			if !errors.As(err, &verrs) {
				errs = append(errs, fmt.Errorf("column %s: %w", f.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (v *Validator) failedTags(val any, tags string) []string {
	err := v.safeVar(val, tags)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{"rule"}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fe.Tag())
	}
	return out
}

func (v *Validator) safeVar(val any, tags string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid rule %q: %v", tags, r)
		}
	}()
	return v.validate.Var(val, tags)
}

func joinTags(a, b string) string {
	if a == "" {
		return b
	}
	return a + "," + b
}

func zero(t FieldType) any {
	switch t {
	case TypeInt:
		return int64(0)
	case TypeFloat:
		return float64(0)
	case TypeDate:
		return time.Time{}
	default:
		return ""
	}
}

func display(val any) any {
	if t, ok := val.(time.Time); ok {
		return t.Format("2006-01-02")
	}
	return val
}
