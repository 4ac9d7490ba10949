package store

import (
	"fmt"
	"strings"
)

// Predicate is a post-scan filter. Engines either compile it to their native
// form or evaluate Match per record.
type Predicate interface {
	Match(r *Record) bool
	String() string
	validate() error
}

// InPredicate keeps records whose Field equals one of Values.
type InPredicate struct {
	Field  string
	Values []string
}

// In keeps records whose field equals one of values.
func In(field string, values ...string) *InPredicate {
	return &InPredicate{Field: field, Values: values}
}

func (p *InPredicate) Match(r *Record) bool {
	v, ok := r.Field(p.Field)
	if !ok {
		return false
	}
	for _, want := range p.Values {
		if v == want {
			return true
		}
	}
	return false
}

func (p *InPredicate) String() string {
	quoted := make([]string, len(p.Values))
	for i, v := range p.Values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return fmt.Sprintf("expr([%s]).contains(row[%q])", strings.Join(quoted, ", "), p.Field)
}

func (p *InPredicate) validate() error {
	if !isStringField(p.Field) {
		return fmt.Errorf("%w: %q", ErrUnknownField, p.Field)
	}
	if len(p.Values) == 0 {
		return fmt.Errorf("in(%q): no values", p.Field)
	}
	return nil
}

// RangePredicate keeps records with Lo <= Field < Hi.
type RangePredicate struct {
	Field string
	Lo    string
	Hi    string
}

// Range keeps records whose field lies in [lo, hi).
func Range(field, lo, hi string) *RangePredicate {
	return &RangePredicate{Field: field, Lo: lo, Hi: hi}
}

func (p *RangePredicate) Match(r *Record) bool {
	v, ok := r.Field(p.Field)
	return ok && v >= p.Lo && v < p.Hi
}

func (p *RangePredicate) String() string {
	return fmt.Sprintf("(row[%q] >= %q) & (row[%q] < %q)", p.Field, p.Lo, p.Field, p.Hi)
}

func (p *RangePredicate) validate() error {
	if !isStringField(p.Field) {
		return fmt.Errorf("%w: %q", ErrUnknownField, p.Field)
	}
	return nil
}

func matchAll(filters []Predicate, r *Record) bool {
	for _, f := range filters {
		if !f.Match(r) {
			return false
		}
	}
	return true
}
