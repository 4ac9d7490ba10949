package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Sentinel is the time component of a composite index bound.
type Sentinel int8

const (
	// MinVal sorts before every capture time.
	MinVal Sentinel = iota + 1
	// MaxVal sorts after every capture time.
	MaxVal
)

func (s Sentinel) unix() int64 {
	if s == MaxVal {
		return math.MaxInt64
	}
	return math.MinInt64
}

func (s Sentinel) String() string {
	switch s {
	case MinVal:
		return "minval"
	case MaxVal:
		return "maxval"
	}
	return "sentinel(" + strconv.Itoa(int(s)) + ")"
}

// Bound is a composite [key, time] position in an index.
type Bound struct {
	Key  string
	Time Sentinel
}

func (b Bound) String() string {
	return fmt.Sprintf("[%q, %s]", b.Key, b.Time)
}

// Plan is a fully staged range scan, as handed to an engine.
type Plan struct {
	Table      string
	Index      string
	Lower      Bound
	Upper      Bound
	OrderIndex string
	Filters    []Predicate
	Limit      int
}

func (p Plan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "table(%q).between(%s, %s, index=%q).order_by(index=%q)",
		p.Table, p.Lower, p.Upper, p.Index, p.OrderIndex)
	for _, f := range p.Filters {
		fmt.Fprintf(&b, ".filter(%s)", f)
	}
	if p.Limit > 0 {
		fmt.Fprintf(&b, ".limit(%d)", p.Limit)
	}
	return b.String()
}

// Table is the first query stage.
type Table struct {
	session *Session
	name    string
}

// Between selects the half-open index range [lower, upper).
func (t *Table) Between(lower, upper Bound, index string) *Selection {
	return &Selection{session: t.session, plan: Plan{Table: t.name, Index: index, Lower: lower, Upper: upper}}
}

// Selection is a range that has not been ordered yet. Filters can only be
// attached once the order is fixed.
type Selection struct {
	session *Session
	plan    Plan
}

// OrderBy orders the selection ascending by index.
func (s *Selection) OrderBy(index string) *Sequence {
	p := s.plan
	p.OrderIndex = index
	return &Sequence{session: s.session, plan: p}
}

// Sequence is an ordered range that accepts filters and a limit.
type Sequence struct {
	session *Session
	plan    Plan
	err     error
}

// Filter keeps only records matching pred. Each call returns a new Sequence.
func (q *Sequence) Filter(pred Predicate) *Sequence {
	next := q.clone()
	if next.err == nil {
		if err := pred.validate(); err != nil {
			next.err = err
		}
	}
	next.plan.Filters = append(next.plan.Filters, pred)
	return next
}

// Limit caps the number of records returned. n <= 0 means no limit.
func (q *Sequence) Limit(n int) *Sequence {
	next := q.clone()
	next.plan.Limit = n
	return next
}

// Plan returns the staged plan.
func (q *Sequence) Plan() Plan {
	return q.clone().plan
}

func (q *Sequence) String() string {
	return q.plan.String()
}

// Run executes the scan. The caller must Close the returned cursor.
func (q *Sequence) Run(ctx context.Context) (Cursor, error) {
	if q.err != nil {
		return nil, q.err
	}
	if _, ok := indexes[q.plan.Index]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIndex, q.plan.Index)
	}
	if q.plan.OrderIndex != q.plan.Index {
		return nil, fmt.Errorf("%w: order_by(%q) must use the between index %q", ErrUnknownIndex, q.plan.OrderIndex, q.plan.Index)
	}
	if err := validIdentifier(q.plan.Table); err != nil {
		return nil, err
	}
	return q.session.scan(ctx, q.plan)
}

func (q *Sequence) clone() *Sequence {
	p := q.plan
	p.Filters = append([]Predicate(nil), q.plan.Filters...)
	return &Sequence{session: q.session, plan: p, err: q.err}
}

// Cursor streams scan results. It must be closed on every path.
type Cursor interface {
	Next() bool
	Record() *Record
	Err() error
	Close() error
}
