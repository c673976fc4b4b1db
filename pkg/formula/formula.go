// Package formula evaluates KPI formulas over a sequence of normalized records.
//
// Evaluation is pure: the same records and formula always produce the same
// Result. Records whose referenced field is missing or not numeric are
// skipped and counted, never coerced.
package formula

import (
	"fmt"
	"iter"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
)

// Result is the outcome of one evaluation.
type Result struct {
	Value float64
	// NoData is set when the formula is undefined for the records, e.g. the
	// average of zero values or a zero denominator.
	NoData bool
	// Considered counts records that contributed to the value.
	Considered int
	// Skipped counts matching records whose referenced field was not numeric.
	Skipped int
}

// Ptr returns the value as a pointer, nil when there is no data.
func (r Result) Ptr() *float64 {
	if r.NoData {
		return nil
	}
	v := r.Value
	return &v
}

type operand struct {
	field string
	match matcher
}

type compiled struct {
	kind  model.FormulaKind
	field string
	match matcher
	num   operand
	den   operand
}

// Validate checks a formula without evaluating it. All failures wrap
// model.ErrInvalidFormula.
func Validate(f model.Formula) error {
	_, err := compile(f)
	return err
}

func compile(f model.Formula) (*compiled, error) {
	if f.EntityType == "" {
		return nil, fmt.Errorf("formula has no entity type: %w", model.ErrInvalidFormula)
	}
	c := &compiled{kind: f.Kind}

	switch f.Kind {
	case model.FormulaSum, model.FormulaAverage:
		if err := validField(f.Field); err != nil {
			return nil, fmt.Errorf("%s formula: %w", f.Kind, err)
		}
		match, err := compilePredicate(f.Filter)
		if err != nil {
			return nil, fmt.Errorf("%s formula filter: %w", f.Kind, err)
		}
		c.field, c.match = f.Field, match

	case model.FormulaCount:
		match, err := compilePredicate(f.Filter)
		if err != nil {
			return nil, fmt.Errorf("count formula filter: %w", err)
		}
		c.match = match

	case model.FormulaPercentage, model.FormulaRatio:
		if f.Numerator == nil {
			return nil, fmt.Errorf("%s formula has no numerator: %w", f.Kind, model.ErrInvalidFormula)
		}
		num, err := compileOperand(f.Numerator)
		if err != nil {
			return nil, fmt.Errorf("%s numerator: %w", f.Kind, err)
		}
		den := operand{match: matchAll}
		if f.Denominator != nil {
			if den, err = compileOperand(f.Denominator); err != nil {
				return nil, fmt.Errorf("%s denominator: %w", f.Kind, err)
			}
		}
		c.num, c.den = num, den

	default:
		return nil, fmt.Errorf("unsupported formula kind %q: %w", f.Kind, model.ErrInvalidFormula)
	}
	return c, nil
}

func compileOperand(o *model.Operand) (operand, error) {
	if o.Field != "" {
		if err := validField(o.Field); err != nil {
			return operand{}, err
		}
	}
	match, err := compilePredicate(o.Where)
	if err != nil {
		return operand{}, err
	}
	return operand{field: o.Field, match: match}, nil
}

// accumulator sums one operand. Without a field it counts matches.
type accumulator struct {
	total   float64
	n       int
	skipped int
}

// add reports whether r contributed.
func (a *accumulator) add(op operand, r model.NormalizedRecord) bool {
	if !op.match(r) {
		return false
	}
	if op.field == "" {
		a.total++
		a.n++
		return true
	}
	v, ok := r.Number(op.field)
	if !ok {
		a.skipped++
		return false
	}
	a.total += v
	a.n++
	return true
}

// Evaluate reduces records with f. An error yielded by records aborts the
// computation and is returned unchanged.
func Evaluate(f model.Formula, records iter.Seq2[model.NormalizedRecord, error]) (Result, error) {
	c, err := compile(f)
	if err != nil {
		return Result{}, err
	}

	switch c.kind {
	case model.FormulaPercentage, model.FormulaRatio:
		return c.evalRatio(records)
	default:
		return c.evalSingle(records)
	}
}

func (c *compiled) evalSingle(records iter.Seq2[model.NormalizedRecord, error]) (Result, error) {
	var acc accumulator
	op := operand{field: c.field, match: c.match}
	for r, err := range records {
		if err != nil {
			return Result{}, err
		}
		acc.add(op, r)
	}

	res := Result{Value: acc.total, Considered: acc.n, Skipped: acc.skipped}
	if c.kind == model.FormulaAverage {
		if acc.n == 0 {
			return Result{NoData: true, Skipped: acc.skipped}, nil
		}
		res.Value = acc.total / float64(acc.n)
	}
	return res, nil
}

func (c *compiled) evalRatio(records iter.Seq2[model.NormalizedRecord, error]) (Result, error) {
	var num, den accumulator
	considered := 0
	for r, err := range records {
		if err != nil {
			return Result{}, err
		}
		inNum := num.add(c.num, r)
		inDen := den.add(c.den, r)
		if inNum || inDen {
			considered++
		}
	}

	res := Result{Considered: considered, Skipped: num.skipped + den.skipped}
	if den.total == 0 {
		res.NoData = true
		return res, nil
	}
	res.Value = num.total / den.total
	if c.kind == model.FormulaPercentage {
		res.Value *= 100
	}
	return res, nil
}
