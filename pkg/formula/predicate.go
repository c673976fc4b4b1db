package formula

import (
	"fmt"
	"regexp"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
)

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

func validField(name string) error {
	if name == "" {
		return fmt.Errorf("missing field reference: %w", model.ErrInvalidFormula)
	}
	if !fieldName.MatchString(name) {
		return fmt.Errorf("malformed field reference %q: %w", name, model.ErrInvalidFormula)
	}
	return nil
}

// matcher reports whether a record satisfies a predicate.
type matcher func(model.NormalizedRecord) bool

func matchAll(model.NormalizedRecord) bool { return true }

// compilePredicate validates p and returns its matcher. A nil predicate
// matches every record.
func compilePredicate(p *model.Predicate) (matcher, error) {
	if p == nil {
		return matchAll, nil
	}

	if p.Expr != "" {
		if p.Field != "" || p.Op != "" {
			return nil, fmt.Errorf("predicate sets both expr and field: %w", model.ErrInvalidFormula)
		}
		prg, err := program(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrInvalidFormula, err)
		}
		return func(r model.NormalizedRecord) bool { return evalBool(prg, r.Fields) }, nil
	}

	if err := validField(p.Field); err != nil {
		return nil, err
	}
	field := p.Field

	switch p.Op {
	case model.OpExists:
		return func(r model.NormalizedRecord) bool {
			v, ok := r.Fields[field]
			return ok && v != nil
		}, nil

	case model.OpEq, model.OpNe:
		want := p.Value
		negate := p.Op == model.OpNe
		return func(r model.NormalizedRecord) bool {
			v, ok := r.Fields[field]
			if !ok {
				return negate
			}
			return equal(v, want) != negate
		}, nil

	case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		limit, ok := model.AsNumber(p.Value)
		if !ok {
			return nil, fmt.Errorf("operator %s on %q needs a numeric value: %w", p.Op, field, model.ErrInvalidFormula)
		}
		op := p.Op
		return func(r model.NormalizedRecord) bool {
			v, ok := r.Number(field)
			if !ok {
				return false
			}
			switch op {
			case model.OpGt:
				return v > limit
			case model.OpGte:
				return v >= limit
			case model.OpLt:
				return v < limit
			default:
				return v <= limit
			}
		}, nil

	case model.OpIn:
		if len(p.Values) == 0 {
			return nil, fmt.Errorf("operator in on %q needs values: %w", field, model.ErrInvalidFormula)
		}
		values := p.Values
		return func(r model.NormalizedRecord) bool {
			v, ok := r.Fields[field]
			if !ok {
				return false
			}
			for _, want := range values {
				if equal(v, want) {
					return true
				}
			}
			return false
		}, nil

	default:
		return nil, fmt.Errorf("unsupported predicate operator %q: %w", p.Op, model.ErrInvalidFormula)
	}
}

// equal compares JSON-typed values. Numbers compare by value regardless of
// their Go kind; a numeric string never equals a number.
func equal(a, b any) bool {
	if x, ok := model.AsNumber(a); ok {
		y, ok := model.AsNumber(b)
		return ok && x == y
	}
	if _, ok := model.AsNumber(b); ok {
		return false
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case nil:
		return b == nil
	}
	return false
}
