package rules

import (
	"strings"

	"github.com/ersinkoc/gamificationkit/gkerrors"
)

// Condition is a predicate tree node (core spec §4.2): All/Any/Not combine
// child conditions; a leaf compares a dotted field path against a literal
// or a `$other.field` back-reference, optionally transformed by Function.
type Condition struct {
	All      []*Condition
	Any      []*Condition
	Not      *Condition
	Field    string
	Operator string
	Value    any
	Function string
}

func All(children ...*Condition) *Condition { return &Condition{All: children} }
func Any(children ...*Condition) *Condition { return &Condition{Any: children} }
func Not(child *Condition) *Condition       { return &Condition{Not: child} }

func Leaf(field, operator string, value any) *Condition {
	return &Condition{Field: field, Operator: operator, Value: value}
}

func (c *Condition) isLeaf() bool { return c.All == nil && c.Any == nil && c.Not == nil }

// evaluate walks the tree against ctx, applying Function/Operator at leaves.
func (c *Condition) evaluate(ctx map[string]interface{}) (bool, error) {
	switch {
	case c.All != nil:
		for _, child := range c.All {
			ok, err := child.evaluate(ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case c.Any != nil:
		for _, child := range c.Any {
			ok, err := child.evaluate(ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case c.Not != nil:
		ok, err := c.Not.evaluate(ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return c.evaluateLeaf(ctx)
	}
}

func (c *Condition) evaluateLeaf(ctx map[string]interface{}) (bool, error) {
	fieldValue := resolvePath(ctx, c.Field)

	if c.Function != "" {
		transformed, err := applyFunction(c.Function, fieldValue)
		if err != nil {
			return false, err
		}
		fieldValue = transformed
	}

	value := c.Value
	if ref, ok := value.(string); ok && strings.HasPrefix(ref, "$") {
		value = resolvePath(ctx, strings.TrimPrefix(ref, "$"))
	}

	return applyOperator(c.Operator, fieldValue, value)
}

// unsafeSegments are dotted-path components that must never be traversed,
// guarding against prototype-pollution-style attacks on attacker-supplied
// field paths (core spec §4.2, §9 "Prototype-pollution hardening").
var unsafeSegments = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// resolvePath traverses a dotted path over nested maps, returning nil
// (undefined) for missing intermediates or disallowed segments.
func resolvePath(ctx map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}
	segments := strings.Split(path, ".")
	var cur interface{} = ctx
	for _, seg := range segments {
		if _, unsafe := unsafeSegments[seg]; unsafe {
			return nil
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		v, present := m[seg]
		if !present {
			return nil
		}
		cur = v
	}
	return cur
}

// Validate reports whether the tree references only known operators and
// functions, without evaluating it — used by AddRule to fail fast per
// §4.2 "raises on unknown operator or function".
func (c *Condition) Validate() error {
	switch {
	case c.All != nil:
		for _, child := range c.All {
			if err := child.Validate(); err != nil {
				return err
			}
		}
		return nil
	case c.Any != nil:
		for _, child := range c.Any {
			if err := child.Validate(); err != nil {
				return err
			}
		}
		return nil
	case c.Not != nil:
		return c.Not.Validate()
	default:
		if !isKnownOperator(c.Operator) {
			return gkerrors.ErrUnknownOperator
		}
		if c.Function != "" && !isKnownFunction(c.Function) {
			return gkerrors.ErrUnknownFunction
		}
		return nil
	}
}
