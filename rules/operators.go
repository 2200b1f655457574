package rules

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/ersinkoc/gamificationkit/gkerrors"
)

var knownOperators = map[string]struct{}{
	"==": {}, "!=": {}, "===": {}, "!==": {},
	">": {}, ">=": {}, "<": {}, "<=": {},
	"in": {}, "not_in": {},
	"contains": {}, "not_contains": {},
	"starts_with": {}, "ends_with": {},
	"matches": {}, "between": {},
}

func isKnownOperator(op string) bool {
	_, ok := knownOperators[op]
	return ok
}

// applyOperator evaluates one of the built-in operators (core spec §4.2).
func applyOperator(op string, left, right any) (bool, error) {
	switch op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "===":
		return strictEqual(left, right), nil
	case "!==":
		return !strictEqual(left, right), nil
	case ">", ">=", "<", "<=":
		return compareNumeric(op, left, right)
	case "in":
		return membership(left, right)
	case "not_in":
		ok, err := membership(left, right)
		return !ok, err
	case "contains":
		return containsOp(left, right), nil
	case "not_contains":
		return !containsOp(left, right), nil
	case "starts_with":
		return stringOp(left, right, strings.HasPrefix), nil
	case "ends_with":
		return stringOp(left, right, strings.HasSuffix), nil
	case "matches":
		return matchesOp(left, right)
	case "between":
		return betweenOp(left, right)
	default:
		return false, gkerrors.ErrUnknownOperator
	}
}

func looseEqual(a, b any) bool {
	af, aIsNum := toFloat(a)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func strictEqual(a, b any) bool {
	af, aIsNum := toFloat(a)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		return reflect.TypeOf(a) == reflect.TypeOf(b) && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func compareNumeric(op string, left, right any) (bool, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return false, nil
	}
	switch op {
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	}
	return false, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func membership(needle, haystack any) (bool, error) {
	rv := reflect.ValueOf(haystack)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false, nil
	}
	for i := 0; i < rv.Len(); i++ {
		if looseEqual(needle, rv.Index(i).Interface()) {
			return true, nil
		}
	}
	return false, nil
}

func containsOp(left, right any) bool {
	s, ok := left.(string)
	if ok {
		sub, ok2 := right.(string)
		return ok2 && strings.Contains(s, sub)
	}
	ok2, _ := membership(right, left)
	return ok2
}

func stringOp(left, right any, fn func(s, prefix string) bool) bool {
	s, ok := left.(string)
	p, ok2 := right.(string)
	return ok && ok2 && fn(s, p)
}

// matchesOp validates the pattern against a length/backtracking heuristic
// before compiling, returning false (never erroring) for invalid patterns
// (§4.2: "invalid patterns evaluate to false").
func matchesOp(left, right any) (bool, error) {
	s, ok := left.(string)
	pattern, ok2 := right.(string)
	if !ok || !ok2 {
		return false, nil
	}
	if !safeRegexPattern(pattern) {
		return false, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, nil
	}
	return re.MatchString(s), nil
}

const maxRegexPatternLength = 200

// safeRegexPattern applies a coarse heuristic against catastrophic
// backtracking shapes (nested quantifiers like `(a+)+`) and an overall
// length cap, rather than a full static analysis.
func safeRegexPattern(pattern string) bool {
	if len(pattern) > maxRegexPatternLength {
		return false
	}
	nestedQuantifier := regexp.MustCompile(`\([^)]*[+*][^)]*\)[+*]`)
	return !nestedQuantifier.MatchString(pattern)
}

// betweenOp expects right to be a two-element ordered pair.
func betweenOp(left, right any) (bool, error) {
	rv := reflect.ValueOf(right)
	if (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) || rv.Len() != 2 {
		return false, gkerrors.ErrBetweenArity
	}
	lf, ok := toFloat(left)
	if !ok {
		return false, nil
	}
	lo, lok := toFloat(rv.Index(0).Interface())
	hi, hok := toFloat(rv.Index(1).Interface())
	if !lok || !hok {
		return false, nil
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return lf >= lo && lf <= hi, nil
}
