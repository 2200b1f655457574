package rules

import (
	"crypto/rand"
	"math"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/ersinkoc/gamificationkit/gkerrors"
)

var knownFunctions = map[string]struct{}{
	"now": {}, "date": {}, "abs": {}, "min": {}, "max": {},
	"round": {}, "floor": {}, "ceil": {}, "length": {},
	"lowercase": {}, "uppercase": {}, "trim": {},
	"random": {}, "randomInt": {},
}

func isKnownFunction(name string) bool {
	_, ok := knownFunctions[name]
	return ok
}

// applyFunction transforms a leaf's resolved field value before the
// operator compares it (core spec §4.2 built-in functions).
func applyFunction(name string, value any) (any, error) {
	switch name {
	case "now":
		return time.Now().UnixMilli(), nil
	case "date":
		return dateFunc(value), nil
	case "abs":
		if f, ok := toFloat(value); ok {
			return math.Abs(f), nil
		}
		return value, nil
	case "min":
		return reduceSlice(value, math.Min), nil
	case "max":
		return reduceSlice(value, math.Max), nil
	case "round":
		if f, ok := toFloat(value); ok {
			return math.Round(f), nil
		}
		return value, nil
	case "floor":
		if f, ok := toFloat(value); ok {
			return math.Floor(f), nil
		}
		return value, nil
	case "ceil":
		if f, ok := toFloat(value); ok {
			return math.Ceil(f), nil
		}
		return value, nil
	case "length":
		return lengthFunc(value), nil
	case "lowercase":
		if s, ok := value.(string); ok {
			return strings.ToLower(s), nil
		}
		return value, nil
	case "uppercase":
		if s, ok := value.(string); ok {
			return strings.ToUpper(s), nil
		}
		return value, nil
	case "trim":
		if s, ok := value.(string); ok {
			return strings.TrimSpace(s), nil
		}
		return value, nil
	case "random":
		return randomFloat(), nil
	case "randomInt":
		return randomIntFunc(value)
	default:
		return nil, gkerrors.ErrUnknownFunction
	}
}

func dateFunc(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return value
	}
	return t.Format("2006-01-02")
}

func reduceSlice(value any, reduce func(a, b float64) float64) any {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return value
	}
	if rv.Len() == 0 {
		return value
	}
	acc, ok := toFloat(rv.Index(0).Interface())
	if !ok {
		return value
	}
	for i := 1; i < rv.Len(); i++ {
		f, ok := toFloat(rv.Index(i).Interface())
		if !ok {
			continue
		}
		acc = reduce(acc, f)
	}
	return acc
}

func lengthFunc(value any) any {
	switch v := value.(type) {
	case string:
		return len(v)
	default:
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array || rv.Kind() == reflect.Map {
			return rv.Len()
		}
		return 0
	}
}

func randomFloat() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0
	}
	return float64(n.Int64()) / float64(1<<53)
}

// randomIntFunc expects value to be a two-element [min, max] pair and
// normalises inverted bounds before drawing (core spec §4.2: "randomInt
// normalises inverted bounds").
func randomIntFunc(value any) (any, error) {
	rv := reflect.ValueOf(value)
	if (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) || rv.Len() != 2 {
		return value, nil
	}
	lo, lok := toFloat(rv.Index(0).Interface())
	hi, hok := toFloat(rv.Index(1).Interface())
	if !lok || !hok {
		return value, nil
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	span := int64(hi) - int64(lo) + 1
	if span <= 0 {
		return int64(lo), nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return int64(lo), nil
	}
	return int64(lo) + n.Int64(), nil
}
