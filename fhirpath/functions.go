package fhirpath

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/apd/v3"
)

// maxRepeatElements caps repeat() and descendants() output so that cyclic
// projections terminate with an error instead of exhausting memory.
const maxRepeatElements = 10000

func expectParams(name string, params []Expression, min, max int) error {
	if len(params) < min || len(params) > max {
		switch {
		case min == max:
			return fmt.Errorf("%s expects %d arguments, got %d", name, min, len(params))
		default:
			return fmt.Errorf("%s expects %d to %d arguments, got %d", name, min, max, len(params))
		}
	}
	return nil
}

func singletonOnly(name string, target Collection) error {
	if len(target) > 1 {
		return fmt.Errorf("%s expects a singleton input, got %d elements", name, len(target))
	}
	return nil
}

// stringInput unwraps a String singleton. Empty input reports ok false;
// anything that is not a String is an error.
func stringInput(name string, target Collection) (String, bool, error) {
	if len(target) == 0 {
		return "", false, nil
	}
	if err := singletonOnly(name, target); err != nil {
		return "", false, err
	}
	s, ok, err := elementTo[String](target[0], false)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, fmt.Errorf("%s expects a String input, got %s", name, target[0].TypeInfo())
	}
	return s, true, nil
}

// numberInput unwraps an Integer or Decimal singleton as a decimal value.
func numberInput(name string, target Collection) (*apd.Decimal, Element, bool, error) {
	if len(target) == 0 {
		return nil, nil, false, nil
	}
	if err := singletonOnly(name, target); err != nil {
		return nil, nil, false, err
	}
	d, ok := decimalOperand(target[0])
	if !ok {
		return nil, nil, false, fmt.Errorf("%s expects a numeric input, got %s", name, target[0].TypeInfo())
	}
	return d, target[0], true, nil
}

func stringParam(ctx context.Context, evaluate EvaluateFunc, expr Expression, name string) (String, bool, error) {
	c, err := evaluate(ctx, nil, expr)
	if err != nil {
		return "", false, err
	}
	s, ok, err := Singleton[String](c)
	if err != nil {
		return "", false, err
	}
	if !ok && len(c) > 0 {
		return "", false, fmt.Errorf("%s expects a String argument, got %s", name, c[0].TypeInfo())
	}
	return s, ok, nil
}

func integerParam(ctx context.Context, evaluate EvaluateFunc, expr Expression, name string) (Integer, bool, error) {
	c, err := evaluate(ctx, nil, expr)
	if err != nil {
		return 0, false, err
	}
	i, ok, err := Singleton[Integer](c)
	if err != nil {
		return 0, false, err
	}
	if !ok && len(c) > 0 {
		return 0, false, fmt.Errorf("%s expects an Integer argument, got %s", name, c[0].TypeInfo())
	}
	return i, ok, nil
}

func decimalParam(ctx context.Context, evaluate EvaluateFunc, expr Expression, name string) (*apd.Decimal, bool, error) {
	c, err := evaluate(ctx, nil, expr)
	if err != nil {
		return nil, false, err
	}
	if len(c) == 0 {
		return nil, false, nil
	}
	if len(c) > 1 {
		return nil, false, fmt.Errorf("%s expects a numeric argument, got %d elements", name, len(c))
	}
	d, ok := decimalOperand(c[0])
	if !ok {
		return nil, false, fmt.Errorf("%s expects a numeric argument, got %s", name, c[0].TypeInfo())
	}
	return d, true, nil
}

func boolElements(name string, target Collection) ([]bool, error) {
	out := make([]bool, 0, len(target))
	for _, e := range target {
		b, ok, err := elementTo[Boolean](e, false)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%s expects Boolean elements, got %s", name, e.TypeInfo())
		}
		out = append(out, bool(b))
	}
	return out, nil
}

// filterByCriteria keeps the elements for which the criteria evaluates to
// true, binding $this and $index per element.
func filterByCriteria(ctx context.Context, target Collection, criteria Expression, evaluate EvaluateFunc) (Collection, error) {
	var result Collection
	for i, elem := range target {
		c, err := evaluate(ctx, elem, criteria, FunctionScope{Index: i})
		if err != nil {
			return nil, err
		}
		include, ok, err := Singleton[Boolean](c)
		if err != nil {
			return nil, err
		}
		if ok && bool(include) {
			result = append(result, elem)
		}
	}
	return result, nil
}

func conversionFunc[T Element](name string) Function {
	return func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams(name, params, 0, 0); err != nil {
			return nil, err
		}
		if len(target) == 0 {
			return nil, nil
		}
		if err := singletonOnly(name, target); err != nil {
			return nil, err
		}
		v, ok, err := elementTo[T](target[0], true)
		if err != nil || !ok {
			return nil, err
		}
		return Collection{v}, nil
	}
}

func convertsToFunc[T Element](name string) Function {
	return func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams(name, params, 0, 0); err != nil {
			return nil, err
		}
		if len(target) == 0 {
			return nil, nil
		}
		if err := singletonOnly(name, target); err != nil {
			return nil, err
		}
		_, ok, err := elementTo[T](target[0], true)
		if err != nil {
			return nil, err
		}
		return Collection{Boolean(ok)}, nil
	}
}

// quantityWithUnit applies the optional unit argument of toQuantity and
// convertsToQuantity: the converted quantity must carry the requested unit.
func quantityWithUnit(ctx context.Context, target Collection, params []Expression, evaluate EvaluateFunc, name string) (Quantity, bool, error) {
	if err := singletonOnly(name, target); err != nil {
		return Quantity{}, false, err
	}
	q, ok, err := elementTo[Quantity](target[0], true)
	if err != nil || !ok {
		return Quantity{}, false, err
	}
	if len(params) == 1 {
		unit, uok, err := stringParam(ctx, evaluate, params[0], name)
		if err != nil {
			return Quantity{}, false, err
		}
		if !uok || normalizeUnit(string(unit)) != normalizeUnit(string(q.Unit)) {
			return Quantity{}, false, nil
		}
	}
	return q, true, nil
}

func compileRegexp(pattern String, full bool) (*regexp.Regexp, error) {
	src := "(?s)" + string(pattern)
	if full {
		src = `(?s)\A(?:` + string(pattern) + `)\z`
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("invalid regular expression %q: %w", pattern, err)
	}
	return re, nil
}

// expand grows a result set by repeatedly projecting over newly discovered
// elements, deduplicating by equality.
func expand(seed Collection, dedup bool, project func(Element) (Collection, error)) (Collection, error) {
	var result Collection
	frontier := seed
	for len(frontier) > 0 {
		var next Collection
		for _, elem := range frontier {
			projected, err := project(elem)
			if err != nil {
				return nil, err
			}
			for _, p := range projected {
				if dedup {
					if found, _ := result.Contains(p); found {
						continue
					}
				}
				result = append(result, p)
				next = append(next, p)
				if len(result) > maxRepeatElements {
					return nil, fmt.Errorf("projection exceeded %d elements", maxRepeatElements)
				}
			}
		}
		frontier = next
	}
	return result, nil
}

func isPrimitive(e Element) bool {
	switch e.(type) {
	case Boolean, String, Integer, Decimal, Date, Time, DateTime, Quantity:
		return true
	}
	return false
}

var defaultFunctions = Functions{
	// Existence.
	"empty": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("empty", params, 0, 0); err != nil {
			return nil, err
		}
		return Collection{Boolean(len(target) == 0)}, nil
	},
	"exists": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("exists", params, 0, 1); err != nil {
			return nil, err
		}
		if len(params) == 1 {
			filtered, err := filterByCriteria(ctx, target, params[0], evaluate)
			if err != nil {
				return nil, err
			}
			return Collection{Boolean(len(filtered) > 0)}, nil
		}
		return Collection{Boolean(len(target) > 0)}, nil
	},
	"all": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("all", params, 1, 1); err != nil {
			return nil, err
		}
		for i, elem := range target {
			c, err := evaluate(ctx, elem, params[0], FunctionScope{Index: i})
			if err != nil {
				return nil, err
			}
			ok2, ok, err := Singleton[Boolean](c)
			if err != nil {
				return nil, err
			}
			if !ok || !bool(ok2) {
				return Collection{Boolean(false)}, nil
			}
		}
		return Collection{Boolean(true)}, nil
	},
	"allTrue": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		bs, err := boolElements("allTrue", target)
		if err != nil {
			return nil, err
		}
		for _, b := range bs {
			if !b {
				return Collection{Boolean(false)}, nil
			}
		}
		return Collection{Boolean(true)}, nil
	},
	"anyTrue": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		bs, err := boolElements("anyTrue", target)
		if err != nil {
			return nil, err
		}
		for _, b := range bs {
			if b {
				return Collection{Boolean(true)}, nil
			}
		}
		return Collection{Boolean(false)}, nil
	},
	"allFalse": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		bs, err := boolElements("allFalse", target)
		if err != nil {
			return nil, err
		}
		for _, b := range bs {
			if b {
				return Collection{Boolean(false)}, nil
			}
		}
		return Collection{Boolean(true)}, nil
	},
	"anyFalse": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		bs, err := boolElements("anyFalse", target)
		if err != nil {
			return nil, err
		}
		for _, b := range bs {
			if !b {
				return Collection{Boolean(true)}, nil
			}
		}
		return Collection{Boolean(false)}, nil
	},
	"count": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("count", params, 0, 0); err != nil {
			return nil, err
		}
		return Collection{Integer(len(target))}, nil
	},
	"distinct": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("distinct", params, 0, 0); err != nil {
			return nil, err
		}
		return target.Union(nil), nil
	},
	"isDistinct": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("isDistinct", params, 0, 0); err != nil {
			return nil, err
		}
		return Collection{Boolean(len(target.Union(nil)) == len(target))}, nil
	},
	"subsetOf": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("subsetOf", params, 1, 1); err != nil {
			return nil, err
		}
		other, err := evaluate(ctx, nil, params[0])
		if err != nil {
			return nil, err
		}
		for _, elem := range target {
			if found, _ := other.Contains(elem); !found {
				return Collection{Boolean(false)}, nil
			}
		}
		return Collection{Boolean(true)}, nil
	},
	"supersetOf": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("supersetOf", params, 1, 1); err != nil {
			return nil, err
		}
		other, err := evaluate(ctx, nil, params[0])
		if err != nil {
			return nil, err
		}
		for _, elem := range other {
			if found, _ := target.Contains(elem); !found {
				return Collection{Boolean(false)}, nil
			}
		}
		return Collection{Boolean(true)}, nil
	},

	// Filtering and projection.
	"where": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("where", params, 1, 1); err != nil {
			return nil, err
		}
		return filterByCriteria(ctx, target, params[0], evaluate)
	},
	"select": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("select", params, 1, 1); err != nil {
			return nil, err
		}
		var result Collection
		for i, elem := range target {
			c, err := evaluate(ctx, elem, params[0], FunctionScope{Index: i})
			if err != nil {
				return nil, err
			}
			result = append(result, c...)
		}
		return result, nil
	},
	"repeat": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("repeat", params, 1, 1); err != nil {
			return nil, err
		}
		return expand(target, true, func(elem Element) (Collection, error) {
			return evaluate(ctx, elem, params[0])
		})
	},
	"repeatAll": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("repeatAll", params, 1, 1); err != nil {
			return nil, err
		}
		return expand(target, false, func(elem Element) (Collection, error) {
			return evaluate(ctx, elem, params[0])
		})
	},
	"ofType": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("ofType", params, 1, 1); err != nil {
			return nil, err
		}
		spec, err := typeSpecifierFromExpression(params[0])
		if err != nil {
			return nil, err
		}
		var result Collection
		for _, elem := range target {
			if matchesType(elem.TypeInfo(), spec) {
				result = append(result, elem)
			}
		}
		return result, nil
	},

	// Subsetting.
	"first": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if len(target) == 0 {
			return nil, nil
		}
		return Collection{target[0]}, nil
	},
	"last": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if len(target) == 0 {
			return nil, nil
		}
		return Collection{target[len(target)-1]}, nil
	},
	"tail": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if len(target) <= 1 {
			return nil, nil
		}
		return target[1:], nil
	},
	"single": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if len(target) > 1 {
			return nil, fmt.Errorf("single expects at most one element, got %d", len(target))
		}
		return target, nil
	},
	"skip": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("skip", params, 1, 1); err != nil {
			return nil, err
		}
		n, ok, err := integerParam(ctx, evaluate, params[0], "skip")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("skip expects an Integer argument")
		}
		if int(n) >= len(target) {
			return nil, nil
		}
		if n < 0 {
			n = 0
		}
		return target[n:], nil
	},
	"take": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("take", params, 1, 1); err != nil {
			return nil, err
		}
		n, ok, err := integerParam(ctx, evaluate, params[0], "take")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("take expects an Integer argument")
		}
		if n <= 0 {
			return nil, nil
		}
		if int(n) > len(target) {
			n = Integer(len(target))
		}
		return target[:n], nil
	},
	"intersect": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("intersect", params, 1, 1); err != nil {
			return nil, err
		}
		other, err := evaluate(ctx, nil, params[0])
		if err != nil {
			return nil, err
		}
		var result Collection
		for _, elem := range target {
			if found, _ := other.Contains(elem); !found {
				continue
			}
			if found, _ := result.Contains(elem); !found {
				result = append(result, elem)
			}
		}
		return result, nil
	},
	"exclude": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("exclude", params, 1, 1); err != nil {
			return nil, err
		}
		other, err := evaluate(ctx, nil, params[0])
		if err != nil {
			return nil, err
		}
		var result Collection
		for _, elem := range target {
			if found, _ := other.Contains(elem); !found {
				result = append(result, elem)
			}
		}
		return result, nil
	},
	"combine": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("combine", params, 1, 1); err != nil {
			return nil, err
		}
		other, err := evaluate(ctx, nil, params[0])
		if err != nil {
			return nil, err
		}
		return target.Combine(other), nil
	},
	"union": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("union", params, 1, 1); err != nil {
			return nil, err
		}
		other, err := evaluate(ctx, nil, params[0])
		if err != nil {
			return nil, err
		}
		return target.Union(other), nil
	},

	// Conversion.
	"toBoolean":          conversionFunc[Boolean]("toBoolean"),
	"convertsToBoolean":  convertsToFunc[Boolean]("convertsToBoolean"),
	"toInteger":          conversionFunc[Integer]("toInteger"),
	"convertsToInteger":  convertsToFunc[Integer]("convertsToInteger"),
	"toDecimal":          conversionFunc[Decimal]("toDecimal"),
	"convertsToDecimal":  convertsToFunc[Decimal]("convertsToDecimal"),
	"toString":           conversionFunc[String]("toString"),
	"convertsToString":   convertsToFunc[String]("convertsToString"),
	"toDate":             conversionFunc[Date]("toDate"),
	"convertsToDate":     convertsToFunc[Date]("convertsToDate"),
	"toDateTime":         conversionFunc[DateTime]("toDateTime"),
	"convertsToDateTime": convertsToFunc[DateTime]("convertsToDateTime"),
	"toTime":             conversionFunc[Time]("toTime"),
	"convertsToTime":     convertsToFunc[Time]("convertsToTime"),
	"toQuantity": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("toQuantity", params, 0, 1); err != nil {
			return nil, err
		}
		if len(target) == 0 {
			return nil, nil
		}
		q, ok, err := quantityWithUnit(ctx, target, params, evaluate, "toQuantity")
		if err != nil || !ok {
			return nil, err
		}
		return Collection{q}, nil
	},
	"convertsToQuantity": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("convertsToQuantity", params, 0, 1); err != nil {
			return nil, err
		}
		if len(target) == 0 {
			return nil, nil
		}
		_, ok, err := quantityWithUnit(ctx, target, params, evaluate, "convertsToQuantity")
		if err != nil {
			return nil, err
		}
		return Collection{Boolean(ok)}, nil
	},

	// Strings.
	"length": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		s, ok, err := stringInput("length", target)
		if err != nil || !ok {
			return nil, err
		}
		return Collection{Integer(utf8.RuneCountInString(string(s)))}, nil
	},
	"substring": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("substring", params, 1, 2); err != nil {
			return nil, err
		}
		s, ok, err := stringInput("substring", target)
		if err != nil || !ok {
			return nil, err
		}
		start, ok, err := integerParam(ctx, evaluate, params[0], "substring")
		if err != nil || !ok {
			return nil, err
		}
		runes := []rune(string(s))
		if start < 0 || int(start) >= len(runes) {
			return nil, nil
		}
		end := len(runes)
		if len(params) == 2 {
			length, ok, err := integerParam(ctx, evaluate, params[1], "substring")
			if err != nil || !ok {
				return nil, err
			}
			if length < 0 {
				length = 0
			}
			if e := int(start) + int(length); e < end {
				end = e
			}
		}
		return Collection{String(runes[start:end])}, nil
	},
	"startsWith": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("startsWith", params, 1, 1); err != nil {
			return nil, err
		}
		s, ok, err := stringInput("startsWith", target)
		if err != nil || !ok {
			return nil, err
		}
		prefix, ok, err := stringParam(ctx, evaluate, params[0], "startsWith")
		if err != nil || !ok {
			return nil, err
		}
		return Collection{Boolean(strings.HasPrefix(string(s), string(prefix)))}, nil
	},
	"endsWith": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("endsWith", params, 1, 1); err != nil {
			return nil, err
		}
		s, ok, err := stringInput("endsWith", target)
		if err != nil || !ok {
			return nil, err
		}
		suffix, ok, err := stringParam(ctx, evaluate, params[0], "endsWith")
		if err != nil || !ok {
			return nil, err
		}
		return Collection{Boolean(strings.HasSuffix(string(s), string(suffix)))}, nil
	},
	"contains": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("contains", params, 1, 1); err != nil {
			return nil, err
		}
		s, ok, err := stringInput("contains", target)
		if err != nil || !ok {
			return nil, err
		}
		sub, ok, err := stringParam(ctx, evaluate, params[0], "contains")
		if err != nil || !ok {
			return nil, err
		}
		return Collection{Boolean(strings.Contains(string(s), string(sub)))}, nil
	},
	"upper": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		s, ok, err := stringInput("upper", target)
		if err != nil || !ok {
			return nil, err
		}
		return Collection{String(strings.ToUpper(string(s)))}, nil
	},
	"lower": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		s, ok, err := stringInput("lower", target)
		if err != nil || !ok {
			return nil, err
		}
		return Collection{String(strings.ToLower(string(s)))}, nil
	},
	"trim": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		s, ok, err := stringInput("trim", target)
		if err != nil || !ok {
			return nil, err
		}
		return Collection{String(strings.TrimSpace(string(s)))}, nil
	},
	"replace": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("replace", params, 2, 2); err != nil {
			return nil, err
		}
		s, ok, err := stringInput("replace", target)
		if err != nil || !ok {
			return nil, err
		}
		pattern, ok, err := stringParam(ctx, evaluate, params[0], "replace")
		if err != nil || !ok {
			return nil, err
		}
		substitution, ok, err := stringParam(ctx, evaluate, params[1], "replace")
		if err != nil || !ok {
			return nil, err
		}
		return Collection{String(strings.ReplaceAll(string(s), string(pattern), string(substitution)))}, nil
	},
	"matches": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("matches", params, 1, 1); err != nil {
			return nil, err
		}
		s, ok, err := stringInput("matches", target)
		if err != nil || !ok {
			return nil, err
		}
		pattern, ok, err := stringParam(ctx, evaluate, params[0], "matches")
		if err != nil || !ok {
			return nil, err
		}
		re, err := compileRegexp(pattern, false)
		if err != nil {
			return nil, err
		}
		return Collection{Boolean(re.MatchString(string(s)))}, nil
	},
	"matchesFull": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("matchesFull", params, 1, 1); err != nil {
			return nil, err
		}
		s, ok, err := stringInput("matchesFull", target)
		if err != nil || !ok {
			return nil, err
		}
		pattern, ok, err := stringParam(ctx, evaluate, params[0], "matchesFull")
		if err != nil || !ok {
			return nil, err
		}
		re, err := compileRegexp(pattern, true)
		if err != nil {
			return nil, err
		}
		return Collection{Boolean(re.MatchString(string(s)))}, nil
	},
	"replaceMatches": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("replaceMatches", params, 2, 2); err != nil {
			return nil, err
		}
		s, ok, err := stringInput("replaceMatches", target)
		if err != nil || !ok {
			return nil, err
		}
		pattern, ok, err := stringParam(ctx, evaluate, params[0], "replaceMatches")
		if err != nil || !ok {
			return nil, err
		}
		substitution, ok, err := stringParam(ctx, evaluate, params[1], "replaceMatches")
		if err != nil || !ok {
			return nil, err
		}
		re, err := compileRegexp(pattern, false)
		if err != nil {
			return nil, err
		}
		return Collection{String(re.ReplaceAllString(string(s), string(substitution)))}, nil
	},
	"indexOf": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("indexOf", params, 1, 1); err != nil {
			return nil, err
		}
		s, ok, err := stringInput("indexOf", target)
		if err != nil || !ok {
			return nil, err
		}
		sub, ok, err := stringParam(ctx, evaluate, params[0], "indexOf")
		if err != nil || !ok {
			return nil, err
		}
		i := strings.Index(string(s), string(sub))
		if i < 0 {
			return Collection{Integer(-1)}, nil
		}
		return Collection{Integer(utf8.RuneCountInString(string(s)[:i]))}, nil
	},
	"lastIndexOf": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("lastIndexOf", params, 1, 1); err != nil {
			return nil, err
		}
		s, ok, err := stringInput("lastIndexOf", target)
		if err != nil || !ok {
			return nil, err
		}
		sub, ok, err := stringParam(ctx, evaluate, params[0], "lastIndexOf")
		if err != nil || !ok {
			return nil, err
		}
		i := strings.LastIndex(string(s), string(sub))
		if i < 0 {
			return Collection{Integer(-1)}, nil
		}
		return Collection{Integer(utf8.RuneCountInString(string(s)[:i]))}, nil
	},
	"split": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("split", params, 1, 1); err != nil {
			return nil, err
		}
		s, ok, err := stringInput("split", target)
		if err != nil || !ok {
			return nil, err
		}
		sep, ok, err := stringParam(ctx, evaluate, params[0], "split")
		if err != nil || !ok {
			return nil, err
		}
		parts := strings.Split(string(s), string(sep))
		result := make(Collection, 0, len(parts))
		for _, part := range parts {
			result = append(result, String(part))
		}
		return result, nil
	},
	"join": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("join", params, 0, 1); err != nil {
			return nil, err
		}
		sep := String("")
		if len(params) == 1 {
			var ok bool
			var err error
			sep, ok, err = stringParam(ctx, evaluate, params[0], "join")
			if err != nil {
				return nil, err
			}
			if !ok {
				sep = ""
			}
		}
		parts := make([]string, 0, len(target))
		for _, elem := range target {
			s, ok, err := elementTo[String](elem, false)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("join expects String elements, got %s", elem.TypeInfo())
			}
			parts = append(parts, string(s))
		}
		return Collection{String(strings.Join(parts, string(sep)))}, nil
	},
	"toChars": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		s, ok, err := stringInput("toChars", target)
		if err != nil || !ok {
			return nil, err
		}
		var result Collection
		for _, r := range string(s) {
			result = append(result, String(r))
		}
		return result, nil
	},
	"encode": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("encode", params, 1, 1); err != nil {
			return nil, err
		}
		s, ok, err := stringInput("encode", target)
		if err != nil || !ok {
			return nil, err
		}
		format, ok, err := stringParam(ctx, evaluate, params[0], "encode")
		if err != nil || !ok {
			return nil, err
		}
		switch format {
		case "hex":
			return Collection{String(hex.EncodeToString([]byte(s)))}, nil
		case "base64":
			return Collection{String(base64.StdEncoding.EncodeToString([]byte(s)))}, nil
		case "urlbase64":
			return Collection{String(base64.URLEncoding.EncodeToString([]byte(s)))}, nil
		}
		return nil, fmt.Errorf("encode: unsupported format %q", format)
	},
	"decode": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("decode", params, 1, 1); err != nil {
			return nil, err
		}
		s, ok, err := stringInput("decode", target)
		if err != nil || !ok {
			return nil, err
		}
		format, ok, err := stringParam(ctx, evaluate, params[0], "decode")
		if err != nil || !ok {
			return nil, err
		}
		var decoded []byte
		switch format {
		case "hex":
			decoded, err = hex.DecodeString(string(s))
		case "base64":
			decoded, err = base64.StdEncoding.DecodeString(string(s))
		case "urlbase64":
			decoded, err = base64.URLEncoding.DecodeString(string(s))
		default:
			return nil, fmt.Errorf("decode: unsupported format %q", format)
		}
		if err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		return Collection{String(decoded)}, nil
	},
	"escape": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("escape", params, 1, 1); err != nil {
			return nil, err
		}
		s, ok, err := stringInput("escape", target)
		if err != nil || !ok {
			return nil, err
		}
		format, ok, err := stringParam(ctx, evaluate, params[0], "escape")
		if err != nil || !ok {
			return nil, err
		}
		switch format {
		case "html":
			return Collection{String(html.EscapeString(string(s)))}, nil
		case "json":
			encoded, err := json.Marshal(string(s))
			if err != nil {
				return nil, err
			}
			return Collection{String(encoded[1 : len(encoded)-1])}, nil
		}
		return nil, fmt.Errorf("escape: unsupported format %q", format)
	},
	"unescape": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("unescape", params, 1, 1); err != nil {
			return nil, err
		}
		s, ok, err := stringInput("unescape", target)
		if err != nil || !ok {
			return nil, err
		}
		format, ok, err := stringParam(ctx, evaluate, params[0], "unescape")
		if err != nil || !ok {
			return nil, err
		}
		switch format {
		case "html":
			return Collection{String(html.UnescapeString(string(s)))}, nil
		case "json":
			var decoded string
			if err := json.Unmarshal([]byte(`"`+string(s)+`"`), &decoded); err != nil {
				return nil, fmt.Errorf("unescape: %w", err)
			}
			return Collection{String(decoded)}, nil
		}
		return nil, fmt.Errorf("unescape: unsupported format %q", format)
	},

	// Math.
	"abs": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if len(target) == 0 {
			return nil, nil
		}
		if err := singletonOnly("abs", target); err != nil {
			return nil, err
		}
		switch v := target[0].(type) {
		case Integer:
			if v >= 0 {
				return target, nil
			}
			negated, ok := overflowNegate(int64(v))
			if !ok {
				return nil, fmt.Errorf("integer overflow in abs(%d)", v)
			}
			return Collection{Integer(negated)}, nil
		case Decimal:
			var result apd.Decimal
			result.Abs(v.Value)
			return Collection{Decimal{Value: &result}}, nil
		case Quantity:
			var result apd.Decimal
			result.Abs(v.Value.Value)
			return Collection{Quantity{Value: Decimal{Value: &result}, Unit: v.Unit}}, nil
		}
		return nil, fmt.Errorf("abs expects a numeric input, got %s", target[0].TypeInfo())
	},
	"ceiling": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		return roundToInteger(ctx, "ceiling", target, (*apd.Context).Ceil)
	},
	"floor": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		return roundToInteger(ctx, "floor", target, (*apd.Context).Floor)
	},
	"truncate": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if len(target) == 0 {
			return nil, nil
		}
		if _, ok := target[0].(Integer); ok && len(target) == 1 {
			return target, nil
		}
		d, _, ok, err := numberInput("truncate", target)
		if err != nil || !ok {
			return nil, err
		}
		apdCtx := *apdContext(ctx)
		apdCtx.Rounding = apd.RoundDown
		var result apd.Decimal
		if _, err := apdCtx.Quantize(&result, d, 0); err != nil {
			return nil, err
		}
		i, err := result.Int64()
		if err != nil {
			return nil, fmt.Errorf("truncate: %w", err)
		}
		return Collection{Integer(i)}, nil
	},
	"round": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("round", params, 0, 1); err != nil {
			return nil, err
		}
		d, _, ok, err := numberInput("round", target)
		if err != nil || !ok {
			return nil, err
		}
		precision := Integer(0)
		if len(params) == 1 {
			p, ok, err := integerParam(ctx, evaluate, params[0], "round")
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			if p < 0 {
				return nil, fmt.Errorf("round expects a non-negative precision, got %d", p)
			}
			precision = p
		}
		apdCtx := *apdContext(ctx)
		apdCtx.Rounding = apd.RoundHalfUp
		var result apd.Decimal
		if _, err := apdCtx.Quantize(&result, d, -int32(precision)); err != nil {
			return nil, err
		}
		return Collection{Decimal{Value: &result}}, nil
	},
	"sqrt": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		d, _, ok, err := numberInput("sqrt", target)
		if err != nil || !ok {
			return nil, err
		}
		if d.Sign() < 0 {
			return nil, fmt.Errorf("sqrt is not defined for negative numbers")
		}
		var result apd.Decimal
		if _, err := apdContext(ctx).Sqrt(&result, d); err != nil {
			return nil, err
		}
		return Collection{Decimal{Value: &result}}, nil
	},
	"ln": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		d, _, ok, err := numberInput("ln", target)
		if err != nil || !ok {
			return nil, err
		}
		if d.Sign() <= 0 {
			return nil, fmt.Errorf("ln is only defined for positive numbers")
		}
		var result apd.Decimal
		if _, err := apdContext(ctx).Ln(&result, d); err != nil {
			return nil, err
		}
		return Collection{Decimal{Value: &result}}, nil
	},
	"log": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("log", params, 1, 1); err != nil {
			return nil, err
		}
		d, _, ok, err := numberInput("log", target)
		if err != nil || !ok {
			return nil, err
		}
		base, ok, err := decimalParam(ctx, evaluate, params[0], "log")
		if err != nil || !ok {
			return nil, err
		}
		if d.Sign() <= 0 || base.Sign() <= 0 || base.Cmp(apd.New(1, 0)) == 0 {
			return nil, fmt.Errorf("log is only defined for positive numbers and a positive base other than 1")
		}
		apdCtx := apdContext(ctx)
		var lnValue, lnBase, result apd.Decimal
		if _, err := apdCtx.Ln(&lnValue, d); err != nil {
			return nil, err
		}
		if _, err := apdCtx.Ln(&lnBase, base); err != nil {
			return nil, err
		}
		if _, err := apdCtx.Quo(&result, &lnValue, &lnBase); err != nil {
			return nil, err
		}
		return Collection{Decimal{Value: &result}}, nil
	},
	"exp": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		d, _, ok, err := numberInput("exp", target)
		if err != nil || !ok {
			return nil, err
		}
		var result apd.Decimal
		if _, err := apdContext(ctx).Exp(&result, d); err != nil {
			return nil, err
		}
		return Collection{Decimal{Value: &result}}, nil
	},
	"power": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("power", params, 1, 1); err != nil {
			return nil, err
		}
		d, base, ok, err := numberInput("power", target)
		if err != nil || !ok {
			return nil, err
		}
		exponent, ok, err := decimalParam(ctx, evaluate, params[0], "power")
		if err != nil || !ok {
			return nil, err
		}
		var result apd.Decimal
		if _, err := apdContext(ctx).Pow(&result, d, exponent); err != nil {
			return nil, fmt.Errorf("power is not defined for these operands: %w", err)
		}
		if _, isInt := base.(Integer); isInt && exponent.Exponent >= 0 && !exponent.Negative {
			if i, err := result.Int64(); err == nil {
				return Collection{Integer(i)}, nil
			}
		}
		return Collection{Decimal{Value: &result}}, nil
	},

	// Date and time.
	"now": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		return Collection{DateTime{
			Value:       evaluationInstant(ctx),
			Precision:   DateTimePrecisionFull,
			HasTimeZone: true,
		}}, nil
	},
	"today": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		return Collection{Date{Value: evaluationInstant(ctx), Precision: DatePrecisionFull}}, nil
	},
	"timeOfDay": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		return Collection{Time{Value: evaluationInstant(ctx), Precision: TimePrecisionFull}}, nil
	},
	"yearOf": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		return temporalComponent("yearOf", target, 1, 0, func(c []int) Element { return Integer(c[0]) })
	},
	"monthOf": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		return temporalComponent("monthOf", target, 2, 0, func(c []int) Element { return Integer(c[1]) })
	},
	"dayOf": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		return temporalComponent("dayOf", target, 3, 0, func(c []int) Element { return Integer(c[2]) })
	},
	"hourOf": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		return temporalComponent("hourOf", target, 4, 1, func(c []int) Element { return Integer(c[len(c)-1]) })
	},
	"minuteOf": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		return temporalComponent("minuteOf", target, 5, 2, func(c []int) Element { return Integer(c[len(c)-1]) })
	},
	"secondOf": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		return temporalComponent("secondOf", target, 6, 3, func(c []int) Element { return Integer(c[len(c)-1]) })
	},
	"millisecondOf": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		return temporalComponent("millisecondOf", target, 7, 4, func(c []int) Element { return Integer(c[len(c)-1]) })
	},
	"timezoneOffsetOf": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if len(target) == 0 {
			return nil, nil
		}
		if err := singletonOnly("timezoneOffsetOf", target); err != nil {
			return nil, err
		}
		dt, ok := target[0].(DateTime)
		if !ok {
			return nil, fmt.Errorf("timezoneOffsetOf expects a DateTime input, got %s", target[0].TypeInfo())
		}
		if !dt.HasTimeZone {
			return nil, nil
		}
		_, offsetSeconds := dt.Value.Zone()
		var hours apd.Decimal
		apdCtx := defaultAPDContext()
		if _, err := apdCtx.Quo(&hours, apd.New(int64(offsetSeconds), 0), apd.New(3600, 0)); err != nil {
			return nil, err
		}
		return Collection{Decimal{Value: &hours}}, nil
	},
	"dateOf": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if len(target) == 0 {
			return nil, nil
		}
		if err := singletonOnly("dateOf", target); err != nil {
			return nil, err
		}
		switch v := target[0].(type) {
		case Date:
			return target, nil
		case DateTime:
			d, _, err := v.ToDate(true)
			if err != nil {
				return nil, err
			}
			return Collection{d}, nil
		}
		return nil, fmt.Errorf("dateOf expects a Date or DateTime input, got %s", target[0].TypeInfo())
	},
	"timeOf": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if len(target) == 0 {
			return nil, nil
		}
		if err := singletonOnly("timeOf", target); err != nil {
			return nil, err
		}
		dt, ok := target[0].(DateTime)
		if !ok {
			return nil, fmt.Errorf("timeOf expects a DateTime input, got %s", target[0].TypeInfo())
		}
		var p TimePrecision
		switch dt.Precision {
		case DateTimePrecisionHour:
			p = TimePrecisionHour
		case DateTimePrecisionMinute:
			p = TimePrecisionMinute
		case DateTimePrecisionSecond:
			p = TimePrecisionSecond
		case DateTimePrecisionFull:
			p = TimePrecisionFull
		default:
			return nil, nil
		}
		return Collection{Time{Value: truncateClock(dt.Value, p), Precision: p}}, nil
	},

	// Tree navigation.
	"children": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("children", params, 0, 0); err != nil {
			return nil, err
		}
		return target.children(), nil
	},
	"descendants": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("descendants", params, 0, 0); err != nil {
			return nil, err
		}
		return expand(target, true, func(elem Element) (Collection, error) {
			return elem.Children(), nil
		})
	},
	"hasValue": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		return Collection{Boolean(len(target) == 1 && isPrimitive(target[0]))}, nil
	},
	"getValue": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if len(target) == 1 && isPrimitive(target[0]) {
			return target, nil
		}
		return nil, nil
	},
	"extension": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("extension", params, 1, 1); err != nil {
			return nil, err
		}
		url, ok, err := stringParam(ctx, evaluate, params[0], "extension")
		if err != nil || !ok {
			return nil, err
		}
		var result Collection
		for _, ext := range target.children("extension") {
			u, _, err := Singleton[String](ext.Children("url"))
			if err != nil {
				return nil, err
			}
			if u == url {
				result = append(result, ext)
			}
		}
		return result, nil
	},

	// Utility.
	"not": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		b, ok, err := Singleton[Boolean](target)
		if err != nil || !ok {
			return nil, err
		}
		return Collection{!b}, nil
	},
	"iif": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("iif", params, 2, 3); err != nil {
			return nil, err
		}
		if err := singletonOnly("iif", target); err != nil {
			return nil, err
		}
		var this Element
		if len(target) == 1 {
			this = target[0]
		}
		criterion, err := evaluate(ctx, this, params[0])
		if err != nil {
			return nil, err
		}
		cond, ok, err := Singleton[Boolean](criterion)
		if err != nil {
			return nil, err
		}
		if ok && bool(cond) {
			return evaluate(ctx, this, params[1])
		}
		if len(params) == 3 {
			return evaluate(ctx, this, params[2])
		}
		return nil, nil
	},
	"trace": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("trace", params, 1, 2); err != nil {
			return nil, err
		}
		name, ok, err := stringParam(ctx, evaluate, params[0], "trace")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("trace expects a name argument")
		}
		// The arguments are evaluated even without a tracer so that a
		// failing projection never passes silently.
		traced := target
		if len(params) == 2 {
			traced = nil
			for i, elem := range target {
				c, err := evaluate(ctx, elem, params[1], FunctionScope{Index: i})
				if err != nil {
					return nil, err
				}
				traced = append(traced, c...)
			}
		}
		if tracer, active := tracerFrom(ctx); active {
			tracer.Trace(ctx, string(name), traced)
		}
		return target, nil
	},
	"type": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("type", params, 0, 0); err != nil {
			return nil, err
		}
		result := make(Collection, 0, len(target))
		for _, elem := range target {
			result = append(result, elem.TypeInfo())
		}
		return result, nil
	},
	"is": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("is", params, 1, 1); err != nil {
			return nil, err
		}
		spec, err := typeSpecifierFromExpression(params[0])
		if err != nil {
			return nil, err
		}
		if len(target) == 0 {
			return nil, nil
		}
		if err := singletonOnly("is", target); err != nil {
			return nil, err
		}
		return Collection{Boolean(matchesType(target[0].TypeInfo(), spec))}, nil
	},
	"as": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("as", params, 1, 1); err != nil {
			return nil, err
		}
		spec, err := typeSpecifierFromExpression(params[0])
		if err != nil {
			return nil, err
		}
		if len(target) == 0 {
			return nil, nil
		}
		if err := singletonOnly("as", target); err != nil {
			return nil, err
		}
		if matchesType(target[0].TypeInfo(), spec) {
			return target, nil
		}
		return nil, nil
	},
	"defineVariable": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("defineVariable", params, 1, 2); err != nil {
			return nil, err
		}
		name, ok, err := stringParam(ctx, evaluate, params[0], "defineVariable")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("defineVariable expects a name argument")
		}
		if systemVariables[string(name)] {
			return nil, fmt.Errorf("cannot redefine system variable %%%s", name)
		}
		value := target
		if len(params) == 2 {
			value, err = evaluate(ctx, nil, params[1])
			if err != nil {
				return nil, err
			}
		}
		frame := currentEnvFrame(ctx)
		if frame == nil {
			return nil, fmt.Errorf("defineVariable requires an evaluation environment")
		}
		if _, exists := frame.vars[string(name)]; exists {
			return nil, fmt.Errorf("variable %%%s is already defined", name)
		}
		frame.vars[string(name)] = value
		return target, nil
	},
	"aggregate": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		if err := expectParams("aggregate", params, 1, 2); err != nil {
			return nil, err
		}
		total := Collection{}
		if len(params) == 2 {
			init, err := evaluate(ctx, nil, params[1])
			if err != nil {
				return nil, err
			}
			if init != nil {
				total = init
			}
		}
		for i, elem := range target {
			next, err := evaluate(ctx, elem, params[0], FunctionScope{Index: i, Total: total})
			if err != nil {
				return nil, err
			}
			total = next
			if total == nil {
				total = Collection{}
			}
		}
		if len(total) == 0 {
			return nil, nil
		}
		return total, nil
	},
	"sort": func(ctx context.Context, root Element, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
		return sortCollection(ctx, target, params, evaluate)
	},
}

// roundToInteger applies a directed rounding mode and narrows to Integer.
func roundToInteger(ctx context.Context, name string, target Collection, mode func(*apd.Context, *apd.Decimal, *apd.Decimal) (apd.Condition, error)) (Collection, error) {
	if len(target) == 0 {
		return nil, nil
	}
	if _, ok := target[0].(Integer); ok && len(target) == 1 {
		return target, nil
	}
	d, _, ok, err := numberInput(name, target)
	if err != nil || !ok {
		return nil, err
	}
	var rounded apd.Decimal
	if _, err := mode(apdContext(ctx), &rounded, d); err != nil {
		return nil, err
	}
	i, err := rounded.Int64()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return Collection{Integer(i)}, nil
}

// temporalComponent extracts one component from a Date, DateTime or Time
// singleton. dateTimeRank gates DateTime precision; timeRank gates Time (0
// means the component does not apply to Time).
func temporalComponent(name string, target Collection, dateTimeRank, timeRank int, extract func([]int) Element) (Collection, error) {
	if len(target) == 0 {
		return nil, nil
	}
	if err := singletonOnly(name, target); err != nil {
		return nil, err
	}
	switch v := target[0].(type) {
	case Date:
		if dateTimeRank > 3 {
			return nil, fmt.Errorf("%s is not defined for Date", name)
		}
		c := dateComponents(v.Value, v.Precision)
		if len(c) < dateTimeRank {
			return nil, nil
		}
		return Collection{extract(c)}, nil
	case DateTime:
		c := dateTimeComponents(v)
		if len(c) < dateTimeRank {
			return nil, nil
		}
		return Collection{extract(c[:dateTimeRank])}, nil
	case Time:
		if timeRank == 0 {
			return nil, fmt.Errorf("%s is not defined for Time", name)
		}
		c := timeComponents(v.Value, v.Precision)
		if len(c) < timeRank {
			return nil, nil
		}
		return Collection{extract(c[:timeRank])}, nil
	}
	return nil, fmt.Errorf("%s expects a temporal input, got %s", name, target[0].TypeInfo())
}

// sortCollection stable-sorts by the selector keys, empty keys first. Without
// selectors the elements themselves are the keys.
func sortCollection(ctx context.Context, target Collection, params []Expression, evaluate EvaluateFunc) (Collection, error) {
	if len(target) < 2 {
		return target, nil
	}

	type entry struct {
		elem Element
		keys []Collection
	}
	entries := make([]entry, 0, len(target))
	for i, elem := range target {
		e := entry{elem: elem}
		if len(params) == 0 {
			e.keys = []Collection{{elem}}
		} else {
			for _, param := range params {
				key, err := evaluate(ctx, elem, param, FunctionScope{Index: i})
				if err != nil {
					return nil, err
				}
				e.keys = append(e.keys, key)
			}
		}
		entries = append(entries, e)
	}

	directions := make([]sortDirection, len(entries[0].keys))
	for i, param := range params {
		directions[i] = param.sortDirection
	}

	var sortErr error
	sort.SliceStable(entries, func(a, b int) bool {
		if sortErr != nil {
			return false
		}
		for k := range entries[a].keys {
			cmp, err := compareSortKeys(entries[a].keys[k], entries[b].keys[k])
			if err != nil {
				sortErr = err
				return false
			}
			if cmp == 0 {
				continue
			}
			if directions[k] == sortDirectionDesc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	if sortErr != nil {
		return nil, sortErr
	}

	result := make(Collection, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.elem)
	}
	return result, nil
}

func compareSortKeys(a, b Collection) (int, error) {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0, nil
	case len(a) == 0:
		return -1, nil
	case len(b) == 0:
		return 1, nil
	}
	cmp, ok, err := a.Cmp(b)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("sort keys %s and %s are not comparable", a, b)
	}
	return cmp, nil
}
