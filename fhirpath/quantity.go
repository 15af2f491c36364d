package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Quantity is the System.Quantity type: a decimal value paired with a unit
// string. Units are compared as strings after calendar keywords are reduced
// to their singular form; no unit conversion is performed.
type Quantity struct {
	Value Decimal
	Unit  String
}

var quantityRegexp = regexp.MustCompile(`^([+-]?\d+(?:\.\d+)?)\s*('[^']*'|[a-zA-Z]+)?$`)

// ParseQuantity parses a quantity string: a decimal value optionally followed
// by a quoted unit or a calendar duration keyword.
func ParseQuantity(s string) (Quantity, error) {
	m := quantityRegexp.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Quantity{}, fmt.Errorf("invalid quantity %q", s)
	}
	value, _, err := apd.NewFromString(m[1])
	if err != nil {
		return Quantity{}, fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	unit := "1"
	if m[2] != "" {
		if strings.HasPrefix(m[2], "'") {
			unit = strings.Trim(m[2], "'")
		} else {
			u, ok := normalizeCalendarUnit(m[2])
			if !ok {
				return Quantity{}, fmt.Errorf("invalid quantity unit %q", m[2])
			}
			unit = u
		}
	}
	return Quantity{Value: Decimal{Value: value}, Unit: String(unit)}, nil
}

// normalizeCalendarUnit maps calendar duration keywords to their singular
// form. It reports false for any other word.
func normalizeCalendarUnit(word string) (string, bool) {
	switch word {
	case "year", "years":
		return "year", true
	case "month", "months":
		return "month", true
	case "week", "weeks":
		return "week", true
	case "day", "days":
		return "day", true
	case "hour", "hours":
		return "hour", true
	case "minute", "minutes":
		return "minute", true
	case "second", "seconds":
		return "second", true
	case "millisecond", "milliseconds":
		return "millisecond", true
	}
	return "", false
}

// normalizeUnit prepares a unit string for comparison. Calendar keywords
// reduce to their singular form; everything else compares verbatim.
func normalizeUnit(unit string) string {
	if u, ok := normalizeCalendarUnit(unit); ok {
		return u
	}
	return unit
}

func (q Quantity) Children(name ...string) Collection {
	return Collection{q.Value, q.Unit}
}

func (q Quantity) ToBoolean(explicit bool) (Boolean, bool, error) { return false, false, nil }

func (q Quantity) ToString(explicit bool) (String, bool, error) {
	return String(q.String()), explicit, nil
}

func (q Quantity) ToInteger(explicit bool) (Integer, bool, error) { return 0, false, nil }

func (q Quantity) ToDecimal(explicit bool) (Decimal, bool, error) {
	return q.Value, explicit, nil
}

func (q Quantity) ToDate(explicit bool) (Date, bool, error)         { return Date{}, false, nil }
func (q Quantity) ToTime(explicit bool) (Time, bool, error)         { return Time{}, false, nil }
func (q Quantity) ToDateTime(explicit bool) (DateTime, bool, error) { return DateTime{}, false, nil }

func (q Quantity) ToQuantity(explicit bool) (Quantity, bool, error) { return q, true, nil }

func (q Quantity) Equal(other Element) (bool, bool) {
	o, ok := other.(Quantity)
	if !ok {
		return false, true
	}
	if normalizeUnit(string(q.Unit)) != normalizeUnit(string(o.Unit)) {
		return false, true
	}
	return q.Value.Equal(o.Value)
}

func (q Quantity) Equivalent(other Element) bool {
	o, ok := other.(Quantity)
	if !ok {
		return false
	}
	if normalizeUnit(string(q.Unit)) != normalizeUnit(string(o.Unit)) {
		return false
	}
	return q.Value.Equivalent(o.Value)
}

func (q Quantity) Cmp(other Element) (int, bool, error) {
	o, ok := other.(Quantity)
	if !ok {
		return 0, false, fmt.Errorf("cannot compare Quantity with %s", other.TypeInfo())
	}
	if normalizeUnit(string(q.Unit)) != normalizeUnit(string(o.Unit)) {
		return 0, false, fmt.Errorf("cannot compare quantities with units '%s' and '%s'", q.Unit, o.Unit)
	}
	return q.Value.Value.Cmp(o.Value.Value), true, nil
}

// Add sums two quantities with the same normalized unit.
func (q Quantity) Add(ctx context.Context, other Quantity) (Quantity, error) {
	if normalizeUnit(string(q.Unit)) != normalizeUnit(string(other.Unit)) {
		return Quantity{}, fmt.Errorf("cannot add quantities with units '%s' and '%s'", q.Unit, other.Unit)
	}
	var sum apd.Decimal
	if _, err := apdContext(ctx).Add(&sum, q.Value.Value, other.Value.Value); err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: Decimal{Value: &sum}, Unit: q.Unit}, nil
}

// Subtract subtracts a quantity with the same normalized unit.
func (q Quantity) Subtract(ctx context.Context, other Quantity) (Quantity, error) {
	if normalizeUnit(string(q.Unit)) != normalizeUnit(string(other.Unit)) {
		return Quantity{}, fmt.Errorf("cannot subtract quantities with units '%s' and '%s'", q.Unit, other.Unit)
	}
	var diff apd.Decimal
	if _, err := apdContext(ctx).Sub(&diff, q.Value.Value, other.Value.Value); err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: Decimal{Value: &diff}, Unit: q.Unit}, nil
}

// Negate flips the sign of the value, keeping the unit.
func (q Quantity) Negate() Quantity {
	var neg apd.Decimal
	neg.Neg(q.Value.Value)
	return Quantity{Value: Decimal{Value: &neg}, Unit: q.Unit}
}

// integerValue returns the value as a whole number. Calendar arithmetic only
// accepts whole durations.
func (q Quantity) integerValue() (int64, error) {
	i, err := q.Value.Value.Int64()
	if err != nil {
		return 0, fmt.Errorf("quantity %s is not a whole number", q)
	}
	return i, nil
}

func (q Quantity) TypeInfo() SimpleTypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "Quantity"}
}

func (q Quantity) String() string {
	return fmt.Sprintf("%s '%s'", q.Value.String(), q.Unit)
}

func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"value": json.RawMessage(q.Value.Value.Text('f')),
		"unit":  string(q.Unit),
	})
}
