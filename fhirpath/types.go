package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"github.com/reason-healthcare/fhirpath-go/fhirpath/internal/overflow"
)

// Element is the FHIRPath value union. Conversions take an explicit flag:
// implicit conversions are the ones the engine applies on its own (e.g.
// Integer to Decimal in mixed arithmetic), explicit conversions additionally
// cover the to*() function family. A false ok with a nil error means the
// conversion is not defined and yields the empty collection.
type Element interface {
	// Children returns all child nodes with the given names.
	//
	// If no name is passed, all children are returned.
	Children(name ...string) Collection
	ToBoolean(explicit bool) (v Boolean, ok bool, err error)
	ToString(explicit bool) (v String, ok bool, err error)
	ToInteger(explicit bool) (v Integer, ok bool, err error)
	ToDecimal(explicit bool) (v Decimal, ok bool, err error)
	ToDate(explicit bool) (v Date, ok bool, err error)
	ToTime(explicit bool) (v Time, ok bool, err error)
	ToDateTime(explicit bool) (v DateTime, ok bool, err error)
	ToQuantity(explicit bool) (v Quantity, ok bool, err error)
	// Equal implements the = operator; a false ok means the comparison is
	// undecidable (temporal precision mismatch) and yields empty.
	Equal(other Element) (eq bool, ok bool)
	// Equivalent implements the ~ operator and is total.
	Equivalent(other Element) bool
	TypeInfo() SimpleTypeInfo
	fmt.Stringer
	json.Marshaler
}

// cmpElement is implemented by elements that support the ordering operators.
type cmpElement interface {
	Element
	// Cmp returns <0, 0 or >0; a false ok means the ordering is undecidable
	// at the available precision.
	Cmp(other Element) (cmp int, ok bool, err error)
}

// Collection is an ordered sequence of elements. A nil Collection is the
// empty collection; elements are never themselves collections.
type Collection []Element

func (c Collection) String() string {
	var b strings.Builder
	b.WriteString("[")
	for i, e := range c {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.String())
	}
	b.WriteString("]")
	return b.String()
}

// Equal implements the = operator on collections: pairwise in order with
// equal length required. A false ok means the result is empty.
func (c Collection) Equal(other Collection) (eq bool, ok bool) {
	if len(c) == 0 || len(other) == 0 {
		return false, false
	}
	if len(c) != len(other) {
		return false, true
	}
	for i, e := range c {
		eq, ok := e.Equal(other[i])
		if !ok {
			return false, false
		}
		if !eq {
			return false, true
		}
	}
	return true, true
}

// Equivalent implements the ~ operator on collections: pairwise in order,
// equal length required, and total (empty ~ empty is true).
func (c Collection) Equivalent(other Collection) bool {
	if len(c) != len(other) {
		return false
	}
	for i, e := range c {
		if !e.Equivalent(other[i]) {
			return false
		}
	}
	return true
}

// Cmp compares two singleton collections. A false ok means empty input or an
// undecidable temporal comparison.
func (c Collection) Cmp(other Collection) (int, bool, error) {
	if len(c) == 0 || len(other) == 0 {
		return 0, false, nil
	}
	if len(c) > 1 || len(other) > 1 {
		return 0, false, fmt.Errorf("cannot compare collections with more than one element")
	}
	left, ok := c[0].(cmpElement)
	if !ok {
		return 0, false, fmt.Errorf("%s is not an ordered type", c[0].TypeInfo())
	}
	return left.Cmp(other[0])
}

// Contains reports whether the collection contains an element equal to e.
// A false decided means membership is undecidable because the only candidate
// comparisons yielded empty.
func (c Collection) Contains(e Element) (found bool, decided bool) {
	decided = true
	for _, x := range c {
		eq, ok := x.Equal(e)
		if !ok {
			decided = false
			continue
		}
		if eq {
			return true, true
		}
	}
	return false, decided
}

// Union concatenates both collections, dropping duplicates while preserving
// first-occurrence order.
func (c Collection) Union(other Collection) Collection {
	var result Collection
	for _, e := range c {
		if found, _ := result.Contains(e); !found {
			result = append(result, e)
		}
	}
	for _, e := range other {
		if found, _ := result.Contains(e); !found {
			result = append(result, e)
		}
	}
	return result
}

// Combine concatenates both collections without eliminating duplicates.
func (c Collection) Combine(other Collection) Collection {
	result := make(Collection, 0, len(c)+len(other))
	result = append(result, c...)
	result = append(result, other...)
	return result
}

// binaryOperands unwraps both sides of an arithmetic operator. A false ok
// means one side is empty and the operation yields empty.
func binaryOperands(left, right Collection) (Element, Element, bool, error) {
	if len(left) == 0 || len(right) == 0 {
		return nil, nil, false, nil
	}
	if len(left) > 1 || len(right) > 1 {
		return nil, nil, false, fmt.Errorf("arithmetic requires singleton operands")
	}
	return left[0], right[0], true, nil
}

func decimalOperand(e Element) (*apd.Decimal, bool) {
	switch v := e.(type) {
	case Integer:
		return apd.New(int64(v), 0), true
	case Decimal:
		return v.Value, true
	}
	return nil, false
}

// Add implements the + operator.
func (c Collection) Add(ctx context.Context, other Collection) (Collection, error) {
	a, b, ok, err := binaryOperands(c, other)
	if err != nil || !ok {
		return nil, err
	}
	if l, lok := a.(Integer); lok {
		if r, rok := b.(Integer); rok {
			sum, ok := overflow.Add(int64(l), int64(r))
			if !ok {
				return nil, fmt.Errorf("integer overflow in %d + %d", l, r)
			}
			return Collection{Integer(sum)}, nil
		}
	}
	if ld, lok := decimalOperand(a); lok {
		if rd, rok := decimalOperand(b); rok {
			var sum apd.Decimal
			if _, err := apdContext(ctx).Add(&sum, ld, rd); err != nil {
				return nil, err
			}
			return Collection{Decimal{Value: &sum}}, nil
		}
	}
	switch l := a.(type) {
	case String:
		if r, ok := b.(String); ok {
			return Collection{l + r}, nil
		}
	case Quantity:
		if r, ok := b.(Quantity); ok {
			sum, err := l.Add(ctx, r)
			if err != nil {
				return nil, err
			}
			return Collection{sum}, nil
		}
	case Date:
		if r, ok := b.(Quantity); ok {
			d, err := l.Add(r)
			if err != nil {
				return nil, err
			}
			return Collection{d}, nil
		}
	case DateTime:
		if r, ok := b.(Quantity); ok {
			dt, err := l.Add(r)
			if err != nil {
				return nil, err
			}
			return Collection{dt}, nil
		}
	case Time:
		if r, ok := b.(Quantity); ok {
			t, err := l.Add(r)
			if err != nil {
				return nil, err
			}
			return Collection{t}, nil
		}
	}
	return nil, fmt.Errorf("cannot add %s and %s", a.TypeInfo(), b.TypeInfo())
}

// Subtract implements the - operator.
func (c Collection) Subtract(ctx context.Context, other Collection) (Collection, error) {
	a, b, ok, err := binaryOperands(c, other)
	if err != nil || !ok {
		return nil, err
	}
	if l, lok := a.(Integer); lok {
		if r, rok := b.(Integer); rok {
			diff, ok := overflow.Sub(int64(l), int64(r))
			if !ok {
				return nil, fmt.Errorf("integer overflow in %d - %d", l, r)
			}
			return Collection{Integer(diff)}, nil
		}
	}
	if ld, lok := decimalOperand(a); lok {
		if rd, rok := decimalOperand(b); rok {
			var diff apd.Decimal
			if _, err := apdContext(ctx).Sub(&diff, ld, rd); err != nil {
				return nil, err
			}
			return Collection{Decimal{Value: &diff}}, nil
		}
	}
	switch l := a.(type) {
	case Quantity:
		if r, ok := b.(Quantity); ok {
			diff, err := l.Subtract(ctx, r)
			if err != nil {
				return nil, err
			}
			return Collection{diff}, nil
		}
	case Date:
		if r, ok := b.(Quantity); ok {
			d, err := l.Add(r.Negate())
			if err != nil {
				return nil, err
			}
			return Collection{d}, nil
		}
	case DateTime:
		if r, ok := b.(Quantity); ok {
			dt, err := l.Add(r.Negate())
			if err != nil {
				return nil, err
			}
			return Collection{dt}, nil
		}
	case Time:
		if r, ok := b.(Quantity); ok {
			t, err := l.Add(r.Negate())
			if err != nil {
				return nil, err
			}
			return Collection{t}, nil
		}
	}
	return nil, fmt.Errorf("cannot subtract %s from %s", b.TypeInfo(), a.TypeInfo())
}

// Multiply implements the * operator.
func (c Collection) Multiply(ctx context.Context, other Collection) (Collection, error) {
	a, b, ok, err := binaryOperands(c, other)
	if err != nil || !ok {
		return nil, err
	}
	if l, lok := a.(Integer); lok {
		if r, rok := b.(Integer); rok {
			product, ok := overflow.Mul(int64(l), int64(r))
			if !ok {
				return nil, fmt.Errorf("integer overflow in %d * %d", l, r)
			}
			return Collection{Integer(product)}, nil
		}
	}
	if l, lok := a.(Quantity); lok {
		if rd, rok := decimalOperand(b); rok {
			var product apd.Decimal
			if _, err := apdContext(ctx).Mul(&product, l.Value.Value, rd); err != nil {
				return nil, err
			}
			return Collection{Quantity{Value: Decimal{Value: &product}, Unit: l.Unit}}, nil
		}
	}
	if r, rok := b.(Quantity); rok {
		if ld, lok := decimalOperand(a); lok {
			var product apd.Decimal
			if _, err := apdContext(ctx).Mul(&product, ld, r.Value.Value); err != nil {
				return nil, err
			}
			return Collection{Quantity{Value: Decimal{Value: &product}, Unit: r.Unit}}, nil
		}
	}
	if ld, lok := decimalOperand(a); lok {
		if rd, rok := decimalOperand(b); rok {
			var product apd.Decimal
			if _, err := apdContext(ctx).Mul(&product, ld, rd); err != nil {
				return nil, err
			}
			return Collection{Decimal{Value: &product}}, nil
		}
	}
	return nil, fmt.Errorf("cannot multiply %s and %s", a.TypeInfo(), b.TypeInfo())
}

// Divide implements the / operator. Division always yields Decimal for
// numeric operands; division by zero yields empty.
func (c Collection) Divide(ctx context.Context, other Collection) (Collection, error) {
	a, b, ok, err := binaryOperands(c, other)
	if err != nil || !ok {
		return nil, err
	}
	if l, lok := a.(Quantity); lok {
		if r, rok := b.(Quantity); rok {
			if normalizeUnit(string(l.Unit)) != normalizeUnit(string(r.Unit)) {
				return nil, fmt.Errorf("cannot divide quantities with units '%s' and '%s'", l.Unit, r.Unit)
			}
			if r.Value.Value.IsZero() {
				return nil, nil
			}
			var quotient apd.Decimal
			if _, err := apdContext(ctx).Quo(&quotient, l.Value.Value, r.Value.Value); err != nil {
				return nil, err
			}
			return Collection{Decimal{Value: &quotient}}, nil
		}
		if rd, rok := decimalOperand(b); rok {
			if rd.IsZero() {
				return nil, nil
			}
			var quotient apd.Decimal
			if _, err := apdContext(ctx).Quo(&quotient, l.Value.Value, rd); err != nil {
				return nil, err
			}
			return Collection{Quantity{Value: Decimal{Value: &quotient}, Unit: l.Unit}}, nil
		}
	}
	if ld, lok := decimalOperand(a); lok {
		if rd, rok := decimalOperand(b); rok {
			if rd.IsZero() {
				return nil, nil
			}
			var quotient apd.Decimal
			if _, err := apdContext(ctx).Quo(&quotient, ld, rd); err != nil {
				return nil, err
			}
			return Collection{Decimal{Value: &quotient}}, nil
		}
	}
	return nil, fmt.Errorf("cannot divide %s by %s", a.TypeInfo(), b.TypeInfo())
}

// Div implements truncated integer division; division by zero yields empty.
func (c Collection) Div(other Collection) (Collection, error) {
	a, b, ok, err := binaryOperands(c, other)
	if err != nil || !ok {
		return nil, err
	}
	l, lok := a.(Integer)
	r, rok := b.(Integer)
	if !lok || !rok {
		return nil, fmt.Errorf("div requires Integer operands, got %s and %s", a.TypeInfo(), b.TypeInfo())
	}
	if r == 0 {
		return nil, nil
	}
	if int64(l) == -1<<63 && r == -1 {
		return nil, fmt.Errorf("integer overflow in %d div %d", l, r)
	}
	return Collection{l / r}, nil
}

// Mod implements the integer remainder; a zero divisor yields empty.
func (c Collection) Mod(other Collection) (Collection, error) {
	a, b, ok, err := binaryOperands(c, other)
	if err != nil || !ok {
		return nil, err
	}
	l, lok := a.(Integer)
	r, rok := b.(Integer)
	if !lok || !rok {
		return nil, fmt.Errorf("mod requires Integer operands, got %s and %s", a.TypeInfo(), b.TypeInfo())
	}
	if r == 0 {
		return nil, nil
	}
	return Collection{l % r}, nil
}

// Singleton collapses a collection to a single element of type T, applying
// implicit conversion. Non-boolean singletons collapse to true when T is
// Boolean. A false ok means empty input or no applicable conversion.
func Singleton[T Element](c Collection) (v T, ok bool, err error) {
	if len(c) == 0 {
		return v, false, nil
	}
	if len(c) > 1 {
		return v, false, fmt.Errorf("expected single element, got %d", len(c))
	}
	v, ok, err = elementTo[T](c[0], false)
	if err != nil || ok {
		return v, ok, err
	}
	if b, isBool := any(&v).(*Boolean); isBool {
		*b = true
		return v, true, nil
	}
	return v, false, nil
}

// elementTo converts an element to the concrete type T via the conversion
// protocol.
func elementTo[T Element](e Element, explicit bool) (v T, ok bool, err error) {
	var converted Element
	switch any(v).(type) {
	case Boolean:
		converted, ok, err = firstOf(e.ToBoolean(explicit))
	case String:
		converted, ok, err = firstOf(e.ToString(explicit))
	case Integer:
		converted, ok, err = firstOf(e.ToInteger(explicit))
	case Decimal:
		converted, ok, err = firstOf(e.ToDecimal(explicit))
	case Date:
		converted, ok, err = firstOf(e.ToDate(explicit))
	case Time:
		converted, ok, err = firstOf(e.ToTime(explicit))
	case DateTime:
		converted, ok, err = firstOf(e.ToDateTime(explicit))
	case Quantity:
		converted, ok, err = firstOf(e.ToQuantity(explicit))
	default:
		if t, isT := e.(T); isT {
			return t, true, nil
		}
		return v, false, nil
	}
	if err != nil || !ok {
		return v, ok, err
	}
	return converted.(T), true, nil
}

func firstOf[T Element](v T, ok bool, err error) (Element, bool, error) {
	return v, ok, err
}

// Boolean is the System.Boolean type.
type Boolean bool

func (b Boolean) Children(name ...string) Collection { return nil }

func (b Boolean) ToBoolean(explicit bool) (Boolean, bool, error) { return b, true, nil }

func (b Boolean) ToString(explicit bool) (String, bool, error) {
	return String(b.String()), explicit, nil
}

func (b Boolean) ToInteger(explicit bool) (Integer, bool, error) {
	if !explicit {
		return 0, false, nil
	}
	if b {
		return 1, true, nil
	}
	return 0, true, nil
}

func (b Boolean) ToDecimal(explicit bool) (Decimal, bool, error) {
	if !explicit {
		return Decimal{}, false, nil
	}
	if b {
		return Decimal{Value: apd.New(10, -1)}, true, nil
	}
	return Decimal{Value: apd.New(0, -1)}, true, nil
}

func (b Boolean) ToDate(explicit bool) (Date, bool, error)         { return Date{}, false, nil }
func (b Boolean) ToTime(explicit bool) (Time, bool, error)         { return Time{}, false, nil }
func (b Boolean) ToDateTime(explicit bool) (DateTime, bool, error) { return DateTime{}, false, nil }

func (b Boolean) ToQuantity(explicit bool) (Quantity, bool, error) {
	if !explicit {
		return Quantity{}, false, nil
	}
	d, _, _ := b.ToDecimal(true)
	return Quantity{Value: d, Unit: "1"}, true, nil
}

func (b Boolean) Equal(other Element) (bool, bool) {
	o, ok := other.(Boolean)
	return ok && b == o, true
}

func (b Boolean) Equivalent(other Element) bool {
	eq, _ := b.Equal(other)
	return eq
}

// Cmp orders false before true.
func (b Boolean) Cmp(other Element) (int, bool, error) {
	o, ok := other.(Boolean)
	if !ok {
		return 0, false, fmt.Errorf("cannot compare Boolean with %s", other.TypeInfo())
	}
	switch {
	case b == o:
		return 0, true, nil
	case bool(o):
		return -1, true, nil
	default:
		return 1, true, nil
	}
}

func (b Boolean) TypeInfo() SimpleTypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "Boolean"}
}

func (b Boolean) String() string {
	if b {
		return "true"
	}
	return "false"
}

func (b Boolean) MarshalJSON() ([]byte, error) { return json.Marshal(bool(b)) }

// String is the System.String type.
type String string

func (s String) Children(name ...string) Collection { return nil }

var booleanStrings = map[string]bool{
	"true": true, "t": true, "yes": true, "y": true, "1": true, "1.0": true,
	"false": false, "f": false, "no": false, "n": false, "0": false, "0.0": false,
}

func (s String) ToBoolean(explicit bool) (Boolean, bool, error) {
	if !explicit {
		return false, false, nil
	}
	b, ok := booleanStrings[strings.ToLower(string(s))]
	return Boolean(b), ok, nil
}

func (s String) ToString(explicit bool) (String, bool, error) { return s, true, nil }

func (s String) ToInteger(explicit bool) (Integer, bool, error) {
	if !explicit {
		return 0, false, nil
	}
	i, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return Integer(i), true, nil
}

func (s String) ToDecimal(explicit bool) (Decimal, bool, error) {
	if !explicit {
		return Decimal{}, false, nil
	}
	d, _, err := apd.NewFromString(string(s))
	if err != nil {
		return Decimal{}, false, nil
	}
	return Decimal{Value: d}, true, nil
}

func (s String) ToDate(explicit bool) (Date, bool, error) {
	if !explicit {
		return Date{}, false, nil
	}
	d, err := ParseDate(string(s))
	if err != nil {
		return Date{}, false, nil
	}
	return d, true, nil
}

func (s String) ToTime(explicit bool) (Time, bool, error) {
	if !explicit {
		return Time{}, false, nil
	}
	t, err := ParseTime(string(s))
	if err != nil {
		return Time{}, false, nil
	}
	return t, true, nil
}

func (s String) ToDateTime(explicit bool) (DateTime, bool, error) {
	if !explicit {
		return DateTime{}, false, nil
	}
	dt, err := ParseDateTime(string(s))
	if err != nil {
		return DateTime{}, false, nil
	}
	return dt, true, nil
}

func (s String) ToQuantity(explicit bool) (Quantity, bool, error) {
	if !explicit {
		return Quantity{}, false, nil
	}
	q, err := ParseQuantity(string(s))
	if err != nil {
		return Quantity{}, false, nil
	}
	return q, true, nil
}

func (s String) Equal(other Element) (bool, bool) {
	o, ok := other.(String)
	return ok && s == o, true
}

// Equivalent ignores case and normalizes runs of whitespace.
func (s String) Equivalent(other Element) bool {
	o, ok := other.(String)
	if !ok {
		return false
	}
	return normalizeStringForEquivalence(string(s)) == normalizeStringForEquivalence(string(o))
}

func normalizeStringForEquivalence(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (s String) Cmp(other Element) (int, bool, error) {
	o, ok := other.(String)
	if !ok {
		return 0, false, fmt.Errorf("cannot compare String with %s", other.TypeInfo())
	}
	return strings.Compare(string(s), string(o)), true, nil
}

func (s String) TypeInfo() SimpleTypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "String"}
}

func (s String) String() string { return string(s) }

func (s String) MarshalJSON() ([]byte, error) { return json.Marshal(string(s)) }

// Integer is the System.Integer type (64-bit).
type Integer int64

func (i Integer) Children(name ...string) Collection { return nil }

func (i Integer) ToBoolean(explicit bool) (Boolean, bool, error) {
	if !explicit || i != 0 && i != 1 {
		return false, false, nil
	}
	return i == 1, true, nil
}

func (i Integer) ToString(explicit bool) (String, bool, error) {
	return String(i.String()), explicit, nil
}

func (i Integer) ToInteger(explicit bool) (Integer, bool, error) { return i, true, nil }

func (i Integer) ToDecimal(explicit bool) (Decimal, bool, error) {
	return Decimal{Value: apd.New(int64(i), 0)}, true, nil
}

func (i Integer) ToDate(explicit bool) (Date, bool, error)         { return Date{}, false, nil }
func (i Integer) ToTime(explicit bool) (Time, bool, error)         { return Time{}, false, nil }
func (i Integer) ToDateTime(explicit bool) (DateTime, bool, error) { return DateTime{}, false, nil }

func (i Integer) ToQuantity(explicit bool) (Quantity, bool, error) {
	return Quantity{Value: Decimal{Value: apd.New(int64(i), 0)}, Unit: "1"}, true, nil
}

func (i Integer) Equal(other Element) (bool, bool) {
	switch o := other.(type) {
	case Integer:
		return i == o, true
	case Decimal:
		return apd.New(int64(i), 0).Cmp(o.Value) == 0, true
	}
	return false, true
}

func (i Integer) Equivalent(other Element) bool {
	eq, _ := i.Equal(other)
	return eq
}

func (i Integer) Cmp(other Element) (int, bool, error) {
	switch o := other.(type) {
	case Integer:
		switch {
		case i < o:
			return -1, true, nil
		case i > o:
			return 1, true, nil
		}
		return 0, true, nil
	case Decimal:
		return apd.New(int64(i), 0).Cmp(o.Value), true, nil
	}
	return 0, false, fmt.Errorf("cannot compare Integer with %s", other.TypeInfo())
}

func (i Integer) TypeInfo() SimpleTypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "Integer"}
}

func (i Integer) String() string { return strconv.FormatInt(int64(i), 10) }

func (i Integer) MarshalJSON() ([]byte, error) { return []byte(i.String()), nil }

// Decimal is the System.Decimal type backed by an arbitrary precision
// decimal.
type Decimal struct {
	Value *apd.Decimal
}

func (d Decimal) Children(name ...string) Collection { return nil }

func (d Decimal) ToBoolean(explicit bool) (Boolean, bool, error) {
	if !explicit {
		return false, false, nil
	}
	if d.Value.IsZero() {
		return false, true, nil
	}
	if d.Value.Cmp(apd.New(1, 0)) == 0 {
		return true, true, nil
	}
	return false, false, nil
}

func (d Decimal) ToString(explicit bool) (String, bool, error) {
	return String(d.String()), explicit, nil
}

func (d Decimal) ToInteger(explicit bool) (Integer, bool, error) { return 0, false, nil }

func (d Decimal) ToDecimal(explicit bool) (Decimal, bool, error) { return d, true, nil }

func (d Decimal) ToDate(explicit bool) (Date, bool, error)         { return Date{}, false, nil }
func (d Decimal) ToTime(explicit bool) (Time, bool, error)         { return Time{}, false, nil }
func (d Decimal) ToDateTime(explicit bool) (DateTime, bool, error) { return DateTime{}, false, nil }

func (d Decimal) ToQuantity(explicit bool) (Quantity, bool, error) {
	return Quantity{Value: d, Unit: "1"}, true, nil
}

func (d Decimal) Equal(other Element) (bool, bool) {
	switch o := other.(type) {
	case Integer:
		return d.Value.Cmp(apd.New(int64(o), 0)) == 0, true
	case Decimal:
		return d.Value.Cmp(o.Value) == 0, true
	}
	return false, true
}

// Equivalent compares at the precision of the less precise operand.
func (d Decimal) Equivalent(other Element) bool {
	var o *apd.Decimal
	switch v := other.(type) {
	case Integer:
		o = apd.New(int64(v), 0)
	case Decimal:
		o = v.Value
	default:
		return false
	}
	exp := d.Value.Exponent
	if o.Exponent > exp {
		exp = o.Exponent
	}
	var a, b apd.Decimal
	ctx := defaultAPDContext()
	if _, err := ctx.Quantize(&a, d.Value, exp); err != nil {
		return false
	}
	if _, err := ctx.Quantize(&b, o, exp); err != nil {
		return false
	}
	return a.Cmp(&b) == 0
}

func (d Decimal) Cmp(other Element) (int, bool, error) {
	switch o := other.(type) {
	case Integer:
		return d.Value.Cmp(apd.New(int64(o), 0)), true, nil
	case Decimal:
		return d.Value.Cmp(o.Value), true, nil
	}
	return 0, false, fmt.Errorf("cannot compare Decimal with %s", other.TypeInfo())
}

func (d Decimal) TypeInfo() SimpleTypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "Decimal"}
}

// String renders the canonical decimal form: plain notation with trailing
// zeros trimmed down to at most one fractional digit.
func (d Decimal) String() string {
	if d.Value == nil {
		return "0"
	}
	s := d.Value.Text('f')
	if strings.ContainsRune(s, '.') {
		s = strings.TrimRight(s, "0")
		if strings.HasSuffix(s, ".") {
			s += "0"
		}
	}
	return s
}

func (d Decimal) MarshalJSON() ([]byte, error) { return []byte(d.String()), nil }

// TypeSpecifier names a type, optionally qualified with a namespace.
type TypeSpecifier struct {
	Namespace string
	Name      string
}

// ParseTypeSpecifier parses a possibly qualified type name such as
// "System.Integer" or "Patient".
func ParseTypeSpecifier(s string) TypeSpecifier {
	s = strings.ReplaceAll(s, "`", "")
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return TypeSpecifier{Namespace: s[:i], Name: s[i+1:]}
	}
	return TypeSpecifier{Name: s}
}

func (t TypeSpecifier) String() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// SimpleTypeInfo describes an element's type and is itself a value: the
// type() function returns it.
type SimpleTypeInfo struct {
	Namespace String
	Name      String
}

func (t SimpleTypeInfo) Children(name ...string) Collection {
	var children Collection
	if len(name) == 0 || name[0] == "namespace" {
		children = append(children, t.Namespace)
	}
	if len(name) == 0 || name[0] == "name" {
		children = append(children, t.Name)
	}
	return children
}

func (t SimpleTypeInfo) ToBoolean(explicit bool) (Boolean, bool, error) { return false, false, nil }
func (t SimpleTypeInfo) ToString(explicit bool) (String, bool, error)   { return "", false, nil }
func (t SimpleTypeInfo) ToInteger(explicit bool) (Integer, bool, error) { return 0, false, nil }
func (t SimpleTypeInfo) ToDecimal(explicit bool) (Decimal, bool, error) {
	return Decimal{}, false, nil
}
func (t SimpleTypeInfo) ToDate(explicit bool) (Date, bool, error) { return Date{}, false, nil }
func (t SimpleTypeInfo) ToTime(explicit bool) (Time, bool, error) { return Time{}, false, nil }
func (t SimpleTypeInfo) ToDateTime(explicit bool) (DateTime, bool, error) {
	return DateTime{}, false, nil
}
func (t SimpleTypeInfo) ToQuantity(explicit bool) (Quantity, bool, error) {
	return Quantity{}, false, nil
}

func (t SimpleTypeInfo) Equal(other Element) (bool, bool) {
	o, ok := other.(SimpleTypeInfo)
	return ok && t == o, true
}

func (t SimpleTypeInfo) Equivalent(other Element) bool {
	eq, _ := t.Equal(other)
	return eq
}

func (t SimpleTypeInfo) TypeInfo() SimpleTypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "SimpleTypeInfo"}
}

func (t SimpleTypeInfo) String() string {
	if t.Namespace == "" {
		return string(t.Name)
	}
	return string(t.Namespace) + "." + string(t.Name)
}

func (t SimpleTypeInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"namespace": string(t.Namespace),
		"name":      string(t.Name),
	})
}

// matchesType reports whether an element of the given type satisfies the
// specifier. Unqualified names match across namespaces; System.Any matches
// everything.
func matchesType(info SimpleTypeInfo, spec TypeSpecifier) bool {
	if spec.Name == "Any" && (spec.Namespace == "" || spec.Namespace == "System") {
		return true
	}
	if spec.Namespace != "" && spec.Namespace != string(info.Namespace) {
		return false
	}
	return spec.Name == string(info.Name)
}

// typeSpecifierFromExpression interprets a parameter expression as a type
// specifier, as used by is(T), as(T) and ofType(T).
func typeSpecifierFromExpression(e Expression) (TypeSpecifier, error) {
	var names []string
	node := e.tree
	for {
		switch n := node.(type) {
		case *identExpr:
			names = append([]string{n.name}, names...)
			spec := TypeSpecifier{Name: names[len(names)-1]}
			if len(names) > 1 {
				spec.Namespace = strings.Join(names[:len(names)-1], ".")
			}
			return spec, nil
		case *memberExpr:
			names = append([]string{n.name}, names...)
			node = n.target
		default:
			return TypeSpecifier{}, fmt.Errorf("expected type specifier, got %q", e.String())
		}
	}
}
