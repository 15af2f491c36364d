package fhirpath

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cockroachdb/apd/v3"
)

// Object is a JSON-backed tree node. Field access follows FHIR conventions:
// arrays splice into the parent collection and choice elements such as
// value[x] resolve by prefix, with the matched suffix becoming the child's
// type name.
type Object struct {
	typeName string
	fields   map[string]any
}

// NewObject wraps an already decoded JSON object. The type name is taken
// from the resourceType field when present.
func NewObject(fields map[string]any) Object {
	return Object{typeName: resourceTypeOf(fields), fields: fields}
}

// ObjectFromJSON decodes a JSON document into an Object. Numbers are kept
// as json.Number so integers and decimals stay distinguishable.
func ObjectFromJSON(r io.Reader) (Object, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Object{}, fmt.Errorf("decode object: %w", err)
	}
	return NewObject(fields), nil
}

func resourceTypeOf(fields map[string]any) string {
	if rt, ok := fields["resourceType"].(string); ok {
		return rt
	}
	return ""
}

func (o Object) Children(name ...string) Collection {
	if len(name) == 0 {
		keys := make([]string, 0, len(o.fields))
		for k := range o.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var children Collection
		for _, k := range keys {
			if k == "resourceType" {
				continue
			}
			children = append(children, liftValue("", o.fields[k])...)
		}
		return children
	}

	var children Collection
	for _, n := range name {
		if v, ok := o.fields[n]; ok {
			children = append(children, liftValue("", v)...)
			continue
		}
		// value[x] choice elements: match valueQuantity for "value" and
		// carry the suffix as the child's type.
		for k, v := range o.fields {
			if suffix, ok := choiceSuffix(k, n); ok {
				children = append(children, liftValue(suffix, v)...)
				break
			}
		}
	}
	return children
}

func choiceSuffix(key, name string) (string, bool) {
	if !strings.HasPrefix(key, name) || len(key) == len(name) {
		return "", false
	}
	r, _ := utf8.DecodeRuneInString(key[len(name):])
	if !unicode.IsUpper(r) {
		return "", false
	}
	return key[len(name):], true
}

// liftValue converts a decoded JSON value into collection members. Arrays
// splice; everything else is a single element.
func liftValue(typeName string, v any) Collection {
	if items, ok := v.([]any); ok {
		var c Collection
		for _, item := range items {
			if e := liftScalar(typeName, item); e != nil {
				c = append(c, e)
			}
		}
		return c
	}
	if e := liftScalar(typeName, v); e != nil {
		return Collection{e}
	}
	return nil
}

func liftScalar(typeName string, v any) Element {
	switch v := v.(type) {
	case nil:
		return nil
	case bool:
		return Boolean(v)
	case string:
		return String(v)
	case json.Number:
		return liftNumber(string(v))
	case float64:
		if v == float64(int64(v)) {
			return Integer(int64(v))
		}
		return liftNumber(strconv.FormatFloat(v, 'g', -1, 64))
	case int:
		return Integer(v)
	case int64:
		return Integer(v)
	case map[string]any:
		if rt := resourceTypeOf(v); rt != "" {
			typeName = rt
		}
		return Object{typeName: typeName, fields: v}
	}
	return String(fmt.Sprint(v))
}

func liftNumber(s string) Element {
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Integer(i)
		}
	}
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return nil
	}
	return Decimal{Value: d}
}

func (o Object) ToBoolean(explicit bool) (Boolean, bool, error) { return false, false, nil }
func (o Object) ToString(explicit bool) (String, bool, error)   { return "", false, nil }
func (o Object) ToInteger(explicit bool) (Integer, bool, error) { return 0, false, nil }
func (o Object) ToDecimal(explicit bool) (Decimal, bool, error) { return Decimal{}, false, nil }
func (o Object) ToDate(explicit bool) (Date, bool, error)       { return Date{}, false, nil }
func (o Object) ToTime(explicit bool) (Time, bool, error)       { return Time{}, false, nil }
func (o Object) ToDateTime(explicit bool) (DateTime, bool, error) {
	return DateTime{}, false, nil
}

// ToQuantity recognizes FHIR Quantity shapes: a numeric value field with an
// optional unit or code.
func (o Object) ToQuantity(explicit bool) (Quantity, bool, error) {
	if !explicit {
		return Quantity{}, false, nil
	}
	value, ok := liftScalar("", o.fields["value"]).(interface {
		ToDecimal(bool) (Decimal, bool, error)
	})
	if !ok {
		return Quantity{}, false, nil
	}
	d, ok, err := value.ToDecimal(false)
	if !ok || err != nil {
		return Quantity{}, false, err
	}
	unit := "1"
	if u, ok := o.fields["unit"].(string); ok {
		unit = u
	} else if c, ok := o.fields["code"].(string); ok {
		unit = c
	}
	return Quantity{Value: d, Unit: String(unit)}, true, nil
}

func (o Object) Equal(other Element) (bool, bool) {
	p, ok := other.(Object)
	if !ok {
		return false, true
	}
	return jsonEqual(o.fields, p.fields), true
}

func (o Object) Equivalent(other Element) bool {
	eq, _ := o.Equal(other)
	return eq
}

// jsonEqual compares decoded JSON values structurally. Numbers compare by
// value regardless of representation.
func jsonEqual(a, b any) bool {
	if an, aok := jsonNumber(a); aok {
		bn, bok := jsonNumber(b)
		if !bok {
			return false
		}
		ad, _, errA := apd.NewFromString(an)
		bd, _, errB := apd.NewFromString(bn)
		return errA == nil && errB == nil && ad.Cmp(bd) == 0
	}
	switch a := a.(type) {
	case nil:
		return b == nil
	case bool:
		bb, ok := b.(bool)
		return ok && a == bb
	case string:
		bs, ok := b.(string)
		return ok && a == bs
	case []any:
		bs, ok := b.([]any)
		if !ok || len(a) != len(bs) {
			return false
		}
		for i := range a {
			if !jsonEqual(a[i], bs[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bm, ok := b.(map[string]any)
		if !ok || len(a) != len(bm) {
			return false
		}
		for k, av := range a {
			bv, ok := bm[k]
			if !ok || !jsonEqual(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

func jsonNumber(v any) (string, bool) {
	switch v := v.(type) {
	case json.Number:
		return string(v), true
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	}
	return "", false
}

func (o Object) TypeInfo() SimpleTypeInfo {
	name := o.typeName
	if name == "" {
		name = "Object"
	}
	return SimpleTypeInfo{Namespace: "FHIR", Name: String(name)}
}

func (o Object) String() string {
	b, err := json.Marshal(o.fields)
	if err != nil {
		return fmt.Sprintf("%v", o.fields)
	}
	return string(b)
}

func (o Object) MarshalJSON() ([]byte, error) { return json.Marshal(o.fields) }
