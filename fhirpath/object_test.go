package fhirpath

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestObjectFromJSONNumbers(t *testing.T) {
	o := testObject(t, `{"count": 3, "ratio": 2.5, "big": 10000000000}`)

	tests := []struct {
		expr string
		want Collection
	}{
		{"count", Collection{Integer(3)}},
		{"ratio", Collection{testDecimal(t, "2.5")}},
		{"big", Collection{Integer(10000000000)}},
		{"count is Integer", Collection{Boolean(true)}},
		{"ratio is Decimal", Collection{Boolean(true)}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evalExpr(t, tt.expr, o)
			if diff := cmp.Diff(tt.want, got, cmpOpts); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestObjectChildren(t *testing.T) {
	o := testObject(t, `{"resourceType": "Patient", "b": 2, "a": 1, "c": [3, 4]}`)

	// Unnamed children come back in key order, arrays spliced, resourceType
	// excluded.
	got := o.Children()
	want := Collection{Integer(1), Integer(2), Integer(3), Integer(4)}
	if diff := cmp.Diff(want, got, cmpOpts); diff != "" {
		t.Errorf("Children() mismatch (-want +got):\n%s", diff)
	}

	got = o.Children("c")
	want = Collection{Integer(3), Integer(4)}
	if diff := cmp.Diff(want, got, cmpOpts); diff != "" {
		t.Errorf("Children(c) mismatch (-want +got):\n%s", diff)
	}

	if got := o.Children("missing"); len(got) != 0 {
		t.Errorf("Children(missing) = %s, want empty", got)
	}
}

func TestObjectChoiceElement(t *testing.T) {
	o := testObject(t, `{"valueString": "hi", "valueless": true}`)

	got := o.Children("value")
	if diff := cmp.Diff(Collection{String("hi")}, got, cmpOpts); diff != "" {
		t.Errorf("Children(value) mismatch (-want +got):\n%s", diff)
	}

	// A lowercase continuation is a different field, not a choice suffix.
	if got := o.Children("valuel"); len(got) != 0 {
		t.Errorf("Children(valuel) = %s, want empty", got)
	}
}

func TestObjectTypeInfo(t *testing.T) {
	patient := testObject(t, `{"resourceType": "Patient"}`)
	if got := patient.TypeInfo().String(); got != "FHIR.Patient" {
		t.Errorf("TypeInfo() = %s, want FHIR.Patient", got)
	}

	anon := testObject(t, `{"a": 1}`)
	if got := anon.TypeInfo().String(); got != "FHIR.Object" {
		t.Errorf("TypeInfo() = %s, want FHIR.Object", got)
	}
}

func TestObjectEquality(t *testing.T) {
	a := testObject(t, `{"x": 1, "y": [1, 2]}`)
	b := testObject(t, `{"y": [1, 2], "x": 1.0}`)
	c := testObject(t, `{"x": 1, "y": [2, 1]}`)

	if eq, _ := a.Equal(b); !eq {
		t.Error("expected structurally equal objects to compare equal")
	}
	if eq, _ := a.Equal(c); eq {
		t.Error("expected differently ordered arrays to compare unequal")
	}
}

func TestObjectFromJSONError(t *testing.T) {
	if _, err := ObjectFromJSON(strings.NewReader("{not json")); err == nil {
		t.Error("expected a decode error")
	}
}

func TestObjectToQuantity(t *testing.T) {
	o := testObject(t, `{"value": 80, "unit": "/min"}`)
	q, ok, err := o.ToQuantity(true)
	if err != nil || !ok {
		t.Fatalf("ToQuantity = ok %v, err %v", ok, err)
	}
	want := Quantity{Value: testDecimal(t, "80"), Unit: "/min"}
	if diff := cmp.Diff(want, q, cmpOpts); diff != "" {
		t.Errorf("quantity mismatch (-want +got):\n%s", diff)
	}

	if _, ok, _ := testObject(t, `{"unit": "/min"}`).ToQuantity(true); ok {
		t.Error("expected conversion without a value field to fail")
	}
}
