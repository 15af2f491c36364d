package fhirpath

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExistenceFunctions(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"{}.empty()", Collection{Boolean(true)}},
		{"(1).empty()", Collection{Boolean(false)}},
		{"{}.exists()", Collection{Boolean(false)}},
		{"(1 | 2).exists()", Collection{Boolean(true)}},
		{"(1 | 2 | 3).exists($this > 2)", Collection{Boolean(true)}},
		{"(1 | 2 | 3).exists($this > 5)", Collection{Boolean(false)}},
		{"(1 | 2 | 3).all($this > 0)", Collection{Boolean(true)}},
		{"(1 | 2 | 3).all($this > 1)", Collection{Boolean(false)}},
		{"{}.all($this > 1)", Collection{Boolean(true)}},
		{"(true | true).allTrue()", Collection{Boolean(true)}},
		{"(true | false).allTrue()", Collection{Boolean(false)}},
		{"(false | true).anyTrue()", Collection{Boolean(true)}},
		{"(false | false).anyTrue()", Collection{Boolean(false)}},
		{"(false | false).allFalse()", Collection{Boolean(true)}},
		{"(true | false).anyFalse()", Collection{Boolean(true)}},
		{"(1 | 2 | 2).isDistinct()", Collection{Boolean(false)}},
		{"(1 | 2 | 3).isDistinct()", Collection{Boolean(true)}},
		{"{}.isDistinct()", Collection{Boolean(true)}},
		{"(1 | 2).subsetOf(1 | 2 | 3)", Collection{Boolean(true)}},
		{"(1 | 4).subsetOf(1 | 2 | 3)", Collection{Boolean(false)}},
		{"(1 | 2 | 3).supersetOf(1 | 2)", Collection{Boolean(true)}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evalExpr(t, tt.expr, nil)
			if diff := cmp.Diff(tt.want, got, cmpOpts); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSubsettingFunctions(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"(1 | 2 | 3).tail()", Collection{Integer(2), Integer(3)}},
		{"(1).tail()", nil},
		{"(1 | 2 | 3 | 4).skip(2)", Collection{Integer(3), Integer(4)}},
		{"(1 | 2).skip(5)", nil},
		{"(1 | 2).skip(-1)", Collection{Integer(1), Integer(2)}},
		{"(1 | 2 | 3 | 4).take(2)", Collection{Integer(1), Integer(2)}},
		{"(1 | 2).take(0)", nil},
		{"(1 | 2).take(5)", Collection{Integer(1), Integer(2)}},
		{"(1).single()", Collection{Integer(1)}},
		{"{}.single()", nil},
		{"(1 | 2 | 3).intersect(2 | 3 | 4)", Collection{Integer(2), Integer(3)}},
		{"(1 | 2 | 3).exclude(2)", Collection{Integer(1), Integer(3)}},
		{"(1 | 2).combine(2 | 3)", Collection{Integer(1), Integer(2), Integer(2), Integer(3)}},
		{"(1 | 2).union(2 | 3)", Collection{Integer(1), Integer(2), Integer(3)}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evalExpr(t, tt.expr, nil)
			if diff := cmp.Diff(tt.want, got, cmpOpts); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}

	evalError(t, "(1 | 2).single()", nil)
}

func TestConversionFunctions(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"'true'.toBoolean()", Collection{Boolean(true)}},
		{"'Y'.toBoolean()", Collection{Boolean(true)}},
		{"'no'.toBoolean()", Collection{Boolean(false)}},
		{"'maybe'.toBoolean()", nil},
		{"1.toBoolean()", Collection{Boolean(true)}},
		{"0.toBoolean()", Collection{Boolean(false)}},
		{"2.toBoolean()", nil},
		{"1.0.toBoolean()", Collection{Boolean(true)}},
		{"2.convertsToBoolean()", Collection{Boolean(false)}},
		{"'1.0'.convertsToBoolean()", Collection{Boolean(true)}},
		{"'42'.toInteger()", Collection{Integer(42)}},
		{"'abc'.toInteger()", nil},
		{"true.toInteger()", Collection{Integer(1)}},
		{"1.5.toInteger()", nil},
		{"'abc'.convertsToInteger()", Collection{Boolean(false)}},
		{"'2.50'.toDecimal()", Collection{testDecimal(t, "2.50")}},
		{"1.toDecimal()", Collection{testDecimal(t, "1")}},
		{"2.5.toString()", Collection{String("2.5")}},
		{"2.50.toString()", Collection{String("2.5")}},
		{"42.toString()", Collection{String("42")}},
		{"true.toString()", Collection{String("true")}},
		{"1 'mg'.toString()", Collection{String("1 'mg'")}},
		{"'2023-01-15'.toDate()", Collection{mustDate(t, "2023-01-15")}},
		{"'not a date'.toDate()", nil},
		{"'2023-01-15'.convertsToDate()", Collection{Boolean(true)}},
		{"'5 days'.toQuantity()", Collection{Quantity{Value: testDecimal(t, "5"), Unit: "day"}}},
		{"5.toQuantity()", Collection{Quantity{Value: testDecimal(t, "5"), Unit: "1"}}},
		{"5.toQuantity('day')", nil},
		{"3 days.toQuantity('day')", Collection{Quantity{Value: testDecimal(t, "3"), Unit: "day"}}},
		{"3 days.convertsToQuantity('day')", Collection{Boolean(true)}},
		{"5.convertsToQuantity('day')", Collection{Boolean(false)}},
		{"{}.toBoolean()", nil},
		{"{}.convertsToBoolean()", nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evalExpr(t, tt.expr, nil)
			if diff := cmp.Diff(tt.want, got, cmpOpts); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStringFunctions(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"'hello'.length()", Collection{Integer(5)}},
		{"''.length()", Collection{Integer(0)}},
		{"'héllo'.length()", Collection{Integer(5)}},
		{"'hello'.substring(1)", Collection{String("ello")}},
		{"'hello'.substring(1, 3)", Collection{String("ell")}},
		{"'hello'.substring(10)", nil},
		{"'hello'.substring(-1)", nil},
		{"'hello'.startsWith('he')", Collection{Boolean(true)}},
		{"'hello'.startsWith('')", Collection{Boolean(true)}},
		{"'hello'.endsWith('lo')", Collection{Boolean(true)}},
		{"'hello'.contains('ell')", Collection{Boolean(true)}},
		{"'hello'.contains('xyz')", Collection{Boolean(false)}},
		{"'hello'.upper()", Collection{String("HELLO")}},
		{"'HeLLo'.lower()", Collection{String("hello")}},
		{"'  hi  '.trim()", Collection{String("hi")}},
		{"'banana'.replace('ana', 'x')", Collection{String("bxna")}},
		{"'abc'.replace('', 'x')", Collection{String("xaxbxcx")}},
		{"'hello'.indexOf('ll')", Collection{Integer(2)}},
		{"'hello'.indexOf('')", Collection{Integer(0)}},
		{"'hello'.indexOf('x')", Collection{Integer(-1)}},
		{"'abcabc'.lastIndexOf('b')", Collection{Integer(4)}},
		{"'a,b,,c'.split(',')", Collection{String("a"), String("b"), String(""), String("c")}},
		{"('a' | 'b' | 'c').join('-')", Collection{String("a-b-c")}},
		{"('a' | 'b').join()", Collection{String("ab")}},
		{"'ab'.toChars()", Collection{String("a"), String("b")}},
		{"'hello'.matches('ell')", Collection{Boolean(true)}},
		{"'hello'.matches('^ell$')", Collection{Boolean(false)}},
		{"'hello'.matchesFull('hell')", Collection{Boolean(false)}},
		{"'hello'.matchesFull('h.*o')", Collection{Boolean(true)}},
		{"'hello world'.replaceMatches('o\\\\s', 'O ')", Collection{String("hellO world")}},
		{"{}.length()", nil},
		{"'hello'.substring({})", nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evalExpr(t, tt.expr, nil)
			if diff := cmp.Diff(tt.want, got, cmpOpts); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}

	evalError(t, "1.length()", nil)
	evalError(t, "'a'.matches('[')", nil)
}

func TestEncodingFunctions(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"'AB'.encode('hex')", Collection{String("4142")}},
		{"'4142'.decode('hex')", Collection{String("AB")}},
		{"'hi'.encode('base64')", Collection{String("aGk=")}},
		{"'aGk='.decode('base64')", Collection{String("hi")}},
		{"'<b>'.escape('html')", Collection{String("&lt;b&gt;")}},
		{"'&lt;b&gt;'.unescape('html')", Collection{String("<b>")}},
		{"'say \\\"hi\\\"'.escape('json')", Collection{String(`say \"hi\"`)}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evalExpr(t, tt.expr, nil)
			if diff := cmp.Diff(tt.want, got, cmpOpts); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}

	evalError(t, "'a'.encode('rot13')", nil)
}

func TestMathFunctions(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"(-5).abs()", Collection{Integer(5)}},
		{"5.abs()", Collection{Integer(5)}},
		{"(-5.5).abs()", Collection{testDecimal(t, "5.5")}},
		{"(-3 'mg').abs()", Collection{Quantity{Value: testDecimal(t, "3"), Unit: "mg"}}},
		{"2.1.ceiling()", Collection{Integer(3)}},
		{"(-2.1).ceiling()", Collection{Integer(-2)}},
		{"5.ceiling()", Collection{Integer(5)}},
		{"2.9.floor()", Collection{Integer(2)}},
		{"(-2.1).floor()", Collection{Integer(-3)}},
		{"2.9.truncate()", Collection{Integer(2)}},
		{"(-2.9).truncate()", Collection{Integer(-2)}},
		{"2.5.round()", Collection{testDecimal(t, "3")}},
		{"2.4.round()", Collection{testDecimal(t, "2")}},
		{"3.14159.round(2)", Collection{testDecimal(t, "3.14")}},
		{"16.sqrt()", Collection{testDecimal(t, "4")}},
		{"1.ln()", Collection{testDecimal(t, "0")}},
		{"8.log(2).round()", Collection{testDecimal(t, "3")}},
		{"0.exp()", Collection{testDecimal(t, "1")}},
		{"2.power(10)", Collection{Integer(1024)}},
		{"2.power(-1)", Collection{testDecimal(t, "0.5")}},
		{"{}.abs()", nil},
		{"{}.sqrt()", nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evalExpr(t, tt.expr, nil)
			if diff := cmp.Diff(tt.want, got, cmpOpts); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMathDomainErrors(t *testing.T) {
	exprs := []string{
		"(-1).sqrt()",
		"0.ln()",
		"(-2).ln()",
		"0.log(2)",
		"8.log(1)",
		"8.log(-2)",
		"3.14.round(-1)",
		"'a'.abs()",
	}
	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			err := evalError(t, expr, nil)
			var ee *EvaluationError
			if !asEvaluationError(err, &ee) {
				t.Errorf("expected *EvaluationError, got %T", err)
			}
		})
	}
}

func TestTreeFunctions(t *testing.T) {
	patient := testObject(t, testPatientJSON)

	t.Run("children", func(t *testing.T) {
		got := evalExpr(t, "name[0].children().count()", patient)
		// use, family and the two given values.
		if diff := cmp.Diff(Collection{Integer(4)}, got, cmpOpts); diff != "" {
			t.Errorf("result mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("descendants", func(t *testing.T) {
		got := evalExpr(t, "descendants().where($this = 'Jim')", patient)
		if diff := cmp.Diff(Collection{String("Jim")}, got, cmpOpts); diff != "" {
			t.Errorf("result mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("hasValue", func(t *testing.T) {
		got := evalExpr(t, "birthDate.hasValue()", patient)
		if diff := cmp.Diff(Collection{Boolean(true)}, got, cmpOpts); diff != "" {
			t.Errorf("result mismatch (-want +got):\n%s", diff)
		}
		got = evalExpr(t, "name.hasValue()", patient)
		if diff := cmp.Diff(Collection{Boolean(false)}, got, cmpOpts); diff != "" {
			t.Errorf("result mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestExtension(t *testing.T) {
	patient := testObject(t, `{
		"resourceType": "Patient",
		"extension": [
			{"url": "http://example.org/weight", "valueDecimal": 72.5},
			{"url": "http://example.org/height", "valueDecimal": 180}
		]
	}`)

	got := evalExpr(t, "extension('http://example.org/weight').value", patient)
	if diff := cmp.Diff(Collection{testDecimal(t, "72.5")}, got, cmpOpts); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	got = evalExpr(t, "extension('http://example.org/unknown')", patient)
	if len(got) != 0 {
		t.Errorf("expected empty result, got %s", got)
	}
}

func TestRepeat(t *testing.T) {
	o := testObject(t, `{
		"name": "a",
		"child": {"name": "b", "child": {"name": "c"}}
	}`)

	got := evalExpr(t, "repeat(child).name", o)
	want := Collection{String("b"), String("c")}
	if diff := cmp.Diff(want, got, cmpOpts); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestRepeatAll(t *testing.T) {
	o := testObject(t, `{
		"name": "a",
		"child": [{"name": "b"}, {"name": "b"}]
	}`)

	// repeat() collapses structurally equal projections, repeatAll() keeps them.
	got := evalExpr(t, "repeat(child).name", o)
	want := Collection{String("b")}
	if diff := cmp.Diff(want, got, cmpOpts); diff != "" {
		t.Errorf("repeat mismatch (-want +got):\n%s", diff)
	}

	got = evalExpr(t, "repeatAll(child).name", o)
	want = Collection{String("b"), String("b")}
	if diff := cmp.Diff(want, got, cmpOpts); diff != "" {
		t.Errorf("repeatAll mismatch (-want +got):\n%s", diff)
	}
}

func TestRepeatTerminatesOnUnboundedProjection(t *testing.T) {
	err := evalError(t, "(1).repeat($this + 1)", nil)
	if !strings.Contains(err.Error(), "exceeded") {
		t.Errorf("unexpected error: %v", err)
	}
	err = evalError(t, "(1).repeatAll($this)", nil)
	if !strings.Contains(err.Error(), "exceeded") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNot(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"true.not()", Collection{Boolean(false)}},
		{"false.not()", Collection{Boolean(true)}},
		{"{}.not()", nil},
		{"(1 = 1).not()", Collection{Boolean(false)}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evalExpr(t, tt.expr, nil)
			if diff := cmp.Diff(tt.want, got, cmpOpts); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFunctionArityErrors(t *testing.T) {
	exprs := []string{
		"(1).where()",
		"(1).select()",
		"(1).skip()",
		"'a'.substring()",
		"iif(true)",
		"(1).count(1)",
	}
	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			evalError(t, expr, nil)
		})
	}
}
