package fhirpath

import (
	"strings"
	"testing"
)

func TestParseErrors(t *testing.T) {
	tests := []struct {
		src      string
		expected string
	}{
		{"", "expression"},
		{"1 +", "expression"},
		{"(1", ")"},
		{"name[0", "]"},
		{"'unterminated", "closing '"},
		{"/* open comment", "*/"},
		{"1 2", "end of input"},
		{"name.", "member name"},
		{"$foo", "$this, $index or $total"},
		{"1 is", "type name"},
		{"f(1,)", "expression"},
		{"'bad \\q escape'", "valid escape sequence"},
		{"!", "!= or !~"},
		{"@20", "date literal"},
		{"#", "token"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := Parse(tt.src)
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, expected error", tt.src)
			}
			pe, ok := err.(*ParseError)
			if !ok {
				t.Fatalf("Parse(%q) returned %T, expected *ParseError", tt.src, err)
			}
			if !strings.Contains(pe.Expected, tt.expected) {
				t.Errorf("Parse(%q) expected-token = %q, want it to mention %q", tt.src, pe.Expected, tt.expected)
			}
		})
	}
}

func TestParseDepthLimit(t *testing.T) {
	deep := strings.Repeat("(", 300) + "1" + strings.Repeat(")", 300)
	if _, err := Parse(deep); err == nil {
		t.Error("expected deeply nested expression to be rejected")
	}

	ok := strings.Repeat("(", 100) + "1" + strings.Repeat(")", 100)
	if _, err := Parse(ok); err != nil {
		t.Errorf("Parse rejected 100 levels of nesting: %v", err)
	}
}

func TestParseAccepts(t *testing.T) {
	srcs := []string{
		"Patient.name.given",
		"name.where(use = 'official').given.first()",
		"(1 | 2).select($this * 2)",
		"value.ofType(Quantity)",
		"@2023-01-15T10:30:00+02:00 < now()",
		"5 'mg' + 3 'mg'",
		"2 years + 6 months",
		"birthDate is Date implies birthDate <= today()",
		"`quoted identifier`.`another`",
		"%`vs-administrative-gender`",
		"1 > 2 // trailing comment",
		"/* leading */ 1 + 1",
		"{ }",
		"items.sort($this.priority desc, $this.name asc)",
		"-1.5.abs()",
	}
	for _, src := range srcs {
		t.Run(src, func(t *testing.T) {
			if _, err := Parse(src); err != nil {
				t.Errorf("Parse(%q): %v", src, err)
			}
		})
	}
}

func TestIntegerLiteralRange(t *testing.T) {
	if _, err := Parse("9223372036854775807"); err != nil {
		t.Errorf("Parse rejected max int64: %v", err)
	}
	if _, err := Parse("9223372036854775808"); err == nil {
		t.Error("expected out-of-range integer literal to be rejected")
	}
}

func TestOperatorPrecedence(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"1 + 2 * 3", Collection{Integer(7)}},
		{"(1 + 2) * 3", Collection{Integer(9)}},
		{"2 + 3 < 6", Collection{Boolean(true)}},
		{"1 < 2 = true", Collection{Boolean(true)}},
		{"true or false and false", Collection{Boolean(true)}},
		{"false and true xor true", Collection{Boolean(true)}},
		{"1 = 1 and 2 = 2", Collection{Boolean(true)}},
		{"1 | 2 = 1 | 2", Collection{Boolean(true)}},
		{"-2 + 3", Collection{Integer(1)}},
		{"2 in 1 | 2 is Boolean", Collection{Boolean(true)}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evalExpr(t, tt.expr, nil)
			if len(got) != len(tt.want) {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
			for i := range got {
				if eq, ok := got[i].Equal(tt.want[i]); !ok || !eq {
					t.Errorf("got %s, want %s", got, tt.want)
				}
			}
		})
	}
}
