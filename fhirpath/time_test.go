package fhirpath

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustDate(t *testing.T, s string) Date {
	t.Helper()
	d, err := ParseDate(s)
	if err != nil {
		t.Fatalf("ParseDate(%q): %v", s, err)
	}
	return d
}

func mustDateTime(t *testing.T, s string) DateTime {
	t.Helper()
	dt, err := ParseDateTime(s)
	if err != nil {
		t.Fatalf("ParseDateTime(%q): %v", s, err)
	}
	return dt
}

func mustTime(t *testing.T, s string) Time {
	t.Helper()
	tm, err := ParseTime(s)
	if err != nil {
		t.Fatalf("ParseTime(%q): %v", s, err)
	}
	return tm
}

func TestTemporalRoundTrip(t *testing.T) {
	dates := []string{"2023", "2023-05", "2023-05-10"}
	for _, s := range dates {
		if got := mustDate(t, s).String(); got != s {
			t.Errorf("Date %q round-tripped to %q", s, got)
		}
	}

	times := []string{"14", "14:30", "14:30:15", "14:30:15.123"}
	for _, s := range times {
		if got := mustTime(t, s).String(); got != s {
			t.Errorf("Time %q round-tripped to %q", s, got)
		}
	}

	dateTimes := []string{
		"2023",
		"2023-05-10",
		"2023-05-10T14",
		"2023-05-10T14:30",
		"2023-05-10T14:30:15",
		"2023-05-10T14:30:15.123",
		"2023-05-10T14:30:15Z",
		"2023-05-10T14:30:15+02:00",
		"2023-05-10T14:30:15.123-05:30",
	}
	for _, s := range dateTimes {
		if got := mustDateTime(t, s).String(); got != s {
			t.Errorf("DateTime %q round-tripped to %q", s, got)
		}
	}
}

func TestTemporalParseErrors(t *testing.T) {
	if _, err := ParseDate("2023-5-1"); err == nil {
		t.Error("ParseDate accepted a non-padded date")
	}
	if _, err := ParseDate("2023-13"); err == nil {
		t.Error("ParseDate accepted month 13")
	}
	if _, err := ParseTime("7"); err == nil {
		t.Error("ParseTime accepted a single-digit hour")
	}
	if _, err := ParseDateTime("2023-05T10"); err == nil {
		t.Error("ParseDateTime accepted a time after a partial date")
	}
}

func TestTemporalComparison(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"@2023-01-14 < @2023-01-15", Collection{Boolean(true)}},
		{"@2023-01-15 = @2023-01-15", Collection{Boolean(true)}},
		{"@2023-02 > @2023-01", Collection{Boolean(true)}},
		// Differing precision over an equal prefix is undecidable.
		{"@2023-01-15 < @2023-01-15T10:00:00", nil},
		{"@2023-01 = @2023-01-15", nil},
		// A differing prefix decides regardless of precision.
		{"@2023-01 < @2023-02-15", Collection{Boolean(true)}},
		{"@T10:30 < @T11:00", Collection{Boolean(true)}},
		{"@T10:30 = @T10:30:00", nil},
		// Timezone-aware values compare in UTC.
		{"@2023-01-15T12:00:00+02:00 = @2023-01-15T10:00:00Z", Collection{Boolean(true)}},
		{"@2023-01-15T12:00:00+02:00 < @2023-01-15T11:00:00Z", Collection{Boolean(true)}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evalExpr(t, tt.expr, nil)
			if diff := cmp.Diff(tt.want, got, cmpOpts); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}

	evalError(t, "@2023-01-15 < @T10:00", nil)
}

func TestTemporalEquivalence(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		// Equivalence compares at the lesser precision.
		{"@2023-01 ~ @2023-01-15", Collection{Boolean(true)}},
		{"@2023-01 ~ @2023-02-15", Collection{Boolean(false)}},
		{"@T10:30 ~ @T10:30:59", Collection{Boolean(true)}},
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

func TestCalendarArithmetic(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"@2023-01-15 + 1 month", Collection{mustDate(t, "2023-02-15")}},
		// Month arithmetic clamps to the end of the target month.
		{"@2023-01-31 + 1 month", Collection{mustDate(t, "2023-02-28")}},
		{"@2024-01-31 + 1 month", Collection{mustDate(t, "2024-02-29")}},
		{"@2023-03-31 - 1 month", Collection{mustDate(t, "2023-02-28")}},
		{"@2023-01-15 + 2 years", Collection{mustDate(t, "2025-01-15")}},
		{"@2023-01-15 + 1 week", Collection{mustDate(t, "2023-01-22")}},
		{"@2023-01-15 + 20 days", Collection{mustDate(t, "2023-02-04")}},
		{"@2023-12-31 + 1 day", Collection{mustDate(t, "2024-01-01")}},
		{"@2023-05 + 1 month", Collection{mustDate(t, "2023-06")}},
		{"@2023-01-15T23:30:00 + 45 minutes", Collection{mustDateTime(t, "2023-01-16T00:15:00")}},
		{"@2023-01-15T10:00:00 - 2 hours", Collection{mustDateTime(t, "2023-01-15T08:00:00")}},
		{"@2023-01-15T10:00:00 + 500 milliseconds", Collection{mustDateTime(t, "2023-01-15T10:00:00")}},
		{"@T10:30 + 45 minutes", Collection{mustTime(t, "11:15")}},
		{"@T23:30 + 1 hour", Collection{mustTime(t, "00:30")}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evalExpr(t, tt.expr, nil)
			if diff := cmp.Diff(tt.want, got, cmpOpts); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}

	evalError(t, "@2023-01-15 + 2 hours", nil)
	evalError(t, "@T10:30 + 1 month", nil)
	evalError(t, "@2023-01-15 + 1 'mg'", nil)
}

func TestTemporalComponents(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"@2023-05-10T14:30:15.123.yearOf()", Collection{Integer(2023)}},
		{"@2023-05-10T14:30:15.123.monthOf()", Collection{Integer(5)}},
		{"@2023-05-10T14:30:15.123.dayOf()", Collection{Integer(10)}},
		{"@2023-05-10T14:30:15.123.hourOf()", Collection{Integer(14)}},
		{"@2023-05-10T14:30:15.123.minuteOf()", Collection{Integer(30)}},
		{"@2023-05-10T14:30:15.123.secondOf()", Collection{Integer(15)}},
		{"@2023-05-10T14:30:15.123.millisecondOf()", Collection{Integer(123)}},
		{"@2023-05-10.yearOf()", Collection{Integer(2023)}},
		{"@2023-05.dayOf()", nil},
		{"@2023.monthOf()", nil},
		{"@2023-05-10T14.minuteOf()", nil},
		{"@T14:30.hourOf()", Collection{Integer(14)}},
		{"@T14:30.minuteOf()", Collection{Integer(30)}},
		{"@T14:30.secondOf()", nil},
		{"@2023-05-10T14:30:15+02:00.timezoneOffsetOf()", Collection{testDecimal(t, "2")}},
		{"@2023-05-10T14:30:15Z.timezoneOffsetOf()", Collection{testDecimal(t, "0")}},
		{"@2023-05-10T14:30:15.timezoneOffsetOf()", nil},
		{"@2023-05-10T14:30:15.dateOf()", Collection{mustDate(t, "2023-05-10")}},
		{"@2023-05-10.dateOf()", Collection{mustDate(t, "2023-05-10")}},
		{"@2023-05-10T14:30:15.timeOf()", Collection{mustTime(t, "14:30:15")}},
		{"@2023-05-10.toDateTime().timeOf()", nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evalExpr(t, tt.expr, nil)
			if diff := cmp.Diff(tt.want, got, cmpOpts); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}

	evalError(t, "@2023-05-10.hourOf()", nil)
	evalError(t, "@T14:30.yearOf()", nil)
}

func TestDateDateTimeConversion(t *testing.T) {
	tests := []struct {
		expr string
		want Collection
	}{
		{"@2023-05-10.toDateTime() = @2023-05-10", Collection{Boolean(true)}},
		{"@2023-05-10T14:30:00.toDate()", Collection{mustDate(t, "2023-05-10")}},
		{"@2023-05-10.toString()", Collection{String("2023-05-10")}},
		{"'2023-05-10T14:30:00'.toDateTime()", Collection{mustDateTime(t, "2023-05-10T14:30:00")}},
		{"'14:30'.toTime()", Collection{mustTime(t, "14:30")}},
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

func TestArithmeticKeepsCarrierAtPrecision(t *testing.T) {
	// Components finer than the value's precision must not survive in the
	// carrier, or struct comparison and JSON output diverge from String().
	dt := mustDateTime(t, "2023-01-15T10:00:00")
	sum, err := dt.Add(Quantity{Value: testDecimal(t, "500"), Unit: "millisecond"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if diff := cmp.Diff(dt, sum, cmpOpts); diff != "" {
		t.Errorf("second-precision DateTime retained milliseconds (-want +got):\n%s", diff)
	}

	tm := mustTime(t, "23:30")
	wrapped, err := tm.Add(Quantity{Value: testDecimal(t, "1"), Unit: "hour"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if diff := cmp.Diff(mustTime(t, "00:30"), wrapped, cmpOpts); diff != "" {
		t.Errorf("midnight wrap leaked into the carrier date (-want +got):\n%s", diff)
	}

	d, _, err := mustDateTime(t, "2023-05-10T14:30:15").ToDate(true)
	if err != nil {
		t.Fatalf("ToDate: %v", err)
	}
	if diff := cmp.Diff(mustDate(t, "2023-05-10"), d, cmpOpts); diff != "" {
		t.Errorf("toDate retained the time of day (-want +got):\n%s", diff)
	}
}

func TestAddMonthsClamping(t *testing.T) {
	tests := []struct {
		start  string
		months int64
		want   string
	}{
		{"2023-01-31", 1, "2023-02-28"},
		{"2024-01-31", 1, "2024-02-29"},
		{"2023-03-31", -1, "2023-02-28"},
		{"2023-12-15", 1, "2024-01-15"},
		{"2023-01-15", -13, "2021-12-15"},
	}
	for _, tt := range tests {
		d := mustDate(t, tt.start)
		got := Date{Value: addMonths(d.Value, tt.months), Precision: DatePrecisionFull}
		if got.String() != tt.want {
			t.Errorf("addMonths(%s, %d) = %s, want %s", tt.start, tt.months, got, tt.want)
		}
	}
}
