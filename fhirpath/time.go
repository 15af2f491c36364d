package fhirpath

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DatePrecision is the finest component a Date actually supplies.
type DatePrecision string

const (
	DatePrecisionYear  DatePrecision = "year"
	DatePrecisionMonth DatePrecision = "month"
	DatePrecisionFull  DatePrecision = "full"
)

// TimePrecision is the finest component a Time actually supplies.
type TimePrecision string

const (
	TimePrecisionHour   TimePrecision = "hour"
	TimePrecisionMinute TimePrecision = "minute"
	TimePrecisionSecond TimePrecision = "second"
	TimePrecisionFull   TimePrecision = "full"
)

// DateTimePrecision is the finest component a DateTime actually supplies.
type DateTimePrecision string

const (
	DateTimePrecisionYear   DateTimePrecision = "year"
	DateTimePrecisionMonth  DateTimePrecision = "month"
	DateTimePrecisionDay    DateTimePrecision = "day"
	DateTimePrecisionHour   DateTimePrecision = "hour"
	DateTimePrecisionMinute DateTimePrecision = "minute"
	DateTimePrecisionSecond DateTimePrecision = "second"
	DateTimePrecisionFull   DateTimePrecision = "full"
)

func datePrecisionRank(p DatePrecision) int {
	switch p {
	case DatePrecisionYear:
		return 1
	case DatePrecisionMonth:
		return 2
	default:
		return 3
	}
}

func timePrecisionRank(p TimePrecision) int {
	switch p {
	case TimePrecisionHour:
		return 1
	case TimePrecisionMinute:
		return 2
	case TimePrecisionSecond:
		return 3
	default:
		return 4
	}
}

func dateTimePrecisionRank(p DateTimePrecision) int {
	switch p {
	case DateTimePrecisionYear:
		return 1
	case DateTimePrecisionMonth:
		return 2
	case DateTimePrecisionDay:
		return 3
	case DateTimePrecisionHour:
		return 4
	case DateTimePrecisionMinute:
		return 5
	case DateTimePrecisionSecond:
		return 6
	default:
		return 7
	}
}

func dateLayout(p DatePrecision) string {
	switch p {
	case DatePrecisionYear:
		return "2006"
	case DatePrecisionMonth:
		return "2006-01"
	default:
		return "2006-01-02"
	}
}

func timeParseLayout(p TimePrecision) string {
	switch p {
	case TimePrecisionHour:
		return "15"
	case TimePrecisionMinute:
		return "15:04"
	case TimePrecisionSecond:
		return "15:04:05"
	default:
		return "15:04:05.999999999"
	}
}

func timeRenderLayout(p TimePrecision) string {
	if p == TimePrecisionFull {
		return "15:04:05.000"
	}
	return timeParseLayout(p)
}

// Date is the System.Date type: a partial calendar date.
type Date struct {
	Value     time.Time
	Precision DatePrecision
}

// ParseDate parses @-style date literals: 2006, 2006-01 or 2006-01-02.
func ParseDate(s string) (Date, error) {
	var p DatePrecision
	switch len(s) {
	case 4:
		p = DatePrecisionYear
	case 7:
		p = DatePrecisionMonth
	case 10:
		p = DatePrecisionFull
	default:
		return Date{}, fmt.Errorf("invalid date %q", s)
	}
	t, err := time.Parse(dateLayout(p), s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{Value: t, Precision: p}, nil
}

func (d Date) Children(name ...string) Collection { return nil }

func (d Date) ToBoolean(explicit bool) (Boolean, bool, error) { return false, false, nil }

func (d Date) ToString(explicit bool) (String, bool, error) {
	return String(d.String()), explicit, nil
}

func (d Date) ToInteger(explicit bool) (Integer, bool, error) { return 0, false, nil }
func (d Date) ToDecimal(explicit bool) (Decimal, bool, error) { return Decimal{}, false, nil }

func (d Date) ToDate(explicit bool) (Date, bool, error) { return d, true, nil }
func (d Date) ToTime(explicit bool) (Time, bool, error) { return Time{}, false, nil }

func (d Date) ToDateTime(explicit bool) (DateTime, bool, error) {
	var p DateTimePrecision
	switch d.Precision {
	case DatePrecisionYear:
		p = DateTimePrecisionYear
	case DatePrecisionMonth:
		p = DateTimePrecisionMonth
	default:
		p = DateTimePrecisionDay
	}
	return DateTime{Value: d.Value, Precision: p}, true, nil
}

func (d Date) ToQuantity(explicit bool) (Quantity, bool, error) { return Quantity{}, false, nil }

func (d Date) Equal(other Element) (bool, bool) {
	switch other.(type) {
	case Date, DateTime:
		cmp, ok, err := d.Cmp(other)
		if err != nil || !ok {
			return false, false
		}
		return cmp == 0, true
	}
	return false, true
}

func (d Date) Equivalent(other Element) bool {
	o, ok := other.(Date)
	if !ok {
		return false
	}
	a := dateComponents(d.Value, d.Precision)
	b := dateComponents(o.Value, o.Precision)
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (d Date) Cmp(other Element) (int, bool, error) {
	switch o := other.(type) {
	case Date:
		return compareComponents(dateComponents(d.Value, d.Precision), dateComponents(o.Value, o.Precision)), componentsDecided(dateComponents(d.Value, d.Precision), dateComponents(o.Value, o.Precision)), nil
	case DateTime:
		dt, _, _ := d.ToDateTime(false)
		return dt.Cmp(o)
	}
	return 0, false, fmt.Errorf("cannot compare Date with %s", other.TypeInfo())
}

// Add shifts the date by a calendar duration quantity. The result keeps the
// input's precision.
func (d Date) Add(q Quantity) (Date, error) {
	n, err := q.integerValue()
	if err != nil {
		return Date{}, err
	}
	t := d.Value
	switch normalizeUnit(string(q.Unit)) {
	case "year":
		t = addMonths(t, n*12)
	case "month":
		t = addMonths(t, n)
	case "week":
		t = t.AddDate(0, 0, int(n*7))
	case "day":
		t = t.AddDate(0, 0, int(n))
	default:
		return Date{}, fmt.Errorf("cannot add quantity with unit '%s' to Date", q.Unit)
	}
	return Date{Value: truncateDate(t, d.Precision), Precision: d.Precision}, nil
}

func (d Date) TypeInfo() SimpleTypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "Date"}
}

func (d Date) String() string { return d.Value.Format(dateLayout(d.Precision)) }

func (d Date) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// Time is the System.Time type: a partial time of day without a date.
type Time struct {
	Value     time.Time
	Precision TimePrecision
}

// ParseTime parses @T-style time literals: 15, 15:04, 15:04:05 or
// 15:04:05.123.
func ParseTime(s string) (Time, error) {
	p, err := timePrecisionOf(s)
	if err != nil {
		return Time{}, err
	}
	t, err := time.Parse(timeParseLayout(p), s)
	if err != nil {
		return Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return Time{Value: truncateClock(t, p), Precision: p}, nil
}

func timePrecisionOf(s string) (TimePrecision, error) {
	if strings.ContainsRune(s, '.') {
		return TimePrecisionFull, nil
	}
	switch strings.Count(s, ":") {
	case 0:
		if len(s) != 2 {
			return "", fmt.Errorf("invalid time %q", s)
		}
		return TimePrecisionHour, nil
	case 1:
		return TimePrecisionMinute, nil
	case 2:
		return TimePrecisionSecond, nil
	}
	return "", fmt.Errorf("invalid time %q", s)
}

func (t Time) Children(name ...string) Collection { return nil }

func (t Time) ToBoolean(explicit bool) (Boolean, bool, error) { return false, false, nil }

func (t Time) ToString(explicit bool) (String, bool, error) {
	return String(t.String()), explicit, nil
}

func (t Time) ToInteger(explicit bool) (Integer, bool, error)   { return 0, false, nil }
func (t Time) ToDecimal(explicit bool) (Decimal, bool, error)   { return Decimal{}, false, nil }
func (t Time) ToDate(explicit bool) (Date, bool, error)         { return Date{}, false, nil }
func (t Time) ToTime(explicit bool) (Time, bool, error)         { return t, true, nil }
func (t Time) ToDateTime(explicit bool) (DateTime, bool, error) { return DateTime{}, false, nil }
func (t Time) ToQuantity(explicit bool) (Quantity, bool, error) { return Quantity{}, false, nil }

func (t Time) Equal(other Element) (bool, bool) {
	if _, isTime := other.(Time); isTime {
		cmp, ok, err := t.Cmp(other)
		if err != nil || !ok {
			return false, false
		}
		return cmp == 0, true
	}
	return false, true
}

func (t Time) Equivalent(other Element) bool {
	o, ok := other.(Time)
	if !ok {
		return false
	}
	a := timeComponents(t.Value, t.Precision)
	b := timeComponents(o.Value, o.Precision)
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t Time) Cmp(other Element) (int, bool, error) {
	o, ok := other.(Time)
	if !ok {
		return 0, false, fmt.Errorf("cannot compare Time with %s", other.TypeInfo())
	}
	a := timeComponents(t.Value, t.Precision)
	b := timeComponents(o.Value, o.Precision)
	return compareComponents(a, b), componentsDecided(a, b), nil
}

// Add shifts the time by an hour, minute, second or millisecond quantity.
// The result keeps the input's precision and wraps around midnight.
func (t Time) Add(q Quantity) (Time, error) {
	n, err := q.integerValue()
	if err != nil {
		return Time{}, err
	}
	var d time.Duration
	switch normalizeUnit(string(q.Unit)) {
	case "hour":
		d = time.Duration(n) * time.Hour
	case "minute":
		d = time.Duration(n) * time.Minute
	case "second":
		d = time.Duration(n) * time.Second
	case "millisecond":
		d = time.Duration(n) * time.Millisecond
	default:
		return Time{}, fmt.Errorf("cannot add quantity with unit '%s' to Time", q.Unit)
	}
	return Time{Value: truncateClock(t.Value.Add(d), t.Precision), Precision: t.Precision}, nil
}

func (t Time) TypeInfo() SimpleTypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "Time"}
}

func (t Time) String() string { return t.Value.Format(timeRenderLayout(t.Precision)) }

func (t Time) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

// DateTime is the System.DateTime type: a partial date with an optional
// partial time and an optional timezone offset.
type DateTime struct {
	Value       time.Time
	Precision   DateTimePrecision
	HasTimeZone bool
}

// ParseDateTime parses @-style dateTime literals: a date, optionally followed
// by T, a partial time and a timezone offset. A bare date is accepted so that
// string conversion round-trips.
func ParseDateTime(s string) (DateTime, error) {
	datePart, timePart, hasT := strings.Cut(s, "T")

	d, err := ParseDate(datePart)
	if err != nil {
		return DateTime{}, fmt.Errorf("invalid dateTime %q: %w", s, err)
	}
	if !hasT || timePart == "" {
		dt, _, _ := d.ToDateTime(false)
		return dt, nil
	}
	if d.Precision != DatePrecisionFull {
		return DateTime{}, fmt.Errorf("invalid dateTime %q: time requires a full date", s)
	}

	tzLayout := ""
	clock := timePart
	if strings.HasSuffix(timePart, "Z") {
		tzLayout = "Z07:00"
		clock = timePart[:len(timePart)-1]
	} else if i := strings.IndexAny(timePart, "+-"); i >= 0 {
		tzLayout = "Z07:00"
		clock = timePart[:i]
	}

	tp, err := timePrecisionOf(clock)
	if err != nil {
		return DateTime{}, fmt.Errorf("invalid dateTime %q: %w", s, err)
	}
	layout := "2006-01-02T" + timeParseLayout(tp) + tzLayout
	t, err := time.Parse(layout, s)
	if err != nil {
		return DateTime{}, fmt.Errorf("invalid dateTime %q: %w", s, err)
	}

	var p DateTimePrecision
	switch tp {
	case TimePrecisionHour:
		p = DateTimePrecisionHour
	case TimePrecisionMinute:
		p = DateTimePrecisionMinute
	case TimePrecisionSecond:
		p = DateTimePrecisionSecond
	default:
		p = DateTimePrecisionFull
	}
	return DateTime{Value: truncateDateTime(t, p), Precision: p, HasTimeZone: tzLayout != ""}, nil
}

func (dt DateTime) Children(name ...string) Collection { return nil }

func (dt DateTime) ToBoolean(explicit bool) (Boolean, bool, error) { return false, false, nil }

func (dt DateTime) ToString(explicit bool) (String, bool, error) {
	return String(dt.String()), explicit, nil
}

func (dt DateTime) ToInteger(explicit bool) (Integer, bool, error) { return 0, false, nil }
func (dt DateTime) ToDecimal(explicit bool) (Decimal, bool, error) { return Decimal{}, false, nil }

func (dt DateTime) ToDate(explicit bool) (Date, bool, error) {
	if !explicit {
		return Date{}, false, nil
	}
	var p DatePrecision
	switch dt.Precision {
	case DateTimePrecisionYear:
		p = DatePrecisionYear
	case DateTimePrecisionMonth:
		p = DatePrecisionMonth
	default:
		p = DatePrecisionFull
	}
	return Date{Value: truncateDate(dt.Value, p), Precision: p}, true, nil
}

func (dt DateTime) ToTime(explicit bool) (Time, bool, error) { return Time{}, false, nil }

func (dt DateTime) ToDateTime(explicit bool) (DateTime, bool, error) { return dt, true, nil }

func (dt DateTime) ToQuantity(explicit bool) (Quantity, bool, error) {
	return Quantity{}, false, nil
}

func (dt DateTime) Equal(other Element) (bool, bool) {
	switch other.(type) {
	case Date, DateTime:
		cmp, ok, err := dt.Cmp(other)
		if err != nil || !ok {
			return false, false
		}
		return cmp == 0, true
	}
	return false, true
}

func (dt DateTime) Equivalent(other Element) bool {
	var o DateTime
	switch v := other.(type) {
	case DateTime:
		o = v
	case Date:
		o, _, _ = v.ToDateTime(false)
	default:
		return false
	}
	a := dateTimeComponents(dt)
	b := dateTimeComponents(o)
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (dt DateTime) Cmp(other Element) (int, bool, error) {
	var o DateTime
	switch v := other.(type) {
	case DateTime:
		o = v
	case Date:
		o, _, _ = v.ToDateTime(false)
	default:
		return 0, false, fmt.Errorf("cannot compare DateTime with %s", other.TypeInfo())
	}
	a := dateTimeComponents(dt)
	b := dateTimeComponents(o)
	return compareComponents(a, b), componentsDecided(a, b), nil
}

// Add shifts the dateTime by a calendar duration quantity. The result keeps
// the input's precision.
func (dt DateTime) Add(q Quantity) (DateTime, error) {
	n, err := q.integerValue()
	if err != nil {
		return DateTime{}, err
	}
	t := dt.Value
	switch normalizeUnit(string(q.Unit)) {
	case "year":
		t = addMonths(t, n*12)
	case "month":
		t = addMonths(t, n)
	case "week":
		t = t.AddDate(0, 0, int(n*7))
	case "day":
		t = t.AddDate(0, 0, int(n))
	case "hour":
		t = t.Add(time.Duration(n) * time.Hour)
	case "minute":
		t = t.Add(time.Duration(n) * time.Minute)
	case "second":
		t = t.Add(time.Duration(n) * time.Second)
	case "millisecond":
		t = t.Add(time.Duration(n) * time.Millisecond)
	default:
		return DateTime{}, fmt.Errorf("cannot add quantity with unit '%s' to DateTime", q.Unit)
	}
	return DateTime{Value: truncateDateTime(t, dt.Precision), Precision: dt.Precision, HasTimeZone: dt.HasTimeZone}, nil
}

func (dt DateTime) TypeInfo() SimpleTypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "DateTime"}
}

func (dt DateTime) String() string {
	switch dt.Precision {
	case DateTimePrecisionYear:
		return dt.Value.Format("2006")
	case DateTimePrecisionMonth:
		return dt.Value.Format("2006-01")
	case DateTimePrecisionDay:
		return dt.Value.Format("2006-01-02")
	}
	layout := "2006-01-02T"
	switch dt.Precision {
	case DateTimePrecisionHour:
		layout += "15"
	case DateTimePrecisionMinute:
		layout += "15:04"
	case DateTimePrecisionSecond:
		layout += "15:04:05"
	default:
		layout += "15:04:05.000"
	}
	if dt.HasTimeZone {
		layout += "Z07:00"
	}
	return dt.Value.Format(layout)
}

func (dt DateTime) MarshalJSON() ([]byte, error) { return json.Marshal(dt.String()) }

// Carrier truncation. Every constructed value zeroes the components finer
// than its precision, so the exported Value field never carries a hidden
// sub-precision payload (arithmetic on a second-precision DateTime must not
// retain milliseconds, a Time must not retain the carrier date).

func truncateDate(t time.Time, p DatePrecision) time.Time {
	r := datePrecisionRank(p)
	month := time.January
	if r >= 2 {
		month = t.Month()
	}
	day := 1
	if r >= 3 {
		day = t.Day()
	}
	return time.Date(t.Year(), month, day, 0, 0, 0, 0, t.Location())
}

func truncateClock(t time.Time, p TimePrecision) time.Time {
	r := timePrecisionRank(p)
	minute, second, nsec := 0, 0, 0
	if r >= 2 {
		minute = t.Minute()
	}
	if r >= 3 {
		second = t.Second()
	}
	if r >= 4 {
		nsec = t.Nanosecond() / 1e6 * 1e6
	}
	return time.Date(0, time.January, 1, t.Hour(), minute, second, nsec, t.Location())
}

func truncateDateTime(t time.Time, p DateTimePrecision) time.Time {
	r := dateTimePrecisionRank(p)
	month := time.January
	if r >= 2 {
		month = t.Month()
	}
	day := 1
	if r >= 3 {
		day = t.Day()
	}
	hour, minute, second, nsec := 0, 0, 0, 0
	if r >= 4 {
		hour = t.Hour()
	}
	if r >= 5 {
		minute = t.Minute()
	}
	if r >= 6 {
		second = t.Second()
	}
	if r >= 7 {
		nsec = t.Nanosecond() / 1e6 * 1e6
	}
	return time.Date(t.Year(), month, day, hour, minute, second, nsec, t.Location())
}

// Component extraction for precision-aware comparison. Timezone-aware values
// are normalized to UTC first; values without a timezone compare as if UTC.

func dateComponents(t time.Time, p DatePrecision) []int {
	c := []int{t.Year()}
	if datePrecisionRank(p) >= 2 {
		c = append(c, int(t.Month()))
	}
	if datePrecisionRank(p) >= 3 {
		c = append(c, t.Day())
	}
	return c
}

func timeComponents(t time.Time, p TimePrecision) []int {
	c := []int{t.Hour()}
	r := timePrecisionRank(p)
	if r >= 2 {
		c = append(c, t.Minute())
	}
	if r >= 3 {
		c = append(c, t.Second())
	}
	if r >= 4 {
		c = append(c, t.Nanosecond()/1e6)
	}
	return c
}

func dateTimeComponents(dt DateTime) []int {
	t := dt.Value
	if dt.HasTimeZone {
		t = t.UTC()
	}
	c := []int{t.Year()}
	r := dateTimePrecisionRank(dt.Precision)
	if r >= 2 {
		c = append(c, int(t.Month()))
	}
	if r >= 3 {
		c = append(c, t.Day())
	}
	if r >= 4 {
		c = append(c, t.Hour())
	}
	if r >= 5 {
		c = append(c, t.Minute())
	}
	if r >= 6 {
		c = append(c, t.Second())
	}
	if r >= 7 {
		c = append(c, t.Nanosecond()/1e6)
	}
	return c
}

// compareComponents compares the shared prefix.
func compareComponents(a, b []int) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// componentsDecided reports whether the comparison is decidable: either the
// shared prefix differs or both values carry the same precision.
func componentsDecided(a, b []int) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return true
		}
	}
	return len(a) == len(b)
}

// addMonths shifts by whole months, clamping to the last day of the target
// month (Jan 31 + 1 month is Feb 28).
func addMonths(t time.Time, months int64) time.Time {
	m := int64(t.Month()) - 1 + months
	y := int64(t.Year()) + floorDiv(m, 12)
	m = ((m % 12) + 12) % 12
	day := t.Day()
	if last := daysInMonth(int(y), time.Month(m+1)); day > last {
		day = last
	}
	return time.Date(int(y), time.Month(m+1), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
