// Package date provides a calendar date with day granularity.
//
// Ledger transactions and reconciliation dates carry no time of day, so
// comparing them as time.Time values invites timezone bugs. Date is a small
// comparable value type instead.
package date

import (
	"encoding/json"
	"fmt"
	"time"
)

// Format is the ISO-8601 layout used on the wire and in output.
const Format = "2006-01-02"

const readFormat = "2006-1-2" // permissive: accepts 2024-2-9

// Date is a calendar day. The zero value is not a valid day.
type Date struct {
	y int
	m time.Month
	d int
}

// New returns a normalized Date; New(2024, 3, 0) is 2024-02-29.
func New(year int, month time.Month, day int) Date {
	d := Date{year, month, day}
	d.y, d.m, d.d = d.time().Date()
	return d
}

// Of returns the UTC calendar day of t.
func Of(t time.Time) Date { return New(t.UTC().Date()) }

func (d Date) time() time.Time { return time.Date(d.y, d.m, d.d, 0, 0, 0, 0, time.UTC) }

func (d Date) Year() int         { return d.y }
func (d Date) Month() time.Month { return d.m }
func (d Date) Day() int          { return d.d }

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool { return d == Date{} }

// Before reports whether d is strictly before x.
func (d Date) Before(x Date) bool { return d.time().Before(x.time()) }

// After reports whether d is strictly after x.
func (d Date) After(x Date) bool { return d.time().After(x.time()) }

// EndOfMonth returns the last calendar day of the month containing d.
func (d Date) EndOfMonth() Date { return New(d.y, d.m+1, 0) }

// String formats d as YYYY-MM-DD.
func (d Date) String() string { return d.time().Format(Format) }

// Parse reads a date in YYYY-MM-DD form. Single digit months and days are accepted.
func Parse(s string) (Date, error) {
	t, err := time.Parse(readFormat, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q want format %q: %w", s, Format, err)
	}
	return New(t.Date()), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Date {
	d, err := Parse(s)
	if err != nil {
		panic(err.Error())
	}
	return d
}

// UnmarshalJSON reads a date from a JSON string. null leaves d unchanged.
func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON writes the date as a JSON string.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalText lets Date be used as a CLI flag or env value.
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

var (
	_ json.Marshaler   = Date{}
	_ json.Unmarshaler = (*Date)(nil)
)
