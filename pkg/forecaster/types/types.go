package types

import (
	"bytes"
	"fmt"
	"math"
	"time"

	json "github.com/goccy/go-json"
	"k8s.io/utils/ptr"
)

// DateLayout is the wire format for week-ending dates
const DateLayout = "2006-01-02"

// WeekStride is the fixed distance between consecutive week-ending dates
const WeekStride = 7 * 24 * time.Hour

// Date is a calendar day serialized as YYYY-MM-DD. It is always normalized to UTC midnight.
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar day in UTC
func NewDate(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{t}, nil
}

// AddWeeks returns the date n weeks later
func (d Date) AddWeeks(n int) Date {
	return Date{d.Time.AddDate(0, 0, 7*n)}
}

func (d Date) String() string {
	return d.Time.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	// Tolerate full timestamps written by older cache files
	if len(s) > len(DateLayout) {
		s = s[:len(DateLayout)]
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// WeeklyPoint is one week of aggregated registrations. A nil Registrations marks a future
// week that has not been predicted yet.
type WeeklyPoint struct {
	WeekEnding    Date `json:"week_ending"`
	Registrations *int `json:"registrations"`
}

// WeeklySeries is ordered by WeekEnding with a fixed 7-day stride and no gaps
type WeeklySeries []WeeklyPoint

// Clone returns a deep copy so callers can fill absent weeks without touching the source
func (s WeeklySeries) Clone() WeeklySeries {
	out := make(WeeklySeries, len(s))
	for i, p := range s {
		out[i].WeekEnding = p.WeekEnding
		if p.Registrations != nil {
			out[i].Registrations = ptr.To(*p.Registrations)
		}
	}
	return out
}

// Tail returns the last n points (or all of them if fewer exist)
func (s WeeklySeries) Tail(n int) WeeklySeries {
	if n >= len(s) {
		return s
	}
	return s[len(s)-n:]
}

// ForecastPoint is a single predicted week with its 95% interval
type ForecastPoint struct {
	WeekEnding      Date `json:"week_ending"`
	Prediction      int  `json:"prediction"`
	ConfidenceLower int  `json:"confidence_lower"`
	ConfidenceUpper int  `json:"confidence_upper"`
}

// ForecastResult is the payload served by the query endpoint and persisted by the cache.
// It is immutable once built.
type ForecastResult struct {
	LastUpdated time.Time       `json:"last_updated"`
	History     WeeklySeries    `json:"history"`
	Forecast    []ForecastPoint `json:"forecast"`
}

// MaxRegisterDateMillis is the latest accepted registration timestamp, the end of the
// int64 nanosecond range (2262-04-11).
const MaxRegisterDateMillis = math.MaxInt64 / int64(time.Millisecond)

// Record is one raw registration as returned by the registrations API or stored in a
// snapshot. Only the registration timestamp is consumed; Raw keeps the upstream object so
// snapshots written from it retain every field.
type Record struct {
	// RegisterDate is epoch milliseconds; nil when the upstream record has no date
	RegisterDate *float64
	Raw          json.RawMessage
}

type recordFields struct {
	RegisterDate *float64 `json:"registerDate"`
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var fields recordFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.RegisterDate = fields.RegisterDate
	r.Raw = nil
	if trimmed := bytes.TrimSpace(data); !bytes.Equal(trimmed, []byte("null")) {
		r.Raw = append(json.RawMessage(nil), trimmed...)
	}
	return nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(recordFields{RegisterDate: r.RegisterDate})
}

// Timestamp converts RegisterDate to a UTC time. ok is false when the record carries no
// usable timestamp: absent, negative, NaN or past MaxRegisterDateMillis.
func (r Record) Timestamp() (t time.Time, ok bool) {
	if r.RegisterDate == nil {
		return time.Time{}, false
	}
	ms := *r.RegisterDate
	if math.IsNaN(ms) || ms < 0 || ms > float64(MaxRegisterDateMillis) {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)).UTC(), true
}

// NewRecord builds a record for the given instant
func NewRecord(t time.Time) Record {
	r := Record{RegisterDate: ptr.To(float64(t.UnixMilli()))}
	r.Raw, _ = json.Marshal(recordFields{RegisterDate: r.RegisterDate})
	return r
}
