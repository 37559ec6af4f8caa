package series

import (
	"fmt"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"

	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/types"
)

// DataError reports that no usable historical records were available
type DataError struct {
	Reason string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("no usable historical data: %s", e.Reason)
}

// WeekEnding returns the Sunday that closes the week containing t. A Sunday maps to itself.
func WeekEnding(t time.Time) types.Date {
	d := types.NewDate(t)
	offset := (7 - int(d.Weekday())) % 7
	return types.Date{Time: d.AddDate(0, 0, offset)}
}

// Build aggregates raw registration records into a gap-free weekly series. Every week between
// the earliest and latest record is present, with zero-count weeks materialized.
func Build(records []types.Record) (types.WeeklySeries, error) {
	if len(records) == 0 {
		return nil, &DataError{Reason: "record collection is empty"}
	}

	counts := make(map[types.Date]int)
	var first, last types.Date
	skipped := 0

	for _, record := range records {
		ts, ok := record.Timestamp()
		if !ok {
			skipped++
			continue
		}

		week := WeekEnding(ts)
		counts[week]++

		if first.IsZero() || week.Before(first.Time) {
			first = week
		}
		if last.IsZero() || week.After(last.Time) {
			last = week
		}
	}

	if len(counts) == 0 {
		return nil, &DataError{Reason: fmt.Sprintf("none of %d records has a parseable timestamp", len(records))}
	}
	if skipped > 0 {
		klog.V(2).InfoS("Skipped records without a usable timestamp", "skipped", skipped, "total", len(records))
	}

	weeks := int(last.Sub(first.Time).Hours()/24)/7 + 1
	series := make(types.WeeklySeries, 0, weeks)
	for week := first; !week.After(last.Time); week = week.AddWeeks(1) {
		series = append(series, types.WeeklyPoint{
			WeekEnding:    week,
			Registrations: ptr.To(counts[week]),
		})
	}

	klog.V(3).InfoS("Built weekly series",
		"records", len(records)-skipped,
		"weeks", len(series),
		"first", first.String(),
		"last", last.String())

	return series, nil
}

// Validate checks the series invariants: 7-day stride with no gaps and non-negative counts
func Validate(s types.WeeklySeries) error {
	for i, p := range s {
		if p.Registrations != nil && *p.Registrations < 0 {
			return fmt.Errorf("week %s has negative registrations %d", p.WeekEnding, *p.Registrations)
		}
		if i == 0 {
			continue
		}
		if want := s[i-1].WeekEnding.AddWeeks(1); !p.WeekEnding.Equal(want.Time) {
			return fmt.Errorf("week %d ends %s, expected %s", i, p.WeekEnding, want)
		}
	}
	return nil
}
