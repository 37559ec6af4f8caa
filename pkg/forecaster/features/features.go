// Package features derives model-ready rows from a weekly registration series.
//
// Calendar and academic fields depend only on a row's own week-ending date. History fields
// (lags and rolling statistics) read strictly earlier points, so a future week's features
// never observe its own value.
package features

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
	"k8s.io/utils/ptr"

	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/types"
)

// Canonical feature names, as written in model artifacts
const (
	Month          = "month"
	Year           = "year"
	WeekOfYear     = "week_of_year"
	DayOfMonth     = "day_of_month"
	WeekOfMonth    = "week_of_month"
	IsWelcomeMonth = "is_welcome_month"
	Semester       = "semester"
	WeekOfSemester = "week_of_semester"
	WeekSin        = "week_sin"
	WeekCos        = "week_cos"
	LagAbs1        = "lag_abs_1"
	LagAbs2        = "lag_abs_2"
	LagAbs52       = "lag_abs_52"
	RollMean4Abs   = "roll_mean_4_abs"
	RollStd4Abs    = "roll_std_4_abs"
)

// Names lists every derivable feature in column order
var Names = []string{
	Month, Year, WeekOfYear, DayOfMonth, WeekOfMonth, IsWelcomeMonth, Semester,
	WeekOfSemester, WeekSin, WeekCos, LagAbs1, LagAbs2, LagAbs52, RollMean4Abs, RollStd4Abs,
}

const rollingWindow = 4

// Row holds the derived features for one week. History-dependent fields are nil when not
// enough prior weeks exist.
type Row struct {
	WeekEnding types.Date

	Month          int
	Year           int
	WeekOfYear     int
	DayOfMonth     int
	WeekOfMonth    int
	IsWelcomeMonth int
	Semester       int
	WeekOfSemester int
	WeekSin        float64
	WeekCos        float64

	LagAbs1      *float64
	LagAbs2      *float64
	LagAbs52     *float64
	RollMean4Abs *float64
	RollStd4Abs  *float64
}

// Value resolves a feature by canonical name. present is false for a missing history field;
// err is set for a name this package does not know.
func (r Row) Value(name string) (v float64, present bool, err error) {
	switch name {
	case Month:
		return float64(r.Month), true, nil
	case Year:
		return float64(r.Year), true, nil
	case WeekOfYear:
		return float64(r.WeekOfYear), true, nil
	case DayOfMonth:
		return float64(r.DayOfMonth), true, nil
	case WeekOfMonth:
		return float64(r.WeekOfMonth), true, nil
	case IsWelcomeMonth:
		return float64(r.IsWelcomeMonth), true, nil
	case Semester:
		return float64(r.Semester), true, nil
	case WeekOfSemester:
		return float64(r.WeekOfSemester), true, nil
	case WeekSin:
		return r.WeekSin, true, nil
	case WeekCos:
		return r.WeekCos, true, nil
	case LagAbs1:
		return optional(r.LagAbs1)
	case LagAbs2:
		return optional(r.LagAbs2)
	case LagAbs52:
		return optional(r.LagAbs52)
	case RollMean4Abs:
		return optional(r.RollMean4Abs)
	case RollStd4Abs:
		return optional(r.RollStd4Abs)
	}
	return 0, false, fmt.Errorf("unknown feature %q", name)
}

// Complete reports whether every named feature is present
func (r Row) Complete(names []string) bool {
	for _, name := range names {
		if _, ok, err := r.Value(name); err != nil || !ok {
			return false
		}
	}
	return true
}

func optional(v *float64) (float64, bool, error) {
	if v == nil {
		return 0, false, nil
	}
	return *v, true, nil
}

// Derive computes one Row per point of s, in order. It is pure: the same series always
// yields the same rows.
func Derive(s types.WeeklySeries) []Row {
	rows := make([]Row, len(s))
	for i, p := range s {
		row := calendarRow(p.WeekEnding)
		row.LagAbs1 = lag(s, i, 1)
		row.LagAbs2 = lag(s, i, 2)
		row.LagAbs52 = lag(s, i, 52)
		row.RollMean4Abs, row.RollStd4Abs = rolling(s, i)
		rows[i] = row
	}
	return rows
}

func calendarRow(d types.Date) Row {
	year, month, day := d.Date()
	_, week := d.ISOWeek()
	m := int(month)

	angle := 2 * math.Pi * float64(week) / 52

	return Row{
		WeekEnding:     d,
		Month:          m,
		Year:           year,
		WeekOfYear:     week,
		DayOfMonth:     day,
		WeekOfMonth:    (day - 1) / 7,
		IsWelcomeMonth: boolToInt(month == time.February || month == time.September),
		Semester:       SemesterOf(m),
		WeekOfSemester: WeekOfSemesterOf(d),
		WeekSin:        math.Sin(angle),
		WeekCos:        math.Cos(angle),
	}
}

// SemesterOf is 1 for the spring semester (Feb-Jul) and 0 for fall (Aug-Jan)
func SemesterOf(month int) int {
	return boolToInt(month >= 2 && month <= 7)
}

// SemesterStart returns the first day of the academic semester d falls in
func SemesterStart(d types.Date) types.Date {
	year, month, _ := d.Date()
	switch {
	case month >= time.August:
		return types.NewDate(time.Date(year, time.August, 1, 0, 0, 0, 0, time.UTC))
	case month >= time.February:
		return types.NewDate(time.Date(year, time.February, 1, 0, 0, 0, 0, time.UTC))
	default:
		return types.NewDate(time.Date(year-1, time.August, 1, 0, 0, 0, 0, time.UTC))
	}
}

// WeekOfSemesterOf counts whole weeks since the semester start, floored at 0
func WeekOfSemesterOf(d types.Date) int {
	days := int(math.Floor(d.Sub(SemesterStart(d).Time).Hours() / 24))
	weeks := int(math.Floor(float64(days) / 7))
	if weeks < 0 {
		return 0
	}
	return weeks
}

func lag(s types.WeeklySeries, i, k int) *float64 {
	if i-k < 0 || s[i-k].Registrations == nil {
		return nil
	}
	return ptr.To(float64(*s[i-k].Registrations))
}

// rolling summarizes the window of points strictly before i
func rolling(s types.WeeklySeries, i int) (mean, std *float64) {
	if i < rollingWindow {
		return nil, nil
	}
	window := make([]float64, 0, rollingWindow)
	for _, p := range s[i-rollingWindow : i] {
		if p.Registrations == nil {
			return nil, nil
		}
		window = append(window, float64(*p.Registrations))
	}
	// StdDev is the unbiased (n-1) estimator
	return ptr.To(stat.Mean(window, nil)), ptr.To(stat.StdDev(window, nil))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
