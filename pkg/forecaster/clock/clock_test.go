package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestISOWeek(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want WeekKey
	}{
		{"mid year", time.Date(2024, 6, 12, 10, 0, 0, 0, time.UTC), WeekKey{2024, 24}},
		{"january belongs to previous iso year", time.Date(2021, 1, 3, 0, 0, 0, 0, time.UTC), WeekKey{2020, 53}},
		{"late december belongs to next iso year", time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC), WeekKey{2025, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ISOWeek(tt.t))
		})
	}
}

func TestMockClock(t *testing.T) {
	start := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC) // Monday
	c := NewMockClock(start)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, WeekKey{2024, 2}, CurrentWeek(c))

	c.Advance(6 * 24 * time.Hour) // Sunday, same ISO week
	assert.Equal(t, WeekKey{2024, 2}, CurrentWeek(c))
	assert.Equal(t, 6*24*time.Hour, c.Since(start))

	c.Advance(24 * time.Hour)
	assert.Equal(t, WeekKey{2024, 3}, CurrentWeek(c))

	c.Set(start)
	assert.Equal(t, start, c.Now())
}
