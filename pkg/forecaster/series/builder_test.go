package series

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/types"
)

func at(year int, month time.Month, day, hour int) types.Record {
	return types.NewRecord(time.Date(year, month, day, hour, 0, 0, 0, time.UTC))
}

func TestWeekEnding(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{"monday", time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), "2024-01-07"},
		{"saturday late", time.Date(2024, 1, 6, 23, 59, 0, 0, time.UTC), "2024-01-07"},
		{"sunday is right-closed", time.Date(2024, 1, 7, 22, 0, 0, 0, time.UTC), "2024-01-07"},
		{"sunday midnight", time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC), "2024-01-07"},
		{"crosses year", time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC), "2025-01-05"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WeekEnding(tt.in).String())
		})
	}
}

func TestBuildMaterializesEmptyWeeks(t *testing.T) {
	records := []types.Record{
		at(2024, 1, 2, 10),  // week ending 2024-01-07
		at(2024, 1, 7, 23),  // same week
		at(2024, 1, 24, 12), // week ending 2024-01-28
		{},                  // no timestamp, skipped
	}

	s, err := Build(records)
	require.NoError(t, err)
	require.Len(t, s, 4)

	want := []struct {
		week  string
		count int
	}{
		{"2024-01-07", 2},
		{"2024-01-14", 0},
		{"2024-01-21", 0},
		{"2024-01-28", 1},
	}
	for i, w := range want {
		assert.Equal(t, w.week, s[i].WeekEnding.String())
		require.NotNil(t, s[i].Registrations)
		assert.Equal(t, w.count, *s[i].Registrations)
	}
}

func TestBuildUnorderedInput(t *testing.T) {
	s, err := Build([]types.Record{at(2024, 3, 1, 0), at(2024, 2, 1, 0)})
	require.NoError(t, err)
	assert.Equal(t, "2024-02-04", s[0].WeekEnding.String())
	assert.Equal(t, "2024-03-03", s[len(s)-1].WeekEnding.String())
	assert.NoError(t, Validate(s))
}

func TestBuildDataErrors(t *testing.T) {
	_, err := Build(nil)
	var dataErr *DataError
	require.True(t, errors.As(err, &dataErr))
	assert.Contains(t, dataErr.Error(), "empty")

	_, err = Build([]types.Record{{}, {RegisterDate: ptr.To(-5.0)}})
	require.True(t, errors.As(err, &dataErr))
	assert.Contains(t, dataErr.Error(), "parseable")
}

func TestBuildSkipsOutOfRangeTimestamps(t *testing.T) {
	records := []types.Record{
		at(2024, 1, 3, 12),
		{RegisterDate: ptr.To(1e15)},
		{RegisterDate: ptr.To(1e19)},
	}
	s, err := Build(records)
	require.NoError(t, err)
	require.Len(t, s, 1)
	assert.Equal(t, "2024-01-07", s[0].WeekEnding.String())
	assert.Equal(t, 1, *s[0].Registrations)

	_, err = Build([]types.Record{{RegisterDate: ptr.To(1e15)}})
	var dataErr *DataError
	assert.True(t, errors.As(err, &dataErr))
}

func TestBuildStrideProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := time.Date(2021, 9, 1, 0, 0, 0, 0, time.UTC)

	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(300)
		records := make([]types.Record, n)
		for i := range records {
			offset := time.Duration(rng.Int63n(int64(3 * 365 * 24 * time.Hour)))
			records[i] = types.NewRecord(base.Add(offset))
		}

		s, err := Build(records)
		require.NoError(t, err)
		require.NoError(t, Validate(s))

		total := 0
		for i, p := range s {
			assert.Equal(t, time.Sunday, p.WeekEnding.Weekday())
			if i > 0 {
				assert.Equal(t, types.WeekStride, p.WeekEnding.Sub(s[i-1].WeekEnding.Time))
			}
			total += *p.Registrations
		}
		assert.Equal(t, n, total, "every record is counted exactly once")
	}
}

func TestValidate(t *testing.T) {
	d, _ := types.ParseDate("2024-01-07")

	gap := types.WeeklySeries{
		{WeekEnding: d, Registrations: ptr.To(1)},
		{WeekEnding: d.AddWeeks(2), Registrations: ptr.To(1)},
	}
	assert.Error(t, Validate(gap))

	negative := types.WeeklySeries{{WeekEnding: d, Registrations: ptr.To(-1)}}
	assert.Error(t, Validate(negative))

	withFuture := types.WeeklySeries{
		{WeekEnding: d, Registrations: ptr.To(3)},
		{WeekEnding: d.AddWeeks(1)},
	}
	assert.NoError(t, Validate(withFuture))
}
