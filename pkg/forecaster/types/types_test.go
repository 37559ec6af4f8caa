package types

import (
	"math"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

func TestDateJSON(t *testing.T) {
	d := NewDate(time.Date(2024, 1, 14, 18, 30, 0, 0, time.UTC))

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2024-01-14"`, string(data))

	var back Date
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Equal(d.Time))

	// Older cache files stored full timestamps
	require.NoError(t, json.Unmarshal([]byte(`"2024-01-14T00:00:00"`), &back))
	assert.Equal(t, "2024-01-14", back.String())

	assert.Error(t, json.Unmarshal([]byte(`"not-a-date"`), &back))
}

func TestDateAddWeeks(t *testing.T) {
	d, err := ParseDate("2023-12-31")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-07", d.AddWeeks(1).String())
	assert.Equal(t, "2024-02-25", d.AddWeeks(8).String())
}

func TestWeeklySeriesCloneIsDeep(t *testing.T) {
	d, _ := ParseDate("2024-01-07")
	s := WeeklySeries{
		{WeekEnding: d, Registrations: ptr.To(5)},
		{WeekEnding: d.AddWeeks(1)},
	}

	c := s.Clone()
	*c[0].Registrations = 99
	c[1].Registrations = ptr.To(1)

	assert.Equal(t, 5, *s[0].Registrations)
	assert.Nil(t, s[1].Registrations)
}

func TestWeeklySeriesTail(t *testing.T) {
	d, _ := ParseDate("2024-01-07")
	s := make(WeeklySeries, 20)
	for i := range s {
		s[i] = WeeklyPoint{WeekEnding: d.AddWeeks(i), Registrations: ptr.To(i)}
	}

	tail := s.Tail(12)
	assert.Len(t, tail, 12)
	assert.Equal(t, 8, *tail[0].Registrations)
	assert.Len(t, s[:3].Tail(12), 3)
}

func TestRecordTimestamp(t *testing.T) {
	at := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	ts, ok := NewRecord(at).Timestamp()
	assert.True(t, ok)
	assert.True(t, at.Equal(ts))

	_, ok = Record{}.Timestamp()
	assert.False(t, ok)

	_, ok = Record{RegisterDate: ptr.To(-1.0)}.Timestamp()
	assert.False(t, ok)

	for _, ms := range []float64{1e15, 1e19, math.Inf(1), math.NaN(), float64(MaxRegisterDateMillis) + 1000} {
		_, ok = Record{RegisterDate: ptr.To(ms)}.Timestamp()
		assert.False(t, ok, "registerDate %v", ms)
	}
	ts, ok = Record{RegisterDate: ptr.To(float64(MaxRegisterDateMillis))}.Timestamp()
	assert.True(t, ok)
	assert.Equal(t, 2262, ts.Year())

	var decoded []Record
	require.NoError(t, json.Unmarshal([]byte(`[{"registerDate": 1709640000000, "name": "x"}, {"registerDate": null}]`), &decoded))
	require.Len(t, decoded, 2)
	ts, ok = decoded[0].Timestamp()
	assert.True(t, ok)
	assert.Equal(t, at, ts)

	// Unconsumed upstream fields survive re-encoding
	out, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"registerDate": 1709640000000, "name": "x"}, {"registerDate": null}]`, string(out))
}
