package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePassesClockTimesThrough(t *testing.T) {
	s := NewSunTimes(0, 0)

	at, ok := s.Resolve("06:30")

	assert.True(t, ok)
	assert.Equal(t, "06:30", at)
}

func TestResolveSunTimesUnavailableWithoutCoordinates(t *testing.T) {
	s := NewSunTimes(0, 0)
	s.Refresh(time.Now())

	_, ok := s.Resolve(TimeSunrise)
	assert.False(t, ok)
	_, ok = s.Resolve(TimeSunset)
	assert.False(t, ok)
}

func TestRefreshComputesLocalClockTimes(t *testing.T) {
	s := NewSunTimes(52.23, 21.01) // Warsaw

	s.Refresh(time.Date(2026, time.June, 21, 0, 0, 0, 0, time.UTC))

	rise, ok := s.Resolve(TimeSunrise)
	require.True(t, ok)
	assert.Regexp(t, `^\d{2}:\d{2}$`, rise)

	set, ok := s.Resolve(TimeSunset)
	require.True(t, ok)
	assert.Regexp(t, `^\d{2}:\d{2}$`, set)
	assert.NotEqual(t, rise, set)
}
