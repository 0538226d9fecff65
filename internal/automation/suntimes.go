package automation

import (
	"log"
	"sync"
	"time"

	sunrise "github.com/nathan-osman/go-sunrise"
)

// Symbolic schedule times resolved against the configured coordinates.
const (
	TimeSunrise = "sunrise"
	TimeSunset  = "sunset"
)

// SunTimes caches today's sunrise and sunset as local HH:mm strings.
type SunTimes struct {
	latitude  float64
	longitude float64

	mu      sync.RWMutex
	sunrise string
	sunset  string
}

// NewSunTimes creates a resolver for the given coordinates. With both
// coordinates zero, sun-based schedules never fire.
func NewSunTimes(latitude, longitude float64) *SunTimes {
	return &SunTimes{latitude: latitude, longitude: longitude}
}

// Refresh recomputes sunrise and sunset for the given date. Meant to run
// once at startup and once a day after midnight.
func (s *SunTimes) Refresh(date time.Time) {
	if s.latitude == 0 && s.longitude == 0 {
		return
	}
	rise, set := sunrise.SunriseSunset(s.latitude, s.longitude, date.Year(), date.Month(), date.Day())
	riseLocal := rise.In(date.Location()).Format("15:04")
	setLocal := set.In(date.Location()).Format("15:04")
	s.mu.Lock()
	s.sunrise = riseLocal
	s.sunset = setLocal
	s.mu.Unlock()
	log.Printf("AUTOMATION: Sun times for %s: sunrise %s, sunset %s",
		date.Format("2006-01-02"), riseLocal, setLocal)
}

// Resolve maps a schedule time spec to a concrete HH:mm clock string.
// Returns false for sun specs that have no computed time yet.
func (s *SunTimes) Resolve(spec string) (string, bool) {
	switch spec {
	case TimeSunrise:
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.sunrise, s.sunrise != ""
	case TimeSunset:
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.sunset, s.sunset != ""
	}
	return spec, true
}
