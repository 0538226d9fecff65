package api

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"homehub/internal/models"
)

func validTestSchedule() models.Schedule {
	return models.Schedule{
		Name: "morning",
		Time: "06:30",
		Days: []int{1, 2, 3, 4, 5},
		Actions: []models.ScheduleAction{
			{DeviceID: "ESP_ab12cd", Action: []byte(`{"relay":0,"state":true}`)},
		},
	}
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Schedule)
		wantOK bool
	}{
		{"valid", func(*models.Schedule) {}, true},
		{"sunrise time", func(s *models.Schedule) { s.Time = "sunrise" }, true},
		{"sunset time", func(s *models.Schedule) { s.Time = "sunset" }, true},
		{"empty days allowed", func(s *models.Schedule) { s.Days = nil }, true},
		{"missing name", func(s *models.Schedule) { s.Name = "" }, false},
		{"bad time", func(s *models.Schedule) { s.Time = "25:00" }, false},
		{"bad time format", func(s *models.Schedule) { s.Time = "6:30" }, false},
		{"day zero", func(s *models.Schedule) { s.Days = []int{0} }, false},
		{"day eight", func(s *models.Schedule) { s.Days = []int{8} }, false},
		{"no actions", func(s *models.Schedule) { s.Actions = nil }, false},
		{"action without device", func(s *models.Schedule) { s.Actions[0].DeviceID = "" }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := validTestSchedule()
			tc.mutate(&s)
			msg := validateSchedule(&s)
			if tc.wantOK {
				assert.Empty(t, msg)
			} else {
				assert.NotEmpty(t, msg)
			}
		})
	}
}
