package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homehub/internal/command"
	"homehub/internal/models"
	"homehub/internal/projector"
	"homehub/internal/taskqueue"
)

type fakeScheduleStore struct {
	schedules []models.Schedule
	err       error
}

func (f *fakeScheduleStore) GetActiveSchedules(context.Context) ([]models.Schedule, error) {
	return f.schedules, f.err
}

type enqueuedBatch struct {
	source  string
	actions []taskqueue.Action
}

type fakeQueue struct {
	schedules []int
	batches   []enqueuedBatch
	err       error
}

func (f *fakeQueue) EnqueueScheduleDispatch(scheduleID int) error {
	if f.err != nil {
		return f.err
	}
	f.schedules = append(f.schedules, scheduleID)
	return nil
}

func (f *fakeQueue) EnqueueActions(source string, actions []taskqueue.Action) error {
	f.batches = append(f.batches, enqueuedBatch{source, actions})
	return f.err
}

type fakeView struct {
	snapshots []projector.RuntimeState
}

func (f *fakeView) Snapshots() []projector.RuntimeState { return f.snapshots }

type fakeSettings struct {
	setting models.ClapSetting
	found   bool
	saved   chan models.ClapSetting
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{saved: make(chan models.ClapSetting, 4)}
}

func (f *fakeSettings) SaveClapSetting(_ context.Context, s models.ClapSetting) error {
	f.saved <- s
	return nil
}

func (f *fakeSettings) LoadClapSetting(context.Context) (models.ClapSetting, bool, error) {
	return f.setting, f.found, nil
}

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	published []published
}

func (f *fakePublisher) Publish(topic string, payload []byte, _ byte, _ time.Duration) error {
	f.published = append(f.published, published{topic, payload})
	return nil
}

type fakeMatcher struct {
	cmd *models.CustomCommand
	err error
}

func (f *fakeMatcher) Match(context.Context, string) (*models.CustomCommand, bool, error) {
	return f.cmd, f.cmd != nil, f.err
}

type testEngine struct {
	*Engine
	store    *fakeScheduleStore
	queue    *fakeQueue
	view     *fakeView
	settings *fakeSettings
	bus      *fakePublisher
	matcher  *fakeMatcher
}

func newTestEngine() *testEngine {
	store := &fakeScheduleStore{}
	queue := &fakeQueue{}
	view := &fakeView{}
	settings := newFakeSettings()
	bus := &fakePublisher{}
	matcher := &fakeMatcher{}
	e := New(store, queue, view, settings, bus, matcher, NewSunTimes(0, 0))
	return &testEngine{Engine: e, store: store, queue: queue, view: view, settings: settings, bus: bus, matcher: matcher}
}

// mustLocal builds a local wall-clock instant for schedule matching.
func mustLocal(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", value, time.Local)
	require.NoError(t, err)
	return ts
}

func TestEvaluateAtFiresMatchingSchedule(t *testing.T) {
	e := newTestEngine()
	e.store.schedules = []models.Schedule{
		{ID: 1, Name: "wake", Time: "06:00", Days: []int{1, 2, 3, 4, 5}, Active: true},
	}

	// 2026-03-02 is a Monday.
	e.EvaluateAt(mustLocal(t, "2026-03-02 06:00:10"))

	assert.Equal(t, []int{1}, e.queue.schedules)
}

func TestEvaluateAtFiresOncePerMinute(t *testing.T) {
	e := newTestEngine()
	e.store.schedules = []models.Schedule{
		{ID: 1, Time: "06:00", Days: []int{1}, Active: true},
	}

	e.EvaluateAt(mustLocal(t, "2026-03-02 06:00:10"))
	e.EvaluateAt(mustLocal(t, "2026-03-02 06:00:40"))

	assert.Equal(t, []int{1}, e.queue.schedules, "same minute must not dispatch twice")
}

func TestEvaluateAtSkipsNonMatching(t *testing.T) {
	tests := []struct {
		name     string
		schedule models.Schedule
		at       string
	}{
		{"wrong day", models.Schedule{ID: 1, Time: "06:00", Days: []int{1, 2, 3, 4, 5}}, "2026-03-07 06:00:10"}, // Saturday
		{"wrong minute", models.Schedule{ID: 1, Time: "06:00", Days: []int{1}}, "2026-03-02 06:01:10"},
		{"no days", models.Schedule{ID: 1, Time: "06:00", Days: nil}, "2026-03-02 06:00:10"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine()
			e.store.schedules = []models.Schedule{tc.schedule}

			e.EvaluateAt(mustLocal(t, tc.at))

			assert.Empty(t, e.queue.schedules)
		})
	}
}

func TestEvaluateAtSundayIsDaySeven(t *testing.T) {
	e := newTestEngine()
	e.store.schedules = []models.Schedule{
		{ID: 4, Time: "21:30", Days: []int{7}, Active: true},
	}

	// 2026-03-08 is a Sunday.
	e.EvaluateAt(mustLocal(t, "2026-03-08 21:30:00"))

	assert.Equal(t, []int{4}, e.queue.schedules)
}

func TestEvaluateAtRetriesAfterEnqueueFailure(t *testing.T) {
	e := newTestEngine()
	e.store.schedules = []models.Schedule{
		{ID: 1, Time: "06:00", Days: []int{1}, Active: true},
	}
	e.queue.err = errors.New("redis down")

	e.EvaluateAt(mustLocal(t, "2026-03-02 06:00:10"))
	e.queue.err = nil
	e.EvaluateAt(mustLocal(t, "2026-03-02 06:00:40"))

	assert.Equal(t, []int{1}, e.queue.schedules, "failed enqueue frees the minute for a retry")
}

func TestEvaluateAtSunScheduleWithoutSunTimes(t *testing.T) {
	e := newTestEngine()
	e.store.schedules = []models.Schedule{
		{ID: 1, Time: "sunset", Days: []int{1}, Active: true},
	}

	e.EvaluateAt(mustLocal(t, "2026-03-02 18:00:00"))

	assert.Empty(t, e.queue.schedules)
}

func TestMajorityInvert(t *testing.T) {
	tests := []struct {
		name      string
		states    []bool
		wantState bool
		wantAct   bool
	}{
		{"empty", nil, false, false},
		{"all on", []bool{true, true, true, true}, false, true},
		{"all off", []bool{false, false, false, false}, true, true},
		{"three of four on", []bool{true, true, true, false}, false, true},
		{"one of four on", []bool{true, false, false, false}, true, true},
		{"even split", []bool{true, true, false, false}, false, false},
		{"single on", []bool{true}, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			state, act := MajorityInvert(tc.states)
			assert.Equal(t, tc.wantAct, act)
			if tc.wantAct {
				assert.Equal(t, tc.wantState, state)
			}
		})
	}
}

func TestClapToggleMajorityOnTurnsEverythingOff(t *testing.T) {
	e := newTestEngine()
	e.clap = models.ClapSetting{Enabled: true, TargetRelay: -1}
	e.view.snapshots = []projector.RuntimeState{
		{DeviceID: "ESP_ab12cd", Online: true, Relays: []bool{true, true, true, false}},
		{DeviceID: "ESP_ef34gh", Online: false, Relays: []bool{true, true}},
	}

	e.HandleMessage(command.ClapResponseTopic, []byte("2"))

	require.Len(t, e.queue.batches, 1)
	assert.Equal(t, "clap", e.queue.batches[0].source)
	assert.Equal(t, []taskqueue.Action{
		{DeviceID: "ESP_ab12cd", Relay: -1, State: false},
	}, e.queue.batches[0].actions, "offline devices are left alone")
}

func TestClapToggleEvenSplitDoesNothing(t *testing.T) {
	e := newTestEngine()
	e.clap = models.ClapSetting{Enabled: true, TargetRelay: -1}
	e.view.snapshots = []projector.RuntimeState{
		{DeviceID: "ESP_ab12cd", Online: true, Relays: []bool{true, true, false, false}},
	}

	e.HandleMessage(command.ClapResponseTopic, []byte("2"))

	assert.Empty(t, e.queue.batches)
}

func TestClapToggleTargetedRelay(t *testing.T) {
	e := newTestEngine()
	e.clap = models.ClapSetting{Enabled: true, TargetRelay: 1}
	e.view.snapshots = []projector.RuntimeState{
		{DeviceID: "ESP_ab12cd", Online: true, Relays: []bool{false, true, false, false}},
		{DeviceID: "ESP_ef34gh", Online: true, Relays: []bool{false}}, // no relay 1
	}

	e.HandleMessage(command.ClapResponseTopic, []byte("2"))

	require.Len(t, e.queue.batches, 1)
	assert.Equal(t, []taskqueue.Action{
		{DeviceID: "ESP_ab12cd", Relay: 1, State: false},
	}, e.queue.batches[0].actions)
}

func TestClapIgnoredWhenDisabledOrWrongCount(t *testing.T) {
	e := newTestEngine()
	e.view.snapshots = []projector.RuntimeState{
		{DeviceID: "ESP_ab12cd", Online: true, Relays: []bool{true}},
	}

	e.HandleMessage(command.ClapResponseTopic, []byte("2")) // disabled
	e.clap = models.ClapSetting{Enabled: true, TargetRelay: -1}
	e.HandleMessage(command.ClapResponseTopic, []byte("3")) // wrong count
	e.HandleMessage(command.ClapResponseTopic, []byte("x")) // malformed

	assert.Empty(t, e.queue.batches)
}

func TestClapSettingRoundTrip(t *testing.T) {
	e := newTestEngine()

	e.HandleMessage(command.ClapSettingTopic, []byte(`{"enabled":true,"deviceId":2}`))

	select {
	case saved := <-e.settings.saved:
		assert.Equal(t, models.ClapSetting{Enabled: true, TargetRelay: 2}, saved)
	case <-time.After(time.Second):
		t.Fatal("setting was not persisted")
	}
	assert.Equal(t, models.ClapSetting{Enabled: true, TargetRelay: 2}, e.Setting())

	e.HandleMessage(command.ClapSettingGetTopic, nil)

	require.Len(t, e.bus.published, 1)
	assert.Equal(t, command.ClapSettingTopic, e.bus.published[0].topic)
	assert.JSONEq(t, `{"enabled":true,"deviceId":2}`, string(e.bus.published[0].payload))
}

func TestLoadRestoresClapSetting(t *testing.T) {
	e := newTestEngine()
	e.settings.setting = models.ClapSetting{Enabled: true, TargetRelay: 0}
	e.settings.found = true

	require.NoError(t, e.Load(context.Background()))

	assert.Equal(t, models.ClapSetting{Enabled: true, TargetRelay: 0}, e.Setting())
}

func TestExecuteFreeTextMatchesCustomCommand(t *testing.T) {
	e := newTestEngine()
	e.matcher.cmd = &models.CustomCommand{
		Name: "movie night",
		Actions: []models.CommandAction{
			{Relay: 0, State: false},
			{Relay: 3, State: true},
		},
	}

	name, handled, err := e.ExecuteFreeText(context.Background(), "start movie night please")

	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "movie night", name)
	require.Len(t, e.queue.batches, 1)
	assert.Equal(t, "command:movie night", e.queue.batches[0].source)
	assert.Equal(t, []taskqueue.Action{
		{Relay: 0, State: false},
		{Relay: 3, State: true},
	}, e.queue.batches[0].actions)
}

func TestExecuteFreeTextUnmatchedWithoutInterpreter(t *testing.T) {
	e := newTestEngine()

	name, handled, err := e.ExecuteFreeText(context.Background(), "do something odd")

	require.NoError(t, err)
	assert.False(t, handled)
	assert.Empty(t, name)
	assert.Empty(t, e.queue.batches)
}

type fakeInterpreter struct {
	actions []taskqueue.Action
	err     error
}

func (f *fakeInterpreter) Interpret(context.Context, string) ([]taskqueue.Action, error) {
	return f.actions, f.err
}

func TestExecuteFreeTextFallsBackToInterpreter(t *testing.T) {
	e := newTestEngine()
	e.SetInterpreter(&fakeInterpreter{actions: []taskqueue.Action{{Relay: 1, State: true}}})

	name, handled, err := e.ExecuteFreeText(context.Background(), "turn on the lamp")

	require.NoError(t, err)
	assert.True(t, handled)
	assert.Empty(t, name)
	require.Len(t, e.queue.batches, 1)
	assert.Equal(t, "assistant", e.queue.batches[0].source)
}
