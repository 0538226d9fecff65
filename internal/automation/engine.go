// Package automation runs the time-based schedules and the clap toggle, and
// resolves free-text commands against the custom command registry.
package automation

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"homehub/internal/command"
	"homehub/internal/models"
	"homehub/internal/projector"
	"homehub/internal/taskqueue"
)

// clapTriggerCount is the clap sequence the firmware reports for a toggle.
const clapTriggerCount = 2

type scheduleStore interface {
	GetActiveSchedules(ctx context.Context) ([]models.Schedule, error)
}

type dispatchQueue interface {
	EnqueueScheduleDispatch(scheduleID int) error
	EnqueueActions(source string, actions []taskqueue.Action) error
}

type deviceView interface {
	Snapshots() []projector.RuntimeState
}

type settingStore interface {
	SaveClapSetting(ctx context.Context, setting models.ClapSetting) error
	LoadClapSetting(ctx context.Context) (models.ClapSetting, bool, error)
}

type publisher interface {
	Publish(topic string, payload []byte, qos byte, ackTimeout time.Duration) error
}

type commandMatcher interface {
	Match(ctx context.Context, text string) (*models.CustomCommand, bool, error)
}

type jobRegistry interface {
	AddJob(name, spec string, fn func()) error
}

// Interpreter turns free text into relay actions when no custom command
// matches. Optional; without one, unmatched text is reported as unhandled.
type Interpreter interface {
	Interpret(ctx context.Context, text string) ([]taskqueue.Action, error)
}

// Engine evaluates schedules and reacts to clap events.
type Engine struct {
	store    scheduleStore
	queue    dispatchQueue
	devices  deviceView
	settings settingStore
	bus      publisher
	matcher  commandMatcher
	sun      *SunTimes
	interp   Interpreter

	mu    sync.Mutex
	fired map[int]string // schedule ID -> minute key of the last dispatch
	clap  models.ClapSetting
}

// New creates the engine. The clap setting starts disabled until Load or a
// bus update says otherwise.
func New(store scheduleStore, queue dispatchQueue, devices deviceView, settings settingStore, bus publisher, matcher commandMatcher, sun *SunTimes) *Engine {
	return &Engine{
		store:    store,
		queue:    queue,
		devices:  devices,
		settings: settings,
		bus:      bus,
		matcher:  matcher,
		sun:      sun,
		fired:    make(map[int]string),
		clap:     models.ClapSetting{TargetRelay: -1},
	}
}

// SetInterpreter installs the free-text fallback.
func (e *Engine) SetInterpreter(i Interpreter) {
	e.interp = i
}

// Load restores the persisted clap setting.
func (e *Engine) Load(ctx context.Context) error {
	setting, found, err := e.settings.LoadClapSetting(ctx)
	if err != nil {
		return err
	}
	if found {
		e.mu.Lock()
		e.clap = setting
		e.mu.Unlock()
		log.Printf("AUTOMATION: Restored clap setting: enabled=%t target=%d", setting.Enabled, setting.TargetRelay)
	}
	return nil
}

// RegisterJobs installs the periodic evaluation tick and the daily sun-time
// refresh.
func (e *Engine) RegisterJobs(jobs jobRegistry) error {
	if err := jobs.AddJob("schedule-tick", "@every 30s", func() {
		e.EvaluateAt(time.Now())
	}); err != nil {
		return err
	}
	return jobs.AddJob("sun-refresh", "10 0 * * *", func() {
		e.sun.Refresh(time.Now())
	})
}

// EvaluateAt dispatches every active schedule that matches the given wall
// clock. A schedule fires at most once per minute no matter how often the
// tick runs.
func (e *Engine) EvaluateAt(now time.Time) {
	schedules, err := e.store.GetActiveSchedules(context.Background())
	if err != nil {
		log.Printf("AUTOMATION: Failed to load schedules: %v", err)
		return
	}

	minute := now.Format("15:04")
	day := isoWeekday(now)
	minuteKey := now.Format("2006-01-02 15:04")

	for _, sch := range schedules {
		if !containsDay(sch.Days, day) {
			continue
		}
		at, ok := e.sun.Resolve(sch.Time)
		if !ok {
			log.Printf("AUTOMATION: Schedule %d (%s) uses %s but no sun times are available", sch.ID, sch.Name, sch.Time)
			continue
		}
		if at != minute {
			continue
		}

		e.mu.Lock()
		if e.fired[sch.ID] == minuteKey {
			e.mu.Unlock()
			continue
		}
		e.fired[sch.ID] = minuteKey
		e.mu.Unlock()

		log.Printf("AUTOMATION: Schedule %d (%s) due at %s", sch.ID, sch.Name, minute)
		if err := e.queue.EnqueueScheduleDispatch(sch.ID); err != nil {
			log.Printf("AUTOMATION: Failed to enqueue schedule %d: %v", sch.ID, err)
			e.mu.Lock()
			delete(e.fired, sch.ID)
			e.mu.Unlock()
		}
	}
}

// HandleMessage routes clap topics from the bus session.
func (e *Engine) HandleMessage(topic string, payload []byte) {
	switch topic {
	case command.ClapResponseTopic:
		e.handleClapResponse(payload)
	case command.ClapSettingTopic:
		e.handleClapSetting(payload)
	case command.ClapSettingGetTopic:
		e.publishClapSetting()
	}
}

func (e *Engine) handleClapResponse(payload []byte) {
	count, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		log.Printf("AUTOMATION: Ignoring malformed clap payload %q", payload)
		return
	}
	if count != clapTriggerCount {
		return
	}

	setting := e.Setting()
	if !setting.Enabled {
		return
	}

	snapshots := e.devices.Snapshots()
	var states []bool
	for _, snap := range snapshots {
		if !snap.Online {
			continue
		}
		if setting.TargetRelay >= 0 {
			if setting.TargetRelay < len(snap.Relays) {
				states = append(states, snap.Relays[setting.TargetRelay])
			}
			continue
		}
		states = append(states, snap.Relays...)
	}

	newState, act := MajorityInvert(states)
	if !act {
		log.Printf("AUTOMATION: Clap toggle undecided (%d relays split evenly), ignoring", len(states))
		return
	}

	var actions []taskqueue.Action
	for _, snap := range snapshots {
		if !snap.Online {
			continue
		}
		if setting.TargetRelay >= 0 {
			if setting.TargetRelay < len(snap.Relays) {
				actions = append(actions, taskqueue.Action{DeviceID: snap.DeviceID, Relay: setting.TargetRelay, State: newState})
			}
			continue
		}
		actions = append(actions, taskqueue.Action{DeviceID: snap.DeviceID, Relay: -1, State: newState})
	}

	log.Printf("AUTOMATION: Clap toggle switching %d targets to %t", len(actions), newState)
	if err := e.queue.EnqueueActions("clap", actions); err != nil {
		log.Printf("AUTOMATION: Failed to enqueue clap actions: %v", err)
	}
}

// MajorityInvert decides the clap toggle outcome: with most relays on
// everything turns off, with most off everything turns on, and an even
// split changes nothing.
func MajorityInvert(states []bool) (newState bool, act bool) {
	if len(states) == 0 {
		return false, false
	}
	on := 0
	for _, s := range states {
		if s {
			on++
		}
	}
	switch {
	case on*2 > len(states):
		return false, true
	case on*2 < len(states):
		return true, true
	}
	return false, false
}

func (e *Engine) handleClapSetting(payload []byte) {
	var setting models.ClapSetting
	if err := json.Unmarshal(payload, &setting); err != nil {
		log.Printf("AUTOMATION: Ignoring malformed clap setting %q: %v", payload, err)
		return
	}
	e.mu.Lock()
	e.clap = setting
	e.mu.Unlock()
	go func() {
		if err := e.settings.SaveClapSetting(context.Background(), setting); err != nil {
			log.Printf("AUTOMATION: Failed to persist clap setting: %v", err)
		}
	}()
	log.Printf("AUTOMATION: Clap setting updated: enabled=%t target=%d", setting.Enabled, setting.TargetRelay)
}

func (e *Engine) publishClapSetting() {
	payload, err := json.Marshal(e.Setting())
	if err != nil {
		return
	}
	if err := e.bus.Publish(command.ClapSettingTopic, payload, 0, 0); err != nil {
		log.Printf("AUTOMATION: Failed to publish clap setting: %v", err)
	}
}

// Setting returns the current clap setting.
func (e *Engine) Setting() models.ClapSetting {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clap
}

// UpdateSetting stores a new clap setting and broadcasts it on the bus.
func (e *Engine) UpdateSetting(ctx context.Context, setting models.ClapSetting) error {
	e.mu.Lock()
	e.clap = setting
	e.mu.Unlock()
	if err := e.settings.SaveClapSetting(ctx, setting); err != nil {
		return err
	}
	e.publishClapSetting()
	return nil
}

// ExecuteFreeText resolves free text against the custom command registry
// and falls back to the interpreter. Returns the matched command name (empty
// for interpreter hits) and whether anything was dispatched.
func (e *Engine) ExecuteFreeText(ctx context.Context, text string) (string, bool, error) {
	cmd, ok, err := e.matcher.Match(ctx, text)
	if err != nil {
		return "", false, err
	}
	if ok {
		actions := make([]taskqueue.Action, len(cmd.Actions))
		for i, a := range cmd.Actions {
			actions[i] = taskqueue.Action{Relay: a.Relay, State: a.State}
		}
		log.Printf("AUTOMATION: Free text %q matched command %s (%d actions)", text, cmd.Name, len(actions))
		return cmd.Name, true, e.queue.EnqueueActions("command:"+cmd.Name, actions)
	}

	if e.interp == nil {
		return "", false, nil
	}
	actions, err := e.interp.Interpret(ctx, text)
	if err != nil {
		return "", false, err
	}
	if len(actions) == 0 {
		return "", false, nil
	}
	log.Printf("AUTOMATION: Interpreter produced %d actions for %q", len(actions), text)
	return "", true, e.queue.EnqueueActions("assistant", actions)
}

// isoWeekday maps time.Weekday to ISO numbering, Monday 1 through Sunday 7.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
