package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"homehub/internal/models"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

const deviceColumns = "id, device_id, name, type, relay_count, location, features, settings, is_online, last_seen"

func scanDevice(row pgx.Row) (*models.Device, error) {
	var d models.Device
	err := row.Scan(&d.ID, &d.DeviceID, &d.Name, &d.Type, &d.RelayCount, &d.Location,
		&d.Features, &d.Settings, &d.IsOnline, &d.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetAllDevices fetches every registered device.
func (d *DB) GetAllDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := d.pool.Query(ctx, "SELECT "+deviceColumns+" FROM devices ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	return devices, rows.Err()
}

// GetDeviceByDeviceID fetches a device by its wire-level identity (e.g. ESP_ab12cd).
func (d *DB) GetDeviceByDeviceID(ctx context.Context, deviceID string) (*models.Device, error) {
	return scanDevice(d.pool.QueryRow(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE device_id = $1", deviceID))
}

// GetDeviceByID fetches a device by record key.
func (d *DB) GetDeviceByID(ctx context.Context, id int) (*models.Device, error) {
	return scanDevice(d.pool.QueryRow(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE id = $1", id))
}

// InsertDevice registers a device and returns its record key.
func (d *DB) InsertDevice(ctx context.Context, dev *models.Device) (int, error) {
	var id int
	err := d.pool.QueryRow(ctx,
		`INSERT INTO devices (device_id, name, type, relay_count, location, features, settings)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		dev.DeviceID, dev.Name, dev.Type, dev.RelayCount, dev.Location, dev.Features, dev.Settings).Scan(&id)
	return id, err
}

// UpdateDevice updates the user-editable device fields.
func (d *DB) UpdateDevice(ctx context.Context, dev *models.Device) error {
	_, err := d.pool.Exec(ctx,
		`UPDATE devices SET name = $1, type = $2, relay_count = $3, location = $4, features = $5, settings = $6
		 WHERE id = $7`,
		dev.Name, dev.Type, dev.RelayCount, dev.Location, dev.Features, dev.Settings, dev.ID)
	return err
}

// DeleteDevice removes a device record.
func (d *DB) DeleteDevice(ctx context.Context, id int) error {
	_, err := d.pool.Exec(ctx, "DELETE FROM devices WHERE id = $1", id)
	return err
}

// MarkDeviceOnline mirrors the live online flag into the store. Best effort,
// called fire-and-forget from the projector.
func (d *DB) MarkDeviceOnline(ctx context.Context, deviceID string, online bool, seen time.Time) error {
	_, err := d.pool.Exec(ctx,
		"UPDATE devices SET is_online = $1, last_seen = $2 WHERE device_id = $3",
		online, seen, deviceID)
	return err
}

// GetActiveSchedules fetches every active schedule with its actions in order.
func (d *DB) GetActiveSchedules(ctx context.Context) ([]models.Schedule, error) {
	return d.getSchedules(ctx, "WHERE active = true")
}

// GetAllSchedules fetches every schedule with its actions in order.
func (d *DB) GetAllSchedules(ctx context.Context) ([]models.Schedule, error) {
	return d.getSchedules(ctx, "")
}

func (d *DB) getSchedules(ctx context.Context, filter string) ([]models.Schedule, error) {
	rows, err := d.pool.Query(ctx, "SELECT id, name, time, days, active FROM schedules "+filter+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []models.Schedule
	index := map[int]int{}
	for rows.Next() {
		var s models.Schedule
		if err := rows.Scan(&s.ID, &s.Name, &s.Time, &s.Days, &s.Active); err != nil {
			return nil, err
		}
		index[s.ID] = len(schedules)
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(schedules) == 0 {
		return schedules, nil
	}

	actionRows, err := d.pool.Query(ctx,
		`SELECT sa.schedule_id, dev.device_id, sa.action
		 FROM schedule_actions sa JOIN devices dev ON dev.id = sa.device_id
		 ORDER BY sa.schedule_id, sa.position`)
	if err != nil {
		return nil, err
	}
	defer actionRows.Close()

	for actionRows.Next() {
		var scheduleID int
		var action models.ScheduleAction
		if err := actionRows.Scan(&scheduleID, &action.DeviceID, &action.Action); err != nil {
			return nil, err
		}
		if i, ok := index[scheduleID]; ok {
			schedules[i].Actions = append(schedules[i].Actions, action)
		}
	}
	return schedules, actionRows.Err()
}

// GetScheduleByID fetches one schedule with its actions.
func (d *DB) GetScheduleByID(ctx context.Context, id int) (*models.Schedule, error) {
	var s models.Schedule
	err := d.pool.QueryRow(ctx,
		"SELECT id, name, time, days, active FROM schedules WHERE id = $1", id).
		Scan(&s.ID, &s.Name, &s.Time, &s.Days, &s.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := d.pool.Query(ctx,
		`SELECT dev.device_id, sa.action
		 FROM schedule_actions sa JOIN devices dev ON dev.id = sa.device_id
		 WHERE sa.schedule_id = $1 ORDER BY sa.position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var action models.ScheduleAction
		if err := rows.Scan(&action.DeviceID, &action.Action); err != nil {
			return nil, err
		}
		s.Actions = append(s.Actions, action)
	}
	return &s, rows.Err()
}

// InsertSchedule creates a schedule and its ordered actions.
func (d *DB) InsertSchedule(ctx context.Context, s *models.Schedule) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int
	err = tx.QueryRow(ctx,
		"INSERT INTO schedules (name, time, days, active) VALUES ($1, $2, $3, $4) RETURNING id",
		s.Name, s.Time, s.Days, s.Active).Scan(&id)
	if err != nil {
		return 0, err
	}
	for i, action := range s.Actions {
		_, err = tx.Exec(ctx,
			`INSERT INTO schedule_actions (schedule_id, device_id, action, position)
			 SELECT $1, id, $2, $3 FROM devices WHERE device_id = $4`,
			id, action.Action, i, action.DeviceID)
		if err != nil {
			return 0, err
		}
	}
	return id, tx.Commit(ctx)
}

// UpdateSchedule replaces a schedule and its actions.
func (d *DB) UpdateSchedule(ctx context.Context, s *models.Schedule) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		"UPDATE schedules SET name = $1, time = $2, days = $3, active = $4 WHERE id = $5",
		s.Name, s.Time, s.Days, s.Active, s.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err = tx.Exec(ctx, "DELETE FROM schedule_actions WHERE schedule_id = $1", s.ID); err != nil {
		return err
	}
	for i, action := range s.Actions {
		_, err = tx.Exec(ctx,
			`INSERT INTO schedule_actions (schedule_id, device_id, action, position)
			 SELECT $1, id, $2, $3 FROM devices WHERE device_id = $4`,
			s.ID, action.Action, i, action.DeviceID)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// DeleteSchedule removes a schedule and its actions.
func (d *DB) DeleteSchedule(ctx context.Context, id int) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err = tx.Exec(ctx, "DELETE FROM schedule_actions WHERE schedule_id = $1", id); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, "DELETE FROM schedules WHERE id = $1", id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListCustomCommands fetches custom commands, newest first.
func (d *DB) ListCustomCommands(ctx context.Context) ([]models.CustomCommand, error) {
	rows, err := d.pool.Query(ctx,
		"SELECT id, name, description, actions, created_at FROM custom_commands ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []models.CustomCommand
	for rows.Next() {
		cmd, err := scanCustomCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, *cmd)
	}
	return commands, rows.Err()
}

// GetCustomCommandByName fetches a custom command by exact name.
func (d *DB) GetCustomCommandByName(ctx context.Context, name string) (*models.CustomCommand, error) {
	return scanCustomCommand(d.pool.QueryRow(ctx,
		"SELECT id, name, description, actions, created_at FROM custom_commands WHERE name = $1", name))
}

func scanCustomCommand(row pgx.Row) (*models.CustomCommand, error) {
	var cmd models.CustomCommand
	var actionsRaw json.RawMessage
	err := row.Scan(&cmd.ID, &cmd.Name, &cmd.Description, &actionsRaw, &cmd.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(actionsRaw, &cmd.Actions); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// CustomCommandNameExists reports whether a custom command name is taken.
func (d *DB) CustomCommandNameExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM custom_commands WHERE name = $1)", name).Scan(&exists)
	return exists, err
}

// InsertCustomCommand creates a custom command and returns its record key.
func (d *DB) InsertCustomCommand(ctx context.Context, cmd *models.CustomCommand) (int, error) {
	actionsRaw, err := json.Marshal(cmd.Actions)
	if err != nil {
		return 0, err
	}
	var id int
	err = d.pool.QueryRow(ctx,
		"INSERT INTO custom_commands (name, description, actions) VALUES ($1, $2, $3) RETURNING id",
		cmd.Name, cmd.Description, actionsRaw).Scan(&id)
	return id, err
}

// DeleteCustomCommand removes a custom command.
func (d *DB) DeleteCustomCommand(ctx context.Context, id int) error {
	_, err := d.pool.Exec(ctx, "DELETE FROM custom_commands WHERE id = $1", id)
	return err
}
