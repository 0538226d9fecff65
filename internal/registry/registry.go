// Package registry manages named, reusable action sequences ("custom
// commands") and their free-text matching used by the assistant and the
// automation engine.
package registry

import (
	"context"
	"errors"
	"strings"

	"homehub/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateName is a user-correctable validation error, not fatal.
	ErrDuplicateName = errors.New("custom command name already exists")
	// ErrNoActions rejects commands with an empty action sequence.
	ErrNoActions = errors.New("custom command needs at least one action")
)

// store is the slice of the persistence layer the registry needs.
type store interface {
	ListCustomCommands(ctx context.Context) ([]models.CustomCommand, error)
	GetCustomCommandByName(ctx context.Context, name string) (*models.CustomCommand, error)
	CustomCommandNameExists(ctx context.Context, name string) (bool, error)
	InsertCustomCommand(ctx context.Context, cmd *models.CustomCommand) (int, error)
	DeleteCustomCommand(ctx context.Context, id int) error
}

// Registry exposes custom command CRUD and name matching.
type Registry struct {
	store store
}

// New creates a registry over the given store.
func New(s store) *Registry {
	return &Registry{store: s}
}

// Create stores a new command. Name uniqueness is checked first, but the
// check-then-insert is advisory: a concurrent insert can still collide, and
// the store's unique constraint is mapped back to ErrDuplicateName.
func (r *Registry) Create(ctx context.Context, cmd *models.CustomCommand) error {
	cmd.Name = strings.TrimSpace(cmd.Name)
	if cmd.Name == "" {
		return errors.New("custom command name is required")
	}
	if len(cmd.Actions) == 0 {
		return ErrNoActions
	}

	exists, err := r.store.CustomCommandNameExists(ctx, cmd.Name)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateName
	}

	id, err := r.store.InsertCustomCommand(ctx, cmd)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateName
		}
		return err
	}
	cmd.ID = id
	return nil
}

// List returns all commands, newest first.
func (r *Registry) List(ctx context.Context) ([]models.CustomCommand, error) {
	return r.store.ListCustomCommands(ctx)
}

// Delete removes a command by record key.
func (r *Registry) Delete(ctx context.Context, id int) error {
	return r.store.DeleteCustomCommand(ctx, id)
}

// GetByName fetches a command by exact name.
func (r *Registry) GetByName(ctx context.Context, name string) (*models.CustomCommand, error) {
	return r.store.GetCustomCommandByName(ctx, name)
}

// Match performs a case-insensitive substring match between free text and
// registered command names; first match wins. Returns (nil, false, nil)
// when nothing matches, leaving the caller free to fall through to an
// external interpreter.
func (r *Registry) Match(ctx context.Context, freeText string) (*models.CustomCommand, bool, error) {
	commands, err := r.store.ListCustomCommands(ctx)
	if err != nil {
		return nil, false, err
	}
	needle := strings.ToLower(freeText)
	for i := range commands {
		if strings.Contains(needle, strings.ToLower(commands[i].Name)) {
			return &commands[i], true, nil
		}
	}
	return nil, false, nil
}
