// Package roles resolves and tracks the acting user's role on the current field.
package roles

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opRolesNew = "roles.new"
	opLoadRole = "roles.load_role"
	opResolve  = "roles.resolve"
)

var (
	// ErrDisposed is returned by LoadRole after Dispose.
	ErrDisposed = errors.New("roles: disposed")

	errMissingAuthorizer = errors.New("authorizer is required")
)

// Authorizer answers the four per-field authorization checks for the acting user.
type Authorizer interface {
	IsOwner(ctx context.Context, fieldID string) (bool, error)
	HasEditorAccess(ctx context.Context, fieldID string) (bool, error)
	HasViewAccess(ctx context.Context, fieldID string) (bool, error)
	IsPublic(ctx context.Context, fieldID string) (bool, error)
}

// Resolve issues the four checks concurrently and applies role precedence.
func Resolve(ctx context.Context, authorizer Authorizer, fieldID string) (fields.Role, error) {
	var checks fields.AccessChecks
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		value, err := authorizer.IsOwner(groupCtx, fieldID)
		checks.IsOwner = value
		return err
	})
	group.Go(func() error {
		value, err := authorizer.HasEditorAccess(groupCtx, fieldID)
		checks.HasEditor = value
		return err
	})
	group.Go(func() error {
		value, err := authorizer.HasViewAccess(groupCtx, fieldID)
		checks.HasView = value
		return err
	})
	group.Go(func() error {
		value, err := authorizer.IsPublic(groupCtx, fieldID)
		checks.IsPublic = value
		return err
	})
	if err := group.Wait(); err != nil {
		var serviceErr *fields.ServiceError
		if errors.As(err, &serviceErr) {
			return fields.RoleUnknown, err
		}
		return fields.RoleUnknown, fields.NewError(opResolve, "check_failed", fields.ErrBackend, err)
	}
	return checks.Role(), nil
}

// State is the snapshot handed to subscribers.
type State struct {
	FieldID string
	Role    fields.Role
	Loading bool
	Err     error
}

// Permissions derives the capabilities of the snapshot's role.
func (s State) Permissions() fields.Permissions {
	return fields.PermissionsFor(s.Role)
}

// Config wires the store dependencies.
type Config struct {
	Authorizer Authorizer
	Logger     *zap.Logger
}

type subscriber struct {
	id uint64
	fn func(State)
}

// Store holds one field/role pair at a time.
type Store struct {
	authorizer Authorizer
	logger     *zap.Logger

	mu               sync.Mutex
	state            State
	sequence         uint64
	subscribers      []subscriber
	nextSubscriberID uint64
	disposed         bool
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.Authorizer == nil {
		return nil, fields.NewError(opRolesNew, "missing_authorizer", fields.ErrBackend, errMissingAuthorizer)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		authorizer: cfg.Authorizer,
		logger:     logger,
		state:      State{Role: fields.RoleUnknown},
	}, nil
}

func (s *Store) unlockAndNotify() {
	state := s.state
	subscribers := make([]subscriber, len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.Unlock()
	for _, sub := range subscribers {
		sub.fn(state)
	}
}

// LoadRole resolves the role on fieldID. Switching fields resets the role to unknown first.
// A result for a superseded load is discarded.
func (s *Store) LoadRole(ctx context.Context, fieldID string) (fields.Role, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return fields.RoleUnknown, ErrDisposed
	}
	s.sequence++
	sequence := s.sequence
	if s.state.FieldID != fieldID {
		s.state.Role = fields.RoleUnknown
	}
	s.state.FieldID = fieldID
	s.state.Loading = true
	s.state.Err = nil
	s.unlockAndNotify()

	role, err := Resolve(ctx, s.authorizer, fieldID)

	s.mu.Lock()
	if s.disposed || sequence != s.sequence {
		s.mu.Unlock()
		return role, err
	}
	s.state.Loading = false
	if err != nil {
		s.state.Role = fields.RoleUnknown
		s.state.Err = err
		s.unlockAndNotify()
		s.logger.Warn("role load failed",
			zap.String("operation", opLoadRole),
			zap.String("field_id", fieldID),
			zap.Error(err),
		)
		return fields.RoleUnknown, err
	}
	s.state.Role = role
	s.unlockAndNotify()
	return role, nil
}

// HandleCollaboratorChange re-resolves the role when fieldID is the current field.
func (s *Store) HandleCollaboratorChange(ctx context.Context, fieldID string) error {
	s.mu.Lock()
	current := s.state.FieldID
	disposed := s.disposed
	s.mu.Unlock()
	if disposed || current == "" || current != fieldID {
		return nil
	}
	_, err := s.LoadRole(ctx, fieldID)
	return err
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) Role() fields.Role {
	return s.State().Role
}

// Permissions is a pure function of the current role.
func (s *Store) Permissions() fields.Permissions {
	return fields.PermissionsFor(s.Role())
}

// Subscribe registers fn for every state transition. The returned function unregisters it.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || fn == nil {
		return func() {}
	}
	s.nextSubscriberID++
	id := s.nextSubscriberID
	s.subscribers = append(s.subscribers, subscriber{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for index, sub := range s.subscribers {
			if sub.id == id {
				s.subscribers = append(s.subscribers[:index], s.subscribers[index+1:]...)
				return
			}
		}
	}
}

func (s *Store) ClearError() {
	s.mu.Lock()
	if s.disposed || s.state.Err == nil {
		s.mu.Unlock()
		return
	}
	s.state.Err = nil
	s.unlockAndNotify()
}

// Reset forgets the current field and supersedes any in-flight load.
func (s *Store) Reset() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.sequence++
	s.state = State{Role: fields.RoleUnknown}
	s.unlockAndNotify()
}

func (s *Store) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.sequence++
	s.subscribers = nil
	s.state = State{Role: fields.RoleUnknown}
}
