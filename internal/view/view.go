// Package view binds a field's emitter store, role store, renderer and change feed
// into one editing session and gates gestures on the resolved permissions.
package view

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/render"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/roles"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/store"
	"go.uber.org/zap"
)

const (
	opViewNew    = "view.new"
	opViewOpen   = "view.open"
	opViewPlace  = "view.place"
	opViewMove   = "view.move"
	opViewColor  = "view.recolor"
	opViewErase  = "view.erase"
	opViewRemove = "view.remove"
)

var (
	errMissingDependency = errors.New("emitter store, role store, renderer and field source are required")
	errNotOpen           = errors.New("no field is open")
	errNoEmitterAtCell   = errors.New("no emitter at the requested cell")
	errOutsideField      = errors.New("coordinates fall outside the field")
)

// FieldSource loads field metadata.
type FieldSource interface {
	GetField(ctx context.Context, fieldID string) (fields.Field, error)
}

// Feed delivers change events for one field to handler until the returned stop function runs.
type Feed interface {
	Listen(ctx context.Context, fieldID string, handler func(fields.ChangeEvent)) func()
}

// Config wires the session collaborators. Feed is optional.
type Config struct {
	Emitters *store.EmitterStore
	Roles    *roles.Store
	Renderer *render.Renderer
	Fields   FieldSource
	Feed     Feed
	Logger   *zap.Logger
}

// Session is one open field view.
type Session struct {
	emitters *store.EmitterStore
	roles    *roles.Store
	renderer *render.Renderer
	fields   FieldSource
	feed     Feed
	logger   *zap.Logger

	mu          sync.Mutex
	field       fields.Field
	open        bool
	unsubscribe func()
	stopFeed    func()
	listenCtx   context.Context
	cancel      context.CancelFunc
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Emitters == nil || cfg.Roles == nil || cfg.Renderer == nil || cfg.Fields == nil {
		return nil, fields.NewError(opViewNew, "missing_dependency", fields.ErrBackend, errMissingDependency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		emitters: cfg.Emitters,
		roles:    cfg.Roles,
		renderer: cfg.Renderer,
		fields:   cfg.Fields,
		feed:     cfg.Feed,
		logger:   logger,
	}, nil
}

// Open loads the field, its role and its emitters, then starts following the change feed.
// A role or emitter load failure is returned after the session is wired, so the view stays usable.
func (s *Session) Open(ctx context.Context, fieldID string) error {
	field, err := s.fields.GetField(ctx, fieldID)
	if err != nil {
		s.logger.Warn("open field failed", zap.String("operation", opViewOpen), zap.String("field_id", fieldID), zap.Error(err))
		return err
	}

	s.Close()

	s.mu.Lock()
	s.field = field
	s.open = true
	s.listenCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	listenCtx := s.listenCtx
	s.mu.Unlock()

	s.renderer.SetField(field)
	unsubscribe := s.emitters.Subscribe(func(state store.State) {
		if state.FieldID == field.ID {
			s.renderer.SetEmitters(state.Emitters)
		}
	})

	var stopFeed func()
	if s.feed != nil {
		stopFeed = s.feed.Listen(listenCtx, field.ID, func(event fields.ChangeEvent) {
			s.route(listenCtx, event)
		})
	}

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.stopFeed = stopFeed
	s.mu.Unlock()

	_, roleErr := s.roles.LoadRole(ctx, field.ID)
	loadErr := s.emitters.Load(ctx, field.ID)
	return errors.Join(roleErr, loadErr)
}

// route dispatches one feed event to the store, the role store or the renderer.
func (s *Session) route(ctx context.Context, event fields.ChangeEvent) {
	switch event.Table {
	case fields.TableEmitters:
		s.emitters.ApplyRemoteChange(event)
	case fields.TableCollaborators:
		if err := s.roles.HandleCollaboratorChange(ctx, event.FieldID); err != nil {
			s.logger.Warn("role refresh failed", zap.String("field_id", event.FieldID), zap.Error(err))
		}
	case fields.TableFields:
		if event.Kind == fields.ChangeUpdate && event.NewField != nil {
			s.mu.Lock()
			current := s.open && s.field.ID == event.NewField.ID
			if current {
				s.field = *event.NewField
			}
			s.mu.Unlock()
			if current {
				s.renderer.SetField(*event.NewField)
				s.renderer.SetEmitters(s.emitters.GetAll())
			}
		}
	}
}

// Field returns the open field.
func (s *Session) Field() (fields.Field, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.field, s.open
}

// Permissions reports what the acting user may do on the open field.
func (s *Session) Permissions() fields.Permissions {
	return s.roles.Permissions()
}

func (s *Session) requireOpen(operation string) (fields.Field, error) {
	field, open := s.Field()
	if !open {
		return fields.Field{}, fields.NewError(operation, "not_open", fields.ErrValidation, errNotOpen)
	}
	return field, nil
}

func (s *Session) deny(operation string) error {
	return fields.NewError(operation, "forbidden", fields.ErrUnauthorized, errors.New("role "+string(s.roles.Role())+" cannot perform this action"))
}

// Place adds an emitter at grid coordinate (x, y).
func (s *Session) Place(ctx context.Context, x, y int, color string) (fields.Emitter, error) {
	field, err := s.requireOpen(opViewPlace)
	if err != nil {
		return fields.Emitter{}, err
	}
	if !s.Permissions().CanAddEmitters {
		return fields.Emitter{}, s.deny(opViewPlace)
	}
	if !field.Contains(x, y) {
		return fields.Emitter{}, fields.NewError(opViewPlace, "invalid_coordinates", fields.ErrValidation, errOutsideField)
	}
	return s.emitters.Add(ctx, fields.EmitterInsert{FieldID: field.ID, X: x, Y: y, Color: color})
}

// PlaceAtScreen adds an emitter under a display surface coordinate.
func (s *Session) PlaceAtScreen(ctx context.Context, screenX, screenY float64, color string) (fields.Emitter, error) {
	x, y, inside := s.renderer.ScreenToGrid(screenX, screenY)
	if !inside {
		return fields.Emitter{}, fields.NewError(opViewPlace, "invalid_coordinates", fields.ErrValidation, errOutsideField)
	}
	return s.Place(ctx, x, y, color)
}

// Move relocates an emitter.
func (s *Session) Move(ctx context.Context, emitterID string, x, y int) (fields.Emitter, error) {
	field, err := s.requireOpen(opViewMove)
	if err != nil {
		return fields.Emitter{}, err
	}
	if !s.Permissions().CanEditEmitters {
		return fields.Emitter{}, s.deny(opViewMove)
	}
	if !field.Contains(x, y) {
		return fields.Emitter{}, fields.NewError(opViewMove, "invalid_coordinates", fields.ErrValidation, errOutsideField)
	}
	return s.emitters.Update(ctx, emitterID, fields.EmitterPatch{X: &x, Y: &y})
}

// Recolor changes an emitter's color.
func (s *Session) Recolor(ctx context.Context, emitterID, color string) (fields.Emitter, error) {
	if _, err := s.requireOpen(opViewColor); err != nil {
		return fields.Emitter{}, err
	}
	if !s.Permissions().CanEditEmitters {
		return fields.Emitter{}, s.deny(opViewColor)
	}
	return s.emitters.Update(ctx, emitterID, fields.EmitterPatch{Color: &color})
}

// Remove deletes an emitter by id.
func (s *Session) Remove(ctx context.Context, emitterID string) error {
	if _, err := s.requireOpen(opViewRemove); err != nil {
		return err
	}
	if !s.Permissions().CanRemoveEmitters {
		return s.deny(opViewRemove)
	}
	return s.emitters.Remove(ctx, emitterID)
}

// Erase removes the topmost emitter at grid coordinate (x, y).
func (s *Session) Erase(ctx context.Context, x, y int) error {
	if _, err := s.requireOpen(opViewErase); err != nil {
		return err
	}
	if !s.Permissions().CanRemoveEmitters {
		return s.deny(opViewErase)
	}
	hit, ok := s.renderer.HitTest(x, y)
	if !ok {
		return fields.NewError(opViewErase, "empty_cell", fields.ErrNotFound, errNoEmitterAtCell)
	}
	return s.emitters.Remove(ctx, hit.ID)
}

// Close stops following the feed and detaches the renderer from the store.
func (s *Session) Close() {
	s.mu.Lock()
	unsubscribe, stopFeed, cancel := s.unsubscribe, s.stopFeed, s.cancel
	s.unsubscribe, s.stopFeed, s.cancel = nil, nil, nil
	s.open = false
	s.mu.Unlock()

	if stopFeed != nil {
		stopFeed()
	}
	if cancel != nil {
		cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
}
