// Package store keeps an optimistic, subscribable in-memory view of a field's emitters
// and reconciles it with mutation results, change-feed events and reloads.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	opStoreNew    = "store.new"
	opStoreLoad   = "store.load"
	opStoreAdd    = "store.add"
	opStoreUpdate = "store.update"
	opStoreRemove = "store.remove"

	tempIDPrefix = "temp_"
)

var (
	// ErrDisposed is returned by mutating methods after Dispose.
	ErrDisposed = errors.New("store: disposed")

	errMissingAccess   = errors.New("emitter access is required")
	errMissingFieldID  = errors.New("field id is required")
	errUnknownEmitter  = errors.New("emitter is not present in the store")
	errMutationPending = errors.New("another mutation on this emitter is still pending")
)

// EmitterAccess is the data-access surface the store drives.
type EmitterAccess interface {
	ListEmitters(ctx context.Context, fieldID string) ([]fields.Emitter, error)
	InsertEmitter(ctx context.Context, payload fields.EmitterInsert) (fields.Emitter, error)
	UpdateEmitter(ctx context.Context, emitterID string, patch fields.EmitterPatch) (fields.Emitter, error)
	DeleteEmitter(ctx context.Context, emitterID string) error
}

// EmitterStoreConfig wires the store dependencies.
type EmitterStoreConfig struct {
	Access  EmitterAccess
	Logger  *zap.Logger
	Clock   func() time.Time
	TempIDs func() string
}

// State is an immutable snapshot handed to subscribers.
type State struct {
	FieldID  string
	Emitters []fields.Emitter
	Loading  bool
	Err      error
}

// ErrorMessage returns the display text of the error field.
func (s State) ErrorMessage() string {
	return fields.Message(s.Err)
}

type pendingKind int

const (
	pendingAdd pendingKind = iota + 1
	pendingUpdate
	pendingRemove
)

type subscriber struct {
	id uint64
	fn func(State)
}

// EmitterStore is the optimistic emitter cache for one field at a time.
type EmitterStore struct {
	access  EmitterAccess
	logger  *zap.Logger
	clock   func() time.Time
	tempIDs func() string

	mu               sync.Mutex
	fieldID          string
	activeFieldID    string
	generation       uint64
	loadSequence     uint64
	emitters         *fields.EmitterSet
	pending          map[string]pendingKind
	removed          map[string]struct{}
	loading          bool
	err              error
	subscribers      []subscriber
	nextSubscriberID uint64
	disposed         bool
}

// NewTempID returns a provisional emitter id that cannot collide with server-issued ids.
func NewTempID() string {
	return tempIDPrefix + ulid.Make().String()
}

// IsTempID reports whether id was issued by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

func NewEmitterStore(cfg EmitterStoreConfig) (*EmitterStore, error) {
	if cfg.Access == nil {
		return nil, fields.NewError(opStoreNew, "missing_access", fields.ErrBackend, errMissingAccess)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	tempIDs := cfg.TempIDs
	if tempIDs == nil {
		tempIDs = NewTempID
	}
	return &EmitterStore{
		access:   cfg.Access,
		logger:   logger,
		clock:    clock,
		tempIDs:  tempIDs,
		emitters: fields.NewEmitterSet(nil),
		pending:  make(map[string]pendingKind),
		removed:  make(map[string]struct{}),
	}, nil
}

func (s *EmitterStore) stateLocked() State {
	return State{
		FieldID:  s.fieldID,
		Emitters: s.emitters.Values(),
		Loading:  s.loading,
		Err:      s.err,
	}
}

// unlockAndNotify releases the lock and delivers the resulting state to every subscriber.
func (s *EmitterStore) unlockAndNotify() {
	state := s.stateLocked()
	subscribers := make([]subscriber, len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.Unlock()
	for _, sub := range subscribers {
		sub.fn(state)
	}
}

// switchFieldLocked moves the store to another field, dropping the previous field's rows.
func (s *EmitterStore) switchFieldLocked(fieldID string) {
	s.activeFieldID = fieldID
	if s.fieldID == fieldID {
		return
	}
	s.fieldID = fieldID
	s.generation++
	s.emitters = fields.NewEmitterSet(nil)
	s.pending = make(map[string]pendingKind)
	s.removed = make(map[string]struct{})
	s.err = nil
}

// replaceLocked installs authoritative rows while keeping outstanding optimistic records.
func (s *EmitterStore) replaceLocked(rows []fields.Emitter) {
	next := fields.NewEmitterSet(rows)
	for id, kind := range s.pending {
		switch kind {
		case pendingAdd, pendingUpdate:
			if optimistic, ok := s.emitters.Get(id); ok {
				next.Set(optimistic)
			}
		case pendingRemove:
			next.Delete(id)
		}
	}
	s.emitters = next
}

func classify(operation string, err error) error {
	var serviceErr *fields.ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fields.NewError(operation, "canceled", fields.ErrBackend, err)
	}
	return fields.NewError(operation, "backend", fields.ErrBackend, err)
}

// Load fetches every emitter of fieldID. The current map, including another field's map, stays
// untouched until the fetch succeeds, and a load superseded by a later Load or Hydrate is discarded.
// While a load for another field is in flight, feed events are ignored.
func (s *EmitterStore) Load(ctx context.Context, fieldID string) error {
	normalizedID, err := fields.NewFieldID(fieldID)
	if err != nil {
		return s.reject(fields.NewError(opStoreLoad, "invalid_field_id", fields.ErrValidation, err))
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	s.activeFieldID = normalizedID
	s.loadSequence++
	sequence := s.loadSequence
	s.loading = true
	s.unlockAndNotify()

	rows, fetchErr := s.access.ListEmitters(ctx, normalizedID)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	if sequence != s.loadSequence {
		s.mu.Unlock()
		s.logger.Debug("discarding superseded load",
			zap.String("operation", opStoreLoad),
			zap.String("field_id", normalizedID),
		)
		return nil
	}
	s.loading = false
	if fetchErr != nil {
		classified := classify(opStoreLoad, fetchErr)
		s.err = classified
		s.unlockAndNotify()
		s.logger.Warn("emitter load failed",
			zap.String("operation", opStoreLoad),
			zap.String("field_id", normalizedID),
			zap.Error(fetchErr),
		)
		return classified
	}
	s.switchFieldLocked(normalizedID)
	s.replaceLocked(rows)
	s.err = nil
	s.unlockAndNotify()
	return nil
}

// Hydrate installs server-provided rows for fieldID without a fetch.
func (s *EmitterStore) Hydrate(fieldID string, rows []fields.Emitter) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.switchFieldLocked(fieldID)
	s.loadSequence++
	s.loading = false
	s.replaceLocked(rows)
	s.unlockAndNotify()
}

// reject records err in the error field and returns it.
func (s *EmitterStore) reject(err error) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	s.err = err
	s.unlockAndNotify()
	return err
}

// Add inserts a provisional emitter under a temporary id and replaces it with the server row on success.
func (s *EmitterStore) Add(ctx context.Context, payload fields.EmitterInsert) (fields.Emitter, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return fields.Emitter{}, ErrDisposed
	}
	if strings.TrimSpace(payload.FieldID) == "" {
		payload.FieldID = s.activeFieldID
	}
	s.mu.Unlock()

	if payload.FieldID == "" {
		return fields.Emitter{}, s.reject(fields.NewError(opStoreAdd, "missing_field_id", fields.ErrValidation, errMissingFieldID))
	}
	if err := payload.Validate(); err != nil {
		return fields.Emitter{}, s.reject(fields.NewError(opStoreAdd, "invalid_payload", fields.ErrValidation, err))
	}
	color := fields.DefaultEmitterColor
	if payload.Color != "" {
		color, _ = fields.NormalizeHexColor(payload.Color)
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return fields.Emitter{}, ErrDisposed
	}
	tempID := s.tempIDs()
	now := s.clock().UTC()
	generation := s.generation
	if payload.FieldID == s.fieldID && s.fieldID == s.activeFieldID {
		s.emitters.Set(fields.Emitter{
			ID:        tempID,
			FieldID:   payload.FieldID,
			X:         payload.X,
			Y:         payload.Y,
			Color:     color,
			CreatedAt: now,
			UpdatedAt: now,
		})
		s.pending[tempID] = pendingAdd
	}
	s.unlockAndNotify()

	created, insertErr := s.access.InsertEmitter(ctx, payload)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return created, insertErr
	}
	current := generation == s.generation
	if current {
		delete(s.pending, tempID)
	}
	if insertErr != nil {
		classified := classify(opStoreAdd, insertErr)
		if current {
			s.emitters.Delete(tempID)
		}
		s.err = classified
		s.unlockAndNotify()
		s.logMutationFailure(opStoreAdd, tempID, insertErr)
		return fields.Emitter{}, classified
	}
	if current && created.FieldID == s.fieldID {
		if !s.emitters.Rekey(tempID, created) && !s.emitters.Has(created.ID) {
			s.emitters.Set(created)
		}
	}
	s.unlockAndNotify()
	return created, nil
}

// Update applies patch optimistically and restores the exact prior record if the backend rejects it.
func (s *EmitterStore) Update(ctx context.Context, emitterID string, patch fields.EmitterPatch) (fields.Emitter, error) {
	if patch.Color != nil {
		color, err := fields.NormalizeHexColor(*patch.Color)
		if err != nil {
			return fields.Emitter{}, s.reject(fields.NewError(opStoreUpdate, "invalid_color", fields.ErrValidation, err))
		}
		patch.Color = &color
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return fields.Emitter{}, ErrDisposed
	}
	if _, busy := s.pending[emitterID]; busy {
		s.err = fields.NewError(opStoreUpdate, "already_pending", fields.ErrAlreadyPending, errMutationPending)
		err := s.err
		s.unlockAndNotify()
		return fields.Emitter{}, err
	}
	snapshot, ok := s.emitters.Get(emitterID)
	if !ok {
		s.err = fields.NewError(opStoreUpdate, "not_found", fields.ErrNotFound, errUnknownEmitter)
		err := s.err
		s.unlockAndNotify()
		return fields.Emitter{}, err
	}
	index := s.emitters.Index(emitterID)
	generation := s.generation
	s.emitters.Set(patch.Apply(snapshot))
	s.pending[emitterID] = pendingUpdate
	s.unlockAndNotify()

	updated, updateErr := s.access.UpdateEmitter(ctx, emitterID, patch)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return updated, updateErr
	}
	current := generation == s.generation
	if current {
		delete(s.pending, emitterID)
	}
	if updateErr != nil {
		classified := classify(opStoreUpdate, updateErr)
		if current {
			if s.emitters.Has(emitterID) {
				s.emitters.Set(snapshot)
			} else {
				s.emitters.InsertAt(index, snapshot)
			}
		}
		s.err = classified
		s.unlockAndNotify()
		s.logMutationFailure(opStoreUpdate, emitterID, updateErr)
		return fields.Emitter{}, classified
	}
	if current {
		s.emitters.Set(updated)
	}
	s.unlockAndNotify()
	return updated, nil
}

// Remove deletes optimistically and reinserts the record at its former position on failure.
func (s *EmitterStore) Remove(ctx context.Context, emitterID string) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if _, busy := s.pending[emitterID]; busy {
		s.err = fields.NewError(opStoreRemove, "already_pending", fields.ErrAlreadyPending, errMutationPending)
		err := s.err
		s.unlockAndNotify()
		return err
	}
	index, snapshot, ok := s.emitters.Delete(emitterID)
	if !ok {
		s.err = fields.NewError(opStoreRemove, "not_found", fields.ErrNotFound, errUnknownEmitter)
		err := s.err
		s.unlockAndNotify()
		return err
	}
	generation := s.generation
	s.pending[emitterID] = pendingRemove
	s.unlockAndNotify()

	deleteErr := s.access.DeleteEmitter(ctx, emitterID)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return deleteErr
	}
	current := generation == s.generation
	if current {
		delete(s.pending, emitterID)
	}
	if deleteErr != nil {
		classified := classify(opStoreRemove, deleteErr)
		if current && !s.emitters.Has(emitterID) {
			s.emitters.InsertAt(index, snapshot)
		}
		s.err = classified
		s.unlockAndNotify()
		s.logMutationFailure(opStoreRemove, emitterID, deleteErr)
		return classified
	}
	if current {
		s.removed[emitterID] = struct{}{}
	}
	s.unlockAndNotify()
	return nil
}

func (s *EmitterStore) logMutationFailure(operation, emitterID string, err error) {
	s.logger.Warn("optimistic mutation rolled back",
		zap.String("operation", operation),
		zap.String("reason", fields.KindOf(err).Error()),
		zap.String("emitter_id", emitterID),
		zap.Error(err),
	)
}

// ApplyRemoteChange merges a change-feed event. Events for another field, for other tables
// or for ids with an outstanding local mutation are ignored. Late inserts or updates for a
// deleted id and rows older than the stored one are ignored too. Reports whether the map changed.
func (s *EmitterStore) ApplyRemoteChange(event fields.ChangeEvent) bool {
	s.mu.Lock()
	if s.disposed || event.Table != fields.TableEmitters || event.FieldID == "" || event.FieldID != s.fieldID || s.fieldID != s.activeFieldID {
		s.mu.Unlock()
		return false
	}
	if _, busy := s.pending[event.ID]; busy {
		s.mu.Unlock()
		return false
	}

	changed := false
	switch event.Kind {
	case fields.ChangeInsert, fields.ChangeUpdate:
		if event.NewEmitter == nil || event.NewEmitter.ID != event.ID {
			break
		}
		if _, gone := s.removed[event.ID]; gone {
			break
		}
		if existing, ok := s.emitters.Get(event.ID); ok && existing.UpdatedAt.After(event.NewEmitter.UpdatedAt) {
			break
		}
		s.emitters.Set(*event.NewEmitter)
		changed = true
	case fields.ChangeDelete:
		s.removed[event.ID] = struct{}{}
		_, _, changed = s.emitters.Delete(event.ID)
	}
	if !changed {
		s.mu.Unlock()
		return false
	}
	s.unlockAndNotify()
	return true
}

// GetAll returns the emitters in draw order.
func (s *EmitterStore) GetAll() []fields.Emitter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitters.Values()
}

func (s *EmitterStore) Get(emitterID string) (fields.Emitter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitters.Get(emitterID)
}

// IsPending reports whether id has an outstanding local mutation.
func (s *EmitterStore) IsPending(emitterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[emitterID]
	return ok
}

func (s *EmitterStore) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Subscribe registers fn for every state transition. The returned function unregisters it.
func (s *EmitterStore) Subscribe(fn func(State)) func() {
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

func (s *EmitterStore) ClearError() {
	s.mu.Lock()
	if s.disposed || s.err == nil {
		s.mu.Unlock()
		return
	}
	s.err = nil
	s.unlockAndNotify()
}

// Dispose detaches every subscriber and clears the store. Backend calls still in flight resolve
// into nothing. Calling it again is a no-op.
func (s *EmitterStore) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	s.generation++
	s.subscribers = nil
	s.fieldID = ""
	s.activeFieldID = ""
	s.emitters = fields.NewEmitterSet(nil)
	s.pending = make(map[string]pendingKind)
	s.removed = make(map[string]struct{})
	s.loading = false
	s.err = nil
}
