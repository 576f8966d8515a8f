package fields

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

func (s *Service) loadEmitter(ctx context.Context, emitterID string) (Emitter, bool, error) {
	var emitter Emitter
	err := s.db.WithContext(ctx).Where("id = ?", emitterID).Take(&emitter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Emitter{}, false, nil
	}
	if err != nil {
		return Emitter{}, false, err
	}
	return emitter, true, nil
}

func coordinatesError(field Field, x, y int) error {
	return fmt.Errorf("%w: (%d,%d) outside %dx%d", ErrInvalidCoordinates, x, y, field.Width, field.Height)
}

// ListEmitters returns the emitters of a visible field in creation order.
func (s *Service) ListEmitters(ctx context.Context, actor UserID, fieldID string) ([]Emitter, error) {
	ctx, span := s.startSpan(ctx, opListEmitters, actor)
	defer span.End()

	normalizedID, err := NewFieldID(fieldID)
	if err != nil {
		return nil, s.fail(span, opListEmitters, "invalid_field_id", ErrValidation, err)
	}
	access, err := s.lookupAccess(ctx, actor, normalizedID)
	if err != nil {
		return nil, s.fail(span, opListEmitters, "lookup", ErrBackend, err)
	}
	if !access.canView() {
		return nil, s.fail(span, opListEmitters, "not_found", ErrNotFound, errNotVisible)
	}

	var rows []Emitter
	err = s.db.WithContext(ctx).
		Where("field_id = ?", normalizedID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, s.fail(span, opListEmitters, "query", ErrBackend, err)
	}
	return rows, nil
}

// InsertEmitter places a new emitter on a field the actor can edit.
func (s *Service) InsertEmitter(ctx context.Context, actor UserID, payload EmitterInsert) (Emitter, error) {
	ctx, span := s.startSpan(ctx, opInsertEmitter, actor)
	defer span.End()

	if actor.Anonymous() {
		return Emitter{}, s.fail(span, opInsertEmitter, "unauthorized", ErrUnauthorized, errMissingSession)
	}
	if err := payload.Validate(); err != nil {
		return Emitter{}, s.fail(span, opInsertEmitter, "invalid_payload", ErrValidation, err)
	}
	access, err := s.lookupAccess(ctx, actor, payload.FieldID)
	if err != nil {
		return Emitter{}, s.fail(span, opInsertEmitter, "lookup", ErrBackend, err)
	}
	if !access.Exists {
		return Emitter{}, s.fail(span, opInsertEmitter, "field_not_found", ErrNotFound, errNotVisible)
	}
	if !access.canEdit() {
		return Emitter{}, s.fail(span, opInsertEmitter, "forbidden", ErrUnauthorized, errWriteDenied)
	}
	if !access.Field.Contains(payload.X, payload.Y) {
		return Emitter{}, s.fail(span, opInsertEmitter, "invalid_coordinates", ErrValidation, coordinatesError(access.Field, payload.X, payload.Y))
	}

	color := DefaultEmitterColor
	if payload.Color != "" {
		color, _ = NormalizeHexColor(payload.Color)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Emitter{}, s.fail(span, opInsertEmitter, "generate_id", ErrBackend, err)
	}
	now := s.now()
	emitter := Emitter{
		ID:        id,
		FieldID:   payload.FieldID,
		X:         payload.X,
		Y:         payload.Y,
		Color:     color,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&emitter).Error; err != nil {
		return Emitter{}, s.fail(span, opInsertEmitter, "insert", ErrBackend, err)
	}

	created := emitter
	s.publish(ctx, ChangeEvent{Kind: ChangeInsert, Table: TableEmitters, FieldID: emitter.FieldID, ID: emitter.ID, NewEmitter: &created, OccurredAt: now})
	return emitter, nil
}

// UpdateEmitter merges patch into an emitter and returns the authoritative row.
func (s *Service) UpdateEmitter(ctx context.Context, actor UserID, emitterID string, patch EmitterPatch) (Emitter, error) {
	ctx, span := s.startSpan(ctx, opUpdateEmitter, actor)
	defer span.End()

	if actor.Anonymous() {
		return Emitter{}, s.fail(span, opUpdateEmitter, "unauthorized", ErrUnauthorized, errMissingSession)
	}
	previous, found, err := s.loadEmitter(ctx, emitterID)
	if err != nil {
		return Emitter{}, s.fail(span, opUpdateEmitter, "lookup", ErrBackend, err)
	}
	if !found {
		return Emitter{}, s.fail(span, opUpdateEmitter, "not_found", ErrNotFound, errNotVisible)
	}
	access, err := s.lookupAccess(ctx, actor, previous.FieldID)
	if err != nil {
		return Emitter{}, s.fail(span, opUpdateEmitter, "lookup", ErrBackend, err)
	}
	if !access.canView() {
		return Emitter{}, s.fail(span, opUpdateEmitter, "not_found", ErrNotFound, errNotVisible)
	}
	if !access.canEdit() {
		return Emitter{}, s.fail(span, opUpdateEmitter, "forbidden", ErrUnauthorized, errWriteDenied)
	}

	if patch.Color != nil {
		color, err := NormalizeHexColor(*patch.Color)
		if err != nil {
			return Emitter{}, s.fail(span, opUpdateEmitter, "invalid_color", ErrValidation, err)
		}
		patch.Color = &color
	}
	updated := patch.Apply(previous)
	if !access.Field.Contains(updated.X, updated.Y) {
		return Emitter{}, s.fail(span, opUpdateEmitter, "invalid_coordinates", ErrValidation, coordinatesError(access.Field, updated.X, updated.Y))
	}
	updated.UpdatedAt = s.now()

	result := s.db.WithContext(ctx).Model(&Emitter{}).Where("id = ?", previous.ID).Updates(map[string]any{
		"x":          updated.X,
		"y":          updated.Y,
		"color":      updated.Color,
		"updated_at": updated.UpdatedAt,
	})
	if result.Error != nil {
		return Emitter{}, s.fail(span, opUpdateEmitter, "update", ErrBackend, result.Error)
	}
	if result.RowsAffected == 0 {
		return Emitter{}, s.fail(span, opUpdateEmitter, "not_found", ErrNotFound, errNotVisible)
	}

	before, after := previous, updated
	s.publish(ctx, ChangeEvent{Kind: ChangeUpdate, Table: TableEmitters, FieldID: updated.FieldID, ID: updated.ID, NewEmitter: &after, OldEmitter: &before, OccurredAt: updated.UpdatedAt})
	return updated, nil
}

// DeleteEmitter removes an emitter from a field the actor can edit.
func (s *Service) DeleteEmitter(ctx context.Context, actor UserID, emitterID string) error {
	ctx, span := s.startSpan(ctx, opDeleteEmitter, actor)
	defer span.End()

	if actor.Anonymous() {
		return s.fail(span, opDeleteEmitter, "unauthorized", ErrUnauthorized, errMissingSession)
	}
	previous, found, err := s.loadEmitter(ctx, emitterID)
	if err != nil {
		return s.fail(span, opDeleteEmitter, "lookup", ErrBackend, err)
	}
	if !found {
		return s.fail(span, opDeleteEmitter, "not_found", ErrNotFound, errNotVisible)
	}
	access, err := s.lookupAccess(ctx, actor, previous.FieldID)
	if err != nil {
		return s.fail(span, opDeleteEmitter, "lookup", ErrBackend, err)
	}
	if !access.canView() {
		return s.fail(span, opDeleteEmitter, "not_found", ErrNotFound, errNotVisible)
	}
	if !access.canEdit() {
		return s.fail(span, opDeleteEmitter, "forbidden", ErrUnauthorized, errWriteDenied)
	}

	result := s.db.WithContext(ctx).Where("id = ?", previous.ID).Delete(&Emitter{})
	if result.Error != nil {
		return s.fail(span, opDeleteEmitter, "delete", ErrBackend, result.Error)
	}
	if result.RowsAffected == 0 {
		return s.fail(span, opDeleteEmitter, "not_found", ErrNotFound, errNotVisible)
	}

	removed := previous
	s.publish(ctx, ChangeEvent{Kind: ChangeDelete, Table: TableEmitters, FieldID: previous.FieldID, ID: previous.ID, OldEmitter: &removed})
	return nil
}
