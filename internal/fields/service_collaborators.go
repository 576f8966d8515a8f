package fields

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var errAlreadyCollaborator = errors.New("user already collaborates on this field")

// ListCollaborators returns the collaborator rows of a visible field.
func (s *Service) ListCollaborators(ctx context.Context, actor UserID, fieldID string) ([]FieldCollaborator, error) {
	ctx, span := s.startSpan(ctx, opListCollaborators, actor)
	defer span.End()

	access, err := s.lookupAccess(ctx, actor, fieldID)
	if err != nil {
		return nil, s.fail(span, opListCollaborators, "lookup", ErrBackend, err)
	}
	if !access.canView() {
		return nil, s.fail(span, opListCollaborators, "not_found", ErrNotFound, errNotVisible)
	}

	var rows []FieldCollaborator
	err = s.db.WithContext(ctx).
		Where("field_id = ?", fieldID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, s.fail(span, opListCollaborators, "query", ErrBackend, err)
	}
	return rows, nil
}

// InsertCollaborator shares a field with another user. Owner only.
func (s *Service) InsertCollaborator(ctx context.Context, actor UserID, payload CollaboratorInsert) (FieldCollaborator, error) {
	ctx, span := s.startSpan(ctx, opInsertCollaborator, actor)
	defer span.End()

	if actor.Anonymous() {
		return FieldCollaborator{}, s.fail(span, opInsertCollaborator, "unauthorized", ErrUnauthorized, errMissingSession)
	}
	fieldID, err := NewFieldID(payload.FieldID)
	if err != nil {
		return FieldCollaborator{}, s.fail(span, opInsertCollaborator, "invalid_field_id", ErrValidation, err)
	}
	userID, err := NewUserID(payload.UserID)
	if err != nil {
		return FieldCollaborator{}, s.fail(span, opInsertCollaborator, "invalid_user_id", ErrValidation, err)
	}
	role, err := NewCollaboratorRole(string(payload.Role))
	if err != nil {
		return FieldCollaborator{}, s.fail(span, opInsertCollaborator, "invalid_role", ErrValidation, err)
	}

	access, err := s.lookupAccess(ctx, actor, fieldID)
	if err != nil {
		return FieldCollaborator{}, s.fail(span, opInsertCollaborator, "lookup", ErrBackend, err)
	}
	if !access.Exists {
		return FieldCollaborator{}, s.fail(span, opInsertCollaborator, "field_not_found", ErrNotFound, errNotVisible)
	}
	if !access.Checks.IsOwner {
		return FieldCollaborator{}, s.fail(span, opInsertCollaborator, "forbidden", ErrUnauthorized, errWriteDenied)
	}
	if userID.String() == access.Field.OwnerID {
		return FieldCollaborator{}, s.fail(span, opInsertCollaborator, "owner_collaborator", ErrValidation, fmt.Errorf("%w: the owner cannot be a collaborator", ErrInvalidUserID))
	}

	var existing int64
	err = s.db.WithContext(ctx).Model(&FieldCollaborator{}).
		Where("field_id = ? AND user_id = ?", fieldID, userID.String()).
		Count(&existing).Error
	if err != nil {
		return FieldCollaborator{}, s.fail(span, opInsertCollaborator, "lookup", ErrBackend, err)
	}
	if existing > 0 {
		return FieldCollaborator{}, s.fail(span, opInsertCollaborator, "duplicate", ErrValidation, errAlreadyCollaborator)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return FieldCollaborator{}, s.fail(span, opInsertCollaborator, "generate_id", ErrBackend, err)
	}
	now := s.now()
	collaborator := FieldCollaborator{
		ID:        id,
		FieldID:   fieldID,
		UserID:    userID.String(),
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&collaborator).Error; err != nil {
		return FieldCollaborator{}, s.fail(span, opInsertCollaborator, "insert", ErrBackend, err)
	}
	s.access.flush()

	created := collaborator
	s.publish(ctx, ChangeEvent{Kind: ChangeInsert, Table: TableCollaborators, FieldID: fieldID, ID: id, NewCollaborator: &created, OccurredAt: now})
	return collaborator, nil
}

func (s *Service) loadCollaborator(ctx context.Context, collaboratorID string) (FieldCollaborator, bool, error) {
	var collaborator FieldCollaborator
	err := s.db.WithContext(ctx).Where("id = ?", collaboratorID).Take(&collaborator).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FieldCollaborator{}, false, nil
	}
	if err != nil {
		return FieldCollaborator{}, false, err
	}
	return collaborator, true, nil
}

// UpdateCollaborator changes a collaborator's role. Owner only.
func (s *Service) UpdateCollaborator(ctx context.Context, actor UserID, collaboratorID string, patch CollaboratorPatch) (FieldCollaborator, error) {
	ctx, span := s.startSpan(ctx, opUpdateCollaborator, actor)
	defer span.End()

	if actor.Anonymous() {
		return FieldCollaborator{}, s.fail(span, opUpdateCollaborator, "unauthorized", ErrUnauthorized, errMissingSession)
	}
	previous, found, err := s.loadCollaborator(ctx, collaboratorID)
	if err != nil {
		return FieldCollaborator{}, s.fail(span, opUpdateCollaborator, "lookup", ErrBackend, err)
	}
	if !found {
		return FieldCollaborator{}, s.fail(span, opUpdateCollaborator, "not_found", ErrNotFound, errNotVisible)
	}
	access, err := s.lookupAccess(ctx, actor, previous.FieldID)
	if err != nil {
		return FieldCollaborator{}, s.fail(span, opUpdateCollaborator, "lookup", ErrBackend, err)
	}
	if !access.canView() {
		return FieldCollaborator{}, s.fail(span, opUpdateCollaborator, "not_found", ErrNotFound, errNotVisible)
	}
	if !access.Checks.IsOwner {
		return FieldCollaborator{}, s.fail(span, opUpdateCollaborator, "forbidden", ErrUnauthorized, errWriteDenied)
	}

	updated := previous
	if patch.Role != nil {
		role, err := NewCollaboratorRole(string(*patch.Role))
		if err != nil {
			return FieldCollaborator{}, s.fail(span, opUpdateCollaborator, "invalid_role", ErrValidation, err)
		}
		updated.Role = role
	}
	updated.UpdatedAt = s.now()

	result := s.db.WithContext(ctx).Model(&FieldCollaborator{}).Where("id = ?", previous.ID).Updates(map[string]any{
		"role":       updated.Role,
		"updated_at": updated.UpdatedAt,
	})
	if result.Error != nil {
		return FieldCollaborator{}, s.fail(span, opUpdateCollaborator, "update", ErrBackend, result.Error)
	}
	if result.RowsAffected == 0 {
		return FieldCollaborator{}, s.fail(span, opUpdateCollaborator, "not_found", ErrNotFound, errNotVisible)
	}
	s.access.flush()

	before, after := previous, updated
	s.publish(ctx, ChangeEvent{Kind: ChangeUpdate, Table: TableCollaborators, FieldID: updated.FieldID, ID: updated.ID, NewCollaborator: &after, OldCollaborator: &before, OccurredAt: updated.UpdatedAt})
	return updated, nil
}

// DeleteCollaborator revokes a collaborator row. Owner only.
func (s *Service) DeleteCollaborator(ctx context.Context, actor UserID, collaboratorID string) error {
	ctx, span := s.startSpan(ctx, opDeleteCollaborator, actor)
	defer span.End()

	if actor.Anonymous() {
		return s.fail(span, opDeleteCollaborator, "unauthorized", ErrUnauthorized, errMissingSession)
	}
	previous, found, err := s.loadCollaborator(ctx, collaboratorID)
	if err != nil {
		return s.fail(span, opDeleteCollaborator, "lookup", ErrBackend, err)
	}
	if !found {
		return s.fail(span, opDeleteCollaborator, "not_found", ErrNotFound, errNotVisible)
	}
	access, err := s.lookupAccess(ctx, actor, previous.FieldID)
	if err != nil {
		return s.fail(span, opDeleteCollaborator, "lookup", ErrBackend, err)
	}
	if !access.canView() {
		return s.fail(span, opDeleteCollaborator, "not_found", ErrNotFound, errNotVisible)
	}
	if !access.Checks.IsOwner {
		return s.fail(span, opDeleteCollaborator, "forbidden", ErrUnauthorized, errWriteDenied)
	}

	result := s.db.WithContext(ctx).Where("id = ?", previous.ID).Delete(&FieldCollaborator{})
	if result.Error != nil {
		return s.fail(span, opDeleteCollaborator, "delete", ErrBackend, result.Error)
	}
	if result.RowsAffected == 0 {
		return s.fail(span, opDeleteCollaborator, "not_found", ErrNotFound, errNotVisible)
	}
	s.access.flush()

	removed := previous
	s.publish(ctx, ChangeEvent{Kind: ChangeDelete, Table: TableCollaborators, FieldID: previous.FieldID, ID: previous.ID, OldCollaborator: &removed})
	return nil
}
