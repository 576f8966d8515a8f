package fields

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var sortableFieldColumns = map[string]struct{}{
	"created_at": {},
	"updated_at": {},
	"name":       {},
}

func normalizeName(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if utf8.RuneCountInString(trimmed) > maxNameLength {
		return "", fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return trimmed, nil
}

// ListFields returns the fields visible to actor: public, owned or shared.
func (s *Service) ListFields(ctx context.Context, actor UserID, filter FieldFilter) ([]Field, error) {
	ctx, span := s.startSpan(ctx, opListFields, actor)
	defer span.End()

	sortColumn := strings.TrimSpace(filter.SortBy)
	if sortColumn == "" {
		sortColumn = "created_at"
	}
	if _, ok := sortableFieldColumns[sortColumn]; !ok {
		return nil, s.fail(span, opListFields, "invalid_sort", ErrValidation, fmt.Errorf("unsupported sort column %q", sortColumn))
	}

	query := s.db.WithContext(ctx).Model(&Field{})
	if actor.Anonymous() {
		query = query.Where("is_public = ?", true)
	} else {
		shared := s.db.WithContext(ctx).Model(&FieldCollaborator{}).Select("field_id").Where("user_id = ?", actor.String())
		query = query.Where("is_public = ? OR owner_id = ? OR id IN (?)", true, actor.String(), shared)
	}
	if ownerID := strings.TrimSpace(filter.OwnerID); ownerID != "" {
		query = query.Where("owner_id = ?", ownerID)
	}
	if filter.IsPublic != nil {
		query = query.Where("is_public = ?", *filter.IsPublic)
	}
	query = query.
		Order(clause.OrderByColumn{Column: clause.Column{Name: sortColumn}, Desc: !filter.Ascending}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: !filter.Ascending})

	var rows []Field
	if err := query.Find(&rows).Error; err != nil {
		return nil, s.fail(span, opListFields, "query", ErrBackend, err)
	}
	return rows, nil
}

// GetField returns one field when it is visible to actor.
func (s *Service) GetField(ctx context.Context, actor UserID, fieldID string) (Field, error) {
	ctx, span := s.startSpan(ctx, opGetField, actor)
	defer span.End()

	normalizedID, err := NewFieldID(fieldID)
	if err != nil {
		return Field{}, s.fail(span, opGetField, "invalid_field_id", ErrValidation, err)
	}
	access, err := s.lookupAccess(ctx, actor, normalizedID)
	if err != nil {
		return Field{}, s.fail(span, opGetField, "lookup", ErrBackend, err)
	}
	if !access.canView() {
		return Field{}, s.fail(span, opGetField, "not_found", ErrNotFound, errNotVisible)
	}
	return access.Field, nil
}

// CreateField inserts a field owned by actor.
func (s *Service) CreateField(ctx context.Context, actor UserID, payload FieldInsert) (Field, error) {
	ctx, span := s.startSpan(ctx, opCreateField, actor)
	defer span.End()

	if actor.Anonymous() {
		return Field{}, s.fail(span, opCreateField, "unauthorized", ErrUnauthorized, errMissingSession)
	}
	name, err := normalizeName(payload.Name)
	if err != nil {
		return Field{}, s.fail(span, opCreateField, "invalid_name", ErrValidation, err)
	}
	background := DefaultBackgroundColor
	if strings.TrimSpace(payload.BackgroundColor) != "" {
		background, err = NormalizeHexColor(payload.BackgroundColor)
		if err != nil {
			return Field{}, s.fail(span, opCreateField, "invalid_color", ErrValidation, err)
		}
	}
	if err := validateDimension("width", payload.Width); err != nil {
		return Field{}, s.fail(span, opCreateField, "invalid_dimensions", ErrValidation, err)
	}
	if err := validateDimension("height", payload.Height); err != nil {
		return Field{}, s.fail(span, opCreateField, "invalid_dimensions", ErrValidation, err)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Field{}, s.fail(span, opCreateField, "generate_id", ErrBackend, err)
	}
	now := s.now()
	field := Field{
		ID:              id,
		OwnerID:         actor.String(),
		Name:            name,
		Description:     payload.Description,
		BackgroundColor: background,
		Width:           payload.Width,
		Height:          payload.Height,
		IsPublic:        payload.IsPublic,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(&field).Error; err != nil {
		return Field{}, s.fail(span, opCreateField, "insert", ErrBackend, err)
	}
	s.access.flush()

	created := field
	s.publish(ctx, ChangeEvent{Kind: ChangeInsert, Table: TableFields, FieldID: field.ID, ID: field.ID, NewField: &created, OccurredAt: now})
	return field, nil
}

// UpdateField applies a partial update. Width and height cannot change.
func (s *Service) UpdateField(ctx context.Context, actor UserID, fieldID string, patch FieldPatch) (Field, error) {
	ctx, span := s.startSpan(ctx, opUpdateField, actor)
	defer span.End()

	if actor.Anonymous() {
		return Field{}, s.fail(span, opUpdateField, "unauthorized", ErrUnauthorized, errMissingSession)
	}
	access, err := s.lookupAccess(ctx, actor, fieldID)
	if err != nil {
		return Field{}, s.fail(span, opUpdateField, "lookup", ErrBackend, err)
	}
	if !access.Exists {
		return Field{}, s.fail(span, opUpdateField, "not_found", ErrNotFound, errNotVisible)
	}
	if !access.canEdit() {
		return Field{}, s.fail(span, opUpdateField, "forbidden", ErrUnauthorized, errWriteDenied)
	}

	previous := access.Field
	updated := previous
	if patch.Width != nil && *patch.Width != previous.Width {
		return Field{}, s.fail(span, opUpdateField, "immutable_dimensions", ErrValidation, fmt.Errorf("%w: width is immutable", ErrInvalidDimensions))
	}
	if patch.Height != nil && *patch.Height != previous.Height {
		return Field{}, s.fail(span, opUpdateField, "immutable_dimensions", ErrValidation, fmt.Errorf("%w: height is immutable", ErrInvalidDimensions))
	}
	if patch.Name != nil {
		name, err := normalizeName(*patch.Name)
		if err != nil {
			return Field{}, s.fail(span, opUpdateField, "invalid_name", ErrValidation, err)
		}
		updated.Name = name
	}
	if patch.Description != nil {
		description := *patch.Description
		updated.Description = &description
	}
	if patch.BackgroundColor != nil {
		color, err := NormalizeHexColor(*patch.BackgroundColor)
		if err != nil {
			return Field{}, s.fail(span, opUpdateField, "invalid_color", ErrValidation, err)
		}
		updated.BackgroundColor = color
	}
	if patch.IsPublic != nil {
		updated.IsPublic = *patch.IsPublic
	}
	updated.UpdatedAt = s.now()

	result := s.db.WithContext(ctx).Model(&Field{}).Where("id = ?", previous.ID).Updates(map[string]any{
		"name":             updated.Name,
		"description":      updated.Description,
		"background_color": updated.BackgroundColor,
		"is_public":        updated.IsPublic,
		"updated_at":       updated.UpdatedAt,
	})
	if result.Error != nil {
		return Field{}, s.fail(span, opUpdateField, "update", ErrBackend, result.Error)
	}
	if result.RowsAffected == 0 {
		return Field{}, s.fail(span, opUpdateField, "not_found", ErrNotFound, errNotVisible)
	}
	s.access.flush()

	before, after := previous, updated
	s.publish(ctx, ChangeEvent{Kind: ChangeUpdate, Table: TableFields, FieldID: updated.ID, ID: updated.ID, NewField: &after, OldField: &before, OccurredAt: updated.UpdatedAt})
	return updated, nil
}

// DeleteField removes a field with its emitters and collaborators. Owner only.
func (s *Service) DeleteField(ctx context.Context, actor UserID, fieldID string) error {
	ctx, span := s.startSpan(ctx, opDeleteField, actor)
	defer span.End()

	if actor.Anonymous() {
		return s.fail(span, opDeleteField, "unauthorized", ErrUnauthorized, errMissingSession)
	}
	access, err := s.lookupAccess(ctx, actor, fieldID)
	if err != nil {
		return s.fail(span, opDeleteField, "lookup", ErrBackend, err)
	}
	if !access.Exists {
		return s.fail(span, opDeleteField, "not_found", ErrNotFound, errNotVisible)
	}
	if !access.Checks.IsOwner {
		return s.fail(span, opDeleteField, "forbidden", ErrUnauthorized, errWriteDenied)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("field_id = ?", fieldID).Delete(&Emitter{}).Error; err != nil {
			return err
		}
		if err := tx.Where("field_id = ?", fieldID).Delete(&FieldCollaborator{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", fieldID).Delete(&Field{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if errors.Is(txErr, gorm.ErrRecordNotFound) {
		return s.fail(span, opDeleteField, "not_found", ErrNotFound, errNotVisible)
	}
	if txErr != nil {
		return s.fail(span, opDeleteField, "delete", ErrBackend, txErr)
	}
	s.access.flush()

	removed := access.Field
	s.publish(ctx, ChangeEvent{Kind: ChangeDelete, Table: TableFields, FieldID: fieldID, ID: fieldID, OldField: &removed})
	return nil
}
