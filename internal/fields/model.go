package fields

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190
	maxNameLength       = 120
	maxDimension        = 4096

	// DefaultBackgroundColor is applied to fields created without a background color.
	DefaultBackgroundColor = "#ffffff"
	// DefaultEmitterColor is applied to emitters inserted without a color.
	DefaultEmitterColor = "#ff0000"
)

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("fields: invalid user id")
	// ErrInvalidFieldID indicates that a field identifier is empty or exceeds storage bounds.
	ErrInvalidFieldID = errors.New("fields: invalid field id")
	// ErrInvalidName indicates that a field name is empty or too long.
	ErrInvalidName = errors.New("fields: invalid name")
	// ErrInvalidColor indicates that a color is not a #rgb or #rrggbb hex string.
	ErrInvalidColor = errors.New("fields: invalid hex color")
	// ErrInvalidDimensions indicates that a field width or height is out of range.
	ErrInvalidDimensions = errors.New("fields: invalid dimensions")
	// ErrInvalidCoordinates indicates that an emitter lies outside its field.
	ErrInvalidCoordinates = errors.New("fields: coordinates out of bounds")
	// ErrInvalidRole indicates that a collaborator role is not viewer or editor.
	ErrInvalidRole = errors.New("fields: invalid collaborator role")
)

// UserID represents a validated user identifier. The zero value is the anonymous actor.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Anonymous reports whether the identifier represents a caller without a session.
func (id UserID) Anonymous() bool {
	return id == ""
}

// NewFieldID validates a raw field identifier.
func NewFieldID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFieldID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFieldID, maxIdentifierLength)
	}
	return trimmed, nil
}

// NormalizeHexColor validates a hex color and returns its lowercase #rrggbb form.
func NormalizeHexColor(rawInput string) (string, error) {
	value := strings.ToLower(strings.TrimSpace(rawInput))
	value = strings.TrimPrefix(value, "#")
	for _, r := range value {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return "", fmt.Errorf("%w: %q", ErrInvalidColor, rawInput)
		}
	}
	switch len(value) {
	case 6:
		return "#" + value, nil
	case 3:
		return "#" + string([]byte{value[0], value[0], value[1], value[1], value[2], value[2]}), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidColor, rawInput)
	}
}

func validateDimension(name string, value int) error {
	if value <= 0 || value > maxDimension {
		return fmt.Errorf("%w: %s must be within 1..%d, got %d", ErrInvalidDimensions, name, maxDimension, value)
	}
	return nil
}

// Field is a bounded pixel canvas owned by a user.
type Field struct {
	ID              string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	OwnerID         string    `gorm:"column:owner_id;size:190;not null;index:idx_fields_owner" json:"owner_id"`
	Name            string    `gorm:"column:name;size:120;not null" json:"name"`
	Description     *string   `gorm:"column:description;type:text" json:"description"`
	BackgroundColor string    `gorm:"column:background_color;size:7;not null;default:'#ffffff'" json:"background_color"`
	Width           int       `gorm:"column:width;not null" json:"width"`
	Height          int       `gorm:"column:height;not null" json:"height"`
	IsPublic        bool      `gorm:"column:is_public;not null;default:false;index:idx_fields_public" json:"is_public"`
	CreatedAt       time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Field) TableName() string {
	return "fields"
}

// Contains reports whether the integer coordinate lies within the field bounds.
func (f Field) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < f.Width && y < f.Height
}

// FieldInsert carries the client-supplied values for a new field.
type FieldInsert struct {
	Name            string  `json:"name"`
	Description     *string `json:"description,omitempty"`
	BackgroundColor string  `json:"background_color,omitempty"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	IsPublic        bool    `json:"is_public"`
}

// FieldPatch carries a partial field update. Nil members are left untouched.
type FieldPatch struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	BackgroundColor *string `json:"background_color,omitempty"`
	Width           *int    `json:"width,omitempty"`
	Height          *int    `json:"height,omitempty"`
	IsPublic        *bool   `json:"is_public,omitempty"`
}

// FieldFilter narrows ListFields results.
type FieldFilter struct {
	OwnerID   string
	IsPublic  *bool
	SortBy    string
	Ascending bool
}

// Emitter is a single colored point placed at integer coordinates within a field.
type Emitter struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	FieldID   string    `gorm:"column:field_id;size:190;not null;index:idx_emitters_field" json:"field_id"`
	X         int       `gorm:"column:x;not null" json:"x"`
	Y         int       `gorm:"column:y;not null" json:"y"`
	Color     string    `gorm:"column:color;size:7;not null;default:'#ff0000'" json:"color"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Emitter) TableName() string {
	return "emitters"
}

// EmitterInsert carries the values for a new emitter. Color falls back to DefaultEmitterColor.
type EmitterInsert struct {
	FieldID string `json:"field_id"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Color   string `json:"color,omitempty"`
}

// Validate checks the required members of the insert payload.
func (payload EmitterInsert) Validate() error {
	if _, err := NewFieldID(payload.FieldID); err != nil {
		return err
	}
	if payload.Color != "" {
		if _, err := NormalizeHexColor(payload.Color); err != nil {
			return err
		}
	}
	return nil
}

// EmitterPatch carries a partial emitter update with shallow-merge semantics.
type EmitterPatch struct {
	X     *int    `json:"x,omitempty"`
	Y     *int    `json:"y,omitempty"`
	Color *string `json:"color,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (patch EmitterPatch) Empty() bool {
	return patch.X == nil && patch.Y == nil && patch.Color == nil
}

// Apply returns a copy of the emitter with the patch merged in.
func (patch EmitterPatch) Apply(emitter Emitter) Emitter {
	merged := emitter
	if patch.X != nil {
		merged.X = *patch.X
	}
	if patch.Y != nil {
		merged.Y = *patch.Y
	}
	if patch.Color != nil {
		merged.Color = *patch.Color
	}
	return merged
}

// FieldCollaborator grants a non-owner user a role on a field.
type FieldCollaborator struct {
	ID        string           `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	FieldID   string           `gorm:"column:field_id;size:190;not null;uniqueIndex:idx_collaborators_field_user,priority:1" json:"field_id"`
	UserID    string           `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_collaborators_field_user,priority:2;index:idx_collaborators_user" json:"user_id"`
	Role      CollaboratorRole `gorm:"column:role;size:16;not null;default:'viewer'" json:"role"`
	CreatedAt time.Time        `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt time.Time        `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (FieldCollaborator) TableName() string {
	return "field_collaborators"
}

// CollaboratorInsert carries the values for a new collaborator row.
type CollaboratorInsert struct {
	FieldID string           `json:"field_id"`
	UserID  string           `json:"user_id"`
	Role    CollaboratorRole `json:"role,omitempty"`
}

// CollaboratorPatch carries a collaborator role change.
type CollaboratorPatch struct {
	Role *CollaboratorRole `json:"role,omitempty"`
}
