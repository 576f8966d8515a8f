package fields

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

// fieldAccess is the resolved view of one field for one actor.
type fieldAccess struct {
	Exists bool
	Field  Field
	Checks AccessChecks
}

func (a fieldAccess) canView() bool {
	return a.Exists && a.Checks.HasView
}

func (a fieldAccess) canEdit() bool {
	return a.Exists && (a.Checks.IsOwner || a.Checks.HasEditor)
}

type accessCache struct {
	entries *cache.Cache
}

func newAccessCache(ttl time.Duration) *accessCache {
	return &accessCache{entries: cache.New(ttl, 2*ttl)}
}

func accessKey(actor UserID, fieldID string) string {
	return actor.String() + "|" + fieldID
}

func (c *accessCache) get(actor UserID, fieldID string) (fieldAccess, bool) {
	value, ok := c.entries.Get(accessKey(actor, fieldID))
	if !ok {
		return fieldAccess{}, false
	}
	access, ok := value.(fieldAccess)
	return access, ok
}

func (c *accessCache) put(actor UserID, fieldID string, access fieldAccess) {
	c.entries.SetDefault(accessKey(actor, fieldID), access)
}

func (c *accessCache) flush() {
	c.entries.Flush()
}

// InvalidateAccess drops cached access checks when a change committed elsewhere can alter them.
// Emitter changes never do.
func (s *Service) InvalidateAccess(event ChangeEvent) bool {
	switch event.Table {
	case TableFields, TableCollaborators:
		s.access.flush()
		return true
	default:
		return false
	}
}

// lookupAccess loads the field and the actor's collaborator row, consulting the cache first.
func (s *Service) lookupAccess(ctx context.Context, actor UserID, fieldID string) (fieldAccess, error) {
	if cached, ok := s.access.get(actor, fieldID); ok {
		return cached, nil
	}

	var field Field
	err := s.db.WithContext(ctx).Where("id = ?", fieldID).Take(&field).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		access := fieldAccess{}
		s.access.put(actor, fieldID, access)
		return access, nil
	}
	if err != nil {
		return fieldAccess{}, err
	}

	access := fieldAccess{Exists: true, Field: field}
	access.Checks.IsPublic = field.IsPublic
	if !actor.Anonymous() {
		access.Checks.IsOwner = field.OwnerID == actor.String()

		var collaborators []FieldCollaborator
		err = s.db.WithContext(ctx).
			Where("field_id = ? AND user_id = ?", fieldID, actor.String()).
			Limit(1).
			Find(&collaborators).Error
		if err != nil {
			return fieldAccess{}, err
		}
		if len(collaborators) > 0 {
			access.Checks.HasView = true
			access.Checks.HasEditor = collaborators[0].Role == CollaboratorEditor
		}
	}
	if access.Checks.IsOwner {
		access.Checks.HasEditor = true
	}
	access.Checks.HasView = access.Checks.HasView || access.Checks.IsOwner || access.Checks.IsPublic

	s.access.put(actor, fieldID, access)
	return access, nil
}
