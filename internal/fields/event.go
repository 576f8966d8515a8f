package fields

import (
	"context"
	"time"
)

// ChangeKind identifies the mutation carried by a change event.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Table names the relation a change event originates from.
type Table string

const (
	TableFields        Table = "fields"
	TableEmitters      Table = "emitters"
	TableCollaborators Table = "field_collaborators"
)

// ChangeEvent is a committed row change delivered over the change feed.
type ChangeEvent struct {
	Kind            ChangeKind         `json:"kind"`
	Table           Table              `json:"table"`
	FieldID         string             `json:"field_id"`
	ID              string             `json:"id"`
	NewEmitter      *Emitter           `json:"new_emitter,omitempty"`
	OldEmitter      *Emitter           `json:"old_emitter,omitempty"`
	NewCollaborator *FieldCollaborator `json:"new_collaborator,omitempty"`
	OldCollaborator *FieldCollaborator `json:"old_collaborator,omitempty"`
	NewField        *Field             `json:"new_field,omitempty"`
	OldField        *Field             `json:"old_field,omitempty"`
	OccurredAt      time.Time          `json:"occurred_at"`
}

// Publisher receives committed change events.
type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, ChangeEvent) {}
