package fields

import "context"

// Client is the data-access surface bound to one acting user.
type Client struct {
	service *Service
	actor   UserID
}

// Actor returns the bound user. Empty for anonymous clients.
func (c *Client) Actor() UserID {
	return c.actor
}

func (c *Client) ListFields(ctx context.Context, filter FieldFilter) ([]Field, error) {
	return c.service.ListFields(ctx, c.actor, filter)
}

func (c *Client) GetField(ctx context.Context, fieldID string) (Field, error) {
	return c.service.GetField(ctx, c.actor, fieldID)
}

func (c *Client) CreateField(ctx context.Context, payload FieldInsert) (Field, error) {
	return c.service.CreateField(ctx, c.actor, payload)
}

func (c *Client) UpdateField(ctx context.Context, fieldID string, patch FieldPatch) (Field, error) {
	return c.service.UpdateField(ctx, c.actor, fieldID, patch)
}

func (c *Client) DeleteField(ctx context.Context, fieldID string) error {
	return c.service.DeleteField(ctx, c.actor, fieldID)
}

func (c *Client) ListEmitters(ctx context.Context, fieldID string) ([]Emitter, error) {
	return c.service.ListEmitters(ctx, c.actor, fieldID)
}

func (c *Client) InsertEmitter(ctx context.Context, payload EmitterInsert) (Emitter, error) {
	return c.service.InsertEmitter(ctx, c.actor, payload)
}

func (c *Client) UpdateEmitter(ctx context.Context, emitterID string, patch EmitterPatch) (Emitter, error) {
	return c.service.UpdateEmitter(ctx, c.actor, emitterID, patch)
}

func (c *Client) DeleteEmitter(ctx context.Context, emitterID string) error {
	return c.service.DeleteEmitter(ctx, c.actor, emitterID)
}

func (c *Client) ListCollaborators(ctx context.Context, fieldID string) ([]FieldCollaborator, error) {
	return c.service.ListCollaborators(ctx, c.actor, fieldID)
}

func (c *Client) InsertCollaborator(ctx context.Context, payload CollaboratorInsert) (FieldCollaborator, error) {
	return c.service.InsertCollaborator(ctx, c.actor, payload)
}

func (c *Client) UpdateCollaborator(ctx context.Context, collaboratorID string, patch CollaboratorPatch) (FieldCollaborator, error) {
	return c.service.UpdateCollaborator(ctx, c.actor, collaboratorID, patch)
}

func (c *Client) DeleteCollaborator(ctx context.Context, collaboratorID string) error {
	return c.service.DeleteCollaborator(ctx, c.actor, collaboratorID)
}

func (c *Client) IsOwner(ctx context.Context, fieldID string) (bool, error) {
	return c.service.IsOwner(ctx, c.actor, fieldID)
}

func (c *Client) HasEditorAccess(ctx context.Context, fieldID string) (bool, error) {
	return c.service.HasEditorAccess(ctx, c.actor, fieldID)
}

func (c *Client) HasViewAccess(ctx context.Context, fieldID string) (bool, error) {
	return c.service.HasViewAccess(ctx, c.actor, fieldID)
}

func (c *Client) IsPublic(ctx context.Context, fieldID string) (bool, error) {
	return c.service.IsPublic(ctx, c.actor, fieldID)
}
