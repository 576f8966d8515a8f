package fields

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingSession    = errors.New("an active session is required")
	errNotVisible        = errors.New("row does not exist or is not visible")
	errWriteDenied       = errors.New("row-level policy denied the write")
	noOpLogger           = zap.NewNop()
	tracer               = otel.Tracer("fields")
)

const (
	opServiceNew          = "fields.service.new"
	opListFields          = "fields.list_fields"
	opGetField            = "fields.get_field"
	opCreateField         = "fields.create_field"
	opUpdateField         = "fields.update_field"
	opDeleteField         = "fields.delete_field"
	opListEmitters        = "fields.list_emitters"
	opInsertEmitter       = "fields.insert_emitter"
	opUpdateEmitter       = "fields.update_emitter"
	opDeleteEmitter       = "fields.delete_emitter"
	opListCollaborators   = "fields.list_collaborators"
	opInsertCollaborator  = "fields.insert_collaborator"
	opUpdateCollaborator  = "fields.update_collaborator"
	opDeleteCollaborator  = "fields.delete_collaborator"
	opAccessChecks        = "fields.access_checks"
	defaultAccessCacheTTL = 5 * time.Second
)

// ServiceConfig wires the dependencies of the data-access service.
type ServiceConfig struct {
	Database       *gorm.DB
	Clock          func() time.Time
	IDProvider     IDProvider
	Logger         *zap.Logger
	Publisher      Publisher
	AccessCacheTTL time.Duration
}

// Service persists fields, emitters and collaborators and enforces row visibility per acting user.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	publisher  Publisher
	access     *accessCache
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", ErrBackend, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", ErrBackend, errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	var publisher Publisher = noopPublisher{}
	if cfg.Publisher != nil {
		publisher = cfg.Publisher
	}

	ttl := cfg.AccessCacheTTL
	if ttl <= 0 {
		ttl = defaultAccessCacheTTL
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		publisher:  publisher,
		access:     newAccessCache(ttl),
	}, nil
}

// As binds the service to one acting user.
func (s *Service) As(actor UserID) *Client {
	return &Client{service: s, actor: actor}
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) startSpan(ctx context.Context, operation string, actor UserID) (context.Context, trace.Span) {
	return tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String("actor", actor.String()),
	))
}

// fail records the error on the span, logs it and returns the coded ServiceError.
func (s *Service) fail(span trace.Span, operation, reason string, kind, cause error) error {
	err := newServiceError(operation, reason, kind, cause)
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	if errors.Is(kind, ErrBackend) {
		s.logError(operation, reason, cause)
	} else {
		s.logger.Debug("fields request rejected",
			zap.String("operation", operation),
			zap.String("reason", reason),
			zap.Error(cause),
		)
	}
	return err
}

func (s *Service) logError(operation, reason string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Error("fields service failure",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func (s *Service) publish(ctx context.Context, event ChangeEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	s.publisher.Publish(ctx, event)
}

// AccessChecks evaluates the four authorization checks for actor on fieldID.
// A missing field yields all-false checks.
func (s *Service) AccessChecks(ctx context.Context, actor UserID, fieldID string) (AccessChecks, error) {
	ctx, span := s.startSpan(ctx, opAccessChecks, actor)
	defer span.End()

	access, err := s.lookupAccess(ctx, actor, fieldID)
	if err != nil {
		return AccessChecks{}, s.fail(span, opAccessChecks, "lookup", ErrBackend, err)
	}
	return access.Checks, nil
}

// IsOwner reports whether actor owns fieldID.
func (s *Service) IsOwner(ctx context.Context, actor UserID, fieldID string) (bool, error) {
	checks, err := s.AccessChecks(ctx, actor, fieldID)
	return checks.IsOwner, err
}

// HasEditorAccess reports whether actor owns fieldID or collaborates on it as editor.
func (s *Service) HasEditorAccess(ctx context.Context, actor UserID, fieldID string) (bool, error) {
	checks, err := s.AccessChecks(ctx, actor, fieldID)
	return checks.HasEditor, err
}

// HasViewAccess reports whether fieldID is public, owned by actor or shared with actor.
func (s *Service) HasViewAccess(ctx context.Context, actor UserID, fieldID string) (bool, error) {
	checks, err := s.AccessChecks(ctx, actor, fieldID)
	return checks.HasView, err
}

// IsPublic reports whether fieldID is flagged public.
func (s *Service) IsPublic(ctx context.Context, actor UserID, fieldID string) (bool, error) {
	checks, err := s.AccessChecks(ctx, actor, fieldID)
	return checks.IsPublic, err
}
