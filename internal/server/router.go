package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	actorContextKey          = "pixelfield_actor"
	defaultMaxRenderScale    = 32
	defaultHeartbeatInterval = 25 * time.Second
)

var tracer = otel.Tracer("server")

var (
	errMissingFieldsService = errors.New("fields service dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingChangeFeed    = errors.New("change feed dependency required")
	errMissingSession       = errors.New("a session is required")
)

// SessionValidator resolves the session attached to a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	CookieName() string
}

// ChangeFeed hands out per-field event streams.
type ChangeFeed interface {
	Subscribe(ctx context.Context, fieldID string) (<-chan fields.ChangeEvent, func())
}

type Dependencies struct {
	Fields            *fields.Service
	Sessions          SessionValidator
	Feed              ChangeFeed
	Logger            *zap.Logger
	AllowedOrigins    []string
	MaxRenderScale    int
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Fields == nil {
		return nil, errMissingFieldsService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Feed == nil {
		return nil, errMissingChangeFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxScale := deps.MaxRenderScale
	if maxScale <= 0 {
		maxScale = defaultMaxRenderScale
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(traceRequests())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		fields:    deps.Fields,
		sessions:  deps.Sessions,
		feed:      deps.Feed,
		logger:    logger,
		maxScale:  maxScale,
		heartbeat: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/")
	api.Use(handler.resolveSession)

	api.GET("/fields", handler.handleListFields)
	api.GET("/fields/:id", handler.handleGetField)
	api.GET("/fields/:id/role", handler.handleGetRole)
	api.GET("/fields/:id/emitters", handler.handleListEmitters)
	api.GET("/fields/:id/collaborators", handler.handleListCollaborators)
	api.GET("/fields/:id/stream", handler.handleStream)
	api.GET("/fields/:id/ws", handler.handleWebsocket)
	api.GET("/fields/:id/image.png", handler.handleRenderImage)

	mutations := api.Group("/")
	mutations.Use(handler.requireSession)
	mutations.POST("/fields", handler.handleCreateField)
	mutations.PATCH("/fields/:id", handler.handleUpdateField)
	mutations.DELETE("/fields/:id", handler.handleDeleteField)
	mutations.POST("/fields/:id/emitters", handler.handleInsertEmitter)
	mutations.PATCH("/emitters/:id", handler.handleUpdateEmitter)
	mutations.DELETE("/emitters/:id", handler.handleDeleteEmitter)
	mutations.POST("/fields/:id/collaborators", handler.handleInsertCollaborator)
	mutations.PATCH("/collaborators/:id", handler.handleUpdateCollaborator)
	mutations.DELETE("/collaborators/:id", handler.handleDeleteCollaborator)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func traceRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath())
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		if c.Writer.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(c.Writer.Status()))
		}
	}
}

type httpHandler struct {
	fields    *fields.Service
	sessions  SessionValidator
	feed      ChangeFeed
	logger    *zap.Logger
	maxScale  int
	heartbeat time.Duration
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func statusFor(err error) int {
	switch fields.KindOf(err) {
	case fields.ErrValidation:
		return http.StatusBadRequest
	case fields.ErrUnauthorized:
		return http.StatusUnauthorized
	case fields.ErrNotFound:
		return http.StatusNotFound
	case fields.ErrAlreadyPending:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, envelope{Success: false, Error: fields.Message(err)})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	respondData(c, http.StatusOK, gin.H{"status": "ok"})
}

// resolveSession attaches the session actor when a token is present. Requests without
// a token proceed anonymously; requests carrying an invalid token are rejected.
func (h *httpHandler) resolveSession(c *gin.Context) {
	if auth.RequestToken(c.Request, h.sessions.CookieName()) == "" {
		c.Next()
		return
	}
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
		return
	}
	actor, err := fields.NewUserID(claims.UserID)
	if err != nil {
		h.logger.Warn("session carries an invalid user id", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

func (h *httpHandler) requireSession(c *gin.Context) {
	if actorFrom(c).Anonymous() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{Success: false, Error: errMissingSession.Error()})
		return
	}
	c.Next()
}

func actorFrom(c *gin.Context) fields.UserID {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return ""
	}
	actor, _ := value.(fields.UserID)
	return actor
}

func (h *httpHandler) client(c *gin.Context) *fields.Client {
	return h.fields.As(actorFrom(c))
}

func bindJSON(c *gin.Context, target any) error {
	if err := c.ShouldBindJSON(target); err != nil {
		return fields.NewError("server.decode", "invalid_request", fields.ErrValidation, err)
	}
	return nil
}
