package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/realtime"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const testSigningSecret = "test-signing-secret"

type testServer struct {
	handler    http.Handler
	service    *fields.Service
	issuer     *auth.TokenIssuer
	dispatcher *realtime.Dispatcher
}

func newTestServer(t *testing.T, logger *zap.Logger) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:pixelfield_server_%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&fields.Field{}, &fields.Emitter{}, &fields.FieldCollaborator{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	dispatcher := realtime.NewDispatcher()
	service, err := fields.NewService(fields.ServiceConfig{
		Database:   db,
		IDProvider: fields.NewUUIDProvider(),
		Publisher:  dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to construct fields service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	handler, err := NewHTTPHandler(Dependencies{
		Fields:            service,
		Sessions:          validator,
		Feed:              dispatcher,
		Logger:            logger,
		MaxRenderScale:    8,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return testServer{handler: handler, service: service, issuer: issuer, dispatcher: dispatcher}
}

func (s testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.IssueSessionToken(userID, "", "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

type responseEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (s testServer) do(t *testing.T, method, target, token string, body any) (int, responseEnvelope) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)

	var envelope responseEnvelope
	if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return recorder.Code, envelope
}

func decodeData(t *testing.T, envelope responseEnvelope, target any) {
	t.Helper()
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		t.Fatalf("failed to decode data %s: %v", envelope.Data, err)
	}
}

func (s testServer) createField(t *testing.T, token string, isPublic bool) fields.Field {
	t.Helper()
	status, envelope := s.do(t, http.MethodPost, "/fields", token, map[string]any{
		"name":             "Canvas",
		"background_color": "#000000",
		"width":            4,
		"height":           3,
		"is_public":        isPublic,
	})
	if status != http.StatusCreated || !envelope.Success {
		t.Fatalf("unexpected create response %d %+v", status, envelope)
	}
	var field fields.Field
	decodeData(t, envelope, &field)
	return field
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingFieldsService) {
		t.Fatalf("expected missing fields service, got %v", err)
	}
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t, nil)
	status, envelope := server.do(t, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK || !envelope.Success {
		t.Fatalf("unexpected health response %d %+v", status, envelope)
	}
}

func TestMutationsRequireSession(t *testing.T) {
	server := newTestServer(t, nil)
	status, envelope := server.do(t, http.MethodPost, "/fields", "", map[string]any{"name": "x", "width": 1, "height": 1})
	if status != http.StatusUnauthorized || envelope.Success || envelope.Error == "" {
		t.Fatalf("expected 401 envelope, got %d %+v", status, envelope)
	}
}

func TestFieldAndEmitterLifecycle(t *testing.T) {
	server := newTestServer(t, nil)
	ownerToken := server.token(t, "owner-1")
	strangerToken := server.token(t, "stranger-1")
	field := server.createField(t, ownerToken, false)

	status, envelope := server.do(t, http.MethodPost, "/fields/"+field.ID+"/emitters", ownerToken, map[string]any{"x": 1, "y": 2, "color": "#FF0000"})
	if status != http.StatusCreated {
		t.Fatalf("unexpected insert status %d %+v", status, envelope)
	}
	var emitter fields.Emitter
	decodeData(t, envelope, &emitter)
	if emitter.Color != "#ff0000" || emitter.FieldID != field.ID {
		t.Fatalf("unexpected emitter %+v", emitter)
	}

	status, envelope = server.do(t, http.MethodPatch, "/emitters/"+emitter.ID, ownerToken, map[string]any{"x": 3})
	if status != http.StatusOK {
		t.Fatalf("unexpected update status %d %+v", status, envelope)
	}
	decodeData(t, envelope, &emitter)
	if emitter.X != 3 || emitter.Y != 2 {
		t.Fatalf("expected partial update, got %+v", emitter)
	}

	status, envelope = server.do(t, http.MethodGet, "/fields/"+field.ID+"/emitters", ownerToken, nil)
	var listed []fields.Emitter
	decodeData(t, envelope, &listed)
	if status != http.StatusOK || len(listed) != 1 {
		t.Fatalf("unexpected list %d %+v", status, listed)
	}

	testCases := []struct {
		name           string
		method         string
		target         string
		token          string
		body           any
		expectedStatus int
	}{
		{name: "hidden field", method: http.MethodGet, target: "/fields/" + field.ID, token: strangerToken, expectedStatus: http.StatusNotFound},
		{name: "stranger insert", method: http.MethodPost, target: "/fields/" + field.ID + "/emitters", token: strangerToken, body: map[string]any{"x": 0, "y": 0}, expectedStatus: http.StatusUnauthorized},
		{name: "out of bounds", method: http.MethodPost, target: "/fields/" + field.ID + "/emitters", token: ownerToken, body: map[string]any{"x": 4, "y": 0}, expectedStatus: http.StatusBadRequest},
		{name: "bad color", method: http.MethodPost, target: "/fields/" + field.ID + "/emitters", token: ownerToken, body: map[string]any{"x": 0, "y": 0, "color": "red"}, expectedStatus: http.StatusBadRequest},
		{name: "missing emitter", method: http.MethodDelete, target: "/emitters/missing", token: ownerToken, expectedStatus: http.StatusNotFound},
		{name: "invalid sort", method: http.MethodGet, target: "/fields?sort=owner_id", token: ownerToken, expectedStatus: http.StatusBadRequest},
		{name: "invalid public filter", method: http.MethodGet, target: "/fields?public=maybe", token: ownerToken, expectedStatus: http.StatusBadRequest},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			status, envelope := server.do(t, testCase.method, testCase.target, testCase.token, testCase.body)
			if status != testCase.expectedStatus || envelope.Success {
				t.Fatalf("expected %d failure, got %d %+v", testCase.expectedStatus, status, envelope)
			}
		})
	}

	status, _ = server.do(t, http.MethodDelete, "/emitters/"+emitter.ID, ownerToken, nil)
	if status != http.StatusOK {
		t.Fatalf("unexpected delete status %d", status)
	}
	status, _ = server.do(t, http.MethodDelete, "/fields/"+field.ID, ownerToken, nil)
	if status != http.StatusOK {
		t.Fatalf("unexpected field delete status %d", status)
	}
	status, _ = server.do(t, http.MethodGet, "/fields/"+field.ID, ownerToken, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected deleted field to be gone, got %d", status)
	}
}

func TestRoleEndpointFollowsCollaborators(t *testing.T) {
	server := newTestServer(t, nil)
	ownerToken := server.token(t, "owner-1")
	editorToken := server.token(t, "editor-1")
	field := server.createField(t, ownerToken, false)

	roleOf := func(token string) roleResponse {
		t.Helper()
		status, envelope := server.do(t, http.MethodGet, "/fields/"+field.ID+"/role", token, nil)
		if status != http.StatusOK {
			t.Fatalf("unexpected role status %d %+v", status, envelope)
		}
		var response roleResponse
		decodeData(t, envelope, &response)
		return response
	}

	if response := roleOf(ownerToken); response.Role != fields.RoleOwner || !response.Permissions.CanManageCollaborators {
		t.Fatalf("expected owner, got %+v", response)
	}
	if response := roleOf(editorToken); response.Role != fields.RoleNone || response.Permissions.CanView {
		t.Fatalf("expected none, got %+v", response)
	}

	status, envelope := server.do(t, http.MethodPost, "/fields/"+field.ID+"/collaborators", ownerToken, map[string]any{"user_id": "editor-1", "role": "editor"})
	if status != http.StatusCreated {
		t.Fatalf("unexpected collaborator status %d %+v", status, envelope)
	}
	var collaborator fields.FieldCollaborator
	decodeData(t, envelope, &collaborator)
	if response := roleOf(editorToken); response.Role != fields.RoleEditor || !response.Permissions.CanAddEmitters {
		t.Fatalf("expected editor, got %+v", response)
	}

	status, _ = server.do(t, http.MethodPatch, "/collaborators/"+collaborator.ID, ownerToken, map[string]any{"role": "viewer"})
	if status != http.StatusOK {
		t.Fatalf("unexpected collaborator update status %d", status)
	}
	if response := roleOf(editorToken); response.Role != fields.RoleViewer {
		t.Fatalf("expected viewer, got %+v", response)
	}

	status, envelope = server.do(t, http.MethodGet, "/fields/"+field.ID+"/collaborators", editorToken, nil)
	if status != http.StatusOK {
		t.Fatalf("unexpected collaborator list status %d %+v", status, envelope)
	}

	status, _ = server.do(t, http.MethodDelete, "/collaborators/"+collaborator.ID, editorToken, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected collaborator to be unable to remove itself, got %d", status)
	}
	status, _ = server.do(t, http.MethodDelete, "/collaborators/"+collaborator.ID, ownerToken, nil)
	if status != http.StatusOK {
		t.Fatalf("unexpected collaborator delete status %d", status)
	}
	if response := roleOf(editorToken); response.Role != fields.RoleNone {
		t.Fatalf("expected none after removal, got %+v", response)
	}
}

func TestAnonymousReadsSeePublicFieldsOnly(t *testing.T) {
	server := newTestServer(t, nil)
	ownerToken := server.token(t, "owner-1")
	public := server.createField(t, ownerToken, true)
	server.createField(t, ownerToken, false)

	status, envelope := server.do(t, http.MethodGet, "/fields", "", nil)
	var listed []fields.Field
	decodeData(t, envelope, &listed)
	if status != http.StatusOK || len(listed) != 1 || listed[0].ID != public.ID {
		t.Fatalf("expected only the public field, got %d %+v", status, listed)
	}

	status, envelope = server.do(t, http.MethodGet, "/fields?public=false", ownerToken, nil)
	decodeData(t, envelope, &listed)
	if status != http.StatusOK || len(listed) != 1 || listed[0].IsPublic {
		t.Fatalf("expected the private field, got %d %+v", status, listed)
	}
}

func TestResolveSessionLogsExpiredTokenAtInfoLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	server := newTestServer(t, zap.New(core))

	expired, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return time.Now().Add(-time.Hour) },
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	token, _, err := expired.IssueSessionToken("user-1", "", "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	status, _ := server.do(t, http.MethodGet, "/fields", token, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", status, http.StatusUnauthorized)
	}
	entries := logs.FilterMessage("token validation failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected one info entry, got %+v", entries)
	}

	status, _ = server.do(t, http.MethodGet, "/fields", "garbage", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d", status)
	}
	entries = logs.FilterMessage("token validation failed").All()
	if len(entries) != 2 || entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn entry for invalid token, got %+v", entries)
	}
}

func TestCORSPreflightAllowsCredentials(t *testing.T) {
	server := newTestServer(t, nil)
	request := httptest.NewRequest(http.MethodOptions, "/fields", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
	if !strings.Contains(strings.ToLower(recorder.Header().Get("Access-Control-Allow-Headers")), "authorization") {
		t.Fatalf("expected Authorization to be allowed, got %q", recorder.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestRenderImageEndpoint(t *testing.T) {
	server := newTestServer(t, nil)
	ownerToken := server.token(t, "owner-1")
	field := server.createField(t, ownerToken, true)
	if status, _ := server.do(t, http.MethodPost, "/fields/"+field.ID+"/emitters", ownerToken, map[string]any{"x": 2, "y": 1, "color": "#00ff00"}); status != http.StatusCreated {
		t.Fatalf("unexpected insert status %d", status)
	}

	request := httptest.NewRequest(http.MethodGet, "/fields/"+field.ID+"/image.png?scale=2", http.NoBody)
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK || recorder.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected render response %d %q", recorder.Code, recorder.Header().Get("Content-Type"))
	}
	decoded, err := png.Decode(recorder.Body)
	if err != nil {
		t.Fatalf("failed to decode png: %v", err)
	}
	if bounds := decoded.Bounds(); bounds.Dx() != 8 || bounds.Dy() != 6 {
		t.Fatalf("unexpected image bounds %v", bounds)
	}
	for _, point := range [][2]int{{4, 2}, {5, 3}} {
		r, g, b, _ := decoded.At(point[0], point[1]).RGBA()
		if r != 0 || g>>8 != 255 || b != 0 {
			t.Fatalf("expected green at %v, got %d %d %d", point, r>>8, g>>8, b>>8)
		}
	}
	r, g, b, a := decoded.At(0, 0).RGBA()
	if r != 0 || g != 0 || b != 0 || a>>8 != 255 {
		t.Fatalf("expected opaque black background, got %d %d %d %d", r, g, b, a)
	}

	status, envelope := server.do(t, http.MethodGet, "/fields/"+field.ID+"/image.png?scale=99", "", nil)
	if status != http.StatusBadRequest || envelope.Success {
		t.Fatalf("expected invalid scale rejection, got %d %+v", status, envelope)
	}
}
