package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "app_session"
	testSessionUserID        = "user-123"
	testSessionUserEmail     = "user@example.com"
)

func newTestValidator(t *testing.T, clockNow time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signTestToken(t *testing.T, secret string, claims SessionClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(now time.Time) SessionClaims {
	return SessionClaims{
		UserID:    testSessionUserID,
		UserEmail: testSessionUserEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestNewSessionValidatorRequiresSecret(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("x")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if validator.CookieName() != defaultSessionCookieName {
		t.Fatalf("expected default cookie name, got %s", validator.CookieName())
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	claims, err := validator.ValidateToken(signTestToken(t, testSessionSigningSecret, validClaims(clockNow)))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID || claims.UserEmail != testSessionUserEmail {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestSessionValidatorRejectsBadTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	expired := validClaims(clockNow)
	expired.IssuedAt = jwt.NewNumericDate(clockNow.Add(-2 * time.Hour))
	expired.NotBefore = jwt.NewNumericDate(clockNow.Add(-2 * time.Hour))
	expired.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))

	wrongIssuer := validClaims(clockNow)
	wrongIssuer.Issuer = "someone-else"

	missingUser := validClaims(clockNow)
	missingUser.UserID = ""

	testCases := []struct {
		name     string
		token    string
		expected error
	}{
		{name: "empty", token: "  ", expected: ErrMissingSessionToken},
		{name: "expired", token: signTestToken(t, testSessionSigningSecret, expired), expected: ErrExpiredSessionToken},
		{name: "wrong secret", token: signTestToken(t, "other", validClaims(clockNow)), expected: ErrInvalidSessionToken},
		{name: "wrong issuer", token: signTestToken(t, testSessionSigningSecret, wrongIssuer), expected: ErrInvalidSessionToken},
		{name: "missing user", token: signTestToken(t, testSessionSigningSecret, missingUser), expected: ErrMissingSessionSubject},
		{name: "garbage", token: "not.a.jwt", expected: ErrInvalidSessionToken},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(testCase.token); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequestSources(t *testing.T) {
	clockNow := time.Now()
	validator := newTestValidator(t, clockNow)
	signed := signTestToken(t, testSessionSigningSecret, validClaims(clockNow))

	testCases := []struct {
		name    string
		prepare func(*http.Request)
		target  string
	}{
		{
			name:    "bearer header",
			prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+signed) },
			target:  "/fields",
		},
		{
			name:    "cookie",
			prepare: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed}) },
			target:  "/fields",
		},
		{
			name:    "query parameter",
			prepare: func(*http.Request) {},
			target:  "/fields/abc/stream?access_token=" + signed,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, testCase.target, http.NoBody)
			testCase.prepare(request)
			claims, err := validator.ValidateRequest(request)
			if err != nil {
				t.Fatalf("validation failed: %v", err)
			}
			if claims.UserID != testSessionUserID {
				t.Fatalf("unexpected user id: %s", claims.UserID)
			}
		})
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/fields", http.NoBody)
	if _, err := validator.ValidateRequest(anonymous); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestTokenIssuerRoundTripsThroughValidator(t *testing.T) {
	clockNow := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		TokenTTL:      30 * time.Minute,
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	token, expiresIn, err := issuer.IssueSessionToken("user-321", "", "Painter")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}

	claims, err := newTestValidator(t, clockNow.Add(time.Minute)).ValidateToken(token)
	if err != nil {
		t.Fatalf("issued token rejected: %v", err)
	}
	if claims.UserID != "user-321" || claims.Subject != "user-321" || claims.UserDisplayName != "Painter" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := newTestValidator(t, clockNow.Add(time.Hour)).ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected token to expire, got %v", err)
	}
}

func TestTokenIssuerRejectsMissingInputs(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected constructor error for missing secret, got %v", err)
	}
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueSessionToken(" ", "", ""); err == nil {
		t.Fatalf("expected error for empty subject")
	}
}
