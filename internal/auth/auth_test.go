package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/unklstewy/airsync/internal/session"
)

var kari = session.Identity{PilotID: "pilot-1", TenantID: "tenant-a", DisplayName: "Kari"}

func TestGenerateAndValidate(t *testing.T) {
	svc := NewService(Config{JWTSecret: "test-secret"})

	token, err := svc.GenerateToken(kari)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Identity() != kari {
		t.Errorf("Expected identity %+v, got %+v", kari, claims.Identity())
	}
}

func TestValidateToken(t *testing.T) {
	svc := NewService(Config{JWTSecret: "test-secret", TokenDuration: time.Hour})
	valid, _ := svc.GenerateToken(kari)

	other := NewService(Config{JWTSecret: "other-secret"})
	wrongKey, _ := other.GenerateToken(kari)

	expiredSvc := NewService(Config{JWTSecret: "test-secret", TokenDuration: time.Hour})
	expiredSvc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := expiredSvc.GenerateToken(kari)

	noPilot := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	noPilotToken, _ := noPilot.SignedString([]byte("test-secret"))

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "valid", token: valid},
		{name: "wrong key", token: wrongKey, wantErr: ErrInvalidToken},
		{name: "expired", token: expired, wantErr: ErrInvalidToken},
		{name: "garbage", token: "not.a.token", wantErr: ErrInvalidToken},
		{name: "no pilot", token: noPilotToken, wantErr: ErrMissingPilot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateToken(tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGenerateTokenRequiresPilot(t *testing.T) {
	svc := NewService(Config{JWTSecret: "test-secret"})
	if _, err := svc.GenerateToken(session.Identity{}); !errors.Is(err, ErrMissingPilot) {
		t.Errorf("Expected ErrMissingPilot, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := NewService(Config{JWTSecret: "test-secret"})
	token, _ := svc.GenerateToken(kari)

	var got *Claims
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{name: "bearer header", header: "Bearer " + token, want: http.StatusOK},
		{name: "query token", query: "?token=" + token, want: http.StatusOK},
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer nope", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			req := httptest.NewRequest(http.MethodGet, "/api/v1/flight"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("Expected status %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusOK && (got == nil || got.PilotID != kari.PilotID) {
				t.Errorf("Expected claims in context, got %+v", got)
			}
		})
	}
}
