package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	"litepost/internal/mocks"
	"litepost/pkg/types"
)

func TestTokenFromRequest_Table(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"bearer header", "Bearer abc", "", "abc"},
		{"case insensitive scheme", "bearer  abc ", "", "abc"},
		{"query fallback", "", "token=xyz", "xyz"},
		{"non bearer header falls back", "Basic Zm9v", "token=xyz", "xyz"},
		{"nothing", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws?"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, TokenFromRequest(r))
		})
	}
}

func TestMiddleware_AttachesVerifiedPrincipal(t *testing.T) {
	ctrl := gomock.NewController(t)
	verifier := mocks.NewMockTokenVerifier(ctrl)
	verifier.EXPECT().Verify("good").Return(&types.Principal{ID: "u1", Username: "ada"}, nil)

	var got *types.Principal
	handler := Middleware(verifier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFrom(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	r.Header.Set("Authorization", "Bearer good")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if assert.NotNil(t, got) {
		assert.Equal(t, "u1", got.ID)
	}
}

func TestMiddleware_InvalidTokenPassesThroughAnonymous(t *testing.T) {
	ctrl := gomock.NewController(t)
	verifier := mocks.NewMockTokenVerifier(ctrl)
	verifier.EXPECT().Verify("bad").Return(nil, errors.New("expired"))

	called := false
	handler := Middleware(verifier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, ok := PrincipalFrom(r.Context())
		assert.False(t, ok)
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/events?token=bad", nil)
	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.True(t, called)
}

func TestMiddleware_NoTokenSkipsVerifier(t *testing.T) {
	ctrl := gomock.NewController(t)
	verifier := mocks.NewMockTokenVerifier(ctrl)

	handler := Middleware(verifier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
}
