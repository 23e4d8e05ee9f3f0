package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lumenfeed/market_layer/internal/errors"
	"github.com/lumenfeed/market_layer/internal/logging"
)

type stubResolver struct {
	username string
	err      error
}

func (s *stubResolver) Resolve(context.Context, string) (string, error) {
	return s.username, s.err
}

func TestAuthMiddleware(t *testing.T) {
	run := func(resolver *stubResolver, header string, path string) (*httptest.ResponseRecorder, string) {
		var gotUser string
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUser = GetUserID(r.Context())
			w.WriteHeader(http.StatusOK)
		})
		m := NewAuthMiddleware(resolver, logging.NewNop(), []string{"/health"})

		req := httptest.NewRequest(http.MethodPost, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		m.Handler(next).ServeHTTP(rec, req)
		return rec, gotUser
	}

	t.Run("MissingHeader", func(t *testing.T) {
		rec, _ := run(&stubResolver{}, "", "/v1/market/buy")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("MalformedHeader", func(t *testing.T) {
		rec, _ := run(&stubResolver{}, "Basic abc", "/v1/market/buy")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("ResolverRejects", func(t *testing.T) {
		rec, _ := run(&stubResolver{err: errors.InvalidToken(nil)}, "Bearer bad", "/v1/market/buy")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("ResolvedIdentityInContext", func(t *testing.T) {
		rec, user := run(&stubResolver{username: "alice"}, "Bearer good", "/v1/market/buy")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if user != "alice" {
			t.Fatalf("user = %q, want alice", user)
		}
	})

	t.Run("SkipPathPassesThrough", func(t *testing.T) {
		rec, user := run(&stubResolver{err: errors.InvalidToken(nil)}, "", "/health")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if user != "" {
			t.Fatalf("unexpected user %q", user)
		}
	})
}
