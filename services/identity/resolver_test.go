package identity

import (
	"context"
	"testing"
	"time"

	"github.com/lumenfeed/market_layer/internal/docstore/memory"
	"github.com/lumenfeed/market_layer/internal/errors"
	"github.com/lumenfeed/market_layer/internal/logging"
)

var secret = []byte("test-secret")

func newResolver(t *testing.T) (*Resolver, *memory.Store) {
	t.Helper()
	store := memory.New()
	return NewResolver(secret, store, logging.NewNop()), store
}

func seedUser(t *testing.T, store *memory.Store, username string, fields map[string]interface{}) {
	t.Helper()
	data := map[string]interface{}{"username": username}
	for k, v := range fields {
		data[k] = v
	}
	if err := store.Set(context.Background(), "users/"+username, data); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()
	r, store := newResolver(t)
	seedUser(t, store, "alice", nil)

	token, err := MintToken(secret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	username, err := r.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if username != "alice" {
		t.Fatalf("expected alice, got %s", username)
	}
}

func TestResolver_FailsClosed(t *testing.T) {
	ctx := context.Background()
	r, store := newResolver(t)
	seedUser(t, store, "dora", map[string]interface{}{"disabled": true})
	seedUser(t, store, "bert", map[string]interface{}{"banned": true})

	t.Run("GarbageToken", func(t *testing.T) {
		if _, err := r.Resolve(ctx, "not-a-token"); !errors.IsCode(err, errors.CodeInvalidToken) {
			t.Fatalf("expected invalid token, got %v", err)
		}
	})

	t.Run("WrongSecret", func(t *testing.T) {
		token, _ := MintToken([]byte("other-secret"), "alice", time.Hour)
		if _, err := r.Resolve(ctx, token); !errors.IsCode(err, errors.CodeInvalidToken) {
			t.Fatalf("expected invalid token, got %v", err)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		token, _ := MintToken(secret, "alice", -time.Minute)
		if _, err := r.Resolve(ctx, token); !errors.IsCode(err, errors.CodeInvalidToken) {
			t.Fatalf("expected invalid token, got %v", err)
		}
	})

	t.Run("UnknownUser", func(t *testing.T) {
		token, _ := MintToken(secret, "ghost", time.Hour)
		if _, err := r.Resolve(ctx, token); !errors.IsCode(err, errors.CodeUnauthorized) {
			t.Fatalf("expected unauthorized, got %v", err)
		}
	})

	t.Run("Disabled", func(t *testing.T) {
		token, _ := MintToken(secret, "dora", time.Hour)
		if _, err := r.Resolve(ctx, token); !errors.IsCode(err, errors.CodeUnauthorized) {
			t.Fatalf("expected unauthorized, got %v", err)
		}
	})

	t.Run("Banned", func(t *testing.T) {
		token, _ := MintToken(secret, "bert", time.Hour)
		if _, err := r.Resolve(ctx, token); !errors.IsCode(err, errors.CodeUnauthorized) {
			t.Fatalf("expected unauthorized, got %v", err)
		}
	})
}

func TestResolver_Verification(t *testing.T) {
	ctx := context.Background()
	r, store := newResolver(t)

	if _, err := r.Verification(ctx, "alice"); !errors.IsCode(err, errors.CodeForbidden) {
		t.Fatalf("expected forbidden for missing record, got %v", err)
	}

	_ = store.Set(ctx, "identityVerifications/alice", map[string]interface{}{
		"legalName": "Alice Aldrin",
		"verified":  true,
	})
	v, err := r.Verification(ctx, "alice")
	if err != nil {
		t.Fatalf("verification: %v", err)
	}
	if v.LegalName != "Alice Aldrin" {
		t.Fatalf("unexpected legal name: %s", v.LegalName)
	}

	_ = store.Set(ctx, "identityVerifications/bob", map[string]interface{}{
		"legalName": "Bob Burns",
		"verified":  false,
	})
	if _, err := r.Verification(ctx, "bob"); !errors.IsCode(err, errors.CodeForbidden) {
		t.Fatalf("expected forbidden for unverified record, got %v", err)
	}
}

func TestResolver_IsVerifiedCreator(t *testing.T) {
	ctx := context.Background()
	r, store := newResolver(t)
	seedUser(t, store, "carol", map[string]interface{}{"verifiedCreator": true})
	seedUser(t, store, "mal", nil)

	ok, err := r.IsVerifiedCreator(ctx, "carol")
	if err != nil || !ok {
		t.Fatalf("expected verified creator, got %v %v", ok, err)
	}
	ok, err = r.IsVerifiedCreator(ctx, "mal")
	if err != nil || ok {
		t.Fatalf("expected unverified, got %v %v", ok, err)
	}
}
