package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tollcounter/tollcounter/internal/config"
	"github.com/tollcounter/tollcounter/internal/model"
)

func newTestAuth(t *testing.T) (*AuthService, *config.Store) {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auth := NewAuthService(store, "test-signing-secret", logger)
	return auth, store
}

// issueStoredKey generates a key and persists its record, returning the
// plaintext secret and the stored record.
func issueStoredKey(t *testing.T, store *config.Store, name string) (string, *model.APIKey) {
	t.Helper()
	issued, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	key := &model.APIKey{
		Name:      name,
		KeyHash:   issued.Hash,
		KeyPrefix: issued.Prefix,
		IsActive:  true,
	}
	if err := store.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	return issued.Secret, key
}

func TestTokenRoundTrip(t *testing.T) {
	auth, _ := newTestAuth(t)

	token, err := auth.IssueToken("user-42", false, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	claims, err := auth.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Errorf("Subject: got %q, want %q", claims.Subject, "user-42")
	}
	if claims.IsAdmin {
		t.Error("expected non-admin claims")
	}
}

func TestTokenAdminFlag(t *testing.T) {
	auth, _ := newTestAuth(t)

	token, err := auth.IssueToken("root", true, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	claims, err := auth.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if !claims.IsAdmin {
		t.Error("expected admin flag to survive the round trip")
	}
}

func TestTokenExpired(t *testing.T) {
	auth, _ := newTestAuth(t)

	token, err := auth.IssueToken("user-1", false, -time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := auth.VerifyToken(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for expired token, got %v", err)
	}
}

func TestTokenWrongSigningKey(t *testing.T) {
	auth, _ := newTestAuth(t)

	otherStore, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { otherStore.Close() })
	other := NewAuthService(otherStore, "a-different-secret", slog.New(slog.NewTextHandler(io.Discard, nil)))

	// A structurally valid token signed with the wrong key must verify as
	// invalid, not as a distinct error.
	token, err := other.IssueToken("user-1", true, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := auth.VerifyToken(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for wrong signing key, got %v", err)
	}
}

func TestTokenMalformed(t *testing.T) {
	auth, _ := newTestAuth(t)
	if _, err := auth.VerifyToken("garbage.token.here"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for malformed token, got %v", err)
	}
}

func TestValidateKeyRoundTrip(t *testing.T) {
	auth, store := newTestAuth(t)
	ctx := context.Background()

	secret, stored := issueStoredKey(t, store, "ci pipeline")

	key, err := auth.ValidateKey(ctx, secret)
	if err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	if key.ID != stored.ID {
		t.Errorf("ID: got %d, want %d", key.ID, stored.ID)
	}

	// A secret not derived from any stored key is invalid, even one sharing
	// the real key's prefix.
	forged := secret[:PrefixLength] + strings.Repeat("x", KeyRandomLength)
	if _, err := auth.ValidateKey(ctx, forged); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for forged key, got %v", err)
	}
	if _, err := auth.ValidateKey(ctx, "tc_"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for short key, got %v", err)
	}
}

func TestValidateKeyPrefixCollision(t *testing.T) {
	auth, store := newTestAuth(t)
	ctx := context.Background()

	secret, stored := issueStoredKey(t, store, "real")

	// Plant a colliding record: same prefix, different hash. The validator
	// must walk past it and still find the right key.
	collider, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	planted := &model.APIKey{
		Name:      "collider",
		KeyHash:   collider.Hash,
		KeyPrefix: secret[:PrefixLength],
		IsActive:  true,
	}
	if err := store.CreateAPIKey(ctx, planted); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	key, err := auth.ValidateKey(ctx, secret)
	if err != nil {
		t.Fatalf("ValidateKey with collision: %v", err)
	}
	if key.ID != stored.ID {
		t.Errorf("resolved wrong key under prefix collision: got %d, want %d", key.ID, stored.ID)
	}
}

func TestValidateKeyRevoked(t *testing.T) {
	auth, store := newTestAuth(t)
	ctx := context.Background()

	secret, stored := issueStoredKey(t, store, "doomed")

	if _, err := auth.ValidateKey(ctx, secret); err != nil {
		t.Fatalf("ValidateKey before revoke: %v", err)
	}

	if err := store.RevokeAPIKey(ctx, stored.ID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}

	// Immediately after revocation the same secret must fail, even though
	// the stored hash is unchanged.
	if _, err := auth.ValidateKey(ctx, secret); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials after revoke, got %v", err)
	}
}

func TestValidateKeyUpdatesLastUsed(t *testing.T) {
	auth, store := newTestAuth(t)
	ctx := context.Background()

	secret, stored := issueStoredKey(t, store, "tracked")

	if _, err := auth.ValidateKey(ctx, secret); err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}

	// The touch is fire-and-forget; poll briefly rather than flake.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetAPIKey(ctx, stored.ID)
		if err != nil {
			t.Fatalf("GetAPIKey: %v", err)
		}
		if got.LastUsedAt != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("LastUsedAt was never set by the background touch")
}
