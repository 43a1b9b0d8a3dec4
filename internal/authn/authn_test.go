package authn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethgate/ethgate/internal/db"
	"github.com/ethgate/ethgate/internal/issuer"
	"github.com/ethgate/ethgate/internal/store"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, *issuer.Issuer) {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "ethgate.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	accounts := store.NewAccountStore(conn)
	return New(accounts), issuer.New(accounts)
}

func TestAuthenticate_RoundTrip(t *testing.T) {
	auth, iss := newTestAuthenticator(t)

	secret, _, err := iss.Issue(context.Background(), "alice", "pro")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	identity, err := auth.Authenticate(context.Background(), secret)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if identity.Name != "alice" || identity.Plan != "pro" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if identity.AccountID == 0 {
		t.Fatal("expected resolved account id")
	}
}

func TestAuthenticate_Rejections(t *testing.T) {
	auth, iss := newTestAuthenticator(t)

	secret, _, err := iss.Issue(context.Background(), "alice", "free")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	cases := []string{"", "   ", "not-a-key", secret + "0", secret[:len(secret)-1]}
	for _, token := range cases {
		if _, errAuth := auth.Authenticate(context.Background(), token); !errors.Is(errAuth, ErrUnauthenticated) {
			t.Fatalf("token %q: expected ErrUnauthenticated, got %v", token, errAuth)
		}
	}
}

func TestAuthenticate_RotatedKeyInvalidatesOld(t *testing.T) {
	auth, iss := newTestAuthenticator(t)

	old, _, err := iss.Issue(context.Background(), "alice", "free")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rotated, err := iss.Rotate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if _, errOld := auth.Authenticate(context.Background(), old); !errors.Is(errOld, ErrUnauthenticated) {
		t.Fatalf("expected old key rejected, got %v", errOld)
	}
	identity, errNew := auth.Authenticate(context.Background(), rotated)
	if errNew != nil {
		t.Fatalf("authenticate rotated: %v", errNew)
	}
	if identity.Name != "alice" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestAuthenticate_StoreFailureIsNotACredentialRejection(t *testing.T) {
	conn, err := db.Open(filepath.Join(t.TempDir(), "ethgate.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	accounts := store.NewAccountStore(conn)
	auth := New(accounts)

	secret, _, errIssue := issuer.New(accounts).Issue(context.Background(), "alice", "pro")
	if errIssue != nil {
		t.Fatalf("issue: %v", errIssue)
	}

	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("db handle: %v", errDB)
	}
	if errClose := sqlDB.Close(); errClose != nil {
		t.Fatalf("close db: %v", errClose)
	}

	_, errAuth := auth.Authenticate(context.Background(), secret)
	if errAuth == nil {
		t.Fatal("expected an error from a dead store")
	}
	if errors.Is(errAuth, ErrUnauthenticated) {
		t.Fatal("a store outage must not read as a credential rejection")
	}
	if !errors.Is(errAuth, store.ErrUnavailable) {
		t.Fatalf("expected store.ErrUnavailable, got %v", errAuth)
	}
}
