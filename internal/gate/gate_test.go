package gate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethgate/ethgate/internal/authn"
	"github.com/ethgate/ethgate/internal/db"
	"github.com/ethgate/ethgate/internal/issuer"
	"github.com/ethgate/ethgate/internal/limiter"
	"github.com/ethgate/ethgate/internal/store"
)

func newTestGate(t *testing.T) (*Gate, *issuer.Issuer) {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "ethgate.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	accounts := store.NewAccountStore(conn)
	return New(authn.New(accounts), limiter.New(accounts), accounts), issuer.New(accounts)
}

func TestAuthenticateAndAdmit_HappyPath(t *testing.T) {
	g, iss := newTestGate(t)

	secret, _, err := iss.Issue(context.Background(), "alice", "free")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	result, err := g.AuthenticateAndAdmit(context.Background(), secret)
	if err != nil {
		t.Fatalf("authenticate and admit: %v", err)
	}
	if !result.Admitted || result.Identity.Name != "alice" || result.Remaining != 99 {
		t.Fatalf("unexpected result: %+v", result)
	}
	g.LogDecision(context.Background(), result, "GET", "/v1/gas-price", time.Now())
}

func TestAuthenticateAndAdmit_BadToken(t *testing.T) {
	g, _ := newTestGate(t)

	result, err := g.AuthenticateAndAdmit(context.Background(), "bogus")
	if !errors.Is(err, authn.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if result.Admitted || result.Reason != ReasonUnauthenticated {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestAuthenticateAndAdmit_Exhaustion(t *testing.T) {
	g, iss := newTestGate(t)

	secret, _, err := iss.Issue(context.Background(), "alice", "free")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	for i := 0; i < 100; i++ {
		result, errAdmit := g.AuthenticateAndAdmit(context.Background(), secret)
		if errAdmit != nil || !result.Admitted {
			t.Fatalf("call %d: result=%+v err=%v", i, result, errAdmit)
		}
	}

	result, err := g.AuthenticateAndAdmit(context.Background(), secret)
	if err != nil {
		t.Fatalf("over-quota call: %v", err)
	}
	if result.Admitted || result.Reason != limiter.ReasonQuotaExceeded {
		t.Fatalf("expected quota denial, got %+v", result)
	}
}
