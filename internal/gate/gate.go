// Package gate composes authentication and quota admission into the single
// decision the relay layer calls before touching the upstream.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/ethgate/ethgate/internal/authn"
	"github.com/ethgate/ethgate/internal/limiter"
	"github.com/ethgate/ethgate/internal/models"
	"github.com/ethgate/ethgate/internal/store"

	log "github.com/sirupsen/logrus"
)

// Denial reasons surfaced by AuthenticateAndAdmit for unauthenticated tokens.
const ReasonUnauthenticated = "unauthenticated"

// Result is the combined outcome of authentication and admission.
type Result struct {
	Identity  authn.Identity
	Admitted  bool
	Remaining int64
	Reason    string
}

// Gate authenticates tokens and admits requests.
type Gate struct {
	authenticator *authn.Authenticator
	limiter       *limiter.Limiter
	accounts      *store.AccountStore
}

// New constructs a Gate.
func New(authenticator *authn.Authenticator, lim *limiter.Limiter, accounts *store.AccountStore) *Gate {
	return &Gate{authenticator: authenticator, limiter: lim, accounts: accounts}
}

// Authenticate resolves a bearer token to an identity. Unauthenticated
// tokens return a Result carrying ReasonUnauthenticated; store failures
// return store.ErrUnavailable so the HTTP layer can answer with a
// service-level failure instead of a credential rejection.
func (g *Gate) Authenticate(ctx context.Context, token string) (Result, error) {
	identity, errAuth := g.authenticator.Authenticate(ctx, token)
	if errAuth != nil {
		if errors.Is(errAuth, authn.ErrUnauthenticated) {
			return Result{Reason: ReasonUnauthenticated}, authn.ErrUnauthenticated
		}
		return Result{Reason: limiter.ReasonStoreUnavailable}, errAuth
	}
	return Result{Identity: identity}, nil
}

// Admit charges the quota for an authenticated identity. Only results with
// Admitted=true may proceed to the upstream call.
func (g *Gate) Admit(ctx context.Context, result Result) (Result, error) {
	decision, errAdmit := g.limiter.CheckAndIncrement(ctx, result.Identity)
	result.Admitted = decision.Admitted
	result.Remaining = decision.Remaining
	result.Reason = decision.Reason
	return result, errAdmit
}

// AuthenticateAndAdmit resolves the token and, on success, runs the quota
// check in one call.
func (g *Gate) AuthenticateAndAdmit(ctx context.Context, token string) (Result, error) {
	result, errAuth := g.Authenticate(ctx, token)
	if errAuth != nil {
		return result, errAuth
	}
	return g.Admit(ctx, result)
}

// LogDecision records an admission decision for observability. It is best
// effort: failures are logged and never affect the decision already made.
func (g *Gate) LogDecision(ctx context.Context, result Result, method, path string, requestedAt time.Time) {
	row := &models.RequestLog{
		Account:     result.Identity.Name,
		Method:      method,
		Path:        path,
		Admitted:    result.Admitted,
		Reason:      result.Reason,
		Remaining:   result.Remaining,
		RequestedAt: requestedAt.UTC(),
	}
	if result.Identity.AccountID != 0 {
		id := result.Identity.AccountID
		row.AccountID = &id
	}
	if err := g.accounts.LogRequest(ctx, row); err != nil {
		log.WithError(err).Warn("gate: failed to record request log")
	}
}
