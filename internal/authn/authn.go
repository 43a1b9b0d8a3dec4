// Package authn resolves presented bearer tokens to account identities.
package authn

import (
	"context"
	"errors"
	"strings"

	"github.com/ethgate/ethgate/internal/security"
	"github.com/ethgate/ethgate/internal/store"

	log "github.com/sirupsen/logrus"
)

// ErrUnauthenticated indicates the token did not resolve to an account.
var ErrUnauthenticated = errors.New("authn: unauthenticated")

// Identity names the account a token resolved to.
type Identity struct {
	AccountID uint64
	Name      string
	Plan      string
}

// Authenticator resolves tokens against the account store.
type Authenticator struct {
	accounts *store.AccountStore
}

// New constructs an Authenticator.
func New(accounts *store.AccountStore) *Authenticator {
	return &Authenticator{accounts: accounts}
}

// Authenticate resolves a presented token to an identity. The lookup runs on
// the token's digest, so its cost does not depend on how much of the token
// matches, and the stored digest is rechecked with a constant-time compare.
// Store failures surface as store.ErrUnavailable so callers fail closed.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}

	digest := security.DigestAPIKey(token)
	account, err := a.accounts.GetByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Identity{}, ErrUnauthenticated
		}
		log.WithError(err).Warn("authn: account lookup failed")
		return Identity{}, err
	}
	if !security.DigestEqual(account.KeyDigest, digest) {
		return Identity{}, ErrUnauthenticated
	}

	return Identity{AccountID: account.ID, Name: account.Name, Plan: account.Plan}, nil
}
