// Package limiter makes the per-request quota admission decision.
package limiter

import (
	"context"
	"errors"

	"github.com/ethgate/ethgate/internal/authn"
	"github.com/ethgate/ethgate/internal/plan"
	"github.com/ethgate/ethgate/internal/store"

	log "github.com/sirupsen/logrus"
)

// RemainingUnlimited is reported for plans without a finite quota.
const RemainingUnlimited int64 = -1

// Machine-readable denial reasons.
const (
	ReasonQuotaExceeded    = "quota exceeded"
	ReasonInvalidAccount   = "invalid account"
	ReasonStoreUnavailable = "store unavailable"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Admitted  bool
	Remaining int64
	Reason    string
}

// Limiter admits requests against per-plan quotas.
type Limiter struct {
	accounts *store.AccountStore
}

// New constructs a Limiter.
func New(accounts *store.AccountStore) *Limiter {
	return &Limiter{accounts: accounts}
}

// CheckAndIncrement decides whether one more request is admitted for the
// identity's account and, on admission, charges the account's counter. The
// check and the increment are a single conditional update in the store, so
// concurrent calls for the same account can never admit past the quota.
// Denied requests are never charged. Store failures deny admission (fail
// closed) and additionally return store.ErrUnavailable.
func (l *Limiter) CheckAndIncrement(ctx context.Context, identity authn.Identity) (Decision, error) {
	quota := plan.QuotaFor(identity.Plan)

	if quota.Unlimited {
		// The counter still advances for observability, but admission
		// never depends on it for unlimited plans.
		_, ok, err := l.accounts.AdmitIncrement(ctx, identity.AccountID, -1)
		if err != nil {
			log.WithError(err).WithField("account", identity.Name).Error("limiter: admission check failed")
			return Decision{Reason: ReasonStoreUnavailable}, err
		}
		if !ok {
			return Decision{Reason: ReasonInvalidAccount}, nil
		}
		return Decision{Admitted: true, Remaining: RemainingUnlimited}, nil
	}

	count, ok, err := l.accounts.AdmitIncrement(ctx, identity.AccountID, quota.Limit)
	if err != nil {
		log.WithError(err).WithField("account", identity.Name).Error("limiter: admission check failed")
		return Decision{Reason: ReasonStoreUnavailable}, err
	}
	if ok {
		return Decision{Admitted: true, Remaining: quota.Limit - count}, nil
	}

	// The conditional update did not apply: either the quota is exhausted
	// or the account vanished between authentication and admission.
	if _, errGet := l.accounts.GetByID(ctx, identity.AccountID); errGet != nil {
		if errors.Is(errGet, store.ErrNotFound) {
			return Decision{Reason: ReasonInvalidAccount}, nil
		}
		log.WithError(errGet).WithField("account", identity.Name).Error("limiter: admission check failed")
		return Decision{Reason: ReasonStoreUnavailable}, errGet
	}
	return Decision{Reason: ReasonQuotaExceeded}, nil
}
