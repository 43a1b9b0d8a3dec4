// Package issuer creates and rotates bearer credentials for accounts.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethgate/ethgate/internal/models"
	"github.com/ethgate/ethgate/internal/plan"
	"github.com/ethgate/ethgate/internal/security"
	"github.com/ethgate/ethgate/internal/store"

	log "github.com/sirupsen/logrus"
)

// Sentinel errors surfaced by issuer operations.
var (
	// ErrInvalidName indicates the account name is empty.
	ErrInvalidName = errors.New("issuer: invalid account name")
	// ErrUnknownPlan indicates the plan is not part of the known tier set.
	ErrUnknownPlan = errors.New("issuer: unknown plan")
)

// Issuer provisions accounts and manages their credentials.
type Issuer struct {
	accounts *store.AccountStore
}

// New constructs an Issuer.
func New(accounts *store.AccountStore) *Issuer {
	return &Issuer{accounts: accounts}
}

// Issue provisions an account under the given name and plan and returns the
// plaintext key exactly once. When the account already exists the call is a
// no-op: created is false, the secret is empty, and nothing is mutated. The
// plaintext is never persisted or logged; only its digest is stored.
func (i *Issuer) Issue(ctx context.Context, name, planName string) (secret string, created bool, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, ErrInvalidName
	}
	tier, ok := plan.Parse(planName)
	if !ok {
		return "", false, ErrUnknownPlan
	}

	if _, errGet := i.accounts.GetByName(ctx, name); errGet == nil {
		return "", false, nil
	} else if !errors.Is(errGet, store.ErrNotFound) {
		return "", false, fmt.Errorf("issuer: lookup %q: %w", name, errGet)
	}

	key, errGenerate := security.GenerateAPIKey()
	if errGenerate != nil {
		return "", false, fmt.Errorf("issuer: %w", errGenerate)
	}

	now := time.Now().UTC()
	account := &models.Account{
		Name:        name,
		KeyDigest:   security.DigestAPIKey(key),
		Plan:        string(tier),
		PeriodStart: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if errCreate := i.accounts.Create(ctx, account); errCreate != nil {
		if errors.Is(errCreate, store.ErrDuplicate) {
			// Lost a provisioning race; the other writer's key stands.
			return "", false, nil
		}
		return "", false, fmt.Errorf("issuer: create %q: %w", name, errCreate)
	}

	log.WithFields(log.Fields{"account": name, "plan": tier}).Info("issuer: account provisioned")
	return key, true, nil
}

// Rotate replaces the credential of an existing account and returns the new
// plaintext key. The previous key stops authenticating immediately.
func (i *Issuer) Rotate(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidName
	}

	key, errGenerate := security.GenerateAPIKey()
	if errGenerate != nil {
		return "", fmt.Errorf("issuer: %w", errGenerate)
	}
	if errUpdate := i.accounts.UpdateDigest(ctx, name, security.DigestAPIKey(key)); errUpdate != nil {
		return "", fmt.Errorf("issuer: rotate %q: %w", name, errUpdate)
	}

	log.WithField("account", name).Info("issuer: credential rotated")
	return key, nil
}

// ChangePlan moves an account to another known tier.
func (i *Issuer) ChangePlan(ctx context.Context, name, planName string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	tier, ok := plan.Parse(planName)
	if !ok {
		return ErrUnknownPlan
	}
	if errUpdate := i.accounts.UpdatePlan(ctx, name, string(tier)); errUpdate != nil {
		return fmt.Errorf("issuer: change plan for %q: %w", name, errUpdate)
	}
	log.WithFields(log.Fields{"account": name, "plan": tier}).Info("issuer: plan changed")
	return nil
}
