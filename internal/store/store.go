// Package store provides durable account persistence over GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethgate/ethgate/internal/models"
	"gorm.io/gorm"
)

// Sentinel errors surfaced by store operations.
var (
	// ErrNotFound indicates no account matched the lookup.
	ErrNotFound = errors.New("store: account not found")
	// ErrDuplicate indicates a unique constraint rejected the write.
	ErrDuplicate = errors.New("store: duplicate account")
	// ErrUnavailable indicates the database could not serve the call in
	// time. Callers must fail closed on it.
	ErrUnavailable = errors.New("store: unavailable")
)

// unavailable wraps a database failure so callers can classify it with
// errors.Is(err, ErrUnavailable) while keeping the cause in the message.
func unavailable(op string, err error) error {
	return fmt.Errorf("store: %s: %w: %v", op, ErrUnavailable, err)
}

// queryTimeout bounds every store round trip so callers fail fast when the
// database is unreachable instead of blocking the request handler.
const queryTimeout = 5 * time.Second

// AccountStore persists Account rows. It carries no policy; all admission
// decisions happen in the limiter on top of its atomic primitives.
type AccountStore struct {
	db *gorm.DB
}

// NewAccountStore constructs an AccountStore.
func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, queryTimeout)
}

// Create inserts a new account row.
func (s *AccountStore) Create(ctx context.Context, account *models.Account) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store: not initialized")
	}
	if account == nil {
		return fmt.Errorf("store: account is nil")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return unavailable("create account", err)
	}
	return nil
}

// GetByName loads an account by its unique name.
func (s *AccountStore) GetByName(ctx context.Context, name string) (*models.Account, error) {
	return s.getBy(ctx, "name = ?", strings.TrimSpace(name))
}

// GetByDigest loads an account by its credential digest.
func (s *AccountStore) GetByDigest(ctx context.Context, digest string) (*models.Account, error) {
	return s.getBy(ctx, "key_digest = ?", digest)
}

// GetByID loads an account by primary key.
func (s *AccountStore) GetByID(ctx context.Context, id uint64) (*models.Account, error) {
	return s.getBy(ctx, "id = ?", id)
}

func (s *AccountStore) getBy(ctx context.Context, query string, arg any) (*models.Account, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store: not initialized")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var account models.Account
	if err := s.db.WithContext(ctx).Where(query, arg).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable("load account", err)
	}
	return &account, nil
}

// List returns all accounts ordered by name.
func (s *AccountStore) List(ctx context.Context) ([]models.Account, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store: not initialized")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var accounts []models.Account
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&accounts).Error; err != nil {
		return nil, unavailable("list accounts", err)
	}
	return accounts, nil
}

// UpdatePlan changes the plan of the named account.
func (s *AccountStore) UpdatePlan(ctx context.Context, name, planName string) error {
	return s.updateField(ctx, name, "plan", planName)
}

// UpdateDigest replaces the credential digest of the named account.
func (s *AccountStore) UpdateDigest(ctx context.Context, name, digest string) error {
	return s.updateField(ctx, name, "key_digest", digest)
}

func (s *AccountStore) updateField(ctx context.Context, name, column string, value any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store: not initialized")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("name = ?", strings.TrimSpace(name)).
		Updates(map[string]any{
			column:       value,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return unavailable("update account "+column, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AdmitIncrement atomically increments the request counter of one account,
// but only while the current count stays below quota. A negative quota means
// no bound (the counter is still advanced for observability). It returns the
// counter value after the increment and whether the increment applied.
//
// The conditional UPDATE serializes concurrent calls for the same account at
// the database, so at most quota admissions can ever succeed in one period.
func (s *AccountStore) AdmitIncrement(ctx context.Context, id uint64, quota int64) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, fmt.Errorf("store: not initialized")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var newCount int64
	applied := false
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&models.Account{}).Where("id = ?", id)
		if quota >= 0 {
			update = update.Where("request_count < ?", quota)
		}
		res := update.Updates(map[string]any{
			"request_count": gorm.Expr("request_count + 1"),
			"updated_at":    time.Now().UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		return tx.Model(&models.Account{}).
			Select("request_count").
			Where("id = ?", id).
			Scan(&newCount).Error
	})
	if errTx != nil {
		return 0, false, unavailable("admit increment", errTx)
	}
	return newCount, applied, nil
}

// ResetAll zeroes every account's request counter and advances the period
// start in one bulk statement. It returns the number of accounts reset and
// is safe to run repeatedly.
func (s *AccountStore) ResetAll(ctx context.Context, periodStart time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("store: not initialized")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("1 = 1").
		Updates(map[string]any{
			"request_count": 0,
			"period_start":  periodStart.UTC(),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, unavailable("reset counters", res.Error)
	}
	return res.RowsAffected, nil
}

// LogRequest appends one admission decision record. Failures are reported to
// the caller but must never block admission.
func (s *AccountStore) LogRequest(ctx context.Context, row *models.RequestLog) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store: not initialized")
	}
	if row == nil {
		return fmt.Errorf("store: request log is nil")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return unavailable("log request", err)
	}
	return nil
}
