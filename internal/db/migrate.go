package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethgate/ethgate/internal/models"
	"github.com/ethgate/ethgate/internal/security"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite, DialectPostgres, "":
		return migrate(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

func migrate(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(
		&models.Admin{},
		&models.Account{},
		&models.RequestLog{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}

	// ddl defines an index statement to apply.
	type ddl struct {
		name string // Human-readable name for error reporting.
		sql  string // SQL to execute.
	}
	ddls := []ddl{
		{
			name: "idx_accounts_plan",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_accounts_plan
				ON accounts (plan)
			`,
		},
		{
			name: "idx_request_logs_account_requested_at",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_request_logs_account_requested_at
				ON request_logs (account_id, requested_at DESC)
			`,
		},
		{
			name: "idx_request_logs_admitted_requested_at",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_request_logs_admitted_requested_at
				ON request_logs (admitted, requested_at DESC)
			`,
		},
	}
	for _, item := range ddls {
		if errDDL := conn.Exec(item.sql).Error; errDDL != nil {
			return fmt.Errorf("db: create index %s: %w", item.name, errDDL)
		}
	}

	return nil
}

// EnsureAdmin seeds the operator account when it does not exist yet.
// An existing admin row is never overwritten, so password changes in the
// config file after first boot have no effect.
func EnsureAdmin(conn *gorm.DB, username, password string) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil
	}

	var existing models.Admin
	errFind := conn.Where("username = ?", username).First(&existing).Error
	if errFind == nil {
		return nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: query admin: %w", errFind)
	}

	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		return fmt.Errorf("db: hash admin password: %w", errHash)
	}
	now := time.Now().UTC()
	admin := models.Admin{
		Username:  username,
		Password:  hash,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if errCreate := conn.Create(&admin).Error; errCreate != nil {
		return fmt.Errorf("db: create admin: %w", errCreate)
	}
	return nil
}
