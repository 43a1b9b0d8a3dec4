package models

import "time"

// Account represents a credentialed consumer of the relay.
type Account struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name      string `gorm:"type:text;not null;uniqueIndex"` // Unique account name.
	KeyDigest string `gorm:"type:text;not null;uniqueIndex"` // SHA-256 hex digest of the bearer key.
	Plan      string `gorm:"type:text;not null;default:free"` // Plan tier name.

	RequestCount int64     `gorm:"not null;default:0"`      // Admitted requests in the current period.
	PeriodStart  time.Time `gorm:"not null"`                // Start of the current counting period.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
