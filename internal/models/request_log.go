package models

import "time"

// RequestLog records one admission decision for observability.
type RequestLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID *uint64 `gorm:"index"`           // Account the decision applied to, if resolved.
	Account   string  `gorm:"type:text"`       // Account name at decision time.
	Method    string  `gorm:"type:text"`       // HTTP method of the gated request.
	Path      string  `gorm:"type:text"`       // Request path.

	Admitted  bool   `gorm:"not null"`  // Whether the request passed admission.
	Reason    string `gorm:"type:text"` // Denial reason when not admitted.
	Remaining int64  `gorm:"not null"`  // Remaining quota reported with the decision.

	RequestedAt time.Time `gorm:"not null;index"`          // When the request arrived.
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"` // Row creation timestamp.
}
