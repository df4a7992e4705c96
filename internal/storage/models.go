package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryRecord captures a delivered alert for auditing and the show command.
type DeliveryRecord struct {
	ID         int64
	UserID     int64
	RuleID     string
	Kind       string
	Asset      string
	Severity   string
	Value      decimal.Decimal
	Payload    map[string]decimal.Decimal
	Labels     map[string]string
	DetectedAt time.Time
	Status     string
	Error      *string
	CreatedAt  time.Time
}

// Delivery statuses.
const (
	DeliveryStatusSent   = "sent"
	DeliveryStatusFailed = "failed"
)
