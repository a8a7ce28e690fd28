package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WalletBalance represents the wallet_balances table, one row per user.
type WalletBalance struct {
	UserID           string    `gorm:"primaryKey"`
	BalanceCents     int64     `gorm:"not null"`
	TotalFundedCents int64     `gorm:"not null"`
	TotalSpentCents  int64     `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (WalletBalance) TableName() string { return "wallet_balances" }

// Transaction mirrors the transactions table.
type Transaction struct {
	TransactionID   string  `gorm:"type:uuid;primaryKey"`
	Reference       string  `gorm:"not null;uniqueIndex:uniq_transactions_reference"`
	UserID          *string `gorm:"index:idx_transactions_user_created,priority:1"`
	Type            string  `gorm:"not null"`
	Status          string  `gorm:"not null;index"`
	AmountCents     int64   `gorm:"not null"`
	Network         string
	PackageID       string
	PhoneNumber     string
	PaymentMethod   string
	VendorReference string
	VendorResponse  datatypes.JSON `gorm:"type:jsonb"`
	GatewayPayload  datatypes.JSON `gorm:"type:jsonb"`
	Message         string
	CreatedAt       time.Time `gorm:"not null;index:idx_transactions_user_created,priority:2"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// VendorAttempt mirrors the vendor_attempts audit table. Rows are written
// before the vendor call and completed after it; they are never deleted.
type VendorAttempt struct {
	AttemptID       string         `gorm:"type:uuid;primaryKey"`
	Reference       string         `gorm:"not null;index"`
	RequestPayload  datatypes.JSON `gorm:"type:jsonb"`
	ResponsePayload datatypes.JSON `gorm:"type:jsonb"`
	HTTPStatus      int
	ErrorText       string
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (VendorAttempt) TableName() string { return "vendor_attempts" }

func (attempt *VendorAttempt) BeforeCreate(tx *gorm.DB) error {
	if attempt.AttemptID == "" {
		attempt.AttemptID = uuid.NewString()
	}
	return nil
}

// DataPackage mirrors the data_packages catalog table.
type DataPackage struct {
	PackageID  string `gorm:"primaryKey"`
	Network    string `gorm:"not null;index"`
	Name       string `gorm:"not null"`
	PriceCents int64  `gorm:"not null"`
	Active     bool   `gorm:"not null"`
}

func (DataPackage) TableName() string { return "data_packages" }
