package wallet

import (
	"context"
	"fmt"
	"strings"
)

// AmountCents is a non-negative currency value in minor units (2 decimals).
type AmountCents int64

// PositiveAmountCents is a strictly positive operation amount.
type PositiveAmountCents int64

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// Reference is the unique external identifier of a transaction.
type Reference struct {
	value string
}

// PhoneNumber is a delivery target for a data bundle.
type PhoneNumber struct {
	value string
}

// Network names the mobile network a bundle is provisioned on.
type Network struct {
	value string
}

// PaymentMethod names the funding source of a transaction: the wallet
// itself, or a payment gateway such as "paystack" or "flutterwave".
type PaymentMethod struct {
	value string
}

// TransactionType enumerates money-moving intents.
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionFunding  TransactionType = "funding"
)

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusSuccess   TransactionStatus = "success"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
	StatusRefunded  TransactionStatus = "refunded"
)

// BalanceRecord is one user's wallet balance row.
// Invariant: BalanceCents == TotalFundedCents - TotalSpentCents.
type BalanceRecord struct {
	UserID           UserID
	BalanceCents     AmountCents
	TotalFundedCents AmountCents
	TotalSpentCents  AmountCents
}

// Transaction is one money-moving record in the transaction log.
type Transaction struct {
	Reference       Reference
	Type            TransactionType
	Status          TransactionStatus
	AmountCents     AmountCents
	UserID          *UserID
	Network         Network
	PackageID       string
	PhoneNumber     PhoneNumber
	PaymentMethod   PaymentMethod
	VendorReference string
	VendorResponse  string
	GatewayPayload  string
	Message         string
	CreatedUnixUTC  int64
	UpdatedUnixUTC  int64
}

// TransactionInput carries the fields of a new transaction row.
type TransactionInput struct {
	Reference      Reference
	Type           TransactionType
	Status         TransactionStatus
	AmountCents    AmountCents
	UserID         *UserID
	Network        Network
	PackageID      string
	PhoneNumber    PhoneNumber
	PaymentMethod  PaymentMethod
	Message        string
	CreatedUnixUTC int64
}

// TransactionUpdate carries optional fields applied on a status transition.
// Empty strings leave the stored value untouched.
type TransactionUpdate struct {
	VendorReference string
	VendorResponse  string
	GatewayPayload  string
	Message         string
	UpdatedUnixUTC  int64
}

// VendorAttemptInput opens an audit row before a vendor call goes out.
type VendorAttemptInput struct {
	Reference      Reference
	RequestPayload string
	CreatedUnixUTC int64
}

// VendorAttemptUpdate fills in the response once received.
type VendorAttemptUpdate struct {
	ResponsePayload string
	HTTPStatus      int
	ErrorText       string
}

// Store is the persistence contract used by Service.
// (gormstore and pgstore implement this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, userID UserID) (BalanceRecord, error)
	LockBalance(ctx context.Context, userID UserID) (BalanceRecord, error)
	SaveBalance(ctx context.Context, record BalanceRecord) error
	InsertTransaction(ctx context.Context, input TransactionInput) error
	GetTransaction(ctx context.Context, reference Reference) (Transaction, error)
	GetTransactionForUpdate(ctx context.Context, reference Reference) (Transaction, error)
	UpdateTransactionStatus(ctx context.Context, reference Reference, from, to TransactionStatus, update TransactionUpdate) error
	AttachGatewayPayload(ctx context.Context, reference Reference, payload string, updatedUnixUTC int64) error
	ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error)
	RecordVendorAttempt(ctx context.Context, input VendorAttemptInput) (string, error)
	CompleteVendorAttempt(ctx context.Context, attemptID string, update VendorAttemptUpdate) error
}

// NewAmountCents validates a non-negative amount.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw minor-unit value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmountCents validates a strictly positive amount.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return PositiveAmountCents(raw), nil
}

// ToAmountCents widens to the non-negative amount type.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// Int64 returns the raw minor-unit value.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// GuestUserID derives the auto-created wallet owner for a guest purchase
// from the delivery phone number. Deterministic so repeated guest activity
// on the same number lands on one wallet.
func GuestUserID(phone PhoneNumber) UserID {
	return UserID{value: guestUserPrefix + phone.Digits()}
}

// NewReference validates a transaction reference.
func NewReference(raw string) (Reference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	return Reference{value: trimmed}, nil
}

// String returns the reference value.
func (reference Reference) String() string {
	return reference.value
}

// NewPhoneNumber validates a delivery phone number: an optional leading
// plus followed by at least seven digits, ignoring spaces and dashes.
func NewPhoneNumber(raw string) (PhoneNumber, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	digits := cleaned
	if strings.HasPrefix(digits, "+") {
		digits = digits[1:]
	}
	if len(digits) < minPhoneDigits {
		return PhoneNumber{}, fmt.Errorf("%w: too short", ErrInvalidPhoneNumber)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return PhoneNumber{}, fmt.Errorf("%w: non-digit character", ErrInvalidPhoneNumber)
		}
	}
	return PhoneNumber{value: cleaned}, nil
}

// String returns the normalized phone number.
func (phone PhoneNumber) String() string {
	return phone.value
}

// Digits returns the phone number without its leading plus.
func (phone PhoneNumber) Digits() string {
	return strings.TrimPrefix(phone.value, "+")
}

// NewNetwork validates and lowercases a network name.
func NewNetwork(raw string) (Network, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return Network{}, fmt.Errorf("%w: empty value", ErrInvalidNetwork)
	}
	return Network{value: normalized}, nil
}

// String returns the normalized network name.
func (network Network) String() string {
	return network.value
}

// NewPaymentMethod validates and lowercases a payment method name.
func NewPaymentMethod(raw string) (PaymentMethod, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return PaymentMethod{}, fmt.Errorf("%w: empty value", ErrInvalidPaymentMethod)
	}
	return PaymentMethod{value: normalized}, nil
}

// PaymentMethodWallet is the prepaid-wallet funding source.
func PaymentMethodWallet() PaymentMethod {
	return PaymentMethod{value: paymentMethodWallet}
}

// String returns the normalized method name.
func (method PaymentMethod) String() string {
	return method.value
}

// IsWallet reports whether the transaction was funded from the wallet.
func (method PaymentMethod) IsWallet() bool {
	return method.value == paymentMethodWallet
}

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionPurchase, TransactionFunding:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the type value.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ParseTransactionStatus validates a stored transaction status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(raw) {
	case StatusPending, StatusSuccess, StatusFailed, StatusCancelled, StatusRefunded:
		return TransactionStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
}

// String returns the status value.
func (status TransactionStatus) String() string {
	return string(status)
}

// IsTerminal reports whether a transaction in this status may no longer
// transition. Duplicate webhook deliveries against a terminal transaction
// are no-ops.
func (status TransactionStatus) IsTerminal() bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// PurchaseDetails carries the bundle fields recorded on a purchase transaction.
type PurchaseDetails struct {
	Network   Network
	PackageID string
	Phone     PhoneNumber
	Method    PaymentMethod
}

// Consistent reports whether the conservation invariant holds on the record.
func (record BalanceRecord) Consistent() bool {
	return record.BalanceCents.Int64() == record.TotalFundedCents.Int64()-record.TotalSpentCents.Int64()
}
