package purchase

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/topup/internal/payment"
	"github.com/MarkoPoloResearchLab/topup/internal/vendor"
	"github.com/MarkoPoloResearchLab/topup/pkg/wallet"
)

// Validation errors carry no side effects and are surfaced to the caller verbatim.
var (
	ErrPackageNotFound     = errors.New("package not found")
	ErrPackageInactive     = errors.New("package is not active")
	ErrNetworkMismatch     = errors.New("package does not belong to the requested network")
	ErrWalletNotAccepted   = errors.New("direct payment requires a gateway, not the wallet")
	ErrInvalidOrchestrator = errors.New("invalid orchestrator config")
)

// Package is one purchasable data bundle from the catalog.
type Package struct {
	ID         string
	Network    wallet.Network
	Name       string
	PriceCents wallet.PositiveAmountCents
	Active     bool
}

// PackageFinder resolves catalog entries. (gormstore and pgstore implement this.)
type PackageFinder interface {
	FindPackage(ctx context.Context, packageID string) (Package, error)
}

// VendorGateway is the upstream bundle vendor, always answering with a
// definite result.
type VendorGateway interface {
	PurchaseData(ctx context.Context, transaction wallet.Transaction) vendor.Result
}

// PaymentInitiator opens hosted-payment sessions for the direct and funding flows.
type PaymentInitiator interface {
	CreateSession(ctx context.Context, gateway wallet.PaymentMethod, amount wallet.PositiveAmountCents, reference wallet.Reference, email string) (payment.Session, error)
}

// PurchaseInput is a wallet-funded purchase request.
type PurchaseInput struct {
	UserID    wallet.UserID
	PackageID string
	Network   wallet.Network
	Phone     wallet.PhoneNumber
}

// DirectPurchaseInput is a guest/direct-payment purchase request. UserID is
// nil for anonymous guests.
type DirectPurchaseInput struct {
	UserID    *wallet.UserID
	PackageID string
	Network   wallet.Network
	Phone     wallet.PhoneNumber
	Gateway   wallet.PaymentMethod
	Email     string
}

// Result reports the outcome of a purchase attempt. Status mirrors the
// transaction's final state; Message is human-readable and safe to show.
type Result struct {
	Reference       wallet.Reference
	Status          wallet.TransactionStatus
	Message         string
	VendorReference string
}

// SessionResult reports an opened payment session for a deferred flow.
type SessionResult struct {
	Reference        wallet.Reference
	AuthorizationURL string
	AccessCode       string
}
