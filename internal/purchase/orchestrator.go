package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/topup/pkg/wallet"
	"go.uber.org/zap"
)

const (
	defaultRefundAttempts = 3
	refundRetryBackoff    = 100 * time.Millisecond
)

// Orchestrator drives a purchase attempt through
// initiated -> funds_reserved -> vendor_requested -> {fulfilled | vendor_failed} -> {success | refunded}.
type Orchestrator struct {
	ledger         *wallet.Service
	packages       PackageFinder
	vendorGateway  VendorGateway
	payments       PaymentInitiator
	logger         *zap.Logger
	refundAttempts int
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(ledger *wallet.Service, packages PackageFinder, vendorGateway VendorGateway, payments PaymentInitiator, logger *zap.Logger) (*Orchestrator, error) {
	if ledger == nil || packages == nil || vendorGateway == nil || payments == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidOrchestrator)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		ledger:         ledger,
		packages:       packages,
		vendorGateway:  vendorGateway,
		payments:       payments,
		logger:         logger,
		refundAttempts: defaultRefundAttempts,
	}, nil
}

// Purchase executes the wallet-funded flow: validate, reserve funds, call the
// vendor, settle. A refused debit surfaces as InsufficientFundsError with no
// transaction created; a vendor failure is compensated before returning.
func (orchestrator *Orchestrator) Purchase(ctx context.Context, input PurchaseInput) (Result, error) {
	bundle, err := orchestrator.validatePackage(ctx, input.PackageID, input.Network)
	if err != nil {
		return Result{}, err
	}
	reference, err := wallet.NewPurchaseReference()
	if err != nil {
		return Result{}, err
	}
	details := wallet.PurchaseDetails{
		Network:   bundle.Network,
		PackageID: bundle.ID,
		Phone:     input.Phone,
		Method:    wallet.PaymentMethodWallet(),
	}
	if err := orchestrator.ledger.Debit(ctx, input.UserID, bundle.PriceCents, reference, details); err != nil {
		return Result{}, err
	}
	transaction, err := orchestrator.ledger.Transaction(ctx, reference)
	if err != nil {
		return Result{}, err
	}
	return orchestrator.Fulfill(ctx, transaction)
}

// InitiateDirect starts the guest/direct-payment flow: a pending transaction
// with no funds movement plus a hosted-payment session. Fulfillment happens
// later, when the gateway webhook lands.
func (orchestrator *Orchestrator) InitiateDirect(ctx context.Context, input DirectPurchaseInput) (SessionResult, error) {
	bundle, err := orchestrator.validatePackage(ctx, input.PackageID, input.Network)
	if err != nil {
		return SessionResult{}, err
	}
	if input.Gateway.IsWallet() {
		return SessionResult{}, ErrWalletNotAccepted
	}
	reference, err := wallet.NewPurchaseReference()
	if err != nil {
		return SessionResult{}, err
	}
	details := wallet.PurchaseDetails{
		Network:   bundle.Network,
		PackageID: bundle.ID,
		Phone:     input.Phone,
		Method:    input.Gateway,
	}
	if err := orchestrator.ledger.RecordPendingPurchase(ctx, input.UserID, bundle.PriceCents, reference, details); err != nil {
		return SessionResult{}, err
	}
	return orchestrator.openSession(ctx, input.Gateway, bundle.PriceCents, reference, input.Email)
}

// InitiateFunding starts an authenticated wallet top-up: a pending funding
// transaction plus a payment session. The webhook reconciler credits the
// wallet on confirmation.
func (orchestrator *Orchestrator) InitiateFunding(ctx context.Context, userID wallet.UserID, amount wallet.PositiveAmountCents, gateway wallet.PaymentMethod, email string) (SessionResult, error) {
	if gateway.IsWallet() {
		return SessionResult{}, ErrWalletNotAccepted
	}
	reference, err := wallet.NewFundingReference()
	if err != nil {
		return SessionResult{}, err
	}
	if err := orchestrator.ledger.RecordPendingFunding(ctx, userID, amount, reference, gateway); err != nil {
		return SessionResult{}, err
	}
	return orchestrator.openSession(ctx, gateway, amount, reference, email)
}

// Fulfill runs the vendor step for a pending purchase and settles the
// transaction: success marks it fulfilled; failure compensates the payer and
// marks it failed. The compensation is retried and never skipped — on
// persistent store failure the transaction stays pending rather than settling
// unrefunded.
func (orchestrator *Orchestrator) Fulfill(ctx context.Context, transaction wallet.Transaction) (Result, error) {
	vendorResult := orchestrator.vendorGateway.PurchaseData(ctx, transaction)
	if vendorResult.Success {
		if err := orchestrator.ledger.CompletePurchase(ctx, transaction.Reference, vendorResult.VendorReference, vendorResult.Raw); err != nil {
			if errors.Is(err, wallet.ErrTransactionFinal) {
				return orchestrator.settledResult(ctx, transaction.Reference)
			}
			return Result{}, err
		}
		return Result{
			Reference:       transaction.Reference,
			Status:          wallet.StatusSuccess,
			Message:         vendorResult.Message,
			VendorReference: vendorResult.VendorReference,
		}, nil
	}

	owner := transaction.UserID
	if owner == nil {
		guest := wallet.GuestUserID(transaction.PhoneNumber)
		owner = &guest
	}
	amount, err := wallet.NewPositiveAmountCents(transaction.AmountCents.Int64())
	if err != nil {
		return Result{}, err
	}
	if err := orchestrator.refundWithRetry(ctx, *owner, amount, transaction.Reference, transaction.PaymentMethod); err != nil {
		orchestrator.logger.Error("refund after vendor failure did not apply",
			zap.String("reference", transaction.Reference.String()),
			zap.Error(err))
		return Result{}, err
	}
	if err := orchestrator.ledger.FailPurchase(ctx, transaction.Reference, vendorResult.Message, vendorResult.Raw); err != nil && !errors.Is(err, wallet.ErrTransactionFinal) {
		return Result{}, err
	}
	return Result{
		Reference: transaction.Reference,
		Status:    wallet.StatusFailed,
		Message:   vendorResult.Message,
	}, nil
}

func (orchestrator *Orchestrator) refundWithRetry(ctx context.Context, userID wallet.UserID, amount wallet.PositiveAmountCents, reference wallet.Reference, method wallet.PaymentMethod) error {
	var lastErr error
	for attempt := 0; attempt < orchestrator.refundAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * refundRetryBackoff):
			}
		}
		if _, err := orchestrator.ledger.Refund(ctx, userID, amount, reference, method); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (orchestrator *Orchestrator) validatePackage(ctx context.Context, packageID string, network wallet.Network) (Package, error) {
	bundle, err := orchestrator.packages.FindPackage(ctx, packageID)
	if err != nil {
		return Package{}, err
	}
	if !bundle.Active {
		return Package{}, ErrPackageInactive
	}
	if bundle.Network != network {
		return Package{}, ErrNetworkMismatch
	}
	return bundle, nil
}

func (orchestrator *Orchestrator) openSession(ctx context.Context, gateway wallet.PaymentMethod, amount wallet.PositiveAmountCents, reference wallet.Reference, email string) (SessionResult, error) {
	session, err := orchestrator.payments.CreateSession(ctx, gateway, amount, reference, email)
	if err != nil {
		// No funds moved yet; close the intent so it cannot be reconciled later.
		if cancelErr := orchestrator.ledger.CancelTransaction(ctx, reference); cancelErr != nil {
			orchestrator.logger.Error("pending transaction could not be cancelled after session failure",
				zap.String("reference", reference.String()),
				zap.Error(cancelErr))
		}
		return SessionResult{}, err
	}
	return SessionResult{
		Reference:        reference,
		AuthorizationURL: session.AuthorizationURL,
		AccessCode:       session.AccessCode,
	}, nil
}

// settledResult reloads a transaction that a concurrent path already settled.
func (orchestrator *Orchestrator) settledResult(ctx context.Context, reference wallet.Reference) (Result, error) {
	transaction, err := orchestrator.ledger.Transaction(ctx, reference)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Reference:       transaction.Reference,
		Status:          transaction.Status,
		Message:         transaction.Message,
		VendorReference: transaction.VendorReference,
	}, nil
}
