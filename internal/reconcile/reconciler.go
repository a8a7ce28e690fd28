package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MarkoPoloResearchLab/topup/internal/payment"
	"github.com/MarkoPoloResearchLab/topup/internal/purchase"
	"github.com/MarkoPoloResearchLab/topup/pkg/wallet"
	"go.uber.org/zap"
)

// Webhook rejection errors. None of them carry gateway detail back to the caller.
var (
	ErrSignatureInvalid  = errors.New("webhook signature could not be verified")
	ErrUnknownGateway    = errors.New("no webhook secret configured for gateway")
	ErrInvalidReconciler = errors.New("invalid reconciler config")
)

// OutcomeCode classifies a handled webhook.
type OutcomeCode string

const (
	OutcomeProcessed OutcomeCode = "processed"
	OutcomeDuplicate OutcomeCode = "duplicate"
	OutcomePending   OutcomeCode = "pending"
	OutcomeFailed    OutcomeCode = "failed"
)

// Outcome is the success-shaped answer returned for every verified,
// resolvable delivery, duplicates included.
type Outcome struct {
	Code      OutcomeCode
	Reference wallet.Reference
	Message   string
}

// Fulfiller runs the vendor step for a paid purchase. (The purchase
// Orchestrator implements this; the reconciler reuses its vendor logic
// instead of duplicating it.)
type Fulfiller interface {
	Fulfill(ctx context.Context, transaction wallet.Transaction) (purchase.Result, error)
}

// Reconciler maps asynchronous gateway notifications onto pending
// transactions, exactly once.
type Reconciler struct {
	ledger    *wallet.Service
	fulfiller Fulfiller
	secrets   map[string]string
	logger    *zap.Logger
}

// NewReconciler wires a Reconciler. secrets maps gateway name to its shared
// webhook secret.
func NewReconciler(ledger *wallet.Service, fulfiller Fulfiller, secrets map[string]string, logger *zap.Logger) (*Reconciler, error) {
	if ledger == nil || fulfiller == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidReconciler)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		ledger:    ledger,
		fulfiller: fulfiller,
		secrets:   secrets,
		logger:    logger,
	}, nil
}

// HandleWebhook verifies, resolves, and applies one gateway notification.
//
// Unverifiable requests and unknown references are rejected with no state
// change. A delivery against a terminal transaction is absorbed as a
// duplicate. Unrecognized gateway statuses persist the payload and cause no
// transition.
func (reconciler *Reconciler) HandleWebhook(ctx context.Context, gateway string, rawBody []byte, header http.Header) (Outcome, error) {
	secret, configured := reconciler.secrets[gateway]
	if !configured {
		reconciler.logger.Warn("webhook for unconfigured gateway", zap.String("gateway", gateway))
		return Outcome{}, ErrUnknownGateway
	}
	if !payment.VerifySignature(gateway, rawBody, header, secret) {
		reconciler.logger.Warn("webhook signature rejected", zap.String("gateway", gateway))
		return Outcome{}, ErrSignatureInvalid
	}

	event, err := payment.ParseWebhook(rawBody)
	if err != nil {
		reconciler.logger.Warn("webhook payload rejected", zap.String("gateway", gateway), zap.Error(err))
		return Outcome{}, err
	}
	reference, err := wallet.NewReference(event.Reference)
	if err != nil {
		return Outcome{}, payment.ErrMalformedPayload
	}

	transaction, err := reconciler.ledger.Transaction(ctx, reference)
	if err != nil {
		if errors.Is(err, wallet.ErrUnknownTransaction) {
			reconciler.logger.Warn("webhook for unknown reference",
				zap.String("gateway", gateway),
				zap.String("reference", reference.String()))
		}
		return Outcome{}, err
	}
	if transaction.Status.IsTerminal() {
		return Outcome{Code: OutcomeDuplicate, Reference: reference, Message: "already processed"}, nil
	}
	if event.AmountCents > 0 && event.AmountCents != transaction.AmountCents.Int64() {
		reconciler.logger.Warn("webhook amount differs from transaction",
			zap.String("reference", reference.String()),
			zap.Int64("webhook_amount_cents", event.AmountCents),
			zap.Int64("transaction_amount_cents", transaction.AmountCents.Int64()))
	}

	switch payment.MapStatus(event.Status) {
	case payment.StatusPending:
		if err := reconciler.ledger.RecordGatewayPayload(ctx, reference, event.Raw); err != nil {
			return Outcome{}, err
		}
		return Outcome{Code: OutcomePending, Reference: reference, Message: "no transition"}, nil

	case payment.StatusFailed:
		err := reconciler.ledger.MarkGatewayFailure(ctx, reference, "payment reported "+event.Status+" by gateway", event.Raw)
		if errors.Is(err, wallet.ErrTransactionFinal) {
			return Outcome{Code: OutcomeDuplicate, Reference: reference, Message: "already processed"}, nil
		}
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Code: OutcomeFailed, Reference: reference, Message: "payment failed"}, nil

	default: // success
		return reconciler.applySuccess(ctx, transaction, event)
	}
}

func (reconciler *Reconciler) applySuccess(ctx context.Context, transaction wallet.Transaction, event payment.Event) (Outcome, error) {
	reference := transaction.Reference
	if transaction.Type == wallet.TransactionFunding {
		if _, err := reconciler.ledger.ConfirmFunding(ctx, reference, event.Raw); err != nil {
			if errors.Is(err, wallet.ErrTransactionFinal) {
				return Outcome{Code: OutcomeDuplicate, Reference: reference, Message: "already processed"}, nil
			}
			return Outcome{}, err
		}
		return Outcome{Code: OutcomeProcessed, Reference: reference, Message: "wallet credited"}, nil
	}

	// Paid purchase: persist the payload, then run the shared vendor step.
	if err := reconciler.ledger.RecordGatewayPayload(ctx, reference, event.Raw); err != nil {
		return Outcome{}, err
	}
	result, err := reconciler.fulfiller.Fulfill(ctx, transaction)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Code: OutcomeProcessed, Reference: reference, Message: result.Message}, nil
}
