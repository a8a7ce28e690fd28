package wallet

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the wallet ledger and transaction-log logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the user's balance record, zero-valued if the wallet has
// never been touched. The row itself is created lazily on the first
// debit/credit/refund.
func (service *Service) Balance(ctx context.Context, userID UserID) (BalanceRecord, error) {
	record, err := service.store.GetBalance(ctx, userID)
	if err != nil {
		return BalanceRecord{}, err
	}
	record.UserID = userID
	return record, nil
}

// Debit reserves funds for a purchase: it locks the balance row, refuses when
// the balance cannot cover the amount, and otherwise decrements the balance,
// increments total_spent, and inserts the pending purchase transaction in the
// same atomic unit.
func (service *Service) Debit(ctx context.Context, userID UserID, amount PositiveAmountCents, reference Reference, details PurchaseDetails) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		record, err := transactionStore.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if record.BalanceCents.Int64() < amount.Int64() {
			return &InsufficientFundsError{
				BalanceCents:  record.BalanceCents,
				RequiredCents: amount.ToAmountCents(),
			}
		}
		record.BalanceCents = AmountCents(record.BalanceCents.Int64() - amount.Int64())
		record.TotalSpentCents = AmountCents(record.TotalSpentCents.Int64() + amount.Int64())
		if err := transactionStore.SaveBalance(ctx, record); err != nil {
			return err
		}
		return transactionStore.InsertTransaction(ctx, TransactionInput{
			Reference:      reference,
			Type:           TransactionPurchase,
			Status:         StatusPending,
			AmountCents:    amount.ToAmountCents(),
			UserID:         &userID,
			Network:        details.Network,
			PackageID:      details.PackageID,
			PhoneNumber:    details.Phone,
			PaymentMethod:  details.Method,
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		UserID:    userID,
		Reference: reference,
		Amount:    amount.ToAmountCents(),
		Error:     operationError,
	})
	return operationError
}

// Credit funds the wallet: it locks (creating the balance row if absent),
// increments balance and total_funded, and inserts a successful funding
// transaction in the same atomic unit.
func (service *Service) Credit(ctx context.Context, userID UserID, amount PositiveAmountCents, reference Reference, message string) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return service.applyCredit(ctx, transactionStore, userID, amount, reference, PaymentMethodWallet(), message, false)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		UserID:    userID,
		Reference: reference,
		Amount:    amount.ToAmountCents(),
		Error:     operationError,
	})
	return operationError
}

// Refund returns a debited amount to the wallet after a failed purchase. The
// compensating record carries a reference derived from the original, so a
// replayed refund is detected and absorbed as a no-op. total_spent is only
// reversed for wallet-funded purchases; a gateway-funded purchase never
// incremented it.
func (service *Service) Refund(ctx context.Context, userID UserID, amount PositiveAmountCents, originalReference Reference, method PaymentMethod) (Reference, error) {
	refundReference := RefundReference(originalReference)
	clamped := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetTransaction(ctx, refundReference); err == nil {
			return nil // already compensated
		} else if !errors.Is(err, ErrUnknownTransaction) {
			return err
		}
		wasClamped, err := service.applyRefund(ctx, transactionStore, userID, amount, refundReference, method)
		clamped = wasClamped
		return err
	})
	status := ""
	if clamped {
		status = operationStatusIntegrityWarning
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    userID,
		Reference: refundReference,
		Amount:    amount.ToAmountCents(),
		Status:    status,
		Error:     operationError,
	})
	if operationError != nil {
		return Reference{}, operationError
	}
	return refundReference, nil
}

// applyRefund mutates the locked balance and writes the compensating funding
// record. Reports whether total_spent had to be clamped at zero.
func (service *Service) applyRefund(ctx context.Context, transactionStore Store, userID UserID, amount PositiveAmountCents, refundReference Reference, method PaymentMethod) (bool, error) {
	record, err := transactionStore.LockBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	record.BalanceCents = AmountCents(record.BalanceCents.Int64() + amount.Int64())
	clamped := false
	if method.IsWallet() {
		remaining := record.TotalSpentCents.Int64() - amount.Int64()
		if remaining < 0 {
			remaining = 0
			clamped = true
		}
		record.TotalSpentCents = AmountCents(remaining)
		// Keep balance == funded - spent exact even on the clamped path.
		record.TotalFundedCents = AmountCents(record.BalanceCents.Int64() + record.TotalSpentCents.Int64())
	} else {
		record.TotalFundedCents = AmountCents(record.TotalFundedCents.Int64() + amount.Int64())
	}
	if err := transactionStore.SaveBalance(ctx, record); err != nil {
		return clamped, err
	}
	err = transactionStore.InsertTransaction(ctx, TransactionInput{
		Reference:      refundReference,
		Type:           TransactionFunding,
		Status:         StatusSuccess,
		AmountCents:    amount.ToAmountCents(),
		UserID:         &userID,
		PaymentMethod:  method,
		Message:        "reversal of " + refundReference.String()[len(refundReferencePrefix):],
		CreatedUnixUTC: service.nowFn(),
	})
	if errors.Is(err, ErrDuplicateReference) {
		return clamped, nil // concurrent compensation won the race
	}
	return clamped, err
}

// applyCredit mutates the locked balance and inserts the funding record.
func (service *Service) applyCredit(ctx context.Context, transactionStore Store, userID UserID, amount PositiveAmountCents, reference Reference, method PaymentMethod, message string, markExisting bool) error {
	record, err := transactionStore.LockBalance(ctx, userID)
	if err != nil {
		return err
	}
	record.BalanceCents = AmountCents(record.BalanceCents.Int64() + amount.Int64())
	record.TotalFundedCents = AmountCents(record.TotalFundedCents.Int64() + amount.Int64())
	if err := transactionStore.SaveBalance(ctx, record); err != nil {
		return err
	}
	if markExisting {
		return nil
	}
	return transactionStore.InsertTransaction(ctx, TransactionInput{
		Reference:      reference,
		Type:           TransactionFunding,
		Status:         StatusSuccess,
		AmountCents:    amount.ToAmountCents(),
		UserID:         &userID,
		PaymentMethod:  method,
		Message:        message,
		CreatedUnixUTC: service.nowFn(),
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
