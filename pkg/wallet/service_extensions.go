package wallet

import (
	"context"
	"errors"
)

// RecordPendingPurchase logs a purchase intent with no funds movement, for
// the direct-payment path where the debit happens at the gateway. The owner
// may be nil until a guest account is materialized.
func (service *Service) RecordPendingPurchase(ctx context.Context, owner *UserID, amount PositiveAmountCents, reference Reference, details PurchaseDetails) error {
	err := service.store.InsertTransaction(ctx, TransactionInput{
		Reference:      reference,
		Type:           TransactionPurchase,
		Status:         StatusPending,
		AmountCents:    amount.ToAmountCents(),
		UserID:         owner,
		Network:        details.Network,
		PackageID:      details.PackageID,
		PhoneNumber:    details.Phone,
		PaymentMethod:  details.Method,
		CreatedUnixUTC: service.nowFn(),
	})
	log := OperationLog{Operation: operationDebit, Reference: reference, Amount: amount.ToAmountCents(), Error: err}
	if owner != nil {
		log.UserID = *owner
	}
	service.logOperation(ctx, log)
	return err
}

// RecordPendingFunding logs a wallet-funding intent awaiting gateway payment.
func (service *Service) RecordPendingFunding(ctx context.Context, userID UserID, amount PositiveAmountCents, reference Reference, method PaymentMethod) error {
	err := service.store.InsertTransaction(ctx, TransactionInput{
		Reference:      reference,
		Type:           TransactionFunding,
		Status:         StatusPending,
		AmountCents:    amount.ToAmountCents(),
		UserID:         &userID,
		PaymentMethod:  method,
		CreatedUnixUTC: service.nowFn(),
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		UserID:    userID,
		Reference: reference,
		Amount:    amount.ToAmountCents(),
		Error:     err,
	})
	return err
}

// ConfirmFunding applies a gateway-confirmed payment to a pending funding
// transaction: the wallet credit and the pending→success transition commit in
// one atomic unit. Returns ErrTransactionFinal when the transaction was
// already settled, which callers treat as a duplicate delivery.
func (service *Service) ConfirmFunding(ctx context.Context, reference Reference, gatewayPayload string) (Transaction, error) {
	var confirmed Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		transaction, err := transactionStore.GetTransactionForUpdate(ctx, reference)
		if err != nil {
			return err
		}
		if transaction.Type != TransactionFunding {
			return ErrInvalidTransactionType
		}
		if transaction.Status != StatusPending {
			return ErrTransactionFinal
		}
		if transaction.UserID == nil {
			return ErrTransactionOwnerless
		}
		amount, err := NewPositiveAmountCents(transaction.AmountCents.Int64())
		if err != nil {
			return err
		}
		if err := service.applyCredit(ctx, transactionStore, *transaction.UserID, amount, reference, transaction.PaymentMethod, "", true); err != nil {
			return err
		}
		if err := transactionStore.UpdateTransactionStatus(ctx, reference, StatusPending, StatusSuccess, TransactionUpdate{
			GatewayPayload: gatewayPayload,
			UpdatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		transaction.Status = StatusSuccess
		transaction.GatewayPayload = gatewayPayload
		confirmed = transaction
		return nil
	})
	log := OperationLog{Operation: operationConfirmFunding, Reference: reference, Error: operationError}
	if confirmed.UserID != nil {
		log.UserID = *confirmed.UserID
		log.Amount = confirmed.AmountCents
	}
	service.logOperation(ctx, log)
	if operationError != nil {
		return Transaction{}, operationError
	}
	return confirmed, nil
}

// CompletePurchase marks a pending purchase fulfilled by the vendor.
func (service *Service) CompletePurchase(ctx context.Context, reference Reference, vendorReference string, vendorResponse string) error {
	err := service.store.UpdateTransactionStatus(ctx, reference, StatusPending, StatusSuccess, TransactionUpdate{
		VendorReference: vendorReference,
		VendorResponse:  vendorResponse,
		UpdatedUnixUTC:  service.nowFn(),
	})
	service.logOperation(ctx, OperationLog{Operation: operationComplete, Reference: reference, Error: err})
	return err
}

// FailPurchase marks a pending purchase rejected by the vendor.
func (service *Service) FailPurchase(ctx context.Context, reference Reference, message string, vendorResponse string) error {
	err := service.store.UpdateTransactionStatus(ctx, reference, StatusPending, StatusFailed, TransactionUpdate{
		VendorResponse: vendorResponse,
		Message:        message,
		UpdatedUnixUTC: service.nowFn(),
	})
	service.logOperation(ctx, OperationLog{Operation: operationFail, Reference: reference, Error: err})
	return err
}

// MarkGatewayFailure marks a pending transaction failed on a gateway-reported
// payment failure.
func (service *Service) MarkGatewayFailure(ctx context.Context, reference Reference, message string, gatewayPayload string) error {
	err := service.store.UpdateTransactionStatus(ctx, reference, StatusPending, StatusFailed, TransactionUpdate{
		GatewayPayload: gatewayPayload,
		Message:        message,
		UpdatedUnixUTC: service.nowFn(),
	})
	service.logOperation(ctx, OperationLog{Operation: operationFail, Reference: reference, Error: err})
	return err
}

// CancelTransaction manually cancels a still-pending transaction.
func (service *Service) CancelTransaction(ctx context.Context, reference Reference) error {
	err := service.store.UpdateTransactionStatus(ctx, reference, StatusPending, StatusCancelled, TransactionUpdate{
		UpdatedUnixUTC: service.nowFn(),
	})
	service.logOperation(ctx, OperationLog{Operation: operationCancel, Reference: reference, Error: err})
	return err
}

// RefundPurchase manually compensates a failed purchase that was never
// refunded, moving it failed→refunded and crediting the owner's wallet. The
// derived refund reference makes a repeated call a no-op.
func (service *Service) RefundPurchase(ctx context.Context, reference Reference) (Reference, error) {
	refundReference := RefundReference(reference)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		transaction, err := transactionStore.GetTransactionForUpdate(ctx, reference)
		if err != nil {
			return err
		}
		if transaction.Type != TransactionPurchase {
			return ErrInvalidTransactionType
		}
		if transaction.Status != StatusFailed {
			return ErrTransactionFinal
		}
		owner := transaction.UserID
		if owner == nil {
			guest := GuestUserID(transaction.PhoneNumber)
			owner = &guest
		}
		amount, err := NewPositiveAmountCents(transaction.AmountCents.Int64())
		if err != nil {
			return err
		}
		if _, err := transactionStore.GetTransaction(ctx, refundReference); err == nil {
			// Compensation already exists; only flip the status.
			return transactionStore.UpdateTransactionStatus(ctx, reference, StatusFailed, StatusRefunded, TransactionUpdate{UpdatedUnixUTC: service.nowFn()})
		} else if !errors.Is(err, ErrUnknownTransaction) {
			return err
		}
		if _, err := service.applyRefund(ctx, transactionStore, *owner, amount, refundReference, transaction.PaymentMethod); err != nil {
			return err
		}
		return transactionStore.UpdateTransactionStatus(ctx, reference, StatusFailed, StatusRefunded, TransactionUpdate{UpdatedUnixUTC: service.nowFn()})
	})
	service.logOperation(ctx, OperationLog{Operation: operationManualRefund, Reference: reference, Error: operationError})
	if operationError != nil {
		return Reference{}, operationError
	}
	return refundReference, nil
}

// RecordGatewayPayload persists a raw gateway notification on the transaction
// without a status transition.
func (service *Service) RecordGatewayPayload(ctx context.Context, reference Reference, payload string) error {
	return service.store.AttachGatewayPayload(ctx, reference, payload, service.nowFn())
}

// Transaction returns the transaction for a reference.
func (service *Service) Transaction(ctx context.Context, reference Reference) (Transaction, error) {
	return service.store.GetTransaction(ctx, reference)
}

// ListTransactions lists a user's transactions before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, userID, beforeUnixUTC, limit)
}
