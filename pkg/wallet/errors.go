package wallet

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the wallet service.
var (
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrDuplicateReference       = errors.New("duplicate transaction reference")
	ErrUnknownTransaction       = errors.New("unknown transaction")
	ErrTransactionFinal         = errors.New("transaction already in a terminal state")
	ErrTransactionOwnerless     = errors.New("transaction has no owner")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidReference         = errors.New("invalid reference")
	ErrInvalidAmountCents       = errors.New("invalid amount cents")
	ErrInvalidPhoneNumber       = errors.New("invalid phone number")
	ErrInvalidNetwork           = errors.New("invalid network")
	ErrInvalidPaymentMethod     = errors.New("invalid payment method")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidBalance           = errors.New("invalid balance")
)

// InsufficientFundsError reports a refused debit together with the figures a
// client needs to offer a funding flow.
type InsufficientFundsError struct {
	BalanceCents  AmountCents
	RequiredCents AmountCents
}

// Error returns the formatted message with both amounts.
func (insufficient *InsufficientFundsError) Error() string {
	return fmt.Sprintf(
		"insufficient balance: current_balance=%s, required_amount=%s",
		FormatAmountCents(insufficient.BalanceCents),
		FormatAmountCents(insufficient.RequiredCents),
	)
}

// Unwrap ties the detailed error to the ErrInsufficientFunds sentinel.
func (insufficient *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
