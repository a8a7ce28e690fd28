package wallet

const (
	operationDebit          = "debit"
	operationCredit         = "credit"
	operationRefund         = "refund"
	operationConfirmFunding = "confirm_funding"
	operationComplete       = "complete_purchase"
	operationFail           = "fail_purchase"
	operationCancel         = "cancel"
	operationManualRefund   = "manual_refund"

	operationStatusOK               = "ok"
	operationStatusError            = "error"
	operationStatusIntegrityWarning = "integrity_warning"

	paymentMethodWallet = "wallet"
	guestUserPrefix     = "guest-"

	purchaseReferencePrefix = "PUR-"
	fundingReferencePrefix  = "FUND-"
	refundReferencePrefix   = "RF-"
	referenceTokenLength    = 12

	minPhoneDigits = 7
)
