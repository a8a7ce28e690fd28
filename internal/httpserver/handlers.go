package httpserver

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/MarkoPoloResearchLab/topup/internal/payment"
	"github.com/MarkoPoloResearchLab/topup/internal/purchase"
	"github.com/MarkoPoloResearchLab/topup/internal/reconcile"
	"github.com/MarkoPoloResearchLab/topup/pkg/wallet"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	maxWebhookBodySize  = 1 << 20
)

type httpHandler struct {
	ledger       *wallet.Service
	orchestrator *purchase.Orchestrator
	reconciler   *reconcile.Reconciler
	logger       *zap.Logger
}

type purchaseRequest struct {
	PackageID string `json:"package_id"`
	Network   string `json:"network"`
	Phone     string `json:"phone"`
}

type directPurchaseRequest struct {
	PackageID string `json:"package_id"`
	Network   string `json:"network"`
	Phone     string `json:"phone"`
	Gateway   string `json:"gateway"`
	Email     string `json:"email"`
}

type fundRequest struct {
	Amount  string `json:"amount"`
	Gateway string `json:"gateway"`
	Email   string `json:"email"`
}

type transactionPayload struct {
	Reference       string `json:"reference"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	Amount          string `json:"amount"`
	AmountCents     int64  `json:"amount_cents"`
	Network         string `json:"network,omitempty"`
	PackageID       string `json:"package_id,omitempty"`
	Phone           string `json:"phone,omitempty"`
	PaymentMethod   string `json:"payment_method,omitempty"`
	VendorReference string `json:"vendor_reference,omitempty"`
	Message         string `json:"message,omitempty"`
	CreatedUnixUTC  int64  `json:"created_unix_utc"`
	UpdatedUnixUTC  int64  `json:"updated_unix_utc"`
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	network, err := wallet.NewNetwork(request.Network)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	phone, err := wallet.NewPhoneNumber(request.Phone)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	result, err := handler.orchestrator.Purchase(ctx.Request.Context(), purchase.PurchaseInput{
		UserID:    userID,
		PackageID: request.PackageID,
		Network:   network,
		Phone:     phone,
	})
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reference":        result.Reference.String(),
		"status":           result.Status.String(),
		"message":          result.Message,
		"vendor_reference": result.VendorReference,
	})
}

func (handler *httpHandler) handleDirectPurchase(ctx *gin.Context) {
	var request directPurchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	network, err := wallet.NewNetwork(request.Network)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	phone, err := wallet.NewPhoneNumber(request.Phone)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	gateway, err := wallet.NewPaymentMethod(request.Gateway)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	input := purchase.DirectPurchaseInput{
		PackageID: request.PackageID,
		Network:   network,
		Phone:     phone,
		Gateway:   gateway,
		Email:     request.Email,
	}
	if userID, ok := currentUser(ctx); ok {
		input.UserID = &userID
	}
	session, err := handler.orchestrator.InitiateDirect(ctx.Request.Context(), input)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, sessionPayload(session))
}

func (handler *httpHandler) handleFundWallet(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request fundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := wallet.ParseAmount(request.Amount)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	gateway, err := wallet.NewPaymentMethod(request.Gateway)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	session, err := handler.orchestrator.InitiateFunding(ctx.Request.Context(), userID, amount, gateway, request.Email)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, sessionPayload(session))
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	record, err := handler.ledger.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":            record.UserID.String(),
		"balance":            wallet.FormatAmountCents(record.BalanceCents),
		"balance_cents":      record.BalanceCents.Int64(),
		"total_funded_cents": record.TotalFundedCents.Int64(),
		"total_spent_cents":  record.TotalSpentCents.Int64(),
	})
}

func (handler *httpHandler) handleListTransactions(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	before, _ := strconv.ParseInt(ctx.Query("before"), 10, 64)
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	transactions, err := handler.ledger.ListTransactions(ctx.Request.Context(), userID, before, limit)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, mapTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payloads})
}

// handleTransactionStatus is the public polling endpoint; the reference acts
// as the capability.
func (handler *httpHandler) handleTransactionStatus(ctx *gin.Context) {
	reference, err := wallet.NewReference(ctx.Param("reference"))
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	transaction, err := handler.ledger.Transaction(ctx.Request.Context(), reference)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reference":        transaction.Reference.String(),
		"type":             transaction.Type.String(),
		"status":           transaction.Status.String(),
		"amount":           wallet.FormatAmountCents(transaction.AmountCents),
		"message":          transaction.Message,
		"created_unix_utc": transaction.CreatedUnixUTC,
	})
}

func (handler *httpHandler) handleCancelTransaction(ctx *gin.Context) {
	reference, ok := handler.ownedTransaction(ctx)
	if !ok {
		return
	}
	if err := handler.ledger.CancelTransaction(ctx.Request.Context(), reference); err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reference": reference.String(), "status": wallet.StatusCancelled.String()})
}

func (handler *httpHandler) handleRefundTransaction(ctx *gin.Context) {
	reference, ok := handler.ownedTransaction(ctx)
	if !ok {
		return
	}
	refundReference, err := handler.ledger.RefundPurchase(ctx.Request.Context(), reference)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reference":        reference.String(),
		"refund_reference": refundReference.String(),
		"status":           wallet.StatusRefunded.String(),
	})
}

// ownedTransaction loads the referenced transaction and enforces that the
// caller owns it. Foreign transactions read as not found.
func (handler *httpHandler) ownedTransaction(ctx *gin.Context) (wallet.Reference, bool) {
	userID, ok := currentUser(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return wallet.Reference{}, false
	}
	reference, err := wallet.NewReference(ctx.Param("reference"))
	if err != nil {
		handler.respondServiceError(ctx, err)
		return wallet.Reference{}, false
	}
	transaction, err := handler.ledger.Transaction(ctx.Request.Context(), reference)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return wallet.Reference{}, false
	}
	if transaction.UserID != nil && *transaction.UserID != userID {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "transaction not found"))
		return wallet.Reference{}, false
	}
	return reference, true
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	gateway := ctx.Param("gateway")
	rawBody, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodySize))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	outcome, err := handler.reconciler.HandleWebhook(ctx.Request.Context(), gateway, rawBody, ctx.Request.Header)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrUnknownGateway), errors.Is(err, reconcile.ErrSignatureInvalid):
			ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "signature verification failed"))
		case errors.Is(err, payment.ErrMalformedPayload):
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "malformed webhook payload"))
		case errors.Is(err, wallet.ErrUnknownTransaction):
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown transaction reference"))
		default:
			handler.logger.Error("webhook handling failed", zap.String("gateway", gateway), zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "webhook could not be processed"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"result":    string(outcome.Code),
		"reference": outcome.Reference.String(),
		"message":   outcome.Message,
	})
}

func (handler *httpHandler) respondServiceError(ctx *gin.Context, err error) {
	var insufficient *wallet.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		ctx.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":            "insufficient_funds",
				"message":         insufficient.Error(),
				"current_balance": wallet.FormatAmountCents(insufficient.BalanceCents),
				"required_amount": wallet.FormatAmountCents(insufficient.RequiredCents),
			},
		})
	case errors.Is(err, purchase.ErrPackageNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("package_not_found", "no such package"))
	case errors.Is(err, purchase.ErrPackageInactive),
		errors.Is(err, purchase.ErrNetworkMismatch),
		errors.Is(err, purchase.ErrWalletNotAccepted):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, wallet.ErrInvalidAmountCents),
		errors.Is(err, wallet.ErrInvalidUserID),
		errors.Is(err, wallet.ErrInvalidReference),
		errors.Is(err, wallet.ErrInvalidPhoneNumber),
		errors.Is(err, wallet.ErrInvalidNetwork),
		errors.Is(err, wallet.ErrInvalidPaymentMethod),
		errors.Is(err, wallet.ErrInvalidTransactionType):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, wallet.ErrUnknownTransaction):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "transaction not found"))
	case errors.Is(err, wallet.ErrTransactionFinal):
		ctx.JSON(http.StatusConflict, errorResponse("transaction_final", "transaction already settled"))
	case errors.Is(err, wallet.ErrDuplicateReference):
		ctx.JSON(http.StatusConflict, errorResponse("duplicate_reference", "reference already used"))
	case errors.Is(err, payment.ErrUnknownGateway):
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_gateway", "payment gateway not configured"))
	case errors.Is(err, payment.ErrSessionInit):
		handler.logger.Error("payment session failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("gateway_error", "payment session could not be opened"))
	default:
		handler.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "request could not be processed"))
	}
}

func sessionPayload(session purchase.SessionResult) gin.H {
	return gin.H{
		"reference":         session.Reference.String(),
		"authorization_url": session.AuthorizationURL,
		"access_code":       session.AccessCode,
	}
}

func mapTransactionPayload(transaction wallet.Transaction) transactionPayload {
	return transactionPayload{
		Reference:       transaction.Reference.String(),
		Type:            transaction.Type.String(),
		Status:          transaction.Status.String(),
		Amount:          wallet.FormatAmountCents(transaction.AmountCents),
		AmountCents:     transaction.AmountCents.Int64(),
		Network:         transaction.Network.String(),
		PackageID:       transaction.PackageID,
		Phone:           transaction.PhoneNumber.String(),
		PaymentMethod:   transaction.PaymentMethod.String(),
		VendorReference: transaction.VendorReference,
		Message:         transaction.Message,
		CreatedUnixUTC:  transaction.CreatedUnixUTC,
		UpdatedUnixUTC:  transaction.UpdatedUnixUTC,
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
