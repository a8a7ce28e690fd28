package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/topup/internal/purchase"
	"github.com/MarkoPoloResearchLab/topup/pkg/wallet"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionReference = "uniq_transactions_reference"
	pgUniqueViolationCode          = "23505"
	sqliteConstraintCode           = 19
	errorOperationStore            = "store"
	errorSubjectBalance            = "balance"
	errorSubjectTransaction        = "transaction"
	errorSubjectVendorAttempt      = "vendor_attempt"
	errorSubjectPackage            = "package"
	errorCodeCreate                = "create"
	errorCodeDuplicate             = "duplicate"
	errorCodeGet                   = "get"
	errorCodeInsert                = "insert"
	errorCodeInvalid               = "invalid"
	errorCodeList                  = "list"
	errorCodeLock                  = "lock"
	errorCodeSave                  = "save"
	errorCodeUpdate                = "update"
	errorCodeUpdateStatus          = "update_status"
)

// Store implements wallet.Store and purchase.PackageFinder using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema. Used with the sqlite driver; the
// postgres deployment manages its schema through pgstore.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&WalletBalance{}, &Transaction{}, &VendorAttempt{}, &DataPackage{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetBalance reads a balance row. A wallet that has never been touched reads
// as a zero record, not an error.
func (store *Store) GetBalance(ctx context.Context, userID wallet.UserID) (wallet.BalanceRecord, error) {
	var model WalletBalance
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wallet.BalanceRecord{UserID: userID}, nil
	}
	if err != nil {
		return wallet.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(model)
}

// LockBalance reads a balance row under FOR UPDATE, creating the zero row
// first when the wallet has never been touched.
func (store *Store) LockBalance(ctx context.Context, userID wallet.UserID) (wallet.BalanceRecord, error) {
	var model WalletBalance
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		seed := WalletBalance{UserID: userID.String()}
		createErr := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&seed).Error
		if createErr != nil && !isUniqueViolation(createErr) {
			return wallet.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, createErr)
		}
		err = store.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID.String()).
			Take(&model).Error
	}
	if err != nil {
		return wallet.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	return mapBalance(model)
}

// SaveBalance writes back a balance row previously read under LockBalance.
func (store *Store) SaveBalance(ctx context.Context, record wallet.BalanceRecord) error {
	result := store.db.WithContext(ctx).
		Model(&WalletBalance{}).
		Where("user_id = ?", record.UserID.String()).
		Updates(map[string]interface{}{
			"balance_cents":      record.BalanceCents.Int64(),
			"total_funded_cents": record.TotalFundedCents.Int64(),
			"total_spent_cents":  record.TotalSpentCents.Int64(),
			"updated_at":         time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, result.Error)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input wallet.TransactionInput) error {
	var userID *string
	if input.UserID != nil {
		value := input.UserID.String()
		userID = &value
	}
	createdAt := time.Unix(input.CreatedUnixUTC, 0).UTC()
	if input.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	model := Transaction{
		Reference:     input.Reference.String(),
		UserID:        userID,
		Type:          input.Type.String(),
		Status:        input.Status.String(),
		AmountCents:   input.AmountCents.Int64(),
		Network:       input.Network.String(),
		PackageID:     input.PackageID,
		PhoneNumber:   input.PhoneNumber.String(),
		PaymentMethod: input.PaymentMethod.String(),
		Message:       input.Message,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isReferenceConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, wallet.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, reference wallet.Reference) (wallet.Transaction, error) {
	return store.getTransaction(ctx, reference, false)
}

func (store *Store) GetTransactionForUpdate(ctx context.Context, reference wallet.Reference) (wallet.Transaction, error) {
	return store.getTransaction(ctx, reference, true)
}

func (store *Store) getTransaction(ctx context.Context, reference wallet.Reference, forUpdate bool) (wallet.Transaction, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Transaction
	err := query.Where("reference = ?", reference.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, wallet.ErrUnknownTransaction)
	}
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

// UpdateTransactionStatus applies a guarded transition. A row found in any
// other status reports ErrTransactionFinal; a missing row reports
// ErrUnknownTransaction.
func (store *Store) UpdateTransactionStatus(ctx context.Context, reference wallet.Reference, from, to wallet.TransactionStatus, update wallet.TransactionUpdate) error {
	updatedAt := time.Unix(update.UpdatedUnixUTC, 0).UTC()
	if update.UpdatedUnixUTC == 0 {
		updatedAt = time.Now().UTC()
	}
	assignments := map[string]interface{}{
		"status":     to.String(),
		"updated_at": updatedAt,
	}
	if update.VendorReference != "" {
		assignments["vendor_reference"] = update.VendorReference
	}
	if update.VendorResponse != "" {
		assignments["vendor_response"] = jsonBlob(update.VendorResponse)
	}
	if update.GatewayPayload != "" {
		assignments["gateway_payload"] = jsonBlob(update.GatewayPayload)
	}
	if update.Message != "" {
		assignments["message"] = update.Message
	}
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("reference = ? AND status = ?", reference.String(), from.String()).
		Updates(assignments)
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).
			Model(&Transaction{}).
			Where("reference = ?", reference.String()).
			Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, wallet.ErrUnknownTransaction)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, wallet.ErrTransactionFinal)
	}
	return nil
}

// AttachGatewayPayload stores a gateway notification body without touching
// the transaction status.
func (store *Store) AttachGatewayPayload(ctx context.Context, reference wallet.Reference, payload string, updatedUnixUTC int64) error {
	updatedAt := time.Unix(updatedUnixUTC, 0).UTC()
	if updatedUnixUTC == 0 {
		updatedAt = time.Now().UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("reference = ?", reference.String()).
		Updates(map[string]interface{}{
			"gateway_payload": jsonBlob(payload),
			"updated_at":      updatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, wallet.ErrUnknownTransaction)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID wallet.UserID, beforeUnixUTC int64, limit int) ([]wallet.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]wallet.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) RecordVendorAttempt(ctx context.Context, input wallet.VendorAttemptInput) (string, error) {
	createdAt := time.Unix(input.CreatedUnixUTC, 0).UTC()
	if input.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	model := VendorAttempt{
		Reference:      input.Reference.String(),
		RequestPayload: jsonBlob(input.RequestPayload),
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", wrapStoreError(errorSubjectVendorAttempt, errorCodeInsert, err)
	}
	return model.AttemptID, nil
}

func (store *Store) CompleteVendorAttempt(ctx context.Context, attemptID string, update wallet.VendorAttemptUpdate) error {
	result := store.db.WithContext(ctx).
		Model(&VendorAttempt{}).
		Where("attempt_id = ?", attemptID).
		Updates(map[string]interface{}{
			"response_payload": jsonBlob(update.ResponsePayload),
			"http_status":      update.HTTPStatus,
			"error_text":       update.ErrorText,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectVendorAttempt, errorCodeUpdate, result.Error)
	}
	return nil
}

// FindPackage resolves a catalog entry by id.
func (store *Store) FindPackage(ctx context.Context, packageID string) (purchase.Package, error) {
	var model DataPackage
	err := store.db.WithContext(ctx).
		Where("package_id = ?", packageID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return purchase.Package{}, purchase.ErrPackageNotFound
	}
	if err != nil {
		return purchase.Package{}, wrapStoreError(errorSubjectPackage, errorCodeGet, err)
	}
	network, err := wallet.NewNetwork(model.Network)
	if err != nil {
		return purchase.Package{}, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
	}
	price, err := wallet.NewPositiveAmountCents(model.PriceCents)
	if err != nil {
		return purchase.Package{}, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
	}
	return purchase.Package{
		ID:         model.PackageID,
		Network:    network,
		Name:       model.Name,
		PriceCents: price,
		Active:     model.Active,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func mapBalance(model WalletBalance) (wallet.BalanceRecord, error) {
	userID, err := wallet.NewUserID(model.UserID)
	if err != nil {
		return wallet.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	balance, err := wallet.NewAmountCents(model.BalanceCents)
	if err != nil {
		return wallet.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	funded, err := wallet.NewAmountCents(model.TotalFundedCents)
	if err != nil {
		return wallet.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	spent, err := wallet.NewAmountCents(model.TotalSpentCents)
	if err != nil {
		return wallet.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return wallet.BalanceRecord{
		UserID:           userID,
		BalanceCents:     balance,
		TotalFundedCents: funded,
		TotalSpentCents:  spent,
	}, nil
}

func mapTransaction(model Transaction) (wallet.Transaction, error) {
	reference, err := wallet.NewReference(model.Reference)
	if err != nil {
		return wallet.Transaction{}, err
	}
	transactionType, err := wallet.ParseTransactionType(model.Type)
	if err != nil {
		return wallet.Transaction{}, err
	}
	status, err := wallet.ParseTransactionStatus(model.Status)
	if err != nil {
		return wallet.Transaction{}, err
	}
	amount, err := wallet.NewAmountCents(model.AmountCents)
	if err != nil {
		return wallet.Transaction{}, err
	}
	var userID *wallet.UserID
	if model.UserID != nil {
		parsed, err := wallet.NewUserID(*model.UserID)
		if err != nil {
			return wallet.Transaction{}, err
		}
		userID = &parsed
	}
	var network wallet.Network
	if model.Network != "" {
		if network, err = wallet.NewNetwork(model.Network); err != nil {
			return wallet.Transaction{}, err
		}
	}
	var phone wallet.PhoneNumber
	if model.PhoneNumber != "" {
		if phone, err = wallet.NewPhoneNumber(model.PhoneNumber); err != nil {
			return wallet.Transaction{}, err
		}
	}
	var method wallet.PaymentMethod
	if model.PaymentMethod != "" {
		if method, err = wallet.NewPaymentMethod(model.PaymentMethod); err != nil {
			return wallet.Transaction{}, err
		}
	}
	return wallet.Transaction{
		Reference:       reference,
		Type:            transactionType,
		Status:          status,
		AmountCents:     amount,
		UserID:          userID,
		Network:         network,
		PackageID:       model.PackageID,
		PhoneNumber:     phone,
		PaymentMethod:   method,
		VendorReference: model.VendorReference,
		VendorResponse:  string(model.VendorResponse),
		GatewayPayload:  string(model.GatewayPayload),
		Message:         model.Message,
		CreatedUnixUTC:  model.CreatedAt.Unix(),
		UpdatedUnixUTC:  model.UpdatedAt.Unix(),
	}, nil
}

// jsonBlob stores a raw payload in a jsonb column. Payloads that are not
// valid JSON (a gateway error page, a truncated body) are stored as a JSON
// string rather than rejected by the column type.
func jsonBlob(raw string) datatypes.JSON {
	if raw == "" {
		return nil
	}
	if json.Valid([]byte(raw)) {
		return datatypes.JSON([]byte(raw))
	}
	quoted, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return datatypes.JSON(quoted)
}

func isReferenceConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionReference
	}
	return isSqliteConstraint(err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return isSqliteConstraint(err)
}

func isSqliteConstraint(err error) bool {
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
