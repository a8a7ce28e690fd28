package pgstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarkoPoloResearchLab/topup/internal/purchase"
	"github.com/MarkoPoloResearchLab/topup/pkg/wallet"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintTransactionReference = "uniq_transactions_reference"
	pgUniqueViolationCode          = "23505"
	errorOperationStore            = "store"
	errorSubjectBalance            = "balance"
	errorSubjectTransaction        = "transaction"
	errorSubjectVendorAttempt      = "vendor_attempt"
	errorSubjectPackage            = "package"
	errorCodeBegin                 = "begin"
	errorCodeCommit                = "commit"
	errorCodeCreate                = "create"
	errorCodeDuplicate             = "duplicate"
	errorCodeGet                   = "get"
	errorCodeInsert                = "insert"
	errorCodeInvalid               = "invalid"
	errorCodeList                  = "list"
	errorCodeLock                  = "lock"
	errorCodeMigrate               = "migrate"
	errorCodeSave                  = "save"
	errorCodeUpdate                = "update"
	errorCodeUpdateStatus          = "update_status"

	sqlSelectBalance = `
		select user_id, balance_cents, total_funded_cents, total_spent_cents
		from wallet_balances
		where user_id = $1
	`

	sqlSelectBalanceForUpdate = sqlSelectBalance + `
		for update
	`

	sqlInsertBalanceSeed = `
		insert into wallet_balances(user_id) values($1)
		on conflict (user_id) do nothing
	`

	sqlSaveBalance = `
		update wallet_balances
		set balance_cents = $2, total_funded_cents = $3, total_spent_cents = $4, updated_at = now()
		where user_id = $1
	`

	sqlInsertTransaction = `
		insert into transactions(
			reference, user_id, type, status, amount_cents,
			network, package_id, phone_number, payment_method, message, created_at, updated_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			coalesce(to_timestamp(nullif($11::bigint,0)), now()),
			coalesce(to_timestamp(nullif($11::bigint,0)), now())
		)
	`

	sqlSelectTransactionColumns = `
		select
			reference, user_id, type, status, amount_cents,
			network, package_id, phone_number, payment_method,
			vendor_reference,
			coalesce(vendor_response::text,''),
			coalesce(gateway_payload::text,''),
			message,
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from transactions
	`

	sqlSelectTransaction = sqlSelectTransactionColumns + `
		where reference = $1
	`

	sqlSelectTransactionForUpdate = sqlSelectTransaction + `
		for update
	`

	sqlUpdateTransactionStatus = `
		update transactions
		set status = $3,
			vendor_reference = case when $4 = '' then vendor_reference else $4 end,
			vendor_response = case when $5 = '' then vendor_response else $5::jsonb end,
			gateway_payload = case when $6 = '' then gateway_payload else $6::jsonb end,
			message = case when $7 = '' then message else $7 end,
			updated_at = coalesce(to_timestamp(nullif($8::bigint,0)), now())
		where reference = $1 and status = $2
	`

	sqlTransactionExists = `
		select exists(select 1 from transactions where reference = $1)
	`

	sqlAttachGatewayPayload = `
		update transactions
		set gateway_payload = nullif($2,'')::jsonb,
			updated_at = coalesce(to_timestamp(nullif($3::bigint,0)), now())
		where reference = $1
	`

	sqlListTransactions = sqlSelectTransactionColumns + `
		where user_id = $1 and created_at < coalesce(to_timestamp(nullif($2::bigint,0)), now() + interval '1 second')
		order by created_at desc
		limit $3
	`

	sqlInsertVendorAttempt = `
		insert into vendor_attempts(reference, request_payload, created_at, updated_at)
		values($1, nullif($2,'')::jsonb,
			coalesce(to_timestamp(nullif($3::bigint,0)), now()),
			coalesce(to_timestamp(nullif($3::bigint,0)), now()))
		returning attempt_id::text
	`

	sqlCompleteVendorAttempt = `
		update vendor_attempts
		set response_payload = nullif($2,'')::jsonb, http_status = $3, error_text = $4, updated_at = now()
		where attempt_id = $1
	`

	sqlSelectPackage = `
		select package_id, network, name, price_cents, active
		from data_packages
		where package_id = $1
	`
)

var schemaStatements = []string{
	`create table if not exists wallet_balances(
		user_id text primary key,
		balance_cents bigint not null default 0,
		total_funded_cents bigint not null default 0,
		total_spent_cents bigint not null default 0,
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now()
	)`,
	`create table if not exists transactions(
		transaction_id uuid primary key default gen_random_uuid(),
		reference text not null constraint uniq_transactions_reference unique,
		user_id text,
		type text not null,
		status text not null,
		amount_cents bigint not null,
		network text not null default '',
		package_id text not null default '',
		phone_number text not null default '',
		payment_method text not null default '',
		vendor_reference text not null default '',
		vendor_response jsonb,
		gateway_payload jsonb,
		message text not null default '',
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now()
	)`,
	`create index if not exists idx_transactions_user_created on transactions(user_id, created_at)`,
	`create index if not exists idx_transactions_status on transactions(status)`,
	`create table if not exists vendor_attempts(
		attempt_id uuid primary key default gen_random_uuid(),
		reference text not null,
		request_payload jsonb,
		response_payload jsonb,
		http_status integer not null default 0,
		error_text text not null default '',
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now()
	)`,
	`create index if not exists idx_vendor_attempts_reference on vendor_attempts(reference)`,
	`create table if not exists data_packages(
		package_id text primary key,
		network text not null,
		name text not null,
		price_cents bigint not null,
		active boolean not null default true
	)`,
}

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx; every
// statement runs through it so pool-backed and transaction-backed stores
// share one implementation.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements wallet.Store and purchase.PackageFinder over pgx. A
// pool-backed Store runs autocommit; WithTx hands the callback a
// transaction-backed one.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (store *Store) EnsureSchema(ctx context.Context) error {
	for _, statement := range schemaStatements {
		if _, err := store.db.Exec(ctx, statement); err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeMigrate, err)
		}
	}
	return nil
}

// WithTx executes fn within a transaction. Calls on an already
// transaction-backed store join the open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// GetBalance reads a balance row. A wallet that has never been touched reads
// as a zero record, not an error.
func (store *Store) GetBalance(ctx context.Context, userID wallet.UserID) (wallet.BalanceRecord, error) {
	record, err := store.scanBalance(store.db.QueryRow(ctx, sqlSelectBalance, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return wallet.BalanceRecord{UserID: userID}, nil
	}
	if err != nil {
		return wallet.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return record, nil
}

// LockBalance reads a balance row under FOR UPDATE, creating the zero row
// first when the wallet has never been touched.
func (store *Store) LockBalance(ctx context.Context, userID wallet.UserID) (wallet.BalanceRecord, error) {
	record, err := store.scanBalance(store.db.QueryRow(ctx, sqlSelectBalanceForUpdate, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, seedErr := store.db.Exec(ctx, sqlInsertBalanceSeed, userID.String()); seedErr != nil {
			return wallet.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, seedErr)
		}
		record, err = store.scanBalance(store.db.QueryRow(ctx, sqlSelectBalanceForUpdate, userID.String()))
	}
	if err != nil {
		return wallet.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	return record, nil
}

// SaveBalance writes back a balance row previously read under LockBalance.
func (store *Store) SaveBalance(ctx context.Context, record wallet.BalanceRecord) error {
	_, err := store.db.Exec(ctx, sqlSaveBalance,
		record.UserID.String(),
		record.BalanceCents.Int64(),
		record.TotalFundedCents.Int64(),
		record.TotalSpentCents.Int64(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input wallet.TransactionInput) error {
	var userID *string
	if input.UserID != nil {
		value := input.UserID.String()
		userID = &value
	}
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		input.Reference.String(),
		userID,
		input.Type.String(),
		input.Status.String(),
		input.AmountCents.Int64(),
		input.Network.String(),
		input.PackageID,
		input.PhoneNumber.String(),
		input.PaymentMethod.String(),
		input.Message,
		input.CreatedUnixUTC,
	)
	if isReferenceConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, wallet.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, reference wallet.Reference) (wallet.Transaction, error) {
	return store.selectTransaction(ctx, sqlSelectTransaction, reference)
}

func (store *Store) GetTransactionForUpdate(ctx context.Context, reference wallet.Reference) (wallet.Transaction, error) {
	return store.selectTransaction(ctx, sqlSelectTransactionForUpdate, reference)
}

func (store *Store) selectTransaction(ctx context.Context, query string, reference wallet.Reference) (wallet.Transaction, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, query, reference.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, wallet.ErrUnknownTransaction)
	}
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

// UpdateTransactionStatus applies a guarded transition. A row found in any
// other status reports ErrTransactionFinal; a missing row reports
// ErrUnknownTransaction.
func (store *Store) UpdateTransactionStatus(ctx context.Context, reference wallet.Reference, from, to wallet.TransactionStatus, update wallet.TransactionUpdate) error {
	tag, err := store.db.Exec(ctx, sqlUpdateTransactionStatus,
		reference.String(),
		from.String(),
		to.String(),
		update.VendorReference,
		jsonText(update.VendorResponse),
		jsonText(update.GatewayPayload),
		update.Message,
		update.UpdatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := store.db.QueryRow(ctx, sqlTransactionExists, reference.String()).Scan(&exists); err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
		}
		if !exists {
			return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, wallet.ErrUnknownTransaction)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, wallet.ErrTransactionFinal)
	}
	return nil
}

// AttachGatewayPayload stores a gateway notification body without touching
// the transaction status.
func (store *Store) AttachGatewayPayload(ctx context.Context, reference wallet.Reference, payload string, updatedUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlAttachGatewayPayload, reference.String(), jsonText(payload), updatedUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, wallet.ErrUnknownTransaction)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID wallet.UserID, beforeUnixUTC int64, limit int) ([]wallet.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]wallet.Transaction, 0, 32)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) RecordVendorAttempt(ctx context.Context, input wallet.VendorAttemptInput) (string, error) {
	var attemptID string
	err := store.db.QueryRow(ctx, sqlInsertVendorAttempt,
		input.Reference.String(),
		jsonText(input.RequestPayload),
		input.CreatedUnixUTC,
	).Scan(&attemptID)
	if err != nil {
		return "", wrapStoreError(errorSubjectVendorAttempt, errorCodeInsert, err)
	}
	return attemptID, nil
}

func (store *Store) CompleteVendorAttempt(ctx context.Context, attemptID string, update wallet.VendorAttemptUpdate) error {
	_, err := store.db.Exec(ctx, sqlCompleteVendorAttempt,
		attemptID,
		jsonText(update.ResponsePayload),
		update.HTTPStatus,
		update.ErrorText,
	)
	if err != nil {
		return wrapStoreError(errorSubjectVendorAttempt, errorCodeUpdate, err)
	}
	return nil
}

// FindPackage resolves a catalog entry by id.
func (store *Store) FindPackage(ctx context.Context, packageID string) (purchase.Package, error) {
	var (
		idValue      string
		networkValue string
		nameValue    string
		priceValue   int64
		activeValue  bool
	)
	err := store.db.QueryRow(ctx, sqlSelectPackage, packageID).Scan(
		&idValue, &networkValue, &nameValue, &priceValue, &activeValue,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return purchase.Package{}, purchase.ErrPackageNotFound
	}
	if err != nil {
		return purchase.Package{}, wrapStoreError(errorSubjectPackage, errorCodeGet, err)
	}
	network, err := wallet.NewNetwork(networkValue)
	if err != nil {
		return purchase.Package{}, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
	}
	price, err := wallet.NewPositiveAmountCents(priceValue)
	if err != nil {
		return purchase.Package{}, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
	}
	return purchase.Package{
		ID:         idValue,
		Network:    network,
		Name:       nameValue,
		PriceCents: price,
		Active:     activeValue,
	}, nil
}

func (store *Store) scanBalance(row pgx.Row) (wallet.BalanceRecord, error) {
	var (
		userIDValue string
		balance     int64
		funded      int64
		spent       int64
	)
	if err := row.Scan(&userIDValue, &balance, &funded, &spent); err != nil {
		return wallet.BalanceRecord{}, err
	}
	userID, err := wallet.NewUserID(userIDValue)
	if err != nil {
		return wallet.BalanceRecord{}, err
	}
	balanceCents, err := wallet.NewAmountCents(balance)
	if err != nil {
		return wallet.BalanceRecord{}, err
	}
	fundedCents, err := wallet.NewAmountCents(funded)
	if err != nil {
		return wallet.BalanceRecord{}, err
	}
	spentCents, err := wallet.NewAmountCents(spent)
	if err != nil {
		return wallet.BalanceRecord{}, err
	}
	return wallet.BalanceRecord{
		UserID:           userID,
		BalanceCents:     balanceCents,
		TotalFundedCents: fundedCents,
		TotalSpentCents:  spentCents,
	}, nil
}

func scanTransaction(row pgx.Row) (wallet.Transaction, error) {
	var (
		referenceValue string
		userIDValue    *string
		typeValue      string
		statusValue    string
		amountValue    int64
		networkValue   string
		packageValue   string
		phoneValue     string
		methodValue    string
		vendorRefValue string
		vendorResponse string
		gatewayPayload string
		messageValue   string
		createdUnixUTC int64
		updatedUnixUTC int64
	)
	if err := row.Scan(
		&referenceValue,
		&userIDValue,
		&typeValue,
		&statusValue,
		&amountValue,
		&networkValue,
		&packageValue,
		&phoneValue,
		&methodValue,
		&vendorRefValue,
		&vendorResponse,
		&gatewayPayload,
		&messageValue,
		&createdUnixUTC,
		&updatedUnixUTC,
	); err != nil {
		return wallet.Transaction{}, err
	}
	reference, err := wallet.NewReference(referenceValue)
	if err != nil {
		return wallet.Transaction{}, err
	}
	transactionType, err := wallet.ParseTransactionType(typeValue)
	if err != nil {
		return wallet.Transaction{}, err
	}
	status, err := wallet.ParseTransactionStatus(statusValue)
	if err != nil {
		return wallet.Transaction{}, err
	}
	amount, err := wallet.NewAmountCents(amountValue)
	if err != nil {
		return wallet.Transaction{}, err
	}
	var userID *wallet.UserID
	if userIDValue != nil {
		parsed, err := wallet.NewUserID(*userIDValue)
		if err != nil {
			return wallet.Transaction{}, err
		}
		userID = &parsed
	}
	var network wallet.Network
	if networkValue != "" {
		if network, err = wallet.NewNetwork(networkValue); err != nil {
			return wallet.Transaction{}, err
		}
	}
	var phone wallet.PhoneNumber
	if phoneValue != "" {
		if phone, err = wallet.NewPhoneNumber(phoneValue); err != nil {
			return wallet.Transaction{}, err
		}
	}
	var method wallet.PaymentMethod
	if methodValue != "" {
		if method, err = wallet.NewPaymentMethod(methodValue); err != nil {
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
		PackageID:       packageValue,
		PhoneNumber:     phone,
		PaymentMethod:   method,
		VendorReference: vendorRefValue,
		VendorResponse:  vendorResponse,
		GatewayPayload:  gatewayPayload,
		Message:         messageValue,
		CreatedUnixUTC:  createdUnixUTC,
		UpdatedUnixUTC:  updatedUnixUTC,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

// jsonText passes a raw payload to a ::jsonb cast. Payloads that are not
// valid JSON are wrapped as a JSON string rather than rejected by the cast.
func jsonText(raw string) string {
	if raw == "" || json.Valid([]byte(raw)) {
		return raw
	}
	quoted, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	return string(quoted)
}

func isReferenceConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionReference
	}
	return false
}
