package httpserver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/topup/internal/payment"
	"github.com/MarkoPoloResearchLab/topup/internal/purchase"
	"github.com/MarkoPoloResearchLab/topup/internal/reconcile"
	"github.com/MarkoPoloResearchLab/topup/internal/vendor"
	"github.com/MarkoPoloResearchLab/topup/pkg/wallet"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningKey     = "test-signing-key"
	testWebhookSecret  = "sk_test_webhook"
	testPackageID      = "pkg-1gb"
	testPackagePriceCt = 1000
)

func TestHealthz(test *testing.T) {
	test.Parallel()
	env := newTestServer(test)
	recorder := env.do(test, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestProtectedEndpointsRequireToken(test *testing.T) {
	test.Parallel()
	env := newTestServer(test)
	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/wallet/balance"},
		{http.MethodPost, "/api/purchases"},
		{http.MethodPost, "/api/wallet/fund"},
		{http.MethodGet, "/api/transactions"},
	} {
		recorder := env.do(test, route.method, route.path, "", nil)
		if recorder.Code != http.StatusUnauthorized {
			test.Fatalf("%s %s: expected 401, got %d", route.method, route.path, recorder.Code)
		}
	}
}

func TestRejectsTamperedToken(test *testing.T) {
	test.Parallel()
	env := newTestServer(test)
	token := signToken(test, "user-1", "wrong-key")
	recorder := env.do(test, http.MethodGet, "/api/wallet/balance", token, nil)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 for tampered token, got %d", recorder.Code)
	}
}

func TestBalanceEndpoint(test *testing.T) {
	test.Parallel()
	env := newTestServer(test)
	env.seedBalance(test, "user-bal", 2500, 3000, 500)
	token := signToken(test, "user-bal", testSigningKey)

	recorder := env.do(test, http.MethodGet, "/api/wallet/balance", token, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(test, recorder)
	if body["balance"] != "25.00" {
		test.Fatalf("unexpected balance %v", body["balance"])
	}
	if body["balance_cents"].(float64) != 2500 {
		test.Fatalf("unexpected balance_cents %v", body["balance_cents"])
	}
}

func TestWalletPurchaseEndToEnd(test *testing.T) {
	test.Parallel()
	env := newTestServer(test)
	env.seedBalance(test, "user-buy", 10000, 10000, 0)
	env.vendorGateway.result = vendor.Result{Success: true, VendorReference: "VND-7", Message: "bundle delivered"}
	token := signToken(test, "user-buy", testSigningKey)

	recorder := env.do(test, http.MethodPost, "/api/purchases", token, map[string]any{
		"package_id": testPackageID,
		"network":    "mtn",
		"phone":      "+233201234567",
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(test, recorder)
	if body["status"] != "success" {
		test.Fatalf("unexpected status %v", body["status"])
	}
	if body["vendor_reference"] != "VND-7" {
		test.Fatalf("unexpected vendor reference %v", body["vendor_reference"])
	}
	record := env.store.balances["user-buy"]
	if record.BalanceCents.Int64() != 10000-testPackagePriceCt {
		test.Fatalf("balance not debited: %+v", record)
	}
}

func TestPurchaseInsufficientFunds(test *testing.T) {
	test.Parallel()
	env := newTestServer(test)
	env.seedBalance(test, "user-poor", 500, 500, 0)
	token := signToken(test, "user-poor", testSigningKey)

	recorder := env.do(test, http.MethodPost, "/api/purchases", token, map[string]any{
		"package_id": testPackageID,
		"network":    "mtn",
		"phone":      "+233201234567",
	})
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
	}
	errBody := decodeBody(test, recorder)["error"].(map[string]any)
	if errBody["code"] != "insufficient_funds" {
		test.Fatalf("unexpected error code %v", errBody["code"])
	}
	if errBody["current_balance"] != "5.00" || errBody["required_amount"] != "10.00" {
		test.Fatalf("missing balance detail: %v", errBody)
	}
}

func TestDirectPurchaseAsGuest(test *testing.T) {
	test.Parallel()
	env := newTestServer(test)
	env.payments.session = payment.Session{AuthorizationURL: "https://pay.example/abc", AccessCode: "abc"}

	recorder := env.do(test, http.MethodPost, "/api/purchases/direct", "", map[string]any{
		"package_id": testPackageID,
		"network":    "mtn",
		"phone":      "+233209998877",
		"gateway":    "paystack",
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(test, recorder)
	if body["authorization_url"] != "https://pay.example/abc" {
		test.Fatalf("unexpected session payload: %v", body)
	}
	reference := body["reference"].(string)
	transaction := env.store.transactions[reference]
	if transaction.UserID != nil {
		test.Fatalf("guest purchase should be ownerless: %+v", transaction)
	}
}

func TestTransactionStatusPolling(test *testing.T) {
	test.Parallel()
	env := newTestServer(test)
	reference := env.seedPendingFunding(test, "user-poll", 5000)

	recorder := env.do(test, http.MethodGet, "/api/transactions/"+reference.String(), "", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(test, recorder)
	if body["status"] != "pending" || body["type"] != "funding" {
		test.Fatalf("unexpected payload: %v", body)
	}

	missing := env.do(test, http.MethodGet, "/api/transactions/FUND-NOSUCHROW01", "", nil)
	if missing.Code != http.StatusNotFound {
		test.Fatalf("expected 404 for unknown reference, got %d", missing.Code)
	}
}

func TestCancelForeignTransactionReadsNotFound(test *testing.T) {
	test.Parallel()
	env := newTestServer(test)
	reference := env.seedPendingFunding(test, "user-owner", 5000)
	token := signToken(test, "user-other", testSigningKey)

	recorder := env.do(test, http.MethodPost, "/api/transactions/"+reference.String()+"/cancel", token, nil)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404 for foreign transaction, got %d", recorder.Code)
	}
	if env.store.transactions[reference.String()].Status != wallet.StatusPending {
		test.Fatal("foreign caller changed the transaction")
	}
}

func TestCancelOwnPendingTransaction(test *testing.T) {
	test.Parallel()
	env := newTestServer(test)
	reference := env.seedPendingFunding(test, "user-cancel", 5000)
	token := signToken(test, "user-cancel", testSigningKey)

	recorder := env.do(test, http.MethodPost, "/api/transactions/"+reference.String()+"/cancel", token, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if env.store.transactions[reference.String()].Status != wallet.StatusCancelled {
		test.Fatal("transaction not cancelled")
	}

	replay := env.do(test, http.MethodPost, "/api/transactions/"+reference.String()+"/cancel", token, nil)
	if replay.Code != http.StatusConflict {
		test.Fatalf("expected 409 on settled transaction, got %d", replay.Code)
	}
}

func TestWebhookRejectsBadSignature(test *testing.T) {
	test.Parallel()
	env := newTestServer(test)
	reference := env.seedPendingFunding(test, "user-hook", 5000)
	body := fmt.Sprintf(`{"reference":%q,"status":"success"}`, reference.String())

	request := httptest.NewRequest(http.MethodPost, "/payment/webhook/paystack", bytes.NewBufferString(body))
	request.Header.Set("x-paystack-signature", "bogus")
	recorder := httptest.NewRecorder()
	env.server.Router().ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", recorder.Code)
	}
	if env.store.transactions[reference.String()].Status != wallet.StatusPending {
		test.Fatal("unverified webhook changed state")
	}
}

func TestWebhookCreditsFundingOnce(test *testing.T) {
	test.Parallel()
	env := newTestServer(test)
	reference := env.seedPendingFunding(test, "user-credit", 5000)
	body := fmt.Sprintf(`{"reference":%q,"status":"success","amount":5000}`, reference.String())

	recorder := env.postWebhook(test, body)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if decodeBody(test, recorder)["result"] != "processed" {
		test.Fatalf("unexpected outcome: %s", recorder.Body.String())
	}
	if env.store.balances["user-credit"].BalanceCents.Int64() != 5000 {
		test.Fatal("wallet not credited")
	}

	replay := env.postWebhook(test, body)
	if replay.Code != http.StatusOK {
		test.Fatalf("expected 200 on replay, got %d", replay.Code)
	}
	if decodeBody(test, replay)["result"] != "duplicate" {
		test.Fatalf("unexpected replay outcome: %s", replay.Body.String())
	}
	if env.store.balances["user-credit"].BalanceCents.Int64() != 5000 {
		test.Fatal("duplicate delivery credited again")
	}
}

func TestWebhookUnknownReference(test *testing.T) {
	test.Parallel()
	env := newTestServer(test)
	recorder := env.postWebhook(test, `{"reference":"FUND-NOSUCHROW01","status":"success"}`)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestListTransactionsReturnsOwnHistory(test *testing.T) {
	test.Parallel()
	env := newTestServer(test)
	env.seedPendingFunding(test, "user-hist", 5000)
	env.seedPendingFunding(test, "user-hist", 2000)
	env.seedPendingFunding(test, "user-else", 9000)
	token := signToken(test, "user-hist", testSigningKey)

	recorder := env.do(test, http.MethodGet, "/api/transactions", token, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	listed := decodeBody(test, recorder)["transactions"].([]any)
	if len(listed) != 2 {
		test.Fatalf("expected 2 transactions, got %d", len(listed))
	}
}

type testEnv struct {
	server        *Server
	store         *memStore
	vendorGateway *stubVendorGateway
	payments      *stubPayments
}

func newTestServer(test *testing.T) *testEnv {
	test.Helper()
	store := newMemStore()
	ledger, err := wallet.NewService(store, func() int64 { return time.Now().Unix() })
	if err != nil {
		test.Fatalf("wallet service: %v", err)
	}
	network, err := wallet.NewNetwork("mtn")
	if err != nil {
		test.Fatalf("network: %v", err)
	}
	price, err := wallet.NewPositiveAmountCents(testPackagePriceCt)
	if err != nil {
		test.Fatalf("price: %v", err)
	}
	packages := &stubPackages{packages: map[string]purchase.Package{
		testPackageID: {ID: testPackageID, Network: network, Name: "1GB Data", PriceCents: price, Active: true},
	}}
	vendorGateway := &stubVendorGateway{}
	payments := &stubPayments{}
	orchestrator, err := purchase.NewOrchestrator(ledger, packages, vendorGateway, payments, nil)
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}
	reconciler, err := reconcile.NewReconciler(ledger, orchestrator, map[string]string{
		payment.GatewayPaystack: testWebhookSecret,
	}, nil)
	if err != nil {
		test.Fatalf("reconciler: %v", err)
	}
	server, err := New(Config{ListenAddr: ":0", JWTSigningKey: testSigningKey}, ledger, orchestrator, reconciler, nil)
	if err != nil {
		test.Fatalf("server: %v", err)
	}
	return &testEnv{server: server, store: store, vendorGateway: vendorGateway, payments: payments}
}

func (env *testEnv) do(test *testing.T, method, path, token string, payload map[string]any) *httptest.ResponseRecorder {
	test.Helper()
	var body *bytes.Buffer
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			test.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewBuffer(encoded)
	} else {
		body = bytes.NewBuffer(nil)
	}
	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	env.server.Router().ServeHTTP(recorder, request)
	return recorder
}

func (env *testEnv) postWebhook(test *testing.T, body string) *httptest.ResponseRecorder {
	test.Helper()
	mac := hmac.New(sha512.New, []byte(testWebhookSecret))
	mac.Write([]byte(body))
	request := httptest.NewRequest(http.MethodPost, "/payment/webhook/paystack", bytes.NewBufferString(body))
	request.Header.Set("x-paystack-signature", hex.EncodeToString(mac.Sum(nil)))
	recorder := httptest.NewRecorder()
	env.server.Router().ServeHTTP(recorder, request)
	return recorder
}

func (env *testEnv) seedBalance(test *testing.T, rawUserID string, balance, funded, spent int64) {
	test.Helper()
	userID, err := wallet.NewUserID(rawUserID)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	env.store.balances[rawUserID] = wallet.BalanceRecord{
		UserID:           userID,
		BalanceCents:     wallet.AmountCents(balance),
		TotalFundedCents: wallet.AmountCents(funded),
		TotalSpentCents:  wallet.AmountCents(spent),
	}
}

func (env *testEnv) seedPendingFunding(test *testing.T, rawUserID string, amountCents int64) wallet.Reference {
	test.Helper()
	userID, err := wallet.NewUserID(rawUserID)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	reference, err := wallet.NewFundingReference()
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	method, err := wallet.NewPaymentMethod("paystack")
	if err != nil {
		test.Fatalf("method: %v", err)
	}
	err = env.store.InsertTransaction(context.Background(), wallet.TransactionInput{
		Reference:      reference,
		Type:           wallet.TransactionFunding,
		Status:         wallet.StatusPending,
		AmountCents:    wallet.AmountCents(amountCents),
		UserID:         &userID,
		PaymentMethod:  method,
		CreatedUnixUTC: time.Now().Unix(),
	})
	if err != nil {
		test.Fatalf("insert transaction: %v", err)
	}
	return reference
}

func signToken(test *testing.T, subject string, key string) string {
	test.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(key))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return signed
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		test.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

type stubPackages struct {
	packages map[string]purchase.Package
}

func (stub *stubPackages) FindPackage(_ context.Context, packageID string) (purchase.Package, error) {
	bundle, ok := stub.packages[packageID]
	if !ok {
		return purchase.Package{}, purchase.ErrPackageNotFound
	}
	return bundle, nil
}

type stubVendorGateway struct {
	result vendor.Result
}

func (stub *stubVendorGateway) PurchaseData(_ context.Context, _ wallet.Transaction) vendor.Result {
	return stub.result
}

type stubPayments struct {
	session payment.Session
	err     error
}

func (stub *stubPayments) CreateSession(_ context.Context, _ wallet.PaymentMethod, _ wallet.PositiveAmountCents, reference wallet.Reference, _ string) (payment.Session, error) {
	if stub.err != nil {
		return payment.Session{}, stub.err
	}
	session := stub.session
	if session.Reference == "" {
		session.Reference = reference.String()
	}
	return session, nil
}

// memStore is an in-memory wallet.Store backing the HTTP tests.
type memStore struct {
	balances     map[string]wallet.BalanceRecord
	transactions map[string]wallet.Transaction
}

func newMemStore() *memStore {
	return &memStore{
		balances:     make(map[string]wallet.BalanceRecord),
		transactions: make(map[string]wallet.Transaction),
	}
}

func (store *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return fn(ctx, store)
}

func (store *memStore) GetBalance(_ context.Context, userID wallet.UserID) (wallet.BalanceRecord, error) {
	record, ok := store.balances[userID.String()]
	if !ok {
		return wallet.BalanceRecord{UserID: userID}, nil
	}
	return record, nil
}

func (store *memStore) LockBalance(_ context.Context, userID wallet.UserID) (wallet.BalanceRecord, error) {
	record, ok := store.balances[userID.String()]
	if !ok {
		record = wallet.BalanceRecord{UserID: userID}
		store.balances[userID.String()] = record
	}
	return record, nil
}

func (store *memStore) SaveBalance(_ context.Context, record wallet.BalanceRecord) error {
	store.balances[record.UserID.String()] = record
	return nil
}

func (store *memStore) InsertTransaction(_ context.Context, input wallet.TransactionInput) error {
	if _, exists := store.transactions[input.Reference.String()]; exists {
		return wallet.ErrDuplicateReference
	}
	store.transactions[input.Reference.String()] = wallet.Transaction{
		Reference:      input.Reference,
		Type:           input.Type,
		Status:         input.Status,
		AmountCents:    input.AmountCents,
		UserID:         input.UserID,
		Network:        input.Network,
		PackageID:      input.PackageID,
		PhoneNumber:    input.PhoneNumber,
		PaymentMethod:  input.PaymentMethod,
		Message:        input.Message,
		CreatedUnixUTC: input.CreatedUnixUTC,
		UpdatedUnixUTC: input.CreatedUnixUTC,
	}
	return nil
}

func (store *memStore) GetTransaction(_ context.Context, reference wallet.Reference) (wallet.Transaction, error) {
	transaction, ok := store.transactions[reference.String()]
	if !ok {
		return wallet.Transaction{}, wallet.ErrUnknownTransaction
	}
	return transaction, nil
}

func (store *memStore) GetTransactionForUpdate(ctx context.Context, reference wallet.Reference) (wallet.Transaction, error) {
	return store.GetTransaction(ctx, reference)
}

func (store *memStore) UpdateTransactionStatus(_ context.Context, reference wallet.Reference, from, to wallet.TransactionStatus, update wallet.TransactionUpdate) error {
	transaction, ok := store.transactions[reference.String()]
	if !ok {
		return wallet.ErrUnknownTransaction
	}
	if transaction.Status != from {
		return wallet.ErrTransactionFinal
	}
	transaction.Status = to
	if update.VendorReference != "" {
		transaction.VendorReference = update.VendorReference
	}
	if update.VendorResponse != "" {
		transaction.VendorResponse = update.VendorResponse
	}
	if update.GatewayPayload != "" {
		transaction.GatewayPayload = update.GatewayPayload
	}
	if update.Message != "" {
		transaction.Message = update.Message
	}
	transaction.UpdatedUnixUTC = update.UpdatedUnixUTC
	store.transactions[reference.String()] = transaction
	return nil
}

func (store *memStore) AttachGatewayPayload(_ context.Context, reference wallet.Reference, payload string, updatedUnixUTC int64) error {
	transaction, ok := store.transactions[reference.String()]
	if !ok {
		return wallet.ErrUnknownTransaction
	}
	transaction.GatewayPayload = payload
	transaction.UpdatedUnixUTC = updatedUnixUTC
	store.transactions[reference.String()] = transaction
	return nil
}

func (store *memStore) ListTransactions(_ context.Context, userID wallet.UserID, _ int64, limit int) ([]wallet.Transaction, error) {
	matches := make([]wallet.Transaction, 0, len(store.transactions))
	for _, transaction := range store.transactions {
		if transaction.UserID == nil || *transaction.UserID != userID {
			continue
		}
		matches = append(matches, transaction)
		if limit > 0 && len(matches) == limit {
			break
		}
	}
	return matches, nil
}

func (store *memStore) RecordVendorAttempt(_ context.Context, input wallet.VendorAttemptInput) (string, error) {
	return input.Reference.String() + "-attempt", nil
}

func (store *memStore) CompleteVendorAttempt(_ context.Context, _ string, _ wallet.VendorAttemptUpdate) error {
	return nil
}
