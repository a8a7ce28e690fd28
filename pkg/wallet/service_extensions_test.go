package wallet

import (
	"context"
	"errors"
	"testing"
)

func TestConfirmFundingCreditsWalletOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-fund")
	reference := mustReference(test, "FUND-TEST0000010")
	method := mustPaymentMethod(test, "paystack")

	if err := service.RecordPendingFunding(context.Background(), userID, mustPositiveAmount(test, 5000), reference, method); err != nil {
		test.Fatalf("record pending funding: %v", err)
	}

	confirmed, err := service.ConfirmFunding(context.Background(), reference, `{"status":"success"}`)
	if err != nil {
		test.Fatalf("confirm funding: %v", err)
	}
	if confirmed.Status != StatusSuccess {
		test.Fatalf("expected success, got %s", confirmed.Status)
	}
	record := store.balances[userID.String()]
	if record.BalanceCents != 5000 || record.TotalFundedCents != 5000 {
		test.Fatalf("unexpected balance record: %+v", record)
	}
	if !record.Consistent() {
		test.Fatalf("balance invariant broken: %+v", record)
	}

	// A replayed confirmation must not credit again.
	if _, err := service.ConfirmFunding(context.Background(), reference, `{"status":"success"}`); !errors.Is(err, ErrTransactionFinal) {
		test.Fatalf("expected ErrTransactionFinal on replay, got %v", err)
	}
	record = store.balances[userID.String()]
	if record.BalanceCents != 5000 {
		test.Fatalf("replay credited twice: %+v", record)
	}
}

func TestConfirmFundingRejectsPurchaseTransactions(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-wrongtype")
	store.seedBalance(userID, 2000, 2000, 0)
	reference := mustReference(test, "PUR-TEST00000011")
	if err := service.Debit(context.Background(), userID, mustPositiveAmount(test, 1000), reference, purchaseDetails(test)); err != nil {
		test.Fatalf("debit: %v", err)
	}

	_, err := service.ConfirmFunding(context.Background(), reference, "{}")
	if !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
}

func TestCompletePurchaseTransitionsPendingToSuccess(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-complete")
	store.seedBalance(userID, 2000, 2000, 0)
	reference := mustReference(test, "PUR-TEST00000012")
	if err := service.Debit(context.Background(), userID, mustPositiveAmount(test, 1000), reference, purchaseDetails(test)); err != nil {
		test.Fatalf("debit: %v", err)
	}

	if err := service.CompletePurchase(context.Background(), reference, "VND-1", `{"success":true}`); err != nil {
		test.Fatalf("complete: %v", err)
	}
	transaction := store.mustTransaction(test, reference)
	if transaction.Status != StatusSuccess || transaction.VendorReference != "VND-1" {
		test.Fatalf("unexpected transaction: %+v", transaction)
	}

	if err := service.CompletePurchase(context.Background(), reference, "VND-2", "{}"); !errors.Is(err, ErrTransactionFinal) {
		test.Fatalf("expected ErrTransactionFinal, got %v", err)
	}
}

func TestFailPurchaseRecordsVendorMessage(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-failed")
	store.seedBalance(userID, 2000, 2000, 0)
	reference := mustReference(test, "PUR-TEST00000013")
	if err := service.Debit(context.Background(), userID, mustPositiveAmount(test, 1000), reference, purchaseDetails(test)); err != nil {
		test.Fatalf("debit: %v", err)
	}

	if err := service.FailPurchase(context.Background(), reference, "vendor rejected the request", `{"success":false}`); err != nil {
		test.Fatalf("fail: %v", err)
	}
	transaction := store.mustTransaction(test, reference)
	if transaction.Status != StatusFailed {
		test.Fatalf("expected failed, got %s", transaction.Status)
	}
	if transaction.Message != "vendor rejected the request" {
		test.Fatalf("unexpected message %q", transaction.Message)
	}
}

func TestCancelTransactionOnlyWhilePending(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-cancel")
	reference := mustReference(test, "FUND-TEST0000014")
	method := mustPaymentMethod(test, "paystack")
	if err := service.RecordPendingFunding(context.Background(), userID, mustPositiveAmount(test, 1000), reference, method); err != nil {
		test.Fatalf("record pending funding: %v", err)
	}

	if err := service.CancelTransaction(context.Background(), reference); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if got := store.mustTransaction(test, reference).Status; got != StatusCancelled {
		test.Fatalf("expected cancelled, got %s", got)
	}
	if err := service.CancelTransaction(context.Background(), reference); !errors.Is(err, ErrTransactionFinal) {
		test.Fatalf("expected ErrTransactionFinal, got %v", err)
	}
}

func TestRefundPurchaseCompensatesFailedPurchase(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-manual")
	store.seedBalance(userID, 2000, 2000, 0)
	reference := mustReference(test, "PUR-TEST00000015")
	if err := service.Debit(context.Background(), userID, mustPositiveAmount(test, 1000), reference, purchaseDetails(test)); err != nil {
		test.Fatalf("debit: %v", err)
	}
	if err := service.FailPurchase(context.Background(), reference, "vendor failure", "{}"); err != nil {
		test.Fatalf("fail: %v", err)
	}

	refundReference, err := service.RefundPurchase(context.Background(), reference)
	if err != nil {
		test.Fatalf("manual refund: %v", err)
	}
	if got := store.mustTransaction(test, reference).Status; got != StatusRefunded {
		test.Fatalf("expected refunded, got %s", got)
	}
	record := store.balances[userID.String()]
	if record.BalanceCents != 2000 || record.TotalSpentCents != 0 {
		test.Fatalf("compensation did not restore balance: %+v", record)
	}
	if !record.Consistent() {
		test.Fatalf("balance invariant broken: %+v", record)
	}
	if _, ok := store.transactions[refundReference.String()]; !ok {
		test.Fatalf("compensation row %s missing", refundReference.String())
	}

	// Already refunded; the transition guard absorbs the replay.
	if _, err := service.RefundPurchase(context.Background(), reference); !errors.Is(err, ErrTransactionFinal) {
		test.Fatalf("expected ErrTransactionFinal on replay, got %v", err)
	}
	record = store.balances[userID.String()]
	if record.BalanceCents != 2000 {
		test.Fatalf("replay credited twice: %+v", record)
	}
}

func TestRefundPurchaseMaterializesGuestWallet(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	reference := mustReference(test, "PUR-TEST00000016")
	phone := mustPhoneNumber(test, "+233209998877")
	method := mustPaymentMethod(test, "paystack")
	details := PurchaseDetails{
		Network:   mustNetwork(test, "mtn"),
		PackageID: "pkg-1gb",
		Phone:     phone,
		Method:    method,
	}
	if err := service.RecordPendingPurchase(context.Background(), nil, mustPositiveAmount(test, 1000), reference, details); err != nil {
		test.Fatalf("record pending purchase: %v", err)
	}
	if err := service.MarkGatewayFailure(context.Background(), reference, "payment reported failed by gateway", "{}"); err != nil {
		test.Fatalf("mark failure: %v", err)
	}

	if _, err := service.RefundPurchase(context.Background(), reference); err != nil {
		test.Fatalf("manual refund: %v", err)
	}
	guest := GuestUserID(phone)
	record, ok := store.balances[guest.String()]
	if !ok {
		test.Fatalf("guest wallet %s not created", guest.String())
	}
	if record.BalanceCents != 1000 || record.TotalFundedCents != 1000 {
		test.Fatalf("unexpected guest record: %+v", record)
	}
}

func TestRecordGatewayPayloadKeepsStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-payload")
	reference := mustReference(test, "FUND-TEST0000017")
	method := mustPaymentMethod(test, "flutterwave")
	if err := service.RecordPendingFunding(context.Background(), userID, mustPositiveAmount(test, 1000), reference, method); err != nil {
		test.Fatalf("record pending funding: %v", err)
	}

	if err := service.RecordGatewayPayload(context.Background(), reference, `{"status":"processing"}`); err != nil {
		test.Fatalf("record payload: %v", err)
	}
	transaction := store.mustTransaction(test, reference)
	if transaction.Status != StatusPending {
		test.Fatalf("status moved unexpectedly: %s", transaction.Status)
	}
	if transaction.GatewayPayload == "" {
		test.Fatal("gateway payload not stored")
	}
}
