package wallet

import (
	"errors"
	"strings"
	"testing"
)

func TestGeneratedReferencesCarryPrefixes(test *testing.T) {
	test.Parallel()
	purchaseRef, err := NewPurchaseReference()
	if err != nil {
		test.Fatalf("purchase reference: %v", err)
	}
	if !strings.HasPrefix(purchaseRef.String(), purchaseReferencePrefix) {
		test.Fatalf("unexpected purchase reference %q", purchaseRef.String())
	}
	if len(purchaseRef.String()) != len(purchaseReferencePrefix)+referenceTokenLength {
		test.Fatalf("unexpected reference length %q", purchaseRef.String())
	}
	fundingRef, err := NewFundingReference()
	if err != nil {
		test.Fatalf("funding reference: %v", err)
	}
	if !strings.HasPrefix(fundingRef.String(), fundingReferencePrefix) {
		test.Fatalf("unexpected funding reference %q", fundingRef.String())
	}
}

func TestGeneratedReferencesAreUnique(test *testing.T) {
	test.Parallel()
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		reference, err := NewPurchaseReference()
		if err != nil {
			test.Fatalf("reference: %v", err)
		}
		if _, exists := seen[reference.String()]; exists {
			test.Fatalf("duplicate reference generated: %s", reference.String())
		}
		seen[reference.String()] = struct{}{}
	}
}

func TestRefundReferenceIsDerivedAndDetectable(test *testing.T) {
	test.Parallel()
	original := mustReference(test, "PUR-ABCDEFGH2345")
	refund := RefundReference(original)
	if refund.String() != "RF-PUR-ABCDEFGH2345" {
		test.Fatalf("unexpected refund reference %q", refund.String())
	}
	if !IsRefundReference(refund) {
		test.Fatal("refund reference not detected")
	}
	if IsRefundReference(original) {
		test.Fatal("original misdetected as refund")
	}
}

func TestParseAmount(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		raw  string
		want int64
	}{
		{"10.00", 1000},
		{"10", 1000},
		{"0.50", 50},
		{"5.5", 550},
		{".25", 25},
	}
	for _, testCase := range testCases {
		amount, err := ParseAmount(testCase.raw)
		if err != nil {
			test.Fatalf("parse %q: %v", testCase.raw, err)
		}
		if amount.Int64() != testCase.want {
			test.Fatalf("parse %q: expected %d, got %d", testCase.raw, testCase.want, amount.Int64())
		}
	}
}

func TestParseAmountRejectsInvalid(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"", "0", "-5", "1.234", "ten", "-0.50", "5.-1", "+5.00", "1e2"} {
		if _, err := ParseAmount(raw); !errors.Is(err, ErrInvalidAmountCents) {
			test.Fatalf("expected ErrInvalidAmountCents for %q, got %v", raw, err)
		}
	}
}

func TestFormatAmountCents(test *testing.T) {
	test.Parallel()
	if got := FormatAmountCents(1050); got != "10.50" {
		test.Fatalf("expected 10.50, got %q", got)
	}
	if got := FormatAmountCents(5); got != "0.05" {
		test.Fatalf("expected 0.05, got %q", got)
	}
}
