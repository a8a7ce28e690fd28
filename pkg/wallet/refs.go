package wallet

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
)

const referenceCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewPurchaseReference generates a fresh purchase reference.
func NewPurchaseReference() (Reference, error) {
	return generateReference(purchaseReferencePrefix)
}

// NewFundingReference generates a fresh funding reference.
func NewFundingReference() (Reference, error) {
	return generateReference(fundingReferencePrefix)
}

// RefundReference derives the compensating-credit reference for a purchase.
// Deterministic so a replayed compensation is detectable as a duplicate.
func RefundReference(original Reference) Reference {
	return Reference{value: refundReferencePrefix + original.String()}
}

// IsRefundReference reports whether a reference marks a refund record.
func IsRefundReference(reference Reference) bool {
	return strings.HasPrefix(reference.String(), refundReferencePrefix)
}

func generateReference(prefix string) (Reference, error) {
	buffer := make([]byte, referenceTokenLength)
	if _, err := rand.Read(buffer); err != nil {
		return Reference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	for i, b := range buffer {
		buffer[i] = referenceCharset[int(b)%len(referenceCharset)]
	}
	return Reference{value: prefix + string(buffer)}, nil
}

// ParseAmount converts a 2-decimal currency string ("10.00", "5", "0.50")
// to minor units.
func ParseAmount(raw string) (PositiveAmountCents, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidAmountCents)
	}
	whole := trimmed
	fraction := ""
	if dot := strings.IndexByte(trimmed, '.'); dot >= 0 {
		whole = trimmed[:dot]
		fraction = trimmed[dot+1:]
	}
	if len(fraction) > 2 {
		return 0, fmt.Errorf("%w: more than two decimal places", ErrInvalidAmountCents)
	}
	for len(fraction) < 2 {
		fraction += "0"
	}
	if whole == "" {
		whole = "0"
	}
	// Digits only: a sign anywhere ("-0.50", "5.-1") must not slip through
	// strconv as a signed fragment.
	if !allDigits(whole) || !allDigits(fraction) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmountCents, raw)
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmountCents, raw)
	}
	cents, err := strconv.ParseInt(fraction, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmountCents, raw)
	}
	return NewPositiveAmountCents(units*100 + cents)
}

func allDigits(raw string) bool {
	for _, r := range raw {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FormatAmountCents renders minor units as a 2-decimal string.
func FormatAmountCents(amount AmountCents) string {
	value := amount.Int64()
	return fmt.Sprintf("%d.%02d", value/100, value%100)
}
