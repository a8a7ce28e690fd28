package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
)

const (
	GatewayPaystack    = "paystack"
	GatewayFlutterwave = "flutterwave"

	headerPaystackSignature = "x-paystack-signature"
	headerFlutterwaveHash   = "verif-hash"
)

// VerifyFunc checks an inbound webhook's authenticity against a shared secret.
type VerifyFunc func(rawBody []byte, header http.Header, secret string) bool

// The per-gateway verification strategies. HMAC family gateways sign the raw
// body; token family gateways echo a static secret in a header.
var verifiers = map[string]VerifyFunc{
	GatewayPaystack:    verifyBodyHMACSHA512,
	GatewayFlutterwave: verifyHeaderToken,
}

// Supported reports whether a gateway name has a verification strategy.
func Supported(gateway string) bool {
	_, ok := verifiers[gateway]
	return ok
}

// VerifySignature dispatches to the gateway's strategy. Unknown gateways and
// empty secrets never verify.
func VerifySignature(gateway string, rawBody []byte, header http.Header, secret string) bool {
	verify, ok := verifiers[gateway]
	if !ok || secret == "" {
		return false
	}
	return verify(rawBody, header, secret)
}

func verifyBodyHMACSHA512(rawBody []byte, header http.Header, secret string) bool {
	provided := header.Get(headerPaystackSignature)
	if provided == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}

func verifyHeaderToken(_ []byte, header http.Header, secret string) bool {
	provided := header.Get(headerFlutterwaveHash)
	if provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) == 1
}
