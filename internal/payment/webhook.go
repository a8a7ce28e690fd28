package payment

import (
	"encoding/json"
	"errors"
	"strings"
)

// Status is the internal tri-state a gateway's status vocabulary maps onto.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

// Gateways disagree on wording; anything unrecognized stays pending and
// causes no transition.
var statusVocabulary = map[string]Status{
	"success":    StatusSuccess,
	"successful": StatusSuccess,
	"completed":  StatusSuccess,
	"paid":       StatusSuccess,
	"failed":     StatusFailed,
	"declined":   StatusFailed,
	"cancelled":  StatusFailed,
	"canceled":   StatusFailed,
	"error":      StatusFailed,
}

// MapStatus folds a gateway's free-text status onto the internal tri-state.
func MapStatus(raw string) Status {
	if mapped, ok := statusVocabulary[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return mapped
	}
	return StatusPending
}

// ErrMalformedPayload marks a webhook body that cannot be interpreted.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Event is the parsed content of a gateway notification.
type Event struct {
	Reference   string
	Status      string
	AmountCents int64 // 0 when the payload carried no usable amount
	Raw         string
}

type webhookBody struct {
	Event     string       `json:"event"`
	Reference string       `json:"reference"`
	Status    string       `json:"status"`
	Amount    json.Number  `json:"amount"`
	Data      *webhookData `json:"data"`
}

type webhookData struct {
	Reference string      `json:"reference"`
	TxRef     string      `json:"tx_ref"`
	Status    string      `json:"status"`
	Amount    json.Number `json:"amount"`
}

// ParseWebhook reads a gateway notification body. Both flat bodies and
// data-nested envelopes are accepted; nested fields win when present.
func ParseWebhook(rawBody []byte) (Event, error) {
	var body webhookBody
	decoder := json.NewDecoder(strings.NewReader(string(rawBody)))
	decoder.UseNumber()
	if err := decoder.Decode(&body); err != nil {
		return Event{}, ErrMalformedPayload
	}
	event := Event{
		Reference: body.Reference,
		Status:    body.Status,
		Raw:       string(rawBody),
	}
	amount := body.Amount
	if body.Data != nil {
		if body.Data.Reference != "" {
			event.Reference = body.Data.Reference
		} else if body.Data.TxRef != "" {
			event.Reference = body.Data.TxRef
		}
		if body.Data.Status != "" {
			event.Status = body.Data.Status
		}
		if body.Data.Amount != "" {
			amount = body.Data.Amount
		}
	}
	if event.Reference == "" {
		return Event{}, ErrMalformedPayload
	}
	event.AmountCents = amountToCents(amount)
	return event, nil
}

// amountToCents interprets a gateway amount. Decimal values are major
// currency units ("50.00" -> 5000); bare integers are already minor units,
// the convention of HMAC-family gateways.
func amountToCents(amount json.Number) int64 {
	raw := amount.String()
	if raw == "" {
		return 0
	}
	if strings.ContainsRune(raw, '.') {
		whole := raw[:strings.IndexByte(raw, '.')]
		fraction := raw[strings.IndexByte(raw, '.')+1:]
		if len(fraction) > 2 {
			fraction = fraction[:2]
		}
		for len(fraction) < 2 {
			fraction += "0"
		}
		if whole == "" {
			whole = "0"
		}
		// Signed fragments ("-50.00", "5.-1") carry no usable amount.
		if !allDigits(whole) || !allDigits(fraction) {
			return 0
		}
		units, err := parseInt(whole)
		if err != nil {
			return 0
		}
		cents, err := parseInt(fraction)
		if err != nil {
			return 0
		}
		return units*100 + cents
	}
	value, err := amount.Int64()
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func parseInt(raw string) (int64, error) {
	return json.Number(raw).Int64()
}

func allDigits(raw string) bool {
	for _, r := range raw {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
