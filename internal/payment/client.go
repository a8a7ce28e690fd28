package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/topup/pkg/wallet"
	"go.uber.org/zap"
)

const (
	defaultSessionTimeout  = 30 * time.Second
	maxSessionResponseSize = 1 << 20
)

// Session initiation errors.
var (
	ErrUnknownGateway = errors.New("unknown payment gateway")
	ErrSessionInit    = errors.New("payment session could not be opened")
)

// GatewayConfig holds the outbound credentials for one gateway.
type GatewayConfig struct {
	SessionURL string
	Secret     string
}

// Session is an opened payment session the caller redirects the payer to.
type Session struct {
	Reference        string
	AuthorizationURL string
	AccessCode       string
}

// Client opens payment sessions against the configured gateways.
type Client struct {
	httpClient *http.Client
	gateways   map[string]GatewayConfig
	logger     *zap.Logger
}

type sessionRequest struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Email     string `json:"email,omitempty"`
}

type sessionResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// NewClient wires a session client.
func NewClient(gateways map[string]GatewayConfig, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultSessionTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		gateways:   gateways,
		logger:     logger,
	}
}

// CreateSession opens a hosted-payment session for the given amount and
// transaction reference.
func (client *Client) CreateSession(ctx context.Context, gateway wallet.PaymentMethod, amount wallet.PositiveAmountCents, reference wallet.Reference, email string) (Session, error) {
	config, ok := client.gateways[gateway.String()]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownGateway, gateway.String())
	}
	body, err := json.Marshal(sessionRequest{
		Reference: reference.String(),
		Amount:    amount.Int64(),
		Email:     email,
	})
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrSessionInit, err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, config.SessionURL, bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrSessionInit, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+config.Secret)

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrSessionInit, err)
	}
	defer func() { _ = httpResponse.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxSessionResponseSize))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrSessionInit, err)
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		client.logger.Warn("payment session rejected",
			zap.String("gateway", gateway.String()),
			zap.Int("status", httpResponse.StatusCode))
		return Session{}, fmt.Errorf("%w: gateway returned status %d", ErrSessionInit, httpResponse.StatusCode)
	}
	var decoded sessionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Session{}, fmt.Errorf("%w: malformed gateway response", ErrSessionInit)
	}
	if !decoded.Status {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionInit, decoded.Message)
	}
	session := Session{
		Reference:        decoded.Data.Reference,
		AuthorizationURL: decoded.Data.AuthorizationURL,
		AccessCode:       decoded.Data.AccessCode,
	}
	if session.Reference == "" {
		session.Reference = reference.String()
	}
	return session, nil
}
