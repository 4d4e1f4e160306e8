// Package gateway talks to the payment provider: it creates remote orders over
// HTTP and verifies payment signatures locally with the shared key secret.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sweetshop/internal/util"

	"go.opentelemetry.io/otel/attribute"
)

// ErrGateway is returned for network failures and non-2xx responses
var ErrGateway = errors.New("gateway: request failed")

// Signer computes and checks payment signatures
type Signer struct {
	secret []byte
}

func NewSigner(secret string) Signer {
	return Signer{secret: []byte(secret)}
}

// Sign returns hex(HMAC-SHA256(secret, gatewayOrderID + "|" + gatewayPaymentID))
func (s Signer) Sign(gatewayOrderID, gatewayPaymentID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(gatewayOrderID + "|" + gatewayPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares in constant time
func (s Signer) Verify(gatewayOrderID, gatewayPaymentID, signature string) bool {
	if gatewayOrderID == "" || gatewayPaymentID == "" || signature == "" {
		return false
	}
	expected := s.Sign(gatewayOrderID, gatewayPaymentID)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// Client is the HTTP adapter for the payment provider's order API
type Client struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *http.Client
	signer     Signer
}

// NewClient creates a gateway client. timeout bounds every remote call.
func NewClient(baseURL, keyID, keySecret string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		keyID:      keyID,
		keySecret:  keySecret,
		httpClient: &http.Client{Timeout: timeout},
		signer:     NewSigner(keySecret),
	}
}

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type createOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CreateRemoteOrder registers an order with the provider and returns its id.
// receipt carries our own order id so the provider side can be traced back.
func (c *Client) CreateRemoteOrder(ctx context.Context, amount int64, currency, receipt string) (string, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.CreateRemoteOrder")
	defer span.End()
	span.SetAttributes(attribute.String("receipt", receipt), attribute.Int64("amount", amount))

	body, err := json.Marshal(createOrderRequest{Amount: amount, Currency: currency, Receipt: receipt})
	if err != nil {
		return "", fmt.Errorf("failed to marshal order request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrGateway, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d: %s", ErrGateway, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out createOrderResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrGateway, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: response without order id", ErrGateway)
	}
	return out.ID, nil
}

// VerifySignature checks a payment callback without any network call
func (c *Client) VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	return c.signer.Verify(gatewayOrderID, gatewayPaymentID, signature)
}
