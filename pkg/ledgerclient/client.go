/**
 * @description
 * This package provides a client for the destination ledger's credit API. Every
 * request carries the source signature as its idempotency key, so replays after a
 * crash or a lost response are absorbed by the ledger.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: short-lived HS256 service token.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/transfa/deposit-relay/internal/domain"
)

const (
	serviceSubject = "deposit-relay"
	tokenTTL       = 2 * time.Minute
)

// Client credits accounts on the destination ledger.
type Client struct {
	baseURL    string
	jwtSecret  []byte
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a new destination ledger client.
func NewClient(baseURL, jwtSecret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		jwtSecret:  []byte(jwtSecret),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// CreditRequest is the body of a credit call.
type CreditRequest struct {
	DestinationKey string `json:"destination_key"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type creditResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (c *Client) serviceToken() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Subject:   serviceSubject,
		Audience:  jwt.ClaimStrings{"ledger"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.jwtSecret)
}

// CreditAccount applies amount to destinationKey. Transport failures and 5xx
// responses wrap domain.ErrCreditTransient; explicit refusals return
// domain.CreditRejected with a reason.
func (c *Client) CreditAccount(ctx context.Context, destinationKey string, amount int64, idempotencyKey string) (domain.CreditOutcome, string, error) {
	if c.baseURL == "" {
		return "", "", fmt.Errorf("ledger base url is empty")
	}

	body, err := json.Marshal(CreditRequest{
		DestinationKey: destinationKey,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal credit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/credits", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if len(c.jwtSecret) > 0 {
		token, err := c.serviceToken()
		if err != nil {
			return "", "", fmt.Errorf("failed to sign service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrCreditTransient, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var decoded creditResponse
	_ = json.Unmarshal(raw, &decoded)

	switch {
	case resp.StatusCode == http.StatusCreated:
		return domain.CreditApplied, "", nil
	case resp.StatusCode == http.StatusConflict:
		return domain.CreditAlreadyApplied, "", nil
	case resp.StatusCode == http.StatusOK:
		if strings.EqualFold(decoded.Status, string(domain.CreditAlreadyApplied)) {
			return domain.CreditAlreadyApplied, "", nil
		}
		return domain.CreditApplied, "", nil
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusUnprocessableEntity:
		reason := decoded.Reason
		if reason == "" {
			reason = fmt.Sprintf("ledger returned status %d", resp.StatusCode)
		}
		return domain.CreditRejected, reason, nil
	default:
		return "", "", fmt.Errorf("%w: ledger returned status %d", domain.ErrCreditTransient, resp.StatusCode)
	}
}
