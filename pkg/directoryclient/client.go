/**
 * @description
 * This package provides a client for the correlation directory, which maps a
 * depositor's source address and memo to the destination account to credit.
 */
package directoryclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/transfa/deposit-relay/internal/domain"
)

// Client is a client for the correlation directory service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new directory client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type resolveResponse struct {
	DestinationKey string `json:"destination_key"`
}

// ResolveDestination looks up the destination for a sender and memo. An unknown
// mapping returns domain.ErrCorrelationNotFound.
func (c *Client) ResolveDestination(ctx context.Context, sourceAddress, memo string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("%w: directory base url is empty", domain.ErrCorrelationNotFound)
	}

	query := url.Values{}
	query.Set("source_address", sourceAddress)
	if memo != "" {
		query.Set("memo", memo)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/correlations/resolve?"+query.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request to directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", domain.ErrCorrelationNotFound
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("directory returned error status %d", resp.StatusCode)
	}

	var decoded resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if strings.TrimSpace(decoded.DestinationKey) == "" {
		return "", domain.ErrCorrelationNotFound
	}
	return strings.TrimSpace(decoded.DestinationKey), nil
}
