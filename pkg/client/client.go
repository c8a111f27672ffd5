package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// APIError is a non-2xx answer of the entitlement API.
// It unwraps to the entitlement sentinel matching its code.
type APIError struct {
	StatusCode int
	Code       api.ErrorCode
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("entitlement api: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case api.CodeVerificationFailed:
		return entitlement.ErrVerificationFailed
	case api.CodePersistenceFailed:
		return entitlement.ErrPersistenceFailed
	case api.CodeBadRequest:
		return entitlement.ErrBadRequest
	case api.CodeConfigurationError:
		return entitlement.ErrConfiguration
	default:
		return nil
	}
}

// APIClient talks to the entitlement API over HTTP
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates a client for the API at baseURL (default http client timeout: 30s)
func NewAPIClient(baseURL string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Verify submits a signed transaction for userID
func (c *APIClient) Verify(ctx context.Context, userID, token string, env entitlement.Environment) (*api.EntitlementResponse, error) {
	body, err := json.Marshal(api.VerifyRequest{
		UserID:                userID,
		SignedTransactionInfo: token,
		Environment:           string(env),
	})
	if err != nil {
		return nil, err
	}

	var resp api.EntitlementResponse
	if err := c.do(ctx, http.MethodPost, "/iap/verify", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetEntitlement reads the current entitlement of userID
func (c *APIClient) GetEntitlement(ctx context.Context, userID string) (*api.EntitlementResponse, error) {
	var resp api.EntitlementResponse
	if err := c.do(ctx, http.MethodGet, "/entitlements?user_id="+url.QueryEscape(userID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Products lists the purchasable products
func (c *APIClient) Products(ctx context.Context) ([]api.ProductResponse, error) {
	var resp []api.ProductResponse
	if err := c.do(ctx, http.MethodGet, "/products", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp api.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil {
			apiErr.Code = errResp.Error.Code
			apiErr.Message = errResp.Error.Message
		}
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
