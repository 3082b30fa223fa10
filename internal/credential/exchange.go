package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bardlex/quarry/pkg/errors"
)

// MiningTokensPath is the account API endpoint that mints mining keys.
const MiningTokensPath = "/api/v1/mining-tokens"

type createRequest struct {
	DeviceNickname *string `json:"device_nickname"`
	ExpiresDays    *uint32 `json:"expires_days"`
}

type createResponse struct {
	MiningToken string `json:"mining_token"`
}

// Exchanger trades an account token for a mining key.
type Exchanger struct {
	baseURL string
	client  *http.Client
}

// NewExchanger creates an exchanger for the account API at baseURL. A nil
// client gets a 30 second timeout.
func NewExchanger(baseURL string, client *http.Client) *Exchanger {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Exchanger{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// CreateMiningKey asks the API for a new non-expiring mining key.
func (e *Exchanger) CreateMiningKey(ctx context.Context, accountToken, nickname string) (string, error) {
	const op = "create_mining_key"

	req := createRequest{}
	if nickname != "" {
		req.DeviceNickname = &nickname
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, op, "failed to encode request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+MiningTokensPath, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, op, "invalid API URL")
	}
	httpReq.Header.Set("Authorization", "Bearer "+accountToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeNetwork, op, "mining key request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", statusError(op, resp.StatusCode, strings.TrimSpace(string(text)))
	}

	var out createResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, op, "undecodable mining key response")
	}
	if out.MiningToken == "" {
		return "", errors.New(errors.ErrorTypeValidation, op, "response carried no mining key")
	}
	return out.MiningToken, nil
}

func statusError(op string, status int, body string) error {
	var msg string
	retryable := false
	switch status {
	case http.StatusUnauthorized:
		msg = "invalid or expired account token"
	case http.StatusForbidden:
		msg = "account token does not have permission to create mining keys"
	case http.StatusNotFound:
		msg = "mining key endpoint not found"
	case http.StatusTooManyRequests:
		msg = "rate limit exceeded, try again later"
		retryable = true
	default:
		msg = fmt.Sprintf("mining key creation failed (%d): %s", status, body)
		retryable = status >= 500
	}
	err := errors.New(errors.ErrorTypeValidation, op, msg).WithContext("status", status)
	err.Retryable = retryable
	return err
}
