package rails

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"agentpay/pkg/httpx"
	"agentpay/pkg/models"
)

// X402Adapter moves funds through a configured x402 facilitator. There is no
// simulated switch at this layer; mode is upstream policy.
type X402Adapter struct {
	Client     *http.Client
	LoadConfig func(ctx context.Context) (*models.RailConfig, error)
	Retries    int
	RetryDelay time.Duration
}

type x402TransferRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	To          string `json:"to"`
	Memo        string `json:"memo,omitempty"`
	From        string `json:"from"`
}

type x402TransferResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
}

func (a X402Adapter) Execute(ctx context.Context, req Request) (Result, error) {
	if a.LoadConfig == nil {
		return Result{}, fmt.Errorf("%w: facilitator", ErrConfig)
	}
	cfg, err := a.LoadConfig(ctx)
	if err != nil {
		return Result{}, err
	}
	if cfg == nil {
		return Result{}, fmt.Errorf("%w: facilitator", ErrConfig)
	}
	body, err := json.Marshal(x402TransferRequest{
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		To:          req.Counterparty,
		Memo:        req.Memo,
		From:        cfg.WalletAddress,
	})
	if err != nil {
		return Result{}, err
	}
	endpoint := strings.TrimSuffix(cfg.FacilitatorURL, "/") + "/transfer"
	status, respBody, err := httpx.RequestJSON(ctx, a.Client, http.MethodPost, endpoint, body, map[string]string{
		"X-Api-Key":     cfg.APIKeyID,
		"Authorization": "Bearer " + cfg.APIKeySecret,
	}, a.Retries, a.RetryDelay)
	if err != nil {
		return Result{}, fmt.Errorf("x402 transfer: %w", err)
	}
	if status < 200 || status >= 300 {
		return Result{}, &RemoteError{Rail: models.RailX402, Status: status, Body: string(respBody)}
	}
	var parsed x402TransferResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("x402 transfer response: %w", err)
	}
	if parsed.Status == "" {
		parsed.Status = StatusConfirmed
	}
	return Result{Status: parsed.Status, Reference: parsed.Reference, Raw: respBody}, nil
}
