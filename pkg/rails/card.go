package rails

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentpay/pkg/httpx"
	"agentpay/pkg/models"

	"github.com/google/uuid"
)

// CardConfig is the snapshot of card-rail settings for one execution. The
// adapter never reads ambient process state; callers refresh the snapshot
// between requests.
type CardConfig struct {
	Live         bool
	DryRun       bool
	BaseURL      string
	AgentID      string
	ClientID     string
	ClientSecret string
}

// LiveEnabled requires both the live flag and dry-run disabled.
func (c CardConfig) LiveEnabled() bool {
	return c.Live && !c.DryRun
}

// CardAdapter performs agentic card-network payments. Simulated unless the
// config fully enables live mode.
type CardAdapter struct {
	Client     *http.Client
	Config     CardConfig
	Retries    int
	RetryDelay time.Duration
}

type cardTokenResponse struct {
	AccessToken string `json:"access_token"`
}

type cardActionResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	ID        string `json:"id"`
}

func (a CardAdapter) Execute(ctx context.Context, req Request) (Result, error) {
	agentID := a.Config.AgentID
	if agentID == "" {
		agentID = "agent:demo"
	}
	if !a.Config.LiveEnabled() {
		raw, _ := json.Marshal(map[string]interface{}{
			"agent_id": agentID,
			"request":  req,
		})
		return Result{
			Status:    StatusSimulated,
			Reference: "card-sim-" + uuid.New().String(),
			Raw:       raw,
		}, nil
	}
	if a.Config.BaseURL == "" {
		return Result{}, fmt.Errorf("%w: card api base", ErrConfig)
	}
	if a.Config.ClientID == "" || a.Config.ClientSecret == "" {
		return Result{}, fmt.Errorf("%w: card client credentials", ErrConfig)
	}
	token, err := a.fetchToken(ctx)
	if err != nil {
		return Result{}, err
	}
	payload, err := json.Marshal(map[string]interface{}{
		"agent_id":  agentID,
		"operation": "CARD_PAYMENT",
		"context": map[string]interface{}{
			"amount_minor": req.AmountMinor,
			"currency":     req.Currency,
			"purpose":      req.Purpose,
			"memo":         req.Memo,
			"counterparty": req.Counterparty,
		},
	})
	if err != nil {
		return Result{}, err
	}
	endpoint := strings.TrimSuffix(a.Config.BaseURL, "/") + "/agents/" + url.PathEscape(agentID) + "/actions"
	status, respBody, err := httpx.RequestJSON(ctx, a.Client, http.MethodPost, endpoint, payload, map[string]string{
		"Authorization": "Bearer " + token,
	}, a.Retries, a.RetryDelay)
	if err != nil {
		return Result{}, fmt.Errorf("card action: %w", err)
	}
	if status < 200 || status >= 300 {
		return Result{}, &RemoteError{Rail: models.RailCard, Status: status, Body: string(respBody)}
	}
	var parsed cardActionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("card action response: %w", err)
	}
	if parsed.Status == "" {
		parsed.Status = StatusQueued
	}
	reference := parsed.Reference
	if reference == "" {
		reference = parsed.ID
	}
	return Result{Status: parsed.Status, Reference: reference, Raw: respBody}, nil
}

func (a CardAdapter) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", a.Config.ClientID)
	form.Set("client_secret", a.Config.ClientSecret)
	endpoint := strings.TrimSuffix(a.Config.BaseURL, "/") + "/oauth/token"
	status, respBody, err := httpx.RequestJSON(ctx, a.Client, http.MethodPost, endpoint, []byte(form.Encode()), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	}, a.Retries, a.RetryDelay)
	if err != nil {
		return "", fmt.Errorf("card oauth: %w", err)
	}
	if status < 200 || status >= 300 {
		return "", &RemoteError{Rail: models.RailCard, Status: status, Body: string(respBody)}
	}
	var parsed cardTokenResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("card oauth response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("%w: card oauth token empty", ErrConfig)
	}
	return parsed.AccessToken, nil
}
