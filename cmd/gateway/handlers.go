package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"agentpay/pkg/credential"
	"agentpay/pkg/httpx"
	"agentpay/pkg/models"
	"agentpay/pkg/plan"
	"agentpay/pkg/railconfig"
	"agentpay/pkg/rails"
	"agentpay/pkg/stream"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var p models.PaymentPlan
	if err := json.Unmarshal(body, &p); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}

	start := time.Now()
	rec, err := s.Executor.Execute(r.Context(), p)
	s.Metrics.ObserveDispatchLatency(time.Since(start))

	if err != nil {
		var verr *plan.ValidationError
		if errors.As(err, &verr) {
			s.Metrics.IncRejectReason(verr.Reason)
			httpx.WriteJSON(w, 400, map[string]string{
				"error":  "invalid_plan",
				"reason": verr.Reason,
				"field":  verr.Field,
			})
			return
		}
		if errors.Is(err, credential.ErrSigningKey) {
			httpx.Error(w, 500, "credential signing unavailable")
			return
		}
		var re *rails.RemoteError
		if errors.As(err, &re) {
			// rail was reached; the failed attempt is already on record
			s.Metrics.IncRailStatus(rec.Rail, rec.Status)
			httpx.WriteJSON(w, 502, map[string]interface{}{
				"error":   "rail_error",
				"receipt": rec,
			})
			return
		}
		if errors.Is(err, rails.ErrConfig) {
			httpx.Error(w, 500, "rail not configured")
			return
		}
		httpx.Error(w, 500, "execution failed")
		return
	}

	s.Metrics.IncRailStatus(rec.Rail, rec.Status)
	httpx.WriteJSON(w, 200, rec)
}

const (
	receiptsCacheKey    = "receipts:list"
	receiptsCacheGenKey = "receipts:gen"
)

// Cached listings are keyed by a generation value; recording a receipt
// deletes the generation so every live instance misses on its next read.
func (s *Server) receiptsCacheListKey(ctx context.Context, limit int) string {
	gen, err := s.Cache.Get(ctx, receiptsCacheGenKey)
	if err != nil || gen == "" {
		gen = strconv.FormatInt(time.Now().UnixNano(), 10)
		_ = s.Cache.Set(ctx, receiptsCacheGenKey, gen, time.Hour)
	}
	return receiptsCacheKey + ":" + gen + ":" + strconv.Itoa(limit)
}

func (s *Server) invalidateReceiptsCache() {
	if s.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.Cache.Del(ctx, receiptsCacheGenKey)
}

func (s *Server) listReceipts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	var cacheKey string
	if s.Cache != nil {
		cacheKey = s.receiptsCacheListKey(r.Context(), limit)
		if cached, err := s.Cache.Get(r.Context(), cacheKey); err == nil && cached != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(200)
			_, _ = w.Write([]byte(cached))
			return
		}
	}
	receipts, err := s.Receipts.List(r.Context(), limit)
	if err != nil {
		httpx.Error(w, 500, "list receipts failed")
		return
	}
	if receipts == nil {
		receipts = []models.Receipt{}
	}
	payload := map[string]interface{}{"receipts": receipts}
	if s.Cache != nil {
		if b, err := json.Marshal(payload); err == nil {
			_ = s.Cache.Set(r.Context(), cacheKey, string(b), 5*time.Second)
		}
	}
	httpx.WriteJSON(w, 200, payload)
}

func (s *Server) listMandates(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	mandates, err := s.Mandates.List(r.Context(), limit)
	if err != nil {
		httpx.Error(w, 500, "list mandates failed")
		return
	}
	if mandates == nil {
		mandates = []models.Mandate{}
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"mandates": mandates})
}

func (s *Server) createMandate(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var m models.Mandate
	if err := json.Unmarshal(body, &m); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if m.IssuerDID == "" || m.SubjectDID == "" || m.Currency == "" {
		httpx.Error(w, 400, "issuer_did, subject_did and currency required")
		return
	}
	if !models.KnownScope(m.Scope) {
		httpx.Error(w, 400, "unsupported scope")
		return
	}
	if m.MaxAmountMinor <= 0 {
		httpx.Error(w, 400, "max_amount_minor must be positive")
		return
	}
	if m.ExpiresAt <= time.Now().UnixMilli() {
		httpx.Error(w, 400, "expires_at must be in the future")
		return
	}
	if err := s.Mandates.Create(r.Context(), &m); err != nil {
		httpx.Error(w, 500, "create mandate failed")
		return
	}
	httpx.WriteJSON(w, 201, m)
}

func (s *Server) deleteMandate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "mandate_id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, 400, "invalid mandate id")
		return
	}
	if err := s.Mandates.Delete(r.Context(), id); err != nil {
		httpx.Error(w, 500, "delete mandate failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"deleted": id})
}

func (s *Server) getRailConfig(w http.ResponseWriter, r *http.Request) {
	if s.RailConfig == nil {
		httpx.Error(w, 503, "config store unavailable")
		return
	}
	if r.URL.Query().Get("full") == "true" {
		cfg, err := s.RailConfig.Read(r.Context())
		if err != nil {
			httpx.Error(w, 500, "config decrypt failed")
			return
		}
		if cfg == nil {
			httpx.WriteJSON(w, 200, map[string]bool{"configured": false})
			return
		}
		httpx.WriteJSON(w, 200, cfg)
		return
	}
	cfg, err := s.RailConfig.ReadRedacted(r.Context())
	if err != nil {
		httpx.Error(w, 500, "config decrypt failed")
		return
	}
	if cfg == nil {
		httpx.WriteJSON(w, 200, map[string]bool{"configured": false})
		return
	}
	httpx.WriteJSON(w, 200, cfg)
}

func (s *Server) saveRailConfig(w http.ResponseWriter, r *http.Request) {
	if s.RailConfig == nil {
		httpx.Error(w, 503, "config store unavailable")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var cfg models.RailConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if err := s.RailConfig.Save(r.Context(), cfg); err != nil {
		if errors.Is(err, railconfig.ErrInvalid) {
			httpx.Error(w, 400, err.Error())
			return
		}
		httpx.Error(w, 500, "save config failed")
		return
	}
	saved, err := s.RailConfig.ReadRedacted(r.Context())
	if err != nil || saved == nil {
		httpx.WriteJSON(w, 200, map[string]bool{"configured": true})
		return
	}
	httpx.WriteJSON(w, 200, saved)
}

// getToggles reports the execution flags the card rail will see. Read-only:
// live mode is an environment decision, not a runtime mutation.
func (s *Server) getToggles(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]bool{
		"card_live_enabled": s.CardConfig.Live,
		"payments_dry_run":  s.CardConfig.DryRun,
		"card_live_active":  s.CardConfig.LiveEnabled(),
	})
}

func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	raw, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var parsed map[string]interface{}
	_ = json.Unmarshal(raw, &parsed)

	ack, err := s.Hook.Handle(r.Context(), raw, r.Header, r.URL.Query(), parsed)
	if err != nil {
		httpx.Error(w, 500, "store event failed")
		return
	}
	s.Metrics.IncWebhook(ack.Verified)
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent("webhook.received", ack))
	}
	httpx.WriteJSON(w, 200, ack)
}

func (s *Server) listInboundEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	events, err := s.Inbound.List(r.Context(), limit)
	if err != nil {
		httpx.Error(w, 500, "list events failed")
		return
	}
	if events == nil {
		events = []models.InboundEvent{}
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"events": events})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
