package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"agentpay/pkg/credential"
	"agentpay/pkg/dispatch"
	"agentpay/pkg/eventbus"
	"agentpay/pkg/hardening"
	"agentpay/pkg/httpx"
	"agentpay/pkg/metrics"
	"agentpay/pkg/models"
	"agentpay/pkg/railconfig"
	"agentpay/pkg/rails"
	"agentpay/pkg/ratelimit"
	"agentpay/pkg/secrets"
	"agentpay/pkg/store"
	"agentpay/pkg/stream"
	"agentpay/pkg/telemetry"
	"agentpay/pkg/webhook"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                  gatewayDB
	Cache               store.Cache
	HTTPClient          *http.Client
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Executor            planExecutor
	Receipts            receiptStore
	Mandates            mandateStore
	Inbound             inboundStore
	RailConfig          railConfigStore
	Hook                webhookHandler
	Bus                 *eventbus.Publisher
	CardConfig          rails.CardConfig
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type planExecutor interface {
	Execute(ctx context.Context, p models.PaymentPlan) (models.Receipt, error)
}

type receiptStore interface {
	List(ctx context.Context, limit int) ([]models.Receipt, error)
}

type mandateStore interface {
	Create(ctx context.Context, m *models.Mandate) error
	List(ctx context.Context, limit int) ([]models.Mandate, error)
	Delete(ctx context.Context, id int64) error
}

type inboundStore interface {
	Insert(ctx context.Context, evt *models.InboundEvent) error
	List(ctx context.Context, limit int) ([]models.InboundEvent, error)
}

type railConfigStore interface {
	Save(ctx context.Context, cfg models.RailConfig) error
	Read(ctx context.Context) (*models.RailConfig, error)
	ReadRedacted(ctx context.Context) (*models.RedactedRailConfig, error)
}

type webhookHandler interface {
	Handle(ctx context.Context, rawBody []byte, headers http.Header, query url.Values, parsed map[string]interface{}) (webhook.Ack, error)
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server, consumer *eventbus.Consumer)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server, consumer *eventbus.Consumer) {
		if consumer != nil {
			inbound, _ := s.Inbound.(*store.InboundStore)
			if inbound != nil {
				go eventbus.Ingest(context.Background(), consumer, inbound)
			}
		}
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	webhookSecret := env("WEBHOOK_HMAC_SECRET", "")
	encKeyRaw := env("CONFIG_ENC_KEY", "")
	cardConfig := rails.CardConfig{
		Live:         env("CARD_LIVE_ENABLED", "false") == "true",
		DryRun:       env("PAYMENTS_DRY_RUN", "true") == "true",
		BaseURL:      env("CARD_API_BASE_URL", ""),
		AgentID:      env("CARD_AGENT_ID", ""),
		ClientID:     env("CARD_CLIENT_ID", ""),
		ClientSecret: env("CARD_CLIENT_SECRET", ""),
	}

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "WEBHOOK_HMAC_SECRET", Value: webhookSecret},
			{Name: "CONFIG_ENC_KEY", Value: encKeyRaw},
			{Name: "CREDENTIAL_SIGNING_KEY", Value: env("CREDENTIAL_SIGNING_KEY", "")},
		},
	}); err != nil {
		return err
	}

	receipts := &store.ReceiptStore{DB: pool}
	mandates := &store.MandateStore{DB: pool}
	inbound := &store.InboundStore{DB: pool}
	settings := &store.SettingStore{DB: pool}

	s := &Server{
		DB:                  pool,
		Cache:               cache,
		HTTPClient:          telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 8000))}),
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Receipts:            receipts,
		Mandates:            mandates,
		Inbound:             inbound,
		CardConfig:          cardConfig,
		RateLimitEnabled:    rateLimitEnabled,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:     rateLimitWindow,
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}

	if encKeyRaw != "" {
		key, err := secrets.ParseKey(encKeyRaw)
		if err != nil {
			return fmt.Errorf("CONFIG_ENC_KEY: %w", err)
		}
		s.RailConfig = &railconfig.Store{Settings: settings, Key: key}
	} else {
		log.Printf("CONFIG_ENC_KEY unset, rail config endpoints disabled")
	}

	var signingKey ed25519.PrivateKey
	signingPEM := env("CREDENTIAL_SIGNING_KEY", "")
	parsedKey, keyErr := credential.ParseSigningKey(signingPEM)
	if keyErr != nil {
		log.Printf("credential signing key unavailable: %v", keyErr)
	} else {
		signingKey = parsedKey
	}

	x402 := rails.X402Adapter{
		Client: s.HTTPClient,
		LoadConfig: func(ctx context.Context) (*models.RailConfig, error) {
			if s.RailConfig == nil {
				return nil, nil
			}
			return s.RailConfig.Read(ctx)
		},
	}
	card := rails.CardAdapter{Client: s.HTTPClient, Config: cardConfig}
	s.Executor = &dispatch.Dispatcher{
		SigningKey: signingKey,
		Adapters: map[string]rails.Adapter{
			models.RailX402: x402,
			models.RailCard: card,
		},
		Receipts: receipts,
		Notifier: s,
	}
	s.Hook = &webhook.Verifier{Secret: webhookSecret, Events: inbound}

	var consumer *eventbus.Consumer
	if env("EVENT_BUS_ENABLED", "false") == "true" {
		busCfg := eventbus.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", ""), ","),
			Topic:   env("KAFKA_SETTLEMENTS_TOPIC", "payment-settlements"),
			GroupID: env("KAFKA_GROUP_ID", "agentpay-gateway"),
		}
		consumer, err = eventbus.NewConsumer(busCfg)
		if err != nil {
			return fmt.Errorf("eventbus consumer: %w", err)
		}
		pub, err := eventbus.NewPublisher(eventbus.KafkaConfig{
			Brokers: busCfg.Brokers,
			Topic:   env("KAFKA_RECEIPTS_TOPIC", "payment-receipts"),
		})
		if err != nil {
			return fmt.Errorf("eventbus publisher: %w", err)
		}
		s.Bus = pub
		defer pub.Close()
	}

	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	api := chi.NewRouter()
	api.Use(s.rateLimitMiddleware)
	api.Post("/execute", s.handleExecute)
	api.Get("/receipts", s.listReceipts)
	api.Get("/mandates", s.listMandates)
	api.Post("/mandates", s.createMandate)
	api.Delete("/mandates/{mandate_id}", s.deleteMandate)
	api.Get("/admin/rail-config", s.getRailConfig)
	api.Post("/admin/rail-config", s.saveRailConfig)
	api.Get("/admin/toggles", s.getToggles)
	api.Post("/webhooks/inbound", s.handleInboundWebhook)
	api.Get("/webhooks/inbound", s.listInboundEvents)
	api.Get("/stream", s.streamEvents)
	r.Mount("/api", api)

	if startLoops != nil {
		startLoops(s, consumer)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// Notify implements the dispatcher notifier: recorded receipts fan out to
// websocket subscribers and, when configured, the bus. A recorded receipt
// also drops the cached listings so the next read sees it first.
func (s *Server) Notify(eventType string, data interface{}) {
	if eventType == "receipt.recorded" {
		s.invalidateReceiptsCache()
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(eventType, data))
	}
	if s.Bus != nil {
		if rec, ok := data.(models.Receipt); ok {
			payload := struct {
				Type    string         `json:"type"`
				Receipt models.Receipt `json:"receipt"`
			}{Type: eventType, Receipt: rec}
			if b, err := json.Marshal(payload); err == nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := s.Bus.Publish(ctx, strconv.FormatInt(rec.ID, 10), b); err != nil {
					log.Printf("bus publish: %v", err)
				}
				cancel()
			}
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	interval := time.Second * time.Duration(envInt("METRICS_REFRESH_SEC", 30))
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.DB == nil || s.Metrics == nil {
		return
	}
	var receiptsTotal, inboundTotal int64
	if err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM receipts`).Scan(&receiptsTotal); err == nil {
		s.Metrics.SetGauge("receipts_total", float64(receiptsTotal))
	}
	if err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM inbound_events`).Scan(&inboundTotal); err == nil {
		s.Metrics.SetGauge("inbound_events_total", float64(inboundTotal))
	}
	if s.Events != nil {
		s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := "ip:" + s.clientIP(r)
		decision := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		if !decision.Allowed {
			retryAfter := int(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				candidate := parseIP(strings.TrimSpace(parts[0]))
				if candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
