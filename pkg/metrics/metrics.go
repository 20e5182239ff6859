package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	railStatus      map[string]int64
	rejectReason    map[string]int64
	gauges          map[string]float64
	webhookVerified int64
	webhookRejected int64
	dispatchLatency DispatchLatencyStat
	Histograms      *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type DispatchLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	RailStatusTotals  map[string]int64        `json:"rail_status_totals"`
	RejectReasons     map[string]int64        `json:"reject_reasons"`
	Gauges            map[string]float64      `json:"gauges"`
	WebhookVerified   int64                   `json:"webhook_verified_total"`
	WebhookRejected   int64                   `json:"webhook_rejected_total"`
	DispatchLatencyMS DispatchLatencyStat     `json:"dispatch_latency_ms"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		railStatus:   map[string]int64{},
		rejectReason: map[string]int64{},
		gauges:       map[string]float64{},
		Histograms:   NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncRailStatus counts executed payments by rail and receipt status.
func (r *Registry) IncRailStatus(rail, status string) {
	rail = strings.TrimSpace(strings.ToUpper(rail))
	status = strings.TrimSpace(strings.ToUpper(status))
	if rail == "" {
		return
	}
	if status == "" {
		status = "UNKNOWN"
	}
	key := rail + "|" + status
	r.mu.Lock()
	r.railStatus[key]++
	r.mu.Unlock()
}

// IncRejectReason counts rejected plans by validation reason code.
func (r *Registry) IncRejectReason(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.rejectReason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncWebhook(verified bool) {
	r.mu.Lock()
	if verified {
		r.webhookVerified++
	} else {
		r.webhookRejected++
	}
	r.mu.Unlock()
}

func (r *Registry) ObserveDispatchLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchLatency.Count++
	r.dispatchLatency.TotalMS += ms
	r.dispatchLatency.LastMS = ms
	if ms > r.dispatchLatency.MaxMS {
		r.dispatchLatency.MaxMS = ms
	}
	r.dispatchLatency.AvgMS = float64(r.dispatchLatency.TotalMS) / float64(r.dispatchLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		RailStatusTotals: make(map[string]int64, len(r.railStatus)),
		RejectReasons:    make(map[string]int64, len(r.rejectReason)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		WebhookVerified:  r.webhookVerified,
		WebhookRejected:  r.webhookRejected,
		DispatchLatencyMS: DispatchLatencyStat{
			Count:   r.dispatchLatency.Count,
			TotalMS: r.dispatchLatency.TotalMS,
			MaxMS:   r.dispatchLatency.MaxMS,
			LastMS:  r.dispatchLatency.LastMS,
			AvgMS:   r.dispatchLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.railStatus {
		out.RailStatusTotals[k] = v
	}
	for k, v := range r.rejectReason {
		out.RejectReasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP agentpay_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE agentpay_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "agentpay_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP agentpay_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE agentpay_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "agentpay_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP agentpay_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE agentpay_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "agentpay_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP agentpay_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE agentpay_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "agentpay_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP agentpay_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE agentpay_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "agentpay_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP agentpay_gauge operational gauge metrics\n")
		b.WriteString("# TYPE agentpay_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "agentpay_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP agentpay_latency_seconds latency histogram\n")
			b.WriteString("# TYPE agentpay_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "agentpay_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "agentpay_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "agentpay_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "agentpay_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "agentpay_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "agentpay_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "agentpay_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP agentpay_rail_status_total executed payments by rail and status\n")
		b.WriteString("# TYPE agentpay_rail_status_total counter\n")
		for _, key := range SortedKeys(snap.RailStatusTotals) {
			parts := strings.SplitN(key, "|", 2)
			rail := parts[0]
			status := "UNKNOWN"
			if len(parts) == 2 {
				status = parts[1]
			}
			fmt.Fprintf(b, "agentpay_rail_status_total{rail=%q,status=%q} %d\n", rail, status, snap.RailStatusTotals[key])
		}

		b.WriteString("# HELP agentpay_reject_reason_total rejected payment plans by reason\n")
		b.WriteString("# TYPE agentpay_reject_reason_total counter\n")
		for _, reason := range SortedKeys(snap.RejectReasons) {
			fmt.Fprintf(b, "agentpay_reject_reason_total{reason=%q} %d\n", reason, snap.RejectReasons[reason])
		}

		b.WriteString("# HELP agentpay_webhook_total inbound webhook verifications\n")
		b.WriteString("# TYPE agentpay_webhook_total counter\n")
		fmt.Fprintf(b, "agentpay_webhook_total{verified=%q} %d\n", "true", snap.WebhookVerified)
		fmt.Fprintf(b, "agentpay_webhook_total{verified=%q} %d\n", "false", snap.WebhookRejected)

		b.WriteString("# HELP agentpay_dispatch_latency_ms dispatch latency in ms\n")
		b.WriteString("# TYPE agentpay_dispatch_latency_ms gauge\n")
		fmt.Fprintf(b, "agentpay_dispatch_latency_ms{stat=%q} %d\n", "last", snap.DispatchLatencyMS.LastMS)
		fmt.Fprintf(b, "agentpay_dispatch_latency_ms{stat=%q} %.3f\n", "avg", snap.DispatchLatencyMS.AvgMS)
		fmt.Fprintf(b, "agentpay_dispatch_latency_ms{stat=%q} %d\n", "max", snap.DispatchLatencyMS.MaxMS)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
