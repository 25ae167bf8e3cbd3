package httpx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/repository"
	"github.com/splax/deployctl/internal/service/auth"
	"github.com/splax/deployctl/internal/service/canary"
	"github.com/splax/deployctl/internal/service/orchestrator"
	"github.com/splax/deployctl/internal/service/webhook"
	"github.com/splax/deployctl/internal/ws"
)

const (
	rateWindowDefault    = time.Minute
	rateWindowRealtime   = 30 * time.Second
	rateLimitLogin       = 12
	rateLimitWrite       = 60
	rateLimitReadDefault = 120
	rateLimitStream      = 30
	rateLimitWebhook     = 600
	healthCheckTimeout   = 2 * time.Second
	maxBodyBytes         = 1 << 20
)

// Options carries the router's collaborators. ReadLimit is the per-operator query
// budget per minute. Registerer receives HTTP metrics and Gatherer backs /metrics;
// either may be nil.
type Options struct {
	Logger     *slog.Logger
	Service    *orchestrator.Service
	Auth       auth.Service
	Webhook    webhook.Service
	Hub        *ws.Hub
	Limiter    RateLimiter
	ReadLimit  int
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	DBHealth   func(context.Context) error
}

// Router wires HTTP endpoints to the orchestrator.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	svc       *orchestrator.Service
	auth      auth.Service
	webhook   webhook.Service
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	readLimit int
	metrics   *httpMetrics
	gatherer  prometheus.Gatherer
	dbHealth  func(context.Context) error
	heartbeat time.Duration
}

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger.With("component", "http"),
		svc:     opts.Service,
		auth:    opts.Auth,
		webhook: opts.Webhook,
		hub:     opts.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   opts.Limiter,
		readLimit: opts.ReadLimit,
		metrics:   newHTTPMetrics(opts.Registerer),
		gatherer:  opts.Gatherer,
		dbHealth:  opts.DBHealth,
		heartbeat: 15 * time.Second,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.readLimit <= 0 {
		r.readLimit = rateLimitReadDefault
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) handle(pattern, route string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(r.instrument(route, h)))
}

func (r *Router) register() {
	r.handle("/healthz", "healthz", r.handleHealthz)
	r.handle("/auth/token", "auth_token", r.withRateLimit("auth_token", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleToken))
	r.handle("/pipelines", "pipelines", r.operatorRoute("pipelines", r.readLimit, rateWindowDefault, r.handlePipelines))
	r.handle("/pipelines/", "pipeline", r.operatorRoute("pipeline", r.readLimit, rateWindowDefault, r.handlePipelineSubroutes))
	r.handle("/canaries", "canaries", r.operatorRoute("canaries", r.readLimit, rateWindowDefault, r.handleCanaries))
	r.handle("/canaries/", "canary", r.operatorRoute("canary", rateLimitWrite, rateWindowDefault, r.handleCanarySubroutes))
	r.handle("/infrastructure", "infrastructure", r.operatorRoute("infrastructure", r.readLimit, rateWindowDefault, r.handleInfrastructure))
	r.handle("/infrastructure/", "infrastructure_resource", r.operatorRoute("infrastructure_resource", rateLimitWrite, rateWindowDefault, r.handleResourceSubroutes))
	r.handle("/deployments/metrics", "deployment_metrics", r.operatorRoute("deployment_metrics", r.readLimit, rateWindowDefault, r.handleDeploymentMetrics))
	r.handle("/webhooks/ci", "webhook_ci", r.withRateLimit("webhook_ci", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleCIWebhook))
	r.handle("/ws/events", "ws_events", r.operatorRoute("ws_events", rateLimitStream, rateWindowRealtime, r.handleEventsWS))
	r.handle("/events", "sse_events", r.operatorRoute("sse_events", rateLimitStream, rateWindowRealtime, r.handleEventsSSE))
	if r.gatherer != nil {
		r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	}
}

func (r *Router) handleToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.auth.Enabled() {
		writeError(w, http.StatusNotFound, "operator authentication is not configured")
		return
	}
	var payload struct {
		Operator string `json:"operator"`
		Key      string `json:"key"`
	}
	if err := decodeJSON(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, err := r.auth.IssueToken(payload.Operator, payload.Key)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (r *Router) handlePipelines(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		filter, err := pipelineFilter(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		pipelines, err := r.svc.ListPipelines(req.Context(), filter)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pipelines": pipelines})
	case http.MethodPost:
		var payload orchestrator.DeploymentRequest
		if err := decodeJSON(w, req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.DeployedBy == "" {
			if info, ok := authInfoFromContext(req.Context()); ok {
				payload.DeployedBy = info.Operator
			}
		}
		p, err := r.svc.RequestDeployment(req.Context(), payload)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	default:
		r.methodNotAllowed(w)
	}
}

func pipelineFilter(req *http.Request) (repository.PipelineFilter, error) {
	q := req.URL.Query()
	filter := repository.PipelineFilter{
		Status:      domain.PipelineStatus(strings.TrimSpace(q.Get("status"))),
		Environment: domain.Environment(strings.TrimSpace(q.Get("environment"))),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (r *Router) handlePipelineSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/pipelines/"), "/"), "/")
	id := parts[0]
	if id == "" {
		r.notFound(w)
		return
	}
	ctx := req.Context()
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.respondPipeline(w, req)(r.svc.GetPipeline(ctx, id))
	case len(parts) == 2:
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		switch parts[1] {
		case "start":
			r.respondPipeline(w, req)(r.svc.StartPipeline(ctx, id))
		case "pause":
			r.respondPipeline(w, req)(r.svc.PausePipeline(ctx, id))
		case "resume":
			r.respondPipeline(w, req)(r.svc.ResumePipeline(ctx, id))
		case "cancel":
			var payload struct {
				Reason string `json:"reason"`
			}
			if req.ContentLength != 0 {
				if err := decodeJSON(w, req, &payload); err != nil && !errors.Is(err, io.EOF) {
					writeError(w, http.StatusBadRequest, "invalid JSON body")
					return
				}
			}
			r.respondPipeline(w, req)(r.svc.CancelPipeline(ctx, id, payload.Reason))
		default:
			r.notFound(w)
		}
	case len(parts) == 4 && parts[1] == "stages" && parts[3] == "result":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		var payload struct {
			Result  domain.StageStatus `json:"result"`
			Message string             `json:"message"`
		}
		if err := decodeJSON(w, req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		r.respondPipeline(w, req)(r.svc.MarkStageResult(ctx, id, parts[2], payload.Result, payload.Message))
	default:
		r.notFound(w)
	}
}

func (r *Router) respondPipeline(w http.ResponseWriter, req *http.Request) func(domain.Pipeline, error) {
	return func(p domain.Pipeline, err error) {
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

type rampPayload struct {
	StepPercent    float64 `json:"step_percent"`
	MaxPercent     float64 `json:"max_percent"`
	StepIntervalMs int64   `json:"step_interval_ms"`
}

type canaryPayload struct {
	Name           string                `json:"name"`
	CurrentVersion string                `json:"current_version"`
	TargetVersion  string                `json:"target_version"`
	Ramp           *rampPayload          `json:"ramp,omitempty"`
	Baseline       *domain.CanaryMetrics `json:"baseline,omitempty"`
}

func (p canaryPayload) request() canary.Request {
	out := canary.Request{
		Name:           p.Name,
		CurrentVersion: p.CurrentVersion,
		TargetVersion:  p.TargetVersion,
		Baseline:       p.Baseline,
	}
	if p.Ramp != nil {
		out.Ramp = domain.RampPolicy{
			StepPercent:  p.Ramp.StepPercent,
			MaxPercent:   p.Ramp.MaxPercent,
			StepInterval: time.Duration(p.Ramp.StepIntervalMs) * time.Millisecond,
		}
	}
	return out
}

func (r *Router) handleCanaries(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		status := domain.CanaryStatus(strings.TrimSpace(req.URL.Query().Get("status")))
		canaries, err := r.svc.ListCanaries(req.Context(), status)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"canaries": canaries})
	case http.MethodPost:
		var payload canaryPayload
		if err := decodeJSON(w, req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		c, err := r.svc.RequestCanary(req.Context(), payload.request())
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleCanarySubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/canaries/"), "/"), "/")
	id := parts[0]
	if id == "" || len(parts) > 2 {
		r.notFound(w)
		return
	}
	ctx := req.Context()
	if len(parts) == 1 {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.respondCanary(w, req)(r.svc.GetCanary(ctx, id))
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	switch parts[1] {
	case "promote":
		r.respondCanary(w, req)(r.svc.PromoteCanary(ctx, id))
	case "rollback":
		r.respondCanary(w, req)(r.svc.RollbackCanary(ctx, id))
	case "metrics":
		var metrics domain.CanaryMetrics
		if err := decodeJSON(w, req, &metrics); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		r.respondCanary(w, req)(r.svc.ObserveCanaryMetrics(ctx, id, metrics))
	default:
		r.notFound(w)
	}
}

func (r *Router) respondCanary(w http.ResponseWriter, req *http.Request) func(domain.CanaryDeployment, error) {
	return func(c domain.CanaryDeployment, err error) {
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func (r *Router) handleInfrastructure(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if status := strings.TrimSpace(req.URL.Query().Get("status")); status != "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"resources": r.svc.ResourcesByStatus(domain.ResourceStatus(status)),
		})
		return
	}
	writeJSON(w, http.StatusOK, r.svc.GetInfrastructureSnapshot())
}

// handleResourceSubroutes serves POST /infrastructure/{id}/lifecycle.
func (r *Router) handleResourceSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/infrastructure/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "lifecycle" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Status domain.ResourceStatus `json:"status"`
	}
	if err := decodeJSON(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := r.svc.SetResourceLifecycle(req.Context(), parts[0], payload.Status)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleDeploymentMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	window := orchestrator.DefaultWindowDays
	if raw := strings.TrimSpace(req.URL.Query().Get("window_days")); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "window_days must be an integer")
			return
		}
		window = days
	}
	metrics, err := r.svc.GetMetrics(req.Context(), window)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// handleCIWebhook applies a signed stage result from a CI system.
func (r *Router) handleCIWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.webhook.Enabled() {
		writeError(w, http.StatusNotFound, "ci webhook is not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	result, err := r.webhook.ParseStageResult(body, req.Header.Get(webhook.SignatureHeader))
	if err != nil {
		if errors.Is(err, webhook.ErrMissingSignature) || errors.Is(err, webhook.ErrInvalidSignature) {
			r.logger.Warn("webhook signature rejected", "error", err, "ip", clientIP(req))
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		r.writeServiceError(w, req, err)
		return
	}
	p, err := r.svc.MarkStageResult(req.Context(), result.PipelineID, result.StageID, result.Result, result.Message)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"pipeline_id": p.ID,
		"status":      p.Status,
		"revision":    p.Revision,
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.hub != nil {
		components["streams"] = map[string]any{"subscribers": r.hub.Subscribers()}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "operator"
			fields = append(fields, "operator", info.Operator)
		} else if strings.HasPrefix(req.URL.Path, "/webhooks/") {
			actor = "ci"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Debug("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
