package httpx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/deployctl/internal/clock"
	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/events"
	"github.com/splax/deployctl/internal/repository/memory"
	"github.com/splax/deployctl/internal/service/auth"
	"github.com/splax/deployctl/internal/service/canary"
	"github.com/splax/deployctl/internal/service/infra"
	"github.com/splax/deployctl/internal/service/orchestrator"
	"github.com/splax/deployctl/internal/service/pipeline"
	"github.com/splax/deployctl/internal/service/webhook"
	"github.com/splax/deployctl/internal/ws"
	"github.com/splax/deployctl/pkg/crypto"
)

const (
	testWebhookSecret = "ci-shared-secret"
	testOperatorKey   = "operator-key-123456"
)

type routerFixture struct {
	router  *Router
	svc     *orchestrator.Service
	hub     *ws.Hub
	webhook webhook.Service
}

type fixtureOptions struct {
	keys      map[string]string
	readLimit int
}

func newRouterFixture(t *testing.T, opts fixtureOptions) routerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	monitor, err := infra.NewMonitor(infra.Options{Clock: clk, Logger: logger, Source: infra.NewSimulatedSource(rand.New(rand.NewSource(1)), 1)}, infra.DefaultInventory())
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	ids := 0
	svc := orchestrator.New(orchestrator.Config{TickInterval: time.Second}, orchestrator.Deps{
		Pipelines: store,
		Canaries:  store,
		History:   store,
		Engine: pipeline.NewEngine(pipeline.Options{
			Increment: pipeline.Fixed(25),
			Now:       clk.Now,
			NewID: func() string {
				ids++
				return fmt.Sprintf("pipe-%d", ids)
			},
		}),
		Canary: canary.New(canary.Options{Rand: rand.New(rand.NewSource(2)), Now: clk.Now}),
		Infra:  monitor,
		Clock:  clk,
		Logger: logger,
	})
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	reg := prometheus.NewRegistry()
	hook := webhook.New(testWebhookSecret)
	router := NewRouter(Options{
		Logger:     logger,
		Service:    svc,
		Auth:       auth.New(opts.keys, "jwt-secret", time.Hour, logger),
		Webhook:    hook,
		Hub:        hub,
		ReadLimit:  opts.readLimit,
		Registerer: reg,
		Gatherer:   reg,
	})
	t.Cleanup(router.Close)
	return routerFixture{router: router, svc: svc, hub: hub, webhook: hook}
}

func (f routerFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func deploymentBody(env string) map[string]any {
	return map[string]any{
		"name":        "checkout",
		"environment": env,
		"branch":      "main",
		"commit_hash": "a1b2c3d4e5",
		"version":     "v1.4.0",
		"deployed_by": "alice",
	}
}

func TestHealthzReportsOK(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{})
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload := decodeBody[map[string]any](t, rec)
	if payload["status"] != "ok" {
		t.Fatalf("unexpected status %v", payload["status"])
	}
}

func TestHealthzDegradedWhenDatabaseDown(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{})
	f.router.dbHealth = func(context.Context) error { return fmt.Errorf("connection refused") }
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestCreateAndGetPipeline(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{})
	rec := f.do(t, http.MethodPost, "/pipelines", deploymentBody("staging"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[domain.Pipeline](t, rec)
	if len(created.Stages) != 5 {
		t.Fatalf("expected staging template with 5 stages, got %d", len(created.Stages))
	}
	if created.Status != domain.PipelineRunning || created.Progress != 0 {
		t.Fatalf("unexpected initial state %s/%v", created.Status, created.Progress)
	}

	rec = f.do(t, http.MethodGet, "/pipelines/"+created.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	fetched := decodeBody[domain.Pipeline](t, rec)
	if fetched.ID != created.ID {
		t.Fatalf("fetched wrong pipeline %s", fetched.ID)
	}

	rec = f.do(t, http.MethodGet, "/pipelines?environment=staging", nil, nil)
	list := decodeBody[map[string][]domain.Pipeline](t, rec)
	if len(list["pipelines"]) != 1 {
		t.Fatalf("expected one staging pipeline, got %d", len(list["pipelines"]))
	}
}

func TestCreatePipelineRejectsBadInput(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{})
	body := deploymentBody("staging")
	body["commit_hash"] = "not-hex!"
	if rec := f.do(t, http.MethodPost, "/pipelines", body, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad commit, got %d", rec.Code)
	}
	body = deploymentBody("qa")
	if rec := f.do(t, http.MethodPost, "/pipelines", body, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown environment, got %d", rec.Code)
	}
	body = deploymentBody("staging")
	body["surprise"] = true
	if rec := f.do(t, http.MethodPost, "/pipelines", body, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestPipelineNotFoundAndInvalidTransition(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{})
	if rec := f.do(t, http.MethodGet, "/pipelines/missing", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	created := decodeBody[domain.Pipeline](t, f.do(t, http.MethodPost, "/pipelines", deploymentBody("development"), nil))

	if rec := f.do(t, http.MethodPost, "/pipelines/"+created.ID+"/pause", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected pause to succeed, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/pipelines/"+created.ID+"/pause", nil, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second pause, got %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/pipelines/"+created.ID+"/cancel", map[string]string{"reason": "bad build"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected cancel to succeed, got %d", rec.Code)
	}
	if got := decodeBody[domain.Pipeline](t, rec); got.Status != domain.PipelineFailed {
		t.Fatalf("expected failed after cancel, got %s", got.Status)
	}
	if rec := f.do(t, http.MethodGet, "/pipelines/"+created.ID+"/cancel", nil, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestCIWebhookCompletesExternalStage(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{})
	body := deploymentBody("production")
	body["stages"] = []map[string]any{{"name": "Manual Approval", "external": true}}
	created := decodeBody[domain.Pipeline](t, f.do(t, http.MethodPost, "/pipelines", body, nil))

	f.svc.Scheduler().Tick(context.Background(), time.Second)

	payload, _ := json.Marshal(webhook.StageResult{PipelineID: created.ID, StageID: created.Stages[0].ID, Result: domain.StageSuccess})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/ci", bytes.NewReader(payload))
	req.Header.Set(webhook.SignatureHeader, "sha256=deadbeef")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/ci", bytes.NewReader(payload))
	req.Header.Set(webhook.SignatureHeader, "sha256="+f.webhook.Sign(payload))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	result := decodeBody[map[string]any](t, rec)
	if result["status"] != string(domain.PipelineSuccess) {
		t.Fatalf("expected pipeline success, got %v", result["status"])
	}
}

func TestStageResultRouteRejectsStageNotRunning(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{})
	created := decodeBody[domain.Pipeline](t, f.do(t, http.MethodPost, "/pipelines", deploymentBody("development"), nil))
	path := "/pipelines/" + created.ID + "/stages/" + created.Stages[2].ID + "/result"
	rec := f.do(t, http.MethodPost, path, map[string]string{"result": "failed"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, "/pipelines/"+created.ID+"/stages/stage-99/result", map[string]string{"result": "failed"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown stage, got %d", rec.Code)
	}
}

func TestCanaryRoutes(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{})
	rec := f.do(t, http.MethodPost, "/canaries", map[string]any{
		"name":            "checkout",
		"current_version": "v1.0.0",
		"target_version":  "v1.1.0",
		"ramp":            map[string]any{"step_percent": 20, "max_percent": 60, "step_interval_ms": 1000},
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[domain.CanaryDeployment](t, rec)
	if created.Status != domain.CanaryPreparing || created.TrafficSplitPercent != 0 {
		t.Fatalf("unexpected initial canary %s/%v", created.Status, created.TrafficSplitPercent)
	}
	if created.Ramp.StepPercent != 20 || created.Ramp.StepInterval != time.Second {
		t.Fatalf("ramp not applied: %+v", created.Ramp)
	}

	if rec := f.do(t, http.MethodPost, "/canaries/"+created.ID+"/promote", nil, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 promoting a preparing canary, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/canaries", map[string]any{
		"name":            "checkout",
		"current_version": "v1.0.0",
		"target_version":  "v1.0.0",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for identical versions, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/canaries/unknown", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	f.svc.TickCanaries(context.Background(), time.Second)
	rec = f.do(t, http.MethodPost, "/canaries/"+created.ID+"/promote", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 promoting a running canary, got %d: %s", rec.Code, rec.Body.String())
	}
	promoted := decodeBody[domain.CanaryDeployment](t, rec)
	if promoted.TrafficSplitPercent != 100 || promoted.CurrentVersion != "v1.1.0" {
		t.Fatalf("unexpected promoted canary %+v", promoted)
	}
}

func TestInfrastructureAndMetricsRoutes(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{})
	rec := f.do(t, http.MethodGet, "/infrastructure", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	snapshot := decodeBody[domain.InfrastructureSnapshot](t, rec)
	if len(snapshot.Resources) == 0 {
		t.Fatal("expected default inventory in snapshot")
	}
	rec = f.do(t, http.MethodGet, "/infrastructure?status=healthy", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/infrastructure/cache-1/lifecycle", map[string]string{"status": "provisioning"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if res := decodeBody[domain.InfrastructureResource](t, rec); res.ID != "cache-1" || res.Status != domain.ResourceProvisioning {
		t.Fatalf("unexpected resource %+v", res)
	}
	if rec := f.do(t, http.MethodPost, "/infrastructure/cache-1/lifecycle", map[string]string{"status": "critical"}, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for derived status, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/infrastructure/nope/lifecycle", map[string]string{"status": "terminating"}, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/infrastructure/cache-1/lifecycle", nil, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	if rec := f.do(t, http.MethodGet, "/deployments/metrics?window_days=abc", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/deployments/metrics?window_days=0", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero window, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/deployments/metrics?window_days=200000", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized window, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/deployments/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	metrics := decodeBody[domain.DeploymentMetrics](t, rec)
	if metrics.TotalDeployments != 0 || metrics.SuccessRatePercent != 0 {
		t.Fatalf("expected empty metrics, got %+v", metrics)
	}
}

func TestOperatorAuthRequired(t *testing.T) {
	hash, err := crypto.HashKey(testOperatorKey)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	f := newRouterFixture(t, fixtureOptions{keys: map[string]string{"alice": hash}})

	if rec := f.do(t, http.MethodGet, "/pipelines", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/auth/token", map[string]string{"operator": "alice", "key": "wrong-key-000000"}, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/auth/token", map[string]string{"operator": "alice", "key": testOperatorKey}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected token, got %d: %s", rec.Code, rec.Body.String())
	}
	token := decodeBody[auth.Token](t, rec)
	bearer := map[string]string{"Authorization": "Bearer " + token.AccessToken}

	body := deploymentBody("development")
	delete(body, "deployed_by")
	rec = f.do(t, http.MethodPost, "/pipelines", body, bearer)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with token, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[domain.Pipeline](t, rec); got.DeployedBy != "alice" {
		t.Fatalf("expected deployed_by from token, got %q", got.DeployedBy)
	}
	if rec := f.do(t, http.MethodGet, "/pipelines?access_token="+token.AccessToken, nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected query token to authenticate, got %d", rec.Code)
	}
}

func TestReadRateLimit(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{readLimit: 2})
	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodGet, "/pipelines", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("missing rate headers: %v", rec.Header())
		}
	}
	rec := f.do(t, http.MethodGet, "/pipelines", nil, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected zero remaining, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestMetricsEndpointExposesRequestCounters(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{})
	f.do(t, http.MethodGet, "/healthz", nil, nil)
	rec := f.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `deployctl_http_requests_total{method="GET",route="healthz",status="200"} 1`) {
		t.Fatalf("request counter missing from exposition:\n%s", rec.Body.String())
	}
}

func waitForSubscribers(t *testing.T, hub *ws.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d subscribers", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketStreamsTopicEvents(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{})
	server := httptest.NewServer(f.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/events?topic=pipeline:p-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForSubscribers(t, f.hub, 1)

	_ = f.hub.Publish(context.Background(), events.Event{Type: events.PipelineCompleted, PipelineID: "p-2"})
	_ = f.hub.Publish(context.Background(), events.Event{Type: events.PipelineCompleted, PipelineID: "p-1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got events.Event
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.PipelineID != "p-1" || got.Type != events.PipelineCompleted {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestSSEStreamsEvents(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{})
	server := httptest.NewServer(f.router)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	waitForSubscribers(t, f.hub, 1)

	_ = f.hub.Publish(context.Background(), events.Event{Type: events.CanaryFinished, CanaryID: "c-1"})

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var got events.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &got); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if got.CanaryID != "c-1" {
			t.Fatalf("unexpected event %+v", got)
		}
		return
	}
}
