package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"tradeline/internal/config"
	"tradeline/internal/db"
	"tradeline/internal/engine"
	"tradeline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("tradeline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.Repo.UpsertWorkspaceConfig(context.Background(), "tradeline", cfg); err != nil {
		t.Fatalf("seed workspace config: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowLegacyActorHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestEngagementLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/credit-lines", map[string]any{
		"label":       "Facility A",
		"ceiling":     "100000",
		"start_date":  "2025-01-01",
		"expiry_date": "2026-01-01",
		"thresholds":  map[string]string{"THRESHOLD_STOCK": "50000"},
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create credit line: %d %s", res.StatusCode, string(data))
	}
	var line CreditLineResponse
	if err := json.Unmarshal(data, &line); err != nil {
		t.Fatalf("unmarshal credit line: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", map[string]any{
		"code":          "stock-advance",
		"label":         "Advance on stock",
		"draw_category": "stock",
		"steps": []map[string]any{
			{"order": 1, "code": "open", "label": "Opening", "fields": []map[string]any{
				{"name": "beneficiary", "type": "text", "required": true},
			}},
			{"order": 2, "code": "settle", "label": "Settlement"},
		},
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import template: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/engagements", map[string]any{
		"template_code":  "stock-advance",
		"credit_line_id": line.ID,
		"amount":         "40000",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create engagement: %d %s", res.StatusCode, string(data))
	}
	var eng EngagementResponse
	if err := json.Unmarshal(data, &eng); err != nil {
		t.Fatalf("unmarshal engagement: %v", err)
	}
	if eng.CurrentStepID == nil {
		t.Fatalf("engagement has no current step")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/engagements/"+eng.ID+"/complete", map[string]any{
		"fields": map[string]any{
			"beneficiary": map[string]any{"kind": "string", "string": "ACME Trading"},
		},
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete step 1: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/engagements/"+eng.ID+"/complete", map[string]any{}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete step 2: %d %s", res.StatusCode, string(data))
	}
	var settled struct {
		Engagement EngagementResponse `json:"engagement"`
	}
	if err := json.Unmarshal(data, &settled); err != nil {
		t.Fatalf("unmarshal completion: %v", err)
	}
	if settled.Engagement.Status != "settled" {
		t.Fatalf("status = %s, want settled", settled.Engagement.Status)
	}
	if settled.Engagement.CurrentStepID != nil {
		t.Fatalf("settled engagement keeps step pointer")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/engagements/"+eng.ID+"/history", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, string(data))
	}
	var history []StepCompletionResponse
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}

	// line consumption was drawn at creation
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/credit-lines/"+line.ID, nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get line: %d %s", res.StatusCode, string(data))
	}
	var after CreditLineResponse
	_ = json.Unmarshal(data, &after)
	if after.TotalConsumed != "40000" {
		t.Fatalf("total consumed = %s, want 40000", after.TotalConsumed)
	}
}

func TestThresholdRejectionEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/credit-lines", map[string]any{
		"label":       "Facility B",
		"ceiling":     "100000",
		"start_date":  "2025-01-01",
		"expiry_date": "2026-01-01",
		"thresholds":  map[string]string{"THRESHOLD_STOCK": "50000"},
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create credit line: %d %s", res.StatusCode, string(data))
	}
	var line CreditLineResponse
	_ = json.Unmarshal(data, &line)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/credit-lines/"+line.ID+"/draw", map[string]any{
		"amount":   "60000",
		"category": "stock",
	}, actorHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "ThresholdExceeded" {
		t.Fatalf("error code = %s, want ThresholdExceeded", envelope.Error.Code)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/credit-lines", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}
