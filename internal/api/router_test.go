package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/squorworks/pipeline/internal/api/handlers"
	"github.com/squorworks/pipeline/internal/config"
	"github.com/squorworks/pipeline/internal/ingest"
	"github.com/squorworks/pipeline/internal/quota"
	"github.com/squorworks/pipeline/internal/store"
	"github.com/squorworks/pipeline/internal/workflow"
	"github.com/squorworks/pipeline/pkg/models"
)

func testRouter(t *testing.T) (http.Handler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	quotas := quota.NewRegistry(nil)
	eng := workflow.NewEngine(mem, nil, quotas, nil, nil, workflow.Config{})
	h := handlers.New(mem, eng, ingest.NewService(mem), quotas)

	cfg := &config.Config{Version: "test"}
	return NewRouter(cfg, h), mem
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// ─── Health and version ──────────────────────────────────────

func TestHealthAndVersion(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/version", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/version status = %d, want 200", rec.Code)
	}
	var v map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if v["version"] != "test" {
		t.Errorf("version = %q, want test", v["version"])
	}
}

// ─── Ingest ──────────────────────────────────────────────────

func TestIngestListingsEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	payload := handlers.IngestRequest{
		Listings: []models.Listing{
			{
				Retailer: "bigbasket",
				URL:      "https://www.bigbasket.com/pd/266109/maggi-2-minute-noodles/",
				Name:     "Maggi 2-Minute Masala Noodles",
				Brand:    models.BrandField("Nestle"),
				Price:    14,
				MRP:      15,
				PackSize: "70 g",
			},
		},
	}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/listings", payload)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var res ingest.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Accepted != 1 {
		t.Errorf("accepted = %d, want 1", res.Accepted)
	}
	if len(res.WorkflowIDs) != 1 {
		t.Fatalf("workflow ids = %d, want 1", len(res.WorkflowIDs))
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/workflows?state=queued", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var items []models.WorkflowItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("queued items = %d, want 1", len(items))
	}
	if items[0].ID != res.WorkflowIDs[0] {
		t.Errorf("listed id = %s, want %s", items[0].ID, res.WorkflowIDs[0])
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/workflows/"+res.WorkflowIDs[0], nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d, want 200", rec.Code)
	}
}

func TestIngestRejectsEmptyPayload(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/listings", handlers.IngestRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// ─── Workflow admin ──────────────────────────────────────────

func TestWorkflowNotFound(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/workflows/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCancelIsConflictWhenAlreadyCancelled(t *testing.T) {
	router, _ := testRouter(t)

	payload := handlers.IngestRequest{
		Listings: []models.Listing{{
			Retailer: "zepto",
			URL:      "https://www.zeptonow.com/pn/x/pvid/77",
			Name:     "Test Biscuits",
		}},
	}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/listings", payload)
	var res ingest.Result
	json.Unmarshal(rec.Body.Bytes(), &res)
	id := res.WorkflowIDs[0]

	rec = doJSON(t, router, http.MethodPost, "/api/v1/workflows/"+id+"/cancel", map[string]string{"reason": "test"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/workflows/"+id+"/cancel", map[string]string{"reason": "again"})
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", rec.Code)
	}
}

// ─── Quota status ────────────────────────────────────────────

func TestQuotaStatusEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/quota", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

// ─── Channels ────────────────────────────────────────────────

func TestChannelLifecycle(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/channels", models.NotificationChannel{
		Name: "ops",
		Kind: models.ChannelWebhook,
		URL:  "https://hooks.example.com/squor",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var ch models.NotificationChannel
	if err := json.Unmarshal(rec.Body.Bytes(), &ch); err != nil {
		t.Fatalf("decode channel: %v", err)
	}
	if ch.ID == "" {
		t.Fatal("channel id not assigned")
	}
	if !ch.Active {
		t.Error("channel not active")
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/channels", nil)
	var channels []models.NotificationChannel
	json.Unmarshal(rec.Body.Bytes(), &channels)
	if len(channels) != 1 {
		t.Fatalf("channels = %d, want 1", len(channels))
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/channels/"+ch.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/channels", nil)
	channels = nil
	json.Unmarshal(rec.Body.Bytes(), &channels)
	if len(channels) != 0 {
		t.Errorf("channels after delete = %d, want 0", len(channels))
	}
}

func TestChannelValidation(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/channels", models.NotificationChannel{Name: "no-url"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
