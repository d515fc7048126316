package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/pkg/adapters/datasource"
	_ "github.com/ekaya-inc/ekaya-ingest/pkg/adapters/datasource/mssql"
	"github.com/ekaya-inc/ekaya-ingest/pkg/apperrors"
)

func serveSources(h *SourcesHandler, method, target, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestSourcesHandler_List(t *testing.T) {
	handler := NewSourcesHandler(&mockConnectionService{}, zap.NewNop())

	rec := serveSources(handler, http.MethodGet, "/api/sources", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp struct {
		Data ListSourcesResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Data.Sources) != len(datasource.RegisteredSources()) {
		t.Fatalf("expected %d sources, got %d", len(datasource.RegisteredSources()), len(resp.Data.Sources))
	}

	found := false
	for _, s := range resp.Data.Sources {
		if s.Type == "RelationalSource" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected RelationalSource in %v", resp.Data.Sources)
	}
}

func TestSourcesHandler_ListTables(t *testing.T) {
	service := &mockConnectionService{tables: []string{"dbo.customers", "dbo.orders"}}
	handler := NewSourcesHandler(service, zap.NewNop())

	rec := serveSources(handler, http.MethodPost, "/api/sources/RelationalSource/tables",
		`{"connection_properties":{"db_url":"sql01"}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if service.tablesSourceType != "RelationalSource" {
		t.Errorf("expected source type RelationalSource, got %q", service.tablesSourceType)
	}
	var resp struct {
		Data ListTablesResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Data.Tables) != 2 || resp.Data.Tables[1] != "dbo.orders" {
		t.Errorf("unexpected tables: %v", resp.Data.Tables)
	}
}

func TestSourcesHandler_ListTables_EmptyIsArray(t *testing.T) {
	handler := NewSourcesHandler(&mockConnectionService{}, zap.NewNop())

	rec := serveSources(handler, http.MethodPost, "/api/sources/RelationalSource/tables", `{}`)

	if !strings.Contains(rec.Body.String(), `"tables":[]`) {
		t.Errorf("expected an empty array, got %s", rec.Body.String())
	}
}

func TestSourcesHandler_ListTables_InvalidBody(t *testing.T) {
	handler := NewSourcesHandler(&mockConnectionService{}, zap.NewNop())

	rec := serveSources(handler, http.MethodPost, "/api/sources/RelationalSource/tables", `{`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}

func TestSourcesHandler_ListTables_UnknownType(t *testing.T) {
	service := &mockConnectionService{err: apperrors.ErrUnknownSourceType}
	handler := NewSourcesHandler(service, zap.NewNop())

	rec := serveSources(handler, http.MethodPost, "/api/sources/Nope/tables", `{}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["error"] != "unknown_source_type" {
		t.Errorf("expected error 'unknown_source_type', got %q", resp["error"])
	}
}
