package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/promptlab/internal/profile"
	"github.com/hrygo/promptlab/store"
	"github.com/hrygo/promptlab/store/db"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T, p *profile.Profile, st *store.Store) *Server {
	t.Helper()
	s, err := NewServer(context.Background(), p, st, quietLogger)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func experimentBody() map[string]any {
	return map[string]any{
		"name":              "greeting tone",
		"targetMetric":      "success_rate",
		"minimumSampleSize": 10,
		"variants": []map[string]any{
			{"id": "control", "name": "Formal", "templateId": "greet", "weight": 50, "isControl": true},
			{"id": "casual", "name": "Casual", "templateId": "greet-casual", "weight": 50},
		},
	}
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, profile.Default(), nil)
	defer s.Shutdown(context.Background())

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ExecutionsAndReport(t *testing.T) {
	s := newTestServer(t, profile.Default(), nil)
	defer s.Shutdown(context.Background())
	h := s.Handler()

	for i := 0; i < 3; i++ {
		rec := do(t, h, http.MethodPost, "/api/v1/executions", map[string]any{
			"templateId":     "greet",
			"success":        true,
			"responseTimeMs": 120,
			"tokens":         map[string]int{"prompt": 30, "completion": 20, "total": 50},
			"cost":           0.001,
		})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}

	t.Run("validation", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/executions", map[string]any{"success": true})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_ARGUMENT", decode(t, rec)["code"])

		rec = do(t, h, http.MethodPost, "/api/v1/executions", "{not json")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("report", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/templates/greet/report", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		summary := decode(t, rec)["summary"].(map[string]any)
		assert.EqualValues(t, 3, summary["totalExecutions"])
		assert.EqualValues(t, 1, summary["successRate"])
	})

	t.Run("unknown template", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/templates/missing/report", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "NOT_FOUND", decode(t, rec)["code"])
	})

	t.Run("bad window", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/templates/greet/report?start=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("history", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/templates/greet/history/avgResponseTime?interval=1h", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		points := decode(t, rec)["points"].([]any)
		assert.Len(t, points, 1)

		rec = do(t, h, http.MethodGet, "/api/v1/templates/greet/history/nonsense", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("templates", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/templates", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []any{"greet"}, decode(t, rec)["templates"])
	})

	t.Run("metrics", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/metrics", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "promptlab_executions_recorded_total")
	})

	t.Run("overview", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/system/overview?range=1h", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		overview := decode(t, rec)
		assert.EqualValues(t, 1, overview["templates"])
		assert.EqualValues(t, 3, overview["totalExecutions"])
		assert.EqualValues(t, 120, overview["avgLatencyMs"])

		rec = do(t, h, http.MethodGet, "/api/v1/system/overview?range=2w", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("ingest refreshes cached report", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/templates/greet/report?range=24h", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 3, decode(t, rec)["summary"].(map[string]any)["totalExecutions"])

		rec = do(t, h, http.MethodPost, "/api/v1/executions", map[string]any{
			"templateId":     "greet",
			"success":        false,
			"responseTimeMs": 300,
		})
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = do(t, h, http.MethodGet, "/api/v1/templates/greet/report?range=24h", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 4, decode(t, rec)["summary"].(map[string]any)["totalExecutions"])
	})
}

func TestServer_ExperimentLifecycle(t *testing.T) {
	s := newTestServer(t, profile.Default(), nil)
	defer s.Shutdown(context.Background())
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/experiments", experimentBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	id := created["id"].(string)
	assert.Equal(t, "draft", created["status"])
	base := "/api/v1/experiments/" + id

	// Not running yet: no variant, and pausing a draft is illegal.
	rec = do(t, h, http.MethodPost, base+"/assign", map[string]string{"subjectId": "user-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode(t, rec)["variant"])

	rec = do(t, h, http.MethodPost, base+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "FAILED_PRECONDITION", decode(t, rec)["code"])

	rec = do(t, h, http.MethodPost, base+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decode(t, rec)["status"])

	rec = do(t, h, http.MethodPost, base+"/assign", map[string]string{"subjectId": "user-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	variant := decode(t, rec)["variant"].(map[string]any)
	variantID := variant["id"].(string)
	assert.Contains(t, []string{"control", "casual"}, variantID)

	rec = do(t, h, http.MethodPost, base+"/assign", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, base+"/executions", map[string]any{
		"variantId": variantID,
		"record":    map[string]any{"success": true, "responseTimeMs": 90},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, base+"/executions", map[string]any{
		"variantId": "ghost",
		"record":    map[string]any{"success": true},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The execution also reached the analytics of the variant's template.
	rec = do(t, h, http.MethodGet, "/api/v1/templates/"+variant["templateId"].(string)+"/report", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, base+"/executions", map[string]any{
		"variantId": variantID,
		"record":    map[string]any{"success": true, "responseTimeMs": -5000},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, base+"/results", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode(t, rec)
	assert.Equal(t, "insufficient_data", results["status"])
	stats := results["variants"].(map[string]any)[variantID].(map[string]any)
	assert.Equal(t, 1.0, stats["sampleSize"], "rejected execution is not counted")

	rec = do(t, h, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, base+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "insufficient_data", decode(t, rec)["status"])

	rec = do(t, h, http.MethodGet, "/api/v1/experiments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["experiments"], 1)

	rec = do(t, h, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CreateExperimentValidation(t *testing.T) {
	s := newTestServer(t, profile.Default(), nil)
	defer s.Shutdown(context.Background())

	body := experimentBody()
	body["targetMetric"] = "vibes"
	rec := do(t, s.Handler(), http.MethodPost, "/api/v1/experiments", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Optimization(t *testing.T) {
	s := newTestServer(t, profile.Default(), nil)
	defer s.Shutdown(context.Background())
	h := s.Handler()

	template := map[string]any{
		"name": "Support",
		"text": "Write something like a reply to the customer, etc.",
	}
	rec := do(t, h, http.MethodPost, "/api/v1/templates/support/optimize", map[string]any{"template": template})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode(t, rec)
	assert.Equal(t, "support", result["templateId"])
	assert.NotEmpty(t, result["recommendations"])

	rec = do(t, h, http.MethodGet, "/api/v1/templates/support/optimizations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["optimizations"], 1)

	rec = do(t, h, http.MethodPost, "/api/v1/templates/support/optimizations/apply", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	automation := decode(t, rec)["automation"].(map[string]any)
	// Static prompt refinements are never applied automatically.
	assert.Empty(t, automation["applied"])
	assert.NotEmpty(t, automation["skipped"])

	rec = do(t, h, http.MethodPost, "/api/v1/templates/other/optimizations/apply", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PatternsAndStrategies(t *testing.T) {
	s := newTestServer(t, profile.Default(), nil)
	defer s.Shutdown(context.Background())
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/patterns", map[string]any{
		"name":   "apology",
		"regexp": `(?i)\bsorry\b`,
		"issues": []string{"Apologizing wastes tokens"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/v1/patterns", map[string]any{"name": "broken", "regexp": "("})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/patterns", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec)["patterns"], "apology")

	rec = do(t, h, http.MethodPost, "/api/v1/strategies", map[string]any{
		"name":       "slow and busy",
		"conditions": []map[string]any{{"metric": "avgResponseTime", "operator": ">", "threshold": 3000}},
		"recommendations": []map[string]any{{
			"type":     "caching",
			"priority": "high",
			"title":    "Cache hot prompts",
		}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode(t, rec)["id"])

	rec = do(t, h, http.MethodPost, "/api/v1/strategies", map[string]any{
		"name":       "bad",
		"conditions": []map[string]any{{"metric": "avgResponseTime", "operator": "~", "threshold": 1}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RestoresPersistedExperiments(t *testing.T) {
	ctx := context.Background()
	p := profile.Default()
	p.Driver = "sqlite"
	p.DSN = filepath.Join(t.TempDir(), "promptlab.db")

	open := func() *store.Store {
		driver, err := db.NewDBDriver(p)
		require.NoError(t, err)
		st := store.New(driver, p)
		require.NoError(t, st.Migrate(ctx))
		return st
	}

	first := newTestServer(t, p, open())
	rec := do(t, first.Handler(), http.MethodPost, "/api/v1/experiments", experimentBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode(t, rec)["id"].(string)
	rec = do(t, first.Handler(), http.MethodPost, "/api/v1/experiments/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	// Shutdown drains pending writes.
	first.Shutdown(ctx)

	second := newTestServer(t, p, open())
	defer second.Shutdown(ctx)
	rec = do(t, second.Handler(), http.MethodGet, "/api/v1/experiments/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "running", decode(t, rec)["status"])
}
