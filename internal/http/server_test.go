package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/engine"
	"github.com/fyrsmithlabs/preventd/internal/mapping"
	"github.com/fyrsmithlabs/preventd/internal/metrics"
	"github.com/fyrsmithlabs/preventd/internal/mistake"
	"github.com/fyrsmithlabs/preventd/internal/rules"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const mappingRuleID = "prevent_mapping_error_map_user_api_mapping_mismatch"

func setupTestServer(t *testing.T, opts ...Option) (*Server, *engine.Engine) {
	t.Helper()
	eng := engine.New(nil, zap.NewNop())
	t.Cleanup(func() { _ = eng.Close() })

	reg := prometheus.NewRegistry()
	_, err := metrics.Register(reg, eng)
	require.NoError(t, err)

	srv, err := NewServer(eng, reg, zap.NewNop(), &Config{Addr: "127.0.0.1:0", Version: "test"}, opts...)
	require.NoError(t, err)
	return srv, eng
}

func doJSON(t *testing.T, srv *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func mappingRecord() RecordRequest {
	return RecordRequest{
		Context: &mistake.Context{
			ProjectID: "proj-1",
			Component: "user_api",
			Operation: "map_user_api",
			InputData: map[string]any{
				"sourceSchema": "user_api",
				"targetSchema": "user_form",
				"sourceField":  "firstName",
				"targetField":  "fname",
			},
		},
		Error: &mistake.ErrorDetails{
			OriginalError: "unknown key fname",
			ErrorType:     "mapping_mismatch",
			Severity:      mistake.SeverityMedium,
		},
	}
}

func TestNewServer(t *testing.T) {
	eng := engine.New(nil, zap.NewNop())

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		srv, err := NewServer(eng, nil, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9464", srv.config.Addr)
		assert.Equal(t, 10*time.Second, srv.config.ShutdownTimeout)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(eng, nil, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when engine is nil", func(t *testing.T) {
		_, err := NewServer(nil, nil, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "engine cannot be nil")
	})

	t.Run("metrics route requires a gatherer", func(t *testing.T) {
		srv, err := NewServer(eng, nil, zap.NewNop(), nil)
		require.NoError(t, err)
		rec := doJSON(t, srv, http.MethodGet, "/metrics", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		srv, _ := setupTestServer(t, WithHealthCheck("store", func(context.Context) error { return nil }))
		rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "test", resp.Version)
		assert.Equal(t, map[string]string{"store": "ok"}, resp.Components)
	})

	t.Run("degraded", func(t *testing.T) {
		srv, _ := setupTestServer(t, WithHealthCheck("telemetry", func(context.Context) error {
			return errors.New("exporter unavailable")
		}))
		rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "exporter unavailable", resp.Components["telemetry"])
	})
}

func TestRecordAndQuery(t *testing.T) {
	srv, eng := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/mistakes", mappingRecord())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created RecordResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/mistakes/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got mistake.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "map_user_api", got.Context.Operation)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/mistakes?project=proj-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []mistake.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history, 1)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/mistakes?project=other", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rs []rules.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rs))
	require.Len(t, rs, 1)
	assert.Equal(t, mappingRuleID, rs[0].ID)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/effectiveness", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var m engine.EffectivenessMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, eng.GetEffectivenessMetrics(context.Background()), m)
}

func TestRecord_BadRequests(t *testing.T) {
	srv, _ := setupTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{name: "missing context", body: RecordRequest{Error: mappingRecord().Error}},
		{name: "missing error", body: RecordRequest{Context: mappingRecord().Context}},
		{name: "malformed body", body: "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/api/v1/mistakes", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/mistakes/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/mistakes/missing/verify", mistake.CorrectSolution{Approach: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/rules/missing/outcome", OutcomeRequest{Outcome: rules.OutcomeHelpful})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifyAndOutcome(t *testing.T) {
	srv, _ := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/mistakes", mappingRecord())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created RecordResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/mistakes/"+created.ID+"/verify", mistake.CorrectSolution{
		Approach:    "map firstName to first_name",
		KeyInsights: []string{"form fields are snake_case"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var verified mistake.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verified))
	require.NotNil(t, verified.CorrectSolution)
	assert.Equal(t, "map firstName to first_name", verified.CorrectSolution.Approach)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/rules/"+mappingRuleID+"/outcome", OutcomeRequest{Outcome: "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/rules/"+mappingRuleID+"/outcome", OutcomeRequest{Outcome: rules.OutcomeFalsePositive})
	require.Equal(t, http.StatusOK, rec.Code)
	var r rules.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.Equal(t, 1, r.FalsePositives)
}

func TestCheckAndGuidance(t *testing.T) {
	srv, eng := setupTestServer(t)
	ctx := context.Background()

	seed := mappingRecord()
	_, err := eng.RecordMistake(ctx, seed.Context, seed.Error, nil)
	require.NoError(t, err)
	require.NoError(t, eng.RecordCorrectMapping(ctx, "user_api", "user_form", mapping.FieldMapping{
		SourceField: "firstName",
		TargetField: "first_name",
		Confidence:  95,
		UsageCount:  10,
	}))

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/check", CheckRequest{
		Context: &mistake.Context{
			Operation: "validate_field_mapping",
			InputData: map[string]any{"sourceSchema": "user_api", "targetSchema": "user_form"},
		},
		Proposed: &engine.ProposedSolution{Mapping: map[string]string{"firstName": "fname"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res engine.PreventionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.ShouldPrevent)
	assert.Equal(t, []string{"first_name"}, res.Alternatives)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/check", CheckRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/guidance/mapping?source=user_api&target=user_form&field=firstName", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var g mapping.Guidance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	assert.Equal(t, "first_name", g.SuggestedMapping)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/guidance/mapping?source=user_api", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/guidance/structure?type=response&context=users", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/guidance/structure", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/corrections", CorrectionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/insights", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/mistakes", mappingRecord())
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "preventd_mistakes_recorded 1")
	assert.Contains(t, rec.Body.String(), `preventd_rules{state="enabled"} 1`)
}

func TestStart_Shutdown(t *testing.T) {
	srv, _ := setupTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
