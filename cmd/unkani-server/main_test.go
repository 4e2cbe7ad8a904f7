package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephneumann/unkani-sub000/internal/config"
	"github.com/josephneumann/unkani-sub000/internal/platform/counter"
	"github.com/josephneumann/unkani-sub000/internal/platform/db"
	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:            "8000",
		Env:             "test",
		BaseURL:         "http://api.test",
		SecretKey:       "main-test-secret",
		UseRateLimits:   true,
		RateLimit:       5,
		RateLimitPeriod: 15 * time.Second,
		TokenTTL:        time.Minute,
		TokenIssueRPS:   1,
		TokenIssueBurst: 5,
		CORSOrigins:     []string{"*"},
	}
}

// newTestServer builds the router without a database; only routes that fail
// before touching storage are exercised.
func newTestServer(checks ...db.Check) *echo.Echo {
	return newServer(deps{
		cfg:      testConfig(),
		logger:   zerolog.Nop(),
		counters: counter.NewMemoryStore(),
		checks:   checks,
	})
}

func serve(e *echo.Echo, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["migrate"])
	assert.True(t, names["user"])

	up, _, err := root.Find([]string{"migrate", "up"})
	require.NoError(t, err)
	dir, err := up.Flags().GetString("dir")
	require.NoError(t, err)
	assert.Equal(t, "./migrations", dir)

	create, _, err := root.Find([]string{"user", "create"})
	require.NoError(t, err)
	role, err := create.Flags().GetString("role")
	require.NoError(t, err)
	assert.Equal(t, "User", role)
}

func TestPrintStatuses(t *testing.T) {
	applied := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	var buf bytes.Buffer

	printStatuses(&buf, []db.MigrationStatus{
		{Version: 1, Name: "core_schema", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "patient_indexes"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[2], "applied")
	assert.Contains(t, lines[2], "2024-02-03 04:05:06")
	assert.Contains(t, lines[3], "pending")
	assert.Contains(t, lines[3], "patient_indexes")
}

func TestServer_Metadata(t *testing.T) {
	rec := serve(newTestServer(), http.MethodGet, "/fhir/metadata", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fhir.FHIRContentType, rec.Header().Get(echo.HeaderContentType))

	var cs fhir.CapabilityStatement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cs))
	assert.Equal(t, "CapabilityStatement", cs.ResourceType)
	require.Len(t, cs.Rest, 1)
	require.Len(t, cs.Rest[0].Resource, 3)
	assert.Equal(t, "Patient", cs.Rest[0].Resource[0].Type)
	assert.NotEmpty(t, cs.Rest[0].Resource[0].SearchParam)
	assert.Equal(t, "ValueSet", cs.Rest[0].Resource[1].Type)
	assert.Equal(t, "CodeSystem", cs.Rest[0].Resource[2].Type)
}

func TestServer_TerminologyRequiresToken(t *testing.T) {
	for _, target := range []string{"/fhir/ValueSet/race", "/fhir/CodeSystem/bcp-47"} {
		rec := serve(newTestServer(), http.MethodGet, target, nil)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"), target)
	}
}

func TestServer_PatientRequiresToken(t *testing.T) {
	rec := serve(newTestServer(), http.MethodGet, "/fhir/Patient/1", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "http://api.test/tokens", rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_TokensRequireBasic(t *testing.T) {
	rec := serve(newTestServer(), http.MethodPost, "/tokens", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Basic", rec.Header().Get("WWW-Authenticate"))
}

func TestServer_UnsupportedFormat(t *testing.T) {
	rec := serve(newTestServer(), http.MethodGet, "/fhir/Patient?_format=xml", nil)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestServer_UnknownFHIRRoute(t *testing.T) {
	rec := serve(newTestServer(), http.MethodGet, "/fhir/Observation", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var oo fhir.OperationOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oo))
	assert.Equal(t, fhir.IssueTypeNotFound, oo.Issue[0].Code)
}

func TestServer_Health(t *testing.T) {
	ok := db.Check{Name: "redis", Ping: func(context.Context) error { return nil }}
	down := db.Check{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }}

	rec := serve(newTestServer(ok), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(newTestServer(down), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestServer_Metrics(t *testing.T) {
	e := newTestServer()
	serve(e, http.MethodGet, "/fhir/metadata", nil)

	rec := serve(e, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
	assert.Contains(t, rec.Body.String(), `route="/fhir/metadata"`)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	e := newTestServer()

	for _, target := range []string{"/fhir/Patient/1", "/fhir/Patient", "/tokens", "/fhir/metadata"} {
		t.Run(target, func(t *testing.T) {
			rec := serve(e, http.MethodPatch, target, nil)

			require.Equal(t, http.StatusMethodNotAllowed, rec.Code, rec.Body.String())
			assert.NotEmpty(t, rec.Header().Get(echo.HeaderAllow))
			var oo fhir.OperationOutcome
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oo))
			assert.Equal(t, fhir.IssueSeverityFatal, oo.Issue[0].Severity)
			assert.Equal(t, fhir.IssueTypeNotFound, oo.Issue[0].Code)
		})
	}
}
