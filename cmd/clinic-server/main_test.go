package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/middleware"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testSigningKey = strings.Repeat("s", 32)

func testConfig(env string) *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             env,
		LogLevel:        "info",
		JWTSigningKey:   testSigningKey,
		JWTIssuer:       "clinic-test",
		CORSOrigins:     []string{"http://localhost:3000"},
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		ShutdownTimeout: 5 * time.Second,
	}
}

func newTestEcho(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	e, _, err := newServer(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return e
}

func request(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func bearer(t *testing.T, roles ...string) map[string]string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "clinic-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealth(t *testing.T) {
	e := newTestEcho(t, testConfig("production"))
	rec := request(e, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != version {
		t.Errorf("unexpected health body %v", body)
	}
}

func TestDevelopmentMode_RegistersPatient(t *testing.T) {
	e := newTestEcho(t, testConfig("development"))
	rec := request(e, http.MethodPost, "/api/v1/patients",
		`{"id":"P1","name":"Ana Gomez","birth_date":"01/02/1980"}`, nil)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected a request id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}

	rec = request(e, http.MethodGet, "/api/v1/stats", "", nil)
	if !strings.Contains(rec.Body.String(), `"patients":1`) {
		t.Errorf("expected one patient in stats, got %s", rec.Body.String())
	}
}

func TestProduction_RequiresToken(t *testing.T) {
	e := newTestEcho(t, testConfig("production"))

	rec := request(e, http.MethodGet, "/api/v1/patients", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}

	rec = request(e, http.MethodGet, "/fhir/Patient/P1", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var outcome map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if outcome["resourceType"] != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %v", outcome["resourceType"])
	}
	issue := outcome["issue"].([]interface{})[0].(map[string]interface{})
	if issue["code"] != "security" {
		t.Errorf("expected security issue, got %v", issue["code"])
	}
}

func TestProduction_WithToken(t *testing.T) {
	e := newTestEcho(t, testConfig("production"))

	rec := request(e, http.MethodGet, "/api/v1/patients", "", bearer(t, auth.RoleRegistrar))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = request(e, http.MethodPost, "/api/v1/prescriptions",
		`{"patient_id":"P1","doctor_matricula":"D1","medications":["A"]}`, bearer(t, auth.RoleRegistrar))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for registrar prescribing, got %d", rec.Code)
	}
}

func TestFHIR_UnknownRouteIsOperationOutcome(t *testing.T) {
	e := newTestEcho(t, testConfig("development"))
	rec := request(e, http.MethodGet, "/fhir/Observation", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"not-found"`) {
		t.Errorf("expected not-found OperationOutcome, got %s", rec.Body.String())
	}
}

func TestRateLimit_Applied(t *testing.T) {
	cfg := testConfig("development")
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 1
	e := newTestEcho(t, cfg)

	if rec := request(e, http.MethodGet, "/api/v1/stats", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec := request(e, http.MethodGet, "/api/v1/stats", "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestNewServer_BadTimezone(t *testing.T) {
	cfg := testConfig("development")
	cfg.Timezone = "Nowhere/Special"
	if _, _, err := newServer(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for an unknown timezone")
	}
}

func TestSandbox_SeedsAndRoutes(t *testing.T) {
	cfg := testConfig("development")
	cfg.SandboxEnabled = true
	e, reg, err := newServer(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	if reg.Stats().Patients == 0 {
		t.Fatal("expected sandbox patients at startup")
	}

	rec := request(e, http.MethodPost, "/api/v1/sandbox/seed", `{"patientCount":2,"seed":77}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSandbox_DisabledByDefault(t *testing.T) {
	e, reg, err := newServer(testConfig("development"), zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	if reg.Stats().Patients != 0 {
		t.Errorf("expected empty registry, got %+v", reg.Stats())
	}
	rec := request(e, http.MethodPost, "/api/v1/sandbox/seed", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without sandbox, got %d", rec.Code)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	e := newTestEcho(t, testConfig("development"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, e, "127.0.0.1:0", time.Second, zerolog.Nop())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for e.ListenerAddr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := out.String(); got != "clinic-server "+version+"\n" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := testConfig("production")
	cfg.LogLevel = "warn"
	var buf bytes.Buffer
	logger := newLogger(cfg, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected log output %q", buf.String())
	}
}
