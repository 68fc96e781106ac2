package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/domain/clinic"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/validate"
)

var fixedNow = time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func newRegistry() *clinic.Registry {
	return clinic.NewRegistry(clinic.WithClock(clock))
}

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

func TestDataGenerator_GeneratePatient(t *testing.T) {
	p, err := NewDataGenerator(42).GeneratePatient()
	if err != nil {
		t.Fatalf("GeneratePatient: %v", err)
	}
	if len(p.ID) != 8 {
		t.Errorf("expected 8 digit DNI, got %q", p.ID)
	}
	if p.Name == "" || p.BirthDate == "" {
		t.Errorf("expected name and birth date, got %+v", p)
	}
	if _, err := time.Parse("02/01/2006", p.BirthDate); err != nil {
		t.Errorf("birth date %q not in dd/mm/yyyy: %v", p.BirthDate, err)
	}
}

func TestDataGenerator_GenerateDoctor(t *testing.T) {
	gen := NewDataGenerator(42)
	for i := 0; i < 20; i++ {
		d, err := gen.GenerateDoctor()
		if err != nil {
			t.Fatalf("GenerateDoctor: %v", err)
		}
		if !strings.HasPrefix(d.Matricula, "MN-") {
			t.Errorf("unexpected matricula %q", d.Matricula)
		}
		sps := d.Specialties()
		if len(sps) < 1 || len(sps) > 2 {
			t.Fatalf("expected 1-2 specialties, got %d", len(sps))
		}
		for _, sp := range sps {
			if n := len(sp.Days()); n < 1 || n > 3 {
				t.Errorf("specialty %s: expected 1-3 days, got %d", sp.Name, n)
			}
			if sp.Offers(time.Sunday) {
				t.Errorf("specialty %s offered on Sunday", sp.Name)
			}
		}
	}
}

func TestDataGenerator_GenerateMedications_Distinct(t *testing.T) {
	gen := NewDataGenerator(7)
	for i := 0; i < 20; i++ {
		meds := gen.GenerateMedications()
		if len(meds) < 1 || len(meds) > 3 {
			t.Fatalf("expected 1-3 medications, got %d", len(meds))
		}
		seen := map[string]bool{}
		for _, m := range meds {
			if seen[m] {
				t.Fatalf("duplicate medication %q in %v", m, meds)
			}
			seen[m] = true
		}
	}
}

func TestDataGenerator_Deterministic(t *testing.T) {
	a, _ := NewDataGenerator(99).GeneratePatient()
	b, _ := NewDataGenerator(99).GeneratePatient()
	if a != b {
		t.Fatalf("same seed produced %+v and %+v", a, b)
	}
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

func TestSeeder_Generate(t *testing.T) {
	reg := newRegistry()
	cfg := DefaultSeedConfig()
	result, err := NewSeeder(cfg, clock, zerolog.Nop()).Generate(reg)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	stats := reg.Stats()
	if stats.Patients != result.Patients || stats.Doctors != result.Doctors {
		t.Errorf("result %+v does not match registry %+v", result, stats)
	}
	if stats.Appointments != result.Appointments {
		t.Errorf("expected %d appointments, registry has %d", result.Appointments, stats.Appointments)
	}
	if result.Patients+result.Doctors+result.Skipped < cfg.PatientCount+cfg.DoctorCount {
		t.Errorf("records unaccounted for: %+v", result)
	}
	if result.Appointments == 0 {
		t.Error("expected some appointments")
	}
	if result.Prescriptions != result.Patients*cfg.PrescriptionsPerPatient {
		t.Errorf("expected %d prescriptions, got %d", result.Patients*cfg.PrescriptionsPerPatient, result.Prescriptions)
	}

	for _, a := range reg.Appointments() {
		if !a.Time.After(fixedNow) {
			t.Errorf("appointment %s not in the future", a.Time)
		}
	}
}

func TestSeeder_HistoriesPopulated(t *testing.T) {
	reg := newRegistry()
	cfg := SeedConfig{PatientCount: 3, DoctorCount: 2, AppointmentsPerPatient: 1, PrescriptionsPerPatient: 2, Seed: 5}
	if _, err := NewSeeder(cfg, clock, zerolog.Nop()).Generate(reg); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, p := range reg.Patients() {
		h, err := reg.ClinicalHistory(p.ID)
		if err != nil {
			t.Fatalf("ClinicalHistory(%s): %v", p.ID, err)
		}
		if got := len(h.Prescriptions()); got != 2 {
			t.Errorf("patient %s: expected 2 prescriptions, got %d", p.ID, got)
		}
	}
}

func TestSeeder_SameSeedSameData(t *testing.T) {
	cfg := SeedConfig{PatientCount: 5, DoctorCount: 2, Seed: 11}
	a, b := newRegistry(), newRegistry()
	if _, err := NewSeeder(cfg, clock, zerolog.Nop()).Generate(a); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSeeder(cfg, clock, zerolog.Nop()).Generate(b); err != nil {
		t.Fatal(err)
	}
	pa, pb := a.Patients(), b.Patients()
	if len(pa) != len(pb) {
		t.Fatalf("patient counts differ: %d vs %d", len(pa), len(pb))
	}
	for i := range pa {
		if pa[i] != pb[i] {
			t.Errorf("patient %d differs: %+v vs %+v", i, pa[i], pb[i])
		}
	}
}

func TestSeeder_ReseedSkipsExisting(t *testing.T) {
	reg := newRegistry()
	cfg := SeedConfig{PatientCount: 4, DoctorCount: 2, Seed: 3}
	first, err := NewSeeder(cfg, clock, zerolog.Nop()).Generate(reg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewSeeder(cfg, clock, zerolog.Nop()).Generate(reg)
	if err != nil {
		t.Fatal(err)
	}
	if second.Patients != 0 || second.Doctors != 0 {
		t.Errorf("expected reseed to add nothing, got %+v", second)
	}
	if second.Skipped != cfg.PatientCount+cfg.DoctorCount {
		t.Errorf("expected %d skipped, got %d", cfg.PatientCount+cfg.DoctorCount, second.Skipped)
	}
	if reg.Stats().Patients != first.Patients {
		t.Errorf("expected %d patients after reseed, got %d", first.Patients, reg.Stats().Patients)
	}
}

func TestSeeder_NoDoctors(t *testing.T) {
	reg := newRegistry()
	cfg := SeedConfig{PatientCount: 2, AppointmentsPerPatient: 3, PrescriptionsPerPatient: 1, Seed: 1}
	result, err := NewSeeder(cfg, clock, zerolog.Nop()).Generate(reg)
	if err != nil {
		t.Fatal(err)
	}
	if result.Appointments != 0 || result.Prescriptions != 0 {
		t.Errorf("expected no bookings without doctors, got %+v", result)
	}
}

// ---------------------------------------------------------------------------
// SeedHandler
// ---------------------------------------------------------------------------

func asRoles(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserRolesKey, roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func newSeedServer(reg *clinic.Registry, roles ...string) *echo.Echo {
	e := echo.New()
	e.Validator = validate.New()
	g := e.Group("/api/v1/sandbox", asRoles(roles...), auth.RequireRole(auth.RoleAdmin))
	NewSeedHandler(reg, clock, zerolog.Nop()).RegisterRoutes(g)
	return e
}

func TestSeedHandler_Seed(t *testing.T) {
	reg := newRegistry()
	e := newSeedServer(reg, auth.RoleAdmin)

	body := `{"patientCount":3,"doctorCount":1,"seed":8}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sandbox/seed", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result SeedResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Patients+result.Skipped != 3 || reg.Stats().Patients != result.Patients {
		t.Errorf("unexpected result %+v, stats %+v", result, reg.Stats())
	}
}

func TestSeedHandler_EmptyBodyUsesDefaults(t *testing.T) {
	reg := newRegistry()
	e := newSeedServer(reg, auth.RoleAdmin)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sandbox/seed", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if reg.Stats().Patients == 0 {
		t.Error("expected default seeding to add patients")
	}
}

func TestSeedHandler_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		roles  []string
		body   string
		status int
	}{
		{"non-admin", []string{auth.RolePhysician}, `{"patientCount":1}`, http.StatusForbidden},
		{"malformed body", []string{auth.RoleAdmin}, `{"patientCount":`, http.StatusBadRequest},
		{"too many patients", []string{auth.RoleAdmin}, `{"patientCount":5000}`, http.StatusBadRequest},
		{"negative doctors", []string{auth.RoleAdmin}, `{"doctorCount":-1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newRegistry()
			e := newSeedServer(reg, tt.roles...)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sandbox/seed", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if reg.Stats().Patients != 0 {
				t.Error("rejected request must not seed")
			}
		})
	}
}
