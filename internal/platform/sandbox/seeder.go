// Package sandbox fills a clinic registry with reproducible synthetic data
// for demo environments and developer on-boarding.
package sandbox

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/domain/clinic"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume of generated data.
type SeedConfig struct {
	PatientCount            int   `json:"patientCount" validate:"gte=0,lte=1000"`
	DoctorCount             int   `json:"doctorCount" validate:"gte=0,lte=200"`
	AppointmentsPerPatient  int   `json:"appointmentsPerPatient" validate:"gte=0,lte=20"`
	PrescriptionsPerPatient int   `json:"prescriptionsPerPatient" validate:"gte=0,lte=20"`
	Seed                    int64 `json:"seed"`
}

// DefaultSeedConfig returns the volume used for a demo startup.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		PatientCount:            20,
		DoctorCount:             5,
		AppointmentsPerPatient:  2,
		PrescriptionsPerPatient: 1,
		Seed:                    1,
	}
}

// SeedResult reports what a run added to the registry.
type SeedResult struct {
	Patients      int    `json:"patients"`
	Doctors       int    `json:"doctors"`
	Appointments  int    `json:"appointments"`
	Prescriptions int    `json:"prescriptions"`
	Skipped       int    `json:"skipped"`
	Duration      string `json:"duration"`
}

// ---------------------------------------------------------------------------
// Reference pools
// ---------------------------------------------------------------------------

var (
	givenNames = []string{
		"María", "José", "Lucía", "Juan", "Sofía", "Martín", "Valentina", "Diego",
		"Camila", "Santiago", "Julieta", "Mateo", "Florencia", "Tomás", "Agustina",
	}
	familyNames = []string{
		"González", "Rodríguez", "Fernández", "López", "Martínez", "Pérez", "Gómez",
		"Díaz", "Sánchez", "Romero", "Álvarez", "Torres", "Ruiz", "Suárez",
	}
	specialtyPool = []string{
		"Cardiología", "Pediatría", "Dermatología", "Traumatología", "Clínica médica",
		"Ginecología", "Neurología", "Oftalmología",
	}
	weekdayPool = []string{
		"lunes", "martes", "miércoles", "jueves", "viernes", "sábado",
	}
	medicationPool = []string{
		"Ibuprofeno 400mg", "Paracetamol 500mg", "Amoxicilina 500mg", "Omeprazol 20mg",
		"Enalapril 10mg", "Loratadina 10mg", "Metformina 850mg", "Atorvastatina 20mg",
	}
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces clinic records from a seeded source, so two
// generators with the same seed yield the same sequence.
type DataGenerator struct {
	rng *rand.Rand
}

func NewDataGenerator(seed int64) *DataGenerator {
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) fullName() string {
	return g.pick(givenNames) + " " + g.pick(familyNames)
}

// GeneratePatient returns a patient with an eight digit DNI.
func (g *DataGenerator) GeneratePatient() (clinic.Patient, error) {
	dni := fmt.Sprintf("%08d", 10000000+g.rng.Intn(40000000))
	birth := time.Date(1940+g.rng.Intn(80), time.Month(1+g.rng.Intn(12)), 1+g.rng.Intn(28), 0, 0, 0, 0, time.UTC)
	return clinic.NewPatient(dni, g.fullName(), birth.Format("02/01/2006"))
}

// GenerateDoctor returns a doctor with one or two specialties, each offered
// on one to three weekdays.
func (g *DataGenerator) GenerateDoctor() (*clinic.Doctor, error) {
	matricula := fmt.Sprintf("MN-%05d", g.rng.Intn(100000))
	n := 1 + g.rng.Intn(2)
	specialties := make([]clinic.Specialty, 0, n)
	for _, idx := range g.rng.Perm(len(specialtyPool))[:n] {
		sp, err := clinic.NewSpecialty(specialtyPool[idx], g.days())
		if err != nil {
			return nil, err
		}
		specialties = append(specialties, sp)
	}
	return clinic.NewDoctor(matricula, "Dr. "+g.fullName(), specialties...)
}

func (g *DataGenerator) days() []string {
	perm := g.rng.Perm(len(weekdayPool))[:1+g.rng.Intn(3)]
	days := make([]string, len(perm))
	for i, idx := range perm {
		days[i] = weekdayPool[idx]
	}
	return days
}

// GenerateMedications returns one to three distinct medications.
func (g *DataGenerator) GenerateMedications() []string {
	perm := g.rng.Perm(len(medicationPool))[:1+g.rng.Intn(3)]
	meds := make([]string, len(perm))
	for i, idx := range perm {
		meds[i] = medicationPool[idx]
	}
	return meds
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// maxSlotAttempts bounds the search for a bookable slot: two weeks covers
// every weekday in any location.
const maxSlotAttempts = 14

// Seeder writes generated records through the registry, so every booking
// rule applies to demo data as well.
type Seeder struct {
	generator *DataGenerator
	config    SeedConfig
	now       func() time.Time
	log       zerolog.Logger
}

// NewSeeder creates a Seeder. A nil now uses time.Now; it must agree with
// the registry clock for generated appointments to be in the future.
func NewSeeder(config SeedConfig, now func() time.Time, logger zerolog.Logger) *Seeder {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if now == nil {
		now = time.Now
	}
	return &Seeder{
		generator: NewDataGenerator(seed),
		config:    config,
		now:       now,
		log:       logger,
	}
}

// Generate adds patients, doctors, appointments and prescriptions to reg.
// Records that collide with existing ones are counted as skipped.
func (s *Seeder) Generate(reg *clinic.Registry) (*SeedResult, error) {
	start := time.Now()
	result := &SeedResult{}

	var patients []clinic.Patient
	for i := 0; i < s.config.PatientCount; i++ {
		p, err := s.generator.GeneratePatient()
		if err != nil {
			return nil, fmt.Errorf("generate patient: %w", err)
		}
		if err := reg.AddPatient(p); err != nil {
			if errors.Is(err, clinic.ErrDuplicateEntity) {
				result.Skipped++
				continue
			}
			return nil, err
		}
		patients = append(patients, p)
		result.Patients++
	}

	var doctors []*clinic.Doctor
	for i := 0; i < s.config.DoctorCount; i++ {
		d, err := s.generator.GenerateDoctor()
		if err != nil {
			return nil, fmt.Errorf("generate doctor: %w", err)
		}
		if err := reg.AddDoctor(d); err != nil {
			if errors.Is(err, clinic.ErrDuplicateEntity) {
				result.Skipped++
				continue
			}
			return nil, err
		}
		doctors = append(doctors, d)
		result.Doctors++
	}

	if len(doctors) == 0 {
		result.Duration = time.Since(start).String()
		return result, nil
	}

	for _, p := range patients {
		for i := 0; i < s.config.AppointmentsPerPatient; i++ {
			d := doctors[s.generator.rng.Intn(len(doctors))]
			ok, err := s.book(reg, p.ID, d)
			if err != nil {
				return nil, err
			}
			if ok {
				result.Appointments++
			} else {
				result.Skipped++
			}
		}
		for i := 0; i < s.config.PrescriptionsPerPatient; i++ {
			d := doctors[s.generator.rng.Intn(len(doctors))]
			if _, err := reg.IssuePrescription(p.ID, d.Matricula, s.generator.GenerateMedications()); err != nil {
				return nil, err
			}
			result.Prescriptions++
		}
	}

	result.Duration = time.Since(start).String()
	s.log.Info().
		Int("patients", result.Patients).
		Int("doctors", result.Doctors).
		Int("appointments", result.Appointments).
		Int("prescriptions", result.Prescriptions).
		Int("skipped", result.Skipped).
		Msg("sandbox data seeded")
	return result, nil
}

// book walks forward day by day from a random offset until the registry
// accepts an appointment for one of d's specialties.
func (s *Seeder) book(reg *clinic.Registry, patientID string, d *clinic.Doctor) (bool, error) {
	specialties := d.Specialties()
	sp := specialties[s.generator.rng.Intn(len(specialties))]
	base := s.now().UTC().Truncate(time.Hour)
	offset := 1 + s.generator.rng.Intn(7)
	hour := time.Duration(s.generator.rng.Intn(8)) * time.Hour

	for attempt := 0; attempt < maxSlotAttempts; attempt++ {
		day := base.AddDate(0, 0, offset+attempt)
		at := time.Date(day.Year(), day.Month(), day.Day(), 9, 0, 0, 0, time.UTC).Add(hour)
		_, err := reg.ScheduleAppointment(patientID, d.Matricula, sp.Name, at)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, clinic.ErrInvalidAppointment), errors.Is(err, clinic.ErrDuplicateAppointment):
			continue
		default:
			return false, err
		}
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// SeedHandler exposes seeding over HTTP for demo deployments.
type SeedHandler struct {
	reg *clinic.Registry
	now func() time.Time
	log zerolog.Logger
	mu  sync.Mutex
}

func NewSeedHandler(reg *clinic.Registry, now func() time.Time, logger zerolog.Logger) *SeedHandler {
	return &SeedHandler{reg: reg, now: now, log: logger}
}

// RegisterRoutes registers sandbox routes on g. Callers restrict g to admins.
func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/seed", h.handleSeed)
}

func (h *SeedHandler) handleSeed(c echo.Context) error {
	cfg := DefaultSeedConfig()
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&cfg); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	if err := c.Validate(&cfg); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	result, err := NewSeeder(cfg, h.now, h.log).Generate(h.reg)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}
