package clinic

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now as the source of "now".
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLocation computes appointment weekdays in loc instead of the
// timestamp's own location.
func WithLocation(loc *time.Location) Option {
	return func(r *Registry) { r.loc = loc }
}

// WithLogger sets the logger used for accepted and rejected writes.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.log = logger }
}

// Stats summarizes the registry contents.
type Stats struct {
	Patients     int `json:"patients"`
	Doctors      int `json:"doctors"`
	Appointments int `json:"appointments"`
}

func (s Stats) String() string {
	return fmt.Sprintf("Clinic (patients: %d, doctors: %d, appointments: %d)", s.Patients, s.Doctors, s.Appointments)
}

type slotKey struct {
	matricula string
	sec       int64
	nsec      int
}

func newSlotKey(matricula string, t time.Time) slotKey {
	return slotKey{matricula: matricula, sec: t.Unix(), nsec: t.Nanosecond()}
}

// Registry owns every clinic record and enforces the booking rules. Writes
// are serialized; a failed write leaves the registry unchanged.
type Registry struct {
	mu  sync.RWMutex
	now func() time.Time
	loc *time.Location
	log zerolog.Logger

	patients     map[string]*Patient
	patientOrder []string
	doctors      map[string]*Doctor
	doctorOrder  []string
	appointments []*Appointment
	booked       map[slotKey]*Appointment
	histories    map[string]*ClinicalHistory
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		now:       time.Now,
		log:       zerolog.Nop(),
		patients:  make(map[string]*Patient),
		doctors:   make(map[string]*Doctor),
		booked:    make(map[slotKey]*Appointment),
		histories: make(map[string]*ClinicalHistory),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// -- Patients --

// AddPatient registers p and opens an empty clinical history for it.
func (r *Registry) AddPatient(p Patient) error {
	p = p.normalized()
	if err := p.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.patients[p.ID]; ok {
		err := &DuplicateEntityError{Kind: KindPatient, ID: p.ID}
		r.log.Info().Err(err).Msg("patient rejected")
		return err
	}
	stored := p
	r.patients[p.ID] = &stored
	r.patientOrder = append(r.patientOrder, p.ID)
	r.histories[p.ID] = &ClinicalHistory{Patient: &stored}
	r.log.Debug().Str("patient_id", p.ID).Msg("patient registered")
	return nil
}

// Patient returns the patient registered under id.
func (r *Registry) Patient(id string) (Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return Patient{}, &NotFoundError{Kind: KindPatient, ID: id}
	}
	return *p, nil
}

// Patients returns every patient in registration order.
func (r *Registry) Patients() []Patient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Patient, 0, len(r.patientOrder))
	for _, id := range r.patientOrder {
		out = append(out, *r.patients[id])
	}
	return out
}

// -- Doctors --

// AddDoctor registers a copy of d. Later changes to d are not seen by the
// registry; use AddSpecialtyToDoctor instead.
func (r *Registry) AddDoctor(d *Doctor) error {
	stored := d.normalized()
	if err := stored.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.doctors[stored.Matricula]; ok {
		err := &DuplicateEntityError{Kind: KindDoctor, ID: stored.Matricula}
		r.log.Info().Err(err).Msg("doctor rejected")
		return err
	}
	r.doctors[stored.Matricula] = stored
	r.doctorOrder = append(r.doctorOrder, stored.Matricula)
	r.log.Debug().Str("matricula", stored.Matricula).Msg("doctor registered")
	return nil
}

// AddSpecialtyToDoctor inserts sp, replacing any specialty with the same
// case-insensitive name.
func (r *Registry) AddSpecialtyToDoctor(matricula string, sp Specialty) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.doctors[matricula]
	if !ok {
		return &NotFoundError{Kind: KindDoctor, ID: matricula}
	}
	if strings.TrimSpace(sp.Name) == "" || len(sp.Days()) == 0 {
		return &InvalidEntityError{Kind: KindSpecialty, Field: "specialty", Reason: "must be built with NewSpecialty"}
	}
	d.set().put(sp)
	r.log.Debug().Str("matricula", matricula).Str("specialty", sp.Name).Msg("specialty added")
	return nil
}

// Doctor returns a snapshot of the doctor registered under matricula.
func (r *Registry) Doctor(matricula string) (*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.doctors[matricula]
	if !ok {
		return nil, &NotFoundError{Kind: KindDoctor, ID: matricula}
	}
	return d.clone(), nil
}

// Doctors returns snapshots of every doctor in registration order.
func (r *Registry) Doctors() []*Doctor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Doctor, 0, len(r.doctorOrder))
	for _, m := range r.doctorOrder {
		out = append(out, r.doctors[m].clone())
	}
	return out
}

// SpecialtyForDay returns the first specialty the doctor offers on wd.
func (r *Registry) SpecialtyForDay(matricula string, wd time.Weekday) (Specialty, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.doctors[matricula]
	if !ok {
		return Specialty{}, &NotFoundError{Kind: KindDoctor, ID: matricula}
	}
	sp, ok := d.SpecialtyOn(wd)
	if !ok {
		return Specialty{}, &InvalidAppointmentError{
			Reason:    RejectSpecialtyNotOffered,
			Matricula: matricula,
			Specialty: "any",
			Weekday:   wd,
		}
	}
	return sp, nil
}

// -- Appointments --

// ScheduleAppointment books the patient with the doctor at t. Checks run in a
// fixed order: patient, doctor, time in the future, specialty offered on
// that weekday, doctor free at exactly t.
func (r *Registry) ScheduleAppointment(patientID, matricula, specialty string, t time.Time) (Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	a, err := r.validateAppointment(patientID, matricula, specialty, t, now)
	if err != nil {
		r.log.Info().Err(err).
			Str("patient_id", patientID).
			Str("matricula", matricula).
			Time("time", t).
			Msg("appointment rejected")
		return Appointment{}, err
	}

	a.ID = uuid.New()
	a.CreatedAt = now
	r.appointments = append(r.appointments, a)
	r.booked[newSlotKey(matricula, t)] = a
	h := r.histories[patientID]
	h.appointments = append(h.appointments, a)

	r.log.Debug().
		Str("appointment_id", a.ID.String()).
		Str("patient_id", patientID).
		Str("matricula", matricula).
		Time("time", t).
		Msg("appointment scheduled")
	return a.detached(), nil
}

func (r *Registry) validateAppointment(patientID, matricula, specialty string, t, now time.Time) (*Appointment, error) {
	p, ok := r.patients[patientID]
	if !ok {
		return nil, &NotFoundError{Kind: KindPatient, ID: patientID}
	}
	d, ok := r.doctors[matricula]
	if !ok {
		return nil, &NotFoundError{Kind: KindDoctor, ID: matricula}
	}
	if !t.After(now) {
		return nil, &InvalidAppointmentError{Reason: RejectPastTimestamp, Matricula: matricula, Specialty: specialty, Time: t, Now: now}
	}
	wd := r.weekday(t)
	sp, ok := d.Specialty(specialty)
	if !ok || !sp.Offers(wd) {
		return nil, &InvalidAppointmentError{
			Reason:    RejectSpecialtyNotOffered,
			Matricula: matricula,
			Specialty: specialty,
			Time:      t,
			Now:       now,
			Weekday:   wd,
		}
	}
	if _, taken := r.booked[newSlotKey(matricula, t)]; taken {
		return nil, &DuplicateAppointmentError{Matricula: matricula, DoctorName: d.Name, Time: t}
	}
	return &Appointment{Patient: p, Doctor: d, Time: t, Specialty: sp.Name}, nil
}

func (r *Registry) weekday(t time.Time) time.Weekday {
	if r.loc != nil {
		t = t.In(r.loc)
	}
	return t.Weekday()
}

// Appointments returns every appointment in booking order.
func (r *Registry) Appointments() []Appointment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Appointment, len(r.appointments))
	for i, a := range r.appointments {
		out[i] = a.detached()
	}
	return out
}

// AppointmentsForDoctor returns the doctor's appointments in booking order.
func (r *Registry) AppointmentsForDoctor(matricula string) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.doctors[matricula]; !ok {
		return nil, &NotFoundError{Kind: KindDoctor, ID: matricula}
	}
	out := make([]Appointment, 0)
	for _, a := range r.appointments {
		if a.Doctor.Matricula == matricula {
			out = append(out, a.detached())
		}
	}
	return out, nil
}

// -- Prescriptions --

// IssuePrescription records a prescription stamped with the current time in
// the patient's clinical history.
func (r *Registry) IssuePrescription(patientID, matricula string, medications []string) (Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.validatePrescription(patientID, matricula, medications)
	if err != nil {
		r.log.Info().Err(err).
			Str("patient_id", patientID).
			Str("matricula", matricula).
			Msg("prescription rejected")
		return Prescription{}, err
	}

	p.ID = uuid.New()
	p.IssuedAt = r.now()
	h := r.histories[patientID]
	h.prescriptions = append(h.prescriptions, p)

	r.log.Debug().
		Str("prescription_id", p.ID.String()).
		Str("patient_id", patientID).
		Int("medications", len(p.medications)).
		Msg("prescription issued")
	return p.detached(), nil
}

func (r *Registry) validatePrescription(patientID, matricula string, medications []string) (*Prescription, error) {
	reject := func(reason string) error {
		return &InvalidPrescriptionError{PatientID: patientID, Matricula: matricula, Reason: reason}
	}
	p, ok := r.patients[patientID]
	if !ok {
		return nil, reject(fmt.Sprintf("patient %q not found", patientID))
	}
	d, ok := r.doctors[matricula]
	if !ok {
		return nil, reject(fmt.Sprintf("doctor %q not found", matricula))
	}
	if len(medications) == 0 {
		return nil, reject("medication list is empty")
	}
	meds := make([]string, len(medications))
	for i, m := range medications {
		meds[i] = strings.TrimSpace(m)
		if meds[i] == "" {
			return nil, reject(fmt.Sprintf("medication %d is blank", i+1))
		}
	}
	return &Prescription{Patient: p, Doctor: d, medications: meds}, nil
}

// -- Histories --

// ClinicalHistory returns a snapshot of the patient's history.
func (r *Registry) ClinicalHistory(patientID string) (*ClinicalHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.histories[patientID]
	if !ok {
		return nil, &NotFoundError{Kind: KindPatient, ID: patientID}
	}
	return h.snapshot(), nil
}

// Stats counts the registered records.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Patients:     len(r.patients),
		Doctors:      len(r.doctors),
		Appointments: len(r.appointments),
	}
}
