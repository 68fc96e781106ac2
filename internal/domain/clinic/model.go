package clinic

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/fhir"
)

const (
	// DNISystem identifies patient identifiers (national id numbers).
	DNISystem = "urn:clinic:dni"
	// MatriculaSystem identifies doctor license numbers.
	MatriculaSystem = "urn:clinic:matricula"
	// AvailableDaysExtension carries a specialty's weekdays on a Practitioner qualification.
	AvailableDaysExtension = "urn:clinic:fhir:available-days"
)

// Patient is immutable once created.
type Patient struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BirthDate string `json:"birth_date"`
}

// NewPatient validates that every field is present.
func NewPatient(id, name, birthDate string) (Patient, error) {
	p := Patient{ID: id, Name: name, BirthDate: birthDate}.normalized()
	return p, p.validate()
}

func (p Patient) normalized() Patient {
	return Patient{
		ID:        strings.TrimSpace(p.ID),
		Name:      strings.TrimSpace(p.Name),
		BirthDate: strings.TrimSpace(p.BirthDate),
	}
}

func (p Patient) validate() error {
	switch {
	case p.ID == "":
		return &InvalidEntityError{Kind: KindPatient, Field: "id", Reason: "is required"}
	case p.Name == "":
		return &InvalidEntityError{Kind: KindPatient, Field: "name", Reason: "is required"}
	case p.BirthDate == "":
		return &InvalidEntityError{Kind: KindPatient, Field: "birth_date", Reason: "is required"}
	}
	return nil
}

func (p Patient) String() string {
	return fmt.Sprintf("Patient(DNI: %s, Name: %s, Birth date: %s)", p.ID, p.Name, p.BirthDate)
}

func (p Patient) ToFHIR() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           p.ID,
		"identifier":   []fhir.Identifier{{Use: "official", System: DNISystem, Value: p.ID}},
		"name":         []fhir.HumanName{{Use: "official", Text: p.Name}},
		"extension": []fhir.Extension{{
			URL:         "urn:clinic:fhir:birth-date-as-entered",
			ValueString: p.BirthDate,
		}},
	}
}

// Doctor is identified by its matricula. Specialties are added through the
// Registry after creation.
type Doctor struct {
	Matricula   string
	Name        string
	specialties *specialtySet
}

// NewDoctor validates the identity fields and registers any initial specialties.
func NewDoctor(matricula, name string, specialties ...Specialty) (*Doctor, error) {
	d := (&Doctor{Matricula: matricula, Name: name}).normalized()
	if err := d.validate(); err != nil {
		return nil, err
	}
	for _, sp := range specialties {
		d.specialties.put(sp)
	}
	return d, nil
}

func (d *Doctor) validate() error {
	switch {
	case d == nil:
		return &InvalidEntityError{Kind: KindDoctor, Field: "doctor", Reason: "is required"}
	case d.Matricula == "":
		return &InvalidEntityError{Kind: KindDoctor, Field: "matricula", Reason: "is required"}
	case d.Name == "":
		return &InvalidEntityError{Kind: KindDoctor, Field: "name", Reason: "is required"}
	}
	return nil
}

func (d *Doctor) set() *specialtySet {
	if d.specialties == nil {
		d.specialties = newSpecialtySet()
	}
	return d.specialties
}

// clone returns a copy with an independent specialty set.
func (d *Doctor) clone() *Doctor {
	c := &Doctor{Matricula: d.Matricula, Name: d.Name}
	if d.specialties != nil {
		c.specialties = d.specialties.clone()
	} else {
		c.specialties = newSpecialtySet()
	}
	return c
}

// normalized returns a clone with trimmed identity fields. A nil doctor
// stays nil.
func (d *Doctor) normalized() *Doctor {
	if d == nil {
		return nil
	}
	c := d.clone()
	c.Matricula = strings.TrimSpace(c.Matricula)
	c.Name = strings.TrimSpace(c.Name)
	return c
}

// Specialties returns the doctor's specialties in insertion order.
func (d *Doctor) Specialties() []Specialty {
	if d.specialties == nil {
		return nil
	}
	return d.specialties.list()
}

// Specialty looks a specialty up by name, ignoring case and accents.
func (d *Doctor) Specialty(name string) (Specialty, bool) {
	if d.specialties == nil {
		return Specialty{}, false
	}
	return d.specialties.get(name)
}

// Offers reports whether the doctor offers the named specialty on wd.
func (d *Doctor) Offers(specialty string, wd time.Weekday) bool {
	sp, ok := d.Specialty(specialty)
	return ok && sp.Offers(wd)
}

// SpecialtyOn returns the first specialty, in insertion order, offered on wd.
func (d *Doctor) SpecialtyOn(wd time.Weekday) (Specialty, bool) {
	for _, sp := range d.Specialties() {
		if sp.Offers(wd) {
			return sp, true
		}
	}
	return Specialty{}, false
}

func (d *Doctor) String() string {
	names := make([]string, 0)
	for _, sp := range d.Specialties() {
		names = append(names, sp.String())
	}
	return fmt.Sprintf("Doctor(Matricula: %s, Name: %s, Specialties: [%s])", d.Matricula, d.Name, strings.Join(names, ", "))
}

func (d *Doctor) MarshalJSON() ([]byte, error) {
	specialties := d.Specialties()
	if specialties == nil {
		specialties = []Specialty{}
	}
	return json.Marshal(struct {
		Matricula   string      `json:"matricula"`
		Name        string      `json:"name"`
		Specialties []Specialty `json:"specialties"`
	}{Matricula: d.Matricula, Name: d.Name, Specialties: specialties})
}

func (d *Doctor) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Practitioner",
		"id":           d.Matricula,
		"identifier":   []fhir.Identifier{{Use: "official", System: MatriculaSystem, Value: d.Matricula}},
		"name":         []fhir.HumanName{{Use: "official", Text: d.Name}},
	}
	var quals []map[string]interface{}
	for _, sp := range d.Specialties() {
		quals = append(quals, map[string]interface{}{
			"code": fhir.CodeableConcept{Text: sp.Name},
			"extension": []fhir.Extension{{
				URL:         AvailableDaysExtension,
				ValueString: strings.Join(sp.DayNames(), ","),
			}},
		})
	}
	if len(quals) > 0 {
		result["qualification"] = quals
	}
	return result
}

// Appointment binds a patient and a doctor to an instant and a specialty.
// Patient and Doctor point at the registry's records.
type Appointment struct {
	ID        uuid.UUID
	Patient   *Patient
	Doctor    *Doctor
	Time      time.Time
	Specialty string
	CreatedAt time.Time
}

func (a Appointment) String() string {
	return fmt.Sprintf("Patient: %s, Doctor: %s, Time: %s, Specialty: %s",
		a.Patient.Name, a.Doctor.Name, a.Time.Format("02/01/2006 15:04"), a.Specialty)
}

func (a Appointment) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID              uuid.UUID `json:"id"`
		PatientID       string    `json:"patient_id"`
		PatientName     string    `json:"patient_name"`
		DoctorMatricula string    `json:"doctor_matricula"`
		DoctorName      string    `json:"doctor_name"`
		Specialty       string    `json:"specialty"`
		Time            time.Time `json:"time"`
		CreatedAt       time.Time `json:"created_at"`
	}{
		ID:              a.ID,
		PatientID:       a.Patient.ID,
		PatientName:     a.Patient.Name,
		DoctorMatricula: a.Doctor.Matricula,
		DoctorName:      a.Doctor.Name,
		Specialty:       a.Specialty,
		Time:            a.Time,
		CreatedAt:       a.CreatedAt,
	})
}

func (a Appointment) ToFHIR() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Appointment",
		"id":           a.ID.String(),
		"status":       "booked",
		"specialty":    []fhir.CodeableConcept{{Text: a.Specialty}},
		"start":        a.Time.Format(time.RFC3339),
		"created":      a.CreatedAt.Format(time.RFC3339),
		"participant": []map[string]interface{}{
			{
				"actor":  fhir.Reference{Reference: fhir.FormatReference("Patient", a.Patient.ID), Display: a.Patient.Name},
				"status": "accepted",
			},
			{
				"actor":  fhir.Reference{Reference: fhir.FormatReference("Practitioner", a.Doctor.Matricula), Display: a.Doctor.Name},
				"status": "accepted",
			},
		},
		"meta": fhir.Meta{LastUpdated: a.CreatedAt},
	}
}

// Prescription is stamped with its issue time by the Registry.
type Prescription struct {
	ID          uuid.UUID
	Patient     *Patient
	Doctor      *Doctor
	IssuedAt    time.Time
	medications []string
}

// detached returns a copy whose patient and doctor do not alias the
// registry's records.
func (a *Appointment) detached() Appointment {
	c := *a
	if a.Patient != nil {
		p := *a.Patient
		c.Patient = &p
	}
	if a.Doctor != nil {
		c.Doctor = a.Doctor.clone()
	}
	return c
}

func (p *Prescription) detached() Prescription {
	c := *p
	if p.Patient != nil {
		pt := *p.Patient
		c.Patient = &pt
	}
	if p.Doctor != nil {
		c.Doctor = p.Doctor.clone()
	}
	c.medications = p.Medications()
	return c
}

// Medications returns the prescribed medication names in order.
func (p Prescription) Medications() []string {
	out := make([]string, len(p.medications))
	copy(out, p.medications)
	return out
}

func (p Prescription) String() string {
	return fmt.Sprintf("Prescription (Patient: %s (DNI: %s), Doctor: %s (Matricula: %s), Medications: %s, Date: %s)",
		p.Patient.Name, p.Patient.ID, p.Doctor.Name, p.Doctor.Matricula,
		strings.Join(p.medications, ", "), p.IssuedAt.Format("02/01/2006"))
}

func (p Prescription) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID              uuid.UUID `json:"id"`
		PatientID       string    `json:"patient_id"`
		DoctorMatricula string    `json:"doctor_matricula"`
		DoctorName      string    `json:"doctor_name"`
		Medications     []string  `json:"medications"`
		IssuedAt        time.Time `json:"issued_at"`
	}{
		ID:              p.ID,
		PatientID:       p.Patient.ID,
		DoctorMatricula: p.Doctor.Matricula,
		DoctorName:      p.Doctor.Name,
		Medications:     p.Medications(),
		IssuedAt:        p.IssuedAt,
	})
}

// ToFHIR renders one MedicationRequest per medication. The requests share a
// groupIdentifier carrying the prescription id.
func (p Prescription) ToFHIR() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(p.medications))
	for i, med := range p.medications {
		out = append(out, map[string]interface{}{
			"resourceType":              "MedicationRequest",
			"id":                        fmt.Sprintf("%s-%d", p.ID, i+1),
			"status":                    "active",
			"intent":                    "order",
			"groupIdentifier":           fhir.Identifier{Value: p.ID.String()},
			"medicationCodeableConcept": fhir.CodeableConcept{Text: med},
			"subject":                   fhir.Reference{Reference: fhir.FormatReference("Patient", p.Patient.ID)},
			"requester":                 fhir.Reference{Reference: fhir.FormatReference("Practitioner", p.Doctor.Matricula)},
			"authoredOn":                p.IssuedAt.Format(time.RFC3339),
		})
	}
	return out
}

// ClinicalHistory is the per-patient log of appointments and prescriptions.
// Values handed out by the Registry are snapshots.
type ClinicalHistory struct {
	Patient       *Patient
	appointments  []*Appointment
	prescriptions []*Prescription
}

// Appointments returns the patient's appointments in booking order.
func (h *ClinicalHistory) Appointments() []Appointment {
	out := make([]Appointment, len(h.appointments))
	for i, a := range h.appointments {
		out[i] = a.detached()
	}
	return out
}

// Prescriptions returns the patient's prescriptions in issue order.
func (h *ClinicalHistory) Prescriptions() []Prescription {
	out := make([]Prescription, len(h.prescriptions))
	for i, p := range h.prescriptions {
		out[i] = p.detached()
	}
	return out
}

// snapshot deep-copies the history so nothing in it aliases registry state.
func (h *ClinicalHistory) snapshot() *ClinicalHistory {
	patient := *h.Patient
	c := &ClinicalHistory{
		Patient:       &patient,
		appointments:  make([]*Appointment, len(h.appointments)),
		prescriptions: make([]*Prescription, len(h.prescriptions)),
	}
	for i, a := range h.appointments {
		cp := a.detached()
		cp.Patient = &patient
		c.appointments[i] = &cp
	}
	for i, p := range h.prescriptions {
		cp := p.detached()
		cp.Patient = &patient
		c.prescriptions[i] = &cp
	}
	return c
}

func (h *ClinicalHistory) String() string {
	return fmt.Sprintf("Clinical history of %s (DNI: %s) appointments: %d prescriptions: %d",
		h.Patient.Name, h.Patient.ID, len(h.appointments), len(h.prescriptions))
}

func (h *ClinicalHistory) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Patient       *Patient       `json:"patient"`
		Appointments  []Appointment  `json:"appointments"`
		Prescriptions []Prescription `json:"prescriptions"`
	}{Patient: h.Patient, Appointments: h.Appointments(), Prescriptions: h.Prescriptions()})
}

// ToFHIR lists the patient followed by every history entry, appointments
// first, suitable for a Patient/$everything collection.
func (h *ClinicalHistory) ToFHIR() []map[string]interface{} {
	out := []map[string]interface{}{h.Patient.ToFHIR()}
	for _, a := range h.appointments {
		out = append(out, a.ToFHIR())
	}
	for _, p := range h.prescriptions {
		out = append(out, p.ToFHIR()...)
	}
	return out
}
