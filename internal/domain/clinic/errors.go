package clinic

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Every error returned by the Registry unwraps to exactly one of
// these, so callers can branch with errors.Is and still read the typed payload
// with errors.As.
var (
	ErrInvalidEntity        = errors.New("invalid entity")
	ErrDuplicateEntity      = errors.New("duplicate entity")
	ErrEntityNotFound       = errors.New("entity not found")
	ErrInvalidAppointment   = errors.New("invalid appointment")
	ErrDuplicateAppointment = errors.New("duplicate appointment")
	ErrInvalidPrescription  = errors.New("invalid prescription")
)

// EntityKind names the record type an error refers to.
type EntityKind string

const (
	KindPatient   EntityKind = "patient"
	KindDoctor    EntityKind = "doctor"
	KindSpecialty EntityKind = "specialty"
)

// InvalidEntityError is returned by constructors when a required field is
// missing or malformed.
type InvalidEntityError struct {
	Kind   EntityKind
	Field  string
	Reason string
}

func (e *InvalidEntityError) Error() string {
	return fmt.Sprintf("%s: %s %s", e.Kind, e.Field, e.Reason)
}

func (e *InvalidEntityError) Unwrap() error { return ErrInvalidEntity }

// DuplicateEntityError reports a patient or doctor id that is already registered.
type DuplicateEntityError struct {
	Kind EntityKind
	ID   string
}

func (e *DuplicateEntityError) Error() string {
	return fmt.Sprintf("%s %q is already registered", e.Kind, e.ID)
}

func (e *DuplicateEntityError) Unwrap() error { return ErrDuplicateEntity }

// NotFoundError reports a reference to an unknown patient or doctor.
type NotFoundError struct {
	Kind EntityKind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrEntityNotFound }

// AppointmentRejection says why an appointment request was refused.
type AppointmentRejection string

const (
	RejectPastTimestamp       AppointmentRejection = "past-timestamp"
	RejectSpecialtyNotOffered AppointmentRejection = "specialty-not-offered"
)

// InvalidAppointmentError is returned for a timestamp that is not in the
// future, or a specialty the doctor does not offer on that weekday.
type InvalidAppointmentError struct {
	Reason    AppointmentRejection
	Matricula string
	Specialty string
	Time      time.Time
	Now       time.Time
	Weekday   time.Weekday
}

func (e *InvalidAppointmentError) Error() string {
	switch e.Reason {
	case RejectPastTimestamp:
		return fmt.Sprintf("appointment time %s is not after %s",
			e.Time.Format(time.RFC3339), e.Now.Format(time.RFC3339))
	case RejectSpecialtyNotOffered:
		return fmt.Sprintf("doctor %q does not offer specialty %q on %s",
			e.Matricula, e.Specialty, weekdayName(e.Weekday))
	}
	return string(e.Reason)
}

func (e *InvalidAppointmentError) Unwrap() error { return ErrInvalidAppointment }

// DuplicateAppointmentError reports a doctor already booked at the exact same instant.
type DuplicateAppointmentError struct {
	Matricula  string
	DoctorName string
	Time       time.Time
}

func (e *DuplicateAppointmentError) Error() string {
	return fmt.Sprintf("doctor %s (%s) already has an appointment at %s",
		e.DoctorName, e.Matricula, e.Time.Format(time.RFC3339))
}

func (e *DuplicateAppointmentError) Unwrap() error { return ErrDuplicateAppointment }

// InvalidPrescriptionError covers unknown patients or doctors and empty
// medication lists.
type InvalidPrescriptionError struct {
	PatientID string
	Matricula string
	Reason    string
}

func (e *InvalidPrescriptionError) Error() string {
	return "prescription rejected: " + e.Reason
}

func (e *InvalidPrescriptionError) Unwrap() error { return ErrInvalidPrescription }
