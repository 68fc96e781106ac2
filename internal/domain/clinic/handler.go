package clinic

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/fhir"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	reg *Registry
}

func NewHandler(reg *Registry) *Handler {
	return &Handler{reg: reg}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	// Read endpoints – every clinic role
	readGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleRegistrar))
	readGroup.GET("/patients", h.ListPatients)
	readGroup.GET("/patients/:id", h.GetPatient)
	readGroup.GET("/doctors", h.ListDoctors)
	readGroup.GET("/doctors/:matricula", h.GetDoctor)
	readGroup.GET("/doctors/:matricula/specialty", h.GetSpecialtyForDay)
	readGroup.GET("/appointments", h.ListAppointments)
	readGroup.GET("/stats", h.GetStats)

	// Registration – front desk
	registrar := api.Group("", auth.RequireRole(auth.RoleRegistrar))
	registrar.POST("/patients", h.CreatePatient)
	registrar.POST("/doctors", h.CreateDoctor)
	registrar.POST("/doctors/:matricula/specialties", h.AddSpecialty)

	booking := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RolePhysician))
	booking.POST("/appointments", h.CreateAppointment)

	// Clinical data – physicians only
	physician := api.Group("", auth.RequireRole(auth.RolePhysician))
	physician.GET("/patients/:id/history", h.GetHistory)
	physician.POST("/prescriptions", h.CreatePrescription)

	// FHIR read endpoints
	fhirRead := fhirGroup.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleRegistrar))
	fhirRead.GET("/Patient/:id", h.GetPatientFHIR)
	fhirRead.GET("/Practitioner/:id", h.GetPractitionerFHIR)
	fhirRead.GET("/Appointment", h.SearchAppointmentsFHIR)

	fhirClinical := fhirGroup.Group("", auth.RequireRole(auth.RolePhysician))
	fhirClinical.GET("/Patient/:id/$everything", h.PatientEverythingFHIR)
}

// -- Request bodies --

type createPatientRequest struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	BirthDate string `json:"birth_date" validate:"required"`
}

type specialtyRequest struct {
	Name string   `json:"name" validate:"required"`
	Days []string `json:"days" validate:"min=1,dive,required"`
}

type createDoctorRequest struct {
	Matricula   string             `json:"matricula" validate:"required"`
	Name        string             `json:"name" validate:"required"`
	Specialties []specialtyRequest `json:"specialties" validate:"dive"`
}

type createAppointmentRequest struct {
	PatientID string    `json:"patient_id" validate:"required"`
	Matricula string    `json:"doctor_matricula" validate:"required"`
	Specialty string    `json:"specialty" validate:"required"`
	Time      time.Time `json:"time" validate:"required"`
}

// Medications are checked by the registry so that an empty list surfaces as
// an invalid prescription rather than a malformed request.
type createPrescriptionRequest struct {
	PatientID   string   `json:"patient_id" validate:"required"`
	Matricula   string   `json:"doctor_matricula" validate:"required"`
	Medications []string `json:"medications"`
}

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return err
	}
	return nil
}

// -- Patient Handlers --

func (h *Handler) CreatePatient(c echo.Context) error {
	var req createPatientRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := NewPatient(req.ID, req.Name, req.BirthDate)
	if err != nil {
		return httpError(err)
	}
	if err := h.reg.AddPatient(p); err != nil {
		return httpError(err)
	}
	c.Response().Header().Set("Location", "/api/v1/patients/"+url.PathEscape(p.ID))
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.reg.Patient(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.Page(h.reg.Patients(), pg))
}

func (h *Handler) GetHistory(c echo.Context) error {
	hist, err := h.reg.ClinicalHistory(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, hist)
}

// -- Doctor Handlers --

func (h *Handler) CreateDoctor(c echo.Context) error {
	var req createDoctorRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	specialties := make([]Specialty, 0, len(req.Specialties))
	for _, sr := range req.Specialties {
		sp, err := NewSpecialty(sr.Name, sr.Days)
		if err != nil {
			return httpError(err)
		}
		specialties = append(specialties, sp)
	}
	d, err := NewDoctor(req.Matricula, req.Name, specialties...)
	if err != nil {
		return httpError(err)
	}
	if err := h.reg.AddDoctor(d); err != nil {
		return httpError(err)
	}
	c.Response().Header().Set("Location", "/api/v1/doctors/"+url.PathEscape(d.Matricula))
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetDoctor(c echo.Context) error {
	d, err := h.reg.Doctor(c.Param("matricula"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListDoctors(c echo.Context) error {
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.Page(h.reg.Doctors(), pg))
}

func (h *Handler) AddSpecialty(c echo.Context) error {
	var req specialtyRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	sp, err := NewSpecialty(req.Name, req.Days)
	if err != nil {
		return httpError(err)
	}
	matricula := c.Param("matricula")
	if err := h.reg.AddSpecialtyToDoctor(matricula, sp); err != nil {
		return httpError(err)
	}
	d, err := h.reg.Doctor(matricula)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GetSpecialtyForDay(c echo.Context) error {
	day := c.QueryParam("day")
	if day == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "day is required")
	}
	wd, ok := ParseWeekday(day)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown day "+day)
	}
	sp, err := h.reg.SpecialtyForDay(c.Param("matricula"), wd)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sp)
}

// -- Appointment Handlers --

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req createAppointmentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	a, err := h.reg.ScheduleAppointment(req.PatientID, req.Matricula, req.Specialty, req.Time)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, err := h.appointments(c.QueryParam("doctor"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pg))
}

func (h *Handler) appointments(matricula string) ([]Appointment, error) {
	if matricula == "" {
		return h.reg.Appointments(), nil
	}
	return h.reg.AppointmentsForDoctor(matricula)
}

// -- Prescription Handlers --

func (h *Handler) CreatePrescription(c echo.Context) error {
	var req createPrescriptionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := h.reg.IssuePrescription(req.PatientID, req.Matricula, req.Medications)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.reg.Stats())
}

// -- FHIR Endpoints --

func (h *Handler) GetPatientFHIR(c echo.Context) error {
	p, err := h.reg.Patient(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Patient", c.Param("id")))
	}
	return c.JSON(http.StatusOK, p.ToFHIR())
}

func (h *Handler) GetPractitionerFHIR(c echo.Context) error {
	d, err := h.reg.Doctor(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Practitioner", c.Param("id")))
	}
	return c.JSON(http.StatusOK, d.ToFHIR())
}

func (h *Handler) SearchAppointmentsFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	practitioner := c.QueryParam("practitioner")
	items, err := h.appointments(practitioner)
	if err != nil {
		return fhirError(c, err)
	}
	page := pagination.Slice(items, pg)
	resources := make([]map[string]interface{}, len(page))
	for i, item := range page {
		resources[i] = item.ToFHIR()
	}
	var qs string
	if practitioner != "" {
		qs = url.Values{"practitioner": {practitioner}}.Encode()
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundleWithLinks(resources, fhir.SearchBundleParams{
		BaseURL:  "/fhir/Appointment",
		QueryStr: qs,
		Count:    pg.Limit,
		Offset:   pg.Offset,
		Total:    len(items),
	}))
}

func (h *Handler) PatientEverythingFHIR(c echo.Context) error {
	hist, err := h.reg.ClinicalHistory(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Patient", c.Param("id")))
	}
	return c.JSON(http.StatusOK, fhir.NewCollectionBundle(hist.Patient.ID+"-everything", hist.ToFHIR()))
}

// -- Error mapping --

// StatusFor maps a registry error onto an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidEntity):
		return http.StatusBadRequest
	case errors.Is(err, ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateEntity), errors.Is(err, ErrDuplicateAppointment):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidAppointment), errors.Is(err, ErrInvalidPrescription):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func httpError(err error) error {
	return echo.NewHTTPError(StatusFor(err), err.Error()).SetInternal(err)
}

func outcomeFor(err error) *fhir.OperationOutcome {
	var nf *NotFoundError
	switch {
	case errors.As(err, &nf):
		resourceType := "Patient"
		if nf.Kind == KindDoctor {
			resourceType = "Practitioner"
		}
		return fhir.NotFoundOutcome(resourceType, nf.ID)
	case errors.Is(err, ErrInvalidEntity):
		var ie *InvalidEntityError
		if errors.As(err, &ie) {
			return fhir.ValidationOutcome(ie.Field, ie.Reason)
		}
		return fhir.ErrorOutcome(err.Error())
	case errors.Is(err, ErrDuplicateEntity):
		return fhir.DuplicateOutcome(err.Error())
	case errors.Is(err, ErrDuplicateAppointment):
		return fhir.ConflictOutcome(err.Error())
	case errors.Is(err, ErrInvalidAppointment), errors.Is(err, ErrInvalidPrescription):
		return fhir.BusinessRuleOutcome(err.Error())
	}
	return fhir.InternalErrorOutcome(err.Error())
}

func fhirError(c echo.Context, err error) error {
	return c.JSON(StatusFor(err), outcomeFor(err))
}
