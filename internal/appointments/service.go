// Package appointments wraps the appointment endpoints: creation, patient
// and doctor listings, and status updates. Each operation is one transport
// call plus normalization; optimistic cache coordination lives in the app
// facade, not here.
package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/docline/docline-go/internal/apiclient"
	"github.com/docline/docline-go/internal/normalize"
)

// Service issues appointment calls against the remote API.
type Service struct {
	client *apiclient.Client
}

func NewService(client *apiclient.Client) *Service {
	return &Service{client: client}
}

// CreateRequest books a new appointment with a doctor.
type CreateRequest struct {
	DoctorID string    `json:"doctor_id"`
	Date     time.Time `json:"date"`
	Notes    string    `json:"notes,omitempty"`
}

func (r CreateRequest) validate() error {
	if r.DoctorID == "" {
		return errors.New("appointments: doctor id is required")
	}
	if r.Date.IsZero() {
		return errors.New("appointments: date is required")
	}
	return nil
}

// ListFilters narrow an appointment listing.
type ListFilters struct {
	Status normalize.AppointmentStatus
	Page   int
	Limit  int
}

// Params returns the effective query parameters, used both for the request
// and for cache-key canonicalization.
func (f ListFilters) Params() map[string]any {
	return map[string]any{
		"status": string(f.Status),
		"page":   f.Page,
		"limit":  f.Limit,
	}
}

func (f ListFilters) query() url.Values {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

// StatusUpdate moves an appointment to a new status.
type StatusUpdate struct {
	AppointmentID string
	Status        normalize.AppointmentStatus
}

func (u StatusUpdate) validate() error {
	if u.AppointmentID == "" {
		return errors.New("appointments: appointment id is required")
	}
	if !u.Status.Known() {
		return fmt.Errorf("appointments: unknown status %q", u.Status)
	}
	return nil
}

// Create books a new appointment for the authenticated patient.
func (s *Service) Create(ctx context.Context, req CreateRequest) (normalize.Appointment, error) {
	if err := req.validate(); err != nil {
		return normalize.Appointment{}, err
	}
	var raw json.RawMessage
	if err := s.client.Send(ctx, http.MethodPost, "/appointments", req, nil, &raw); err != nil {
		return normalize.Appointment{}, err
	}
	appt, err := normalize.ParseAppointment(raw)
	if err != nil {
		return normalize.Appointment{}, fmt.Errorf("appointments: create: %w", err)
	}
	return appt, nil
}

// PatientList returns one page of the authenticated patient's appointments.
func (s *Service) PatientList(ctx context.Context, f ListFilters) (normalize.Page[normalize.Appointment], error) {
	return s.list(ctx, "/appointments/patient", f)
}

// DoctorList returns one page of the authenticated doctor's appointments.
func (s *Service) DoctorList(ctx context.Context, f ListFilters) (normalize.Page[normalize.Appointment], error) {
	return s.list(ctx, "/appointments/doctor", f)
}

func (s *Service) list(ctx context.Context, path string, f ListFilters) (normalize.Page[normalize.Appointment], error) {
	var raw json.RawMessage
	if err := s.client.Send(ctx, http.MethodGet, path, nil, f.query(), &raw); err != nil {
		return normalize.Page[normalize.Appointment]{}, err
	}
	page, err := normalize.ParsePage(raw, normalize.ParseAppointment)
	if err != nil {
		return normalize.Page[normalize.Appointment]{}, fmt.Errorf("appointments: list %s: %w", path, err)
	}
	return page, nil
}

// UpdateStatus moves an appointment to a new status and returns the
// authoritative server copy.
func (s *Service) UpdateStatus(ctx context.Context, u StatusUpdate) (normalize.Appointment, error) {
	if err := u.validate(); err != nil {
		return normalize.Appointment{}, err
	}
	body := struct {
		Status normalize.AppointmentStatus `json:"status"`
	}{Status: u.Status}

	var raw json.RawMessage
	path := "/appointments/" + url.PathEscape(u.AppointmentID) + "/status"
	if err := s.client.Send(ctx, http.MethodPatch, path, body, nil, &raw); err != nil {
		return normalize.Appointment{}, err
	}
	appt, err := normalize.ParseAppointment(raw)
	if err != nil {
		return normalize.Appointment{}, fmt.Errorf("appointments: update status: %w", err)
	}
	return appt, nil
}

// Cancel is a convenience wrapper moving an appointment to CANCELLED.
func (s *Service) Cancel(ctx context.Context, appointmentID string) (normalize.Appointment, error) {
	return s.UpdateStatus(ctx, StatusUpdate{AppointmentID: appointmentID, Status: normalize.StatusCancelled})
}

// Complete is a convenience wrapper moving an appointment to COMPLETED.
func (s *Service) Complete(ctx context.Context, appointmentID string) (normalize.Appointment, error) {
	return s.UpdateStatus(ctx, StatusUpdate{AppointmentID: appointmentID, Status: normalize.StatusCompleted})
}
