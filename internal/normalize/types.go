package normalize

import "time"

// Role identifies which side of the appointment a user is on.
type Role string

const (
	RolePatient Role = "PATIENT"
	RoleDoctor  Role = "DOCTOR"
)

// AppointmentStatus is the lifecycle state of an appointment. PENDING is the
// only non-terminal state.
type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "PENDING"
	StatusCompleted AppointmentStatus = "COMPLETED"
	StatusCancelled AppointmentStatus = "CANCELLED"
)

// Known reports whether s is one of the documented statuses.
func (s AppointmentStatus) Known() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether the backend permits moving from s to next.
func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	return s == StatusPending && (next == StatusCompleted || next == StatusCancelled)
}

// User is the canonical authenticated-user shape.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
	Role  Role   `json:"role"`
}

// Specialization is a medical specialty doctors register under.
type Specialization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Doctor is the canonical doctor shape.
type Doctor struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Email          string  `json:"email,omitempty"`
	Specialization string  `json:"specialization"`
	Fee            float64 `json:"fee,omitempty"`
	Available      bool    `json:"available"`
}

// Appointment is the canonical appointment shape. Status keeps whatever the
// backend reported; DisplayStatus maps unknown values to PENDING for
// rendering without rewriting the stored state.
type Appointment struct {
	ID          string            `json:"id"`
	DoctorID    string            `json:"doctor_id"`
	DoctorName  string            `json:"doctor_name,omitempty"`
	PatientID   string            `json:"patient_id"`
	PatientName string            `json:"patient_name,omitempty"`
	Date        time.Time         `json:"date"`
	Status      AppointmentStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at,omitempty"`
}

// DisplayStatus returns the status suitable for rendering. Unknown statuses
// display as PENDING; the stored value is left untouched.
func (a Appointment) DisplayStatus() AppointmentStatus {
	if a.Status.Known() {
		return a.Status
	}
	return StatusPending
}

// Pagination describes one page of a collection. Data holds that page only,
// never the full set.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// Page is one page of entities plus its pagination metadata.
type Page[T any] struct {
	Data       []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}
