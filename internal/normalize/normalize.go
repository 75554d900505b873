// Package normalize coerces the remote API's heterogeneous payloads into
// canonical entity shapes. Backends in the wild mix snake_case and camelCase
// field names and stringly-typed numbers; everything here is a pure function
// and idempotent, so normalizing an already-canonical payload is a no-op.
package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseError is a typed parse failure naming the entity and field that could
// not be coerced.
type ParseError struct {
	Entity string
	Field  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("normalize: %s: missing or invalid field %q", e.Entity, e.Field)
}

// ParseUser normalizes a raw user payload.
func ParseUser(raw json.RawMessage) (User, error) {
	m, err := asObject(raw)
	if err != nil {
		return User{}, &ParseError{Entity: "user", Field: "(root)"}
	}
	id := pickString(m, "id", "_id", "user_id", "userId")
	if id == "" {
		return User{}, &ParseError{Entity: "user", Field: "id"}
	}
	return User{
		ID:    id,
		Name:  pickString(m, "name", "full_name", "fullName"),
		Email: pickString(m, "email"),
		Phone: pickString(m, "phone", "phone_number", "phoneNumber"),
		Role:  Role(strings.ToUpper(pickString(m, "role"))),
	}, nil
}

// ParseSpecialization normalizes a raw specialization payload.
func ParseSpecialization(raw json.RawMessage) (Specialization, error) {
	// Some backends return bare strings for specializations.
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		if name == "" {
			return Specialization{}, &ParseError{Entity: "specialization", Field: "name"}
		}
		return Specialization{ID: name, Name: name}, nil
	}

	m, err := asObject(raw)
	if err != nil {
		return Specialization{}, &ParseError{Entity: "specialization", Field: "(root)"}
	}
	name = pickString(m, "name", "specialization")
	if name == "" {
		return Specialization{}, &ParseError{Entity: "specialization", Field: "name"}
	}
	id := pickString(m, "id", "_id")
	if id == "" {
		id = name
	}
	return Specialization{ID: id, Name: name}, nil
}

// ParseDoctor normalizes a raw doctor payload.
func ParseDoctor(raw json.RawMessage) (Doctor, error) {
	m, err := asObject(raw)
	if err != nil {
		return Doctor{}, &ParseError{Entity: "doctor", Field: "(root)"}
	}
	id := pickString(m, "id", "_id", "doctor_id", "doctorId")
	if id == "" {
		return Doctor{}, &ParseError{Entity: "doctor", Field: "id"}
	}
	available := true
	if v, ok := pickBool(m, "available", "is_available", "isAvailable"); ok {
		available = v
	}
	return Doctor{
		ID:             id,
		Name:           pickString(m, "name", "full_name", "fullName"),
		Email:          pickString(m, "email"),
		Specialization: pickString(m, "specialization", "specialty"),
		Fee:            pickFloat(m, "fee", "consultation_fee", "consultationFee"),
		Available:      available,
	}, nil
}

// ParseAppointment normalizes a raw appointment payload. Doctor and patient
// may arrive either as flat id fields or as nested objects.
func ParseAppointment(raw json.RawMessage) (Appointment, error) {
	m, err := asObject(raw)
	if err != nil {
		return Appointment{}, &ParseError{Entity: "appointment", Field: "(root)"}
	}
	id := pickString(m, "id", "_id", "appointment_id", "appointmentId")
	if id == "" {
		return Appointment{}, &ParseError{Entity: "appointment", Field: "id"}
	}

	appt := Appointment{
		ID:          id,
		DoctorID:    pickString(m, "doctor_id", "doctorId"),
		DoctorName:  pickString(m, "doctor_name", "doctorName"),
		PatientID:   pickString(m, "patient_id", "patientId"),
		PatientName: pickString(m, "patient_name", "patientName"),
		Date:        pickTime(m, "date", "appointment_date", "appointmentDate", "scheduled_at", "scheduledAt"),
		Status:      AppointmentStatus(strings.ToUpper(pickString(m, "status"))),
		CreatedAt:   pickTime(m, "created_at", "createdAt"),
		UpdatedAt:   pickTime(m, "updated_at", "updatedAt"),
	}

	if doc, ok := nested(m, "doctor"); ok {
		if appt.DoctorID == "" {
			appt.DoctorID = pickString(doc, "id", "_id")
		}
		if appt.DoctorName == "" {
			appt.DoctorName = pickString(doc, "name", "full_name", "fullName")
		}
	}
	if pat, ok := nested(m, "patient"); ok {
		if appt.PatientID == "" {
			appt.PatientID = pickString(pat, "id", "_id")
		}
		if appt.PatientName == "" {
			appt.PatientName = pickString(pat, "name", "full_name", "fullName")
		}
	}
	return appt, nil
}

// ParsePagination normalizes pagination metadata, coercing string numbers
// and computing totalPages when the backend omits it.
func ParsePagination(raw json.RawMessage) Pagination {
	m, err := asObject(raw)
	if err != nil {
		return Pagination{Page: 1}
	}
	p := Pagination{
		Page:       pickInt(m, "page", "current_page", "currentPage"),
		Limit:      pickInt(m, "limit", "per_page", "perPage"),
		Total:      pickInt(m, "total", "total_count", "totalCount"),
		TotalPages: pickInt(m, "totalPages", "total_pages"),
	}
	if p.Page == 0 {
		p.Page = 1
	}
	if p.TotalPages == 0 && p.Limit > 0 {
		p.TotalPages = (p.Total + p.Limit - 1) / p.Limit
	}
	return p
}

// ParsePage normalizes a paginated collection using the given element parser.
func ParsePage[T any](raw json.RawMessage, parse func(json.RawMessage) (T, error)) (Page[T], error) {
	var envelope struct {
		Data       []json.RawMessage `json:"data"`
		Pagination json.RawMessage   `json:"pagination"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		// A bare array means the backend skipped pagination metadata.
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return Page[T]{}, &ParseError{Entity: "page", Field: "data"}
		}
		envelope.Data = items
	}

	page := Page[T]{
		Data:       make([]T, 0, len(envelope.Data)),
		Pagination: ParsePagination(envelope.Pagination),
	}
	for _, item := range envelope.Data {
		v, err := parse(item)
		if err != nil {
			return Page[T]{}, err
		}
		page.Data = append(page.Data, v)
	}
	if page.Pagination.Total == 0 {
		page.Pagination.Total = len(page.Data)
	}
	if page.Pagination.Limit == 0 {
		page.Pagination.Limit = len(page.Data)
	}
	if page.Pagination.TotalPages == 0 && page.Pagination.Limit > 0 {
		page.Pagination.TotalPages = (page.Pagination.Total + page.Pagination.Limit - 1) / page.Pagination.Limit
	}
	return page, nil
}

func asObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nested(m map[string]json.RawMessage, key string) (map[string]json.RawMessage, bool) {
	raw, ok := m[key]
	if !ok {
		return nil, false
	}
	obj, err := asObject(raw)
	if err != nil {
		return nil, false
	}
	return obj, true
}

// pickString returns the first key that decodes to a non-empty string.
// Numbers are stringified so numeric ids survive.
func pickString(m map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := m[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil && n.String() != "" {
			return n.String()
		}
	}
	return ""
}

func pickInt(m map[string]json.RawMessage, keys ...string) int {
	for _, key := range keys {
		raw, ok := m[key]
		if !ok {
			continue
		}
		var n int
		if err := json.Unmarshal(raw, &n); err == nil {
			return n
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				return v
			}
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return int(f)
		}
	}
	return 0
}

func pickFloat(m map[string]json.RawMessage, keys ...string) float64 {
	for _, key := range keys {
		raw, ok := m[key]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return f
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return v
			}
		}
	}
	return 0
}

func pickBool(m map[string]json.RawMessage, keys ...string) (bool, bool) {
	for _, key := range keys {
		raw, ok := m[key]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b, true
		}
	}
	return false, false
}

func pickTime(m map[string]json.RawMessage, keys ...string) time.Time {
	for _, key := range keys {
		raw, ok := m[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}
