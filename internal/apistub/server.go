// Package apistub is an in-memory double of the remote DocLine API, used by
// integration tests and local development. It speaks the documented wire
// contract: bearer-token auth, a {success, data, message} envelope and
// {data, pagination} pages, so the client stack can run end to end without
// the third-party backend.
package apistub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/docline/docline-go/pkg/logging"
)

type user struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Role     string `json:"role"`
	Password string `json:"-"`
}

type doctor struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Email          string  `json:"email"`
	Specialization string  `json:"specialization"`
	Fee            float64 `json:"fee"`
	Available      bool    `json:"available"`
}

type appointment struct {
	ID          string `json:"id"`
	DoctorID    string `json:"doctor_id"`
	DoctorName  string `json:"doctor_name"`
	PatientID   string `json:"patient_id"`
	PatientName string `json:"patient_name"`
	Date        string `json:"date"`
	Status      string `json:"status"`
	Notes       string `json:"notes,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Server is the stub backend. All state is in memory and guarded by one
// mutex; it is not a production server.
type Server struct {
	mu           sync.Mutex
	users        map[string]*user // by email
	usersByID    map[string]*user
	doctors      map[string]*doctor
	appointments map[string]*appointment
	tokens       map[string]string // token -> user id

	logger *logging.Logger
	router chi.Router
}

// New creates a stub server pre-seeded with a small doctor catalog.
func New(logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		users:        make(map[string]*user),
		usersByID:    make(map[string]*user),
		doctors:      make(map[string]*doctor),
		appointments: make(map[string]*appointment),
		tokens:       make(map[string]string),
		logger:       logger.Component("apistub"),
	}
	s.seed()
	s.routes()
	return s
}

// Handler returns the stub's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/register/patient", s.handleRegisterPatient)
		r.Post("/auth/register/doctor", s.handleRegisterDoctor)

		r.Get("/doctors", s.handleListDoctors)
		r.Get("/doctors/specializations", s.handleSpecializations)
		r.Get("/doctors/{id}", s.handleGetDoctor)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/appointments", s.handleCreateAppointment)
			r.Get("/appointments/patient", s.handlePatientAppointments)
			r.Get("/appointments/doctor", s.handleDoctorAppointments)
			r.Patch("/appointments/{id}/status", s.handleUpdateStatus)
		})
	})
	s.router = r
}

func (s *Server) seed() {
	seedDoctors := []struct {
		name, email, spec string
		fee               float64
	}{
		{"Dr. Ada Lovelace", "ada@docline.example", "Cardiology", 150},
		{"Dr. Grace Hopper", "grace@docline.example", "Dermatology", 120},
		{"Dr. Linus Pauling", "linus@docline.example", "Cardiology", 180},
	}
	for _, d := range seedDoctors {
		id := uuid.NewString()
		s.doctors[id] = &doctor{
			ID: id, Name: d.name, Email: d.email,
			Specialization: d.spec, Fee: d.fee, Available: true,
		}
		u := &user{ID: id, Name: d.name, Email: d.email, Role: "DOCTOR", Password: "password123"}
		s.users[u.Email] = u
		s.usersByID[u.ID] = u
	}
}

// SeedPatient registers a patient account directly, bypassing the HTTP
// surface. Tests use it to start from a known state.
func (s *Server) SeedPatient(name, email, password string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &user{ID: uuid.NewString(), Name: name, Email: email, Role: "PATIENT", Password: password}
	s.users[u.Email] = u
	s.usersByID[u.ID] = u
	return u.ID
}

// SeedAppointment creates an appointment directly. Returns its id.
func (s *Server) SeedAppointment(doctorID, patientID, date string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC().Format(time.RFC3339)
	a := &appointment{
		ID:       uuid.NewString(),
		DoctorID: doctorID, PatientID: patientID,
		Date: date, Status: "PENDING",
		CreatedAt: now, UpdatedAt: now,
	}
	if d, ok := s.doctors[doctorID]; ok {
		a.DoctorName = d.Name
	}
	if p, ok := s.usersByID[patientID]; ok {
		a.PatientName = p.Name
	}
	s.appointments[a.ID] = a
	return a.ID
}

// DoctorIDs returns the seeded doctor ids, for tests.
func (s *Server) DoctorIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.doctors))
	for id := range s.doctors {
		ids = append(ids, id)
	}
	return ids
}

// TokenFor issues a bearer token for an already-seeded user, for tests.
func (s *Server) TokenFor(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := "tok-" + uuid.NewString()
	s.tokens[token] = userID
	return token
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		s.mu.Lock()
		userID, ok := s.tokens[token]
		s.mu.Unlock()
		if header == "" || !ok {
			writeError(w, http.StatusUnauthorized, "authentication required", nil)
			return
		}
		r.Header.Set("X-Stub-User", userID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) currentUser(r *http.Request) *user {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usersByID[r.Header.Get("X-Stub-User")]
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	s.mu.Lock()
	u, ok := s.users[req.Email]
	if !ok || u.Password != req.Password || (req.Role != "" && u.Role != req.Role) {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid credentials", nil)
		return
	}
	token := "tok-" + uuid.NewString()
	s.tokens[token] = u.ID
	s.mu.Unlock()

	writeData(w, http.StatusOK, map[string]any{"user": u, "token": token})
}

func (s *Server) handleRegisterPatient(w http.ResponseWriter, r *http.Request) {
	s.register(w, r, "PATIENT")
}

func (s *Server) handleRegisterDoctor(w http.ResponseWriter, r *http.Request) {
	s.register(w, r, "DOCTOR")
}

func (s *Server) register(w http.ResponseWriter, r *http.Request, role string) {
	var req struct {
		Name           string  `json:"name"`
		Email          string  `json:"email"`
		Password       string  `json:"password"`
		Phone          string  `json:"phone"`
		Specialization string  `json:"specialization"`
		Fee            float64 `json:"fee"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	fields := map[string]string{}
	if strings.TrimSpace(req.Name) == "" {
		fields["name"] = "name is required"
	}
	if !strings.Contains(req.Email, "@") {
		fields["email"] = "invalid email"
	}
	if len(req.Password) < 8 {
		fields["password"] = "password must be at least 8 characters"
	}
	if role == "DOCTOR" && strings.TrimSpace(req.Specialization) == "" {
		fields["specialization"] = "specialization is required"
	}
	if len(fields) > 0 {
		writeError(w, http.StatusBadRequest, "validation failed", fields)
		return
	}

	s.mu.Lock()
	if _, exists := s.users[req.Email]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "validation failed", map[string]string{"email": "email already registered"})
		return
	}
	u := &user{
		ID: uuid.NewString(), Name: req.Name, Email: req.Email,
		Phone: req.Phone, Role: role, Password: req.Password,
	}
	s.users[u.Email] = u
	s.usersByID[u.ID] = u
	if role == "DOCTOR" {
		s.doctors[u.ID] = &doctor{
			ID: u.ID, Name: u.Name, Email: u.Email,
			Specialization: req.Specialization, Fee: req.Fee, Available: true,
		}
	}
	token := "tok-" + uuid.NewString()
	s.tokens[token] = u.ID
	s.mu.Unlock()

	writeData(w, http.StatusCreated, map[string]any{"user": u, "token": token})
}

func (s *Server) handleListDoctors(w http.ResponseWriter, r *http.Request) {
	spec := r.URL.Query().Get("specialization")
	search := strings.ToLower(r.URL.Query().Get("search"))
	page, limit := pageParams(r)

	s.mu.Lock()
	matched := make([]*doctor, 0, len(s.doctors))
	for _, d := range s.doctors {
		if spec != "" && d.Specialization != spec {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(d.Name), search) {
			continue
		}
		matched = append(matched, d)
	}
	s.mu.Unlock()

	sortByID(matched)
	pageItems, pagination := paginate(matched, page, limit)
	writeData(w, http.StatusOK, map[string]any{"data": pageItems, "pagination": pagination})
}

func (s *Server) handleSpecializations(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	seen := map[string]bool{}
	specs := []map[string]string{}
	for _, d := range s.doctors {
		if seen[d.Specialization] {
			continue
		}
		seen[d.Specialization] = true
		specs = append(specs, map[string]string{"id": d.Specialization, "name": d.Specialization})
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, specs)
}

func (s *Server) handleGetDoctor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	d, ok := s.doctors[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "doctor not found", nil)
		return
	}
	writeData(w, http.StatusOK, d)
}

func (s *Server) handleCreateAppointment(w http.ResponseWriter, r *http.Request) {
	u := s.currentUser(r)
	if u == nil || u.Role != "PATIENT" {
		writeError(w, http.StatusForbidden, "only patients can book appointments", nil)
		return
	}

	var req struct {
		DoctorID string `json:"doctor_id"`
		Date     string `json:"date"`
		Notes    string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	s.mu.Lock()
	d, ok := s.doctors[req.DoctorID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "validation failed", map[string]string{"doctor_id": "unknown doctor"})
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	a := &appointment{
		ID:       uuid.NewString(),
		DoctorID: d.ID, DoctorName: d.Name,
		PatientID: u.ID, PatientName: u.Name,
		Date: req.Date, Status: "PENDING", Notes: req.Notes,
		CreatedAt: now, UpdatedAt: now,
	}
	s.appointments[a.ID] = a
	s.mu.Unlock()

	s.logger.Info("appointment created", "id", a.ID, "doctor", d.Name)
	writeData(w, http.StatusCreated, a)
}

func (s *Server) handlePatientAppointments(w http.ResponseWriter, r *http.Request) {
	u := s.currentUser(r)
	s.listAppointments(w, r, func(a *appointment) bool { return u != nil && a.PatientID == u.ID })
}

func (s *Server) handleDoctorAppointments(w http.ResponseWriter, r *http.Request) {
	u := s.currentUser(r)
	s.listAppointments(w, r, func(a *appointment) bool { return u != nil && a.DoctorID == u.ID })
}

func (s *Server) listAppointments(w http.ResponseWriter, r *http.Request, owned func(*appointment) bool) {
	status := r.URL.Query().Get("status")
	page, limit := pageParams(r)

	s.mu.Lock()
	matched := make([]*appointment, 0, len(s.appointments))
	for _, a := range s.appointments {
		if !owned(a) {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		matched = append(matched, a)
	}
	s.mu.Unlock()

	sortByID(matched)
	pageItems, pagination := paginate(matched, page, limit)
	writeData(w, http.StatusOK, map[string]any{"data": pageItems, "pagination": pagination})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	u := s.currentUser(r)
	id := chi.URLParam(r, "id")

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	s.mu.Lock()
	a, ok := s.appointments[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "appointment not found", nil)
		return
	}
	if u == nil || (a.PatientID != u.ID && a.DoctorID != u.ID) {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "not your appointment", nil)
		return
	}
	if req.Status != "COMPLETED" && req.Status != "CANCELLED" {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "validation failed", map[string]string{"status": "status must be COMPLETED or CANCELLED"})
		return
	}
	if a.Status != "PENDING" {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, fmt.Sprintf("appointment is already %s", a.Status), nil)
		return
	}
	a.Status = req.Status
	a.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	out := *a
	s.mu.Unlock()

	writeData(w, http.StatusOK, out)
}

func pageParams(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}
	return page, limit
}

func paginate[T any](items []T, page, limit int) ([]T, map[string]int) {
	total := len(items)
	totalPages := (total + limit - 1) / limit
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return items[start:end], map[string]int{
		"page": page, "limit": limit, "total": total, "totalPages": totalPages,
	}
}

func sortByID[T interface{ key() string }](items []T) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].key() < items[j-1].key(); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func (d *doctor) key() string      { return d.ID }
func (a *appointment) key() string { return a.ID }

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, message string, fields map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"success": false, "message": message}
	if len(fields) > 0 {
		body["errors"] = fields
	}
	_ = json.NewEncoder(w).Encode(body)
}
