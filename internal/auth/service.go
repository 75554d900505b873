// Package auth wraps the remote API's authentication endpoints. Each
// operation performs exactly one transport call and normalizes the result;
// session state lives in the session package, never here.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/docline/docline-go/internal/apiclient"
	"github.com/docline/docline-go/internal/normalize"
)

// Service issues authentication calls against the remote API.
type Service struct {
	client *apiclient.Client
}

func NewService(client *apiclient.Client) *Service {
	return &Service{client: client}
}

// Credentials is a successful authentication result.
type Credentials struct {
	User  normalize.User
	Token string
}

// LoginRequest carries the login form fields.
type LoginRequest struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Role     normalize.Role `json:"role"`
}

func (r LoginRequest) validate() error {
	if strings.TrimSpace(r.Email) == "" || !strings.Contains(r.Email, "@") {
		return errors.New("auth: a valid email is required")
	}
	if r.Password == "" {
		return errors.New("auth: password is required")
	}
	return nil
}

// RegisterPatientRequest carries the patient registration form fields.
type RegisterPatientRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone,omitempty"`
}

func (r RegisterPatientRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("auth: name is required")
	}
	if strings.TrimSpace(r.Email) == "" || !strings.Contains(r.Email, "@") {
		return errors.New("auth: a valid email is required")
	}
	if len(r.Password) < 8 {
		return errors.New("auth: password must be at least 8 characters")
	}
	return nil
}

// RegisterDoctorRequest carries the doctor registration form fields.
type RegisterDoctorRequest struct {
	Name           string  `json:"name"`
	Email          string  `json:"email"`
	Password       string  `json:"password"`
	Phone          string  `json:"phone,omitempty"`
	Specialization string  `json:"specialization"`
	Fee            float64 `json:"fee,omitempty"`
}

func (r RegisterDoctorRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("auth: name is required")
	}
	if strings.TrimSpace(r.Email) == "" || !strings.Contains(r.Email, "@") {
		return errors.New("auth: a valid email is required")
	}
	if len(r.Password) < 8 {
		return errors.New("auth: password must be at least 8 characters")
	}
	if strings.TrimSpace(r.Specialization) == "" {
		return errors.New("auth: specialization is required")
	}
	return nil
}

// Login authenticates an existing user.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*Credentials, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return s.authenticate(ctx, "/auth/login", req)
}

// RegisterPatient creates a patient account and returns its credentials.
func (s *Service) RegisterPatient(ctx context.Context, req RegisterPatientRequest) (*Credentials, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return s.authenticate(ctx, "/auth/register/patient", req)
}

// RegisterDoctor creates a doctor account and returns its credentials.
func (s *Service) RegisterDoctor(ctx context.Context, req RegisterDoctorRequest) (*Credentials, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return s.authenticate(ctx, "/auth/register/doctor", req)
}

func (s *Service) authenticate(ctx context.Context, path string, body any) (*Credentials, error) {
	var out struct {
		User  json.RawMessage `json:"user"`
		Token string          `json:"token"`
	}
	if err := s.client.Send(ctx, http.MethodPost, path, body, nil, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, fmt.Errorf("auth: %s returned no token", path)
	}
	user, err := normalize.ParseUser(out.User)
	if err != nil {
		return nil, fmt.Errorf("auth: %s: %w", path, err)
	}
	return &Credentials{User: user, Token: out.Token}, nil
}
