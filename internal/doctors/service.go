// Package doctors wraps the doctor catalog endpoints: listing with filters,
// specializations and single-doctor detail. No caching happens here; the
// query cache sits in front of these calls.
package doctors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/docline/docline-go/internal/apiclient"
	"github.com/docline/docline-go/internal/normalize"
)

// Service issues doctor catalog calls against the remote API.
type Service struct {
	client *apiclient.Client
}

func NewService(client *apiclient.Client) *Service {
	return &Service{client: client}
}

// Filters narrow a doctor listing. Zero fields are omitted from the request
// and from the cache key.
type Filters struct {
	Specialization string
	Search         string
	Page           int
	Limit          int
}

// Params returns the effective query parameters, used both for the request
// and for cache-key canonicalization.
func (f Filters) Params() map[string]any {
	return map[string]any{
		"specialization": f.Specialization,
		"search":         f.Search,
		"page":           f.Page,
		"limit":          f.Limit,
	}
}

func (f Filters) query() url.Values {
	q := url.Values{}
	if f.Specialization != "" {
		q.Set("specialization", f.Specialization)
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

// List returns one page of doctors matching the filters.
func (s *Service) List(ctx context.Context, f Filters) (normalize.Page[normalize.Doctor], error) {
	var raw json.RawMessage
	if err := s.client.Send(ctx, http.MethodGet, "/doctors", nil, f.query(), &raw); err != nil {
		return normalize.Page[normalize.Doctor]{}, err
	}
	page, err := normalize.ParsePage(raw, normalize.ParseDoctor)
	if err != nil {
		return normalize.Page[normalize.Doctor]{}, fmt.Errorf("doctors: list: %w", err)
	}
	return page, nil
}

// Specializations returns the full specialization catalog.
func (s *Service) Specializations(ctx context.Context) ([]normalize.Specialization, error) {
	var raw []json.RawMessage
	if err := s.client.Send(ctx, http.MethodGet, "/doctors/specializations", nil, nil, &raw); err != nil {
		return nil, err
	}
	specs := make([]normalize.Specialization, 0, len(raw))
	for _, item := range raw {
		spec, err := normalize.ParseSpecialization(item)
		if err != nil {
			return nil, fmt.Errorf("doctors: specializations: %w", err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ByID returns a single doctor.
func (s *Service) ByID(ctx context.Context, id string) (normalize.Doctor, error) {
	if id == "" {
		return normalize.Doctor{}, errors.New("doctors: id is required")
	}
	var raw json.RawMessage
	if err := s.client.Send(ctx, http.MethodGet, "/doctors/"+url.PathEscape(id), nil, nil, &raw); err != nil {
		return normalize.Doctor{}, err
	}
	doctor, err := normalize.ParseDoctor(raw)
	if err != nil {
		return normalize.Doctor{}, fmt.Errorf("doctors: by id %s: %w", id, err)
	}
	return doctor, nil
}
