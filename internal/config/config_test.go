package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.APIBaseURL != "http://localhost:5000/api/v1" {
		t.Errorf("unexpected APIBaseURL: %s", cfg.APIBaseURL)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("unexpected RequestTimeout: %s", cfg.RequestTimeout)
	}
	if cfg.FetchMaxRetries != 3 {
		t.Errorf("unexpected FetchMaxRetries: %d", cfg.FetchMaxRetries)
	}
	if cfg.MutationMaxRetries != 1 {
		t.Errorf("unexpected MutationMaxRetries: %d", cfg.MutationMaxRetries)
	}
	if cfg.AppointmentsStaleTime >= cfg.DoctorsStaleTime {
		t.Error("appointments should go stale faster than doctor lists")
	}
	if cfg.DoctorsStaleTime >= cfg.SpecializationsStaleTime {
		t.Error("doctor lists should go stale faster than specializations")
	}
	if cfg.CacheTime <= cfg.AppointmentsStaleTime {
		t.Error("cache time should outlive staleness windows")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DOCLINE_API_BASE_URL", "https://api.docline.example/api/v1")
	t.Setenv("DOCLINE_REQUEST_TIMEOUT", "3s")
	t.Setenv("DOCLINE_FETCH_MAX_RETRIES", "5")
	t.Setenv("REDIS_DB", "2")

	cfg := Load()

	if cfg.APIBaseURL != "https://api.docline.example/api/v1" {
		t.Errorf("unexpected APIBaseURL: %s", cfg.APIBaseURL)
	}
	if cfg.RequestTimeout != 3*time.Second {
		t.Errorf("unexpected RequestTimeout: %s", cfg.RequestTimeout)
	}
	if cfg.FetchMaxRetries != 5 {
		t.Errorf("unexpected FetchMaxRetries: %d", cfg.FetchMaxRetries)
	}
	if cfg.RedisDB != 2 {
		t.Errorf("unexpected RedisDB: %d", cfg.RedisDB)
	}
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("DOCLINE_FETCH_MAX_RETRIES", "not-a-number")
	t.Setenv("DOCLINE_RETRY_BASE_DELAY", "soon")

	cfg := Load()

	if cfg.FetchMaxRetries != 3 {
		t.Errorf("invalid int should fall back to default, got %d", cfg.FetchMaxRetries)
	}
	if cfg.RetryBaseDelay != 250*time.Millisecond {
		t.Errorf("invalid duration should fall back to default, got %s", cfg.RetryBaseDelay)
	}
}
