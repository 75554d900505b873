// Package app wires the client data layer together: transport client,
// domain services, query cache, session store and UI state, constructed once
// per process and passed explicitly. All reads go through the cache with
// per-resource staleness windows; appointment status changes go through an
// optimistic mutation with rollback.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/docline/docline-go/internal/apiclient"
	"github.com/docline/docline-go/internal/appointments"
	"github.com/docline/docline-go/internal/auth"
	"github.com/docline/docline-go/internal/config"
	"github.com/docline/docline-go/internal/doctors"
	"github.com/docline/docline-go/internal/normalize"
	"github.com/docline/docline-go/internal/observability/metrics"
	"github.com/docline/docline-go/internal/querycache"
	"github.com/docline/docline-go/internal/session"
	"github.com/docline/docline-go/internal/uistate"
	"github.com/docline/docline-go/pkg/logging"
)

// Options carries the externally owned collaborators.
type Options struct {
	Logger *logging.Logger
	// Redis backs session persistence. Nil disables persistence; the
	// session then lives only in memory.
	Redis *redis.Client
	// Registry receives cache metrics. Nil skips registration.
	Registry prometheus.Registerer
}

// App is the assembled client data layer.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	Cache   *querycache.Store
	Session *session.Store
	UI      *uistate.Store

	doctorsSvc *doctors.Service
	apptSvc    *appointments.Service
}

// New assembles the data layer. The session store is the transport client's
// token source and its 401 hook, so it is built first and the auth service
// is bound to it afterwards.
func New(cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(cfg.LogLevel)
	}

	var cacheMetrics *metrics.CacheMetrics
	if opts.Registry != nil {
		cacheMetrics = metrics.NewCacheMetrics(opts.Registry)
	}

	cache := querycache.New(querycache.Config{
		Logger:          logger,
		Metrics:         cacheMetrics,
		MaxRetries:      cfg.FetchMaxRetries,
		MutationRetries: cfg.MutationMaxRetries,
		RetryBase:       cfg.RetryBaseDelay,
		GCInterval:      cfg.CacheGCInterval,
	})

	sess := session.New(session.Config{
		Redis:  opts.Redis,
		Cache:  cache,
		Logger: logger,
	})

	client, err := apiclient.New(apiclient.Config{
		BaseURL:        cfg.APIBaseURL,
		Timeout:        cfg.RequestTimeout,
		Tokens:         sess,
		OnUnauthorized: sess.HandleUnauthorized,
		Logger:         logger,
	})
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	sess.Bind(auth.NewService(client))

	return &App{
		cfg:        cfg,
		logger:     logger.Component("app"),
		Cache:      cache,
		Session:    sess,
		UI:         uistate.New(),
		doctorsSvc: doctors.NewService(client),
		apptSvc:    appointments.NewService(client),
	}, nil
}

// Close releases the cache and its background workers.
func (a *App) Close() {
	a.Cache.Close()
}

// Initialize rehydrates the session from persistence. Call once at startup.
func (a *App) Initialize(ctx context.Context) error {
	return a.Session.Initialize(ctx)
}

func readAs[T any](ctx context.Context, cache *querycache.Store, key querycache.Key, opts querycache.Options, fetch func(ctx context.Context) (T, error)) (T, error) {
	value, err := cache.Read(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("app: cache entry %q holds %T", key, value)
	}
	return typed, nil
}

// SpecializationsKey is the cache key for the specialization catalog.
var SpecializationsKey = querycache.NewKey("specializations", nil)

// Specializations returns the specialization catalog, cached with the
// longest staleness window.
func (a *App) Specializations(ctx context.Context) ([]normalize.Specialization, error) {
	return readAs(ctx, a.Cache, SpecializationsKey,
		querycache.Options{StaleTime: a.cfg.SpecializationsStaleTime, CacheTime: a.cfg.CacheTime},
		a.doctorsSvc.Specializations)
}

// DoctorsKey builds the cache key for a filtered doctor listing.
func DoctorsKey(f doctors.Filters) querycache.Key {
	return querycache.NewKey("doctors", f.Params())
}

// Doctors returns one page of the doctor catalog.
func (a *App) Doctors(ctx context.Context, f doctors.Filters) (normalize.Page[normalize.Doctor], error) {
	return readAs(ctx, a.Cache, DoctorsKey(f),
		querycache.Options{StaleTime: a.cfg.DoctorsStaleTime, CacheTime: a.cfg.CacheTime},
		func(ctx context.Context) (normalize.Page[normalize.Doctor], error) {
			return a.doctorsSvc.List(ctx, f)
		})
}

// DoctorKey builds the cache key for one doctor's detail view.
func DoctorKey(id string) querycache.Key {
	return querycache.NewKey("doctors/"+id, nil)
}

// Doctor returns one doctor's detail view.
func (a *App) Doctor(ctx context.Context, id string) (normalize.Doctor, error) {
	return readAs(ctx, a.Cache, DoctorKey(id),
		querycache.Options{StaleTime: a.cfg.DoctorDetailStaleTime, CacheTime: a.cfg.CacheTime},
		func(ctx context.Context) (normalize.Doctor, error) {
			return a.doctorsSvc.ByID(ctx, id)
		})
}

// AppointmentsPrefix covers every cached appointment listing, patient and
// doctor side alike. Mutations invalidate and optimistically rewrite under
// this prefix.
const AppointmentsPrefix = querycache.Key("appointments")

// PatientAppointmentsKey builds the cache key for the patient-side listing.
func PatientAppointmentsKey(f appointments.ListFilters) querycache.Key {
	return querycache.NewKey("appointments/patient", f.Params())
}

// DoctorAppointmentsKey builds the cache key for the doctor-side listing.
func DoctorAppointmentsKey(f appointments.ListFilters) querycache.Key {
	return querycache.NewKey("appointments/doctor", f.Params())
}

// PatientAppointments returns one page of the authenticated patient's
// appointments.
func (a *App) PatientAppointments(ctx context.Context, f appointments.ListFilters) (normalize.Page[normalize.Appointment], error) {
	return readAs(ctx, a.Cache, PatientAppointmentsKey(f),
		querycache.Options{StaleTime: a.cfg.AppointmentsStaleTime, CacheTime: a.cfg.CacheTime},
		func(ctx context.Context) (normalize.Page[normalize.Appointment], error) {
			return a.apptSvc.PatientList(ctx, f)
		})
}

// DoctorAppointments returns one page of the authenticated doctor's
// appointments.
func (a *App) DoctorAppointments(ctx context.Context, f appointments.ListFilters) (normalize.Page[normalize.Appointment], error) {
	return readAs(ctx, a.Cache, DoctorAppointmentsKey(f),
		querycache.Options{StaleTime: a.cfg.AppointmentsStaleTime, CacheTime: a.cfg.CacheTime},
		func(ctx context.Context) (normalize.Page[normalize.Appointment], error) {
			return a.apptSvc.DoctorList(ctx, f)
		})
}

// CreateAppointment books an appointment and marks every cached appointment
// listing stale. Booking is not applied optimistically: the server assigns
// the id, so there is nothing coherent to show before it answers.
func (a *App) CreateAppointment(ctx context.Context, req appointments.CreateRequest) (normalize.Appointment, error) {
	result, err := a.Cache.Mutate(ctx, querycache.Mutation{
		Run: func(ctx context.Context) (any, error) {
			return a.apptSvc.Create(ctx, req)
		},
		Invalidates: []querycache.Key{AppointmentsPrefix},
	})
	if err != nil {
		return normalize.Appointment{}, err
	}
	return result.(normalize.Appointment), nil
}

// UpdateAppointmentStatus moves an appointment to a new status. The change
// is applied optimistically to every cached listing that contains the
// appointment; a rejected update rolls all of them back before the error
// returns, and a successful one reconciles with the server's copy.
func (a *App) UpdateAppointmentStatus(ctx context.Context, u appointments.StatusUpdate) (normalize.Appointment, error) {
	result, err := a.Cache.Mutate(ctx, querycache.Mutation{
		Run: func(ctx context.Context) (any, error) {
			return a.apptSvc.UpdateStatus(ctx, u)
		},
		Optimistic: func(tx *querycache.Txn) {
			rewriteAppointment(tx, u.AppointmentID, func(appt normalize.Appointment) normalize.Appointment {
				appt.Status = u.Status
				return appt
			})
		},
		Reconcile: func(tx *querycache.Txn, result any) {
			server := result.(normalize.Appointment)
			rewriteAppointment(tx, server.ID, func(normalize.Appointment) normalize.Appointment {
				return server
			})
		},
		Invalidates: []querycache.Key{AppointmentsPrefix},
	})
	if err != nil {
		return normalize.Appointment{}, err
	}
	return result.(normalize.Appointment), nil
}

// CancelAppointment moves an appointment to CANCELLED.
func (a *App) CancelAppointment(ctx context.Context, appointmentID string) (normalize.Appointment, error) {
	return a.UpdateAppointmentStatus(ctx, appointments.StatusUpdate{
		AppointmentID: appointmentID, Status: normalize.StatusCancelled,
	})
}

// CompleteAppointment moves an appointment to COMPLETED.
func (a *App) CompleteAppointment(ctx context.Context, appointmentID string) (normalize.Appointment, error) {
	return a.UpdateAppointmentStatus(ctx, appointments.StatusUpdate{
		AppointmentID: appointmentID, Status: normalize.StatusCompleted,
	})
}

// rewriteAppointment applies fn to the matching appointment in every cached
// listing under the appointments prefix. The page arriving here is already a
// copy isolated from the rollback snapshot.
func rewriteAppointment(tx *querycache.Txn, id string, fn func(normalize.Appointment) normalize.Appointment) {
	tx.UpdatePrefix(AppointmentsPrefix, func(_ querycache.Key, value any) any {
		page, ok := value.(normalize.Page[normalize.Appointment])
		if !ok {
			return value
		}
		for i, appt := range page.Data {
			if appt.ID == id {
				page.Data[i] = fn(appt)
			}
		}
		return page
	})
}

// CurrentUser returns the cached authenticated user seeded at login.
func (a *App) CurrentUser() (normalize.User, bool) {
	value, _, ok := a.Cache.Peek(session.CurrentUserKey)
	if !ok {
		return normalize.User{}, false
	}
	user, ok := value.(normalize.User)
	return user, ok
}
