package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/docline/docline-go/internal/apistub"
	"github.com/docline/docline-go/internal/app"
	"github.com/docline/docline-go/internal/appointments"
	"github.com/docline/docline-go/internal/auth"
	appconfig "github.com/docline/docline-go/internal/config"
	"github.com/docline/docline-go/internal/doctors"
	"github.com/docline/docline-go/internal/normalize"
	"github.com/docline/docline-go/pkg/logging"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	cmd := "demo"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "stub":
		runStub(cfg, logger)
	case "demo":
		runDemo(cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "usage: docline [stub|demo]\n")
		os.Exit(2)
	}
}

// runStub serves the in-memory API double, for local development against a
// backend that does not exist yet.
func runStub(cfg *appconfig.Config, logger *logging.Logger) {
	stub := apistub.New(logger)
	stub.SeedPatient("John Doe", "john@example.com", "password123")

	mux := http.NewServeMux()
	mux.Handle("/", stub.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.StubPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("stub API listening", "port", cfg.StubPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("stub server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("stub API stopped")
}

// runDemo walks the happy path against the configured API: initialize the
// session, log in, browse the catalog, book an appointment and cancel it.
func runDemo(cfg *appconfig.Config, logger *logging.Logger) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	a, err := app.New(cfg, app.Options{
		Logger:   logger,
		Redis:    rdb,
		Registry: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logger.Error("failed to assemble app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Initialize(ctx); err != nil {
		logger.Warn("session rehydration failed, starting unauthenticated", "error", err)
	}

	if !a.Session.State().Authenticated {
		err := a.Session.Login(ctx, auth.LoginRequest{
			Email:    getenv("DOCLINE_DEMO_EMAIL", "john@example.com"),
			Password: getenv("DOCLINE_DEMO_PASSWORD", "password123"),
			Role:     normalize.RolePatient,
		})
		if err != nil {
			logger.Error("login failed", "error", err)
			os.Exit(1)
		}
	}
	user, _ := a.CurrentUser()
	fmt.Printf("signed in as %s (%s)\n", user.Name, user.Role)

	specs, err := a.Specializations(ctx)
	if err != nil {
		logger.Error("failed to load specializations", "error", err)
		os.Exit(1)
	}
	fmt.Printf("%d specializations available\n", len(specs))

	page, err := a.Doctors(ctx, doctors.Filters{Limit: 5})
	if err != nil {
		logger.Error("failed to load doctors", "error", err)
		os.Exit(1)
	}
	if len(page.Data) == 0 {
		fmt.Println("no doctors available")
		return
	}
	for _, d := range page.Data {
		fmt.Printf("  %s (%s)\n", d.Name, d.Specialization)
	}

	appt, err := a.CreateAppointment(ctx, appointments.CreateRequest{
		DoctorID: page.Data[0].ID,
		Date:     time.Now().Add(48 * time.Hour).Truncate(time.Hour),
		Notes:    "demo booking",
	})
	if err != nil {
		logger.Error("booking failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("booked appointment %s with %s, status %s\n", appt.ID, appt.DoctorName, appt.Status)

	cancelled, err := a.CancelAppointment(ctx, appt.ID)
	if err != nil {
		logger.Error("cancellation failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("appointment %s is now %s\n", cancelled.ID, cancelled.Status)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
