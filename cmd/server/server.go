package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/protocol-metrics/internal/aggregate"
	"github.com/yourorg/protocol-metrics/internal/circuitbreaker"
	"github.com/yourorg/protocol-metrics/internal/indexer"
	"github.com/yourorg/protocol-metrics/internal/model"
	"github.com/yourorg/protocol-metrics/internal/store"
)

const version = "1.0.0"

const (
	defaultListLimit   = 30
	maxListLimit       = 366
	defaultSummaryDays = 30
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Records is the read side of the repository
type Records interface {
	Get(ctx context.Context, id string) (*model.DailyMetric, error)
	List(ctx context.Context, limit int) ([]*model.DailyMetric, error)
}

// StatusReporter exposes the follower's progress
type StatusReporter interface {
	Status() indexer.Status
}

// ExporterStatus exposes the webhook exporter's state
type ExporterStatus interface {
	Status() map[string]interface{}
}

// Server serves health, Prometheus metrics and the stored daily records
type Server struct {
	port       string
	deployment string
	records    Records
	indexer    StatusReporter
	breaker    *circuitbreaker.CircuitBreaker
	exporter   ExporterStatus

	server *http.Server
}

// NewServer creates the HTTP server; breaker and exporter may be nil
func NewServer(port, deployment string, records Records, ix StatusReporter, breaker *circuitbreaker.CircuitBreaker, exporter ExporterStatus) *Server {
	s := &Server{
		port:       port,
		deployment: deployment,
		records:    records,
		indexer:    ix,
		breaker:    breaker,
		exporter:   exporter,
	}

	s.server = &http.Server{
		Addr:         ":" + port,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("/circuit", s.handleCircuitStatus)
	mux.HandleFunc("GET /days", s.handleListDays)
	mux.HandleFunc("GET /days/{key}", s.handleGetDay)
	mux.HandleFunc("GET /summary", s.handleSummary)
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Server starting on port %s", s.port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logrus.Info("Server stopped")
	return nil
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":     "operational",
		"uptime":     time.Since(startTime).String(),
		"version":    version,
		"deployment": s.deployment,
	}
	if s.indexer != nil {
		status["indexer"] = s.indexer.Status()
	}
	if s.exporter != nil {
		status["exporter"] = s.exporter.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCircuitStatus allows viewing and resetting the circuit breaker
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Circuit breaker not enabled")
		return
	}

	response := map[string]interface{}{}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if r.URL.Query().Get("action") == "reset" {
			s.breaker.Reset()
			response["message"] = "Circuit breaker reset"
		}
	default:
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	response["state"] = s.breaker.GetState().String()
	response["consecutive_failures"] = s.breaker.ConsecutiveFailures()
	if reason := s.breaker.Reason(); reason != "" {
		response["reason"] = reason
	}
	if last := s.breaker.LastGood(); last != nil {
		response["last_good_day"] = last.ID
		response["last_good_block"] = last.BlockNumber
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleListDays(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit, maxListLimit)
	records, err := s.records.List(r.Context(), limit)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list records: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(records),
		"days":  records,
	})
}

// handleGetDay accepts a day key or any timestamp within the day
func (s *Server) handleGetDay(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.ParseUint(r.PathValue("key"), 10, 64)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Day must be a unix timestamp")
		return
	}

	m, err := s.records.Get(r.Context(), model.DayKey(ts))
	if errors.Is(err, store.ErrNotFound) {
		errorResponse(w, http.StatusNotFound, "No record for day "+model.DayKey(ts))
		return
	}
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to read record: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", defaultSummaryDays, maxListLimit)
	records, err := s.records.List(r.Context(), days)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list records: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, aggregate.Summarize(records))
}
