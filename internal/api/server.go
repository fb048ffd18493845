package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/productmatch/backend/internal/engine"
	"github.com/productmatch/backend/internal/history"
	"github.com/productmatch/backend/internal/storage"
	"github.com/productmatch/backend/internal/vectorize"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
	maxRequestBody      = 1 << 20
)

type Server struct {
	Engine   *engine.Engine
	Logger   *logrus.Entry
	Router   chi.Router
	validate *validator.Validate
}

func NewServer(eng *engine.Engine, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.WithField("component", "api")
	}
	s := &Server{
		Engine:   eng,
		Logger:   logger,
		Router:   chi.NewRouter(),
		validate: validator.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.Use(chimiddleware.RequestID)
	s.Router.Use(chimiddleware.RealIP)
	s.Router.Use(s.requestLogger)
	s.Router.Use(chimiddleware.Recoverer)

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Post("/match", s.handleMatch)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reload", s.handleReload)
			r.Get("/weights", s.handleGetWeights)
			r.Put("/weights", s.handleUpdateWeights)
		})
	})
	s.Router.Handle("/metrics", promhttp.Handler())
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.Router
}

// Requests and responses
type ErrorResponse struct {
	Error string `json:"error"`
}

type MatchRequest struct {
	Params  map[string]string `json:"params" validate:"required,min=1"`
	TopK    int               `json:"top_k" validate:"gte=0"`
	Hydrate bool              `json:"hydrate"`
}

type WeightsRequest struct {
	Weights map[string]float64 `json:"weights" validate:"required,min=1,dive,keys,required,endkeys,gt=0"`
}

type WeightsResponse struct {
	Source  string             `json:"source"`
	Weights map[string]float64 `json:"weights"`
}

type StatusResponse struct {
	engine.Status
	Uptime string `json:"uptime"`
}

type HistoryResponse struct {
	Entries []history.Entry `json:"entries"`
}

// Handlers

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !hasCategory(req.Params) {
		jsonResponse(w, http.StatusBadRequest, ErrorResponse{Error: "params.category is required"})
		return
	}

	result, err := s.Engine.Match(r.Context(), req.Params, req.TopK, req.Hydrate)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, result)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.StartRefresh(); err != nil {
		s.errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusAccepted, map[string]string{"status": "refresh_started"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.Engine.Status()
	jsonResponse(w, http.StatusOK, StatusResponse{
		Status: status,
		Uptime: time.Since(status.Stats.StartTime).Round(time.Second).String(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			jsonResponse(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.Engine.RecentSearches(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, HistoryResponse{Entries: entries})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Reload(); err != nil {
		s.errorResponse(w, err)
		return
	}
	t := s.Engine.Tables()
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"vocabulary": t.Vocabulary.Source(),
		"attributes": t.Vocabulary.Len(),
		"weights":    t.Weights.Source(),
	})
}

func (s *Server) handleGetWeights(w http.ResponseWriter, r *http.Request) {
	tbl := s.Engine.Tables().Weights
	jsonResponse(w, http.StatusOK, WeightsResponse{Source: tbl.Source(), Weights: tbl.Entries()})
}

func (s *Server) handleUpdateWeights(w http.ResponseWriter, r *http.Request) {
	var req WeightsRequest
	if !s.decode(w, r, &req) {
		return
	}
	tbl, err := s.Engine.UpdateWeights(req.Weights)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, WeightsResponse{Source: tbl.Source(), Weights: tbl.Entries()})
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(dst); err != nil {
		jsonResponse(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		jsonResponse(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return false
	}
	return true
}

func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, vectorize.ErrMissingCategory),
		errors.Is(err, vectorize.ErrUnknownCategory),
		errors.Is(err, vectorize.ErrAccessoryCategory),
		errors.Is(err, engine.ErrInvalidWeight):
		code = http.StatusBadRequest
	case errors.Is(err, engine.ErrRefreshRunning):
		code = http.StatusConflict
	case errors.Is(err, storage.ErrPartitionNotFound):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.Logger.WithError(err).Error("Request failed")
	}
	jsonResponse(w, code, ErrorResponse{Error: err.Error()})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": chimiddleware.GetReqID(r.Context()),
		}).Debug("Handled request")
	})
}

func hasCategory(params map[string]string) bool {
	for k, v := range params {
		if strings.EqualFold(strings.TrimSpace(k), vectorize.QueryCategory) && strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

func jsonResponse(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
