// Package httpapi exposes job submission and lookup over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/planb/internal/domain"
	"github.com/SirClappington/planb/internal/job"
	"github.com/SirClappington/planb/internal/scheduler"
	"github.com/SirClappington/planb/internal/storage"
)

// UserHeader names the calling user.
const UserHeader = "X-Planb-User"

type JobService interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (domain.JobRecord, error)
	GetJob(ctx context.Context, id, username string) (domain.JobRecord, error)
	GetJobs(ctx context.Context, username string) ([]domain.JobRecord, error)
}

type server struct {
	jobs   JobService
	logger *zap.Logger
}

func NewRouter(jobs JobService, logger *zap.Logger) http.Handler {
	s := &server{jobs: jobs, logger: logger.Named("http")}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(s.accessLog)
	rtr.Use(middleware.Recoverer)

	rtr.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	rtr.Handle("/metrics", promhttp.Handler())

	rtr.Route("/v1/jobs", func(rtr chi.Router) {
		rtr.Use(requireCaller)
		rtr.Post("/", s.submit)
		rtr.Get("/", s.list)
		rtr.Get("/{id}", s.get)
	})
	return rtr
}

type callerKey struct{}

type caller struct {
	user  string
	token string
}

// requireCaller rejects requests without a user and a bearer token.
func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(UserHeader))
		token := strings.TrimSpace(r.Header.Get("Authorization"))
		token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
		if user == "" || token == "" {
			writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" or Authorization header")
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, caller{user: user, token: token})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFrom(ctx context.Context) caller {
	c, _ := ctx.Value(callerKey{}).(caller)
	return c
}

type submitBody struct {
	Name       string         `json:"name"`
	AppID      string         `json:"appId"`
	Inputs     job.Inputs     `json:"inputs"`
	Parameters job.Parameters `json:"parameters"`
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	c := callerFrom(r.Context())
	rec, err := s.jobs.Submit(r.Context(), scheduler.SubmitRequest{
		Owner:      c.user,
		Token:      c.token,
		Name:       body.Name,
		AppID:      body.AppID,
		Inputs:     body.Inputs,
		Parameters: body.Parameters,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newJobView(rec))
}

func (s *server) get(w http.ResponseWriter, r *http.Request) {
	rec, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"), callerFrom(r.Context()).user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(rec))
}

func (s *server) list(w http.ResponseWriter, r *http.Request) {
	recs, err := s.jobs.GetJobs(r.Context(), callerFrom(r.Context()).user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]jobView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, newJobView(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var confErr *job.ConfigurationError
	switch {
	case errors.As(err, &confErr):
		writeError(w, http.StatusBadRequest, confErr.Error())
	case errors.Is(err, storage.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
