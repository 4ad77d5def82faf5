// Package ingest serves the dispatch trigger and the attempt audit API.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/austindbirch/harbor_dispatch/internal/auth"
	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/dispatch"
	"github.com/austindbirch/harbor_dispatch/internal/health"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
	"github.com/austindbirch/harbor_dispatch/internal/retry"
	"github.com/austindbirch/harbor_dispatch/internal/store"
)

const maxBodyBytes = 1 << 20

// CORS headers sent with every trigger response.
var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "POST, OPTIONS",
	"Access-Control-Allow-Headers": "authorization, x-client-info, apikey, content-type, x-internal-secret, x-scheduled-trigger",
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev delivery.Event) (dispatch.Result, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (retry.Result, error)
}

// Store is the read surface of the audit API plus the health probe.
type Store interface {
	health.Pinger
	EndpointByID(ctx context.Context, id string) (delivery.Endpoint, error)
	ListAttempts(ctx context.Context, f store.AttemptFilter) ([]delivery.Attempt, error)
}

type Server struct {
	auth       *auth.Authenticator
	dispatcher Dispatcher
	sweeper    Sweeper
	store      Store
	gatherer   prometheus.Gatherer
	logger     *logging.Logger
}

// NewServer wires the handlers. A nil gatherer serves the default registry.
func NewServer(authn *auth.Authenticator, d Dispatcher, sw Sweeper, st Store, gatherer prometheus.Gatherer, logger *logging.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{auth: authn, dispatcher: d, sweeper: sw, store: st, gatherer: gatherer, logger: logger}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "harbor-ingest")
	})

	r.Get("/healthz", health.HTTPHandler(s.store))
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(cors)
		for _, path := range []string{"/", "/v1/dispatch"} {
			r.Options(path, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
			r.With(s.auth.Middleware).Post(path, s.handleTrigger)
		}
	})

	r.With(s.auth.Middleware).Get("/v1/endpoints/{endpointID}/attempts", s.handleListAttempts)
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range corsHeaders {
			w.Header().Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

// handleTrigger runs a direct dispatch or a retry sweep and answers once the
// work has settled.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := s.logger.WithContext(ctx).WithField("request_id", middleware.GetReqID(ctx))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	req := ParseRequest(body)
	metrics.RecordDispatchRequest(req.mode())

	switch req := req.(type) {
	case DirectDispatch:
		ev := req.Event
		res, err := s.dispatcher.Dispatch(ctx, ev)
		if err != nil {
			log.WithOrganization(ev.OrganizationID).WithEventType(ev.EventType).WithError(err).Error("dispatch failed")
			writeError(w, http.StatusInternalServerError, "dispatch failed")
			return
		}
		log.WithOrganization(ev.OrganizationID).WithEventType(ev.EventType).WithFields(map[string]any{
			"attempts":  len(res.Attempts),
			"succeeded": res.Succeeded(),
		}).Info("dispatch handled")

	case SweepRequest:
		if req.Reason == reasonInvalidJSON {
			log.Warn("request body is not valid JSON, running retry sweep")
		}
		res, err := s.sweeper.Sweep(ctx)
		if err != nil {
			log.WithError(err).Error("retry sweep failed")
			writeError(w, http.StatusInternalServerError, "retry sweep failed")
			return
		}
		log.WithFields(map[string]any{
			"reason":     req.Reason,
			"loaded":     res.Loaded,
			"exhausted":  res.Exhausted,
			"candidates": res.Candidates,
			"retried":    res.Retried,
			"skipped":    res.Skipped,
		}).Info("retry sweep handled")
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type attemptsResponse struct {
	EndpointID string             `json:"endpoint_id"`
	Attempts   []delivery.Attempt `json:"attempts"`
}

// handleListAttempts serves the audit log of one endpoint. Bearer callers only
// see endpoints of the organization in their token.
func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	endpointID := chi.URLParam(r, "endpointID")

	f := store.AttemptFilter{EndpointID: endpointID, EventType: r.URL.Query().Get("event_type")}
	if v := r.URL.Query().Get("failed"); v != "" {
		failed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed must be a boolean")
			return
		}
		f.FailedOnly = failed
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = limit
	}

	ep, err := s.store.EndpointByID(ctx, endpointID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !visibleTo(ctx, ep)) {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	if err != nil {
		s.logger.WithContext(ctx).WithEndpoint(endpointID).WithError(err).Error("endpoint lookup failed")
		writeError(w, http.StatusInternalServerError, "endpoint lookup failed")
		return
	}

	attempts, err := s.store.ListAttempts(ctx, f)
	if err != nil {
		s.logger.WithContext(ctx).WithEndpoint(endpointID).WithError(err).Error("list attempts failed")
		writeError(w, http.StatusInternalServerError, "list attempts failed")
		return
	}
	if attempts == nil {
		attempts = []delivery.Attempt{}
	}
	writeJSON(w, http.StatusOK, attemptsResponse{EndpointID: endpointID, Attempts: attempts})
}

func visibleTo(ctx context.Context, ep delivery.Endpoint) bool {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok || p.Method != auth.MethodBearer {
		return true
	}
	// bearer callers only see their own organization; no org_id sees nothing
	return p.OrganizationID != "" && p.OrganizationID == ep.OrganizationID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
