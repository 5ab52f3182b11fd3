// Package incidentapi exposes the read-only HTTP surface: incident listing
// and retrieval plus the live endpoint status table.
package incidentapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/sentinel/internal/incident"
)

// EndpointSource provides the endpoint status snapshot. Implemented by the
// failure detector.
type EndpointSource interface {
	Endpoints() []incident.Endpoint
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	store     incident.Store
	endpoints EndpointSource
}

// New creates a new API handler.
func New(logger log.Logger, store incident.Store, endpoints EndpointSource) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if endpoints == nil {
		panic(xerrors.New("endpoint source is required"))
	}
	return &API{
		logger:    logger,
		store:     store,
		endpoints: endpoints,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Get("/endpoints", a.handleListEndpoints)
	})
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	incidents, err := a.store.List(r.Context(), limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list incidents")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sentinel.incident.id", id))

	inc, err := a.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span.SetAttributes(attribute.String("sentinel.incident.state", string(inc.State)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(inc)
}

func (a *API) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	eps := a.endpoints.Endpoints()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"endpoints": eps,
		"count":     len(eps),
	})
}
