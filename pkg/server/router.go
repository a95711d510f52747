package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	chi_middleware "github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/nais/envdeploy/pkg/database"
	"github.com/nais/envdeploy/pkg/logproxy"
	"github.com/nais/envdeploy/pkg/pipeline"
)

var requestTimeout = time.Second * 10

const defaultListLimit = 30

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Runs        *Runs
	Store       database.RunStore
	Health      Pinger
	MetricsPath string
	Registerer  prometheus.Registerer
	Gatherer    prometheus.Gatherer

	// Pre-shared keys for reading and cancelling runs. Empty disables those endpoints.
	OperatorKeys []string

	// Enables redirects from run log links to Cloud Logging.
	Environments logproxy.Environments
}

type handler struct {
	runs  *Runs
	store database.RunStore
}

type ErrorResponse struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

type SubmitResponse struct {
	ID          string                 `json:"id"`
	Variant     pipeline.Variant       `json:"variant"`
	Environment string                 `json:"environment"`
	Status      pipeline.OutcomeStatus `json:"status,omitempty"`
}

type RunResponse struct {
	*database.Run
	History  []database.RunStatus `json:"history"`
	InFlight bool                 `json:"inFlight"`
}

func New(cfg Config) chi.Router {
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if len(cfg.MetricsPath) == 0 {
		cfg.MetricsPath = "/metrics"
	}

	prometheusMiddleware := NewPrometheusMiddleware("envdeployd", cfg.Registerer)
	h := &handler{runs: cfg.Runs, store: cfg.Store}

	// Pre-populate request metrics
	for _, code := range []int{http.StatusAccepted, http.StatusOK, http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError} {
		prometheusMiddleware.Initialize("/api/v1/runs", http.MethodPost, code)
	}

	router := chi.NewRouter()
	router.Use(
		chi_middleware.RequestID,
		RequestLogger(),
		prometheusMiddleware.Handler(),
		chi_middleware.StripSlashes,
	)

	router.Get(cfg.MetricsPath, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}).ServeHTTP)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health.Ping(r.Context()); err != nil {
				log.Errorf("Health check failed: %s", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	if cfg.Environments != nil {
		router.Get("/logs", logproxy.MakeHandler(cfg.Environments))
	}

	router.Route("/api/v1/runs", func(r chi.Router) {
		r.Use(chi_middleware.Timeout(requestTimeout))

		r.With(chi_middleware.AllowContentType("application/json")).Post("/", h.submit)

		if len(cfg.OperatorKeys) == 0 {
			log.Error("Refusing to set up run inspection endpoints without pre-shared keys; try using --operator-keys")
			log.Error("Note: GET and DELETE on /api/v1/runs will be unavailable")
			return
		}

		r.Group(func(r chi.Router) {
			r.Use(PskValidatorMiddleware(cfg.OperatorKeys))
			r.Get("/", h.list)
			r.Get("/{id}", h.get)
			r.Delete("/{id}", h.cancel)
		})
	})

	return router
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("Write response: %s", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string, kind pipeline.Kind) {
	writeJSON(w, status, ErrorResponse{Message: message, Kind: string(kind)})
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	assertion := BearerToken(r)
	if len(assertion) == 0 {
		writeError(w, http.StatusUnauthorized, "an identity token is required in the Authorization header", pipeline.KindAuthentication)
		return
	}

	request := pipeline.Request{}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "unable to parse request: "+err.Error(), pipeline.KindInvalidRequest)
		return
	}
	// IDs are assigned by the server.
	request.ID = ""

	variant, req, err := h.runs.Submit(r.Context(), request, assertion)
	if err != nil {
		kind := pipeline.KindOf(err)
		if kind == pipeline.KindInvalidRequest {
			writeError(w, http.StatusBadRequest, err.Error(), kind)
			return
		}
		log.Errorf("Unable to start run: %s", err)
		writeError(w, http.StatusInternalServerError, "unable to start run", pipeline.KindInternal)
		return
	}

	response := SubmitResponse{
		ID:          req.ID,
		Variant:     variant,
		Environment: req.Environment,
	}
	if variant == pipeline.VariantNone {
		response.Status = pipeline.StatusSkipped
		writeJSON(w, http.StatusOK, response)
		return
	}

	writeJSON(w, http.StatusAccepted, response)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); len(raw) > 0 {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", pipeline.KindInvalidRequest)
			return
		}
		limit = parsed
	}

	runs, err := h.store.Runs(r.Context(), r.URL.Query().Get("environment"), limit)
	if err != nil {
		log.Errorf("List runs: %s", err)
		writeError(w, http.StatusInternalServerError, "unable to list runs", pipeline.KindInternal)
		return
	}

	writeJSON(w, http.StatusOK, runs)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := h.store.Run(r.Context(), id)
	if database.IsErrNotFound(err) {
		writeError(w, http.StatusNotFound, "run not found", "")
		return
	} else if err != nil {
		log.Errorf("Get run %s: %s", id, err)
		writeError(w, http.StatusInternalServerError, "unable to get run", pipeline.KindInternal)
		return
	}

	history, err := h.store.RunStatuses(r.Context(), id)
	if err != nil && !database.IsErrNotFound(err) {
		log.Errorf("Get run history %s: %s", id, err)
		writeError(w, http.StatusInternalServerError, "unable to get run history", pipeline.KindInternal)
		return
	}
	if history == nil {
		history = make([]database.RunStatus, 0)
	}

	writeJSON(w, http.StatusOK, RunResponse{
		Run:      run,
		History:  history,
		InFlight: h.runs.InFlight(id),
	})
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if h.runs.Cancel(id) {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	_, err := h.store.Run(r.Context(), id)
	if database.IsErrNotFound(err) {
		writeError(w, http.StatusNotFound, "run not found", "")
		return
	}
	writeError(w, http.StatusConflict, "run is not in flight", "")
}
