package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dayofmonth/dayofmonth/agent/internal/auth"
	"github.com/dayofmonth/dayofmonth/agent/internal/compute"
	"github.com/dayofmonth/dayofmonth/agent/internal/manager"
	"github.com/dayofmonth/dayofmonth/agent/internal/pipeline"
	"github.com/dayofmonth/dayofmonth/agent/internal/store"
	"github.com/dayofmonth/dayofmonth/pkg/types"
)

// Sensors is the running sensor set as seen by the API.
type Sensors interface {
	Trigger(ctx context.Context, sensorID string) (compute.Result, error)
	Describe(sensorID string) (manager.Info, error)
	IDs() []string
}

// Config wires the router. Metrics and Stream are optional.
type Config struct {
	Store   *store.Store
	Sensors Sensors

	// Auth guards the manual update endpoint.
	Auth auth.Checker

	// Metrics is served on /metrics; its middleware instruments every route.
	Metrics interface {
		Handler() http.Handler
		Middleware(http.Handler) http.Handler
	}

	// Stream is served on /ws/stream.
	Stream http.Handler
}

// Handler serves the agent HTTP surface.
type Handler struct {
	store   *store.Store
	sensors Sensors
	now     func() time.Time
}

// New returns a router with every route registered.
func New(cfg Config) *mux.Router {
	h := &Handler{store: cfg.Store, sensors: cfg.Sensors, now: time.Now}

	r := mux.NewRouter()
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
		r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	}
	if cfg.Stream != nil {
		r.Handle("/ws/stream", cfg.Stream)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", h.health).Methods(http.MethodGet)
	v1.HandleFunc("/sensors", h.listSensors).Methods(http.MethodGet)
	v1.HandleFunc("/sensors/{id}", h.getSensor).Methods(http.MethodGet)
	v1.HandleFunc("/sensors/{id}/dates", h.sensorDates).Methods(http.MethodGet)
	v1.Handle("/sensors/{id}/update",
		auth.APIKeyMiddleware(cfg.Auth)(http.HandlerFunc(h.update))).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// health returns GET /api/v1/health: sensor counts and an overall status.
// Configured sensors that have not published yet are listed as pending.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	sum := h.store.Summary()
	ids := h.sensors.IDs()
	resp := HealthResponse{
		Configured:  len(ids),
		Sensors:     sum.Sensors,
		Available:   sum.Available,
		Unavailable: sum.Unavailable,
		Pending:     []string{},
		GeneratedAt: h.now().UTC().Format(time.RFC3339),
	}
	for _, id := range ids {
		if _, ok := h.store.Get(id); !ok {
			resp.Pending = append(resp.Pending, id)
		}
	}
	switch {
	case sum.Sensors == 0:
		resp.Status = "unknown"
	case sum.Unavailable == 0:
		resp.Status = "ok"
	default:
		resp.Status = "degraded"
	}
	jsonResp(w, http.StatusOK, resp)
}

// listSensors returns GET /api/v1/sensors: the latest state of every sensor.
func (h *Handler) listSensors(w http.ResponseWriter, _ *http.Request) {
	states := h.store.List()
	out := make([]SensorResponse, 0, len(states))
	for _, st := range states {
		out = append(out, toSensorResponse(st))
	}
	jsonResp(w, http.StatusOK, out)
}

func (h *Handler) getSensor(w http.ResponseWriter, r *http.Request) {
	e, ok := h.store.Get(mux.Vars(r)["id"])
	if !ok {
		jsonErr(w, http.StatusNotFound, "sensor not found")
		return
	}
	jsonResp(w, http.StatusOK, toSensorResponse(e.State))
}

// sensorDates returns the sensor's configuration with the target dates the
// next hourly invocation would fetch.
func (h *Handler) sensorDates(w http.ResponseWriter, r *http.Request) {
	info, err := h.sensors.Describe(mux.Vars(r)["id"])
	if errors.Is(err, manager.ErrUnknownSensor) {
		jsonErr(w, http.StatusNotFound, "sensor not found")
		return
	}
	if err != nil {
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, info)
}

// update runs one invocation now and returns its result.
func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := h.sensors.Trigger(r.Context(), id)
	switch {
	case errors.Is(err, manager.ErrUnknownSensor):
		jsonErr(w, http.StatusNotFound, "sensor not found")
	case errors.Is(err, pipeline.ErrBusy):
		jsonErr(w, http.StatusConflict, "update already in progress")
	case errors.Is(err, pipeline.ErrClosed):
		jsonErr(w, http.StatusServiceUnavailable, "sensor is being reloaded")
	case err != nil:
		// The invocation ran and published Unavailable.
		jsonResp(w, http.StatusBadGateway, UpdateResponse{SensorID: id, Error: err.Error()})
	default:
		jsonResp(w, http.StatusOK, UpdateResponse{
			SensorID:  id,
			Value:     valuePtr(res.Value, res.Available),
			Available: res.Available,
		})
	}
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func toSensorResponse(st types.SensorState) SensorResponse {
	return SensorResponse{
		SensorID:     st.SensorID,
		Name:         st.Name,
		SourceID:     st.SourceID,
		Value:        valuePtr(st.Value, st.Available),
		Available:    st.Available,
		Unit:         st.Unit,
		Attributes:   st.Attributes,
		Samples:      st.Samples,
		InvocationID: st.InvocationID,
		Error:        st.Error,
		UpdatedAt:    st.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func valuePtr(v float64, available bool) *float64 {
	if !available {
		return nil
	}
	return &v
}
