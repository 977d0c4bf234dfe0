package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"lockstep/internal/net/discovery"
	"lockstep/internal/net/ws"
	"lockstep/internal/store"
	"lockstep/internal/telemetry"
	"lockstep/logging"
	snapshotlog "lockstep/logging/snapshot"
)

const wsPrefix = "/ws"

// HandlerConfig carries the collaborators behind the relay's HTTP surface.
type HandlerConfig struct {
	Relay            *ws.Relay
	Store            store.Store
	Metrics          *telemetry.Counters
	Publisher        logging.Publisher
	Logger           telemetry.Logger
	MaxSnapshotBytes int64
	EnablePprof      bool
}

type handlers struct {
	cfg    HandlerConfig
	logger telemetry.Logger
}

// NewHandler builds the relay routes.
func NewHandler(cfg HandlerConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	if cfg.MaxSnapshotBytes <= 0 {
		cfg.MaxSnapshotBytes = DefaultConfig().MaxSnapshotBytes
	}
	h := &handlers{cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})
	r.Get("/diagnostics", h.diagnostics)
	r.Get(wsPrefix+"/{session}", func(w http.ResponseWriter, req *http.Request) {
		cfg.Relay.Serve(w, req, chi.URLParam(req, "session"))
	})

	r.Route("/snapshots", func(r chi.Router) {
		r.Get("/", h.listSnapshots)
		r.Put("/", h.saveSnapshot)
		r.Get("/{name}", h.loadSnapshot)
		r.Delete("/{name}", h.deleteSnapshot)
	})

	if cfg.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (h *handlers) diagnostics(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		Status     string            `json:"status"`
		ServerTime int64             `json:"serverTime"`
		Protocol   int               `json:"protocol"`
		Sessions   []ws.SessionInfo  `json:"sessions"`
		Telemetry  map[string]uint64 `json:"telemetry"`
	}{
		Status:     "ok",
		ServerTime: time.Now().UnixMilli(),
		Protocol:   discovery.ProtocolVersion,
		Sessions:   h.cfg.Relay.Sessions(),
		Telemetry:  h.cfg.Metrics.Snapshot(),
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *handlers) listSnapshots(w http.ResponseWriter, r *http.Request) {
	infos, err := h.cfg.Store.List(r.Context())
	if err != nil {
		h.logger.Printf("[snapshots] list failed: %v", err)
		httpError(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *handlers) loadSnapshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	text, err := h.cfg.Store.Load(r.Context(), name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpError(w, "snapshot not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Printf("[snapshots] load name=%s failed: %v", name, err)
		httpError(w, "failed to load snapshot", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(text))
}

func (h *handlers) saveSnapshot(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxSnapshotBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, "snapshot too large", http.StatusRequestEntityTooLarge)
			return
		}
		httpError(w, "failed to read body", http.StatusBadRequest)
		return
	}
	info, err := h.cfg.Store.Save(r.Context(), string(body))
	switch {
	case errors.Is(err, store.ErrInvalid), errors.Is(err, store.ErrUnnamed):
		httpError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Printf("[snapshots] save failed: %v", err)
		httpError(w, "failed to save snapshot", http.StatusInternalServerError)
		return
	}
	snapshotlog.Stored(r.Context(), h.cfg.Publisher, snapshotlog.StoredPayload{
		Name:    info.Name,
		World:   info.World,
		Modules: info.Modules,
		Bytes:   info.Size,
	})
	writeJSON(w, http.StatusCreated, info)
}

func (h *handlers) deleteSnapshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := h.cfg.Store.Delete(r.Context(), name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpError(w, "snapshot not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Printf("[snapshots] delete name=%s failed: %v", name, err)
		httpError(w, "failed to delete snapshot", http.StatusInternalServerError)
		return
	}
	snapshotlog.Deleted(r.Context(), h.cfg.Publisher, snapshotlog.StoredPayload{Name: name})
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func httpError(w http.ResponseWriter, msg string, code int) {
	http.Error(w, msg, code)
}
