// Package httpapi is the operator-facing REST surface of the fleet monitor.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"minerhub/internal/fleet"
	"minerhub/internal/model"
	"minerhub/internal/observability"
	"minerhub/internal/proto"
	"minerhub/internal/proto/axeos"
	"minerhub/internal/retention"
	"minerhub/internal/store"
)

// Fleet is the supervisor surface the API mutates devices through.
type Fleet interface {
	Discover(ctx context.Context, prober *fleet.Prober, address string) (*model.Device, error)
	RemoveDevice(ctx context.Context, id string) error
}

// Retention is the slice of the retention service the API triggers.
type Retention interface {
	TriggerNow(ctx context.Context) (retention.Result, bool)
}

// SnapshotReader answers latest-snapshot reads, typically from redis. Nil is
// allowed; the API falls back to snapshot history.
type SnapshotReader interface {
	GetLatest(ctx context.Context, deviceID string) ([]byte, error)
}

type Server struct {
	repo      *store.Repository
	fleet     Fleet
	prober    *fleet.Prober
	registry  *proto.Registry
	axe       *axeos.Client
	retention Retention
	latest    SnapshotReader
}

func New(repo *store.Repository, fl Fleet, prober *fleet.Prober, registry *proto.Registry, axe *axeos.Client, ret Retention, latest SnapshotReader) *Server {
	return &Server{repo: repo, fleet: fl, prober: prober, registry: registry, axe: axe, retention: ret, latest: latest}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(observability.RequestMetricsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Route("/api/fleet", func(r chi.Router) {
		r.Get("/miners", s.handleListMiners)
		r.Post("/miners", s.handleAddMiner)
		r.Route("/miners/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetMiner)
			r.Delete("/", s.handleRemoveMiner)
			r.Get("/history", s.handleHistory)
			r.Get("/logs", s.handleLogs)
			r.Post("/commands", s.handleCommand)
			r.Patch("/settings", s.handleSettings)
		})
		r.Get("/actions", s.handleListActions)
		r.Post("/actions/{id}/ack", s.handleAckAction)
		r.Post("/retention/run", s.handleRetentionRun)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type minerDTO struct {
	model.Device
	Online bool `json:"online"`
}

func (s *Server) handleListMiners(w http.ResponseWriter, r *http.Request) {
	devices, err := s.repo.ListDevices(r.Context())
	if err != nil {
		slog.Error("list devices failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list miners")
		return
	}
	out := make([]minerDTO, 0, len(devices))
	for _, d := range devices {
		out = append(out, minerDTO{Device: d, Online: d.Online()})
	}
	writeJSON(w, http.StatusOK, out)
}

type addMinerRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleAddMiner(w http.ResponseWriter, r *http.Request) {
	var req addMinerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	dev, err := s.fleet.Discover(r.Context(), s.prober, req.Address)
	if err != nil {
		slog.Warn("miner discovery failed", "address", req.Address, "error", err)
		writeError(w, http.StatusBadGateway, "no supported miner found at "+req.Address)
		return
	}
	writeJSON(w, http.StatusCreated, minerDTO{Device: *dev, Online: dev.Online()})
}

type minerDetailDTO struct {
	minerDTO
	Latest json.RawMessage `json:"latest,omitempty"`
}

func (s *Server) handleGetMiner(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	resp := minerDetailDTO{minerDTO: minerDTO{Device: *dev, Online: dev.Online()}}
	resp.Latest = s.latestSnapshot(r.Context(), dev.ID)
	writeJSON(w, http.StatusOK, resp)
}

// latestSnapshot prefers the cache and falls back to the newest history row.
func (s *Server) latestSnapshot(ctx context.Context, deviceID string) json.RawMessage {
	if s.latest != nil {
		if b, err := s.latest.GetLatest(ctx, deviceID); err == nil && len(b) > 0 {
			return json.RawMessage(b)
		}
	}
	recent, err := s.repo.RecentSnapshots(ctx, deviceID, 1)
	if err != nil || len(recent) == 0 {
		return nil
	}
	b, err := json.Marshal(recent[0])
	if err != nil {
		return nil
	}
	return json.RawMessage(b)
}

func (s *Server) handleRemoveMiner(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	if err := s.fleet.RemoveDevice(r.Context(), dev.ID); err != nil {
		slog.Error("remove miner failed", "device", dev.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not remove miner")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var since time.Time
	if v := strings.TrimSpace(q.Get("since")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since, want RFC3339")
			return
		}
		since = t
	}
	limit := 0
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	snaps, err := s.repo.ListSnapshots(r.Context(), dev.ID, since, limit)
	if err != nil {
		slog.Error("history query failed", "device", dev.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not query history")
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

type commandRequest struct {
	Command string `json:"command"` // restart | fan_speed | work_mode
	Percent int    `json:"percent,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	adapter, err := s.registry.For(dev.Family)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "no adapter for device family")
		return
	}
	switch req.Command {
	case "restart":
		err = adapter.Restart(r.Context(), dev)
	case "fan_speed":
		err = adapter.SetFanSpeed(r.Context(), dev, req.Percent)
	case "work_mode":
		err = adapter.SetWorkMode(r.Context(), dev, req.Mode)
	default:
		writeError(w, http.StatusBadRequest, "unknown command "+strconv.Quote(req.Command))
		return
	}
	if err != nil {
		slog.Warn("device command failed", "device", dev.ID, "command", req.Command, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	if dev.Family != model.FamilyHTTPJSON {
		writeError(w, http.StatusBadRequest, "settings are only supported for http miners")
		return
	}
	var settings axeos.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.axe.UpdateSettings(r.Context(), dev.Address, settings); err != nil {
		slog.Warn("settings update failed", "device", dev.ID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	unackedOnly := strings.EqualFold(r.URL.Query().Get("unacked"), "true")
	actions, err := s.repo.ListActions(r.Context(), unackedOnly, 0)
	if err != nil {
		slog.Error("list actions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list actions")
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleAckAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.AckAction(r.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "action not found")
			return
		}
		slog.Error("ack action failed", "action", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not ack action")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRetentionRun(w http.ResponseWriter, r *http.Request) {
	res, ran := s.retention.TriggerNow(r.Context())
	if !ran {
		writeError(w, http.StatusTooManyRequests, "retention ran recently, try again later")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) loadDevice(w http.ResponseWriter, r *http.Request) (*model.Device, bool) {
	id := chi.URLParam(r, "id")
	dev, err := s.repo.GetDevice(r.Context(), id)
	if err != nil {
		slog.Error("device lookup failed", "device", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load miner")
		return nil, false
	}
	if dev == nil {
		writeError(w, http.StatusNotFound, "miner not found")
		return nil, false
	}
	return dev, true
}
