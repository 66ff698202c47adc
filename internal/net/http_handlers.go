package net

import (
	"encoding/json"
	"io"
	nethttp "net/http"
	"net/http/pprof"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"avatar-mixer/server/internal/directory"
	"avatar-mixer/server/internal/mixer"
	"avatar-mixer/server/internal/observability"
	"avatar-mixer/server/internal/sim"
	"avatar-mixer/server/internal/telemetry"
	"avatar-mixer/server/logging"
	"avatar-mixer/server/logging/sinks"
)

type HTTPHandlerConfig struct {
	Directory     *directory.Directory
	Broadcaster   *mixer.Broadcaster
	Loop          *sim.Loop
	Sessions      nethttp.Handler
	Router        *logging.Router
	Events        *sinks.MemorySink
	Metrics       *logging.Metrics
	Observability observability.Config
	Logger        telemetry.Logger
	Clock         logging.Clock
}

type participantDiagnostics struct {
	ID                     string                 `json:"id"`
	JoinIndex              uint64                 `json:"joinIndex"`
	Reachable              bool                   `json:"reachable"`
	HasSnapshot            bool                   `json:"hasSnapshot"`
	Sequence               uint64                 `json:"sequence"`
	CanKick                bool                   `json:"canKick"`
	RequestsDomainListData bool                   `json:"requestsDomainListData"`
	RadiusIgnore           bool                   `json:"radiusIgnore"`
	MaxKbps                float64                `json:"maxKbps,omitempty"`
	BudgetBytes            int                    `json:"budgetBytes"`
	PendingPackets         int                    `json:"pendingPackets"`
	Stats                  directory.RollingStats `json:"stats"`
}

const defaultEventLimit = 50

type throttleRequest struct {
	Ratio *float64 `json:"ratio"`
}

func NewHTTPHandler(cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}

	router := mux.NewRouter()

	router.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}).Methods(nethttp.MethodGet)

	router.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status       string                   `json:"status"`
			ServerTime   int64                    `json:"serverTime"`
			TickRate     int                      `json:"tickRate"`
			Throttling   float64                  `json:"throttlingRatio"`
			Participants []participantDiagnostics `json:"participants"`
			Mixer        mixer.Totals             `json:"mixer"`
			TickBudget   sim.TickBudgetSnapshot   `json:"tickBudget"`
			Router       *logging.RouterStats     `json:"router,omitempty"`
			Metrics      map[string]uint64        `json:"metrics,omitempty"`
		}{
			Status:     "ok",
			ServerTime: clock.Now().UnixMilli(),
		}
		if cfg.Broadcaster != nil {
			payload.TickRate = cfg.Broadcaster.Settings().TickRate
			payload.Throttling = cfg.Broadcaster.ThrottlingRatio()
			payload.Mixer = cfg.Broadcaster.Aggregator().Snapshot()
		}
		if cfg.Directory != nil {
			participants := cfg.Directory.Participants()
			payload.Participants = make([]participantDiagnostics, 0, len(participants))
			for _, p := range participants {
				payload.Participants = append(payload.Participants, describeParticipant(p, cfg.Broadcaster))
			}
		}
		if cfg.Loop != nil {
			payload.TickBudget = cfg.Loop.Budget().Snapshot()
		}
		if cfg.Observability.ExposeRouterStats && cfg.Router != nil {
			stats := cfg.Router.Stats()
			payload.Router = &stats
		}
		if cfg.Metrics != nil {
			payload.Metrics = cfg.Metrics.Snapshot()
		}
		writeJSON(w, logger, payload)
	}).Methods(nethttp.MethodGet)

	router.HandleFunc("/diagnostics/participants/{id}", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if cfg.Directory == nil {
			httpError(w, "directory unavailable", nethttp.StatusServiceUnavailable)
			return
		}
		id, err := uuid.Parse(mux.Vars(r)["id"])
		if err != nil {
			httpError(w, "invalid participant id", nethttp.StatusBadRequest)
			return
		}
		p, ok := cfg.Directory.Get(id)
		if !ok {
			httpError(w, "unknown participant", nethttp.StatusNotFound)
			return
		}
		writeJSON(w, logger, describeParticipant(p, cfg.Broadcaster))
	}).Methods(nethttp.MethodGet)

	router.HandleFunc("/diagnostics/events", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if cfg.Events == nil {
			httpError(w, "event feed disabled", nethttp.StatusNotFound)
			return
		}
		limit := defaultEventLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			value, err := strconv.Atoi(raw)
			if err != nil || value <= 0 {
				httpError(w, "limit must be a positive integer", nethttp.StatusBadRequest)
				return
			}
			limit = value
		}
		events := cfg.Events.Recent(limit, logging.EventType(r.URL.Query().Get("type")))
		if events == nil {
			events = []logging.Event{}
		}
		writeJSON(w, logger, struct {
			Events  []logging.Event `json:"events"`
			Evicted uint64          `json:"evicted"`
		}{Events: events, Evicted: cfg.Events.Evicted()})
	}).Methods(nethttp.MethodGet)

	router.HandleFunc("/mixer/throttle", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if cfg.Broadcaster == nil {
			httpError(w, "mixer unavailable", nethttp.StatusServiceUnavailable)
			return
		}
		defer r.Body.Close()
		var req throttleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			httpError(w, "invalid payload", nethttp.StatusBadRequest)
			return
		}
		if req.Ratio == nil || *req.Ratio < 0 || *req.Ratio > 1 {
			httpError(w, "ratio must be within [0,1]", nethttp.StatusBadRequest)
			return
		}
		cfg.Broadcaster.SetThrottlingRatio(*req.Ratio)
		logger.Printf("[mixer] throttling ratio set to %.3f", *req.Ratio)
		writeJSON(w, logger, map[string]float64{"throttlingRatio": cfg.Broadcaster.ThrottlingRatio()})
	}).Methods(nethttp.MethodPut, nethttp.MethodPost)

	if cfg.Sessions != nil {
		router.Handle("/ws", cfg.Sessions).Methods(nethttp.MethodGet)
	}

	if cfg.Observability.EnablePprof {
		debug := router.PathPrefix("/debug/pprof").Subrouter()
		debug.HandleFunc("/cmdline", pprof.Cmdline)
		debug.HandleFunc("/profile", pprof.Profile)
		debug.HandleFunc("/symbol", pprof.Symbol)
		debug.HandleFunc("/trace", pprof.Trace)
		debug.PathPrefix("/").HandlerFunc(pprof.Index)
	}

	return router
}

func describeParticipant(p *directory.Participant, b *mixer.Broadcaster) participantDiagnostics {
	out := participantDiagnostics{
		ID:                     p.ID().String(),
		JoinIndex:              p.JoinIndex(),
		Reachable:              p.Reachable(),
		CanKick:                p.CanKick(),
		RequestsDomainListData: p.RequestsDomainListData(),
		RadiusIgnore:           p.RadiusIgnoreEnabled(),
		MaxKbps:                p.MaxKbps(),
		PendingPackets:         p.Inbound().Len(),
		Stats:                  p.Transmission().Stats(),
	}
	if snap := p.Snapshot(); snap != nil {
		out.HasSnapshot = true
		out.Sequence = snap.Sequence
	}
	if b != nil {
		out.BudgetBytes = b.BudgetFor(p)
	}
	return out
}

func writeJSON(w nethttp.ResponseWriter, logger telemetry.Logger, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("[http] failed to encode response: %v", err)
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
