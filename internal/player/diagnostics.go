package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// TrackStatus is one track's slice of the session snapshot.
type TrackStatus struct {
	Position        float64 `json:"position"`
	BufferedSeconds float64 `json:"buffered_seconds"`
	CacheOccupancy  int     `json:"cache_occupancy"`
}

// Status is the JSON session snapshot served at /status.
type Status struct {
	SessionID      string                 `json:"session_id"`
	State          string                 `json:"state"`
	ProfileIndex   int                    `json:"profile_index"`
	ProfileBitrate int64                  `json:"profile_bitrate"`
	BandwidthBps   int64                  `json:"bandwidth_bps"`
	DRMSessions    int                    `json:"drm_sessions"`
	Tracks         map[string]TrackStatus `json:"tracks"`
}

// Status builds a point-in-time session snapshot.
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		SessionID:    p.sessionID,
		State:        p.state.String(),
		ProfileIndex: -1,
		DRMSessions:  p.drmMgr.SessionCount(),
		Tracks:       make(map[string]TrackStatus),
	}
	if p.selector != nil {
		st.ProfileIndex = p.selector.CurrentIndex()
		st.ProfileBitrate = p.selector.CurrentProfile().Bandwidth
	}
	if p.bandwidth != nil {
		st.BandwidthBps = p.bandwidth.EstimateBps()
	}
	for t, c := range p.caches {
		ts := TrackStatus{
			BufferedSeconds: c.CachedSeconds(),
			CacheOccupancy:  c.Occupancy(),
		}
		if f := p.fetchers[t]; f != nil {
			ts.Position = f.Position()
		}
		st.Tracks[t.String()] = ts
	}
	return st
}

// Diagnostics is the optional local HTTP endpoint exposing /metrics and
// /status for one player.
type Diagnostics struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewDiagnostics builds the diagnostics server for a player. Start runs it.
func NewDiagnostics(p *Player, host string, port int, timeout time.Duration) *Diagnostics {
	r := chi.NewRouter()
	r.Get("/metrics", p.Metrics().Handler().ServeHTTP)
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(p.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Diagnostics{
		srv: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, port),
			Handler:      r,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		logger: p.logger.With(slog.String("component", "diagnostics")),
	}
}

// Start serves until Shutdown.
func (d *Diagnostics) Start() {
	go func() {
		d.logger.Info("diagnostics listening", slog.String("addr", d.srv.Addr))
		if err := d.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("diagnostics server error", slog.String("error", err.Error()))
		}
	}()
}

// Shutdown drains the server.
func (d *Diagnostics) Shutdown(ctx context.Context) error {
	return d.srv.Shutdown(ctx)
}
