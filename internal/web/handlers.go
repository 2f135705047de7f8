package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math"
	"net/http"
	"sync"
	"time"
)

const (
	// MaxRequestBytes bounds the POST /run body.
	MaxRequestBytes = 1 << 20
	// MinRunInterval is the minimum delay between two mission starts.
	MinRunInterval = 5 * time.Second
)

// Mission states sent with level "state".
const (
	StateRunning = "running"
	StateIdle    = "idle"
	StateFailed  = "failed"
)

// Overrides holds line follower parameters that override config defaults
// for one mission run.
type Overrides struct {
	BaseSpeed     float64 `json:"base_speed"`
	Kp            float64 `json:"kp"`
	LineThreshold float64 `json:"line_threshold"`
}

// ValidateOverrides checks that every field is finite and in range.
func ValidateOverrides(o Overrides) error {
	if err := checkRange("base_speed", o.BaseSpeed, 1000); err != nil {
		return err
	}
	if err := checkRange("kp", o.Kp, 20); err != nil {
		return err
	}
	if err := checkRange("line_threshold", o.LineThreshold, 100); err != nil {
		return err
	}
	if o.LineThreshold != math.Trunc(o.LineThreshold) {
		return fmt.Errorf("line_threshold must be an integer, got %v", o.LineThreshold)
	}
	return nil
}

func checkRange(name string, v, limit float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be a finite number", name)
	}
	if v <= 0 || v > limit {
		return fmt.Errorf("%s must be in (0, %v], got %v", name, limit, v)
	}
	return nil
}

// RunMissionFunc runs the configured mission with the given overrides.
// It is called from the POST /run handler in a goroutine.
type RunMissionFunc func(ctx context.Context, overrides Overrides) error

// FormConfig holds default values for the run form (from config) and the
// mission steps for display.
type FormConfig struct {
	BaseSpeed     float64  `json:"base_speed"`
	Kp            float64  `json:"kp"`
	LineThreshold float64  `json:"line_threshold"`
	Steps         []string `json:"steps,omitempty"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	RunMission   RunMissionFunc
	FormDefaults FormConfig
	staticFS     fs.FS

	runningMu sync.Mutex
	running   bool
	lastStart time.Time
	cancel    context.CancelFunc
	baseCtx   context.Context
	now       func() time.Time
}

// NewHandlers creates handlers with the given dependencies.
// If runMission is nil, POST /run will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, runMission RunMissionFunc, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		RunMission:   runMission,
		FormDefaults: formDefaults,
		staticFS:     staticFS,
		baseCtx:      context.Background(),
		now:          time.Now,
	}
}

// setBaseContext makes missions started from now on end when ctx ends.
func (h *Handlers) setBaseContext(ctx context.Context) {
	h.runningMu.Lock()
	h.baseCtx = ctx
	h.runningMu.Unlock()
}

// Running reports whether a mission is in progress.
func (h *Handlers) Running() bool {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	return h.running
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.FormDefaults)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleRun handles POST /run to start a mission.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var overrides Overrides
	body := http.MaxBytesReader(w, r.Body, MaxRequestBytes)
	if err := json.NewDecoder(body).Decode(&overrides); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusBadRequest)
			return
		}
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateOverrides(overrides); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.RunMission == nil {
		http.Error(w, "mission not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "mission already in progress", http.StatusConflict)
		return
	}
	now := h.now()
	if !h.lastStart.IsZero() && now.Sub(h.lastStart) < MinRunInterval {
		h.runningMu.Unlock()
		http.Error(w, "too many requests, wait before starting again", http.StatusTooManyRequests)
		return
	}
	ctx, cancel := context.WithCancel(h.baseCtx)
	h.running = true
	h.lastStart = now
	h.cancel = cancel
	h.runningMu.Unlock()

	h.Broadcaster.BroadcastState(StateRunning)

	// Run in goroutine; clear running when done
	go func() {
		defer func() {
			cancel()
			h.runningMu.Lock()
			h.running = false
			h.cancel = nil
			h.runningMu.Unlock()
		}()

		if err := h.RunMission(ctx, overrides); err != nil {
			h.Broadcaster.Broadcast(LevelError, "Mission failed: "+err.Error())
			h.Broadcaster.BroadcastState(StateFailed)
			log.Printf("mission failed: %v", err)
			return
		}
		h.Broadcaster.BroadcastMsg("Mission complete")
		h.Broadcaster.BroadcastState(StateIdle)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

// HandleStop handles POST /stop: cancels the running mission.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.runningMu.Lock()
	cancel := h.cancel
	h.runningMu.Unlock()
	if cancel == nil {
		http.Error(w, "no mission in progress", http.StatusConflict)
		return
	}
	cancel()
	h.Broadcaster.BroadcastMsg("Stop requested")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "stopping"})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
