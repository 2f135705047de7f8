package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Event levels. Log lines are classified from the debug prefix.
const (
	LevelInfo    = "info"
	LevelLive    = "live"
	LevelVerbose = "verbose"
	LevelTrace   = "trace"
	LevelError   = "error"
	LevelState   = "state" // mission state change: running, idle, failed
)

// historySize is how many recent events a new subscriber receives first.
const historySize = 32

// StatusEvent represents a single status message for SSE.
type StatusEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients and
// keeps the last few so a page opened mid-mission sees where it is.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	history []string
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives the recent history, then every
// broadcast message, and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	for _, p := range b.history {
		ch <- p
	}
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Broadcast sends a message to all subscribed clients.
// Messages are sent as JSON: {"t":"...","l":"info","msg":"..."}
// Slow clients may miss messages (non-blocking, buffered).
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	evt := StatusEvent{
		Time:  time.Now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.Lock()
	defer b.mu.Unlock()
	if level != LevelTrace {
		b.history = append(b.history, payload)
		if len(b.history) > historySize {
			b.history = b.history[len(b.history)-historySize:]
		}
	}
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast(LevelInfo, msg)
}

// BroadcastState announces a mission state change.
func (b *StatusBroadcaster) BroadcastState(state string) {
	b.Broadcast(LevelState, state)
}

// levelOf maps a debug log line to an event level.
func levelOf(line string) string {
	switch {
	case strings.Contains(line, "[ERROR]"):
		return LevelError
	case strings.Contains(line, "[LIVE]"):
		return LevelLive
	case strings.Contains(line, "[VERBOSE]"):
		return LevelVerbose
	case strings.Contains(line, "[TICK]"), strings.Contains(line, "[TRACE]"), strings.Contains(line, "[GPIO]"):
		return LevelTrace
	}
	return LevelInfo
}

// BroadcastWriter implements io.Writer; each written line is broadcast to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		msg := strings.TrimSpace(line)
		if msg != "" {
			w.b.Broadcast(levelOf(msg), msg)
		}
	}
	return len(p), nil
}
