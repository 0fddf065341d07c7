// Package telemetry fans domain events out to subscribers and keeps a
// bounded history for diagnostics, the way the teacher's tracking hub
// does for tracking samples.
package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cctalk/host/internal/logging"
)

// Config holds the hub's user-facing knobs, guarded by the hub's mutex
// for thread-safe access.
type Config struct {
	HistoryLimit int    `json:"historyLimit"`
	LogLevel     string `json:"logLevel"`
	LogFormat    string `json:"logFormat"`
	DebugMode    bool   `json:"debugMode"`
}

const (
	minHistoryLimit = 1
	maxHistoryLimit = 10_000
)

func defaultConfig() Config {
	return Config{HistoryLimit: 500, LogLevel: "warn", LogFormat: "text", DebugMode: false}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 {
		base = defaultConfig()
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if cfg.LogLevel == "" {
		cfg.LogLevel = base.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = base.LogFormat
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, fmt.Errorf("invalid log level: %w", err)
	}
	if _, err := logging.ParseFormat(cfg.LogFormat); err != nil {
		return Config{}, fmt.Errorf("invalid log format: %w", err)
	}
	return cfg, nil
}

// Kind classifies a telemetry Sample.
type Kind string

const (
	KindCredit      Kind = "credit"
	KindPayout      Kind = "payout"
	KindRebalance   Kind = "rebalance"
	KindDeviceError Kind = "device_error"
	KindDeviceReset Kind = "device_reset"
)

// Sample is one domain event recorded by the hub: a credit from an
// acceptor, a completed or rebalanced payout, or a device-level fault.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Address   byte      `json:"address"`
	Value     uint32    `json:"value,omitempty"`
	Message   string    `json:"message,omitempty"`
	Debug     *DebugInfo `json:"debug,omitempty"`
}

// DebugInfo captures optional internals attached to a sample when the
// hub's DebugMode is enabled.
type DebugInfo struct {
	Detail string `json:"detail"`
}

// ProcessMetrics captures runtime state for diagnostics.
type ProcessMetrics struct {
	StartTime        time.Time     `json:"startTime"`
	LastUpdated      time.Time     `json:"lastUpdated"`
	Uptime           time.Duration `json:"uptime"`
	MemoryAlloc      uint64        `json:"memoryAllocBytes"`
	MemoryTotalAlloc uint64        `json:"memoryTotalAllocBytes"`
	MemorySys        uint64        `json:"memorySysBytes"`
	NumGoroutine     int           `json:"numGoroutine"`
}

// HealthStatus surfaces overall process health.
type HealthStatus struct {
	Status  string         `json:"status"`
	Process ProcessMetrics `json:"process"`
	Reason  string         `json:"reason,omitempty"`
}

// Hub collects history and fans out telemetry updates to subscribers.
type Hub struct {
	mu           sync.RWMutex
	history      []Sample
	historyLimit int
	subscribers  map[chan Sample]struct{}
	config       Config
	logger       logging.Logger
	startTime    time.Time
	process      ProcessMetrics
}

// NewHub builds a telemetry hub with the provided history limit. A
// historyLimit of 0 takes the default (spec §6: the core, and the
// ambient telemetry around it, keeps no state on disk; history and
// config live only in process memory for the life of the Hub).
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	cfg := defaultConfig()
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}
	cfg, _ = validateConfig(cfg, defaultConfig())
	h := &Hub{
		historyLimit: cfg.HistoryLimit,
		subscribers:  make(map[chan Sample]struct{}),
		config:       cfg,
		logger:       logger.With(logging.Field{Key: "subsystem", Value: "telemetry"}),
		startTime:    time.Now(),
	}
	h.process = h.collectProcessMetrics()
	return h
}

// Report implements Reporter and records a new telemetry sample.
func (h *Hub) Report(kind Kind, address byte, value uint32, message string, debug *DebugInfo) {
	sample := Sample{Timestamp: time.Now(), Kind: kind, Address: address, Value: value, Message: message}
	h.mu.RLock()
	debugEnabled := h.config.DebugMode
	h.mu.RUnlock()
	if debug != nil && debugEnabled {
		sample.Debug = debug
	}

	h.mu.Lock()
	h.history = append(h.history, sample)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- sample:
		default:
		}
	}
	h.mu.Unlock()
}

// History returns a copy of stored telemetry samples.
func (h *Hub) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.history))
	copy(out, h.history)
	return out
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Sample, func()) {
	ch := make(chan Sample, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Reporter captures telemetry events; MultiReporter fans out to several.
type Reporter interface {
	Report(kind Kind, address byte, value uint32, message string, debug *DebugInfo)
}

// MultiReporter fans out telemetry to multiple destinations.
type MultiReporter []Reporter

func (m MultiReporter) Report(kind Kind, address byte, value uint32, message string, debug *DebugInfo) {
	for _, r := range m {
		if r != nil {
			r.Report(kind, address, value, message, debug)
		}
	}
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	h.historyLimit = cfg.HistoryLimit
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
}

func (h *Hub) collectProcessMetrics() ProcessMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	h.mu.RLock()
	start := h.startTime
	h.mu.RUnlock()

	metrics := ProcessMetrics{
		StartTime:        start,
		LastUpdated:      time.Now(),
		Uptime:           time.Since(start),
		MemoryAlloc:      mem.Alloc,
		MemoryTotalAlloc: mem.TotalAlloc,
		MemorySys:        mem.Sys,
		NumGoroutine:     runtime.NumGoroutine(),
	}

	h.mu.Lock()
	h.process = metrics
	h.mu.Unlock()

	return metrics
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (h *Hub) handleHistory(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.History())
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.ConfigSnapshot())
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid config payload: %v", err))
		return
	}

	h.mu.RLock()
	current := h.config
	h.mu.RUnlock()

	cfg, err := validateConfig(incoming, current)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.mu.Lock()
	h.applyConfig(cfg)
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	for _, sample := range h.History() {
		payload, _ := json.Marshal(sample)
		w.Write([]byte("data: "))
		w.Write(payload)
		w.Write([]byte("\n\n"))
	}
	flusher.Flush()

	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			payload, _ := json.Marshal(sample)
			w.Write([]byte("data: "))
			w.Write(payload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Hub) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.collectProcessMetrics())
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HealthStatus{Status: "ok", Process: h.collectProcessMetrics()})
}
