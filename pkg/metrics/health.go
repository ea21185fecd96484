package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Readiness gates on the subsystems an event cannot be admitted
// without. The serve entrypoint marks each one up as it is wired;
// /readyz fails until all three are, so load balancers hold traffic
// during warmup and migrations.
var coreSubsystems = []string{"store", "ingress", "signing"}

type subsystemState struct {
	up     bool
	detail string
	since  time.Time
}

type healthState struct {
	mu         sync.RWMutex
	started    time.Time
	version    string
	subsystems map[string]subsystemState
}

var health = &healthState{
	started:    time.Now(),
	subsystems: make(map[string]subsystemState),
}

// SetVersion records the build version reported by the HTTP surface.
func SetVersion(version string) {
	health.mu.Lock()
	health.version = version
	health.mu.Unlock()
}

// MarkUp records a subsystem as serving.
func MarkUp(name string) {
	mark(name, true, "")
}

// MarkDown records a subsystem as failed. detail is surfaced verbatim
// on /healthz, so it should name the cause, not a stack trace.
func MarkDown(name, detail string) {
	mark(name, false, detail)
}

func mark(name string, up bool, detail string) {
	health.mu.Lock()
	health.subsystems[name] = subsystemState{up: up, detail: detail, since: time.Now()}
	health.mu.Unlock()
}

// Health is the JSON document served on /healthz and /readyz.
type Health struct {
	Status     string            `json:"status"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime"`
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

// Snapshot reports liveness: healthy unless some marked subsystem is
// down. Subsystems never marked are not counted against it.
func Snapshot() Health {
	health.mu.RLock()
	defer health.mu.RUnlock()

	out := Health{
		Status:     "healthy",
		Version:    health.version,
		Uptime:     time.Since(health.started).Round(time.Second).String(),
		Subsystems: make(map[string]string, len(health.subsystems)),
	}
	for name, s := range health.subsystems {
		if s.up {
			out.Subsystems[name] = "up"
			continue
		}
		out.Status = "unhealthy"
		out.Subsystems[name] = "down: " + s.detail
	}
	return out
}

// Readiness reports whether the core can admit events: every core
// subsystem must have been marked up.
func Readiness() Health {
	health.mu.RLock()
	defer health.mu.RUnlock()

	out := Health{
		Status:     "ready",
		Version:    health.version,
		Uptime:     time.Since(health.started).Round(time.Second).String(),
		Subsystems: make(map[string]string, len(coreSubsystems)),
	}
	names := append([]string(nil), coreSubsystems...)
	sort.Strings(names)
	for _, name := range names {
		s, marked := health.subsystems[name]
		switch {
		case !marked:
			out.Status = "not_ready"
			out.Subsystems[name] = "not started"
		case !s.up:
			out.Status = "not_ready"
			out.Subsystems[name] = "down: " + s.detail
		default:
			out.Subsystems[name] = "up"
		}
	}
	return out
}

// HealthHandler serves liveness on /healthz.
func HealthHandler() http.HandlerFunc {
	return serveHealth(Snapshot, "unhealthy")
}

// ReadyHandler serves readiness on /readyz.
func ReadyHandler() http.HandlerFunc {
	return serveHealth(Readiness, "not_ready")
}

func serveHealth(report func() Health, failStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := report()
		w.Header().Set("Content-Type", "application/json")
		if h.Status == failStatus {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	}
}
