package health

import (
	"fmt"
	"sync"
	"time"
)

// Component names tracked by the daemon.
const (
	ComponentNamespace = "namespace"
	ComponentControl   = "control"
	ComponentListeners = "listeners"
	ComponentStatus    = "status"
)

type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// Status is one component's most recent health report.
type Status struct {
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker maintains a thread-safe collection of component health statuses.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

func NewTracker() *Tracker {
	return &Tracker{statuses: make(map[string]Status)}
}

func (t *Tracker) Setf(name string, level Level, format string, args ...any) {
	st := Status{Level: level, Message: fmt.Sprintf(format, args...), UpdatedAt: time.Now().UTC()}
	t.mu.Lock()
	t.statuses[name] = st
	t.mu.Unlock()
}

func (t *Tracker) Status(name string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[name]
	return s, ok
}

// Snapshot copies the current statuses.
func (t *Tracker) Snapshot() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Status, len(t.statuses))
	for k, v := range t.statuses {
		out[k] = v
	}
	return out
}

// Summary flattens the snapshot into component → "level: message" strings
// for the status API.
func (t *Tracker) Summary() map[string]string {
	snap := t.Snapshot()
	out := make(map[string]string, len(snap))
	for name, st := range snap {
		out[name] = st.Level.String() + ": " + st.Message
	}
	return out
}

// Overall reports the worst level across all components.
func (t *Tracker) Overall() Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	worst := LevelOK
	for _, st := range t.statuses {
		if st.Level > worst {
			worst = st.Level
		}
	}
	return worst
}
