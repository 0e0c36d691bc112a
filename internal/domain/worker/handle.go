package worker

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State represents the lifecycle state of a worker handle.
type State string

const (
	StateSpawning State = "SPAWNING"
	StateRunning  State = "RUNNING"
	StateExited   State = "EXITED"
)

var ErrInvalidTransition = errors.New("invalid worker state transition")

// ExitStatus describes how a worker process terminated. Values are opaque
// pass-through data used only for logging and policy inputs.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Err    string `json:"error,omitempty"`
}

// Handle is the supervisor's record of one worker process. A handle is never
// brought back to life: a respawn creates a new handle with a new ID.
type Handle struct {
	ID        uuid.UUID   `json:"id"`
	Config    Config      `json:"config"`
	PID       int         `json:"pid"`
	State     State       `json:"state"`
	Restarts  int         `json:"restarts"`
	SpawnedAt time.Time   `json:"spawnedAt"`
	RunningAt *time.Time  `json:"runningAt,omitempty"`
	ExitedAt  *time.Time  `json:"exitedAt,omitempty"`
	Exit      *ExitStatus `json:"exit,omitempty"`
}

// NewHandle creates a handle in the Spawning state.
func NewHandle(cfg Config, restarts int) *Handle {
	return &Handle{
		ID:        uuid.New(),
		Config:    cfg,
		State:     StateSpawning,
		Restarts:  restarts,
		SpawnedAt: time.Now().UTC(),
	}
}

// Role is shorthand for h.Config.Role.
func (h *Handle) Role() Role {
	return h.Config.Role
}

// Sequence is shorthand for h.Config.Sequence.
func (h *Handle) Sequence() int {
	return h.Config.Sequence
}

// Alive reports whether the underlying process has not yet terminated.
func (h *Handle) Alive() bool {
	return h.State != StateExited
}

// CanTransitionTo validates a handle state transition.
func (h *Handle) CanTransitionTo(target State) bool {
	transitions := map[State][]State{
		StateSpawning: {StateRunning, StateExited},
		StateRunning:  {StateExited},
		StateExited:   {},
	}
	for _, s := range transitions[h.State] {
		if s == target {
			return true
		}
	}
	return false
}

// MarkRunning records the process-online signal.
func (h *Handle) MarkRunning() error {
	if !h.CanTransitionTo(StateRunning) {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	h.State = StateRunning
	h.RunningAt = &now
	return nil
}

// MarkExited records process termination. The PID is kept for logging but is stale from here on.
func (h *Handle) MarkExited(status ExitStatus) error {
	if !h.CanTransitionTo(StateExited) {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	h.State = StateExited
	h.ExitedAt = &now
	h.Exit = &status
	return nil
}

// MarshalZerologObject attaches the identifying fields of the handle to a log line.
func (h *Handle) MarshalZerologObject(e *zerolog.Event) {
	e.Str("handle_id", h.ID.String()).
		Int("pid", h.PID).
		Str("role", string(h.Config.Role))
	if h.Config.Role == RoleBotWorker {
		e.Int("sequence", h.Config.Sequence)
	}
}
