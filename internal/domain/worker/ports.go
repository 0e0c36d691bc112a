package worker

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_ports.go -package=mocks . Launcher,Process,RecoveryPolicy

import (
	"context"

	"github.com/google/uuid"
)

// EventKind identifies what happened to a worker process.
type EventKind string

const (
	EventOnline  EventKind = "ONLINE"
	EventMessage EventKind = "MESSAGE"
	EventExited  EventKind = "EXITED"
)

// Event is emitted by a running process towards the supervisor loop.
type Event struct {
	HandleID uuid.UUID
	Kind     EventKind
	Message  *Message
	Exit     *ExitStatus
}

// EventSink receives process events. Post may block until the event is accepted.
type EventSink interface {
	Post(ev Event)
}

// LaunchSpec is everything a launcher needs to create one worker process.
type LaunchSpec struct {
	HandleID uuid.UUID
	Config   Config
}

// Launcher creates worker processes. Launch must not wait for the worker to come online.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec, sink EventSink) (Process, error)
}

// Process is a live worker process as seen from the supervisor.
type Process interface {
	PID() int
	// Send queues a message for the worker without blocking.
	Send(msg Message) error
	// Stop asks the worker to terminate.
	Stop() error
	// Kill terminates the worker immediately.
	Kill() error
}

// Decision is the outcome of a recovery evaluation.
type Decision struct {
	Restart bool
	Reason  string
}

// RecoveryPolicy decides whether an exited worker is replaced.
type RecoveryPolicy interface {
	Decide(h Handle, exit ExitStatus) Decision
}
