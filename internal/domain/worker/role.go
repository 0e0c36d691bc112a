package worker

import (
	"errors"
	"fmt"
	"strings"
)

// Role represents the function a worker process performs.
type Role string

const (
	// RolePrimary identifies the supervising process. It is never assigned to a worker.
	RolePrimary Role = "primary"
	// RoleBotMain is the single worker allowed to hold the exclusive bot session.
	RoleBotMain Role = "bot_main"
	// RoleBotWorker is a stateless task executor. Zero or more may run.
	RoleBotWorker Role = "bot_worker"
)

var ErrInvalidRole = errors.New("invalid worker role")

// ParseRole converts a PROCESS_ROLE value into an assignable Role.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.TrimSpace(raw)) {
	case RoleBotMain:
		return RoleBotMain, nil
	case RoleBotWorker:
		return RoleBotWorker, nil
	case RolePrimary:
		return "", fmt.Errorf("%w: %s is not assignable", ErrInvalidRole, RolePrimary)
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// Assignable reports whether the role may be given to a worker process.
func (r Role) Assignable() bool {
	switch r {
	case RoleBotMain, RoleBotWorker:
		return true
	case RolePrimary:
		return false
	default:
		return false
	}
}

func (r Role) String() string {
	return string(r)
}
