package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/botfleet/botfleet/internal/domain/worker"
)

// AlwaysRestart replaces every exited worker, whatever the exit status. There is
// no backoff and no retry limit.
type AlwaysRestart struct{}

func (AlwaysRestart) Decide(_ worker.Handle, _ worker.ExitStatus) worker.Decision {
	return worker.Decision{Restart: true, Reason: "always"}
}

// BoundedRestart replaces a worker while its identity has been restarted fewer
// than Max times.
type BoundedRestart struct {
	Max int
}

func (p BoundedRestart) Decide(h worker.Handle, _ worker.ExitStatus) worker.Decision {
	if h.Restarts < p.Max {
		return worker.Decision{Restart: true, Reason: fmt.Sprintf("restart %d of %d", h.Restarts+1, p.Max)}
	}
	return worker.Decision{Restart: false, Reason: fmt.Sprintf("restart limit %d reached", p.Max)}
}

// ExprPolicy restarts when a boolean expression evaluates to true. Available
// parameters: role, sequence, peer_count, restarts, exit_code, signal.
type ExprPolicy struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// NewExprPolicy compiles expression once.
func NewExprPolicy(expression string) (*ExprPolicy, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return nil, errors.New("empty recovery expression")
	}
	expr, err := govaluate.NewEvaluableExpression(src)
	if err != nil {
		return nil, fmt.Errorf("parse recovery expression: %w", err)
	}
	return &ExprPolicy{source: src, expr: expr}, nil
}

// Decide restarts when the expression cannot be evaluated to a boolean.
func (p *ExprPolicy) Decide(h worker.Handle, exit worker.ExitStatus) worker.Decision {
	params := map[string]interface{}{
		"role":       string(h.Config.Role),
		"sequence":   float64(h.Config.Sequence),
		"peer_count": float64(h.Config.PeerCount),
		"restarts":   float64(h.Restarts),
		"exit_code":  float64(exit.Code),
		"signal":     exit.Signal,
	}
	result, err := p.expr.Evaluate(params)
	if err != nil {
		return worker.Decision{Restart: true, Reason: "expression error: " + err.Error()}
	}
	v, ok := result.(bool)
	if !ok {
		return worker.Decision{Restart: true, Reason: "expression did not evaluate to boolean"}
	}
	return worker.Decision{Restart: v, Reason: p.source}
}

// SpawnRetryPolicy governs what happens when the OS refuses to create a worker.
// Zero Retries leaves the role vacant after the first failure.
type SpawnRetryPolicy struct {
	Retries int
	Delay   time.Duration
}

// next reports whether another attempt follows attempt (0-based) and after what delay.
func (p SpawnRetryPolicy) next(attempt int) (time.Duration, bool) {
	if attempt >= p.Retries {
		return 0, false
	}
	return p.Delay, true
}

var (
	_ worker.RecoveryPolicy = AlwaysRestart{}
	_ worker.RecoveryPolicy = BoundedRestart{}
	_ worker.RecoveryPolicy = (*ExprPolicy)(nil)
)
