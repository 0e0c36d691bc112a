package entrypoint

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/botfleet/botfleet/internal/domain/worker"
)

// Bodies holds the Body for each assignable role.
type Bodies struct {
	Main   Body
	Worker Body
}

// For selects the body for role.
func (b Bodies) For(role worker.Role) (Body, error) {
	var body Body
	switch role {
	case worker.RoleBotMain:
		body = b.Main
	case worker.RoleBotWorker:
		body = b.Worker
	case worker.RolePrimary:
		return nil, fmt.Errorf("%w: %s runs the supervisor, not a body", worker.ErrInvalidRole, role)
	default:
		return nil, fmt.Errorf("%w: %q", worker.ErrInvalidRole, string(role))
	}
	if body == nil {
		return nil, fmt.Errorf("no body registered for %s", role)
	}
	return body, nil
}

// LoggingBody logs every routed message and otherwise idles. It stands in for
// the bot runtime.
type LoggingBody struct {
	Logger zerolog.Logger
}

func (b LoggingBody) Run(ctx context.Context, cfg worker.Config, ch Channel) error {
	logger := b.Logger.With().EmbedObject(cfg).Logger()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch.Inbound():
			if !ok {
				return nil
			}
			evt := logger.Info().Str("type", string(msg.Type)).Int("payload_bytes", len(msg.Payload))
			if msg.TaskID != nil {
				evt = evt.Int64("task_id", *msg.TaskID)
			}
			evt.Msg("message received")
		}
	}
}

var _ Body = LoggingBody{}
