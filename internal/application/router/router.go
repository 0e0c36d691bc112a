// Package router decides which worker receives an inter-process message.
package router

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/botfleet/botfleet/internal/domain/worker"
)

// Router maps a message onto at most one live worker handle. It holds no state
// between calls; the handle snapshot is only read for the duration of Route.
type Router struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Router {
	return &Router{
		logger: logger.With().Str("service", "router").Logger(),
	}
}

// Route returns the target for msg among live, or false when the message is dropped.
func (r *Router) Route(msg worker.Message, live []*worker.Handle) (*worker.Handle, bool) {
	switch msg.Type {
	case worker.MessageBotCommand:
		target := botMain(live)
		if target == nil {
			r.logger.Debug().Str("type", string(msg.Type)).Msg("no live bot_main; dropping message")
			return nil, false
		}
		return target, true
	case worker.MessageTaskDispatch:
		if msg.TaskID == nil {
			r.logger.Debug().Str("type", string(msg.Type)).Msg("task_dispatch without taskId; dropping message")
			return nil, false
		}
		workers := botWorkers(live)
		if len(workers) == 0 {
			r.logger.Debug().Int64("task_id", *msg.TaskID).Msg("no live bot_worker; dropping message")
			return nil, false
		}
		return workers[slot(*msg.TaskID, len(workers))], true
	default:
		r.logger.Debug().Str("type", string(msg.Type)).Msg("unroutable message type")
		return nil, false
	}
}

func botMain(live []*worker.Handle) *worker.Handle {
	for _, h := range live {
		if h.Alive() && h.Role() == worker.RoleBotMain {
			return h
		}
	}
	return nil
}

// botWorkers returns the live BotWorkers ordered by ascending sequence index.
func botWorkers(live []*worker.Handle) []*worker.Handle {
	out := make([]*worker.Handle, 0, len(live))
	for _, h := range live {
		if h.Alive() && h.Role() == worker.RoleBotWorker {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence() < out[j].Sequence() })
	return out
}

// slot is taskID mod n, kept non-negative.
func slot(taskID int64, n int) int {
	m := taskID % int64(n)
	if m < 0 {
		m += int64(n)
	}
	return int(m)
}
