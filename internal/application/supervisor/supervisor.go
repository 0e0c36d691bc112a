// Package supervisor runs the primary-process control loop: it spawns the planned
// workers, routes their messages and replaces the ones that exit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/botfleet/botfleet/internal/application/assigner"
	"github.com/botfleet/botfleet/internal/application/router"
	"github.com/botfleet/botfleet/internal/domain/worker"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultEventBuffer     = 256
)

var ErrStopped = errors.New("supervisor stopped")

// Options configures a Supervisor.
type Options struct {
	// DesiredWorkers is the requested fleet size. Zero or out of range means
	// one worker per available CPU.
	DesiredWorkers int
	// Available overrides the detected parallelism. Zero means runtime.NumCPU.
	Available int
	// Recovery decides whether exited workers are replaced. Defaults to AlwaysRestart.
	Recovery   worker.RecoveryPolicy
	SpawnRetry SpawnRetryPolicy
	// ShutdownTimeout is how long stopping workers get before they are killed.
	ShutdownTimeout time.Duration
	EventBuffer     int
}

type tracked struct {
	handle *worker.Handle
	proc   worker.Process
}

type spawnRequest struct {
	cfg      worker.Config
	restarts int
	attempt  int
}

// Supervisor owns the live worker set. Every mutation of that set happens on the
// goroutine running Run; other goroutines talk to it through channels.
type Supervisor struct {
	launcher worker.Launcher
	router   *router.Router
	opts     Options
	logger   zerolog.Logger

	events    chan worker.Event
	spawns    chan spawnRequest
	snapshots chan chan []worker.Handle
	done      chan struct{}

	// Owned by the loop goroutine.
	plan     worker.Plan
	handles  map[uuid.UUID]*tracked
	stopping bool
}

// New creates a supervisor. Run must be called exactly once.
func New(launcher worker.Launcher, rt *router.Router, opts Options, logger zerolog.Logger) *Supervisor {
	if opts.Recovery == nil {
		opts.Recovery = AlwaysRestart{}
	}
	if opts.Available <= 0 {
		opts.Available = assigner.AvailableParallelism()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	return &Supervisor{
		launcher:  launcher,
		router:    rt,
		opts:      opts,
		logger:    logger.With().Str("service", "supervisor").Logger(),
		events:    make(chan worker.Event, opts.EventBuffer),
		spawns:    make(chan spawnRequest),
		snapshots: make(chan chan []worker.Handle),
		done:      make(chan struct{}),
		handles:   make(map[uuid.UUID]*tracked),
	}
}

// Post implements worker.EventSink. It blocks until the loop accepts the event
// or the supervisor has stopped.
func (s *Supervisor) Post(ev worker.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Run spawns the planned fleet and supervises it until ctx is cancelled. Worker
// failures never make it return.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)

	s.plan = assigner.Plan(s.opts.DesiredWorkers, s.opts.Available)
	s.logger.Info().
		Int("workers", s.plan.Size()).
		Int("peer_count", s.plan.PeerCount()).
		Int("available", s.opts.Available).
		Msg("starting worker fleet")

	for _, cfg := range s.plan.Entries() {
		req := spawnRequest{cfg: cfg}
		s.safely("spawn", func() { s.spawn(ctx, req) })
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev := <-s.events:
			s.handleBatch(ctx, s.collect(ev))
		case req := <-s.spawns:
			s.safely("spawn", func() { s.spawn(ctx, req) })
		case reply := <-s.snapshots:
			s.drain(ctx)
			reply <- s.snapshot()
		}
	}
}

// Snapshot returns copies of the tracked handles, BotMain first then by sequence.
// Events posted before the call are reflected in the result.
func (s *Supervisor) Snapshot(ctx context.Context) ([]worker.Handle, error) {
	reply := make(chan []worker.Handle, 1)
	select {
	case s.snapshots <- reply:
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case handles := <-reply:
		return handles, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// collect returns first plus whatever else is already queued.
func (s *Supervisor) collect(first worker.Event) []worker.Event {
	batch := []worker.Event{first}
	for n := len(s.events); n > 0; n-- {
		batch = append(batch, <-s.events)
	}
	return batch
}

func (s *Supervisor) drain(ctx context.Context) {
	if n := len(s.events); n > 0 {
		batch := make([]worker.Event, 0, n)
		for ; n > 0; n-- {
			batch = append(batch, <-s.events)
		}
		s.handleBatch(ctx, batch)
	}
}

// handleBatch applies events in arrival order, then recovers the exited
// workers with BotMain ahead of any BotWorker.
func (s *Supervisor) handleBatch(ctx context.Context, batch []worker.Event) {
	var exited []*worker.Handle
	for _, ev := range batch {
		s.safely(string(ev.Kind), func() {
			switch ev.Kind {
			case worker.EventOnline:
				s.onOnline(ev)
			case worker.EventMessage:
				s.onMessage(ev)
			case worker.EventExited:
				if h := s.onExit(ev); h != nil {
					exited = append(exited, h)
				}
			default:
				s.logger.Debug().Str("kind", string(ev.Kind)).Msg("ignoring unknown event")
			}
		})
	}

	sort.SliceStable(exited, func(i, j int) bool {
		return exited[i].Role() == worker.RoleBotMain && exited[j].Role() != worker.RoleBotMain
	})
	for _, h := range exited {
		s.safely("recover", func() { s.replace(ctx, h) })
	}
}

func (s *Supervisor) spawn(ctx context.Context, req spawnRequest) {
	if s.stopping {
		return
	}
	h := worker.NewHandle(req.cfg, req.restarts)
	proc, err := s.launcher.Launch(ctx, worker.LaunchSpec{HandleID: h.ID, Config: req.cfg}, s)
	if err != nil {
		evt := s.logger.Error().Err(err).EmbedObject(req.cfg).Int("attempt", req.attempt+1)
		delay, retry := s.opts.SpawnRetry.next(req.attempt)
		if !retry || ctx.Err() != nil {
			evt.Msg("failed to spawn worker; role left vacant")
			return
		}
		evt.Dur("retry_in", delay).Msg("failed to spawn worker")
		next := req
		next.attempt++
		time.AfterFunc(delay, func() {
			select {
			case s.spawns <- next:
			case <-s.done:
			}
		})
		return
	}

	h.PID = proc.PID()
	s.handles[h.ID] = &tracked{handle: h, proc: proc}
	s.logger.Info().EmbedObject(h).Int("restarts", h.Restarts).Msg("worker spawning")
}

func (s *Supervisor) onOnline(ev worker.Event) {
	t, ok := s.handles[ev.HandleID]
	if !ok {
		s.logger.Debug().Str("handle_id", ev.HandleID.String()).Msg("online event for unknown handle")
		return
	}
	if err := t.handle.MarkRunning(); err != nil {
		s.logger.Debug().Err(err).EmbedObject(t.handle).Str("state", string(t.handle.State)).Msg("ignoring online event")
		return
	}
	s.logger.Info().EmbedObject(t.handle).Msg("worker online")
}

func (s *Supervisor) onMessage(ev worker.Event) {
	if ev.Message == nil {
		return
	}
	if _, ok := s.handles[ev.HandleID]; !ok {
		s.logger.Debug().Str("handle_id", ev.HandleID.String()).Msg("message from unknown handle")
		return
	}
	target, ok := s.router.Route(*ev.Message, s.live())
	if !ok {
		return
	}
	t := s.handles[target.ID]
	if err := t.proc.Send(*ev.Message); err != nil {
		s.logger.Warn().Err(err).EmbedObject(t.handle).Str("type", string(ev.Message.Type)).Msg("dropping message")
	}
}

// onExit retires the handle and returns it, or nil for stale or duplicate events.
func (s *Supervisor) onExit(ev worker.Event) *worker.Handle {
	t, ok := s.handles[ev.HandleID]
	if !ok {
		s.logger.Debug().Str("handle_id", ev.HandleID.String()).Msg("exit event for unknown handle")
		return nil
	}
	status := worker.ExitStatus{Code: -1, Err: "exit status unavailable"}
	if ev.Exit != nil {
		status = *ev.Exit
	}
	if err := t.handle.MarkExited(status); err != nil {
		s.logger.Warn().Err(err).EmbedObject(t.handle).Msg("ignoring exit event")
		return nil
	}
	delete(s.handles, ev.HandleID)

	evt := s.logger.Warn().EmbedObject(t.handle).Int("exit_code", status.Code)
	if status.Signal != "" {
		evt = evt.Str("signal", status.Signal)
	}
	if status.Err != "" {
		evt = evt.Str("error", status.Err)
	}
	evt.Msg("worker exited")
	return t.handle
}

func (s *Supervisor) replace(ctx context.Context, h *worker.Handle) {
	if s.stopping {
		return
	}
	decision := s.opts.Recovery.Decide(*h, *h.Exit)
	if !decision.Restart {
		s.logger.Warn().EmbedObject(h).Str("reason", decision.Reason).Msg("not replacing worker")
		return
	}
	s.logger.Info().EmbedObject(h).Str("reason", decision.Reason).Msg("replacing worker")
	s.spawn(ctx, spawnRequest{cfg: h.Config, restarts: h.Restarts + 1})
}

// safely runs fn and logs a panic instead of letting it take down the primary.
func (s *Supervisor) safely(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("op", op).
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("supervisor fault; continuing")
		}
	}()
	fn()
}

func (s *Supervisor) live() []*worker.Handle {
	out := make([]*worker.Handle, 0, len(s.handles))
	for _, t := range s.handles {
		out = append(out, t.handle)
	}
	return out
}

func (s *Supervisor) snapshot() []worker.Handle {
	out := make([]worker.Handle, 0, len(s.handles))
	for _, t := range s.handles {
		out = append(out, *t.handle)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role() != out[j].Role() {
			return out[i].Role() == worker.RoleBotMain
		}
		return out[i].Sequence() < out[j].Sequence()
	})
	return out
}

// shutdown asks every worker to stop, waits for their exits, and kills whatever
// is left when the timeout passes. No worker is replaced from here on.
func (s *Supervisor) shutdown() {
	s.stopping = true
	if len(s.handles) == 0 {
		s.logger.Info().Msg("supervisor stopped")
		return
	}
	s.logger.Info().Int("workers", len(s.handles)).Dur("timeout", s.opts.ShutdownTimeout).Msg("stopping workers")
	for _, t := range s.handles {
		if err := t.proc.Stop(); err != nil {
			s.logger.Warn().Err(err).EmbedObject(t.handle).Msg("failed to stop worker")
		}
	}

	timer := time.NewTimer(s.opts.ShutdownTimeout)
	defer timer.Stop()
	for len(s.handles) > 0 {
		select {
		case ev := <-s.events:
			if ev.Kind == worker.EventExited {
				s.safely("exit", func() { s.onExit(ev) })
			}
		case <-s.spawns:
		case reply := <-s.snapshots:
			reply <- s.snapshot()
		case <-timer.C:
			for _, t := range s.handles {
				s.logger.Warn().EmbedObject(t.handle).Msg("killing worker after shutdown timeout")
				if err := t.proc.Kill(); err != nil {
					s.logger.Warn().Err(err).EmbedObject(t.handle).Msg("failed to kill worker")
				}
			}
			return
		}
	}
	s.logger.Info().Msg("supervisor stopped")
}

var _ worker.EventSink = (*Supervisor)(nil)
