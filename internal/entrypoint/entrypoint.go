// Package entrypoint is the runtime inside every worker process. It announces
// the worker to the supervisor, feeds routed messages to the role's Body and
// carries the Body's outbound messages back over stdout.
package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/botfleet/botfleet/internal/domain/worker"
	"github.com/botfleet/botfleet/internal/infrastructure/ipc"
)

const inboundBuffer = 64

var (
	errSupervisorGone = errors.New("supervisor channel closed")
	errBodyDone       = errors.New("worker body returned")
)

// Channel is the worker's view of the supervisor connection.
type Channel interface {
	// Send hands a message to the supervisor for routing.
	Send(msg worker.Message) error
	// Inbound yields messages routed to this worker. It is closed when the
	// supervisor goes away.
	Inbound() <-chan worker.Message
}

// Body is the role-specific work of a worker process.
type Body interface {
	Run(ctx context.Context, cfg worker.Config, ch Channel) error
}

// Run executes body for cfg until the body returns, ctx is cancelled or the
// supervisor closes stdin. The latter two are clean exits.
func Run(ctx context.Context, cfg worker.Config, body Body, in io.Reader, out io.Writer, logger zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger = logger.With().EmbedObject(cfg).Int("pid", os.Getpid()).Logger()

	ch := &channel{
		writer:  ipc.NewWriter(out),
		inbound: make(chan worker.Message, inboundBuffer),
	}
	if err := ch.writer.Write(ipc.OnlineFrame()); err != nil {
		return fmt.Errorf("announce online: %w", err)
	}
	logger.Info().Msg("worker started")

	g, gctx := errgroup.WithContext(ctx)
	frames := make(chan ipc.Frame)
	go readFrames(gctx, in, frames, logger)

	g.Go(func() error {
		return ch.pump(gctx, frames)
	})
	g.Go(func() error {
		if err := body.Run(gctx, cfg, ch); err != nil {
			return err
		}
		return errBodyDone
	})

	err := g.Wait()
	switch {
	case errors.Is(err, errSupervisorGone):
		logger.Info().Msg("supervisor channel closed; exiting")
		return nil
	case errors.Is(err, errBodyDone):
		logger.Info().Msg("worker finished")
		return nil
	case ctx.Err() != nil:
		logger.Info().Msg("worker stopped")
		return nil
	default:
		return err
	}
}

// readFrames forwards frames from in until the stream ends, then closes frames.
func readFrames(ctx context.Context, in io.Reader, frames chan<- ipc.Frame, logger zerolog.Logger) {
	defer close(frames)
	reader := ipc.NewReader(in)
	for {
		f, err := reader.Next()
		if err != nil {
			var decodeErr *ipc.DecodeError
			if errors.As(err, &decodeErr) {
				logger.Debug().Err(err).Msg("ignoring malformed frame")
				continue
			}
			if !errors.Is(err, io.EOF) {
				logger.Warn().Err(err).Msg("supervisor channel read failed")
			}
			return
		}
		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

type channel struct {
	writer  *ipc.Writer
	inbound chan worker.Message
}

func (c *channel) Send(msg worker.Message) error {
	return c.writer.Write(ipc.MessageFrame(msg))
}

func (c *channel) Inbound() <-chan worker.Message {
	return c.inbound
}

func (c *channel) pump(ctx context.Context, frames <-chan ipc.Frame) error {
	defer close(c.inbound)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return errSupervisorGone
			}
			if f.Kind != ipc.KindMessage || f.Message == nil {
				continue
			}
			select {
			case c.inbound <- *f.Message:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
