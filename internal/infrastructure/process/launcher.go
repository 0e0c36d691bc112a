// Package process starts worker processes by re-executing a binary and speaks
// the ipc protocol over the child's stdin/stdout.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/botfleet/botfleet/internal/domain/worker"
	"github.com/botfleet/botfleet/internal/infrastructure/ipc"
)

const (
	defaultMailboxSize  = 1024
	defaultDrainTimeout = 500 * time.Millisecond
)

var (
	ErrMailboxFull   = errors.New("worker mailbox full")
	ErrProcessExited = errors.New("worker process exited")
)

// Options configures how worker processes are created.
type Options struct {
	// Command is the binary to run. Defaults to the current executable.
	Command string
	// Args are passed to Command. Defaults to the hidden worker subcommand.
	Args []string
	// Env is overlaid on the inherited environment before the spawn keys.
	Env []string
	// MailboxSize bounds the per-worker outbound queue.
	MailboxSize int
	// Stderr receives the worker's stderr. Defaults to os.Stderr.
	Stderr io.Writer
	// DrainTimeout bounds how long frames are still read after the worker has
	// exited. Descendants holding stdout open do not delay the exit event beyond it.
	DrainTimeout time.Duration
}

func (o Options) normalized() (Options, error) {
	if o.Command == "" {
		exe, err := os.Executable()
		if err != nil {
			return o, fmt.Errorf("finding executable: %w", err)
		}
		o.Command = exe
	}
	if o.Args == nil {
		o.Args = []string{"_worker"}
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = defaultMailboxSize
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = defaultDrainTimeout
	}
	return o, nil
}

// Launcher implements worker.Launcher with os/exec.
type Launcher struct {
	opts   Options
	logger zerolog.Logger
}

func NewLauncher(opts Options, logger zerolog.Logger) (*Launcher, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	return &Launcher{
		opts:   opts,
		logger: logger.With().Str("service", "launcher").Logger(),
	}, nil
}

// Launch starts the process and returns as soon as it exists. The online,
// message and exit events arrive later through sink.
func (l *Launcher) Launch(ctx context.Context, spec worker.LaunchSpec, sink worker.EventSink) (worker.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := spec.Config.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.Command(l.opts.Command, l.opts.Args...)
	cmd.Env = append(append(os.Environ(), l.opts.Env...), spec.Config.Env()...)
	cmd.Stderr = l.opts.Stderr
	// Own process group: terminal signals reach the supervisor only, and Stop/Kill
	// take down anything the worker started.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// The parent owns the read end so it can be closed once the worker is gone,
	// even while the worker's own children still hold the write end.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("starting %s: %w", spec.Config.Identity(), err)
	}
	_ = stdoutW.Close()

	p := &process{
		handleID: spec.HandleID,
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		stdin:    stdin,
		stdout:   stdoutR,
		writer:   ipc.NewWriter(stdin),
		mailbox:  make(chan worker.Message, l.opts.MailboxSize),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		drain:    l.opts.DrainTimeout,
		logger: l.logger.With().
			Str("handle_id", spec.HandleID.String()).
			Int("pid", cmd.Process.Pid).
			Str("role", string(spec.Config.Role)).
			Logger(),
	}
	go p.writeLoop()
	go p.readLoop(sink)
	go p.waitLoop(sink)
	return p, nil
}

type process struct {
	handleID uuid.UUID
	cmd      *exec.Cmd
	pid      int
	stdin    io.WriteCloser
	stdout   *os.File
	writer   *ipc.Writer
	mailbox  chan worker.Message
	done     chan struct{}
	readDone chan struct{}
	drain    time.Duration
	logger   zerolog.Logger
}

func (p *process) PID() int {
	return p.pid
}

func (p *process) Send(msg worker.Message) error {
	select {
	case <-p.done:
		return ErrProcessExited
	default:
	}
	select {
	case p.mailbox <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

func (p *process) Stop() error {
	return p.signal(syscall.SIGTERM)
}

func (p *process) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *process) signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := syscall.Kill(-p.pid, sig); err != nil {
		return p.cmd.Process.Signal(sig)
	}
	return nil
}

// writeLoop drains the mailbox in order. It is the only writer of stdin.
func (p *process) writeLoop() {
	defer p.stdin.Close()
	for {
		select {
		case msg := <-p.mailbox:
			if err := p.writer.Write(ipc.MessageFrame(msg)); err != nil {
				p.logger.Debug().Err(err).Str("type", string(msg.Type)).Msg("failed to deliver message")
			}
		case <-p.done:
			return
		}
	}
}

// readLoop turns stdout frames into events until the pipe ends or is closed.
func (p *process) readLoop(sink worker.EventSink) {
	defer close(p.readDone)
	reader := ipc.NewReader(p.stdout)
	for {
		f, err := reader.Next()
		if err != nil {
			var decodeErr *ipc.DecodeError
			if errors.As(err, &decodeErr) {
				p.logger.Debug().Err(err).Msg("ignoring malformed frame")
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.logger.Warn().Err(err).Msg("ipc read failed; discarding remaining output")
				_, _ = io.Copy(io.Discard, p.stdout)
			}
			return
		}
		switch f.Kind {
		case ipc.KindOnline:
			sink.Post(worker.Event{HandleID: p.handleID, Kind: worker.EventOnline})
		case ipc.KindMessage:
			sink.Post(worker.Event{HandleID: p.handleID, Kind: worker.EventMessage, Message: f.Message})
		default:
		}
	}
}

// waitLoop reaps the worker, gives the reader a bounded drain, kills whatever
// is left in the worker's process group and posts the exit. The exit event is
// always the last event posted for a handle.
func (p *process) waitLoop(sink worker.EventSink) {
	status := exitStatus(p.cmd.Wait(), p.cmd.ProcessState)
	close(p.done)

	timer := time.NewTimer(p.drain)
	select {
	case <-p.readDone:
	case <-timer.C:
		p.logger.Debug().Dur("drain_timeout", p.drain).Msg("stdout still open after exit; closing")
	}
	timer.Stop()
	if err := syscall.Kill(-p.pid, syscall.SIGKILL); err == nil {
		p.logger.Debug().Msg("killed leftover processes in worker group")
	}
	_ = p.stdout.Close()
	<-p.readDone

	sink.Post(worker.Event{HandleID: p.handleID, Kind: worker.EventExited, Exit: &status})
}

func exitStatus(waitErr error, state *os.ProcessState) worker.ExitStatus {
	status := worker.ExitStatus{Code: -1}
	if state != nil {
		status.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		status.Err = waitErr.Error()
	}
	return status
}

var _ worker.Launcher = (*Launcher)(nil)
var _ worker.Process = (*process)(nil)
