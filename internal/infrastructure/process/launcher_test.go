package process

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/botfleet/internal/domain/worker"
	"github.com/botfleet/botfleet/internal/infrastructure/ipc"
)

const (
	helperEnv     = "BOTFLEET_TEST_HELPER"
	helperModeEnv = "BOTFLEET_TEST_MODE"
)

// TestMain doubles as the worker binary when the helper env is set.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelper(os.Getenv(helperModeEnv)))
	}
	os.Exit(m.Run())
}

func runHelper(mode string) int {
	w := ipc.NewWriter(os.Stdout)
	switch mode {
	case "crash":
		return 3
	case "echo":
		cfg, err := worker.ConfigFromEnv(os.LookupEnv)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		if err := w.Write(ipc.OnlineFrame()); err != nil {
			return 2
		}
		payload, _ := json.Marshal(map[string]any{"role": cfg.Role, "sequence": cfg.Sequence, "peers": cfg.PeerCount})
		if err := w.Write(ipc.MessageFrame(worker.NewBotCommand(payload))); err != nil {
			return 2
		}
		r := ipc.NewReader(os.Stdin)
		for {
			f, err := r.Next()
			if err == io.EOF {
				return 0
			}
			if err != nil {
				continue
			}
			if f.Kind == ipc.KindMessage {
				_ = w.Write(f)
			}
		}
	case "noisy":
		out := bufio.NewWriter(os.Stdout)
		fmt.Fprintln(out, "not a frame")
		out.Flush()
		_ = w.Write(ipc.OnlineFrame())
		return 0
	case "sleep":
		time.Sleep(30 * time.Second)
		return 0
	case "orphan":
		// Leaves a descendant holding stdout open after this process exits.
		child := exec.Command(os.Args[0], "-test.run=^$")
		child.Env = append(os.Environ(), helperModeEnv+"=sleep")
		child.Stdout = os.Stdout
		if err := child.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		_ = w.Write(ipc.OnlineFrame())
		return 1
	default:
		return 1
	}
}

type chanSink chan worker.Event

func (s chanSink) Post(ev worker.Event) {
	s <- ev
}

func (s chanSink) next(t *testing.T) worker.Event {
	t.Helper()
	select {
	case ev := <-s:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for worker event")
		return worker.Event{}
	}
}

func newTestLauncher(t *testing.T, mode string, opts ...func(*Options)) *Launcher {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process groups are not supported on windows")
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	o := Options{
		Command:     exe,
		Args:        []string{"-test.run=^$"},
		Env:         []string{helperEnv + "=1", helperModeEnv + "=" + mode},
		MailboxSize: 8,
		Stderr:      io.Discard,
	}
	for _, opt := range opts {
		opt(&o)
	}
	l, err := NewLauncher(o, zerolog.Nop())
	require.NoError(t, err)
	return l
}

func TestLaunchInjectsConfigAndOrdersEvents(t *testing.T) {
	l := newTestLauncher(t, "echo")
	sink := make(chanSink, 16)
	id := uuid.New()

	p, err := l.Launch(context.Background(), worker.LaunchSpec{HandleID: id, Config: worker.NewBotWorkerConfig(2)}, sink)
	require.NoError(t, err)
	assert.Positive(t, p.PID())

	ev := sink.next(t)
	assert.Equal(t, worker.EventOnline, ev.Kind)
	assert.Equal(t, id, ev.HandleID)

	ev = sink.next(t)
	require.Equal(t, worker.EventMessage, ev.Kind)
	require.NotNil(t, ev.Message)
	assert.JSONEq(t, `{"role":"bot_worker","sequence":2,"peers":0}`, string(ev.Message.Payload))

	require.NoError(t, p.Send(worker.NewTaskDispatch(7, json.RawMessage(`"job"`))))
	ev = sink.next(t)
	require.Equal(t, worker.EventMessage, ev.Kind)
	require.NotNil(t, ev.Message.TaskID)
	assert.Equal(t, int64(7), *ev.Message.TaskID)

	require.NoError(t, p.Stop())
	ev = sink.next(t)
	assert.Equal(t, worker.EventExited, ev.Kind)
	require.NotNil(t, ev.Exit)
}

func TestLaunchReportsCrashExitCode(t *testing.T) {
	l := newTestLauncher(t, "crash")
	sink := make(chanSink, 4)

	p, err := l.Launch(context.Background(), worker.LaunchSpec{HandleID: uuid.New(), Config: worker.NewBotMainConfig(0)}, sink)
	require.NoError(t, err)

	ev := sink.next(t)
	require.Equal(t, worker.EventExited, ev.Kind, "a worker that dies before coming online still reports its exit")
	require.NotNil(t, ev.Exit)
	assert.Equal(t, 3, ev.Exit.Code)
	assert.Empty(t, ev.Exit.Err)

	assert.ErrorIs(t, p.Send(worker.NewBotCommand(nil)), ErrProcessExited)
	assert.NoError(t, p.Stop())
	assert.NoError(t, p.Kill())
}

func TestLaunchSkipsMalformedOutput(t *testing.T) {
	l := newTestLauncher(t, "noisy")
	sink := make(chanSink, 4)

	_, err := l.Launch(context.Background(), worker.LaunchSpec{HandleID: uuid.New(), Config: worker.NewBotMainConfig(1)}, sink)
	require.NoError(t, err)

	assert.Equal(t, worker.EventOnline, sink.next(t).Kind)
	assert.Equal(t, worker.EventExited, sink.next(t).Kind)
}

func TestLaunchReportsExitWhileDescendantHoldsStdout(t *testing.T) {
	l := newTestLauncher(t, "orphan", func(o *Options) { o.DrainTimeout = 100 * time.Millisecond })
	sink := make(chanSink, 4)

	start := time.Now()
	_, err := l.Launch(context.Background(), worker.LaunchSpec{HandleID: uuid.New(), Config: worker.NewBotMainConfig(1)}, sink)
	require.NoError(t, err)

	assert.Equal(t, worker.EventOnline, sink.next(t).Kind)
	ev := sink.next(t)
	require.Equal(t, worker.EventExited, ev.Kind)
	require.NotNil(t, ev.Exit)
	assert.Equal(t, 1, ev.Exit.Code)
	assert.Less(t, time.Since(start), 5*time.Second, "exit is reported without waiting for the descendant")
}

func TestLaunchRejectsInvalidConfig(t *testing.T) {
	l := newTestLauncher(t, "echo")

	_, err := l.Launch(context.Background(), worker.LaunchSpec{HandleID: uuid.New(), Config: worker.Config{Role: worker.RolePrimary}}, make(chanSink, 1))
	assert.ErrorIs(t, err, worker.ErrInvalidRole)
}

func TestLaunchHonoursCancelledContext(t *testing.T) {
	l := newTestLauncher(t, "echo")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Launch(ctx, worker.LaunchSpec{HandleID: uuid.New(), Config: worker.NewBotMainConfig(0)}, make(chanSink, 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExitStatusWithoutProcessState(t *testing.T) {
	status := exitStatus(nil, nil)
	assert.Equal(t, -1, status.Code)
}
