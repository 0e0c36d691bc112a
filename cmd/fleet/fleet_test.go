package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/botfleet/internal/application/supervisor"
	"github.com/botfleet/botfleet/internal/config"
	"github.com/botfleet/botfleet/internal/domain/worker"
)

func TestPlanCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"plan", "--available", "4"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())

	var got struct {
		Available int `json:"available"`
		Effective int `json:"effective"`
		Plan      struct {
			PeerCount int `json:"peerCount"`
			Workers   []struct {
				Role     string `json:"role"`
				Sequence int    `json:"sequence"`
			} `json:"workers"`
		} `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, 4, got.Available)
	assert.Equal(t, 4, got.Effective)
	assert.Equal(t, 3, got.Plan.PeerCount)
	require.Len(t, got.Plan.Workers, 4)
	assert.Equal(t, "bot_main", got.Plan.Workers[0].Role)
	for i := 1; i < 4; i++ {
		assert.Equal(t, "bot_worker", got.Plan.Workers[i].Role)
		assert.Equal(t, i, got.Plan.Workers[i].Sequence)
	}
}

func TestRecoveryPolicy(t *testing.T) {
	p, err := recoveryPolicy(config.RecoveryConfig{Policy: config.PolicyAlways})
	require.NoError(t, err)
	assert.IsType(t, supervisor.AlwaysRestart{}, p)

	p, err = recoveryPolicy(config.RecoveryConfig{Policy: config.PolicyBounded, MaxRestarts: 3})
	require.NoError(t, err)
	assert.Equal(t, supervisor.BoundedRestart{Max: 3}, p)

	p, err = recoveryPolicy(config.RecoveryConfig{Policy: config.PolicyExpr, Expr: "exit_code != 0"})
	require.NoError(t, err)
	assert.IsType(t, &supervisor.ExprPolicy{}, p)

	_, err = recoveryPolicy(config.RecoveryConfig{Policy: "never"})
	assert.Error(t, err)
}

type stubFleet struct {
	handles []worker.Handle
	err     error
}

func (f stubFleet) Snapshot(context.Context) ([]worker.Handle, error) {
	return f.handles, f.err
}

// syncBuffer guards a bytes.Buffer written from the signal goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestReportFleetOnSignalLogsLiveWorkers(t *testing.T) {
	botMain := worker.NewHandle(worker.NewBotMainConfig(1), 0)
	botMain.PID = 101
	botMain.State = worker.StateRunning
	bot := worker.NewHandle(worker.NewBotWorkerConfig(1), 2)
	bot.PID = 102
	fleet := stubFleet{handles: []worker.Handle{*botMain, *bot}}

	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	go func() {
		reportFleetOnSignal(ctx, sigs, fleet, zerolog.New(&out))
		close(done)
	}()

	sigs <- syscall.SIGHUP
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"message":"fleet snapshot"`)
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var line map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 4)
	assert.Equal(t, "ignoring signal", lines[0]["message"])
	assert.Equal(t, "hangup", lines[0]["signal"])

	assert.Equal(t, "bot_main", lines[1]["role"])
	assert.Equal(t, float64(101), lines[1]["pid"])
	assert.Equal(t, string(worker.StateRunning), lines[1]["state"])

	assert.Equal(t, "bot_worker", lines[2]["role"])
	assert.Equal(t, float64(1), lines[2]["sequence"])
	assert.Equal(t, float64(2), lines[2]["restarts"])

	assert.Equal(t, float64(2), lines[3]["workers"])
}

func TestLogFleetReportsSnapshotError(t *testing.T) {
	var out bytes.Buffer
	logFleet(context.Background(), stubFleet{err: supervisor.ErrStopped}, zerolog.New(&out))

	assert.Contains(t, out.String(), "fleet snapshot unavailable")
	assert.Contains(t, out.String(), supervisor.ErrStopped.Error())
}
