// Package assigner computes the startup worker plan.
package assigner

import (
	"runtime"

	"github.com/botfleet/botfleet/internal/domain/worker"
)

// EffectiveCount applies the fallback rule: a desired count that is zero,
// negative or larger than the available parallelism becomes the available parallelism.
func EffectiveCount(desired, available int) int {
	if available < 1 {
		available = 1
	}
	if desired <= 0 || desired > available {
		return available
	}
	return desired
}

// Plan returns one BotMain entry followed by BotWorker entries with sequence
// indices 1..n-1. BotMain is told about n-1 peers.
func Plan(desired, available int) worker.Plan {
	n := EffectiveCount(desired, available)
	peers := n - 1

	entries := make([]worker.Config, 0, n)
	entries = append(entries, worker.NewBotMainConfig(peers))
	for seq := 1; seq <= peers; seq++ {
		entries = append(entries, worker.NewBotWorkerConfig(seq))
	}
	return worker.NewPlan(entries, peers)
}

// AvailableParallelism is the host's usable CPU count.
func AvailableParallelism() int {
	return runtime.NumCPU()
}
