package assigner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/botfleet/internal/domain/worker"
)

func TestEffectiveCountFallsBack(t *testing.T) {
	for _, desired := range []int{-3, -1, 0, 5, 9, 100} {
		assert.Equal(t, 4, EffectiveCount(desired, 4), "desired=%d", desired)
	}
	for desired := 1; desired <= 4; desired++ {
		assert.Equal(t, desired, EffectiveCount(desired, 4))
	}
}

func TestEffectiveCountNeverBelowOne(t *testing.T) {
	assert.Equal(t, 1, EffectiveCount(0, 0))
	assert.Equal(t, 1, EffectiveCount(3, -2))
}

func TestPlanShape(t *testing.T) {
	for available := 1; available <= 16; available++ {
		for desired := -1; desired <= available+1; desired++ {
			p := Plan(desired, available)
			n := EffectiveCount(desired, available)

			require.Equal(t, n, p.Size())
			assert.Equal(t, 1, p.Count(worker.RoleBotMain))
			assert.Equal(t, n-1, p.Count(worker.RoleBotWorker))
			assert.Equal(t, n-1, p.PeerCount())

			entries := p.Entries()
			assert.Equal(t, worker.NewBotMainConfig(n-1), entries[0])
			for i, e := range entries[1:] {
				assert.Equal(t, worker.RoleBotWorker, e.Role)
				assert.Equal(t, i+1, e.Sequence)
			}
		}
	}
}

func TestPlanDefaultParallelism(t *testing.T) {
	p := Plan(0, 4)

	entries := p.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, worker.RoleBotMain, entries[0].Role)
	assert.Equal(t, []int{1, 2, 3}, []int{entries[1].Sequence, entries[2].Sequence, entries[3].Sequence})
	assert.Equal(t, 3, p.PeerCount())
	assert.Equal(t, 3, entries[0].PeerCount)
}

func TestPlanSingleWorker(t *testing.T) {
	p := Plan(1, 8)

	require.Equal(t, 1, p.Size())
	assert.Equal(t, worker.NewBotMainConfig(0), p.Entries()[0])
	assert.Equal(t, 0, p.Count(worker.RoleBotWorker))
	assert.Equal(t, 0, p.PeerCount())
}

func TestPlanEntriesValidate(t *testing.T) {
	for _, e := range Plan(0, 6).Entries() {
		require.NoError(t, e.Validate())
	}
}
