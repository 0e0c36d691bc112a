package worker

// Plan is the immutable startup plan: the ordered worker configurations and the
// peer count handed to BotMain.
type Plan struct {
	entries   []Config
	peerCount int
}

// NewPlan builds a plan. The entries slice is copied.
func NewPlan(entries []Config, peerCount int) Plan {
	cp := make([]Config, len(entries))
	copy(cp, entries)
	return Plan{entries: cp, peerCount: peerCount}
}

// Entries returns a copy of the planned worker configurations in spawn order.
func (p Plan) Entries() []Config {
	cp := make([]Config, len(p.entries))
	copy(cp, p.entries)
	return cp
}

// PeerCount is the number of BotWorker peers BotMain is told about.
func (p Plan) PeerCount() int {
	return p.peerCount
}

// Size is the effective worker count.
func (p Plan) Size() int {
	return len(p.entries)
}

// Count returns how many entries carry the given role.
func (p Plan) Count(role Role) int {
	n := 0
	for _, e := range p.entries {
		if e.Role == role {
			n++
		}
	}
	return n
}

type planJSON struct {
	PeerCount int      `json:"peerCount"`
	Workers   []Config `json:"workers"`
}

// View returns a JSON-friendly representation.
func (p Plan) View() any {
	return planJSON{PeerCount: p.peerCount, Workers: p.Entries()}
}
