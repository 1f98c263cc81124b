package assignment

import (
	"sort"
	"time"

	"github.com/ashita-ai/denwa/internal/model"
)

type agentSlot struct {
	max      int
	load     int
	retiring bool
}

// LoadTable holds per-agent concurrent call counts and the FIFO backlog of
// calls waiting for capacity. It is not safe for concurrent use; Service
// serializes every access under one mutex.
type LoadTable struct {
	agents  map[string]*agentSlot
	order   []string // agent ids, ascending; defines the tie-break
	pending []model.PendingCall
}

// NewLoadTable builds a table from a roster. Later duplicates overwrite
// earlier capacities.
func NewLoadTable(roster []model.AgentConfig) *LoadTable {
	t := &LoadTable{agents: make(map[string]*agentSlot, len(roster))}
	for _, a := range roster {
		t.add(a.AgentID, a.MaxConcurrentCalls)
	}
	return t
}

func (t *LoadTable) add(id string, maxCalls int) {
	if slot, ok := t.agents[id]; ok {
		slot.max = maxCalls
		slot.retiring = false
		return
	}
	t.agents[id] = &agentSlot{max: maxCalls}
	t.order = append(t.order, id)
	sort.Strings(t.order)
}

func (t *LoadTable) drop(id string) {
	delete(t.agents, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// selectLeastLoaded returns the available agent with the minimum load.
// Ties go to the lowest agent id.
func (t *LoadTable) selectLeastLoaded() (string, bool) {
	best := ""
	bestLoad := 0
	for _, id := range t.order {
		slot := t.agents[id]
		if slot.retiring || slot.load >= slot.max {
			continue
		}
		if best == "" || slot.load < bestLoad {
			best, bestLoad = id, slot.load
		}
	}
	return best, best != ""
}

func (t *LoadTable) hasCapacity(id string) bool {
	slot, ok := t.agents[id]
	return ok && !slot.retiring && slot.load < slot.max
}

func (t *LoadTable) increment(id string) {
	t.agents[id].load++
}

// decrement lowers the load floored at zero and reports whether the agent
// is known. Retiring agents are removed once idle.
func (t *LoadTable) decrement(id string) bool {
	slot, ok := t.agents[id]
	if !ok {
		return false
	}
	if slot.load > 0 {
		slot.load--
	}
	if slot.retiring && slot.load == 0 {
		t.drop(id)
	}
	return true
}

func (t *LoadTable) enqueue(d model.CallDescriptor, now time.Time) int {
	if pos := t.position(d.CallID); pos > 0 {
		return pos
	}
	t.pending = append(t.pending, model.PendingCall{Descriptor: d, EnqueuedAt: now})
	return len(t.pending)
}

func (t *LoadTable) dequeue() (model.PendingCall, bool) {
	if len(t.pending) == 0 {
		return model.PendingCall{}, false
	}
	head := t.pending[0]
	t.pending[0] = model.PendingCall{}
	t.pending = t.pending[1:]
	return head, true
}

// position is 1-based; zero means the call is not queued.
func (t *LoadTable) position(callID string) int {
	for i, p := range t.pending {
		if p.Descriptor.CallID == callID {
			return i + 1
		}
	}
	return 0
}

func (t *LoadTable) removePending(callID string) bool {
	for i, p := range t.pending {
		if p.Descriptor.CallID == callID {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (t *LoadTable) snapshot() []model.AgentLoad {
	out := make([]model.AgentLoad, 0, len(t.order))
	for _, id := range t.order {
		slot := t.agents[id]
		out = append(out, model.AgentLoad{
			AgentID:            id,
			CurrentLoad:        slot.load,
			MaxConcurrentCalls: slot.max,
			Available:          !slot.retiring && slot.load < slot.max,
			Retiring:           slot.retiring,
		})
	}
	return out
}
