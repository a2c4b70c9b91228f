package ceremony

import (
	"sort"
	"sync"

	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

// Phase is the lifecycle position of one ceremony run.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseRunning
	PhaseDraining
	PhaseFinished
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseFinished:
		return "finished"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State tracks one ceremony run: its phase and the parties that have been
// heard from. It is owned by a single Run call.
type State struct {
	mu     sync.Mutex
	phase  Phase
	active map[wire.PartyIndex]struct{}
}

func newState(self wire.PartyIndex) *State {
	return &State{
		phase:  PhaseCreated,
		active: map[wire.PartyIndex]struct{}{self: {}},
	}
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *State) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// markActive records party and reports whether it was seen for the first time.
func (s *State) markActive(party wire.PartyIndex) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[party]; ok {
		return false
	}
	s.active[party] = struct{}{}
	return true
}

// Active returns the parties heard from so far, ascending.
func (s *State) Active() []wire.PartyIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.PartyIndex, 0, len(s.active))
	for p := range s.active {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
