package core

import (
	"fmt"
	"maps"
	"sync"

	"trip_planner/pkg"
)

// Reducer merges a stage's new result into the committed one.
type Reducer func(prev pkg.StageResult, exists bool, next pkg.StageResult) pkg.StageResult

// LastWriteWins is the default reducer.
func LastWriteWins(_ pkg.StageResult, _ bool, next pkg.StageResult) pkg.StageResult {
	return next
}

// MergeFields keeps the new text but carries over structured fields the new
// result does not set.
func MergeFields(prev pkg.StageResult, exists bool, next pkg.StageResult) pkg.StageResult {
	if !exists || len(prev.Fields) == 0 {
		return next
	}
	fields := maps.Clone(prev.Fields)
	maps.Copy(fields, next.Fields)
	next.Fields = fields
	return next
}

// State is the shared result store of one pipeline run. Writes go to a
// per-wave pending area through single-owner slots and become visible only
// when the wave is committed.
type State struct {
	mu       sync.RWMutex
	results  map[pkg.StageName]pkg.StageResult
	reducers map[pkg.StageName]Reducer
	pending  map[pkg.StageName]pkg.StageResult
	owners   map[pkg.StageName]bool
	written  []pkg.StageName
	onCommit func(pkg.StageName, pkg.StageResult)
}

// NewState creates a state seeded with committed results from a previous run.
func NewState(seed map[pkg.StageName]pkg.StageResult) *State {
	results := make(map[pkg.StageName]pkg.StageResult, len(seed))
	maps.Copy(results, seed)
	return &State{
		results:  results,
		reducers: make(map[pkg.StageName]Reducer),
		pending:  make(map[pkg.StageName]pkg.StageResult),
		owners:   make(map[pkg.StageName]bool),
	}
}

func (s *State) SetReducer(stage pkg.StageName, r Reducer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reducers[stage] = r
}

// Get returns the committed result for stage.
func (s *State) Get(stage pkg.StageName) (pkg.StageResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[stage]
	return res, ok
}

func (s *State) Has(stage pkg.StageName) bool {
	_, ok := s.Get(stage)
	return ok
}

// Select returns the committed results for the given keys.
func (s *State) Select(keys []pkg.StageName) map[pkg.StageName]pkg.StageResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[pkg.StageName]pkg.StageResult, len(keys))
	for _, k := range keys {
		if res, ok := s.results[k]; ok {
			out[k] = res
		}
	}
	return out
}

// Results returns a copy of every committed result, seeded ones included.
func (s *State) Results() map[pkg.StageName]pkg.StageResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.results)
}

// Written lists the keys committed during this run, in commit order.
func (s *State) Written() []pkg.StageName {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pkg.StageName, len(s.written))
	copy(out, s.written)
	return out
}

// Slot hands out the write handle for stage. A second slot for the same key
// within one wave is refused.
func (s *State) Slot(stage pkg.StageName) (*Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owners[stage] {
		return nil, fmt.Errorf("state key %s already has a writer in this wave", stage)
	}
	s.owners[stage] = true
	return &Slot{state: s, key: stage}, nil
}

// commit applies pending writes through their reducers in the given order and
// releases all slots. It returns the committed results in order.
func (s *State) commit(order []pkg.StageName) []pkg.StageResult {
	s.mu.Lock()
	var committed []pkg.StageResult
	for _, key := range order {
		next, ok := s.pending[key]
		if !ok {
			continue
		}
		reduce := s.reducers[key]
		if reduce == nil {
			reduce = LastWriteWins
		}
		prev, exists := s.results[key]
		merged := reduce(prev, exists, next)
		s.results[key] = merged
		s.written = append(s.written, key)
		committed = append(committed, merged)
	}
	clear(s.pending)
	clear(s.owners)
	hook := s.onCommit
	s.mu.Unlock()

	if hook != nil {
		for _, res := range committed {
			hook(res.Stage, res)
		}
	}
	return committed
}

// discard drops pending writes without committing them.
func (s *State) discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.pending)
	clear(s.owners)
}

// Slot is the single-owner write handle for one state key.
type Slot struct {
	state *State
	key   pkg.StageName
}

func (sl *Slot) Key() pkg.StageName { return sl.key }

// Write stages a result for the next commit. The result is always stored
// under the slot's key.
func (sl *Slot) Write(res pkg.StageResult) {
	res.Stage = sl.key
	sl.state.mu.Lock()
	defer sl.state.mu.Unlock()
	sl.state.pending[sl.key] = res
}
