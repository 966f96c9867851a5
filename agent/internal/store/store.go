package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dayofmonth/dayofmonth/pkg/types"
)

// Entry is a published state together with the time it was stored.
type Entry struct {
	State    types.SensorState
	StoredAt time.Time
}

// Summary counts stored states by availability.
type Summary struct {
	Sensors     int `json:"sensors"`
	Available   int `json:"available"`
	Unavailable int `json:"unavailable"`
}

// Snapshot is every stored state at one instant, as served to API and
// WebSocket clients.
type Snapshot struct {
	GeneratedAt time.Time           `json:"generated_at"`
	Summary     Summary             `json:"summary"`
	States      []types.SensorState `json:"states"`
}

// Store is a thread-safe map of sensor id to latest state.
type Store struct {
	mu   sync.RWMutex
	data map[string]*Entry
	now  func() time.Time // injectable for deterministic tests
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		data: make(map[string]*Entry),
		now:  time.Now,
	}
}

// Publish stores s as the latest state of its sensor. It never fails.
func (s *Store) Publish(_ context.Context, st types.SensorState) error {
	s.Put(st)
	return nil
}

// Put stores or replaces the state for st.SensorID.
func (s *Store) Put(st types.SensorState) {
	st.Attributes = cloneAttrs(st.Attributes)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[st.SensorID] = &Entry{State: st, StoredAt: s.now()}
}

// Get returns the latest state of sensorID and whether one was found.
func (s *Store) Get(sensorID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[sensorID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns every stored state, sorted by sensor id.
func (s *Store) List() []types.SensorState {
	s.mu.RLock()
	out := make([]types.SensorState, 0, len(s.data))
	for _, e := range s.data {
		out = append(out, e.State)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out
}

// Count returns the number of sensors with a stored state.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Summary counts stored states by availability.
func (s *Store) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := Summary{Sensors: len(s.data)}
	for _, e := range s.data {
		if e.State.Available {
			sum.Available++
		} else {
			sum.Unavailable++
		}
	}
	return sum
}

// Snapshot returns the summary and the sorted states together.
func (s *Store) Snapshot() Snapshot {
	states := s.List()
	snap := Snapshot{GeneratedAt: s.now().UTC(), States: states}
	snap.Summary.Sensors = len(states)
	for _, st := range states {
		if st.Available {
			snap.Summary.Available++
		} else {
			snap.Summary.Unavailable++
		}
	}
	return snap
}

// Retain drops the state of every sensor not in ids and returns how many
// were removed. It is called after a config reload.
func (s *Store) Retain(ids []string) int {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id := range s.data {
		if _, ok := keep[id]; !ok {
			delete(s.data, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("store: dropped states of removed sensors", "count", removed)
	}
	return removed
}

func cloneAttrs(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
