package progress

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the latest status of one pipeline component.
type Snapshot struct {
	Component string    `json:"component"`
	Status    string    `json:"status"`
	Percent   int       `json:"percent"`
	File      string    `json:"file,omitempty"`
	Handler   string    `json:"handler,omitempty"`
	Updated   time.Time `json:"updated"`
}

// Board holds the latest Snapshot per component and stamps Events for one run.
type Board struct {
	runID   [16]byte
	emitter Emitter
	now     func() time.Time

	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewBoard creates a Board for runID. emitter may be nil.
func NewBoard(runID uuid.UUID, emitter Emitter) *Board {
	return &Board{
		runID:   UUIDToBytes(runID),
		emitter: emitter,
		now:     func() time.Time { return time.Now().UTC() },
		snaps:   make(map[string]Snapshot),
	}
}

// RunID returns the run this board reports for.
func (b *Board) RunID() uuid.UUID {
	return uuid.UUID(b.runID)
}

// Reporter returns the Tracker for component.
func (b *Board) Reporter(component string) *Tracker {
	b.update(component, func(*Snapshot) {})
	return &Tracker{board: b, component: component}
}

// Snapshots returns every component's latest status ordered by name.
func (b *Board) Snapshots() []Snapshot {
	b.mu.RLock()
	out := make([]Snapshot, 0, len(b.snaps))
	for _, s := range b.snaps {
		out = append(out, s)
	}
	b.mu.RUnlock()
	slices.SortFunc(out, func(a, c Snapshot) int {
		return strings.Compare(a.Component, c.Component)
	})
	return out
}

// Snapshot returns the latest status of one component.
func (b *Board) Snapshot(component string) (Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.snaps[component]
	return s, ok
}

func (b *Board) update(component string, fn func(*Snapshot)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.snaps[component]
	s.Component = component
	fn(&s)
	s.Updated = b.now()
	b.snaps[component] = s
}

func (b *Board) emit(evt Event) {
	if b.emitter == nil {
		return
	}
	evt.RunID = b.runID
	evt.TS = b.now()
	b.emitter.Emit(evt)
}

// Tracker reports for a single component. A nil Tracker discards everything,
// which keeps tests and optional wiring simple.
type Tracker struct {
	board     *Board
	component string
}

// Component returns the component name.
func (t *Tracker) Component() string {
	if t == nil {
		return ""
	}
	return t.component
}

// SetStatus records the current status text.
func (t *Tracker) SetStatus(status string) {
	if t == nil {
		return
	}
	t.board.update(t.component, func(s *Snapshot) { s.Status = status })
}

// SetPercent records completion of the current item, clamped to 0..100.
func (t *Tracker) SetPercent(percent int) {
	if t == nil {
		return
	}
	percent = min(max(percent, 0), 100)
	t.board.update(t.component, func(s *Snapshot) { s.Percent = percent })
}

// SetFile records the file being worked on.
func (t *Tracker) SetFile(file string) {
	if t == nil {
		return
	}
	t.board.update(t.component, func(s *Snapshot) { s.File = file })
}

// SetHandler records the handler currently running.
func (t *Tracker) SetHandler(name string) {
	if t == nil {
		return
	}
	t.board.update(t.component, func(s *Snapshot) { s.Handler = name })
}

// Reset clears per-item fields once an item is finished.
func (t *Tracker) Reset(status string) {
	if t == nil {
		return
	}
	t.board.update(t.component, func(s *Snapshot) {
		s.Status = status
		s.Percent = 0
		s.File = ""
		s.Handler = ""
	})
}

// Event emits a milestone for this component. Component, RunID and TS are
// filled in.
func (t *Tracker) Event(evt Event) {
	if t == nil {
		return
	}
	evt.Component = t.component
	t.board.emit(evt)
}
