package manager

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/launchpad/internal/backend"
	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/tracker"
)

// ActiveRun is a launched job the manager is responsible for.
type ActiveRun struct {
	ItemID    string          `json:"runQueueItemId"`
	RunID     string          `json:"runId"`
	Backend   string          `json:"backend"`
	StartedAt time.Time       `json:"startedAt"`
	Adopted   bool            `json:"adopted"`
	Acked     bool            `json:"acked"`
	Status    model.RunStatus `json:"status"`

	run     backend.Run
	tracker tracker.Tracker
}

// Admission tracks active runs and in-flight launches against a fixed
// ceiling. It is not safe for concurrent use; the manager's owning goroutine
// is its only writer.
type Admission struct {
	max      int
	active   map[string]*ActiveRun // item ID → run
	inflight map[string]struct{}   // item IDs being launched
}

// NewAdmission returns an empty Admission with ceiling max.
func NewAdmission(max int) *Admission {
	return &Admission{
		max:      max,
		active:   make(map[string]*ActiveRun),
		inflight: make(map[string]struct{}),
	}
}

// Max returns the ceiling.
func (a *Admission) Max() int { return a.max }

// Needed returns how many more items may be admitted. It is negative when
// adopted orphans push the total over the ceiling.
func (a *Admission) Needed() int {
	return a.max - len(a.active) - len(a.inflight)
}

// Reserve counts itemID against the ceiling while its launch is in flight.
func (a *Admission) Reserve(itemID string) {
	a.inflight[itemID] = struct{}{}
}

// Release drops the reservation for an item whose launch failed.
func (a *Admission) Release(itemID string) {
	delete(a.inflight, itemID)
}

// Register records a started run, converting its reservation if it had one.
func (a *Admission) Register(r *ActiveRun) {
	delete(a.inflight, r.ItemID)
	a.active[r.ItemID] = r
}

// Remove forgets a finished run.
func (a *Admission) Remove(itemID string) {
	delete(a.active, itemID)
}

// Has reports whether itemID is active or in flight.
func (a *Admission) Has(itemID string) bool {
	if _, ok := a.active[itemID]; ok {
		return true
	}
	_, ok := a.inflight[itemID]
	return ok
}

// HasRun reports whether a run with runID is active.
func (a *Admission) HasRun(runID string) bool {
	for _, r := range a.active {
		if r.RunID == runID {
			return true
		}
	}
	return false
}

// ActiveCount returns the number of active runs.
func (a *Admission) ActiveCount() int { return len(a.active) }

// InFlight returns the number of reserved launches.
func (a *Admission) InFlight() int { return len(a.inflight) }

// Active returns the registered run for itemID.
func (a *Admission) Active(itemID string) (*ActiveRun, bool) {
	r, ok := a.active[itemID]
	return r, ok
}

// Runs returns the active runs ordered by start time.
func (a *Admission) Runs() []*ActiveRun {
	out := make([]*ActiveRun, 0, len(a.active))
	for _, r := range a.active {
		out = append(out, r)
	}
	slices.SortFunc(out, func(x, y *ActiveRun) int {
		if c := x.StartedAt.Compare(y.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ItemID, y.ItemID)
	})
	return out
}

// runClaims maps each run ID in use to the item that holds it, covering
// launches still in flight as well as active runs. Launch goroutines claim;
// the owning goroutine releases.
type runClaims struct {
	mu    sync.Mutex
	byRun map[string]string
}

func newRunClaims() *runClaims {
	return &runClaims{byRun: make(map[string]string)}
}

// claim gives runID to itemID. If another item holds it, claim fails and
// returns the holder.
func (c *runClaims) claim(runID, itemID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if holder, ok := c.byRun[runID]; ok && holder != itemID {
		return holder, false
	}
	c.byRun[runID] = itemID
	return itemID, true
}

// releaseItem drops every run ID held by itemID.
func (c *runClaims) releaseItem(itemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for runID, holder := range c.byRun {
		if holder == itemID {
			delete(c.byRun, runID)
		}
	}
}
