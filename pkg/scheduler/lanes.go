package scheduler

import (
	"sync"

	"github.com/helmsman-ai/helmsman/pkg/config"
	"github.com/helmsman-ai/helmsman/pkg/models"
)

// Lane is an execution concurrency class. Every in-flight work item
// occupies exactly one lane slot from dispatch until its result is
// recorded.
type Lane string

const (
	LaneMain     Lane = "main"
	LaneSubagent Lane = "subagent"
	LaneCron     Lane = "cron"
	LaneSession  Lane = "session"
)

// LaneForItem classifies a work item by its context markers. Cron-sourced
// items go to the cron lane, items spawned by another work item to the
// subagent lane, items bound to an interactive session to the session
// lane, and everything else to main.
func LaneForItem(item *models.WorkItem) Lane {
	if item.Context == nil {
		return LaneMain
	}
	if src, _ := item.Context[models.ContextKeySource].(string); src == models.ContextSourceCron {
		return LaneCron
	}
	if parent, _ := item.Context[models.ContextKeyParentItem].(string); parent != "" {
		return LaneSubagent
	}
	if session, _ := item.Context[models.ContextKeySessionID].(string); session != "" {
		return LaneSession
	}
	return LaneMain
}

// laneSet tracks per-lane active counts against fixed caps.
type laneSet struct {
	mu     sync.Mutex
	caps   map[Lane]int
	active map[Lane]int
}

func newLaneSet(caps config.LaneCaps) *laneSet {
	return &laneSet{
		caps: map[Lane]int{
			LaneMain:     caps.Main,
			LaneSubagent: caps.Subagent,
			LaneCron:     caps.Cron,
			LaneSession:  caps.Session,
		},
		active: make(map[Lane]int),
	}
}

// tryAcquire takes a slot in the lane if one is free.
func (ls *laneSet) tryAcquire(lane Lane) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.active[lane] >= ls.caps[lane] {
		return false
	}
	ls.active[lane]++
	return true
}

// release frees a slot taken by tryAcquire.
func (ls *laneSet) release(lane Lane) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.active[lane] > 0 {
		ls.active[lane]--
	}
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Active int `json:"active"`
	Cap    int `json:"cap"`
}

// snapshot returns current per-lane occupancy.
func (ls *laneSet) snapshot() map[Lane]LaneStats {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make(map[Lane]LaneStats, len(ls.caps))
	for lane, c := range ls.caps {
		out[lane] = LaneStats{Active: ls.active[lane], Cap: c}
	}
	return out
}
