package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/helmsman-ai/helmsman/pkg/config"
	"github.com/helmsman-ai/helmsman/pkg/models"
)

func TestLaneForItem(t *testing.T) {
	tests := []struct {
		name string
		ctx  map[string]any
		want Lane
	}{
		{"no context", nil, LaneMain},
		{"empty context", map[string]any{}, LaneMain},
		{"cron source", map[string]any{models.ContextKeySource: models.ContextSourceCron}, LaneCron},
		{"spawned by another item", map[string]any{models.ContextKeyParentItem: "wi-parent"}, LaneSubagent},
		{"interactive session", map[string]any{models.ContextKeySessionID: "sess-1"}, LaneSession},
		{"cron wins over session", map[string]any{
			models.ContextKeySource:    models.ContextSourceCron,
			models.ContextKeySessionID: "sess-1",
		}, LaneCron},
		{"parent wins over session", map[string]any{
			models.ContextKeyParentItem: "wi-parent",
			models.ContextKeySessionID:  "sess-1",
		}, LaneSubagent},
		{"unknown source falls through", map[string]any{models.ContextKeySource: "manual"}, LaneMain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := &models.WorkItem{ID: "wi-1", Context: tt.ctx}
			assert.Equal(t, tt.want, LaneForItem(item))
		})
	}
}

func TestLaneSet_CapsAndRelease(t *testing.T) {
	ls := newLaneSet(config.LaneCaps{Main: 2, Subagent: 1, Cron: 1, Session: 1})

	assert.True(t, ls.tryAcquire(LaneMain))
	assert.True(t, ls.tryAcquire(LaneMain))
	assert.False(t, ls.tryAcquire(LaneMain), "main is at cap")

	// Other lanes are unaffected.
	assert.True(t, ls.tryAcquire(LaneCron))

	ls.release(LaneMain)
	assert.True(t, ls.tryAcquire(LaneMain))

	snap := ls.snapshot()
	assert.Equal(t, LaneStats{Active: 2, Cap: 2}, snap[LaneMain])
	assert.Equal(t, LaneStats{Active: 1, Cap: 1}, snap[LaneCron])
	assert.Equal(t, LaneStats{Active: 0, Cap: 1}, snap[LaneSession])
}

func TestLaneSet_ReleaseNeverGoesNegative(t *testing.T) {
	ls := newLaneSet(config.LaneCaps{Main: 1, Subagent: 1, Cron: 1, Session: 1})
	ls.release(LaneMain)
	assert.True(t, ls.tryAcquire(LaneMain))
	assert.False(t, ls.tryAcquire(LaneMain))
}
