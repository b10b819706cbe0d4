package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDelivers(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe("collector", func(ev Event) { got = append(got, ev) })
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Publish(Event{Type: TypeGoalStarted, GoalID: "g1"})
	bus.Publish(Event{Type: TypeWorkItemStarted, GoalID: "g1", WorkItemID: "wi-1"})

	require.Len(t, got, 2)
	assert.Equal(t, TypeGoalStarted, got[0].Type)
	assert.Equal(t, "wi-1", got[1].WorkItemID)
}

func TestBus_StampsTimestamp(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe("collector", func(ev Event) { got = ev })

	bus.Publish(Event{Type: TypeRunStarted, GoalID: "g1"})
	assert.False(t, got.Timestamp.IsZero(), "publish should stamp a missing timestamp")

	// An explicit timestamp is preserved.
	stamped := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(Event{Type: TypeRunCompleted, GoalID: "g1", Timestamp: stamped})
	assert.True(t, got.Timestamp.Equal(stamped))
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	bus.Subscribe("once", func(Event) { calls++ })
	bus.Publish(Event{Type: TypeGoalCompleted, GoalID: "g1"})

	bus.Unsubscribe("once")
	bus.Publish(Event{Type: TypeGoalCompleted, GoalID: "g1"})

	assert.Equal(t, 1, calls)
	assert.Zero(t, bus.SubscriberCount())
}

func TestBus_SubscribeReplacesSameID(t *testing.T) {
	bus := NewBus()

	first, second := 0, 0
	bus.Subscribe("bridge", func(Event) { first++ })
	bus.Subscribe("bridge", func(Event) { second++ })

	bus.Publish(Event{Type: TypeGoalStarted, GoalID: "g1"})
	assert.Zero(t, first, "replaced handler must not fire")
	assert.Equal(t, 1, second)
}

func TestBus_HandlerMayUnsubscribeItself(t *testing.T) {
	bus := NewBus()

	calls := 0
	bus.Subscribe("self", func(Event) {
		calls++
		bus.Unsubscribe("self")
	})

	bus.Publish(Event{Type: TypeGoalStarted, GoalID: "g1"})
	bus.Publish(Event{Type: TypeGoalStarted, GoalID: "g1"})
	assert.Equal(t, 1, calls)
}
