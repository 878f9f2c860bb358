package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_AppendAndClear(t *testing.T) {
	b := NewBuffer()
	b.Append("one ")
	b.Append("two\n")

	assert.Equal(t, []string{"one ", "two\n"}, b.Snapshot())
	assert.Equal(t, "one two\n", b.String())
	assert.Equal(t, 2, b.Len())

	b.Clear()
	assert.Empty(t, b.Snapshot())
	assert.Equal(t, "", b.String())

	b.Append("three")
	assert.Equal(t, []string{"three"}, b.Snapshot())
}

func TestBuffer_SnapshotIsCopy(t *testing.T) {
	b := NewBuffer()
	b.Append("a")

	snap := b.Snapshot()
	snap[0] = "mutated"
	assert.Equal(t, []string{"a"}, b.Snapshot())
}

func TestBuffer_Subscribe(t *testing.T) {
	b := NewBuffer()
	b.Append("before")

	snapshot, sub := b.Subscribe(8)
	defer b.Unsubscribe(sub)
	assert.Equal(t, []string{"before"}, snapshot)

	b.Append("after")
	b.Clear()

	assert.Equal(t, Event{Type: EventOutput, Data: "after"}, <-sub.Events)
	assert.Equal(t, Event{Type: EventClear}, <-sub.Events)
}

func TestBuffer_SlowSubscriberIsDropped(t *testing.T) {
	b := NewBuffer()
	_, sub := b.Subscribe(1)

	b.Append("first")
	b.Append("second") // does not block

	ev, ok := <-sub.Events
	require.True(t, ok)
	assert.Equal(t, "first", ev.Data)

	_, ok = <-sub.Events
	assert.False(t, ok)
	assert.True(t, sub.Dropped())

	// Unsubscribing an already dropped subscriber is safe.
	b.Unsubscribe(sub)
}
