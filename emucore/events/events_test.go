package events

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valerio/go-emucore/emucore/component"
)

func push(t *testing.T, q *Queue, id component.EventID, tick uint64, owner component.ID) {
	t.Helper()
	_, err := q.Push(Event{ID: id, Tick: tick, Owner: owner})
	require.NoError(t, err)
}

func TestQueueOrder(t *testing.T) {
	q := NewQueue()
	push(t, q, 1, 200, "a")
	push(t, q, 2, 100, "a")
	push(t, q, 3, 100, "b")
	push(t, q, 4, 150, "b")

	var got []component.EventID
	for {
		ev, ok := q.PopDue(1000)
		if !ok {
			break
		}
		got = append(got, ev.ID)
	}
	// same tick fires in scheduling order
	assert.Equal(t, []component.EventID{2, 3, 4, 1}, got)
	assert.Equal(t, 0, q.Len())
}

func TestPopDue(t *testing.T) {
	q := NewQueue()
	push(t, q, 1, 100, "a")

	_, ok := q.PopDue(99)
	assert.False(t, ok)

	ev, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(100), ev.Tick)

	ev, ok = q.PopDue(100)
	require.True(t, ok)
	assert.Equal(t, component.EventID(1), ev.ID)

	_, ok = q.Peek()
	assert.False(t, ok)
}

func TestCancel(t *testing.T) {
	q := NewQueue()
	push(t, q, 1, 10, "a")
	push(t, q, 2, 20, "a")
	push(t, q, 3, 30, "a")

	assert.False(t, q.Cancel(2, "b"), "only the owner may cancel")
	assert.True(t, q.Has(2, "a"))
	assert.True(t, q.Cancel(2, "a"))
	assert.False(t, q.Cancel(2, "a"))
	assert.False(t, q.Has(2, "a"))

	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, component.EventID(1), pending[0].ID)
	assert.Equal(t, component.EventID(3), pending[1].ID)
}

func TestDuplicateID(t *testing.T) {
	q := NewQueue()
	push(t, q, 1, 10, "a")
	_, err := q.Push(Event{ID: 1, Tick: 20, Owner: "a"})
	assert.True(t, errors.Is(err, ErrDuplicateEvent))
	assert.Equal(t, 1, q.Len())
}

func TestLoad(t *testing.T) {
	q := NewQueue()
	push(t, q, 1, 10, "a")
	push(t, q, 2, 10, "b")
	saved := q.Pending()
	next := q.NextSeq()

	r := NewQueue()
	require.NoError(t, r.Load(saved, next))
	assert.Equal(t, saved, r.Pending())
	assert.Equal(t, next, r.NextSeq())

	seq, err := r.Push(Event{ID: 3, Tick: 10, Owner: "a"})
	require.NoError(t, err)
	assert.Equal(t, next, seq)

	err = r.Load([]Event{{ID: 9, Seq: 0}, {ID: 9, Seq: 1}}, 2)
	assert.True(t, errors.Is(err, ErrDuplicateEvent))
	assert.Equal(t, 3, r.Len(), "failed load leaves the queue unchanged")

	assert.Error(t, r.Load([]Event{{ID: 1, Seq: 5}}, 5))
}

func TestReset(t *testing.T) {
	q := NewQueue()
	push(t, q, 1, 10, "a")
	q.Reset()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(0), q.NextSeq())
	assert.False(t, q.Has(1, "a"))
}
