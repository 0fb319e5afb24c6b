package sorter

import (
	"encoding/json"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/replaykit/pkg/schema"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func labeled(t *testing.T, n int, window time.Duration) []*schema.RequestMessage {
	t.Helper()
	sender := New(&schema.SorterState{}, window)
	msgs := make([]*schema.RequestMessage, n)
	for i := range msgs {
		msgs[i] = &schema.RequestMessage{ID: uuid.New(), ParentInstanceID: "@src@1", Operation: "op"}
		sender.Label(msgs[i], "@dst@1", t0.Add(time.Duration(i)*time.Millisecond))
	}
	return msgs
}

func ids(msgs []*schema.RequestMessage) []uuid.UUID {
	out := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestLabel_StrictlyIncreasingPerDestination(t *testing.T) {
	s := New(&schema.SorterState{}, time.Minute)

	a := &schema.RequestMessage{}
	b := &schema.RequestMessage{}
	c := &schema.RequestMessage{}
	other := &schema.RequestMessage{}
	s.Label(a, "@x@1", t0)
	s.Label(b, "@x@1", t0)
	s.Label(other, "@y@1", t0)
	s.Label(c, "@x@1", t0.Add(-time.Second))

	assert.True(t, a.Predecessor.IsZero())
	assert.Equal(t, t0.Add(time.Nanosecond), b.Timestamp)
	assert.Equal(t, a.Timestamp, b.Predecessor)
	assert.Equal(t, t0.Add(2*time.Nanosecond), c.Timestamp, "clock going backwards still increases")
	assert.Equal(t, b.Timestamp, c.Predecessor)
	assert.True(t, other.Predecessor.IsZero(), "destinations are independent")
}

func TestLabel_PredecessorOutsideWindowIsDropped(t *testing.T) {
	s := New(&schema.SorterState{}, time.Minute)
	a := &schema.RequestMessage{}
	b := &schema.RequestMessage{}
	s.Label(a, "@x@1", t0)
	s.Label(b, "@x@1", t0.Add(2*time.Minute))
	assert.True(t, b.Predecessor.IsZero())
}

func TestLabel_SkipsScheduledAndDisabled(t *testing.T) {
	at := t0.Add(time.Hour)
	scheduled := &schema.RequestMessage{ScheduledTime: &at}
	New(&schema.SorterState{}, time.Minute).Label(scheduled, "@x@1", t0)
	assert.True(t, scheduled.Timestamp.IsZero())

	plain := &schema.RequestMessage{}
	state := &schema.SorterState{}
	New(state, 0).Label(plain, "@x@1", t0)
	assert.True(t, plain.Timestamp.IsZero())
	assert.True(t, state.IsEmpty())
}

func TestReceive_InOrder(t *testing.T) {
	msgs := labeled(t, 3, time.Minute)
	r := New(&schema.SorterState{}, time.Minute)
	var got []*schema.RequestMessage
	for _, m := range msgs {
		got = append(got, r.Receive(m, t0.Add(time.Second))...)
	}
	assert.Equal(t, ids(msgs), ids(got))
	assert.Equal(t, 0, r.Held())
}

func TestReceive_ReordersWithinWindow(t *testing.T) {
	msgs := labeled(t, 3, time.Minute)
	r := New(&schema.SorterState{}, time.Minute)
	now := t0.Add(time.Second)

	assert.Empty(t, r.Receive(msgs[2], now))
	assert.Empty(t, r.Receive(msgs[1], now))
	assert.Equal(t, 2, r.Held())

	got := r.Receive(msgs[0], now)
	assert.Equal(t, ids(msgs), ids(got))
	assert.Equal(t, 0, r.Held())
}

func TestReceive_DropsDuplicates(t *testing.T) {
	msgs := labeled(t, 2, time.Minute)
	r := New(&schema.SorterState{}, time.Minute)
	now := t0.Add(time.Second)

	assert.Empty(t, r.Receive(msgs[1], now), "held until its predecessor arrives")
	assert.Empty(t, r.Receive(msgs[1].Clone(), now))
	assert.Equal(t, 1, r.Held(), "held copies are not stored twice")

	got := r.Receive(msgs[0], now)
	assert.Equal(t, ids(msgs), ids(got))
	assert.Empty(t, r.Receive(msgs[0].Clone(), now), "already delivered")
	assert.Empty(t, r.Receive(msgs[1].Clone(), now), "already delivered")
	assert.Equal(t, 0, r.Held())
}

func TestReceive_DropsMessagesBehindHorizon(t *testing.T) {
	msgs := labeled(t, 1, time.Minute)
	r := New(&schema.SorterState{}, time.Minute)
	assert.Empty(t, r.Receive(msgs[0], t0.Add(2*time.Minute)))
}

func TestReceive_UnlabeledPassThrough(t *testing.T) {
	r := New(&schema.SorterState{}, time.Minute)
	m := &schema.RequestMessage{ID: uuid.New(), ParentInstanceID: "orch"}
	assert.Equal(t, []*schema.RequestMessage{m}, r.Receive(m, t0))
	assert.Equal(t, []*schema.RequestMessage{m}, r.Receive(m, t0), "no dedup without labels")
}

func TestReleaseExpired_EvictsHeldMessages(t *testing.T) {
	msgs := labeled(t, 3, time.Minute)
	r := New(&schema.SorterState{}, time.Minute)
	now := t0.Add(time.Second)

	// msgs[0] is lost.
	assert.Empty(t, r.Receive(msgs[2], now))
	assert.Empty(t, r.Receive(msgs[1], now))
	assert.Empty(t, r.ReleaseExpired(now.Add(30*time.Second)))

	got := r.ReleaseExpired(t0.Add(time.Minute + 5*time.Millisecond))
	assert.Equal(t, ids(msgs[1:]), ids(got))
	assert.Equal(t, 0, r.Held())

	assert.Empty(t, r.Receive(msgs[0], t0.Add(time.Minute+5*time.Millisecond)), "the lost message is now a duplicate")
}

func TestState_SurvivesSerialization(t *testing.T) {
	msgs := labeled(t, 3, time.Minute)
	state := &schema.SorterState{}
	r := New(state, time.Minute)
	now := t0.Add(time.Second)
	require.Empty(t, r.Receive(msgs[1], now))

	data, err := json.Marshal(state)
	require.NoError(t, err)
	var restored schema.SorterState
	require.NoError(t, json.Unmarshal(data, &restored))

	r2 := New(&restored, time.Minute)
	assert.Equal(t, 1, r2.Held())
	got := r2.Receive(msgs[0], now)
	assert.Equal(t, ids(msgs[:2]), ids(got))
	got = r2.Receive(msgs[2], now)
	assert.Equal(t, ids(msgs[2:]), ids(got))
}

func TestReceive_RandomizedDeliveryIsInOrderAndExactlyOnce(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 200; round++ {
		msgs := labeled(t, 8, time.Minute)

		// at-least-once: every message appears once or twice, in random order
		var wire []*schema.RequestMessage
		for _, m := range msgs {
			wire = append(wire, m)
			if rng.IntN(3) == 0 {
				wire = append(wire, m.Clone())
			}
		}
		rng.Shuffle(len(wire), func(i, j int) { wire[i], wire[j] = wire[j], wire[i] })

		r := New(&schema.SorterState{}, time.Minute)
		var got []*schema.RequestMessage
		for _, m := range wire {
			got = append(got, r.Receive(m, t0.Add(time.Second))...)
		}
		require.Equal(t, ids(msgs), ids(got), "round %d", round)
	}
}
