package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/replaykit/internal/validation"
	"github.com/rendis/replaykit/pkg/schema"
)

func lockRequest(t *testing.T, requester string, id uuid.UUID, set []schema.EntityID, pos int) Event {
	t.Helper()
	msg := &schema.RequestMessage{ID: id, ParentInstanceID: requester, LockSet: set, Position: pos}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	return Event{Name: schema.EventOperation, Payload: payload}
}

func releaseEvent(t *testing.T, requester, requestID string) Event {
	t.Helper()
	payload, err := json.Marshal(&schema.ReleaseMessage{ParentInstanceID: requester, LockRequestID: requestID})
	require.NoError(t, err)
	return Event{Name: schema.EventRelease, Payload: payload}
}

func TestLock_ChainForwardsAndAcknowledges(t *testing.T) {
	a := schema.NewEntityID("account", "a")
	b := schema.NewEntityID("account", "b")
	set := schema.SortEntityIDs([]schema.EntityID{b, a})
	reqID := uuid.New()

	sender := &fakeSender{}
	p := NewProcessor(counterEntity().Handler(), sender, inlineConfig())

	resA, err := p.ExecuteBatch(context.Background(), a, nil, []Event{lockRequest(t, "orch-1", reqID, set, 0)}, now)
	require.NoError(t, err)
	assert.Equal(t, "orch-1", resA.State.LockedBy)
	assert.Equal(t, reqID.String(), resA.State.LockRequestID)

	fwd := sender.to(b.String())
	require.Len(t, fwd, 1)
	assert.Equal(t, schema.EventOperation, fwd[0].Name)
	var forwarded schema.RequestMessage
	require.NoError(t, json.Unmarshal(fwd[0].Payload, &forwarded))
	assert.Equal(t, 1, forwarded.Position)
	assert.Equal(t, reqID, forwarded.ID)

	resB, err := p.ExecuteBatch(context.Background(), b, nil, []Event{{Name: fwd[0].Name, Payload: fwd[0].Payload}}, now)
	require.NoError(t, err)
	assert.Equal(t, "orch-1", resB.State.LockedBy)

	acks := sender.to("orch-1")
	require.Len(t, acks, 1)
	assert.Equal(t, reqID.String(), acks[0].Name)
	assert.Equal(t, schema.LockAcquiredResult, string(response(t, acks[0]).Result))
}

func TestLock_QueuesOtherCallersUntilRelease(t *testing.T) {
	a := schema.NewEntityID("counter", "a")
	reqID := uuid.New()
	sender := &fakeSender{}
	p := NewProcessor(counterEntity().Handler(), sender, inlineConfig())

	other, _ := call(t, "orch-2", "add", 10)
	holder, _ := call(t, "orch-1", "add", 1)
	res, err := p.ExecuteBatch(context.Background(), a, nil, []Event{
		lockRequest(t, "orch-1", reqID, []schema.EntityID{a}, 0),
		other,
		holder,
		releaseEvent(t, "orch-2", reqID.String()),
		releaseEvent(t, "orch-1", uuid.NewString()),
	}, now)
	require.NoError(t, err)

	assert.Equal(t, "orch-1", res.State.LockedBy, "releases from non-holders or stale requests are ignored")
	require.Len(t, res.State.Queue, 1)
	assert.Equal(t, "orch-2", res.State.Queue[0].ParentInstanceID)
	assert.Len(t, sender.to("orch-2"), 0)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "orch-1", res.Results[0].Caller)

	res, err = p.ExecuteBatch(context.Background(), a, res.State, []Event{releaseEvent(t, "orch-1", reqID.String())}, now)
	require.NoError(t, err)
	assert.Empty(t, res.State.LockedBy)
	assert.Empty(t, res.State.Queue)
	require.Len(t, sender.to("orch-2"), 1)
	assert.JSONEq(t, "11", string(response(t, sender.to("orch-2")[0]).Result))
}

func TestLock_QueuedRequestSurvivesFailedBatchOperation(t *testing.T) {
	a := schema.NewEntityID("counter", "a")
	sender := &fakeSender{}
	p := NewProcessor(counterEntity().Handler(), sender, inlineConfig())

	failing, _ := call(t, "orch-1", "add-then-fail", nil)
	reqID := uuid.New()
	res, err := p.ExecuteBatch(context.Background(), a, nil, []Event{
		failing,
		lockRequest(t, "orch-2", reqID, []schema.EntityID{a}, 0),
	}, now)
	require.NoError(t, err)
	assert.Equal(t, "orch-2", res.State.LockedBy)
	assert.Len(t, sender.to("orch-2"), 1)
}

// TestLock_RandomizedNoDeadlock runs requesters that repeatedly lock random
// subsets of entities in canonical order over a network that delivers in a
// random interleaving, and checks that the wait-for graph never has a cycle
// and that every requester finishes.
func TestLock_RandomizedNoDeadlock(t *testing.T) {
	const (
		entityCount    = 4
		requesterCount = 3
		rounds         = 15
		maxSteps       = 100000
	)

	for seed := uint64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, seed*7919))

			entities := make([]schema.EntityID, entityCount)
			states := make(map[string]*schema.SchedulerState, entityCount)
			for i := range entities {
				entities[i] = schema.NewEntityID("resource", fmt.Sprint(i))
				states[entities[i].String()] = nil
			}

			inbox := make(map[string][]sentEvent)
			net := &fakeSender{onEvent: func(ev sentEvent) {
				inbox[ev.Target] = append(inbox[ev.Target], ev)
			}}
			p := NewProcessor(func(ctx Context) error { return nil }, net, inlineConfig())

			type requester struct {
				name    string
				reqID   uuid.UUID
				set     []schema.EntityID
				rounds  int
				holding bool
			}
			reqs := make(map[string]*requester, requesterCount)
			startRound := func(r *requester) {
				var picked []schema.EntityID
				for _, e := range entities {
					if rng.IntN(2) == 0 {
						picked = append(picked, e)
					}
				}
				if len(picked) == 0 {
					picked = append(picked, entities[rng.IntN(len(entities))])
				}
				r.set = schema.SortEntityIDs(picked)
				r.reqID = uuid.New()
				r.holding = false
				msg := &schema.RequestMessage{ID: r.reqID, ParentInstanceID: r.name, LockSet: r.set}
				payload, err := json.Marshal(msg)
				require.NoError(t, err)
				require.NoError(t, net.SendEvent(context.Background(), r.set[0].String(), schema.EventOperation, payload))
			}
			for i := range requesterCount {
				r := &requester{name: fmt.Sprintf("orch-%d", i)}
				reqs[r.name] = r
				startRound(r)
			}

			waitGraph := func() map[string][]string {
				all := make([]*schema.SchedulerState, 0, len(states))
				for _, st := range states {
					all = append(all, st)
				}
				return validation.LockWaits(all)
			}

			finished := 0
			for step := 0; finished < requesterCount; step++ {
				require.Less(t, step, maxSteps, "no progress: possible deadlock")

				var targets []string
				for target, q := range inbox {
					if len(q) > 0 {
						targets = append(targets, target)
					}
				}
				require.NotEmpty(t, targets, "network idle with unfinished requesters")
				slices.Sort(targets)
				target := targets[rng.IntN(len(targets))]
				ev := inbox[target][0]
				inbox[target] = inbox[target][1:]

				if r, ok := reqs[target]; ok {
					require.Equal(t, r.reqID.String(), ev.Name)
					require.False(t, r.holding)
					r.holding = true
					for _, e := range r.set {
						payload, err := json.Marshal(&schema.ReleaseMessage{ParentInstanceID: r.name, LockRequestID: r.reqID.String()})
						require.NoError(t, err)
						require.NoError(t, net.SendEvent(context.Background(), e.String(), schema.EventRelease, payload))
					}
					r.rounds++
					if r.rounds == rounds {
						finished++
					} else {
						startRound(r)
					}
					continue
				}

				id, err := schema.ParseEntityID(target)
				require.NoError(t, err)
				res, err := p.ExecuteBatch(context.Background(), id, states[target], []Event{{Name: ev.Name, Payload: ev.Payload}}, now)
				require.NoError(t, err)
				states[target] = res.State

				result := validation.CheckWaitGraph(waitGraph())
				require.True(t, result.Valid(), "wait-for cycle at step %d: %v", step, result.Errors)
			}

			for id, st := range states {
				if st == nil {
					continue
				}
				assert.Empty(t, st.Queue, id)
			}
		})
	}
}
