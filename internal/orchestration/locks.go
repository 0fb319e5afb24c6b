package orchestration

import (
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/rendis/replaykit/internal/durable"
	"github.com/rendis/replaykit/pkg/schema"
)

// lockState is the critical section held by the orchestration. busy marks
// locked entities with a call in flight.
type lockState struct {
	requestID string
	set       []schema.EntityID
	busy      map[string]bool
}

func (s *lockState) active() bool {
	return s.requestID != ""
}

func (s *lockState) contains(id schema.EntityID) bool {
	_, found := slices.BinarySearchFunc(s.set, id, schema.EntityID.Compare)
	return found
}

// CriticalSection is a set of entity locks held by an orchestration.
type CriticalSection struct {
	r         *Runtime
	requestID string
	entities  []schema.EntityID
}

// Entities returns the locked entities in acquisition order.
func (cs *CriticalSection) Entities() []schema.EntityID {
	return slices.Clone(cs.entities)
}

// Release sends a release to every locked entity. Releasing twice, or after
// the orchestration released at completion, is a no-op.
func (cs *CriticalSection) Release() error {
	exit, err := cs.r.Guard().Enter("Release")
	if err != nil {
		return err
	}
	defer exit()
	if cs.r.locks.requestID != cs.requestID {
		return nil
	}
	cs.r.releaseLocks()
	return nil
}

// LockEntities acquires every lock with one request that travels the entities
// in canonical order: sorted and deduplicated, so that concurrent requesters
// cannot wait on each other in a cycle.
//
// Once the request is sent, a failed acknowledgement (cancellation or a
// malformed response) returns the section together with the error. The
// section stays active and the caller must still Release it; otherwise it is
// released when the orchestration completes.
func (r *Runtime) LockEntities(ids ...schema.EntityID) (*CriticalSection, error) {
	exit, err := r.Guard().Enter("LockEntities")
	if err != nil {
		return nil, err
	}
	defer exit()

	if len(ids) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "LockEntities needs at least one entity")
	}
	for _, id := range ids {
		if id.Name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "entity name is required")
		}
	}
	if r.locks.active() {
		return nil, schema.NewError(schema.ErrCodeLockingRules,
			"cannot acquire locks while already holding some; release the current critical section first").
			WithTarget(r.InstanceID())
	}
	if err := r.reserveAction("lock request"); err != nil {
		return nil, err
	}

	set := schema.SortEntityIDs(ids)
	msg := &schema.RequestMessage{
		ID:                r.newGUID(),
		ParentInstanceID:  r.InstanceID(),
		ParentExecutionID: r.ExecutionID(),
		LockSet:           set,
	}
	target := set[0].String()
	r.sorter.Label(msg, target, r.CurrentTime())
	r.outbox.Append(&durable.OutboxMessage{
		Kind:      durable.KindLock,
		Target:    target,
		EventName: schema.EventOperation,
		Request:   msg,
	})
	r.locks = lockState{requestID: msg.ID.String(), set: set, busy: make(map[string]bool)}
	cs := &CriticalSection{r: r, requestID: msg.ID.String(), entities: set}

	w := r.events.register(schema.ResponseEventName(msg.ID.String()))
	ack := &eventTask{r: r, w: w, onResolve: func(payload []byte) ([]byte, error) {
		var resp schema.ResponseMessage
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "malformed lock acknowledgement: %v", err).WithCause(err)
		}
		return resp.Result, resp.Err()
	}}
	if _, err := ack.wait(); err != nil {
		return cs, err
	}
	r.logger.Debug("locks acquired", slog.Int("entities", len(set)))
	return cs, nil
}

func (r *Runtime) IsLocked() (bool, []schema.EntityID) {
	if !r.locks.active() {
		return false, nil
	}
	return true, slices.Clone(r.locks.set)
}

// releaseLocks enqueues one release per held entity. Releases are not
// actions and go out in any order.
func (r *Runtime) releaseLocks() {
	for _, id := range r.locks.set {
		r.outbox.Append(&durable.OutboxMessage{
			Kind:      durable.KindLock,
			Target:    id.String(),
			EventName: schema.EventRelease,
			Release:   &schema.ReleaseMessage{ParentInstanceID: r.InstanceID(), LockRequestID: r.locks.requestID},
		})
	}
	r.locks = lockState{}
}
