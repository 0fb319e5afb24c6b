package schema

import (
	"encoding/json"
	"time"
)

// SchedulerState is the persisted snapshot of one entity.
type SchedulerState struct {
	EntityExists  bool              `json:"entityExists,omitempty"`
	EntityState   json.RawMessage   `json:"entityState,omitempty"`
	Queue         []*RequestMessage `json:"queue,omitempty"`
	LockedBy      string            `json:"lockedBy,omitempty"`
	LockRequestID string            `json:"lockRequestId,omitempty"`
	Sorter        SorterState       `json:"sorter,omitzero"`
}

// IsEmpty reports whether the entity holds nothing worth persisting.
func (s *SchedulerState) IsEmpty() bool {
	return !s.EntityExists && len(s.Queue) == 0 && s.LockedBy == "" && s.Sorter.IsEmpty()
}

// SorterState is the message sorter's bookkeeping, persisted with the entity.
type SorterState struct {
	// LastSentToInstance maps a destination to the timestamp of the last labeled message.
	LastSentToInstance map[string]time.Time `json:"lastSentToInstance,omitempty"`
	// ReceivedFromInstance maps a source to its delivery cursor and held messages.
	ReceivedFromInstance map[string]*ReceiveBuffer `json:"receivedFromInstance,omitempty"`
}

// IsEmpty reports whether no per-peer bookkeeping remains.
func (s *SorterState) IsEmpty() bool {
	return len(s.LastSentToInstance) == 0 && len(s.ReceivedFromInstance) == 0
}

// ReceiveBuffer tracks the last delivered timestamp from one source and the
// messages held back until their predecessor shows up.
type ReceiveBuffer struct {
	Last     time.Time         `json:"last"`
	Buffered []*RequestMessage `json:"buffered,omitempty"`
}

// StateAccess tracks the working copy of entity state relative to the last checkpoint.
type StateAccess int

const (
	NotAccessed StateAccess = iota
	Accessed
	Deleted
)

func (a StateAccess) String() string {
	switch a {
	case Accessed:
		return "accessed"
	case Deleted:
		return "deleted"
	default:
		return "not_accessed"
	}
}
