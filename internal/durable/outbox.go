package durable

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/replaykit/pkg/schema"
)

// MessageKind tags an outbox entry.
type MessageKind int

const (
	// KindSignal is a one-way request to an entity.
	KindSignal MessageKind = iota
	// KindCall is a two-way request whose response is awaited.
	KindCall
	// KindResult is an operation response going back to its caller.
	KindResult
	// KindLock is a lock protocol message: request, forward, acquisition or release.
	KindLock
	// KindFireAndForget starts an orchestration without awaiting it.
	KindFireAndForget
)

func (k MessageKind) String() string {
	switch k {
	case KindSignal:
		return "signal"
	case KindCall:
		return "call"
	case KindResult:
		return "result"
	case KindLock:
		return "lock"
	case KindFireAndForget:
		return "fire_and_forget"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// StartRequest describes a fire-and-forget orchestration start.
type StartRequest struct {
	Name       string
	InstanceID string
	Input      json.RawMessage
}

// OutboxMessage is one deferred outbound effect. Exactly one of Request,
// Response, Release or Start is set.
type OutboxMessage struct {
	Kind      MessageKind
	Target    string
	EventName string
	Request   *schema.RequestMessage
	Response  *schema.ResponseMessage
	Release   *schema.ReleaseMessage
	Start     *StartRequest
}

// Payload returns the JSON body sent for the message.
func (m *OutboxMessage) Payload() ([]byte, error) {
	switch {
	case m.Request != nil:
		return json.Marshal(m.Request)
	case m.Response != nil:
		return json.Marshal(m.Response)
	case m.Release != nil:
		return json.Marshal(m.Release)
	case m.Start != nil:
		return m.Start.Input, nil
	default:
		return nil, fmt.Errorf("outbox %s message to %s has no body", m.Kind, m.Target)
	}
}

// Outbox buffers outbound messages for one episode or batch. It has a single
// writer, the goroutine running the episode, and is drained once.
type Outbox struct {
	msgs []*OutboxMessage
}

// Append adds a message in enqueue order.
func (o *Outbox) Append(m *OutboxMessage) {
	o.msgs = append(o.msgs, m)
}

// Mark returns the current high-water mark.
func (o *Outbox) Mark() int {
	return len(o.msgs)
}

// Truncate drops every message appended after mark.
func (o *Outbox) Truncate(mark int) {
	if mark < 0 || mark > len(o.msgs) {
		return
	}
	clear(o.msgs[mark:])
	o.msgs = o.msgs[:mark]
}

// Len returns the number of buffered messages.
func (o *Outbox) Len() int {
	return len(o.msgs)
}

// Messages returns the buffered messages in enqueue order.
func (o *Outbox) Messages() []*OutboxMessage {
	return o.msgs
}

// Drain returns the buffered messages and empties the outbox.
func (o *Outbox) Drain() []*OutboxMessage {
	msgs := o.msgs
	o.msgs = nil
	return msgs
}
