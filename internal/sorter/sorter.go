// Package sorter labels outgoing entity messages and restores their order on
// the receiving side.
//
// Every labeled message carries a Timestamp, strictly increasing per
// destination, and a Predecessor, the timestamp of the previous message sent to
// the same destination while it is still inside the reorder window. A receiver
// delivers a message once its predecessor has been delivered, and holds it
// otherwise.
//
// Eviction rule: with horizon = now - window, a held message is released once
// its own timestamp falls behind the horizon, whether or not its predecessor
// arrived. An incoming message whose timestamp is behind the horizon, or not
// after the last timestamp delivered from its source, is a duplicate and is
// dropped. Sources with nothing held and a last delivery behind the horizon are
// forgotten.
package sorter

import (
	"slices"
	"time"

	"github.com/rendis/replaykit/pkg/schema"
)

// Sorter operates on a SorterState owned by the caller.
type Sorter struct {
	state  *schema.SorterState
	window time.Duration
}

// New returns a sorter over state. A zero window disables labeling and reordering.
func New(state *schema.SorterState, window time.Duration) *Sorter {
	return &Sorter{state: state, window: window}
}

// Enabled reports whether the reorder window is non-zero.
func (s *Sorter) Enabled() bool {
	return s.window > 0
}

// Label stamps msg for delivery to destination. Scheduled messages are left
// unlabeled since their delivery time is decided by the scheduler.
func (s *Sorter) Label(msg *schema.RequestMessage, destination string, now time.Time) {
	if s.window <= 0 || msg.ScheduledTime != nil {
		return
	}
	now = now.UTC()
	horizon := now.Add(-s.window)
	if s.state.LastSentToInstance == nil {
		s.state.LastSentToInstance = make(map[string]time.Time)
	}

	ts := now
	last, ok := s.state.LastSentToInstance[destination]
	if ok && !ts.After(last) {
		ts = last.Add(time.Nanosecond)
	}
	msg.Timestamp = ts
	msg.Predecessor = time.Time{}
	if ok && last.After(horizon) {
		msg.Predecessor = last
	}
	s.state.LastSentToInstance[destination] = ts

	for dest, t := range s.state.LastSentToInstance {
		if t.Before(horizon) {
			delete(s.state.LastSentToInstance, dest)
		}
	}
}

// Receive accepts one incoming message and returns the messages that are now
// deliverable, in order. The result may be empty (held or duplicate) or longer
// than one (the message unblocked held successors).
func (s *Sorter) Receive(msg *schema.RequestMessage, now time.Time) []*schema.RequestMessage {
	if s.window <= 0 || msg.Timestamp.IsZero() {
		return []*schema.RequestMessage{msg}
	}
	horizon := now.UTC().Add(-s.window)
	source := msg.ParentInstanceID
	buf := s.buffer(source)

	out := s.releaseExpired(buf, horizon)

	if msg.Timestamp.Before(horizon) || (!buf.Last.IsZero() && !msg.Timestamp.After(buf.Last)) {
		s.forget(source, buf, horizon)
		return out
	}

	if msg.Predecessor.IsZero() || !msg.Predecessor.After(buf.Last) || msg.Predecessor.Before(horizon) {
		out = append(out, msg)
		buf.Last = msg.Timestamp
		out = append(out, s.releaseSuccessors(buf)...)
	} else if !slices.ContainsFunc(buf.Buffered, func(m *schema.RequestMessage) bool {
		return m.Timestamp.Equal(msg.Timestamp)
	}) {
		buf.Buffered = append(buf.Buffered, msg)
	}

	s.forget(source, buf, horizon)
	return out
}

// ReleaseExpired applies the eviction rule to every source and returns the
// released messages.
func (s *Sorter) ReleaseExpired(now time.Time) []*schema.RequestMessage {
	if s.window <= 0 {
		return nil
	}
	horizon := now.UTC().Add(-s.window)
	sources := make([]string, 0, len(s.state.ReceivedFromInstance))
	for src := range s.state.ReceivedFromInstance {
		sources = append(sources, src)
	}
	slices.Sort(sources)

	var out []*schema.RequestMessage
	for _, src := range sources {
		buf := s.state.ReceivedFromInstance[src]
		out = append(out, s.releaseExpired(buf, horizon)...)
		s.forget(src, buf, horizon)
	}
	return out
}

// Held returns the number of messages waiting for a predecessor.
func (s *Sorter) Held() int {
	n := 0
	for _, buf := range s.state.ReceivedFromInstance {
		n += len(buf.Buffered)
	}
	return n
}

func (s *Sorter) buffer(source string) *schema.ReceiveBuffer {
	if s.state.ReceivedFromInstance == nil {
		s.state.ReceivedFromInstance = make(map[string]*schema.ReceiveBuffer)
	}
	buf, ok := s.state.ReceivedFromInstance[source]
	if !ok {
		buf = &schema.ReceiveBuffer{}
		s.state.ReceivedFromInstance[source] = buf
	}
	return buf
}

// releaseExpired delivers held messages whose timestamp is behind the horizon,
// in timestamp order, followed by any successors they unblock.
func (s *Sorter) releaseExpired(buf *schema.ReceiveBuffer, horizon time.Time) []*schema.RequestMessage {
	if len(buf.Buffered) == 0 {
		return nil
	}
	slices.SortFunc(buf.Buffered, func(a, b *schema.RequestMessage) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	var out []*schema.RequestMessage
	for len(buf.Buffered) > 0 && buf.Buffered[0].Timestamp.Before(horizon) {
		m := buf.Buffered[0]
		buf.Buffered = buf.Buffered[1:]
		if m.Timestamp.After(buf.Last) {
			out = append(out, m)
			buf.Last = m.Timestamp
		}
	}
	if len(out) > 0 {
		out = append(out, s.releaseSuccessors(buf)...)
	}
	return out
}

// releaseSuccessors delivers held messages whose predecessor is now delivered,
// following the chain, and drops held duplicates.
func (s *Sorter) releaseSuccessors(buf *schema.ReceiveBuffer) []*schema.RequestMessage {
	var out []*schema.RequestMessage
	for {
		buf.Buffered = slices.DeleteFunc(buf.Buffered, func(m *schema.RequestMessage) bool {
			return !m.Timestamp.After(buf.Last)
		})
		next := -1
		for i, m := range buf.Buffered {
			if m.Predecessor.After(buf.Last) {
				continue
			}
			if next < 0 || m.Timestamp.Before(buf.Buffered[next].Timestamp) {
				next = i
			}
		}
		if next < 0 {
			return out
		}
		m := buf.Buffered[next]
		buf.Buffered = slices.Delete(buf.Buffered, next, next+1)
		out = append(out, m)
		buf.Last = m.Timestamp
	}
}

func (s *Sorter) forget(source string, buf *schema.ReceiveBuffer, horizon time.Time) {
	if len(buf.Buffered) == 0 && buf.Last.Before(horizon) {
		delete(s.state.ReceivedFromInstance, source)
	}
}
