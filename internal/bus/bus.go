// Package bus is the single-process notification fabric for match
// lifecycle events. Publishing never blocks on a slow consumer: each
// subscriber owns a small bounded channel and the oldest event is dropped
// when it fills, with a lag counter surfaced in the payload.
package bus

import (
	"sync"
	"time"

	"github.com/evoladder/evoladder/internal/model"
)

// Kind names a match lifecycle event.
type Kind string

const (
	MatchFound     Kind = "match_found"
	ReplayUploaded Kind = "replay_uploaded"
	ResultReported Kind = "result_reported"
	Completed      Kind = "completed"
	Conflicted     Kind = "conflicted"
	Aborted        Kind = "aborted"
	TimedOut       Kind = "timed_out"
)

// Terminal reports whether the event ends the match from the viewer's
// perspective.
func (k Kind) Terminal() bool {
	switch k {
	case Completed, Conflicted, Aborted, TimedOut:
		return true
	}
	return false
}

// Event is one published notification. Match carries a snapshot of the
// match row at publish time; the snapshot is immutable once delivered.
type Event struct {
	Kind    Kind
	MatchID int64
	Match   model.Match
	// ActorID is the participant whose action caused the event, 0 for
	// system-driven events (wave pairing, timeout).
	ActorID uint64
	At      time.Time
	// Lag counts events this subscriber missed before this one because
	// its channel was full.
	Lag uint64
}

// subCapacity is the per-subscriber channel bound. Slow consumers lose the
// oldest events rather than blocking publishers.
const subCapacity = 16

// Subscription is one registered consumer. Drain Events() cooperatively
// and Close() when done; Close is idempotent and safe under cancellation.
type Subscription struct {
	MatchID  int64
	PlayerID uint64

	bus  *Bus
	id   uint64
	ch   chan Event
	lag  uint64
	once sync.Once
}

// Events returns the subscriber's delivery channel. It is closed by
// Close or by Bus shutdown.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
	s.closeChan()
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

// Bus fans events out to matching subscribers. A single mutex serializes
// publishes, which preserves per-match event order across subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a consumer filtered on (matchID, playerID). A zero
// matchID matches every match; a zero playerID matches every participant.
func (b *Bus) Subscribe(matchID int64, playerID uint64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{
		MatchID:  matchID,
		PlayerID: playerID,
		bus:      b,
		id:       b.nextID,
		ch:       make(chan Event, subCapacity),
	}
	if !b.closed {
		b.subs[s.id] = s
	} else {
		s.closeChan()
	}
	return s
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers ev to every matching subscriber. Delivery is
// synchronous within this call but bounded: a full subscriber drops its
// oldest buffered event and the lag counter increments.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.MatchID != 0 && s.MatchID != ev.MatchID {
			continue
		}
		if s.PlayerID != 0 && !involves(ev, s.PlayerID) {
			continue
		}
		out := ev
		out.Lag = s.lag
		select {
		case s.ch <- out:
		default:
			// Drop the oldest buffered event to make room.
			select {
			case <-s.ch:
			default:
			}
			s.lag++
			out.Lag = s.lag
			s.ch <- out
		}
	}
}

func involves(ev Event, playerID uint64) bool {
	return ev.Match.P1.PlayerID == playerID || ev.Match.P2.PlayerID == playerID
}

// Close shuts the bus down and closes every subscriber channel. Further
// publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.closeChan()
	}
}
