package engine

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PROGRESS PUBLISHER
// ═══════════════════════════════════════════════════════════════════════════════

// Publisher fans session transitions out to the two read paths: the
// poll-visible snapshot and the push event stream. Both are derived from one
// per-session event log; the log append and the snapshot replacement happen
// in the same critical section, so a poll can never observe a snapshot ahead
// of or behind the stream.
type Publisher struct {
	mu       sync.RWMutex
	feeds    map[string]*sessionFeed
	firehose map[uint64]*subscriber
	nextSub  uint64

	bufferSize int
	subBuffer  int
}

// sessionFeed is the event log plus snapshot for one session.
type sessionFeed struct {
	mu       sync.Mutex
	seq      uint64
	buffer   []ProgressEvent
	snap     Snapshot
	subs     map[uint64]*subscriber
	terminal bool
	dropped  uint64
}

type subscriber struct {
	id     uint64
	ch     chan ProgressEvent
	closed bool
}

// NewPublisher creates a Publisher with the given per-session replay buffer
// size and per-subscriber channel buffer.
func NewPublisher(bufferSize, subBuffer int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = DefaultEventBuffer
	}
	if subBuffer <= 0 {
		subBuffer = DefaultSubscriberBuffer
	}
	return &Publisher{
		feeds:      make(map[string]*sessionFeed),
		firehose:   make(map[uint64]*subscriber),
		bufferSize: bufferSize,
		subBuffer:  subBuffer,
	}
}

// Open registers a session with its initial snapshot. Must be called before
// the first Publish for that session.
func (p *Publisher) Open(sessionID string, snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.feeds[sessionID]; exists {
		return
	}
	p.feeds[sessionID] = &sessionFeed{
		snap: snap,
		subs: make(map[uint64]*subscriber),
	}
}

// Publish stamps the next sequence number on the event, appends it to the
// session's replay buffer, replaces the snapshot, and delivers the event to
// every subscriber. Buffer append and snapshot replacement share one
// critical section. Slow subscribers have the event dropped rather than
// blocking the coordinator.
func (p *Publisher) Publish(sessionID string, event ProgressEvent, snap Snapshot) uint64 {
	p.mu.RLock()
	feed, ok := p.feeds[sessionID]
	p.mu.RUnlock()
	if !ok {
		log.Warn().Str("session_id", sessionID).Msg("publish to unknown session dropped")
		return 0
	}

	feed.mu.Lock()
	feed.seq++
	event.Sequence = feed.seq
	snap.LastSequence = feed.seq

	feed.buffer = append(feed.buffer, event)
	if len(feed.buffer) > p.bufferSize {
		feed.buffer = feed.buffer[len(feed.buffer)-p.bufferSize:]
	}
	feed.snap = snap

	terminal := event.Kind.Terminal()
	if terminal {
		feed.terminal = true
	}

	for id, sub := range feed.subs {
		if !sub.send(event) {
			feed.dropped++
			log.Debug().
				Str("session_id", sessionID).
				Uint64("sequence", event.Sequence).
				Msg("slow stream subscriber, event dropped")
		}
		if terminal {
			sub.close()
			delete(feed.subs, id)
		}
	}
	feed.mu.Unlock()

	// Firehose subscribers see every session's events; ordering is only
	// guaranteed within a session.
	p.mu.RLock()
	for _, sub := range p.firehose {
		sub.send(event)
	}
	p.mu.RUnlock()

	return event.Sequence
}

// Snapshot returns the latest poll-visible snapshot for a session. Repeated
// calls between transitions return identical values.
func (p *Publisher) Snapshot(sessionID string) (Snapshot, bool) {
	p.mu.RLock()
	feed, ok := p.feeds[sessionID]
	p.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	feed.mu.Lock()
	defer feed.mu.Unlock()
	return feed.snap, true
}

// Subscribe attaches a stream consumer to a session. Events with sequence
// numbers greater than since are replayed from the bounded buffer, then live
// events follow in strictly increasing order; no event is delivered twice on
// one subscription. since=0 replays everything still buffered. The returned
// cancel func detaches the subscriber; the channel closes after the terminal
// event or on cancel.
func (p *Publisher) Subscribe(sessionID string, since uint64) (<-chan ProgressEvent, func(), error) {
	p.mu.Lock()
	feed, ok := p.feeds[sessionID]
	if !ok {
		p.mu.Unlock()
		return nil, nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	p.nextSub++
	id := p.nextSub
	p.mu.Unlock()

	feed.mu.Lock()
	var replay []ProgressEvent
	for _, ev := range feed.buffer {
		if ev.Sequence > since {
			replay = append(replay, ev)
		}
	}

	sub := &subscriber{
		id: id,
		ch: make(chan ProgressEvent, len(replay)+p.subBuffer),
	}
	for _, ev := range replay {
		sub.ch <- ev
	}

	if feed.terminal {
		// Nothing further will be published; the replay already ends with
		// the terminal event (or the buffer aged it out).
		sub.close()
	} else {
		feed.subs[id] = sub
	}
	feed.mu.Unlock()

	cancel := func() {
		feed.mu.Lock()
		if s, ok := feed.subs[id]; ok {
			s.close()
			delete(feed.subs, id)
		}
		feed.mu.Unlock()
	}
	return sub.ch, cancel, nil
}

// SubscribeAll attaches a firehose consumer receiving every session's
// events; the metrics collector feeds from this. Per-session ordering holds,
// cross-session ordering does not.
func (p *Publisher) SubscribeAll() (<-chan ProgressEvent, func()) {
	p.mu.Lock()
	p.nextSub++
	id := p.nextSub
	sub := &subscriber{id: id, ch: make(chan ProgressEvent, p.subBuffer)}
	p.firehose[id] = sub
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if s, ok := p.firehose[id]; ok {
			s.close()
			delete(p.firehose, id)
		}
		p.mu.Unlock()
	}
	return sub.ch, cancel
}

// Evict drops a session's feed, closing any remaining subscribers. Called by
// the session registry when retention expires.
func (p *Publisher) Evict(sessionID string) {
	p.mu.Lock()
	feed, ok := p.feeds[sessionID]
	delete(p.feeds, sessionID)
	p.mu.Unlock()
	if !ok {
		return
	}

	feed.mu.Lock()
	for id, sub := range feed.subs {
		sub.close()
		delete(feed.subs, id)
	}
	feed.mu.Unlock()
}

// Close tears down every feed and the firehose. Subscriber channels close;
// later Publish calls drop silently.
func (p *Publisher) Close() {
	p.mu.Lock()
	feeds := p.feeds
	firehose := p.firehose
	p.feeds = make(map[string]*sessionFeed)
	p.firehose = make(map[uint64]*subscriber)
	p.mu.Unlock()

	for _, feed := range feeds {
		feed.mu.Lock()
		for id, sub := range feed.subs {
			sub.close()
			delete(feed.subs, id)
		}
		feed.mu.Unlock()
	}
	for _, sub := range firehose {
		sub.close()
	}
}

// SessionIDs returns the IDs of every session with a live feed.
func (p *Publisher) SessionIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.feeds))
	for id := range p.feeds {
		ids = append(ids, id)
	}
	return ids
}

// Dropped returns the total events dropped for slow subscribers of one
// session.
func (p *Publisher) Dropped(sessionID string) uint64 {
	p.mu.RLock()
	feed, ok := p.feeds[sessionID]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	feed.mu.Lock()
	defer feed.mu.Unlock()
	return feed.dropped
}

// send delivers without blocking; reports false when the event was dropped.
func (s *subscriber) send(ev ProgressEvent) bool {
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// close is idempotent under the owning feed's lock.
func (s *subscriber) close() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
