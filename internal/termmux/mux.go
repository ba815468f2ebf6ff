// Package termmux fans PTY output out to terminal subscribers and routes
// input and resizes back to the owning process.
package termmux

import (
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// subscriberBuffer is the per-subscription channel depth. A subscriber that
// falls further behind than this loses chunks rather than stalling the
// producing PTY reader.
const subscriberBuffer = 256

// Chunk is one ordered piece of terminal output.
type Chunk struct {
	AgentID   string
	Role      string
	Data      []byte
	Timestamp time.Time
}

// InputTarget routes input and resizes to a live process.
type InputTarget interface {
	Write(agentID, role string, data []byte) error
	Resize(agentID, role string, cols, rows int) error
}

// streamKey identifies one PTY stream.
type streamKey struct {
	agentID string
	role    string
}

// stream holds the subscriber set for one PTY stream.
type stream struct {
	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
}

// Mux is the terminal multiplexer. It implements supervisor.OutputSink.
//
// There is no replay: a subscriber only sees chunks produced after it
// attached. Scrollback is the attached terminal's concern.
type Mux struct {
	logger *logger.Logger
	target InputTarget

	mu      sync.RWMutex
	streams map[streamKey]*stream
}

// Subscription is a live attachment to one stream.
type Subscription struct {
	mux    *Mux
	key    streamKey
	ch     chan Chunk
	once   sync.Once
	mu     sync.Mutex
	closed bool
	// dropped counts chunks discarded because the subscriber was slow.
	dropped uint64
}

// New creates a terminal multiplexer routing input through target.
func New(target InputTarget, log *logger.Logger) *Mux {
	if log == nil {
		log = logger.Default()
	}
	return &Mux{
		logger:  log.WithFields(zap.String("component", "termmux")),
		target:  target,
		streams: make(map[streamKey]*stream),
	}
}

// SetTarget sets the input target after construction. The mux and the
// supervisor reference each other, so one of them is wired late during
// startup. Must be called before any process is spawned.
func (m *Mux) SetTarget(target InputTarget) {
	m.target = target
}

// Deliver fans a chunk out to all current subscribers of the stream.
// Never blocks: slow subscribers drop the chunk.
func (m *Mux) Deliver(agentID, role string, data []byte) {
	key := streamKey{agentID: agentID, role: role}

	m.mu.RLock()
	st := m.streams[key]
	m.mu.RUnlock()
	if st == nil {
		return
	}

	chunk := Chunk{
		AgentID:   agentID,
		Role:      role,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for sub := range st.subscribers {
		sub.send(chunk)
	}
}

// Subscribe attaches to a stream. The stream need not have a live process
// yet; chunks flow once the process produces output.
func (m *Mux) Subscribe(agentID, role string) *Subscription {
	key := streamKey{agentID: agentID, role: role}

	m.mu.Lock()
	st, ok := m.streams[key]
	if !ok {
		st = &stream{subscribers: make(map[*Subscription]struct{})}
		m.streams[key] = st
	}
	m.mu.Unlock()

	sub := &Subscription{
		mux: m,
		key: key,
		ch:  make(chan Chunk, subscriberBuffer),
	}

	st.mu.Lock()
	st.subscribers[sub] = struct{}{}
	st.mu.Unlock()

	return sub
}

// Input writes terminal input bytes to the stream's process.
func (m *Mux) Input(agentID, role string, data []byte) error {
	if m.target == nil {
		return apperrors.TargetNotFound(agentID, role)
	}
	return m.target.Write(agentID, role, data)
}

// Resize propagates a terminal resize to the stream's process.
func (m *Mux) Resize(agentID, role string, cols, rows int) error {
	if m.target == nil {
		return apperrors.TargetNotFound(agentID, role)
	}
	return m.target.Resize(agentID, role, cols, rows)
}

// SubscriberCount returns the number of live subscribers on a stream.
func (m *Mux) SubscriberCount(agentID, role string) int {
	m.mu.RLock()
	st := m.streams[streamKey{agentID: agentID, role: role}]
	m.mu.RUnlock()
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subscribers)
}

// DropStream removes the subscriber set for a stream, cancelling all
// remaining subscriptions. Called when an agent is torn down.
func (m *Mux) DropStream(agentID, role string) {
	key := streamKey{agentID: agentID, role: role}

	m.mu.Lock()
	st := m.streams[key]
	delete(m.streams, key)
	m.mu.Unlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	subs := make([]*Subscription, 0, len(st.subscribers))
	for sub := range st.subscribers {
		subs = append(subs, sub)
	}
	st.subscribers = make(map[*Subscription]struct{})
	st.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// remove detaches a subscription from its stream.
func (m *Mux) remove(sub *Subscription) {
	m.mu.RLock()
	st := m.streams[sub.key]
	m.mu.RUnlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	delete(st.subscribers, sub)
	st.mu.Unlock()
}

// Chunks returns the channel of output chunks for this subscription.
// The channel closes when the subscription is cancelled.
func (s *Subscription) Chunks() <-chan Chunk {
	return s.ch
}

// Dropped returns how many chunks were discarded because this subscriber
// could not keep up.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Cancel detaches the subscription. Safe to call more than once and safe
// against concurrent in-flight deliveries.
func (s *Subscription) Cancel() {
	s.mux.remove(s)
	s.close()
}

func (s *Subscription) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.ch)
	})
}

// send delivers a chunk without blocking. Must not race close: the closed
// flag is checked under the same lock close sets it with.
func (s *Subscription) send(chunk Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- chunk:
	default:
		s.dropped++
	}
}
