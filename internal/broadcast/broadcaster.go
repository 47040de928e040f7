package broadcast

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/relaypool/relaypool/internal/sse"
)

// State is the lifecycle of a broadcast session.
type State int

const (
	StateInProgress State = iota
	StateCompleted
	StateFailed
)

// Broadcaster keys in-flight streaming sessions by request fingerprint.
type Broadcaster struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	bufferCap int
}

// New creates a broadcaster. bufferCap is the soft limit on buffered frames
// per session; past it, late subscribers are turned away.
func New(bufferCap int) *Broadcaster {
	return &Broadcaster{
		sessions:  make(map[string]*Session),
		bufferCap: bufferCap,
	}
}

// Attach joins the session for a fingerprint, creating it if absent. The
// returned subscriber is already registered; initiator is true for the caller
// that must drive the upstream request. A nil subscriber means the session's
// buffer overflowed and the caller should make an independent upstream call.
func (b *Broadcaster) Attach(fingerprint string) (*Subscriber, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.sessions[fingerprint]; ok {
		s.mu.Lock()
		if s.overflowed {
			s.mu.Unlock()
			logrus.Debugf("Session %.12s over buffer cap, subscriber rejected", fingerprint)
			return nil, false
		}
		sub := s.newSubscriberLocked()
		s.mu.Unlock()
		return sub, false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		fingerprint: fingerprint,
		b:           b,
		ctx:         ctx,
		cancel:      cancel,
		notify:      make(chan struct{}),
		state:       StateInProgress,
	}
	b.sessions[fingerprint] = s
	s.mu.Lock()
	sub := s.newSubscriberLocked()
	s.mu.Unlock()
	return sub, true
}

// Private creates an unregistered single-subscriber session. Used when a
// request must bypass dedup: buffer overflow rejections and post-failure
// retries. The caller is the initiator.
func (b *Broadcaster) Private() *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		fingerprint: "",
		b:           b,
		ctx:         ctx,
		cancel:      cancel,
		notify:      make(chan struct{}),
		state:       StateInProgress,
	}
	s.mu.Lock()
	sub := s.newSubscriberLocked()
	s.mu.Unlock()
	return sub
}

// remove drops the session from the index. Attached subscribers keep their
// pointer and drain what is buffered.
func (b *Broadcaster) remove(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[s.fingerprint] == s {
		delete(b.sessions, s.fingerprint)
	}
}

// Active returns the number of in-flight sessions.
func (b *Broadcaster) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Session is one deduplicated upstream stream with its ordered frame buffer.
type Session struct {
	fingerprint string
	b           *Broadcaster
	ctx         context.Context
	cancel      context.CancelFunc

	mu          sync.Mutex
	frames      []sse.Frame
	notify      chan struct{} // closed and replaced on every state change
	state       State
	err         error
	subscribers int
	overflowed  bool

	providerName  string
	providerEmail string
}

// SetProvider records which provider ended up serving the stream.
func (s *Session) SetProvider(name, email string) {
	s.mu.Lock()
	s.providerName = name
	s.providerEmail = email
	s.mu.Unlock()
}

// Provider returns the serving provider, empty until an attempt got a 2xx.
func (s *Session) Provider() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerName, s.providerEmail
}

// Context governs the upstream request. It is cancelled only when every
// subscriber has detached while the stream is still in progress.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Fingerprint returns the session's request fingerprint.
func (s *Session) Fingerprint() string {
	return s.fingerprint
}

// Publish appends a frame and wakes all subscribers. Initiator-only.
func (s *Session) Publish(frame sse.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInProgress {
		return
	}
	s.frames = append(s.frames, frame)
	if s.b.bufferCap > 0 && len(s.frames) > s.b.bufferCap && !s.overflowed {
		s.overflowed = true
		logrus.Warnf("Session %.12s exceeded buffer cap (%d frames), rejecting new subscribers", s.fingerprint, s.b.bufferCap)
	}
	s.wakeLocked()
}

// Complete marks the stream finished. The session leaves the index so a new
// identical request starts fresh; attached subscribers drain the buffer.
func (s *Session) Complete() {
	s.mu.Lock()
	if s.state == StateInProgress {
		s.state = StateCompleted
		s.wakeLocked()
	}
	s.mu.Unlock()
	s.b.remove(s)
}

// Fail marks the stream failed with the given error. Subscribers that have
// received no frames yet may retry independently; the rest see the error.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.state == StateInProgress {
		s.state = StateFailed
		s.err = err
		s.wakeLocked()
	}
	s.mu.Unlock()
	s.b.remove(s)
}

// Err returns the terminal error for a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the session lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Session) newSubscriberLocked() *Subscriber {
	s.subscribers++
	return &Subscriber{s: s}
}

// Detach removes a subscriber. When the last one leaves an in-progress
// session, the upstream call is cancelled and the session discarded.
func (s *Session) Detach(sub *Subscriber) {
	s.mu.Lock()
	if sub.detached {
		s.mu.Unlock()
		return
	}
	sub.detached = true
	s.subscribers--
	last := s.subscribers == 0
	inProgress := s.state == StateInProgress
	s.mu.Unlock()

	if last && inProgress {
		logrus.Debugf("Last subscriber left session %.12s, cancelling upstream", s.fingerprint)
		s.cancel()
		s.b.remove(s)
	}
}

// Subscriber is one client's ordered view of a session: the buffered prefix
// first, then live frames.
type Subscriber struct {
	s         *Session
	cursor    int
	delivered int
	detached  bool
}

// Session returns the session this subscriber belongs to.
func (sub *Subscriber) Session() *Session {
	return sub.s
}

// Delivered returns how many frames this subscriber has consumed. A failed
// session is only retryable by subscribers that consumed nothing.
func (sub *Subscriber) Delivered() int {
	return sub.delivered
}

// Next blocks for the next frame. It returns io.EOF when the stream completed
// and the buffer is drained, the session error when it failed, and ctx.Err()
// when the caller gives up.
func (sub *Subscriber) Next(ctx context.Context) (sse.Frame, error) {
	for {
		sub.s.mu.Lock()
		if sub.cursor < len(sub.s.frames) {
			frame := sub.s.frames[sub.cursor]
			sub.cursor++
			sub.delivered++
			sub.s.mu.Unlock()
			return frame, nil
		}

		state := sub.s.state
		err := sub.s.err
		notify := sub.s.notify
		sub.s.mu.Unlock()

		switch state {
		case StateCompleted:
			return sse.Frame{}, io.EOF
		case StateFailed:
			return sse.Frame{}, err
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return sse.Frame{}, ctx.Err()
		}
	}
}
