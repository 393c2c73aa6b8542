package pipeline

import (
	"log/slog"
	"sync"

	"meshtrack/internal/session"
)

// FrameHub fans frame results out to live subscribers. Slow subscribers
// miss frames rather than stall the session.
type FrameHub struct {
	log    *slog.Logger
	mu     sync.Mutex
	subs   map[int]frameSub
	nextID int
	closed bool
}

type frameSub struct {
	session string // empty for all sessions
	ch      chan session.FrameResult
}

// NewFrameHub creates an empty hub.
func NewFrameHub(logger *slog.Logger) *FrameHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameHub{log: logger, subs: make(map[int]frameSub)}
}

// Subscribe returns frames of sessionID, or of every session when it is
// empty, and an unsubscribe function.
func (h *FrameHub) Subscribe(sessionID string, buffer int) (<-chan session.FrameResult, func()) {
	if buffer < 1 {
		buffer = 64
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan session.FrameResult, buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = frameSub{session: sessionID, ch: ch}
	return ch, func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			close(s.ch)
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
}

// Publish delivers res to matching subscribers without blocking.
func (h *FrameHub) Publish(res session.FrameResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		if s.session != "" && s.session != res.SessionID {
			continue
		}
		select {
		case s.ch <- res:
		default:
			h.log.Warn("frame subscriber full", "subscriber", id, "session", res.SessionID, "frame", res.Frame)
		}
	}
}

// Close ends every subscription.
func (h *FrameHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}
