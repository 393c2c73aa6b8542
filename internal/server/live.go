package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"meshtrack/internal/pipeline"

	"github.com/gorilla/websocket"
)

const liveWriteTimeout = 5 * time.Second

type liveClient struct {
	conn    *websocket.Conn
	session string
}

// liveHub pushes frame results to websocket clients. All writes happen on
// the run goroutine.
type liveHub struct {
	log        *slog.Logger
	clients    map[*liveClient]bool
	register   chan *liveClient
	unregister chan *liveClient
	done       chan struct{}
	connected  atomic.Int64
}

func newLiveHub(log *slog.Logger) *liveHub {
	return &liveHub{
		log:        log,
		clients:    make(map[*liveClient]bool),
		register:   make(chan *liveClient),
		unregister: make(chan *liveClient),
		done:       make(chan struct{}),
	}
}

func (h *liveHub) drop(c *liveClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close()
		h.connected.Add(-1)
		h.log.Debug("live client disconnected", "session", c.session, "total", len(h.clients))
	}
}

func (h *liveHub) run(ctx context.Context, frames *pipeline.FrameHub) {
	results, unsubscribe := frames.Subscribe("", 256)
	defer unsubscribe()
	defer close(h.done)
	defer func() {
		for c := range h.clients {
			h.drop(c)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = true
			h.connected.Add(1)
			h.log.Debug("live client connected", "session", c.session, "total", len(h.clients))
		case c := <-h.unregister:
			h.drop(c)
		case res, ok := <-results:
			if !ok {
				return
			}
			message, err := json.Marshal(res)
			if err != nil {
				h.log.Warn("encode live frame", "session", res.SessionID, "frame", res.Frame, "error", err)
				continue
			}
			for c := range h.clients {
				if c.session != res.SessionID {
					continue
				}
				c.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.drop(c)
				}
			}
		}
	}
}
