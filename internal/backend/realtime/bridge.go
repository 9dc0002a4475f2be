// Package realtime exposes the push change-feed to out-of-process
// clients over a websocket: one connection multiplexes any number of
// topic subscriptions.
package realtime

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/MouTaaz/TazMou-ChatApp/internal/backend"
)

// Bridge relays broker change events to websocket clients.
type Bridge struct {
	push     backend.PushChannel
	verify   func(token string) (string, error)
	upgrader websocket.Upgrader
}

// NewBridge builds a bridge over the push collaborator. verify guards the
// endpoint when non-nil; it receives the token query parameter.
func NewBridge(push backend.PushChannel, verify func(token string) (string, error)) *Bridge {
	return &Bridge{
		push:   push,
		verify: verify,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

type inboundFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

type outboundFrame struct {
	Topic string              `json:"topic"`
	Event backend.ChangeEvent `json:"event"`
}

// Handler upgrades the connection and serves the subscribe/unsubscribe
// protocol until the client goes away.
func (b *Bridge) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b.verify != nil {
			if _, err := b.verify(r.URL.Query().Get("token")); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[realtime] upgrade failed: %v", err)
			return
		}
		b.serve(r, conn)
	}
}

// outbox serializes frame delivery to the single writer goroutine and
// survives sends racing the connection teardown.
type outbox struct {
	mu     sync.Mutex
	frames chan outboundFrame
	closed bool
}

func (o *outbox) offer(frame outboundFrame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	select {
	case o.frames <- frame:
	default:
		// Slow client; drop rather than stall the broker.
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

func (b *Bridge) serve(r *http.Request, conn *websocket.Conn) {
	send := &outbox{frames: make(chan outboundFrame, 32)}
	handles := make(map[string]backend.Handle)
	var done sync.WaitGroup

	done.Add(1)
	go func() {
		defer done.Done()
		for frame := range send.frames {
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}()

	defer func() {
		for _, h := range handles {
			h.Unsubscribe()
		}
		send.close()
		done.Wait()
		conn.Close()
	}()

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[realtime] read failed: %v", err)
			}
			return
		}

		switch frame.Action {
		case "subscribe":
			topic := frame.Topic
			if topic == "" {
				continue
			}
			if old, ok := handles[topic]; ok {
				old.Unsubscribe()
			}
			handle, err := b.push.Subscribe(r.Context(), topic, func(ev backend.ChangeEvent) {
				send.offer(outboundFrame{Topic: topic, Event: ev})
			})
			if err != nil {
				log.Printf("[realtime] subscribe %s: %v", topic, err)
				continue
			}
			handles[topic] = handle
		case "unsubscribe":
			if h, ok := handles[frame.Topic]; ok {
				h.Unsubscribe()
				delete(handles, frame.Topic)
			}
		}
	}
}
