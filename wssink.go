package cascade

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsSinkBuffer       = 256
	wsSinkWriteTimeout = 10 * time.Second
)

// WebSocketSink forwards bus events as JSON frames over a host-provided
// websocket connection. Writes happen on a dedicated goroutine so the
// publisher never blocks on the network; events are dropped when the buffer
// overflows (observability must not backpressure queries).
type WebSocketSink struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	cancel func()
}

// NewWebSocketSink wraps an open connection and subscribes it to every event
// on the bus. Close detaches and stops the writer.
func NewWebSocketSink(conn *websocket.Conn, bus *Bus) *WebSocketSink {
	ws := &WebSocketSink{
		conn:   conn,
		events: make(chan Event, wsSinkBuffer),
		done:   make(chan struct{}),
	}
	ws.cancel = bus.SubscribeAll(ws.enqueue)
	go ws.writeLoop()
	return ws
}

func (ws *WebSocketSink) enqueue(ev Event) {
	select {
	case ws.events <- ev:
	default:
		// Buffer full: drop rather than stall the query path.
	}
}

func (ws *WebSocketSink) writeLoop() {
	for {
		select {
		case ev := <-ws.events:
			ws.conn.SetWriteDeadline(time.Now().Add(wsSinkWriteTimeout))
			if err := ws.conn.WriteJSON(ev); err != nil {
				log.Printf("[WebSocketSink] Write failed: %v, detaching", err)
				ws.cancel()
				return
			}
		case <-ws.done:
			return
		}
	}
}

// Close unsubscribes from the bus and stops the writer. The connection is
// owned by the host and is not closed here.
func (ws *WebSocketSink) Close() {
	ws.cancel()
	close(ws.done)
}
