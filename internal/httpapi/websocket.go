package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rpki-io/krillgo/internal/ca"
	"github.com/rpki-io/krillgo/internal/logging"
	"github.com/rpki-io/krillgo/internal/rpki"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventFeed fans committed ca.Event notifications out to every connected
// /ws/events client. It subscribes as a single eventsourcing.Listener on
// the CA store and re-broadcasts to however many websocket clients are
// attached, rather than registering one store listener per connection.
type eventFeed struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	log     *logging.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newEventFeed(log *logging.Logger) *eventFeed {
	return &eventFeed{clients: make(map[*wsClient]struct{}), log: log}
}

// Listener is registered via eventsourcing.Store.AddListener.
func (f *eventFeed) Listener(handle rpki.Handle, event ca.Event) {
	msg, err := json.Marshal(wsEventMessage{Aggregate: handle.String(), Kind: string(event.Kind)})
	if err != nil {
		return
	}
	f.broadcast(msg)
}

type wsEventMessage struct {
	Aggregate string `json:"aggregate"`
	Kind      string `json:"kind"`
}

func (f *eventFeed) broadcast(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- msg:
		default:
			// client too slow to keep up; drop it rather than block the
			// commit path the Listener runs on.
			delete(f.clients, c)
			close(c.send)
		}
	}
}

func (f *eventFeed) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 32)}
	f.mu.Lock()
	f.clients[client] = struct{}{}
	f.mu.Unlock()

	go f.writePump(client)
	f.readPump(client)
}

func (f *eventFeed) readPump(client *wsClient) {
	defer func() {
		f.mu.Lock()
		if _, ok := f.clients[client]; ok {
			delete(f.clients, client)
			close(client.send)
		}
		f.mu.Unlock()
		client.conn.Close()
	}()
	client.conn.SetReadLimit(512)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *eventFeed) writePump(client *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
