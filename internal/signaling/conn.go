package signaling

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/screenstream/relay/internal/auth"
)

const writeWait = 10 * time.Second

var (
	ErrConnClosed     = errors.New("signaling connection closed")
	ErrRequestTimeout = errors.New("peer did not acknowledge in time")
)

// Conn wraps one websocket with the per-connection signaling state:
// the authenticated identity, the stream the socket is bound to, the
// error budget, and the pending table for server-initiated requests.
//
// Writes are serialized by writeMu and may happen from any goroutine;
// reads happen only on the connection's own read loop.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	identity   auth.Identity
	pubKey     string
	streamID   string
	errorCount int
	nextID     int64
	pending    map[int64]chan json.RawMessage
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:      ws,
		pending: make(map[int64]chan json.RawMessage),
	}
}

func (c *Conn) setIdentity(id auth.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
}

func (c *Conn) Identity() auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Conn) Role() auth.Role { return c.Identity().Role }

// ClientID is the viewer identity bound at authentication. Empty for
// hosts.
func (c *Conn) ClientID() string { return c.Identity().ClientID }

func (c *Conn) StreamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID
}

func (c *Conn) setStreamID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamID = id
}

// clearStreamID resets the binding only if it still points at want,
// so teardown paths racing each other stay idempotent.
func (c *Conn) clearStreamID(want string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamID == want {
		c.streamID = ""
	}
}

func (c *Conn) PubKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pubKey
}

func (c *Conn) setPubKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubKey = key
}

func (c *Conn) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCount
}

func (c *Conn) addError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close tears the socket down and fails every in-flight request.
// Safe to call multiple times and from any goroutine.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = c.ws.Close()
}

func (c *Conn) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

// Send pushes a fire-and-forget event to the peer.
func (c *Conn) Send(event string, data any) error {
	if !c.Connected() {
		return ErrConnClosed
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.write(Envelope{Event: event, Data: raw})
}

// Ack answers a peer request identified by id.
func (c *Conn) Ack(id int64, data any) error {
	if !c.Connected() {
		return ErrConnClosed
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.write(Envelope{Event: EventAck, ID: id, Data: raw})
}

// Request sends a server-initiated event to the peer and blocks until
// the peer acks it, the timeout lapses, or the connection dies. The
// ack arrives on the peer's read loop, so Request must never be called
// from this connection's own read loop with this connection as target.
func (c *Conn) Request(event string, data any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan json.RawMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(Envelope{Event: event, ID: id, Data: raw}); err != nil {
		c.dropPending(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return nil, ErrConnClosed
		}
		return ack, nil
	case <-timer.C:
		c.dropPending(id)
		return nil, ErrRequestTimeout
	}
}

func (c *Conn) dropPending(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// resolve delivers an ACK frame read off the wire to the waiting
// Request. Unknown ids are dropped; the request may have timed out.
func (c *Conn) resolve(id int64, data json.RawMessage) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- data
	}
}
