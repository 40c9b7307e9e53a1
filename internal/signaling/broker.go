package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/screenstream/relay/internal/auth"
	"github.com/screenstream/relay/internal/metrics"
	"github.com/screenstream/relay/internal/registry"
)

// IceProvider mints the ICE server set for one viewer pairing.
type IceProvider interface {
	ServersFor(clientID string) []webrtc.ICEServer
}

// ClaimVerifier checks a host's stream claim JWT.
type ClaimVerifier interface {
	Verify(token string) (auth.StreamClaim, error)
}

// Broker routes signaling events between host and viewer connections.
// It owns no websocket I/O beyond replies on the invoking connection;
// relays block on the target peer's ack with a bounded timeout.
type Broker struct {
	registry *registry.Registry
	ice      IceProvider
	claims   ClaimVerifier
	metrics  *metrics.Metrics
	log      *slog.Logger

	// clientTimeout bounds waits on viewer acks, hostTimeout on host
	// acks. Mobile hosts are slower to answer than browsers.
	clientTimeout time.Duration
	hostTimeout   time.Duration
}

func NewBroker(reg *registry.Registry, ice IceProvider, claims ClaimVerifier, m *metrics.Metrics, logger *slog.Logger, clientTimeout, hostTimeout time.Duration) *Broker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broker{
		registry:      reg,
		ice:           ice,
		claims:        claims,
		metrics:       m,
		log:           logger,
		clientTimeout: clientTimeout,
		hostTimeout:   hostTimeout,
	}
}

// handle dispatches one guarded inbound event and acks it. Runs on the
// connection's read loop; the per-connection event order is the arrival
// order.
func (b *Broker) handle(c *Conn, env Envelope) {
	var ack AckData
	switch env.Event {
	case EventStreamCreate:
		ack = b.streamCreate(c, env.Data)
	case EventStreamRemove:
		ack = b.streamRemove(c)
	case EventStreamStart:
		ack = b.streamStart(c, env.Data)
	case EventStreamStop:
		ack = b.streamStop(c)
	case EventHostOffer:
		ack = b.hostOffer(c, env.Data)
	case EventHostCandidates:
		ack = b.hostCandidates(c, env.Data)
	case EventRemoveClient:
		ack = b.removeClient(c, env.Data)
	case EventStreamJoin:
		ack = b.streamJoin(c, env.Data)
	case EventClientAnswer:
		ack = b.clientAnswer(c, env.Data)
	case EventClientCandidate:
		ack = b.clientCandidate(c, env.Data)
	case EventStreamLeave:
		ack = b.streamLeave(c)
	default:
		// Unreachable past the guard allow-lists.
		ack = AckData{Status: StatusEmptyOrBadData}
	}

	if ack.Status != StatusOK && c.Role() == auth.RoleClient {
		c.addError()
	}
	if err := c.Ack(env.ID, ack); err != nil {
		b.log.Debug("ack write failed", "event", env.Event, "error", err)
	}
}

// disconnect runs the teardown for a connection whose read loop ended.
// Idempotent under host/client teardown races.
func (b *Broker) disconnect(c *Conn) {
	c.Close()
	switch c.Role() {
	case auth.RoleHost:
		id, viewers := b.registry.DropHost(c)
		if id == "" {
			return
		}
		b.dissolve(id, viewers)
		b.metrics.Inc(metrics.StreamsRemoved)
		b.log.Info("stream removed on host disconnect", "stream_id", id, "viewers", len(viewers))
	case auth.RoleClient:
		// A disconnecting viewer is dropped from the room silently; only
		// an explicit STREAM:LEAVE tells the host.
		id := c.StreamID()
		if id == "" {
			return
		}
		b.registry.RemoveClient(id, c.ClientID(), c)
	}
}

// dissolve notifies viewers their stream is gone and unbinds them.
// The sockets stay open; a viewer may join another stream.
func (b *Broker) dissolve(id string, viewers []registry.Conn) {
	for _, v := range viewers {
		vc, ok := v.(*Conn)
		if !ok {
			continue
		}
		vc.clearStreamID(id)
		_ = vc.Send(EventRemoveStream, nil)
	}
}

func (b *Broker) notifyLeave(id, clientID string) {
	host, err := b.registry.HostOf(id)
	if err != nil {
		return
	}
	if hc, ok := host.(*Conn); ok {
		_ = hc.Send(EventStreamLeave, StreamLeaveData{ClientID: clientID})
	}
}

func (b *Broker) iceServers(clientID string) []webrtc.ICEServer {
	if b.ice == nil {
		return nil
	}
	return b.ice.ServersFor(clientID)
}

// relayStatus extracts the status a peer acked a relayed event with. A
// peer that acks garbage is treated as having sent bad data.
func relayStatus(raw json.RawMessage) string {
	var ack AckData
	if err := json.Unmarshal(raw, &ack); err != nil || ack.Status == "" {
		return StatusEmptyOrBadData
	}
	return ack.Status
}
