package signaling

import (
	"encoding/json"
	"errors"

	"github.com/screenstream/relay/internal/metrics"
	"github.com/screenstream/relay/internal/registry"
)

func (b *Broker) streamJoin(c *Conn, raw json.RawMessage) AckData {
	var data StreamJoinData
	if err := json.Unmarshal(raw, &data); err != nil || !registry.ValidateID(data.StreamID) || data.PasswordDigest == "" {
		return AckData{Status: StatusEmptyOrBadData}
	}
	// Rejoining the same stream is allowed and re-asks the host; only a
	// join while bound to a different stream is a protocol error.
	if joined := c.StreamID(); joined != "" && joined != data.StreamID {
		return AckData{Status: StatusStreamIDAlreadySet}
	}

	host, err := b.registry.HostOf(data.StreamID)
	if err != nil {
		return AckData{Status: StatusNoStreamHostFound}
	}
	hc, ok := host.(*Conn)
	if !ok || !hc.Connected() {
		return AckData{Status: StatusHostSocketDisconnected}
	}

	// One identity, one live session. An older connection still joined
	// somewhere loses its seat.
	for _, old := range b.registry.EvictIdentity(c.ClientID(), c) {
		if oc, ok := old.(*Conn); ok {
			// Unbind before closing so the dead session's teardown does
			// not report this identity as having left.
			oc.setStreamID("")
			_ = oc.Send(EventRemoveStream, nil)
			oc.Close()
		}
		b.metrics.Inc(metrics.ClientsEvicted)
	}

	ice := b.iceServers(c.ClientID())
	ack, err := hc.Request(EventStreamJoin, HostJoinData{
		ClientID:       c.ClientID(),
		PasswordDigest: data.PasswordDigest,
		IceServers:     ice,
	}, b.hostTimeout)
	switch {
	case errors.Is(err, ErrRequestTimeout):
		b.metrics.Inc(metrics.RelayTimeout)
		return AckData{Status: StatusTimeoutOrNoResponse}
	case err != nil:
		return AckData{Status: StatusHostSocketDisconnected}
	}

	if status := relayStatus(ack); status != StatusOK {
		// Wrong password or the host refused; the viewer hears the
		// host's verdict verbatim.
		return AckData{Status: status}
	}
	if !hc.Connected() {
		return AckData{Status: StatusHostSocketDisconnected}
	}
	if !c.Connected() {
		return AckData{Status: StatusSocketDisconnected}
	}
	if err := b.registry.AddClient(data.StreamID, c.ClientID(), c); err != nil {
		// Room dissolved while the host was deciding.
		return AckData{Status: StatusNoStreamHostFound}
	}

	c.setStreamID(data.StreamID)
	b.metrics.Inc(metrics.ClientsJoined)
	b.log.Info("viewer joined", "stream_id", data.StreamID, "client_id", c.ClientID())
	return AckData{Status: StatusOK, IceServers: ice}
}

func (b *Broker) clientAnswer(c *Conn, raw json.RawMessage) AckData {
	var data ClientAnswerData
	if err := json.Unmarshal(raw, &data); err != nil || len(data.Answer) == 0 {
		return AckData{Status: StatusEmptyOrBadData}
	}
	return b.relayToHost(c, EventClientAnswer, func(clientID string) any {
		return HostAnswerData{ClientID: clientID, Answer: data.Answer}
	})
}

func (b *Broker) clientCandidate(c *Conn, raw json.RawMessage) AckData {
	var data ClientCandidateData
	if err := json.Unmarshal(raw, &data); err != nil || len(data.Candidate) == 0 {
		return AckData{Status: StatusEmptyOrBadData}
	}
	return b.relayToHost(c, EventClientCandidate, func(clientID string) any {
		return HostCandidateData{ClientID: clientID, Candidate: data.Candidate}
	})
}

// relayToHost forwards a viewer event to the host of the stream the
// viewer joined and returns the host's acked status.
func (b *Broker) relayToHost(c *Conn, event string, payload func(clientID string) any) AckData {
	id := c.StreamID()
	if id == "" {
		return AckData{Status: StatusNoStreamJoined}
	}
	host, err := b.registry.HostOf(id)
	if err != nil {
		return AckData{Status: StatusNoStreamHostFound}
	}
	hc, ok := host.(*Conn)
	if !ok || !hc.Connected() {
		return AckData{Status: StatusHostSocketDisconnected}
	}

	ack, err := hc.Request(event, payload(c.ClientID()), b.hostTimeout)
	switch {
	case errors.Is(err, ErrRequestTimeout):
		b.metrics.Inc(metrics.RelayTimeout)
		return AckData{Status: StatusTimeoutOrNoResponse}
	case err != nil:
		return AckData{Status: StatusHostSocketDisconnected}
	}
	if !c.Connected() {
		return AckData{Status: StatusSocketDisconnected}
	}
	return AckData{Status: relayStatus(ack)}
}

func (b *Broker) streamLeave(c *Conn) AckData {
	id := c.StreamID()
	if id == "" {
		return AckData{Status: StatusNoStreamJoined}
	}
	b.registry.RemoveClient(id, c.ClientID(), c)
	c.clearStreamID(id)
	b.notifyLeave(id, c.ClientID())
	b.log.Info("viewer left", "stream_id", id, "client_id", c.ClientID())
	return AckData{Status: StatusOK}
}
