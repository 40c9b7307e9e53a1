package signaling

import (
	"encoding/json"
	"errors"

	"github.com/screenstream/relay/internal/metrics"
)

func (b *Broker) streamCreate(c *Conn, raw json.RawMessage) AckData {
	var data StreamCreateData
	if err := json.Unmarshal(raw, &data); err != nil {
		return AckData{Status: StatusEmptyOrBadData}
	}
	if data.JWT == "" {
		return AckData{Status: StatusNoJWTSet}
	}
	if c.StreamID() != "" {
		return AckData{Status: StatusStreamIDAlreadySet}
	}

	claim, err := b.claims.Verify(data.JWT)
	if err != nil {
		b.log.Warn("stream claim rejected", "error", err)
		return AckData{Status: StatusJWTVerificationFailed}
	}

	id, prev, evicted, err := b.registry.Claim(claim.StreamID, claim.PubKey, c)
	if err != nil {
		b.log.Error("stream id allocation failed", "error", err)
		return AckData{Status: StatusEmptyOrBadData}
	}

	if prev != nil {
		// Same key, new connection: the old session is dead weight.
		if pc, ok := prev.(*Conn); ok {
			pc.clearStreamID(id)
			pc.Close()
		}
		b.dissolve(id, evicted)
		b.metrics.Inc(metrics.StreamsReclaimed)
		b.log.Info("stream reclaimed", "stream_id", id, "evicted_viewers", len(evicted))
	}

	c.setStreamID(id)
	c.setPubKey(claim.PubKey)
	b.metrics.Inc(metrics.StreamsCreated)
	b.log.Info("stream created", "stream_id", id)
	return AckData{Status: StatusOK, StreamID: id}
}

func (b *Broker) streamRemove(c *Conn) AckData {
	id := c.StreamID()
	if id == "" {
		return AckData{Status: StatusNoStreamIDSet}
	}
	viewers := b.registry.Remove(id)
	b.dissolve(id, viewers)
	c.clearStreamID(id)
	b.metrics.Inc(metrics.StreamsRemoved)
	b.log.Info("stream removed", "stream_id", id, "viewers", len(viewers))
	return AckData{Status: StatusOK}
}

func (b *Broker) streamStart(c *Conn, raw json.RawMessage) AckData {
	id := c.StreamID()
	if id == "" {
		return AckData{Status: StatusNoStreamIDSet}
	}
	var data StreamStartData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return AckData{Status: StatusEmptyOrBadData}
		}
	}
	_ = b.registry.SetStarted(id, true)

	if data.ClientID != "" && data.ClientID != "ALL" {
		viewer, err := b.registry.ClientOf(id, data.ClientID)
		if err != nil {
			return AckData{Status: StatusNoClientFound}
		}
		if vc, ok := viewer.(*Conn); ok {
			_ = vc.Send(EventStreamStart, nil)
		}
		return AckData{Status: StatusOK}
	}
	for _, v := range b.registry.ClientsOf(id) {
		if vc, ok := v.(*Conn); ok {
			_ = vc.Send(EventStreamStart, nil)
		}
	}
	return AckData{Status: StatusOK}
}

func (b *Broker) streamStop(c *Conn) AckData {
	id := c.StreamID()
	if id == "" {
		return AckData{Status: StatusNoStreamIDSet}
	}
	_ = b.registry.SetStarted(id, false)
	for _, v := range b.registry.ClientsOf(id) {
		if vc, ok := v.(*Conn); ok {
			_ = vc.Send(EventStreamStop, nil)
		}
	}
	return AckData{Status: StatusOK}
}

func (b *Broker) hostOffer(c *Conn, raw json.RawMessage) AckData {
	id := c.StreamID()
	if id == "" {
		return AckData{Status: StatusNoStreamIDSet}
	}
	var data HostOfferData
	if err := json.Unmarshal(raw, &data); err != nil || data.ClientID == "" || len(data.Offer) == 0 {
		return AckData{Status: StatusEmptyOrBadData}
	}
	return b.relayToViewer(c, id, data.ClientID, EventHostOffer, ClientOfferData{Offer: data.Offer})
}

func (b *Broker) hostCandidates(c *Conn, raw json.RawMessage) AckData {
	id := c.StreamID()
	if id == "" {
		return AckData{Status: StatusNoStreamIDSet}
	}
	var data HostCandidatesData
	// An empty array is a valid relay; only a missing or null field is
	// malformed.
	if err := json.Unmarshal(raw, &data); err != nil || data.ClientID == "" || data.Candidates == nil {
		return AckData{Status: StatusEmptyOrBadData}
	}
	return b.relayToViewer(c, id, data.ClientID, EventHostCandidates, ClientCandidatesData{Candidates: data.Candidates})
}

// relayToViewer forwards a host event to one joined viewer and returns
// the viewer's acked status.
func (b *Broker) relayToViewer(host *Conn, id, clientID, event string, payload any) AckData {
	viewer, err := b.registry.ClientOf(id, clientID)
	if err != nil {
		return AckData{Status: StatusNoClientFound}
	}
	vc, ok := viewer.(*Conn)
	if !ok || !vc.Connected() {
		b.registry.RemoveClient(id, clientID, viewer)
		return AckData{Status: StatusSocketDisconnected}
	}

	ack, err := vc.Request(event, payload, b.clientTimeout)
	switch {
	case errors.Is(err, ErrRequestTimeout):
		b.metrics.Inc(metrics.RelayTimeout)
		return AckData{Status: StatusTimeoutOrNoResponse}
	case err != nil:
		return AckData{Status: StatusSocketDisconnected}
	}
	if !host.Connected() {
		return AckData{Status: StatusSocketDisconnected}
	}
	return AckData{Status: relayStatus(ack)}
}

func (b *Broker) removeClient(c *Conn, raw json.RawMessage) AckData {
	id := c.StreamID()
	if id == "" {
		return AckData{Status: StatusNoStreamIDSet}
	}
	var data RemoveClientData
	if err := json.Unmarshal(raw, &data); err != nil || len(data.ClientID) == 0 {
		return AckData{Status: StatusEmptyOrBadData}
	}
	for _, clientID := range data.ClientID {
		viewer, err := b.registry.ClientOf(id, clientID)
		if err != nil {
			continue
		}
		b.registry.RemoveClient(id, clientID, viewer)
		if vc, ok := viewer.(*Conn); ok {
			vc.clearStreamID(id)
			_ = vc.Send(EventRemoveClient, nil)
		}
		b.metrics.Inc(metrics.ClientsEvicted)
	}
	return AckData{Status: StatusOK}
}
