// Package signaling implements the brokering protocol between screen
// hosts and viewers: a JSON envelope protocol over websockets in which
// the server pairs connections by stream id and relays SDP offers,
// answers, and ICE candidates between them without inspecting the
// payloads.
package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Event names. Direction is encoded in the prefix the mobile and web
// apps use: HOST:* originate from the host, CLIENT:* from the viewer,
// STREAM:* are lifecycle events either side or the server may emit.
const (
	EventHello = "HELLO"
	EventAck   = "ACK"

	// Host → server.
	EventStreamCreate   = "STREAM:CREATE"
	EventStreamRemove   = "STREAM:REMOVE"
	EventStreamStart    = "STREAM:START"
	EventStreamStop     = "STREAM:STOP"
	EventHostOffer      = "HOST:OFFER"
	EventHostCandidates = "HOST:CANDIDATES"
	EventRemoveClient   = "REMOVE:CLIENT"

	// Client → server.
	EventStreamJoin      = "STREAM:JOIN"
	EventClientAnswer    = "CLIENT:ANSWER"
	EventClientCandidate = "CLIENT:CANDIDATE"
	EventStreamLeave     = "STREAM:LEAVE"

	// Server → peer.
	EventRemoveStream = "REMOVE:STREAM"
	EventSocketError  = "SOCKET:ERROR"
)

// Envelope is the frame shape for every text message on a signaling
// socket. Requests carry a sender-assigned id; the receiver answers
// with an ACK envelope echoing that id.
type Envelope struct {
	Event string          `json:"event"`
	ID    int64           `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AckData is the payload of every ACK. Status is always set; the other
// fields only on the operations that produce them.
type AckData struct {
	Status     string             `json:"status"`
	StreamID   string             `json:"streamId,omitempty"`
	IceServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

// HelloData is the first message on a fresh socket; exactly one of
// ClientToken/HostToken must be set.
type HelloData struct {
	ClientToken string `json:"clientToken,omitempty"`
	HostToken   string `json:"hostToken,omitempty"`
	Device      string `json:"device,omitempty"`
}

type StreamCreateData struct {
	JWT string `json:"jwt"`
}

// StreamStartData optionally targets one joined viewer; empty or "ALL"
// means every viewer.
type StreamStartData struct {
	ClientID string `json:"clientId,omitempty"`
}

type HostOfferData struct {
	ClientID string          `json:"clientId,omitempty"`
	Offer    json.RawMessage `json:"offer,omitempty"`
}

type HostCandidatesData struct {
	ClientID string `json:"clientId,omitempty"`
	// Candidates is relayed opaquely and may be empty; an explicit JSON
	// null element is the end-of-candidates marker and is preserved.
	Candidates []json.RawMessage `json:"candidates"`
}

type RemoveClientData struct {
	ClientID []string `json:"clientId,omitempty"`
}

type StreamJoinData struct {
	StreamID string `json:"streamId,omitempty"`
	// PasswordDigest is opaque to the server; only the host can check it.
	PasswordDigest string `json:"passwordDigest,omitempty"`
}

type ClientAnswerData struct {
	Answer json.RawMessage `json:"answer,omitempty"`
}

type ClientCandidateData struct {
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// HostJoinData is the server → host form of STREAM:JOIN: the viewer's
// identity and password digest plus the ICE servers minted for this
// pairing, so host and viewer agree on them.
type HostJoinData struct {
	ClientID       string             `json:"clientId"`
	PasswordDigest string             `json:"passwordDigest,omitempty"`
	IceServers     []webrtc.ICEServer `json:"iceServers,omitempty"`
}

// Server → client relay payloads carry the host's blobs unchanged.
type ClientOfferData struct {
	Offer json.RawMessage `json:"offer,omitempty"`
}

type ClientCandidatesData struct {
	Candidates []json.RawMessage `json:"candidates"`
}

// HostAnswerData / HostCandidateData are the server → host relays of a
// viewer's answer and trickled candidate.
type HostAnswerData struct {
	ClientID string          `json:"clientId"`
	Answer   json.RawMessage `json:"answer,omitempty"`
}

type HostCandidateData struct {
	ClientID  string          `json:"clientId"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// StreamLeaveData notifies the host that a viewer left.
type StreamLeaveData struct {
	ClientID string `json:"clientId"`
}

// SocketErrorData is pushed before a forced disconnect.
type SocketErrorData struct {
	Status string `json:"status"`
}
