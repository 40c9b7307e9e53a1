package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/screenstream/relay/internal/auth"
)

// Guard causes. Unlike the ERROR:* statuses these always terminate the
// connection; they indicate a broken or abusive peer, not a recoverable
// protocol mistake.
const (
	guardUnverifiedSocket   = "UNVERIFIED_SOCKET"
	guardInvalidSocketState = "INVALID_SOCKET_STATE"
	guardNoClientID         = "NO_CLIENT_ID"
	guardUnknownClientEvent = "UNKNOWN_CLIENT_EVENT"
	guardUnknownHostEvent   = "UNKNOWN_HOST_EVENT"
	guardErrorLimitReached  = "ERROR_LIMIT_REACHED"
	guardRateLimited        = "RATE_LIMITED"
)

const guardCloseWait = 3 * time.Second

var hostEvents = map[string]bool{
	EventStreamCreate:   true,
	EventStreamRemove:   true,
	EventStreamStart:    true,
	EventStreamStop:     true,
	EventHostOffer:      true,
	EventHostCandidates: true,
	EventRemoveClient:   true,
}

var clientEvents = map[string]bool{
	EventStreamJoin:      true,
	EventClientAnswer:    true,
	EventClientCandidate: true,
	EventStreamLeave:     true,
}

// checkEvent runs the ordered admission checks for one inbound event.
// Any returned cause is fatal to the connection.
func checkEvent(c *Conn, event string, errorBudget int) (cause string, ok bool) {
	identity := c.Identity()
	switch identity.Role {
	case auth.RoleHost:
		if !hostEvents[event] {
			return guardUnknownHostEvent, false
		}
	case auth.RoleClient:
		if identity.ClientID == "" {
			return guardNoClientID, false
		}
		if !clientEvents[event] {
			return guardUnknownClientEvent, false
		}
		// Only viewers carry an error budget; hosts are exempt.
		if c.ErrorCount() > errorBudget {
			return guardErrorLimitReached, false
		}
	case auth.RoleUnauthenticated:
		return guardUnverifiedSocket, false
	default:
		return guardInvalidSocketState, false
	}
	return "", true
}

// failGuard pushes a best-effort SOCKET:ERROR with the cause and then
// force-closes the connection.
func failGuard(c *Conn, cause string) {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(guardCloseWait))
	raw, _ := json.Marshal(SocketErrorData{Status: fmt.Sprintf("SOCKET_CHECK_ERROR:%s", cause)})
	_ = c.ws.WriteJSON(Envelope{Event: EventSocketError, Data: raw})
	c.writeMu.Unlock()
	c.Close()
}
