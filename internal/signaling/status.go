package signaling

// Wire status strings. These are a contract with the host and viewer
// apps; renaming one is a protocol change.
const (
	StatusOK = "OK"

	StatusEmptyOrBadData         = "ERROR:EMPTY_OR_BAD_DATA"
	StatusStreamIDAlreadySet     = "ERROR:STREAM_ID_ALREADY_SET"
	StatusNoStreamHostFound      = "ERROR:NO_STREAM_HOST_FOUND"
	StatusHostSocketDisconnected = "ERROR:HOST_SOCKET_DISCONNECTED"
	StatusNoStreamJoined         = "ERROR:NO_STREAM_JOINED"
	StatusNoClientFound          = "ERROR:NO_CLIENT_FOUND"
	StatusNoStreamIDSet          = "ERROR:NO_STREAM_ID_SET"
	StatusNoJWTSet               = "ERROR:NO_JWT_SET"
	StatusJWTVerificationFailed  = "ERROR:JWT_VERIFICATION_FAILED"
	StatusTimeoutOrNoResponse    = "ERROR:TIMEOUT_OR_NO_RESPONSE"
	StatusSocketDisconnected     = "ERROR:SOCKET_DISCONNECTED"
)
