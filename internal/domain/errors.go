package domain

import "errors"

var (
	// ErrMediaNotReady means no usable local media track exists.
	ErrMediaNotReady = errors.New("local media not ready")
	// ErrInvalidRoomID means the join target is empty or malformed.
	ErrInvalidRoomID = errors.New("invalid room id")
	// ErrInvalidRemoteDescription means an offer or answer could not be parsed or applied.
	ErrInvalidRemoteDescription = errors.New("invalid remote description")
	// ErrCandidateParse means a single remote candidate could not be parsed.
	ErrCandidateParse = errors.New("candidate parse error")
	// ErrStoreWrite means a signaling store write failed.
	ErrStoreWrite = errors.New("store write failed")
	// ErrStoreReadUnavailable means a subscription could not be established.
	ErrStoreReadUnavailable = errors.New("store subscription unavailable")
	// ErrConnectivityFailed means the transport reported an unrecoverable failure.
	ErrConnectivityFailed = errors.New("connectivity failed")

	ErrDocumentNotFound = errors.New("document not found")
	ErrRoomNotFound     = errors.New("room not found")
	ErrSessionClosed    = errors.New("session closed")
)
