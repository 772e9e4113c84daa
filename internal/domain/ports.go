package domain

import "context"

// Unsubscribe stops delivery for one subscription. Safe to call more than once.
type Unsubscribe func()

// Store is the shared signaling document store.
// Subscriptions deliver the full current document once immediately and then on every change.
type Store interface {
	CreateOrMerge(ctx context.Context, path string, fields Document) error
	AppendToArray(ctx context.Context, path, field, value string) error
	Delete(ctx context.Context, path string) error
	Subscribe(ctx context.Context, path string, onChange func(Snapshot)) (Unsubscribe, error)
}

// TrackKind is the media kind of a track.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// LocalTrack is one captured track of the local media source.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
}

// LocalMedia is the local media source owned by one controller.
type LocalMedia interface {
	Tracks() []LocalTrack
	HasEnabledVideo() bool
	SetEnabled(kind TrackKind, enabled bool)
	Stop()
}

// RemoteTrack is a media track received from the peer.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	ReadPacket() (seq uint16, payload []byte, err error)
}

// RemoteSink consumes remote tracks. AttachTrack must not block.
type RemoteSink interface {
	AttachTrack(track RemoteTrack)
}

// ConnectionState is the transport state reported by the peer connection.
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerConnection is the peer-to-peer transport capability.
type PeerConnection interface {
	AddTrack(track LocalTrack) error
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(c ICECandidate) error
	OnICECandidate(fn func(ICECandidate))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(ConnectionState))
	Close() error
}

// PeerFactory creates one exclusively owned peer connection per call.
type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}
