// Package negotiation owns one peer-connection lifecycle for one side of a call.
package negotiation

import (
	"fmt"
	"sync"

	"oreocam/native/internal/domain"

	"github.com/rs/zerolog/log"
)

// Role selects which half of the offer/answer exchange a session performs.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// State is the negotiation state of a session.
type State int

const (
	StateIdle State = iota
	StateLocalDescriptionReady
	StateAwaitingRemote
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocalDescriptionReady:
		return "local-description-ready"
	case StateAwaitingRemote:
		return "awaiting-remote"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind identifies the variant carried by an Event.
type EventKind int

const (
	// EventLocalCandidate carries a serialized local candidate to publish.
	EventLocalCandidate EventKind = iota
	// EventStateChange carries a state reached asynchronously. Err is set for StateFailed.
	EventStateChange
)

// Event is delivered to the owner of a session.
type Event struct {
	Kind      EventKind
	Candidate string
	State     State
	Err       error
}

// Session negotiates one peer connection.
// Operations are expected to be called from a single goroutine; callbacks from the
// peer connection may arrive from any goroutine and are delivered through emit.
type Session struct {
	role    Role
	peers   domain.PeerFactory
	media   domain.LocalMedia
	sink    domain.RemoteSink
	emit    func(Event)
	logName string

	mu         sync.Mutex
	pc         domain.PeerConnection
	state      State
	lastRemote string
	remoteSet  bool
	seen       map[string]struct{}
	pending    []domain.ICECandidate

	// gate is held shared while delivering callbacks and exclusively by Close,
	// so nothing is delivered once Close returns.
	gate   sync.RWMutex
	closed bool
}

// Config holds the collaborators of a session.
type Config struct {
	Role  Role
	Peers domain.PeerFactory
	Media domain.LocalMedia
	Sink  domain.RemoteSink
	Emit  func(Event)
}

// New creates an idle session.
func New(cfg Config) *Session {
	return &Session{
		role:    cfg.Role,
		peers:   cfg.Peers,
		media:   cfg.Media,
		sink:    cfg.Sink,
		emit:    cfg.Emit,
		logName: string(cfg.Role),
		seen:    make(map[string]struct{}),
	}
}

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreateLocalOffer creates the peer connection and returns the serialized offer.
func (s *Session) CreateLocalOffer() (string, error) {
	if s.role != RoleHost {
		return "", fmt.Errorf("create offer: role %s cannot offer", s.role)
	}
	pc, err := s.open()
	if err != nil {
		return "", err
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		return "", s.fail(fmt.Errorf("create offer: %w", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", s.fail(fmt.Errorf("set local description: %w", err))
	}
	encoded, err := domain.EncodeDescription(offer)
	if err != nil {
		return "", s.fail(err)
	}

	s.advance(StateLocalDescriptionReady)
	log.Info().Str("module", "negotiation").Str("role", s.logName).Msg("local offer ready")
	return encoded, nil
}

// CreateLocalAnswer applies the remote offer and returns the serialized answer.
func (s *Session) CreateLocalAnswer(remoteOffer string) (string, error) {
	if s.role != RoleGuest {
		return "", fmt.Errorf("create answer: role %s cannot answer", s.role)
	}
	offer, err := domain.DecodeDescription(remoteOffer, domain.SDPTypeOffer)
	if err != nil {
		return "", err
	}
	pc, err := s.open()
	if err != nil {
		return "", err
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", s.fail(fmt.Errorf("%w: %w", domain.ErrInvalidRemoteDescription, err))
	}
	s.mu.Lock()
	s.lastRemote = remoteOffer
	s.remoteSet = true
	s.mu.Unlock()

	answer, err := pc.CreateAnswer()
	if err != nil {
		return "", s.fail(fmt.Errorf("create answer: %w", err))
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", s.fail(fmt.Errorf("set local description: %w", err))
	}
	encoded, err := domain.EncodeDescription(answer)
	if err != nil {
		return "", s.fail(err)
	}

	s.advance(StateAwaitingRemote)
	s.flushPending()
	log.Info().Str("module", "negotiation").Str("role", s.logName).Msg("local answer ready")
	return encoded, nil
}

// ApplyRemoteAnswer applies the guest's answer. Re-applying the last value is a no-op.
func (s *Session) ApplyRemoteAnswer(remoteAnswer string) error {
	if s.role != RoleHost {
		return fmt.Errorf("apply answer: role %s cannot apply an answer", s.role)
	}

	s.mu.Lock()
	pc, closed := s.pc, s.state == StateClosed
	same := s.remoteSet && remoteAnswer == s.lastRemote
	s.mu.Unlock()
	switch {
	case closed:
		return domain.ErrSessionClosed
	case same:
		return nil
	case pc == nil:
		return fmt.Errorf("apply answer: no local offer")
	}

	answer, err := domain.DecodeDescription(remoteAnswer, domain.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidRemoteDescription, err)
	}

	s.mu.Lock()
	s.lastRemote = remoteAnswer
	s.remoteSet = true
	s.mu.Unlock()

	s.advance(StateConnecting)
	s.flushPending()
	log.Info().Str("module", "negotiation").Str("role", s.logName).Msg("remote answer applied")
	return nil
}

// AddRemoteCandidates adds every candidate not seen before in this session.
// Malformed candidates are logged and skipped. Candidates that arrive before the
// remote description are queued. It returns how many reached the connection.
func (s *Session) AddRemoteCandidates(candidates []string) int {
	s.mu.Lock()
	pc, remoteSet := s.pc, s.remoteSet
	if s.state == StateClosed {
		s.mu.Unlock()
		return 0
	}
	var ready []domain.ICECandidate
	for _, raw := range candidates {
		if _, ok := s.seen[raw]; ok {
			continue
		}
		s.seen[raw] = struct{}{}

		c, err := domain.DecodeCandidate(raw)
		if err != nil {
			log.Warn().Err(err).Str("module", "negotiation").Str("role", s.logName).Msg("skipping remote candidate")
			continue
		}
		if !remoteSet || pc == nil {
			s.pending = append(s.pending, c)
			continue
		}
		ready = append(ready, c)
	}
	s.mu.Unlock()

	return s.addAll(pc, ready)
}

// Close releases the peer connection. Safe to call repeatedly from any state.
func (s *Session) Close() error {
	s.gate.Lock()
	if s.closed {
		s.gate.Unlock()
		return nil
	}
	s.closed = true
	s.gate.Unlock()

	s.mu.Lock()
	pc := s.pc
	s.pc = nil
	s.state = StateClosed
	s.pending = nil
	s.mu.Unlock()

	if pc == nil {
		return nil
	}
	if err := pc.Close(); err != nil {
		log.Warn().Err(err).Str("module", "negotiation").Str("role", s.logName).Msg("close peer connection")
		return err
	}
	log.Info().Str("module", "negotiation").Str("role", s.logName).Msg("closed")
	return nil
}

func (s *Session) open() (domain.PeerConnection, error) {
	if s.media == nil {
		return nil, domain.ErrMediaNotReady
	}

	s.mu.Lock()
	if s.state != StateIdle || s.pc != nil {
		st := s.state
		s.mu.Unlock()
		if st == StateClosed {
			return nil, domain.ErrSessionClosed
		}
		return nil, fmt.Errorf("session already negotiating (%s)", st)
	}
	s.mu.Unlock()

	pc, err := s.peers.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(s.onLocalCandidate)
	pc.OnTrack(s.onRemoteTrack)
	pc.OnConnectionStateChange(s.onConnectionState)

	for _, track := range s.media.Tracks() {
		if err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s track %s: %w", track.Kind(), track.ID(), err)
		}
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		pc.Close()
		return nil, domain.ErrSessionClosed
	}
	s.pc = pc
	s.mu.Unlock()
	return pc, nil
}

func (s *Session) addAll(pc domain.PeerConnection, candidates []domain.ICECandidate) int {
	added := 0
	for _, c := range candidates {
		if err := pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "negotiation").Str("role", s.logName).Msg("add remote candidate")
			continue
		}
		added++
	}
	return added
}

func (s *Session) flushPending() {
	s.mu.Lock()
	pc, pending := s.pc, s.pending
	s.pending = nil
	s.mu.Unlock()
	if pc == nil || len(pending) == 0 {
		return
	}
	n := s.addAll(pc, pending)
	log.Debug().Str("module", "negotiation").Str("role", s.logName).Int("count", n).Msg("flushed queued candidates")
}

// fail marks the attempt failed, releases the connection and returns err.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	pc := s.pc
	s.pc = nil
	if s.state != StateClosed {
		s.state = StateFailed
	}
	s.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
	return err
}

// advance moves forward along the happy path only; it reports whether the state changed.
func (s *Session) advance(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= st || s.state == StateFailed || s.state == StateClosed {
		return false
	}
	s.state = st
	return true
}

func (s *Session) deliver(fn func()) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.closed {
		return
	}
	fn()
}

func (s *Session) onLocalCandidate(c domain.ICECandidate) {
	encoded, err := domain.EncodeCandidate(c)
	if err != nil {
		log.Warn().Err(err).Str("module", "negotiation").Str("role", s.logName).Msg("encode local candidate")
		return
	}
	s.deliver(func() {
		s.emitEvent(Event{Kind: EventLocalCandidate, Candidate: encoded})
	})
}

func (s *Session) onRemoteTrack(track domain.RemoteTrack) {
	s.deliver(func() {
		log.Info().Str("module", "negotiation").Str("role", s.logName).
			Str("kind", string(track.Kind())).Str("track_id", track.ID()).Msg("remote track")
		if s.sink != nil {
			s.sink.AttachTrack(track)
		}
		if s.advance(StateConnected) {
			s.emitEvent(Event{Kind: EventStateChange, State: StateConnected})
		}
	})
}

func (s *Session) onConnectionState(cs domain.ConnectionState) {
	s.deliver(func() {
		log.Info().Str("module", "negotiation").Str("role", s.logName).Str("state", cs.String()).Msg("connection state")
		switch cs {
		case domain.ConnectionStateConnecting:
			if s.advance(StateConnecting) {
				s.emitEvent(Event{Kind: EventStateChange, State: StateConnecting})
			}
		case domain.ConnectionStateConnected:
			if s.advance(StateConnected) {
				s.emitEvent(Event{Kind: EventStateChange, State: StateConnected})
			}
		case domain.ConnectionStateFailed:
			s.mu.Lock()
			changed := s.state != StateFailed && s.state != StateClosed
			if changed {
				s.state = StateFailed
			}
			s.mu.Unlock()
			if changed {
				s.emitEvent(Event{Kind: EventStateChange, State: StateFailed, Err: domain.ErrConnectivityFailed})
			}
		}
	})
}

func (s *Session) emitEvent(ev Event) {
	if s.emit != nil {
		s.emit(ev)
	}
}
