package webrtc

import (
	"fmt"
	"net"
	"strings"

	"oreocam/native/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// TrackSource is implemented by local tracks backed by a pion track.
type TrackSource interface {
	Local() pion.TrackLocal
}

// Factory creates pion peer connections sharing one API instance.
type Factory struct {
	api    *pion.API
	config pion.Configuration
}

var _ domain.PeerFactory = (*Factory)(nil)

// NewFactory registers the default codecs, RTCP reports and NACK generator/responder.
func NewFactory(iceServers []domain.ICEServer) (*Factory, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("register rtcp reports: %w", err)
	}
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	var servers []pion.ICEServer
	for _, s := range iceServers {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return &Factory{
		api: api,
		config: pion.Configuration{
			ICEServers:   servers,
			BundlePolicy: pion.BundlePolicyMaxBundle,
		},
	}, nil
}

// NewPeerConnection creates one peer connection.
func (f *Factory) NewPeerConnection() (domain.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("ice_state", state.String()).Msg("ICE connection state")
	})
	return &Peer{pc: pc}, nil
}

// Peer wraps a pion PeerConnection.
type Peer struct {
	pc *pion.PeerConnection
}

var _ domain.PeerConnection = (*Peer)(nil)

// AddTrack attaches a local track. The track must be backed by a pion track.
func (p *Peer) AddTrack(track domain.LocalTrack) error {
	src, ok := track.(TrackSource)
	if !ok {
		return fmt.Errorf("track %s is not a pion track", track.ID())
	}
	sender, err := p.pc.AddTrack(src.Local())
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}

	// RTCP has to be read for the interceptors to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *Peer) CreateOffer() (domain.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return fromPion(offer), nil
}

func (p *Peer) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return fromPion(answer), nil
}

func (p *Peer) SetLocalDescription(desc domain.SessionDescription) error {
	if err := p.pc.SetLocalDescription(toPion(desc)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	log.Debug().Str("module", "webrtc").Str("type", desc.Type).Msg("local SDP set")
	return nil
}

func (p *Peer) SetRemoteDescription(desc domain.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(toPion(desc)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	log.Debug().Str("module", "webrtc").Str("type", desc.Type).Msg("remote SDP set")
	return nil
}

func (p *Peer) AddICECandidate(c domain.ICECandidate) error {
	init := pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// OnICECandidate registers the callback for locally discovered candidates.
// End of gathering and loopback candidates are not reported.
func (p *Peer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			log.Debug().Str("module", "webrtc").Msg("ICE gathering complete")
			return
		}

		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			log.Debug().Str("module", "webrtc").Msg("filtering loopback ICE candidate")
			return
		}
		fn(domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *Peer) OnTrack(fn func(domain.RemoteTrack)) {
	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		log.Info().Str("module", "webrtc").Str("kind", track.Kind().String()).
			Str("codec", codec.MimeType).Uint8("pt", uint8(codec.PayloadType)).Msg("got track")
		fn(&remoteTrack{track: track})
	})
}

func (p *Peer) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer_connection_state", state.String()).Msg("peer connection state")
		fn(connectionState(state))
	})
}

func (p *Peer) Close() error {
	return p.pc.Close()
}

type remoteTrack struct {
	track *pion.TrackRemote
}

func (t *remoteTrack) ID() string { return t.track.ID() }

func (t *remoteTrack) Kind() domain.TrackKind {
	if t.track.Kind() == pion.RTPCodecTypeVideo {
		return domain.TrackKindVideo
	}
	return domain.TrackKindAudio
}

func (t *remoteTrack) ReadPacket() (uint16, []byte, error) {
	pkt, _, err := t.track.ReadRTP()
	if err != nil {
		return 0, nil, err
	}
	return pkt.SequenceNumber, pkt.Payload, nil
}

func toPion(desc domain.SessionDescription) pion.SessionDescription {
	return pion.SessionDescription{Type: pion.NewSDPType(desc.Type), SDP: desc.SDP}
}

func fromPion(desc pion.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func connectionState(s pion.PeerConnectionState) domain.ConnectionState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return domain.ConnectionStateConnecting
	case pion.PeerConnectionStateConnected:
		return domain.ConnectionStateConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.ConnectionStateDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.ConnectionStateFailed
	case pion.PeerConnectionStateClosed:
		return domain.ConnectionStateClosed
	default:
		return domain.ConnectionStateNew
	}
}

// isLoopback reports whether the connection address of an ICE candidate
// line is a loopback address. The address is the fifth field.
func isLoopback(candidate string) bool {
	fields := strings.Fields(candidate)
	if len(fields) < 5 {
		return false
	}
	ip := net.ParseIP(fields[4])
	return ip != nil && ip.IsLoopback()
}
