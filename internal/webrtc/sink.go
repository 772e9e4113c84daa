package webrtc

import (
	"io"
	"sync"

	"oreocam/native/internal/domain"

	"github.com/rs/zerolog/log"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// H264Sink writes received H264 video as an Annex-B stream. Audio is drained.
type H264Sink struct {
	mu  sync.Mutex
	out io.Writer
}

var _ domain.RemoteSink = (*H264Sink)(nil)

// NewH264Sink creates a sink writing to out.
func NewH264Sink(out io.Writer) *H264Sink {
	return &H264Sink{out: out}
}

// AttachTrack starts reading the track in the background.
func (s *H264Sink) AttachTrack(track domain.RemoteTrack) {
	if track.Kind() == domain.TrackKindVideo {
		go s.readVideo(track)
		return
	}
	go func() {
		for {
			if _, _, err := track.ReadPacket(); err != nil {
				return
			}
		}
	}()
}

func (s *H264Sink) readVideo(track domain.RemoteTrack) {
	log.Info().Str("module", "webrtc").Str("track_id", track.ID()).Msg("reading H264 video track")

	depack := NewH264Depacketizer()
	for {
		seq, payload, err := track.ReadPacket()
		if err != nil {
			log.Info().Err(err).Str("module", "webrtc").Str("track_id", track.ID()).Msg("video track ended")
			return
		}

		for _, nalu := range depack.Depacketize(seq, payload) {
			if len(nalu) == 0 {
				continue
			}
			if err := s.write(nalu); err != nil {
				log.Warn().Err(err).Str("module", "webrtc").Msg("write video")
				return
			}
		}
	}
}

func (s *H264Sink) write(nalu []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(startCode); err != nil {
		return err
	}
	_, err := s.out.Write(nalu)
	return err
}
