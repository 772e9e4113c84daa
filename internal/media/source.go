// Package media provides the local media source shared by one call.
package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"oreocam/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// Track is a local track backed by a pion sample track.
// A disabled track keeps its sender but drops samples.
type Track struct {
	kind    domain.TrackKind
	local   *pion.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool
}

func (t *Track) ID() string             { return t.local.ID() }
func (t *Track) Kind() domain.TrackKind { return t.kind }
func (t *Track) Enabled() bool          { return t.enabled.Load() && !t.stopped.Load() }
func (t *Track) Local() pion.TrackLocal { return t.local }
func (t *Track) setEnabled(on bool)     { t.enabled.Store(on) }

// WriteSample forwards a sample unless the track is disabled or stopped.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	if !t.Enabled() {
		return nil
	}
	return t.local.WriteSample(s)
}

// Options selects which tracks a source captures.
type Options struct {
	Audio    bool
	Video    bool
	StreamID string
}

// Source is the local media source. Toggling a kind flips the enabled flag of its
// tracks instead of recreating them.
type Source struct {
	mu      sync.Mutex
	tracks  []*Track
	stopped bool
}

var _ domain.LocalMedia = (*Source)(nil)

// NewSource creates the requested tracks: H264 video and Opus audio.
func NewSource(opts Options) (*Source, error) {
	if opts.StreamID == "" {
		opts.StreamID = "oreocam"
	}

	s := &Source{}
	if opts.Video {
		local, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: 90000},
			"video", opts.StreamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		s.tracks = append(s.tracks, newTrack(domain.TrackKindVideo, local))
	}
	if opts.Audio {
		local, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", opts.StreamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		s.tracks = append(s.tracks, newTrack(domain.TrackKindAudio, local))
	}
	return s, nil
}

func newTrack(kind domain.TrackKind, local *pion.TrackLocalStaticSample) *Track {
	t := &Track{kind: kind, local: local}
	t.enabled.Store(true)
	return t
}

// Tracks returns the tracks of a running source; a stopped source has none.
func (s *Source) Tracks() []domain.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	out := make([]domain.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

// Track returns the first track of the given kind.
func (s *Source) Track(kind domain.TrackKind) (*Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.kind == kind {
			return t, true
		}
	}
	return nil, false
}

// HasEnabledVideo reports whether at least one video track is enabled.
func (s *Source) HasEnabledVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	for _, t := range s.tracks {
		if t.kind == domain.TrackKindVideo && t.Enabled() {
			return true
		}
	}
	return false
}

// SetEnabled toggles every track of kind.
func (s *Source) SetEnabled(kind domain.TrackKind, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.kind == kind {
			t.setEnabled(enabled)
		}
	}
	log.Info().Str("module", "media").Str("kind", string(kind)).Bool("enabled", enabled).Msg("track toggled")
}

// Stop releases the source. Safe to call more than once.
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for _, t := range s.tracks {
		t.stopped.Store(true)
	}
	log.Info().Str("module", "media").Msg("local media stopped")
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
