package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"oreocam/native/internal/domain"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/rs/zerolog/log"
)

// FeedH264 reads an Annex-B H264 stream and writes one NAL per sample to the video
// track, paced at fps. Parameter sets are sent without advancing the clock.
// It returns nil at end of stream and ctx.Err() when ctx is done.
func (s *Source) FeedH264(ctx context.Context, r io.Reader, fps int) error {
	track, ok := s.Track(domain.TrackKindVideo)
	if !ok {
		return errors.New("source has no video track")
	}
	if fps <= 0 {
		fps = 30
	}

	reader, err := h264reader.NewReader(r)
	if err != nil {
		return fmt.Errorf("open h264 stream: %w", err)
	}

	frame := time.Second / time.Duration(fps)
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	var sent int
	for {
		nal, err := reader.NextNAL()
		if errors.Is(err, io.EOF) {
			log.Info().Str("module", "media").Int("nals", sent).Msg("h264 stream finished")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read nal: %w", err)
		}

		duration := frame
		switch nal.UnitType {
		case h264reader.NalUnitTypeSPS, h264reader.NalUnitTypePPS, h264reader.NalUnitTypeSEI:
			duration = 0
		}

		if duration > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		if s.Stopped() {
			return nil
		}
		if err := track.WriteSample(pionmedia.Sample{Data: nal.Data, Duration: duration}); err != nil {
			return fmt.Errorf("write sample: %w", err)
		}
		sent++
	}
}
