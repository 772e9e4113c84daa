package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"oreocam/native/internal/domain"
	"oreocam/native/internal/negotiation"
)

// Guest is the guest side of a room: it owns the guest record and watches the
// host record.
type Guest struct {
	*core
	session Negotiator
	answer  string
}

// JoinRoom starts watching the host record of roomID. The answer is produced
// once the offer is seen. The media source must still have tracks; a stopped
// source has none.
func JoinRoom(ctx context.Context, opts Options, roomID string) (*Guest, error) {
	if opts.Media == nil || len(opts.Media.Tracks()) == 0 {
		return nil, domain.ErrMediaNotReady
	}
	if !domain.ValidRoomID(roomID) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidRoomID, roomID)
	}

	g := &Guest{core: newCore(negotiation.RoleGuest, roomID, opts, domain.GuestPath(roomID))}
	g.handleSnapshot = g.onHostSnapshot
	go g.run()

	if err := g.subscribe(ctx, domain.HostPath(roomID)); err != nil {
		g.logger.Warn().Err(err).Msg("join room")
		g.abort(err)
		return nil, err
	}
	g.logger.Info().Msg("joined room")
	return g, nil
}

func (g *Guest) onHostSnapshot(snap domain.Snapshot) {
	if !snap.Exists {
		if g.peerSeen {
			g.finish(ReasonPeerLeft, nil)
		} else {
			g.finish(ReasonRoomNotFound, domain.ErrRoomNotFound)
		}
		return
	}
	g.peerSeen = true

	rec, err := domain.DecodeHostRecord(snap.Data)
	if err != nil {
		g.logger.Warn().Err(err).Msg("skipping host snapshot")
		return
	}

	if g.session == nil && rec.OfferSDP != "" {
		if err := g.createAnswer(rec.OfferSDP); err != nil {
			if !errors.Is(err, domain.ErrSessionClosed) {
				g.finish(ReasonFailed, err)
			}
			return
		}
	}
	if !g.published && g.answer != "" {
		g.publishAnswer()
	}
	if g.session != nil && len(rec.ICECandidates) > 0 {
		if n := g.session.AddRemoteCandidates(rec.ICECandidates); n > 0 {
			g.logger.Debug().Int("added", n).Msg("host candidates applied")
		}
	}
}

func (g *Guest) createAnswer(offer string) error {
	session, err := g.newSession()
	if err != nil {
		return err
	}
	g.session = session

	answer, err := session.CreateLocalAnswer(offer)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	g.answer = answer
	g.logger.Info().Msg("answer created")
	return nil
}

// publishAnswer merge-writes the answer so candidates already appended survive.
// A failed write is retried on the next host snapshot.
func (g *Guest) publishAnswer() {
	record := domain.Document{
		domain.FieldAnswerSDP: g.answer,
		domain.FieldCreatedAt: time.Now().UnixMilli(),
	}
	if err := g.store.CreateOrMerge(g.ctx, g.ownPath, record); err != nil {
		if g.ctx.Err() == nil {
			g.logger.Warn().Err(err).Msg("write answer")
		}
		return
	}
	if g.ctx.Err() != nil {
		// Torn down while the write was in flight.
		g.cleanupAgain()
		return
	}
	g.published = true
	g.flushCandidates()
}

func (g *Guest) cleanupAgain() {
	ctx, cancel := context.WithTimeout(context.Background(), g.cleanupTimeout)
	defer cancel()
	if err := g.store.Delete(ctx, g.ownPath); err != nil {
		g.logger.Warn().Err(err).Msg("delete stray guest record")
	}
}
