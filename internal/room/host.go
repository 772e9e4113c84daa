package room

import (
	"context"
	"fmt"
	"time"

	"oreocam/native/internal/domain"
	"oreocam/native/internal/negotiation"
)

// Host is the host side of a room: it owns the room document and the host record
// and watches the guest record.
type Host struct {
	*core
	lastAnswer string
}

// StartRoom creates a room, publishes the offer and starts watching for a guest.
// It fails with domain.ErrMediaNotReady unless the media source has an enabled
// video track.
func StartRoom(ctx context.Context, opts Options) (*Host, error) {
	if opts.Media == nil || !opts.Media.HasEnabledVideo() {
		return nil, domain.ErrMediaNotReady
	}

	id := NewRoomID(time.Now())
	h := &Host{core: newCore(negotiation.RoleHost, id, opts, domain.HostPath(id), domain.RoomPath(id))}
	h.handleSnapshot = h.onGuestSnapshot
	go h.run()

	if err := h.start(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("start room")
		h.abort(err)
		return nil, err
	}
	h.logger.Info().Msg("room started")
	return h, nil
}

func (h *Host) start(ctx context.Context) error {
	now := time.Now().UnixMilli()
	room := domain.Room{ID: h.id, CreatedAt: now}
	if err := h.store.CreateOrMerge(ctx, domain.RoomPath(h.id), room.Document()); err != nil {
		return fmt.Errorf("create room: %w", err)
	}

	session, err := h.newSession()
	if err != nil {
		return err
	}
	offer, err := session.CreateLocalOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	record := domain.Document{
		domain.FieldOfferSDP:  offer,
		domain.FieldCreatedAt: now,
	}
	if err := h.store.CreateOrMerge(ctx, domain.HostPath(h.id), record); err != nil {
		return fmt.Errorf("write offer: %w", err)
	}
	h.post(message{kind: msgPublished})

	return h.subscribe(ctx, domain.GuestPath(h.id))
}

func (h *Host) onGuestSnapshot(snap domain.Snapshot) {
	if !snap.Exists {
		if h.peerSeen {
			h.finish(ReasonPeerLeft, nil)
		}
		return
	}
	if !h.peerSeen {
		h.logger.Info().Msg("guest joined")
	}
	h.peerSeen = true

	rec, err := domain.DecodeGuestRecord(snap.Data)
	if err != nil {
		h.logger.Warn().Err(err).Msg("skipping guest snapshot")
		return
	}
	session := h.currentSession()
	if session == nil {
		return
	}

	if rec.AnswerSDP != "" && rec.AnswerSDP != h.lastAnswer {
		h.lastAnswer = rec.AnswerSDP
		if err := session.ApplyRemoteAnswer(rec.AnswerSDP); err != nil {
			h.finish(ReasonFailed, err)
			return
		}
	}
	if len(rec.ICECandidates) > 0 {
		if n := session.AddRemoteCandidates(rec.ICECandidates); n > 0 {
			h.logger.Debug().Int("added", n).Msg("guest candidates applied")
		}
	}
}
