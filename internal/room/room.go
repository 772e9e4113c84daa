// Package room coordinates one call over the signaling store.
//
// Each room runs a single event loop. Store snapshots, session events and
// startup notifications are posted to a mailbox and handled in order, so all
// per-room state below is owned by the loop goroutine.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"oreocam/native/internal/domain"
	"oreocam/native/internal/negotiation"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Negotiator is the part of a negotiation session the coordinator drives.
type Negotiator interface {
	CreateLocalOffer() (string, error)
	CreateLocalAnswer(remoteOffer string) (string, error)
	ApplyRemoteAnswer(remoteAnswer string) error
	AddRemoteCandidates(candidates []string) int
	Close() error
}

var _ Negotiator = (*negotiation.Session)(nil)

// SessionFactory creates the single session of a room. emit receives the
// session's asynchronous events.
type SessionFactory func(role negotiation.Role, emit func(negotiation.Event)) (Negotiator, error)

// Sessions returns a SessionFactory backed by negotiation.Session.
func Sessions(peers domain.PeerFactory, media domain.LocalMedia, sink domain.RemoteSink) SessionFactory {
	return func(role negotiation.Role, emit func(negotiation.Event)) (Negotiator, error) {
		return negotiation.New(negotiation.Config{
			Role:  role,
			Peers: peers,
			Media: media,
			Sink:  sink,
			Emit:  emit,
		}), nil
	}
}

// Reason says why a call ended.
type Reason string

const (
	ReasonLocal        Reason = "local"
	ReasonPeerLeft     Reason = "peer-left"
	ReasonFailed       Reason = "failed"
	ReasonRoomNotFound Reason = "room-not-found"
)

// Ended is the terminal outcome of a room.
type Ended struct {
	Reason Reason
	Err    error
}

// Options holds the collaborators of a room.
type Options struct {
	Store    domain.Store
	Media    domain.LocalMedia
	Sessions SessionFactory
	// CleanupTimeout bounds the remote deletes made at teardown.
	CleanupTimeout time.Duration
}

const (
	defaultCleanupTimeout = 5 * time.Second
	mailboxSize           = 64
)

// NewRoomID returns a fresh room identifier: unix millis and a random suffix.
func NewRoomID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

type messageKind int

const (
	msgSnapshot messageKind = iota
	msgEvent
	msgPublished
)

type message struct {
	kind     messageKind
	snapshot domain.Snapshot
	event    negotiation.Event
}

type core struct {
	role           negotiation.Role
	id             string
	store          domain.Store
	media          domain.LocalMedia
	sessions       SessionFactory
	cleanupTimeout time.Duration
	ownPath        string
	ownedPaths     []string
	logger         zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan message

	// handleSnapshot is the role-specific reaction to a peer record snapshot.
	handleSnapshot func(domain.Snapshot)

	// Loop-owned state.
	peerSeen  bool
	published bool
	unsent    []string

	mu       sync.Mutex
	session  Negotiator
	unsub    domain.Unsubscribe
	released bool

	endOnce    sync.Once
	ended      Ended
	localOnce  sync.Once
	remoteOnce sync.Once
	remoteErr  error
	done       chan struct{}
	cleaned    chan struct{}
}

func newCore(role negotiation.Role, id string, opts Options, owned ...string) *core {
	timeout := opts.CleanupTimeout
	if timeout <= 0 {
		timeout = defaultCleanupTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &core{
		role:           role,
		id:             id,
		store:          opts.Store,
		media:          opts.Media,
		sessions:       opts.Sessions,
		cleanupTimeout: timeout,
		ownedPaths:     owned,
		logger:         log.With().Str("module", "room").Str("role", string(role)).Str("room", id).Logger(),
		ctx:            ctx,
		cancel:         cancel,
		mailbox:        make(chan message, mailboxSize),
		done:           make(chan struct{}),
		cleaned:        make(chan struct{}),
	}
	if len(owned) > 0 {
		c.ownPath = owned[0]
	}
	return c
}

// RoomID returns the identifier of the room.
func (c *core) RoomID() string { return c.id }

// Done is closed once local resources are released.
func (c *core) Done() <-chan struct{} { return c.done }

// Cleaned is closed once the remote cleanup attempt has finished.
func (c *core) Cleaned() <-chan struct{} { return c.cleaned }

// Ended returns the outcome. It is meaningful once Done is closed.
func (c *core) Ended() Ended {
	select {
	case <-c.done:
	default:
		return Ended{}
	}
	return c.ended
}

// EndCall ends the call: local resources are released synchronously, then the
// records owned by this side are deleted. A delete failure is returned but
// never prevents local teardown. Concurrent and repeated calls tear down once.
func (c *core) EndCall(ctx context.Context) error {
	c.setEnded(ReasonLocal, nil)
	c.releaseLocal(true)
	return c.cleanupRemote(ctx)
}

// Abandon releases local resources synchronously and deletes remote state in
// the background.
func (c *core) Abandon() {
	c.setEnded(ReasonLocal, nil)
	c.releaseLocal(true)
	go c.cleanupRemote(context.Background())
}

func (c *core) run() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.mailbox:
			if c.ctx.Err() != nil {
				return
			}
			c.handle(m)
		}
	}
}

func (c *core) handle(m message) {
	switch m.kind {
	case msgSnapshot:
		if m.snapshot.Err != nil {
			c.finish(ReasonFailed, m.snapshot.Err)
			return
		}
		c.handleSnapshot(m.snapshot)
	case msgEvent:
		c.handleEvent(m.event)
	case msgPublished:
		c.published = true
		c.flushCandidates()
	}
}

func (c *core) post(m message) {
	select {
	case c.mailbox <- m:
	case <-c.ctx.Done():
	}
}

func (c *core) onSnapshot(snap domain.Snapshot) {
	c.post(message{kind: msgSnapshot, snapshot: snap})
}

func (c *core) onEvent(ev negotiation.Event) {
	c.post(message{kind: msgEvent, event: ev})
}

func (c *core) handleEvent(ev negotiation.Event) {
	switch ev.Kind {
	case negotiation.EventLocalCandidate:
		c.unsent = append(c.unsent, ev.Candidate)
		c.flushCandidates()
	case negotiation.EventStateChange:
		c.logger.Info().Str("state", ev.State.String()).Msg("session state")
		if ev.State == negotiation.StateFailed {
			err := ev.Err
			if err == nil {
				err = domain.ErrConnectivityFailed
			}
			c.finish(ReasonFailed, err)
		}
	}
}

// flushCandidates appends queued local candidates in discovery order. A failed
// append keeps the rest queued for the next local event.
func (c *core) flushCandidates() {
	if !c.published {
		return
	}
	for len(c.unsent) > 0 {
		if err := c.store.AppendToArray(c.ctx, c.ownPath, domain.FieldICECandidates, c.unsent[0]); err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn().Err(err).Int("queued", len(c.unsent)).Msg("append local candidate")
			}
			return
		}
		c.unsent = c.unsent[1:]
	}
}

func (c *core) newSession() (Negotiator, error) {
	s, err := c.sessions(c.role, c.onEvent)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		s.Close()
		return nil, domain.ErrSessionClosed
	}
	c.session = s
	c.mu.Unlock()
	return s, nil
}

func (c *core) currentSession() Negotiator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *core) subscribe(ctx context.Context, path string) error {
	unsub, err := c.store.Subscribe(ctx, path, c.onSnapshot)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", path, err)
	}
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		unsub()
		return domain.ErrSessionClosed
	}
	c.unsub = unsub
	c.mu.Unlock()
	return nil
}

// finish ends the call from inside the loop.
func (c *core) finish(reason Reason, err error) {
	c.setEnded(reason, err)
	if err != nil {
		c.logger.Warn().Err(err).Str("reason", string(reason)).Msg("call ended")
	} else {
		c.logger.Info().Str("reason", string(reason)).Msg("call ended")
	}
	c.releaseLocal(true)
	c.cleanupRemote(context.Background())
}

// abort undoes a failed start. The media source stays with its owner.
func (c *core) abort(err error) {
	c.setEnded(ReasonFailed, err)
	c.releaseLocal(false)
	c.cleanupRemote(context.Background())
}

func (c *core) setEnded(reason Reason, err error) {
	c.endOnce.Do(func() {
		c.ended = Ended{Reason: reason, Err: err}
	})
}

// releaseLocal stops the loop, the subscription and the session. It runs once.
func (c *core) releaseLocal(stopMedia bool) {
	c.localOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		c.released = true
		unsub, session := c.unsub, c.session
		c.unsub = nil
		c.mu.Unlock()

		if unsub != nil {
			unsub()
		}
		if session != nil {
			if err := session.Close(); err != nil {
				c.logger.Warn().Err(err).Msg("close session")
			}
		}
		if stopMedia && c.media != nil {
			c.media.Stop()
		}
		c.logger.Info().Msg("local resources released")
		close(c.done)
	})
}

// cleanupRemote deletes the records owned by this side. It runs once; later
// callers get the first result.
func (c *core) cleanupRemote(ctx context.Context) error {
	c.remoteOnce.Do(func() {
		defer close(c.cleaned)
		ctx, cancel := context.WithTimeout(ctx, c.cleanupTimeout)
		defer cancel()

		var errs []error
		for _, path := range c.ownedPaths {
			if err := c.store.Delete(ctx, path); err != nil {
				c.logger.Warn().Err(err).Str("path", path).Msg("delete record")
				errs = append(errs, err)
			}
		}
		c.remoteErr = errors.Join(errs...)
	})
	<-c.cleaned
	return c.remoteErr
}
