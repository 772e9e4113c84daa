// Package call guards the lifecycle of one call for one user.
package call

import (
	"context"
	"errors"
	"sync"

	"oreocam/native/internal/domain"
	"oreocam/native/internal/room"

	"github.com/rs/zerolog/log"
)

var (
	// ErrAlreadyActive means a call was already started on this controller.
	ErrAlreadyActive = errors.New("call already started")
	// ErrUnmounted means the controller was torn down.
	ErrUnmounted = errors.New("controller unmounted")
)

// Phase is the lifecycle phase of a controller.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseActive
	PhaseEnding
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseActive:
		return "active"
	case PhaseEnding:
		return "ending"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Room is a running call.
type Room interface {
	RoomID() string
	EndCall(ctx context.Context) error
	Abandon()
	Done() <-chan struct{}
	Ended() room.Ended
}

// Dialer starts or joins rooms.
type Dialer interface {
	StartRoom(ctx context.Context) (Room, error)
	JoinRoom(ctx context.Context, roomID string) (Room, error)
}

// Rooms dials rooms of the room package with fixed options.
type Rooms struct {
	Options room.Options
}

func (r Rooms) StartRoom(ctx context.Context) (Room, error) {
	h, err := room.StartRoom(ctx, r.Options)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (r Rooms) JoinRoom(ctx context.Context, roomID string) (Room, error) {
	g, err := room.JoinRoom(ctx, r.Options, roomID)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Result is the terminal outcome shown to the user.
type Result struct {
	Reason  room.Reason
	Err     error
	Message string
}

func resultOf(e room.Ended) Result {
	msg := "call ended"
	switch e.Reason {
	case room.ReasonFailed:
		msg = "connection failed"
	case room.ReasonRoomNotFound:
		msg = "room not found"
	}
	return Result{Reason: e.Reason, Err: e.Err, Message: msg}
}

// Controller owns the local media source and at most one room.
type Controller struct {
	dialer Dialer
	media  domain.LocalMedia

	mu           sync.Mutex
	phase        Phase
	room         Room
	endRequested bool
	unmounted    bool
	ending       chan struct{}
	result       Result
	done         chan struct{}
}

// New creates an idle controller.
func New(dialer Dialer, media domain.LocalMedia) *Controller {
	return &Controller{
		dialer: dialer,
		media:  media,
		done:   make(chan struct{}),
	}
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Done is closed when the call has ended for any reason.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Result returns the terminal outcome once Done is closed.
func (c *Controller) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// RoomID returns the identifier of the current room, if any.
func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return ""
	}
	return c.room.RoomID()
}

// StartHosting creates a room and returns its identifier.
func (c *Controller) StartHosting(ctx context.Context) (string, error) {
	if err := c.begin(); err != nil {
		return "", err
	}
	r, err := c.dialer.StartRoom(ctx)
	return c.started(r, err)
}

// JoinAsGuest joins roomID.
func (c *Controller) JoinAsGuest(ctx context.Context, roomID string) error {
	if err := c.begin(); err != nil {
		return err
	}
	r, err := c.dialer.JoinRoom(ctx, roomID)
	_, err = c.started(r, err)
	return err
}

func (c *Controller) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.unmounted:
		return ErrUnmounted
	case c.phase != PhaseIdle:
		return ErrAlreadyActive
	}
	c.phase = PhaseStarting
	return nil
}

func (c *Controller) started(r Room, err error) (string, error) {
	c.mu.Lock()
	if err != nil {
		c.phase = PhaseIdle
		c.endRequested = false
		unmounted := c.unmounted
		if unmounted {
			c.phase = PhaseEnded
			c.result = Result{Reason: room.ReasonLocal, Message: "call ended"}
			close(c.done)
		}
		c.mu.Unlock()
		log.Warn().Err(err).Str("module", "call").Msg("start failed")
		return "", err
	}

	c.room = r
	id := r.RoomID()
	switch {
	case c.unmounted:
		c.phase = PhaseEnding
		c.ending = make(chan struct{})
		c.mu.Unlock()
		r.Abandon()
		c.finish(r)
		return id, nil
	case c.endRequested:
		c.phase = PhaseEnding
		c.ending = make(chan struct{})
		c.mu.Unlock()
		log.Info().Str("module", "call").Str("room", id).Msg("applying deferred end")
		if err := r.EndCall(context.Background()); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("remote cleanup")
		}
		c.finish(r)
		return id, nil
	}
	c.phase = PhaseActive
	c.mu.Unlock()

	go c.watch(r)
	log.Info().Str("module", "call").Str("room", id).Msg("call active")
	return id, nil
}

// watch records a call that ended on its own, such as the peer leaving.
func (c *Controller) watch(r Room) {
	<-r.Done()
	c.mu.Lock()
	if c.phase != PhaseActive {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseEnded
	res := resultOf(r.Ended())
	c.result = res
	close(c.done)
	c.mu.Unlock()
	log.Info().Str("module", "call").Str("reason", string(res.Reason)).Msg(res.Message)
}

// EndCall ends the call. During start the end is applied as soon as the start
// returns; while an end is in flight it waits for that end instead.
func (c *Controller) EndCall(ctx context.Context) error {
	c.mu.Lock()
	switch c.phase {
	case PhaseIdle, PhaseEnded:
		c.mu.Unlock()
		return nil
	case PhaseStarting:
		c.endRequested = true
		c.mu.Unlock()
		log.Info().Str("module", "call").Msg("end requested during start, deferring")
		return nil
	case PhaseEnding:
		ending := c.ending
		c.mu.Unlock()
		select {
		case <-ending:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r := c.room
	c.phase = PhaseEnding
	c.ending = make(chan struct{})
	c.mu.Unlock()

	err := r.EndCall(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("remote cleanup")
	}
	c.finish(r)
	return err
}

// Unmount tears down exactly once. Local resources are released before it
// returns; remote state is deleted in the background.
func (c *Controller) Unmount() {
	c.mu.Lock()
	if c.unmounted {
		c.mu.Unlock()
		return
	}
	c.unmounted = true
	phase, r := c.phase, c.room
	switch phase {
	case PhaseIdle:
		c.phase = PhaseEnded
		c.result = Result{Reason: room.ReasonLocal, Message: "call ended"}
		close(c.done)
	case PhaseActive:
		c.phase = PhaseEnding
		c.ending = make(chan struct{})
	}
	c.mu.Unlock()

	log.Info().Str("module", "call").Str("phase", phase.String()).Msg("unmount")
	switch phase {
	case PhaseActive:
		r.Abandon()
		c.finish(r)
	case PhaseIdle, PhaseStarting:
		if c.media != nil {
			c.media.Stop()
		}
	}
}

func (c *Controller) finish(r Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseEnded {
		return
	}
	c.phase = PhaseEnded
	c.result = resultOf(r.Ended())
	if c.ending != nil {
		close(c.ending)
	}
	close(c.done)
}

// SetAudioEnabled toggles the local audio tracks.
func (c *Controller) SetAudioEnabled(enabled bool) {
	if c.media != nil {
		c.media.SetEnabled(domain.TrackKindAudio, enabled)
	}
}

// SetVideoEnabled toggles the local video tracks.
func (c *Controller) SetVideoEnabled(enabled bool) {
	if c.media != nil {
		c.media.SetEnabled(domain.TrackKindVideo, enabled)
	}
}
