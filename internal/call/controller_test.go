package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"oreocam/native/internal/domain"
	"oreocam/native/internal/room"
)

type mockRoom struct {
	id      string
	release chan struct{} // EndCall blocks until closed, if set

	mu       sync.Mutex
	endCalls int
	abandons int
	ended    room.Ended
	done     chan struct{}
	once     sync.Once
}

func newMockRoom(id string) *mockRoom {
	return &mockRoom{id: id, done: make(chan struct{})}
}

func (r *mockRoom) RoomID() string        { return r.id }
func (r *mockRoom) Done() <-chan struct{} { return r.done }

func (r *mockRoom) Ended() room.Ended {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

func (r *mockRoom) end(e room.Ended) {
	r.once.Do(func() {
		r.mu.Lock()
		r.ended = e
		r.mu.Unlock()
		close(r.done)
	})
}

func (r *mockRoom) EndCall(ctx context.Context) error {
	r.mu.Lock()
	r.endCalls++
	r.mu.Unlock()
	if r.release != nil {
		<-r.release
	}
	r.end(room.Ended{Reason: room.ReasonLocal})
	return nil
}

func (r *mockRoom) Abandon() {
	r.mu.Lock()
	r.abandons++
	r.mu.Unlock()
	r.end(room.Ended{Reason: room.ReasonLocal})
}

func (r *mockRoom) counts() (endCalls, abandons int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endCalls, r.abandons
}

// mockDialer returns room, optionally blocking until gate is closed.
type mockDialer struct {
	room    *mockRoom
	err     error
	gate    chan struct{}
	entered chan struct{}

	mu     sync.Mutex
	starts int
	joins  []string
}

func (d *mockDialer) dial() (Room, error) {
	if d.entered != nil {
		close(d.entered)
	}
	if d.gate != nil {
		<-d.gate
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.room, nil
}

func (d *mockDialer) StartRoom(ctx context.Context) (Room, error) {
	d.mu.Lock()
	d.starts++
	d.mu.Unlock()
	return d.dial()
}

func (d *mockDialer) JoinRoom(ctx context.Context, roomID string) (Room, error) {
	d.mu.Lock()
	d.joins = append(d.joins, roomID)
	d.mu.Unlock()
	return d.dial()
}

type mockTrack struct{ kind domain.TrackKind }

func (t mockTrack) ID() string             { return string(t.kind) }
func (t mockTrack) Kind() domain.TrackKind { return t.kind }
func (t mockTrack) Enabled() bool          { return true }

type mockMedia struct {
	mu      sync.Mutex
	enabled map[domain.TrackKind]bool
	stopped int
}

func newMockMedia() *mockMedia {
	return &mockMedia{enabled: map[domain.TrackKind]bool{domain.TrackKindAudio: true, domain.TrackKindVideo: true}}
}

func (m *mockMedia) Tracks() []domain.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped > 0 {
		return nil
	}
	return []domain.LocalTrack{mockTrack{kind: domain.TrackKindVideo}}
}

func (m *mockMedia) HasEnabledVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[domain.TrackKindVideo]
}

func (m *mockMedia) SetEnabled(kind domain.TrackKind, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled[kind] = on
}

func (m *mockMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestStartHosting_ReturnsRoomID(t *testing.T) {
	d := &mockDialer{room: newMockRoom("r1")}
	c := New(d, newMockMedia())

	id, err := c.StartHosting(context.Background())
	if err != nil {
		t.Fatalf("StartHosting: %v", err)
	}
	if id != "r1" || c.RoomID() != "r1" {
		t.Errorf("expected room r1, got %q / %q", id, c.RoomID())
	}
	if c.Phase() != PhaseActive {
		t.Errorf("expected active, got %s", c.Phase())
	}
}

func TestStart_RejectsConcurrentStart(t *testing.T) {
	d := &mockDialer{room: newMockRoom("r1"), gate: make(chan struct{}), entered: make(chan struct{})}
	c := New(d, newMockMedia())

	errc := make(chan error, 1)
	go func() {
		_, err := c.StartHosting(context.Background())
		errc <- err
	}()
	waitDone(t, d.entered)

	if _, err := c.StartHosting(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("expected ErrAlreadyActive, got %v", err)
	}
	if err := c.JoinAsGuest(context.Background(), "r2"); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("expected ErrAlreadyActive for join, got %v", err)
	}

	close(d.gate)
	if err := <-errc; err != nil {
		t.Fatalf("first start: %v", err)
	}
	if d.starts != 1 || len(d.joins) != 0 {
		t.Errorf("expected one dial, got %d starts %d joins", d.starts, len(d.joins))
	}
}

func TestStart_FailureReturnsToIdle(t *testing.T) {
	d := &mockDialer{err: domain.ErrMediaNotReady}
	c := New(d, newMockMedia())

	if _, err := c.StartHosting(context.Background()); !errors.Is(err, domain.ErrMediaNotReady) {
		t.Fatalf("expected ErrMediaNotReady, got %v", err)
	}
	if c.Phase() != PhaseIdle {
		t.Errorf("expected idle after failed start, got %s", c.Phase())
	}

	d.err = nil
	d.room = newMockRoom("r1")
	if err := c.JoinAsGuest(context.Background(), "r1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestEndCall_DuringStartIsDeferred(t *testing.T) {
	r := newMockRoom("r1")
	d := &mockDialer{room: r, gate: make(chan struct{}), entered: make(chan struct{})}
	c := New(d, newMockMedia())

	errc := make(chan error, 1)
	go func() {
		_, err := c.StartHosting(context.Background())
		errc <- err
	}()
	waitDone(t, d.entered)

	if err := c.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if n, _ := r.counts(); n != 0 {
		t.Fatal("end must wait for the start to return")
	}

	close(d.gate)
	if err := <-errc; err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, c.Done())
	if n, _ := r.counts(); n != 1 {
		t.Errorf("expected one deferred EndCall, got %d", n)
	}
	if c.Phase() != PhaseEnded {
		t.Errorf("expected ended, got %s", c.Phase())
	}
}

func TestEndCall_WhileEndingWaits(t *testing.T) {
	r := newMockRoom("r1")
	r.release = make(chan struct{})
	c := New(&mockDialer{room: r}, newMockMedia())
	if _, err := c.StartHosting(context.Background()); err != nil {
		t.Fatal(err)
	}

	first := make(chan error, 1)
	go func() { first <- c.EndCall(context.Background()) }()
	for c.Phase() != PhaseEnding {
		time.Sleep(time.Millisecond)
	}

	second := make(chan error, 1)
	go func() { second <- c.EndCall(context.Background()) }()

	select {
	case <-second:
		t.Fatal("second EndCall returned before the first finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(r.release)
	if err := <-first; err != nil {
		t.Fatal(err)
	}
	if err := <-second; err != nil {
		t.Fatal(err)
	}
	if n, _ := r.counts(); n != 1 {
		t.Errorf("expected one room EndCall, got %d", n)
	}
}

func TestEndCall_WhileEndingRespectsContext(t *testing.T) {
	r := newMockRoom("r1")
	r.release = make(chan struct{})
	defer close(r.release)
	c := New(&mockDialer{room: r}, newMockMedia())
	if _, err := c.StartHosting(context.Background()); err != nil {
		t.Fatal(err)
	}

	go c.EndCall(context.Background())
	for c.Phase() != PhaseEnding {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.EndCall(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestUnmount_TearsDownOnce(t *testing.T) {
	r := newMockRoom("r1")
	c := New(&mockDialer{room: r}, newMockMedia())
	if _, err := c.StartHosting(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.Unmount()
	c.Unmount()

	if _, n := r.counts(); n != 1 {
		t.Errorf("expected one Abandon, got %d", n)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Unmount must finish local teardown before returning")
	}
	if _, err := c.StartHosting(context.Background()); !errors.Is(err, ErrUnmounted) {
		t.Errorf("expected ErrUnmounted, got %v", err)
	}
}

func TestUnmount_DuringStartAbandonsRoom(t *testing.T) {
	r := newMockRoom("r1")
	media := newMockMedia()
	d := &mockDialer{room: r, gate: make(chan struct{}), entered: make(chan struct{})}
	c := New(d, media)

	errc := make(chan error, 1)
	go func() {
		_, err := c.StartHosting(context.Background())
		errc <- err
	}()
	waitDone(t, d.entered)

	c.Unmount()
	if media.stopped != 1 {
		t.Errorf("expected media stopped synchronously, got %d", media.stopped)
	}

	close(d.gate)
	<-errc
	waitDone(t, c.Done())
	if _, n := r.counts(); n != 1 {
		t.Errorf("expected room abandoned once, got %d", n)
	}
}

func TestPeerLeft_EndsCall(t *testing.T) {
	r := newMockRoom("r1")
	c := New(&mockDialer{room: r}, newMockMedia())
	if _, err := c.StartHosting(context.Background()); err != nil {
		t.Fatal(err)
	}

	r.end(room.Ended{Reason: room.ReasonPeerLeft})
	waitDone(t, c.Done())

	res := c.Result()
	if res.Reason != room.ReasonPeerLeft || res.Message != "call ended" {
		t.Errorf("unexpected result %+v", res)
	}
	if err := c.EndCall(context.Background()); err != nil {
		t.Errorf("EndCall after end: %v", err)
	}
	if n, _ := r.counts(); n != 0 {
		t.Error("ended call must not be ended again")
	}
}

func TestResultMessages(t *testing.T) {
	cases := []struct {
		ended room.Ended
		want  string
	}{
		{room.Ended{Reason: room.ReasonLocal}, "call ended"},
		{room.Ended{Reason: room.ReasonPeerLeft}, "call ended"},
		{room.Ended{Reason: room.ReasonFailed, Err: domain.ErrConnectivityFailed}, "connection failed"},
		{room.Ended{Reason: room.ReasonRoomNotFound, Err: domain.ErrRoomNotFound}, "room not found"},
	}
	for _, tc := range cases {
		if got := resultOf(tc.ended); got.Message != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.ended.Reason, tc.want, got.Message)
		}
	}
}

func TestToggles(t *testing.T) {
	media := newMockMedia()
	c := New(&mockDialer{}, media)

	c.SetVideoEnabled(false)
	if media.HasEnabledVideo() {
		t.Error("video should be disabled")
	}
	c.SetAudioEnabled(false)
	c.SetVideoEnabled(true)
	if !media.HasEnabledVideo() || media.enabled[domain.TrackKindAudio] {
		t.Errorf("unexpected toggles %v", media.enabled)
	}
	if media.stopped != 0 {
		t.Error("toggles must not stop the source")
	}
}
