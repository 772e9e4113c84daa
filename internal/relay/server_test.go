package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"oreocam/native/internal/domain"
	"oreocam/native/internal/negotiation"
	"oreocam/native/internal/room"
	"oreocam/native/internal/signal"
	"oreocam/native/internal/store/memstore"
)

func startRelay(t *testing.T) (*memstore.Store, string) {
	t.Helper()
	store := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(NewServer(store, "test", time.Minute).Router(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return store, srv.URL
}

func dial(t *testing.T, url string) *signal.Client {
	t.Helper()
	c := signal.NewClient("ws"+strings.TrimPrefix(url, "http")+"/ws", time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func next(t *testing.T, ch <-chan domain.Snapshot) domain.Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return domain.Snapshot{}
	}
}

func TestHealth(t *testing.T) {
	_, url := startRelay(t)
	resp, err := http.Get(url + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRelay_RoundTrip(t *testing.T) {
	store, url := startRelay(t)
	c := dial(t, url)
	ctx := context.Background()
	path := domain.HostPath("r1")

	ch := make(chan domain.Snapshot, 16)
	unsub, err := c.Subscribe(ctx, path, func(s domain.Snapshot) { ch <- s })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if snap := next(t, ch); snap.Exists {
		t.Fatalf("expected initial absence, got %+v", snap)
	}

	if err := c.CreateOrMerge(ctx, path, domain.Document{domain.FieldOfferSDP: "OFFER1"}); err != nil {
		t.Fatalf("CreateOrMerge: %v", err)
	}
	snap := next(t, ch)
	if !snap.Exists || snap.Data[domain.FieldOfferSDP] != "OFFER1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	for _, v := range []string{"c1", "c2"} {
		if err := c.AppendToArray(ctx, path, domain.FieldICECandidates, v); err != nil {
			t.Fatalf("AppendToArray: %v", err)
		}
	}
	next(t, ch)
	rec, err := domain.DecodeHostRecord(next(t, ch).Data)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.ICECandidates) != 2 || rec.ICECandidates[0] != "c1" || rec.ICECandidates[1] != "c2" {
		t.Errorf("unexpected candidates %v", rec.ICECandidates)
	}

	if err := c.Delete(ctx, path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if snap := next(t, ch); snap.Exists {
		t.Errorf("expected absence after delete, got %+v", snap)
	}
	if _, ok := store.Get(path); ok {
		t.Error("document still in backing store")
	}
}

func TestRelay_AppendToAbsentDocument(t *testing.T) {
	_, url := startRelay(t)
	c := dial(t, url)

	err := c.AppendToArray(context.Background(), "rooms/x/hostData/data", domain.FieldICECandidates, "c1")
	if !errors.Is(err, domain.ErrStoreWrite) || !errors.Is(err, domain.ErrDocumentNotFound) {
		t.Errorf("expected ErrStoreWrite and ErrDocumentNotFound, got %v", err)
	}
}

func TestRelay_UnsubscribeStopsDelivery(t *testing.T) {
	_, url := startRelay(t)
	c := dial(t, url)
	ctx := context.Background()

	ch := make(chan domain.Snapshot, 16)
	unsub, err := c.Subscribe(ctx, "rooms/r1", func(s domain.Snapshot) { ch <- s })
	if err != nil {
		t.Fatal(err)
	}
	next(t, ch)
	unsub()
	unsub()

	if err := c.CreateOrMerge(ctx, "rooms/r1", domain.Document{"roomId": "r1"}); err != nil {
		t.Fatal(err)
	}
	select {
	case snap := <-ch:
		t.Errorf("unexpected snapshot after unsubscribe: %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelay_ClosedClient(t *testing.T) {
	_, url := startRelay(t)
	c := dial(t, url)
	c.Close()

	err := c.CreateOrMerge(context.Background(), "rooms/r1", domain.Document{})
	if !errors.Is(err, domain.ErrStoreWrite) || !errors.Is(err, signal.ErrClosed) {
		t.Errorf("expected closed write error, got %v", err)
	}
	_, err = c.Subscribe(context.Background(), "rooms/r1", func(domain.Snapshot) {})
	if !errors.Is(err, domain.ErrStoreReadUnavailable) {
		t.Errorf("expected ErrStoreReadUnavailable, got %v", err)
	}
}

func TestRelay_ClosingClientFailsSubscriptions(t *testing.T) {
	_, url := startRelay(t)
	c := dial(t, url)

	ch := make(chan domain.Snapshot, 16)
	if _, err := c.Subscribe(context.Background(), "rooms/r1", func(s domain.Snapshot) { ch <- s }); err != nil {
		t.Fatal(err)
	}
	next(t, ch)
	c.Close()

	snap := next(t, ch)
	if !errors.Is(snap.Err, domain.ErrStoreReadUnavailable) || !errors.Is(snap.Err, signal.ErrClosed) {
		t.Fatalf("expected a closed read error, got %+v", snap)
	}
	if snap.Path != "rooms/r1" {
		t.Errorf("expected the error snapshot to name its path, got %q", snap.Path)
	}
}

// brokenSubStore reports one state and then loses the subscription.
type brokenSubStore struct {
	*memstore.Store
}

func (s brokenSubStore) Subscribe(ctx context.Context, path string, onChange func(domain.Snapshot)) (domain.Unsubscribe, error) {
	go func() {
		onChange(domain.Snapshot{Path: path})
		onChange(domain.Snapshot{Path: path, Err: errors.New("backend subscription closed")})
	}()
	return func() {}, nil
}

func TestRelay_ForwardsBackendSubscriptionLoss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(NewServer(brokenSubStore{memstore.New()}, "test", time.Minute).Router(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	c := dial(t, srv.URL)

	ch := make(chan domain.Snapshot, 16)
	if _, err := c.Subscribe(context.Background(), "rooms/r1", func(s domain.Snapshot) { ch <- s }); err != nil {
		t.Fatal(err)
	}
	if snap := next(t, ch); snap.Err != nil {
		t.Fatalf("expected a normal initial snapshot, got %+v", snap)
	}
	snap := next(t, ch)
	if !errors.Is(snap.Err, domain.ErrStoreReadUnavailable) || !strings.Contains(snap.Err.Error(), "backend subscription closed") {
		t.Fatalf("expected the backend failure to be forwarded, got %+v", snap)
	}
	if err := c.CreateOrMerge(context.Background(), "rooms/r1", domain.Document{}); err != nil {
		t.Errorf("connection should stay usable, got %v", err)
	}
}

func TestRelay_HostEndsWhenConnectionLost(t *testing.T) {
	_, url := startRelay(t)
	hostStore := dial(t, url)

	host, err := room.StartRoom(context.Background(), room.Options{
		Store: hostStore,
		Media: videoMedia{},
		Sessions: func(negotiation.Role, func(negotiation.Event)) (room.Negotiator, error) {
			return &fixedNegotiator{}, nil
		},
		CleanupTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("StartRoom: %v", err)
	}
	defer host.Abandon()

	hostStore.Close()
	select {
	case <-host.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("host kept running after its relay connection was lost")
	}
	if got := host.Ended(); got.Reason != room.ReasonFailed || !errors.Is(got.Err, domain.ErrStoreReadUnavailable) {
		t.Errorf("expected failed with ErrStoreReadUnavailable, got %+v", got)
	}
}

// fixedNegotiator answers with constant descriptions and records applied answers.
type fixedNegotiator struct {
	mu      sync.Mutex
	applied []string
}

func (n *fixedNegotiator) CreateLocalOffer() (string, error)        { return "OFFER1", nil }
func (n *fixedNegotiator) CreateLocalAnswer(string) (string, error) { return "ANSWER1", nil }
func (n *fixedNegotiator) AddRemoteCandidates(c []string) int       { return len(c) }
func (n *fixedNegotiator) Close() error                             { return nil }

func (n *fixedNegotiator) ApplyRemoteAnswer(answer string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.applied = append(n.applied, answer)
	return nil
}

type videoTrack struct{}

func (videoTrack) ID() string             { return "video" }
func (videoTrack) Kind() domain.TrackKind { return domain.TrackKindVideo }
func (videoTrack) Enabled() bool          { return true }

type videoMedia struct{}

func (videoMedia) Tracks() []domain.LocalTrack       { return []domain.LocalTrack{videoTrack{}} }
func (videoMedia) HasEnabledVideo() bool             { return true }
func (videoMedia) SetEnabled(domain.TrackKind, bool) {}
func (videoMedia) Stop()                             {}

func TestRelay_HostAndGuestOverRelay(t *testing.T) {
	_, url := startRelay(t)
	hostStore, guestStore := dial(t, url), dial(t, url)
	hostSession := &fixedNegotiator{}

	host, err := room.StartRoom(context.Background(), room.Options{
		Store: hostStore,
		Media: videoMedia{},
		Sessions: func(negotiation.Role, func(negotiation.Event)) (room.Negotiator, error) {
			return hostSession, nil
		},
	})
	if err != nil {
		t.Fatalf("StartRoom: %v", err)
	}
	defer host.Abandon()

	guest, err := room.JoinRoom(context.Background(), room.Options{
		Store: guestStore,
		Media: videoMedia{},
		Sessions: func(negotiation.Role, func(negotiation.Event)) (room.Negotiator, error) {
			return &fixedNegotiator{}, nil
		},
	}, host.RoomID())
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		hostSession.mu.Lock()
		n := len(hostSession.applied)
		hostSession.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("host never applied the guest answer")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := guest.EndCall(context.Background()); err != nil {
		t.Fatalf("guest EndCall: %v", err)
	}
	select {
	case <-host.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("host did not notice the guest leaving")
	}
	if got := host.Ended(); got.Reason != room.ReasonPeerLeft {
		t.Errorf("expected peer-left, got %+v", got)
	}
}
