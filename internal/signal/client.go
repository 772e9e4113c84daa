package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"oreocam/native/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned for requests made on a closed client.
var ErrClosed = errors.New("signal client closed")

const writeWait = 5 * time.Second

// Client is a domain.Store backed by a relay server over a WebSocket.
type Client struct {
	url        string
	pingPeriod time.Duration
	conn       *websocket.Conn

	// mu serializes writes to conn.
	mu sync.Mutex

	pmu     sync.Mutex
	pending map[string]chan Frame
	subs    map[string]*subscription

	closed    chan struct{}
	closeOnce sync.Once
}

var _ domain.Store = (*Client)(nil)

// NewClient creates a client for the relay at url.
func NewClient(url string, pingPeriod time.Duration) *Client {
	return &Client{
		url:        url,
		pingPeriod: pingPeriod,
		pending:    make(map[string]chan Frame),
		subs:       make(map[string]*subscription),
		closed:     make(chan struct{}),
	}
}

// Connect dials the relay and starts the read and ping loops.
func (c *Client) Connect(ctx context.Context) error {
	log.Info().Str("module", "signal").Str("url", c.url).Msg("connecting")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	go c.readLoop()
	if c.pingPeriod > 0 {
		go c.pingLoop()
	}
	return nil
}

// Close shuts down the WebSocket connection. Pending requests fail and every
// live subscription receives a final snapshot carrying ErrStoreReadUnavailable.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.mu.Lock()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.mu.Unlock()
			c.conn.Close()
		}

		c.pmu.Lock()
		subs := c.subs
		c.subs = make(map[string]*subscription)
		c.pmu.Unlock()
		for _, sub := range subs {
			sub.fail(fmt.Errorf("%w: %s: %w", domain.ErrStoreReadUnavailable, sub.path, ErrClosed))
		}
	})
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.closed }

func (c *Client) CreateOrMerge(ctx context.Context, path string, fields domain.Document) error {
	_, err := c.do(ctx, Frame{Method: MethodMerge, Path: path, Fields: fields})
	return err
}

func (c *Client) AppendToArray(ctx context.Context, path, field, value string) error {
	_, err := c.do(ctx, Frame{Method: MethodAppend, Path: path, Field: field, Value: value})
	return err
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.do(ctx, Frame{Method: MethodDelete, Path: path})
	return err
}

// Subscribe registers onChange before the request is sent so the initial
// snapshot cannot be missed.
func (c *Client) Subscribe(ctx context.Context, path string, onChange func(domain.Snapshot)) (domain.Unsubscribe, error) {
	id := uuid.NewString()
	sub := newSubscription(path, onChange)

	c.pmu.Lock()
	select {
	case <-c.closed:
		c.pmu.Unlock()
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrStoreReadUnavailable, path, ErrClosed)
	default:
	}
	c.subs[id] = sub
	c.pmu.Unlock()
	go sub.run()

	if _, err := c.send(ctx, Frame{ID: id, Method: MethodSubscribe, Path: path}); err != nil {
		c.dropSub(id)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.dropSub(id)
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			if _, err := c.send(ctx, Frame{ID: id, Method: MethodUnsubscribe}); err != nil && !errors.Is(err, ErrClosed) {
				log.Debug().Err(err).Str("module", "signal").Str("path", path).Msg("unsubscribe")
			}
		})
	}, nil
}

func (c *Client) dropSub(id string) {
	c.pmu.Lock()
	sub := c.subs[id]
	delete(c.subs, id)
	c.pmu.Unlock()
	if sub != nil {
		sub.stop()
	}
}

func (c *Client) do(ctx context.Context, req Frame) (Frame, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return c.send(ctx, req)
}

// send writes req and waits for its response.
func (c *Client) send(ctx context.Context, req Frame) (Frame, error) {
	category := domain.ErrStoreWrite
	if req.Method == MethodSubscribe {
		category = domain.ErrStoreReadUnavailable
	}

	ch := make(chan Frame, 1)
	c.pmu.Lock()
	select {
	case <-c.closed:
		c.pmu.Unlock()
		return Frame{}, fmt.Errorf("%w: %w", category, ErrClosed)
	default:
	}
	c.pending[req.ID] = ch
	c.pmu.Unlock()
	defer func() {
		c.pmu.Lock()
		delete(c.pending, req.ID)
		c.pmu.Unlock()
	}()

	if err := c.writeJSON(req); err != nil {
		return Frame{}, fmt.Errorf("%w: %s %s: %w", category, req.Method, req.Path, err)
	}

	select {
	case resp := <-ch:
		return resp, resp.Err(req.Method)
	case <-ctx.Done():
		return Frame{}, fmt.Errorf("%w: %s %s: %w", category, req.Method, req.Path, ctx.Err())
	case <-c.closed:
		return Frame{}, fmt.Errorf("%w: %w", category, ErrClosed)
	}
}

func (c *Client) writeJSON(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	log.Trace().Str("module", "signal").RawJSON("frame", data).Msg(">>>")
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Warn().Err(err).Str("module", "signal").Msg("read error")
			}
			return
		}

		log.Trace().Str("module", "signal").RawJSON("frame", data).Msg("<<<")

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("module", "signal").Msg("unmarshal error")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Method {
	case MethodResponse:
		c.pmu.Lock()
		ch := c.pending[f.ID]
		c.pmu.Unlock()
		if ch != nil {
			ch <- f
		}

	case MethodSnapshot:
		c.pmu.Lock()
		sub := c.subs[f.ID]
		if sub != nil && f.Error != "" {
			delete(c.subs, f.ID)
		}
		c.pmu.Unlock()
		if sub == nil {
			return
		}
		if f.Error != "" {
			sub.fail(f.Err(MethodSnapshot))
			return
		}
		sub.push(domain.Snapshot{Path: f.Path, Exists: f.Exists, Data: f.Data})

	default:
		log.Warn().Str("module", "signal").Str("method", f.Method).Msg("unhandled method")
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(writeWait),
			)
			c.mu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					log.Warn().Err(err).Str("module", "signal").Msg("ping error")
				}
				return
			}
		}
	}
}

// subscription delivers snapshots in order on its own goroutine so a slow
// consumer never stalls the read loop.
type subscription struct {
	path     string
	onChange func(domain.Snapshot)

	mu      sync.Mutex
	queue   []domain.Snapshot
	stopped bool
	failed  bool
	wake    chan struct{}
}

func newSubscription(path string, onChange func(domain.Snapshot)) *subscription {
	return &subscription{path: path, onChange: onChange, wake: make(chan struct{}, 1)}
}

func (s *subscription) push(snap domain.Snapshot) {
	s.mu.Lock()
	if s.stopped || s.failed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, snap)
	s.mu.Unlock()
	s.signal()
}

// fail queues a final error snapshot after whatever is still pending.
func (s *subscription) fail(err error) {
	s.mu.Lock()
	if s.stopped || s.failed {
		s.mu.Unlock()
		return
	}
	s.failed = true
	s.queue = append(s.queue, domain.Snapshot{Path: s.path, Err: err})
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) run() {
	for range s.wake {
		for {
			s.mu.Lock()
			if s.stopped {
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 {
				done := s.failed
				s.mu.Unlock()
				if done {
					return
				}
				break
			}
			snap := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.onChange(snap)
		}
	}
}
